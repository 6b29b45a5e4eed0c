package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/joho/godotenv"

	"github.com/roach88/docsync/internal/local"
	"github.com/roach88/docsync/internal/model"
	"github.com/roach88/docsync/internal/remote"
)

//go:embed schema.cue
var schemaSource string

// EnvPrefix prefixes every environment override. The rest of the name is
// the upper-cased field path with dots replaced by underscores, for
// example DOCSYNC_GC_PERCENTILE.
const EnvPrefix = "DOCSYNC_"

// Config is the resolved client configuration.
type Config struct {
	Database    model.DatabaseID
	Persistence Persistence
	Remote      Remote
	Auth        Auth

	MaxPendingWrites              int
	OnlineStateTimeout            time.Duration
	MaxWatchStreamFailures        int
	BloomFilterMaxBits            int
	MaxConcurrentLimboResolutions int
	ResumeTokenMaxAge             time.Duration

	GC      GC
	Indexes Indexes

	LogLevel slog.Level
}

type Persistence struct {
	// Memory keeps everything in process; Path and Driver are ignored.
	Memory bool
	Path   string
	Driver string
}

type Remote struct {
	URL    string
	Stream remote.StreamOptions
}

// Auth holds a static identity. An empty UID means unauthenticated.
type Auth struct {
	UID   string
	Token string
}

type GC struct {
	Params       local.LRUParams
	InitialDelay time.Duration
	Interval     time.Duration
}

type Indexes struct {
	AutoCreate        bool
	MinCollectionSize int
	RelativeReadCost  float64

	BackfillInitialDelay time.Duration
	BackfillInterval     time.Duration
	BackfillMaxDocuments int

	Fields []local.FieldIndex
}

// Options selects the sources Load reads.
type Options struct {
	// File is a CUE or JSON document unified with the defaults. Empty
	// means defaults only.
	File string

	// EnvFile is a dotenv file consulted before the process environment.
	// A missing file is not an error.
	EnvFile string

	// Environ replaces os.Environ.
	Environ []string
}

// Error is a configuration that failed to compile or validate.
type Error struct {
	Source string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Source, strings.TrimSpace(cueerrors.Details(e.Err, nil)))
}

func (e *Error) Unwrap() error { return e.Err }

// Default returns the schema defaults.
func Default() (*Config, error) {
	return Load(Options{Environ: []string{}})
}

// Load resolves the configuration. Environment overrides win over the
// file, which wins over the schema defaults; the schema constraints apply
// to the result.
func Load(opts Options) (*Config, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, &Error{Source: "schema.cue", Err: err}
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	data := map[string]any{}
	if opts.File != "" {
		src, err := os.ReadFile(opts.File)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		user := ctx.CompileBytes(src, cue.Filename(opts.File))
		if err := user.Err(); err != nil {
			return nil, &Error{Source: opts.File, Err: err}
		}
		if data, err = concreteData(user); err != nil {
			return nil, &Error{Source: opts.File, Err: err}
		}
	}

	env, err := readEnv(opts)
	if err != nil {
		return nil, err
	}
	if err := applyEnv(def, data, env); err != nil {
		return nil, err
	}

	merged, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	v := def.Unify(ctx.CompileBytes(merged, cue.Filename(sourceName(opts))))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, &Error{Source: sourceName(opts), Err: err}
	}
	var raw rawConfig
	if err := v.Decode(&raw); err != nil {
		return nil, &Error{Source: sourceName(opts), Err: err}
	}
	return raw.resolve()
}

// concreteData round-trips the user document through JSON so integer
// literals stay integers when unified with the schema.
func concreteData(v cue.Value) (map[string]any, error) {
	b, err := v.MarshalJSON()
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	data := map[string]any{}
	if err := dec.Decode(&data); err != nil {
		return nil, err
	}
	return data, nil
}

func sourceName(opts Options) string {
	if opts.File == "" {
		return "environment"
	}
	return opts.File
}

// readEnv collects DOCSYNC_ variables, process environment last.
func readEnv(opts Options) (map[string]string, error) {
	env := map[string]string{}
	if opts.EnvFile != "" {
		vars, err := godotenv.Read(opts.EnvFile)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read env file: %w", err)
		}
		for k, v := range vars {
			if strings.HasPrefix(k, EnvPrefix) {
				env[k] = v
			}
		}
	}
	environ := opts.Environ
	if environ == nil {
		environ = os.Environ()
	}
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if ok && strings.HasPrefix(k, EnvPrefix) {
			env[k] = v
		}
	}
	return env, nil
}

// EnvName returns the variable overriding the field at path.
func EnvName(path string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(path, ".", "_"))
}

// applyEnv walks the scalar fields of the schema and copies matching
// variables into data, parsed by the field's kind.
func applyEnv(def cue.Value, data map[string]any, env map[string]string) error {
	if len(env) == 0 {
		return nil
	}
	return walkLeaves(def, nil, func(path []string, leaf cue.Value) error {
		name := EnvName(strings.Join(path, "."))
		raw, ok := env[name]
		if !ok {
			return nil
		}
		val, err := parseEnvValue(leaf.IncompleteKind(), raw)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		setPath(data, path, val)
		return nil
	})
}

func walkLeaves(v cue.Value, prefix []string, fn func(path []string, leaf cue.Value) error) error {
	iter, err := v.Fields()
	if err != nil {
		return err
	}
	for iter.Next() {
		path := append(append([]string(nil), prefix...), iter.Selector().String())
		child := iter.Value()
		switch child.IncompleteKind() {
		case cue.StructKind:
			if err := walkLeaves(child, path, fn); err != nil {
				return err
			}
		case cue.ListKind:
			// Lists only come from the config file.
		default:
			if err := fn(path, child); err != nil {
				return err
			}
		}
	}
	return nil
}

func parseEnvValue(kind cue.Kind, raw string) (any, error) {
	switch {
	case kind == cue.BoolKind:
		return strconv.ParseBool(raw)
	case kind == cue.IntKind:
		return strconv.ParseInt(raw, 10, 64)
	case kind&cue.FloatKind != 0:
		return strconv.ParseFloat(raw, 64)
	default:
		return raw, nil
	}
}

func setPath(data map[string]any, path []string, val any) {
	m := data
	for _, p := range path[:len(path)-1] {
		next, ok := m[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			m[p] = next
		}
		m = next
	}
	m[path[len(path)-1]] = val
}
