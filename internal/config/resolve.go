package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/docsync/internal/local"
	"github.com/roach88/docsync/internal/model"
	"github.com/roach88/docsync/internal/remote"
)

// rawConfig mirrors #Config. Durations stay strings until resolve.
type rawConfig struct {
	Database struct {
		Project string `json:"project"`
		Name    string `json:"name"`
	} `json:"database"`
	Persistence struct {
		Memory bool   `json:"memory"`
		Path   string `json:"path"`
		Driver string `json:"driver"`
	} `json:"persistence"`
	Remote struct {
		URL         string `json:"url"`
		IdleTimeout string `json:"idle_timeout"`
		Backoff     struct {
			InitialDelay string  `json:"initial_delay"`
			MaxDelay     string  `json:"max_delay"`
			Factor       float64 `json:"factor"`
		} `json:"backoff"`
	} `json:"remote"`
	Auth struct {
		UID   string `json:"uid"`
		Token string `json:"token"`
	} `json:"auth"`
	Writes struct {
		MaxPending int `json:"max_pending"`
	} `json:"writes"`
	Watch struct {
		OnlineStateTimeout            string `json:"online_state_timeout"`
		MaxStreamFailures             int    `json:"max_stream_failures"`
		BloomFilterMaxBits            int    `json:"bloom_filter_max_bits"`
		MaxConcurrentLimboResolutions int    `json:"max_concurrent_limbo_resolutions"`
		ResumeTokenMaxAge             string `json:"resume_token_max_age"`
	} `json:"watch"`
	GC struct {
		CacheSizeThresholdBytes int64  `json:"cache_size_threshold_bytes"`
		Percentile              int    `json:"percentile"`
		MaxSequenceNumbers      int    `json:"max_sequence_numbers"`
		InitialDelay            string `json:"initial_delay"`
		Interval                string `json:"interval"`
	} `json:"gc"`
	Indexes struct {
		AutoCreate        bool    `json:"auto_create"`
		MinCollectionSize int     `json:"min_collection_size"`
		RelativeReadCost  float64 `json:"relative_read_cost"`
		Backfill          struct {
			InitialDelay string `json:"initial_delay"`
			Interval     string `json:"interval"`
			MaxDocuments int    `json:"max_documents"`
		} `json:"backfill"`
		Fields []struct {
			CollectionGroup string `json:"collection_group"`
			Segments        []struct {
				Field string `json:"field"`
				Kind  string `json:"kind"`
			} `json:"segments"`
		} `json:"fields"`
	} `json:"indexes"`
	Log struct {
		Level string `json:"level"`
	} `json:"log"`
}

// durations parses named duration fields, failing on the first bad one.
type durations struct{ err error }

func (d *durations) parse(name, s string) time.Duration {
	if d.err != nil {
		return 0
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		d.err = fmt.Errorf("%s: %w", name, err)
	}
	return v
}

func (r rawConfig) resolve() (*Config, error) {
	var d durations
	cfg := &Config{
		Database: model.DatabaseID{ProjectID: r.Database.Project, Database: r.Database.Name},
		Persistence: Persistence{
			Memory: r.Persistence.Memory,
			Path:   r.Persistence.Path,
			Driver: r.Persistence.Driver,
		},
		Remote: Remote{
			URL: r.Remote.URL,
			Stream: remote.StreamOptions{
				IdleTimeout:         d.parse("remote.idle_timeout", r.Remote.IdleTimeout),
				BackoffInitialDelay: d.parse("remote.backoff.initial_delay", r.Remote.Backoff.InitialDelay),
				BackoffMaxDelay:     d.parse("remote.backoff.max_delay", r.Remote.Backoff.MaxDelay),
				BackoffFactor:       r.Remote.Backoff.Factor,
			},
		},
		Auth:                          Auth{UID: r.Auth.UID, Token: r.Auth.Token},
		MaxPendingWrites:              r.Writes.MaxPending,
		OnlineStateTimeout:            d.parse("watch.online_state_timeout", r.Watch.OnlineStateTimeout),
		MaxWatchStreamFailures:        r.Watch.MaxStreamFailures,
		BloomFilterMaxBits:            r.Watch.BloomFilterMaxBits,
		MaxConcurrentLimboResolutions: r.Watch.MaxConcurrentLimboResolutions,
		ResumeTokenMaxAge:             d.parse("watch.resume_token_max_age", r.Watch.ResumeTokenMaxAge),
		GC: GC{
			Params: local.LRUParams{
				CacheSizeCollectionThreshold:    r.GC.CacheSizeThresholdBytes,
				PercentileToCollect:             r.GC.Percentile,
				MaximumSequenceNumbersToCollect: r.GC.MaxSequenceNumbers,
			},
			InitialDelay: d.parse("gc.initial_delay", r.GC.InitialDelay),
			Interval:     d.parse("gc.interval", r.GC.Interval),
		},
		Indexes: Indexes{
			AutoCreate:           r.Indexes.AutoCreate,
			MinCollectionSize:    r.Indexes.MinCollectionSize,
			RelativeReadCost:     r.Indexes.RelativeReadCost,
			BackfillInitialDelay: d.parse("indexes.backfill.initial_delay", r.Indexes.Backfill.InitialDelay),
			BackfillInterval:     d.parse("indexes.backfill.interval", r.Indexes.Backfill.Interval),
			BackfillMaxDocuments: r.Indexes.Backfill.MaxDocuments,
		},
	}
	if d.err != nil {
		return nil, d.err
	}
	if r.GC.CacheSizeThresholdBytes < 0 {
		cfg.GC.Params.CacheSizeCollectionThreshold = local.CacheSizeUnlimited
	}
	if err := cfg.LogLevel.UnmarshalText([]byte(r.Log.Level)); err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}

	for i, f := range r.Indexes.Fields {
		index := local.FieldIndex{CollectionGroup: f.CollectionGroup}
		for _, s := range f.Segments {
			path, err := model.ParseFieldPath(s.Field)
			if err != nil {
				return nil, fmt.Errorf("indexes.fields[%d]: %w", i, err)
			}
			kind, err := local.ParseSegmentKind(s.Kind)
			if err != nil {
				return nil, fmt.Errorf("indexes.fields[%d]: %w", i, err)
			}
			index.Segments = append(index.Segments, local.IndexSegment{Field: path, Kind: kind})
		}
		cfg.Indexes.Fields = append(cfg.Indexes.Fields, index)
	}
	return cfg, nil
}

// LogValue summarizes the configuration without the auth token.
func (c *Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("database", c.Database.ProjectID+"/"+c.Database.Database),
		slog.Bool("memory", c.Persistence.Memory),
		slog.String("path", c.Persistence.Path),
		slog.String("driver", c.Persistence.Driver),
		slog.String("remote", c.Remote.URL),
		slog.String("uid", c.Auth.UID),
		slog.Int("field_indexes", len(c.Indexes.Fields)),
	)
}
