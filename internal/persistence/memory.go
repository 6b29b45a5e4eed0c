package persistence

import (
	"context"
	"slices"
	"sync"

	"github.com/google/btree"
)

type entry struct {
	key   string
	value []byte
}

func entryLess(a, b entry) bool { return a.key < b.key }

type tree = btree.BTreeG[entry]

// Memory is an in-memory Backend. Each store is a copy-on-write B-tree, so
// an Update works on cheap clones and commits by swapping them in.
type Memory struct {
	mu     sync.RWMutex
	stores map[string]*tree
	closed bool
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{stores: make(map[string]*tree)}
}

// View implements Backend.
func (m *Memory) View(ctx context.Context, name string, fn func(ReadTxn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return fn(&memoryTxn{stores: m.stores})
}

// Update implements Backend.
func (m *Memory) Update(ctx context.Context, name string, fn func(WriteTxn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	txn := &memoryTxn{stores: m.stores, dirty: make(map[string]*tree)}
	if err := fn(txn); err != nil {
		return err
	}
	if len(txn.dirty) > 0 {
		next := make(map[string]*tree, len(m.stores)+len(txn.dirty))
		for k, v := range m.stores {
			next[k] = v
		}
		for k, v := range txn.dirty {
			next[k] = v
		}
		m.stores = next
	}
	return nil
}

// Close implements Backend.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

type memoryTxn struct {
	stores map[string]*tree
	dirty  map[string]*tree
}

func (t *memoryTxn) read(store string) *tree {
	if tr, ok := t.dirty[store]; ok {
		return tr
	}
	return t.stores[store]
}

func (t *memoryTxn) write(store string) *tree {
	if tr, ok := t.dirty[store]; ok {
		return tr
	}
	var tr *tree
	if base, ok := t.stores[store]; ok {
		tr = base.Clone()
	} else {
		tr = btree.NewG(32, entryLess)
	}
	t.dirty[store] = tr
	return tr
}

func (t *memoryTxn) Get(store, key string) ([]byte, bool, error) {
	tr := t.read(store)
	if tr == nil {
		return nil, false, nil
	}
	e, ok := tr.Get(entry{key: key})
	if !ok {
		return nil, false, nil
	}
	return slices.Clone(e.value), true, nil
}

func (t *memoryTxn) Scan(store string, r KeyRange, fn func(key string, value []byte) (bool, error)) error {
	tr := t.read(store)
	if tr == nil {
		return nil
	}
	// Collect first so fn may write to the same store.
	var hits []entry
	visit := func(e entry) bool {
		hits = append(hits, e)
		return true
	}
	switch {
	case r.Reverse && r.End == "":
		tr.Descend(func(e entry) bool {
			if e.key < r.Start {
				return false
			}
			return visit(e)
		})
	case r.Reverse:
		tr.DescendLessOrEqual(entry{key: r.End}, func(e entry) bool {
			if e.key >= r.End {
				return true
			}
			if e.key < r.Start {
				return false
			}
			return visit(e)
		})
	case r.End == "":
		tr.AscendGreaterOrEqual(entry{key: r.Start}, visit)
	default:
		tr.AscendRange(entry{key: r.Start}, entry{key: r.End}, visit)
	}
	for _, e := range hits {
		more, err := fn(e.key, slices.Clone(e.value))
		if err != nil || !more {
			return err
		}
	}
	return nil
}

func (t *memoryTxn) Count(store string, r KeyRange) (int, error) {
	n := 0
	err := t.Scan(store, KeyRange{Start: r.Start, End: r.End}, func(string, []byte) (bool, error) {
		n++
		return true, nil
	})
	return n, err
}

func (t *memoryTxn) Put(store, key string, value []byte) error {
	t.write(store).ReplaceOrInsert(entry{key: key, value: slices.Clone(value)})
	return nil
}

func (t *memoryTxn) Delete(store, key string) error {
	t.write(store).Delete(entry{key: key})
	return nil
}

func (t *memoryTxn) DeleteRange(store string, r KeyRange) error {
	var keys []string
	err := t.Scan(store, KeyRange{Start: r.Start, End: r.End}, func(k string, _ []byte) (bool, error) {
		keys = append(keys, k)
		return true, nil
	})
	if err != nil || len(keys) == 0 {
		return err
	}
	tr := t.write(store)
	for _, k := range keys {
		tr.Delete(entry{key: k})
	}
	return nil
}
