package persistence

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backends returns every Backend implementation, freshly opened.
func backends(t *testing.T) map[string]Backend {
	t.Helper()
	out := map[string]Backend{"memory": NewMemory()}
	for _, driver := range []string{DriverCGo, DriverPure} {
		s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), driver+".db"), SQLiteOptions{Driver: driver})
		require.NoError(t, err)
		out["sqlite-"+driver] = s
	}
	t.Cleanup(func() {
		for _, b := range out {
			b.Close()
		}
	})
	return out
}

func put(t *testing.T, b Backend, store string, kv ...string) {
	t.Helper()
	err := b.Update(context.Background(), "put", func(txn WriteTxn) error {
		for i := 0; i+1 < len(kv); i += 2 {
			if err := txn.Put(store, kv[i], []byte(kv[i+1])); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func scanKeys(t *testing.T, b Backend, store string, r KeyRange) []string {
	t.Helper()
	var keys []string
	err := b.View(context.Background(), "scan", func(txn ReadTxn) error {
		return txn.Scan(store, r, func(k string, _ []byte) (bool, error) {
			keys = append(keys, k)
			return true, nil
		})
	})
	require.NoError(t, err)
	return keys
}

func TestBackend_PutGetDelete(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			put(t, b, "docs", "a", "1")

			err := b.View(context.Background(), "get", func(txn ReadTxn) error {
				v, ok, err := txn.Get("docs", "a")
				require.NoError(t, err)
				assert.True(t, ok)
				assert.Equal(t, "1", string(v))

				_, ok, err = txn.Get("other", "a")
				require.NoError(t, err)
				assert.False(t, ok, "stores are independent")
				return nil
			})
			require.NoError(t, err)

			require.NoError(t, b.Update(context.Background(), "delete", func(txn WriteTxn) error {
				return txn.Delete("docs", "a")
			}))
			assert.Empty(t, scanKeys(t, b, "docs", All))
		})
	}
}

func TestBackend_UpdateRollsBackOnError(t *testing.T) {
	boom := errors.New("boom")
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			put(t, b, "docs", "keep", "1")

			err := b.Update(context.Background(), "fail", func(txn WriteTxn) error {
				require.NoError(t, txn.Put("docs", "new", []byte("x")))
				require.NoError(t, txn.Delete("docs", "keep"))
				return boom
			})
			assert.ErrorIs(t, err, boom)
			assert.Equal(t, []string{"keep"}, scanKeys(t, b, "docs", All))
		})
	}
}

func TestBackend_ScanRanges(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			put(t, b, "s", Key("a", "1"), "", Key("a", "2"), "", Key("ab", "1"), "", Key("b", "1"), "")

			assert.Equal(t, []string{Key("a", "1"), Key("a", "2")}, scanKeys(t, b, "s", PrefixRange(Prefix("a"))))
			assert.Equal(t, []string{Key("b", "1"), Key("ab", "1"), Key("a", "2"), Key("a", "1")},
				scanKeys(t, b, "s", KeyRange{Reverse: true}))
			assert.Equal(t, []string{Key("ab", "1"), Key("a", "2")},
				scanKeys(t, b, "s", KeyRange{Start: Key("a", "2"), End: Key("b", "1"), Reverse: true}))
			assert.Equal(t, []string{Key("ab", "1"), Key("b", "1")}, scanKeys(t, b, "s", KeyRange{Start: "ab"}))

			require.NoError(t, b.View(context.Background(), "count", func(txn ReadTxn) error {
				n, err := txn.Count("s", PrefixRange(Prefix("a")))
				assert.Equal(t, 2, n)
				return err
			}))
		})
	}
}

func TestBackend_ScanStopsEarly(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			put(t, b, "s", "1", "", "2", "", "3", "")
			var seen []string
			require.NoError(t, b.View(context.Background(), "scan", func(txn ReadTxn) error {
				return txn.Scan("s", All, func(k string, _ []byte) (bool, error) {
					seen = append(seen, k)
					return len(seen) < 2, nil
				})
			}))
			assert.Equal(t, []string{"1", "2"}, seen)
		})
	}
}

func TestBackend_ScanThenWriteSameStore(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			put(t, b, "s", "1", "a", "2", "b")
			err := b.Update(context.Background(), "rewrite", func(txn WriteTxn) error {
				return txn.Scan("s", All, func(k string, v []byte) (bool, error) {
					return true, txn.Put("s", k, append(v, '!'))
				})
			})
			require.NoError(t, err)
			require.NoError(t, b.View(context.Background(), "get", func(txn ReadTxn) error {
				v, _, err := txn.Get("s", "2")
				assert.Equal(t, "b!", string(v))
				return err
			}))
		})
	}
}

func TestBackend_DeleteRange(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			put(t, b, "s", Key("t", "1"), "", Key("t", "2"), "", Key("u", "1"), "")
			require.NoError(t, b.Update(context.Background(), "clear", func(txn WriteTxn) error {
				return txn.DeleteRange("s", PrefixRange(Prefix("t")))
			}))
			assert.Equal(t, []string{Key("u", "1")}, scanKeys(t, b, "s", All))
		})
	}
}

func TestBackend_ClosedMemoryRejects(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Close())
	err := m.View(context.Background(), "x", func(ReadTxn) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)
}

func TestKeyEncoding(t *testing.T) {
	assert.Less(t, Key("a", "z"), Key("ab"))
	assert.Less(t, Int(9), Int(10))
	assert.Equal(t, []string{"a", "b"}, SplitKey(Key("a", "b")))
	assert.True(t, PrefixRange("p").Contains("p\x01x"))
	assert.False(t, PrefixRange("p").Contains("q"))
	assert.Equal(t, All, PrefixRange(""))
}
