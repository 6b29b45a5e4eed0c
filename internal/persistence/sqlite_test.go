package persistence

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenSQLite_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := OpenSQLite(context.Background(), path, SQLiteOptions{})
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(path)
	assert.NoError(t, err, "database file was not created")
	assert.NotEmpty(t, s.ClientID())
}

func TestOpenSQLite_Pragmas(t *testing.T) {
	for _, driver := range []string{DriverCGo, DriverPure} {
		t.Run(driver, func(t *testing.T) {
			s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "test.db"), SQLiteOptions{Driver: driver})
			require.NoError(t, err)
			defer s.Close()

			assert.NoError(t, s.verifyPragma("journal_mode", "wal"))
			assert.NoError(t, s.verifyPragma("synchronous", "1"))
			assert.NoError(t, s.verifyPragma("busy_timeout", "5000"))
			assert.NoError(t, s.verifyPragma("foreign_keys", "1"))
			assert.NoError(t, s.verifyPragma("user_version", fmt.Sprint(currentSchemaVersion)))
		})
	}
}

func TestOpenSQLite_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s1, err := OpenSQLite(context.Background(), path, SQLiteOptions{})
	require.NoError(t, err)
	put(t, s1, "docs", "a", "1")
	require.NoError(t, s1.Close())

	s2, err := OpenSQLite(context.Background(), path, SQLiteOptions{})
	require.NoError(t, err)
	defer s2.Close()
	assert.Equal(t, []string{"a"}, scanKeys(t, s2, "docs", All))
}

func TestOpenSQLite_LatestOpenerOwns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	first, err := OpenSQLite(context.Background(), path, SQLiteOptions{ClientID: "first"})
	require.NoError(t, err)
	defer first.Close()
	put(t, first, "docs", "a", "1")

	second, err := OpenSQLite(context.Background(), path, SQLiteOptions{ClientID: "second"})
	require.NoError(t, err)
	defer second.Close()

	err = first.Update(context.Background(), "write", func(txn WriteTxn) error {
		return txn.Put("docs", "b", []byte("2"))
	})
	assert.ErrorIs(t, err, ErrPrimaryLeaseLost)
	assert.False(t, IsRetryable(err))

	// Reads still work for the secondary.
	assert.Equal(t, []string{"a"}, scanKeys(t, first, "docs", All))
	put(t, second, "docs", "c", "3")
}

type codedErr int

func (e codedErr) Error() string { return fmt.Sprintf("sqlite code %d", int(e)) }
func (e codedErr) Code() int     { return int(e) }

func TestClassify(t *testing.T) {
	assert.Nil(t, classify(nil))
	assert.True(t, IsRetryable(classify(codedErr(5))))
	assert.True(t, IsRetryable(classify(codedErr(6|(2<<8)))), "extended codes are masked")
	assert.False(t, IsRetryable(classify(codedErr(19))))

	plain := errors.New("other")
	assert.Same(t, plain, classify(plain))
}
