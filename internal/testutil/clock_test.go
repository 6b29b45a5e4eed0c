package testutil

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManualClock_StartsAtStart(t *testing.T) {
	clock := NewManualClock(1000)
	assert.Equal(t, int64(1000), clock.Current().Micros())
}

func TestManualClock_NowAdvancesMonotonically(t *testing.T) {
	clock := NewManualClock(0)

	assert.Equal(t, int64(1), clock.Now().Micros())
	assert.Equal(t, int64(2), clock.Now().Micros())
	assert.Equal(t, int64(2), clock.Current().Micros())

	clock.Advance(1_000_000)
	assert.Equal(t, int64(1_000_003), clock.Now().Micros())
}

func TestManualClock_Reset(t *testing.T) {
	clock := NewManualClock(0)
	clock.Now()
	clock.Now()

	clock.Reset(10)
	assert.Equal(t, int64(10), clock.Current().Micros())
	assert.Equal(t, int64(11), clock.Now().Micros())
}

func TestManualClock_ThreadSafe(t *testing.T) {
	clock := NewManualClock(0)
	const numGoroutines = 50
	const callsPerGoroutine = 100

	var wg sync.WaitGroup
	wg.Add(numGoroutines)
	results := make([][]int64, numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		results[i] = make([]int64, callsPerGoroutine)
		go func(idx int) {
			defer wg.Done()
			for j := 0; j < callsPerGoroutine; j++ {
				results[idx][j] = clock.Now().Micros()
			}
		}(i)
	}
	wg.Wait()

	seen := make(map[int64]bool)
	for _, rs := range results {
		for _, v := range rs {
			require.False(t, seen[v], "duplicate value %d", v)
			seen[v] = true
		}
	}
	assert.Len(t, seen, numGoroutines*callsPerGoroutine)
}
