package profile

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"wasmjit/internal/wasm"
)

func fid(idx uint32) wasm.FunctionID {
	return wasm.FunctionID{Module: "m", Index: idx}
}

func TestRecordAndTierThresholds(t *testing.T) {
	tr := NewTracker(100, 10000)
	id := fid(0)

	for i := 1; i < 100; i++ {
		require.Equal(t, TierInterpreter, tr.RecordAndTier(id), "call %d", i)
	}
	// thresholds are inclusive at the boundary call
	require.Equal(t, TierBaseline, tr.RecordAndTier(id))
	for i := 101; i < 10000; i++ {
		require.Equal(t, TierBaseline, tr.RecordAndTier(id), "call %d", i)
	}
	require.Equal(t, TierOptimized, tr.RecordAndTier(id))
	require.Equal(t, TierOptimized, tr.RecordAndTier(id))
}

func TestTierNeverDecreases(t *testing.T) {
	tr := NewTracker(2, 4)
	id := fid(1)
	prev := TierInterpreter
	for i := 0; i < 10; i++ {
		got := tr.RecordAndTier(id)
		require.GreaterOrEqual(t, got, prev)
		prev = got
	}
}

func TestLazyCreation(t *testing.T) {
	tr := NewTracker(100, 10000)
	require.Equal(t, 0, tr.Len())
	require.Nil(t, tr.Get(fid(0)))
	require.Equal(t, uint64(0), tr.CallCount(fid(0)))

	tr.RecordAndTier(fid(0))
	require.Equal(t, 1, tr.Len())
	require.Equal(t, uint64(1), tr.CallCount(fid(0)))
}

func TestCallSiteAndLoopCounters(t *testing.T) {
	tr := NewTracker(100, 10000)
	id := fid(2)
	tr.RecordCallSite(id, 7)
	tr.RecordCallSite(id, 7)
	tr.RecordLoop(id, 3, 500)
	tr.RecordLoop(id, 3, 250)

	d := tr.Get(id)
	require.NotNil(t, d)
	require.Equal(t, uint64(2), d.CallSites[7])
	require.Equal(t, uint64(750), d.LoopHeads[3])
}

func TestGetReturnsSnapshot(t *testing.T) {
	tr := NewTracker(100, 10000)
	id := fid(3)
	tr.RecordAndTier(id)
	snap := tr.Get(id)
	tr.RecordAndTier(id)
	require.Equal(t, uint64(1), snap.CallCount)
	require.Equal(t, uint64(2), tr.CallCount(id))
}

func TestConcurrentRecording(t *testing.T) {
	tr := NewTracker(100, 10000)
	id := fid(4)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				tr.RecordAndTier(id)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, uint64(8000), tr.CallCount(id))
}
