// internal/profile/profile.go

// Package profile tracks per-function call counts and answers tier
// decisions for the engine.
package profile

import (
	"math"
	"sync"

	"wasmjit/internal/wasm"
)

// Tier is the highest compilation level a function has qualified for.
// The ordering matters: promotion only ever moves upward.
type Tier int

const (
	TierInterpreter Tier = iota
	TierBaseline
	TierOptimized
)

func (t Tier) String() string {
	switch t {
	case TierInterpreter:
		return "interpreter"
	case TierBaseline:
		return "baseline"
	case TierOptimized:
		return "optimized"
	default:
		return "unknown"
	}
}

// Data is the profile for one function. CallCount drives tier
// decisions; the per-site and per-loop counters feed the optimized
// pipeline's inlining and unrolling passes. Entries are created
// lazily and never deleted, so a function's tier survives cache
// invalidation.
type Data struct {
	CallCount uint64
	CallSites map[uint32]uint64 // call instruction index -> observed calls
	LoopHeads map[uint32]uint64 // loop instruction index -> observed iterations
}

// Tracker observes calls and maps call counts to tiers. Thresholds
// are inclusive: the call that reaches a threshold is the first call
// at the new tier.
type Tracker struct {
	mu        sync.RWMutex
	funcs     map[wasm.FunctionID]*Data
	baseline  uint64
	optimized uint64
}

// NewTracker creates a tracker with the given promotion thresholds.
func NewTracker(baselineThreshold, optimizedThreshold uint64) *Tracker {
	return &Tracker{
		funcs:     make(map[wasm.FunctionID]*Data),
		baseline:  baselineThreshold,
		optimized: optimizedThreshold,
	}
}

func (t *Tracker) data(id wasm.FunctionID) *Data {
	d := t.funcs[id]
	if d == nil {
		d = &Data{}
		t.funcs[id] = d
	}
	return d
}

// RecordAndTier counts one call for id and returns the tier the
// function now qualifies for. The counter saturates instead of
// wrapping.
func (t *Tracker) RecordAndTier(id wasm.FunctionID) Tier {
	t.mu.Lock()
	defer t.mu.Unlock()

	d := t.data(id)
	if d.CallCount < math.MaxUint64 {
		d.CallCount++
	}
	switch {
	case d.CallCount >= t.optimized:
		return TierOptimized
	case d.CallCount >= t.baseline:
		return TierBaseline
	default:
		return TierInterpreter
	}
}

// RecordCallSite counts one dispatch through the call instruction at
// index site in function id.
func (t *Tracker) RecordCallSite(id wasm.FunctionID, site uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d := t.data(id)
	if d.CallSites == nil {
		d.CallSites = make(map[uint32]uint64)
	}
	d.CallSites[site]++
}

// RecordLoop counts loop iterations at the loop header at index head
// in function id.
func (t *Tracker) RecordLoop(id wasm.FunctionID, head uint32, iterations uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d := t.data(id)
	if d.LoopHeads == nil {
		d.LoopHeads = make(map[uint32]uint64)
	}
	d.LoopHeads[head] += iterations
}

// Get returns the profile for id, or nil if the function was never
// observed. The returned Data is a snapshot copy, safe to read while
// other threads keep recording.
func (t *Tracker) Get(id wasm.FunctionID) *Data {
	t.mu.RLock()
	defer t.mu.RUnlock()
	d := t.funcs[id]
	if d == nil {
		return nil
	}
	snap := &Data{CallCount: d.CallCount}
	if len(d.CallSites) > 0 {
		snap.CallSites = make(map[uint32]uint64, len(d.CallSites))
		for k, v := range d.CallSites {
			snap.CallSites[k] = v
		}
	}
	if len(d.LoopHeads) > 0 {
		snap.LoopHeads = make(map[uint32]uint64, len(d.LoopHeads))
		for k, v := range d.LoopHeads {
			snap.LoopHeads[k] = v
		}
	}
	return snap
}

// CallCount returns the observed call count for id.
func (t *Tracker) CallCount(id wasm.FunctionID) uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if d := t.funcs[id]; d != nil {
		return d.CallCount
	}
	return 0
}

// Len returns the number of functions observed so far.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.funcs)
}
