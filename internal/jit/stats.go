// internal/jit/stats.go
package jit

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// Stats is the engine's monotonically increasing counter set.
// Deoptimizations is reserved: nothing increments it yet, but the
// counter keeps its slot so readers of long-lived stats streams see a
// stable shape.
type Stats struct {
	BaselineCompilations  uint64
	OptimizedCompilations uint64
	CacheHits             uint64
	CacheMisses           uint64
	Deoptimizations       uint64
	GeneratedBytes        uint64
	CompileTime           time.Duration
}

func (s Stats) String() string {
	return fmt.Sprintf(
		"compilations: %d baseline, %d optimized; cache: %d hits, %d misses; generated %s in %s",
		s.BaselineCompilations, s.OptimizedCompilations,
		s.CacheHits, s.CacheMisses,
		humanize.IBytes(s.GeneratedBytes), s.CompileTime)
}

// engineStats is the live atomic representation behind Stats.
type engineStats struct {
	baselineCompilations  atomic.Uint64
	optimizedCompilations atomic.Uint64
	cacheHits             atomic.Uint64
	cacheMisses           atomic.Uint64
	deoptimizations       atomic.Uint64
	generatedBytes        atomic.Uint64
	compileTimeNs         atomic.Uint64
}

func (s *engineStats) recordCompile(optimized bool, bytes int, elapsed time.Duration) {
	if optimized {
		s.optimizedCompilations.Add(1)
	} else {
		s.baselineCompilations.Add(1)
	}
	s.generatedBytes.Add(uint64(bytes))
	s.compileTimeNs.Add(uint64(elapsed.Nanoseconds()))
}

func (s *engineStats) snapshot() Stats {
	return Stats{
		BaselineCompilations:  s.baselineCompilations.Load(),
		OptimizedCompilations: s.optimizedCompilations.Load(),
		CacheHits:             s.cacheHits.Load(),
		CacheMisses:           s.cacheMisses.Load(),
		Deoptimizations:       s.deoptimizations.Load(),
		GeneratedBytes:        s.generatedBytes.Load(),
		CompileTime:           time.Duration(s.compileTimeNs.Load()),
	}
}
