// internal/jit/options.go
package jit

import (
	"github.com/docker/go-units"
	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

// Default promotion thresholds and cache budget.
const (
	DefaultBaselineThreshold  = 100
	DefaultOptimizedThreshold = 10000
	DefaultMaxCacheSize       = 64 * 1024 * 1024
)

// Options is the engine's static configuration. It is copied at
// construction and immutable afterwards.
type Options struct {
	// BaselineEnabled and OptimizedEnabled gate the two compiled
	// tiers. A disabled tier is treated as "keep interpreting" (or
	// stay at the tier below).
	BaselineEnabled  bool
	OptimizedEnabled bool

	// AotEnabled gates whole-module ahead-of-time compilation.
	AotEnabled bool

	// OsrEnabled is reserved for on-stack replacement; no code path
	// consumes it yet.
	OsrEnabled bool

	// BaselineThreshold and OptimizedThreshold are call counts,
	// inclusive at the boundary call.
	BaselineThreshold  uint64
	OptimizedThreshold uint64

	// MaxCacheSize is the code cache byte budget.
	MaxCacheSize int64

	// PersistDir, when set, enables the file-backed cache of
	// optimized blobs under that directory.
	PersistDir string

	// Logger receives structured debug logs. Nil means silent.
	Logger *zap.Logger
}

// DefaultOptions returns the standard configuration: both compiled
// tiers and AOT on, OSR off, 100/10000 call thresholds, 64 MiB cache.
func DefaultOptions() Options {
	return Options{
		BaselineEnabled:    true,
		OptimizedEnabled:   true,
		AotEnabled:         true,
		OsrEnabled:         false,
		BaselineThreshold:  DefaultBaselineThreshold,
		OptimizedThreshold: DefaultOptimizedThreshold,
		MaxCacheSize:       DefaultMaxCacheSize,
	}
}

// ParseCacheSize converts a human-friendly size string ("64MiB",
// "512kb", "1g") to bytes.
func ParseCacheSize(s string) (int64, error) {
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, pkgerrors.Wrapf(err, "cache size %q", s)
	}
	return n, nil
}
