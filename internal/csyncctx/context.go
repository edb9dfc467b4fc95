// Package csyncctx carries the explicit, process-lifetime dependencies
// every operation needs, replacing the many process-wide singletons
// (config, database handle, logger, limits) of the original design
// (spec.md §9).
package csyncctx

import (
	"log/slog"

	"github.com/csync2go/csyncd/internal/group"
	"github.com/csync2go/csyncd/internal/store"
)

// Limits bounds the per-process busy-retry timeout and the action
// runner's concurrency, mirroring store.Limits' shape but scoped to the
// values callers outside the store package need to read.
type Limits struct {
	// ActionConcurrency bounds how many action batches run at once
	// (internal/action.Runner). Zero means no bound.
	ActionConcurrency int
	// Store tunes the implicit-transaction batching described in
	// store.Limits; it is threaded through unchanged at store.Open time.
	Store store.Limits
}

// DefaultLimits returns the limits spec.md §4.5/§9 describes.
func DefaultLimits() Limits {
	return Limits{
		ActionConcurrency: 0,
		Store:             store.DefaultLimits(),
	}
}

// Context bundles everything an operation needs instead of reaching for
// global state: the cluster's group model, the local Store, a logger, and
// tuning limits (spec.md §9's explicit Context).
type Context struct {
	Config *group.ConfigGroups
	Store  store.Store
	Logger *slog.Logger
	Limits Limits
}

// Log returns ctx.Logger, or a discarding logger if none was set, so
// callers never need a nil check.
func (c *Context) Log() *slog.Logger {
	if c.Logger == nil {
		return slog.New(slog.NewTextHandler(discard{}, nil))
	}

	return c.Logger
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
