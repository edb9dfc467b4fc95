// Package action implements the post-sync action runner of spec.md
// §4.10: pending action rows are grouped by (command, logfile), each
// group's command is run once with every matching filename substituted
// in, and the rows are deleted once the command exits successfully; a
// failed batch's rows are kept.
package action

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/csync2go/csyncd/internal/store"
)

// FilenamesMarker is the literal substring every action command
// substitutes with its batch's space-separated filename list.
const FilenamesMarker = "%%"

// Runner executes pending action batches.
type Runner struct {
	store       store.Store
	logger      *slog.Logger
	concurrency int
}

// NewRunner builds a Runner over store, bounding concurrent batches to
// concurrency (0 means errgroup's default of unlimited, i.e. GOMAXPROCS
// is left to the caller to cap via concurrency > 0).
func NewRunner(s store.Store, logger *slog.Logger, concurrency int) *Runner {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(discardWriter{}, nil))
	}

	return &Runner{store: s, logger: logger, concurrency: concurrency}
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// Run drains and executes every pending action batch, bounding
// concurrency to r.concurrency batches at once. A single batch's failure
// does not stop the others; every failure is aggregated and returned
// together so no individual error is lost (spec.md §4.10, §7 "recoverable
// per-file" errors never abort the whole run).
func (r *Runner) Run(ctx context.Context) error {
	batches, err := r.store.ListActionBatches(ctx)
	if err != nil {
		return fmt.Errorf("action: list batches: %w", err)
	}

	if len(batches) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	if r.concurrency > 0 {
		g.SetLimit(r.concurrency)
	}

	var (
		mu   sync.Mutex
		errs error
	)

	for _, b := range batches {
		g.Go(func() error {
			if err := r.runBatch(gctx, b); err != nil {
				r.logger.Error("action batch failed",
					slog.String("command", b.Command), slog.String("logfile", b.Logfile), slog.Any("error", err))

				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}

			return nil
		})
	}

	_ = g.Wait()

	return errs
}

func (r *Runner) runBatch(ctx context.Context, b store.ActionBatch) error {
	command := strings.ReplaceAll(b.Command, FilenamesMarker, strings.Join(b.Filenames, " "))

	if err := runShell(ctx, command, b.Logfile); err != nil {
		return fmt.Errorf("action: run %q: %w", b.Command, err)
	}

	if err := r.store.DeleteActionBatch(ctx, b.Command, b.Logfile); err != nil {
		return fmt.Errorf("action: delete batch %q: %w", b.Command, err)
	}

	return nil
}

// runShell forks command through the shell with stdin attached to
// /dev/null and stdout/stderr appended to logfile, waiting for exit
// (spec.md §4.10).
func runShell(ctx context.Context, command, logfile string) error {
	devNull, err := os.Open(os.DevNull)
	if err != nil {
		return fmt.Errorf("open %s: %w", os.DevNull, err)
	}
	defer devNull.Close()

	logf, err := os.OpenFile(logfile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open logfile %q: %w", logfile, err)
	}
	defer logf.Close()

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Stdin = devNull
	cmd.Stdout = logf
	cmd.Stderr = logf

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("exec: %w", err)
	}

	return nil
}
