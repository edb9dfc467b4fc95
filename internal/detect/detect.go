// Package detect implements the recursive change detector of spec.md
// §4.4: it walks a path (or a drained set of hints), compares each file's
// check-text against the Store, and marks dirty rows and schedules
// actions for whatever changed.
package detect

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/csync2go/csyncd/internal/checktext"
	"github.com/csync2go/csyncd/internal/csyncctx"
	"github.com/csync2go/csyncd/internal/group"
	"github.com/csync2go/csyncd/internal/pathutil"
	"github.com/csync2go/csyncd/internal/store"
)

// Options controls one check invocation, mirroring the CLI's
// (recursive, init_run, compare_only) flags (spec.md §4.4, §6).
type Options struct {
	// Recursive descends into directory entries.
	Recursive bool
	// InitRun suppresses dirty-marking and action scheduling: the file
	// row is still created/updated/deleted, but no peer is notified (used
	// to seed a store from an existing tree without triggering a sync).
	InitRun bool
	// CompareOnly additionally suppresses dirty-marking for this call only
	// (distinct from a pattern's own compare_only flag in internal/group,
	// which is a standing property of the file rather than a one-off call
	// option).
	CompareOnly bool
}

// entry pairs a Store key (the name file/dirty/action rows are keyed by,
// which may be a %prefix%-relative alias) with the real filesystem path
// it resolves to. Every filesystem syscall uses fsPath; every Store call
// uses key.
type entry struct {
	key    string
	fsPath string
}

// Check runs the recursive change detector over path, expanded through
// every configured directory-prefix alias that covers it (spec.md §4.4
// step 1: "the same tree is checked under its real path and under each
// %prefix% alias").
func Check(ctx context.Context, cctx *csyncctx.Context, path string, opts Options) error {
	for _, e := range expandPrefixes(cctx.Config.Prefixes, path) {
		if err := checkOne(ctx, cctx, e, opts); err != nil {
			return err
		}
	}

	return nil
}

// CheckFromHints drains every pending hint and checks each one, the
// behavior of running `check` with no file arguments (spec.md §6).
func CheckFromHints(ctx context.Context, cctx *csyncctx.Context) error {
	hints, err := cctx.Store.DrainHints(ctx)
	if err != nil {
		return err
	}

	batchID := uuid.NewString()
	logger := cctx.Log().With(slog.String("batch_id", batchID))

	for _, h := range hints {
		logger.Debug("checking hinted path", slog.String("path", h.Filename), slog.Bool("recursive", h.Recursive))

		if err := Check(ctx, cctx, h.Filename, Options{Recursive: h.Recursive}); err != nil {
			return err
		}
	}

	return nil
}

func checkOne(ctx context.Context, cctx *csyncctx.Context, e entry, opts Options) error {
	if err := deletePass(ctx, cctx, e, opts); err != nil {
		return err
	}

	return modifyPass(ctx, cctx, e, opts)
}

// deletePass removes Store rows for anything under e that no longer
// exists on disk, or that is now reachable only through a symlinked
// ancestor directory, and marks the deletion dirty for every receiving
// peer (spec.md §4.4 step 2).
func deletePass(ctx context.Context, cctx *csyncctx.Context, e entry, opts Options) error {
	recs, err := cctx.Store.ListFilesUnder(ctx, e.key, opts.Recursive)
	if err != nil {
		return err
	}

	for _, rec := range recs {
		fsPath, err := keyToFSPath(rec.Filename, e, cctx.Config.Prefixes)
		if err != nil {
			return err
		}

		stale, err := isStale(fsPath)
		if err != nil {
			return err
		}

		if !stale {
			continue
		}

		if err := cctx.Store.DeleteFile(ctx, rec.Filename); err != nil {
			return err
		}

		if opts.InitRun {
			continue
		}

		if err := markAndSchedule(ctx, cctx, rec.Filename); err != nil {
			return err
		}
	}

	return nil
}

// keyToFSPath resolves a Store key found under e's subtree to its real
// filesystem path: rec shares e.key's prefix form, so splicing in e's
// already-resolved fsPath for that shared prefix yields the real path
// without a second, independent prefix lookup.
func keyToFSPath(key string, e entry, prefixes map[string]string) (string, error) {
	if key == e.key {
		return e.fsPath, nil
	}

	if strings.HasPrefix(key, e.key+"/") {
		return e.fsPath + strings.TrimPrefix(key, e.key), nil
	}

	return pathutil.PrefixSubst(key, prefixes)
}

func isStale(fsPath string) (bool, error) {
	if _, err := os.Lstat(fsPath); err != nil {
		return true, nil
	}

	hasSymlinkAncestor, err := pathutil.HasSymlinkAncestor(fsPath)
	if err != nil {
		return false, err
	}

	return hasSymlinkAncestor, nil
}

// modifyPass classifies e, generates and compares its check-text on any
// match (full member or compare-only), and upserts on any change, marking
// dirty only full-member matches; it then recurses into sorted directory entries regardless
// of whether e itself matched, since a subtree can contain
// independently-matching files (spec.md §4.4 step 3).
func modifyPass(ctx context.Context, cctx *csyncctx.Context, e entry, opts Options) error {
	kind := cctx.Config.Classify(e.key)

	if kind != group.MatchNone {
		if err := compareAndUpsert(ctx, cctx, e, kind, opts); err != nil {
			return err
		}
	}

	if !opts.Recursive {
		return nil
	}

	fi, err := os.Lstat(e.fsPath)
	if err != nil || !fi.IsDir() || fi.Mode()&os.ModeSymlink != 0 {
		return nil
	}

	entries, err := os.ReadDir(e.fsPath)
	if err != nil {
		return nil
	}

	names := make([]string, len(entries))
	for i, d := range entries {
		names[i] = d.Name()
	}

	sort.Strings(names)

	for _, name := range names {
		child := entry{key: e.key + "/" + name, fsPath: filepath.Join(e.fsPath, name)}
		if err := modifyPass(ctx, cctx, child, opts); err != nil {
			return err
		}
	}

	return nil
}

func compareAndUpsert(ctx context.Context, cctx *csyncctx.Context, e entry, kind group.MatchKind, opts Options) error {
	ct, err := checktext.Build(e.fsPath, false)
	if err != nil {
		// The delete pass above already removed rows for paths that no
		// longer lstat; a race between the two passes is logged and
		// skipped rather than failing the whole check.
		cctx.Log().Warn("skipping unreadable path during check", slog.String("path", e.fsPath), slog.Any("error", err))
		return nil
	}

	existing, err := cctx.Store.GetFile(ctx, e.key)
	if err != nil {
		return err
	}

	if existing != nil && existing.CheckText == ct {
		return nil
	}

	if err := cctx.Store.UpsertFile(ctx, store.FileRecord{Filename: e.key, CheckText: ct}); err != nil {
		return err
	}

	if kind == group.MatchInclude && !opts.InitRun && !opts.CompareOnly {
		return markAndSchedule(ctx, cctx, e.key)
	}

	return nil
}

// markAndSchedule marks filename dirty for every peer and schedules the
// actions whose pattern list matches it, the side effects of every mark
// in spec.md §4.4 step 4.
func markAndSchedule(ctx context.Context, cctx *csyncctx.Context, filename string) error {
	if err := MarkDirtyForPeers(ctx, cctx, filename, false); err != nil {
		return err
	}

	return scheduleActions(ctx, cctx, filename)
}

// MarkDirtyForPeers writes one dirty row per peer configured to receive
// filename. upsert=true replaces any existing row's force flag (the
// "new_force" mode of spec.md §4.4); upsert=false inserts, ignoring an
// existing row.
func MarkDirtyForPeers(ctx context.Context, cctx *csyncctx.Context, filename string, upsert bool) error {
	for _, peer := range cctx.Config.FindPeers(filename) {
		if err := cctx.Store.MarkDirty(ctx, filename, cctx.Config.MyName, peer, false, upsert); err != nil {
			return err
		}
	}

	return nil
}

func scheduleActions(ctx context.Context, cctx *csyncctx.Context, filename string) error {
	for _, a := range cctx.Config.ActionsFor(filename) {
		if err := cctx.Store.ScheduleAction(ctx, filename, a.Command, a.Logfile); err != nil {
			return err
		}
	}

	return nil
}

// expandPrefixes returns path (as both key and resolved filesystem path)
// plus, for every configured prefix alias whose real directory is path
// itself or an ancestor of it, the equivalent %alias%-relative entry
// (spec.md §4.4 step 1).
func expandPrefixes(prefixes map[string]string, path string) []entry {
	variants := []entry{{key: path, fsPath: path}}

	for alias, real := range prefixes {
		switch {
		case path == real:
			variants = append(variants, entry{key: "%" + alias + "%", fsPath: path})
		case strings.HasPrefix(path, real+"/"):
			rest := strings.TrimPrefix(path, real)
			variants = append(variants, entry{key: "%" + alias + "%" + rest, fsPath: path})
		}
	}

	sort.Slice(variants, func(i, j int) bool { return variants[i].key < variants[j].key })

	return variants
}
