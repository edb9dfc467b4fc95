// Package store implements the persistence layer of spec.md §4.5: schema
// bootstrap, parameterized statements, and the implicit-transaction write
// batching that lets many small writes share a handful of commits.
package store

import (
	"context"
	"errors"
)

// ErrUnsupportedScheme is returned by Open when the DSN's scheme has no
// registered backend. Only "sqlite"/"file" ship in this repository; the
// interface is deliberately narrow so MySQL/PostgreSQL backends can be
// added later without touching any caller (spec.md §4.5, §9).
var ErrUnsupportedScheme = errors.New("store: unsupported scheme")

// ErrBusyTimeout is returned when the implicit-transaction retry loop
// exceeds the per-process busy timeout. Per spec.md §7, this is a
// store-fatal error: the caller should exit so a supervisor can restart
// the process.
var ErrBusyTimeout = errors.New("store: busy timeout exceeded")

// ErrCertMismatch is returned by PinCert when a peer presents a
// certificate that differs from the one already pinned for it.
var ErrCertMismatch = errors.New("store: certificate does not match pinned value")

// FileRecord is the last state this host observed and reported for one
// filename (spec.md §3).
type FileRecord struct {
	Filename  string
	CheckText string
}

// DirtyRecord is a pending per-peer work item (spec.md §3).
type DirtyRecord struct {
	Filename string
	Force    bool
	MyName   string
	PeerName string
}

// HintRecord is a deferred "please check this path" note (spec.md §3).
type HintRecord struct {
	ID        int64
	Filename  string
	Recursive bool
}

// ActionBatch groups every pending action row sharing one (command,
// logfile) pair, with the filenames accumulated in insertion order
// (spec.md §4.10: "all rows sharing (command, logfile) run as one
// process").
type ActionBatch struct {
	Command   string
	Logfile   string
	Filenames []string
}

// Store is the narrow persistence interface the core depends on. Every
// concrete backend (only sqlitestore ships here) must implement it.
type Store interface {
	// File table.
	GetFile(ctx context.Context, filename string) (*FileRecord, error)
	UpsertFile(ctx context.Context, rec FileRecord) error
	DeleteFile(ctx context.Context, filename string) error
	ListFilesUnder(ctx context.Context, prefix string, recursive bool) ([]FileRecord, error)

	// Dirty table.
	MarkDirty(ctx context.Context, filename, myName, peerName string, force, upsert bool) error
	ListDirtyForPeer(ctx context.Context, peerName string) ([]DirtyRecord, error)
	ListDirtyPeers(ctx context.Context) ([]string, error)
	DeleteDirty(ctx context.Context, filename, peerName string) error
	SetForce(ctx context.Context, filename string) (int64, error)
	IsDirty(ctx context.Context, filename, peerName string) (bool, error)
	ListAllDirty(ctx context.Context) ([]DirtyRecord, error)

	// Hint table.
	AddHint(ctx context.Context, filename string, recursive bool) error
	ListHints(ctx context.Context) ([]HintRecord, error)
	DrainHints(ctx context.Context) ([]HintRecord, error)

	// Action table.
	ScheduleAction(ctx context.Context, filename, command, logfile string) error
	ListActionBatches(ctx context.Context) ([]ActionBatch, error)
	DeleteActionBatch(ctx context.Context, command, logfile string) error

	// Pinned peer certificates (trust-on-first-use, spec.md §3, §4.7).
	GetPinnedCert(ctx context.Context, peerName string) ([]byte, error)
	PinCert(ctx context.Context, peerName string, cert []byte) error

	Close() error
}
