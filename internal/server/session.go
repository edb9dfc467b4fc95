// Package server implements the sync session protocol server side of
// spec.md §4.9: a single-threaded, blocking loop over lines of
// whitespace-separated, URL-encoded tokens, dispatched through a table
// mirroring the command list in spec.md §6. One Session owns one
// accepted connection; the `serve` command's accept loop starts one
// goroutine per connection (spec.md §5).
package server

import (
	"context"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"syscall"
	"time"

	"github.com/csync2go/csyncd/internal/checktext"
	"github.com/csync2go/csyncd/internal/csyncctx"
	"github.com/csync2go/csyncd/internal/delta"
	"github.com/csync2go/csyncd/internal/detect"
	"github.com/csync2go/csyncd/internal/encode"
	"github.com/csync2go/csyncd/internal/group"
	"github.com/csync2go/csyncd/internal/protocol"
	"github.com/csync2go/csyncd/internal/store"
	"github.com/csync2go/csyncd/internal/transport"
)

// Response tokens (spec.md §6).
const (
	respDataFollows = "data_follows"
	respNotFound    = "not_found"
	respSendData    = "send_data"
	respCmdFinished = "cmd_finished"
	respCuLater     = "cu_later"
)

// unlinkMode controls the pre-action unlink step of spec.md §4.9 (c).
type unlinkMode int

const (
	unlinkNone unlinkMode = iota
	// unlinkIgnoreAbsent removes the target file first, tolerating an
	// already-absent target (used before recreating a node as a
	// different type: MKCHR/MKBLK/MKFIFO/MKLINK).
	unlinkIgnoreAbsent
)

type handlerFunc func(ctx context.Context, s *Session, cmd protocol.Command) (okToken string, err error)

// commandSpec is one row of the dispatch table, mirroring spec.md §4.9's
// (tag, needs_key, needs_dirty_check, unlink_mode, update_file_after,
// handler) tuple.
type commandSpec struct {
	tag             string
	needsKey        bool
	needsDirtyCheck bool
	unlinkMode      unlinkMode
	updateFileAfter bool
	handler         handlerFunc
}

var commandTable = []commandSpec{
	{tag: "SIG", needsKey: true, handler: handleSig},
	{tag: "FLUSH", needsKey: true, handler: handleFlush},
	{tag: "DEL", needsKey: true, needsDirtyCheck: true, handler: handleDel},
	{tag: "PATCH", needsKey: true, needsDirtyCheck: true, updateFileAfter: true, handler: handlePatch},
	{tag: "MKDIR", needsKey: true, needsDirtyCheck: true, updateFileAfter: true, handler: handleMkdir},
	{tag: "MKCHR", needsKey: true, needsDirtyCheck: true, unlinkMode: unlinkIgnoreAbsent, updateFileAfter: true, handler: handleMknod},
	{tag: "MKBLK", needsKey: true, needsDirtyCheck: true, unlinkMode: unlinkIgnoreAbsent, updateFileAfter: true, handler: handleMknod},
	{tag: "MKFIFO", needsKey: true, needsDirtyCheck: true, unlinkMode: unlinkIgnoreAbsent, updateFileAfter: true, handler: handleMkfifo},
	{tag: "MKLINK", needsKey: true, needsDirtyCheck: true, unlinkMode: unlinkIgnoreAbsent, updateFileAfter: true, handler: handleMklink},
	{tag: "MKSOCK", needsKey: true, needsDirtyCheck: true, handler: handleMksock},
	{tag: "SETOWN", needsKey: true, updateFileAfter: true, handler: handleSetown},
	{tag: "SETMOD", needsKey: true, updateFileAfter: true, handler: handleSetmod},
	{tag: "SETIME", needsKey: true, updateFileAfter: true, handler: handleSetime},
	{tag: "DEBUG", handler: handleDebug},
	{tag: "BYE", handler: handleBye},
}

// Session drives one accepted connection end to end.
type Session struct {
	cctx     *csyncctx.Context
	conn     *transport.Conn
	peerName string
	debug    bool
	done     bool
}

// New builds a Session for conn, identifying the connecting peer by the
// common name on the certificate it presented during the TLS handshake
// (spec.md §4.7's peer identity is exactly the configured peer name) and
// pinning it trust-on-first-use.
func New(ctx context.Context, cctx *csyncctx.Context, conn *transport.Conn, peerCert *x509.Certificate) (*Session, error) {
	peerName := peerCert.Subject.CommonName

	if err := cctx.Store.PinCert(ctx, peerName, peerCert.Raw); err != nil {
		return nil, fmt.Errorf("server: pin cert for %q: %w", peerName, err)
	}

	return &Session{cctx: cctx, conn: conn, peerName: peerName}, nil
}

// Serve runs the session's command loop until BYE, a connection-fatal
// error, or ctx is cancelled.
func (s *Session) Serve(ctx context.Context) error {
	log := s.cctx.Log().With(slog.String("peer", s.peerName))

	for !s.done {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		cmd, err := s.conn.Reader.ReadCommand()
		if err != nil {
			return fmt.Errorf("server: read command: %w", err)
		}

		spec, ok := lookup(cmd.Tag)
		if !ok {
			if werr := s.conn.Writer.WriteLine("Unknown command."); werr != nil {
				return werr
			}

			continue
		}

		log.Debug("dispatching command", slog.String("tag", cmd.Tag))

		if err := s.dispatch(ctx, spec, cmd); err != nil {
			// Recoverable per-file errors (spec.md §7): surfaced as an
			// error line, session continues.
			if werr := s.conn.Writer.WriteLine(err.Error()); werr != nil {
				return fmt.Errorf("server: write error response: %w", werr)
			}

			log.Warn("command failed", slog.String("tag", cmd.Tag), slog.Any("error", err))
		}
	}

	return nil
}

func lookup(tag string) (commandSpec, bool) {
	for _, c := range commandTable {
		if c.tag == tag {
			return c, true
		}
	}

	return commandSpec{}, false
}

func (s *Session) dispatch(ctx context.Context, spec commandSpec, cmd protocol.Command) error {
	var key, file string

	if spec.needsKey {
		key, file = cmd.Arg(0), cmd.Arg(1)

		if s.cctx.Config.Perm(file, key, s.peerName) != group.PermAllow {
			return fmt.Errorf("Permission denied for %s.", file)
		}
	} else {
		file = cmd.Arg(0)
	}

	if spec.needsDirtyCheck {
		if err := detect.Check(ctx, s.cctx, file, detect.Options{}); err != nil {
			return fmt.Errorf("local check of %q failed: %w", file, err)
		}

		dirty, err := s.cctx.Store.IsDirty(ctx, file, s.peerName)
		if err != nil {
			return err
		}

		if dirty {
			return fmt.Errorf("File is also marked dirty here!")
		}
	}

	if spec.unlinkMode == unlinkIgnoreAbsent {
		if err := os.Remove(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("unlink %q: %w", file, err)
		}
	}

	okToken, err := spec.handler(ctx, s, cmd)
	if err != nil {
		return err
	}

	if spec.updateFileAfter {
		if err := refreshFileRow(ctx, s.cctx, file); err != nil {
			return err
		}
	}

	if okToken != "" {
		return s.conn.Writer.WriteLine(fmt.Sprintf("OK (%s).", okToken))
	}

	return nil
}

// refreshFileRow recomputes file's check-text and upserts it without any
// dirty-marking or action-scheduling side effect, since the write that
// just happened came from the peer that is the source of truth for this
// round (spec.md §4.9 (e)).
func refreshFileRow(ctx context.Context, cctx *csyncctx.Context, file string) error {
	ct, err := checktext.Build(file, false)
	if err != nil {
		return fmt.Errorf("refresh %q: %w", file, err)
	}

	return cctx.Store.UpsertFile(ctx, store.FileRecord{Filename: file, CheckText: ct})
}

func handleSig(ctx context.Context, s *Session, cmd protocol.Command) (string, error) {
	file := cmd.Arg(1)

	ct, err := checktext.Build(file, false)
	if err != nil {
		ct = ""
	}

	if err := s.conn.Writer.WriteLine(fmt.Sprintf("OK (%s).", respDataFollows)); err != nil {
		return "", err
	}

	if err := s.conn.Writer.WriteLine(encode.Encode(ct)); err != nil {
		return "", err
	}

	if err := delta.Sig(file, s.conn.Writer); err != nil {
		return "", fmt.Errorf("sig %q: %w", file, err)
	}

	return "", nil
}

func handleFlush(ctx context.Context, s *Session, cmd protocol.Command) (string, error) {
	file := cmd.Arg(1)

	if err := s.cctx.Store.DeleteDirty(ctx, file, s.peerName); err != nil {
		return "", err
	}

	return respCmdFinished, nil
}

func handleDel(ctx context.Context, s *Session, cmd protocol.Command) (string, error) {
	file := cmd.Arg(1)

	if err := os.Remove(file); err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("unlink %q: %w", file, err)
	}

	if err := s.cctx.Store.DeleteFile(ctx, file); err != nil {
		return "", err
	}

	return respCmdFinished, nil
}

func handlePatch(ctx context.Context, s *Session, cmd protocol.Command) (string, error) {
	file := cmd.Arg(1)

	if err := s.conn.Writer.WriteLine(fmt.Sprintf("OK (%s).", respSendData)); err != nil {
		return "", err
	}

	if err := delta.Sig(file, s.conn.Writer); err != nil {
		return "", fmt.Errorf("patch %q: send signature: %w", file, err)
	}

	if err := delta.Patch(file, s.conn.Reader); err != nil {
		return "", fmt.Errorf("patch %q: %w", file, err)
	}

	return respCmdFinished, nil
}

func handleMkdir(ctx context.Context, s *Session, cmd protocol.Command) (string, error) {
	file := cmd.Arg(1)

	if err := os.Mkdir(file, 0o700); err != nil {
		if fi, statErr := os.Stat(file); statErr == nil && fi.IsDir() {
			return respCmdFinished, nil
		}

		return "", fmt.Errorf("mkdir %q: %w", file, err)
	}

	return respCmdFinished, nil
}

func handleMknod(ctx context.Context, s *Session, cmd protocol.Command) (string, error) {
	file := cmd.Arg(1)

	rdev, err := strconv.ParseUint(cmd.Arg(2), 10, 64)
	if err != nil {
		return "", fmt.Errorf("mknod %q: bad rdev %q", file, cmd.Arg(2))
	}

	mode := uint32(syscall.S_IFCHR | 0o600)
	if cmd.Tag == "MKBLK" {
		mode = syscall.S_IFBLK | 0o600
	}

	if err := syscall.Mknod(file, mode, int(rdev)); err != nil {
		return "", fmt.Errorf("mknod %q: %w", file, err)
	}

	return respCmdFinished, nil
}

func handleMkfifo(ctx context.Context, s *Session, cmd protocol.Command) (string, error) {
	file := cmd.Arg(1)

	if err := syscall.Mkfifo(file, 0o600); err != nil {
		return "", fmt.Errorf("mkfifo %q: %w", file, err)
	}

	return respCmdFinished, nil
}

func handleMklink(ctx context.Context, s *Session, cmd protocol.Command) (string, error) {
	file, target := cmd.Arg(1), cmd.Arg(2)

	if err := os.Symlink(target, file); err != nil {
		return "", fmt.Errorf("symlink %q -> %q: %w", file, target, err)
	}

	return respCmdFinished, nil
}

// handleMksock accepts and silently ignores socket creation requests,
// preserving the original's observable behavior (spec.md §9 Open
// Question (2): a stricter implementation might reject it instead).
func handleMksock(ctx context.Context, s *Session, cmd protocol.Command) (string, error) {
	return respCmdFinished, nil
}

func handleSetown(ctx context.Context, s *Session, cmd protocol.Command) (string, error) {
	file := cmd.Arg(1)

	uid, err := strconv.Atoi(cmd.Arg(2))
	if err != nil {
		return "", fmt.Errorf("setown %q: bad uid %q", file, cmd.Arg(2))
	}

	gid, err := strconv.Atoi(cmd.Arg(3))
	if err != nil {
		return "", fmt.Errorf("setown %q: bad gid %q", file, cmd.Arg(3))
	}

	if err := os.Lchown(file, uid, gid); err != nil {
		return "", fmt.Errorf("lchown %q: %w", file, err)
	}

	return respCmdFinished, nil
}

func handleSetmod(ctx context.Context, s *Session, cmd protocol.Command) (string, error) {
	file := cmd.Arg(1)

	mode, err := strconv.ParseUint(cmd.Arg(2), 8, 32)
	if err != nil {
		return "", fmt.Errorf("setmod %q: bad mode %q", file, cmd.Arg(2))
	}

	if err := os.Chmod(file, os.FileMode(mode)); err != nil {
		return "", fmt.Errorf("chmod %q: %w", file, err)
	}

	return respCmdFinished, nil
}

func handleSetime(ctx context.Context, s *Session, cmd protocol.Command) (string, error) {
	file := cmd.Arg(1)

	mtime, err := strconv.ParseInt(cmd.Arg(2), 10, 64)
	if err != nil {
		return "", fmt.Errorf("setime %q: bad mtime %q", file, cmd.Arg(2))
	}

	ts := timeFromUnix(mtime)

	if err := os.Chtimes(file, ts, ts); err != nil {
		return "", fmt.Errorf("utime %q: %w", file, err)
	}

	return respCmdFinished, nil
}

func timeFromUnix(sec int64) time.Time {
	return time.Unix(sec, 0)
}

func handleDebug(ctx context.Context, s *Session, cmd protocol.Command) (string, error) {
	s.debug = true
	return respCmdFinished, nil
}

func handleBye(ctx context.Context, s *Session, cmd protocol.Command) (string, error) {
	s.done = true
	return respCuLater, nil
}
