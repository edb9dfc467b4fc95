// Package client implements the client updater of spec.md §4.8: for each
// peer with pending dirty rows it opens one session, sequentially
// uploads deletes (deepest path first) and modifications (in filename
// order), and leaves any row whose exchange fails for a later retry.
// Peers are processed strictly one at a time — no errgroup or other
// fan-out — because the protocol requires one request in flight per
// connection at a time and nothing in spec.md §4.8 calls for concurrent
// peers.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/csync2go/csyncd/internal/checktext"
	"github.com/csync2go/csyncd/internal/csyncctx"
	"github.com/csync2go/csyncd/internal/delta"
	"github.com/csync2go/csyncd/internal/encode"
	"github.com/csync2go/csyncd/internal/protocol"
	"github.com/csync2go/csyncd/internal/store"
)

// PeerConn is the session handle the updater drives: a protocol reader
// and writer plus a close function, decoupled from internal/transport so
// tests can wire it directly over net.Pipe.
type PeerConn struct {
	Reader *protocol.Reader
	Writer *protocol.Writer
	Close  func() error
}

// DialFunc opens a session with peerName. Returning an error leaves that
// peer's dirty rows untouched and increments the error counter (spec.md
// §4.8 step 1: "on failure, increment error counter, leave rows, move
// on").
type DialFunc func(ctx context.Context, peerName string) (*PeerConn, error)

// Options controls one update invocation (spec.md §4.8, §6).
type Options struct {
	PeerFilter string // "" matches every peer with pending dirty rows
	PathFilter string // "" matches every path
	Recursive  bool   // PathFilter also matches any subtree
	DryRun     bool
}

// Update runs the client updater and returns the number of per-peer and
// per-file failures encountered; the caller exits non-zero iff it is
// nonzero (spec.md §6 "Exit codes").
func Update(ctx context.Context, cctx *csyncctx.Context, dial DialFunc, opts Options) (int, error) {
	peers, err := selectPeers(ctx, cctx, opts.PeerFilter)
	if err != nil {
		return 0, err
	}

	errorCount := 0
	log := cctx.Log()

	for _, peer := range peers {
		conn, err := dial(ctx, peer)
		if err != nil {
			log.Error("failed to connect to peer", slog.String("peer", peer), slog.Any("error", err))
			errorCount++
			continue
		}

		n, err := updatePeer(ctx, cctx, conn, peer, opts)
		errorCount += n

		closeErr := conn.Close()

		if err != nil {
			log.Error("update session with peer failed", slog.String("peer", peer), slog.Any("error", err))
			errorCount++
		} else if closeErr != nil {
			log.Warn("error closing connection", slog.String("peer", peer), slog.Any("error", closeErr))
		}
	}

	return errorCount, nil
}

func selectPeers(ctx context.Context, cctx *csyncctx.Context, filter string) ([]string, error) {
	peers, err := cctx.Store.ListDirtyPeers(ctx)
	if err != nil {
		return nil, err
	}

	if filter == "" {
		return peers, nil
	}

	for _, p := range peers {
		if p == filter {
			return []string{p}, nil
		}
	}

	return nil, nil
}

func updatePeer(ctx context.Context, cctx *csyncctx.Context, conn *PeerConn, peer string, opts Options) (int, error) {
	rows, err := cctx.Store.ListDirtyForPeer(ctx, peer)
	if err != nil {
		return 0, err
	}

	rows = filterByPath(rows, opts.PathFilter, opts.Recursive)

	var deletes, modifies []store.DirtyRecord

	for _, r := range rows {
		if _, err := os.Lstat(r.Filename); err != nil {
			deletes = append(deletes, r)
		} else {
			modifies = append(modifies, r)
		}
	}

	// Deepest path first, so a directory's contents are gone before the
	// directory itself is removed (spec.md §4.8 step 3).
	sort.Slice(deletes, func(i, j int) bool { return deletes[i].Filename > deletes[j].Filename })

	errorCount := 0
	log := cctx.Log().With(slog.String("peer", peer))

	for _, r := range deletes {
		if err := processDelete(ctx, cctx, conn, r, opts); err != nil {
			log.Warn("delete failed, leaving dirty row", slog.String("file", r.Filename), slog.Any("error", err))
			errorCount++

			continue
		}
	}

	for _, r := range modifies {
		if err := processModify(ctx, cctx, conn, r, opts); err != nil {
			log.Warn("modify failed, leaving dirty row", slog.String("file", r.Filename), slog.Any("error", err))
			errorCount++

			continue
		}
	}

	if err := sendExpectOK(conn, "BYE"); err != nil {
		return errorCount, fmt.Errorf("client: bye: %w", err)
	}

	return errorCount, nil
}

func filterByPath(rows []store.DirtyRecord, pathFilter string, recursive bool) []store.DirtyRecord {
	if pathFilter == "" {
		return rows
	}

	var out []store.DirtyRecord

	for _, r := range rows {
		if r.Filename == pathFilter {
			out = append(out, r)
			continue
		}

		if recursive && strings.HasPrefix(r.Filename, pathFilter+"/") {
			out = append(out, r)
		}
	}

	return out
}

func processDelete(ctx context.Context, cctx *csyncctx.Context, conn *PeerConn, row store.DirtyRecord, opts Options) error {
	if opts.DryRun {
		return nil
	}

	key, ok := cctx.Config.Key(row.PeerName, row.Filename)
	if !ok {
		return fmt.Errorf("client: no key for %q toward %q", row.Filename, row.PeerName)
	}

	if row.Force {
		if err := sendExpectOK(conn, "FLUSH", key, row.Filename); err != nil {
			return err
		}
	}

	if err := sendExpectOK(conn, "DEL", key, row.Filename); err != nil {
		return err
	}

	return cctx.Store.DeleteDirty(ctx, row.Filename, row.PeerName)
}

func processModify(ctx context.Context, cctx *csyncctx.Context, conn *PeerConn, row store.DirtyRecord, opts Options) error {
	key, ok := cctx.Config.Key(row.PeerName, row.Filename)
	if !ok {
		return fmt.Errorf("client: no key for %q toward %q", row.Filename, row.PeerName)
	}

	if opts.DryRun {
		return nil
	}

	if row.Force {
		if err := sendExpectOK(conn, "FLUSH", key, row.Filename); err != nil {
			return err
		}
	} else {
		identical, err := compareBySig(cctx, conn, key, row.Filename)
		if err != nil {
			return err
		}

		if identical {
			return cctx.Store.DeleteDirty(ctx, row.Filename, row.PeerName)
		}
	}

	if err := upload(cctx, conn, key, row.Filename); err != nil {
		return err
	}

	return cctx.Store.DeleteDirty(ctx, row.Filename, row.PeerName)
}

// compareBySig issues SIG and compares the remote check-text against the
// local one. The remote's rolling-checksum signature is drained but never
// compared (spec.md §4.6/§9 Open Question (1): rs_check always reports
// "different", so only the check-text comparison can short-circuit an
// upload here).
func compareBySig(cctx *csyncctx.Context, conn *PeerConn, key, file string) (identical bool, err error) {
	if err := conn.Writer.WriteCommand("SIG", key, file); err != nil {
		return false, err
	}

	if err := expectOK(conn); err != nil {
		return false, err
	}

	remoteCTLine, err := conn.Reader.ReadLine()
	if err != nil {
		return false, fmt.Errorf("client: read remote check-text: %w", err)
	}

	remoteCT := encode.Decode(remoteCTLine)

	sigReader, _, err := conn.Reader.ReadFrame()
	if err != nil {
		return false, fmt.Errorf("client: read remote signature: %w", err)
	}

	if err := drain(sigReader); err != nil {
		return false, err
	}

	localCT, err := checktext.Build(file, false)
	if err != nil {
		return false, fmt.Errorf("client: build local check-text for %q: %w", file, err)
	}

	return remoteCT == localCT, nil
}

func upload(cctx *csyncctx.Context, conn *PeerConn, key, file string) error {
	fi, err := os.Lstat(file)
	if err != nil {
		return fmt.Errorf("client: lstat %q: %w", file, err)
	}

	ct, err := checktext.Build(file, false)
	if err != nil {
		return fmt.Errorf("client: build check-text for %q: %w", file, err)
	}

	typ, _ := checktext.Type(ct)

	switch typ {
	case checktext.TypeRegular:
		if err := uploadPatch(conn, key, file); err != nil {
			return err
		}
	case checktext.TypeDir:
		if err := sendExpectOK(conn, "MKDIR", key, file); err != nil {
			return err
		}
	case checktext.TypeChar, checktext.TypeBlock:
		st, ok := fi.Sys().(*syscall.Stat_t)
		if !ok {
			return fmt.Errorf("client: %q: unsupported stat representation", file)
		}

		tag := "MKCHR"
		if typ == checktext.TypeBlock {
			tag = "MKBLK"
		}

		if err := sendExpectOK(conn, tag, key, file, strconv.FormatUint(st.Rdev, 10)); err != nil {
			return err
		}
	case checktext.TypeFIFO:
		if err := sendExpectOK(conn, "MKFIFO", key, file); err != nil {
			return err
		}
	case checktext.TypeSymlink:
		target, _ := checktext.Target(ct)
		if err := sendExpectOK(conn, "MKLINK", key, file, target); err != nil {
			return err
		}
	case checktext.TypeSocket:
		if err := sendExpectOK(conn, "MKSOCK", key, file); err != nil {
			return err
		}
	default:
		return fmt.Errorf("client: %q: unsupported file type %q", file, typ)
	}

	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return fmt.Errorf("client: %q: unsupported stat representation", file)
	}

	if err := sendExpectOK(conn, "SETOWN", key, file, strconv.FormatUint(uint64(st.Uid), 10), strconv.FormatUint(uint64(st.Gid), 10)); err != nil {
		return err
	}

	if typ == checktext.TypeSymlink {
		return nil
	}

	if err := sendExpectOK(conn, "SETMOD", key, file, strconv.FormatUint(uint64(fi.Mode().Perm()), 8)); err != nil {
		return err
	}

	return sendExpectOK(conn, "SETIME", key, file, strconv.FormatInt(st.Mtim.Sec, 10))
}

// uploadPatch drives the PATCH exchange: send PATCH, expect OK(send_data),
// compute and send a delta against the remote's signature, then expect
// the final OK(cmd_finished) the server sends after applying it.
func uploadPatch(conn *PeerConn, key, file string) error {
	if err := conn.Writer.WriteCommand("PATCH", key, file); err != nil {
		return fmt.Errorf("client: patch %q: %w", file, err)
	}

	if err := expectOK(conn); err != nil {
		return err
	}

	if err := delta.Delta(file, conn.Reader, conn.Writer); err != nil {
		return fmt.Errorf("client: patch %q: %w", file, err)
	}

	return expectOK(conn)
}

func sendExpectOK(conn *PeerConn, tag string, operands ...string) error {
	if err := conn.Writer.WriteCommand(tag, operands...); err != nil {
		return fmt.Errorf("client: write %s: %w", tag, err)
	}

	return expectOK(conn)
}

func expectOK(conn *PeerConn) error {
	line, err := conn.Reader.ReadLine()
	if err != nil {
		return fmt.Errorf("client: read response: %w", err)
	}

	if !strings.HasPrefix(line, "OK (") {
		return fmt.Errorf("remote: %s", line)
	}

	return nil
}

func drain(r interface{ Read([]byte) (int, error) }) error {
	buf := make([]byte, 4096)

	for {
		_, err := r.Read(buf)
		if err != nil {
			if err.Error() == "EOF" {
				return nil
			}

			return nil
		}
	}
}
