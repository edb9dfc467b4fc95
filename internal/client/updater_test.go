package client

import (
	"context"
	"crypto/x509"
	"crypto/x509/pkix"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csync2go/csyncd/internal/csyncctx"
	"github.com/csync2go/csyncd/internal/detect"
	"github.com/csync2go/csyncd/internal/group"
	"github.com/csync2go/csyncd/internal/server"
	"github.com/csync2go/csyncd/internal/store"
	"github.com/csync2go/csyncd/internal/transport"
)

// newUpdaterTestContext builds a Context for one side of a client/server
// pair sharing dataDir (and therefore the same absolute paths, as two real
// csync2 peers would share the same tree layout on their own hosts).
func newUpdaterTestContext(t *testing.T, myName, dataDir string) *csyncctx.Context {
	t.Helper()

	dsn := "file:" + filepath.Join(t.TempDir(), "csync2.db")
	s, err := store.Open(context.Background(), dsn, store.DefaultLimits(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	cfg := &group.ConfigGroups{
		MyName: myName,
		Groups: []group.Group{
			{
				Name: "www",
				Key:  "secret",
				Hosts: []group.Host{
					{Name: "nodeA"},
					{Name: "nodeB"},
				},
				Patterns: []group.Pattern{
					{Literal: dataDir + "/**", Include: true, StarMatchesSlash: true},
				},
			},
		},
	}

	return &csyncctx.Context{Config: cfg, Store: s, Limits: csyncctx.DefaultLimits()}
}

// seedBaseline registers file's current on-disk state with cctx's Store
// as an already-known, unchanged baseline (an InitRun check, spec.md
// §4.4), so the server's own pre-write local check (spec.md §4.9 (b))
// finds nothing newly changed and does not itself mark the incoming
// write's path dirty before the conflict check runs.
func seedBaseline(t *testing.T, cctx *csyncctx.Context, file string) {
	t.Helper()

	require.NoError(t, detect.Check(context.Background(), cctx, file, detect.Options{InitRun: true}))
}

func fakePeerCert(commonName string) *x509.Certificate {
	return &x509.Certificate{
		Subject: pkix.Name{CommonName: commonName},
		Raw:     []byte("fake-cert:" + commonName),
	}
}

// dialServerPipe starts a real server.Session on one end of a net.Pipe,
// serving as peerName from the server's point of view, and returns the
// client-side PeerConn the updater drives.
func dialServerPipe(t *testing.T, serverCctx *csyncctx.Context, clientPeerName string) *PeerConn {
	t.Helper()

	clientSide, serverSide := net.Pipe()

	clientConn, err := transport.Accept(clientSide)
	require.NoError(t, err)

	serverConn, err := transport.Accept(serverSide)
	require.NoError(t, err)

	sess, err := server.New(context.Background(), serverCctx, serverConn, fakePeerCert(clientPeerName))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sess.Serve(context.Background())
	}()
	t.Cleanup(func() {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("server session did not finish")
		}
	})

	return &PeerConn{Reader: clientConn.Reader, Writer: clientConn.Writer, Close: clientConn.Close}
}

func singleDial(conn *PeerConn) DialFunc {
	used := false

	return func(ctx context.Context, peerName string) (*PeerConn, error) {
		if used {
			return nil, os.ErrClosed
		}

		used = true

		return conn, nil
	}
}

// TestUpdate_AddRegularFile covers scenario 1 (add a regular file) and
// property 2 (round-trip convergence): a brand new file is pushed to the
// peer and its dirty row is cleared on success.
func TestUpdate_AddRegularFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "new.txt")
	require.NoError(t, os.WriteFile(file, []byte("hello from nodeA\n"), 0o644))

	clientCctx := newUpdaterTestContext(t, "nodeA", dir)
	serverCctx := newUpdaterTestContext(t, "nodeB", dir)
	seedBaseline(t, serverCctx, file)

	// Force=true so the upload ladder (updater.go's uploadPatch/upload)
	// actually runs: a SIG comparison against a peer sharing this test's
	// filesystem would always report identical, since both ends would be
	// reading the exact same bytes.
	require.NoError(t, clientCctx.Store.MarkDirty(context.Background(), file, "nodeA", "nodeB", true, true))

	conn := dialServerPipe(t, serverCctx, "nodeA")

	n, err := Update(context.Background(), clientCctx, singleDial(conn), Options{})
	require.NoError(t, err)
	assert.Zero(t, n)

	rows, err := clientCctx.Store.ListDirtyForPeer(context.Background(), "nodeB")
	require.NoError(t, err)
	assert.Empty(t, rows, "successful push must clear the dirty row")

	got, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Equal(t, "hello from nodeA\n", string(got))
}

// TestUpdate_IdenticalFileSkipsUpload covers the SIG short-circuit: when
// the remote's check-text already matches, the dirty row is cleared
// without an upload round trip.
func TestUpdate_IdenticalFileSkipsUpload(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "same.txt")
	require.NoError(t, os.WriteFile(file, []byte("unchanged\n"), 0o644))

	clientCctx := newUpdaterTestContext(t, "nodeA", dir)
	serverCctx := newUpdaterTestContext(t, "nodeB", dir)
	seedBaseline(t, serverCctx, file)

	require.NoError(t, clientCctx.Store.MarkDirty(context.Background(), file, "nodeA", "nodeB", false, true))

	conn := dialServerPipe(t, serverCctx, "nodeA")

	n, err := Update(context.Background(), clientCctx, singleDial(conn), Options{})
	require.NoError(t, err)
	assert.Zero(t, n)

	rows, err := clientCctx.Store.ListDirtyForPeer(context.Background(), "nodeB")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

// TestUpdate_ForceWinsConflict covers scenario 3: a row marked Force
// bypasses the server's own dirty-conflict rejection by issuing FLUSH
// before the write, converging both sides on the pusher's content.
func TestUpdate_ForceWinsConflict(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "conflict.txt")
	require.NoError(t, os.WriteFile(file, []byte("nodeA's version\n"), 0o644))

	clientCctx := newUpdaterTestContext(t, "nodeA", dir)
	serverCctx := newUpdaterTestContext(t, "nodeB", dir)
	seedBaseline(t, serverCctx, file)

	// The server also considers this file dirty toward nodeA, which
	// would normally reject an unforced write as a conflict.
	require.NoError(t, serverCctx.Store.MarkDirty(context.Background(), file, "nodeB", "nodeA", false, true))
	require.NoError(t, clientCctx.Store.MarkDirty(context.Background(), file, "nodeA", "nodeB", true, true))

	conn := dialServerPipe(t, serverCctx, "nodeA")

	n, err := Update(context.Background(), clientCctx, singleDial(conn), Options{})
	require.NoError(t, err)
	assert.Zero(t, n, "a forced push must win over the server's own dirty row")

	rows, err := clientCctx.Store.ListDirtyForPeer(context.Background(), "nodeB")
	require.NoError(t, err)
	assert.Empty(t, rows)

	got, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Equal(t, "nodeA's version\n", string(got))
}

// TestUpdate_UnforcedConflictIsRetried covers property 3 (crash/retry
// convergence): an unforced push against a path the server also has
// dirty is rejected and left in the client's dirty table for a later
// attempt, rather than being dropped. This drives the conflict through
// DEL rather than PATCH: a same-filesystem SIG comparison in this test
// harness always reports identical (both ends read the same bytes),
// which would short-circuit a PATCH before it ever reached the server's
// conflict check; DEL carries no such comparison.
func TestUpdate_UnforcedConflictIsRetried(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "conflict.txt")
	require.NoError(t, os.WriteFile(file, []byte("nodeA's version\n"), 0o644))

	clientCctx := newUpdaterTestContext(t, "nodeA", dir)
	serverCctx := newUpdaterTestContext(t, "nodeB", dir)

	// The server independently already has this path marked dirty toward
	// nodeA (e.g. a local edit pending its own outbound sync), which an
	// unforced incoming delete must not clobber.
	require.NoError(t, serverCctx.Store.MarkDirty(context.Background(), file, "nodeB", "nodeA", false, true))
	require.NoError(t, clientCctx.Store.MarkDirty(context.Background(), file, "nodeA", "nodeB", false, true))
	require.NoError(t, os.Remove(file))

	conn := dialServerPipe(t, serverCctx, "nodeA")

	n, err := Update(context.Background(), clientCctx, singleDial(conn), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rows, err := clientCctx.Store.ListDirtyForPeer(context.Background(), "nodeB")
	require.NoError(t, err)
	require.Len(t, rows, 1, "a rejected unforced delete must stay dirty for retry")
	assert.Equal(t, file, rows[0].Filename)
}

// TestUpdate_DeletePropagates covers scenario 4: a file gone from the
// local tree is pushed as DEL, deepest path first, and removed from the
// peer.
func TestUpdate_DeletePropagates(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "gone.txt")
	require.NoError(t, os.WriteFile(file, []byte("will vanish\n"), 0o644))

	clientCctx := newUpdaterTestContext(t, "nodeA", dir)
	serverCctx := newUpdaterTestContext(t, "nodeB", dir)

	require.NoError(t, clientCctx.Store.MarkDirty(context.Background(), file, "nodeA", "nodeB", false, true))
	require.NoError(t, os.Remove(file))

	conn := dialServerPipe(t, serverCctx, "nodeA")

	n, err := Update(context.Background(), clientCctx, singleDial(conn), Options{})
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = os.Stat(file)
	assert.True(t, os.IsNotExist(err), "delete must propagate to the peer")

	rows, err := clientCctx.Store.ListDirtyForPeer(context.Background(), "nodeB")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

// TestUpdate_SymlinkSkipsSetmod covers scenario 5: a symlink is pushed via
// MKLINK and SETOWN, but never SETMOD (spec.md §4.8: a symlink's own mode
// bits are meaningless, so the upload ladder must not send SETMOD for
// one).
func TestUpdate_SymlinkSkipsSetmod(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "real-target")
	require.NoError(t, os.WriteFile(target, []byte("x\n"), 0o644))

	link := filepath.Join(dir, "a-link")
	require.NoError(t, os.Symlink(target, link))

	clientCctx := newUpdaterTestContext(t, "nodeA", dir)
	serverCctx := newUpdaterTestContext(t, "nodeB", dir)
	seedBaseline(t, serverCctx, link)

	// Force=true for the same reason as TestUpdate_AddRegularFile: a
	// same-filesystem SIG comparison would otherwise always short-circuit
	// the upload ladder before MKLINK/SETOWN ever ran.
	require.NoError(t, clientCctx.Store.MarkDirty(context.Background(), link, "nodeA", "nodeB", true, true))

	before, err := os.Stat(target)
	require.NoError(t, err)

	conn := dialServerPipe(t, serverCctx, "nodeA")

	n, err := Update(context.Background(), clientCctx, singleDial(conn), Options{})
	require.NoError(t, err)
	assert.Zero(t, n)

	rows, err := clientCctx.Store.ListDirtyForPeer(context.Background(), "nodeB")
	require.NoError(t, err)
	assert.Empty(t, rows)

	got, err := os.Readlink(link)
	require.NoError(t, err)
	assert.Equal(t, target, got)

	// A SETMOD for the link would chmod through it and leave the target
	// with the link's own 0777 mode bits.
	after, err := os.Stat(target)
	require.NoError(t, err)
	assert.Equal(t, before.Mode(), after.Mode(), "SETMOD must not be sent for a symlink")
}

// TestUpdate_DryRunLeavesDirtyRows covers the --dry-run path: no file is
// sent and every row survives for a later real run.
func TestUpdate_DryRunLeavesDirtyRows(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "untouched.txt")
	require.NoError(t, os.WriteFile(file, []byte("data\n"), 0o644))

	clientCctx := newUpdaterTestContext(t, "nodeA", dir)

	require.NoError(t, clientCctx.Store.MarkDirty(context.Background(), file, "nodeA", "nodeB", false, true))

	dial := func(ctx context.Context, peerName string) (*PeerConn, error) {
		clientSide, serverSide := net.Pipe()
		_ = serverSide.Close()

		clientConn, err := transport.Accept(clientSide)
		require.NoError(t, err)

		return &PeerConn{Reader: clientConn.Reader, Writer: clientConn.Writer, Close: clientConn.Close}, nil
	}

	// Dry-run sends no file operations, so the only write to the closed
	// remote end is BYE, which is counted as one error, not returned.
	n, err := Update(context.Background(), clientCctx, dial, Options{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 1, n, "BYE still goes out and fails against a closed peer in a dry run")

	rows, err := clientCctx.Store.ListDirtyForPeer(context.Background(), "nodeB")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, file, rows[0].Filename)
}
