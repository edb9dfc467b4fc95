package server

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
	"github.com/csync2go/csyncd/internal/encode"
	"github.com/csync2go/csyncd/internal/group"
	"github.com/csync2go/csyncd/internal/protocol"
	"github.com/csync2go/csyncd/internal/store"
	"github.com/csync2go/csyncd/internal/transport"
)

func newSessionTestContext(t *testing.T, dataDir string) *csyncctx.Context {
	t.Helper()

	dsn := "file:" + filepath.Join(t.TempDir(), "csync2.db")
	s, err := store.Open(context.Background(), dsn, store.DefaultLimits(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	cfg := &group.ConfigGroups{
		MyName: "nodeB",
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

// fakePeerCert stands in for a handshake-derived certificate: session.New
// only reads CommonName and Raw, so a real TLS handshake (already
// exercised in internal/transport's tests) is unnecessary here.
func fakePeerCert(commonName string) *x509.Certificate {
	return &x509.Certificate{
		Subject: pkix.Name{CommonName: commonName},
		Raw:     []byte("fake-cert:" + commonName),
	}
}

func dialPipeSession(t *testing.T, cctx *csyncctx.Context, peerName string) (*transport.Conn, *Session) {
	t.Helper()

	clientSide, serverSide := net.Pipe()

	clientConn, err := transport.Accept(clientSide)
	require.NoError(t, err)

	serverConn, err := transport.Accept(serverSide)
	require.NoError(t, err)

	sess, err := New(context.Background(), cctx, serverConn, fakePeerCert(peerName))
	require.NoError(t, err)

	return clientConn, sess
}

func TestServe_PermissionDenied(t *testing.T) {
	dir := t.TempDir()
	cctx := newSessionTestContext(t, dir)

	clientConn, sess := dialPipeSession(t, cctx, "nodeA")

	done := make(chan error, 1)
	go func() { done <- sess.Serve(context.Background()) }()

	file := filepath.Join(dir, "readme")
	require.NoError(t, os.WriteFile(file, []byte("hi\n"), 0o644))

	require.NoError(t, clientConn.Writer.WriteCommand("SIG", "wrong-key", file))

	line, err := clientConn.Reader.ReadLine()
	require.NoError(t, err)
	assert.Contains(t, line, "Permission denied")

	require.NoError(t, clientConn.Writer.WriteCommand("BYE"))

	line, err = clientConn.Reader.ReadLine()
	require.NoError(t, err)
	assert.Contains(t, line, "cu_later")

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after BYE")
	}
}

func TestServe_SigRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cctx := newSessionTestContext(t, dir)

	file := filepath.Join(dir, "data.txt")
	require.NoError(t, os.WriteFile(file, []byte("hello, world\n"), 0o644))

	clientConn, sess := dialPipeSession(t, cctx, "nodeA")

	go func() { _ = sess.Serve(context.Background()) }()

	require.NoError(t, clientConn.Writer.WriteCommand("SIG", "secret", file))

	line, err := clientConn.Reader.ReadLine()
	require.NoError(t, err)
	assert.Contains(t, line, "data_follows")

	ctLine, err := clientConn.Reader.ReadLine()
	require.NoError(t, err)
	ct := encode.Decode(ctLine)
	assert.Contains(t, ct, "type=reg")
	assert.Contains(t, ct, "size=13")

	_, n, err := clientConn.Reader.ReadFrame()
	require.NoError(t, err)
	assert.Greater(t, n, int64(0))

	require.NoError(t, clientConn.Writer.WriteCommand("BYE"))

	line, err = clientConn.Reader.ReadLine()
	require.NoError(t, err)
	assert.Contains(t, line, "cu_later")
}

func TestServe_DirtyConflictRejectsWrite(t *testing.T) {
	dir := t.TempDir()
	cctx := newSessionTestContext(t, dir)

	file := filepath.Join(dir, "conflict.txt")
	require.NoError(t, os.WriteFile(file, []byte("local\n"), 0o644))

	require.NoError(t, cctx.Store.MarkDirty(context.Background(), file, "nodeB", "nodeA", false, true))

	clientConn, sess := dialPipeSession(t, cctx, "nodeA")

	go func() { _ = sess.Serve(context.Background()) }()

	require.NoError(t, clientConn.Writer.WriteCommand("DEL", "secret", file))

	line, err := clientConn.Reader.ReadLine()
	require.NoError(t, err)
	assert.Contains(t, line, "also marked dirty")

	_, err = os.Stat(file)
	assert.NoError(t, err, "file must survive a rejected DEL")
}

func TestServe_UnknownCommand(t *testing.T) {
	dir := t.TempDir()
	cctx := newSessionTestContext(t, dir)

	clientConn, sess := dialPipeSession(t, cctx, "nodeA")

	go func() { _ = sess.Serve(context.Background()) }()

	require.NoError(t, clientConn.Writer.WriteLine(protocol.FormatCommand("NOPE")))

	line, err := clientConn.Reader.ReadLine()
	require.NoError(t, err)
	assert.Contains(t, line, "Unknown command")
}
