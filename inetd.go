package main

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/csync2go/csyncd/internal/server"
	"github.com/csync2go/csyncd/internal/transport"
)

// stdioConn adapts stdin/stdout to net.Conn so inetd mode can reuse
// transport.Accept and the same Session plumbing as the standalone
// listener. Transport security in this mode is whatever wraps the
// inetd invocation itself (e.g. an SSH tunnel or TCP wrapper), which is
// why --peer names the connecting peer instead of a certificate.
type stdioConn struct {
	in  *os.File
	out *os.File
}

func (c stdioConn) Read(p []byte) (int, error)       { return c.in.Read(p) }
func (c stdioConn) Write(p []byte) (int, error)      { return c.out.Write(p) }
func (c stdioConn) Close() error                     { return nil }
func (c stdioConn) LocalAddr() net.Addr              { return stdioAddr{} }
func (c stdioConn) RemoteAddr() net.Addr             { return stdioAddr{} }
func (c stdioConn) SetDeadline(time.Time) error      { return nil }
func (c stdioConn) SetReadDeadline(time.Time) error  { return nil }
func (c stdioConn) SetWriteDeadline(time.Time) error { return nil }

type stdioAddr struct{}

func (stdioAddr) Network() string { return "stdio" }
func (stdioAddr) String() string  { return "stdio" }

func newInetdCmd() *cobra.Command {
	var peer string

	cmd := &cobra.Command{
		Use:   "inetd",
		Short: "serve one sync session over stdin/stdout, for socket-activated invocation",
		RunE: func(cmd *cobra.Command, args []string) error {
			if peer == "" {
				return errors.New("inetd: --peer is required")
			}

			cctx := mustAppContext(cmd.Context())
			defer cctx.Store.Close()

			conn, err := transport.Accept(stdioConn{in: os.Stdin, out: os.Stdout})
			if err != nil {
				return err
			}

			peerCert := &x509.Certificate{Subject: pkix.Name{CommonName: peer}}

			sess, err := server.New(cmd.Context(), cctx, conn, peerCert)
			if err != nil {
				return err
			}

			return sess.Serve(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&peer, "peer", "", "name of the connecting peer")

	return cmd
}
