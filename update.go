package main

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/csync2go/csyncd/internal/client"
	"github.com/csync2go/csyncd/internal/config"
	"github.com/csync2go/csyncd/internal/csyncctx"
	"github.com/csync2go/csyncd/internal/transport"
)

// defaultPort is the TCP port sync sessions listen on when a peer's
// configuration doesn't say otherwise.
const defaultPort = "30865"

func newUpdateCmd() *cobra.Command {
	var (
		peer      string
		path      string
		recursive bool
		dryRun    bool
	)

	cmd := &cobra.Command{
		Use:   "update",
		Short: "push pending dirty rows to peers over a sync session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cctx := mustAppContext(cmd.Context())
			defer cctx.Store.Close()

			cfg, err := config.Load(flagConfigPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
			if err != nil {
				return fmt.Errorf("loading TLS certificate: %w", err)
			}

			dial := func(ctx context.Context, peerName string) (*client.PeerConn, error) {
				return dialPeer(ctx, cctx, cert, peerName)
			}

			n, err := client.Update(cmd.Context(), cctx, dial, client.Options{
				PeerFilter: peer,
				PathFilter: path,
				Recursive:  recursive,
				DryRun:     dryRun,
			})
			if err != nil {
				return err
			}

			if n > 0 {
				return fmt.Errorf("update completed with %d error(s)", n)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&peer, "peer", "", "only update this peer")
	cmd.Flags().StringVar(&path, "path", "", "only update this path")
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "match --path as a subtree prefix")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "connect to each peer but send no files, leaving dirty rows in place")

	return cmd
}

// dialPeer opens a mutual-TLS sync session to peerName, pinning its
// certificate trust-on-first-use against the shared Store (spec.md
// §4.7).
func dialPeer(ctx context.Context, cctx *csyncctx.Context, cert tls.Certificate, peerName string) (*client.PeerConn, error) {
	addr := peerName + ":" + defaultPort

	conn, err := transport.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}

	tlsConn, err := transport.ClientTLS(ctx, conn, cert, peerName, cctx.Store)
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &client.PeerConn{Reader: tlsConn.Reader, Writer: tlsConn.Writer, Close: tlsConn.Close}, nil
}
