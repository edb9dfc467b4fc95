package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"

	"github.com/spf13/cobra"

	"github.com/csync2go/csyncd/internal/config"
	"github.com/csync2go/csyncd/internal/csyncctx"
	"github.com/csync2go/csyncd/internal/server"
	"github.com/csync2go/csyncd/internal/transport"
)

func newServeCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "listen for inbound sync sessions, one goroutine per connection",
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

			ln, err := transport.Listen(listen)
			if err != nil {
				return err
			}
			defer ln.Close()

			cctx.Log().Info("listening for sync sessions", slog.String("addr", listen))

			return acceptLoop(cmd.Context(), cctx, ln, cert)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", ":"+defaultPort, "address to listen on")

	return cmd
}

// acceptLoop hands each accepted connection to its own goroutine running
// one server.Session end to end — the Go-native replacement for the
// inetd-per-connection-fork model (spec.md §2.3).
func acceptLoop(ctx context.Context, cctx *csyncctx.Context, ln net.Listener, cert tls.Certificate) error {
	for {
		raw, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				return fmt.Errorf("accept: %w", err)
			}
		}

		go serveConn(ctx, cctx, raw, cert)
	}
}

func serveConn(ctx context.Context, cctx *csyncctx.Context, raw net.Conn, cert tls.Certificate) {
	log := cctx.Log()

	conn, err := transport.Accept(raw)
	if err != nil {
		log.Warn("accept failed", slog.Any("error", err))
		return
	}

	tlsConn, peerCert, err := transport.ServerTLS(ctx, conn, cert)
	if err != nil {
		log.Warn("TLS handshake failed", slog.Any("error", err))
		conn.Close()

		return
	}
	defer tlsConn.Close()

	sess, err := server.New(ctx, cctx, tlsConn, peerCert)
	if err != nil {
		log.Warn("session setup failed", slog.Any("error", err))
		return
	}

	if err := sess.Serve(ctx); err != nil {
		log.Info("session ended", slog.Any("error", err))
	}
}
