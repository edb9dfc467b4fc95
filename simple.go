package main

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/csync2go/csyncd/internal/client"
	"github.com/csync2go/csyncd/internal/config"
	"github.com/csync2go/csyncd/internal/detect"
)

// newSimpleCmd runs the common one-shot sequence by hand: drain any
// queued hints, check every configured directory, then push the result
// to every peer — the single-command mode most cron invocations want
// instead of chaining hint/check/update separately (spec.md §6).
func newSimpleCmd() *cobra.Command {
	var recursive bool

	cmd := &cobra.Command{
		Use:   "simple",
		Short: "drain hints, check every configured directory, and update all peers in one step",
		RunE: func(cmd *cobra.Command, args []string) error {
			cctx := mustAppContext(cmd.Context())
			defer cctx.Store.Close()

			if err := detect.CheckFromHints(cmd.Context(), cctx); err != nil {
				return fmt.Errorf("checking hints: %w", err)
			}

			for _, root := range configuredRoots(cctx.Config.Prefixes) {
				if err := detect.Check(cmd.Context(), cctx, root, detect.Options{Recursive: recursive}); err != nil {
					return fmt.Errorf("checking %q: %w", root, err)
				}
			}

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

			n, err := client.Update(cmd.Context(), cctx, dial, client.Options{})
			if err != nil {
				return err
			}

			if n > 0 {
				return fmt.Errorf("simple run completed with %d error(s)", n)
			}

			return nil
		},
	}

	cmd.Flags().BoolVarP(&recursive, "recursive", "r", true, "recurse into subdirectories during the check pass")

	return cmd
}
