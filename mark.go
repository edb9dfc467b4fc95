package main

import (
	"github.com/spf13/cobra"

	"github.com/csync2go/csyncd/internal/detect"
)

func newMarkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mark [paths...]",
		Short: "mark paths dirty for every peer without comparing local state",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cctx := mustAppContext(cmd.Context())
			defer cctx.Store.Close()

			for _, p := range args {
				if err := detect.MarkDirtyForPeers(cmd.Context(), cctx, p, true); err != nil {
					return err
				}
			}

			return nil
		},
	}

	return cmd
}
