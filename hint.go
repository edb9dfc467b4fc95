package main

import (
	"github.com/spf13/cobra"
)

func newHintCmd() *cobra.Command {
	var recursive bool

	cmd := &cobra.Command{
		Use:   "hint [paths...]",
		Short: "queue paths for a later check run (e.g. from a filesystem watcher)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cctx := mustAppContext(cmd.Context())
			defer cctx.Store.Close()

			for _, p := range args {
				if err := cctx.Store.AddHint(cmd.Context(), p, recursive); err != nil {
					return err
				}
			}

			return nil
		},
	}

	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "also check this path's subtree")

	return cmd
}
