package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newForceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "force [paths...]",
		Short: "force every pending dirty row for paths to win the next update, bypassing the conflict check",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cctx := mustAppContext(cmd.Context())
			defer cctx.Store.Close()

			var total int64

			for _, p := range args {
				n, err := cctx.Store.SetForce(cmd.Context(), p)
				if err != nil {
					return err
				}

				total += n
			}

			fmt.Printf("forced %d row(s)\n", total)

			return nil
		},
	}

	return cmd
}
