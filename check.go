package main

import (
	"sort"

	"github.com/spf13/cobra"

	"github.com/csync2go/csyncd/internal/detect"
)

func newCheckCmd() *cobra.Command {
	var recursive bool

	cmd := &cobra.Command{
		Use:   "check [paths...]",
		Short: "scan paths for changes and queue them for peers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cctx := mustAppContext(cmd.Context())
			defer cctx.Store.Close()

			if len(args) == 0 {
				return detect.CheckFromHints(cmd.Context(), cctx)
			}

			for _, p := range args {
				if err := detect.Check(cmd.Context(), cctx, p, detect.Options{Recursive: recursive}); err != nil {
					return err
				}
			}

			return nil
		},
	}

	cmd.Flags().BoolVarP(&recursive, "recursive", "r", true, "recurse into subdirectories")

	return cmd
}

// configuredRoots returns the real directories behind every configured
// %prefix% alias, sorted, for `simple`'s full scan.
func configuredRoots(prefixes map[string]string) []string {
	roots := make([]string, 0, len(prefixes))
	for _, dir := range prefixes {
		roots = append(roots, dir)
	}

	sort.Strings(roots)

	return roots
}
