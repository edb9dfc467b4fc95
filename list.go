package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/csync2go/csyncd/internal/checktext"
)

func newListHintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-hint",
		Short: "list queued check hints",
		RunE: func(cmd *cobra.Command, args []string) error {
			cctx := mustAppContext(cmd.Context())
			defer cctx.Store.Close()

			hints, err := cctx.Store.ListHints(cmd.Context())
			if err != nil {
				return err
			}

			for _, h := range hints {
				fmt.Printf("%s\trecursive=%t\n", h.Filename, h.Recursive)
			}

			return nil
		},
	}
}

func newListFileCmd() *cobra.Command {
	var prefix string

	cmd := &cobra.Command{
		Use:   "list-file",
		Short: "list tracked files and their last-known check-text",
		RunE: func(cmd *cobra.Command, args []string) error {
			cctx := mustAppContext(cmd.Context())
			defer cctx.Store.Close()

			recs, err := cctx.Store.ListFilesUnder(cmd.Context(), prefix, true)
			if err != nil {
				return err
			}

			for _, r := range recs {
				size := "-"
				if n, ok := checktext.Size(r.CheckText); ok {
					size = humanize.Bytes(uint64(n))
				}

				typ, _ := checktext.Type(r.CheckText)
				fmt.Printf("%-8s %8s  %s\n", typ, size, r.Filename)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&prefix, "prefix", "", "only list files under this path (when empty, only names starting with / are listed)")

	return cmd
}

func newListDirtyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list-dirty",
		Short: "list every pending dirty row across all peers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cctx := mustAppContext(cmd.Context())
			defer cctx.Store.Close()

			rows, err := cctx.Store.ListAllDirty(cmd.Context())
			if err != nil {
				return err
			}

			for _, r := range rows {
				force := ""
				if r.Force {
					force = " (forced)"
				}

				fmt.Printf("%s -> %s%s\n", r.Filename, r.PeerName, force)
			}

			return nil
		},
	}

	return cmd
}
