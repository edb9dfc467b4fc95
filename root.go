// Command csync2d is the cluster file synchronizer's CLI front-end: one
// binary exposing the change-detection, update, and server-session
// operations of spec.md §6 as cobra subcommands, mirroring the teacher's
// root-level main.go + per-command-file layout rather than a cmd/ tree.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/csync2go/csyncd/internal/config"
	"github.com/csync2go/csyncd/internal/csyncctx"
	"github.com/csync2go/csyncd/internal/store"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagVerbose    bool
	flagDebug      bool
	flagQuiet      bool
)

// skipConfigAnnotation marks commands that must not eagerly open the
// configured Store (e.g. future config-validation commands). None of the
// current commands need it, but the hook mirrors the teacher's
// PersistentPreRunE escape hatch.
const skipConfigAnnotation = "skipConfig"

type appContextKey struct{}

// appContextFrom extracts the *csyncctx.Context populated by
// PersistentPreRunE, or nil if the command skipped config loading.
func appContextFrom(ctx context.Context) *csyncctx.Context {
	cc, _ := ctx.Value(appContextKey{}).(*csyncctx.Context)
	return cc
}

// mustAppContext extracts the app context or panics — every RunE in this
// binary requires one, since none of the registered commands set
// skipConfigAnnotation.
func mustAppContext(ctx context.Context) *csyncctx.Context {
	cc := appContextFrom(ctx)
	if cc == nil {
		panic("BUG: Context not found in command context — PersistentPreRunE should have set it")
	}

	return cc
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "csync2d",
		Short:         "Cluster file synchronizer",
		Long:          "csync2d keeps a set of peer hosts' files in sync using change detection, a rolling-checksum delta protocol, and a dirty-state action queue.",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Annotations[skipConfigAnnotation] == "true" {
				return nil
			}

			return loadContext(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "/etc/csync2.toml", "config file path")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "show detailed output")
	cmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.MarkFlagsMutuallyExclusive("verbose", "debug", "quiet")

	cmd.AddCommand(newHintCmd())
	cmd.AddCommand(newCheckCmd())
	cmd.AddCommand(newUpdateCmd())
	cmd.AddCommand(newMarkCmd())
	cmd.AddCommand(newForceCmd())
	cmd.AddCommand(newSimpleCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newInetdCmd())
	cmd.AddCommand(newListHintCmd())
	cmd.AddCommand(newListFileCmd())
	cmd.AddCommand(newListDirtyCmd())

	return cmd
}

// buildLogger honors --verbose/--debug/--quiet, always letting CLI flags
// win (spec.md §2.1).
func buildLogger() *slog.Logger {
	level := slog.LevelWarn

	switch {
	case flagDebug:
		level = slog.LevelDebug
	case flagVerbose:
		level = slog.LevelInfo
	case flagQuiet:
		level = slog.LevelError
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// loadContext parses the config file, opens the Store, and stashes the
// resulting *csyncctx.Context on the command's context for every RunE to
// share — the same role the teacher's loadConfig plays for CLIContext.
func loadContext(cmd *cobra.Command) error {
	logger := buildLogger()

	cfg, err := config.Load(flagConfigPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	limits := csyncctx.DefaultLimits()
	limits.Store.BusyTimeoutBase = cfg.Store.BusyTimeoutBase

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	s, err := store.Open(ctx, cfg.Store.URL, limits.Store, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}

	cctx := &csyncctx.Context{
		Config: cfg.Groups,
		Store:  s,
		Logger: logger,
		Limits: limits,
	}

	cmd.SetContext(context.WithValue(ctx, appContextKey{}, cctx))

	return nil
}

func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
