// Package cli implements rosterctl, the operator command for roster loads,
// manual syncs and dead-letter inspection.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rollcall/backend/config"
	"github.com/rollcall/backend/internal/app"
)

// Opener builds the application graph for a command.
type Opener func(ctx context.Context, logger *zap.Logger) (*app.App, error)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"

	open Opener
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// OpenFromEnv loads config from the environment and builds the app.
func OpenFromEnv(ctx context.Context, logger *zap.Logger) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return app.Build(ctx, cfg, logger)
}

// NewRootCommand creates the rosterctl root command. A nil opener uses OpenFromEnv.
func NewRootCommand(open Opener) *cobra.Command {
	if open == nil {
		open = OpenFromEnv
	}
	opts := &RootOptions{open: open}

	cmd := &cobra.Command{
		Use:   "rosterctl",
		Short: "Operate guest rosters and roster sync",
		Long:  "rosterctl loads rosters into the guest store, runs reconciliation on demand and lists dead letters.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log to stderr")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewLoadCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewEventsCommand(opts))
	cmd.AddCommand(NewDeadLettersCommand(opts))
	cmd.AddCommand(NewHashPasswordCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func (o *RootOptions) logger() *zap.Logger {
	if o.Verbose {
		return app.NewLogger(os.Getenv("LOG_LEVEL"))
	}
	return zap.NewNop()
}

// withApp opens the app, runs fn and shuts the app down.
func (o *RootOptions) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := o.open(ctx, o.logger())
	if err != nil {
		return WrapExitError(ExitCommandError, "open", err)
	}
	defer func() {
		if err := a.Shutdown(context.Background()); err != nil {
			fmt.Fprintln(cmd.ErrOrStderr(), "shutdown:", err)
		}
	}()
	return fn(ctx, a)
}
