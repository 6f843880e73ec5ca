package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/rollcall/backend/internal/app"
	"github.com/rollcall/backend/pkg/utils"
)

// NewLoadCommand creates the load command.
func NewLoadCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "load EVENT_CODE",
		Short: "Import the roster of an active event into the guest store",
		Long: `Import every roster row of the event into the guest store.

Guests already in the store keep their check-in state; only their
identity fields and roster positions are refreshed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code := strings.ToUpper(strings.TrimSpace(args[0]))
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				res, err := a.Reconciler.LoadInitialRoster(ctx, code)
				if err != nil {
					return WrapExitError(ExitFailure, "load "+code, err)
				}
				return opts.write(cmd.OutOrStdout(), res, func(w io.Writer) {
					fmt.Fprintf(w, "event %s: %d guests (%d new, %d updated)\n", res.EventID, res.Total, res.Inserted, res.Updated)
				})
			})
		},
	}
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync [EVENT_ID]",
		Short: "Write unsynced guests to the roster",
		Long: `Reconcile one event, or every active event when no id is given.

Exit codes:
  0 - every event synced
  1 - at least one event failed (see dead letters)
  2 - command error`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if len(args) == 1 {
					res, err := a.Reconciler.SyncEvent(ctx, args[0])
					if res != nil {
						if werr := opts.write(cmd.OutOrStdout(), res, func(w io.Writer) {
							fmt.Fprintf(w, "event %s: synced %d, skipped %d, attempts %d\n", res.EventID, res.Synced, res.Skipped, res.Attempts)
						}); werr != nil {
							return werr
						}
					}
					if err != nil {
						return WrapExitError(ExitFailure, "sync "+args[0], err)
					}
					return nil
				}

				report, err := a.Reconciler.SyncAllActiveEvents(ctx)
				if err != nil {
					return WrapExitError(ExitFailure, "sync", err)
				}
				if err := opts.write(cmd.OutOrStdout(), report, func(w io.Writer) {
					if report.Locked {
						fmt.Fprintln(w, "another instance holds the sync lock, nothing ran")
						return
					}
					tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "EVENT\tOK\tSYNCED\tSKIPPED\tERROR")
					for _, r := range report.Results {
						fmt.Fprintf(tw, "%s\t%t\t%d\t%d\t%s\n", r.EventID, r.Success, r.Synced, r.Skipped, r.Error)
					}
					_ = tw.Flush()
					fmt.Fprintf(w, "%d events, %d ok, %d failed\n", report.Total, report.Successful, report.Failed)
				}); err != nil {
					return err
				}
				if report.Failed > 0 {
					return WrapExitError(ExitFailure, fmt.Sprintf("%d events failed", report.Failed), nil)
				}
				return nil
			})
		},
	}
}

// NewEventsCommand creates the events command.
func NewEventsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "List events with their codes and status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				list, err := a.Events.List(ctx)
				if err != nil {
					return WrapExitError(ExitFailure, "list events", err)
				}
				return opts.write(cmd.OutOrStdout(), list, func(w io.Writer) {
					tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "ID\tCODE\tSTATUS\tNAME")
					for _, e := range list {
						fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.EventID, e.EventCode, e.Status, e.Name)
					}
					_ = tw.Flush()
				})
			})
		},
	}
}

// NewDeadLettersCommand creates the dead-letters command.
func NewDeadLettersCommand(opts *RootOptions) *cobra.Command {
	var eventID string
	var limit int
	cmd := &cobra.Command{
		Use:   "dead-letters",
		Short: "List reconciliation failures awaiting review",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				list, err := a.Store.ListDeadLetters(ctx, eventID, limit)
				if err != nil {
					return WrapExitError(ExitFailure, "list dead letters", err)
				}
				return opts.write(cmd.OutOrStdout(), list, func(w io.Writer) {
					for _, dl := range list {
						fmt.Fprintf(w, "%s  %s  %s  %s\n    %s\n",
							dl.CreatedAt.Format("2006-01-02 15:04:05"), dl.EventID, dl.Operation, dl.Status, dl.Error)
					}
					fmt.Fprintf(w, "%d dead letters\n", len(list))
				})
			})
		},
	}
	cmd.Flags().StringVar(&eventID, "event", "", "only this event id")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum records")
	return cmd
}

// NewHashPasswordCommand creates the hash-password command. The output goes
// into ADMIN_ACCOUNTS as email:hash.
func NewHashPasswordCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password [PASSWORD]",
		Short: "Print the bcrypt hash of a password (read from stdin when omitted)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var password string
			if len(args) == 1 {
				password = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && err != io.EOF {
					return WrapExitError(ExitCommandError, "read password", err)
				}
				password = strings.TrimRight(line, "\r\n")
			}
			if password == "" {
				return WrapExitError(ExitCommandError, "empty password", nil)
			}
			hash, err := utils.HashPassword(password)
			if err != nil {
				return WrapExitError(ExitCommandError, "hash password", err)
			}
			return opts.write(cmd.OutOrStdout(), map[string]string{"hash": hash}, func(w io.Writer) {
				fmt.Fprintln(w, hash)
			})
		},
	}
}
