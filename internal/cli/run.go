package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/itemsync/internal/inbox"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Inbox string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sync daemon",
		Long: `Run the sync engine, the attachment uploader and, when an inbox is
configured, the scan inbox watcher until interrupted.

Local edits are sent as they are committed, remote changes are pulled
through a subscription, and failed sends and uploads are retried with
backoff.

Example:
  itemsync run
  itemsync run --inbox ./scans -v`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Inbox, "inbox", "", "scan inbox directory (overrides inbox.dir)")

	return cmd
}

func runDaemon(opts *RunOptions, cmd *cobra.Command) error {
	a, err := openApp(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.requireRemote(); err != nil {
		return err
	}

	inboxDir := a.Config.Inbox.Dir
	if opts.Inbox != "" {
		inboxDir = opts.Inbox
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.Engine.Run(ctx)
	})
	g.Go(func() error {
		return a.Attachments.Run(ctx)
	})
	if inboxDir != "" {
		w, err := inbox.New(inboxDir, a.Resolver,
			inbox.WithLogger(a.Logger),
			inbox.WithScanHandler(func(s inbox.Scan) {
				if s.Err != nil {
					a.Logger.Warn("scan rejected", "file", s.File, "token", s.Token, "error", s.Err)
					return
				}
				a.Logger.Info("scanned", "token", s.Token, "entity", s.EntityID)
			}),
		)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open inbox", err)
		}
		g.Go(func() error {
			return w.Run(ctx)
		})
	}

	replica := a.Engine.ReplicaID()
	a.Logger.Info("daemon started", "replica", replica, "remote", a.Config.Remote.URL, "inbox", inboxDir)
	fmt.Fprintf(cmd.OutOrStdout(), "Syncing as %s with %s. Press Ctrl-C to stop.\n", replica, a.Config.Remote.URL)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "daemon error", err)
	}
	a.Logger.Info("daemon stopped")
	return nil
}

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	ListOptions
	Count int
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{ListOptions: ListOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream matching entities as they change",
		Long: `Print the entities matching a filter, then print them again after every
local commit that changes the result. Takes the same filters as list.

Example:
  itemsync watch --state conflict
  itemsync watch --field status=checked-out --format json --count 1`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := buildQuery(&opts.ListOptions)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid filter", err)
			}
			return withApp(rootOpts, cmd, func(ctx context.Context, a *app) error {
				ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()

				sub, err := a.Store.LiveQuery(ctx, q)
				if err != nil {
					return WrapExitError(ExitFailure, "watch failed", err)
				}
				defer sub.Cancel()

				out := newFormatter(rootOpts, cmd)
				n := 0
				for snap := range sub.Snapshots(ctx) {
					views := make([]entityView, len(snap.Entities))
					for i, e := range snap.Entities {
						views[i] = viewEntity(e)
					}
					err := out.Success(map[string]any{"seq": snap.Seq, "entities": views}, func(w io.Writer) {
						fmt.Fprintf(w, "-- snapshot %d (%d entities)\n", snap.Seq, len(snap.Entities))
						writeEntityTable(w, snap.Entities)
					})
					if err != nil {
						return err
					}
					n++
					if opts.Count > 0 && n >= opts.Count {
						return nil
					}
				}
				return nil
			})
		},
	}

	cmd.Flags().StringArrayVar(&opts.Fields, "field", nil, "match field=value (repeatable)")
	cmd.Flags().StringArrayVar(&opts.States, "state", nil, "match sync state (repeatable)")
	cmd.Flags().StringVar(&opts.Pending, "pending", "", "match entities with (true) or without (false) queued changes")
	cmd.Flags().BoolVar(&opts.Deleted, "deleted", false, "include deleted entities")
	cmd.Flags().IntVar(&opts.Count, "count", 0, "exit after this many snapshots (0 = until interrupted)")

	return cmd
}
