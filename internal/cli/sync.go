package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/itemsync/internal/attachment"
	"github.com/roach88/itemsync/internal/engine"
	"github.com/roach88/itemsync/internal/remote"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	NoPush    bool
	NoPull    bool
	NoUploads bool
}

// SyncResult is the outcome of one sync command.
type SyncResult struct {
	Push    engine.Report           `json:"push"`
	Failed  []string                `json:"failed,omitempty"`
	Uploads attachment.UploadReport `json:"uploads"`
	Pulled  int                     `json:"pulled"`
	Applied int                     `json:"applied"`
	Cursor  int64                   `json:"cursor"`
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass against the remote",
		Long: `Run one sync pass: send queued field changes, upload due attachments,
then pull remote changes since the last cursor.

Exits 1 when any change stopped syncing in this pass.

Example:
  itemsync sync
  itemsync sync --no-pull --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, a *app) error {
				return runSync(ctx, opts, cmd, a)
			})
		},
	}

	cmd.Flags().BoolVar(&opts.NoPush, "no-push", false, "skip sending local changes")
	cmd.Flags().BoolVar(&opts.NoPull, "no-pull", false, "skip pulling remote changes")
	cmd.Flags().BoolVar(&opts.NoUploads, "no-uploads", false, "skip attachment uploads")

	return cmd
}

func runSync(ctx context.Context, opts *SyncOptions, cmd *cobra.Command, a *app) error {
	if err := a.requireRemote(); err != nil {
		return err
	}
	out := newFormatter(opts.RootOptions, cmd)
	var result SyncResult

	if !opts.NoPush {
		report, err := a.Engine.SyncOnce(ctx)
		if err != nil {
			return WrapExitError(ExitFailure, "sync failed", err)
		}
		result.Push = report
		for _, f := range report.Failed {
			result.Failed = append(result.Failed, f.Error())
		}
		for _, err := range report.Errors {
			out.VerboseLog("sync error: %v", err)
		}
	}

	if !opts.NoUploads {
		report, err := a.Attachments.UploadOnce(ctx)
		if err != nil {
			return WrapExitError(ExitFailure, "upload failed", err)
		}
		result.Uploads = report
		for _, err := range report.Errors {
			out.VerboseLog("upload error: %v", err)
		}
	}

	if !opts.NoPull {
		if err := pull(ctx, a, &result); err != nil {
			return WrapExitError(ExitFailure, "pull failed", err)
		}
	}

	if err := out.Success(result, func(w io.Writer) { writeSyncResult(w, result) }); err != nil {
		return err
	}
	if len(result.Failed) > 0 || result.Uploads.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d change(s) and %d upload(s) failed",
			len(result.Failed), result.Uploads.Failed))
	}
	return nil
}

// pull fetches and applies every remote change after the stored cursor.
func pull(ctx context.Context, a *app, result *SyncResult) error {
	cursor, err := a.Engine.Cursor(ctx)
	if err != nil {
		return err
	}
	changes, err := a.Client.Changes(ctx, remote.Filter{Since: cursor})
	if err != nil {
		return err
	}
	for _, change := range changes {
		applied, err := a.Engine.ApplyChange(ctx, change)
		if err != nil {
			return err
		}
		result.Pulled++
		if applied {
			result.Applied++
		}
		cursor = max(cursor, change.Cursor)
	}
	result.Cursor = cursor
	return nil
}

func writeSyncResult(w io.Writer, r SyncResult) {
	p := r.Push
	fmt.Fprintf(w, "push:    %d sent, %d acked, %d merged, %d conflicts, %d retrying, %d failed\n",
		p.Sent, p.Acked, p.Merged, p.Conflicts, p.Retrying, len(r.Failed))
	for _, f := range r.Failed {
		fmt.Fprintf(w, "  %s\n", f)
	}
	u := r.Uploads
	fmt.Fprintf(w, "uploads: %d uploaded, %d retrying, %d failed, %d cancelled\n",
		u.Uploaded, u.Retrying, u.Failed, u.Cancelled)
	fmt.Fprintf(w, "pull:    %d changes, %d applied (cursor %d)\n", r.Pulled, r.Applied, r.Cursor)
}
