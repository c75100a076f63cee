package cli

import (
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/roach88/itemsync/internal/model"
)

// AttachOptions holds flags for the attach command.
type AttachOptions struct {
	*RootOptions
	ContentType string
}

// NewAttachCommand creates the attach command.
func NewAttachCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AttachOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "attach <id|token> <slot> <file>",
		Short: "Attach a file to an entity slot",
		Long: `Copy a file into the local blob cache and schedule its upload to the
entity's slot. The command returns the attach ticket right away; the
upload happens on the next sync or in the run daemon.

Example:
  itemsync attach ABC123 poster ./front.png
  itemsync attach ABC123 manual ./manual.pdf --content-type application/pdf`,
		Args:          cobra.ExactArgs(3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, slot, path := args[0], args[1], args[2]
			contentType := opts.ContentType
			if contentType == "" {
				contentType = mime.TypeByExtension(filepath.Ext(path))
			}

			f, err := os.Open(path)
			if err != nil {
				return WrapExitError(ExitCommandError, "cannot read file", err)
			}
			defer f.Close()

			return withApp(rootOpts, cmd, func(ctx context.Context, a *app) error {
				e, err := a.lookup(ctx, ref)
				if err != nil {
					return err
				}
				ticket, err := a.Attachments.Attach(ctx, e.ID, slot, f, contentType)
				if err != nil {
					return WrapExitError(ExitFailure, "attach failed", err)
				}
				att, err := a.Attachments.Get(ctx, e.ID, slot)
				if err != nil {
					return err
				}
				return writeAttachment(rootOpts, cmd, e.ID, att, fmt.Sprintf("attached %s/%s (ticket %s)", e.ID, slot, ticket))
			})
		},
	}

	cmd.Flags().StringVar(&opts.ContentType, "content-type", "", "MIME type (default: from file extension)")

	return cmd
}

// FetchOptions holds flags for the fetch command.
type FetchOptions struct {
	*RootOptions
	Output string
}

// NewFetchCommand creates the fetch command.
func NewFetchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &FetchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "fetch <id|token> <slot>",
		Short: "Read an attachment blob",
		Long: `Write the blob in an entity slot to stdout or a file. Blobs missing from
the local cache are downloaded from the remote and cached.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, a *app) error {
				return runFetch(ctx, opts, cmd, a, args[0], args[1])
			})
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "write to file instead of stdout")

	return cmd
}

func runFetch(ctx context.Context, opts *FetchOptions, cmd *cobra.Command, a *app, ref, slot string) error {
	e, err := a.lookup(ctx, ref)
	if err != nil {
		return err
	}
	att, err := a.Attachments.Get(ctx, e.ID, slot)
	if err != nil {
		return WrapExitError(ExitFailure, fmt.Sprintf("no attachment in slot %q", slot), err)
	}
	if !a.Attachments.Cache().Has(att.Digest) {
		if err := a.requireRemote(); err != nil {
			return err
		}
	}

	rc, _, err := a.Attachments.Open(ctx, e.ID, slot)
	if err != nil {
		return WrapExitError(ExitFailure, "fetch failed", err)
	}
	defer rc.Close()

	var w io.Writer = cmd.OutOrStdout()
	if opts.Output != "" {
		f, err := os.Create(opts.Output)
		if err != nil {
			return WrapExitError(ExitCommandError, "cannot create output file", err)
		}
		defer f.Close()
		w = f
	}
	n, err := io.Copy(w, rc)
	if err != nil {
		return WrapExitError(ExitFailure, "fetch failed", err)
	}
	newFormatter(opts.RootOptions, cmd).VerboseLog("fetched %d bytes from %s/%s", n, e.ID, slot)
	return nil
}

// NewCancelCommand creates the cancel command.
func NewCancelCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id|token> <slot>",
		Short: "Cancel a pending upload",
		Long: `Stop a scheduled or running upload. The attachment ends failed with
reason "cancelled" and is not retried automatically; "itemsync retry
--slot" uploads it again.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, a *app) error {
				e, err := a.lookup(ctx, args[0])
				if err != nil {
					return err
				}
				att, err := a.Attachments.Cancel(ctx, e.ID, args[1])
				if err != nil {
					return WrapExitError(ExitFailure, "cancel failed", err)
				}
				return writeAttachment(rootOpts, cmd, e.ID, att, fmt.Sprintf("cancelled %s/%s", e.ID, args[1]))
			})
		},
	}
}

func writeAttachment(opts *RootOptions, cmd *cobra.Command, id model.EntityID, att model.Attachment, headline string) error {
	view := viewAttachment(att)
	return newFormatter(opts, cmd).Success(struct {
		EntityID model.EntityID `json:"entity_id"`
		attachView
	}{id, view}, func(w io.Writer) {
		fmt.Fprintln(w, headline)
		fmt.Fprintf(w, "  state:   %s\n", att.State)
		if att.Reason != "" {
			fmt.Fprintf(w, "  reason:  %s\n", att.Reason)
		}
		fmt.Fprintf(w, "  digest:  %s\n", att.Digest)
		fmt.Fprintf(w, "  size:    %d\n", att.Size)
		if att.URL != "" {
			fmt.Fprintf(w, "  url:     %s\n", att.URL)
		}
	})
}
