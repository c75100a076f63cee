package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/itemsync/internal/qrlabel"
)

// LabelOptions holds flags for the label command.
type LabelOptions struct {
	*RootOptions
	Output string
	Size   int
	Level  string
	Attach bool
}

// NewLabelCommand creates the label command.
func NewLabelCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LabelOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "label <token>",
		Short: "Render a QR label for a token",
		Long: `Render the QR code for a token. Without --output the code is drawn in the
terminal; with --output a PNG is written. When the identity checksum is
enabled the check character is part of the encoded payload.

With --attach the token is resolved (binding it on first use) and the PNG
is attached to the entity's "qr" slot.

Example:
  itemsync label ABC123
  itemsync label ABC123 -o abc123.png --size 512 --level high
  itemsync label ABC123 --attach`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLabel(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "write a PNG to this file")
	cmd.Flags().IntVar(&opts.Size, "size", qrlabel.DefaultSize, "PNG edge length in pixels")
	cmd.Flags().StringVar(&opts.Level, "level", string(qrlabel.LevelMedium), "error correction (low|medium|high|highest)")
	cmd.Flags().BoolVar(&opts.Attach, "attach", false, "attach the PNG to the entity's qr slot")

	return cmd
}

func runLabel(opts *LabelOptions, token string, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	labelOpts := qrlabel.Options{
		Size:     opts.Size,
		Level:    qrlabel.Level(opts.Level),
		Checksum: cfg.IdentityChecksum(),
	}

	if opts.Attach {
		return withApp(opts.RootOptions, cmd, func(ctx context.Context, a *app) error {
			id, err := a.Resolver.Resolve(ctx, token)
			if err != nil {
				return WrapExitError(ExitFailure, fmt.Sprintf("resolve %q", token), err)
			}
			if _, err := qrlabel.Attach(ctx, a.Attachments, id, token, labelOpts); err != nil {
				return WrapExitError(ExitFailure, "label failed", err)
			}
			att, err := a.Attachments.Get(ctx, id, qrlabel.Slot)
			if err != nil {
				return err
			}
			return writeAttachment(opts.RootOptions, cmd, id, att, fmt.Sprintf("attached label to %s/%s", id, qrlabel.Slot))
		})
	}

	payload, err := qrlabel.Payload(token, labelOpts.Checksum)
	if err != nil {
		return WrapExitError(ExitFailure, "invalid token", err)
	}

	if opts.Output != "" {
		png, err := qrlabel.PNG(token, labelOpts)
		if err != nil {
			return WrapExitError(ExitFailure, "label failed", err)
		}
		if err := os.WriteFile(opts.Output, png, 0o644); err != nil {
			return WrapExitError(ExitCommandError, "cannot write label", err)
		}
		return newFormatter(opts.RootOptions, cmd).Success(map[string]any{
			"payload": payload,
			"file":    opts.Output,
			"bytes":   len(png),
		}, func(w io.Writer) {
			fmt.Fprintf(w, "wrote %s (%d bytes, payload %s)\n", opts.Output, len(png), payload)
		})
	}

	art, err := qrlabel.Text(token, labelOpts)
	if err != nil {
		return WrapExitError(ExitFailure, "label failed", err)
	}
	return newFormatter(opts.RootOptions, cmd).Success(map[string]any{
		"payload": payload,
		"text":    art,
	}, func(w io.Writer) {
		fmt.Fprint(w, art)
		fmt.Fprintln(w, payload)
	})
}
