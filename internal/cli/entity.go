package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/itemsync/internal/model"
	"github.com/roach88/itemsync/internal/queryir"
)

// NewScanCommand creates the scan command.
func NewScanCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "scan <token>...",
		Short: "Resolve scanned QR tokens to entities",
		Long: `Resolve one or more scanned QR tokens. A token seen for the first time
is bound to a new entity; a known token returns its entity unchanged.

Example:
  itemsync scan ABC123
  itemsync scan --format json ABC123 TOOL-9`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, a *app) error {
				entities := make([]model.Entity, 0, len(args))
				for _, token := range args {
					id, err := a.Resolver.Resolve(ctx, token)
					if err != nil {
						return WrapExitError(ExitFailure, fmt.Sprintf("scan %q", token), err)
					}
					e, err := a.Store.GetEntity(ctx, id)
					if err != nil {
						return err
					}
					entities = append(entities, e)
				}
				if len(entities) == 1 {
					return writeOneEntity(rootOpts, cmd, entities[0])
				}
				return writeEntities(rootOpts, cmd, entities)
			})
		},
	}
}

// NewShowCommand creates the show command.
func NewShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id|token>",
		Short: "Show one entity",
		Long: `Show an entity's fields, sync state and attachments. The argument is an
entity ID or a token that has already been scanned.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, a *app) error {
				e, err := a.lookup(ctx, args[0])
				if err != nil {
					return err
				}
				return writeOneEntity(rootOpts, cmd, e)
			})
		},
	}
}

// ListOptions holds flags for the list command.
type ListOptions struct {
	*RootOptions
	Fields  []string
	States  []string
	Pending string
	Deleted bool
	Limit   int
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ListOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List entities",
		Long: `List entities in the local store, optionally filtered.

Example:
  itemsync list --field status=in-stock
  itemsync list --state conflict --state failed
  itemsync list --pending true --limit 20`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := buildQuery(opts)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid filter", err)
			}
			return withApp(rootOpts, cmd, func(ctx context.Context, a *app) error {
				entities, err := a.Store.ListEntities(ctx, q)
				if err != nil {
					return err
				}
				if rootOpts.Format == "json" {
					return writeEntities(rootOpts, cmd, entities)
				}
				return newFormatter(rootOpts, cmd).Success(nil, func(w io.Writer) {
					writeEntityTable(w, entities)
				})
			})
		},
	}

	cmd.Flags().StringArrayVar(&opts.Fields, "field", nil, "match field=value (repeatable)")
	cmd.Flags().StringArrayVar(&opts.States, "state", nil, "match sync state (repeatable)")
	cmd.Flags().StringVar(&opts.Pending, "pending", "", "match entities with (true) or without (false) queued changes")
	cmd.Flags().BoolVar(&opts.Deleted, "deleted", false, "include deleted entities")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of entities (0 = all)")

	return cmd
}

// buildQuery turns list flags into a query.
func buildQuery(opts *ListOptions) (queryir.Query, error) {
	var preds []queryir.Predicate
	for _, f := range opts.Fields {
		key, value, ok := strings.Cut(f, "=")
		if !ok || key == "" {
			return queryir.Query{}, fmt.Errorf("invalid --field %q: want key=value", f)
		}
		preds = append(preds, queryir.FieldEquals{Field: key, Value: model.ParseLiteral(value)})
	}
	if len(opts.States) > 0 {
		states := make([]model.SyncState, 0, len(opts.States))
		for _, s := range opts.States {
			state := model.SyncState(s)
			if !state.Valid() {
				return queryir.Query{}, fmt.Errorf("invalid --state %q", s)
			}
			states = append(states, state)
		}
		preds = append(preds, queryir.StateIn{States: states})
	}
	switch opts.Pending {
	case "":
	case "true":
		preds = append(preds, queryir.Pending{Value: true})
	case "false":
		preds = append(preds, queryir.Pending{Value: false})
	default:
		return queryir.Query{}, fmt.Errorf("invalid --pending %q: want true or false", opts.Pending)
	}

	q := queryir.All()
	if len(preds) > 0 {
		q = queryir.Where(preds...)
	}
	q.IncludeDeleted = opts.Deleted
	q.Limit = opts.Limit
	if err := queryir.Validate(q); err != nil {
		return queryir.Query{}, err
	}
	return q, nil
}

// NewSetCommand creates the set command.
func NewSetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "set <id|token> <field=value>...",
		Short: "Write field values",
		Long: `Write one or more fields on an entity. Values are parsed as JSON when
they are valid JSON and taken as strings otherwise; "null" clears a field.

Example:
  itemsync set ABC123 status=checked-out
  itemsync set ABC123 capacity=12 tags='["power","cordless"]'
  itemsync set ABC123 description=null`,
		Args:          cobra.MinimumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			delta, err := parseAssignments(args[1:])
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid arguments", err)
			}
			return withApp(rootOpts, cmd, func(ctx context.Context, a *app) error {
				e, err := a.lookup(ctx, args[0])
				if err != nil {
					return err
				}
				e, err = a.Engine.Set(ctx, e.ID, delta)
				if err != nil {
					return WrapExitError(ExitFailure, "set failed", err)
				}
				return writeOneEntity(rootOpts, cmd, e)
			})
		},
	}
}

// NewDeleteCommand creates the delete command.
func NewDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "delete <id|token>",
		Short:         "Delete an entity",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, a *app) error {
				e, err := a.lookup(ctx, args[0])
				if err != nil {
					return err
				}
				e, err = a.Engine.Delete(ctx, e.ID)
				if err != nil {
					return WrapExitError(ExitFailure, "delete failed", err)
				}
				return writeOneEntity(rootOpts, cmd, e)
			})
		},
	}
}

// NewRetryCommand creates the retry command.
func NewRetryCommand(rootOpts *RootOptions) *cobra.Command {
	var slot string

	cmd := &cobra.Command{
		Use:   "retry <id|token>",
		Short: "Requeue a failed entity or attachment",
		Long: `Requeue the changes of an entity whose sync failed permanently or ran out
of retries. The next sync sends them again.

With --slot, upload a failed attachment now with a fresh retry budget.

Example:
  itemsync retry ABC123
  itemsync retry ABC123 --slot poster`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, a *app) error {
				e, err := a.lookup(ctx, args[0])
				if err != nil {
					return err
				}
				if slot != "" {
					if err := a.requireRemote(); err != nil {
						return err
					}
					att, err := a.Attachments.Retry(ctx, e.ID, slot)
					if err != nil {
						return WrapExitError(ExitFailure, "retry failed", err)
					}
					return writeAttachment(rootOpts, cmd, e.ID, att, fmt.Sprintf("retried %s/%s", e.ID, slot))
				}
				e, err = a.Engine.Retry(ctx, e.ID)
				if err != nil {
					return WrapExitError(ExitFailure, "retry failed", err)
				}
				return writeOneEntity(rootOpts, cmd, e)
			})
		},
	}

	cmd.Flags().StringVar(&slot, "slot", "", "retry the attachment in this slot instead")

	return cmd
}

// withApp opens the app for the duration of fn.
func withApp(opts *RootOptions, cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	a, err := openApp(opts, cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(commandContext(cmd), a)
}

// commandContext returns the command's context, or Background when the
// command runs outside Execute.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func writeOneEntity(opts *RootOptions, cmd *cobra.Command, e model.Entity) error {
	return newFormatter(opts, cmd).Success(viewEntity(e), func(w io.Writer) {
		writeEntity(w, e)
	})
}

// writeEntities always emits a JSON array, whatever the number of entities.
func writeEntities(opts *RootOptions, cmd *cobra.Command, entities []model.Entity) error {
	views := make([]entityView, len(entities))
	for i, e := range entities {
		views[i] = viewEntity(e)
	}
	return newFormatter(opts, cmd).Success(views, func(w io.Writer) {
		for i, e := range entities {
			if i > 0 {
				fmt.Fprintln(w)
			}
			writeEntity(w, e)
		}
	})
}
