package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/itemsync/internal/attachment"
	"github.com/roach88/itemsync/internal/config"
	"github.com/roach88/itemsync/internal/engine"
	"github.com/roach88/itemsync/internal/identity"
	"github.com/roach88/itemsync/internal/logging"
	"github.com/roach88/itemsync/internal/model"
	"github.com/roach88/itemsync/internal/remote"
	"github.com/roach88/itemsync/internal/remote/httpremote"
	"github.com/roach88/itemsync/internal/schema"
	"github.com/roach88/itemsync/internal/store"
)

// errNoRemote is returned by commands that need remote.url.
var errNoRemote = errors.New("no remote configured (set remote.url or ITEMSYNC_REMOTE_URL)")

// app is one device: the local store and everything built on it.
// Remote and Media are nil when no remote URL is configured.
type app struct {
	Config      *config.Config
	Logger      *slog.Logger
	Store       *store.Store
	Engine      *engine.Engine
	Resolver    *identity.Resolver
	Attachments *attachment.Manager
	Remote      remote.Store
	Media       remote.MediaStorage
	Client      *httpremote.Client

	logCloser io.Closer
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Database != "" {
		cfg.Database = opts.Database
	}
	if opts.Verbose {
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}

// openApp loads config, opens the store and wires the engine, resolver and
// attachment manager. Logs go to the command's stderr unless log.file is set.
func openApp(opts *RootOptions, cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}

	logger, closer, err := logging.New(cmd.ErrOrStderr(), logging.Options{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to configure logging", err)
	}
	a := &app{Config: cfg, Logger: logger, logCloser: closer}

	if err := a.open(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) open() error {
	cfg := a.Config

	st, err := store.Open(cfg.Database, store.WithLogger(a.Logger))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	a.Store = st

	if cfg.Remote.URL != "" {
		client, err := httpremote.NewClient(cfg.Remote.URL,
			httpremote.WithHTTPClient(&http.Client{Timeout: cfg.Remote.Timeout}),
			httpremote.WithPollInterval(cfg.Remote.PollInterval),
			httpremote.WithLogger(a.Logger),
		)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid remote", err)
		}
		a.Client, a.Remote, a.Media = client, client, client
	}

	engineOpts := []engine.Option{
		engine.WithLogger(a.Logger),
		engine.WithRetryPolicy(cfg.Sync.Retry),
		engine.WithWorkers(cfg.Sync.Workers),
		engine.WithMaxConflictRounds(cfg.Sync.MaxConflictRounds),
	}
	if cfg.Device.ID != "" {
		engineOpts = append(engineOpts, engine.WithReplicaID(cfg.Device.ID))
	}
	if cfg.Schema.Path != "" {
		v, err := schema.Load(cfg.Schema.Path)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load schema", err)
		}
		engineOpts = append(engineOpts, engine.WithValidator(v))
	}
	eng, err := engine.New(st, a.Remote, engineOpts...)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start engine", err)
	}
	a.Engine = eng

	resolver, err := identity.NewResolver(st, eng.Clock(), eng.ReplicaID(),
		identity.WithStrategy(identity.Strategy(cfg.Identity.IDStrategy)),
		identity.WithChecksum(cfg.IdentityChecksum()),
		identity.WithDanglingPolicy(identity.DanglingPolicy(cfg.Identity.Dangling)),
		identity.WithLogger(a.Logger),
	)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create resolver", err)
	}
	a.Resolver = resolver

	cache, err := attachment.NewCache(cfg.CacheDir())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open blob cache", err)
	}
	attOpts := []attachment.Option{
		attachment.WithLogger(a.Logger),
		attachment.WithRetryPolicy(cfg.Attachments.Retry),
		attachment.WithWorkers(cfg.Attachments.Workers),
	}
	if cfg.Attachments.LinkFields {
		attOpts = append(attOpts, attachment.WithLinker(eng))
	}
	mgr, err := attachment.New(st, a.Media, cache, attOpts...)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create attachment manager", err)
	}
	a.Attachments = mgr
	return nil
}

// Close releases the store and the log file.
func (a *app) Close() {
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.Logger.Error("error closing database", "error", err)
		}
	}
	if a.logCloser != nil {
		a.logCloser.Close()
	}
}

// requireRemote fails commands that talk to the remote when none is set.
func (a *app) requireRemote() error {
	if a.Remote == nil {
		return WrapExitError(ExitCommandError, "remote required", errNoRemote)
	}
	return nil
}

// lookup finds an entity by ID or by a bound token. It never binds.
func (a *app) lookup(ctx context.Context, ref string) (model.Entity, error) {
	e, err := a.Store.GetEntity(ctx, model.EntityID(ref))
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return model.Entity{}, err
	}

	id, err := a.Resolver.Lookup(ctx, ref)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || identity.IsInvalidToken(err) {
			return model.Entity{}, NewExitError(ExitFailure, fmt.Sprintf("no entity or bound token %q", ref))
		}
		return model.Entity{}, err
	}
	return a.Store.GetEntity(ctx, id)
}

// parseAssignments turns key=value arguments into a field delta.
// Values are JSON literals when they parse as one, strings otherwise;
// "null" clears the field.
func parseAssignments(args []string) (model.Map, error) {
	delta := make(model.Map, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid assignment %q: want key=value", arg)
		}
		delta[key] = model.ParseLiteral(value)
	}
	return delta, nil
}
