package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/itemsync/internal/logging"
	"github.com/roach88/itemsync/internal/remote/httpremote"
	"github.com/roach88/itemsync/internal/remote/memremote"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr         string
	MaxBlobBytes int64

	// ready, if set, receives the bound address once the server listens.
	ready chan<- string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve an in-memory remote over HTTP",
		Long: `Serve a reference remote: a versioned document store and a media store,
both held in memory, behind the HTTP protocol the sync client speaks.
State is lost when the server stops. Useful for trying out multi-device
sync locally.

Example:
  itemsync serve --addr 127.0.0.1:8080
  ITEMSYNC_REMOTE_URL=http://127.0.0.1:8080 itemsync sync`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().Int64Var(&opts.MaxBlobBytes, "max-blob-bytes", 0, "reject larger uploads with quota_exceeded (0 = no limit)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	logger, closer, err := logging.New(cmd.ErrOrStderr(), logging.Options{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to configure logging", err)
	}
	defer closer.Close()

	media := memremote.NewMedia()
	media.SetMaxSize(opts.MaxBlobBytes)
	srv := &http.Server{
		Handler:           httpremote.NewServer(memremote.NewStore(), media, logger).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "cannot listen", err)
	}
	addr := ln.Addr().String()

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		errc <- srv.Serve(ln)
	}()
	logger.Info("remote listening", "addr", addr)
	fmt.Fprintf(cmd.OutOrStdout(), "Serving remote on http://%s\n", addr)
	if opts.ready != nil {
		opts.ready <- addr
	}

	select {
	case err := <-errc:
		return WrapExitError(ExitFailure, "server error", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return WrapExitError(ExitFailure, "shutdown failed", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return WrapExitError(ExitFailure, "server error", err)
	}
	logger.Info("remote stopped")
	return nil
}
