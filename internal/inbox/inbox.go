// Package inbox feeds QR scans dropped as files into the identity resolver.
//
// A scanner writes each decoded payload into the inbox directory, one token
// per line. Writers should create the file under a ".tmp" name and rename
// it into place so a half-written file is never read. Processed files move
// to done/; files holding a token that failed to resolve move to rejected/.
package inbox

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/roach88/itemsync/internal/model"
)

// Subdirectories processed files are moved to.
const (
	DoneDir     = "done"
	RejectedDir = "rejected"
)

// Resolver resolves a raw scanned token. *identity.Resolver implements it.
type Resolver interface {
	Resolve(ctx context.Context, raw string) (model.EntityID, error)
}

// Scan is the outcome of one token read from an inbox file.
type Scan struct {
	File     string         `json:"file"`
	Token    string         `json:"token"`
	EntityID model.EntityID `json:"entity_id,omitempty"`
	Err      error          `json:"-"`
}

// Watcher resolves the tokens in files dropped into a directory.
type Watcher struct {
	dir      string
	resolver Resolver
	logger   *slog.Logger
	onScan   func(Scan)
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) { w.logger = l }
}

// WithScanHandler registers a callback invoked for every token processed.
func WithScanHandler(fn func(Scan)) Option {
	return func(w *Watcher) { w.onScan = fn }
}

// New returns a watcher for dir, creating it and its subdirectories.
func New(dir string, r Resolver, opts ...Option) (*Watcher, error) {
	for _, sub := range []string{"", DoneDir, RejectedDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("inbox: create %s: %w", filepath.Join(dir, sub), err)
		}
	}
	w := &Watcher{
		dir:      dir,
		resolver: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Dir returns the watched directory.
func (w *Watcher) Dir() string {
	return w.dir
}

// Drain processes every file currently in the inbox in name order.
func (w *Watcher) Drain(ctx context.Context) ([]Scan, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, fmt.Errorf("inbox: read %s: %w", w.dir, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var scans []Scan
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return scans, err
		}
		if e.IsDir() || !accept(e.Name()) {
			continue
		}
		s, err := w.processFile(ctx, filepath.Join(w.dir, e.Name()))
		if err != nil {
			return scans, err
		}
		scans = append(scans, s...)
	}
	return scans, nil
}

// Run drains the inbox, then processes files as they appear until ctx is
// cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("inbox: create watcher: %w", err)
	}
	defer fsw.Close()

	// Watch before draining so a file dropped in between is not missed.
	if err := fsw.Add(w.dir); err != nil {
		return fmt.Errorf("inbox: watch %s: %w", w.dir, err)
	}
	if _, err := w.Drain(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	w.logger.Info("inbox watching", "dir", w.dir)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !accept(filepath.Base(event.Name)) {
				continue
			}
			if _, err := w.processFile(ctx, event.Name); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				w.logger.Error("inbox file failed", "file", event.Name, "error", err)
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("inbox watcher error", "error", err)
		}
	}
}

// processFile resolves every token in path and moves the file out of the
// inbox. A file that vanished, or is a directory, is ignored.
func (w *Watcher) processFile(ctx context.Context, path string) ([]Scan, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("inbox: stat %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("inbox: read %s: %w", path, err)
	}

	name := filepath.Base(path)
	var scans []Scan
	rejected := false
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		token := strings.TrimSpace(sc.Text())
		if token == "" {
			continue
		}
		id, err := w.resolver.Resolve(ctx, token)
		if err != nil && ctx.Err() != nil {
			return scans, ctx.Err()
		}
		s := Scan{File: name, Token: token, EntityID: id, Err: err}
		if err != nil {
			rejected = true
			w.logger.Warn("inbox scan rejected", "file", name, "token", token, "error", err)
		} else {
			w.logger.Info("inbox scan", "file", name, "token", token, "entity", id)
		}
		if w.onScan != nil {
			w.onScan(s)
		}
		scans = append(scans, s)
	}
	if err := sc.Err(); err != nil {
		rejected = true
		w.logger.Warn("inbox file unreadable", "file", name, "error", err)
	}

	dest := DoneDir
	if rejected {
		dest = RejectedDir
	}
	if err := os.Rename(path, filepath.Join(w.dir, dest, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return scans, fmt.Errorf("inbox: move %s: %w", name, err)
	}
	return scans, nil
}

// accept filters out hidden and in-progress files.
func accept(name string) bool {
	return !strings.HasPrefix(name, ".") && !strings.HasSuffix(name, ".tmp")
}
