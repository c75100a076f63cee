package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/itemsync/internal/querysql"
)

//go:embed schema.sql
var schemaSQL string

// Meta keys.
const (
	metaReplicaID    = "replica_id"
	metaMutationSeq  = "mutation_seq"
	MetaRemoteCursor = "remote_cursor"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrEntityDeleted is returned when writing to a tombstoned entity.
	ErrEntityDeleted = errors.New("entity is deleted")

	// ErrInvalidTransition is returned when an attachment state change is not allowed.
	ErrInvalidTransition = errors.New("invalid attachment state transition")

	// ErrStaleMutation is returned when a mutation is no longer the head of its entity.
	ErrStaleMutation = errors.New("mutation is not the current head")
)

// Store is the durable local cache of entities, bindings, mutations and
// attachments, backed by SQLite.
type Store struct {
	db       *sql.DB
	compiler *querysql.SQLCompiler
	live     *liveHub
	logger   *slog.Logger
	newID    func() string
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used by the live query dispatcher.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// WithIDGenerator overrides the generator for mutation IDs and the replica ID.
func WithIDGenerator(gen func() string) Option {
	return func(s *Store) {
		s.newID = gen
	}
}

// Open opens the database at path, creating it if needed, brings its
// schema up to date and starts the live query dispatcher. The connection
// runs in WAL mode with foreign keys enforced and a 5s busy timeout.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// One writer at a time; a single connection also keeps the pragmas.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		db:       db,
		compiler: querysql.NewSQLCompiler(),
		logger:   slog.Default(),
		newID:    func() string { return uuid.Must(uuid.NewV7()).String() },
	}
	for _, opt := range opts {
		opt(s)
	}
	s.live = newLiveHub(s)
	s.live.start()

	return s, nil
}

// Close stops live query delivery and closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	if s.live != nil {
		s.live.stop()
	}
	return s.db.Close()
}

// ReplicaID returns this database's stable replica ID, creating it on first use.
func (s *Store) ReplicaID(ctx context.Context) (string, error) {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO NOTHING
	`, metaReplicaID, s.newID()); err != nil {
		return "", fmt.Errorf("replica id: insert: %w", err)
	}
	return s.GetMeta(ctx, metaReplicaID)
}

// GetMeta returns a meta value or ErrNotFound.
func (s *Store) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get meta %q: %w", key, err)
	}
	return value, nil
}

// SetMeta writes a meta value.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("set meta %q: %w", key, err)
	}
	return nil
}

// withTx runs fn in a transaction and commits when it returns nil.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// dsn appends the connection settings go-sqlite3 applies to every
// connection it opens.
func dsn(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on"
}

// migrations[i] upgrades a database at user_version i to i+1. The base
// schema is applied first and is idempotent.
var migrations = []func(*sql.Tx) error{
	func(tx *sql.Tx) error {
		_, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_attachments_due ON attachments(state, next_attempt_at)`)
		return err
	},
}

func migrate(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}
	for ; version < len(migrations); version++ {
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		if err := migrations[version](tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("migrate to v%d: %w", version+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", version+1)); err != nil {
			tx.Rollback()
			return fmt.Errorf("migrate to v%d: %w", version+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migrate to v%d: %w", version+1, err)
		}
	}
	return nil
}

// pragma reads a connection setting; tests use it.
func (s *Store) pragma(name string) (string, error) {
	var value string
	err := s.db.QueryRow("PRAGMA " + name).Scan(&value)
	return value, err
}
