package config

import (
	"fmt"
	"net/url"

	"github.com/roach88/itemsync/internal/backoff"
	"github.com/roach88/itemsync/internal/identity"
)

// Error reports an invalid configuration value.
type Error struct {
	Field   string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) *Error {
	return &Error{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Validate checks the configuration. The first problem found is returned
// as an *Error.
func (c *Config) Validate() error {
	if c.Database == "" {
		return invalid("database", "must not be empty")
	}

	if c.Remote.URL != "" {
		u, err := url.Parse(c.Remote.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return invalid("remote.url", "must be an http(s) URL, got %q", c.Remote.URL)
		}
	}
	if c.Remote.Timeout < 0 {
		return invalid("remote.timeout", "must not be negative")
	}
	if c.Remote.PollInterval <= 0 {
		return invalid("remote.poll_interval", "must be positive")
	}

	if c.Sync.Workers < 1 {
		return invalid("sync.workers", "must be at least 1, got %d", c.Sync.Workers)
	}
	if c.Sync.MaxConflictRounds < 1 {
		return invalid("sync.max_conflict_rounds", "must be at least 1, got %d", c.Sync.MaxConflictRounds)
	}
	if err := validateRetry("sync.retry", c.Sync.Retry); err != nil {
		return err
	}

	if c.Attachments.Workers < 1 {
		return invalid("attachments.workers", "must be at least 1, got %d", c.Attachments.Workers)
	}
	if err := validateRetry("attachments.retry", c.Attachments.Retry); err != nil {
		return err
	}

	switch identity.Strategy(c.Identity.IDStrategy) {
	case identity.StrategyDerived, identity.StrategyToken, identity.StrategyRandom:
	default:
		return invalid("identity.id_strategy", "must be derived, token or random, got %q", c.Identity.IDStrategy)
	}
	switch c.IdentityChecksum() {
	case identity.ChecksumNone, identity.ChecksumLuhn36:
	default:
		return invalid("identity.checksum", "must be none or luhn36, got %q", c.Identity.Checksum)
	}
	switch identity.DanglingPolicy(c.Identity.Dangling) {
	case identity.DanglingRecreate, identity.DanglingError:
	default:
		return invalid("identity.dangling", "must be recreate or error, got %q", c.Identity.Dangling)
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return invalid("log.level", "must be debug, info, warn or error, got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return invalid("log.format", "must be text or json, got %q", c.Log.Format)
	}
	if c.Log.MaxSizeMB < 0 || c.Log.MaxBackups < 0 {
		return invalid("log", "max_size_mb and max_backups must not be negative")
	}
	return nil
}

func validateRetry(field string, p backoff.Policy) error {
	switch {
	case p.Initial <= 0:
		return invalid(field+".initial", "must be positive")
	case p.Max > 0 && p.Max < p.Initial:
		return invalid(field+".max", "must not be below initial")
	case p.MaxAttempts < 0:
		return invalid(field+".max_attempts", "must not be negative")
	case p.Jitter < 0 || p.Jitter > 1:
		return invalid(field+".jitter", "must be between 0 and 1")
	}
	return nil
}
