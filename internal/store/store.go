// Package store provides storage backends for Sage.
//
// It includes SQLite and PostgreSQL backends for conversations, messages,
// insights, users and the usage ledger, the durable job tables the lifecycle
// pipeline runs on, and an in-memory store used by tests.
package store

import (
	"errors"
	"strings"
)

// Sentinel errors shared by every backend.
var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrUserNotFound         = errors.New("user not found")
	ErrInvalidCredits       = errors.New("credits must be positive")
)

// Store is the full persistence surface used by Sage.
type Store interface {
	ConversationRepo
	MessageRepo
	InsightRepo
	UserRepo
	LedgerRepo
	JobRepo
	StepRepo
	OutboxRepo
	Close() error
}

// Opts holds configuration for store backends.
type Opts struct {
	DSN string
}

// Option configures a store backend.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database path (or DSN).
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns "postgres" for PostgreSQL URLs and keyword DSNs and
// "sqlite" for everything else (file paths, file: URIs, :memory:).
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite"
}
