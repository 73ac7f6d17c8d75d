// Package store provides storage backends for salesbridge.
//
// It implements the storage collaborator the reply pipeline depends on:
// identity records with a uniqueness guarantee on the canonical phone,
// append-only conversation turns ordered by arrival, read-only business
// records, and inbound-message deduplication. SQLite and PostgreSQL
// backends share one interface; an in-memory backend backs tests.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/sentra-hq/salesbridge/internal/models"
)

// Store defines the persistence operations used by the reply pipeline.
type Store interface {
	// CreateIdentity inserts a new identity. Returns models.ErrIdentityExists
	// if the canonical phone is already taken (uniqueness guarantee).
	CreateIdentity(ctx context.Context, id models.Identity) error

	// GetIdentityByPhone fetches an identity by canonical phone.
	// Returns (nil, nil) when no identity matches.
	GetIdentityByPhone(ctx context.Context, canonicalPhone string) (*models.Identity, error)

	// GetIdentityByVariant fetches an identity by a previously observed raw
	// phone form. Returns (nil, nil) when no variant matches.
	GetIdentityByVariant(ctx context.Context, rawPhone string) (*models.Identity, error)

	// AddPhoneVariant records a raw phone form as belonging to an identity.
	// Recording the same variant twice is a no-op.
	AddPhoneVariant(ctx context.Context, identityID, rawPhone string) error

	// UpdateIdentityDisplayName attaches a newly observed display name.
	UpdateIdentityDisplayName(ctx context.Context, identityID, displayName string) error

	// ListIdentities returns all identities, newest first.
	ListIdentities(ctx context.Context) ([]models.Identity, error)

	// CreateTurn appends a conversation turn. For outbound turns with a
	// message id already on record it returns models.ErrDuplicateReply.
	CreateTurn(ctx context.Context, turn models.ConversationTurn) error

	// ListRecentTurns returns the most recent limit turns for an identity
	// in strict chronological order, oldest first.
	ListRecentTurns(ctx context.Context, identityID string, limit int) ([]models.ConversationTurn, error)

	// HasOutboundReply reports whether an outbound turn already exists for
	// the given inbound message id.
	HasOutboundReply(ctx context.Context, messageID string) (bool, error)

	// RecordInbound inserts an inbound dedup record. Returns false if the
	// message id was already recorded (duplicate delivery).
	RecordInbound(ctx context.Context, messageID, identityID string) (bool, error)

	// MarkProcessed sets the processed timestamp for an inbound message.
	MarkProcessed(ctx context.Context, messageID string) error

	// ListStaleInbound returns inbound dedup records received before cutoff
	// that never got their processed marker, oldest first.
	ListStaleInbound(ctx context.Context, cutoff time.Time, limit int) ([]models.InboundAudit, error)

	// ClearInbound removes an inbound dedup record so the message can be
	// replayed through the pipeline.
	ClearInbound(ctx context.Context, messageID string) error

	// GetInboundTurn fetches the stored inbound turn for a message id.
	// Returns (nil, nil) when none was persisted.
	GetInboundTurn(ctx context.Context, messageID string) (*models.ConversationTurn, error)

	// GetIdentityByID fetches an identity by primary key. Returns (nil, nil)
	// when no identity matches.
	GetIdentityByID(ctx context.Context, identityID string) (*models.Identity, error)

	// ListBusinessRecords returns up to limit most recently updated business
	// records linked to an identity.
	ListBusinessRecords(ctx context.Context, identityID string, limit int) ([]models.BusinessRecord, error)

	// UpsertBusinessRecord creates or replaces a business record. Only the
	// tool server and tests write business records; the pipeline reads them.
	UpsertBusinessRecord(ctx context.Context, rec models.BusinessRecord) error

	// Close releases the underlying resources.
	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType determines the database driver from a DSN string.
// PostgreSQL DSNs use postgres:// schemes or key=value form; everything
// else is treated as an SQLite file path.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(dsn, "host=") || strings.Contains(dsn, "user=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// NewStore creates the store matching the DSN's driver.
func NewStore(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if DetectDSNType(cfg.DSN) == "postgres" {
		return NewPostgresStore(opts...)
	}
	return NewSQLiteStore(opts...)
}
