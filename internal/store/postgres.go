// Package store provides storage backends for salesbridge.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/lib/pq"
	"github.com/sentra-hq/salesbridge/internal/models"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")

	return &PostgresStore{db: db}, nil
}

// isPostgresUniqueViolation reports whether an error is a unique-constraint failure.
func isPostgresUniqueViolation(err error) bool {
	var perr *pq.Error
	return errors.As(err, &perr) && perr.Code == "23505"
}

func (s *PostgresStore) CreateIdentity(ctx context.Context, id models.Identity) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO identities (id, canonical_phone, raw_phone, display_name, channel, status, low_confidence, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		id.ID, id.CanonicalPhone, id.RawPhone, id.DisplayName, id.Channel, id.Status, id.LowConfidencePhone, id.CreatedAt, id.UpdatedAt,
	)
	if err != nil {
		if isPostgresUniqueViolation(err) {
			return models.ErrIdentityExists
		}
		slog.Error("PostgresStore CreateIdentity failed", "error", err, "canonicalPhone", id.CanonicalPhone)
		return fmt.Errorf("failed to insert identity: %w", err)
	}
	slog.Debug("PostgresStore CreateIdentity succeeded", "id", id.ID, "canonicalPhone", id.CanonicalPhone)
	return nil
}

func (s *PostgresStore) GetIdentityByPhone(ctx context.Context, canonicalPhone string) (*models.Identity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, canonical_phone, raw_phone, display_name, channel, status, low_confidence, created_at, updated_at
		 FROM identities WHERE canonical_phone = $1`, canonicalPhone)
	return scanIdentityRow(row)
}

func (s *PostgresStore) GetIdentityByVariant(ctx context.Context, rawPhone string) (*models.Identity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT i.id, i.canonical_phone, i.raw_phone, i.display_name, i.channel, i.status, i.low_confidence, i.created_at, i.updated_at
		 FROM identities i JOIN phone_variants v ON v.identity_id = i.id
		 WHERE v.raw_phone = $1`, rawPhone)
	return scanIdentityRow(row)
}

func (s *PostgresStore) AddPhoneVariant(ctx context.Context, identityID, rawPhone string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO phone_variants (raw_phone, identity_id) VALUES ($1, $2)
		 ON CONFLICT (raw_phone) DO NOTHING`,
		rawPhone, identityID,
	)
	if err != nil {
		return fmt.Errorf("failed to insert phone variant: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateIdentityDisplayName(ctx context.Context, identityID, displayName string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE identities SET display_name = $1, updated_at = $2 WHERE id = $3`,
		displayName, time.Now().UTC(), identityID,
	)
	if err != nil {
		slog.Error("PostgresStore UpdateIdentityDisplayName failed", "error", err, "identityID", identityID)
		return fmt.Errorf("failed to update display name: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListIdentities(ctx context.Context) ([]models.Identity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, canonical_phone, raw_phone, display_name, channel, status, low_confidence, created_at, updated_at
		 FROM identities ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query identities: %w", err)
	}
	defer rows.Close()
	return scanIdentities(rows)
}

func (s *PostgresStore) CreateTurn(ctx context.Context, turn models.ConversationTurn) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_turns (id, identity_id, direction, body, content_type, message_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		turn.ID, turn.IdentityID, turn.Direction, turn.Body, turn.ContentType, nilIfEmpty(turn.MessageID), turn.CreatedAt,
	)
	if err != nil {
		if turn.Direction == models.DirectionOut && isPostgresUniqueViolation(err) {
			return models.ErrDuplicateReply
		}
		slog.Error("PostgresStore CreateTurn failed", "error", err, "identityID", turn.IdentityID, "direction", turn.Direction)
		return fmt.Errorf("failed to insert conversation turn: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListRecentTurns(ctx context.Context, identityID string, limit int) ([]models.ConversationTurn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, identity_id, direction, body, content_type, message_id, created_at
		 FROM conversation_turns WHERE identity_id = $1
		 ORDER BY created_at DESC, seq DESC LIMIT $2`, identityID, limit)
	if err != nil {
		slog.Error("PostgresStore ListRecentTurns query failed", "error", err, "identityID", identityID)
		return nil, fmt.Errorf("failed to query conversation turns: %w", err)
	}
	defer rows.Close()

	turns, err := scanTurns(rows)
	if err != nil {
		return nil, err
	}
	reverseTurns(turns)
	return turns, nil
}

func (s *PostgresStore) HasOutboundReply(ctx context.Context, messageID string) (bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM conversation_turns WHERE message_id = $1 AND direction = $2`,
		messageID, models.DirectionOut).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("outbound reply check failed: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) RecordInbound(ctx context.Context, messageID, identityID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO inbound_dedup (message_id, identity_id, received_at) VALUES ($1, $2, $3)
		 ON CONFLICT (message_id) DO NOTHING`,
		messageID, identityID, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record inbound rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *PostgresStore) MarkProcessed(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE inbound_dedup SET processed_at = $1 WHERE message_id = $2`,
		time.Now().UTC(), messageID,
	)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListStaleInbound(ctx context.Context, cutoff time.Time, limit int) ([]models.InboundAudit, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, COALESCE(identity_id, ''), received_at FROM inbound_dedup
		 WHERE processed_at IS NULL AND received_at < $1
		 ORDER BY received_at ASC LIMIT $2`, cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale inbound records: %w", err)
	}
	defer rows.Close()
	return scanInboundAudits(rows)
}

func (s *PostgresStore) ClearInbound(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM inbound_dedup WHERE message_id = $1`, messageID)
	if err != nil {
		return fmt.Errorf("failed to clear inbound record: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetInboundTurn(ctx context.Context, messageID string) (*models.ConversationTurn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, identity_id, direction, body, content_type, message_id, created_at
		 FROM conversation_turns WHERE message_id = $1 AND direction = $2 LIMIT 1`,
		messageID, models.DirectionIn)
	if err != nil {
		return nil, fmt.Errorf("failed to query inbound turn: %w", err)
	}
	defer rows.Close()
	turns, err := scanTurns(rows)
	if err != nil {
		return nil, err
	}
	if len(turns) == 0 {
		return nil, nil
	}
	return &turns[0], nil
}

func (s *PostgresStore) GetIdentityByID(ctx context.Context, identityID string) (*models.Identity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, canonical_phone, raw_phone, display_name, channel, status, low_confidence, created_at, updated_at
		 FROM identities WHERE id = $1`, identityID)
	return scanIdentityRow(row)
}

func (s *PostgresStore) ListBusinessRecords(ctx context.Context, identityID string, limit int) ([]models.BusinessRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, identity_id, record_type, title, data_json, updated_at
		 FROM business_records WHERE identity_id = $1
		 ORDER BY updated_at DESC LIMIT $2`, identityID, limit)
	if err != nil {
		slog.Error("PostgresStore ListBusinessRecords query failed", "error", err, "identityID", identityID)
		return nil, fmt.Errorf("failed to query business records: %w", err)
	}
	defer rows.Close()
	return scanBusinessRecords(rows)
}

func (s *PostgresStore) UpsertBusinessRecord(ctx context.Context, rec models.BusinessRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO business_records (id, identity_id, record_type, title, data_json, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET record_type = EXCLUDED.record_type, title = EXCLUDED.title,
		 data_json = EXCLUDED.data_json, updated_at = EXCLUDED.updated_at`,
		rec.ID, rec.IdentityID, rec.RecordType, nilIfEmpty(rec.Title), string(rec.Data), rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert business record: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
