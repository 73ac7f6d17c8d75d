// Package store provides storage backends for salesbridge.
//
// This file implements the SQLite-backed store.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/mattn/go-sqlite3"
	"github.com/sentra-hq/salesbridge/internal/models"
)

// DefaultDirPermissions defines the default permissions for database directories
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// isSQLiteUniqueViolation reports whether an error is a unique-constraint failure.
func isSQLiteUniqueViolation(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.ExtendedCode == sqlite3.ErrConstraintUnique || serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func (s *SQLiteStore) CreateIdentity(ctx context.Context, id models.Identity) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO identities (id, canonical_phone, raw_phone, display_name, channel, status, low_confidence, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id.ID, id.CanonicalPhone, id.RawPhone, id.DisplayName, id.Channel, id.Status, id.LowConfidencePhone, id.CreatedAt, id.UpdatedAt,
	)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return models.ErrIdentityExists
		}
		slog.Error("SQLiteStore CreateIdentity failed", "error", err, "canonicalPhone", id.CanonicalPhone)
		return fmt.Errorf("failed to insert identity: %w", err)
	}
	slog.Debug("SQLiteStore CreateIdentity succeeded", "id", id.ID, "canonicalPhone", id.CanonicalPhone)
	return nil
}

func (s *SQLiteStore) GetIdentityByPhone(ctx context.Context, canonicalPhone string) (*models.Identity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, canonical_phone, raw_phone, display_name, channel, status, low_confidence, created_at, updated_at
		 FROM identities WHERE canonical_phone = ?`, canonicalPhone)
	return scanIdentityRow(row)
}

func (s *SQLiteStore) GetIdentityByVariant(ctx context.Context, rawPhone string) (*models.Identity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT i.id, i.canonical_phone, i.raw_phone, i.display_name, i.channel, i.status, i.low_confidence, i.created_at, i.updated_at
		 FROM identities i JOIN phone_variants v ON v.identity_id = i.id
		 WHERE v.raw_phone = ?`, rawPhone)
	return scanIdentityRow(row)
}

func (s *SQLiteStore) AddPhoneVariant(ctx context.Context, identityID, rawPhone string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO phone_variants (raw_phone, identity_id) VALUES (?, ?)`,
		rawPhone, identityID,
	)
	if err != nil {
		return fmt.Errorf("failed to insert phone variant: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateIdentityDisplayName(ctx context.Context, identityID, displayName string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE identities SET display_name = ?, updated_at = ? WHERE id = ?`,
		displayName, time.Now().UTC(), identityID,
	)
	if err != nil {
		slog.Error("SQLiteStore UpdateIdentityDisplayName failed", "error", err, "identityID", identityID)
		return fmt.Errorf("failed to update display name: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListIdentities(ctx context.Context) ([]models.Identity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, canonical_phone, raw_phone, display_name, channel, status, low_confidence, created_at, updated_at
		 FROM identities ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query identities: %w", err)
	}
	defer rows.Close()
	return scanIdentities(rows)
}

func (s *SQLiteStore) CreateTurn(ctx context.Context, turn models.ConversationTurn) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_turns (id, identity_id, direction, body, content_type, message_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		turn.ID, turn.IdentityID, turn.Direction, turn.Body, turn.ContentType, nilIfEmpty(turn.MessageID), turn.CreatedAt,
	)
	if err != nil {
		if turn.Direction == models.DirectionOut && isSQLiteUniqueViolation(err) {
			return models.ErrDuplicateReply
		}
		slog.Error("SQLiteStore CreateTurn failed", "error", err, "identityID", turn.IdentityID, "direction", turn.Direction)
		return fmt.Errorf("failed to insert conversation turn: %w", err)
	}
	slog.Debug("SQLiteStore CreateTurn succeeded", "identityID", turn.IdentityID, "direction", turn.Direction)
	return nil
}

func (s *SQLiteStore) ListRecentTurns(ctx context.Context, identityID string, limit int) ([]models.ConversationTurn, error) {
	// Fetch the newest limit turns, then reverse so callers get oldest-first.
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, identity_id, direction, body, content_type, message_id, created_at
		 FROM conversation_turns WHERE identity_id = ?
		 ORDER BY created_at DESC, seq DESC LIMIT ?`, identityID, limit)
	if err != nil {
		slog.Error("SQLiteStore ListRecentTurns query failed", "error", err, "identityID", identityID)
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

func (s *SQLiteStore) HasOutboundReply(ctx context.Context, messageID string) (bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM conversation_turns WHERE message_id = ? AND direction = ?`,
		messageID, models.DirectionOut).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("outbound reply check failed: %w", err)
	}
	return true, nil
}

func (s *SQLiteStore) RecordInbound(ctx context.Context, messageID, identityID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO inbound_dedup (message_id, identity_id, received_at) VALUES (?, ?, ?)`,
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

func (s *SQLiteStore) MarkProcessed(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`,
		time.Now().UTC(), messageID,
	)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListStaleInbound(ctx context.Context, cutoff time.Time, limit int) ([]models.InboundAudit, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, COALESCE(identity_id, ''), received_at FROM inbound_dedup
		 WHERE processed_at IS NULL AND received_at < ?
		 ORDER BY received_at ASC LIMIT ?`, cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale inbound records: %w", err)
	}
	defer rows.Close()
	return scanInboundAudits(rows)
}

func (s *SQLiteStore) ClearInbound(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM inbound_dedup WHERE message_id = ?`, messageID)
	if err != nil {
		return fmt.Errorf("failed to clear inbound record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetInboundTurn(ctx context.Context, messageID string) (*models.ConversationTurn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, identity_id, direction, body, content_type, message_id, created_at
		 FROM conversation_turns WHERE message_id = ? AND direction = ? LIMIT 1`,
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

func (s *SQLiteStore) GetIdentityByID(ctx context.Context, identityID string) (*models.Identity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, canonical_phone, raw_phone, display_name, channel, status, low_confidence, created_at, updated_at
		 FROM identities WHERE id = ?`, identityID)
	return scanIdentityRow(row)
}

func (s *SQLiteStore) ListBusinessRecords(ctx context.Context, identityID string, limit int) ([]models.BusinessRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, identity_id, record_type, title, data_json, updated_at
		 FROM business_records WHERE identity_id = ?
		 ORDER BY updated_at DESC LIMIT ?`, identityID, limit)
	if err != nil {
		slog.Error("SQLiteStore ListBusinessRecords query failed", "error", err, "identityID", identityID)
		return nil, fmt.Errorf("failed to query business records: %w", err)
	}
	defer rows.Close()
	return scanBusinessRecords(rows)
}

func (s *SQLiteStore) UpsertBusinessRecord(ctx context.Context, rec models.BusinessRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO business_records (id, identity_id, record_type, title, data_json, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET record_type = excluded.record_type, title = excluded.title,
		 data_json = excluded.data_json, updated_at = excluded.updated_at`,
		rec.ID, rec.IdentityID, rec.RecordType, nilIfEmpty(rec.Title), string(rec.Data), rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert business record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
