package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/sentra-hq/salesbridge/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// scanInboundAudits scans dedup-ledger rows returned by ListStaleInbound.
func scanInboundAudits(rows *sql.Rows) ([]models.InboundAudit, error) {
	var audits []models.InboundAudit
	for rows.Next() {
		var a models.InboundAudit
		if err := rows.Scan(&a.MessageID, &a.IdentityID, &a.ReceivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan inbound audit row: %w", err)
		}
		audits = append(audits, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("inbound audit row iteration failed: %w", err)
	}
	return audits, nil
}

// scanIdentityRow scans an Identity from a single sql.Row.
// Returns (nil, nil) when the row does not exist.
func scanIdentityRow(row *sql.Row) (*models.Identity, error) {
	var id models.Identity
	var rawPhone sql.NullString
	err := row.Scan(&id.ID, &id.CanonicalPhone, &rawPhone, &id.DisplayName, &id.Channel, &id.Status, &id.LowConfidencePhone, &id.CreatedAt, &id.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan identity row: %w", err)
	}
	id.RawPhone = rawPhone.String
	return &id, nil
}

// scanIdentities scans all identities from sql.Rows.
func scanIdentities(rows *sql.Rows) ([]models.Identity, error) {
	var ids []models.Identity
	for rows.Next() {
		var id models.Identity
		var rawPhone sql.NullString
		if err := rows.Scan(&id.ID, &id.CanonicalPhone, &rawPhone, &id.DisplayName, &id.Channel, &id.Status, &id.LowConfidencePhone, &id.CreatedAt, &id.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan identity row: %w", err)
		}
		id.RawPhone = rawPhone.String
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate identity rows: %w", err)
	}
	return ids, nil
}

// scanTurns scans conversation turns from sql.Rows.
func scanTurns(rows *sql.Rows) ([]models.ConversationTurn, error) {
	var turns []models.ConversationTurn
	for rows.Next() {
		var t models.ConversationTurn
		var messageID sql.NullString
		if err := rows.Scan(&t.ID, &t.IdentityID, &t.Direction, &t.Body, &t.ContentType, &messageID, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan turn row: %w", err)
		}
		t.MessageID = messageID.String
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate turn rows: %w", err)
	}
	return turns, nil
}

// reverseTurns reverses a turn slice in place. Queries fetch newest-first
// for the LIMIT; callers are promised oldest-first.
func reverseTurns(turns []models.ConversationTurn) {
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
}

// scanBusinessRecords scans business records from sql.Rows.
func scanBusinessRecords(rows *sql.Rows) ([]models.BusinessRecord, error) {
	var recs []models.BusinessRecord
	for rows.Next() {
		var r models.BusinessRecord
		var title, data sql.NullString
		if err := rows.Scan(&r.ID, &r.IdentityID, &r.RecordType, &title, &data, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan business record row: %w", err)
		}
		r.Title = title.String
		if data.Valid {
			r.Data = json.RawMessage(data.String)
		}
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate business record rows: %w", err)
	}
	return recs, nil
}
