package flow

import (
	"context"
	"log/slog"

	"github.com/sentra-hq/salesbridge/internal/models"
)

// ContextStore is the read surface the aggregator needs.
type ContextStore interface {
	ListRecentTurns(ctx context.Context, identityID string, limit int) ([]models.ConversationTurn, error)
	ListBusinessRecords(ctx context.Context, identityID string, limit int) ([]models.BusinessRecord, error)
}

// ConversationContext is everything known about the sender at generation
// time: the identity, a bounded chronological transcript, linked business
// records, and the static business briefing.
type ConversationContext struct {
	Identity        *models.Identity
	Turns           []models.ConversationTurn
	Records         []models.BusinessRecord
	BusinessContext string
}

// Aggregator assembles conversation context from storage.
type Aggregator struct {
	store ContextStore
}

// NewAggregator creates an aggregator over the given store.
func NewAggregator(store ContextStore) *Aggregator {
	return &Aggregator{store: store}
}

// Assemble gathers context for one generation: the last HistoryWindow
// turns oldest-first and up to DefaultBusinessRecordCap linked records.
// The turn holding the message currently being answered is excluded; the
// prompt builder appends that text as the final user message itself.
// Storage read failures degrade to empty slices rather than failing the
// pipeline; a reply without context beats no reply.
func (a *Aggregator) Assemble(ctx context.Context, identity *models.Identity, cfg models.ModelConfig, currentMessageID string) *ConversationContext {
	out := &ConversationContext{
		Identity:        identity,
		BusinessContext: cfg.BusinessContext,
	}

	// Over-fetch by one so dropping the current turn still fills the window.
	turns, err := a.store.ListRecentTurns(ctx, identity.ID, cfg.HistoryWindow+1)
	if err != nil {
		slog.Warn("Aggregator.Assemble: history read failed, continuing without transcript", "error", err, "identityID", identity.ID)
	} else {
		out.Turns = trimTranscript(turns, currentMessageID, cfg.HistoryWindow)
	}

	records, err := a.store.ListBusinessRecords(ctx, identity.ID, models.DefaultBusinessRecordCap)
	if err != nil {
		slog.Warn("Aggregator.Assemble: business record read failed, continuing without records", "error", err, "identityID", identity.ID)
	} else {
		out.Records = records
	}

	slog.Debug("Aggregator.Assemble: context assembled", "identityID", identity.ID, "turns", len(out.Turns), "records", len(out.Records))
	return out
}

// trimTranscript drops the inbound turn being answered and bounds the
// remainder to window turns, oldest dropped first.
func trimTranscript(turns []models.ConversationTurn, currentMessageID string, window int) []models.ConversationTurn {
	kept := turns[:0:0]
	for _, t := range turns {
		if t.Direction == models.DirectionIn && t.MessageID == currentMessageID {
			continue
		}
		kept = append(kept, t)
	}
	if window > 0 && len(kept) > window {
		kept = kept[len(kept)-window:]
	}
	return kept
}
