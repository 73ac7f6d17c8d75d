package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sentra-hq/salesbridge/internal/models"
)

// SinkStore is the write surface the sink needs.
type SinkStore interface {
	CreateTurn(ctx context.Context, turn models.ConversationTurn) error
	HasOutboundReply(ctx context.Context, messageID string) (bool, error)
}

// Sender delivers a reply body to a recipient over the originating channel.
type Sender interface {
	SendMessage(ctx context.Context, to, body string) error
}

// Sink persists the outgoing reply and hands it to the transport. At most
// one outbound turn exists per inbound message id; the check-before-write
// plus the store's uniqueness guarantee cover concurrent duplicates.
type Sink struct {
	store  SinkStore
	sender Sender // nil when the caller delivers the reply itself
}

// NewSink creates a sink. sender may be nil for webhook-style callers that
// return the reply in the HTTP response instead of pushing it.
func NewSink(store SinkStore, sender Sender) *Sink {
	return &Sink{store: store, sender: sender}
}

// Commit persists the reply as an outbound turn keyed by the inbound
// message id and then sends it. The commit runs on a detached context so a
// cancelled pipeline still lands its result. Returns models.ErrDuplicateReply
// when a reply for this message id was already recorded; nothing is sent
// in that case.
func (s *Sink) Commit(ctx context.Context, identity *models.Identity, messageID, reply string) error {
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	exists, err := s.store.HasOutboundReply(commitCtx, messageID)
	if err != nil {
		return fmt.Errorf("outbound reply check failed: %w", err)
	}
	if exists {
		slog.Warn("Sink.Commit: reply already recorded, skipping send", "messageID", messageID, "identityID", identity.ID)
		return models.ErrDuplicateReply
	}

	turn := models.ConversationTurn{
		ID:          uuid.NewString(),
		IdentityID:  identity.ID,
		Direction:   models.DirectionOut,
		Body:        reply,
		ContentType: "text",
		MessageID:   messageID,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.CreateTurn(commitCtx, turn); err != nil {
		if errors.Is(err, models.ErrDuplicateReply) {
			slog.Warn("Sink.Commit: lost write race for reply, skipping send", "messageID", messageID, "identityID", identity.ID)
			return models.ErrDuplicateReply
		}
		return fmt.Errorf("failed to persist outbound turn: %w", err)
	}

	if s.sender != nil {
		if err := s.sender.SendMessage(commitCtx, identity.CanonicalPhone, reply); err != nil {
			// The turn is already durable; delivery failure is logged, not retried here.
			slog.Error("Sink.Commit: transport send failed", "error", err, "messageID", messageID, "identityID", identity.ID)
			return fmt.Errorf("failed to send reply: %w", err)
		}
	}

	slog.Debug("Sink.Commit: reply committed", "messageID", messageID, "identityID", identity.ID)
	return nil
}
