// Package recovery replays inbound messages whose pipeline run died before
// a reply was committed, so a restart leaves no customer message
// unanswered.
//
// The dedup ledger drives the sweep: an inbound record past the grace
// period with no processed marker means the process went down mid-run.
// The single-reply guarantee in the store makes replays safe even if the
// original run got further than the ledger shows.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sentra-hq/salesbridge/internal/models"
)

const (
	// DefaultGracePeriod is how old an unprocessed inbound record must be
	// before the sweep considers it abandoned rather than in flight.
	DefaultGracePeriod = 5 * time.Minute
	// DefaultBatchSize bounds how many messages one sweep replays.
	DefaultBatchSize = 50
)

// Store is the storage surface the sweep needs.
type Store interface {
	ListStaleInbound(ctx context.Context, cutoff time.Time, limit int) ([]models.InboundAudit, error)
	ClearInbound(ctx context.Context, messageID string) error
	GetInboundTurn(ctx context.Context, messageID string) (*models.ConversationTurn, error)
	GetIdentityByID(ctx context.Context, identityID string) (*models.Identity, error)
	HasOutboundReply(ctx context.Context, messageID string) (bool, error)
	MarkProcessed(ctx context.Context, messageID string) error
}

// Processor runs the pipeline for one inbound message.
type Processor interface {
	Process(ctx context.Context, msg models.InboundMessage) (*models.PipelineResult, error)
}

// Opts configures the sweeper.
type Opts struct {
	GracePeriod time.Duration
	BatchSize   int
}

// Option configures the sweeper.
type Option func(*Opts)

// WithGracePeriod sets how long an inbound record may sit unprocessed
// before a sweep picks it up.
func WithGracePeriod(d time.Duration) Option {
	return func(o *Opts) { o.GracePeriod = d }
}

// WithBatchSize caps the number of messages replayed per sweep.
func WithBatchSize(n int) Option {
	return func(o *Opts) { o.BatchSize = n }
}

// Sweeper finds abandoned inbound messages and runs them through the
// pipeline again.
type Sweeper struct {
	store     Store
	processor Processor
	grace     time.Duration
	batch     int
}

// NewSweeper creates a sweeper over the given store and pipeline.
func NewSweeper(store Store, processor Processor, opts ...Option) *Sweeper {
	options := Opts{GracePeriod: DefaultGracePeriod, BatchSize: DefaultBatchSize}
	for _, opt := range opts {
		opt(&options)
	}
	if options.GracePeriod <= 0 {
		options.GracePeriod = DefaultGracePeriod
	}
	if options.BatchSize <= 0 {
		options.BatchSize = DefaultBatchSize
	}
	return &Sweeper{
		store:     store,
		processor: processor,
		grace:     options.GracePeriod,
		batch:     options.BatchSize,
	}
}

// Sweep replays abandoned inbound messages and returns how many were
// handed back to the pipeline. Per-message failures are logged and
// skipped so one poisoned message cannot stall the rest.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.grace)
	stale, err := s.store.ListStaleInbound(ctx, cutoff, s.batch)
	if err != nil {
		return 0, fmt.Errorf("stale inbound listing failed: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}
	slog.Info("Sweeper.Sweep: found abandoned inbound messages", "count", len(stale))

	recovered := 0
	for _, audit := range stale {
		if err := s.recoverOne(ctx, audit); err != nil {
			slog.Warn("Sweeper.Sweep: recovery failed for message", "error", err, "messageID", audit.MessageID)
			continue
		}
		recovered++
	}
	return recovered, nil
}

func (s *Sweeper) recoverOne(ctx context.Context, audit models.InboundAudit) error {
	// The reply may have been committed right before the crash, with only
	// the processed marker lost.
	replied, err := s.store.HasOutboundReply(ctx, audit.MessageID)
	if err != nil {
		return fmt.Errorf("outbound reply check failed: %w", err)
	}
	if replied {
		slog.Debug("Sweeper.recoverOne: reply already committed, restoring marker", "messageID", audit.MessageID)
		return s.store.MarkProcessed(ctx, audit.MessageID)
	}

	turn, err := s.store.GetInboundTurn(ctx, audit.MessageID)
	if err != nil {
		return fmt.Errorf("inbound turn lookup failed: %w", err)
	}
	if turn == nil {
		// The run died before the message body was persisted. There is
		// nothing to replay; clearing the ledger lets a transport
		// redelivery through.
		slog.Info("Sweeper.recoverOne: no inbound turn persisted, clearing ledger entry", "messageID", audit.MessageID)
		return s.store.ClearInbound(ctx, audit.MessageID)
	}

	identity, err := s.store.GetIdentityByID(ctx, turn.IdentityID)
	if err != nil {
		return fmt.Errorf("identity lookup failed: %w", err)
	}
	if identity == nil {
		slog.Warn("Sweeper.recoverOne: inbound turn references unknown identity", "messageID", audit.MessageID, "identityID", turn.IdentityID)
		return s.store.ClearInbound(ctx, audit.MessageID)
	}

	// Clear the ledger entry so the replay passes dedup.
	if err := s.store.ClearInbound(ctx, audit.MessageID); err != nil {
		return fmt.Errorf("ledger clear failed: %w", err)
	}

	msg := models.InboundMessage{
		MessageID:   audit.MessageID,
		From:        identity.CanonicalPhone,
		DisplayName: identity.DisplayName,
		Body:        turn.Body,
		ContentType: turn.ContentType,
		Channel:     identity.Channel,
		Time:        turn.CreatedAt.Unix(),
	}
	result, err := s.processor.Process(ctx, msg)
	if err != nil {
		return fmt.Errorf("replay failed: %w", err)
	}
	slog.Info("Sweeper.recoverOne: message replayed", "messageID", audit.MessageID, "reason", result.Reason, "fallback", result.Fallback)
	return nil
}
