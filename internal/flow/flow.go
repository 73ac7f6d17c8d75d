// Package flow orchestrates the message-to-response pipeline: dedup,
// identity resolution, context assembly, prompt construction, model
// invocation, and reply commit.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sentra-hq/salesbridge/internal/identity"
	"github.com/sentra-hq/salesbridge/internal/models"
	"github.com/sentra-hq/salesbridge/internal/phone"
)

// PipelineStore is the storage surface the pipeline itself touches, beyond
// what the aggregator and sink consume.
type PipelineStore interface {
	ContextStore
	SinkStore
	RecordInbound(ctx context.Context, messageID, identityID string) (bool, error)
	MarkProcessed(ctx context.Context, messageID string) error
	GetInboundTurn(ctx context.Context, messageID string) (*models.ConversationTurn, error)
}

// Resolver maps a normalized phone number to an identity.
type Resolver interface {
	Resolve(ctx context.Context, req identity.Request) (*models.Identity, error)
}

// Pipeline turns one inbound message into exactly one outcome. Work for
// the same identity is serialized; different identities proceed in
// parallel.
type Pipeline struct {
	store    PipelineStore
	resolver Resolver
	agg      *Aggregator
	builder  *PromptBuilder
	invoker  *Invoker
	sink     *Sink
	cfg      models.ModelConfig

	locks keyedLocks
}

// NewPipeline wires the pipeline stages together. cfg is normalized once
// and treated as an immutable snapshot for every run.
func NewPipeline(store PipelineStore, resolver Resolver, invoker *Invoker, sender Sender, cfg models.ModelConfig) *Pipeline {
	return &Pipeline{
		store:    store,
		resolver: resolver,
		agg:      NewAggregator(store),
		builder:  NewPromptBuilder(0),
		invoker:  invoker,
		sink:     NewSink(store, sender),
		cfg:      cfg.Normalized(),
	}
}

// Process runs the full pipeline for one inbound message. It returns the
// produced result, or an error only for rejections that happen before any
// generation work (validation, unsupported channel, storage failures).
func (p *Pipeline) Process(ctx context.Context, msg models.InboundMessage) (*models.PipelineResult, error) {
	start := time.Now()

	if msg.Channel == "" {
		msg.Channel = models.ChannelWhatsApp
	}
	if err := msg.Validate(); err != nil {
		slog.Warn("Pipeline.Process: message rejected", "error", err, "messageID", msg.MessageID)
		return nil, err
	}

	number := phone.Normalize(msg.From, p.cfg.DefaultCountryCode)
	if number.Canonical == "" {
		return nil, models.ErrEmptySender
	}

	// Serialize per identity so replies land in conversation order.
	unlock := p.locks.lock(number.Canonical)
	defer unlock()

	// Identity is not resolved yet; the canonical phone correlates the
	// dedup row until then.
	fresh, err := p.store.RecordInbound(ctx, msg.MessageID, number.Canonical)
	if err != nil {
		return nil, fmt.Errorf("inbound dedup check failed: %w", err)
	}
	if !fresh {
		slog.Info("Pipeline.Process: duplicate inbound message, skipping", "messageID", msg.MessageID, "reason", models.ReasonDuplicate)
		return &models.PipelineResult{Reason: models.ReasonDuplicate, Elapsed: time.Since(start)}, nil
	}

	id, err := p.resolver.Resolve(ctx, identity.Request{
		Number:      number,
		DisplayName: msg.DisplayName,
		Channel:     msg.Channel,
	})
	if err != nil {
		return nil, fmt.Errorf("identity resolution failed: %w", err)
	}

	// A recovery replay arrives with its inbound turn already on record.
	existing, err := p.store.GetInboundTurn(ctx, msg.MessageID)
	if err != nil {
		return nil, fmt.Errorf("inbound turn lookup failed: %w", err)
	}
	if existing == nil {
		inbound := models.ConversationTurn{
			ID:          uuid.NewString(),
			IdentityID:  id.ID,
			Direction:   models.DirectionIn,
			Body:        msg.Body,
			ContentType: contentTypeOrDefault(msg.ContentType),
			MessageID:   msg.MessageID,
			CreatedAt:   time.Now().UTC(),
		}
		if err := p.store.CreateTurn(ctx, inbound); err != nil {
			return nil, fmt.Errorf("failed to persist inbound turn: %w", err)
		}
	}

	convCtx := p.agg.Assemble(ctx, id, p.cfg, msg.MessageID)
	messages := p.builder.Build(convCtx, msg.Body)
	outcome := p.invoker.Invoke(ctx, p.cfg, messages, id.ID)

	result := &models.PipelineResult{
		Reply:      outcome.Reply,
		Fallback:   outcome.Fallback,
		Reason:     outcome.Reason,
		Model:      p.cfg.Model,
		ToolCalls:  outcome.ToolCalls,
		IdentityID: id.ID,
	}

	if err := p.sink.Commit(ctx, id, msg.MessageID, outcome.Reply); err != nil {
		if errors.Is(err, models.ErrDuplicateReply) {
			result.Reason = models.ReasonDuplicate
		} else {
			return nil, err
		}
	}

	if err := p.store.MarkProcessed(ctx, msg.MessageID); err != nil {
		slog.Warn("Pipeline.Process: failed to mark message processed", "error", err, "messageID", msg.MessageID)
	}

	result.Elapsed = time.Since(start)
	slog.Info("Pipeline.Process: message processed", "messageID", msg.MessageID, "identityID", id.ID, "reason", result.Reason, "fallback", result.Fallback, "elapsed", result.Elapsed)
	return result, nil
}

func contentTypeOrDefault(ct string) string {
	if ct == "" {
		return "text"
	}
	return ct
}

// keyedLocks serializes work per key. Entries are reference counted and
// freed when the last holder releases, so the map does not grow with the
// number of distinct senders ever seen.
type keyedLocks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedLocks) lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.entries == nil {
		k.entries = make(map[string]*lockEntry)
	}
	e, ok := k.entries[key]
	if !ok {
		e = &lockEntry{}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.entries, key)
		}
		k.mu.Unlock()
	}
}
