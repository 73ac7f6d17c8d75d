// Package store provides storage backends for salesbridge.
//
// This file implements an in-memory store used by tests and API-only runs.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sentra-hq/salesbridge/internal/models"
)

// InMemoryStore is a thread-safe in-memory Store implementation.
type InMemoryStore struct {
	mu         sync.RWMutex
	identities map[string]models.Identity // keyed by canonical phone
	variants   map[string]string          // raw phone -> identity id
	turns      []models.ConversationTurn
	records    map[string][]models.BusinessRecord // keyed by identity id
	dedup      map[string]models.InboundAudit     // keyed by message id
	processed  map[string]time.Time
}

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		identities: make(map[string]models.Identity),
		variants:   make(map[string]string),
		records:    make(map[string][]models.BusinessRecord),
		dedup:      make(map[string]models.InboundAudit),
		processed:  make(map[string]time.Time),
	}
}

func (s *InMemoryStore) CreateIdentity(ctx context.Context, id models.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.identities[id.CanonicalPhone]; exists {
		return models.ErrIdentityExists
	}
	s.identities[id.CanonicalPhone] = id
	return nil
}

func (s *InMemoryStore) GetIdentityByPhone(ctx context.Context, canonicalPhone string) (*models.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id, ok := s.identities[canonicalPhone]; ok {
		return &id, nil
	}
	return nil, nil
}

func (s *InMemoryStore) GetIdentityByVariant(ctx context.Context, rawPhone string) (*models.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	identityID, ok := s.variants[rawPhone]
	if !ok {
		return nil, nil
	}
	for _, id := range s.identities {
		if id.ID == identityID {
			return &id, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) AddPhoneVariant(ctx context.Context, identityID, rawPhone string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.variants[rawPhone]; !exists {
		s.variants[rawPhone] = identityID
	}
	return nil
}

func (s *InMemoryStore) UpdateIdentityDisplayName(ctx context.Context, identityID, displayName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for phone, id := range s.identities {
		if id.ID == identityID {
			id.DisplayName = displayName
			id.UpdatedAt = time.Now().UTC()
			s.identities[phone] = id
			return nil
		}
	}
	return models.ErrIdentityNotFound
}

func (s *InMemoryStore) ListIdentities(ctx context.Context) ([]models.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]models.Identity, 0, len(s.identities))
	for _, id := range s.identities {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].CreatedAt.After(ids[j].CreatedAt) })
	return ids, nil
}

func (s *InMemoryStore) CreateTurn(ctx context.Context, turn models.ConversationTurn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if turn.Direction == models.DirectionOut && turn.MessageID != "" {
		for _, t := range s.turns {
			if t.Direction == models.DirectionOut && t.MessageID == turn.MessageID {
				return models.ErrDuplicateReply
			}
		}
	}
	s.turns = append(s.turns, turn)
	return nil
}

func (s *InMemoryStore) ListRecentTurns(ctx context.Context, identityID string, limit int) ([]models.ConversationTurn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	// Turns are stored in append order, which is arrival order.
	var matched []models.ConversationTurn
	for _, t := range s.turns {
		if t.IdentityID == identityID {
			matched = append(matched, t)
		}
	}
	if limit > 0 && len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	out := make([]models.ConversationTurn, len(matched))
	copy(out, matched)
	return out, nil
}

func (s *InMemoryStore) HasOutboundReply(ctx context.Context, messageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.turns {
		if t.Direction == models.DirectionOut && t.MessageID == messageID {
			return true, nil
		}
	}
	return false, nil
}

func (s *InMemoryStore) RecordInbound(ctx context.Context, messageID, identityID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.dedup[messageID]; exists {
		return false, nil
	}
	s.dedup[messageID] = models.InboundAudit{
		MessageID:  messageID,
		IdentityID: identityID,
		ReceivedAt: time.Now().UTC(),
	}
	return true, nil
}

func (s *InMemoryStore) ListStaleInbound(ctx context.Context, cutoff time.Time, limit int) ([]models.InboundAudit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var stale []models.InboundAudit
	for id, audit := range s.dedup {
		if _, done := s.processed[id]; done {
			continue
		}
		if audit.ReceivedAt.Before(cutoff) {
			stale = append(stale, audit)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].ReceivedAt.Before(stale[j].ReceivedAt) })
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

func (s *InMemoryStore) ClearInbound(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.dedup, messageID)
	delete(s.processed, messageID)
	return nil
}

func (s *InMemoryStore) GetInboundTurn(ctx context.Context, messageID string) (*models.ConversationTurn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.turns {
		if t.Direction == models.DirectionIn && t.MessageID == messageID {
			turn := t
			return &turn, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) GetIdentityByID(ctx context.Context, identityID string) (*models.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.identities {
		if id.ID == identityID {
			identity := id
			return &identity, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) MarkProcessed(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed[messageID] = time.Now().UTC()
	return nil
}

func (s *InMemoryStore) ListBusinessRecords(ctx context.Context, identityID string, limit int) ([]models.BusinessRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := s.records[identityID]
	sorted := make([]models.BusinessRecord, len(recs))
	copy(sorted, recs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].UpdatedAt.After(sorted[j].UpdatedAt) })
	if limit > 0 && len(sorted) > limit {
		sorted = sorted[:limit]
	}
	return sorted, nil
}

func (s *InMemoryStore) UpsertBusinessRecord(ctx context.Context, rec models.BusinessRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.records[rec.IdentityID]
	for i, r := range existing {
		if r.ID == rec.ID {
			existing[i] = rec
			return nil
		}
	}
	s.records[rec.IdentityID] = append(existing, rec)
	return nil
}

func (s *InMemoryStore) Close() error {
	return nil
}
