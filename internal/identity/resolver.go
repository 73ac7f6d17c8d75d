// Package identity maps normalized phone numbers to customer/lead records,
// creating them on first contact.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sentra-hq/salesbridge/internal/models"
	"github.com/sentra-hq/salesbridge/internal/phone"
)

// Store is the subset of the storage collaborator the resolver depends on.
type Store interface {
	CreateIdentity(ctx context.Context, id models.Identity) error
	GetIdentityByPhone(ctx context.Context, canonicalPhone string) (*models.Identity, error)
	GetIdentityByVariant(ctx context.Context, rawPhone string) (*models.Identity, error)
	AddPhoneVariant(ctx context.Context, identityID, rawPhone string) error
	UpdateIdentityDisplayName(ctx context.Context, identityID, displayName string) error
}

// Request carries the observed sender details for one resolution.
type Request struct {
	Number      phone.Number
	DisplayName string
	Channel     models.Channel
}

// Resolver resolves phone numbers to identities.
type Resolver struct {
	store Store
}

// NewResolver creates a resolver backed by the given store.
func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve looks up the identity for a normalized phone number, creating a
// new lead when none exists. Lookup order: canonical phone exact match,
// then known-variant match against previously stored raw forms, then
// creation. Creation is idempotent under concurrent duplicate inbound
// messages: a uniqueness violation from the store is resolved by
// re-fetching and treating the identity as existing.
func (r *Resolver) Resolve(ctx context.Context, req Request) (*models.Identity, error) {
	for _, candidate := range req.Number.Variants() {
		id, err := r.store.GetIdentityByPhone(ctx, candidate)
		if err != nil {
			return nil, fmt.Errorf("identity lookup for %s failed: %w", candidate, err)
		}
		if id != nil {
			return r.seen(ctx, id, req)
		}
	}

	id, err := r.store.GetIdentityByVariant(ctx, req.Number.Raw)
	if err != nil {
		return nil, fmt.Errorf("variant lookup for %s failed: %w", req.Number.Raw, err)
	}
	if id != nil {
		return r.seen(ctx, id, req)
	}

	return r.create(ctx, req)
}

// seen records the raw form as a known variant and attaches a newly
// observed display name. Both side effects are best-effort: a failure does
// not fail resolution.
func (r *Resolver) seen(ctx context.Context, id *models.Identity, req Request) (*models.Identity, error) {
	if req.Number.Raw != "" && req.Number.Raw != id.CanonicalPhone {
		if err := r.store.AddPhoneVariant(ctx, id.ID, req.Number.Raw); err != nil {
			slog.Warn("Resolver.seen: failed to record phone variant", "error", err, "identityID", id.ID)
		}
	}
	if req.DisplayName != "" && id.DisplayName == id.CanonicalPhone {
		if err := r.store.UpdateIdentityDisplayName(ctx, id.ID, req.DisplayName); err != nil {
			slog.Warn("Resolver.seen: failed to attach display name", "error", err, "identityID", id.ID)
		} else {
			id.DisplayName = req.DisplayName
		}
	}
	return id, nil
}

func (r *Resolver) create(ctx context.Context, req Request) (*models.Identity, error) {
	now := time.Now().UTC()
	// Missing display names are defaulted to the phone itself, never rejected.
	displayName := req.DisplayName
	if displayName == "" {
		displayName = req.Number.Canonical
	}
	id := models.Identity{
		ID:                 uuid.NewString(),
		CanonicalPhone:     req.Number.Canonical,
		RawPhone:           req.Number.Raw,
		DisplayName:        displayName,
		Channel:            req.Channel,
		Status:             models.IdentityStatusNew,
		LowConfidencePhone: req.Number.LowConfidence,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	err := r.store.CreateIdentity(ctx, id)
	if errors.Is(err, models.ErrIdentityExists) {
		// Lost a creation race; the winner's record is authoritative.
		slog.Debug("Resolver.create: creation conflict, re-fetching", "canonicalPhone", req.Number.Canonical)
		existing, ferr := r.store.GetIdentityByPhone(ctx, req.Number.Canonical)
		if ferr != nil {
			return nil, fmt.Errorf("re-fetch after creation conflict failed: %w", ferr)
		}
		if existing == nil {
			return nil, fmt.Errorf("identity vanished after creation conflict for %s", req.Number.Canonical)
		}
		return existing, nil
	}
	if err != nil {
		return nil, fmt.Errorf("identity creation failed: %w", err)
	}

	if req.Number.Raw != "" && req.Number.Raw != id.CanonicalPhone {
		if verr := r.store.AddPhoneVariant(ctx, id.ID, req.Number.Raw); verr != nil {
			slog.Warn("Resolver.create: failed to record initial variant", "error", verr, "identityID", id.ID)
		}
	}

	slog.Info("Resolver.create: new lead created", "identityID", id.ID, "canonicalPhone", id.CanonicalPhone, "channel", id.Channel)
	return &id, nil
}
