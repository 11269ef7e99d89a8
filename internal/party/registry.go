// Package party creates ownership groups and answers membership questions
// for sync fan-out. Membership changes after creation are owned elsewhere.
package party

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"claimsync.ai/internal/faults"
	"claimsync.ai/internal/model"
	"claimsync.ai/internal/protocol"
	"claimsync.ai/internal/validator"
)

const (
	DefaultMaxMembers = 8
	MaxMembersCap     = 64
)

// Store is the slice of store.Store the registry reads and writes.
type Store interface {
	SaveParty(ctx context.Context, p model.Party) error
	GetPartiesForIdentity(ctx context.Context, identity string) ([]model.Party, error)
}

type Registry struct {
	store Store
	now   func() time.Time
}

func New(st Store) *Registry {
	return &Registry{store: st, now: time.Now}
}

// SetClock overrides the time source (tests).
func (r *Registry) SetClock(now func() time.Time) { r.now = now }

type CreateRequest struct {
	Name        string
	Description string
	IsOpen      bool
	MaxMembers  int
	Members     []string
}

// Create validates req, persists the party with actor as leader and returns
// it. The leader is dropped from Members if listed.
func (r *Registry) Create(ctx context.Context, actor model.Actor, req CreateRequest) (model.Party, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return model.Party{}, faults.Validationf(protocol.ErrInvalidField, "party name is required")
	}
	if err := validator.ValidateFields(name, req.Description); err != nil {
		return model.Party{}, err
	}
	limit := req.MaxMembers
	if limit == 0 {
		limit = DefaultMaxMembers
	}
	if limit < 1 || limit > MaxMembersCap {
		return model.Party{}, faults.Validationf(protocol.ErrInvalidField, "max_members must be between 1 and %d", MaxMembersCap)
	}

	members := make([]string, 0, len(req.Members))
	seen := map[string]struct{}{actor.ID: {}}
	for _, m := range req.Members {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		members = append(members, m)
	}
	if len(members) > limit {
		return model.Party{}, faults.Validationf(protocol.ErrValidationFailed, "party has %d members, limit is %d", len(members), limit)
	}

	p := model.Party{
		ID:          uuid.NewString(),
		Name:        name,
		LeaderID:    actor.ID,
		LeaderName:  actor.Name,
		Members:     members,
		CreatedAt:   r.now().UnixMilli(),
		Description: req.Description,
		IsOpen:      req.IsOpen,
		MaxMembers:  limit,
	}
	if err := r.store.SaveParty(ctx, p); err != nil {
		return model.Party{}, faults.StoreFailure("save party", err)
	}
	return p, nil
}

// PartiesFor returns every party identity leads or belongs to.
func (r *Registry) PartiesFor(ctx context.Context, identity string) ([]model.Party, error) {
	ps, err := r.store.GetPartiesForIdentity(ctx, identity)
	if err != nil {
		return nil, faults.StoreFailure("load parties", err)
	}
	return ps, nil
}

// Recipients lists who must see a party change: leader first, then members.
func Recipients(p model.Party) []string {
	return p.Identities()
}

// ClaimRecipients lists who must see a claim change made by actor.
func ClaimRecipients(c model.Claim, actor string) []string {
	if actor == "" || actor == c.OwnerID {
		return []string{c.OwnerID}
	}
	return []string{c.OwnerID, actor}
}
