package memstore

import (
	"context"
	"sort"
	"sync"

	"claimsync.ai/internal/model"
	"claimsync.ai/internal/store"
)

var _ store.Store = (*Store)(nil)

// Store keeps records in process memory. Values are cloned on the way in and
// out so callers never share permission maps with the store.
type Store struct {
	mu      sync.RWMutex
	claims  map[string]model.Claim
	parties map[string]model.Party
}

func New() *Store {
	return &Store{
		claims:  map[string]model.Claim{},
		parties: map[string]model.Party{},
	}
}

func (s *Store) SaveClaim(_ context.Context, c model.Claim) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claims[c.ID] = c.Clone()
	return nil
}

func (s *Store) GetClaim(_ context.Context, id string) (model.Claim, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.claims[id]
	if !ok {
		return model.Claim{}, false, nil
	}
	return c.Clone(), true, nil
}

func (s *Store) GetClaimsByOwner(_ context.Context, identity string) ([]model.Claim, error) {
	return s.filter(func(c model.Claim) bool { return c.OwnerID == identity }), nil
}

func (s *Store) GetClaimsInArea(_ context.Context, world string, r model.Rect) ([]model.Claim, error) {
	r = r.Normalize()
	return s.filter(func(c model.Claim) bool { return c.World == world && c.Rect().Intersects(r) }), nil
}

func (s *Store) ListClaims(context.Context) ([]model.Claim, error) {
	return s.filter(func(model.Claim) bool { return true }), nil
}

func (s *Store) filter(keep func(model.Claim) bool) []model.Claim {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Claim
	for _, c := range s.claims {
		if keep(c) {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt || (out[i].CreatedAt == out[j].CreatedAt && out[i].ID < out[j].ID) })
	return out
}

func (s *Store) DeleteClaim(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.claims[id]; !ok {
		return false, nil
	}
	delete(s.claims, id)
	return true, nil
}

func (s *Store) SaveParty(_ context.Context, p model.Party) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.Members = append([]string(nil), p.Members...)
	s.parties[p.ID] = p
	return nil
}

func (s *Store) GetPartiesForIdentity(_ context.Context, identity string) ([]model.Party, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Party
	for _, p := range s.parties {
		if p.Involves(identity) {
			p.Members = append([]string(nil), p.Members...)
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt || (out[i].CreatedAt == out[j].CreatedAt && out[i].ID < out[j].ID) })
	return out, nil
}

func (s *Store) Close() error { return nil }
