// Package store declares the persistence collaborator the claim engine
// consumes. Implementations live in memstore (tests, ephemeral servers) and
// sqlstore (sqlite / postgres).
package store

import (
	"context"

	"claimsync.ai/internal/model"
)

type Store interface {
	SaveClaim(ctx context.Context, c model.Claim) error
	// GetClaim reports ok=false when the claim does not exist.
	GetClaim(ctx context.Context, id string) (model.Claim, bool, error)
	GetClaimsByOwner(ctx context.Context, identity string) ([]model.Claim, error)
	GetClaimsInArea(ctx context.Context, world string, r model.Rect) ([]model.Claim, error)
	// DeleteClaim reports whether a record was removed.
	DeleteClaim(ctx context.Context, id string) (bool, error)
	// ListClaims returns every claim; used to warm the spatial index.
	ListClaims(ctx context.Context) ([]model.Claim, error)

	SaveParty(ctx context.Context, p model.Party) error
	GetPartiesForIdentity(ctx context.Context, identity string) ([]model.Party, error)

	Close() error
}
