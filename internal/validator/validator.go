// Package validator admits or rejects claim mutations before they reach the
// store. Checks run in a fixed order and the first failure wins.
package validator

import (
	"context"
	"regexp"
	"time"

	"github.com/google/uuid"

	"claimsync.ai/internal/config"
	"claimsync.ai/internal/faults"
	"claimsync.ai/internal/model"
	"claimsync.ai/internal/protocol"
	"claimsync.ai/internal/spatial"
)

const (
	MaxNameLen        = 32
	MaxDescriptionLen = 256
)

var nameCharset = regexp.MustCompile(`^[A-Za-z0-9 _-]*$`)

// OwnedClaims is the slice of the store the quota check needs.
type OwnedClaims interface {
	GetClaimsByOwner(ctx context.Context, identity string) ([]model.Claim, error)
}

// SpawnLocator returns a world's spawn point.
type SpawnLocator func(world string) (x, z int)

type Validator struct {
	rules config.ClaimRules
	spawn SpawnLocator
	index spatial.Index
	owned OwnedClaims
	now   func() time.Time
}

func New(rules config.ClaimRules, spawn SpawnLocator, index spatial.Index, owned OwnedClaims) *Validator {
	if spawn == nil {
		spawn = func(string) (int, int) { return 0, 0 }
	}
	return &Validator{rules: rules, spawn: spawn, index: index, owned: owned, now: time.Now}
}

// SetClock overrides the time source (tests).
func (v *Validator) SetClock(now func() time.Time) { v.now = now }

type CreateRequest struct {
	World       string
	Rect        model.Rect
	Name        string
	Description string
	IsPublic    bool
}

// ValidateCreate returns the claim to insert for actor.
func (v *Validator) ValidateCreate(ctx context.Context, actor model.Actor, req CreateRequest) (model.Claim, error) {
	r := req.Rect.Normalize()
	if err := v.checkSize(r); err != nil {
		return model.Claim{}, err
	}
	if !actor.CanCreateIn(req.World) {
		return model.Claim{}, faults.Forbidden("no permission to claim in %s", req.World)
	}
	if !actor.Has(model.CapUnlimited) {
		owned, err := v.owned.GetClaimsByOwner(ctx, actor.ID)
		if err != nil {
			return model.Claim{}, faults.StoreFailure("count claims", err)
		}
		if len(owned) >= v.rules.MaxPerIdentity {
			return model.Claim{}, faults.Validationf(protocol.ErrClaimLimitReached, "claim limit of %d reached", v.rules.MaxPerIdentity)
		}
	}
	if err := v.checkPlacement(actor, req.World, r, ""); err != nil {
		return model.Claim{}, err
	}
	if err := ValidateFields(req.Name, req.Description); err != nil {
		return model.Claim{}, err
	}

	now := v.now().UnixMilli()
	c := model.Claim{
		ID:          uuid.NewString(),
		OwnerID:     actor.ID,
		OwnerName:   actor.Name,
		World:       req.World,
		CreatedAt:   now,
		UpdatedAt:   now,
		Name:        req.Name,
		Description: req.Description,
		IsPublic:    req.IsPublic,
		Permissions: map[string]model.Permission{},
	}
	c.SetRect(r)
	return c, nil
}

func (v *Validator) checkSize(r model.Rect) error {
	w, d := r.Width(), r.Depth()
	if w < v.rules.MinSize || d < v.rules.MinSize {
		return faults.Validationf(protocol.ErrClaimTooSmall, "claim %dx%d is smaller than %d", w, d, v.rules.MinSize)
	}
	if w > v.rules.MaxSize || d > v.rules.MaxSize {
		return faults.Validationf(protocol.ErrClaimTooLarge, "claim %dx%d is larger than %d", w, d, v.rules.MaxSize)
	}
	return nil
}

// checkPlacement runs the overlap, spacing and zone checks. selfID is
// excluded from the index hits when a claim is being resized.
func (v *Validator) checkPlacement(actor model.Actor, world string, r model.Rect, selfID string) error {
	for c := range v.index.QueryArea(world, r) {
		if c.ID == selfID {
			continue
		}
		return faults.Validationf(protocol.ErrClaimOverlap, "overlaps a claim owned by %s", c.OwnerName)
	}
	if !actor.IsAdmin() && v.rules.MinDistance > 0 {
		for c := range v.index.QueryArea(world, r.Expand(v.rules.MinDistance)) {
			if c.ID == selfID || c.OwnerID == actor.ID {
				continue
			}
			return faults.Validationf(protocol.ErrClaimTooClose, "must keep %d blocks from the claim of %s", v.rules.MinDistance, c.OwnerName)
		}
	}
	return v.checkZone(actor, world, r)
}

func (v *Validator) checkZone(actor model.Actor, world string, r model.Rect) error {
	if v.rules.IsWorldDisabled(world) {
		return faults.Validationf(protocol.ErrWorldDisabled, "claims are disabled in %s", world)
	}
	border := v.rules.WorldBorder
	for _, n := range []int{r.MinX, r.MinZ, r.MaxX, r.MaxZ} {
		if n > border || n < -border {
			return faults.Validationf(protocol.ErrOutsideBorder, "claim crosses the world border at %d", border)
		}
	}
	radius := v.rules.SpawnProtectionRadius
	if radius > 0 && !actor.Has(model.CapBypassSpawn) {
		sx, sz := v.spawn(world)
		for _, p := range r.Corners() {
			dx, dz := float64(p[0]-sx), float64(p[1]-sz)
			if dx*dx+dz*dz <= radius*radius {
				return faults.Validationf(protocol.ErrSpawnProtected, "claim is inside spawn protection")
			}
		}
	}
	return nil
}

// ValidateFields checks optional display fields.
func ValidateFields(name, description string) error {
	if len([]rune(name)) > MaxNameLen {
		return faults.Validationf(protocol.ErrInvalidField, "name longer than %d characters", MaxNameLen)
	}
	if !nameCharset.MatchString(name) {
		return faults.Validationf(protocol.ErrInvalidField, "name may only contain letters, digits, space, _ and -")
	}
	if len([]rune(description)) > MaxDescriptionLen {
		return faults.Validationf(protocol.ErrInvalidField, "description longer than %d characters", MaxDescriptionLen)
	}
	return nil
}

func requireOwnerOrAdmin(actor model.Actor, c model.Claim) error {
	if c.OwnerID == actor.ID || actor.IsAdmin() {
		return nil
	}
	return faults.Forbidden("only the owner can modify this claim")
}

type UpdateRequest struct {
	Name        *string
	Description *string
	IsPublic    *bool
	Bounds      *model.Rect
}

// ValidateUpdate returns the updated copy of c.
func (v *Validator) ValidateUpdate(actor model.Actor, c model.Claim, req UpdateRequest) (model.Claim, error) {
	if err := requireOwnerOrAdmin(actor, c); err != nil {
		return model.Claim{}, err
	}
	next := c.Clone()
	if req.Name != nil {
		next.Name = *req.Name
	}
	if req.Description != nil {
		next.Description = *req.Description
	}
	if err := ValidateFields(next.Name, next.Description); err != nil {
		return model.Claim{}, err
	}
	if req.IsPublic != nil {
		next.IsPublic = *req.IsPublic
	}
	if req.Bounds != nil {
		r := req.Bounds.Normalize()
		if err := v.checkSize(r); err != nil {
			return model.Claim{}, err
		}
		// Spacing is measured against the owner, not the editing admin.
		placer := actor
		if actor.ID != c.OwnerID {
			placer = model.Actor{ID: c.OwnerID, Name: c.OwnerName, Capabilities: actor.Capabilities}
		}
		if err := v.checkPlacement(placer, c.World, r, c.ID); err != nil {
			return model.Claim{}, err
		}
		next.SetRect(r)
	}
	next.Touch(v.now().UnixMilli())
	return next, nil
}

func (v *Validator) ValidateDelete(actor model.Actor, c model.Claim) error {
	return requireOwnerOrAdmin(actor, c)
}

// ValidatePermission applies a grant (or its removal) to a copy of c.
func (v *Validator) ValidatePermission(actor model.Actor, c model.Claim, p model.Permission, remove bool) (model.Claim, error) {
	if err := requireOwnerOrAdmin(actor, c); err != nil {
		return model.Claim{}, err
	}
	if p.SubjectID == "" {
		return model.Claim{}, faults.Validationf(protocol.ErrInvalidField, "permission subject is required")
	}
	if p.SubjectID == actor.ID && !actor.IsAdmin() {
		return model.Claim{}, faults.Forbidden("cannot edit your own permissions")
	}
	if p.IsAdmin && !remove && !actor.Has(model.CapGrantAdmin) {
		return model.Claim{}, faults.Forbidden("granting admin requires %s", model.CapGrantAdmin)
	}
	next := c.Clone()
	if remove {
		delete(next.Permissions, p.SubjectID)
	} else {
		next.Permissions[p.SubjectID] = p
	}
	next.Touch(v.now().UnixMilli())
	return next, nil
}
