package model

import "math"

// Rect is an inclusive integer cell range on the X/Z plane.
type Rect struct {
	MinX int `json:"min_x"`
	MinZ int `json:"min_z"`
	MaxX int `json:"max_x"`
	MaxZ int `json:"max_z"`
}

// Normalize swaps corners so Min <= Max on both axes.
func (r Rect) Normalize() Rect {
	if r.MinX > r.MaxX {
		r.MinX, r.MaxX = r.MaxX, r.MinX
	}
	if r.MinZ > r.MaxZ {
		r.MinZ, r.MaxZ = r.MaxZ, r.MinZ
	}
	return r
}

func (r Rect) Width() int { return r.MaxX - r.MinX + 1 }
func (r Rect) Depth() int { return r.MaxZ - r.MinZ + 1 }

// Intersects treats both rectangles as closed cell ranges.
func (r Rect) Intersects(o Rect) bool {
	return !(r.MaxX < o.MinX || r.MinX > o.MaxX || r.MaxZ < o.MinZ || r.MinZ > o.MaxZ)
}

// Expand grows the rectangle by d cells on every side, saturating at the int
// range instead of wrapping.
func (r Rect) Expand(d int) Rect {
	if d <= 0 {
		return r
	}
	return Rect{MinX: subSat(r.MinX, d), MinZ: subSat(r.MinZ, d), MaxX: addSat(r.MaxX, d), MaxZ: addSat(r.MaxZ, d)}
}

func addSat(a, d int) int {
	if a > math.MaxInt-d {
		return math.MaxInt
	}
	return a + d
}

func subSat(a, d int) int {
	if a < math.MinInt+d {
		return math.MinInt
	}
	return a - d
}

// Corners returns the four corner cells (x, z).
func (r Rect) Corners() [4][2]int {
	return [4][2]int{
		{r.MinX, r.MinZ},
		{r.MinX, r.MaxZ},
		{r.MaxX, r.MinZ},
		{r.MaxX, r.MaxZ},
	}
}

type Permission struct {
	SubjectID   string `json:"subject_id"`
	SubjectName string `json:"subject_name"`
	CanBuild    bool   `json:"can_build"`
	CanBreak    bool   `json:"can_break"`
	CanInteract bool   `json:"can_interact"`
	CanAccess   bool   `json:"can_access"`
	IsAdmin     bool   `json:"is_admin"`
}

type Claim struct {
	ID          string                `json:"id"`
	OwnerID     string                `json:"owner_id"`
	OwnerName   string                `json:"owner_name"`
	World       string                `json:"world"`
	MinX        int                   `json:"min_x"`
	MinZ        int                   `json:"min_z"`
	MaxX        int                   `json:"max_x"`
	MaxZ        int                   `json:"max_z"`
	CreatedAt   int64                 `json:"created_at"`
	UpdatedAt   int64                 `json:"updated_at"`
	Name        string                `json:"name,omitempty"`
	Description string                `json:"description,omitempty"`
	IsPublic    bool                  `json:"is_public"`
	Permissions map[string]Permission `json:"permissions"`
}

func (c Claim) Rect() Rect {
	return Rect{MinX: c.MinX, MinZ: c.MinZ, MaxX: c.MaxX, MaxZ: c.MaxZ}
}

func (c *Claim) SetRect(r Rect) {
	c.MinX, c.MinZ, c.MaxX, c.MaxZ = r.MinX, r.MinZ, r.MaxX, r.MaxZ
}

// Clone deep-copies the permission map so callers can mutate freely.
func (c Claim) Clone() Claim {
	out := c
	out.Permissions = make(map[string]Permission, len(c.Permissions))
	for k, v := range c.Permissions {
		out.Permissions[k] = v
	}
	return out
}

// Touch bumps UpdatedAt. It never moves backwards and always advances, so a
// mutation inside the same millisecond is still newer than its predecessor.
func (c *Claim) Touch(nowMillis int64) {
	if nowMillis > c.UpdatedAt {
		c.UpdatedAt = nowMillis
		return
	}
	c.UpdatedAt++
}

type Party struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	LeaderID    string   `json:"leader_id"`
	LeaderName  string   `json:"leader_name"`
	Members     []string `json:"members"`
	CreatedAt   int64    `json:"created_at"`
	Description string   `json:"description,omitempty"`
	IsOpen      bool     `json:"is_open"`
	MaxMembers  int      `json:"max_members"`
}

// Involves reports whether identity leads or belongs to the party.
func (p Party) Involves(identity string) bool {
	if p.LeaderID == identity {
		return true
	}
	for _, m := range p.Members {
		if m == identity {
			return true
		}
	}
	return false
}

// Identities returns leader plus members, deduplicated, leader first.
func (p Party) Identities() []string {
	out := make([]string, 0, len(p.Members)+1)
	seen := map[string]struct{}{}
	add := func(id string) {
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	add(p.LeaderID)
	for _, m := range p.Members {
		add(m)
	}
	return out
}
