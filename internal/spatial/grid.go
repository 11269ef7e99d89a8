// Package spatial answers overlap queries over claim rectangles.
package spatial

import (
	"iter"
	"math"
	"math/bits"
	"sort"
	"sync"

	"claimsync.ai/internal/model"
)

// Index is the query surface the validator depends on.
type Index interface {
	QueryArea(world string, r model.Rect) iter.Seq[model.Claim]
}

const DefaultCellSize = 64

type cellKey struct {
	world  string
	cx, cz int
}

// Grid buckets claims by fixed-size cells per world. A claim is registered in
// every cell its rectangle touches.
type Grid struct {
	cell int

	mu       sync.RWMutex
	claims   map[string]model.Claim
	buckets  map[cellKey]map[string]struct{}
	perWorld map[string]int

	// claims too large to bucket; always checked directly
	oversized map[string]struct{}
}

func NewGrid(cellSize int) *Grid {
	if cellSize <= 0 {
		cellSize = DefaultCellSize
	}
	return &Grid{
		cell:      cellSize,
		claims:    map[string]model.Claim{},
		buckets:   map[cellKey]map[string]struct{}{},
		perWorld:  map[string]int{},
		oversized: map[string]struct{}{},
	}
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func (g *Grid) cellRange(r model.Rect) (x0, z0, x1, z1 int) {
	return floorDiv(r.MinX, g.cell), floorDiv(r.MinZ, g.cell), floorDiv(r.MaxX, g.cell), floorDiv(r.MaxZ, g.cell)
}

// cellCount is the number of cells in the inclusive range. ok is false when
// the count does not fit in a uint64.
func cellCount(x0, z0, x1, z1 int) (n uint64, ok bool) {
	w, d := uint64(x1)-uint64(x0), uint64(z1)-uint64(z0)
	if w == math.MaxUint64 || d == math.MaxUint64 {
		return 0, false
	}
	hi, lo := bits.Mul64(w+1, d+1)
	return lo, hi == 0
}

// maxClaimCells bounds how many buckets a single claim may occupy. Larger
// claims live only in the claims map and are found by the brute scan.
const maxClaimCells = 1 << 16

// Put inserts or replaces a claim.
func (g *Grid) Put(c model.Claim) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.removeLocked(c.ID)
	c = c.Clone()
	g.claims[c.ID] = c
	g.perWorld[c.World]++
	x0, z0, x1, z1 := g.cellRange(c.Rect())
	if n, ok := cellCount(x0, z0, x1, z1); !ok || n > maxClaimCells {
		g.oversized[c.ID] = struct{}{}
		return
	}
	for cx := x0; cx <= x1; cx++ {
		for cz := z0; cz <= z1; cz++ {
			k := cellKey{world: c.World, cx: cx, cz: cz}
			b := g.buckets[k]
			if b == nil {
				b = map[string]struct{}{}
				g.buckets[k] = b
			}
			b[c.ID] = struct{}{}
		}
	}
}

func (g *Grid) Remove(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.removeLocked(id)
}

func (g *Grid) removeLocked(id string) {
	old, ok := g.claims[id]
	if !ok {
		return
	}
	delete(g.claims, id)
	if g.perWorld[old.World]--; g.perWorld[old.World] <= 0 {
		delete(g.perWorld, old.World)
	}
	if _, ok := g.oversized[id]; ok {
		delete(g.oversized, id)
		return
	}
	x0, z0, x1, z1 := g.cellRange(old.Rect())
	for cx := x0; cx <= x1; cx++ {
		for cz := z0; cz <= z1; cz++ {
			k := cellKey{world: old.World, cx: cx, cz: cz}
			if b := g.buckets[k]; b != nil {
				delete(b, id)
				if len(b) == 0 {
					delete(g.buckets, k)
				}
			}
		}
	}
}

// Load replaces the index content.
func (g *Grid) Load(claims []model.Claim) {
	g.mu.Lock()
	g.claims = map[string]model.Claim{}
	g.buckets = map[cellKey]map[string]struct{}{}
	g.perWorld = map[string]int{}
	g.oversized = map[string]struct{}{}
	g.mu.Unlock()
	for _, c := range claims {
		g.Put(c)
	}
}

func (g *Grid) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.claims)
}

// QueryArea yields every claim in world intersecting r, ordered by id. The
// result is materialized under the read lock so iteration never races with
// writers.
func (g *Grid) QueryArea(world string, r model.Rect) iter.Seq[model.Claim] {
	hits := g.collect(world, r.Normalize())
	return func(yield func(model.Claim) bool) {
		for _, c := range hits {
			if !yield(c) {
				return
			}
		}
	}
}

func (g *Grid) collect(world string, r model.Rect) []model.Claim {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var hits []model.Claim
	x0, z0, x1, z1 := g.cellRange(r)
	if n, ok := cellCount(x0, z0, x1, z1); !ok || n > uint64(g.perWorld[world]) {
		// Query covers more cells than the world has claims.
		for _, c := range g.claims {
			if c.World == world && c.Rect().Intersects(r) {
				hits = append(hits, c.Clone())
			}
		}
	} else {
		seen := map[string]struct{}{}
		for cx := x0; cx <= x1; cx++ {
			for cz := z0; cz <= z1; cz++ {
				for id := range g.buckets[cellKey{world: world, cx: cx, cz: cz}] {
					if _, ok := seen[id]; ok {
						continue
					}
					seen[id] = struct{}{}
					if c := g.claims[id]; c.Rect().Intersects(r) {
						hits = append(hits, c.Clone())
					}
				}
			}
		}
		for id := range g.oversized {
			if c := g.claims[id]; c.World == world && c.Rect().Intersects(r) {
				hits = append(hits, c.Clone())
			}
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].ID < hits[j].ID })
	return hits
}
