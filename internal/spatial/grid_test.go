package spatial

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"claimsync.ai/internal/model"
)

func claimAt(id, world string, minX, minZ, maxX, maxZ int) model.Claim {
	return model.Claim{ID: id, World: world, MinX: minX, MinZ: minZ, MaxX: maxX, MaxZ: maxZ}
}

func ids(g *Grid, world string, r model.Rect) []string {
	var out []string
	for c := range g.QueryArea(world, r) {
		out = append(out, c.ID)
	}
	return out
}

func TestGridQueryArea(t *testing.T) {
	g := NewGrid(16)
	g.Put(claimAt("a", "w", 0, 0, 16, 16))
	g.Put(claimAt("b", "w", 100, 100, 120, 120))
	g.Put(claimAt("c", "nether", 0, 0, 16, 16))
	g.Put(claimAt("d", "w", -40, -40, -20, -20))

	got := ids(g, "w", model.Rect{MinX: 8, MinZ: 8, MaxX: 24, MaxZ: 24})
	if len(got) != 1 || got[0] != "a" {
		t.Fatalf("unexpected hits: %v", got)
	}
	got = ids(g, "w", model.Rect{MinX: -25, MinZ: -25, MaxX: -1, MaxZ: -1})
	if len(got) != 1 || got[0] != "d" {
		t.Fatalf("negative coords: %v", got)
	}
	if got := ids(g, "w", model.Rect{MinX: 17, MinZ: 17, MaxX: 99, MaxZ: 99}); len(got) != 0 {
		t.Fatalf("expected empty gap, got %v", got)
	}
}

func TestGridReadAfterWrite(t *testing.T) {
	g := NewGrid(16)
	g.Put(claimAt("a", "w", 0, 0, 10, 10))
	g.Put(claimAt("a", "w", 50, 50, 60, 60))
	if got := ids(g, "w", model.Rect{MinX: 0, MinZ: 0, MaxX: 10, MaxZ: 10}); len(got) != 0 {
		t.Fatalf("moved claim still indexed at old cells: %v", got)
	}
	if got := ids(g, "w", model.Rect{MinX: 55, MinZ: 55, MaxX: 55, MaxZ: 55}); len(got) != 1 {
		t.Fatalf("moved claim missing: %v", got)
	}
	g.Remove("a")
	if g.Len() != 0 {
		t.Fatalf("expected empty grid")
	}
	if got := ids(g, "w", model.Rect{MinX: 55, MinZ: 55, MaxX: 55, MaxZ: 55}); len(got) != 0 {
		t.Fatalf("removed claim still returned: %v", got)
	}
}

func TestGridMatchesBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	g := NewGrid(32)
	var all []model.Claim
	for i := 0; i < 200; i++ {
		x, z := rng.Intn(2000)-1000, rng.Intn(2000)-1000
		c := claimAt(string(rune('A'+i%26))+string(rune('a'+i/26)), "w", x, z, x+rng.Intn(60), z+rng.Intn(60))
		all = append(all, c)
	}
	g.Load(all)
	for i := 0; i < 100; i++ {
		x, z := rng.Intn(2200)-1100, rng.Intn(2200)-1100
		q := model.Rect{MinX: x, MinZ: z, MaxX: x + rng.Intn(300), MaxZ: z + rng.Intn(300)}
		want := 0
		for _, c := range all {
			if c.Rect().Intersects(q) {
				want++
			}
		}
		if got := len(ids(g, "w", q)); got != want {
			t.Fatalf("query %#v: got %d want %d", q, got, want)
		}
	}
}

func TestGridExtremeRectsStayBounded(t *testing.T) {
	done := make(chan []string, 1)
	go func() {
		g := NewGrid(64)
		g.Put(claimAt("a", "w", 0, 0, 10, 10))
		g.Put(claimAt("huge", "w", math.MinInt, math.MinInt, math.MaxInt, math.MaxInt))
		g.Put(claimAt("edge", "w", math.MaxInt-12, math.MaxInt-12, math.MaxInt-2, math.MaxInt-2))

		var out []string
		out = append(out, ids(g, "w", model.Rect{MinX: math.MaxInt - 20, MinZ: math.MaxInt - 20, MaxX: math.MaxInt, MaxZ: math.MaxInt})...)
		out = append(out, "|")
		out = append(out, ids(g, "w", model.Rect{MinX: math.MinInt, MinZ: math.MinInt, MaxX: math.MaxInt, MaxZ: math.MaxInt})...)
		out = append(out, "|")
		out = append(out, ids(g, "w", model.Rect{MinX: 5, MinZ: 5, MaxX: 5, MaxZ: 5})...)
		g.Remove("huge")
		out = append(out, "|")
		out = append(out, ids(g, "w", model.Rect{MinX: 5, MinZ: 5, MaxX: 5, MaxZ: 5})...)
		done <- out
	}()
	select {
	case got := <-done:
		want := []string{"edge", "huge", "|", "a", "edge", "huge", "|", "a", "huge", "|", "a"}
		if len(got) != len(want) {
			t.Fatalf("got %v want %v", got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("got %v want %v", got, want)
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("grid did not finish on extreme rects")
	}
}
