package party

import (
	"context"
	"errors"
	"testing"
	"time"

	"claimsync.ai/internal/faults"
	"claimsync.ai/internal/model"
	"claimsync.ai/internal/store/memstore"
)

type failingStore struct{}

func (failingStore) SaveParty(context.Context, model.Party) error { return errors.New("disk full") }
func (failingStore) GetPartiesForIdentity(context.Context, string) ([]model.Party, error) {
	return nil, errors.New("disk full")
}

func TestCreatePersistsAndDedupesMembers(t *testing.T) {
	st := memstore.New()
	r := New(st)
	r.SetClock(func() time.Time { return time.UnixMilli(42) })

	leader := model.NewActor("L", "Lee")
	p, err := r.Create(context.Background(), leader, CreateRequest{Name: "crew", Members: []string{"A", "L", "A", " ", "B"}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if p.LeaderID != "L" || p.LeaderName != "Lee" || p.CreatedAt != 42 || p.MaxMembers != DefaultMaxMembers {
		t.Fatalf("unexpected party: %#v", p)
	}
	if len(p.Members) != 2 || p.Members[0] != "A" || p.Members[1] != "B" {
		t.Fatalf("unexpected members: %v", p.Members)
	}

	for _, id := range []string{"L", "A", "B"} {
		ps, err := r.PartiesFor(context.Background(), id)
		if err != nil || len(ps) != 1 || ps[0].ID != p.ID {
			t.Fatalf("PartiesFor(%s) = %v, %v", id, ps, err)
		}
	}
	if ps, _ := r.PartiesFor(context.Background(), "C"); len(ps) != 0 {
		t.Fatalf("outsider sees party: %v", ps)
	}
}

func TestCreateRejectsInvalid(t *testing.T) {
	r := New(memstore.New())
	leader := model.NewActor("L", "Lee")
	cases := []CreateRequest{
		{Name: ""},
		{Name: "bad*name"},
		{Name: "ok", MaxMembers: -1},
		{Name: "ok", MaxMembers: MaxMembersCap + 1},
		{Name: "ok", MaxMembers: 1, Members: []string{"A", "B"}},
	}
	for _, req := range cases {
		if _, err := r.Create(context.Background(), leader, req); !faults.Is(err, faults.Validation) {
			t.Fatalf("%#v: expected validation fault, got %v", req, err)
		}
	}
}

func TestCreateStoreFailure(t *testing.T) {
	r := New(failingStore{})
	_, err := r.Create(context.Background(), model.NewActor("L", "Lee"), CreateRequest{Name: "crew"})
	if !faults.Is(err, faults.Store) {
		t.Fatalf("expected store fault, got %v", err)
	}
	if _, err := r.PartiesFor(context.Background(), "L"); !faults.Is(err, faults.Store) {
		t.Fatalf("expected store fault, got %v", err)
	}
}

func TestRecipients(t *testing.T) {
	got := Recipients(model.Party{LeaderID: "L", Members: []string{"A", "L"}})
	if len(got) != 2 || got[0] != "L" || got[1] != "A" {
		t.Fatalf("unexpected recipients: %v", got)
	}
	c := model.Claim{OwnerID: "O"}
	if got := ClaimRecipients(c, "O"); len(got) != 1 {
		t.Fatalf("owner acting: %v", got)
	}
	if got := ClaimRecipients(c, "adm"); len(got) != 2 || got[1] != "adm" {
		t.Fatalf("admin acting: %v", got)
	}
}
