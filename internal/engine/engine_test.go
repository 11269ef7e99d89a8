package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"claimsync.ai/internal/config"
	"claimsync.ai/internal/model"
	"claimsync.ai/internal/persistence/auditlog"
	"claimsync.ai/internal/protocol"
	"claimsync.ai/internal/store"
	"claimsync.ai/internal/store/memstore"
	"claimsync.ai/internal/syncer"
)

type push struct {
	kind       string
	id         string
	recipients []string
}

type stubSyncer struct {
	mu       sync.Mutex
	pushes   []push
	requests []string
}

func (s *stubSyncer) RequestSync(identity string, forceFull bool) *syncer.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, fmt.Sprintf("%s:%v", identity, forceFull))
	return nil
}

func (s *stubSyncer) record(kind, id string, recipients []string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushes = append(s.pushes, push{kind: kind, id: id, recipients: recipients})
	return len(recipients)
}

func (s *stubSyncer) PushClaim(c model.Claim, recipients ...string) int {
	return s.record("claim", c.ID, recipients)
}

func (s *stubSyncer) PushClaimRemoved(id string, recipients ...string) int {
	return s.record("removed", id, recipients)
}

func (s *stubSyncer) PushParty(p model.Party, recipients ...string) int {
	return s.record("party", p.ID, recipients)
}

type stubAudit struct {
	mu      sync.Mutex
	entries []auditlog.Entry
}

func (a *stubAudit) Append(e auditlog.Entry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
	return nil
}

type capMap map[string][]string

func (c capMap) Capabilities(identity string) []string {
	if caps, ok := c[identity]; ok {
		return caps
	}
	return []string{model.CapCreate}
}

type panicCaps struct{}

func (panicCaps) Capabilities(string) []string { panic("capability backend exploded") }

type failingStore struct {
	store.Store
}

func (failingStore) SaveClaim(context.Context, model.Claim) error { return errors.New("disk full") }

type env struct {
	svc   *Service
	store store.Store
	sync  *stubSyncer
	audit *stubAudit
}

func newEnv(t *testing.T, st store.Store, caps model.CapabilityProvider) *env {
	t.Helper()
	cfg := config.Defaults()
	cfg.Claims.SpawnProtectionRadius = 0
	if caps == nil {
		caps = capMap{"adm": {model.CapCreate, model.CapAdmin}}
	}
	e := &env{store: st, sync: &stubSyncer{}, audit: &stubAudit{}}
	svc, err := New(context.Background(), Options{
		Config:       cfg,
		Store:        st,
		Syncer:       e.sync,
		Audit:        e.audit,
		Capabilities: caps,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	svc.SetClock(func() time.Time { return time.UnixMilli(5_000) })
	e.svc = svc
	return e
}

func frame(t *testing.T, typeTag string, payload any) []byte {
	t.Helper()
	b, err := protocol.Encode(typeTag, payload)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return b
}

func conn(id string) Conn { return Conn{IdentityID: id, IdentityName: strings.ToUpper(id)} }

func createMsg(id string, minX, minZ, maxX, maxZ int) protocol.ClaimCreateMsg {
	return protocol.ClaimCreateMsg{IdentityID: id, RequestID: "r-" + id, World: "overworld", MinX: minX, MinZ: minZ, MaxX: maxX, MaxZ: maxZ}
}

func single(t *testing.T, out []protocol.Outbound) protocol.Outbound {
	t.Helper()
	if len(out) != 1 {
		t.Fatalf("expected one reply, got %d: %#v", len(out), out)
	}
	return out[0]
}

func mustAck(t *testing.T, out []protocol.Outbound) protocol.ClaimSyncResponseMsg {
	t.Helper()
	o := single(t, out)
	m, ok := o.Payload.(protocol.ClaimSyncResponseMsg)
	if !ok {
		t.Fatalf("expected ack, got %s %#v", o.Type, o.Payload)
	}
	return m
}

func mustError(t *testing.T, out []protocol.Outbound, code string) protocol.ErrorMsg {
	t.Helper()
	o := single(t, out)
	m, ok := o.Payload.(protocol.ErrorMsg)
	if !ok || o.Type != protocol.TypeError {
		t.Fatalf("expected ERROR %s, got %s %#v", code, o.Type, o.Payload)
	}
	if m.Code != code {
		t.Fatalf("expected %s, got %s (%s)", code, m.Code, m.Message)
	}
	return m
}

func (e *env) create(t *testing.T, c Conn, minX, minZ, maxX, maxZ int) []protocol.Outbound {
	t.Helper()
	return e.svc.Handle(context.Background(), c, frame(t, protocol.TypeClaimCreate, createMsg(c.IdentityID, minX, minZ, maxX, maxZ)))
}

func TestCreateThenSelfOverlapNamesOwner(t *testing.T) {
	e := newEnv(t, memstore.New(), nil)
	ack := mustAck(t, e.create(t, conn("p"), 0, 0, 16, 16))
	if ack.RequestID != "r-p" || len(ack.Claims) != 1 || ack.Claims[0].OwnerName != "P" {
		t.Fatalf("unexpected ack: %#v", ack)
	}
	m := mustError(t, e.create(t, conn("p"), 8, 8, 24, 24), protocol.ErrClaimOverlap)
	if !strings.Contains(m.Message, "P") || m.RequestID != "r-p" {
		t.Fatalf("unexpected error: %#v", m)
	}
	if e.svc.IndexedClaims() != 1 {
		t.Fatalf("index holds %d claims", e.svc.IndexedClaims())
	}
	if len(e.audit.entries) != 1 || e.audit.entries[0].Action != auditlog.ActionClaimCreate {
		t.Fatalf("unexpected audit: %#v", e.audit.entries)
	}
}

func TestConcurrentOverlappingCreatesAdmitOne(t *testing.T) {
	e := newEnv(t, memstore.New(), nil)
	const n = 16
	var wg sync.WaitGroup
	results := make([][]protocol.Outbound, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = e.create(t, conn(fmt.Sprintf("p%d", i)), i, i, i+20, i+20)
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, out := range results {
		if single(t, out).Type == protocol.TypeClaimSyncResponse {
			ok++
		}
	}
	if ok != 1 {
		t.Fatalf("expected exactly one admitted claim, got %d", ok)
	}
	all, _ := e.store.ListClaims(context.Background())
	if len(all) != 1 {
		t.Fatalf("store holds %d claims", len(all))
	}
}

func TestQuotaFreesAfterDelete(t *testing.T) {
	e := newEnv(t, memstore.New(), nil)
	var first string
	for i := 0; i < 10; i++ {
		ack := mustAck(t, e.create(t, conn("p"), i*30, 0, i*30+9, 9))
		if i == 0 {
			first = ack.Claims[0].ID
		}
	}
	mustError(t, e.create(t, conn("p"), 0, 100, 9, 109), protocol.ErrClaimLimitReached)

	del := protocol.ClaimDeleteMsg{IdentityID: "p", ClaimID: first}
	ack := mustAck(t, e.svc.Handle(context.Background(), conn("p"), frame(t, protocol.TypeClaimDelete, del)))
	if len(ack.RemovedClaimIDs) != 1 || ack.RemovedClaimIDs[0] != first {
		t.Fatalf("unexpected delete ack: %#v", ack)
	}
	mustAck(t, e.create(t, conn("p"), 0, 100, 9, 109))
}

func TestIdentityMismatchIsRejected(t *testing.T) {
	e := newEnv(t, memstore.New(), nil)
	raw := frame(t, protocol.TypeClaimCreate, createMsg("someone-else", 0, 0, 10, 10))
	m := mustError(t, e.svc.Handle(context.Background(), conn("p"), raw), protocol.ErrPermissionDenied)
	if m.RequestID != "r-someone-else" {
		t.Fatalf("request id not echoed: %#v", m)
	}
	if all, _ := e.store.ListClaims(context.Background()); len(all) != 0 {
		t.Fatalf("mismatched identity created a claim")
	}
}

func TestProtocolErrors(t *testing.T) {
	e := newEnv(t, memstore.New(), nil)
	mustError(t, e.svc.Handle(context.Background(), conn("p"), []byte{0x00}), protocol.ErrPacketParse)

	bad, _ := protocol.EncodeFrame(protocol.TypeClaimCreate, []byte("{not json"))
	mustError(t, e.svc.Handle(context.Background(), conn("p"), bad), protocol.ErrInvalidJSON)

	unknown, _ := protocol.EncodeFrame("CLAIM_TELEPORT", []byte("{}"))
	mustError(t, e.svc.Handle(context.Background(), conn("p"), unknown), protocol.ErrUnknownPacket)
}

func TestNonOwnerCannotMutate(t *testing.T) {
	e := newEnv(t, memstore.New(), nil)
	id := mustAck(t, e.create(t, conn("owner"), 0, 0, 10, 10)).Claims[0].ID
	name := "mine"

	mustError(t, e.svc.Handle(context.Background(), conn("x"), frame(t, protocol.TypeClaimUpdate,
		protocol.ClaimUpdateMsg{IdentityID: "x", ClaimID: id, Name: &name})), protocol.ErrPermissionDenied)
	mustError(t, e.svc.Handle(context.Background(), conn("x"), frame(t, protocol.TypeClaimDelete,
		protocol.ClaimDeleteMsg{IdentityID: "x", ClaimID: id})), protocol.ErrPermissionDenied)
	mustError(t, e.svc.Handle(context.Background(), conn("x"), frame(t, protocol.TypePermissionUpdate,
		protocol.PermissionUpdateMsg{IdentityID: "x", ClaimID: id, Permission: model.Permission{SubjectID: "x", CanBuild: true}})), protocol.ErrPermissionDenied)

	c, ok, err := e.store.GetClaim(context.Background(), id)
	if err != nil || !ok || c.Name != "" || len(c.Permissions) != 0 || c.UpdatedAt != 5_000 {
		t.Fatalf("record changed: %#v ok=%v err=%v", c, ok, err)
	}
	mustError(t, e.svc.Handle(context.Background(), conn("x"), frame(t, protocol.TypeClaimDelete,
		protocol.ClaimDeleteMsg{IdentityID: "x", ClaimID: "missing"})), protocol.ErrClaimNotFound)
}

func TestAdminUpdatePushesToOwner(t *testing.T) {
	e := newEnv(t, memstore.New(), nil)
	id := mustAck(t, e.create(t, conn("owner"), 0, 0, 10, 10)).Claims[0].ID
	name := "renamed"
	ack := mustAck(t, e.svc.Handle(context.Background(), conn("adm"), frame(t, protocol.TypeClaimUpdate,
		protocol.ClaimUpdateMsg{IdentityID: "adm", ClaimID: id, Name: &name})))
	if ack.Claims[0].Name != "renamed" || ack.Claims[0].UpdatedAt <= 5_000 {
		t.Fatalf("unexpected update ack: %#v", ack.Claims[0])
	}

	last := e.sync.pushes[len(e.sync.pushes)-1]
	if last.kind != "claim" || last.id != id || len(last.recipients) != 1 || last.recipients[0] != "owner" {
		t.Fatalf("unexpected push: %#v", last)
	}
	c, _, _ := e.store.GetClaim(context.Background(), id)
	if c.Name != "renamed" {
		t.Fatalf("update not persisted")
	}
}

func TestAdminDeletePushesRemoval(t *testing.T) {
	e := newEnv(t, memstore.New(), nil)
	id := mustAck(t, e.create(t, conn("owner"), 0, 0, 10, 10)).Claims[0].ID
	mustAck(t, e.svc.Handle(context.Background(), conn("adm"), frame(t, protocol.TypeClaimDelete,
		protocol.ClaimDeleteMsg{IdentityID: "adm", ClaimID: id})))
	last := e.sync.pushes[len(e.sync.pushes)-1]
	if last.kind != "removed" || last.id != id || last.recipients[0] != "owner" {
		t.Fatalf("unexpected push: %#v", last)
	}
	if e.svc.IndexedClaims() != 0 {
		t.Fatalf("deleted claim still indexed")
	}
	mustAck(t, e.create(t, conn("p"), 0, 0, 10, 10))
}

func TestPermissionGrantAndRemove(t *testing.T) {
	e := newEnv(t, memstore.New(), nil)
	id := mustAck(t, e.create(t, conn("owner"), 0, 0, 10, 10)).Claims[0].ID
	grant := protocol.PermissionUpdateMsg{IdentityID: "owner", ClaimID: id, Permission: model.Permission{SubjectID: "friend", CanBuild: true}}
	ack := mustAck(t, e.svc.Handle(context.Background(), conn("owner"), frame(t, protocol.TypePermissionUpdate, grant)))
	if !ack.Claims[0].Permissions["friend"].CanBuild {
		t.Fatalf("grant missing: %#v", ack.Claims[0].Permissions)
	}
	grant.Remove = true
	ack = mustAck(t, e.svc.Handle(context.Background(), conn("owner"), frame(t, protocol.TypePermissionUpdate, grant)))
	if len(ack.Claims[0].Permissions) != 0 {
		t.Fatalf("grant not removed: %#v", ack.Claims[0].Permissions)
	}
}

func TestStoreFailureLeavesIndexUntouched(t *testing.T) {
	e := newEnv(t, failingStore{Store: memstore.New()}, nil)
	mustError(t, e.create(t, conn("p"), 0, 0, 10, 10), protocol.ErrDatabase)
	if e.svc.IndexedClaims() != 0 || len(e.audit.entries) != 0 {
		t.Fatalf("failed save touched the index or audit log")
	}
}

func TestHandlerPanicBecomesInternalError(t *testing.T) {
	e := newEnv(t, memstore.New(), panicCaps{})
	mustError(t, e.create(t, conn("p"), 0, 0, 10, 10), protocol.ErrInternal)
}

func TestHeartbeatAndSyncRequest(t *testing.T) {
	e := newEnv(t, memstore.New(), nil)
	o := single(t, e.svc.Handle(context.Background(), conn("p"), frame(t, protocol.TypeHeartbeat, protocol.HeartbeatMsg{IdentityID: "p", Timestamp: 42})))
	hb, ok := o.Payload.(protocol.HeartbeatResponseMsg)
	if !ok || hb.Timestamp != 42 || hb.ServerTime != 5_000 {
		t.Fatalf("unexpected heartbeat reply: %#v", o)
	}

	out := e.svc.Handle(context.Background(), conn("p"), frame(t, protocol.TypeClaimSyncRequest, protocol.ClaimSyncRequestMsg{IdentityID: "p", ForceFull: true}))
	if len(out) != 0 {
		t.Fatalf("sync request must not reply inline: %#v", out)
	}
	out = e.svc.Handle(context.Background(), conn("p"), frame(t, protocol.TypeClaimSyncRequest, protocol.ClaimSyncRequestMsg{IdentityID: "q"}))
	if len(out) != 0 {
		t.Fatalf("unexpected reply: %#v", out)
	}
	if len(e.sync.requests) != 2 || e.sync.requests[0] != "p:true" || e.sync.requests[1] != "p:false" {
		t.Fatalf("unexpected sync requests: %v", e.sync.requests)
	}
}

func TestPartyCreatePushesMembers(t *testing.T) {
	e := newEnv(t, memstore.New(), nil)
	msg := protocol.PartyCreateMsg{IdentityID: "lead", RequestID: "r1", Name: "crew", Members: []string{"a", "b"}}
	ack := mustAck(t, e.svc.Handle(context.Background(), conn("lead"), frame(t, protocol.TypePartyCreate, msg)))
	if len(ack.Parties) != 1 || ack.Parties[0].LeaderID != "lead" || ack.RequestID != "r1" {
		t.Fatalf("unexpected ack: %#v", ack)
	}
	last := e.sync.pushes[len(e.sync.pushes)-1]
	if last.kind != "party" || strings.Join(last.recipients, ",") != "a,b" {
		t.Fatalf("unexpected push: %#v", last)
	}
	ps, _ := e.store.GetPartiesForIdentity(context.Background(), "b")
	if len(ps) != 1 {
		t.Fatalf("party not persisted")
	}
}

func TestNewWarmsIndexFromStore(t *testing.T) {
	st := memstore.New()
	_ = st.SaveClaim(context.Background(), model.Claim{ID: "old", OwnerID: "o", OwnerName: "Olga", World: "overworld", MaxX: 10, MaxZ: 10, Permissions: map[string]model.Permission{}})
	e := newEnv(t, st, nil)
	if e.svc.IndexedClaims() != 1 {
		t.Fatalf("index not warmed")
	}
	m := mustError(t, e.create(t, conn("p"), 5, 5, 15, 15), protocol.ErrClaimOverlap)
	if !strings.Contains(m.Message, "Olga") {
		t.Fatalf("overlap must name owner: %s", m.Message)
	}
}
