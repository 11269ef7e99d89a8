// Package engine dispatches decoded client messages to the claim and party
// mutations, commits them to the store and spatial index, and hands the
// result to the sync scheduler for fan-out.
package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"claimsync.ai/internal/config"
	"claimsync.ai/internal/faults"
	"claimsync.ai/internal/model"
	"claimsync.ai/internal/party"
	"claimsync.ai/internal/persistence/auditlog"
	"claimsync.ai/internal/protocol"
	"claimsync.ai/internal/spatial"
	"claimsync.ai/internal/store"
	"claimsync.ai/internal/syncer"
	"claimsync.ai/internal/validator"
)

// Syncer is the part of the sync scheduler the engine drives.
type Syncer interface {
	RequestSync(identity string, forceFull bool) *syncer.Job
	PushClaim(c model.Claim, recipients ...string) int
	PushClaimRemoved(claimID string, recipients ...string) int
	PushParty(p model.Party, recipients ...string) int
}

// Auditor records committed mutations.
type Auditor interface {
	Append(e auditlog.Entry) error
}

// Conn identifies the channel a message arrived on.
type Conn struct {
	IdentityID   string
	IdentityName string
}

type Service struct {
	store   store.Store
	index   *spatial.Grid
	valid   *validator.Validator
	parties *party.Registry
	sync    Syncer
	audit   Auditor
	caps    model.CapabilityProvider
	logger  *log.Logger
	now     func() time.Time

	worldsMu sync.Mutex
	worlds   map[string]*sync.Mutex
}

type Options struct {
	Config       config.Config
	Store        store.Store
	Syncer       Syncer
	Audit        Auditor
	Capabilities model.CapabilityProvider
	CellSize     int
	Logger       *log.Logger
}

// New builds the service and warms the spatial index from the store.
func New(ctx context.Context, opts Options) (*Service, error) {
	if opts.Store == nil || opts.Syncer == nil {
		return nil, fmt.Errorf("engine: store and syncer are required")
	}
	caps := opts.Capabilities
	if caps == nil {
		caps = opts.Config.CapabilityProvider()
	}
	cellSize := opts.CellSize
	if cellSize <= 0 {
		cellSize = spatial.DefaultCellSize
	}
	grid := spatial.NewGrid(cellSize)
	claims, err := opts.Store.ListClaims(ctx)
	if err != nil {
		return nil, fmt.Errorf("warm index: %w", err)
	}
	grid.Load(claims)
	indexedClaims.Set(float64(grid.Len()))

	s := &Service{
		store:   opts.Store,
		index:   grid,
		valid:   validator.New(opts.Config.Claims, opts.Config.Spawn, grid, opts.Store),
		parties: party.New(opts.Store),
		sync:    opts.Syncer,
		audit:   opts.Audit,
		caps:    caps,
		logger:  opts.Logger,
		now:     time.Now,
		worlds:  map[string]*sync.Mutex{},
	}
	s.logf("engine ready claims=%d", grid.Len())
	return s, nil
}

// SetClock overrides the time source of the service and its validators.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
	s.valid.SetClock(now)
	s.parties.SetClock(now)
}

func (s *Service) IndexedClaims() int { return s.index.Len() }

func (s *Service) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

func (s *Service) lockWorld(world string) func() {
	s.worldsMu.Lock()
	mu := s.worlds[world]
	if mu == nil {
		mu = &sync.Mutex{}
		s.worlds[world] = mu
	}
	s.worldsMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

func (s *Service) actor(conn Conn) model.Actor {
	return model.NewActor(conn.IdentityID, conn.IdentityName, s.caps.Capabilities(conn.IdentityID)...)
}

// Handle decodes one raw frame from conn and returns the replies for conn.
// Pushes to other identities go through the syncer.
func (s *Service) Handle(ctx context.Context, conn Conn, raw []byte) (out []protocol.Outbound) {
	began := time.Now()
	kind := "UNKNOWN"
	requestID := ""
	defer func() {
		if r := recover(); r != nil {
			s.logf("handler panic identity=%s type=%s: %v", conn.IdentityID, kind, r)
			out = []protocol.Outbound{errorReply(&faults.Error{Code: protocol.ErrInternal, Message: "internal error"}, requestID)}
		}
		code := "OK"
		for _, o := range out {
			if e, ok := o.Payload.(protocol.ErrorMsg); ok {
				code = e.Code
			}
		}
		requestsTotal.WithLabelValues(kind, code).Inc()
		handleDuration.WithLabelValues(kind).Observe(time.Since(began).Seconds())
	}()

	in, err := protocol.Decode(raw)
	if err != nil {
		return []protocol.Outbound{s.fail(conn, err, "")}
	}
	kind = in.Kind.String()
	requestID = in.RequestID()

	if in.Kind.Mutating() && in.IdentityID() != conn.IdentityID {
		err := faults.Forbidden("identity %q does not match the connection", in.IdentityID())
		return []protocol.Outbound{s.fail(conn, err, requestID)}
	}

	var reply *protocol.Outbound
	switch in.Kind {
	case protocol.KindClaimCreate:
		reply, err = s.createClaim(ctx, s.actor(conn), in.ClaimCreate)
	case protocol.KindClaimUpdate:
		reply, err = s.updateClaim(ctx, s.actor(conn), in.ClaimUpdate)
	case protocol.KindClaimDelete:
		reply, err = s.deleteClaim(ctx, s.actor(conn), in.ClaimDelete)
	case protocol.KindPermissionUpdate:
		reply, err = s.updatePermission(ctx, s.actor(conn), in.PermissionUpdate)
	case protocol.KindPartyCreate:
		reply, err = s.createParty(ctx, s.actor(conn), in.PartyCreate)
	case protocol.KindClaimSyncRequest:
		// Always the connection's own view, whatever the payload names.
		s.sync.RequestSync(conn.IdentityID, in.ClaimSyncRequest.ForceFull)
	case protocol.KindHeartbeat:
		reply = &protocol.Outbound{Type: protocol.TypeHeartbeatResponse, Payload: protocol.HeartbeatResponseMsg{
			Timestamp:  in.Heartbeat.Timestamp,
			ServerTime: s.now().UnixMilli(),
		}}
	}
	if err != nil {
		return []protocol.Outbound{s.fail(conn, err, requestID)}
	}
	if reply == nil {
		return nil
	}
	return []protocol.Outbound{*reply}
}

func (s *Service) fail(conn Conn, err error, requestID string) protocol.Outbound {
	f := faults.From(err)
	if f.Err != nil && f.Kind != faults.Protocol {
		s.logf("request failed identity=%s code=%s: %v", conn.IdentityID, f.Code, f.Err)
	}
	return errorReply(f, requestID)
}

func errorReply(f *faults.Error, requestID string) protocol.Outbound {
	return protocol.Outbound{Type: protocol.TypeError, Payload: protocol.ErrorMsg{
		Code:      f.Code,
		Message:   f.Message,
		RequestID: requestID,
	}}
}

// ack echoes the committed record back to the acting identity.
func (s *Service) ack(requestID string, claims []model.Claim, parties []model.Party, removed []string) *protocol.Outbound {
	if claims == nil {
		claims = []model.Claim{}
	}
	if parties == nil {
		parties = []model.Party{}
	}
	return &protocol.Outbound{Type: protocol.TypeClaimSyncResponse, Payload: protocol.ClaimSyncResponseMsg{
		RequestID:       requestID,
		Claims:          claims,
		Parties:         parties,
		RemovedClaimIDs: removed,
		TotalBatches:    1,
		SyncTime:        s.now().UnixMilli(),
	}}
}

func (s *Service) record(e auditlog.Entry) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Append(e); err != nil {
		s.logf("audit append action=%s: %v", e.Action, err)
	}
}

func without(ids []string, drop string) []string {
	out := ids[:0:0]
	for _, id := range ids {
		if id != drop {
			out = append(out, id)
		}
	}
	return out
}

func (s *Service) createClaim(ctx context.Context, actor model.Actor, m *protocol.ClaimCreateMsg) (*protocol.Outbound, error) {
	unlock := s.lockWorld(m.World)
	defer unlock()

	c, err := s.valid.ValidateCreate(ctx, actor, validator.CreateRequest{
		World:       m.World,
		Rect:        m.Rect(),
		Name:        m.Name,
		Description: m.Description,
		IsPublic:    m.IsPublic,
	})
	if err != nil {
		return nil, err
	}
	reply, err := s.commitClaim(ctx, actor, c, auditlog.ActionClaimCreate, m.RequestID)
	if err == nil {
		s.logf("claim created id=%s owner=%s world=%s rect=%d,%d..%d,%d", c.ID, c.OwnerID, c.World, c.MinX, c.MinZ, c.MaxX, c.MaxZ)
	}
	return reply, err
}

// lockClaim loads id, takes its world lock and reloads it under the lock so
// a concurrent delete or update cannot be overwritten.
func (s *Service) lockClaim(ctx context.Context, id string) (model.Claim, func(), error) {
	c, ok, err := s.store.GetClaim(ctx, id)
	if err != nil {
		return model.Claim{}, nil, faults.StoreFailure("load claim", err)
	}
	if !ok {
		return model.Claim{}, nil, faults.ClaimNotFound(id)
	}
	unlock := s.lockWorld(c.World)
	c, ok, err = s.store.GetClaim(ctx, id)
	if err != nil || !ok {
		unlock()
		if err != nil {
			return model.Claim{}, nil, faults.StoreFailure("load claim", err)
		}
		return model.Claim{}, nil, faults.ClaimNotFound(id)
	}
	return c, unlock, nil
}

func (s *Service) commitClaim(ctx context.Context, actor model.Actor, c model.Claim, action, requestID string) (*protocol.Outbound, error) {
	if err := s.store.SaveClaim(ctx, c); err != nil {
		return nil, faults.StoreFailure("save claim", err)
	}
	s.index.Put(c)
	indexedClaims.Set(float64(s.index.Len()))
	s.record(auditlog.Entry{Action: action, ActorID: actor.ID, RequestID: requestID, World: c.World, ClaimID: c.ID, Claim: &c})
	s.sync.PushClaim(c, without(party.ClaimRecipients(c, actor.ID), actor.ID)...)
	return s.ack(requestID, []model.Claim{c}, nil, nil), nil
}

func (s *Service) updateClaim(ctx context.Context, actor model.Actor, m *protocol.ClaimUpdateMsg) (*protocol.Outbound, error) {
	c, unlock, err := s.lockClaim(ctx, m.ClaimID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	next, err := s.valid.ValidateUpdate(actor, c, validator.UpdateRequest{
		Name:        m.Name,
		Description: m.Description,
		IsPublic:    m.IsPublic,
		Bounds:      m.Bounds,
	})
	if err != nil {
		return nil, err
	}
	return s.commitClaim(ctx, actor, next, auditlog.ActionClaimUpdate, m.RequestID)
}

func (s *Service) updatePermission(ctx context.Context, actor model.Actor, m *protocol.PermissionUpdateMsg) (*protocol.Outbound, error) {
	c, unlock, err := s.lockClaim(ctx, m.ClaimID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	next, err := s.valid.ValidatePermission(actor, c, m.Permission, m.Remove)
	if err != nil {
		return nil, err
	}
	return s.commitClaim(ctx, actor, next, auditlog.ActionPermissionUpdate, m.RequestID)
}

func (s *Service) deleteClaim(ctx context.Context, actor model.Actor, m *protocol.ClaimDeleteMsg) (*protocol.Outbound, error) {
	c, unlock, err := s.lockClaim(ctx, m.ClaimID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	if err := s.valid.ValidateDelete(actor, c); err != nil {
		return nil, err
	}
	ok, err := s.store.DeleteClaim(ctx, c.ID)
	if err != nil {
		return nil, faults.StoreFailure("delete claim", err)
	}
	if !ok {
		return nil, faults.ClaimNotFound(c.ID)
	}
	s.index.Remove(c.ID)
	indexedClaims.Set(float64(s.index.Len()))
	s.record(auditlog.Entry{Action: auditlog.ActionClaimDelete, ActorID: actor.ID, RequestID: m.RequestID, World: c.World, ClaimID: c.ID})
	s.sync.PushClaimRemoved(c.ID, without(party.ClaimRecipients(c, actor.ID), actor.ID)...)
	return s.ack(m.RequestID, nil, nil, []string{c.ID}), nil
}

func (s *Service) createParty(ctx context.Context, actor model.Actor, m *protocol.PartyCreateMsg) (*protocol.Outbound, error) {
	p, err := s.parties.Create(ctx, actor, party.CreateRequest{
		Name:        m.Name,
		Description: m.Description,
		IsOpen:      m.IsOpen,
		MaxMembers:  m.MaxMembers,
		Members:     m.Members,
	})
	if err != nil {
		return nil, err
	}
	s.record(auditlog.Entry{Action: auditlog.ActionPartyCreate, ActorID: actor.ID, RequestID: m.RequestID, Party: &p})
	s.sync.PushParty(p, without(party.Recipients(p), actor.ID)...)
	return s.ack(m.RequestID, nil, []model.Party{p}, nil), nil
}
