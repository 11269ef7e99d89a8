// Package syncer keeps connected identities' views of their claims and
// parties current: a watermark delta per identity, a periodic sweep, a
// forced full sync shortly after join, and targeted pushes after mutations.
//
// At most one job runs per identity. Starting a new job cancels the one in
// flight and waits for it to stop before touching the store, so sends for
// one identity never interleave.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"claimsync.ai/internal/config"
	"claimsync.ai/internal/faults"
	"claimsync.ai/internal/model"
	"claimsync.ai/internal/protocol"
)

var ErrClosed = errors.New("sync scheduler closed")

// Source is the read side of the store a sync run needs.
type Source interface {
	GetClaimsByOwner(ctx context.Context, identity string) ([]model.Claim, error)
	GetPartiesForIdentity(ctx context.Context, identity string) ([]model.Party, error)
}

// Sender delivers one JSON payload to an online identity.
type Sender interface {
	Send(identity, typeTag string, payload []byte) error
}

// Job is one sync run for one identity.
type Job struct {
	Identity  string
	ForceFull bool

	cancel  context.CancelFunc
	prev    *Job
	done    chan struct{}
	err     error
	batches int

	// removal sequence observed just before the store read, guarded by
	// Scheduler.mu
	fetchSeq uint64
}

// Wait blocks until the run ends. Superseded or disconnected runs return
// context.Canceled.
func (j *Job) Wait() error {
	<-j.done
	return j.err
}

func (j *Job) Done() <-chan struct{} { return j.done }

// Batches is the number of batches the run handed to the sender. Only
// meaningful after Done.
func (j *Job) Batches() int { return j.batches }

type Stats struct {
	ActiveJobs        int              `json:"active_jobs"`
	TrackedIdentities int              `json:"tracked_identities"`
	OnlineIdentities  int              `json:"online_identities"`
	LastSyncTimes     map[string]int64 `json:"last_sync_times"`
}

type joinTimer struct {
	t *time.Timer
}

type Scheduler struct {
	src    Source
	out    Sender
	cfg    config.SyncConfig
	logger *log.Logger
	now    func() time.Time

	base      context.Context
	stop      context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once

	mu         sync.Mutex
	closed     bool
	jobs       map[string]*Job
	watermarks map[string]int64
	online     map[string]struct{}
	joinTimers map[string]*joinTimer

	// Claims deleted while a run that already read the store is still
	// sending. Each tombstone carries the removal sequence so it can be
	// dropped once no such run is left.
	fetching   map[*Job]struct{}
	removed    map[string]uint64
	removedSeq uint64
}

func New(src Source, out Sender, cfg config.SyncConfig, logger *log.Logger) *Scheduler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.IntervalSeconds <= 0 {
		cfg.IntervalSeconds = 30
	}
	if cfg.SweepBackoffMs <= 0 {
		cfg.SweepBackoffMs = 5000
	}
	base, stop := context.WithCancel(context.Background())
	return &Scheduler{
		src:        src,
		out:        out,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
		base:       base,
		stop:       stop,
		jobs:       map[string]*Job{},
		watermarks: map[string]int64{},
		online:     map[string]struct{}{},
		joinTimers: map[string]*joinTimer{},
		fetching:   map[*Job]struct{}{},
		removed:    map[string]uint64{},
	}
}

// SetClock overrides the time source (tests). Call before Start.
func (s *Scheduler) SetClock(now func() time.Time) { s.now = now }

// Start runs the periodic sweep until ctx is done or Shutdown is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.wg.Add(1)
	go s.sweepLoop(ctx)
}

func (s *Scheduler) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

// RequestSync cancels any job in flight for identity and starts a new one.
// A forced run ignores the watermark for this run only.
func (s *Scheduler) RequestSync(identity string, forceFull bool) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked(identity, forceFull)
}

// TriggerSync is RequestSync for operator surfaces.
func (s *Scheduler) TriggerSync(identity string, forceFull bool) (*Job, error) {
	if identity == "" {
		return nil, errors.New("identity is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.startLocked(identity, forceFull), nil
}

func (s *Scheduler) startLocked(identity string, forceFull bool) *Job {
	j := &Job{Identity: identity, ForceFull: forceFull, done: make(chan struct{})}
	if s.closed {
		j.err = ErrClosed
		close(j.done)
		return j
	}
	prev := s.jobs[identity]
	if prev != nil {
		prev.cancel()
	}
	ctx, cancel := context.WithCancel(s.base)
	j.cancel = cancel
	j.prev = prev
	s.jobs[identity] = j
	syncActiveJobs.Set(float64(len(s.jobs)))

	s.wg.Add(1)
	go s.run(ctx, j)
	return j
}

func (s *Scheduler) run(ctx context.Context, j *Job) {
	defer s.wg.Done()
	if j.prev != nil {
		<-j.prev.done
		j.prev = nil
	}
	began := time.Now()
	result, mark, err := s.execute(ctx, j)
	j.err = err

	s.mu.Lock()
	delete(s.fetching, j)
	s.pruneRemovedLocked()
	current := s.jobs[j.Identity] == j
	if current {
		delete(s.jobs, j.Identity)
		if err == nil {
			s.watermarks[j.Identity] = mark
		}
	}
	syncActiveJobs.Set(float64(len(s.jobs)))
	s.mu.Unlock()
	j.cancel()

	syncRunsTotal.WithLabelValues(result).Inc()
	switch result {
	case resultDelivered:
		syncRunDuration.Observe(time.Since(began).Seconds())
		s.logf("sync run identity=%s full=%v batches=%d", j.Identity, j.ForceFull, j.batches)
	case resultFailed:
		s.logf("sync run identity=%s failed after %d batches: %v", j.Identity, j.batches, err)
	}
	close(j.done)
}

// execute performs one run and returns its outcome and the watermark to
// record on success. The watermark is one millisecond before the store read
// so a mutation stamped in the same millisecond is picked up next time.
func (s *Scheduler) execute(ctx context.Context, j *Job) (result string, mark int64, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = resultFailed, fmt.Errorf("panic: %v", r)
		}
	}()
	if err := pause(ctx, s.cfg.BatchDelay()); err != nil {
		return resultCancelled, 0, err
	}

	start := s.now().UnixMilli()
	since := int64(0)
	s.mu.Lock()
	if !j.ForceFull {
		since = s.watermarks[j.Identity]
	}
	j.fetchSeq = s.removedSeq
	s.fetching[j] = struct{}{}
	s.mu.Unlock()

	claims, err := s.src.GetClaimsByOwner(ctx, j.Identity)
	if err != nil {
		return failedOrCancelled(ctx), 0, faults.StoreFailure("load claims", err)
	}
	parties, err := s.src.GetPartiesForIdentity(ctx, j.Identity)
	if err != nil {
		return failedOrCancelled(ctx), 0, faults.StoreFailure("load parties", err)
	}
	claims = changedClaims(claims, since)
	parties = changedParties(parties, since)
	if !j.ForceFull && len(claims) == 0 && len(parties) == 0 {
		return resultEmpty, start - 1, nil
	}

	batches, err := buildBatches(claims, parties, s.cfg.BatchSize, j.ForceFull, start)
	if err != nil {
		return resultFailed, 0, err
	}
	for i, b := range batches {
		if i > 0 {
			if err := pause(ctx, s.cfg.BatchDelay()); err != nil {
				return resultCancelled, 0, err
			}
		}
		if err := ctx.Err(); err != nil {
			return resultCancelled, 0, err
		}
		b, seq := s.dropRemoved(b)
		payload, err := b.encode(i, len(batches), j.ForceFull, start)
		if err != nil {
			return resultFailed, 0, err
		}
		if err := s.out.Send(j.Identity, protocol.TypeClaimSyncResponse, payload); err != nil {
			return resultFailed, 0, fmt.Errorf("send batch %d/%d: %w", i+1, len(batches), err)
		}
		j.batches++
		syncBatchesTotal.Inc()
		// A deletion that landed between the filter and the send was pushed
		// ahead of this batch; repeat it so the claim does not come back.
		if late := s.removedAfter(b.claims, seq); len(late) > 0 {
			s.push("claim_removed", []string{j.Identity}, batch{}, late)
		}
	}
	return resultDelivered, start - 1, nil
}

// dropRemoved filters tombstoned claims out of b and returns the removal
// sequence the filter saw.
func (s *Scheduler) dropRemoved(b batch) (batch, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.removed) == 0 {
		return b, s.removedSeq
	}
	kept := b.claims[:0:0]
	for _, c := range b.claims {
		if _, gone := s.removed[c.ID]; !gone {
			kept = append(kept, c)
		}
	}
	b.claims = kept
	return b, s.removedSeq
}

func (s *Scheduler) removedAfter(claims []model.Claim, seq uint64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, c := range claims {
		if at, ok := s.removed[c.ID]; ok && at > seq {
			ids = append(ids, c.ID)
		}
	}
	return ids
}

// tombstoneLocked records claimID as deleted for every run that read the
// store before now. Nothing is kept when no such run exists.
func (s *Scheduler) tombstoneLocked(claimID string) {
	if len(s.fetching) == 0 {
		return
	}
	s.removedSeq++
	s.removed[claimID] = s.removedSeq
}

func (s *Scheduler) pruneRemovedLocked() {
	if len(s.fetching) == 0 {
		clear(s.removed)
		return
	}
	oldest := uint64(math.MaxUint64)
	for j := range s.fetching {
		oldest = min(oldest, j.fetchSeq)
	}
	for id, at := range s.removed {
		if at <= oldest {
			delete(s.removed, id)
		}
	}
}

func failedOrCancelled(ctx context.Context) string {
	if ctx.Err() != nil {
		return resultCancelled
	}
	return resultFailed
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func changedClaims(in []model.Claim, since int64) []model.Claim {
	if since <= 0 {
		return in
	}
	out := in[:0:0]
	for _, c := range in {
		if c.UpdatedAt > since || c.CreatedAt > since {
			out = append(out, c)
		}
	}
	return out
}

func changedParties(in []model.Party, since int64) []model.Party {
	if since <= 0 {
		return in
	}
	out := in[:0:0]
	for _, p := range in {
		if p.CreatedAt > since {
			out = append(out, p)
		}
	}
	return out
}

type batch struct {
	claims  []model.Claim
	parties []model.Party
}

func (b batch) message(index, total int, full bool, syncTime int64) protocol.ClaimSyncResponseMsg {
	m := protocol.ClaimSyncResponseMsg{
		Claims:       b.claims,
		Parties:      b.parties,
		BatchIndex:   index,
		TotalBatches: total,
		FullSync:     full,
		SyncTime:     syncTime,
	}
	if m.Claims == nil {
		m.Claims = []model.Claim{}
	}
	if m.Parties == nil {
		m.Parties = []model.Party{}
	}
	return m
}

func (b batch) encode(index, total int, full bool, syncTime int64) ([]byte, error) {
	return json.Marshal(b.message(index, total, full, syncTime))
}

// buildBatches splits claims into batchSize chunks and puts the first
// batchSize parties in the first chunk, then halves any chunk whose frame
// would exceed the channel cap. Batches come back in send order; dropping
// claims from one later can only shrink its frame.
func buildBatches(claims []model.Claim, parties []model.Party, batchSize int, full bool, syncTime int64) ([]batch, error) {
	// Parties past the first batch are not sent in this run.
	// TODO: page parties across batches once clients accept parties in later batches.
	if len(parties) > batchSize {
		parties = parties[:batchSize]
	}
	var chunks []batch
	if len(claims) == 0 {
		chunks = append(chunks, batch{parties: parties})
	}
	for i := 0; i < len(claims); i += batchSize {
		b := batch{claims: claims[i:min(i+batchSize, len(claims))]}
		if i == 0 {
			b.parties = parties
		}
		chunks = append(chunks, b)
	}

	var fitted []batch
	for _, b := range chunks {
		parts, err := fitFrame(b, full, syncTime)
		if err != nil {
			return nil, err
		}
		fitted = append(fitted, parts...)
	}
	return fitted, nil
}

func fitFrame(b batch, full bool, syncTime int64) ([]batch, error) {
	// Widest possible counters so the final encoding can only shrink.
	widest, err := b.encode(math.MaxInt32, math.MaxInt32, full, syncTime)
	if err != nil {
		return nil, err
	}
	if frameFits(widest) {
		return []batch{b}, nil
	}
	if len(b.claims) == 0 || (len(b.claims) == 1 && len(b.parties) == 0) {
		return nil, fmt.Errorf("%w: %d claims and %d parties in one record set", protocol.ErrFrameTooLarge, len(b.claims), len(b.parties))
	}
	half := len(b.claims) / 2
	left, err := fitFrame(batch{claims: b.claims[:half], parties: b.parties}, full, syncTime)
	if err != nil {
		return nil, err
	}
	right, err := fitFrame(batch{claims: b.claims[half:]}, full, syncTime)
	if err != nil {
		return nil, err
	}
	return append(left, right...), nil
}

func frameFits(payload []byte) bool {
	return 4+len(protocol.TypeClaimSyncResponse)+len(payload) <= protocol.MaxFrameSize
}

// Sweep starts a non-forced run for every online identity that has no job
// in flight and returns how many it started. Skipping busy identities keeps
// a sweep from superseding a forced join sync.
func (s *Scheduler) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.online))
	for id := range s.online {
		if _, busy := s.jobs[id]; !busy {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		s.startLocked(id, false)
	}
	return len(ids)
}

func (s *Scheduler) safeSweep() (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = faults.Transient(fmt.Errorf("panic: %v", r))
		}
	}()
	return s.Sweep(), nil
}

func (s *Scheduler) sweepLoop(ctx context.Context) {
	defer s.wg.Done()
	t := time.NewTicker(s.cfg.Interval())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.base.Done():
			return
		case <-t.C:
		}
		for {
			_, err := s.safeSweep()
			if err == nil {
				break
			}
			syncSweepFailures.Inc()
			s.logf("sync sweep failed, retrying in %s: %v", s.cfg.SweepBackoff(), err)
			select {
			case <-ctx.Done():
				return
			case <-s.base.Done():
				return
			case <-time.After(s.cfg.SweepBackoff()):
			}
		}
	}
}

// OnConnect marks identity online and schedules its forced join sync.
func (s *Scheduler) OnConnect(identity string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.online[identity] = struct{}{}
	if old := s.joinTimers[identity]; old != nil {
		old.t.Stop()
	}
	jt := &joinTimer{}
	jt.t = time.AfterFunc(s.cfg.JoinDelay(), func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.joinTimers[identity] != jt {
			return
		}
		delete(s.joinTimers, identity)
		if _, ok := s.online[identity]; !ok || s.closed {
			return
		}
		s.startLocked(identity, true)
	})
	s.joinTimers[identity] = jt
}

// OnDisconnect cancels pending work for identity. Its watermark is kept.
func (s *Scheduler) OnDisconnect(identity string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.online, identity)
	if jt := s.joinTimers[identity]; jt != nil {
		jt.t.Stop()
		delete(s.joinTimers, identity)
	}
	if j := s.jobs[identity]; j != nil {
		j.cancel()
	}
}

func (s *Scheduler) Online(identity string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.online[identity]
	return ok
}

// PushClaim sends c to every online recipient, bypassing watermarks.
func (s *Scheduler) PushClaim(c model.Claim, recipients ...string) int {
	return s.push("claim", recipients, batch{claims: []model.Claim{c}}, nil)
}

// PushClaimRemoved tells online recipients that claimID no longer exists.
// Runs already past their store read drop the claim from their remaining
// batches. Call after the claim is gone from the store.
func (s *Scheduler) PushClaimRemoved(claimID string, recipients ...string) int {
	s.mu.Lock()
	s.tombstoneLocked(claimID)
	s.mu.Unlock()
	return s.push("claim_removed", recipients, batch{}, []string{claimID})
}

// PushParty sends p to every online recipient, typically its leader and
// members.
func (s *Scheduler) PushParty(p model.Party, recipients ...string) int {
	return s.push("party", recipients, batch{parties: []model.Party{p}}, nil)
}

func (s *Scheduler) push(kind string, recipients []string, b batch, removed []string) int {
	msg := b.message(0, 1, false, s.now().UnixMilli())
	msg.RemovedClaimIDs = removed
	payload, err := json.Marshal(msg)
	if err != nil {
		s.logf("sync push kind=%s encode: %v", kind, err)
		return 0
	}
	delivered := 0
	seen := map[string]struct{}{}
	for _, id := range recipients {
		if _, dup := seen[id]; dup || id == "" {
			continue
		}
		seen[id] = struct{}{}
		if !s.Online(id) {
			continue
		}
		if err := s.out.Send(id, protocol.TypeClaimSyncResponse, payload); err != nil {
			syncPushesTotal.WithLabelValues(kind, resultFailed).Inc()
			s.logf("sync push kind=%s identity=%s: %v", kind, id, err)
			continue
		}
		syncPushesTotal.WithLabelValues(kind, resultDelivered).Inc()
		delivered++
	}
	return delivered
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		ActiveJobs:        len(s.jobs),
		TrackedIdentities: len(s.watermarks),
		OnlineIdentities:  len(s.online),
		LastSyncTimes:     make(map[string]int64, len(s.watermarks)),
	}
	for id, t := range s.watermarks {
		st.LastSyncTimes[id] = t
	}
	return st
}

// Shutdown cancels the sweep, pending join timers and every job, then waits
// for them to stop. Safe to call more than once.
func (s *Scheduler) Shutdown() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		for id, jt := range s.joinTimers {
			jt.t.Stop()
			delete(s.joinTimers, id)
		}
		for _, j := range s.jobs {
			j.cancel()
		}
		s.mu.Unlock()
		s.stop()
		s.wg.Wait()
	})
}
