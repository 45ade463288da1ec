// Package repository is the authoritative in-memory model of flasks,
// targets, assignments and recent lifecycle events. It is the only shared
// mutable state in Chemist: every other component reaches the fleet model
// exclusively through this package's API.
//
// Mutations are serialized by a single writer goroutine draining a command
// channel. Readers never block on the writer: each mutation publishes a fresh,
// immutable snapshot via atomic.Pointer, so reads are wait-free copy-on-write
// views and the Sharding engine always operates on a point-in-time picture.
package repository

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/chemist-sh/chemist/internal/chemerr"
	"github.com/chemist-sh/chemist/internal/model"
)

const defaultEventRingSize = 100

// ChangeNotification is emitted on every successful mutation.
type ChangeNotification struct {
	Reason string
}

// Snapshot is an immutable, point-in-time view of fleet state. Safe for
// concurrent reads; never mutated in place.
type Snapshot struct {
	Flasks      map[model.FlaskId]model.Flask
	Targets     map[model.TargetId]model.Target
	Assignments map[model.FlaskId]map[model.TargetId]struct{}
	TargetOwner map[model.TargetId]model.FlaskId
	Unassigned  map[model.TargetId]struct{}
	Keys        map[model.FlaskId]map[string]model.Key
	Events      []model.Event
}

// AssignedTargets returns the targets assigned to a flask in this snapshot.
func (s *Snapshot) AssignedTargets(id model.FlaskId) []model.Target {
	ids := s.Assignments[id]
	out := make([]model.Target, 0, len(ids))
	for tid := range ids {
		if t, ok := s.Targets[tid]; ok {
			out = append(out, t)
		}
	}
	return out
}

// ActiveFlasks returns every flask currently eligible for assignment.
func (s *Snapshot) ActiveFlasks() []model.Flask {
	out := make([]model.Flask, 0, len(s.Flasks))
	for _, f := range s.Flasks {
		if f.Eligible() {
			out = append(out, f)
		}
	}
	return out
}

// Archiver mirrors lifecycle events to durable storage, best-effort. See
// internal/repository/archive.go for the DynamoDB implementation.
type Archiver interface {
	Archive(ctx context.Context, e model.Event)
}

type command struct {
	run  func(*state) (any, error)
	resp chan result
}

type result struct {
	val any
	err error
}

// state is the mutable, writer-goroutine-owned working set. Never touched
// by readers; every field is copied into a Snapshot after each mutation.
type state struct {
	flasks      map[model.FlaskId]model.Flask
	targets     map[model.TargetId]model.Target
	assignments map[model.FlaskId]map[model.TargetId]struct{}
	targetOwner map[model.TargetId]model.FlaskId
	unassigned  map[model.TargetId]struct{}
	keys        map[model.FlaskId]map[string]model.Key
	events      []model.Event
	ringSize    int
}

// Repository is the fleet's single source of truth.
type Repository struct {
	log      *zap.Logger
	archiver Archiver

	cmds chan command
	quit chan struct{}
	wg   sync.WaitGroup

	snapshot atomic.Pointer[Snapshot]

	subMu sync.Mutex
	subs  map[int]chan ChangeNotification
	subID int

	ringRequested int
}

// Option configures a Repository at construction time.
type Option func(*Repository)

// WithArchiver attaches a best-effort durable mirror of the event ring.
func WithArchiver(a Archiver) Option {
	return func(r *Repository) { r.archiver = a }
}

// WithEventRingSize overrides the default 100-entry event ring.
func WithEventRingSize(n int) Option {
	return func(r *Repository) { r.ringRequested = n }
}

// New builds a Repository and starts its writer goroutine.
func New(log *zap.Logger, opts ...Option) *Repository {
	r := &Repository{
		log:  log,
		cmds: make(chan command, 1024),
		quit: make(chan struct{}),
		subs: make(map[int]chan ChangeNotification),
	}
	for _, opt := range opts {
		opt(r)
	}
	ring := r.ringRequested
	if ring <= 0 {
		ring = defaultEventRingSize
	}
	st := &state{
		flasks:      make(map[model.FlaskId]model.Flask),
		targets:     make(map[model.TargetId]model.Target),
		assignments: make(map[model.FlaskId]map[model.TargetId]struct{}),
		targetOwner: make(map[model.TargetId]model.FlaskId),
		unassigned:  make(map[model.TargetId]struct{}),
		keys:        make(map[model.FlaskId]map[string]model.Key),
		ringSize:    ring,
	}
	r.snapshot.Store(snapshotOf(st))

	r.wg.Add(1)
	go r.loop(st)
	return r
}

// Close stops the writer loop and closes every subscriber channel.
func (r *Repository) Close() {
	close(r.quit)
	r.wg.Wait()
	r.subMu.Lock()
	for _, ch := range r.subs {
		close(ch)
	}
	r.subs = nil
	r.subMu.Unlock()
}

func (r *Repository) loop(st *state) {
	defer r.wg.Done()
	for {
		select {
		case <-r.quit:
			return
		case cmd := <-r.cmds:
			val, err := cmd.run(st)
			if err == nil {
				r.publish(st)
			}
			cmd.resp <- result{val: val, err: err}
		}
	}
}

func (r *Repository) publish(st *state) {
	r.snapshot.Store(snapshotOf(st))
	r.notify(ChangeNotification{Reason: "mutation"})
}

func (r *Repository) notify(n ChangeNotification) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, ch := range r.subs {
		select {
		case ch <- n:
		default:
			// Slow subscriber: drop rather than block the writer loop.
		}
	}
}

func snapshotOf(st *state) *Snapshot {
	s := &Snapshot{
		Flasks:      make(map[model.FlaskId]model.Flask, len(st.flasks)),
		Targets:     make(map[model.TargetId]model.Target, len(st.targets)),
		Assignments: make(map[model.FlaskId]map[model.TargetId]struct{}, len(st.assignments)),
		TargetOwner: make(map[model.TargetId]model.FlaskId, len(st.targetOwner)),
		Unassigned:  make(map[model.TargetId]struct{}, len(st.unassigned)),
		Keys:        make(map[model.FlaskId]map[string]model.Key, len(st.keys)),
		Events:      append([]model.Event(nil), st.events...),
	}
	for k, v := range st.flasks {
		s.Flasks[k] = v
	}
	for k, v := range st.targets {
		s.Targets[k] = v
	}
	for f, set := range st.assignments {
		cp := make(map[model.TargetId]struct{}, len(set))
		for t := range set {
			cp[t] = struct{}{}
		}
		s.Assignments[f] = cp
	}
	for k, v := range st.targetOwner {
		s.TargetOwner[k] = v
	}
	for k := range st.unassigned {
		s.Unassigned[k] = struct{}{}
	}
	for f, ks := range st.keys {
		cp := make(map[string]model.Key, len(ks))
		for name, k := range ks {
			cp[name] = k
		}
		s.Keys[f] = cp
	}
	return s
}

// Snapshot returns the current immutable view of fleet state. Wait-free.
func (r *Repository) Snapshot() *Snapshot {
	return r.snapshot.Load()
}

// submit sends a command to the writer loop and blocks for its result, or
// returns ErrShutdownRequested if ctx is cancelled or the Repository is
// closed first.
func (r *Repository) submit(ctx context.Context, run func(*state) (any, error)) (any, error) {
	cmd := command{run: run, resp: make(chan result, 1)}
	select {
	case r.cmds <- cmd:
	case <-r.quit:
		return nil, chemerr.ErrShutdownRequested
	case <-ctx.Done():
		return nil, chemerr.ErrShutdownRequested
	}
	select {
	case res := <-cmd.resp:
		return res.val, res.err
	case <-r.quit:
		return nil, chemerr.ErrShutdownRequested
	case <-ctx.Done():
		return nil, chemerr.ErrShutdownRequested
	}
}

// AddInstance registers a newly discovered target.
func (r *Repository) AddInstance(ctx context.Context, t model.Target) error {
	_, err := r.submit(ctx, func(st *state) (any, error) {
		st.targets[t.ID] = t
		if _, assigned := st.targetOwner[t.ID]; !assigned {
			st.unassigned[t.ID] = struct{}{}
		}
		return nil, nil
	})
	return err
}

// RemoveInstance removes a target and drops it from its owning flask, if
// any. Idempotent: removing an unknown id is a no-op.
func (r *Repository) RemoveInstance(ctx context.Context, id model.TargetId) error {
	_, err := r.submit(ctx, func(st *state) (any, error) {
		delete(st.targets, id)
		delete(st.unassigned, id)
		if owner, ok := st.targetOwner[id]; ok {
			delete(st.targetOwner, id)
			if set, ok := st.assignments[owner]; ok {
				delete(set, id)
			}
		}
		return nil, nil
	})
	return err
}

// IncreaseCapacity registers a new Active flask. Fails with
// ErrAlreadyKnown (wrapping ErrRepositoryConflict) if the id already
// exists in a non-Terminated state.
func (r *Repository) IncreaseCapacity(ctx context.Context, f model.Flask) error {
	_, err := r.submit(ctx, func(st *state) (any, error) {
		if existing, ok := st.flasks[f.ID]; ok && existing.State != model.FlaskTerminated {
			return nil, chemerr.ErrAlreadyKnown
		}
		f.State = model.FlaskActive
		st.flasks[f.ID] = f
		if _, ok := st.assignments[f.ID]; !ok {
			st.assignments[f.ID] = make(map[model.TargetId]struct{})
		}
		return nil, nil
	})
	return err
}

// DecreaseCapacity transitions a flask to Terminated and returns the set
// of targets it held, so the caller can repartition them. Idempotent: a
// second call for the same id returns an empty set without error.
func (r *Repository) DecreaseCapacity(ctx context.Context, id model.FlaskId) ([]model.Target, error) {
	val, err := r.submit(ctx, func(st *state) (any, error) {
		f, ok := st.flasks[id]
		if !ok || f.State == model.FlaskTerminated {
			return []model.Target{}, nil
		}
		f.State = model.FlaskTerminated
		st.flasks[id] = f

		held := st.assignments[id]
		out := make([]model.Target, 0, len(held))
		for tid := range held {
			delete(st.targetOwner, tid)
			if t, ok := st.targets[tid]; ok {
				out = append(out, t)
				st.unassigned[tid] = struct{}{}
			}
		}
		delete(st.assignments, id)
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return val.([]model.Target), nil
}

// AssignedTargets returns the current assignment for a flask.
func (r *Repository) AssignedTargets(id model.FlaskId) []model.Target {
	return r.Snapshot().AssignedTargets(id)
}

// MergeDistribution atomically replaces the assignment of each listed
// flask with the given target set, removing moved targets from any prior
// owner in the same step, and clearing them from the unassigned pool.
// Idempotent: applying the same delta twice has the same effect as once.
func (r *Repository) MergeDistribution(ctx context.Context, delta map[model.FlaskId][]model.Target) error {
	_, err := r.submit(ctx, func(st *state) (any, error) {
		for fid, targets := range delta {
			if _, ok := st.assignments[fid]; !ok {
				st.assignments[fid] = make(map[model.TargetId]struct{})
			}
			for _, t := range targets {
				if prevOwner, ok := st.targetOwner[t.ID]; ok && prevOwner != fid {
					if set, ok := st.assignments[prevOwner]; ok {
						delete(set, t.ID)
					}
				}
				st.assignments[fid][t.ID] = struct{}{}
				st.targetOwner[t.ID] = fid
				delete(st.unassigned, t.ID)
				if _, ok := st.targets[t.ID]; !ok {
					st.targets[t.ID] = t
				}
			}
		}
		return nil, nil
	})
	return err
}

// SetFlaskState transitions a flask's state directly (used by the
// Investigator to move a flask into/out of Investigating).
func (r *Repository) SetFlaskState(ctx context.Context, id model.FlaskId, newState model.FlaskState) error {
	_, err := r.submit(ctx, func(st *state) (any, error) {
		f, ok := st.flasks[id]
		if !ok {
			return nil, chemerr.ErrNotFound
		}
		f.State = newState
		st.flasks[id] = f
		return nil, nil
	})
	return err
}

// AddEvent appends a lifecycle event to the bounded ring, trimming the
// oldest entry when full, and forwards it to the archiver if configured.
func (r *Repository) AddEvent(ctx context.Context, e model.Event) error {
	_, err := r.submit(ctx, func(st *state) (any, error) {
		st.events = append(st.events, e)
		if len(st.events) > st.ringSize {
			st.events = st.events[len(st.events)-st.ringSize:]
		}
		if r.archiver != nil {
			go r.archiver.Archive(context.WithoutCancel(ctx), e)
		}
		return nil, nil
	})
	return err
}

// RecentEvents returns the events currently retained in the ring, oldest
// first.
func (r *Repository) RecentEvents() []model.Event {
	return r.Snapshot().Events
}

// RecordKeys diffs incoming keys against what is already known for a
// flask and returns only the truly new ones, updating the known set in
// the same atomic step. Used by the Telemetry subscriber so a repeated
// key stream never emits twice.
func (r *Repository) RecordKeys(ctx context.Context, flaskID model.FlaskId, incoming []model.Key) ([]model.Key, error) {
	val, err := r.submit(ctx, func(st *state) (any, error) {
		known, ok := st.keys[flaskID]
		if !ok {
			known = make(map[string]model.Key)
			st.keys[flaskID] = known
		}
		var fresh []model.Key
		for _, k := range incoming {
			if _, seen := known[k.Name]; seen {
				continue
			}
			known[k.Name] = k
			fresh = append(fresh, k)
		}
		return fresh, nil
	})
	if err != nil {
		return nil, err
	}
	if val == nil {
		return nil, nil
	}
	return val.([]model.Key), nil
}

// UnassignedTargets returns every target not currently owned by a flask.
func (r *Repository) UnassignedTargets() []model.Target {
	snap := r.Snapshot()
	out := make([]model.Target, 0, len(snap.Unassigned))
	for tid := range snap.Unassigned {
		if t, ok := snap.Targets[tid]; ok {
			out = append(out, t)
		}
	}
	return out
}

// SubscribeChanges returns a channel that receives a notification on every
// successful mutation. The channel is closed when the Repository is
// closed. One subscription per call.
func (r *Repository) SubscribeChanges() <-chan ChangeNotification {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	ch := make(chan ChangeNotification, 32)
	r.subID++
	r.subs[r.subID] = ch
	return ch
}
