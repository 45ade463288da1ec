package lifecycle_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chemist-sh/chemist/internal/chemerr"
	"github.com/chemist-sh/chemist/internal/discovery"
	"github.com/chemist-sh/chemist/internal/lifecycle"
	"github.com/chemist-sh/chemist/internal/metricsx"
	"github.com/chemist-sh/chemist/internal/model"
	"github.com/chemist-sh/chemist/internal/repository"
)

// fakeDiscovery resolves exactly the instances seeded into it; anything
// else is reported as ErrNotFound.
type fakeDiscovery struct {
	instances map[string]discovery.Instance
}

func (f *fakeDiscovery) LookupOne(ctx context.Context, id string) (discovery.Instance, error) {
	inst, ok := f.instances[id]
	if !ok {
		return discovery.Instance{}, chemerr.ErrNotFound
	}
	return inst, nil
}

// fakeDistributor is a deterministic, single-flask placement stub:
// LocateAndAssignDistribution hands every new target to the first flask
// in the snapshot that isn't the target's own id.
type fakeDistributor struct {
	mu      sync.Mutex
	dropped []model.TargetId
}

func (f *fakeDistributor) LocateAndAssignDistribution(newTargets []model.Target, snap *repository.Snapshot) map[model.FlaskId][]model.Target {
	if len(newTargets) == 0 {
		return nil
	}
	active := snap.ActiveFlasks()
	if len(active) == 0 {
		return map[model.FlaskId][]model.Target{}
	}
	return map[model.FlaskId][]model.Target{active[0].ID: newTargets}
}

func (f *fakeDistributor) Distribute(ctx context.Context, delta map[model.FlaskId][]model.Target) error {
	return nil
}

func (f *fakeDistributor) DropTarget(ctx context.Context, flaskID model.FlaskId, targetID model.TargetId) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropped = append(f.dropped, targetID)
	return nil
}

func newInterpreter(t *testing.T, fd *fakeDiscovery, dist *fakeDistributor) (*lifecycle.Interpreter, *repository.Repository) {
	t.Helper()
	repo := repository.New(zap.NewNop())
	t.Cleanup(repo.Close)
	in := lifecycle.New(repo, fd, dist, metricsx.NewNoop(), zap.NewNop(), lifecycle.Config{
		ResourceTemplates: []string{"http://@host:@port/metrics"},
	})
	return in, repo
}

// S1: Launch event for a flask-tagged instance registers it and
// redistributes anything left unassigned.
func TestHandleEvent_LaunchFlask(t *testing.T) {
	ctx := context.Background()
	fd := &fakeDiscovery{instances: map[string]discovery.Instance{
		"i-flask-1": {ID: "i-flask-1", Host: "10.0.0.9", Port: 7000, Tags: map[string]string{"type": "flask"}},
	}}
	dist := &fakeDistributor{}
	in, repo := newInterpreter(t, fd, dist)

	require.NoError(t, repo.AddInstance(ctx, model.NewTarget("t1", "web", []string{"http://t1/metrics"})))

	action, err := in.HandleEvent(ctx, lifecycle.CloudEvent{Kind: model.Launch, InstanceID: "i-flask-1"})
	require.NoError(t, err)
	assert.True(t, action.IsRedistribution())
	assert.Equal(t, []model.Target{model.NewTarget("t1", "web", []string{"http://t1/metrics"})}, action.Delta[model.FlaskId("i-flask-1")])

	snap := repo.Snapshot()
	require.Contains(t, snap.Flasks, model.FlaskId("i-flask-1"))
	assert.Empty(t, snap.Unassigned)
}

// S2: Launch event for a non-flask instance registers it as a target and
// assigns it if a flask is available.
func TestHandleEvent_LaunchTarget(t *testing.T) {
	ctx := context.Background()
	fd := &fakeDiscovery{instances: map[string]discovery.Instance{
		"i-target-1": {ID: "i-target-1", Host: "10.0.0.5", Port: 9090, Tags: map[string]string{"type": "app", "cluster": "web"}},
	}}
	dist := &fakeDistributor{}
	in, repo := newInterpreter(t, fd, dist)
	require.NoError(t, repo.IncreaseCapacity(ctx, model.Flask{ID: "f1", Location: model.Location{Host: "10.0.0.1", Port: 5775}}))

	action, err := in.HandleEvent(ctx, lifecycle.CloudEvent{Kind: model.Launch, InstanceID: "i-target-1"})
	require.NoError(t, err)
	assert.True(t, action.IsRedistribution())

	snap := repo.Snapshot()
	require.Contains(t, snap.Targets, model.TargetId("i-target-1"))
	assert.Equal(t, model.FlaskId("f1"), snap.TargetOwner[model.TargetId("i-target-1")])
}

// Launch event for an instance that's already disappeared (race with a
// redelivered Terminate) is a silent no-op, not an error.
func TestHandleEvent_LaunchInstanceAlreadyGone(t *testing.T) {
	ctx := context.Background()
	fd := &fakeDiscovery{instances: map[string]discovery.Instance{}}
	dist := &fakeDistributor{}
	in, _ := newInterpreter(t, fd, dist)

	action, err := in.HandleEvent(ctx, lifecycle.CloudEvent{Kind: model.Launch, InstanceID: "ghost"})
	require.NoError(t, err)
	assert.False(t, action.IsRedistribution())
}

// S3: Terminate for a known flask releases its held targets back to the
// unassigned pool when no other Active flask can take them.
func TestHandleEvent_TerminateFlask_NoOtherCapacity(t *testing.T) {
	ctx := context.Background()
	dist := &fakeDistributor{}
	in, repo := newInterpreter(t, &fakeDiscovery{}, dist)

	require.NoError(t, repo.IncreaseCapacity(ctx, model.Flask{ID: "f1", Location: model.Location{Host: "10.0.0.1", Port: 5775}}))
	tgt := model.NewTarget("t1", "web", []string{"http://t1/metrics"})
	require.NoError(t, repo.AddInstance(ctx, tgt))
	require.NoError(t, repo.MergeDistribution(ctx, map[model.FlaskId][]model.Target{"f1": {tgt}}))

	action, err := in.HandleEvent(ctx, lifecycle.CloudEvent{Kind: model.Terminate, InstanceID: "f1"})
	require.NoError(t, err)
	assert.True(t, action.IsRedistribution())
	assert.Empty(t, action.Delta)

	snap := repo.Snapshot()
	assert.Equal(t, model.FlaskTerminated, snap.Flasks[model.FlaskId("f1")].State)
	assert.Contains(t, snap.Unassigned, model.TargetId("t1"))
}

// S3b: Terminate for a flask whose held targets get reassigned to a
// surviving flask.
func TestHandleEvent_TerminateFlask_Reassigned(t *testing.T) {
	ctx := context.Background()
	dist := &fakeDistributor{}
	in, repo := newInterpreter(t, &fakeDiscovery{}, dist)

	require.NoError(t, repo.IncreaseCapacity(ctx, model.Flask{ID: "f1", Location: model.Location{Host: "10.0.0.1", Port: 5775}}))
	require.NoError(t, repo.IncreaseCapacity(ctx, model.Flask{ID: "f2", Location: model.Location{Host: "10.0.0.2", Port: 5775}}))
	tgt := model.NewTarget("t1", "web", []string{"http://t1/metrics"})
	require.NoError(t, repo.AddInstance(ctx, tgt))
	require.NoError(t, repo.MergeDistribution(ctx, map[model.FlaskId][]model.Target{"f1": {tgt}}))

	action, err := in.HandleEvent(ctx, lifecycle.CloudEvent{Kind: model.Terminate, InstanceID: "f1"})
	require.NoError(t, err)
	assert.True(t, action.IsRedistribution())
	require.NotEmpty(t, action.Delta)

	snap := repo.Snapshot()
	assert.Equal(t, model.FlaskId("f2"), snap.TargetOwner[model.TargetId("t1")])
}

// S4: Terminate for a known target removes it and notifies its owning
// flask to drop it.
func TestHandleEvent_TerminateTarget(t *testing.T) {
	ctx := context.Background()
	dist := &fakeDistributor{}
	in, repo := newInterpreter(t, &fakeDiscovery{}, dist)

	require.NoError(t, repo.IncreaseCapacity(ctx, model.Flask{ID: "f1", Location: model.Location{Host: "10.0.0.1", Port: 5775}}))
	tgt := model.NewTarget("t1", "web", []string{"http://t1/metrics"})
	require.NoError(t, repo.AddInstance(ctx, tgt))
	require.NoError(t, repo.MergeDistribution(ctx, map[model.FlaskId][]model.Target{"f1": {tgt}}))

	action, err := in.HandleEvent(ctx, lifecycle.CloudEvent{Kind: model.Terminate, InstanceID: "t1"})
	require.NoError(t, err)
	assert.False(t, action.IsRedistribution())

	snap := repo.Snapshot()
	assert.NotContains(t, snap.Targets, model.TargetId("t1"))
	assert.Equal(t, []model.TargetId{"t1"}, dist.dropped)
}

// Terminate for an id the repository has never heard of (or already
// removed by a redelivered message) is an idempotent no-op.
func TestHandleEvent_TerminateUnknownId(t *testing.T) {
	ctx := context.Background()
	in, _ := newInterpreter(t, &fakeDiscovery{}, &fakeDistributor{})

	action, err := in.HandleEvent(ctx, lifecycle.CloudEvent{Kind: model.Terminate, InstanceID: "never-seen"})
	require.NoError(t, err)
	assert.False(t, action.IsRedistribution())
}

// S5/poison-pill: an unparseable message is dropped (deleted) without
// ever reaching HandleEvent, exercised here through the Queue-driven Run
// loop rather than HandleEvent directly.
func TestRun_DropsUnparseableMessage(t *testing.T) {
	in, _ := newInterpreter(t, &fakeDiscovery{}, &fakeDistributor{})

	msg := &fakeMessage{body: []byte("not json")}
	q := &onceQueue{msgs: []lifecycle.Message{msg}, drained: make(chan struct{}, 1)}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		in.Run(ctx, q)
		close(done)
	}()

	select {
	case <-q.drained:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for queue to drain")
	}
	cancel()
	<-done

	assert.True(t, msg.deleted)
}

type fakeMessage struct {
	body    []byte
	deleted bool
}

func (m *fakeMessage) Body() []byte { return m.body }
func (m *fakeMessage) Delete(ctx context.Context) error {
	m.deleted = true
	return nil
}

// onceQueue hands back its seeded messages exactly once, then blocks
// (simulating an idle long-poll) until the context is cancelled.
type onceQueue struct {
	mu      sync.Mutex
	msgs    []lifecycle.Message
	served  bool
	drained chan struct{}
}

func (q *onceQueue) Receive(ctx context.Context) ([]lifecycle.Message, error) {
	q.mu.Lock()
	if !q.served {
		q.served = true
		msgs := q.msgs
		q.mu.Unlock()
		return msgs, nil
	}
	q.mu.Unlock()
	select {
	case q.drained <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return nil, ctx.Err()
}
