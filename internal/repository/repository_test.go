package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chemist-sh/chemist/internal/chemerr"
	"github.com/chemist-sh/chemist/internal/model"
	"github.com/chemist-sh/chemist/internal/repository"
)

func newRepo(t *testing.T) *repository.Repository {
	t.Helper()
	r := repository.New(zap.NewNop())
	t.Cleanup(r.Close)
	return r
}

func target(id string) model.Target {
	return model.NewTarget(model.TargetId(id), "default", []string{"http://10.0.0.1:1234/metrics"})
}

func flask(id string) model.Flask {
	return model.Flask{ID: model.FlaskId(id), Location: model.Location{Host: "10.0.0.1", Port: 5775}}
}

func TestIncreaseCapacityRejectsDuplicate(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()

	require.NoError(t, r.IncreaseCapacity(ctx, flask("f1")))
	err := r.IncreaseCapacity(ctx, flask("f1"))
	assert.ErrorIs(t, err, chemerr.ErrAlreadyKnown)
}

func TestDecreaseCapacityIsIdempotent(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()

	require.NoError(t, r.IncreaseCapacity(ctx, flask("f1")))
	require.NoError(t, r.AddInstance(ctx, target("t1")))
	require.NoError(t, r.MergeDistribution(ctx, map[model.FlaskId][]model.Target{"f1": {target("t1")}}))

	held1, err := r.DecreaseCapacity(ctx, "f1")
	require.NoError(t, err)
	assert.Len(t, held1, 1)

	held2, err := r.DecreaseCapacity(ctx, "f1")
	require.NoError(t, err)
	assert.Empty(t, held2)
}

func TestMergeDistributionNoDuplication(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()

	require.NoError(t, r.IncreaseCapacity(ctx, flask("f1")))
	require.NoError(t, r.IncreaseCapacity(ctx, flask("f2")))
	require.NoError(t, r.AddInstance(ctx, target("t1")))

	require.NoError(t, r.MergeDistribution(ctx, map[model.FlaskId][]model.Target{"f1": {target("t1")}}))
	require.NoError(t, r.MergeDistribution(ctx, map[model.FlaskId][]model.Target{"f2": {target("t1")}}))

	assert.Empty(t, r.AssignedTargets("f1"))
	assert.Len(t, r.AssignedTargets("f2"), 1)
}

func TestMergeDistributionIdempotent(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()

	require.NoError(t, r.IncreaseCapacity(ctx, flask("f1")))
	require.NoError(t, r.AddInstance(ctx, target("t1")))

	delta := map[model.FlaskId][]model.Target{"f1": {target("t1")}}
	require.NoError(t, r.MergeDistribution(ctx, delta))
	require.NoError(t, r.MergeDistribution(ctx, delta))

	assert.Len(t, r.AssignedTargets("f1"), 1)
}

func TestLaunchThenTerminateLeavesNoTrace(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()

	require.NoError(t, r.AddInstance(ctx, target("t1")))
	require.NoError(t, r.RemoveInstance(ctx, "t1"))

	snap := r.Snapshot()
	_, exists := snap.Targets["t1"]
	assert.False(t, exists)
	_, unassigned := snap.Unassigned["t1"]
	assert.False(t, unassigned)
}

func TestEventRingBounded(t *testing.T) {
	r := repository.New(zap.NewNop(), repository.WithEventRingSize(3))
	defer r.Close()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, r.AddEvent(ctx, model.Event{
			Kind:       model.Launch,
			InstanceID: string(rune('a' + i)),
			Timestamp:  time.Now(),
		}))
	}
	assert.Len(t, r.RecentEvents(), 3)
}

func TestRecordKeysEmitsEachOnce(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()

	k := model.Key{Name: "jvm.memory"}
	fresh, err := r.RecordKeys(ctx, "f1", []model.Key{k})
	require.NoError(t, err)
	assert.Len(t, fresh, 1)

	fresh, err = r.RecordKeys(ctx, "f1", []model.Key{k})
	require.NoError(t, err)
	assert.Empty(t, fresh)
}

func TestSubscribeChangesEmitsOnMutation(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()

	ch := r.SubscribeChanges()
	require.NoError(t, r.IncreaseCapacity(ctx, flask("f1")))

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected a change notification")
	}
}
