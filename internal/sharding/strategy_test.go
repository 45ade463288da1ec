package sharding_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chemist-sh/chemist/internal/model"
	"github.com/chemist-sh/chemist/internal/repository"
	"github.com/chemist-sh/chemist/internal/sharding"
)

func newFleet(t *testing.T, flaskIDs ...string) *repository.Repository {
	t.Helper()
	r := repository.New(zap.NewNop())
	t.Cleanup(r.Close)
	for _, id := range flaskIDs {
		require.NoError(t, r.IncreaseCapacity(context.Background(), model.Flask{ID: model.FlaskId(id)}))
	}
	return r
}

func targets(n int) []model.Target {
	out := make([]model.Target, n)
	for i := range out {
		out[i] = model.NewTarget(model.TargetId(fmt.Sprintf("t%d", i)), "c", []string{"http://x/metrics"})
	}
	return out
}

func TestRandomStrategyDeterministicWithSeed(t *testing.T) {
	r := newFleet(t, "f1", "f2", "f3")
	snap := r.Snapshot()
	ts := targets(5)

	d1 := sharding.NewRandomStrategy(42).Place(ts, snap)
	d2 := sharding.NewRandomStrategy(42).Place(ts, snap)

	total1, total2 := 0, 0
	for _, v := range d1 {
		total1 += len(v)
	}
	for _, v := range d2 {
		total2 += len(v)
	}
	assert.Equal(t, total1, total2)
	assert.Equal(t, len(ts), total1)
	assert.Equal(t, d1, d2)
}

func TestRandomStrategyEmptyActiveSet(t *testing.T) {
	r := repository.New(zap.NewNop())
	defer r.Close()
	delta := sharding.NewRandomStrategy(1).Place(targets(3), r.Snapshot())
	assert.Empty(t, delta)
}

func TestLeastLoadedNeverDiffersByMoreThanOne(t *testing.T) {
	r := newFleet(t, "f1", "f2")
	strategy := sharding.NewLeastLoadedStrategy()

	delta := strategy.Place(targets(3), r.Snapshot())
	loads := map[model.FlaskId]int{}
	for fid, ts := range delta {
		loads[fid] = len(ts)
	}
	var max, min int = -1, 1 << 30
	for _, n := range loads {
		if n > max {
			max = n
		}
		if n < min {
			min = n
		}
	}
	assert.LessOrEqual(t, max-min, 1)
}

func TestLeastLoadedAlreadyAssignedIsNoOp(t *testing.T) {
	r := newFleet(t, "f1", "f2")
	ctx := context.Background()
	t1 := targets(1)[0]
	require.NoError(t, r.AddInstance(ctx, t1))
	require.NoError(t, r.MergeDistribution(ctx, map[model.FlaskId][]model.Target{"f1": {t1}}))

	delta := sharding.NewLeastLoadedStrategy().Place([]model.Target{t1}, r.Snapshot())
	assert.Empty(t, delta)
}
