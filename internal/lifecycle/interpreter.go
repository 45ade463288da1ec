// Package lifecycle is the state machine that translates the cloud event
// queue into Repository mutations and Sharding actions: for each message,
// parse, classify, mutate, emit.
package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/chemist-sh/chemist/internal/chemerr"
	"github.com/chemist-sh/chemist/internal/discovery"
	"github.com/chemist-sh/chemist/internal/metricsx"
	"github.com/chemist-sh/chemist/internal/model"
	"github.com/chemist-sh/chemist/internal/repository"
	"github.com/chemist-sh/chemist/internal/sharding"
)

// Distributor is the subset of *sharding.Engine the interpreter needs,
// narrowed to an interface so tests can substitute a fake sink.
type Distributor interface {
	LocateAndAssignDistribution(newTargets []model.Target, snap *repository.Snapshot) map[model.FlaskId][]model.Target
	Distribute(ctx context.Context, delta map[model.FlaskId][]model.Target) error
	DropTarget(ctx context.Context, flaskID model.FlaskId, targetID model.TargetId) error
}

// Interpreter is the Lifecycle interpreter component.
type Interpreter struct {
	repo      *repository.Repository
	discovery discovery.Adapter
	dist      Distributor
	metrics   *metricsx.Counters
	log       *zap.Logger

	resourceTemplates []string // default templates for newly discovered targets
}

// Config configures an Interpreter.
type Config struct {
	ResourceTemplates []string
}

// New builds a Lifecycle interpreter.
func New(repo *repository.Repository, adapter discovery.Adapter, dist Distributor, metrics *metricsx.Counters, log *zap.Logger, cfg Config) *Interpreter {
	return &Interpreter{
		repo:              repo,
		discovery:         adapter,
		dist:              dist,
		metrics:           metrics,
		log:               log,
		resourceTemplates: cfg.ResourceTemplates,
	}
}

// Run drains queue, processing messages until ctx is cancelled. Parse
// failures are logged and the message deleted without further action
// (poison-pill avoidance); successfully parsed messages are acknowledged
// (deleted) only after their action has completed, so a crash in between
// yields at-most-once action visibility but safe re-delivery, since every
// Repository operation here is idempotent.
func (in *Interpreter) Run(ctx context.Context, q Queue) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := q.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			in.log.Warn("lifecycle queue receive failed", zap.Error(err))
			continue
		}

		for _, m := range msgs {
			in.processOne(ctx, m)
		}
	}
}

func (in *Interpreter) processOne(ctx context.Context, m Message) {
	ev, err := parseEvent(m.Body())
	if err != nil {
		in.log.Warn("dropping unparseable lifecycle message", zap.Error(err))
		if delErr := m.Delete(ctx); delErr != nil {
			in.log.Warn("failed to delete poison message", zap.Error(delErr))
		}
		return
	}

	action, err := in.HandleEvent(ctx, ev)
	if err != nil {
		in.log.Error("lifecycle event handling failed", zap.String("instanceId", ev.InstanceID), zap.Error(err))
	}

	if action.IsRedistribution() {
		in.sink(ctx, action)
	}

	if delErr := m.Delete(ctx); delErr != nil {
		in.log.Warn("failed to delete processed message", zap.Error(delErr))
	}
}

// sink applies the distribute side effect for a Redistributed action and
// bumps the reshardings counter, per §4.4's "Sink" paragraph. Any non-error
// Action (NoOp included) would take this same path if it carried a delta —
// see the Open Question decision in action.go — so there is one sink, not
// a per-action-kind switch.
func (in *Interpreter) sink(ctx context.Context, action Action) {
	in.metrics.Reshardings.Add(ctx, 1)
	if err := in.dist.Distribute(ctx, action.Delta); err != nil {
		in.log.Warn("distribute encountered errors", zap.Error(err))
	}
}

// HandleEvent applies the §4.4 transition table for a single decoded
// event and returns the resulting Action. Exported for direct testing
// without a Queue.
func (in *Interpreter) HandleEvent(ctx context.Context, ev CloudEvent) (Action, error) {
	if err := in.repo.AddEvent(ctx, model.Event{
		Kind:       ev.Kind,
		ASG:        ev.ASG,
		InstanceID: ev.InstanceID,
		Timestamp:  ev.Timestamp,
	}); err != nil {
		return NoOp(), err
	}
	in.metrics.LifecycleEvents.Add(ctx, 1)

	switch ev.Kind {
	case model.Launch:
		return in.handleLaunch(ctx, ev)
	case model.Terminate:
		return in.handleTerminate(ctx, ev)
	default:
		return NoOp(), nil
	}
}

func (in *Interpreter) handleLaunch(ctx context.Context, ev CloudEvent) (Action, error) {
	inst, err := in.discovery.LookupOne(ctx, ev.InstanceID)
	if err != nil {
		if errors.Is(err, chemerr.ErrNotFound) {
			in.log.Info("launch event for instance already gone, ignoring", zap.String("instanceId", ev.InstanceID))
			return NoOp(), nil
		}
		return NoOp(), fmt.Errorf("discovery lookup for %s: %w", ev.InstanceID, err)
	}

	if inst.IsFlask() {
		return in.launchFlask(ctx, ev, inst)
	}
	return in.launchTarget(ctx, ev, inst)
}

func (in *Interpreter) launchFlask(ctx context.Context, ev CloudEvent, inst discovery.Instance) (Action, error) {
	flask := model.Flask{
		ID: model.FlaskId(ev.InstanceID),
		Location: model.Location{
			Host:              inst.Host,
			Port:              inst.Port,
			Protocol:          "http",
			ResourceTemplates: in.resourceTemplates,
		},
	}
	if err := in.repo.IncreaseCapacity(ctx, flask); err != nil {
		if errors.Is(err, chemerr.ErrAlreadyKnown) {
			in.log.Warn("duplicate flask launch treated as idempotent no-op", zap.String("flaskId", ev.InstanceID))
		} else {
			return NoOp(), err
		}
	}

	unassigned := in.repo.UnassignedTargets()
	if len(unassigned) == 0 {
		return NoOp(), nil
	}
	delta := in.dist.LocateAndAssignDistribution(unassigned, in.repo.Snapshot())
	if len(delta) == 0 {
		return NoOp(), nil
	}
	if err := in.repo.MergeDistribution(ctx, delta); err != nil {
		return NoOp(), err
	}
	return Redistributed(delta), nil
}

func (in *Interpreter) launchTarget(ctx context.Context, ev CloudEvent, inst discovery.Instance) (Action, error) {
	target := model.NewTarget(model.TargetId(ev.InstanceID), inst.Tags["cluster"], buildURIs(in.resourceTemplates, inst.Host, inst.Port))
	if err := in.repo.AddInstance(ctx, target); err != nil {
		return NoOp(), err
	}

	delta := in.dist.LocateAndAssignDistribution([]model.Target{target}, in.repo.Snapshot())
	if err := in.repo.MergeDistribution(ctx, delta); err != nil {
		return NoOp(), err
	}
	return Redistributed(delta), nil
}

func (in *Interpreter) handleTerminate(ctx context.Context, ev CloudEvent) (Action, error) {
	snap := in.repo.Snapshot()
	id := ev.InstanceID

	if _, isFlask := snap.Flasks[model.FlaskId(id)]; isFlask {
		return in.terminateFlask(ctx, model.FlaskId(id))
	}
	if _, isTarget := snap.Targets[model.TargetId(id)]; isTarget {
		return in.terminateTarget(ctx, snap, model.TargetId(id))
	}
	// Unknown id: either never tracked, or already removed by a prior
	// (possibly redelivered) Terminate. Idempotent no-op either way.
	return NoOp(), nil
}

func (in *Interpreter) terminateFlask(ctx context.Context, id model.FlaskId) (Action, error) {
	held, err := in.repo.DecreaseCapacity(ctx, id)
	if err != nil {
		return NoOp(), err
	}
	if len(held) == 0 {
		return Redistributed(map[model.FlaskId][]model.Target{}), nil
	}

	delta := in.dist.LocateAndAssignDistribution(held, in.repo.Snapshot())
	if len(delta) > 0 {
		if err := in.repo.MergeDistribution(ctx, delta); err != nil {
			return NoOp(), err
		}
	}
	// Empty delta here means no Active flasks remain: held targets stay
	// in the unassigned pool (repository.DecreaseCapacity already put
	// them there), per §4.4's edge case.
	return Redistributed(delta), nil
}

func (in *Interpreter) terminateTarget(ctx context.Context, snap *repository.Snapshot, id model.TargetId) (Action, error) {
	owner, hasOwner := snap.TargetOwner[id]
	if err := in.repo.RemoveInstance(ctx, id); err != nil {
		return NoOp(), err
	}
	if hasOwner {
		if err := in.dist.DropTarget(ctx, owner, id); err != nil {
			in.log.Warn("failed to notify flask to drop target", zap.String("flask", string(owner)), zap.String("target", string(id)), zap.Error(err))
		}
	}
	return NoOp(), nil
}

// ForceRedistribute implements adminhttp.Rebalancer: re-runs placement over
// every currently unassigned target, for POST /distribute (§6). A no-op
// when every target is already owned.
func (in *Interpreter) ForceRedistribute(ctx context.Context) error {
	unassigned := in.repo.UnassignedTargets()
	if len(unassigned) == 0 {
		return nil
	}
	delta := in.dist.LocateAndAssignDistribution(unassigned, in.repo.Snapshot())
	if len(delta) == 0 {
		return nil
	}
	if err := in.repo.MergeDistribution(ctx, delta); err != nil {
		return err
	}
	in.sink(ctx, Redistributed(delta))
	return nil
}

func buildURIs(templates []string, host string, port int) []string {
	loc := model.Location{ResourceTemplates: templates}
	return loc.ResourceURIs(host, port)
}

var _ Distributor = (*sharding.Engine)(nil)
