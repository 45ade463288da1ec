// Package fleet nudges the flask ASG's desired capacity in response to
// fleet-health signals the Investigator and Lifecycle interpreter surface,
// keeping the pool of Active flasks above a configured floor.
package fleet

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/applicationautoscaling"
	"github.com/aws/aws-sdk-go-v2/service/applicationautoscaling/types"
	"go.uber.org/zap"

	"github.com/chemist-sh/chemist/internal/repository"
)

// Resource identifies the flask ASG as an Application Auto Scaling
// scalable target, per §6's "flasks.<id>" deployment, scoped by name.
type Resource struct {
	ResourceID        string // e.g. "autoScalingGroup/chemist-flasks"
	ScalableDimension types.ScalableDimension
	ServiceNamespace  types.ServiceNamespace
}

// Capacitor watches Active flask count and raises the ASG's desired
// capacity when it falls below Floor, using the Application Auto Scaling
// client against the flask ASG's scalable target.
type Capacitor struct {
	client   *applicationautoscaling.Client
	repo     *repository.Repository
	resource Resource
	floor    int
	log      *zap.Logger
}

// NewCapacitor builds a Capacitor. floor is the minimum number of Active
// flasks Chemist tries to maintain.
func NewCapacitor(cfg aws.Config, repo *repository.Repository, resource Resource, floor int, log *zap.Logger) *Capacitor {
	if resource.ServiceNamespace == "" {
		resource.ServiceNamespace = types.ServiceNamespaceAutoscaling
	}
	if resource.ScalableDimension == "" {
		resource.ScalableDimension = types.ScalableDimensionAutoscalingAutoScalingGroupDesiredCapacity
	}
	return &Capacitor{
		client:   applicationautoscaling.NewFromConfig(cfg),
		repo:     repo,
		resource: resource,
		floor:    floor,
		log:      log,
	}
}

// EnsureFloor checks the current Active flask count and, if it has fallen
// below the configured floor, re-registers the scalable target with its
// minimum capacity raised to the floor. Called after the synthesized
// Terminate that follows investigation exhaustion (see app.terminateSink).
func (c *Capacitor) EnsureFloor(ctx context.Context) error {
	active := len(c.repo.Snapshot().ActiveFlasks())
	if active >= c.floor {
		return nil
	}

	desc, err := c.client.DescribeScalableTargets(ctx, &applicationautoscaling.DescribeScalableTargetsInput{
		ServiceNamespace: c.resource.ServiceNamespace,
		ResourceIds:      []string{c.resource.ResourceID},
	})
	if err != nil {
		return fmt.Errorf("describe scalable target %s: %w", c.resource.ResourceID, err)
	}
	if len(desc.ScalableTargets) == 0 {
		return fmt.Errorf("scalable target %s not registered", c.resource.ResourceID)
	}
	current := desc.ScalableTargets[0]
	if current.MaxCapacity != nil && int(*current.MaxCapacity) < c.floor {
		c.log.Warn("flask ASG max capacity below configured floor, leaving untouched",
			zap.Int("floor", c.floor), zap.Int64("max", int64(*current.MaxCapacity)))
		return nil
	}

	_, err = c.client.RegisterScalableTarget(ctx, &applicationautoscaling.RegisterScalableTargetInput{
		ServiceNamespace:  c.resource.ServiceNamespace,
		ResourceId:        aws.String(c.resource.ResourceID),
		ScalableDimension: c.resource.ScalableDimension,
		MinCapacity:       aws.Int32(int32(c.floor)),
	})
	if err != nil {
		return fmt.Errorf("raise flask ASG min capacity to %d: %w", c.floor, err)
	}
	c.log.Info("raised flask ASG capacity floor", zap.Int("floor", c.floor), zap.Int("activeFlasks", active))
	return nil
}
