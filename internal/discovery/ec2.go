package discovery

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"go.uber.org/zap"

	"github.com/chemist-sh/chemist/internal/chemerr"
)

// EC2Adapter is the primary Discovery adapter backend: it resolves an
// instance id via EC2 DescribeInstances and falls back to the Auto Scaling
// API for the owning ASG name when the caller (typically the lifecycle
// event itself) doesn't already know it.
//
// Grounded on internal/aws/ec2.go's EC2Scanner (paginated
// DescribeInstances, aws.Config-based client construction) generalized
// from graph-node emission to Instance lookup by id, and on the
// autoscaling/sqs pairing in the mintel-elasticsearch-asg drainer example
// for the ASG-fallback role.
type EC2Adapter struct {
	ec2    *ec2.Client
	asg    *autoscaling.Client
	funnel int // default telemetry/admin port for discovered flasks
	log    *zap.Logger
}

// NewEC2Adapter builds an EC2Adapter from an AWS config.
func NewEC2Adapter(cfg aws.Config, funnelPort int, log *zap.Logger) *EC2Adapter {
	return &EC2Adapter{
		ec2:    ec2.NewFromConfig(cfg),
		asg:    autoscaling.NewFromConfig(cfg),
		funnel: funnelPort,
		log:    log,
	}
}

// LookupOne implements Adapter.
func (a *EC2Adapter) LookupOne(ctx context.Context, id string) (Instance, error) {
	out, err := a.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{id},
	})
	if err != nil {
		return Instance{}, fmt.Errorf("describe instances %s: %w", id, err)
	}
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			if inst.InstanceId == nil || *inst.InstanceId != id {
				continue
			}
			return a.toInstance(ctx, inst), nil
		}
	}
	return Instance{}, fmt.Errorf("%w: instance %s", chemerr.ErrNotFound, id)
}

func (a *EC2Adapter) toInstance(ctx context.Context, inst ec2types.Instance) Instance {
	tags := make(map[string]string, len(inst.Tags))
	for _, t := range inst.Tags {
		if t.Key != nil && t.Value != nil {
			tags[*t.Key] = *t.Value
		}
	}

	host := ""
	if inst.PrivateIpAddress != nil {
		host = *inst.PrivateIpAddress
	}

	asgName := tags["aws:autoscaling:groupName"]
	if asgName == "" && inst.InstanceId != nil {
		asgName = a.resolveASG(ctx, *inst.InstanceId)
	}

	return Instance{
		ID:   aws.ToString(inst.InstanceId),
		Tags: tags,
		Host: host,
		Port: a.funnel,
		ASG:  asgName,
	}
}

// resolveASG falls back to the Auto Scaling API when the instance's tags
// don't already carry its group name. Errors are swallowed: an unresolved
// ASG name just means the discovery adapter leaves it blank.
func (a *EC2Adapter) resolveASG(ctx context.Context, instanceID string) string {
	out, err := a.asg.DescribeAutoScalingInstances(ctx, &autoscaling.DescribeAutoScalingInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		a.log.Debug("auto scaling group lookup failed", zap.String("instance", instanceID), zap.Error(err))
		return ""
	}
	for _, d := range out.AutoScalingInstances {
		if d.InstanceId != nil && *d.InstanceId == instanceID && d.AutoScalingGroupName != nil {
			return *d.AutoScalingGroupName
		}
	}
	return ""
}
