// Package awsx bootstraps the shared aws.Config used by every AWS-backed
// component: discovery's EC2Adapter, lifecycle's SQSQueue, the
// investigator's CloudWatchProber, repository's DynamoArchiver, fleet's
// ASG capacity nudge.
package awsx

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
)

// Load resolves the process-wide aws.Config from the standard credential
// chain, pinned to region if non-empty.
func Load(ctx context.Context, region string) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return cfg, nil
}
