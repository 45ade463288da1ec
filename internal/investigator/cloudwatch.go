package investigator

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"github.com/chemist-sh/chemist/internal/chemerr"
	"github.com/chemist-sh/chemist/internal/model"
)

// CloudWatchProber folds the flask instance's StatusCheckFailed alarm
// into the probe decision as a secondary signal alongside the primary
// HTTP health check: if CloudWatch itself reports a failed status check
// in the last evaluation period, the probe is treated as failed even if
// the HTTP request happens to succeed (e.g. a flask wedged behind a
// reverse proxy that still answers health checks).
//
// Grounded on internal/aws/dynamodb.go's CWClient field, which wires a
// cloudwatch.Client alongside a resource-specific AWS client for exactly
// this kind of secondary-metric read.
type CloudWatchProber struct {
	primary Prober
	cw      *cloudwatch.Client
}

// NewCloudWatchProber wraps a primary Prober with the CloudWatch signal.
func NewCloudWatchProber(primary Prober, cfg aws.Config) *CloudWatchProber {
	return &CloudWatchProber{primary: primary, cw: cloudwatch.NewFromConfig(cfg)}
}

// Probe implements Prober.
func (p *CloudWatchProber) Probe(ctx context.Context, f model.Flask) error {
	if err := p.primary.Probe(ctx, f); err != nil {
		return err
	}

	failed, err := p.statusCheckFailed(ctx, string(f.ID))
	if err != nil {
		// CloudWatch being unreachable must not block recovery on the
		// primary HTTP signal; only the primary check gates success.
		return nil
	}
	if failed {
		return fmt.Errorf("%w: cloudwatch reports failed status check for %s", chemerr.ErrFlaskUnreachable, f.ID)
	}
	return nil
}

func (p *CloudWatchProber) statusCheckFailed(ctx context.Context, instanceID string) (bool, error) {
	now := time.Now()
	out, err := p.cw.GetMetricData(ctx, &cloudwatch.GetMetricDataInput{
		StartTime: aws.Time(now.Add(-5 * time.Minute)),
		EndTime:   aws.Time(now),
		MetricDataQueries: []types.MetricDataQuery{
			{
				Id: aws.String("statusCheckFailed"),
				MetricStat: &types.MetricStat{
					Metric: &types.Metric{
						Namespace:  aws.String("AWS/EC2"),
						MetricName: aws.String("StatusCheckFailed"),
						Dimensions: []types.Dimension{
							{Name: aws.String("InstanceId"), Value: aws.String(instanceID)},
						},
					},
					Period: aws.Int32(60),
					Stat:   aws.String("Maximum"),
				},
			},
		},
	})
	if err != nil {
		return false, err
	}
	for _, res := range out.MetricDataResults {
		for _, v := range res.Values {
			if v >= 1 {
				return true, nil
			}
		}
	}
	return false, nil
}
