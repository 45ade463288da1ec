package repository

import (
	"context"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	"github.com/chemist-sh/chemist/internal/model"
)

// DynamoArchiver mirrors the event ring into a DynamoDB table for
// cross-restart operator inspection. This is a best-effort side channel,
// not the source of truth: it never reads assignments back, only writes
// the already-bounded event log, which operators may want to inspect past
// a process restart.
//
// Construction follows the usual aws-sdk-go-v2 shape: build the client
// from an aws.Config, keep a table name, write with PutItem.
type DynamoArchiver struct {
	client *dynamodb.Client
	table  string
	log    *zap.Logger
}

// NewDynamoArchiver builds an archiver writing to the given table.
func NewDynamoArchiver(cfg aws.Config, table string, log *zap.Logger) *DynamoArchiver {
	return &DynamoArchiver{
		client: dynamodb.NewFromConfig(cfg),
		table:  table,
		log:    log,
	}
}

// Archive writes a single event. Errors are logged, never propagated: a
// failing archive write must never block or fail a Repository mutation.
func (a *DynamoArchiver) Archive(ctx context.Context, e model.Event) {
	item := map[string]types.AttributeValue{
		"instanceId": &types.AttributeValueMemberS{Value: e.InstanceID},
		"timestamp":  &types.AttributeValueMemberN{Value: strconv.FormatInt(e.Timestamp.UnixNano(), 10)},
		"kind":       &types.AttributeValueMemberS{Value: string(e.Kind)},
		"asg":        &types.AttributeValueMemberS{Value: e.ASG},
	}
	_, err := a.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(a.table),
		Item:      item,
	})
	if err != nil {
		a.log.Warn("event archive write failed", zap.Error(err), zap.String("instanceId", e.InstanceID))
	}
}
