//go:build integration

// Package integration exercises the cloud-facing adapters (EC2 discovery,
// SQS lifecycle queue) against a real LocalStack container via
// testcontainers-go.
package integration

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/localstack"
	"go.uber.org/zap"

	"github.com/chemist-sh/chemist/internal/discovery"
	"github.com/chemist-sh/chemist/internal/lifecycle"
)

func TestEC2DiscoveryAndSQSQueue_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	container, err := localstack.RunContainer(ctx,
		testcontainers.WithImage("localstack/localstack:3.0"),
	)
	if err != nil {
		t.Fatalf("failed to start localstack: %v", err)
	}
	defer func() {
		if err := container.Terminate(ctx); err != nil {
			t.Errorf("failed to terminate container: %v", err)
		}
	}()

	endpoint, err := container.PortEndpoint(ctx, "4566/tcp", "")
	if err != nil {
		t.Fatalf("failed to get endpoint: %v", err)
	}

	resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
		return aws.Endpoint{URL: "http://" + endpoint, SigningRegion: "us-east-1"}, nil
	})
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion("us-east-1"),
		config.WithEndpointResolverWithOptions(resolver),
		config.WithCredentialsProvider(aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
			return aws.Credentials{AccessKeyID: "test", SecretAccessKey: "test", SessionToken: "test"}, nil
		})),
	)
	if err != nil {
		t.Fatalf("failed to load sdk config: %v", err)
	}

	ec2Client := ec2.NewFromConfig(cfg)
	runOut, err := ec2Client.RunInstances(ctx, &ec2.RunInstancesInput{
		ImageId:      aws.String("ami-12345678"),
		InstanceType: ec2types.InstanceTypeT2Micro,
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		TagSpecifications: []ec2types.TagSpecification{{
			ResourceType: ec2types.ResourceTypeInstance,
			Tags:         []ec2types.Tag{{Key: aws.String("type"), Value: aws.String("target")}},
		}},
	})
	if err != nil {
		t.Fatalf("failed to seed instance: %v", err)
	}
	instanceID := *runOut.Instances[0].InstanceId

	log := zap.NewNop()
	adapter := discovery.NewEC2Adapter(cfg, 9090, log)

	inst, err := adapter.LookupOne(ctx, instanceID)
	if err != nil {
		t.Fatalf("LookupOne failed: %v", err)
	}
	if inst.IsFlask() {
		t.Error("seeded target instance should not be classified as a flask")
	}

	sqsClient := sqs.NewFromConfig(cfg)
	createOut, err := sqsClient.CreateQueue(ctx, &sqs.CreateQueueInput{QueueName: aws.String("chemist-lifecycle")})
	if err != nil {
		t.Fatalf("failed to create queue: %v", err)
	}
	queueURL := *createOut.QueueUrl

	body := `{"kind":"Launch","instanceId":"` + instanceID + `","asgName":"chemist-targets","time":"` + time.Now().UTC().Format(time.RFC3339) + `"}`
	if _, err := sqsClient.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(queueURL),
		MessageBody: aws.String(body),
	}); err != nil {
		t.Fatalf("failed to seed queue message: %v", err)
	}

	queue := lifecycle.NewSQSQueue(cfg, queueURL)
	msgs, err := queue.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if err := msgs[0].Delete(ctx); err != nil {
		t.Errorf("Delete failed: %v", err)
	}
}
