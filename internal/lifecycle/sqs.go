package lifecycle

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

const longPollSeconds = 20

// SQSQueue is the production Queue backend. Grounded on the
// other_examples mintel-elasticsearch-asg drainer's CloudWatchEventEmitter,
// which pairs sqsiface.ClientAPI with a 20s WaitTimeSeconds long-poll loop;
// that is exactly Chemist's §5 "Suspension points" contract for the
// lifecycle event queue.
type SQSQueue struct {
	client   *sqs.Client
	queueURL string
}

// NewSQSQueue builds a Queue backed by the named SQS queue URL.
func NewSQSQueue(cfg aws.Config, queueURL string) *SQSQueue {
	return &SQSQueue{client: sqs.NewFromConfig(cfg), queueURL: queueURL}
}

type sqsMessage struct {
	client        *sqs.Client
	queueURL      string
	body          []byte
	receiptHandle string
}

func (m *sqsMessage) Body() []byte { return m.body }

func (m *sqsMessage) Delete(ctx context.Context) error {
	_, err := m.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(m.queueURL),
		ReceiptHandle: aws.String(m.receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("deleting sqs message: %w", err)
	}
	return nil
}

// Receive implements Queue.
func (q *SQSQueue) Receive(ctx context.Context) ([]Message, error) {
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.queueURL),
		WaitTimeSeconds:     longPollSeconds,
		MaxNumberOfMessages: 10,
		MessageAttributeNames: []string{"All"},
	})
	if err != nil {
		return nil, fmt.Errorf("receiving sqs messages: %w", err)
	}
	msgs := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		msgs = append(msgs, &sqsMessage{
			client:        q.client,
			queueURL:      q.queueURL,
			body:          []byte(aws.ToString(m.Body)),
			receiptHandle: aws.ToString(m.ReceiptHandle),
		})
	}
	return msgs, nil
}
