package lifecycle

import "context"

// Message is one cloud event queue message, deletable once its action has
// completed (or once it has been recognized as poison).
type Message interface {
	Body() []byte
	Delete(ctx context.Context) error
}

// Queue is the cloud-lifecycle event source. Grounded on the
// mintel-elasticsearch-asg drainer's SQS consume loop (20s long-poll
// ReceiveMessage, explicit DeleteMessage after processing); see
// internal/lifecycle/sqs.go for the concrete implementation.
type Queue interface {
	// Receive long-polls for new messages, blocking up to the queue's
	// configured wait time (20s per §5 "Suspension points").
	Receive(ctx context.Context) ([]Message, error)
}
