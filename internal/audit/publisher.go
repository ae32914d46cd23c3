// Package audit publishes playbook operation events to Kafka so external
// consumers can follow the knowledge base's mutation stream.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/openminer/minerd/internal/playbook"
)

const publishTimeout = 5 * time.Second

// Publisher writes one Kafka message per attempted playbook operation,
// keyed by conversation id so a partition preserves per-conversation order.
// Publishing is best effort: failures are logged and dropped, never
// surfaced to the request that triggered the operation.
type Publisher struct {
	writer *kafka.Writer
}

var _ playbook.EventPublisher = (*Publisher)(nil)

// NewPublisher builds a publisher for the given brokers and topic.
func NewPublisher(brokers []string, topic string) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
			Async:        true,
			BatchTimeout: 100 * time.Millisecond,
		},
	}
}

// PublishOperation emits one event for an attempted operation.
func (p *Publisher) PublishOperation(ctx context.Context, logRow *playbook.OperationLog) {
	payload, err := json.Marshal(logRow)
	if err != nil {
		slog.Error("failed to encode operation event", "cid", logRow.CID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	msg := kafka.Message{
		Key:   []byte(logRow.CID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "operation", Value: []byte(logRow.Operation)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		slog.Error("failed to publish operation event", "cid", logRow.CID, "operation", logRow.Operation, "error", err)
		return
	}
	slog.Debug("published operation event", "cid", logRow.CID, "operation", logRow.Operation, "success", logRow.Success)
}

// Close flushes and closes the underlying writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
