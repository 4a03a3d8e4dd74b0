package repository

import (
	"context"
	"encoding/json"

	"arbiter/internal/common/mq"
	"arbiter/internal/judge/model"
	appErr "arbiter/pkg/errors"
)

// EventPublisher emits status-change events for terminal verdicts.
// Delivery is best effort; the persisted submission is authoritative.
type EventPublisher interface {
	PublishResult(ctx context.Context, event model.ResultEvent) error
}

// NoopEventPublisher discards events.
type NoopEventPublisher struct{}

func (NoopEventPublisher) PublishResult(ctx context.Context, event model.ResultEvent) error {
	return nil
}

// KafkaEventPublisher publishes result events to a Kafka topic keyed by
// submission id.
type KafkaEventPublisher struct {
	producer mq.Producer
	topic    string
}

var _ EventPublisher = (*KafkaEventPublisher)(nil)

func NewKafkaEventPublisher(producer mq.Producer, topic string) *KafkaEventPublisher {
	return &KafkaEventPublisher{producer: producer, topic: topic}
}

func (p *KafkaEventPublisher) PublishResult(ctx context.Context, event model.ResultEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return appErr.Wrapf(err, appErr.InternalServerError, "marshal result event failed")
	}
	msg := mq.NewMessage(body)
	msg.ID = event.SubmissionID
	msg.SetHeader("event-type", "submission.result")
	msg.SetHeader("submission-id", event.SubmissionID)
	if err := p.producer.Publish(ctx, p.topic, msg); err != nil {
		return appErr.Wrapf(err, appErr.ServiceUnavailable, "publish result event failed")
	}
	return nil
}
