package service

import (
	"context"
	"testing"
	"time"

	"arbiter/internal/common/mq"
	appErr "arbiter/pkg/errors"
)

type capturingProducer struct {
	topic    string
	messages []*mq.Message
	err      error
}

func (p *capturingProducer) Publish(ctx context.Context, topic string, msg *mq.Message) error {
	if p.err != nil {
		return p.err
	}
	p.topic = topic
	p.messages = append(p.messages, msg)
	return nil
}

func (p *capturingProducer) PublishBatch(ctx context.Context, topic string, msgs []*mq.Message) error {
	for _, m := range msgs {
		if err := p.Publish(ctx, topic, m); err != nil {
			return err
		}
	}
	return nil
}

func TestParsePoolRetryCount(t *testing.T) {
	t.Parallel()

	msg := mq.NewMessage([]byte("{}"))
	if got := ParsePoolRetryCount(msg); got != 0 {
		t.Fatalf("fresh message count = %d, want 0", got)
	}

	msg.SetHeader(poolRetryHeader, "3")
	if got := ParsePoolRetryCount(msg); got != 3 {
		t.Fatalf("count = %d, want 3", got)
	}

	msg.SetHeader(poolRetryHeader, "garbage")
	if got := ParsePoolRetryCount(msg); got != 0 {
		t.Fatalf("garbage header count = %d, want 0", got)
	}
}

func TestCloneMessageForRetry(t *testing.T) {
	t.Parallel()

	msg := mq.NewMessage([]byte(`{"submission_id":"sub-1"}`))
	msg.ID = "m-1"
	msg.Priority = 2
	msg.SetHeader("submission-id", "sub-1")
	msg.SetHeader(poolRetryHeader, "1")
	msg.RetryCount = 2

	clone := CloneMessageForRetry(msg)
	if string(clone.Body) != string(msg.Body) || clone.ID != "m-1" || clone.Priority != 2 {
		t.Fatalf("clone lost identity: %+v", clone)
	}
	if got := ParsePoolRetryCount(clone); got != 2 {
		t.Fatalf("clone pool retries = %d, want 2", got)
	}
	if clone.RetryCount != 0 {
		t.Fatalf("clone handler retries = %d, want reset to 0", clone.RetryCount)
	}
	if v, _ := clone.GetHeader("submission-id"); v != "sub-1" {
		t.Fatalf("clone dropped headers")
	}
}

func TestComputePoolBackoff(t *testing.T) {
	t.Parallel()

	if got := ComputePoolBackoff(0); got != basePoolBackoff {
		t.Fatalf("backoff(0) = %v, want %v", got, basePoolBackoff)
	}
	if got := ComputePoolBackoff(2); got != 4*basePoolBackoff {
		t.Fatalf("backoff(2) = %v, want %v", got, 4*basePoolBackoff)
	}
	if got := ComputePoolBackoff(50); got != maxPoolBackoff {
		t.Fatalf("backoff(50) = %v, want cap %v", got, maxPoolBackoff)
	}
	if got := ComputePoolBackoff(-1); got != basePoolBackoff {
		t.Fatalf("backoff(-1) = %v, want %v", got, basePoolBackoff)
	}
}

func TestRequeueForPoolFull(t *testing.T) {
	t.Parallel()

	producer := &capturingProducer{}
	msg := mq.NewMessage([]byte("{}"))
	msg.ID = "m-1"

	if err := RequeueForPoolFull(context.Background(), producer, "judge.jobs", msg); err != nil {
		t.Fatalf("RequeueForPoolFull() error = %v", err)
	}
	if producer.topic != "judge.jobs" || len(producer.messages) != 1 {
		t.Fatalf("message not republished")
	}
	if got := ParsePoolRetryCount(producer.messages[0]); got != 1 {
		t.Fatalf("republished pool retries = %d, want 1", got)
	}
}

func TestRequeueForPoolFullExhausted(t *testing.T) {
	t.Parallel()

	msg := mq.NewMessage([]byte("{}"))
	msg.SetHeader(poolRetryHeader, "10")

	err := RequeueForPoolFull(context.Background(), &capturingProducer{}, "judge.jobs", msg)
	if appErr.GetCode(err) != appErr.JudgeQueueFull {
		t.Fatalf("error code = %d, want JudgeQueueFull", appErr.GetCode(err))
	}
}

func TestRequeueForPoolFullCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	msg := mq.NewMessage([]byte("{}"))
	msg.SetHeader(poolRetryHeader, "5") // long backoff, ctx wins
	if err := RequeueForPoolFull(ctx, &capturingProducer{}, "judge.jobs", msg); err == nil {
		t.Fatalf("RequeueForPoolFull() ignored cancellation")
	}
}
