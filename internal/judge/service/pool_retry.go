package service

import (
	"context"
	"strconv"
	"time"

	"arbiter/internal/common/mq"
	appErr "arbiter/pkg/errors"
)

const (
	poolRetryHeader = "x-pool-retry"
	maxPoolRetries  = 10
	basePoolBackoff = 500 * time.Millisecond
	maxPoolBackoff  = 30 * time.Second
)

// ParsePoolRetryCount reads how many times a job has been requeued
// because all worker slots were busy.
func ParsePoolRetryCount(msg *mq.Message) int {
	raw, ok := msg.GetHeader(poolRetryHeader)
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// CloneMessageForRetry copies a message for republication with the
// pool-retry counter incremented. Handler retry counters are reset:
// pool pressure is backpressure, not a processing failure.
func CloneMessageForRetry(msg *mq.Message) *mq.Message {
	clone := mq.NewMessage(msg.Body)
	clone.ID = msg.ID
	clone.Priority = msg.Priority
	clone.MaxRetries = msg.MaxRetries
	clone.Expiration = msg.Expiration
	for k, v := range msg.Headers {
		clone.SetHeader(k, v)
	}
	clone.SetHeader(poolRetryHeader, strconv.Itoa(ParsePoolRetryCount(msg)+1))
	return clone
}

// ComputePoolBackoff returns the exponential delay before a requeued
// job is republished, capped at maxPoolBackoff.
func ComputePoolBackoff(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	backoff := basePoolBackoff << uint(retryCount)
	if backoff <= 0 || backoff > maxPoolBackoff {
		return maxPoolBackoff
	}
	return backoff
}

// RequeueForPoolFull republishes a job after backoff when no worker
// slot freed up in time. After maxPoolRetries the job is rejected so
// the retry/dead-letter path takes over.
func RequeueForPoolFull(ctx context.Context, producer mq.Producer, topic string, msg *mq.Message) error {
	retries := ParsePoolRetryCount(msg)
	if retries >= maxPoolRetries {
		return appErr.Newf(appErr.JudgeQueueFull, "job %s exceeded %d pool retries", msg.ID, maxPoolRetries)
	}

	select {
	case <-time.After(ComputePoolBackoff(retries)):
	case <-ctx.Done():
		return appErr.Wrapf(ctx.Err(), appErr.Timeout, "requeue wait cancelled")
	}

	clone := CloneMessageForRetry(msg)
	if err := producer.Publish(ctx, topic, clone); err != nil {
		return appErr.Wrapf(err, appErr.ServiceUnavailable, "requeue job %s failed", msg.ID)
	}
	return nil
}
