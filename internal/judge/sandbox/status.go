package sandbox

import (
	"context"

	"arbiter/internal/judge/sandbox/result"
)

// StatusUpdate is a point-in-time snapshot of submission progress.
type StatusUpdate struct {
	SubmissionID string             `json:"submission_id"`
	Status       result.JudgeStatus `json:"status"`
	Language     string             `json:"language,omitempty"`
	TotalTests   int                `json:"total_tests,omitempty"`
	DoneTests    int                `json:"done_tests,omitempty"`
	ReceivedAt   int64              `json:"received_at,omitempty"`
	FinishedAt   int64              `json:"finished_at,omitempty"`
}

// StatusReporter publishes progress while a submission is being judged.
// Reporting is best effort; failures must not abort judging.
type StatusReporter interface {
	Report(ctx context.Context, update StatusUpdate)
}

// NoopStatusReporter discards all updates.
type NoopStatusReporter struct{}

func (NoopStatusReporter) Report(ctx context.Context, update StatusUpdate) {}
