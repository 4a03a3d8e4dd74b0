// Package repository persists judge pipeline state: live status
// snapshots in redis, terminal results in MySQL, events on Kafka.
package repository

import (
	"context"
	"strconv"
	"time"

	"arbiter/internal/common/cache"
	"arbiter/internal/judge/sandbox"
	"arbiter/internal/judge/sandbox/result"
	appErr "arbiter/pkg/errors"
	"arbiter/pkg/utils/logger"
	"go.uber.org/zap"
)

const statusTTL = 30 * time.Minute

func statusKey(submissionID string) string {
	return "judge:status:" + submissionID
}

// StatusRepository keeps a live progress snapshot per submission so the
// read API can poll while judging is in flight. Writes are best effort.
type StatusRepository struct {
	cache cache.Cache
}

var _ sandbox.StatusReporter = (*StatusRepository)(nil)

func NewStatusRepository(c cache.Cache) *StatusRepository {
	return &StatusRepository{cache: c}
}

func (r *StatusRepository) Report(ctx context.Context, update sandbox.StatusUpdate) {
	if update.SubmissionID == "" {
		return
	}
	fields := map[string]interface{}{
		"status":      string(update.Status),
		"language":    update.Language,
		"total_tests": update.TotalTests,
		"done_tests":  update.DoneTests,
		"received_at": update.ReceivedAt,
		"finished_at": update.FinishedAt,
	}
	key := statusKey(update.SubmissionID)
	if err := r.cache.HMSet(ctx, key, fields); err != nil {
		logger.Warn(ctx, "write status snapshot failed",
			zap.String("submission_id", update.SubmissionID), zap.Error(err))
		return
	}
	if err := r.cache.Expire(ctx, key, cache.JitterTTL(statusTTL)); err != nil {
		logger.Warn(ctx, "expire status snapshot failed",
			zap.String("submission_id", update.SubmissionID), zap.Error(err))
	}
}

// Get returns the latest snapshot for a submission.
func (r *StatusRepository) Get(ctx context.Context, submissionID string) (sandbox.StatusUpdate, error) {
	fields, err := r.cache.HGetAll(ctx, statusKey(submissionID))
	if err != nil {
		return sandbox.StatusUpdate{}, appErr.Wrapf(err, appErr.CacheError, "read status snapshot failed")
	}
	if len(fields) == 0 {
		return sandbox.StatusUpdate{}, appErr.Newf(appErr.SubmissionNotFound, "no status for submission %s", submissionID)
	}
	return sandbox.StatusUpdate{
		SubmissionID: submissionID,
		Status:       result.JudgeStatus(fields["status"]),
		Language:     fields["language"],
		TotalTests:   atoiField(fields, "total_tests"),
		DoneTests:    atoiField(fields, "done_tests"),
		ReceivedAt:   atoi64Field(fields, "received_at"),
		FinishedAt:   atoi64Field(fields, "finished_at"),
	}, nil
}

// Delete removes the snapshot once the durable record exists.
func (r *StatusRepository) Delete(ctx context.Context, submissionID string) {
	if err := r.cache.Del(ctx, statusKey(submissionID)); err != nil {
		logger.Warn(ctx, "delete status snapshot failed",
			zap.String("submission_id", submissionID), zap.Error(err))
	}
}

func atoiField(fields map[string]string, name string) int {
	n, err := strconv.Atoi(fields[name])
	if err != nil {
		return 0
	}
	return n
}

func atoi64Field(fields map[string]string, name string) int64 {
	n, err := strconv.ParseInt(fields[name], 10, 64)
	if err != nil {
		return 0
	}
	return n
}
