package repository

import (
	"context"

	"arbiter/internal/common/db"
	"arbiter/internal/contest"
	"arbiter/internal/judge/model"
	"arbiter/internal/judge/sandbox/result"
	appErr "arbiter/pkg/errors"
	"arbiter/pkg/utils/logger"
	"go.uber.org/zap"
)

// Truncation bound for user-visible compiler/runtime messages.
const maxErrorMessageLen = 4096

// ResultSink durably records terminal verdicts. The submission update
// and contest scoring run in one transaction; the status-change event
// is published only after commit, so a crash can lose the event but
// never the record.
type ResultSink struct {
	database  db.Database
	scorer    *contest.Scorer
	publisher EventPublisher
	status    *StatusRepository
}

// NewResultSink wires the sink. scorer, publisher and status may be nil
// when the deployment runs without contests, events or live status.
func NewResultSink(database db.Database, scorer *contest.Scorer, publisher EventPublisher, status *StatusRepository) *ResultSink {
	if publisher == nil {
		publisher = NoopEventPublisher{}
	}
	return &ResultSink{
		database:  database,
		scorer:    scorer,
		publisher: publisher,
		status:    status,
	}
}

// Record persists one terminal result. A submission already in a
// terminal state is a redelivery: its verdict is set exactly once, so
// the prior record is left untouched and nothing is scored or published
// again.
func (s *ResultSink) Record(ctx context.Context, res model.TerminalResult) error {
	if res.SubmissionID == "" {
		return appErr.ValidationError("submission_id", "required")
	}
	res.ErrorMessage = truncate(res.ErrorMessage, maxErrorMessageLen)

	var (
		duplicate        bool
		standingsChanged bool
	)
	err := s.database.Transaction(ctx, func(tx db.Transaction) error {
		prior, err := lockSubmissionStatus(ctx, tx, res.SubmissionID)
		if err != nil {
			return err
		}
		duplicate = prior == result.StatusFinished || prior == result.StatusFailed
		if duplicate {
			return nil
		}

		if err := updateSubmission(ctx, tx, res); err != nil {
			return err
		}
		if s.scorer == nil {
			return nil
		}
		changed, err := s.scorer.ApplyResult(ctx, tx, res)
		if err != nil {
			return err
		}
		standingsChanged = changed
		return nil
	})
	if err != nil {
		return err
	}

	if duplicate {
		logger.Info(ctx, "duplicate terminal result ignored",
			zap.String("submission_id", res.SubmissionID))
		return nil
	}

	// Post-commit work is best effort.
	if standingsChanged {
		if _, err := s.scorer.RefreshLeaderboard(ctx, s.database, res.ContestID); err != nil {
			logger.Warn(ctx, "leaderboard refresh failed",
				zap.String("contest_id", res.ContestID), zap.Error(err))
		}
	}
	if err := s.publisher.PublishResult(ctx, buildResultEvent(res)); err != nil {
		logger.Warn(ctx, "publish result event failed",
			zap.String("submission_id", res.SubmissionID), zap.Error(err))
	}
	if s.status != nil {
		s.status.Delete(ctx, res.SubmissionID)
	}
	return nil
}

func lockSubmissionStatus(ctx context.Context, q db.Querier, submissionID string) (result.JudgeStatus, error) {
	row := q.QueryRow(ctx, `SELECT status FROM submissions WHERE id = ? FOR UPDATE`, submissionID)
	var status string
	if err := row.Scan(&status); err != nil {
		if db.IsNoRows(err) {
			return "", appErr.Newf(appErr.SubmissionNotFound, "submission %s not found", submissionID)
		}
		return "", appErr.Wrapf(err, appErr.DatabaseError, "lock submission failed")
	}
	return result.JudgeStatus(status), nil
}

func updateSubmission(ctx context.Context, q db.Querier, res model.TerminalResult) error {
	_, err := q.Exec(ctx,
		`UPDATE submissions SET
			status = ?,
			verdict = ?,
			execution_time = ?,
			memory_used = ?,
			score = ?,
			test_cases_passed = ?,
			total_test_cases = ?,
			error_message = ?,
			judged_at = ?
		 WHERE id = ?`,
		string(res.Status),
		string(res.Verdict),
		res.ExecutionMs,
		res.MemoryKB,
		res.Score,
		res.TestsPassed,
		res.TestsTotal,
		nullableString(res.ErrorMessage),
		res.JudgedAt,
		res.SubmissionID)
	if err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "persist verdict failed")
	}
	return nil
}

func buildResultEvent(res model.TerminalResult) model.ResultEvent {
	return model.ResultEvent{
		SubmissionID: res.SubmissionID,
		ProblemID:    res.ProblemID,
		ContestID:    res.ContestID,
		UserID:       res.UserID,
		Status:       string(res.Status),
		Verdict:      string(res.Verdict),
		ExecutionMs:  res.ExecutionMs,
		MemoryKB:     res.MemoryKB,
		Score:        res.Score,
		TestsPassed:  res.TestsPassed,
		TestsTotal:   res.TestsTotal,
		ErrorMessage: res.ErrorMessage,
		JudgedAt:     res.JudgedAt.UnixMilli(),
	}
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
