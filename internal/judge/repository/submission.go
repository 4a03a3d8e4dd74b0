package repository

import (
	"context"

	"arbiter/internal/common/db"
	"arbiter/internal/judge/model"
	appErr "arbiter/pkg/errors"
)

// SubmissionRepository reads the durable submission record.
type SubmissionRepository struct {
	database db.Database
}

func NewSubmissionRepository(database db.Database) *SubmissionRepository {
	return &SubmissionRepository{database: database}
}

func (r *SubmissionRepository) Get(ctx context.Context, submissionID string) (model.Submission, error) {
	row := r.database.QueryRow(ctx,
		`SELECT id, user_id, problem_id, contest_id, language, code,
			status, verdict, execution_time, memory_used, score,
			test_cases_passed, total_test_cases, error_message,
			submitted_at, judged_at
		 FROM submissions WHERE id = ?`, submissionID)

	var s model.Submission
	err := row.Scan(
		&s.ID, &s.UserID, &s.ProblemID, &s.ContestID, &s.Language, &s.Code,
		&s.Status, &s.Verdict, &s.ExecutionMs, &s.MemoryKB, &s.Score,
		&s.TestsPassed, &s.TestsTotal, &s.ErrorMsg,
		&s.SubmittedAt, &s.JudgedAt)
	if err != nil {
		if db.IsNoRows(err) {
			return model.Submission{}, appErr.Newf(appErr.SubmissionNotFound, "submission %s not found", submissionID)
		}
		return model.Submission{}, appErr.Wrapf(err, appErr.DatabaseError, "load submission failed")
	}
	return s, nil
}
