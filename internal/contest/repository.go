package contest

import (
	"context"

	"arbiter/internal/common/db"
	appErr "arbiter/pkg/errors"
)

// Repository persists contest scoring state. Methods take a Querier so
// the scorer can run inside the result sink's transaction.
type Repository interface {
	GetContest(ctx context.Context, q db.Querier, contestID string) (Contest, error)
	GetProblemStateForUpdate(ctx context.Context, q db.Querier, contestID, userID, problemID string) (ProblemState, error)
	SaveProblemState(ctx context.Context, q db.Querier, state ProblemState) error
	ApplyParticipantDelta(ctx context.Context, q db.Querier, contestID, userID string, scoreDelta, penaltyDelta int) error
	ListParticipants(ctx context.Context, q db.Querier, contestID string) ([]Participant, error)
	SaveRanks(ctx context.Context, q db.Querier, participants []Participant) error
}

// MySQLRepository implements Repository over the shared database layer.
type MySQLRepository struct{}

var _ Repository = (*MySQLRepository)(nil)

func NewMySQLRepository() *MySQLRepository {
	return &MySQLRepository{}
}

func (r *MySQLRepository) GetContest(ctx context.Context, q db.Querier, contestID string) (Contest, error) {
	row := q.QueryRow(ctx,
		`SELECT id, start_at, end_at, penalty_per_wrong FROM contests WHERE id = ?`, contestID)

	var c Contest
	if err := row.Scan(&c.ID, &c.StartAt, &c.EndAt, &c.PenaltyPerWrong); err != nil {
		if db.IsNoRows(err) {
			return Contest{}, appErr.Newf(appErr.ContestNotFound, "contest %s not found", contestID)
		}
		return Contest{}, appErr.Wrapf(err, appErr.DatabaseError, "load contest failed")
	}
	return c, nil
}

// GetProblemStateForUpdate row-locks the participant's state on one
// problem, serializing concurrent scoring for the same (user, problem).
// A missing row returns a zero-attempt state.
func (r *MySQLRepository) GetProblemStateForUpdate(ctx context.Context, q db.Querier, contestID, userID, problemID string) (ProblemState, error) {
	row := q.QueryRow(ctx,
		`SELECT contest_id, user_id, problem_id, solved, wrong_attempts, solved_at
		 FROM contest_problem_state
		 WHERE contest_id = ? AND user_id = ? AND problem_id = ?
		 FOR UPDATE`, contestID, userID, problemID)

	var state ProblemState
	err := row.Scan(&state.ContestID, &state.UserID, &state.ProblemID,
		&state.Solved, &state.WrongAttempts, &state.SolvedAt)
	if err != nil {
		if db.IsNoRows(err) {
			return ProblemState{ContestID: contestID, UserID: userID, ProblemID: problemID}, nil
		}
		return ProblemState{}, appErr.Wrapf(err, appErr.DatabaseError, "load problem state failed")
	}
	return state, nil
}

func (r *MySQLRepository) SaveProblemState(ctx context.Context, q db.Querier, state ProblemState) error {
	_, err := q.Exec(ctx,
		`INSERT INTO contest_problem_state
			(contest_id, user_id, problem_id, solved, wrong_attempts, solved_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON DUPLICATE KEY UPDATE
			solved = VALUES(solved),
			wrong_attempts = VALUES(wrong_attempts),
			solved_at = VALUES(solved_at)`,
		state.ContestID, state.UserID, state.ProblemID,
		state.Solved, state.WrongAttempts, state.SolvedAt)
	if err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "save problem state failed")
	}
	return nil
}

func (r *MySQLRepository) ApplyParticipantDelta(ctx context.Context, q db.Querier, contestID, userID string, scoreDelta, penaltyDelta int) error {
	_, err := q.Exec(ctx,
		`INSERT INTO contest_participants (contest_id, user_id, score, penalty_minutes, rank_cached)
		 VALUES (?, ?, ?, ?, 0)
		 ON DUPLICATE KEY UPDATE
			score = score + VALUES(score),
			penalty_minutes = penalty_minutes + VALUES(penalty_minutes)`,
		contestID, userID, scoreDelta, penaltyDelta)
	if err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "update participant failed")
	}
	return nil
}

// ListParticipants returns participants ordered by score descending,
// penalty ascending, user id as a stable final tiebreak.
func (r *MySQLRepository) ListParticipants(ctx context.Context, q db.Querier, contestID string) ([]Participant, error) {
	rows, err := q.Query(ctx,
		`SELECT contest_id, user_id, score, penalty_minutes, rank_cached
		 FROM contest_participants
		 WHERE contest_id = ?
		 ORDER BY score DESC, penalty_minutes ASC, user_id ASC`, contestID)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "list participants failed")
	}
	defer rows.Close()

	var participants []Participant
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.ContestID, &p.UserID, &p.Score, &p.PenaltyMinutes, &p.Rank); err != nil {
			return nil, appErr.Wrapf(err, appErr.DatabaseError, "scan participant failed")
		}
		participants = append(participants, p)
	}
	if err := rows.Err(); err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "iterate participants failed")
	}
	return participants, nil
}

func (r *MySQLRepository) SaveRanks(ctx context.Context, q db.Querier, participants []Participant) error {
	for _, p := range participants {
		_, err := q.Exec(ctx,
			`UPDATE contest_participants SET rank_cached = ?
			 WHERE contest_id = ? AND user_id = ?`,
			p.Rank, p.ContestID, p.UserID)
		if err != nil {
			return appErr.Wrapf(err, appErr.DatabaseError, "save rank failed")
		}
	}
	return nil
}
