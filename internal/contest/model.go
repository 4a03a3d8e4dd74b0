// Package contest implements live contest scoring and the leaderboard.
package contest

import (
	"database/sql"
	"time"
)

// Contest is the read-only window and penalty configuration the scorer
// needs. The full contest entity is owned by an external service.
type Contest struct {
	ID              string
	StartAt         time.Time
	EndAt           time.Time
	PenaltyPerWrong int
}

// IsRunning reports whether t falls inside the contest window.
func (c *Contest) IsRunning(t time.Time) bool {
	return !t.Before(c.StartAt) && t.Before(c.EndAt)
}

// Participant carries a user's standing inside one contest. Rank is a
// cached value; the ordering recomputation is the source of truth.
type Participant struct {
	ContestID      string
	UserID         string
	Score          int
	PenaltyMinutes int
	Rank           int
}

// ProblemState tracks one participant's attempts on one problem.
type ProblemState struct {
	ContestID     string
	UserID        string
	ProblemID     string
	Solved        bool
	WrongAttempts int
	SolvedAt      sql.NullTime
}

// LeaderboardEntry is one row of the computed standings.
type LeaderboardEntry struct {
	UserID         string `json:"user_id"`
	Score          int    `json:"score"`
	PenaltyMinutes int    `json:"penalty_minutes"`
	Rank           int    `json:"rank"`
}
