package model

import (
	"database/sql"
	"time"

	"arbiter/internal/judge/sandbox/result"
)

// Submission is the durable record other subsystems read from.
type Submission struct {
	ID          string
	UserID      string
	ProblemID   string
	ContestID   sql.NullString
	Language    string
	Code        string
	Status      result.JudgeStatus
	Verdict     sql.NullString
	ExecutionMs int64
	MemoryKB    int64
	Score       int
	TestsPassed int
	TestsTotal  int
	ErrorMsg    sql.NullString
	SubmittedAt time.Time
	JudgedAt    sql.NullTime
}

// IsTerminal reports whether the submission has reached a final state.
func (s *Submission) IsTerminal() bool {
	return s.Status == result.StatusFinished || s.Status == result.StatusFailed
}

// ResultEvent is published once per terminal verdict. The persisted
// record is authoritative; event delivery is best effort.
type ResultEvent struct {
	SubmissionID string `json:"submission_id"`
	ProblemID    string `json:"problem_id"`
	ContestID    string `json:"contest_id,omitempty"`
	UserID       string `json:"user_id"`
	Status       string `json:"status"`
	Verdict      string `json:"verdict"`
	ExecutionMs  int64  `json:"execution_time_ms"`
	MemoryKB     int64  `json:"memory_kb"`
	Score        int    `json:"score"`
	TestsPassed  int    `json:"tests_passed"`
	TestsTotal   int    `json:"tests_total"`
	ErrorMessage string `json:"error_message,omitempty"`
	JudgedAt     int64  `json:"judged_at"`
}

// TerminalResult is what the worker hands to the result sink.
type TerminalResult struct {
	SubmissionID string
	ProblemID    string
	ContestID    string
	UserID       string
	Status       result.JudgeStatus
	Verdict      result.Verdict
	ExecutionMs  int64
	MemoryKB     int64
	Score        int
	TestsPassed  int
	TestsTotal   int
	ErrorMessage string
	SubmittedAt  time.Time
	JudgedAt     time.Time
}
