// Package sandbox orchestrates compilation, execution and grading
// of a single submission on one judge node.
package sandbox

import (
	"context"

	"arbiter/internal/judge/checker"
	"arbiter/internal/judge/sandbox/result"
	"arbiter/internal/judge/sandbox/runner"
	"arbiter/internal/judge/sandbox/spec"
)

// GradingPolicy controls how testcases contribute to the final verdict.
type GradingPolicy string

const (
	// GradeAllOrNothing stops at the first failing test; the submission
	// scores full marks only when every test is accepted.
	GradeAllOrNothing GradingPolicy = "all_or_nothing"
	// GradePerTest runs every test and sums the points of accepted ones.
	GradePerTest GradingPolicy = "per_test"
)

// Service executes a judge request end to end.
type Service interface {
	Execute(ctx context.Context, req JudgeRequest) (result.JudgeResult, error)
	Cancel(ctx context.Context, submissionID string) error
}

// TestcaseSpec describes one testcase on local disk.
type TestcaseSpec struct {
	ID         string
	InputPath  string
	AnswerPath string
	Score      int
	SubtaskID  string
}

// SubtaskSpec groups testcases; the subtask scores only when all its
// tests are accepted.
type SubtaskSpec struct {
	ID      string
	Score   int
	TestIDs []string
}

// CheckerSpec configures an external special judge binary. When absent
// the output is compared in-process.
type CheckerSpec struct {
	BinaryPath string
	Args       []string
	Env        []string
	Limits     spec.ResourceLimit
}

// JudgeRequest carries everything needed to judge one submission.
type JudgeRequest struct {
	SubmissionID string
	ProblemID    string
	ContestID    string
	UserID       string
	Language     string
	SourcePath   string
	WorkRoot     string
	Priority     int
	ReceivedAt   int64

	GradingPolicy  GradingPolicy
	IOConfig       runner.IOConfig
	Limits         spec.ResourceLimit
	CheckerMode    checker.Mode
	CheckerEpsilon float64
	Checker        *CheckerSpec

	ExtraCompileFlags []string

	Tests    []TestcaseSpec
	Subtasks []SubtaskSpec
}
