// Package model defines the judge pipeline's persisted and wire types.
package model

import (
	"arbiter/internal/judge/checker"
	"arbiter/internal/judge/sandbox"
	appErr "arbiter/pkg/errors"
)

// TestCaseRef points at one test case inside the problem's data pack.
type TestCaseRef struct {
	ID         string `json:"id"`
	InputFile  string `json:"input_file"`
	AnswerFile string `json:"answer_file"`
	Score      int    `json:"score"`
	SubtaskID  string `json:"subtask_id,omitempty"`
	Sample     bool   `json:"sample,omitempty"`
}

// JudgeJob is the queue message produced at submission intake. The job
// carries either the inline source snapshot or an object-storage key
// plus digest for larger sources.
type JudgeJob struct {
	SubmissionID string `json:"submission_id"`
	ProblemID    string `json:"problem_id"`
	ContestID    string `json:"contest_id,omitempty"`
	UserID       string `json:"user_id"`
	Language     string `json:"language"`

	SourceCode   string `json:"source_code,omitempty"`
	SourceObject string `json:"source_object,omitempty"`
	SourceSHA256 string `json:"source_sha256,omitempty"`

	TimeLimitMs   int64 `json:"time_limit_ms"`
	MemoryLimitMB int64 `json:"memory_limit_mb"`

	TestCaseRefs []TestCaseRef `json:"test_case_refs"`

	Priority    int   `json:"priority,omitempty"`
	SubmittedAt int64 `json:"submitted_at"`
}

// Validate rejects malformed jobs at dequeue time, before a worker
// slot is consumed.
func (j *JudgeJob) Validate() error {
	if j.SubmissionID == "" {
		return appErr.New(appErr.MalformedJob).WithMessage("job is missing submission id")
	}
	if j.ProblemID == "" {
		return appErr.New(appErr.MalformedJob).WithMessage("job is missing problem id")
	}
	if j.Language == "" {
		return appErr.New(appErr.MalformedJob).WithMessage("job is missing language")
	}
	if j.SourceCode == "" && j.SourceObject == "" {
		return appErr.New(appErr.MalformedJob).WithMessage("job carries no source code")
	}
	if len(j.TestCaseRefs) == 0 {
		return appErr.New(appErr.MalformedJob).WithMessage("job has no test cases")
	}
	if j.TimeLimitMs <= 0 || j.MemoryLimitMB <= 0 {
		return appErr.New(appErr.MalformedJob).WithMessage("job limits must be positive")
	}
	return nil
}

// SubtaskRef groups test cases for subtask grading.
type SubtaskRef struct {
	ID      string   `json:"id"`
	Score   int      `json:"score"`
	TestIDs []string `json:"test_ids"`
}

// ProblemManifest is the judge-facing view of a problem, stored as
// manifest.json at the root of the problem's data pack.
type ProblemManifest struct {
	ProblemID     string                `json:"problem_id"`
	Version       string                `json:"version"`
	TimeLimitMs   int64                 `json:"time_limit_ms"`
	MemoryLimitMB int64                 `json:"memory_limit_mb"`
	GradingPolicy sandbox.GradingPolicy `json:"grading_policy"`

	IOMode         string  `json:"io_mode,omitempty"`
	InputFileName  string  `json:"input_file_name,omitempty"`
	OutputFileName string  `json:"output_file_name,omitempty"`
	CheckerMode    string  `json:"checker_mode,omitempty"`
	CheckerEpsilon float64 `json:"checker_epsilon,omitempty"`
	CheckerBinary  string  `json:"checker_binary,omitempty"`

	Tests    []TestCaseRef `json:"tests"`
	Subtasks []SubtaskRef  `json:"subtasks,omitempty"`
}

// Validate checks the manifest before judging against it.
func (m *ProblemManifest) Validate() error {
	if m.ProblemID == "" {
		return appErr.New(appErr.ProblemDataMissing).WithMessage("manifest is missing problem id")
	}
	if len(m.Tests) == 0 {
		return appErr.New(appErr.ProblemDataMissing).WithMessage("manifest has no tests")
	}
	switch m.GradingPolicy {
	case "", sandbox.GradeAllOrNothing, sandbox.GradePerTest:
	default:
		return appErr.Newf(appErr.ProblemDataMissing, "manifest has unknown grading policy %q", m.GradingPolicy)
	}
	switch checker.Mode(m.CheckerMode) {
	case "", checker.ModeExact, checker.ModeFloat:
	default:
		return appErr.Newf(appErr.ProblemDataMissing, "manifest has unknown checker mode %q", m.CheckerMode)
	}
	return nil
}
