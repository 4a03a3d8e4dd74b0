package runner

import (
	"context"

	"arbiter/internal/judge/checker"
	"arbiter/internal/judge/sandbox/profile"
	"arbiter/internal/judge/sandbox/result"
	"arbiter/internal/judge/sandbox/spec"
)

// IOConfig describes how the program reads input and writes output.
type IOConfig struct {
	// Mode is "stdio" or "fileio".
	Mode string
	// InputFileName is required when Mode is "fileio".
	InputFileName string
	// OutputFileName is required when Mode is "fileio".
	OutputFileName string
}

// CompileRequest describes one compilation task.
type CompileRequest struct {
	SubmissionID      string
	Language          profile.LanguageSpec
	Profile           profile.TaskProfile
	WorkDir           string
	SourcePath        string
	ExtraCompileFlags []string
	Limits            spec.ResourceLimit
}

// CheckerSpec describes an external special judge binary and its arguments.
// When nil, output is compared in-process using CheckerMode.
type CheckerSpec struct {
	BinaryPath string
	Args       []string
	Env        []string
	Limits     spec.ResourceLimit
}

// RunRequest describes one execution task.
type RunRequest struct {
	SubmissionID string
	TestID       string
	Language     profile.LanguageSpec
	Profile      profile.TaskProfile
	WorkDir      string
	IOConfig     IOConfig
	InputPath    string
	AnswerPath   string
	Limits       spec.ResourceLimit

	// CheckerMode selects the in-process comparator ("exact" or "float").
	CheckerMode    checker.Mode
	CheckerEpsilon float64

	// Checker, when set, overrides in-process comparison with a special judge.
	Checker        *CheckerSpec
	CheckerProfile *profile.TaskProfile

	Score     int
	SubtaskID string
}

// Runner orchestrates compile and run workflows.
type Runner interface {
	Compile(ctx context.Context, req CompileRequest) (result.CompileResult, error)
	Run(ctx context.Context, req RunRequest) (result.TestcaseResult, error)
}
