package sandbox

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"arbiter/internal/judge/sandbox/config"
	"arbiter/internal/judge/sandbox/profile"
	"arbiter/internal/judge/sandbox/result"
	"arbiter/internal/judge/sandbox/runner"
	appErr "arbiter/pkg/errors"
	"arbiter/pkg/utils/logger"
	"go.uber.org/zap"
)

// Worker judges one submission at a time: compile, run every testcase,
// grade, and report progress along the way.
type Worker struct {
	runner      runner.Runner
	langRepo    config.LanguageSpecRepository
	profileRepo config.TaskProfileRepository
	reporter    StatusReporter
}

var _ Service = (*Worker)(nil)

// NewWorker wires a worker from its collaborators. A nil reporter
// disables progress reporting.
func NewWorker(r runner.Runner, langRepo config.LanguageSpecRepository, profileRepo config.TaskProfileRepository, reporter StatusReporter) *Worker {
	if reporter == nil {
		reporter = NoopStatusReporter{}
	}
	return &Worker{
		runner:      r,
		langRepo:    langRepo,
		profileRepo: profileRepo,
		reporter:    reporter,
	}
}

func (w *Worker) Execute(ctx context.Context, req JudgeRequest) (result.JudgeResult, error) {
	if err := validateJudgeRequest(req); err != nil {
		return result.JudgeResult{}, err
	}
	if req.GradingPolicy == "" {
		req.GradingPolicy = GradeAllOrNothing
	}

	lang, err := w.langRepo.Get(ctx, req.Language)
	if err != nil {
		return w.failResult(req), err
	}
	compileProfile, err := w.profileRepo.GetProfile(ctx, lang.ID, profile.TaskTypeCompile)
	if err != nil {
		return w.failResult(req), err
	}
	runProfile, err := w.profileRepo.GetProfile(ctx, lang.ID, profile.TaskTypeRun)
	if err != nil {
		return w.failResult(req), err
	}

	submissionRoot := filepath.Join(req.WorkRoot, req.SubmissionID)
	if err := os.MkdirAll(submissionRoot, 0755); err != nil {
		return w.failResult(req), appErr.Wrapf(err, appErr.InternalServerError, "create submission dir failed")
	}
	defer func() {
		if rmErr := os.RemoveAll(submissionRoot); rmErr != nil {
			logger.Warn(ctx, "cleanup submission dir failed",
				zap.String("submission_id", req.SubmissionID), zap.Error(rmErr))
		}
	}()

	res := result.JudgeResult{
		SubmissionID: req.SubmissionID,
		Language:     req.Language,
		Timestamps:   result.Timestamps{ReceivedAt: req.ReceivedAt},
	}

	w.report(ctx, req, result.StatusCompiling, 0)
	compileRes, err := w.runner.Compile(ctx, runner.CompileRequest{
		SubmissionID:      req.SubmissionID,
		Language:          lang,
		Profile:           compileProfile,
		WorkDir:           submissionRoot,
		SourcePath:        req.SourcePath,
		ExtraCompileFlags: req.ExtraCompileFlags,
		Limits:            req.Limits,
	})
	res.Compile = &compileRes
	if err != nil {
		logger.Error(ctx, "compile failed",
			zap.String("submission_id", req.SubmissionID), zap.Error(err))
		return w.finishFailed(ctx, req, res), err
	}
	if !compileRes.OK {
		res.Status = result.StatusFinished
		res.Verdict = result.VerdictCE
		res.Timestamps.FinishedAt = time.Now().UnixMilli()
		w.reportFinished(ctx, req, 0)
		return res, nil
	}

	w.report(ctx, req, result.StatusRunning, 0)
	subtasks := prepareSubtasks(req)
	var (
		summary      result.SummaryStat
		firstFailed  *result.TestcaseResult
		stoppedEarly bool
	)
	for i, test := range req.Tests {
		if stoppedEarly {
			break
		}
		if err := ctx.Err(); err != nil {
			return w.finishFailed(ctx, req, res), appErr.Wrapf(err, appErr.Timeout, "judging cancelled")
		}

		testWorkDir := filepath.Join(submissionRoot, test.ID)
		if err := os.MkdirAll(testWorkDir, 0755); err != nil {
			return w.finishFailed(ctx, req, res), appErr.Wrapf(err, appErr.InternalServerError, "create test dir failed")
		}
		if err := copyProgram(submissionRoot, testWorkDir, lang); err != nil {
			return w.finishFailed(ctx, req, res), err
		}

		runReq := runner.RunRequest{
			SubmissionID:   req.SubmissionID,
			TestID:         test.ID,
			Language:       lang,
			Profile:        runProfile,
			WorkDir:        testWorkDir,
			IOConfig:       req.IOConfig,
			InputPath:      test.InputPath,
			AnswerPath:     test.AnswerPath,
			Limits:         req.Limits,
			CheckerMode:    req.CheckerMode,
			CheckerEpsilon: req.CheckerEpsilon,
			Score:          test.Score,
			SubtaskID:      test.SubtaskID,
		}
		if req.Checker != nil {
			checkerProfile, profErr := w.buildCheckerProfile(ctx, lang.ID)
			if profErr != nil {
				return w.finishFailed(ctx, req, res), profErr
			}
			runReq.Checker = &runner.CheckerSpec{
				BinaryPath: req.Checker.BinaryPath,
				Args:       req.Checker.Args,
				Env:        req.Checker.Env,
				Limits:     req.Checker.Limits,
			}
			runReq.CheckerProfile = checkerProfile
		}

		testRes, runErr := w.runner.Run(ctx, runReq)
		res.Tests = append(res.Tests, testRes)
		if runErr != nil {
			logger.Error(ctx, "testcase run failed",
				zap.String("submission_id", req.SubmissionID),
				zap.String("test_id", test.ID), zap.Error(runErr))
			return w.finishFailed(ctx, req, res), runErr
		}

		summary.TotalTimeMs += testRes.TimeMs
		if testRes.MemoryKB > summary.MaxMemoryKB {
			summary.MaxMemoryKB = testRes.MemoryKB
		}
		if testRes.Verdict != result.VerdictAC {
			if firstFailed == nil {
				failed := testRes
				firstFailed = &failed
				summary.FailedTestID = testRes.TestID
			}
			updateSubtaskFailure(subtasks, testRes.SubtaskID)
			if req.GradingPolicy == GradeAllOrNothing {
				stoppedEarly = true
			}
		}

		w.report(ctx, req, result.StatusRunning, i+1)
	}

	w.report(ctx, req, result.StatusJudging, len(res.Tests))
	summary.TotalScore = computeTotalScore(req, res.Tests, subtasks, firstFailed == nil)
	res.Summary = summary
	res.Score = summary.TotalScore
	res.Status = result.StatusFinished
	if firstFailed != nil {
		res.Verdict = firstFailed.Verdict
	} else {
		res.Verdict = result.VerdictAC
	}
	res.Timestamps.FinishedAt = time.Now().UnixMilli()
	w.reportFinished(ctx, req, len(res.Tests))
	return res, nil
}

// Cancel is handled above the worker by killing the submission's
// sandbox cgroups; the worker itself only observes ctx cancellation.
func (w *Worker) Cancel(ctx context.Context, submissionID string) error {
	return appErr.New(appErr.InvalidParams).WithMessage("cancel is not supported by the worker")
}

func (w *Worker) failResult(req JudgeRequest) result.JudgeResult {
	return result.JudgeResult{
		SubmissionID: req.SubmissionID,
		Language:     req.Language,
		Status:       result.StatusFailed,
		Verdict:      result.VerdictSE,
		Timestamps: result.Timestamps{
			ReceivedAt: req.ReceivedAt,
			FinishedAt: time.Now().UnixMilli(),
		},
	}
}

func (w *Worker) finishFailed(ctx context.Context, req JudgeRequest, res result.JudgeResult) result.JudgeResult {
	res.Status = result.StatusFailed
	res.Verdict = result.VerdictSE
	res.Timestamps.FinishedAt = time.Now().UnixMilli()
	w.reportFinished(ctx, req, len(res.Tests))
	return res
}

func (w *Worker) report(ctx context.Context, req JudgeRequest, status result.JudgeStatus, done int) {
	w.reporter.Report(ctx, StatusUpdate{
		SubmissionID: req.SubmissionID,
		Status:       status,
		Language:     req.Language,
		TotalTests:   len(req.Tests),
		DoneTests:    done,
		ReceivedAt:   req.ReceivedAt,
	})
}

func (w *Worker) reportFinished(ctx context.Context, req JudgeRequest, done int) {
	w.reporter.Report(ctx, StatusUpdate{
		SubmissionID: req.SubmissionID,
		Status:       result.StatusFinished,
		Language:     req.Language,
		TotalTests:   len(req.Tests),
		DoneTests:    done,
		ReceivedAt:   req.ReceivedAt,
		FinishedAt:   time.Now().UnixMilli(),
	})
}

func (w *Worker) buildCheckerProfile(ctx context.Context, languageID string) (*profile.TaskProfile, error) {
	p, err := w.profileRepo.GetProfile(ctx, languageID, profile.TaskTypeChecker)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

type subtaskState struct {
	score  int
	failed bool
	tests  int
}

func prepareSubtasks(req JudgeRequest) map[string]*subtaskState {
	if len(req.Subtasks) == 0 {
		return nil
	}
	states := make(map[string]*subtaskState, len(req.Subtasks))
	for _, st := range req.Subtasks {
		states[st.ID] = &subtaskState{score: st.Score, tests: len(st.TestIDs)}
	}
	return states
}

func updateSubtaskFailure(states map[string]*subtaskState, subtaskID string) {
	if states == nil || subtaskID == "" {
		return
	}
	if st, ok := states[subtaskID]; ok {
		st.failed = true
	}
}

func computeTotalScore(req JudgeRequest, tests []result.TestcaseResult, subtasks map[string]*subtaskState, allPassed bool) int {
	if subtasks != nil {
		// A subtask scores only when every one of its tests ran and passed.
		ran := make(map[string]int, len(subtasks))
		for _, t := range tests {
			if t.SubtaskID != "" && t.Verdict == result.VerdictAC {
				ran[t.SubtaskID]++
			}
		}
		total := 0
		for id, st := range subtasks {
			if !st.failed && ran[id] == st.tests && st.tests > 0 {
				total += st.score
			}
		}
		return total
	}

	switch req.GradingPolicy {
	case GradePerTest:
		total := 0
		for _, t := range tests {
			if t.Verdict == result.VerdictAC {
				total += t.Score
			}
		}
		return total
	default:
		if !allPassed {
			return 0
		}
		total := 0
		for _, t := range req.Tests {
			total += t.Score
		}
		return total
	}
}

// copyProgram places the compiled binary (or the source for interpreted
// languages) into the per-test work directory.
func copyProgram(submissionRoot, testWorkDir string, lang profile.LanguageSpec) error {
	name := lang.SourceFile
	mode := os.FileMode(0644)
	if lang.CompileEnabled {
		name = lang.BinaryFile
		mode = 0755
	}
	if name == "" {
		return appErr.ValidationError("program_file", "required")
	}

	src, err := os.Open(filepath.Join(submissionRoot, name))
	if err != nil {
		return appErr.Wrapf(err, appErr.InternalServerError, "open program failed")
	}
	defer src.Close()

	dst, err := os.OpenFile(filepath.Join(testWorkDir, name), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return appErr.Wrapf(err, appErr.InternalServerError, "create program copy failed")
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return appErr.Wrapf(err, appErr.InternalServerError, "copy program failed")
	}
	return nil
}

func validateJudgeRequest(req JudgeRequest) error {
	if req.SubmissionID == "" {
		return appErr.ValidationError("submission_id", "required")
	}
	if req.Language == "" {
		return appErr.ValidationError("language", "required")
	}
	if req.SourcePath == "" {
		return appErr.ValidationError("source_path", "required")
	}
	if req.WorkRoot == "" {
		return appErr.ValidationError("work_root", "required")
	}
	if len(req.Tests) == 0 {
		return appErr.ValidationError("tests", "at least one testcase is required")
	}
	switch req.GradingPolicy {
	case "", GradeAllOrNothing, GradePerTest:
	default:
		return appErr.Newf(appErr.InvalidParams, "unknown grading policy: %s", req.GradingPolicy)
	}
	for _, t := range req.Tests {
		if t.ID == "" {
			return appErr.ValidationError("test_id", "required")
		}
		if t.InputPath == "" || t.AnswerPath == "" {
			return appErr.Newf(appErr.ProblemDataMissing, "testcase %s is missing input or answer data", t.ID)
		}
	}
	return nil
}
