package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"arbiter/internal/judge/sandbox/profile"
	"arbiter/internal/judge/sandbox/result"
	"arbiter/internal/judge/sandbox/runner"
	"arbiter/internal/judge/sandbox/spec"
)

type fakeRunner struct {
	compileRes result.CompileResult
	compileErr error
	verdicts   map[string]result.Verdict
	runErr     error
	runCalls   []string
}

func (f *fakeRunner) Compile(ctx context.Context, req runner.CompileRequest) (result.CompileResult, error) {
	if f.compileErr != nil {
		return result.CompileResult{}, f.compileErr
	}
	// Stage the program file the worker copies per test.
	name := "main"
	if err := os.WriteFile(filepath.Join(req.WorkDir, name), []byte("#!"), 0755); err != nil {
		return result.CompileResult{}, err
	}
	return f.compileRes, nil
}

func (f *fakeRunner) Run(ctx context.Context, req runner.RunRequest) (result.TestcaseResult, error) {
	f.runCalls = append(f.runCalls, req.TestID)
	if f.runErr != nil {
		return result.TestcaseResult{TestID: req.TestID, Verdict: result.VerdictSE}, f.runErr
	}
	verdict, ok := f.verdicts[req.TestID]
	if !ok {
		verdict = result.VerdictAC
	}
	return result.TestcaseResult{
		TestID:    req.TestID,
		Verdict:   verdict,
		TimeMs:    10,
		MemoryKB:  1024,
		Score:     req.Score,
		SubtaskID: req.SubtaskID,
	}, nil
}

type fakeLangRepo struct{ lang profile.LanguageSpec }

func (f *fakeLangRepo) Get(ctx context.Context, languageID string) (profile.LanguageSpec, error) {
	return f.lang, nil
}

func (f *fakeLangRepo) List(ctx context.Context) ([]profile.LanguageSpec, error) {
	return []profile.LanguageSpec{f.lang}, nil
}

type fakeProfileRepo struct{}

func (fakeProfileRepo) GetProfile(ctx context.Context, languageID string, taskType profile.TaskType) (profile.TaskProfile, error) {
	return profile.TaskProfile{
		LanguageID:    languageID,
		TaskType:      taskType,
		DefaultLimits: spec.ResourceLimit{CPUTimeMs: 1000, MemoryMB: 256},
	}, nil
}

type recordingReporter struct {
	updates []StatusUpdate
}

func (r *recordingReporter) Report(ctx context.Context, update StatusUpdate) {
	r.updates = append(r.updates, update)
}

func newTestWorker(t *testing.T, fr *fakeRunner) (*Worker, *recordingReporter, JudgeRequest) {
	t.Helper()

	reporter := &recordingReporter{}
	langRepo := &fakeLangRepo{lang: profile.LanguageSpec{
		ID: "cpp17", SourceFile: "main.cpp", BinaryFile: "main", CompileEnabled: true,
	}}
	worker := NewWorker(fr, langRepo, fakeProfileRepo{}, reporter)

	workRoot := t.TempDir()
	dataDir := t.TempDir()
	writeTestFile(t, dataDir, "1.in")
	writeTestFile(t, dataDir, "1.ans")
	writeTestFile(t, dataDir, "2.in")
	writeTestFile(t, dataDir, "2.ans")
	writeTestFile(t, dataDir, "3.in")
	writeTestFile(t, dataDir, "3.ans")
	writeTestFile(t, dataDir, "main.cpp")

	req := JudgeRequest{
		SubmissionID: "sub-1",
		ProblemID:    "p-1",
		Language:     "cpp17",
		SourcePath:   filepath.Join(dataDir, "main.cpp"),
		WorkRoot:     workRoot,
		Tests: []TestcaseSpec{
			{ID: "1", InputPath: filepath.Join(dataDir, "1.in"), AnswerPath: filepath.Join(dataDir, "1.ans"), Score: 30},
			{ID: "2", InputPath: filepath.Join(dataDir, "2.in"), AnswerPath: filepath.Join(dataDir, "2.ans"), Score: 30},
			{ID: "3", InputPath: filepath.Join(dataDir, "3.in"), AnswerPath: filepath.Join(dataDir, "3.ans"), Score: 40},
		},
	}
	return worker, reporter, req
}

func writeTestFile(t *testing.T, dir, name string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte("x\n"), 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestWorkerAllAccepted(t *testing.T) {
	fr := &fakeRunner{compileRes: result.CompileResult{OK: true}}
	worker, reporter, req := newTestWorker(t, fr)

	res, err := worker.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Status != result.StatusFinished || res.Verdict != result.VerdictAC {
		t.Fatalf("got %s/%s, want Finished/AC", res.Status, res.Verdict)
	}
	if res.Score != 100 {
		t.Fatalf("Score = %d, want 100", res.Score)
	}
	if len(res.Tests) != 3 {
		t.Fatalf("ran %d tests, want 3", len(res.Tests))
	}
	if res.Timestamps.FinishedAt == 0 {
		t.Fatalf("FinishedAt not set")
	}

	var sawCompiling, sawRunning bool
	for _, u := range reporter.updates {
		switch u.Status {
		case result.StatusCompiling:
			sawCompiling = true
		case result.StatusRunning:
			sawRunning = true
		}
	}
	if !sawCompiling || !sawRunning {
		t.Fatalf("missing progress updates: %+v", reporter.updates)
	}
}

func TestWorkerCompileError(t *testing.T) {
	fr := &fakeRunner{compileRes: result.CompileResult{OK: false, ExitCode: 1, Error: "main.cpp:1: error"}}
	worker, _, req := newTestWorker(t, fr)

	res, err := worker.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Status != result.StatusFinished || res.Verdict != result.VerdictCE {
		t.Fatalf("got %s/%s, want Finished/CE", res.Status, res.Verdict)
	}
	if len(fr.runCalls) != 0 {
		t.Fatalf("tests ran after compile error: %v", fr.runCalls)
	}
	if res.Compile == nil || res.Compile.Error == "" {
		t.Fatalf("compile log missing from result")
	}
}

func TestWorkerAllOrNothingStopsAtFirstFailure(t *testing.T) {
	fr := &fakeRunner{
		compileRes: result.CompileResult{OK: true},
		verdicts:   map[string]result.Verdict{"2": result.VerdictWA},
	}
	worker, _, req := newTestWorker(t, fr)
	req.GradingPolicy = GradeAllOrNothing

	res, err := worker.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Verdict != result.VerdictWA {
		t.Fatalf("Verdict = %s, want WA", res.Verdict)
	}
	if res.Score != 0 {
		t.Fatalf("Score = %d, want 0", res.Score)
	}
	if len(fr.runCalls) != 2 {
		t.Fatalf("ran tests %v, want stop after test 2", fr.runCalls)
	}
	if res.Summary.FailedTestID != "2" {
		t.Fatalf("FailedTestID = %s, want 2", res.Summary.FailedTestID)
	}
}

func TestWorkerPerTestRunsEverything(t *testing.T) {
	fr := &fakeRunner{
		compileRes: result.CompileResult{OK: true},
		verdicts:   map[string]result.Verdict{"2": result.VerdictTLE},
	}
	worker, _, req := newTestWorker(t, fr)
	req.GradingPolicy = GradePerTest

	res, err := worker.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(fr.runCalls) != 3 {
		t.Fatalf("ran tests %v, want all 3", fr.runCalls)
	}
	if res.Verdict != result.VerdictTLE {
		t.Fatalf("Verdict = %s, want first failure TLE", res.Verdict)
	}
	if res.Score != 70 {
		t.Fatalf("Score = %d, want 70 (tests 1 and 3)", res.Score)
	}
}

func TestWorkerSubtaskScoring(t *testing.T) {
	fr := &fakeRunner{
		compileRes: result.CompileResult{OK: true},
		verdicts:   map[string]result.Verdict{"3": result.VerdictWA},
	}
	worker, _, req := newTestWorker(t, fr)
	req.GradingPolicy = GradePerTest
	req.Tests[0].SubtaskID = "s1"
	req.Tests[1].SubtaskID = "s1"
	req.Tests[2].SubtaskID = "s2"
	req.Subtasks = []SubtaskSpec{
		{ID: "s1", Score: 40, TestIDs: []string{"1", "2"}},
		{ID: "s2", Score: 60, TestIDs: []string{"3"}},
	}

	res, err := worker.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Score != 40 {
		t.Fatalf("Score = %d, want 40 (only subtask s1 passes)", res.Score)
	}
	if res.Verdict != result.VerdictWA {
		t.Fatalf("Verdict = %s, want WA", res.Verdict)
	}
}

func TestWorkerRunErrorMarksFailed(t *testing.T) {
	fr := &fakeRunner{
		compileRes: result.CompileResult{OK: true},
		runErr:     os.ErrPermission,
	}
	worker, _, req := newTestWorker(t, fr)

	res, err := worker.Execute(context.Background(), req)
	if err == nil {
		t.Fatalf("Execute() error = nil, want error")
	}
	if res.Status != result.StatusFailed || res.Verdict != result.VerdictSE {
		t.Fatalf("got %s/%s, want Failed/SE", res.Status, res.Verdict)
	}
}

// isolationRunner stamps each submission's program with its own id at
// compile time and records what program each run actually saw, so tests
// can detect state leaking between concurrent submissions.
type isolationRunner struct {
	mu    sync.Mutex
	waFor map[string]bool
	runs  []isolationRun
}

type isolationRun struct {
	submission string
	testID     string
	workDir    string
	program    string
}

func (f *isolationRunner) Compile(ctx context.Context, req runner.CompileRequest) (result.CompileResult, error) {
	if err := os.WriteFile(filepath.Join(req.WorkDir, "main"), []byte(req.SubmissionID), 0755); err != nil {
		return result.CompileResult{}, err
	}
	return result.CompileResult{OK: true}, nil
}

func (f *isolationRunner) Run(ctx context.Context, req runner.RunRequest) (result.TestcaseResult, error) {
	program, err := os.ReadFile(filepath.Join(req.WorkDir, "main"))
	if err != nil {
		return result.TestcaseResult{}, err
	}

	f.mu.Lock()
	f.runs = append(f.runs, isolationRun{
		submission: req.SubmissionID,
		testID:     req.TestID,
		workDir:    req.WorkDir,
		program:    string(program),
	})
	fail := f.waFor[req.SubmissionID] && req.TestID == "2"
	f.mu.Unlock()

	verdict := result.VerdictAC
	if fail {
		verdict = result.VerdictWA
	}
	return result.TestcaseResult{TestID: req.TestID, Verdict: verdict, TimeMs: 10, MemoryKB: 1024, Score: req.Score}, nil
}

func (f *isolationRunner) snapshotRuns() []isolationRun {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]isolationRun, len(f.runs))
	copy(out, f.runs)
	return out
}

func TestWorkerConcurrentSubmissionsIsolated(t *testing.T) {
	fr := &isolationRunner{waFor: map[string]bool{"sub-2": true}}
	langRepo := &fakeLangRepo{lang: profile.LanguageSpec{
		ID: "cpp17", SourceFile: "main.cpp", BinaryFile: "main", CompileEnabled: true,
	}}
	worker := NewWorker(fr, langRepo, fakeProfileRepo{}, nil)

	dataDir := t.TempDir()
	writeTestFile(t, dataDir, "1.in")
	writeTestFile(t, dataDir, "1.ans")
	writeTestFile(t, dataDir, "2.in")
	writeTestFile(t, dataDir, "2.ans")
	writeTestFile(t, dataDir, "main.cpp")
	workRoot := t.TempDir()

	const submissions = 4
	results := make([]result.JudgeResult, submissions)
	errs := make([]error, submissions)
	var wg sync.WaitGroup
	for i := 0; i < submissions; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := JudgeRequest{
				SubmissionID: fmt.Sprintf("sub-%d", i+1),
				ProblemID:    "p-1",
				Language:     "cpp17",
				SourcePath:   filepath.Join(dataDir, "main.cpp"),
				WorkRoot:     workRoot,
				Tests: []TestcaseSpec{
					{ID: "1", InputPath: filepath.Join(dataDir, "1.in"), AnswerPath: filepath.Join(dataDir, "1.ans"), Score: 50},
					{ID: "2", InputPath: filepath.Join(dataDir, "2.in"), AnswerPath: filepath.Join(dataDir, "2.ans"), Score: 50},
				},
			}
			results[i], errs[i] = worker.Execute(context.Background(), req)
		}()
	}
	wg.Wait()

	for i := 0; i < submissions; i++ {
		if errs[i] != nil {
			t.Fatalf("submission %d failed: %v", i+1, errs[i])
		}
		want := result.VerdictAC
		if i == 1 {
			want = result.VerdictWA
		}
		if results[i].Verdict != want {
			t.Fatalf("submission %d verdict = %s, want %s", i+1, results[i].Verdict, want)
		}
	}

	for _, run := range fr.snapshotRuns() {
		if run.program != run.submission {
			t.Fatalf("run of %s/%s saw program %q from another submission", run.submission, run.testID, run.program)
		}
		wantPrefix := filepath.Join(workRoot, run.submission) + string(os.PathSeparator)
		if !strings.HasPrefix(run.workDir, wantPrefix) {
			t.Fatalf("run of %s executed in %s, outside its submission root", run.submission, run.workDir)
		}
	}
}

func TestWorkerRejectsBadRequest(t *testing.T) {
	fr := &fakeRunner{compileRes: result.CompileResult{OK: true}}
	worker, _, req := newTestWorker(t, fr)
	req.Tests = nil

	if _, err := worker.Execute(context.Background(), req); err == nil {
		t.Fatalf("Execute() accepted request without tests")
	}
}
