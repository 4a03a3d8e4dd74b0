// Package service runs the judge dispatcher: it pulls jobs off the
// queue, bounds concurrency with a worker pool, prepares problem data
// and source code, and drives one submission through the sandbox.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"arbiter/internal/common/mq"
	"arbiter/internal/common/storage"
	"arbiter/internal/judge/cache"
	"arbiter/internal/judge/checker"
	"arbiter/internal/judge/model"
	"arbiter/internal/judge/repository"
	"arbiter/internal/judge/sandbox"
	"arbiter/internal/judge/sandbox/result"
	"arbiter/internal/judge/sandbox/runner"
	"arbiter/internal/judge/sandbox/spec"
	appErr "arbiter/pkg/errors"
	"arbiter/pkg/utils/logger"
	"go.uber.org/zap"
)

// Config controls the dispatcher.
type Config struct {
	Topic           string
	PriorityTopic   string
	PriorityWeight  int
	DeadLetterTopic string
	ConsumerGroup   string
	Concurrency     int
	MaxRetries      int
	RetryDelay      time.Duration
	SlotWaitTimeout time.Duration
	WorkRoot        string
	SourceBucket    string
}

func DefaultConfig() Config {
	return Config{
		Topic:           "judge.jobs",
		PriorityWeight:  3,
		DeadLetterTopic: "judge.jobs.dead",
		ConsumerGroup:   "arbiter-judge",
		Concurrency:     4,
		MaxRetries:      3,
		RetryDelay:      2 * time.Second,
		SlotWaitTimeout: 15 * time.Second,
		WorkRoot:        "/var/lib/arbiter/work",
	}
}

// ResultRecorder persists terminal verdicts. Implemented by the
// repository result sink; substituted by fakes in tests.
type ResultRecorder interface {
	Record(ctx context.Context, res model.TerminalResult) error
}

var _ ResultRecorder = (*repository.ResultSink)(nil)

// JudgeService is the dispatcher wiring the queue to the sandbox worker
// pool and the result sink.
type JudgeService struct {
	config Config
	queue  mq.MessageQueue
	worker sandbox.Service
	packs  *cache.PackCache
	store  storage.ObjectStorage
	sink   ResultRecorder
	status sandbox.StatusReporter

	slots chan struct{}
}

func NewJudgeService(
	config Config,
	queue mq.MessageQueue,
	worker sandbox.Service,
	packs *cache.PackCache,
	store storage.ObjectStorage,
	sink ResultRecorder,
	status sandbox.StatusReporter,
) *JudgeService {
	if config.Concurrency <= 0 {
		config.Concurrency = DefaultConfig().Concurrency
	}
	if config.SlotWaitTimeout <= 0 {
		config.SlotWaitTimeout = DefaultConfig().SlotWaitTimeout
	}
	if config.WorkRoot == "" {
		config.WorkRoot = DefaultConfig().WorkRoot
	}
	return &JudgeService{
		config: config,
		queue:  queue,
		worker: worker,
		packs:  packs,
		store:  store,
		sink:   sink,
		status: status,
		slots:  make(chan struct{}, config.Concurrency),
	}
}

// Run subscribes to the job topic and consumes until ctx is cancelled.
// When a priority topic is configured (contest traffic), both topics are
// consumed with weighted fetch turns and a shared limiter sized to the
// worker pool.
func (s *JudgeService) Run(ctx context.Context) error {
	opts := &mq.SubscribeOptions{
		ConsumerGroup:   s.config.ConsumerGroup,
		Concurrency:     s.config.Concurrency,
		MaxRetries:      s.config.MaxRetries,
		RetryDelay:      s.config.RetryDelay,
		DeadLetterTopic: s.config.DeadLetterTopic,
	}
	var err error
	if s.config.PriorityTopic != "" {
		weight := s.config.PriorityWeight
		if weight <= 0 {
			weight = DefaultConfig().PriorityWeight
		}
		topics := []mq.WeightedTopic{
			{Topic: s.config.PriorityTopic, Weight: weight},
			{Topic: s.config.Topic, Weight: 1},
		}
		err = s.queue.SubscribeWeighted(ctx, topics, s.handleMessage, opts, mq.NewTokenLimiter(s.config.Concurrency))
	} else {
		err = s.queue.SubscribeWithOptions(ctx, s.config.Topic, s.handleMessage, opts)
	}
	if err != nil {
		return err
	}
	if err := s.queue.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return s.queue.Stop()
}

// handleMessage processes one queue delivery. Returning nil acknowledges
// the message; returning an error hands it to the retry/dead-letter path.
func (s *JudgeService) handleMessage(ctx context.Context, msg *mq.Message) error {
	var job model.JudgeJob
	if err := json.Unmarshal(msg.Body, &job); err != nil {
		logger.Error(ctx, "undecodable judge job dropped",
			zap.String("message_id", msg.ID), zap.Error(err))
		return nil
	}
	if err := job.Validate(); err != nil {
		// Malformed jobs never consume a worker slot and never retry.
		logger.Error(ctx, "malformed judge job rejected",
			zap.String("submission_id", job.SubmissionID), zap.Error(err))
		s.recordInternalError(ctx, job, err)
		return nil
	}

	s.reportPending(ctx, job)

	// Backpressure: wait briefly for a slot; when the pool stays full,
	// requeue with backoff instead of holding the fetch loop hostage.
	select {
	case s.slots <- struct{}{}:
	case <-time.After(s.config.SlotWaitTimeout):
		if err := RequeueForPoolFull(ctx, s.queue, s.requeueTopic(msg), msg); err != nil {
			if appErr.GetCode(err) == appErr.JudgeQueueFull {
				s.recordInternalError(ctx, job, err)
				return nil
			}
			return err
		}
		return nil
	case <-ctx.Done():
		return appErr.Wrapf(ctx.Err(), appErr.Timeout, "dispatcher shutting down")
	}
	defer func() { <-s.slots }()

	if err := s.judge(ctx, job); err != nil {
		logger.Error(ctx, "judging failed",
			zap.String("submission_id", job.SubmissionID),
			zap.Int("attempt", msg.RetryCount+1),
			zap.Error(err))
		if !isRetryable(err) || !msg.ShouldRetry() {
			s.recordInternalError(ctx, job, err)
			return nil
		}
		return err
	}
	return nil
}

// requeueTopic sends a requeued job back to the topic it arrived on, so
// priority jobs keep their priority.
func (s *JudgeService) requeueTopic(msg *mq.Message) string {
	if topic := msg.Headers[mq.HeaderSourceTopic]; topic != "" {
		return topic
	}
	return s.config.Topic
}

func (s *JudgeService) judge(ctx context.Context, job model.JudgeJob) error {
	pack, err := s.packs.Get(ctx, job.ProblemID, "")
	if err != nil {
		return err
	}

	sourcePath, cleanup, err := s.materializeSource(ctx, job)
	if err != nil {
		return err
	}
	defer cleanup()

	req, err := buildJudgeRequest(job, pack, sourcePath, s.config.WorkRoot)
	if err != nil {
		return err
	}

	judgeRes, err := s.worker.Execute(ctx, req)
	if err != nil {
		return err
	}
	return s.sink.Record(ctx, buildTerminalResult(job, judgeRes))
}

// materializeSource writes the submission source to local disk, either
// from the inline snapshot or from object storage with digest check.
func (s *JudgeService) materializeSource(ctx context.Context, job model.JudgeJob) (string, func(), error) {
	dir, err := os.MkdirTemp(s.config.WorkRoot, "src-"+job.SubmissionID+"-")
	if err != nil {
		return "", nil, appErr.Wrapf(err, appErr.InternalServerError, "create source dir failed")
	}
	cleanup := func() { os.RemoveAll(dir) }
	path := filepath.Join(dir, "source")

	data := []byte(job.SourceCode)
	if job.SourceCode == "" {
		reader, err := s.store.GetObject(ctx, s.config.SourceBucket, job.SourceObject)
		if err != nil {
			cleanup()
			return "", nil, appErr.Wrapf(err, appErr.ServiceUnavailable, "download source %s failed", job.SourceObject)
		}
		data, err = io.ReadAll(reader)
		reader.Close()
		if err != nil {
			cleanup()
			return "", nil, appErr.Wrapf(err, appErr.ServiceUnavailable, "read source %s failed", job.SourceObject)
		}
	}
	if job.SourceSHA256 != "" {
		sum := sha256.Sum256(data)
		if !strings.EqualFold(hex.EncodeToString(sum[:]), job.SourceSHA256) {
			cleanup()
			return "", nil, appErr.Newf(appErr.SourceHashMismatch,
				"source digest mismatch for submission %s", job.SubmissionID)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		cleanup()
		return "", nil, appErr.Wrapf(err, appErr.InternalServerError, "write source failed")
	}
	return path, cleanup, nil
}

func buildJudgeRequest(job model.JudgeJob, pack *cache.DataPack, sourcePath, workRoot string) (sandbox.JudgeRequest, error) {
	manifest := pack.Manifest

	byID := make(map[string]model.TestCaseRef, len(manifest.Tests))
	for _, t := range manifest.Tests {
		byID[t.ID] = t
	}
	tests := make([]sandbox.TestcaseSpec, 0, len(job.TestCaseRefs))
	for _, ref := range job.TestCaseRefs {
		packed, ok := byID[ref.ID]
		if !ok {
			return sandbox.JudgeRequest{}, appErr.Newf(appErr.ProblemDataMissing,
				"test %s not present in data pack for problem %s", ref.ID, job.ProblemID)
		}
		score := ref.Score
		if score == 0 {
			score = packed.Score
		}
		tests = append(tests, sandbox.TestcaseSpec{
			ID:         packed.ID,
			InputPath:  pack.TestPath(packed.InputFile),
			AnswerPath: pack.TestPath(packed.AnswerFile),
			Score:      score,
			SubtaskID:  packed.SubtaskID,
		})
	}

	subtasks := make([]sandbox.SubtaskSpec, 0, len(manifest.Subtasks))
	for _, st := range manifest.Subtasks {
		subtasks = append(subtasks, sandbox.SubtaskSpec{ID: st.ID, Score: st.Score, TestIDs: st.TestIDs})
	}

	ioConfig := runner.IOConfig{Mode: "stdio"}
	if manifest.IOMode != "" {
		ioConfig = runner.IOConfig{
			Mode:           manifest.IOMode,
			InputFileName:  manifest.InputFileName,
			OutputFileName: manifest.OutputFileName,
		}
	}

	req := sandbox.JudgeRequest{
		SubmissionID: job.SubmissionID,
		ProblemID:    job.ProblemID,
		ContestID:    job.ContestID,
		UserID:       job.UserID,
		Language:     job.Language,
		SourcePath:   sourcePath,
		WorkRoot:     workRoot,
		Priority:     job.Priority,
		ReceivedAt:   time.Now().UnixMilli(),

		GradingPolicy:  manifest.GradingPolicy,
		IOConfig:       ioConfig,
		CheckerMode:    checker.Mode(manifest.CheckerMode),
		CheckerEpsilon: manifest.CheckerEpsilon,
		Limits: spec.ResourceLimit{
			CPUTimeMs: job.TimeLimitMs,
			MemoryMB:  job.MemoryLimitMB,
		},
		Tests:    tests,
		Subtasks: subtasks,
	}
	if manifest.CheckerBinary != "" {
		req.Checker = &sandbox.CheckerSpec{BinaryPath: pack.TestPath(manifest.CheckerBinary)}
	}
	return req, nil
}

func buildTerminalResult(job model.JudgeJob, res result.JudgeResult) model.TerminalResult {
	passed := 0
	for _, t := range res.Tests {
		if t.Verdict == result.VerdictAC {
			passed++
		}
	}

	errMsg := ""
	switch res.Verdict {
	case result.VerdictCE:
		if res.Compile != nil {
			errMsg = res.Compile.Error
		}
	case result.VerdictRE:
		if last := lastFailedTest(res.Tests); last != nil {
			errMsg = last.Stderr
		}
	}

	return model.TerminalResult{
		SubmissionID: job.SubmissionID,
		ProblemID:    job.ProblemID,
		ContestID:    job.ContestID,
		UserID:       job.UserID,
		Status:       res.Status,
		Verdict:      res.Verdict,
		ExecutionMs:  res.Summary.TotalTimeMs,
		MemoryKB:     res.Summary.MaxMemoryKB,
		Score:        res.Score,
		TestsPassed:  passed,
		TestsTotal:   len(job.TestCaseRefs),
		ErrorMessage: errMsg,
		SubmittedAt:  time.UnixMilli(job.SubmittedAt),
		JudgedAt:     time.UnixMilli(res.Timestamps.FinishedAt),
	}
}

func lastFailedTest(tests []result.TestcaseResult) *result.TestcaseResult {
	for i := len(tests) - 1; i >= 0; i-- {
		if tests[i].Verdict != result.VerdictAC {
			return &tests[i]
		}
	}
	return nil
}

// recordInternalError persists a Failed/SE verdict when a job cannot be
// judged and will not be retried.
func (s *JudgeService) recordInternalError(ctx context.Context, job model.JudgeJob, cause error) {
	now := time.Now()
	res := model.TerminalResult{
		SubmissionID: job.SubmissionID,
		ProblemID:    job.ProblemID,
		ContestID:    job.ContestID,
		UserID:       job.UserID,
		Status:       result.StatusFailed,
		Verdict:      result.VerdictSE,
		TestsTotal:   len(job.TestCaseRefs),
		ErrorMessage: "internal judging error",
		SubmittedAt:  time.UnixMilli(job.SubmittedAt),
		JudgedAt:     now,
	}
	if err := s.sink.Record(ctx, res); err != nil {
		logger.Error(ctx, "record internal error failed",
			zap.String("submission_id", job.SubmissionID),
			zap.NamedError("cause", cause),
			zap.Error(err))
	}
}

func (s *JudgeService) reportPending(ctx context.Context, job model.JudgeJob) {
	if s.status == nil {
		return
	}
	s.status.Report(ctx, sandbox.StatusUpdate{
		SubmissionID: job.SubmissionID,
		Status:       result.StatusPending,
		Language:     job.Language,
		TotalTests:   len(job.TestCaseRefs),
		ReceivedAt:   time.Now().UnixMilli(),
	})
}

// isRetryable separates infrastructure faults, which retry, from
// user-caused or data-caused failures, which do not.
func isRetryable(err error) bool {
	switch appErr.GetCode(err) {
	case appErr.SourceHashMismatch,
		appErr.LanguageNotSupported,
		appErr.ProblemDataMissing,
		appErr.MalformedJob,
		appErr.InvalidParams,
		appErr.ValidationFailed,
		appErr.SubmissionNotFound:
		return false
	default:
		return true
	}
}
