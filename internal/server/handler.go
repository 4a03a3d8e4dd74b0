package server

import (
	"context"
	"strconv"

	"github.com/gin-gonic/gin"

	"arbiter/internal/common/db"
	"arbiter/internal/contest"
	"arbiter/internal/judge/model"
	"arbiter/internal/judge/repository"
	"arbiter/internal/judge/sandbox"
	"arbiter/internal/judge/sandbox/result"
	appErr "arbiter/pkg/errors"
)

// SubmissionReader loads the durable submission record.
type SubmissionReader interface {
	Get(ctx context.Context, submissionID string) (model.Submission, error)
}

// StatusReader loads the live judging snapshot.
type StatusReader interface {
	Get(ctx context.Context, submissionID string) (sandbox.StatusUpdate, error)
}

// LeaderboardReader serves contest standings.
type LeaderboardReader interface {
	Leaderboard(ctx context.Context, q db.Querier, contestID string, limit int64) ([]contest.LeaderboardEntry, error)
}

var (
	_ SubmissionReader  = (*repository.SubmissionRepository)(nil)
	_ StatusReader      = (*repository.StatusRepository)(nil)
	_ LeaderboardReader = (*contest.Scorer)(nil)
)

// Handler serves the read-only judge API.
type Handler struct {
	submissions SubmissionReader
	status      StatusReader
	leaderboard LeaderboardReader
	database    db.Database
}

func NewHandler(submissions SubmissionReader, status StatusReader, leaderboard LeaderboardReader, database db.Database) *Handler {
	return &Handler{
		submissions: submissions,
		status:      status,
		leaderboard: leaderboard,
		database:    database,
	}
}

type submissionView struct {
	SubmissionID string `json:"submission_id"`
	Status       string `json:"status"`
	Verdict      string `json:"verdict,omitempty"`
	Language     string `json:"language,omitempty"`
	ExecutionMs  int64  `json:"execution_time_ms"`
	MemoryKB     int64  `json:"memory_kb"`
	Score        int    `json:"score"`
	TestsPassed  int    `json:"tests_passed"`
	TestsTotal   int    `json:"tests_total"`
	DoneTests    int    `json:"done_tests,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	SubmittedAt  int64  `json:"submitted_at,omitempty"`
	JudgedAt     int64  `json:"judged_at,omitempty"`
}

// GetSubmission returns the live snapshot while judging is in flight
// and the durable record once a terminal verdict exists.
func (h *Handler) GetSubmission(c *gin.Context) {
	submissionID := c.Param("id")
	if submissionID == "" {
		respondError(c, appErr.ValidationError("id", "required"))
		return
	}

	snapshot, snapErr := h.status.Get(c.Request.Context(), submissionID)
	if snapErr == nil && snapshot.Status != result.StatusFinished && snapshot.Status != result.StatusFailed {
		respondOK(c, submissionView{
			SubmissionID: snapshot.SubmissionID,
			Status:       string(snapshot.Status),
			Language:     snapshot.Language,
			TestsTotal:   snapshot.TotalTests,
			DoneTests:    snapshot.DoneTests,
		})
		return
	}

	record, err := h.submissions.Get(c.Request.Context(), submissionID)
	if err != nil {
		respondError(c, err)
		return
	}
	view := submissionView{
		SubmissionID: record.ID,
		Status:       string(record.Status),
		Language:     record.Language,
		ExecutionMs:  record.ExecutionMs,
		MemoryKB:     record.MemoryKB,
		Score:        record.Score,
		TestsPassed:  record.TestsPassed,
		TestsTotal:   record.TestsTotal,
		SubmittedAt:  record.SubmittedAt.UnixMilli(),
	}
	if record.Verdict.Valid {
		view.Verdict = record.Verdict.String
	}
	if record.ErrorMsg.Valid {
		view.ErrorMessage = record.ErrorMsg.String
	}
	if record.JudgedAt.Valid {
		view.JudgedAt = record.JudgedAt.Time.UnixMilli()
	}
	respondOK(c, view)
}

// GetLeaderboard returns contest standings, capped at 1000 rows.
func (h *Handler) GetLeaderboard(c *gin.Context) {
	contestID := c.Param("id")
	if contestID == "" {
		respondError(c, appErr.ValidationError("id", "required"))
		return
	}
	limit, err := strconv.ParseInt(c.DefaultQuery("limit", "100"), 10, 64)
	if err != nil || limit <= 0 || limit > 1000 {
		respondError(c, appErr.ValidationError("limit", "must be in 1..1000"))
		return
	}

	entries, err := h.leaderboard.Leaderboard(c.Request.Context(), h.database, contestID, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"contest_id": contestID, "entries": entries})
}

func (h *Handler) Health(c *gin.Context) {
	if err := h.database.Ping(c.Request.Context()); err != nil {
		respondError(c, appErr.Wrapf(err, appErr.ServiceUnavailable, "database unreachable"))
		return
	}
	respondOK(c, gin.H{"status": "ok"})
}

// NewRouter builds the gin engine with the read-only routes.
func NewRouter(h *Handler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", h.Health)
	api := router.Group("/api/v1")
	{
		api.GET("/judge/submissions/:id", h.GetSubmission)
		api.GET("/contests/:id/leaderboard", h.GetLeaderboard)
	}
	return router
}
