package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"arbiter/internal/common/db"
	"arbiter/internal/contest"
	"arbiter/internal/judge/model"
	"arbiter/internal/judge/sandbox"
	"arbiter/internal/judge/sandbox/result"
	appErr "arbiter/pkg/errors"
)

type fakeSubmissions struct {
	record model.Submission
	err    error
}

func (f *fakeSubmissions) Get(ctx context.Context, id string) (model.Submission, error) {
	if f.err != nil {
		return model.Submission{}, f.err
	}
	return f.record, nil
}

type fakeStatus struct {
	snapshot sandbox.StatusUpdate
	err      error
}

func (f *fakeStatus) Get(ctx context.Context, id string) (sandbox.StatusUpdate, error) {
	if f.err != nil {
		return sandbox.StatusUpdate{}, f.err
	}
	return f.snapshot, nil
}

type fakeLeaderboard struct {
	entries []contest.LeaderboardEntry
	err     error
}

func (f *fakeLeaderboard) Leaderboard(ctx context.Context, q db.Querier, contestID string, limit int64) ([]contest.LeaderboardEntry, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.entries, nil
}

func doRequest(t *testing.T, h *Handler, path string) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	router := NewRouter(h)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	router.ServeHTTP(rec, req)

	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v (body %s)", err, rec.Body.String())
	}
	return rec, resp
}

func TestGetSubmissionServesLiveSnapshot(t *testing.T) {
	h := NewHandler(
		&fakeSubmissions{err: appErr.New(appErr.SubmissionNotFound)},
		&fakeStatus{snapshot: sandbox.StatusUpdate{
			SubmissionID: "sub-1",
			Status:       result.StatusRunning,
			Language:     "cpp17",
			TotalTests:   10,
			DoneTests:    4,
		}},
		&fakeLeaderboard{},
		nil,
	)

	rec, resp := doRequest(t, h, "/api/v1/judge/submissions/sub-1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	data, _ := json.Marshal(resp.Data)
	var view submissionView
	if err := json.Unmarshal(data, &view); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	if view.Status != string(result.StatusRunning) || view.DoneTests != 4 {
		t.Fatalf("unexpected view: %+v", view)
	}
}

func TestGetSubmissionFallsBackToRecord(t *testing.T) {
	record := model.Submission{
		ID:          "sub-1",
		Language:    "cpp17",
		Status:      result.StatusFinished,
		Verdict:     sql.NullString{String: "AC", Valid: true},
		ExecutionMs: 120,
		Score:       100,
		TestsPassed: 3,
		TestsTotal:  3,
		SubmittedAt: time.Now(),
		JudgedAt:    sql.NullTime{Time: time.Now(), Valid: true},
	}
	h := NewHandler(
		&fakeSubmissions{record: record},
		&fakeStatus{err: appErr.New(appErr.SubmissionNotFound)},
		&fakeLeaderboard{},
		nil,
	)

	rec, resp := doRequest(t, h, "/api/v1/judge/submissions/sub-1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	data, _ := json.Marshal(resp.Data)
	var view submissionView
	if err := json.Unmarshal(data, &view); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	if view.Verdict != "AC" || view.TestsPassed != 3 || view.JudgedAt == 0 {
		t.Fatalf("unexpected view: %+v", view)
	}
}

func TestGetSubmissionNotFound(t *testing.T) {
	h := NewHandler(
		&fakeSubmissions{err: appErr.New(appErr.SubmissionNotFound)},
		&fakeStatus{err: appErr.New(appErr.SubmissionNotFound)},
		&fakeLeaderboard{},
		nil,
	)

	rec, resp := doRequest(t, h, "/api/v1/judge/submissions/missing")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if resp.Code != int(appErr.SubmissionNotFound) {
		t.Fatalf("code = %d, want %d", resp.Code, appErr.SubmissionNotFound)
	}
}

func TestGetLeaderboard(t *testing.T) {
	h := NewHandler(&fakeSubmissions{}, &fakeStatus{}, &fakeLeaderboard{
		entries: []contest.LeaderboardEntry{
			{UserID: "u1", Score: 200, PenaltyMinutes: 40, Rank: 1},
			{UserID: "u2", Score: 100, PenaltyMinutes: 25, Rank: 2},
		},
	}, nil)

	rec, resp := doRequest(t, h, "/api/v1/contests/c-1/leaderboard?limit=10")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if resp.Code != int(appErr.Success) {
		t.Fatalf("code = %d", resp.Code)
	}
}

func TestGetLeaderboardBadLimit(t *testing.T) {
	h := NewHandler(&fakeSubmissions{}, &fakeStatus{}, &fakeLeaderboard{}, nil)

	rec, _ := doRequest(t, h, "/api/v1/contests/c-1/leaderboard?limit=-5")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}
