package repository

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"arbiter/internal/common/cache"
	"arbiter/internal/judge/sandbox"
	"arbiter/internal/judge/sandbox/result"
	appErr "arbiter/pkg/errors"
)

func newStatusRepo(t *testing.T) *StatusRepository {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c, err := cache.NewRedisCacheWithClient(client)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	return NewStatusRepository(c)
}

func TestStatusRepositoryReportAndGet(t *testing.T) {
	t.Parallel()
	repo := newStatusRepo(t)
	ctx := context.Background()

	repo.Report(ctx, sandbox.StatusUpdate{
		SubmissionID: "sub-1",
		Status:       result.StatusRunning,
		Language:     "cpp17",
		TotalTests:   5,
		DoneTests:    2,
		ReceivedAt:   1700000000,
	})

	got, err := repo.Get(ctx, "sub-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != result.StatusRunning {
		t.Fatalf("status = %q, want %q", got.Status, result.StatusRunning)
	}
	if got.Language != "cpp17" || got.TotalTests != 5 || got.DoneTests != 2 {
		t.Fatalf("unexpected snapshot: %+v", got)
	}
	if got.ReceivedAt != 1700000000 {
		t.Fatalf("received_at = %d", got.ReceivedAt)
	}
}

func TestStatusRepositoryOverwritesProgress(t *testing.T) {
	t.Parallel()
	repo := newStatusRepo(t)
	ctx := context.Background()

	repo.Report(ctx, sandbox.StatusUpdate{SubmissionID: "sub-2", Status: result.StatusCompiling, TotalTests: 3})
	repo.Report(ctx, sandbox.StatusUpdate{SubmissionID: "sub-2", Status: result.StatusRunning, TotalTests: 3, DoneTests: 3})

	got, err := repo.Get(ctx, "sub-2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != result.StatusRunning || got.DoneTests != 3 {
		t.Fatalf("unexpected snapshot: %+v", got)
	}
}

func TestStatusRepositoryGetMissing(t *testing.T) {
	t.Parallel()
	repo := newStatusRepo(t)

	_, err := repo.Get(context.Background(), "nope")
	if appErr.GetCode(err) != appErr.SubmissionNotFound {
		t.Fatalf("code = %d, want SubmissionNotFound", appErr.GetCode(err))
	}
}

func TestStatusRepositoryDelete(t *testing.T) {
	t.Parallel()
	repo := newStatusRepo(t)
	ctx := context.Background()

	repo.Report(ctx, sandbox.StatusUpdate{SubmissionID: "sub-3", Status: result.StatusJudging})
	repo.Delete(ctx, "sub-3")

	if _, err := repo.Get(ctx, "sub-3"); appErr.GetCode(err) != appErr.SubmissionNotFound {
		t.Fatalf("snapshot survived delete")
	}
}

func TestStatusRepositoryIgnoresEmptyID(t *testing.T) {
	t.Parallel()
	repo := newStatusRepo(t)
	repo.Report(context.Background(), sandbox.StatusUpdate{Status: result.StatusPending})
}
