package repository

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"arbiter/internal/common/db"
	"arbiter/internal/judge/model"
	"arbiter/internal/judge/sandbox/result"
)

type fakeRow struct {
	values []interface{}
	err    error
}

func (r *fakeRow) Scan(dest ...interface{}) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		if i >= len(r.values) {
			break
		}
		if s, ok := d.(*string); ok {
			*s = r.values[i].(string)
		}
	}
	return nil
}

type fakeResult struct{ affected int64 }

func (fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (r fakeResult) RowsAffected() (int64, error) {
	return r.affected, nil
}

// fakeDB is a minimal db.Database recording submission updates against
// a single stored status.
type fakeDB struct {
	status  string
	missing bool
	updates int
}

func (f *fakeDB) Query(ctx context.Context, query string, args ...interface{}) (db.Rows, error) {
	return nil, sql.ErrNoRows
}

func (f *fakeDB) QueryRow(ctx context.Context, query string, args ...interface{}) db.Row {
	if f.missing {
		return &fakeRow{err: sql.ErrNoRows}
	}
	return &fakeRow{values: []interface{}{f.status}}
}

func (f *fakeDB) Exec(ctx context.Context, query string, args ...interface{}) (db.Result, error) {
	if strings.Contains(query, "UPDATE submissions") {
		f.updates++
		f.status = args[0].(string)
	}
	return fakeResult{affected: 1}, nil
}

func (f *fakeDB) Transaction(ctx context.Context, fn func(tx db.Transaction) error) error {
	return fn(&fakeTx{db: f})
}

func (f *fakeDB) BeginTx(ctx context.Context, opts *db.TxOptions) (db.Transaction, error) {
	return &fakeTx{db: f}, nil
}

func (f *fakeDB) Ping(ctx context.Context) error { return nil }
func (f *fakeDB) Close() error                   { return nil }
func (f *fakeDB) Stats() db.Stats                { return db.Stats{} }

type fakeTx struct{ db *fakeDB }

func (t *fakeTx) Query(ctx context.Context, query string, args ...interface{}) (db.Rows, error) {
	return t.db.Query(ctx, query, args...)
}

func (t *fakeTx) QueryRow(ctx context.Context, query string, args ...interface{}) db.Row {
	return t.db.QueryRow(ctx, query, args...)
}

func (t *fakeTx) Exec(ctx context.Context, query string, args ...interface{}) (db.Result, error) {
	return t.db.Exec(ctx, query, args...)
}

func (t *fakeTx) Commit() error   { return nil }
func (t *fakeTx) Rollback() error { return nil }

type countingPublisher struct {
	events []model.ResultEvent
}

func (p *countingPublisher) PublishResult(ctx context.Context, event model.ResultEvent) error {
	p.events = append(p.events, event)
	return nil
}

func terminalFixture() model.TerminalResult {
	return model.TerminalResult{
		SubmissionID: "sub-1",
		ProblemID:    "p-1",
		UserID:       "u-1",
		Status:       result.StatusFinished,
		Verdict:      result.VerdictAC,
		ExecutionMs:  120,
		MemoryKB:     2048,
		Score:        100,
		TestsPassed:  3,
		TestsTotal:   3,
		SubmittedAt:  time.Now().Add(-time.Minute),
		JudgedAt:     time.Now(),
	}
}

func TestResultSinkRecordsAndPublishesOnce(t *testing.T) {
	database := &fakeDB{status: string(result.StatusRunning)}
	publisher := &countingPublisher{}
	sink := NewResultSink(database, nil, publisher, nil)

	if err := sink.Record(context.Background(), terminalFixture()); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if database.updates != 1 {
		t.Fatalf("updates = %d, want 1", database.updates)
	}
	if len(publisher.events) != 1 {
		t.Fatalf("events = %d, want 1", len(publisher.events))
	}
	ev := publisher.events[0]
	if ev.SubmissionID != "sub-1" || ev.Verdict != "AC" || ev.TestsPassed != 3 {
		t.Fatalf("unexpected event: %+v", ev)
	}

	// Redelivery: the verdict is set exactly once, so the terminal row is
	// neither rewritten nor re-published.
	redelivered := terminalFixture()
	redelivered.Verdict = result.VerdictWA
	if err := sink.Record(context.Background(), redelivered); err != nil {
		t.Fatalf("Record() redelivery error = %v", err)
	}
	if database.updates != 1 {
		t.Fatalf("updates = %d, want terminal row untouched on redelivery", database.updates)
	}
	if len(publisher.events) != 1 {
		t.Fatalf("events = %d after redelivery, want 1", len(publisher.events))
	}
}

func TestResultSinkUnknownSubmission(t *testing.T) {
	database := &fakeDB{missing: true}
	sink := NewResultSink(database, nil, &countingPublisher{}, nil)

	if err := sink.Record(context.Background(), terminalFixture()); err == nil {
		t.Fatalf("Record() accepted unknown submission")
	}
}

func TestResultSinkTruncatesErrorMessage(t *testing.T) {
	database := &fakeDB{status: string(result.StatusRunning)}
	publisher := &countingPublisher{}
	sink := NewResultSink(database, nil, publisher, nil)

	res := terminalFixture()
	res.Verdict = result.VerdictCE
	res.ErrorMessage = strings.Repeat("e", maxErrorMessageLen+100)
	if err := sink.Record(context.Background(), res); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if got := len(publisher.events[0].ErrorMessage); got != maxErrorMessageLen {
		t.Fatalf("error message length = %d, want %d", got, maxErrorMessageLen)
	}
}
