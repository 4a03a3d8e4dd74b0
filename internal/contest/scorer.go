package contest

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"arbiter/internal/common/cache"
	"arbiter/internal/common/db"
	"arbiter/internal/judge/model"
	"arbiter/internal/judge/sandbox/result"
	appErr "arbiter/pkg/errors"
	"arbiter/pkg/utils/logger"
	"go.uber.org/zap"
)

const (
	defaultPenaltyPerWrong = 20
	leaderboardTTL         = 10 * time.Minute
	refreshLockTTL         = 5 * time.Second
	refreshLockAttempts    = 5
)

func leaderboardKey(contestID string) string {
	return "contest:leaderboard:" + contestID
}

func standingsKey(contestID string) string {
	return "contest:standings:" + contestID
}

func refreshLockKey(contestID string) string {
	return "contest:refresh-lock:" + contestID
}

// Scorer applies terminal verdicts to contest standings. ApplyResult
// runs inside the result sink's transaction; the leaderboard cache is
// refreshed after that transaction commits.
type Scorer struct {
	repo  Repository
	cache cache.Cache
}

func NewScorer(repo Repository, c cache.Cache) *Scorer {
	return &Scorer{repo: repo, cache: c}
}

// ApplyResult updates the participant's problem state and standing for
// one terminal verdict. It reports whether standings changed so the
// caller knows to refresh the leaderboard after commit.
//
// Scoring rules: the first accepted submission on a problem adds the
// submission's score plus a penalty of elapsed contest minutes and a
// fixed charge per prior wrong attempt. Later accepts on a solved
// problem add nothing. Wrong submissions on never-solved problems only
// increase the attempt counter.
func (s *Scorer) ApplyResult(ctx context.Context, q db.Querier, res model.TerminalResult) (bool, error) {
	if res.ContestID == "" {
		return false, nil
	}
	if res.Status != result.StatusFinished {
		// Infrastructure failures never count as attempts.
		return false, nil
	}

	contest, err := s.repo.GetContest(ctx, q, res.ContestID)
	if err != nil {
		return false, err
	}
	if !contest.IsRunning(res.SubmittedAt) {
		logger.Debug(ctx, "submission outside contest window, not scored",
			zap.String("contest_id", res.ContestID),
			zap.String("submission_id", res.SubmissionID))
		return false, nil
	}

	state, err := s.repo.GetProblemStateForUpdate(ctx, q, res.ContestID, res.UserID, res.ProblemID)
	if err != nil {
		return false, err
	}
	if state.Solved {
		return false, nil
	}

	if res.Verdict != result.VerdictAC {
		if res.Verdict == result.VerdictCE {
			// Compile errors are conventionally penalty-free.
			return false, nil
		}
		state.WrongAttempts++
		if err := s.repo.SaveProblemState(ctx, q, state); err != nil {
			return false, err
		}
		return false, nil
	}

	perWrong := contest.PenaltyPerWrong
	if perWrong <= 0 {
		perWrong = defaultPenaltyPerWrong
	}
	elapsed := int(res.SubmittedAt.Sub(contest.StartAt).Minutes())
	if elapsed < 0 {
		elapsed = 0
	}
	penalty := elapsed + perWrong*state.WrongAttempts

	state.Solved = true
	state.SolvedAt = sql.NullTime{Time: res.SubmittedAt, Valid: true}
	if err := s.repo.SaveProblemState(ctx, q, state); err != nil {
		return false, err
	}
	if err := s.repo.ApplyParticipantDelta(ctx, q, res.ContestID, res.UserID, res.Score, penalty); err != nil {
		return false, err
	}
	return true, nil
}

// RefreshLeaderboard recomputes dense ranks from the database and
// rewrites the cached standings. Concurrent refreshes of the same
// contest are serialized by a distributed lock.
func (s *Scorer) RefreshLeaderboard(ctx context.Context, q db.Querier, contestID string) ([]LeaderboardEntry, error) {
	lockKey := refreshLockKey(contestID)
	locked := false
	for attempt := 0; attempt < refreshLockAttempts; attempt++ {
		ok, err := s.cache.TryLock(ctx, lockKey, refreshLockTTL)
		if err != nil {
			return nil, appErr.Wrapf(err, appErr.LockFailed, "acquire refresh lock failed")
		}
		if ok {
			locked = true
			break
		}
		select {
		case <-ctx.Done():
			return nil, appErr.Wrapf(ctx.Err(), appErr.Timeout, "wait for refresh lock cancelled")
		case <-time.After(50 * time.Millisecond << attempt):
		}
	}
	if !locked {
		return nil, appErr.Newf(appErr.ScoringConflict, "leaderboard refresh for contest %s already in progress", contestID)
	}
	defer func() {
		if err := s.cache.Unlock(context.WithoutCancel(ctx), lockKey); err != nil {
			logger.Warn(ctx, "release refresh lock failed", zap.String("contest_id", contestID), zap.Error(err))
		}
	}()

	participants, err := s.repo.ListParticipants(ctx, q, contestID)
	if err != nil {
		return nil, err
	}
	entries := assignDenseRanks(participants)
	if err := s.repo.SaveRanks(ctx, q, rankedParticipants(contestID, entries)); err != nil {
		return nil, err
	}
	if err := s.writeCache(ctx, contestID, entries); err != nil {
		// Cache failures degrade reads, not scoring.
		logger.Warn(ctx, "write leaderboard cache failed", zap.String("contest_id", contestID), zap.Error(err))
	}
	return entries, nil
}

// Leaderboard returns the first limit standings rows, serving from the
// cache and rebuilding it from the database when absent.
func (s *Scorer) Leaderboard(ctx context.Context, q db.Querier, contestID string, limit int64) ([]LeaderboardEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	count, err := s.cache.ZCard(ctx, leaderboardKey(contestID))
	if err == nil && count > 0 {
		entries, readErr := s.readCache(ctx, contestID, limit)
		if readErr == nil {
			return entries, nil
		}
		logger.Warn(ctx, "read leaderboard cache failed",
			zap.String("contest_id", contestID), zap.Error(readErr))
	}

	entries, err := s.RefreshLeaderboard(ctx, q, contestID)
	if err != nil {
		return nil, err
	}
	if int64(len(entries)) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (s *Scorer) writeCache(ctx context.Context, contestID string, entries []LeaderboardEntry) error {
	zkey := leaderboardKey(contestID)
	hkey := standingsKey(contestID)
	if err := s.cache.Del(ctx, zkey, hkey); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	members := make([]cache.ZMember, 0, len(entries))
	fields := make(map[string]interface{}, len(entries))
	for _, e := range entries {
		members = append(members, cache.ZMember{
			Member: e.UserID,
			Score:  compositeScore(e.Score, e.PenaltyMinutes),
		})
		fields[e.UserID] = encodeStanding(e)
	}
	if err := s.cache.ZAdd(ctx, zkey, members...); err != nil {
		return err
	}
	if err := s.cache.HMSet(ctx, hkey, fields); err != nil {
		return err
	}
	if err := s.cache.Expire(ctx, zkey, cache.JitterTTL(leaderboardTTL)); err != nil {
		return err
	}
	return s.cache.Expire(ctx, hkey, cache.JitterTTL(leaderboardTTL))
}

func (s *Scorer) readCache(ctx context.Context, contestID string, limit int64) ([]LeaderboardEntry, error) {
	userIDs, err := s.cache.ZRevRange(ctx, leaderboardKey(contestID), 0, limit-1)
	if err != nil {
		return nil, err
	}
	standings, err := s.cache.HGetAll(ctx, standingsKey(contestID))
	if err != nil {
		return nil, err
	}

	entries := make([]LeaderboardEntry, 0, len(userIDs))
	for _, userID := range userIDs {
		raw, ok := standings[userID]
		if !ok {
			return nil, appErr.Newf(appErr.CacheError, "standing missing for user %s", userID)
		}
		entry, err := decodeStanding(userID, raw)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// compositeScore orders the sorted set by score descending, penalty
// ascending. Penalties stay far below the score step in practice.
func compositeScore(score, penaltyMinutes int) float64 {
	return float64(score)*1e6 - float64(penaltyMinutes)
}

func encodeStanding(e LeaderboardEntry) string {
	return fmt.Sprintf("%d:%d:%d", e.Score, e.PenaltyMinutes, e.Rank)
}

func decodeStanding(userID, raw string) (LeaderboardEntry, error) {
	parts := strings.Split(raw, ":")
	if len(parts) != 3 {
		return LeaderboardEntry{}, appErr.Newf(appErr.CacheError, "malformed standing %q", raw)
	}
	score, err1 := strconv.Atoi(parts[0])
	penalty, err2 := strconv.Atoi(parts[1])
	rank, err3 := strconv.Atoi(parts[2])
	if err1 != nil || err2 != nil || err3 != nil {
		return LeaderboardEntry{}, appErr.Newf(appErr.CacheError, "malformed standing %q", raw)
	}
	return LeaderboardEntry{UserID: userID, Score: score, PenaltyMinutes: penalty, Rank: rank}, nil
}

// assignDenseRanks expects participants ordered by score descending,
// penalty ascending. Ties share a rank; ranks stay dense (1, 2, 3, ...).
func assignDenseRanks(participants []Participant) []LeaderboardEntry {
	entries := make([]LeaderboardEntry, 0, len(participants))
	rank := 0
	prevScore, prevPenalty := -1, -1
	for _, p := range participants {
		if p.Score != prevScore || p.PenaltyMinutes != prevPenalty {
			rank++
			prevScore, prevPenalty = p.Score, p.PenaltyMinutes
		}
		entries = append(entries, LeaderboardEntry{
			UserID:         p.UserID,
			Score:          p.Score,
			PenaltyMinutes: p.PenaltyMinutes,
			Rank:           rank,
		})
	}
	return entries
}

func rankedParticipants(contestID string, entries []LeaderboardEntry) []Participant {
	participants := make([]Participant, 0, len(entries))
	for _, e := range entries {
		participants = append(participants, Participant{
			ContestID:      contestID,
			UserID:         e.UserID,
			Score:          e.Score,
			PenaltyMinutes: e.PenaltyMinutes,
			Rank:           e.Rank,
		})
	}
	return participants
}
