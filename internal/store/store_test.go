package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/storybook/internal/manuscript"
)

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type storeFactory func(t *testing.T, opts ...Option) manuscript.Store

func factories() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T, opts ...Option) manuscript.Store {
			return NewMemoryStore(opts...)
		},
		"sqlite": func(t *testing.T, opts ...Option) manuscript.Store {
			s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "storybook.db"), opts...)
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

func forEachStore(t *testing.T, fn func(t *testing.T, newStore storeFactory)) {
	for name, f := range factories() {
		t.Run(name, func(t *testing.T) {
			fn(t, f)
		})
	}
}

func createProject(t *testing.T, s manuscript.Store, id string, total int) {
	t.Helper()
	require.NoError(t, s.CreateState(context.Background(), manuscript.ProjectState{
		ProjectID:     id,
		Title:         "The Long Night",
		Phase:         manuscript.PhaseImprovement,
		TotalSegments: total,
	}))
}

func succeed(t *testing.T, s manuscript.Store, id string, stage manuscript.Stage, index int) manuscript.SegmentResult {
	t.Helper()
	ctx := context.Background()
	claim, ok, err := s.ClaimResult(ctx, id, stage, index, "original", "")
	require.NoError(t, err)
	require.True(t, ok)
	claim.Status = manuscript.StatusSucceeded
	claim.RevisedText = "revised"
	require.NoError(t, s.PutResult(ctx, claim))
	return claim
}

func TestStore_StateLifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		ctx := context.Background()
		s := newStore(t)

		require.NoError(t, s.CreateState(ctx, manuscript.ProjectState{
			ProjectID:     "p1",
			Title:         "The Long Night",
			Phase:         manuscript.PhaseAssessment,
			TotalSegments: 4,
		}))
		err := s.CreateState(ctx, manuscript.ProjectState{ProjectID: "p1", Phase: manuscript.PhaseAssessment})
		assert.ErrorIs(t, err, manuscript.ErrProjectExists)

		st, err := s.GetState(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, "The Long Night", st.Title)
		assert.Equal(t, manuscript.PhaseAssessment, st.Phase)
		assert.Equal(t, 4, st.TotalSegments)
		assert.False(t, st.CreatedAt.IsZero())

		_, err = s.GetState(ctx, "missing")
		assert.ErrorIs(t, err, manuscript.ErrProjectNotFound)

		assessment := &manuscript.Assessment{
			InitialImpression: "Promising",
			Recommendations:   []string{"Tighten pacing"},
			Scores:            map[string]int{"prose": 7},
		}
		st, err = s.SetAssessment(ctx, "p1", assessment)
		require.NoError(t, err)
		assessment.Recommendations[0] = "mutated"
		got, err := s.GetState(ctx, "p1")
		require.NoError(t, err)
		require.NotNil(t, got.Assessment)
		assert.Equal(t, []string{"Tighten pacing"}, got.Assessment.Recommendations)
		assert.Equal(t, 7, got.Assessment.Scores["prose"])
		assert.Equal(t, st.Assessment, got.Assessment)

		require.NoError(t, s.DeleteProject(ctx, "p1"))
		_, err = s.GetState(ctx, "p1")
		assert.ErrorIs(t, err, manuscript.ErrProjectNotFound)
		assert.ErrorIs(t, s.DeleteProject(ctx, "p1"), manuscript.ErrProjectNotFound)
	})
}

func TestStore_PhaseMonotonicity(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		ctx := context.Background()
		clock := newFakeClock()
		s := newStore(t, WithClock(clock.Now))

		require.NoError(t, s.CreateState(ctx, manuscript.ProjectState{ProjectID: "p1", Phase: manuscript.PhaseAssessment}))

		_, err := s.SetPhase(ctx, "p1", manuscript.PhaseFinalization)
		assert.ErrorIs(t, err, manuscript.ErrInvalidTransition)
		st, err := s.GetState(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, manuscript.PhaseAssessment, st.Phase)

		prev := st.UpdatedAt
		for _, phase := range []manuscript.Phase{manuscript.PhaseImprovement, manuscript.PhaseFinalization, manuscript.PhaseComplete} {
			// A clock that moves backwards must not move UpdatedAt backwards.
			clock.Advance(-time.Minute)
			st, err = s.SetPhase(ctx, "p1", phase)
			require.NoError(t, err)
			assert.Equal(t, phase, st.Phase)
			assert.False(t, st.UpdatedAt.Before(prev))
			prev = st.UpdatedAt
		}

		_, err = s.SetPhase(ctx, "p1", manuscript.PhaseImprovement)
		assert.ErrorIs(t, err, manuscript.ErrInvalidTransition)
		_, err = s.SetPhase(ctx, "missing", manuscript.PhaseImprovement)
		assert.ErrorIs(t, err, manuscript.ErrProjectNotFound)
	})
}

func TestStore_ClaimAndPut(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		ctx := context.Background()
		clock := newFakeClock()
		s := newStore(t, WithClock(clock.Now), WithClaimLease(time.Minute))
		createProject(t, s, "p1", 3)

		_, _, err := s.ClaimResult(ctx, "missing", manuscript.StageImprovement, 1, "x", "")
		assert.ErrorIs(t, err, manuscript.ErrProjectNotFound)

		claim, ok, err := s.ClaimResult(ctx, "p1", manuscript.StageImprovement, 1, "original one", "")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, manuscript.StatusPending, claim.Status)
		assert.Equal(t, 1, claim.Attempt)
		assert.Equal(t, "original one", claim.OriginalText)

		// A live pending claim is not re-claimable.
		held, ok, err := s.ClaimResult(ctx, "p1", manuscript.StageImprovement, 1, "original one", "")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, 1, held.Attempt)

		// Record a failure, then retry.
		claim.Status = manuscript.StatusFailed
		claim.Error = "transform timed out"
		require.NoError(t, s.PutResult(ctx, claim))

		retry, ok, err := s.ClaimResult(ctx, "p1", manuscript.StageImprovement, 1, "original one", "")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, 2, retry.Attempt)
		assert.Empty(t, retry.Error)

		// The first attempt may no longer write.
		claim.Status = manuscript.StatusSucceeded
		assert.ErrorIs(t, s.PutResult(ctx, claim), manuscript.ErrStaleAttempt)

		retry.Status = manuscript.StatusSucceeded
		retry.RevisedText = "revised one"
		require.NoError(t, s.PutResult(ctx, retry))
		// A second write for the same attempt is stale too.
		assert.ErrorIs(t, s.PutResult(ctx, retry), manuscript.ErrStaleAttempt)

		got, found, err := s.GetResult(ctx, "p1", manuscript.StageImprovement, 1)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, manuscript.StatusSucceeded, got.Status)
		assert.Equal(t, "revised one", got.RevisedText)
		assert.Equal(t, 2, got.Attempt)

		// Succeeded results are never re-claimed.
		done, ok, err := s.ClaimResult(ctx, "p1", manuscript.StageImprovement, 1, "original one", "")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, manuscript.StatusSucceeded, done.Status)

		_, found, err = s.GetResult(ctx, "p1", manuscript.StageFinalization, 1)
		require.NoError(t, err)
		assert.False(t, found)
	})
}

func TestStore_ExpiredClaimIsReclaimable(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		ctx := context.Background()
		clock := newFakeClock()
		s := newStore(t, WithClock(clock.Now), WithClaimLease(time.Minute))
		createProject(t, s, "p1", 1)

		first, ok, err := s.ClaimResult(ctx, "p1", manuscript.StageImprovement, 1, "text", "")
		require.NoError(t, err)
		require.True(t, ok)

		clock.Advance(2 * time.Minute)
		second, ok, err := s.ClaimResult(ctx, "p1", manuscript.StageImprovement, 1, "text", "")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, first.Attempt+1, second.Attempt)

		first.Status = manuscript.StatusSucceeded
		assert.ErrorIs(t, s.PutResult(ctx, first), manuscript.ErrStaleAttempt)
	})
}

func TestStore_OwnerTakesBackItsPendingClaim(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		ctx := context.Background()
		clock := newFakeClock()
		s := newStore(t, WithClock(clock.Now), WithClaimLease(time.Hour))
		createProject(t, s, "p1", 1)

		first, ok, err := s.ClaimResult(ctx, "p1", manuscript.StageImprovement, 1, "text", "manuscript-rain")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "manuscript-rain", first.ClaimedBy)

		for _, other := range []string{"", "manuscript-snow"} {
			held, ok, err := s.ClaimResult(ctx, "p1", manuscript.StageImprovement, 1, "text", other)
			require.NoError(t, err)
			assert.False(t, ok, "owner %q", other)
			assert.Equal(t, "manuscript-rain", held.ClaimedBy)
		}

		clock.Advance(time.Minute)
		second, ok, err := s.ClaimResult(ctx, "p1", manuscript.StageImprovement, 1, "text", "manuscript-rain")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, first.Attempt+1, second.Attempt)

		first.Status = manuscript.StatusSucceeded
		assert.ErrorIs(t, s.PutResult(ctx, first), manuscript.ErrStaleAttempt)

		got, _, err := s.GetResult(ctx, "p1", manuscript.StageImprovement, 1)
		require.NoError(t, err)
		assert.Equal(t, "manuscript-rain", got.ClaimedBy)
		assert.Equal(t, manuscript.StatusPending, got.Status)
	})
}

func TestStore_ChangedOriginal(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		ctx := context.Background()
		s := newStore(t)
		createProject(t, s, "p1", 1)

		// Finishing windows are never counted, so a new window text is redone.
		succeed(t, s, "p1", manuscript.StageFinalization, 1)
		_, ok, err := s.ClaimResult(ctx, "p1", manuscript.StageFinalization, 1, "original", "")
		require.NoError(t, err)
		assert.False(t, ok)

		redo, ok, err := s.ClaimResult(ctx, "p1", manuscript.StageFinalization, 1, "different window", "")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, 2, redo.Attempt)
		assert.Equal(t, "different window", redo.OriginalText)
		assert.Empty(t, redo.RevisedText)

		// A counted improvement result is kept.
		succeed(t, s, "p1", manuscript.StageImprovement, 1)
		_, did, err := s.IncrementProcessed(ctx, "p1", 1)
		require.NoError(t, err)
		require.True(t, did)

		kept, ok, err := s.ClaimResult(ctx, "p1", manuscript.StageImprovement, 1, "edited", "")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, manuscript.StatusSucceeded, kept.Status)
		assert.Equal(t, "original", kept.OriginalText)
		assert.True(t, kept.Counted)
	})
}

func TestStore_IncrementProcessedOncePerSegment(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		ctx := context.Background()
		s := newStore(t)
		createProject(t, s, "p1", 2)

		// Not yet succeeded.
		_, _, err := s.IncrementProcessed(ctx, "p1", 1)
		assert.Error(t, err)

		succeed(t, s, "p1", manuscript.StageImprovement, 1)
		st, did, err := s.IncrementProcessed(ctx, "p1", 1)
		require.NoError(t, err)
		assert.True(t, did)
		assert.Equal(t, 1, st.SegmentsProcessed)

		st, did, err = s.IncrementProcessed(ctx, "p1", 1)
		require.NoError(t, err)
		assert.False(t, did)
		assert.Equal(t, 1, st.SegmentsProcessed)

		_, _, err = s.IncrementProcessed(ctx, "p1", 3)
		assert.Error(t, err)

		r, _, err := s.GetResult(ctx, "p1", manuscript.StageImprovement, 1)
		require.NoError(t, err)
		assert.True(t, r.Counted)
	})
}

func TestStore_ConcurrentClaimsAndIncrements(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		ctx := context.Background()
		s := newStore(t)
		const total = 8
		createProject(t, s, "p1", total)

		var wins atomic.Int32
		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 1; i <= total; i++ {
					claim, ok, err := s.ClaimResult(ctx, "p1", manuscript.StageImprovement, i, "text", "")
					if err != nil || !ok {
						continue
					}
					wins.Add(1)
					claim.Status = manuscript.StatusSucceeded
					if err := s.PutResult(ctx, claim); err != nil {
						continue
					}
					_, _, _ = s.IncrementProcessed(ctx, "p1", i)
					_, _, _ = s.IncrementProcessed(ctx, "p1", i)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(total), wins.Load())
		st, err := s.GetState(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, total, st.SegmentsProcessed)
	})
}

func TestStore_ListResultsOrdered(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		ctx := context.Background()
		s := newStore(t)
		createProject(t, s, "p1", 3)
		createProject(t, s, "p2", 3)

		for _, i := range []int{3, 1, 2} {
			succeed(t, s, "p1", manuscript.StageImprovement, i)
		}
		succeed(t, s, "p1", manuscript.StageFinalization, 1)
		succeed(t, s, "p2", manuscript.StageImprovement, 1)

		results, err := s.ListResults(ctx, "p1", manuscript.StageImprovement)
		require.NoError(t, err)
		require.Len(t, results, 3)
		for i, r := range results {
			assert.Equal(t, i+1, r.SegmentIndex)
			assert.Equal(t, "p1", r.ProjectID)
		}

		require.NoError(t, s.DeleteProject(ctx, "p1"))
		results, err = s.ListResults(ctx, "p1", manuscript.StageImprovement)
		require.NoError(t, err)
		assert.Empty(t, results)

		results, err = s.ListResults(ctx, "p2", manuscript.StageImprovement)
		require.NoError(t, err)
		assert.Len(t, results, 1)
	})
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "storybook.db")

	s, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	createProject(t, s, "p1", 2)
	succeed(t, s, "p1", manuscript.StageImprovement, 2)
	require.NoError(t, s.Close())

	s, err = OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer s.Close()

	st, err := s.GetState(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 2, st.TotalSegments)

	r, found, err := s.GetResult(ctx, "p1", manuscript.StageImprovement, 2)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "revised", r.RevisedText)
}

func TestSQLiteStore_ClosedDatabaseIsStorageUnavailable(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.GetState(ctx, "p1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, manuscript.ErrStorageUnavailable))

	_, _, err = s.ClaimResult(ctx, "p1", manuscript.StageImprovement, 1, "x", "")
	assert.True(t, errors.Is(err, manuscript.ErrStorageUnavailable))
}

func TestOpenSQLite_AddsClaimOwnerColumn(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "old.db")

	db, err := sql.Open("sqlite", "file:"+path)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `
		CREATE TABLE segment_results (
			project_id    TEXT NOT NULL,
			stage         TEXT NOT NULL,
			segment_index INTEGER NOT NULL,
			original_text TEXT NOT NULL,
			revised_text  TEXT NOT NULL DEFAULT '',
			summary       TEXT NOT NULL DEFAULT '',
			status        TEXT NOT NULL,
			attempt       INTEGER NOT NULL,
			error         TEXT NOT NULL DEFAULT '',
			counted       INTEGER NOT NULL DEFAULT 0,
			claimed_at    INTEGER NOT NULL,
			updated_at    INTEGER NOT NULL,
			PRIMARY KEY (project_id, stage, segment_index)
		)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	createProject(t, s, "p1", 1)

	claim, ok, err := s.ClaimResult(ctx, "p1", manuscript.StageImprovement, 1, "text", "worker")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "worker", claim.ClaimedBy)

	// Reopening an upgraded database is a no-op.
	require.NoError(t, s.Close())
	reopened, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer reopened.Close()
	got, found, err := reopened.GetResult(ctx, "p1", manuscript.StageImprovement, 1)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "worker", got.ClaimedBy)
}
