package conversation

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"analysis-coordinator/internal/domain"
)

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

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(clock *fakeClock, opts Options) *Store {
	opts.Now = clock.Now
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewStore(opts)
}

func TestLookup_Miss(t *testing.T) {
	s := newTestStore(newFakeClock(), Options{})
	_, ok := s.Lookup("conv-1", "hello")
	require.False(t, ok)
}

func TestLookup_ConversationsAreIsolated(t *testing.T) {
	s := newTestStore(newFakeClock(), Options{})
	s.Put("conv-1", "hello", domain.SkipOutcome("fine"))

	_, ok := s.Lookup("conv-2", "hello")
	require.False(t, ok)
	got, ok := s.Lookup("conv-1", "hello")
	require.True(t, ok)
	require.Equal(t, "fine", got.Explanation)
}

func TestLookup_TTLBoundary(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(clock, Options{TTL: 5 * time.Minute})
	outcome := &domain.Outcome{Comment: "nice", Explanation: "x"}
	s.Put("conv-1", "hello", outcome)

	clock.Advance(5*time.Minute - time.Millisecond)
	got, ok := s.Lookup("conv-1", "hello")
	require.True(t, ok)
	require.Same(t, outcome, got)

	clock.Advance(2 * time.Millisecond)
	_, ok = s.Lookup("conv-1", "hello")
	require.False(t, ok)
	require.Zero(t, s.CacheLen("conv-1"), "expired entry is deleted on read")
}

func TestPut_EvictsOldestTenPercentAtCapacity(t *testing.T) {
	s := newTestStore(newFakeClock(), Options{Capacity: 100})
	for i := 0; i < 101; i++ {
		s.Put("conv-1", fmt.Sprintf("text-%03d", i), domain.SkipOutcome(""))
	}

	require.Equal(t, 91, s.CacheLen("conv-1"))
	for i := 0; i < 10; i++ {
		_, ok := s.Lookup("conv-1", fmt.Sprintf("text-%03d", i))
		require.False(t, ok, "text-%03d should have been evicted", i)
	}
	for i := 10; i < 101; i++ {
		_, ok := s.Lookup("conv-1", fmt.Sprintf("text-%03d", i))
		require.True(t, ok, "text-%03d should still be cached", i)
	}
}

func TestPut_EvictsAtLeastOne(t *testing.T) {
	s := newTestStore(newFakeClock(), Options{Capacity: 3})
	s.Put("conv-1", "a", domain.SkipOutcome(""))
	s.Put("conv-1", "b", domain.SkipOutcome(""))
	s.Put("conv-1", "c", domain.SkipOutcome(""))
	s.Put("conv-1", "d", domain.SkipOutcome(""))

	require.Equal(t, 3, s.CacheLen("conv-1"))
	_, ok := s.Lookup("conv-1", "a")
	require.False(t, ok)
}

func TestPut_OverwriteKeepsInsertionPosition(t *testing.T) {
	s := newTestStore(newFakeClock(), Options{Capacity: 2, EvictFraction: 0.5})
	s.Put("conv-1", "a", domain.SkipOutcome("first"))
	s.Put("conv-1", "b", domain.SkipOutcome(""))
	s.Put("conv-1", "a", domain.SkipOutcome("second"))
	require.Equal(t, 2, s.CacheLen("conv-1"))

	s.Put("conv-1", "c", domain.SkipOutcome(""))
	_, ok := s.Lookup("conv-1", "a")
	require.False(t, ok, "a was inserted first and goes first")
	_, ok = s.Lookup("conv-1", "b")
	require.True(t, ok)
}

func TestPut_CorrectionSeedsSkipForCorrectedText(t *testing.T) {
	s := newTestStore(newFakeClock(), Options{})
	s.Put("conv-1", "I goes home", &domain.Outcome{Correction: "I go home", Explanation: "agreement"})

	got, ok := s.Lookup("conv-1", "I go home")
	require.True(t, ok)
	require.True(t, got.IsSkip())
	require.Equal(t, 2, s.CacheLen("conv-1"))
}

func TestPut_CorrectionSeedIsExactMatchOnly(t *testing.T) {
	s := newTestStore(newFakeClock(), Options{})
	s.Put("conv-1", "I goes home", &domain.Outcome{Correction: "I go home.", Explanation: "agreement"})

	_, ok := s.Lookup("conv-1", "I go home")
	require.False(t, ok, "punctuation variants of the correction are not suppressed")
}

func TestPut_CorrectionSeedNeverEvictsOriginal(t *testing.T) {
	s := newTestStore(newFakeClock(), Options{Capacity: 2, EvictFraction: 1})
	s.Put("conv-1", "earlier", domain.SkipOutcome(""))

	outcome := &domain.Outcome{Correction: "I go home", Explanation: "agreement"}
	s.Put("conv-1", "I goes home", outcome)

	got, ok := s.Lookup("conv-1", "I goes home")
	require.True(t, ok)
	require.Same(t, outcome, got)
	seeded, ok := s.Lookup("conv-1", "I go home")
	require.True(t, ok)
	require.True(t, seeded.IsSkip())
	_, ok = s.Lookup("conv-1", "earlier")
	require.False(t, ok)
	require.Equal(t, 2, s.CacheLen("conv-1"))
}

func TestPut_SingleEntryCacheKeepsOriginalOverSeed(t *testing.T) {
	s := newTestStore(newFakeClock(), Options{Capacity: 1})
	outcome := &domain.Outcome{Correction: "I go home", Explanation: "agreement"}
	s.Put("conv-1", "I goes home", outcome)

	got, ok := s.Lookup("conv-1", "I goes home")
	require.True(t, ok)
	require.Same(t, outcome, got)
	_, ok = s.Lookup("conv-1", "I go home")
	require.False(t, ok)
	require.Equal(t, 1, s.CacheLen("conv-1"))
}

func TestPut_CorrectionEqualToTextDoesNotOverwrite(t *testing.T) {
	s := newTestStore(newFakeClock(), Options{})
	outcome := &domain.Outcome{Correction: "hello", Explanation: "unchanged"}
	s.Put("conv-1", "hello", outcome)

	got, ok := s.Lookup("conv-1", "hello")
	require.True(t, ok)
	require.Same(t, outcome, got)
}

func TestBegin_SingleLeaderPerKey(t *testing.T) {
	s := newTestStore(newFakeClock(), Options{})

	hit, p1, leader := s.Begin("conv-1", "hello")
	require.Nil(t, hit)
	require.True(t, leader)

	hit, p2, leader := s.Begin("conv-1", "hello")
	require.Nil(t, hit)
	require.False(t, leader)
	require.Same(t, p1, p2)

	_, p3, leader := s.Begin("conv-2", "hello")
	require.True(t, leader)
	require.NotSame(t, p1, p3)
}

func TestBegin_ConcurrentCallersShareOneHandle(t *testing.T) {
	s := newTestStore(newFakeClock(), Options{})

	const n = 50
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		leaders int
		handles = map[*Pending]struct{}{}
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, p, leader := s.Begin("conv-1", "same text")
			mu.Lock()
			defer mu.Unlock()
			handles[p] = struct{}{}
			if leader {
				leaders++
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, leaders)
	require.Len(t, handles, 1)
}

func TestBegin_CacheHitShortCircuits(t *testing.T) {
	s := newTestStore(newFakeClock(), Options{})
	outcome := domain.SkipOutcome("ok")
	s.Put("conv-1", "hello", outcome)

	hit, p, leader := s.Begin("conv-1", "hello")
	require.Same(t, outcome, hit)
	require.Nil(t, p)
	require.False(t, leader)
}

func TestPendingRegistry(t *testing.T) {
	s := newTestStore(newFakeClock(), Options{})
	_, ok := s.GetPending("conv-1", "hello")
	require.False(t, ok)

	p := NewPending()
	s.SetPending("conv-1", "hello", p)
	got, ok := s.GetPending("conv-1", "hello")
	require.True(t, ok)
	require.Same(t, p, got)

	s.ClearPending("conv-1", "hello", NewPending())
	_, ok = s.GetPending("conv-1", "hello")
	require.True(t, ok, "clearing with a different handle is a no-op")

	s.ClearPending("conv-1", "hello", p)
	_, ok = s.GetPending("conv-1", "hello")
	require.False(t, ok)

	s.ClearPending("missing", "hello", p)
}

func TestRecord_TrimsToWindowNewestFirst(t *testing.T) {
	s := newTestStore(newFakeClock(), Options{RecencyWindow: 5})
	for i := 1; i <= 7; i++ {
		s.Record("conv-1", fmt.Sprintf("t%d", i), "")
	}
	require.Equal(t, []string{"t7", "t6", "t5", "t4", "t3"}, s.Recent("conv-1", ""))

	s.Record("conv-1", "t7", "")
	require.Equal(t, []string{"t7", "t6", "t5", "t4", "t3"}, s.Recent("conv-1", ""))
}

func TestRecord_DedupOnlyAgainstHead(t *testing.T) {
	s := newTestStore(newFakeClock(), Options{})
	s.Record("conv-1", "a", "")
	s.Record("conv-1", "b", "")
	s.Record("conv-1", "a", "")
	require.Equal(t, []string{"a", "b", "a"}, s.Recent("conv-1", ""))
}

func TestRecord_SubstituteReplacesText(t *testing.T) {
	s := newTestStore(newFakeClock(), Options{})
	s.Record("conv-1", "I goes home", "I go home")
	require.Equal(t, []string{"I go home"}, s.Recent("conv-1", ""))
}

func TestRecent_Exclude(t *testing.T) {
	s := newTestStore(newFakeClock(), Options{})
	s.Record("conv-1", "a", "")
	s.Record("conv-1", "b", "")
	s.Record("conv-1", "c", "")
	require.Equal(t, []string{"c", "a"}, s.Recent("conv-1", "b"))
	require.Nil(t, s.Recent("unknown", ""))
}

func TestRecent_ReturnsCopy(t *testing.T) {
	s := newTestStore(newFakeClock(), Options{})
	s.Record("conv-1", "a", "")
	got := s.Recent("conv-1", "")
	got[0] = "mutated"
	require.Equal(t, []string{"a"}, s.Recent("conv-1", ""))
}

func TestSweep_RemovesIdleConversations(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(clock, Options{IdleTimeout: 30 * time.Minute})
	s.Put("idle", "hello", domain.SkipOutcome(""))
	clock.Advance(20 * time.Minute)
	s.Put("active", "hello", domain.SkipOutcome(""))
	clock.Advance(11 * time.Minute)

	require.Equal(t, 1, s.Sweep(clock.Now()))
	require.Equal(t, 1, s.Len())
	require.Zero(t, s.CacheLen("idle"))
	require.Equal(t, 1, s.CacheLen("active"))
}

func TestSweep_KeepsConversationsWithCallsInFlight(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(clock, Options{IdleTimeout: time.Minute})
	_, _, leader := s.Begin("busy", "hello")
	require.True(t, leader)
	clock.Advance(time.Hour)

	require.Zero(t, s.Sweep(clock.Now()))
	_, ok := s.GetPending("busy", "hello")
	require.True(t, ok)
}

func TestStartClose_Idempotent(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(clock, Options{SweepInterval: time.Millisecond, IdleTimeout: time.Minute})
	s.Put("conv-1", "hello", domain.SkipOutcome(""))

	s.Start(context.Background())
	s.Start(context.Background())
	clock.Advance(2 * time.Minute)

	require.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, 5*time.Millisecond)
	s.Close()
	s.Close()
}

func TestClose_SweepsIdleConversations(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(clock, Options{IdleTimeout: time.Minute})
	s.Put("conv-1", "hello", domain.SkipOutcome(""))
	clock.Advance(2 * time.Minute)

	s.Close()
	require.Zero(t, s.Len())
	s.Start(context.Background())
}

func TestPending_WaitersShareOutcome(t *testing.T) {
	p := NewPending()
	outcome := domain.SkipOutcome("shared")

	results := make(chan *domain.Outcome, 3)
	for i := 0; i < 3; i++ {
		go func() {
			got, err := p.Wait(context.Background())
			if err == nil {
				results <- got
			}
		}()
	}
	p.Resolve(outcome, nil)
	p.Resolve(domain.SkipOutcome("ignored"), nil)
	for i := 0; i < 3; i++ {
		require.Same(t, outcome, <-results)
	}
}

func TestPending_WaitHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewPending().Wait(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestPending_ResolveWithNothingIsAbandoned(t *testing.T) {
	p := NewPending()
	p.Resolve(nil, nil)
	_, err := p.Wait(context.Background())
	require.ErrorIs(t, err, ErrAbandoned)
}
