package conversation

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"

	"analysis-coordinator/internal/domain"
)

const (
	DefaultTTL           = 5 * time.Minute
	DefaultCapacity      = 100
	DefaultEvictFraction = 0.1
	DefaultRecencyWindow = 5
	DefaultSweepInterval = 10 * time.Minute
	DefaultIdleTimeout   = 30 * time.Minute
)

// Options tunes a Store. Zero values fall back to the defaults above.
type Options struct {
	TTL           time.Duration
	Capacity      int
	EvictFraction float64
	RecencyWindow int
	SweepInterval time.Duration
	IdleTimeout   time.Duration
	Logger        *slog.Logger
	Now           func() time.Time
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.Capacity <= 0 {
		o.Capacity = DefaultCapacity
	}
	if o.EvictFraction <= 0 || o.EvictFraction > 1 {
		o.EvictFraction = DefaultEvictFraction
	}
	if o.RecencyWindow <= 0 {
		o.RecencyWindow = DefaultRecencyWindow
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = DefaultSweepInterval
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// cacheEntry is the value stored in a conversation's order list.
type cacheEntry struct {
	key       string
	outcome   *domain.Outcome
	createdAt time.Time
}

// state is everything the store keeps for one conversation. It is created and
// removed as a unit, together with its activity timestamp.
type state struct {
	entries      map[string]*list.Element
	order        *list.List // *cacheEntry, oldest insertion at front
	inFlight     map[string]*Pending
	recent       []string // newest first
	lastActivity time.Time
}

func newState(now time.Time) *state {
	return &state{
		entries:      make(map[string]*list.Element),
		order:        list.New(),
		inFlight:     make(map[string]*Pending),
		lastActivity: now,
	}
}

// Store owns the per-conversation cache, in-flight registry and recency
// window. All state is guarded by one mutex; nothing that blocks (upstream
// calls, backoff) ever runs while it is held.
type Store struct {
	opts Options

	mu            sync.Mutex
	conversations map[string]*state

	lifeMu  sync.Mutex
	started bool
	done    chan struct{}
	wg      sync.WaitGroup
}

func NewStore(opts Options) *Store {
	return &Store{
		opts:          opts.withDefaults(),
		conversations: make(map[string]*state),
		done:          make(chan struct{}),
	}
}

// touchLocked returns the state for id, creating it if needed, and marks the
// conversation active. Must be called with mu held.
func (s *Store) touchLocked(id string) *state {
	now := s.opts.Now()
	st, ok := s.conversations[id]
	if !ok {
		st = newState(now)
		s.conversations[id] = st
	}
	st.lastActivity = now
	return st
}

// Lookup returns the cached outcome for text. Entries older than the TTL are
// deleted and reported as absent.
func (s *Store) Lookup(conversationID, text string) (*domain.Outcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookupLocked(s.touchLocked(conversationID), text)
}

func (s *Store) lookupLocked(st *state, text string) (*domain.Outcome, bool) {
	el, ok := st.entries[text]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*cacheEntry)
	if s.opts.Now().Sub(entry.createdAt) > s.opts.TTL {
		st.order.Remove(el)
		delete(st.entries, text)
		return nil, false
	}
	return entry.outcome, true
}

// Put caches outcome for text. A correction also seeds a skip entry under the
// corrected text so resubmitting the correction does not trigger a new call.
// Room for both entries is made before either is written, so the seed never
// evicts the entry for text. A cache holding a single entry keeps text only.
func (s *Store) Put(conversationID, text string, outcome *domain.Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.touchLocked(conversationID)
	now := s.opts.Now()
	seed := outcome.HasCorrection() && outcome.Correction != text && s.opts.Capacity > 1
	if seed {
		s.reserveLocked(st, text, outcome.Correction)
	}
	s.insertLocked(st, text, outcome, now)
	if seed {
		s.insertLocked(st, outcome.Correction, domain.SkipOutcome(""), now)
	}
}

// reserveLocked evicts until every key not yet cached fits.
func (s *Store) reserveLocked(st *state, keys ...string) {
	for st.order.Len() > 0 {
		missing := 0
		for _, k := range keys {
			if _, ok := st.entries[k]; !ok {
				missing++
			}
		}
		if st.order.Len()+missing <= s.opts.Capacity {
			return
		}
		s.evictLocked(st)
	}
}

func (s *Store) insertLocked(st *state, key string, outcome *domain.Outcome, now time.Time) {
	if el, ok := st.entries[key]; ok {
		entry := el.Value.(*cacheEntry)
		entry.outcome = outcome
		entry.createdAt = now
		return
	}
	if st.order.Len() >= s.opts.Capacity {
		s.evictLocked(st)
	}
	st.entries[key] = st.order.PushBack(&cacheEntry{key: key, outcome: outcome, createdAt: now})
}

// evictLocked drops the oldest-inserted fraction of the cache, at least one entry.
func (s *Store) evictLocked(st *state) {
	n := max(int(float64(s.opts.Capacity)*s.opts.EvictFraction), 1)
	for i := 0; i < n; i++ {
		front := st.order.Front()
		if front == nil {
			return
		}
		st.order.Remove(front)
		delete(st.entries, front.Value.(*cacheEntry).key)
	}
}

// CacheLen reports the number of cached entries for a conversation,
// including ones that have expired but not yet been read.
func (s *Store) CacheLen(conversationID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.conversations[conversationID]
	if !ok {
		return 0
	}
	return st.order.Len()
}

func (s *Store) GetPending(conversationID, text string) (*Pending, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.touchLocked(conversationID).inFlight[text]
	return p, ok
}

func (s *Store) SetPending(conversationID, text string, p *Pending) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touchLocked(conversationID).inFlight[text] = p
}

// ClearPending removes the in-flight entry for text if it still refers to p.
func (s *Store) ClearPending(conversationID, text string, p *Pending) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.conversations[conversationID]
	if !ok {
		return
	}
	if cur, ok := st.inFlight[text]; ok && cur == p {
		delete(st.inFlight, text)
	}
}

// Begin performs the cache check, the in-flight check and, on a double miss,
// the registration of a new Pending as one atomic step. Exactly one caller
// per (conversation, text) gets leader=true and must settle and clear the
// returned handle.
func (s *Store) Begin(conversationID, text string) (hit *domain.Outcome, p *Pending, leader bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.touchLocked(conversationID)
	if outcome, ok := s.lookupLocked(st, text); ok {
		return outcome, nil, false
	}
	if existing, ok := st.inFlight[text]; ok {
		return nil, existing, false
	}
	p = NewPending()
	st.inFlight[text] = p
	return nil, p, true
}

// Record pushes text, or substitute when non-empty, onto the recency window.
// A value equal to the current head is ignored.
func (s *Store) Record(conversationID, text, substitute string) {
	value := text
	if substitute != "" {
		value = substitute
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.touchLocked(conversationID)
	if len(st.recent) > 0 && st.recent[0] == value {
		return
	}
	recent := make([]string, 0, s.opts.RecencyWindow)
	recent = append(recent, value)
	for _, r := range st.recent {
		if len(recent) == s.opts.RecencyWindow {
			break
		}
		recent = append(recent, r)
	}
	st.recent = recent
}

// Recent returns the recency window newest first, without exclude.
func (s *Store) Recent(conversationID, exclude string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.conversations[conversationID]
	if !ok {
		return nil
	}
	st.lastActivity = s.opts.Now()
	out := make([]string, 0, len(st.recent))
	for _, r := range st.recent {
		if exclude != "" && r == exclude {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Len returns the number of tracked conversations.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conversations)
}

// Sweep removes conversations idle for longer than the idle timeout. A
// conversation with calls still in flight is kept.
func (s *Store) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, st := range s.conversations {
		if len(st.inFlight) > 0 || now.Sub(st.lastActivity) <= s.opts.IdleTimeout {
			continue
		}
		delete(s.conversations, id)
		removed++
	}
	return removed
}

// Start launches the periodic idle sweep. Calling it more than once, or
// after Close, does nothing.
func (s *Store) Start(ctx context.Context) {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.started {
		return
	}
	s.started = true
	select {
	case <-s.done:
		return
	default:
	}

	s.wg.Add(1)
	go s.sweepLoop(ctx)
}

func (s *Store) sweepLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := s.Sweep(s.opts.Now()); n > 0 {
				s.opts.Logger.Debug("swept idle conversations", "removed", n, "remaining", s.Len())
			}
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Close stops the sweeper and runs one last sweep. It is safe to call more
// than once.
func (s *Store) Close() {
	s.lifeMu.Lock()
	select {
	case <-s.done:
		s.lifeMu.Unlock()
		return
	default:
		close(s.done)
	}
	s.lifeMu.Unlock()

	s.wg.Wait()
	if n := s.Sweep(s.opts.Now()); n > 0 {
		s.opts.Logger.Debug("swept idle conversations on close", "removed", n)
	}
}
