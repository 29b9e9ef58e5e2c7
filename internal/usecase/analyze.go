package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"analysis-coordinator/internal/batch"
	"analysis-coordinator/internal/conversation"
	"analysis-coordinator/internal/domain"
	"analysis-coordinator/internal/integrations/openai"
	"analysis-coordinator/internal/retry"
)

const (
	defaultMaxText = 1000

	ModeSync     = "sync"
	ModeDeferred = "deferred"

	originSync = "sync"
)

type ParamReader interface {
	GetParameters(ctx context.Context, names ...string) (map[string]string, error)
}

type LLMClient interface {
	Chat(ctx context.Context, model string, messages []domain.ChatMessage) (string, error)
}

type AnalysisWriter interface {
	SaveAnalysis(ctx context.Context, conversationID, text, origin string, outcome *domain.Outcome) error
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// Config wires the tunables of AnalyzeService.
type Config struct {
	ParamPrefix string
	MaxTextLen  int
	Retry       retry.Policy
	Batch       batch.Options
	Logger      *slog.Logger
}

// AnalyzeService coordinates analysis requests: cache, coalescing of
// identical in-flight requests, deferred intake and the shared retry policy.
type AnalyzeService struct {
	params      ParamReader
	llm         LLMClient
	writer      AnalysisWriter
	store       *conversation.Store
	queue       *batch.Queue
	scheduler   *batch.Scheduler
	paramPrefix string
	maxTextLen  int
	retry       retry.Policy
	logger      *slog.Logger

	settingsMu     sync.RWMutex
	settingsLoaded bool
	settings       promptSettings

	// leaders tracks shared calls still running, including their write-behind.
	leadersMu sync.Mutex
	leaders   sync.WaitGroup
	closing   bool
}

type AnalyzeInput struct {
	ConversationID string
	Text           string
	Mode           string
	TargetLanguage string
	Tone           string
	Origin         string
}

type AnalyzeOutput struct {
	ConversationID string
	Outcome        *domain.Outcome
	// Cached is set when the outcome came from the conversation cache.
	Cached bool
	// Coalesced is set when the caller shared another request's upstream call.
	Coalesced bool
	Queued    bool
	ItemID    string
	Pending   int
}

func NewAnalyzeService(p ParamReader, llm LLMClient, w AnalysisWriter, store *conversation.Store, queue *batch.Queue, cfg Config) (*AnalyzeService, error) {
	if p == nil {
		return nil, errors.New("usecase: param reader must not be nil")
	}
	if llm == nil {
		return nil, errors.New("usecase: llm client must not be nil")
	}
	if w == nil {
		return nil, errors.New("usecase: analysis writer must not be nil")
	}
	if store == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	if queue == nil {
		return nil, errors.New("usecase: intake queue must not be nil")
	}
	prefix := strings.TrimRight(strings.TrimSpace(cfg.ParamPrefix), "/")
	if prefix == "" {
		return nil, errors.New("usecase: parameter prefix must not be empty")
	}
	if cfg.MaxTextLen <= 0 {
		cfg.MaxTextLen = defaultMaxText
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &AnalyzeService{
		params:      p,
		llm:         llm,
		writer:      w,
		store:       store,
		queue:       queue,
		paramPrefix: prefix,
		maxTextLen:  cfg.MaxTextLen,
		retry:       cfg.Retry,
		logger:      cfg.Logger,
	}
	batchOpts := cfg.Batch
	if batchOpts.Logger == nil {
		batchOpts.Logger = cfg.Logger
	}
	scheduler, err := batch.NewScheduler(queue, s, batchOpts)
	if err != nil {
		return nil, fmt.Errorf("usecase: create scheduler: %w", err)
	}
	s.scheduler = scheduler
	return s, nil
}

// Analyze runs or defers one analysis. In deferred mode the text is queued and
// the call returns immediately; otherwise the caller gets a cached outcome,
// shares an identical in-flight call, or starts a new upstream call.
func (s *AnalyzeService) Analyze(ctx context.Context, in AnalyzeInput) (AnalyzeOutput, error) {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return AnalyzeOutput{}, newError(ErrorInvalidInput, "empty_text", nil)
	}
	if utf8.RuneCountInString(text) > s.maxTextLen {
		return AnalyzeOutput{}, newError(ErrorInvalidInput, "text_too_long", nil)
	}
	mode := strings.ToLower(strings.TrimSpace(in.Mode))
	if mode != "" && mode != ModeSync && mode != ModeDeferred {
		return AnalyzeOutput{}, newError(ErrorInvalidInput, "unknown_mode", nil)
	}
	convID := strings.TrimSpace(in.ConversationID)
	if convID == "" {
		convID = newUUID()
	}
	req := analysisRequest{
		conversationID: convID,
		text:           text,
		targetLanguage: strings.TrimSpace(in.TargetLanguage),
		tone:           strings.TrimSpace(in.Tone),
		origin:         strings.TrimSpace(in.Origin),
	}

	if mode == ModeDeferred {
		return s.enqueue(req), nil
	}

	settings, err := s.ensureSettings(ctx)
	if err != nil {
		return AnalyzeOutput{}, newError(ErrorInternal, "ssm_load_error", err)
	}
	if req.origin == "" {
		req.origin = originSync
	}

	hit, pending, leader := s.store.Begin(convID, text)
	if hit != nil {
		return AnalyzeOutput{ConversationID: convID, Outcome: hit, Cached: true}, nil
	}
	if leader {
		// The shared call must outlive the leader's request so that
		// coalesced waiters are not failed by the leader going away.
		s.startLead(context.WithoutCancel(ctx), settings, req, pending)
	}

	outcome, err := pending.Wait(ctx)
	if err != nil {
		return AnalyzeOutput{}, upstreamError(err)
	}
	return AnalyzeOutput{ConversationID: convID, Outcome: outcome, Coalesced: !leader}, nil
}

func (s *AnalyzeService) enqueue(req analysisRequest) AnalyzeOutput {
	origin := req.origin
	if origin == "" {
		origin = ModeDeferred
	}
	item := domain.QueuedItem{
		ID:             newUUID(),
		ConversationID: req.conversationID,
		Text:           req.text,
		TargetLanguage: req.targetLanguage,
		Tone:           req.tone,
		Origin:         origin,
		EnqueuedAt:     time.Now().UTC(),
	}
	pending := s.queue.Push(item)
	s.logger.Debug("analysis deferred", "item_id", item.ID, "conversation_id", item.ConversationID, "pending", pending)
	return AnalyzeOutput{ConversationID: req.conversationID, Queued: true, ItemID: item.ID, Pending: pending}
}

// startLead runs lead in the background and tracks it for Shutdown. Once
// Shutdown has begun, lead runs on the caller's goroutine instead.
func (s *AnalyzeService) startLead(ctx context.Context, settings promptSettings, req analysisRequest, p *conversation.Pending) {
	s.leadersMu.Lock()
	if s.closing {
		s.leadersMu.Unlock()
		s.lead(ctx, settings, req, p)
		return
	}
	s.leaders.Add(1)
	s.leadersMu.Unlock()

	go func() {
		defer s.leaders.Done()
		s.lead(ctx, settings, req, p)
	}()
}

func (s *AnalyzeService) waitForLeaders(ctx context.Context) error {
	s.leadersMu.Lock()
	s.closing = true
	s.leadersMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.leaders.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("usecase: wait for in-flight analyses: %w", ctx.Err())
	}
}

// lead performs the upstream call on behalf of every waiter on p, then
// persists actionable outcomes once the waiters have been released.
func (s *AnalyzeService) lead(ctx context.Context, settings promptSettings, req analysisRequest, p *conversation.Pending) {
	outcome, err := s.settle(ctx, settings, req, p)
	if err != nil || outcome.IsSkip() {
		return
	}
	s.persist(ctx, req, outcome)
}

// settle runs the call and writes the result through to the cache and the
// recency window. The in-flight entry is cleared and p resolved on every path.
func (s *AnalyzeService) settle(ctx context.Context, settings promptSettings, req analysisRequest, p *conversation.Pending) (outcome *domain.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome, err = nil, fmt.Errorf("usecase: analysis panic: %v", r)
		}
		s.store.ClearPending(req.conversationID, req.text, p)
		p.Resolve(outcome, err)
	}()

	recent := s.store.Recent(req.conversationID, req.text)
	outcome, err = s.analyze(ctx, settings, req, recent)
	if err != nil {
		s.logger.Warn("analysis failed",
			"conversation_id", req.conversationID,
			"err", err,
		)
		return nil, err
	}

	s.store.Put(req.conversationID, req.text, outcome)
	substitute := ""
	if outcome.HasCorrection() {
		substitute = outcome.Correction
	}
	s.store.Record(req.conversationID, req.text, substitute)
	return outcome, nil
}

// analyze is the retry-wrapped upstream call shared by the synchronous and
// batch paths. A payload that cannot be parsed is a skip, not a failure.
func (s *AnalyzeService) analyze(ctx context.Context, settings promptSettings, req analysisRequest, recent []string) (*domain.Outcome, error) {
	if req.targetLanguage == "" {
		req.targetLanguage = settings.targetLanguage
	}
	if req.tone == "" {
		req.tone = settings.tone
	}
	messages := buildPromptMessages(settings, req, recent)

	return retry.Do(ctx, s.retry, func(ctx context.Context) (*domain.Outcome, error) {
		raw, err := s.llm.Chat(ctx, settings.model, messages)
		if errors.Is(err, openai.ErrMalformedResponse) {
			s.logger.Warn("malformed upstream response, treating as skip",
				"conversation_id", req.conversationID,
				"err", err,
			)
			return domain.SkipOutcome(""), nil
		}
		if err != nil {
			return nil, err
		}
		outcome, err := parseOutcome(raw, req.text)
		if err != nil {
			s.logger.Warn("malformed analysis payload, treating as skip",
				"conversation_id", req.conversationID,
				"err", err,
			)
			return domain.SkipOutcome(""), nil
		}
		return outcome, nil
	})
}

// persist is best effort: a failed write is logged and never reaches the caller.
func (s *AnalyzeService) persist(ctx context.Context, req analysisRequest, outcome *domain.Outcome) {
	if err := s.writer.SaveAnalysis(ctx, req.conversationID, req.text, req.origin, outcome); err != nil {
		s.logger.Error("failed to persist analysis",
			"conversation_id", req.conversationID,
			"kind", outcome.Kind(),
			"err", err,
		)
	}
}

// Process analyzes one deferred item. It satisfies batch.Processor.
func (s *AnalyzeService) Process(ctx context.Context, item domain.QueuedItem) error {
	settings, err := s.ensureSettings(ctx)
	if err != nil {
		return fmt.Errorf("usecase: load settings: %w", err)
	}
	req := analysisRequest{
		conversationID: item.ConversationID,
		text:           item.Text,
		targetLanguage: item.TargetLanguage,
		tone:           item.Tone,
		origin:         item.Origin,
	}
	outcome, err := s.analyze(ctx, settings, req, s.store.Recent(item.ConversationID, item.Text))
	if err != nil {
		return fmt.Errorf("usecase: analyze queued item %s: %w", item.ID, err)
	}
	if !outcome.IsSkip() {
		s.persist(ctx, req, outcome)
	}
	return nil
}

// Pending is the number of deferred items waiting for the scheduler.
func (s *AnalyzeService) Pending() int {
	return s.queue.Len()
}

// Start launches the idle sweep and the batch scheduler.
func (s *AnalyzeService) Start(ctx context.Context) {
	s.store.Start(ctx)
	s.scheduler.Start(ctx)
}

// Shutdown stops new batches, waits for the running one and for shared
// calls still persisting their outcome, then closes the conversation store.
func (s *AnalyzeService) Shutdown(ctx context.Context) error {
	s.scheduler.Stop()

	var g errgroup.Group
	g.Go(func() error {
		return s.scheduler.WaitForDrain(ctx)
	})
	g.Go(func() error {
		return s.waitForLeaders(ctx)
	})
	g.Go(func() error {
		s.store.Close()
		return nil
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("usecase: shutdown: %w", err)
	}
	s.logger.Info("analysis coordinator stopped", "pending", s.queue.Len())
	return nil
}

func (s *AnalyzeService) ensureSettings(ctx context.Context) (promptSettings, error) {
	s.settingsMu.RLock()
	if s.settingsLoaded {
		defer s.settingsMu.RUnlock()
		return s.settings, nil
	}
	s.settingsMu.RUnlock()

	s.settingsMu.Lock()
	defer s.settingsMu.Unlock()
	if s.settingsLoaded {
		return s.settings, nil
	}

	names := []string{
		s.paramPrefix + "/config/openai_model",
		s.paramPrefix + "/system_prompt",
		s.paramPrefix + "/config/target_language",
		s.paramPrefix + "/config/tone",
	}
	vals, err := s.params.GetParameters(ctx, names...)
	if err != nil {
		return promptSettings{}, fmt.Errorf("usecase: load prompt settings: %w", err)
	}
	s.settings = promptSettings{
		model:          strings.TrimSpace(vals[names[0]]),
		systemPrompt:   vals[names[1]],
		targetLanguage: strings.TrimSpace(vals[names[2]]),
		tone:           strings.TrimSpace(vals[names[3]]),
	}
	s.settingsLoaded = true
	return s.settings, nil
}

func upstreamError(err error) *Error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return newError(ErrorUpstream, "analysis_wait_aborted", err)
	}
	if status, ok := upstreamStatusCode(err); ok && status == http.StatusTooManyRequests {
		return newError(ErrorRateLimited, "openai_rate_limited", err)
	}
	return newError(ErrorUpstream, "openai_error", err)
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}

var newUUID = func() string {
	return uuid.NewString()
}
