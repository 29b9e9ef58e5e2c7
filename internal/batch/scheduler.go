package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"analysis-coordinator/internal/domain"
)

const (
	DefaultBatchSize = 5
	DefaultInterval  = 10 * time.Second
)

// Processor handles one queued item. A returned error is logged and the
// batch moves on to the next item.
type Processor interface {
	Process(ctx context.Context, item domain.QueuedItem) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, item domain.QueuedItem) error

func (f ProcessorFunc) Process(ctx context.Context, item domain.QueuedItem) error {
	return f(ctx, item)
}

type State int

const (
	StateIdle State = iota
	StateScheduled
	StateDraining
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScheduled:
		return "scheduled"
	case StateDraining:
		return "draining"
	case StateShuttingDown:
		return "shutting_down"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Report summarises one batch run.
type Report struct {
	Started   time.Time
	Finished  time.Time
	Attempted int
	Failed    int
	Requeued  int
}

type Options struct {
	BatchSize int
	Interval  time.Duration
	Logger    *slog.Logger
	// OnBatch, if set, is called after every run that popped at least one item.
	OnBatch func(Report)
	// OnStateChange, if set, observes every transition. It runs with the
	// scheduler's lock held and must not call back into the Scheduler.
	OnStateChange func(from, to State)
}

// Scheduler drains the intake queue in bounded batches. The next run is armed
// only after the current one has finished, so batches never overlap no matter
// how slow the processor is.
type Scheduler struct {
	queue     *Queue
	processor Processor
	batchSize int
	interval  time.Duration
	logger    *slog.Logger
	onBatch   func(Report)
	onState   func(from, to State)

	mu       sync.Mutex
	state    State
	started  bool
	stopping bool
	timer    *time.Timer
	ctx      context.Context
	drained  chan struct{} // closed when the running batch ends; nil when idle
}

func NewScheduler(q *Queue, p Processor, opts Options) (*Scheduler, error) {
	if q == nil {
		return nil, errors.New("batch: queue must not be nil")
	}
	if p == nil {
		return nil, errors.New("batch: processor must not be nil")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Scheduler{
		queue:     q,
		processor: p,
		batchSize: opts.BatchSize,
		interval:  opts.Interval,
		logger:    opts.Logger,
		onBatch:   opts.OnBatch,
		onState:   opts.OnStateChange,
		ctx:       context.Background(),
	}, nil
}

// Start arms the first run. ctx is handed to the processor; stopping the
// scheduler does not cancel it. Start is a no-op once started or stopped.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopping {
		return
	}
	s.started = true
	s.ctx = ctx
	s.armLocked()
}

func (s *Scheduler) setStateLocked(to State) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	if s.onState != nil {
		s.onState(from, to)
	}
}

func (s *Scheduler) armLocked() {
	s.setStateLocked(StateScheduled)
	s.timer = time.AfterFunc(s.interval, s.run)
}

// Stop prevents any further batch from starting. A batch already running
// finishes its current item and puts the rest back on the queue. Stop is
// idempotent; use WaitForDrain to wait for the running batch.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return
	}
	s.stopping = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.state != StateDraining {
		s.setStateLocked(StateShuttingDown)
	}
}

// WaitForDrain blocks until the batch in progress, if any, has finished.
func (s *Scheduler) WaitForDrain(ctx context.Context) error {
	s.mu.Lock()
	done := s.drained
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("batch: wait for drain: %w", ctx.Err())
	}
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Pending reports how many items are waiting in the intake queue.
func (s *Scheduler) Pending() int {
	return s.queue.Len()
}

func (s *Scheduler) run() {
	s.mu.Lock()
	if s.stopping || s.ctx.Err() != nil {
		s.setStateLocked(StateShuttingDown)
		s.timer = nil
		s.mu.Unlock()
		return
	}
	s.setStateLocked(StateDraining)
	s.timer = nil
	done := make(chan struct{})
	s.drained = done
	ctx := s.ctx
	s.mu.Unlock()

	report := s.drain(ctx)
	if report.Attempted+report.Requeued > 0 {
		s.logger.Info("intake batch finished",
			"attempted", report.Attempted,
			"failed", report.Failed,
			"requeued", report.Requeued,
			"pending", s.queue.Len(),
			"duration", report.Finished.Sub(report.Started),
		)
		if s.onBatch != nil {
			s.onBatch(report)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.drained = nil
	close(done)
	if s.stopping {
		s.setStateLocked(StateShuttingDown)
		return
	}
	// Every completed batch passes through Idle before the next run is armed.
	s.setStateLocked(StateIdle)
	s.armLocked()
}

func (s *Scheduler) drain(ctx context.Context) Report {
	report := Report{Started: time.Now()}
	items := s.queue.PopN(s.batchSize)
	for i, item := range items {
		if s.isStopping() {
			rest := items[i:]
			s.queue.PushFront(rest)
			report.Requeued = len(rest)
			s.logger.Info("shutdown requested mid-batch, requeued remaining items", "requeued", len(rest))
			break
		}
		report.Attempted++
		if err := s.process(ctx, item); err != nil {
			report.Failed++
			s.logger.Error("intake item failed",
				"item_id", item.ID,
				"conversation_id", item.ConversationID,
				"err", err,
			)
		}
	}
	report.Finished = time.Now()
	return report
}

// process shields the batch from a panicking processor.
func (s *Scheduler) process(ctx context.Context, item domain.QueuedItem) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("batch: processor panic: %v", r)
		}
	}()
	return s.processor.Process(ctx, item)
}

func (s *Scheduler) isStopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}
