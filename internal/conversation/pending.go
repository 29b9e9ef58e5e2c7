package conversation

import (
	"context"
	"errors"
	"sync"

	"analysis-coordinator/internal/domain"
)

// ErrAbandoned is delivered to waiters when the goroutine that owned a
// pending call exited without settling it.
var ErrAbandoned = errors.New("conversation: pending analysis abandoned")

// Pending is a handle on one in-progress upstream call. Any number of
// goroutines may Wait on it; all of them observe the same *domain.Outcome.
type Pending struct {
	once    sync.Once
	done    chan struct{}
	outcome *domain.Outcome
	err     error
}

func NewPending() *Pending {
	return &Pending{done: make(chan struct{})}
}

// Resolve settles the handle. Only the first call has an effect.
func (p *Pending) Resolve(outcome *domain.Outcome, err error) {
	p.once.Do(func() {
		if outcome == nil && err == nil {
			err = ErrAbandoned
		}
		p.outcome, p.err = outcome, err
		close(p.done)
	})
}

// Done is closed once the handle is settled.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the handle settles or ctx is done.
func (p *Pending) Wait(ctx context.Context) (*domain.Outcome, error) {
	select {
	case <-p.done:
		return p.outcome, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
