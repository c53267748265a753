// Package worker runs bounded batches of independent jobs.
package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Job func(ctx context.Context) error

// Failure is a job that returned an error or panicked.
type Failure struct {
	ID  string
	Err error
}

// Pool runs jobs with at most n in flight. One job failing does not cancel
// the others.
type Pool struct {
	g      errgroup.Group
	logger *zap.Logger

	mu       sync.Mutex
	failures []Failure
	done     int
}

func NewPool(n int, logger *zap.Logger) *Pool {
	if n <= 0 {
		n = 1
	}
	p := &Pool{logger: logger}
	p.g.SetLimit(n)
	return p
}

// Submit blocks while the pool is full, then starts job in its own
// goroutine.
func (p *Pool) Submit(ctx context.Context, id string, job Job) {
	p.g.Go(func() error {
		err := p.run(ctx, id, job)

		p.mu.Lock()
		defer p.mu.Unlock()
		p.done++
		if err != nil {
			p.failures = append(p.failures, Failure{ID: id, Err: err})
		}
		return nil
	})
}

func (p *Pool) run(ctx context.Context, id string, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("job panicked",
				zap.String("job_id", id),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if err := ctx.Err(); err != nil {
		return err
	}
	return job(ctx)
}

// Wait blocks until every submitted job has finished and returns the
// failures in completion order.
func (p *Pool) Wait() (completed int, failures []Failure) {
	_ = p.g.Wait()
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done, append([]Failure(nil), p.failures...)
}
