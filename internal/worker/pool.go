// Package worker runs fire-and-forget background tasks on a bounded pool.
// Task failures go to an error sink and never reach the submitter.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Task is a unit of background work. ctx carries the per-task timeout.
type Task func(ctx context.Context) error

// ErrorSink receives every task failure, including recovered panics.
type ErrorSink func(name string, err error)

type Options struct {
	Workers     int
	QueueSize   int
	TaskTimeout time.Duration
	Logger      logrus.FieldLogger
	OnError     ErrorSink
}

type Stats struct {
	Submitted uint64 `json:"submitted"`
	Succeeded uint64 `json:"succeeded"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
}

type job struct {
	name string
	fn   Task
}

type Pool struct {
	jobs    chan job
	timeout time.Duration
	log     logrus.FieldLogger
	onError ErrorSink

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	submitted atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

func New(opts Options) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	p := &Pool{
		jobs:    make(chan job, opts.QueueSize),
		timeout: opts.TaskTimeout,
		log:     opts.Logger.WithField("component", "worker"),
		onError: opts.OnError,
	}

	for i := 0; i < opts.Workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for j := range p.jobs {
				p.run(j)
			}
		}()
	}
	return p
}

// Go enqueues fn without blocking. When the queue is full or the pool is
// closed the task is dropped and counted.
func (p *Pool) Go(name string, fn Task) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		p.drop(name, "pool closed")
		return
	}

	select {
	case p.jobs <- job{name: name, fn: fn}:
		p.submitted.Add(1)
	default:
		p.drop(name, "queue full")
	}
}

// After submits fn once d has elapsed.
func (p *Pool) After(d time.Duration, name string, fn Task) {
	if d <= 0 {
		p.Go(name, fn)
		return
	}
	time.AfterFunc(d, func() { p.Go(name, fn) })
}

func (p *Pool) Stats() Stats {
	return Stats{
		Submitted: p.submitted.Load(),
		Succeeded: p.succeeded.Load(),
		Failed:    p.failed.Load(),
		Dropped:   p.dropped.Load(),
	}
}

// Close stops accepting tasks and waits for queued ones to finish, or for ctx
// to expire.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain worker pool: %w", ctx.Err())
	}
}

func (p *Pool) run(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	err := p.call(ctx, j)
	if err == nil {
		p.succeeded.Add(1)
		return
	}

	p.failed.Add(1)
	entry := p.log.WithFields(logrus.Fields{"task": j.name}).WithError(err)
	if errors.Is(err, context.DeadlineExceeded) {
		entry.Warn("background task timed out")
	} else {
		entry.Warn("background task failed")
	}
	if p.onError != nil {
		p.onError(j.name, err)
	}
}

func (p *Pool) call(ctx context.Context, j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return j.fn(ctx)
}

func (p *Pool) drop(name, reason string) {
	p.dropped.Add(1)
	p.log.WithFields(logrus.Fields{"task": name, "reason": reason}).Warn("background task dropped")
}
