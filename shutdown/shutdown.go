// Package shutdown runs cleanup jobs once when a process is asked to stop.
//
// Jobs run serially in reverse registration order, so resources registered
// later (channels, consumers) are released before the ones they depend on
// (connections).
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// Job releases one resource
type Job func(ctx context.Context) error

type namedJob struct {
	name string
	run  Job
}

// Coordinator collects shutdown jobs and runs them once
type Coordinator struct {
	mu     sync.Mutex
	jobs   []namedJob
	once   sync.Once
	done   chan struct{}
	err    error
	logger *slog.Logger
}

// Option configures the Coordinator
type Option func(*Coordinator)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// New creates a coordinator without jobs
func New(options ...Option) *Coordinator {
	c := &Coordinator{
		done:   make(chan struct{}),
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// AddJob registers a job. Jobs added after shutdown started are ignored.
func (c *Coordinator) AddJob(name string, job Job) {
	if job == nil {
		return
	}

	select {
	case <-c.done:
		c.logger.Warn("shutdown job added after shutdown", "job", name)
		return
	default:
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobs = append(c.jobs, namedJob{name: name, run: job})
}

// Shutdown runs every job once, last registered first, and joins their
// errors. Later calls wait for the first run and return its result.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.once.Do(func() {
		defer close(c.done)

		c.mu.Lock()
		jobs := append([]namedJob(nil), c.jobs...)
		c.mu.Unlock()

		c.logger.Info("shutting down", "jobs", len(jobs))

		var errs []error
		for i := len(jobs) - 1; i >= 0; i-- {
			job := jobs[i]
			start := time.Now()
			if err := job.run(ctx); err != nil {
				c.logger.Error("shutdown job failed", "job", job.name, "error", err)
				errs = append(errs, fmt.Errorf("shutdown: %s: %w", job.name, err))
				continue
			}
			c.logger.Debug("shutdown job finished", "job", job.name, "duration", time.Since(start))
		}

		c.err = errors.Join(errs...)
	})

	<-c.done
	return c.err
}

// Listen blocks until one of signals arrives or ctx is done, then shuts down.
// Without signals it listens for SIGINT and SIGTERM.
func (c *Coordinator) Listen(ctx context.Context, signals ...os.Signal) error {
	if len(signals) == 0 {
		signals = []os.Signal{os.Interrupt, syscall.SIGTERM}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, signals...)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		c.logger.Info("received signal", "signal", sig.String())
	case <-ctx.Done():
	case <-c.done:
		return c.err
	}

	return c.Shutdown(context.WithoutCancel(ctx))
}

// Done is closed once shutdown has finished
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}
