package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/asmvp/asmv-go/logger"
	"github.com/asmvp/asmv-go/metrics"
	"github.com/asmvp/asmv-go/statestore"
)

// ErrRunnerClosed is returned by Run once Shutdown has begun.
var ErrRunnerClosed = errors.New("runner is shut down")

const defaultConcurrency = 64

// Runner executes command handlers and settles the context afterwards:
// suspended invocations are persisted to the state store, failed ones report
// an error item to the agent and close the channel, finished and cancelled
// ones are removed from the store and disposed.
type Runner struct {
	store    statestore.Store
	sem      *semaphore.Weighted
	observer Observer

	wg         sync.WaitGroup
	shutdownMu sync.RWMutex
	isShutdown bool
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithConcurrency bounds the number of handlers executing at once.
// The default is 64.
func WithConcurrency(n int64) RunnerOption {
	return func(r *Runner) { r.sem = semaphore.NewWeighted(n) }
}

// WithRunnerObserver registers an observer notified of handler failures.
func WithRunnerObserver(o Observer) RunnerOption {
	return func(r *Runner) { r.observer = o }
}

// NewRunner creates a runner persisting suspended contexts to store.
func NewRunner(store statestore.Store, opts ...RunnerOption) *Runner {
	r := &Runner{
		store:    store,
		sem:      semaphore.NewWeighted(defaultConcurrency),
		observer: NopObserver{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes h against c and settles the context according to its final
// status. It blocks until the handler returns and cleanup completes, so
// callers that must not wait (an HTTP handler replying 204, for instance)
// run it on their own goroutine.
//
// Run returns the handler's error, or the persistence error when the handler
// succeeded but its outcome could not be stored.
func (r *Runner) Run(ctx context.Context, c *Context, h Handler) error {
	if r.isShuttingDown() {
		return ErrRunnerClosed
	}
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire handler slot: %w", err)
	}
	defer r.sem.Release(1)

	r.wg.Add(1)
	defer r.wg.Done()

	metrics.RecordContextStart()
	defer metrics.RecordContextEnd()

	start := time.Now()
	handlerErr := runHandler(ctx, c, h)
	outcome, settleErr := r.settle(ctx, c, handlerErr)
	metrics.RecordCommandDuration(c.Command().Name(), outcome, time.Since(start).Seconds())

	if handlerErr != nil && !errors.Is(handlerErr, ErrCancelled) {
		r.observer.OnError(handlerErr)
		return handlerErr
	}
	return settleErr
}

// Shutdown stops accepting new handlers and waits for in-flight ones to
// complete, up to the context deadline.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.shutdownMu.Lock()
	if r.isShutdown {
		r.shutdownMu.Unlock()
		return nil
	}
	r.isShutdown = true
	r.shutdownMu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) isShuttingDown() bool {
	r.shutdownMu.RLock()
	defer r.shutdownMu.RUnlock()
	return r.isShutdown
}

// runHandler invokes h with panic recovery.
func runHandler(ctx context.Context, c *Context, h Handler) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in handler %q: %v", c.Command().Name(), rec)
		}
	}()
	return h(ctx, c)
}

// settle applies the post-handler disposition and returns the outcome label
// for metrics.
func (r *Runner) settle(ctx context.Context, c *Context, handlerErr error) (string, error) {
	channelID := c.Channel().ServiceChannelID

	switch {
	case c.Status() == StatusSuspended:
		defer c.Dispose()
		if err := r.persist(ctx, c); err != nil {
			logger.Error("Failed to persist suspended context",
				"channel_id", channelID, "error", err)
			return "error", err
		}
		logger.Debug("Context suspended", "channel_id", channelID)
		return "suspended", nil

	case handlerErr != nil && !errors.Is(handlerErr, ErrCancelled) && c.Status() == StatusActive:
		logger.Error("Handler failed", "channel_id", channelID,
			"command", c.Command().Name(), "error", handlerErr)
		// The agent gets a generic error item. Internal detail stays in the
		// log.
		if err := c.ReturnError("UnexpectedError", "Command execution failed", nil); err != nil {
			logger.Warn("Failed to buffer error item", "channel_id", channelID, "error", err)
		}
		if err := c.Finish(ctx); err != nil {
			logger.Warn("Failed to close channel after handler failure",
				"channel_id", channelID, "error", err)
		}
		r.discard(ctx, c)
		return "error", nil

	case c.Status() == StatusCancelled:
		r.discard(ctx, c)
		return "cancelled", nil

	default:
		// Handler returned without finishing; close the channel for it.
		if c.Status() == StatusActive {
			if err := c.Finish(ctx); err != nil {
				logger.Warn("Failed to finish invocation",
					"channel_id", channelID, "error", err)
			}
		}
		r.discard(ctx, c)
		if handlerErr != nil {
			return "error", nil
		}
		return "success", nil
	}
}

// persist stores the suspended context's snapshot under its service channel
// ID.
func (r *Runner) persist(ctx context.Context, c *Context) error {
	snap, err := c.Snapshot()
	if err != nil {
		return fmt.Errorf("snapshot context: %w", err)
	}
	return r.store.Put(ctx, c.Channel().ServiceChannelID, statestore.Record{
		Channel: c.Channel(),
		State:   snap,
	})
}

// discard removes any stored snapshot and disposes the context. Store
// deletion is best effort.
func (r *Runner) discard(ctx context.Context, c *Context) {
	channelID := c.Channel().ServiceChannelID
	if err := r.store.Delete(ctx, channelID); err != nil {
		logger.Warn("Failed to delete stored context",
			"channel_id", channelID, "error", err)
	}
	c.Dispose()
}
