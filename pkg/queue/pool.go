package queue

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kirie0319/menu-sense-backend-sub001/pkg/providers"
)

// Executor runs one task to completion or returns a classified error.
// Executors must be idempotent (§4.4): re-execution after a crash between
// acquire and completion must be safe.
type Executor func(ctx context.Context, task Task) error

// PoolConfig configures one named queue's worker pool.
type PoolConfig struct {
	Queue              string
	Concurrency        int
	PollInterval       time.Duration
	PollIntervalJitter time.Duration
	VisibilityTimeout  time.Duration
	MaxAttempts        int

	// OnDeadLetter, if set, runs after a task is given up on — permanent
	// error or max_attempts exhausted — so the caller can write the
	// matching domain-level terminal state (an item's stage_failed, or a
	// session's extract_failed/categorize_failed). Errors it returns are
	// only logged; the task itself is already dead-lettered either way.
	OnDeadLetter func(ctx context.Context, task Task, cause error) error

	// DeriveContext, if set, runs before each Executor call to scope the
	// context to the task's owning session (§5: cooperative cancellation).
	// Claim/Complete/Retry/DeadLetter still use the worker's own context —
	// only the executor's provider call is subject to session cancellation.
	DeriveContext func(ctx context.Context, task Task) context.Context

	// MaskError, if set, redacts an error message before it's logged or
	// persisted to the tasks/items/sessions tables. Provider errors can
	// echo back request content (API keys in a rejected-auth message, raw
	// menu text in a parse failure) that shouldn't land in plaintext logs.
	MaskError func(string) string
}

func (p *Pool) maskError(msg string) string {
	if p.cfg.MaskError == nil {
		return msg
	}
	return p.cfg.MaskError(msg)
}

// Pool runs Concurrency workers polling one named queue.
type Pool struct {
	cfg   PoolConfig
	store *Store
	exec  Executor
}

// NewPool builds a worker pool for one queue.
func NewPool(cfg PoolConfig, store *Store, exec Executor) *Pool {
	return &Pool{cfg: cfg, store: store, exec: exec}
}

// Run starts Concurrency workers and blocks until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) {
	done := make(chan struct{}, p.cfg.Concurrency)
	for i := 0; i < p.cfg.Concurrency; i++ {
		workerID := workerName(p.cfg.Queue, i)
		go func() {
			p.workerLoop(ctx, workerID)
			done <- struct{}{}
		}()
	}
	for i := 0; i < p.cfg.Concurrency; i++ {
		<-done
	}
}

func (p *Pool) workerLoop(ctx context.Context, workerID string) {
	log := slog.With("queue", p.cfg.Queue, "worker", workerID)
	for {
		if ctx.Err() != nil {
			return
		}

		task, err := p.store.Claim(ctx, p.cfg.Queue, workerID, p.cfg.VisibilityTimeout)
		if err != nil {
			if err != ErrEmpty {
				log.Error("claim failed", "error", err)
			}
			if !sleepWithJitter(ctx, p.cfg.PollInterval, p.cfg.PollIntervalJitter) {
				return
			}
			continue
		}

		p.runTask(ctx, log, task)
	}
}

func (p *Pool) runTask(ctx context.Context, log *slog.Logger, task *Task) {
	taskLog := log.With("task_id", task.ID, "session_id", task.SessionID, "stage", task.Stage)

	execCtx := ctx
	if p.cfg.DeriveContext != nil {
		execCtx = p.cfg.DeriveContext(ctx, *task)
	}
	err := p.exec(execCtx, *task)
	if err == nil {
		if err := p.store.Complete(ctx, task.ID); err != nil {
			taskLog.Error("mark complete failed", "error", err)
		}
		return
	}

	kind := providers.Classify(err)
	attempt := task.Attempt + 1
	masked := p.maskError(err.Error())

	switch kind {
	case providers.Permanent:
		taskLog.Warn("permanent failure, dead-lettering", "error", masked)
		p.deadLetter(ctx, taskLog, task, err)
		return
	}

	if attempt >= p.cfg.MaxAttempts {
		taskLog.Warn("max attempts exhausted, dead-lettering", "attempt", attempt, "error", masked)
		p.deadLetter(ctx, taskLog, task, err)
		return
	}

	delay := backoffDelay(attempt, kind)
	taskLog.Info("retrying", "attempt", attempt, "delay", delay, "kind", kind)
	if rerr := p.store.Retry(ctx, task.ID, attempt, time.Now().Add(delay), masked); rerr != nil {
		taskLog.Error("retry write failed", "error", rerr)
	}
}

func (p *Pool) deadLetter(ctx context.Context, log *slog.Logger, task *Task, cause error) {
	masked := p.maskError(cause.Error())
	if derr := p.store.DeadLetter(ctx, task.ID, masked); derr != nil {
		log.Error("dead-letter failed", "error", derr)
	}
	if p.cfg.OnDeadLetter == nil {
		return
	}
	if err := p.cfg.OnDeadLetter(ctx, *task, errors.New(masked)); err != nil {
		log.Error("dead-letter domain callback failed", "error", err)
	}
}

// backoffDelay computes the next retry delay: exponential base 2 with
// ±30% jitter, capped, and a longer floor for rate_limited failures
// (§4.4: "exponential backoff (base 2, jitter ±30%, capped)").
func backoffDelay(attempt int, kind providers.ErrorKind) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.Multiplier = 2
	b.RandomizationFactor = 0.3
	b.MaxInterval = 2 * time.Minute
	if kind == providers.RateLimited {
		b.InitialInterval = 5 * time.Second
		b.MaxInterval = 5 * time.Minute
	}

	var delay time.Duration
	for i := 0; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	if delay <= 0 {
		delay = b.MaxInterval
	}
	return delay
}

func sleepWithJitter(ctx context.Context, base, jitter time.Duration) bool {
	d := base
	if jitter > 0 {
		d += time.Duration(rand.Int63n(int64(jitter)))
	}
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func workerName(queue string, idx int) string {
	return queue + "-" + strconv.Itoa(idx)
}
