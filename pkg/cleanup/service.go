// Package cleanup enforces session retention: it periodically deletes
// terminal sessions (and, by cascade, their items/events/tasks) past
// their configured retention window.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/kirie0319/menu-sense-backend-sub001/pkg/store"
)

// Config tunes the retention sweep.
type Config struct {
	Retention time.Duration
	Interval  time.Duration
}

// Service periodically deletes sessions past their retention window. All
// operations are idempotent and safe to run from multiple processes.
type Service struct {
	store  *store.Store
	config Config

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new cleanup service.
func NewService(st *store.Store, cfg Config) *Service {
	return &Service{store: st, config: cfg}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("cleanup service started",
		"retention", s.config.Retention, "interval", s.config.Interval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.sweep(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Service) sweep(ctx context.Context) {
	count, err := s.store.DeleteExpiredSessions(ctx, s.config.Retention)
	if err != nil {
		slog.Error("retention sweep failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("retention sweep deleted sessions", "count", count)
	}
}
