// Package scheduler runs deferred service calls. A fixed-interval
// sweep picks up due tasks and executes each at most once: the
// executed flag is flipped with a compare-and-swap, so a task whose
// service call fails stays pending and is never silently retried into
// a double execution.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/foyerlabs/concierge/internal/events"
	"github.com/foyerlabs/concierge/internal/store"
)

// DefaultSweepInterval is how often due tasks are checked for.
const DefaultSweepInterval = 15 * time.Second

// ServiceCaller executes a Home Assistant service call.
type ServiceCaller interface {
	CallService(ctx context.Context, domain, service string, data map[string]any) error
}

// Notifier delivers a message to a conversation's user.
type Notifier interface {
	Notify(conversationKey, text string) error
}

type Scheduler struct {
	store    *store.Store
	ha       ServiceCaller
	notifier Notifier
	bus      *events.Bus
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// New wires a scheduler. bus may be nil.
func New(st *store.Store, ha ServiceCaller, notifier Notifier, bus *events.Bus, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    st,
		ha:       ha,
		notifier: notifier,
		bus:      bus,
		interval: DefaultSweepInterval,
		logger:   logger,
		now:      time.Now,
	}
}

// Run sweeps for due tasks until ctx is cancelled. One sweep happens
// immediately so tasks that came due while the process was down are
// picked up at startup.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler started", "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	tasks, err := s.store.DueTasks(s.now())
	if err != nil {
		s.logger.Error("due task query failed", "error", err)
		return
	}
	for _, t := range tasks {
		if ctx.Err() != nil {
			return
		}
		s.execute(ctx, t)
	}
}

func (s *Scheduler) execute(ctx context.Context, t *store.Task) {
	s.logger.Info("executing scheduled task",
		"task", t.ID,
		"conversation", t.ConversationKey,
		"service", t.Domain+"."+t.Service)

	if err := s.ha.CallService(ctx, t.Domain, t.Service, t.Data); err != nil {
		// The error goes to the log only; the user sees which task
		// failed, never the internals.
		s.logger.Error("scheduled task failed",
			"task", t.ID, "error", err)
		s.notify(t.ConversationKey,
			fmt.Sprintf("Scheduled task failed: %s", t.Description))
		return
	}

	done, err := s.store.MarkExecuted(t.ID)
	if err != nil {
		s.logger.Error("mark executed failed", "task", t.ID, "error", err)
		return
	}
	if !done {
		// Lost the race with a cancel or a concurrent sweep.
		s.logger.Warn("task already settled", "task", t.ID)
		return
	}

	s.bus.Publish(events.Event{
		Timestamp: s.now(),
		Source:    events.SourceScheduler,
		Kind:      events.KindTaskFired,
		Data:      map[string]any{"task": t.ID, "service": t.Domain + "." + t.Service},
	})
	s.notify(t.ConversationKey,
		fmt.Sprintf("Done: %s", t.Description))
}

func (s *Scheduler) notify(conversationKey, text string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(conversationKey, text); err != nil {
		s.logger.Warn("task notification failed",
			"conversation", conversationKey, "error", err)
	}
}
