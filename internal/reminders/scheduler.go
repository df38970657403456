package reminders

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/concierge-agent/concierge/internal/events"
	"github.com/concierge-agent/concierge/internal/notify"
)

// Scheduler keeps one timer per pending reminder and delivers
// notifications when they fire. Reminders due in the past (missed
// during downtime) fire immediately on Start.
type Scheduler struct {
	store    *Store
	notifier notify.Notifier
	bus      *events.Bus
	logger   *slog.Logger

	mu      sync.Mutex
	timers  map[string]*time.Timer
	running bool
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler. notifier may be nil, in which case
// fired reminders are only logged and published on the event bus.
func NewScheduler(store *Store, notifier notify.Notifier, bus *events.Bus, logger *slog.Logger) *Scheduler {
	if notifier == nil {
		notifier = notify.NopNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    store,
		notifier: notifier,
		bus:      bus,
		logger:   logger.With("component", "reminders"),
		timers:   make(map[string]*time.Timer),
	}
}

// Start loads pending reminders and arms their timers.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	pending, err := s.store.Pending()
	if err != nil {
		return err
	}
	for _, r := range pending {
		s.arm(ctx, r)
	}
	s.logger.Info("reminder scheduler started", "pending", len(pending))
	return nil
}

// Stop cancels all timers and waits for in-flight deliveries.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("reminder scheduler stopped")
}

// Add stores a new reminder and arms its timer.
func (s *Scheduler) Add(ctx context.Context, title, body string, dueAt time.Time) (*Reminder, error) {
	r, err := s.store.Create(title, body, dueAt)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if running {
		s.arm(ctx, r)
	}

	s.logger.Info("reminder created", "id", r.ID, "title", r.Title, "due_at", r.DueAt)
	return r, nil
}

// Cancel removes a pending reminder and disarms its timer.
func (s *Scheduler) Cancel(id string) error {
	if err := s.store.Cancel(id); err != nil {
		return err
	}
	s.mu.Lock()
	if timer, ok := s.timers[id]; ok {
		timer.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
	s.logger.Info("reminder cancelled", "id", id)
	return nil
}

// Pending lists unfired reminders.
func (s *Scheduler) Pending() ([]*Reminder, error) {
	return s.store.Pending()
}

// arm schedules delivery for r. Past-due reminders fire immediately.
func (s *Scheduler) arm(ctx context.Context, r *Reminder) {
	delay := time.Until(r.DueAt)
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	id := r.ID
	s.timers[id] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, id)
		s.mu.Unlock()

		s.wg.Add(1)
		defer s.wg.Done()
		s.fire(ctx, id)
	})
}

func (s *Scheduler) fire(ctx context.Context, id string) {
	r, err := s.store.Get(id)
	if err != nil {
		s.logger.Error("fired reminder not found", "id", id, "error", err)
		return
	}
	if err := s.store.MarkFired(id, time.Now()); err != nil {
		// Already fired or cancelled in a race; nothing to deliver.
		s.logger.Debug("reminder fire skipped", "id", id, "error", err)
		return
	}

	s.logger.Info("reminder fired", "id", id, "title", r.Title)
	s.bus.Publish(events.Event{
		Source: events.SourceReminders,
		Kind:   events.KindReminderFired,
		Data:   map[string]any{"reminder_id": id, "title": r.Title},
	})

	deliverCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.notifier.Notify(deliverCtx, notify.Notification{
		Title: r.Title,
		Body:  r.Body,
		Kind:  "reminder",
	}); err != nil {
		s.logger.Warn("reminder notification failed", "id", id, "error", err)
	}
}
