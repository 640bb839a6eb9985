// Package reminders sends one reminder per paid appointment shortly before
// the visit.
package reminders

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/clinic-scheduler/internal/appointments"
	"github.com/wolfman30/clinic-scheduler/internal/audit"
	"github.com/wolfman30/clinic-scheduler/internal/notify"
	"github.com/wolfman30/clinic-scheduler/internal/observability/metrics"
	"github.com/wolfman30/clinic-scheduler/pkg/logging"
)

var tracer = otel.Tracer("clinic.internal.reminders")

// Store is the slice of the appointment repository the scheduler needs.
type Store interface {
	ListReminderDue(ctx context.Context, from, to time.Time, limit int) ([]*appointments.Appointment, error)
	ClaimReminder(ctx context.Context, id string, at time.Time) (bool, error)
	ReleaseReminder(ctx context.Context, id string) error
}

type auditRecorder interface {
	Record(ctx context.Context, event audit.Event) error
}

// Config controls tick cadence and the reminder window.
type Config struct {
	Interval    time.Duration
	LeadTime    time.Duration
	Buffer      time.Duration
	TickTimeout time.Duration
	BatchSize   int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.LeadTime <= 0 {
		c.LeadTime = 24 * time.Hour
	}
	if c.Buffer <= 0 {
		c.Buffer = 15 * time.Minute
	}
	if c.TickTimeout <= 0 || c.TickTimeout > c.Interval {
		c.TickTimeout = c.Interval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 200
	}
	return c
}

// Window returns the scheduledAt range a tick at now covers:
// [now+lead-buffer, now+lead+buffer].
func (c Config) Window(now time.Time) (from, to time.Time) {
	target := now.Add(c.LeadTime)
	return target.Add(-c.Buffer), target.Add(c.Buffer)
}

// TickResult summarizes one scan.
type TickResult struct {
	Due     int `json:"due"`
	Sent    int `json:"sent"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// Scheduler is the single periodic reminder task. Each appointment's
// reminder_sent_at marker is claimed before sending, so overlapping windows
// and concurrent instances deliver at most once.
type Scheduler struct {
	store      Store
	dispatcher notify.Dispatcher
	cfg        Config
	metrics    *metrics.SchedulingMetrics
	audit      auditRecorder
	logger     *logging.Logger
	now        func() time.Time
	wg         sync.WaitGroup
}

func NewScheduler(store Store, dispatcher notify.Dispatcher, cfg Config, m *metrics.SchedulingMetrics, logger *logging.Logger) *Scheduler {
	if store == nil {
		panic("reminders: store required")
	}
	if dispatcher == nil {
		panic("reminders: dispatcher required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Scheduler{
		store:      store,
		dispatcher: dispatcher,
		cfg:        cfg.withDefaults(),
		metrics:    m,
		logger:     logger.Component("reminders"),
		now:        time.Now,
	}
}

// WithAudit records every delivered reminder.
func (s *Scheduler) WithAudit(a auditRecorder) *Scheduler {
	s.audit = a
	return s
}

// Config returns the effective configuration.
func (s *Scheduler) Config() Config { return s.cfg }

// Start runs a tick immediately and then every interval until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
}

// Wait blocks until the loop exits.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()
	s.logger.Info("reminder scheduler started",
		"interval", s.cfg.Interval.String(), "lead_time", s.cfg.LeadTime.String(), "buffer", s.cfg.Buffer.String())

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		s.safeTick(ctx)
		select {
		case <-ctx.Done():
			s.logger.Info("reminder scheduler stopping")
			return
		case <-ticker.C:
		}
	}
}

// safeTick keeps one bad tick, including a panic, from stopping the loop.
func (s *Scheduler) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("reminder tick panicked", "panic", fmt.Sprint(r))
		}
	}()
	if _, err := s.Tick(ctx, s.now()); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("reminder tick failed", "error", err)
	}
}

// Tick scans once. It is bounded by the tick timeout; appointments not
// reached before the deadline are picked up by the next tick.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (TickResult, error) {
	var res TickResult
	started := time.Now()
	ctx, cancel := context.WithTimeout(ctx, s.cfg.TickTimeout)
	defer cancel()
	ctx, span := tracer.Start(ctx, "reminders.tick")
	defer span.End()
	defer func() { s.metrics.ObserveReminderTick(time.Since(started).Seconds()) }()

	from, to := s.cfg.Window(now)
	due, err := s.store.ListReminderDue(ctx, from, to, s.cfg.BatchSize)
	if err != nil {
		span.RecordError(err)
		return res, fmt.Errorf("reminders: list due: %w", err)
	}
	res.Due = len(due)
	span.SetAttributes(attribute.Int("clinic.reminders_due", res.Due))

	for _, appt := range due {
		if ctx.Err() != nil {
			s.logger.Warn("reminder tick deadline reached", "remaining", res.Due-res.Sent-res.Skipped-res.Failed)
			break
		}
		switch s.remind(ctx, appt, now) {
		case "sent":
			res.Sent++
		case "skipped":
			res.Skipped++
		default:
			res.Failed++
		}
	}

	if res.Due > 0 {
		s.logger.Info("reminder tick complete",
			"due", res.Due, "sent", res.Sent, "skipped", res.Skipped, "failed", res.Failed,
			"window_from", from, "window_to", to)
	}
	return res, nil
}

func (s *Scheduler) remind(ctx context.Context, appt *appointments.Appointment, now time.Time) (status string) {
	defer func() { s.metrics.ObserveReminder(status) }()

	if appt.State != appointments.StatePaid || appt.PatientEmail == "" {
		return "skipped"
	}
	claimed, err := s.store.ClaimReminder(ctx, appt.ID, now.UTC())
	if err != nil {
		s.logger.Error("reminder claim failed", "appointment_id", appt.ID, "error", err)
		return "failed"
	}
	if !claimed {
		return "skipped"
	}

	subject, body := notify.ReminderMessage(appt.Visit())
	if err := s.dispatcher.Send(ctx, appt.PatientEmail, subject, body); err != nil {
		s.metrics.ObserveNotification("reminder", err)
		s.logger.Warn("reminder delivery failed; will retry next tick", "appointment_id", appt.ID, "error", err)
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if relErr := s.store.ReleaseReminder(releaseCtx, appt.ID); relErr != nil {
			s.logger.Error("reminder release failed", "appointment_id", appt.ID, "error", relErr)
		}
		return "failed"
	}
	s.metrics.ObserveNotification("reminder", nil)

	if s.audit != nil {
		if err := s.audit.Record(ctx, audit.Event{
			AppointmentID: appt.ID,
			EventType:     audit.EventReminderSent,
			ToState:       string(appt.State),
		}); err != nil {
			s.logger.Warn("audit record failed", "appointment_id", appt.ID, "error", err)
		}
	}
	s.logger.Debug("reminder sent", "appointment_id", appt.ID, "scheduled_at", appt.ScheduledAt)
	return "sent"
}
