package slots

import (
	"context"
	"iter"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/clinic-scheduler/internal/scheduling"
	"github.com/wolfman30/clinic-scheduler/pkg/logging"
)

var tracer = otel.Tracer("clinic.internal.slots")

// Allocator reserves and releases doctor slots through a Store.
type Allocator struct {
	store  Store
	logger *logging.Logger
}

// NewAllocator wraps a store.
func NewAllocator(store Store, logger *logging.Logger) *Allocator {
	if store == nil {
		panic("slots: store required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Allocator{store: store, logger: logger.Component("slots")}
}

// Reserve claims the slot for the doctor. The slot is normalized first, and
// the returned value is the canonical form that was stored. A taken slot
// yields a conflict error.
func (a *Allocator) Reserve(ctx context.Context, doctorID, dateKey, clock string) (Slot, error) {
	if strings.TrimSpace(doctorID) == "" {
		return Slot{}, scheduling.Validation("doctor id is required")
	}
	s, err := Normalize(dateKey, clock)
	if err != nil {
		return Slot{}, err
	}

	ctx, span := tracer.Start(ctx, "slots.reserve")
	defer span.End()
	span.SetAttributes(
		attribute.String("clinic.doctor_id", doctorID),
		attribute.String("clinic.slot", s.String()),
	)

	added, err := a.store.Add(ctx, doctorID, s)
	if err != nil {
		span.RecordError(err)
		return Slot{}, err
	}
	if !added {
		return Slot{}, scheduling.Conflict("slot %s is already booked", s)
	}
	a.logger.Debug("slot reserved", "doctor_id", doctorID, "slot_date", s.DateKey, "slot_time", s.Time)
	return s, nil
}

// Release frees the slot. Releasing a slot that is not booked is a no-op.
func (a *Allocator) Release(ctx context.Context, doctorID string, s Slot) error {
	norm, err := Normalize(s.DateKey, s.Time)
	if err != nil {
		return err
	}
	ctx, span := tracer.Start(ctx, "slots.release")
	defer span.End()
	span.SetAttributes(
		attribute.String("clinic.doctor_id", doctorID),
		attribute.String("clinic.slot", norm.String()),
	)
	if err := a.store.Remove(ctx, doctorID, norm); err != nil {
		span.RecordError(err)
		return err
	}
	a.logger.Debug("slot released", "doctor_id", doctorID, "slot_date", norm.DateKey, "slot_time", norm.Time)
	return nil
}

// Booked returns the doctor's claimed slots for the given days.
func (a *Allocator) Booked(ctx context.Context, doctorID string, dateKeys ...string) (Booked, error) {
	canonical := make([]string, 0, len(dateKeys))
	for _, k := range dateKeys {
		d, err := ParseDateKey(k)
		if err != nil {
			return nil, err
		}
		canonical = append(canonical, d.Key())
	}
	return a.store.BookedOn(ctx, doctorID, canonical...)
}

// Open loads the doctor's booked slots for the window once and returns the
// lazy sequence of remaining candidates starting at now.
func (a *Allocator) Open(ctx context.Context, doctorID string, now time.Time, w Window) (iter.Seq[Slot], error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	booked, err := a.store.BookedOn(ctx, doctorID, w.DateKeys(now)...)
	if err != nil {
		return nil, err
	}
	return Candidates(booked, now, w), nil
}
