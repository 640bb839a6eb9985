package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"

	"github.com/wolfman30/clinic-scheduler/internal/reminders"
	"github.com/wolfman30/clinic-scheduler/pkg/logging"
)

type fakeTicker struct {
	at  time.Time
	res reminders.TickResult
	err error
}

func (f *fakeTicker) Tick(ctx context.Context, now time.Time) (reminders.TickResult, error) {
	f.at = now
	return f.res, f.err
}

func TestHandlerUsesEventTime(t *testing.T) {
	ft := &fakeTicker{res: reminders.TickResult{Due: 2, Sent: 2}}
	at := time.Date(2024, 5, 1, 9, 0, 0, 0, time.FixedZone("EDT", -4*3600))

	res, err := handler(ft, logging.New("error"))(context.Background(), events.CloudWatchEvent{ID: "evt-1", Time: at})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Sent != 2 {
		t.Fatalf("expected result to pass through, got %+v", res)
	}
	if !ft.at.Equal(at) || ft.at.Location() != time.UTC {
		t.Fatalf("expected tick at event time in UTC, got %v", ft.at)
	}
}

func TestHandlerFallsBackToNowAndReturnsErrors(t *testing.T) {
	ft := &fakeTicker{err: errors.New("db down")}
	before := time.Now()

	_, err := handler(ft, logging.New("error"))(context.Background(), events.CloudWatchEvent{})
	if err == nil {
		t.Fatalf("expected tick error to surface so the invocation is retried")
	}
	if ft.at.Before(before.UTC().Add(-time.Second)) {
		t.Fatalf("expected tick near now, got %v", ft.at)
	}
}
