// Command reminder-lambda runs one reminder tick per scheduled invocation,
// for deployments that trigger the scan from EventBridge instead of running
// the in-process scheduler.
package main

import (
	"context"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/wolfman30/clinic-scheduler/cmd/mainconfig"
	"github.com/wolfman30/clinic-scheduler/internal/app/bootstrap"
	appconfig "github.com/wolfman30/clinic-scheduler/internal/config"
	"github.com/wolfman30/clinic-scheduler/internal/reminders"
	"github.com/wolfman30/clinic-scheduler/pkg/logging"
)

type ticker interface {
	Tick(ctx context.Context, now time.Time) (reminders.TickResult, error)
}

func main() {
	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)

	ctx := context.Background()
	awsCfg, err := mainconfig.LoadIfNeeded(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}
	app, err := bootstrap.Build(ctx, cfg, bootstrap.Options{AWS: awsCfg}, logger)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	lambda.Start(handler(app.Reminders, logger))
}

// handler uses the event time when present so a delayed retry scans the
// window the schedule meant to cover.
func handler(s ticker, logger *logging.Logger) func(ctx context.Context, evt events.CloudWatchEvent) (reminders.TickResult, error) {
	return func(ctx context.Context, evt events.CloudWatchEvent) (reminders.TickResult, error) {
		now := evt.Time
		if now.IsZero() {
			now = time.Now()
		}
		res, err := s.Tick(ctx, now.UTC())
		if err != nil {
			logger.Error("reminder tick failed", "error", err, "event_id", evt.ID)
			return res, err
		}
		logger.Info("reminder tick complete", "event_id", evt.ID, "due", res.Due, "sent", res.Sent, "failed", res.Failed)
		return res, nil
	}
}
