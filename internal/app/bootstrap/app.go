package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/clinic-scheduler/internal/api/router"
	"github.com/wolfman30/clinic-scheduler/internal/appointments"
	"github.com/wolfman30/clinic-scheduler/internal/audit"
	appconfig "github.com/wolfman30/clinic-scheduler/internal/config"
	"github.com/wolfman30/clinic-scheduler/internal/doctors"
	"github.com/wolfman30/clinic-scheduler/internal/events"
	"github.com/wolfman30/clinic-scheduler/internal/fees"
	httpmiddleware "github.com/wolfman30/clinic-scheduler/internal/http/middleware"
	"github.com/wolfman30/clinic-scheduler/internal/insurance"
	"github.com/wolfman30/clinic-scheduler/internal/notify"
	"github.com/wolfman30/clinic-scheduler/internal/observability/metrics"
	"github.com/wolfman30/clinic-scheduler/internal/patients"
	"github.com/wolfman30/clinic-scheduler/internal/payments"
	"github.com/wolfman30/clinic-scheduler/internal/reminders"
	"github.com/wolfman30/clinic-scheduler/internal/slots"
	"github.com/wolfman30/clinic-scheduler/pkg/logging"
)

type processedStore interface {
	Claim(ctx context.Context, provider, eventID string) (bool, error)
	Forget(ctx context.Context, provider, eventID string) error
}

// Options carries handles the caller already owns. All fields are optional;
// anything missing is built from the config.
type Options struct {
	AWS        *aws.Config
	Pool       *pgxpool.Pool
	SQL        *sql.DB
	Redis      *redis.Client
	Dispatcher notify.Dispatcher
	Registry   *prometheus.Registry
}

// App is the assembled scheduling engine shared by every entrypoint.
type App struct {
	Config       *appconfig.Config
	Logger       *logging.Logger
	Registry     *prometheus.Registry
	Metrics      *metrics.SchedulingMetrics
	Pool         *pgxpool.Pool
	SQL          *sql.DB
	Redis        *redis.Client
	Doctors      doctors.Repository
	Patients     patients.Repository
	Policies     insurance.Repository
	Appointments appointments.Repository
	Slots        *slots.Allocator
	Fees         *fees.Calculator
	Dispatcher   notify.Dispatcher
	Gateway      payments.Gateway
	Processed    processedStore
	Audit        *audit.Trail
	Service      *appointments.Service
	Reminders    *reminders.Scheduler
	RateLimiter  *httpmiddleware.RateLimiter

	closers []func()
}

// Build wires repositories, the state machine and the reminder scheduler.
// Without DATABASE_URL everything runs in memory, which production refuses.
func Build(ctx context.Context, cfg *appconfig.Config, opts Options, logger *logging.Logger) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	a := &App{Config: cfg, Logger: logger, Pool: opts.Pool, SQL: opts.SQL, Redis: opts.Redis}

	a.Registry = opts.Registry
	if a.Registry == nil {
		a.Registry = prometheus.NewRegistry()
		a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	a.Metrics = metrics.NewSchedulingMetrics(a.Registry)

	if a.Pool == nil {
		pool, err := ConnectPostgresPool(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, err
		}
		if pool != nil {
			a.Pool = pool
			a.closers = append(a.closers, pool.Close)
		}
	}
	if a.Pool == nil && cfg.IsProduction() {
		return nil, fmt.Errorf("bootstrap: DATABASE_URL is required in production")
	}
	if a.SQL == nil && a.Pool != nil {
		db, err := OpenSQL(cfg.DatabaseURL)
		if err != nil {
			a.Close()
			return nil, err
		}
		if db != nil {
			a.SQL = db
			a.closers = append(a.closers, func() { _ = db.Close() })
		}
	}

	a.buildRepositories()
	store, err := a.buildSlotStore(ctx, opts.AWS)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Slots = slots.NewAllocator(store, logger)
	a.Fees = fees.NewCalculator(cfg.PartialCoverageRate)

	a.Dispatcher = opts.Dispatcher
	if a.Dispatcher == nil {
		d, err := BuildDispatcher(cfg, opts.AWS, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Dispatcher = d
	}
	gw, err := BuildGateway(cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Gateway = gw

	deps := appointments.Deps{
		Appointments: a.Appointments,
		Doctors:      a.Doctors,
		Patients:     a.Patients,
		Policies:     a.Policies,
		Slots:        a.Slots,
		Fees:         a.Fees,
		Dispatcher:   a.Dispatcher,
		Metrics:      a.Metrics,
	}
	if a.SQL != nil {
		a.Audit = audit.NewTrail(a.SQL)
		deps.Audit = a.Audit
	}
	a.Service = appointments.NewService(deps, appointments.Options{
		Location: cfg.Location(),
		Currency: cfg.Currency,
	}, logger)

	a.Reminders = reminders.NewScheduler(a.Appointments, a.Dispatcher, reminders.Config{
		Interval:    cfg.ReminderInterval,
		LeadTime:    cfg.ReminderLeadTime,
		Buffer:      cfg.ReminderBuffer,
		TickTimeout: cfg.ReminderTickTimeout,
	}, a.Metrics, logger)
	if a.Audit != nil {
		a.Reminders.WithAudit(a.Audit)
	}
	a.RateLimiter = httpmiddleware.NewRateLimiter(5, 20)
	return a, nil
}

func (a *App) buildRepositories() {
	if a.Pool != nil {
		a.Doctors = doctors.NewPostgresRepository(a.Pool)
		a.Patients = patients.NewPostgresRepository(a.Pool)
		a.Policies = insurance.NewPostgresRepository(a.Pool)
		a.Appointments = appointments.NewPostgresRepository(a.Pool)
		a.Processed = events.NewProcessedStore(a.Pool)
		return
	}
	a.Logger.Warn("DATABASE_URL not set; using in-memory repositories")
	a.Doctors = doctors.NewInMemoryRepository()
	a.Patients = patients.NewInMemoryRepository()
	a.Policies = insurance.NewInMemoryRepository()
	a.Appointments = appointments.NewInMemoryRepository()
	a.Processed = events.NewMemoryProcessedStore()
}

func (a *App) buildSlotStore(ctx context.Context, awsCfg *aws.Config) (slots.Store, error) {
	switch a.Config.SlotStore {
	case "redis":
		if a.Redis == nil {
			a.Redis = BuildRedisClient(ctx, a.Config, a.Logger, true)
			if a.Redis != nil {
				client := a.Redis
				a.closers = append(a.closers, func() { _ = client.Close() })
			}
		}
		if a.Redis == nil {
			return nil, fmt.Errorf("bootstrap: SLOT_STORE=redis requires a reachable REDIS_ADDR")
		}
		return slots.NewRedisStore(a.Redis, "clinic:slots"), nil
	case "dynamodb":
		if awsCfg == nil {
			return nil, fmt.Errorf("bootstrap: SLOT_STORE=dynamodb requires AWS configuration")
		}
		return slots.NewDynamoStore(dynamodb.NewFromConfig(*awsCfg), a.Config.SlotsTable), nil
	case "memory":
		return slots.NewMemoryStore(), nil
	case "", "postgres":
		if a.Pool == nil {
			return slots.NewMemoryStore(), nil
		}
		return slots.NewPostgresStore(a.Pool), nil
	default:
		return nil, fmt.Errorf("bootstrap: unknown SLOT_STORE %q", a.Config.SlotStore)
	}
}

// BuildEmailSender picks the configured email transport.
func BuildEmailSender(cfg *appconfig.Config, awsCfg *aws.Config, logger *logging.Logger) (notify.EmailSender, error) {
	switch cfg.EmailProvider {
	case "sendgrid":
		sender := notify.NewSendGridSender(notify.SendGridConfig{
			APIKey:    cfg.SendGridAPIKey,
			FromEmail: cfg.SendGridFromEmail,
			FromName:  cfg.SendGridFromName,
		}, logger)
		if sender == nil {
			return nil, fmt.Errorf("bootstrap: EMAIL_PROVIDER=sendgrid requires SENDGRID_API_KEY")
		}
		return sender, nil
	case "ses":
		if awsCfg == nil {
			return nil, fmt.Errorf("bootstrap: EMAIL_PROVIDER=ses requires AWS configuration")
		}
		return notify.NewSESSender(sesv2.NewFromConfig(*awsCfg), notify.SESConfig{
			FromEmail: cfg.SESFromEmail,
			FromName:  cfg.SendGridFromName,
		}, logger), nil
	case "", "stub":
		if cfg.IsProduction() {
			return nil, fmt.Errorf("bootstrap: stub email sender is not allowed in production")
		}
		return notify.NewStubEmailSender(logger), nil
	default:
		return nil, fmt.Errorf("bootstrap: unknown EMAIL_PROVIDER %q", cfg.EmailProvider)
	}
}

// BuildDispatcher returns the SQS-backed dispatcher when a queue is configured,
// otherwise one that sends inline.
func BuildDispatcher(cfg *appconfig.Config, awsCfg *aws.Config, logger *logging.Logger) (notify.Dispatcher, error) {
	if url := strings.TrimSpace(cfg.NotificationQueueURL); url != "" {
		if awsCfg == nil {
			return nil, fmt.Errorf("bootstrap: NOTIFICATION_QUEUE_URL requires AWS configuration")
		}
		return notify.NewQueueDispatcher(notify.NewSQSQueue(sqs.NewFromConfig(*awsCfg), url)), nil
	}
	sender, err := BuildEmailSender(cfg, awsCfg, logger)
	if err != nil {
		return nil, err
	}
	return notify.NewEmailDispatcher(sender, logger), nil
}

// BuildGateway returns Stripe when a secret key is configured, and the fake
// gateway only when explicitly allowed outside production.
func BuildGateway(cfg *appconfig.Config, logger *logging.Logger) (payments.Gateway, error) {
	if strings.TrimSpace(cfg.StripeSecretKey) != "" {
		return payments.NewStripeGateway(cfg.StripeSecretKey, cfg.StripeSuccessURL, cfg.StripeCancelURL, logger), nil
	}
	if cfg.AllowFakePayments {
		if cfg.IsProduction() {
			return nil, fmt.Errorf("bootstrap: ALLOW_FAKE_PAYMENTS cannot be used in production")
		}
		return payments.NewFakeGateway(cfg.PublicBaseURL, logger), nil
	}
	return nil, nil
}

// Handler builds the HTTP surface.
func (a *App) Handler() http.Handler {
	cfg := a.Config
	window := slots.Window{
		Days:         cfg.SlotWindowDays,
		StepMinutes:  cfg.SlotStepMinutes,
		DayStartHour: cfg.SlotDayStartHour,
		DayEndHour:   cfg.SlotDayEndHour,
	}
	routes := &router.Config{
		Logger:        a.Logger,
		AuthJWTSecret: cfg.AuthJWTSecret,
		CORS: httpmiddleware.CORSConfig{
			AllowedOrigins: cfg.CORSAllowedOrigins,
			AllowedMethods: cfg.CORSAllowedMethods,
			AllowedHeaders: cfg.CORSAllowedHeaders,
			ExposedHeaders: []string{"X-Request-ID"},
			MaxAge:         cfg.CORSMaxAge,
		},
		RateLimiter:    a.RateLimiter,
		MetricsHandler: promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}),
		Doctors: doctors.NewHandler(a.Doctors, a.Slots, doctors.HandlerConfig{
			Window:             window,
			InsuranceExtraDays: cfg.SlotInsuranceExtraDays,
			Location:           cfg.Location(),
		}, a.Logger),
		Insurance:    insurance.NewHandler(a.Policies, a.Logger),
		Appointments: appointments.NewHandler(a.Service, a.Logger),
		Health:       a.health,
	}
	if a.Gateway != nil {
		routes.Payments = payments.NewHandler(a.Service, a.Gateway, a.Logger)
		if _, fake := a.Gateway.(*payments.FakeGateway); fake {
			routes.FakePayments = payments.NewFakeCheckoutPage(a.Service, a.Logger)
		}
	}
	if strings.TrimSpace(cfg.StripeWebhookSecret) != "" {
		routes.StripeWebhook = http.HandlerFunc(
			payments.NewStripeWebhookHandler(cfg.StripeWebhookSecret, a.Service, a.Processed, a.Logger).Handle,
		)
	}
	return router.New(routes)
}

func (a *App) health(r *http.Request) error {
	if a.Pool != nil {
		if err := a.Pool.Ping(r.Context()); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Ping(r.Context()).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// Close releases connections opened by Build, newest first.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
