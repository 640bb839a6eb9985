package bootstrap

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "github.com/wolfman30/clinic-scheduler/internal/config"
	"github.com/wolfman30/clinic-scheduler/internal/doctors"
	httpmiddleware "github.com/wolfman30/clinic-scheduler/internal/http/middleware"
	"github.com/wolfman30/clinic-scheduler/internal/notify"
	"github.com/wolfman30/clinic-scheduler/internal/payments"
	"github.com/wolfman30/clinic-scheduler/pkg/logging"
)

func devConfig() *appconfig.Config {
	return &appconfig.Config{
		Env:                 "development",
		SlotStore:           "memory",
		EmailProvider:       "stub",
		Currency:            "usd",
		AllowFakePayments:   true,
		PublicBaseURL:       "http://localhost:8080",
		AuthJWTSecret:       "secret",
		ClinicTimezone:      "UTC",
		SlotWindowDays:      7,
		SlotStepMinutes:     30,
		SlotDayStartHour:    10,
		SlotDayEndHour:      21,
		PartialCoverageRate: 0.10,
		ReminderInterval:    5 * time.Minute,
		ReminderLeadTime:    24 * time.Hour,
		ReminderBuffer:      15 * time.Minute,
		ReminderTickTimeout: time.Minute,
	}
}

func TestBuildRequiresConfig(t *testing.T) {
	if _, err := Build(context.Background(), nil, Options{}, logging.New("error")); err == nil {
		t.Fatalf("expected error for nil config")
	}
}

func TestBuildInMemoryWiresEverything(t *testing.T) {
	app, err := Build(context.Background(), devConfig(), Options{}, logging.New("error"))
	require.NoError(t, err)
	defer app.Close()

	assert.Nil(t, app.Pool)
	assert.Nil(t, app.Audit)
	assert.NotNil(t, app.Service)
	assert.NotNil(t, app.Reminders)
	assert.NotNil(t, app.RateLimiter)
	assert.IsType(t, &payments.FakeGateway{}, app.Gateway)
	assert.IsType(t, &notify.EmailDispatcher{}, app.Dispatcher)
	assert.Equal(t, 24*time.Hour, app.Reminders.Config().LeadTime)

	h := app.Handler()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/doctors", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBuildRefusesInMemoryInProduction(t *testing.T) {
	cfg := devConfig()
	cfg.Env = "production"
	_, err := Build(context.Background(), cfg, Options{}, logging.New("error"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestBuildRedisSlotStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	cfg := devConfig()
	cfg.SlotStore = "redis"
	dispatcher := notify.NewMemoryDispatcher()
	app, err := Build(context.Background(), cfg, Options{Redis: client, Dispatcher: dispatcher}, logging.New("error"))
	require.NoError(t, err)
	defer app.Close()

	ctx := context.Background()
	_, err = app.Slots.Reserve(ctx, "doc-1", "1_5_2024", "10:00 am")
	require.NoError(t, err)
	members, err := mr.Members("clinic:slots:doc-1:1_5_2024")
	require.NoError(t, err)
	assert.Equal(t, []string{"10:00 AM"}, members)

	_, err = app.Slots.Reserve(ctx, "doc-1", "1_5_2024", "10:00 AM")
	require.Error(t, err)
}

func TestBuildRejectsUnknownSlotStore(t *testing.T) {
	cfg := devConfig()
	cfg.SlotStore = "etcd"
	_, err := Build(context.Background(), cfg, Options{}, logging.New("error"))
	require.Error(t, err)
}

func TestBuildDynamoRequiresAWS(t *testing.T) {
	cfg := devConfig()
	cfg.SlotStore = "dynamodb"
	_, err := Build(context.Background(), cfg, Options{}, logging.New("error"))
	require.Error(t, err)
}

func TestBuildEmailSender(t *testing.T) {
	cfg := devConfig()

	cfg.EmailProvider = "sendgrid"
	_, err := BuildEmailSender(cfg, nil, nil)
	assert.Error(t, err, "sendgrid without api key")

	cfg.SendGridAPIKey = "SG.test"
	sender, err := BuildEmailSender(cfg, nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &notify.SendGridSender{}, sender)

	cfg.EmailProvider = "ses"
	_, err = BuildEmailSender(cfg, nil, nil)
	assert.Error(t, err, "ses without aws config")

	cfg.EmailProvider = "pigeon"
	_, err = BuildEmailSender(cfg, nil, nil)
	assert.Error(t, err)

	cfg.EmailProvider = "stub"
	cfg.Env = "production"
	_, err = BuildEmailSender(cfg, nil, nil)
	assert.Error(t, err)
}

func TestBuildGateway(t *testing.T) {
	cfg := devConfig()
	cfg.AllowFakePayments = false
	gw, err := BuildGateway(cfg, nil)
	require.NoError(t, err)
	assert.Nil(t, gw)

	cfg.StripeSecretKey = "sk_test_123"
	gw, err = BuildGateway(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &payments.StripeGateway{}, gw)

	cfg.StripeSecretKey = ""
	cfg.AllowFakePayments = true
	cfg.Env = "production"
	_, err = BuildGateway(cfg, nil)
	assert.Error(t, err)
}

func TestBuildDispatcherQueueRequiresAWS(t *testing.T) {
	cfg := devConfig()
	cfg.NotificationQueueURL = "http://localhost:4566/000000000000/notifications"
	_, err := BuildDispatcher(cfg, nil, nil)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "NOTIFICATION_QUEUE_URL"))
}

func TestConnectPostgresPoolEmptyURLReturnsNil(t *testing.T) {
	pool, err := ConnectPostgresPool(context.Background(), "", logging.New("error"))
	require.NoError(t, err)
	assert.Nil(t, pool)
}

func TestBuildRedisClientDisabled(t *testing.T) {
	if client := BuildRedisClient(context.Background(), &appconfig.Config{}, nil, false); client != nil {
		t.Fatalf("expected nil client without REDIS_ADDR")
	}
}

func TestInMemoryDoctorsReachableThroughApp(t *testing.T) {
	app, err := Build(context.Background(), devConfig(), Options{Dispatcher: notify.NewMemoryDispatcher()}, logging.New("error"))
	require.NoError(t, err)
	defer app.Close()

	_, err = app.Doctors.Upsert(context.Background(), &doctors.Doctor{ID: "doc-1", Name: "Dr. Rao", BaseFee: 500, Available: true})
	require.NoError(t, err)
	got, err := app.Doctors.Get(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, 500.0, got.BaseFee)
}

func TestHandlerMountsInsuranceRoutes(t *testing.T) {
	app, err := Build(context.Background(), devConfig(), Options{}, logging.New("error"))
	require.NoError(t, err)
	defer app.Close()

	claims := httpmiddleware.PrincipalClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "pat-1", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		Role:             httpmiddleware.RolePatient,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/patients/pat-1/insurance",
		strings.NewReader(`{"provider":"Acme","policy_number":"AC-9","coverage_details":"full","valid_till":"2030-01-01T00:00:00Z"}`))
	req.Header.Set("Authorization", "Bearer "+signed)
	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	list, err := app.Policies.ListByPatient(context.Background(), "pat-1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
