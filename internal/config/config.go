package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	Port          string
	Env           string
	PublicBaseURL string
	LogLevel      string
	LogFormat     string
	DatabaseURL   string

	// Slot storage backend: postgres, redis, dynamodb or memory.
	SlotStore     string
	RedisAddr     string
	RedisPassword string
	RedisTLS      bool
	SlotsTable    string

	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string

	// Notifications
	EmailProvider        string
	NotificationQueueURL string
	SendGridAPIKey       string
	SendGridFromEmail    string
	SendGridFromName     string
	SESFromEmail         string

	// Payments
	StripeSecretKey     string
	StripeWebhookSecret string
	StripeSuccessURL    string
	StripeCancelURL     string
	Currency            string
	AllowFakePayments   bool

	AuthJWTSecret      string
	CORSAllowedOrigins []string
	CORSAllowedMethods []string
	CORSAllowedHeaders []string
	CORSMaxAge         time.Duration

	// Scheduling policy
	ClinicTimezone         string
	SlotWindowDays         int
	SlotInsuranceExtraDays int
	SlotStepMinutes        int
	SlotDayStartHour       int
	SlotDayEndHour         int
	PartialCoverageRate    float64

	// Reminder scanner
	ReminderEnabled     bool
	ReminderInterval    time.Duration
	ReminderLeadTime    time.Duration
	ReminderBuffer      time.Duration
	ReminderTickTimeout time.Duration
}

// Load reads configuration from environment variables. A .env file in the
// working directory is applied first when present; real env vars win.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Port:          getEnv("PORT", "8080"),
		Env:           getEnv("ENV", "development"),
		PublicBaseURL: getEnv("PUBLIC_BASE_URL", ""),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogFormat:     getEnv("LOG_FORMAT", "json"),
		DatabaseURL:   getEnv("DATABASE_URL", ""),

		SlotStore:     strings.ToLower(strings.TrimSpace(getEnv("SLOT_STORE", "postgres"))),
		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),
		SlotsTable:    getEnv("SLOTS_TABLE", "doctor_booked_slots"),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),

		EmailProvider:        strings.ToLower(strings.TrimSpace(getEnv("EMAIL_PROVIDER", "stub"))),
		NotificationQueueURL: getEnv("NOTIFICATION_QUEUE_URL", ""),
		SendGridAPIKey:       getEnv("SENDGRID_API_KEY", ""),
		SendGridFromEmail:    getEnv("SENDGRID_FROM_EMAIL", ""),
		SendGridFromName:     getEnv("SENDGRID_FROM_NAME", "Clinic Scheduler"),
		SESFromEmail:         getEnv("SES_FROM_EMAIL", ""),

		StripeSecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
		StripeSuccessURL:    getEnv("STRIPE_SUCCESS_URL", ""),
		StripeCancelURL:     getEnv("STRIPE_CANCEL_URL", ""),
		Currency:            strings.ToLower(getEnv("CURRENCY", "usd")),
		AllowFakePayments:   getEnvAsBool("ALLOW_FAKE_PAYMENTS", false),

		AuthJWTSecret:      getEnv("AUTH_JWT_SECRET", ""),
		CORSAllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS"),
		CORSAllowedMethods: getEnvAsList("CORS_ALLOWED_METHODS"),
		CORSAllowedHeaders: getEnvAsList("CORS_ALLOWED_HEADERS"),
		CORSMaxAge:         getEnvAsDuration("CORS_MAX_AGE", 10*time.Minute),

		ClinicTimezone:         getEnv("CLINIC_TIMEZONE", "UTC"),
		SlotWindowDays:         getEnvAsInt("SLOT_WINDOW_DAYS", 7),
		SlotInsuranceExtraDays: getEnvAsInt("SLOT_INSURANCE_EXTRA_DAYS", 2),
		SlotStepMinutes:        getEnvAsInt("SLOT_STEP_MINUTES", 30),
		SlotDayStartHour:       getEnvAsInt("SLOT_DAY_START_HOUR", 10),
		SlotDayEndHour:         getEnvAsInt("SLOT_DAY_END_HOUR", 21),
		PartialCoverageRate:    getEnvAsFloat("PARTIAL_COVERAGE_RATE", 0.10),

		ReminderEnabled:     getEnvAsBool("REMINDER_ENABLED", true),
		ReminderInterval:    getEnvAsDuration("REMINDER_INTERVAL", 5*time.Minute),
		ReminderLeadTime:    getEnvAsDuration("REMINDER_LEAD_TIME", 24*time.Hour),
		ReminderBuffer:      getEnvAsDuration("REMINDER_BUFFER", 15*time.Minute),
		ReminderTickTimeout: getEnvAsDuration("REMINDER_TICK_TIMEOUT", time.Minute),
	}
}

// Location resolves the clinic time zone, falling back to UTC.
func (c *Config) Location() *time.Location {
	if c == nil || strings.TrimSpace(c.ClinicTimezone) == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.ClinicTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// IsProduction reports whether the service runs with production safeguards.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// UsesAWS reports whether any configured backend needs AWS credentials.
func (c *Config) UsesAWS() bool {
	return c.SlotStore == "dynamodb" || c.EmailProvider == "ses" || strings.TrimSpace(c.NotificationQueueURL) != ""
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsList(key string) []string {
	raw := strings.TrimSpace(getEnv(key, ""))
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
