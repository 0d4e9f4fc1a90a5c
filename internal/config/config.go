package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string
	DBMaxConns int

	// Redis
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// Web Push (VAPID)
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubject    string
	PushTTL         time.Duration

	// FCM; empty server key routes FCM endpoints through Web Push
	FCMServerKey string
	FCMSendURL   string

	// SNS mobile platform endpoints
	AWSRegion   string
	SNSRegion   string
	SNSEnabled  bool
	SNSEndpoint string // LocalStack override

	// Dispatch
	DeliveryTimeout time.Duration
	BulkBatchSize   int
	QuietHoursZone  *time.Location

	// API
	RateLimitPerMinute int
	StatsWindow        time.Duration
}

const (
	defaultBatchSize = 10
	maxBatchSize     = 100
)

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "propush",
		DBName:     "propush",
		DBSSLMode:  "disable",
		DBMaxConns: 20,

		RedisHost: "localhost",
		RedisPort: 6379,

		VAPIDSubject: "ops@propush.local",
		PushTTL:      24 * time.Hour,

		FCMSendURL: "https://fcm.googleapis.com/fcm/send",

		AWSRegion: "us-east-1",

		DeliveryTimeout: 10 * time.Second,
		BulkBatchSize:   defaultBatchSize,
		QuietHoursZone:  time.UTC,

		RateLimitPerMinute: 120,
		StatsWindow:        30 * 24 * time.Hour,
	}

	var err error

	if cfg.Port, err = intEnv("PORT", cfg.Port); err != nil {
		return nil, err
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}
	if cfg.DBPort, err = intEnv("DB_PORT", cfg.DBPort); err != nil {
		return nil, err
	}
	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}
	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}
	if name := os.Getenv("DB_NAME"); name != "" {
		cfg.DBName = name
	}
	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}
	if cfg.DBMaxConns, err = intEnv("DB_MAX_CONNS", cfg.DBMaxConns); err != nil {
		return nil, err
	}

	// Redis
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}
	if cfg.RedisPort, err = intEnv("REDIS_PORT", cfg.RedisPort); err != nil {
		return nil, err
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}
	if cfg.RedisDB, err = intEnv("REDIS_DB", cfg.RedisDB); err != nil {
		return nil, err
	}

	// Web Push
	cfg.VAPIDPublicKey = os.Getenv("VAPID_PUBLIC_KEY")
	cfg.VAPIDPrivateKey = os.Getenv("VAPID_PRIVATE_KEY")
	if subject := os.Getenv("VAPID_SUBJECT"); subject != "" {
		cfg.VAPIDSubject = subject
	}
	ttl, err := intEnv("PUSH_TTL_SECONDS", int(cfg.PushTTL.Seconds()))
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("invalid PUSH_TTL_SECONDS: must be positive")
	}
	cfg.PushTTL = time.Duration(ttl) * time.Second

	// FCM
	cfg.FCMServerKey = os.Getenv("FCM_SERVER_KEY")
	if url := os.Getenv("FCM_SEND_URL"); url != "" {
		cfg.FCMSendURL = url
	}

	// SNS
	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}
	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}
	if enabled := os.Getenv("SNS_ENABLED"); enabled != "" {
		b, err := strconv.ParseBool(enabled)
		if err != nil {
			return nil, fmt.Errorf("invalid SNS_ENABLED: %w", err)
		}
		cfg.SNSEnabled = b
	}
	cfg.SNSEndpoint = os.Getenv("SNS_ENDPOINT")

	// Dispatch
	timeout, err := intEnv("DELIVERY_TIMEOUT", int(cfg.DeliveryTimeout.Seconds()))
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("invalid DELIVERY_TIMEOUT: must be positive")
	}
	cfg.DeliveryTimeout = time.Duration(timeout) * time.Second

	if cfg.BulkBatchSize, err = intEnv("BULK_BATCH_SIZE", cfg.BulkBatchSize); err != nil {
		return nil, err
	}
	cfg.BulkBatchSize = min(max(cfg.BulkBatchSize, 1), maxBatchSize)

	if offset := os.Getenv("QUIET_HOURS_UTC_OFFSET"); offset != "" {
		loc, err := ParseUTCOffset(offset)
		if err != nil {
			return nil, fmt.Errorf("invalid QUIET_HOURS_UTC_OFFSET: %w", err)
		}
		cfg.QuietHoursZone = loc
	}

	// API
	if cfg.RateLimitPerMinute, err = intEnv("RATE_LIMIT_PER_MINUTE", cfg.RateLimitPerMinute); err != nil {
		return nil, err
	}
	days, err := intEnv("STATS_WINDOW_DAYS", int(cfg.StatsWindow.Hours()/24))
	if err != nil {
		return nil, err
	}
	if days <= 0 {
		return nil, fmt.Errorf("invalid STATS_WINDOW_DAYS: must be positive")
	}
	cfg.StatsWindow = time.Duration(days) * 24 * time.Hour

	return cfg, nil
}

// ParseUTCOffset turns "+03:00", "-0530" or "Z" into a fixed zone.
func ParseUTCOffset(s string) (*time.Location, error) {
	s = strings.TrimSpace(s)
	if s == "Z" || s == "+00:00" || s == "UTC" {
		return time.UTC, nil
	}
	if len(s) < 3 || (s[0] != '+' && s[0] != '-') {
		return nil, fmt.Errorf("offset %q must start with + or -", s)
	}

	digits := strings.ReplaceAll(s[1:], ":", "")
	if len(digits) != 2 && len(digits) != 4 {
		return nil, fmt.Errorf("offset %q must be ±HH or ±HH:MM", s)
	}
	hours, err := strconv.Atoi(digits[:2])
	if err != nil {
		return nil, fmt.Errorf("offset %q: %w", s, err)
	}
	minutes := 0
	if len(digits) == 4 {
		if minutes, err = strconv.Atoi(digits[2:]); err != nil {
			return nil, fmt.Errorf("offset %q: %w", s, err)
		}
	}
	if hours > 14 || minutes > 59 {
		return nil, fmt.Errorf("offset %q out of range", s)
	}

	secs := hours*3600 + minutes*60
	if s[0] == '-' {
		secs = -secs
	}
	return time.FixedZone(s, secs), nil
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
