package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config is the typed configuration record for the control plane. Every knob
// is an enumerated environment variable; malformed values are fatal at
// startup (exit 1).
type Config struct {
	Port        int
	AdminSecret string
	Environment string
	LogLevel    string
	Debug       bool

	// Persisted layout roots.
	DataDir    string // holds logs/, state/, reports/
	LogDir     string
	StateDir   string
	ReportsDir string

	// SLO targets.
	SLOAvailabilityPct  float64
	SLOP95TargetMs      float64
	SLOP99TargetMs      float64
	SLOWebhookSuccess   float64
	SLOBurnCriticalPct  float64 // daily burn-rate threshold, percent of budget per day
	SLOWindowDays       int
	SLORecomputeEvery   time.Duration

	// Autoscaler. The two booleans are startup defaults for the
	// corresponding feature flags; the flag file wins once it defines them.
	ScaleMin         int
	ScaleMax         int
	ScaleCooldown    time.Duration
	ScaleDryRun      bool
	DailySpendLimit  float64
	ProfitStaleMax   time.Duration
	AutoscaleEnabled bool
	StabilizeMode    bool

	// Pager.
	DedupTTL      time.Duration
	ChatWebhook   string
	EmailFrom     string
	EmailTo       string
	SMTPAddr      string
	SMTPUser      string
	SMTPPass      string

	// Effector endpoints. Empty values put the adapter in dry-run mode.
	KBBaseURL       string
	KBToken         string
	PaymentBaseURL  string
	PaymentAPIKey   string
	BusinessBaseURL string
	BusinessSecret  string

	// Queue.
	QueueMaxAttempts int
	QueueFailureTTL  time.Duration
	PollTimeout      time.Duration
	WorkerCount      int
	VisibilityTO     time.Duration
	BackpressureHigh int
	BackpressureLow  int

	// Event log.
	LogSegmentBytes int64
	LogMaxSegments  int

	// Retention.
	RetentionDryRun bool
	IdempotencyTTL  time.Duration

	// Shutdown.
	DrainGrace time.Duration
}

// Load reads the recognized environment variables, applying defaults and
// validating ranges. Any malformed value is an error.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	if cfg.Port, err = intEnv("PORT", 8080); err != nil {
		return nil, err
	}
	cfg.AdminSecret = getEnv("ADMIN_SECRET", "")
	cfg.Environment = getEnv("ENVIRONMENT", "production")
	cfg.LogLevel = getEnv("LOG_LEVEL", "info")
	if cfg.Debug, err = boolEnv("DEBUG", false); err != nil {
		return nil, err
	}

	cfg.DataDir = getEnv("DATA_DIR", ".")
	cfg.LogDir = filepath.Join(cfg.DataDir, "logs")
	cfg.StateDir = filepath.Join(cfg.DataDir, "state")
	cfg.ReportsDir = filepath.Join(cfg.DataDir, "reports")

	if cfg.SLOAvailabilityPct, err = floatEnv("SLO_AVAILABILITY_PCT", 99.9); err != nil {
		return nil, err
	}
	if cfg.SLOP95TargetMs, err = floatEnv("SLO_P95_TARGET_MS", 800); err != nil {
		return nil, err
	}
	if cfg.SLOP99TargetMs, err = floatEnv("SLO_P99_TARGET_MS", 1200); err != nil {
		return nil, err
	}
	if cfg.SLOWebhookSuccess, err = floatEnv("SLO_WEBHOOK_SUCCESS_PCT", 99.0); err != nil {
		return nil, err
	}
	if cfg.SLOBurnCriticalPct, err = floatEnv("SLO_ERROR_BUDGET_PCT", 2.0); err != nil {
		return nil, err
	}
	if cfg.SLOWindowDays, err = intEnv("SLO_WINDOW_DAYS", 30); err != nil {
		return nil, err
	}
	cfg.SLORecomputeEvery = 15 * time.Minute

	if cfg.ScaleMin, err = intEnv("SCALE_MIN", 1); err != nil {
		return nil, err
	}
	if cfg.ScaleMax, err = intEnv("SCALE_MAX", 4); err != nil {
		return nil, err
	}
	cooldownMin, err := intEnv("SCALE_COOLDOWN_MIN", 10)
	if err != nil {
		return nil, err
	}
	cfg.ScaleCooldown = time.Duration(cooldownMin) * time.Minute
	if cfg.ScaleDryRun, err = boolEnv("SCALE_DRY_RUN", false); err != nil {
		return nil, err
	}
	if cfg.DailySpendLimit, err = floatEnv("DAILY_SPEND_LIMIT", 50.0); err != nil {
		return nil, err
	}
	cfg.ProfitStaleMax = 24 * time.Hour
	if cfg.AutoscaleEnabled, err = boolEnv("AUTOSCALE_ENABLED", true); err != nil {
		return nil, err
	}
	if cfg.StabilizeMode, err = boolEnv("STABILIZE_MODE", false); err != nil {
		return nil, err
	}

	dedupS, err := intEnv("DEDUP_TTL_S", 3600)
	if err != nil {
		return nil, err
	}
	cfg.DedupTTL = time.Duration(dedupS) * time.Second
	cfg.ChatWebhook = getEnv("CHAT_WEBHOOK_URL", "")
	cfg.EmailFrom = getEnv("EMAIL_FROM", "")
	cfg.EmailTo = getEnv("EMAIL_TO", "")
	cfg.SMTPAddr = getEnv("SMTP_ADDR", "")
	cfg.SMTPUser = getEnv("SMTP_USER", "")
	cfg.SMTPPass = getEnv("SMTP_PASS", "")
	cfg.KBBaseURL = getEnv("KB_BASE_URL", "")
	cfg.KBToken = getEnv("KB_TOKEN", "")
	cfg.PaymentBaseURL = getEnv("PAYMENT_BASE_URL", "")
	cfg.PaymentAPIKey = getEnv("PAYMENT_API_KEY", "")
	cfg.BusinessBaseURL = getEnv("BUSINESS_BASE_URL", "")
	cfg.BusinessSecret = getEnv("BUSINESS_SECRET", "")

	if cfg.QueueMaxAttempts, err = intEnv("QUEUE_MAX_ATTEMPTS", 3); err != nil {
		return nil, err
	}
	failureS, err := intEnv("QUEUE_FAILURE_TTL_S", 7*24*3600)
	if err != nil {
		return nil, err
	}
	cfg.QueueFailureTTL = time.Duration(failureS) * time.Second
	pollMs, err := intEnv("POLL_TIMEOUT_MS", 1000)
	if err != nil {
		return nil, err
	}
	cfg.PollTimeout = time.Duration(pollMs) * time.Millisecond
	if cfg.WorkerCount, err = intEnv("WORKER_COUNT", 4); err != nil {
		return nil, err
	}
	cfg.VisibilityTO = 5 * time.Minute
	if cfg.BackpressureHigh, err = intEnv("BACKPRESSURE_HIGH", 100); err != nil {
		return nil, err
	}
	if cfg.BackpressureLow, err = intEnv("BACKPRESSURE_LOW", 25); err != nil {
		return nil, err
	}

	segBytes, err := intEnv("LOG_SEGMENT_BYTES", 8*1024*1024)
	if err != nil {
		return nil, err
	}
	cfg.LogSegmentBytes = int64(segBytes)
	if cfg.LogMaxSegments, err = intEnv("LOG_MAX_SEGMENTS", 16); err != nil {
		return nil, err
	}

	if cfg.RetentionDryRun, err = boolEnv("RETENTION_DRY_RUN", false); err != nil {
		return nil, err
	}
	cfg.IdempotencyTTL = time.Hour
	cfg.DrainGrace = 30 * time.Second

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: PORT %d out of range", c.Port)
	}
	if c.ScaleMin < 1 || c.ScaleMax < c.ScaleMin {
		return fmt.Errorf("config: SCALE_MIN %d / SCALE_MAX %d invalid", c.ScaleMin, c.ScaleMax)
	}
	if c.SLOAvailabilityPct <= 0 || c.SLOAvailabilityPct >= 100 {
		return fmt.Errorf("config: SLO_AVAILABILITY_PCT %.2f must be in (0,100)", c.SLOAvailabilityPct)
	}
	if c.SLOWebhookSuccess <= 0 || c.SLOWebhookSuccess > 100 {
		return fmt.Errorf("config: SLO_WEBHOOK_SUCCESS_PCT %.2f must be in (0,100]", c.SLOWebhookSuccess)
	}
	if c.QueueMaxAttempts < 1 {
		return fmt.Errorf("config: QUEUE_MAX_ATTEMPTS must be >= 1")
	}
	if c.SLOWindowDays < 1 {
		return fmt.Errorf("config: SLO_WINDOW_DAYS must be >= 1")
	}
	if c.BackpressureLow >= c.BackpressureHigh {
		return fmt.Errorf("config: BACKPRESSURE_LOW must be below BACKPRESSURE_HIGH")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func intEnv(key string, fallback int) (int, error) {
	v, exists := os.LookupEnv(key)
	if !exists || v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s=%q is not an integer", key, v)
	}
	return n, nil
}

func floatEnv(key string, fallback float64) (float64, error) {
	v, exists := os.LookupEnv(key)
	if !exists || v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s=%q is not a number", key, v)
	}
	return f, nil
}

func boolEnv(key string, fallback bool) (bool, error) {
	v, exists := os.LookupEnv(key)
	if !exists || v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("config: %s=%q is not a boolean", key, v)
	}
	return b, nil
}
