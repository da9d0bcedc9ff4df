package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// RecencyMode selects how stale evidence timestamps are treated.
type RecencyMode string

const (
	RecencyOff    RecencyMode = "off"
	RecencyReview RecencyMode = "review"
	RecencyReject RecencyMode = "reject"
)

// Config holds all process configuration.
type Config struct {
	DataDir     string
	BindAddress string
	Port        int
	LogLevel    string
	LogFormat   string

	DiscordToken   string
	GuildID        string
	ScanChannelID  string // buyers post evidence here
	AdminChannelID string // overseers review here
	LogChannelID   string // optional decision feed; empty falls back to the admin channel

	PlansFile     string
	WalletDisplay string // shown to buyers in payment instructions
	QRImageURL    string

	PayeeIdentifiers []string
	AmountTolerance  float64
	ReferenceQRHash  string
	HashThreshold    int
	RecencyMode      RecencyMode
	RecencyWindow    time.Duration
	EvidenceTimezone string

	ExtractTimeout  time.Duration
	PlatformTimeout time.Duration
	SweepInterval   time.Duration
	ReconcileEvery  int
	OrderTTL        time.Duration

	TesseractPath  string
	TesseractLangs string

	AdminAPIKey         string
	AdminAPIKeyHash     string // bcrypt; takes precedence over AdminAPIKey
	StripeWebhookSecret string
	PublicMetrics       bool
}

// DatabasePath returns the SQLite file holding orders and entitlements.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "slipgate.db")
}

// Location returns the timezone used to interpret timestamps printed on evidence.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.EvidenceTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Load loads configuration from environment variables.
// A .env file is loaded if present but not required.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return loadFromEnv()
}

func loadFromEnv() (*Config, error) {
	var errs []string
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err.Error())
		}
	}

	port, err := envOrDefaultInt("SLIPGATE_PORT", 3000)
	collect(err)
	hashThreshold, err := envOrDefaultInt("HASH_THRESHOLD", 8)
	collect(err)
	reconcileEvery, err := envOrDefaultInt("RECONCILE_EVERY", 10)
	collect(err)
	tolerance, err := envOrDefaultFloat("AMOUNT_TOLERANCE", 0.5)
	collect(err)
	recencyWindow, err := envOrDefaultDuration("RECENCY_WINDOW", 600*time.Second)
	collect(err)
	extractTimeout, err := envOrDefaultDuration("EXTRACT_TIMEOUT", 20*time.Second)
	collect(err)
	platformTimeout, err := envOrDefaultDuration("PLATFORM_TIMEOUT", 10*time.Second)
	collect(err)
	sweepInterval, err := envOrDefaultDuration("SWEEP_INTERVAL", 60*time.Second)
	collect(err)
	orderTTL, err := envOrDefaultDuration("ORDER_TTL", 24*time.Hour)
	collect(err)
	publicMetrics, err := envOrDefaultBool("PUBLIC_METRICS", false)
	collect(err)
	if len(errs) > 0 {
		return nil, fmt.Errorf("parse environment: %s", strings.Join(errs, "; "))
	}

	dataDir := envOrDefault("SLIPGATE_DATA_DIR", "./data")
	cfg := &Config{
		DataDir:             dataDir,
		BindAddress:         envOrDefault("SLIPGATE_BIND_ADDRESS", "0.0.0.0"),
		Port:                port,
		LogLevel:            envOrDefault("LOG_LEVEL", "info"),
		LogFormat:           envOrDefault("LOG_FORMAT", "auto"),
		DiscordToken:        strings.TrimSpace(os.Getenv("DISCORD_TOKEN")),
		GuildID:             strings.TrimSpace(os.Getenv("GUILD_ID")),
		ScanChannelID:       strings.TrimSpace(os.Getenv("SCAN_CHANNEL_ID")),
		AdminChannelID:      strings.TrimSpace(os.Getenv("ADMIN_CHANNEL_ID")),
		LogChannelID:        strings.TrimSpace(os.Getenv("LOG_CHANNEL_ID")),
		PlansFile:           envOrDefault("PLANS_FILE", filepath.Join(dataDir, "plans.yaml")),
		WalletDisplay:       strings.TrimSpace(os.Getenv("WALLET_DISPLAY")),
		QRImageURL:          strings.TrimSpace(os.Getenv("QR_IMAGE_URL")),
		PayeeIdentifiers:    splitList(os.Getenv("PAYEE_IDENTIFIERS")),
		AmountTolerance:     tolerance,
		ReferenceQRHash:     strings.TrimSpace(os.Getenv("REFERENCE_QR_HASH")),
		HashThreshold:       hashThreshold,
		RecencyMode:         RecencyMode(strings.ToLower(envOrDefault("RECENCY_MODE", string(RecencyOff)))),
		RecencyWindow:       recencyWindow,
		EvidenceTimezone:    envOrDefault("EVIDENCE_TIMEZONE", "Asia/Bangkok"),
		ExtractTimeout:      extractTimeout,
		PlatformTimeout:     platformTimeout,
		SweepInterval:       sweepInterval,
		ReconcileEvery:      reconcileEvery,
		OrderTTL:            orderTTL,
		TesseractPath:       envOrDefault("TESSERACT_PATH", "tesseract"),
		TesseractLangs:      envOrDefault("TESSERACT_LANGS", "eng+tha"),
		AdminAPIKey:         strings.TrimSpace(os.Getenv("ADMIN_API_KEY")),
		AdminAPIKeyHash:     strings.TrimSpace(os.Getenv("ADMIN_API_KEY_HASH")),
		StripeWebhookSecret: strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET")),
		PublicMetrics:       publicMetrics,
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.DiscordToken == "" {
		missing = append(missing, "DISCORD_TOKEN")
	}
	if c.GuildID == "" {
		missing = append(missing, "GUILD_ID")
	}
	if c.ScanChannelID == "" {
		missing = append(missing, "SCAN_CHANNEL_ID")
	}
	if c.AdminChannelID == "" {
		missing = append(missing, "ADMIN_CHANNEL_ID")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("SLIPGATE_PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.AmountTolerance < 0 {
		return fmt.Errorf("AMOUNT_TOLERANCE must not be negative, got %v", c.AmountTolerance)
	}
	if c.HashThreshold < 0 || c.HashThreshold > 64 {
		return fmt.Errorf("HASH_THRESHOLD must be between 0 and 64, got %d", c.HashThreshold)
	}
	switch c.RecencyMode {
	case RecencyOff, RecencyReview, RecencyReject:
	default:
		return fmt.Errorf("RECENCY_MODE must be one of off, review, reject, got %q", c.RecencyMode)
	}
	if c.SweepInterval < time.Second {
		return fmt.Errorf("SWEEP_INTERVAL must be at least 1s, got %s", c.SweepInterval)
	}
	if c.ExtractTimeout <= 0 || c.PlatformTimeout <= 0 {
		return fmt.Errorf("EXTRACT_TIMEOUT and PLATFORM_TIMEOUT must be positive")
	}
	if c.ReconcileEvery < 0 {
		return fmt.Errorf("RECONCILE_EVERY must not be negative, got %d", c.ReconcileEvery)
	}
	if _, err := time.LoadLocation(c.EvidenceTimezone); err != nil {
		return fmt.Errorf("EVIDENCE_TIMEZONE %q: %w", c.EvidenceTimezone, err)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultFloat(key string, fallback float64) (float64, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid number: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

// envOrDefaultDuration accepts Go durations ("90s") or bare seconds ("600").
func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration or a number of seconds: %w", key, err)
	}
	return d, nil
}

func envOrDefaultBool(key string, fallback bool) (bool, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("%s must be a boolean: %w", key, err)
		}
		return b, nil
	}
	return fallback, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
