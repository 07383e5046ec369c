package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"

	"wrapped-oracle/internal/fixed"
	"wrapped-oracle/internal/logger"
	"wrapped-oracle/internal/swing"
)

// ErrMissing is returned when a required variable is unset.
var ErrMissing = errors.New("config: required env var not set")

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Oracle
	Owner      common.Address
	Keeper     common.Address
	Underlying common.Address
	Manager    common.Address
	Wrapped    common.Address
	WindowSize int
	MaxSwing   fixed.Index
	Allowlist  []common.Address

	// Keeper
	UpdateSchedule string
	UpdateTimeout  time.Duration
	KeeperRetries  int

	// Rate source
	EVMRPCURL   string
	AumDecimals int
	StagingMode bool

	// Infrastructure
	RedisAddr     string
	RedisPassword string
	SQLitePath    string
	HTTPAddr      string
	MetricsAddr   string

	// Alerts
	WebhookURL       string
	TelegramBotToken string
	TelegramChatID   string

	// API auth
	OwnerTOTPSecret  string
	SignatureMaxAge  time.Duration
	UpdateRatePerSec float64

	// Logging
	LogLevel string
	LogFile  logger.FileOptions
}

// Load reads an optional .env file, then environment variables with defaults.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("[config] .env not loaded: %v", err)
	}
	return FromEnv()
}

// FromEnv builds a Config from the process environment only.
func FromEnv() (*Config, error) {
	owner, err := requiredAddress("ORACLE_OWNER")
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Owner:      owner,
		WindowSize: getInt("WINDOW_SIZE", 6),

		UpdateSchedule: getEnv("UPDATE_SCHEDULE", "@every 30s"),
		UpdateTimeout:  time.Duration(getInt("UPDATE_TIMEOUT_SEC", 10)) * time.Second,
		KeeperRetries:  getInt("KEEPER_RETRIES", 2),

		EVMRPCURL:   getEnv("EVM_RPC_URL", ""),
		AumDecimals: getInt("AUM_DECIMALS", 30),
		StagingMode: getBool("STAGING_MODE", false),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		SQLitePath:    getEnv("SQLITE_PATH", "data/oracle.db"),
		HTTPAddr:      getEnv("HTTP_ADDR", ":8080"),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),

		WebhookURL:       getEnv("WEBHOOK_URL", ""),
		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),

		OwnerTOTPSecret:  getEnv("OWNER_TOTP_SECRET", ""),
		SignatureMaxAge:  time.Duration(getInt("SIGNATURE_MAX_AGE_SEC", 60)) * time.Second,
		UpdateRatePerSec: getFloat("UPDATE_RATE_PER_SEC", 1),

		LogLevel: getEnv("LOG_LEVEL", "info"),
		LogFile: logger.FileOptions{
			Path:       getEnv("LOG_FILE", ""),
			MaxSizeMB:  getInt("LOG_MAX_SIZE_MB", 100),
			MaxBackups: getInt("LOG_MAX_BACKUPS", 5),
			MaxAgeDays: getInt("LOG_MAX_AGE_DAYS", 28),
		},
	}

	if cfg.WindowSize <= 0 {
		log.Printf("[config] WINDOW_SIZE must be positive, using 6")
		cfg.WindowSize = 6
	}

	cfg.MaxSwing = swing.DefaultMaxSwing
	if v := os.Getenv("MAX_SWING"); v != "" {
		ms, err := fixed.Parse(v)
		if err != nil || ms.IsZero() {
			log.Printf("[config] invalid MAX_SWING %q, using default", v)
		} else {
			cfg.MaxSwing = ms
		}
	}

	for _, a := range []struct {
		key string
		dst *common.Address
	}{
		{"ORACLE_KEEPER", &cfg.Keeper},
		{"UNDERLYING_ADDRESS", &cfg.Underlying},
		{"MANAGER_ADDRESS", &cfg.Manager},
		{"WRAPPED_ADDRESS", &cfg.Wrapped},
	} {
		if *a.dst, err = optionalAddress(a.key); err != nil {
			return nil, err
		}
	}

	if cfg.Allowlist, err = ParseAddressList(getEnv("ALLOWLIST", "")); err != nil {
		return nil, fmt.Errorf("config: ALLOWLIST: %w", err)
	}

	return cfg, nil
}

// ParseAddressList parses a comma-separated list of hex addresses.
func ParseAddressList(s string) ([]common.Address, error) {
	parts := strings.Split(s, ",")
	out := make([]common.Address, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !common.IsHexAddress(p) {
			return nil, fmt.Errorf("invalid address %q", p)
		}
		out = append(out, common.HexToAddress(p))
	}
	return out, nil
}

// RedisEnabled reports whether a Redis address is configured.
func (c *Config) RedisEnabled() bool { return c.RedisAddr != "" && c.RedisAddr != "off" }

func requiredAddress(key string) (common.Address, error) {
	if os.Getenv(key) == "" {
		return common.Address{}, fmt.Errorf("%w: %s", ErrMissing, key)
	}
	return optionalAddress(key)
}

func optionalAddress(key string) (common.Address, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(v) {
		return common.Address{}, fmt.Errorf("config: %s: invalid address %q", key, v)
	}
	return common.HexToAddress(v), nil
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		log.Printf("[config] invalid %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func getFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || f <= 0 {
		log.Printf("[config] invalid %s=%q, using %g", key, v, fallback)
		return fallback
	}
	return f
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %t", key, v, fallback)
		return fallback
	}
	return b
}
