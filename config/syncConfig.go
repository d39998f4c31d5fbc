package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	ConflictServerWins = "server_wins"
	ConflictClientWins = "client_wins"
	ConflictNewestWins = "newest_wins"
)

// SyncConfig carries the tuning values of one sync endpoint. Every value can be
// overridden from the environment (see LoadSyncConfig).
type SyncConfig struct {
	RemoteURL    string `validate:"required,url"`
	APIToken     string
	EndpointName string `validate:"required,max=128"`

	MaxBatchSize     int `validate:"gte=1,lte=500"`
	MaxRetryAttempts int `validate:"gte=1"`

	BackoffBase   time.Duration `validate:"gt=0"`
	BackoffMax    time.Duration `validate:"gtefield=BackoffBase"`
	BackoffJitter float64       `validate:"gte=0,lte=1"`

	MinInterval    time.Duration `validate:"gte=0"`
	CheckInterval  time.Duration `validate:"gt=0"`
	ProbeTimeout   time.Duration `validate:"gte=1s,lte=5s"`
	RequestTimeout time.Duration `validate:"gte=15s,lte=30s"`

	// DispatchRate is the number of batches per second handed to the network; 0 means unlimited.
	DispatchRate float64       `validate:"gte=0"`
	Retention    time.Duration `validate:"gte=0"`
	PullPageSize int           `validate:"gte=1,lte=1000"`

	ConflictStrategy string `validate:"oneof=server_wins client_wins newest_wins"`
}

var validate = validator.New()

func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		MaxBatchSize:     50,
		MaxRetryAttempts: 8,
		BackoffBase:      2 * time.Second,
		BackoffMax:       10 * time.Minute,
		BackoffJitter:    0.2,
		MinInterval:      30 * time.Second,
		CheckInterval:    30 * time.Second,
		ProbeTimeout:     4 * time.Second,
		RequestTimeout:   20 * time.Second,
		DispatchRate:     2,
		Retention:        7 * 24 * time.Hour,
		PullPageSize:     200,
		ConflictStrategy: ConflictServerWins,
	}
}

// LoadSyncConfig builds a SyncConfig from SYNC_* env variables on top of the defaults.
func LoadSyncConfig() (SyncConfig, error) {
	cfg := DefaultSyncConfig()
	cfg.RemoteURL = strings.TrimRight(strings.TrimSpace(os.Getenv("SYNC_REMOTE_URL")), "/")
	cfg.APIToken = strings.TrimSpace(os.Getenv("SYNC_API_TOKEN"))
	cfg.EndpointName = strings.TrimSpace(os.Getenv("SYNC_ENDPOINT_NAME"))
	if cfg.EndpointName == "" {
		if u, err := url.Parse(cfg.RemoteURL); err == nil {
			cfg.EndpointName = u.Host
		}
	}

	cfg.MaxBatchSize = intFromEnv("SYNC_MAX_BATCH_SIZE", cfg.MaxBatchSize)
	cfg.MaxRetryAttempts = intFromEnv("SYNC_MAX_RETRY_ATTEMPTS", cfg.MaxRetryAttempts)
	cfg.BackoffBase = durationFromEnv("SYNC_BACKOFF_BASE", cfg.BackoffBase)
	cfg.BackoffMax = durationFromEnv("SYNC_BACKOFF_MAX", cfg.BackoffMax)
	cfg.BackoffJitter = floatFromEnv("SYNC_BACKOFF_JITTER", cfg.BackoffJitter)
	cfg.MinInterval = durationFromEnv("SYNC_MIN_INTERVAL", cfg.MinInterval)
	cfg.CheckInterval = durationFromEnv("SYNC_CHECK_INTERVAL", cfg.CheckInterval)
	cfg.ProbeTimeout = durationFromEnv("SYNC_PROBE_TIMEOUT", cfg.ProbeTimeout)
	cfg.RequestTimeout = durationFromEnv("SYNC_REQUEST_TIMEOUT", cfg.RequestTimeout)
	cfg.DispatchRate = floatFromEnv("SYNC_DISPATCH_RATE", cfg.DispatchRate)
	cfg.Retention = durationFromEnv("SYNC_RETENTION", cfg.Retention)
	cfg.PullPageSize = intFromEnv("SYNC_PULL_PAGE_SIZE", cfg.PullPageSize)
	if v := strings.ToLower(strings.TrimSpace(os.Getenv("SYNC_CONFLICT_STRATEGY"))); v != "" {
		cfg.ConflictStrategy = v
	}

	if err := cfg.Validate(); err != nil {
		return SyncConfig{}, err
	}
	return cfg, nil
}

func (c SyncConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid sync config: %w", err)
	}
	return nil
}

func intFromEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func floatFromEnv(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// durationFromEnv accepts Go duration strings ("90s", "10m") or plain seconds.
func durationFromEnv(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return def
}
