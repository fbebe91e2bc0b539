// Package config loads runtime settings from the environment.
package config

import (
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
)

type Config struct {
	ListenAddr  string
	APIKeys     []string
	CORSOrigins []string
	DBPath      string
	LogLevel    string
	LogJSON     bool

	Concurrency  int
	QueueSize    int
	JobTimeout   time.Duration
	PollInterval time.Duration
	SyncInterval time.Duration // 0 disables the periodic full sync

	// Inbound API limit per client IP.
	RateLimit       int
	RateLimitWindow time.Duration
	// Peers whose X-Forwarded-For header is believed. Empty trusts no one.
	TrustedProxies []netip.Prefix

	CacheTTL          time.Duration
	CallTimeout       time.Duration
	RequestsPerSecond float64
	DailyQuota        int

	RevalidateURL    string
	RevalidateSecret string

	PAAPI PAAPI
}

// PAAPI holds upstream credentials. UseMock selects the deterministic mock
// transport; it is forced when no credentials are set.
type PAAPI struct {
	AccessKey   string
	SecretKey   string
	PartnerTag  string
	Host        string
	Region      string
	Marketplace string
	UseMock     bool
}

// Load reads an optional .env file (existing variables win) and then the
// environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "load .env")
	}
	return fromEnv()
}

func fromEnv() (*Config, error) {
	cfg := &Config{
		ListenAddr:    getEnv("CATALOGSYNC_LISTEN_ADDR", ":8080"),
		DBPath:        getEnv("CATALOGSYNC_DB_PATH", "catalogsync.db"),
		LogLevel:      getEnv("CATALOGSYNC_LOG_LEVEL", "info"),
		RevalidateURL: getEnv("CATALOGSYNC_REVALIDATE_URL", ""),
		PAAPI: PAAPI{
			AccessKey:   getEnv("AMAZON_PAAPI_ACCESS_KEY", ""),
			SecretKey:   getEnv("AMAZON_PAAPI_SECRET_KEY", ""),
			PartnerTag:  getEnv("AMAZON_ASSOCIATE_TAG", ""),
			Host:        getEnv("AMAZON_PAAPI_HOST", "webservices.amazon.com"),
			Region:      getEnv("AMAZON_PAAPI_REGION", "us-east-1"),
			Marketplace: getEnv("AMAZON_PAAPI_MARKETPLACE", "www.amazon.com"),
		},
	}
	cfg.RevalidateSecret = getEnv("CATALOGSYNC_REVALIDATE_SECRET", "")
	cfg.APIKeys = splitList(getEnv("CATALOGSYNC_API_KEYS", ""))
	cfg.CORSOrigins = splitList(getEnv("CATALOGSYNC_CORS_ORIGINS", ""))

	var err error
	if cfg.LogJSON, err = getEnvBool("CATALOGSYNC_LOG_JSON", true); err != nil {
		return nil, err
	}
	if cfg.Concurrency, err = getEnvInt("CATALOGSYNC_CONCURRENCY", 2); err != nil {
		return nil, err
	}
	if cfg.Concurrency < 1 {
		return nil, errors.New("CATALOGSYNC_CONCURRENCY must be > 0")
	}
	if cfg.QueueSize, err = getEnvInt("CATALOGSYNC_QUEUE_SIZE", 1000); err != nil {
		return nil, err
	}
	if cfg.QueueSize < 1 {
		return nil, errors.New("CATALOGSYNC_QUEUE_SIZE must be > 0")
	}
	if cfg.JobTimeout, err = getEnvDuration("CATALOGSYNC_JOB_TIMEOUT", 30*time.Minute); err != nil {
		return nil, err
	}
	if cfg.PollInterval, err = getEnvDuration("CATALOGSYNC_POLL_INTERVAL", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.SyncInterval, err = getEnvDuration("CATALOGSYNC_SYNC_INTERVAL", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.RateLimit, err = getEnvInt("CATALOGSYNC_RATE_LIMIT", 60); err != nil {
		return nil, err
	}
	if cfg.RateLimitWindow, err = getEnvDuration("CATALOGSYNC_RATE_LIMIT_WINDOW", time.Minute); err != nil {
		return nil, err
	}
	if cfg.TrustedProxies, err = getEnvPrefixes("CATALOGSYNC_TRUSTED_PROXIES"); err != nil {
		return nil, err
	}
	if cfg.CacheTTL, err = getEnvDuration("CATALOGSYNC_CACHE_TTL", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.CallTimeout, err = getEnvDuration("CATALOGSYNC_UPSTREAM_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.RequestsPerSecond, err = getEnvFloat("CATALOGSYNC_UPSTREAM_RPS", 1); err != nil {
		return nil, err
	}
	if cfg.DailyQuota, err = getEnvInt("CATALOGSYNC_UPSTREAM_DAILY_QUOTA", 8640); err != nil {
		return nil, err
	}

	if cfg.PAAPI.UseMock, err = getEnvBool("AMAZON_USE_MOCK_DATA", false); err != nil {
		return nil, err
	}
	if cfg.PAAPI.AccessKey == "" || cfg.PAAPI.SecretKey == "" {
		cfg.PAAPI.UseMock = true
	}
	if !cfg.PAAPI.UseMock && cfg.PAAPI.PartnerTag == "" {
		return nil, errors.New("AMAZON_ASSOCIATE_TAG is required with PA-API credentials")
	}
	return cfg, nil
}

// RequireAPIKeys fails when the HTTP API would run without authentication.
// CLI commands that never listen do not need keys.
func (c *Config) RequireAPIKeys() error {
	if len(c.APIKeys) == 0 {
		return errors.New("CATALOGSYNC_API_KEYS must contain at least one key")
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// getEnvPrefixes parses a comma-separated list of CIDRs or bare addresses.
func getEnvPrefixes(key string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, raw := range splitList(os.Getenv(key)) {
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, errors.Newf("%s: invalid CIDR %q", key, raw)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, errors.Newf("%s: invalid address %q", key, raw)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.Newf("%s: invalid integer %q", key, v)
	}
	return n, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, errors.Newf("%s: invalid number %q", key, v)
	}
	return f, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, errors.Newf("%s: invalid boolean %q", key, v)
	}
	return b, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, errors.Newf("%s: invalid duration %q", key, v)
	}
	if d < 0 {
		return 0, errors.Newf("%s: must not be negative", key)
	}
	return d, nil
}
