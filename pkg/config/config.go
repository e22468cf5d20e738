// Package config loads process settings from CONTENT_* environment variables
// and the edition list from a YAML file.
package config

import (
	"errors"
	"fmt"
	"time"

	"content-core/pkg/breaker"
	"content-core/pkg/cache"
	"content-core/pkg/cache/adaptive"
	"content-core/pkg/cache/redis"
	"content-core/pkg/dedupe"
	"content-core/pkg/logging"
	"content-core/pkg/upstream"

	"github.com/kelseyhightower/envconfig"
)

// Prefix of every environment variable read by Load.
const Prefix = "CONTENT"

// Settings holds all process configuration.
type Settings struct {
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	AdminAddr       string        `envconfig:"ADMIN_ADDR" default:":8080"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"15s"`
	EditionsFile    string        `envconfig:"EDITIONS_FILE" default:"editions.yaml"`
	WarmOnStart     bool          `envconfig:"WARM_ON_START" default:"true"`

	// Upstream calls
	RequestTimeout       time.Duration `envconfig:"REQUEST_TIMEOUT" default:"10s"`
	RetryAttempts        int           `envconfig:"RETRY_ATTEMPTS" default:"3"`
	RetryBackoff         time.Duration `envconfig:"RETRY_BACKOFF" default:"500ms"`
	RetryFactor          float64       `envconfig:"RETRY_FACTOR" default:"2"`
	RetryMaxDelay        time.Duration `envconfig:"RETRY_MAX_DELAY" default:"20s"`
	RetryBudgetPerSecond float64       `envconfig:"RETRY_BUDGET_PER_SECOND" default:"10"`
	RetryBudgetBurst     int           `envconfig:"RETRY_BUDGET_BURST" default:"20"`

	// Circuit breakers
	BreakerErrorPercent   float64       `envconfig:"BREAKER_ERROR_PERCENT" default:"50"`
	BreakerResetTimeout   time.Duration `envconfig:"BREAKER_RESET_TIMEOUT" default:"30s"`
	BreakerVolume         uint32        `envconfig:"BREAKER_VOLUME" default:"10"`
	BreakerMaxConcurrency int           `envconfig:"BREAKER_MAX_CONCURRENCY" default:"5"`
	BreakerRollingWindow  time.Duration `envconfig:"BREAKER_ROLLING_WINDOW" default:"1m"`
	OptimizeInterval      time.Duration `envconfig:"OPTIMIZE_INTERVAL" default:"5m"`
	ProfileTTL            time.Duration `envconfig:"PROFILE_TTL" default:"5m"`

	// In-process cache
	CacheMaxBytes   int64         `envconfig:"CACHE_MAX_BYTES" default:"52428800"`
	CacheMaxEntries int           `envconfig:"CACHE_MAX_ENTRIES" default:"500"`
	CacheBaseTTL    time.Duration `envconfig:"CACHE_BASE_TTL" default:"5m"`
	CacheMaxTTL     time.Duration `envconfig:"CACHE_MAX_TTL" default:"1h"`
	EmptyResultTTL  time.Duration `envconfig:"EMPTY_RESULT_TTL" default:"30s"`

	// Request memoization
	MemoTTL    time.Duration `envconfig:"MEMO_TTL" default:"30s"`
	MemoMaxTTL time.Duration `envconfig:"MEMO_MAX_TTL" default:"5m"`

	// Shared cache; disabled when RedisAddr is empty.
	RedisAddr        string        `envconfig:"REDIS_ADDR"`
	RedisPassword    string        `envconfig:"REDIS_PASSWORD"`
	RedisDB          int           `envconfig:"REDIS_DB" default:"0"`
	RedisPrefix      string        `envconfig:"REDIS_PREFIX" default:"content:"`
	RedisTimeout     time.Duration `envconfig:"REDIS_TIMEOUT" default:"250ms"`
	RedisConcurrency int           `envconfig:"REDIS_CONCURRENCY" default:"64"`

	// Tag index
	IndexExpectedTags int     `envconfig:"INDEX_EXPECTED_TAGS" default:"100000"`
	IndexFPRate       float64 `envconfig:"INDEX_FP_RATE" default:"0.01"`
}

// Load reads Settings from the environment and validates them.
func Load() (*Settings, error) {
	s := &Settings{}
	if err := envconfig.Process(Prefix, s); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate reports every invalid setting at once.
func (s *Settings) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(s.RequestTimeout > 0, "REQUEST_TIMEOUT must be positive")
	check(s.RetryAttempts >= 1, "RETRY_ATTEMPTS must be at least 1, got %d", s.RetryAttempts)
	check(s.RetryFactor >= 1, "RETRY_FACTOR must be at least 1, got %g", s.RetryFactor)
	check(s.RetryMaxDelay > 0 && s.RetryMaxDelay <= upstream.MaxDelayCeiling,
		"RETRY_MAX_DELAY must be in (0, %s], got %s", upstream.MaxDelayCeiling, s.RetryMaxDelay)
	check(s.BreakerErrorPercent > 0 && s.BreakerErrorPercent <= 100,
		"BREAKER_ERROR_PERCENT must be in (0, 100], got %g", s.BreakerErrorPercent)
	check(s.BreakerMaxConcurrency > 0, "BREAKER_MAX_CONCURRENCY must be positive")
	check(s.CacheMaxBytes > 0 && s.CacheMaxEntries > 0, "cache limits must be positive")
	check(s.CacheMaxTTL >= s.CacheBaseTTL, "CACHE_MAX_TTL %s is below CACHE_BASE_TTL %s", s.CacheMaxTTL, s.CacheBaseTTL)
	check(s.CacheMaxTTL <= adaptive.MaxTTLCeiling, "CACHE_MAX_TTL must be at most %s, got %s", adaptive.MaxTTLCeiling, s.CacheMaxTTL)
	check(s.EmptyResultTTL > 0, "EMPTY_RESULT_TTL must be positive")
	check(s.IndexFPRate > 0 && s.IndexFPRate < 1, "INDEX_FP_RATE must be in (0, 1), got %g", s.IndexFPRate)

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Logging returns the logger configuration.
func (s *Settings) Logging() logging.Config {
	c := logging.DefaultConfig()
	c.Level = s.LogLevel
	c.Format = s.LogFormat
	return c
}

// Retry returns the retry options applied to every upstream call.
func (s *Settings) Retry() upstream.RetryOptions {
	o := upstream.DefaultRetryOptions()
	o.Attempts = s.RetryAttempts
	o.Backoff = s.RetryBackoff
	o.Factor = s.RetryFactor
	o.MaxDelay = s.RetryMaxDelay
	o.Timeout = s.RequestTimeout
	return o
}

// Breaker returns the breaker manager defaults. The shared cache key gets
// its own concurrency limit, since every request may touch it.
func (s *Settings) Breaker() breaker.Config {
	c := breaker.DefaultConfig()
	c.MaxConcurrency = s.BreakerMaxConcurrency
	c.ErrorThresholdPercentage = s.BreakerErrorPercent
	c.ResetTimeout = s.BreakerResetTimeout
	c.VolumeThreshold = s.BreakerVolume
	c.RollingWindow = s.BreakerRollingWindow
	c.OptimizeInterval = s.OptimizeInterval
	c.ProfileTTL = s.ProfileTTL
	c.Concurrency = map[string]int{
		"cache-" + redis.DefaultRedisCacheConfig().Name: s.RedisConcurrency,
	}
	return c
}

// Adaptive returns the in-process cache configuration.
func (s *Settings) Adaptive() adaptive.Config {
	c := adaptive.DefaultConfig()
	c.MaxBytes = s.CacheMaxBytes
	c.MaxEntries = s.CacheMaxEntries
	c.TTL.Base = s.CacheBaseTTL
	c.TTL.Max = s.CacheMaxTTL
	return c
}

// Dedupe returns the memoization window.
func (s *Settings) Dedupe() dedupe.Config {
	c := dedupe.DefaultConfig()
	c.DefaultTTL = s.MemoTTL
	c.MaxTTL = s.MemoMaxTTL
	return c
}

// RedisEnabled reports whether a shared cache is configured.
func (s *Settings) RedisEnabled() bool {
	return s.RedisAddr != ""
}

// Redis returns the shared cache configuration. Entries live up to the
// in-process maximum.
func (s *Settings) Redis() redis.RedisCacheConfig {
	c := redis.DefaultRedisCacheConfig()
	c.Addr = s.RedisAddr
	c.Password = s.RedisPassword
	c.DB = s.RedisDB
	c.KeyPrefix = s.RedisPrefix
	c.TTL = cache.LayerConfig{
		Name:       c.Name,
		DefaultTTL: s.CacheBaseTTL,
		MaxTTL:     s.CacheMaxTTL,
	}
	return c
}
