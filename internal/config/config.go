package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port string `mapstructure:"PORT"`
	Env  string `mapstructure:"ENV"`

	// Legacy backend services fronted by the gateway.
	PrescriptionBackendURL string        `mapstructure:"PRESCRIPTION_BACKEND_URL"`
	DispenseBackendURL     string        `mapstructure:"DISPENSE_BACKEND_URL"`
	MedicationBackendURL   string        `mapstructure:"MEDICATION_BACKEND_URL"`
	BackendTimeout         time.Duration `mapstructure:"BACKEND_TIMEOUT"`

	// Optional shared infrastructure. When unset the gateway falls back to
	// in-process equivalents, which only suit a single-instance deployment.
	RedisURL    string `mapstructure:"REDIS_URL"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	// Write path. AsyncEnabled selects command publishing over the direct
	// backend fallback; resolved once at startup.
	AsyncEnabled      bool          `mapstructure:"ASYNC_ENABLED"`
	EventGroup        string        `mapstructure:"EVENT_GROUP"`
	EventConsumer     string        `mapstructure:"EVENT_CONSUMER"`
	TrackingRetention time.Duration `mapstructure:"TRACKING_RETENTION"`

	// Admission control.
	AdmissionMaxConcurrent  int           `mapstructure:"ADMISSION_MAX_CONCURRENT"`
	AdmissionHighWater      int           `mapstructure:"ADMISSION_HIGH_WATER"`
	AdmissionReservoir      int64         `mapstructure:"ADMISSION_RESERVOIR"`
	AdmissionRefillInterval time.Duration `mapstructure:"ADMISSION_REFILL_INTERVAL"`
	AdmissionMinInterval    time.Duration `mapstructure:"ADMISSION_MIN_INTERVAL"`

	// Circuit breakers, one per backend.
	BreakerTimeout           time.Duration `mapstructure:"BREAKER_TIMEOUT"`
	BreakerResetTimeout      time.Duration `mapstructure:"BREAKER_RESET_TIMEOUT"`
	BreakerVolumeThreshold   int           `mapstructure:"BREAKER_VOLUME_THRESHOLD"`
	BreakerErrorThresholdPct float64       `mapstructure:"BREAKER_ERROR_THRESHOLD_PCT"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("BACKEND_TIMEOUT", "10s")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("ASYNC_ENABLED", true)
	v.SetDefault("EVENT_GROUP", "legacy-gateway")
	v.SetDefault("EVENT_CONSUMER", "gateway-1")
	v.SetDefault("TRACKING_RETENTION", "24h")
	v.SetDefault("ADMISSION_MAX_CONCURRENT", 100)
	v.SetDefault("ADMISSION_HIGH_WATER", 500)
	v.SetDefault("ADMISSION_RESERVOIR", 1000)
	v.SetDefault("ADMISSION_REFILL_INTERVAL", "1m")
	v.SetDefault("ADMISSION_MIN_INTERVAL", "0s")
	v.SetDefault("BREAKER_TIMEOUT", "10s")
	v.SetDefault("BREAKER_RESET_TIMEOUT", "30s")
	v.SetDefault("BREAKER_VOLUME_THRESHOLD", 10)
	v.SetDefault("BREAKER_ERROR_THRESHOLD_PCT", 50)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("PRESCRIPTION_BACKEND_URL")
	v.BindEnv("DISPENSE_BACKEND_URL")
	v.BindEnv("MEDICATION_BACKEND_URL")
	v.BindEnv("BACKEND_TIMEOUT")
	v.BindEnv("REDIS_URL")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("ASYNC_ENABLED")
	v.BindEnv("EVENT_GROUP")
	v.BindEnv("EVENT_CONSUMER")
	v.BindEnv("TRACKING_RETENTION")
	v.BindEnv("ADMISSION_MAX_CONCURRENT")
	v.BindEnv("ADMISSION_HIGH_WATER")
	v.BindEnv("ADMISSION_RESERVOIR")
	v.BindEnv("ADMISSION_REFILL_INTERVAL")
	v.BindEnv("ADMISSION_MIN_INTERVAL")
	v.BindEnv("BREAKER_TIMEOUT")
	v.BindEnv("BREAKER_RESET_TIMEOUT")
	v.BindEnv("BREAKER_VOLUME_THRESHOLD")
	v.BindEnv("BREAKER_ERROR_THRESHOLD_PCT")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the gateway is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. All three backend
// URLs are required: the gateway has nothing to route to without them. In
// production the in-process fallbacks for Redis and Postgres are refused for
// the async write path, since tracking state must survive a restart.
func (c *Config) Validate() error {
	if c.PrescriptionBackendURL == "" {
		return fmt.Errorf("PRESCRIPTION_BACKEND_URL is required")
	}
	if c.DispenseBackendURL == "" {
		return fmt.Errorf("DISPENSE_BACKEND_URL is required")
	}
	if c.MedicationBackendURL == "" {
		return fmt.Errorf("MEDICATION_BACKEND_URL is required")
	}
	if c.BackendTimeout <= 0 {
		return fmt.Errorf("BACKEND_TIMEOUT must be positive, got %s", c.BackendTimeout)
	}
	if c.BreakerErrorThresholdPct <= 0 || c.BreakerErrorThresholdPct > 100 {
		return fmt.Errorf("BREAKER_ERROR_THRESHOLD_PCT must be in (0,100], got %v", c.BreakerErrorThresholdPct)
	}
	if c.IsProduction() && c.AsyncEnabled {
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required in production when ASYNC_ENABLED is true")
		}
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production when ASYNC_ENABLED is true")
		}
	}
	return nil
}
