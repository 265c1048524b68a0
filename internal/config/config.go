package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "AARAMBH"
	defaultHTTPAddress   = "0.0.0.0:8080"
	defaultDatabasePath  = "aarambh.db"
	defaultLogLevel      = "info"
	defaultTokenTTLMin   = 30
	defaultOTPLength     = 6
	defaultOTPTTLMin     = 10
	defaultOTPAttempts   = 3
	defaultOTPSweepMin   = 5
	defaultWatchPollMs   = 250
	defaultWatchBackoffS = 30
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress   string
	SigningSecret string
	DatabasePath  string
	LogLevel      string
	TokenTTL      time.Duration

	OTPCodeLength   int
	OTPTTL          time.Duration
	OTPMaxAttempts  int
	OTPSweepEvery   time.Duration
	WatchPollEvery  time.Duration
	WatchMaxBackoff time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMin)
	configViper.SetDefault("otp.length", defaultOTPLength)
	configViper.SetDefault("otp.ttl_minutes", defaultOTPTTLMin)
	configViper.SetDefault("otp.max_attempts", defaultOTPAttempts)
	configViper.SetDefault("otp.sweep_interval_minutes", defaultOTPSweepMin)
	configViper.SetDefault("watch.poll_interval_ms", defaultWatchPollMs)
	configViper.SetDefault("watch.max_backoff_seconds", defaultWatchBackoffS)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		SigningSecret:   configViper.GetString("auth.signing_secret"),
		DatabasePath:    configViper.GetString("database.path"),
		LogLevel:        configViper.GetString("log.level"),
		TokenTTL:        time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		OTPCodeLength:   configViper.GetInt("otp.length"),
		OTPTTL:          time.Duration(configViper.GetInt("otp.ttl_minutes")) * time.Minute,
		OTPMaxAttempts:  configViper.GetInt("otp.max_attempts"),
		OTPSweepEvery:   time.Duration(configViper.GetInt("otp.sweep_interval_minutes")) * time.Minute,
		WatchPollEvery:  time.Duration(configViper.GetInt("watch.poll_interval_ms")) * time.Millisecond,
		WatchMaxBackoff: time.Duration(configViper.GetInt("watch.max_backoff_seconds")) * time.Second,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.OTPCodeLength <= 0 {
		return fmt.Errorf("otp.length must be positive")
	}
	if c.OTPTTL <= 0 {
		return fmt.Errorf("otp.ttl_minutes must be positive")
	}
	if c.OTPMaxAttempts <= 0 {
		return fmt.Errorf("otp.max_attempts must be positive")
	}
	return nil
}
