// Package config loads service settings from an optional YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultHost selects the in-process analyzer.
const DefaultHost = "local"

// Settings is the full configuration surface.
type Settings struct {
	// UseLocalDevices makes initialization attach the first available capture device.
	UseLocalDevices       bool   `yaml:"use_local_devices"`
	// LoggingDirectoryPath mirrors logs into a file in this directory.
	LoggingDirectoryPath  string `yaml:"logging_directory_path"`
	// Host is the analyzer connection name; DefaultHost runs in-process.
	Host                  string `yaml:"host"`
	// HostDirectoryPath must exist when set.
	HostDirectoryPath     string `yaml:"host_directory_path"`
	// HostDataDirectoryPath may contain the thresholds file.
	HostDataDirectoryPath string `yaml:"host_data_directory_path"`

	ConfidenceThreshold   float64       `yaml:"confidence_threshold"`
	WaitForInitialization bool          `yaml:"wait_for_initialization"`
	CallbackBudget        time.Duration `yaml:"callback_budget"`

	HTTPAddr       string  `yaml:"http_addr"`
	DatabaseDSN    string  `yaml:"database_dsn"`
	RedisAddr      string  `yaml:"redis_addr"`
	JWTSecret      string  `yaml:"jwt_secret"`
	JWTAudience    string  `yaml:"jwt_audience"`
	NATSURL        string  `yaml:"nats_url"`
	RequestsPerSec float64 `yaml:"requests_per_sec"`
	RequestBurst   int     `yaml:"request_burst"`

	// AnalyzerListenAddr serves the in-process analyzer to other instances over gRPC.
	AnalyzerListenAddr string `yaml:"analyzer_listen_addr"`
}

// Default returns the built-in settings.
func Default() Settings {
	return Settings{
		Host:                  DefaultHost,
		ConfidenceThreshold:   70,
		WaitForInitialization: true,
		CallbackBudget:        250 * time.Millisecond,
		HTTPAddr:              ":8080",
		DatabaseDSN:           "host=postgres user=postgres password=postgres dbname=docvalidation port=5432 sslmode=disable",
		RedisAddr:             "redis:6379",
		JWTSecret:             "dev-secret",
		RequestsPerSec:        20,
		RequestBurst:          40,
	}
}

// Load reads the YAML file at path (if non-empty) over the defaults and then
// applies environment overrides.
func Load(path string) (Settings, error) {
	s := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return s, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &s); err != nil {
			return s, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := s.applyEnv(os.LookupEnv); err != nil {
		return s, err
	}
	if s.Host == "" {
		s.Host = DefaultHost
	}
	return s, s.Validate()
}

// Validate rejects settings the service cannot run with.
func (s Settings) Validate() error {
	var errs []error
	if s.ConfidenceThreshold < 0 || s.ConfidenceThreshold > 100 {
		errs = append(errs, fmt.Errorf("confidence_threshold must be within [0, 100]"))
	}
	if s.CallbackBudget < 0 {
		errs = append(errs, fmt.Errorf("callback_budget must not be negative"))
	}
	if s.RequestsPerSec < 0 || s.RequestBurst < 0 {
		errs = append(errs, fmt.Errorf("request rate limits must not be negative"))
	}
	return errors.Join(errs...)
}

// LocalHost reports whether the in-process analyzer should be used.
func (s Settings) LocalHost() bool {
	return s.Host == "" || s.Host == DefaultHost
}

// ThresholdsPath returns the thresholds file inside the host data directory.
func (s Settings) ThresholdsPath(fileName string) string {
	if s.HostDataDirectoryPath == "" {
		return ""
	}
	return filepath.Join(s.HostDataDirectoryPath, fileName)
}

type lookupFunc func(string) (string, bool)

func (s *Settings) applyEnv(lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	float := func(key string, dst *float64) {
		if v, ok := lookup(key); ok && v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}

	boolean("USE_LOCAL_DEVICES", &s.UseLocalDevices)
	str("LOGGING_DIRECTORY_PATH", &s.LoggingDirectoryPath)
	str("VALIDATION_HOST", &s.Host)
	str("HOST_DIRECTORY_PATH", &s.HostDirectoryPath)
	str("HOST_DATA_DIRECTORY_PATH", &s.HostDataDirectoryPath)
	float("CONFIDENCE_THRESHOLD", &s.ConfidenceThreshold)
	boolean("WAIT_FOR_INITIALIZATION", &s.WaitForInitialization)
	if v, ok := lookup("CALLBACK_BUDGET"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("CALLBACK_BUDGET: %w", err))
		} else {
			s.CallbackBudget = d
		}
	}
	str("HTTP_ADDR", &s.HTTPAddr)
	str("DATABASE_DSN", &s.DatabaseDSN)
	str("REDIS_ADDR", &s.RedisAddr)
	str("JWT_SECRET", &s.JWTSecret)
	str("JWT_AUDIENCE", &s.JWTAudience)
	str("NATS_URL", &s.NATSURL)
	str("ANALYZER_LISTEN_ADDR", &s.AnalyzerListenAddr)
	float("REQUESTS_PER_SEC", &s.RequestsPerSec)
	if v, ok := lookup("REQUEST_BURST"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("REQUEST_BURST: %w", err))
		} else {
			s.RequestBurst = n
		}
	}
	return errors.Join(errs...)
}
