package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"

	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/logger"
)

// Service provides configuration management with environment variable support
type Service struct {
	config     *Config
	configPath string
	logger     *logger.Logger
	mu         sync.RWMutex
	watchers   []ConfigWatcher
}

// ConfigWatcher is called when configuration changes
type ConfigWatcher func(ctx context.Context, oldConfig, newConfig *Config) error

// NewService creates a new configuration service
func NewService(configPath string, log *logger.Logger) (*Service, error) {
	cfg, err := LoadWithEnv(configPath)
	if err != nil {
		return nil, err
	}

	return &Service{
		config:     cfg,
		configPath: configPath,
		logger:     log,
		watchers:   make([]ConfigWatcher, 0),
	}, nil
}

// NewServiceWithConfig wraps an already loaded configuration
func NewServiceWithConfig(configPath string, cfg *Config, log *logger.Logger) *Service {
	return &Service{
		config:     cfg,
		configPath: configPath,
		logger:     log,
		watchers:   make([]ConfigWatcher, 0),
	}
}

// LoadWithEnv loads .env files, the config file and environment overrides,
// then validates the result.
func LoadWithEnv(configPath string) (*Config, error) {
	if err := LoadDotEnv(); err != nil {
		return nil, err
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadDotEnv loads environment files without overriding variables that are
// already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load env file %s: %w", p, err)
		}
	}
	return nil
}

// Get returns the current configuration (thread-safe)
func (s *Service) Get() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// Reload reloads the configuration from file
func (s *Service) Reload(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldConfig := s.config

	newConfig, err := LoadWithEnv(s.configPath)
	if err != nil {
		return fmt.Errorf("failed to reload configuration: %w", err)
	}

	s.config = newConfig

	for _, watcher := range s.watchers {
		if err := watcher(ctx, oldConfig, newConfig); err != nil {
			s.logger.Error("Config watcher error", "error", err)
		}
	}

	s.logger.Info("Configuration reloaded", "path", s.configPath)
	return nil
}

// Watch registers a configuration change watcher
func (s *Service) Watch(watcher ConfigWatcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchers = append(s.watchers, watcher)
}

// applyEnvOverrides applies environment variable overrides to configuration
func applyEnvOverrides(cfg *Config) {
	g := &cfg.Guard

	if val := os.Getenv("GUARD_DATA_DIR"); val != "" {
		g.DataDir = val
	}

	// Camera
	if val := os.Getenv("GUARD_CAMERA_SOURCE"); val != "" {
		g.Camera.Source = val
	}
	if val := os.Getenv("GUARD_CAMERA_URL"); val != "" {
		g.Camera.URL = val
	}
	if val := os.Getenv("GUARD_CAMERA_DEVICE"); val != "" {
		g.Camera.Device = val
	}
	g.Camera.DeviceIndex = GetEnvInt("GUARD_CAMERA_DEVICE_INDEX", g.Camera.DeviceIndex)
	g.Camera.AutoStart = GetEnvBool("GUARD_CAMERA_AUTO_START", g.Camera.AutoStart)

	// Motion
	if val := os.Getenv("GUARD_MOTION_BACKEND"); val != "" {
		g.Motion.Backend = val
	}
	g.Motion.MinArea = GetEnvInt("GUARD_MOTION_MIN_AREA", g.Motion.MinArea)

	// Pipeline
	g.Pipeline.SaveInterval = GetEnvDuration("GUARD_SAVE_INTERVAL", g.Pipeline.SaveInterval)
	g.Pipeline.NotifyInterval = GetEnvDuration("GUARD_NOTIFY_INTERVAL", g.Pipeline.NotifyInterval)
	if val := os.Getenv("GUARD_RECIPIENT"); val != "" {
		g.Pipeline.Recipient = val
	}

	// Storage
	if val := os.Getenv("DB_PATH"); val != "" {
		g.Storage.DBPath = val
	}
	if val := os.Getenv("GUARD_DB_PATH"); val != "" {
		g.Storage.DBPath = val
	}
	if val := os.Getenv("GUARD_OBJECTS_DIR"); val != "" {
		g.Storage.ObjectsDir = val
	}
	if val := os.Getenv("GUARD_BUCKET"); val != "" {
		g.Storage.Bucket = val
	}
	if val := os.Getenv("GUARD_PUBLIC_URL"); val != "" {
		g.Storage.PublicURL = val
	}
	if val := os.Getenv("GUARD_SIGNING_KEY"); val != "" {
		g.Storage.SigningKey = val
	}
	g.Storage.RetentionDays = GetEnvInt("GUARD_RETENTION_DAYS", g.Storage.RetentionDays)

	// Analysis
	if val := os.Getenv("GUARD_ANALYSIS_URL"); val != "" {
		g.Analysis.ServiceURL = val
	}
	g.Analysis.MinConfidence = GetEnvFloat64("GUARD_ANALYSIS_MIN_CONFIDENCE", g.Analysis.MinConfidence)

	// Notification, legacy names first so GUARD_* wins
	if val := os.Getenv("SMTP_SERVER"); val != "" {
		g.Notify.SMTPHost = val
	}
	g.Notify.SMTPPort = GetEnvInt("SMTP_PORT", g.Notify.SMTPPort)
	if val := os.Getenv("EMAIL_USER"); val != "" {
		g.Notify.Username = val
	}
	if val := os.Getenv("EMAIL_PASSWORD"); val != "" {
		g.Notify.Password = val
	}
	if val := os.Getenv("GUARD_SMTP_HOST"); val != "" {
		g.Notify.SMTPHost = val
	}
	g.Notify.SMTPPort = GetEnvInt("GUARD_SMTP_PORT", g.Notify.SMTPPort)
	if val := os.Getenv("GUARD_SMTP_USERNAME"); val != "" {
		g.Notify.Username = val
	}
	if val := os.Getenv("GUARD_SMTP_PASSWORD"); val != "" {
		g.Notify.Password = val
	}
	if g.Notify.From == "" {
		g.Notify.From = g.Notify.Username
	}
	if g.Pipeline.Recipient == "" {
		g.Pipeline.Recipient = g.Notify.Username
	}

	// Telemetry
	g.Telemetry.Enabled = GetEnvBool("GUARD_TELEMETRY_ENABLED", g.Telemetry.Enabled)
	if val := os.Getenv("MQTT_BROKER"); val != "" {
		g.Telemetry.BrokerURL = val
	}
	if val := os.Getenv("GUARD_MQTT_BROKER"); val != "" {
		g.Telemetry.BrokerURL = val
	}
	if val := os.Getenv("GUARD_MQTT_CLIENT_ID"); val != "" {
		g.Telemetry.ClientID = val
	}

	// Web
	g.Web.Enabled = GetEnvBool("GUARD_WEB_ENABLED", g.Web.Enabled)
	if val := os.Getenv("GUARD_WEB_HOST"); val != "" {
		g.Web.Host = val
	}
	g.Web.Port = GetEnvInt("GUARD_WEB_PORT", g.Web.Port)

	// Log
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		cfg.Log.Level = val
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		cfg.Log.Format = val
	}
	if val := os.Getenv("LOG_OUTPUT"); val != "" {
		cfg.Log.Output = val
	}
}

// GetEnvWithDefault gets an environment variable with a default value
func GetEnvWithDefault(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}

// GetEnvBool gets a boolean environment variable
func GetEnvBool(key string, defaultValue bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	val = strings.ToLower(val)
	return val == "true" || val == "1" || val == "yes" || val == "on"
}

// GetEnvInt gets an integer environment variable
func GetEnvInt(key string, defaultValue int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	var result int
	if _, err := fmt.Sscanf(val, "%d", &result); err != nil {
		return defaultValue
	}
	return result
}

// GetEnvDuration gets a duration environment variable. Bare integers are
// read as seconds.
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	if duration, err := time.ParseDuration(val); err == nil {
		return duration
	}
	var seconds int
	if _, err := fmt.Sscanf(val, "%d", &seconds); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}

// GetEnvFloat64 gets a float64 environment variable
func GetEnvFloat64(key string, defaultValue float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	var result float64
	if _, err := fmt.Sscanf(val, "%f", &result); err != nil {
		return defaultValue
	}
	return result
}
