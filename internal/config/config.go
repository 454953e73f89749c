package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

// AppName is used for default data and config locations
const AppName = "motionguard"

// Config represents the application configuration
type Config struct {
	Guard GuardConfig `yaml:"guard"`
	Log   LogConfig   `yaml:"log,omitempty"`
}

// GuardConfig contains the motion guard appliance configuration
type GuardConfig struct {
	DataDir   string          `yaml:"data_dir"`
	Camera    CameraConfig    `yaml:"camera"`
	Motion    MotionConfig    `yaml:"motion"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Storage   StorageConfig   `yaml:"storage"`
	Analysis  AnalysisConfig  `yaml:"analysis"`
	Notify    NotifyConfig    `yaml:"notify"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Web       WebConfig       `yaml:"web"`
}

// CameraConfig contains frame source and capture loop configuration
type CameraConfig struct {
	Source          string        `yaml:"source"` // rtsp, ffmpeg or gocv
	URL             string        `yaml:"url"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	Device          string        `yaml:"device"`
	DeviceIndex     int           `yaml:"device_index"`
	AutoStart       bool          `yaml:"auto_start"`
	LoopInterval    time.Duration `yaml:"loop_interval"`
	RetryInterval   time.Duration `yaml:"retry_interval"`
	MaxReadFailures int           `yaml:"max_read_failures"`
	StopTimeout     time.Duration `yaml:"stop_timeout"`
	OpenTimeout     time.Duration `yaml:"open_timeout"`
	JPEGQuality     int           `yaml:"jpeg_quality"`
}

// MotionConfig contains motion detection configuration
type MotionConfig struct {
	Backend       string  `yaml:"backend"` // adaptive or gocv
	MinArea       int     `yaml:"min_area"`
	Width         int     `yaml:"width"`
	Height        int     `yaml:"height"`
	History       int     `yaml:"history"`
	VarThreshold  float64 `yaml:"var_threshold"`
	MaskThreshold int     `yaml:"mask_threshold"`
	DetectShadows bool    `yaml:"detect_shadows"`
}

// PipelineConfig contains alert pipeline configuration
type PipelineConfig struct {
	SaveInterval   time.Duration `yaml:"save_interval"`
	NotifyInterval time.Duration `yaml:"notify_interval"`
	Recipient      string        `yaml:"recipient"`
	StageTimeout   time.Duration `yaml:"stage_timeout"`
}

// StorageConfig contains image database and object storage configuration
type StorageConfig struct {
	DBPath              string        `yaml:"db_path"`
	ObjectsDir          string        `yaml:"objects_dir"`
	Bucket              string        `yaml:"bucket"`
	PublicURL           string        `yaml:"public_url"`
	SigningKey          string        `yaml:"signing_key"` // never logged
	URLExpiry           time.Duration `yaml:"url_expiry"`
	RetentionDays       int           `yaml:"retention_days"`
	CleanupInterval     time.Duration `yaml:"cleanup_interval"`
	MaxDiskUsagePercent float64       `yaml:"max_disk_usage_percent"`
}

// AnalysisConfig contains label analysis service configuration
type AnalysisConfig struct {
	ServiceURL    string        `yaml:"service_url"`
	MinConfidence float64       `yaml:"min_confidence"`
	MaxLabels     int           `yaml:"max_labels"`
	Timeout       time.Duration `yaml:"timeout"`
}

// NotifyConfig contains SMTP notification configuration
type NotifyConfig struct {
	SMTPHost string `yaml:"smtp_host"`
	SMTPPort int    `yaml:"smtp_port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"` // never logged
	From     string `yaml:"from"`
}

// TelemetryConfig contains MQTT telemetry configuration
type TelemetryConfig struct {
	Enabled           bool          `yaml:"enabled"`
	BrokerURL         string        `yaml:"broker_url"`
	ClientID          string        `yaml:"client_id"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	TopicPrefix       string        `yaml:"topic_prefix"`
	HealthTopicPrefix string        `yaml:"health_topic_prefix"`
	HealthInterval    time.Duration `yaml:"health_interval"`
	QoS               int           `yaml:"qos"`
	EventRate         float64       `yaml:"event_rate"`
	EventBurst        int           `yaml:"event_burst"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
}

// WebConfig contains HTTP API configuration
type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns a configuration populated with defaults only
func Default() *Config {
	cfg := &Config{}
	cfg.Guard.Web.Enabled = true
	cfg.Guard.Motion.DetectShadows = true
	cfg.setDefaults()
	return cfg
}

// Load reads and parses the configuration file. An empty path searches the
// default locations and falls back to built-in defaults when none exist.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = findDefaultConfigPath()
		if configPath == "" {
			return Default(), nil
		}
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file: %w", err)
	}

	cfg := &Config{}
	cfg.Guard.Web.Enabled = true
	cfg.Guard.Motion.DetectShadows = true
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	cfg.setDefaults()

	return cfg, nil
}

// findDefaultConfigPath returns the first existing default config file
func findDefaultConfigPath() string {
	paths := []string{
		"./config/config.yaml",
		"./config.yaml",
	}
	if p, err := xdg.SearchConfigFile(filepath.Join(AppName, "config.yaml")); err == nil {
		paths = append(paths, p)
	}
	paths = append(paths, "/etc/"+AppName+"/config.yaml")

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Log.Output == "" {
		c.Log.Output = "stdout"
	}

	g := &c.Guard
	if g.DataDir == "" {
		g.DataDir = filepath.Join(xdg.DataHome, AppName)
	}

	if g.Camera.Source == "" {
		g.Camera.Source = "rtsp"
	}
	if g.Camera.Device == "" {
		g.Camera.Device = "/dev/video0"
	}
	if g.Camera.LoopInterval == 0 {
		g.Camera.LoopInterval = 50 * time.Millisecond
	}
	if g.Camera.RetryInterval == 0 {
		g.Camera.RetryInterval = 100 * time.Millisecond
	}
	if g.Camera.MaxReadFailures == 0 {
		g.Camera.MaxReadFailures = 3
	}
	if g.Camera.StopTimeout == 0 {
		g.Camera.StopTimeout = 2 * time.Second
	}
	if g.Camera.OpenTimeout == 0 {
		g.Camera.OpenTimeout = 10 * time.Second
	}
	if g.Camera.JPEGQuality == 0 {
		g.Camera.JPEGQuality = 85
	}

	if g.Motion.Backend == "" {
		g.Motion.Backend = "adaptive"
	}
	if g.Motion.MinArea == 0 {
		g.Motion.MinArea = 1500
	}
	if g.Motion.Width == 0 {
		g.Motion.Width = 500
	}
	if g.Motion.Height == 0 {
		g.Motion.Height = 500
	}
	if g.Motion.History == 0 {
		g.Motion.History = 500
	}
	if g.Motion.VarThreshold == 0 {
		g.Motion.VarThreshold = 50
	}
	if g.Motion.MaskThreshold == 0 {
		g.Motion.MaskThreshold = 250
	}

	if g.Pipeline.SaveInterval == 0 {
		g.Pipeline.SaveInterval = 20 * time.Second
	}
	if g.Pipeline.NotifyInterval == 0 {
		g.Pipeline.NotifyInterval = 60 * time.Second
	}
	if g.Pipeline.StageTimeout == 0 {
		g.Pipeline.StageTimeout = 30 * time.Second
	}

	if g.Storage.DBPath == "" {
		g.Storage.DBPath = filepath.Join(g.DataDir, "db", "security_camera.db")
	}
	if g.Storage.ObjectsDir == "" {
		g.Storage.ObjectsDir = filepath.Join(g.DataDir, "objects")
	}
	if g.Storage.Bucket == "" {
		g.Storage.Bucket = "computer-vision-analysis"
	}
	if g.Storage.URLExpiry == 0 {
		g.Storage.URLExpiry = time.Hour
	}
	if g.Storage.RetentionDays == 0 {
		g.Storage.RetentionDays = 30
	}
	if g.Storage.CleanupInterval == 0 {
		g.Storage.CleanupInterval = 24 * time.Hour
	}
	if g.Storage.MaxDiskUsagePercent == 0 {
		g.Storage.MaxDiskUsagePercent = 90
	}

	if g.Analysis.ServiceURL == "" {
		g.Analysis.ServiceURL = "http://localhost:8090"
	}
	if g.Analysis.MinConfidence == 0 {
		g.Analysis.MinConfidence = 70
	}
	if g.Analysis.MaxLabels == 0 {
		g.Analysis.MaxLabels = 20
	}
	if g.Analysis.Timeout == 0 {
		g.Analysis.Timeout = 30 * time.Second
	}

	if g.Notify.SMTPHost == "" {
		g.Notify.SMTPHost = "smtp.gmail.com"
	}
	if g.Notify.SMTPPort == 0 {
		g.Notify.SMTPPort = 587
	}

	if g.Telemetry.BrokerURL == "" {
		g.Telemetry.BrokerURL = "tcp://localhost:1883"
	}
	if g.Telemetry.ClientID == "" {
		g.Telemetry.ClientID = AppName
	}
	if g.Telemetry.TopicPrefix == "" {
		g.Telemetry.TopicPrefix = "security/camera"
	}
	if g.Telemetry.HealthTopicPrefix == "" {
		g.Telemetry.HealthTopicPrefix = "system/health"
	}
	if g.Telemetry.HealthInterval == 0 {
		g.Telemetry.HealthInterval = 60 * time.Second
	}
	if g.Telemetry.QoS == 0 {
		g.Telemetry.QoS = 1
	}
	if g.Telemetry.EventRate == 0 {
		g.Telemetry.EventRate = 2
	}
	if g.Telemetry.EventBurst == 0 {
		g.Telemetry.EventBurst = 5
	}
	if g.Telemetry.ConnectTimeout == 0 {
		g.Telemetry.ConnectTimeout = 5 * time.Second
	}

	if g.Web.Host == "" {
		g.Web.Host = "0.0.0.0"
	}
	if g.Web.Port == 0 {
		g.Web.Port = 8000
	}
	if g.Storage.PublicURL == "" {
		g.Storage.PublicURL = fmt.Sprintf("http://localhost:%d", g.Web.Port)
	}
}
