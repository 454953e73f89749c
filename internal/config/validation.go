package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Validate validates the configuration with detailed error messages
func (c *Config) Validate() error {
	var errors []string
	g := &c.Guard

	if g.DataDir == "" {
		errors = append(errors, "guard.data_dir is required")
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		errors = append(errors, fmt.Sprintf("invalid log.level: %s (must be: debug, info, warn, error, fatal)", c.Log.Level))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errors = append(errors, fmt.Sprintf("invalid log.format: %s (must be: text or json)", c.Log.Format))
	}

	// Camera
	switch g.Camera.Source {
	case "rtsp":
		if g.Camera.URL == "" {
			errors = append(errors, "camera.url is required when camera.source is rtsp")
		}
	case "ffmpeg":
		if g.Camera.Device == "" && g.Camera.URL == "" {
			errors = append(errors, "camera.device or camera.url is required when camera.source is ffmpeg")
		}
	case "gocv":
		if g.Camera.DeviceIndex < 0 {
			errors = append(errors, fmt.Sprintf("camera.device_index must be >= 0, got: %d", g.Camera.DeviceIndex))
		}
	default:
		errors = append(errors, fmt.Sprintf("invalid camera.source: %s (must be: rtsp, ffmpeg or gocv)", g.Camera.Source))
	}
	if g.Camera.LoopInterval <= 0 {
		errors = append(errors, fmt.Sprintf("camera.loop_interval must be > 0, got: %v", g.Camera.LoopInterval))
	}
	if g.Camera.MaxReadFailures <= 0 {
		errors = append(errors, fmt.Sprintf("camera.max_read_failures must be > 0, got: %d", g.Camera.MaxReadFailures))
	}
	if g.Camera.StopTimeout <= 0 {
		errors = append(errors, fmt.Sprintf("camera.stop_timeout must be > 0, got: %v", g.Camera.StopTimeout))
	}
	if g.Camera.JPEGQuality < 1 || g.Camera.JPEGQuality > 100 {
		errors = append(errors, fmt.Sprintf("camera.jpeg_quality must be between 1 and 100, got: %d", g.Camera.JPEGQuality))
	}

	// Motion
	if g.Motion.Backend != "adaptive" && g.Motion.Backend != "gocv" {
		errors = append(errors, fmt.Sprintf("invalid motion.backend: %s (must be: adaptive or gocv)", g.Motion.Backend))
	}
	if g.Motion.MinArea < 0 {
		errors = append(errors, fmt.Sprintf("motion.min_area must be >= 0, got: %d", g.Motion.MinArea))
	}
	if g.Motion.Width <= 0 || g.Motion.Height <= 0 {
		errors = append(errors, fmt.Sprintf("motion working resolution must be positive, got: %dx%d", g.Motion.Width, g.Motion.Height))
	}
	if g.Motion.History <= 0 {
		errors = append(errors, fmt.Sprintf("motion.history must be > 0, got: %d", g.Motion.History))
	}
	if g.Motion.MaskThreshold < 0 || g.Motion.MaskThreshold > 255 {
		errors = append(errors, fmt.Sprintf("motion.mask_threshold must be between 0 and 255, got: %d", g.Motion.MaskThreshold))
	}

	// Pipeline
	if g.Pipeline.SaveInterval < 0 {
		errors = append(errors, fmt.Sprintf("pipeline.save_interval must be >= 0, got: %v", g.Pipeline.SaveInterval))
	}
	if g.Pipeline.NotifyInterval < 0 {
		errors = append(errors, fmt.Sprintf("pipeline.notify_interval must be >= 0, got: %v", g.Pipeline.NotifyInterval))
	}

	// Storage
	if g.Storage.Bucket == "" {
		errors = append(errors, "storage.bucket is required")
	}
	if strings.ContainsAny(g.Storage.Bucket, `/\`) || g.Storage.Bucket == ".." {
		errors = append(errors, fmt.Sprintf("invalid storage.bucket: %s", g.Storage.Bucket))
	}
	if _, err := url.Parse(g.Storage.PublicURL); err != nil {
		errors = append(errors, fmt.Sprintf("invalid storage.public_url: %v", err))
	}
	if g.Storage.URLExpiry <= 0 {
		errors = append(errors, fmt.Sprintf("storage.url_expiry must be > 0, got: %v", g.Storage.URLExpiry))
	}
	if g.Storage.RetentionDays < 0 {
		errors = append(errors, fmt.Sprintf("storage.retention_days must be >= 0, got: %d", g.Storage.RetentionDays))
	}
	if g.Storage.MaxDiskUsagePercent < 0 || g.Storage.MaxDiskUsagePercent > 100 {
		errors = append(errors, fmt.Sprintf("storage.max_disk_usage_percent must be between 0 and 100, got: %.2f", g.Storage.MaxDiskUsagePercent))
	}

	// Analysis
	if g.Analysis.ServiceURL == "" {
		errors = append(errors, "analysis.service_url is required")
	}
	if g.Analysis.MinConfidence < 0 || g.Analysis.MinConfidence > 100 {
		errors = append(errors, fmt.Sprintf("analysis.min_confidence must be between 0 and 100, got: %.2f", g.Analysis.MinConfidence))
	}
	if g.Analysis.MaxLabels <= 0 {
		errors = append(errors, fmt.Sprintf("analysis.max_labels must be > 0, got: %d", g.Analysis.MaxLabels))
	}

	// Telemetry
	if g.Telemetry.Enabled {
		if g.Telemetry.BrokerURL == "" {
			errors = append(errors, "telemetry.broker_url is required when telemetry is enabled")
		}
		if g.Telemetry.QoS < 0 || g.Telemetry.QoS > 2 {
			errors = append(errors, fmt.Sprintf("telemetry.qos must be 0, 1 or 2, got: %d", g.Telemetry.QoS))
		}
		if g.Telemetry.HealthInterval <= 0 {
			errors = append(errors, fmt.Sprintf("telemetry.health_interval must be > 0, got: %v", g.Telemetry.HealthInterval))
		}
	}

	// Web
	if g.Web.Enabled && (g.Web.Port <= 0 || g.Web.Port > 65535) {
		errors = append(errors, fmt.Sprintf("web.port must be between 1 and 65535, got: %d", g.Web.Port))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	return nil
}

// NotificationsEnabled reports whether a recipient and SMTP credentials exist
func (c *Config) NotificationsEnabled() bool {
	return c.Guard.Pipeline.Recipient != "" && c.Guard.Notify.Username != ""
}
