package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/analysis"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/camera"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/config"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/health"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/logger"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/metrics"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/motion"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/notify"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/pipeline"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/service"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/state"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/storage"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/telemetry"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/video"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/web"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.StringVar(&configPath, "c", "", "Path to configuration file (short)")
	flag.Parse()

	cfg, err := config.LoadWithEnv(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting motionguard",
		"version", version,
		"build_time", buildTime,
		"git_commit", gitCommit,
	)

	if err := run(configPath, cfg, log); err != nil {
		log.Error("Fatal error", "error", err)
		log.Sync()
		os.Exit(1)
	}
	log.Info("Shutdown complete")
}

func run(configPath string, cfg *config.Config, log *logger.Logger) error {
	g := cfg.Guard
	cfgSvc := config.NewServiceWithConfig(configPath, cfg, log)
	cfgSvc.Watch(func(ctx context.Context, oldCfg, newCfg *config.Config) error {
		log.Warn("Configuration changed on disk, restart to apply",
			"camera_source", newCfg.Guard.Camera.Source,
			"save_interval", newCfg.Guard.Pipeline.SaveInterval,
			"notify_interval", newCfg.Guard.Pipeline.NotifyInterval,
		)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()
	svcMgr := service.NewManager(log)

	// Storage collaborators
	images, err := state.NewManager(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to open image database: %w", err)
	}
	defer images.Close()

	objects, err := storage.NewObjectStore(storage.ObjectStoreConfig{
		Dir:        g.Storage.ObjectsDir,
		Bucket:     g.Storage.Bucket,
		PublicURL:  publicURL(g.Storage.PublicURL, g.Web),
		SigningKey: g.Storage.SigningKey,
		KeyPath:    filepath.Join(g.DataDir, "keys", "object_signing.key"),
		Expiry:     g.Storage.URLExpiry,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to open object store: %w", err)
	}

	disk := storage.NewDiskMonitor(g.DataDir, g.Storage.MaxDiskUsagePercent, log)

	// Alert pipeline
	analyzer := analysis.NewClient(analysis.ClientConfig{
		ServiceURL:    g.Analysis.ServiceURL,
		Timeout:       g.Analysis.Timeout,
		MinConfidence: g.Analysis.MinConfidence,
		MaxLabels:     g.Analysis.MaxLabels,
	}, log)

	mailer := notify.NewMailer(notify.Config{
		Host:     g.Notify.SMTPHost,
		Port:     g.Notify.SMTPPort,
		Username: g.Notify.Username,
		Password: g.Notify.Password,
		From:     g.Notify.From,
	}, log)

	recipient := g.Pipeline.Recipient
	if recipient == "" && mailer.Configured() {
		recipient = mailer.DefaultRecipient()
	}
	if recipient == "" {
		log.Warn("No alert recipient configured, notifications are disabled")
	}

	runner := pipeline.NewRunner(pipeline.Config{
		NotifyInterval: g.Pipeline.NotifyInterval,
		Recipient:      recipient,
		StageTimeout:   g.Pipeline.StageTimeout,
		JPEGQuality:    g.Camera.JPEGQuality,
		ObjectKey:      storage.NewObjectKey,
	}, images, objects, analyzer, mailer, m, log)

	// Camera session
	model, err := motion.NewModel(motion.ModelConfig{
		Backend:       g.Motion.Backend,
		History:       g.Motion.History,
		VarThreshold:  g.Motion.VarThreshold,
		DetectShadows: g.Motion.DetectShadows,
	})
	if err != nil {
		return fmt.Errorf("failed to create motion model: %w", err)
	}
	detector := motion.NewDetector(motion.Config{
		Width:         g.Motion.Width,
		Height:        g.Motion.Height,
		MinArea:       g.Motion.MinArea,
		MaskThreshold: g.Motion.MaskThreshold,
	}, model)

	source, err := camera.NewSource(g.Camera, log)
	if err != nil {
		return fmt.Errorf("failed to create frame source: %w", err)
	}

	buffer := video.NewFrameBuffer(g.Camera.JPEGQuality)
	controller := camera.NewController(camera.Config{
		AutoStart:       g.Camera.AutoStart,
		LoopInterval:    g.Camera.LoopInterval,
		RetryInterval:   g.Camera.RetryInterval,
		MaxReadFailures: g.Camera.MaxReadFailures,
		StopTimeout:     g.Camera.StopTimeout,
		OpenTimeout:     g.Camera.OpenTimeout,
		SaveInterval:    g.Pipeline.SaveInterval,
	}, source, detector, runner, buffer, m, log)

	// Background services
	retention := storage.NewRetentionPolicy(
		g.Storage.RetentionDays,
		g.Storage.CleanupInterval,
		images,
		objects,
		disk,
		log,
	)

	sink := telemetry.NewMQTTSink(g.Telemetry, m, log)

	stats, err := telemetry.NewProcStats()
	if err != nil {
		log.Warn("Host CPU and memory metrics unavailable", "error", err)
	}
	reporter := telemetry.NewHealthReporter(sink, disk, stats, g.Telemetry.HealthInterval, log)

	healthMgr := health.NewManager(log, svcMgr)
	healthMgr.RegisterChecker(health.NewCameraChecker(controller))
	healthMgr.RegisterChecker(health.NewDatabaseChecker(images, g.Storage.DBPath))
	healthMgr.RegisterChecker(health.NewObjectStoreChecker(objects.Dir()))
	healthMgr.RegisterChecker(health.NewDiskChecker(disk))
	healthMgr.RegisterChecker(health.NewTelemetryChecker(sink, g.Telemetry.Enabled))
	healthMgr.RegisterChecker(health.NewAnalysisChecker(analyzer, g.Analysis.ServiceURL))

	webCfg := g.Web
	server := web.NewServer(&webCfg, log)
	server.SetVersion(version)
	server.SetCamera(controller, video.NewLiveStream(buffer, 100*time.Millisecond, log))
	server.SetStorage(images, objects)
	server.SetAnalysis(analyzer, mailer)
	server.SetHealth(healthMgr)
	server.SetPipeline(runner)
	server.SetMetrics(m)

	// Shutdown runs in reverse: the camera stops before the pipeline drains,
	// and telemetry goes last so it still sees the final pipeline events.
	svcMgr.Register(sink)
	svcMgr.Register(runner)
	svcMgr.Register(controller)
	svcMgr.Register(retention)
	svcMgr.Register(reporter)
	svcMgr.Register(server)

	if err := svcMgr.Start(ctx); err != nil {
		shutdown(svcMgr, log)
		return fmt.Errorf("failed to start services: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigChan {
		if sig == syscall.SIGHUP {
			if err := cfgSvc.Reload(ctx); err != nil {
				log.Error("Failed to reload configuration", "error", err)
			}
			continue
		}
		log.Info("Received shutdown signal", "signal", sig)
		break
	}

	return shutdown(svcMgr, log)
}

func shutdown(svcMgr *service.Manager, log *logger.Logger) error {
	log.Info("Stopping services")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := svcMgr.Shutdown(ctx); err != nil {
		return fmt.Errorf("error during shutdown: %w", err)
	}
	return nil
}

// publicURL defaults presigned URLs to the local web listener
func publicURL(configured string, w config.WebConfig) string {
	if configured != "" {
		return configured
	}
	host := w.Host
	if host == "" || host == "0.0.0.0" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s:%d", host, w.Port)
}
