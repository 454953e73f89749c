package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/analysis"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/logger"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/metrics"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/motion"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/notify"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/ratelimit"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/service"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/video"
)

// Storage keeps snapshots and their alert records
type Storage interface {
	Persist(ctx context.Context, filename string, data []byte, width, height int, ts time.Time) (int64, error)
	SetUploadURL(ctx context.Context, imageID int64, url string) error
	AppendAlert(ctx context.Context, imageID int64, alertType string, confidence float64) error
	MarkAlertsNotified(ctx context.Context, imageID int64) error
}

// ObjectStore uploads encoded snapshots and returns their URL
type ObjectStore interface {
	Upload(ctx context.Context, data []byte, key string) (string, error)
}

// Analyzer labels an uploaded image
type Analyzer interface {
	Analyze(ctx context.Context, imageURL string) (*analysis.Result, error)
}

// Notifier delivers alert messages
type Notifier interface {
	Send(ctx context.Context, msg notify.Message) error
}

// Config contains alert pipeline configuration
type Config struct {
	NotifyInterval time.Duration
	// Recipient is optional; when empty alerts are stored but not sent
	Recipient    string
	StageTimeout time.Duration
	JPEGQuality  int
	// ObjectKey maps a snapshot filename to an object key
	ObjectKey func(filename string) string
	// History is how many finished runs are kept for inspection
	History int
}

// Runner executes alert pipeline runs, at most one at a time
type Runner struct {
	*service.ServiceBase

	cfg      Config
	storage  Storage
	objects  ObjectStore
	analyzer Analyzer
	notifier Notifier
	metrics  *metrics.Metrics

	notifyWindow *ratelimit.Window
	now          func() time.Time

	// slot holds a token while a run is in flight
	slot chan struct{}
	wg   sync.WaitGroup

	mu      sync.RWMutex
	closed  bool
	history []Run
}

// NewRunner creates a pipeline runner. notifier may be nil.
func NewRunner(cfg Config, storage Storage, objects ObjectStore, analyzer Analyzer, notifier Notifier, m *metrics.Metrics, log *logger.Logger) *Runner {
	if cfg.NotifyInterval < 0 {
		cfg.NotifyInterval = 0
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = 30 * time.Second
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = video.DefaultJPEGQuality
	}
	if cfg.ObjectKey == nil {
		cfg.ObjectKey = func(filename string) string { return filename }
	}
	if cfg.History <= 0 {
		cfg.History = 20
	}

	return &Runner{
		ServiceBase:  service.NewServiceBase("pipeline", log),
		cfg:          cfg,
		storage:      storage,
		objects:      objects,
		analyzer:     analyzer,
		notifier:     notifier,
		metrics:      m,
		notifyWindow: ratelimit.NewWindow(cfg.NotifyInterval),
		now:          time.Now,
		slot:         make(chan struct{}, 1),
	}
}

// Start marks the runner as accepting runs
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	r.closed = false
	r.mu.Unlock()

	r.GetStatus().SetStatus(service.StatusRunning)
	r.LogInfo("Alert pipeline started",
		"notify_interval", r.cfg.NotifyInterval,
		"notifications", r.cfg.Recipient != "" && r.notifier != nil,
	)
	return nil
}

// Stop rejects new runs and waits for the in-flight run to finish
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.GetStatus().SetStatus(service.StatusStopped)
		r.LogInfo("Alert pipeline stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pipeline stop: %w", ctx.Err())
	}
}

// Busy reports whether a run is in flight
func (r *Runner) Busy() bool {
	return len(r.slot) > 0
}

// Submit starts a run for ev on its own goroutine. It never blocks and
// returns false when a run is already in flight or the runner is stopped.
func (r *Runner) Submit(ev motion.Event) bool {
	if ev.Frame == nil {
		return false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return false
	}

	select {
	case r.slot <- struct{}{}:
	default:
		return false
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() { <-r.slot }()
		r.execute(ev)
	}()
	return true
}

// Wait blocks until no run is in flight or ctx is done
func (r *Runner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LastRun returns the most recently finished run
func (r *Runner) LastRun() (Run, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.history) == 0 {
		return Run{}, false
	}
	return r.history[len(r.history)-1].clone(), true
}

// Runs returns finished runs, newest last
func (r *Runner) Runs() []Run {
	r.mu.RLock()
	defer r.mu.RUnlock()
	runs := make([]Run, len(r.history))
	for i, run := range r.history {
		runs[i] = run.clone()
	}
	return runs
}

// NotifyWindow exposes the notification rate limit window
func (r *Runner) NotifyWindow() *ratelimit.Window {
	return r.notifyWindow
}

func (r *Runner) execute(ev motion.Event) {
	run := &Run{
		ID:        uuid.NewString(),
		StartedAt: r.now(),
		Stage:     StageTriggered,
		Filename:  SnapshotFilename(ev.Timestamp),
		Regions:   len(ev.Boxes),
	}
	r.metrics.RunStarted()
	r.LogDebug("Pipeline run started", "run_id", run.ID, "regions", run.Regions)

	defer func() {
		if p := recover(); p != nil {
			r.recoverRun(run, fmt.Errorf("panic: %v", p))
		}
		r.finish(run)
	}()

	data, ok := r.persist(run, ev)
	if !ok {
		return
	}
	if !r.upload(run, data) {
		return
	}
	result, ok := r.analyze(run)
	if !ok {
		return
	}
	alerts := r.raiseAlerts(run, result)
	r.deliver(run, data, alerts)
}

// recoverRun settles a run whose stage panicked so it never stays in an
// intermediate stage
func (r *Runner) recoverRun(run *Run, err error) {
	switch run.Stage {
	case StageTriggered:
		run.fail(ReasonPersist, err)
	case StagePersisted:
		run.fail(ReasonUpload, err)
	case StageUploaded:
		run.fail(ReasonAnalysis, err)
	case StageFailed:
	default:
		// alerts already raised; delivery is best-effort
		r.LogError("Alert delivery panicked", err, "run_id", run.ID)
		run.Stage = StageNotified
	}
}

// stage runs fn with the per-stage timeout and records its duration
func (r *Runner) stage(name Stage, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.StageTimeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	r.metrics.ObserveStage(string(name), time.Since(start))
	return err
}

func (r *Runner) persist(run *Run, ev motion.Event) ([]byte, bool) {
	var data []byte
	err := r.stage(StagePersisted, func(ctx context.Context) error {
		encoded, err := ev.Frame.EncodeJPEG(r.cfg.JPEGQuality)
		if err != nil {
			return err
		}
		id, err := r.storage.Persist(ctx, run.Filename, encoded, ev.Frame.Width(), ev.Frame.Height(), ev.Timestamp)
		if err != nil {
			return err
		}
		data, run.ImageID = encoded, id
		return nil
	})
	if err != nil {
		run.fail(ReasonPersist, err)
		return nil, false
	}
	run.Stage = StagePersisted
	return data, true
}

func (r *Runner) upload(run *Run, data []byte) bool {
	err := r.stage(StageUploaded, func(ctx context.Context) error {
		url, err := r.objects.Upload(ctx, data, r.cfg.ObjectKey(run.Filename))
		if err != nil {
			return err
		}
		run.URL = url
		return nil
	})
	if err != nil {
		// The image record stays, without a URL
		run.fail(ReasonUpload, err)
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.StageTimeout)
	defer cancel()
	if err := r.storage.SetUploadURL(ctx, run.ImageID, run.URL); err != nil {
		r.LogWarn("Failed to record upload URL", "run_id", run.ID, "image_id", run.ImageID, "error", err)
	}
	run.Stage = StageUploaded
	return true
}

func (r *Runner) analyze(run *Run) (*analysis.Result, bool) {
	var result *analysis.Result
	err := r.stage(StageAnalyzed, func(ctx context.Context) error {
		res, err := r.analyzer.Analyze(ctx, run.URL)
		if err != nil {
			return err
		}
		if res == nil {
			res = &analysis.Result{}
		}
		result = res
		return nil
	})
	if err != nil {
		run.fail(ReasonAnalysis, err)
		return nil, false
	}
	run.Stage = StageAnalyzed
	return result, true
}

// raiseAlerts appends one record per security alert; individual failures
// are skipped
// raiseAlerts stores every detected alert and returns the detected list.
// run.Alerts only records the alerts that were stored.
func (r *Runner) raiseAlerts(run *Run, result *analysis.Result) []analysis.SecurityAlert {
	alerts := result.SecurityAlerts
	if alerts == nil {
		alerts = analysis.SecurityAlerts(result.Labels)
	}

	for _, alert := range alerts {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.StageTimeout)
		err := r.storage.AppendAlert(ctx, run.ImageID, alert.Type, alert.Confidence)
		cancel()
		if err != nil {
			r.LogWarn("Failed to store alert", "run_id", run.ID, "alert_type", alert.Type, "error", err)
			continue
		}

		run.Alerts = append(run.Alerts, alert)
		r.metrics.AlertRaised(alert.Type)
		r.PublishEvent(service.EventTypeAlertRaised, map[string]interface{}{
			"run_id":     run.ID,
			"image_id":   run.ImageID,
			"alert_type": alert.Type,
			"confidence": alert.Confidence,
		})
	}
	return alerts
}

// deliver sends at most one notification per notify window. Delivery is
// best-effort and never fails the run. alerts is the detected list, so a
// database outage does not silence notifications.
func (r *Runner) deliver(run *Run, data []byte, alerts []analysis.SecurityAlert) {
	run.Stage = StageNotified

	if len(alerts) == 0 {
		return
	}
	if r.cfg.Recipient == "" || r.notifier == nil {
		r.metrics.NotificationResult("disabled")
		return
	}
	if !r.notifyWindow.Ready(r.now()) {
		r.metrics.NotificationResult("rate_limited")
		r.LogDebug("Notification suppressed by rate limit", "run_id", run.ID)
		return
	}

	msg := notify.Message{
		To:             r.cfg.Recipient,
		Subject:        AlertSubject,
		Body:           FormatAlertBody(alerts, run.URL),
		Attachment:     data,
		AttachmentName: run.Filename,
	}
	err := r.stage(StageNotified, func(ctx context.Context) error {
		return r.notifier.Send(ctx, msg)
	})
	if err != nil {
		r.metrics.NotificationResult("failed")
		r.LogWarn("Failed to send notification", "run_id", run.ID, "error", err)
		return
	}

	r.notifyWindow.Mark(r.now())
	run.Notified = true
	r.metrics.NotificationResult("sent")

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.StageTimeout)
	defer cancel()
	if err := r.storage.MarkAlertsNotified(ctx, run.ImageID); err != nil {
		r.LogWarn("Failed to flag alerts as notified", "run_id", run.ID, "error", err)
	}

	r.PublishEvent(service.EventTypeNotificationSent, map[string]interface{}{
		"run_id":    run.ID,
		"image_id":  run.ImageID,
		"recipient": r.cfg.Recipient,
		"alerts":    len(alerts),
	})
}

func (r *Runner) finish(run *Run) {
	run.FinishedAt = r.now()

	if run.Stage == StageFailed {
		r.metrics.RunFinished("failed", string(run.Reason))
		r.LogError("Pipeline run failed", fmt.Errorf("%s", run.Error),
			"run_id", run.ID, "reason", run.Reason, "image_id", run.ImageID)
		r.PublishEvent(service.EventTypePipelineFailed, map[string]interface{}{
			"run_id":   run.ID,
			"reason":   string(run.Reason),
			"error":    run.Error,
			"image_id": run.ImageID,
		})
	} else {
		r.metrics.RunFinished("completed", "")
		r.LogInfo("Pipeline run completed",
			"run_id", run.ID,
			"image_id", run.ImageID,
			"alerts", len(run.Alerts),
			"notified", run.Notified,
			"duration", run.FinishedAt.Sub(run.StartedAt),
		)
		r.PublishEvent(service.EventTypePipelineCompleted, map[string]interface{}{
			"run_id":   run.ID,
			"image_id": run.ImageID,
			"url":      run.URL,
			"alerts":   len(run.Alerts),
			"notified": run.Notified,
		})
	}

	r.mu.Lock()
	r.history = append(r.history, run.clone())
	if len(r.history) > r.cfg.History {
		r.history = r.history[len(r.history)-r.cfg.History:]
	}
	r.mu.Unlock()
}
