package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/logger"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/service"
)

// ImageCleaner deletes image records captured before a cutoff
type ImageCleaner interface {
	CleanupBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// ObjectCleaner deletes stored objects older than a cutoff
type ObjectCleaner interface {
	RemoveOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// CleanupReport summarizes one retention pass
type CleanupReport struct {
	Images   int64
	Objects  int
	DiskFull bool
}

// RetentionPolicy periodically removes old images and objects, and prunes
// harder while the disk is over its usage limit
type RetentionPolicy struct {
	*service.ServiceBase

	retentionDays int
	interval      time.Duration
	images        ImageCleaner
	objects       ObjectCleaner
	disk          *DiskMonitor
	now           func() time.Time

	mu        sync.Mutex
	enforcing bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewRetentionPolicy creates a new retention policy. A non-positive
// retentionDays disables age-based cleanup.
func NewRetentionPolicy(retentionDays int, interval time.Duration, images ImageCleaner, objects ObjectCleaner, disk *DiskMonitor, log *logger.Logger) *RetentionPolicy {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &RetentionPolicy{
		ServiceBase:   service.NewServiceBase("retention", log),
		retentionDays: retentionDays,
		interval:      interval,
		images:        images,
		objects:       objects,
		disk:          disk,
		now:           time.Now,
	}
}

// Start runs an enforcement pass immediately and then once per interval
func (r *RetentionPolicy) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel != nil {
		return nil
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.loop(loopCtx, r.done)

	r.GetStatus().SetStatus(service.StatusRunning)
	r.LogInfo("Retention policy started", "retention_days", r.retentionDays, "interval", r.interval)
	return nil
}

// Stop stops the periodic enforcement
func (r *RetentionPolicy) Stop(ctx context.Context) error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("retention stop: %w", ctx.Err())
	}
	r.GetStatus().SetStatus(service.StatusStopped)
	return nil
}

func (r *RetentionPolicy) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, err := r.Enforce(ctx); err != nil && ctx.Err() == nil {
			r.LogError("Retention pass failed", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Enforce runs one retention pass. Concurrent calls are rejected.
func (r *RetentionPolicy) Enforce(ctx context.Context) (CleanupReport, error) {
	r.mu.Lock()
	if r.enforcing {
		r.mu.Unlock()
		return CleanupReport{}, fmt.Errorf("retention policy is already being enforced")
	}
	r.enforcing = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.enforcing = false
		r.mu.Unlock()
	}()

	var report CleanupReport

	if r.retentionDays > 0 {
		if err := r.removeBefore(ctx, r.now().AddDate(0, 0, -r.retentionDays), &report); err != nil {
			return report, err
		}
	}

	full, err := r.freeDiskSpace(ctx, &report)
	if err != nil {
		r.LogWarn("Failed to free disk space", "error", err)
	}
	report.DiskFull = full

	if report.Images > 0 || report.Objects > 0 {
		r.LogInfo("Retention pass removed data", "images", report.Images, "objects", report.Objects)
		r.PublishEvent(service.EventTypeStorageCleanup, map[string]interface{}{
			"images":  report.Images,
			"objects": report.Objects,
		})
	}
	if full {
		r.LogWarn("Disk usage still above limit after cleanup")
		r.PublishEvent(service.EventTypeStorageFull, map[string]interface{}{
			"max_usage_percent": r.disk.MaxUsagePercent(),
		})
	}

	return report, nil
}

func (r *RetentionPolicy) removeBefore(ctx context.Context, cutoff time.Time, report *CleanupReport) error {
	if r.images != nil {
		n, err := r.images.CleanupBefore(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("failed to remove images: %w", err)
		}
		report.Images += n
	}
	if r.objects != nil {
		n, err := r.objects.RemoveOlderThan(ctx, cutoff)
		report.Objects += n
		if err != nil {
			return fmt.Errorf("failed to remove objects: %w", err)
		}
	}
	return nil
}

// freeDiskSpace halves the retention window while the disk stays full,
// stopping as soon as usage drops below the limit. It reports whether the
// disk is still full.
func (r *RetentionPolicy) freeDiskSpace(ctx context.Context, report *CleanupReport) (bool, error) {
	if r.disk == nil {
		return false, nil
	}

	usage, err := r.disk.Refresh(ctx)
	if err != nil {
		return false, err
	}
	if usage.UsagePercent < r.disk.MaxUsagePercent() {
		return false, nil
	}

	days := r.retentionDays
	if days <= 0 {
		days = 30
	}
	for days > 1 {
		days /= 2
		if err := r.removeBefore(ctx, r.now().AddDate(0, 0, -days), report); err != nil {
			return true, err
		}

		usage, err = r.disk.Refresh(ctx)
		if err != nil {
			return true, err
		}
		if usage.UsagePercent < r.disk.MaxUsagePercent() {
			return false, nil
		}
	}
	return true, nil
}
