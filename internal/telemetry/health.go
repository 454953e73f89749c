package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/procfs"

	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/logger"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/service"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/storage"
)

// HealthPublisher receives health metrics
type HealthPublisher interface {
	Connected() bool
	PublishHealth(metric string, data map[string]interface{}) bool
}

// DiskSource reports disk usage
type DiskSource interface {
	GetUsage(ctx context.Context) (*storage.DiskUsage, error)
}

// SystemStats reads host CPU and memory counters
type SystemStats interface {
	CPUTimes() (busy, total float64, err error)
	Memory() (total, available uint64, err error)
}

// procStats reads /proc through procfs
type procStats struct {
	fs procfs.FS
}

// NewProcStats opens the default /proc mount
func NewProcStats() (SystemStats, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("failed to open procfs: %w", err)
	}
	return &procStats{fs: fs}, nil
}

func (p *procStats) CPUTimes() (float64, float64, error) {
	stat, err := p.fs.Stat()
	if err != nil {
		return 0, 0, err
	}
	c := stat.CPUTotal
	idle := c.Idle + c.Iowait
	total := c.User + c.Nice + c.System + c.IRQ + c.SoftIRQ + c.Steal + idle
	return total - idle, total, nil
}

func (p *procStats) Memory() (uint64, uint64, error) {
	info, err := p.fs.Meminfo()
	if err != nil {
		return 0, 0, err
	}
	if info.MemTotal == nil {
		return 0, 0, fmt.Errorf("meminfo has no MemTotal")
	}
	total := *info.MemTotal * 1024
	var available uint64
	switch {
	case info.MemAvailable != nil:
		available = *info.MemAvailable * 1024
	case info.MemFree != nil:
		available = *info.MemFree * 1024
	}
	return total, available, nil
}

// HealthReporter periodically publishes cpu, memory, disk and uptime
// metrics while the broker is connected
type HealthReporter struct {
	*service.ServiceBase

	publisher HealthPublisher
	disk      DiskSource
	stats     SystemStats
	interval  time.Duration
	started   time.Time

	mu       sync.Mutex
	lastBusy float64
	lastAll  float64
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewHealthReporter creates a health reporter. disk and stats may be nil.
func NewHealthReporter(publisher HealthPublisher, disk DiskSource, stats SystemStats, interval time.Duration, log *logger.Logger) *HealthReporter {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &HealthReporter{
		ServiceBase: service.NewServiceBase("health-reporter", log),
		publisher:   publisher,
		disk:        disk,
		stats:       stats,
		interval:    interval,
		started:     time.Now(),
	}
}

// Start starts the reporting loop
func (h *HealthReporter) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		return nil
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan struct{})
	go h.loop(loopCtx, h.done)

	h.GetStatus().SetStatus(service.StatusRunning)
	h.LogInfo("Health reporter started", "interval", h.interval)
	return nil
}

// Stop stops the reporting loop
func (h *HealthReporter) Stop(ctx context.Context) error {
	h.mu.Lock()
	cancel, done := h.cancel, h.done
	h.cancel, h.done = nil, nil
	h.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			return fmt.Errorf("health reporter stop: %w", ctx.Err())
		}
	}
	h.GetStatus().SetStatus(service.StatusStopped)
	return nil
}

func (h *HealthReporter) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if h.publisher.Connected() {
				h.Report(ctx)
			} else {
				h.LogDebug("Broker not connected, skipping health metrics")
			}
		}
	}
}

// Report publishes one round of health metrics and returns how many were
// handed to the publisher
func (h *HealthReporter) Report(ctx context.Context) int {
	sent := 0
	publish := func(metric string, data map[string]interface{}) {
		if h.publisher.PublishHealth(metric, data) {
			sent++
		}
	}

	if h.stats != nil {
		if usage, err := h.cpuUsage(); err == nil {
			publish("cpu_usage", map[string]interface{}{"usage_percent": usage})
		} else {
			h.LogWarn("Failed to read CPU usage", "error", err)
		}

		if total, available, err := h.stats.Memory(); err == nil {
			used := total - available
			var percent float64
			if total > 0 {
				percent = float64(used) / float64(total) * 100
			}
			publish("memory_usage", map[string]interface{}{
				"total_bytes":     total,
				"used_bytes":      used,
				"available_bytes": available,
				"usage_percent":   percent,
			})
		} else {
			h.LogWarn("Failed to read memory usage", "error", err)
		}
	}

	if h.disk != nil {
		if usage, err := h.disk.GetUsage(ctx); err == nil {
			publish("disk_space", map[string]interface{}{
				"total_bytes":   usage.TotalBytes,
				"used_bytes":    usage.UsedBytes,
				"free_bytes":    usage.AvailableBytes,
				"usage_percent": usage.UsagePercent,
			})
		} else {
			h.LogWarn("Failed to read disk usage", "error", err)
		}
	}

	publish("uptime", map[string]interface{}{
		"uptime_seconds": time.Since(h.started).Seconds(),
	})
	return sent
}

// cpuUsage returns busy percent since the previous sample
func (h *HealthReporter) cpuUsage() (float64, error) {
	busy, total, err := h.stats.CPUTimes()
	if err != nil {
		return 0, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	dBusy, dAll := busy-h.lastBusy, total-h.lastAll
	h.lastBusy, h.lastAll = busy, total
	if dAll <= 0 {
		return 0, nil
	}
	return dBusy / dAll * 100, nil
}
