package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/logger"
)

// DiskMonitor reports filesystem usage for the data directory
type DiskMonitor struct {
	path            string
	maxUsagePercent float64
	logger          *logger.Logger
	mu              sync.RWMutex
	lastCheck       time.Time
	cacheDuration   time.Duration
	cachedUsage     *DiskUsage
}

// DiskUsage contains disk usage information
type DiskUsage struct {
	TotalBytes     int64   `json:"total_bytes"`
	UsedBytes      int64   `json:"used_bytes"`
	AvailableBytes int64   `json:"available_bytes"`
	UsagePercent   float64 `json:"usage_percent"`
}

// NewDiskMonitor creates a new disk monitor
func NewDiskMonitor(path string, maxUsagePercent float64, log *logger.Logger) *DiskMonitor {
	if maxUsagePercent <= 0 {
		maxUsagePercent = 90
	}
	return &DiskMonitor{
		path:            path,
		maxUsagePercent: maxUsagePercent,
		logger:          log,
		cacheDuration:   30 * time.Second,
	}
}

// Path returns the monitored path
func (d *DiskMonitor) Path() string {
	return d.path
}

// MaxUsagePercent returns the usage limit
func (d *DiskMonitor) MaxUsagePercent() float64 {
	return d.maxUsagePercent
}

// GetUsage returns current disk usage, cached for a short period
func (d *DiskMonitor) GetUsage(ctx context.Context) (*DiskUsage, error) {
	d.mu.RLock()
	if d.cachedUsage != nil && time.Since(d.lastCheck) < d.cacheDuration {
		usage := *d.cachedUsage
		d.mu.RUnlock()
		return &usage, nil
	}
	d.mu.RUnlock()

	usage, err := d.Refresh(ctx)
	if err != nil {
		return nil, err
	}
	return usage, nil
}

// Refresh reads disk usage bypassing the cache
func (d *DiskMonitor) Refresh(ctx context.Context) (*DiskUsage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	usage, err := statfs(d.path)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.cachedUsage = usage
	d.lastCheck = time.Now()
	d.mu.Unlock()

	copied := *usage
	return &copied, nil
}

// IsDiskFull returns true if disk usage reached the limit
func (d *DiskMonitor) IsDiskFull(ctx context.Context) (bool, error) {
	usage, err := d.GetUsage(ctx)
	if err != nil {
		return false, err
	}
	return usage.UsagePercent >= d.maxUsagePercent, nil
}

// statfs is Linux-first; edge devices run Linux
func statfs(path string) (*DiskUsage, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	var stat syscall.Statfs_t
	if err := syscall.Statfs(absPath, &stat); err != nil {
		return nil, fmt.Errorf("failed to stat filesystem: %w", err)
	}

	totalBytes := int64(stat.Blocks) * int64(stat.Bsize)
	availableBytes := int64(stat.Bavail) * int64(stat.Bsize)
	usedBytes := totalBytes - availableBytes

	var usagePercent float64
	if totalBytes > 0 {
		usagePercent = float64(usedBytes) / float64(totalBytes) * 100.0
	}

	return &DiskUsage{
		TotalBytes:     totalBytes,
		UsedBytes:      usedBytes,
		AvailableBytes: availableBytes,
		UsagePercent:   usagePercent,
	}, nil
}
