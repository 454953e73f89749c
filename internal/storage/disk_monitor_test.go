package storage

import (
	"context"
	"testing"

	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/logger"
)

func TestNewDiskMonitor_Defaults(t *testing.T) {
	monitor := NewDiskMonitor(t.TempDir(), 0, logger.NewNopLogger())

	if monitor.MaxUsagePercent() != 90 {
		t.Errorf("Expected default limit 90, got %f", monitor.MaxUsagePercent())
	}
}

func TestDiskMonitor_GetUsage(t *testing.T) {
	monitor := NewDiskMonitor(t.TempDir(), 80.0, logger.NewNopLogger())

	usage, err := monitor.GetUsage(context.Background())
	if err != nil {
		t.Fatalf("GetUsage failed: %v", err)
	}

	if usage.TotalBytes <= 0 {
		t.Error("TotalBytes should be greater than 0")
	}
	if usage.AvailableBytes < 0 || usage.UsedBytes < 0 {
		t.Error("Byte counts should not be negative")
	}
	if usage.UsagePercent < 0 || usage.UsagePercent > 100 {
		t.Errorf("UsagePercent should be between 0 and 100, got %f", usage.UsagePercent)
	}
}

func TestDiskMonitor_IsDiskFull(t *testing.T) {
	ctx := context.Background()

	roomy := NewDiskMonitor(t.TempDir(), 100, logger.NewNopLogger())
	full, err := roomy.IsDiskFull(ctx)
	if err != nil {
		t.Fatalf("IsDiskFull failed: %v", err)
	}
	if full {
		t.Error("Disk should not be full with a 100% limit")
	}

	tight := NewDiskMonitor(t.TempDir(), 0.0001, logger.NewNopLogger())
	full, err = tight.IsDiskFull(ctx)
	if err != nil {
		t.Fatalf("IsDiskFull failed: %v", err)
	}
	if !full {
		t.Error("Disk should be full with a near-zero limit")
	}
}

func TestDiskMonitor_Caching(t *testing.T) {
	monitor := NewDiskMonitor(t.TempDir(), 80.0, logger.NewNopLogger())
	ctx := context.Background()

	usage1, err := monitor.GetUsage(ctx)
	if err != nil {
		t.Fatalf("GetUsage failed: %v", err)
	}
	usage1.TotalBytes = -1

	usage2, err := monitor.GetUsage(ctx)
	if err != nil {
		t.Fatalf("GetUsage failed: %v", err)
	}
	if usage2.TotalBytes <= 0 {
		t.Error("Cached usage should be returned as a copy")
	}
}

func TestDiskMonitor_MissingPath(t *testing.T) {
	monitor := NewDiskMonitor("/nonexistent/motionguard/path", 80, logger.NewNopLogger())

	if _, err := monitor.GetUsage(context.Background()); err == nil {
		t.Error("Expected error for missing path")
	}
}
