package health

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/camera"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/storage"
)

func newCheck(name string) Check {
	return Check{
		Name:      name,
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
	}
}

// CameraStatus reports the camera controller state
type CameraStatus interface {
	Status() camera.Status
}

// CameraChecker reports the camera controller state. Error is unhealthy;
// an idle camera is healthy but not monitoring.
type CameraChecker struct {
	camera CameraStatus
}

func NewCameraChecker(c CameraStatus) *CameraChecker {
	return &CameraChecker{camera: c}
}

func (c *CameraChecker) Name() string {
	return "camera"
}

func (c *CameraChecker) Check(ctx context.Context) Check {
	check := newCheck(c.Name())
	st := c.camera.Status()
	check.Details["state"] = string(st.State)
	check.Details["since"] = st.Since

	switch st.State {
	case camera.StateError:
		check.Status = StatusUnhealthy
		check.Message = "Camera session failed"
		if st.Err != nil {
			check.Message = fmt.Sprintf("Camera session failed: %v", st.Err)
		}
	case camera.StateMonitoring:
		check.Status = StatusHealthy
		check.Message = "Camera is monitoring"
	default:
		check.Status = StatusHealthy
		check.Message = fmt.Sprintf("Camera is %s", st.State)
	}
	return check
}

// Pinger checks database connectivity
type Pinger interface {
	Ping(ctx context.Context) error
}

// DatabaseChecker checks database connectivity
type DatabaseChecker struct {
	db     Pinger
	dbPath string
}

func NewDatabaseChecker(db Pinger, dbPath string) *DatabaseChecker {
	return &DatabaseChecker{db: db, dbPath: dbPath}
}

func (c *DatabaseChecker) Name() string {
	return "database"
}

func (c *DatabaseChecker) Check(ctx context.Context) Check {
	check := newCheck(c.Name())
	if c.dbPath != "" {
		check.Details["path"] = c.dbPath
	}

	if err := c.db.Ping(ctx); err != nil {
		check.Status = StatusUnhealthy
		check.Message = fmt.Sprintf("Database ping failed: %v", err)
		return check
	}

	check.Status = StatusHealthy
	check.Message = "Database connection OK"
	return check
}

// ObjectStoreChecker checks that the bucket directory exists and is writable
type ObjectStoreChecker struct {
	dir string
}

func NewObjectStoreChecker(dir string) *ObjectStoreChecker {
	return &ObjectStoreChecker{dir: dir}
}

func (c *ObjectStoreChecker) Name() string {
	return "object_store"
}

func (c *ObjectStoreChecker) Check(ctx context.Context) Check {
	check := newCheck(c.Name())
	check.Details["dir"] = c.dir

	if err := os.MkdirAll(c.dir, 0755); err != nil {
		check.Status = StatusUnhealthy
		check.Message = fmt.Sprintf("Failed to create bucket directory: %v", err)
		return check
	}

	probe, err := os.CreateTemp(c.dir, ".health-*")
	if err != nil {
		check.Status = StatusUnhealthy
		check.Message = fmt.Sprintf("Bucket directory not writable: %v", err)
		return check
	}
	probe.Close()
	os.Remove(filepath.Clean(probe.Name()))

	check.Status = StatusHealthy
	check.Message = "Bucket directory accessible"
	check.Details["writable"] = true
	return check
}

// DiskUsageSource reports disk usage against a limit
type DiskUsageSource interface {
	GetUsage(ctx context.Context) (*storage.DiskUsage, error)
	MaxUsagePercent() float64
}

// DiskChecker degrades once usage reaches the retention limit
type DiskChecker struct {
	disk DiskUsageSource
}

func NewDiskChecker(disk DiskUsageSource) *DiskChecker {
	return &DiskChecker{disk: disk}
}

func (c *DiskChecker) Name() string {
	return "disk"
}

func (c *DiskChecker) Check(ctx context.Context) Check {
	check := newCheck(c.Name())

	usage, err := c.disk.GetUsage(ctx)
	if err != nil {
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("Failed to read disk usage: %v", err)
		return check
	}

	limit := c.disk.MaxUsagePercent()
	check.Details["usage_percent"] = usage.UsagePercent
	check.Details["available_bytes"] = usage.AvailableBytes
	check.Details["max_usage_percent"] = limit

	if usage.UsagePercent >= limit {
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("Disk usage %.1f%% exceeds %.1f%%", usage.UsagePercent, limit)
		return check
	}

	check.Status = StatusHealthy
	check.Message = "Disk usage OK"
	return check
}

// BrokerConnection reports the telemetry broker connection state
type BrokerConnection interface {
	Connected() bool
}

// TelemetryChecker reports broker connectivity. Telemetry is best effort,
// so a lost broker only degrades.
type TelemetryChecker struct {
	conn    BrokerConnection
	enabled bool
}

func NewTelemetryChecker(conn BrokerConnection, enabled bool) *TelemetryChecker {
	return &TelemetryChecker{conn: conn, enabled: enabled}
}

func (c *TelemetryChecker) Name() string {
	return "telemetry"
}

func (c *TelemetryChecker) Check(ctx context.Context) Check {
	check := newCheck(c.Name())
	check.Details["enabled"] = c.enabled

	switch {
	case !c.enabled:
		check.Status = StatusHealthy
		check.Message = "Telemetry disabled"
	case c.conn.Connected():
		check.Status = StatusHealthy
		check.Message = "Broker connected"
	default:
		check.Status = StatusDegraded
		check.Message = "Broker not connected"
	}
	return check
}

// AnalysisHealth probes the label analysis service
type AnalysisHealth interface {
	HealthCheck(ctx context.Context) error
}

// AnalysisChecker checks label analysis service reachability
type AnalysisChecker struct {
	service    AnalysisHealth
	serviceURL string
}

func NewAnalysisChecker(service AnalysisHealth, serviceURL string) *AnalysisChecker {
	return &AnalysisChecker{service: service, serviceURL: serviceURL}
}

func (c *AnalysisChecker) Name() string {
	return "analysis_service"
}

func (c *AnalysisChecker) Check(ctx context.Context) Check {
	check := newCheck(c.Name())

	if c.serviceURL == "" {
		check.Status = StatusDegraded
		check.Message = "Analysis service URL not configured"
		return check
	}
	check.Details["url"] = c.serviceURL

	if err := c.service.HealthCheck(ctx); err != nil {
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("Analysis service unreachable: %v", err)
		return check
	}

	check.Status = StatusHealthy
	check.Message = "Analysis service is reachable"
	return check
}
