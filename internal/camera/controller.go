// Package camera owns the capture device and runs the monitoring loop that
// feeds frames through motion detection into the alert pipeline.
package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/logger"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/metrics"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/motion"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/ratelimit"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/service"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/video"
)

// State is the camera controller state
type State string

const (
	StateIdle       State = "idle"
	StateStarting   State = "starting"
	StateMonitoring State = "monitoring"
	StateStopping   State = "stopping"
	StateError      State = "error"
)

// Detector classifies frames
type Detector interface {
	Detect(frame *video.Frame) motion.Result
}

// Trigger starts alert pipeline runs. Submit must not block.
type Trigger interface {
	// Busy reports whether a run is in flight
	Busy() bool
	// Submit starts a run for ev and reports whether it was accepted
	Submit(ev motion.Event) bool
}

// Config contains capture loop timing
type Config struct {
	AutoStart       bool
	LoopInterval    time.Duration
	RetryInterval   time.Duration
	MaxReadFailures int
	StopTimeout     time.Duration
	OpenTimeout     time.Duration
	SaveInterval    time.Duration
}

// session is one Monitoring period. The capture loop owns the source until
// it exits; Stop may release it early after a timeout.
type session struct {
	source  Source
	cancel  context.CancelFunc
	done    chan struct{}
	release sync.Once
}

func (s *session) close(log *logger.Logger) {
	s.release.Do(func() {
		if err := s.source.Close(); err != nil {
			log.Warn("Failed to release frame source", "source", s.source.Name(), "error", err)
		}
	})
}

// Controller is the camera session. It is the only writer of the frame
// buffer and of its own state.
type Controller struct {
	*service.ServiceBase
	cfg        Config
	source     Source
	detector   Detector
	trigger    Trigger
	buffer     *video.FrameBuffer
	saveWindow *ratelimit.Window
	metrics    *metrics.Metrics
	now        func() time.Time

	mu         sync.Mutex
	state      State
	lastErr    error
	stateSince time.Time
	session    *session
}

// NewController creates an idle controller
func NewController(
	cfg Config,
	source Source,
	detector Detector,
	trigger Trigger,
	buffer *video.FrameBuffer,
	m *metrics.Metrics,
	log *logger.Logger,
) *Controller {
	if cfg.LoopInterval <= 0 {
		cfg.LoopInterval = 50 * time.Millisecond
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 100 * time.Millisecond
	}
	if cfg.MaxReadFailures <= 0 {
		cfg.MaxReadFailures = 3
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 2 * time.Second
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 10 * time.Second
	}
	if buffer == nil {
		buffer = video.NewFrameBuffer(0)
	}

	c := &Controller{
		ServiceBase: service.NewServiceBase("camera", log),
		cfg:         cfg,
		source:      source,
		detector:    detector,
		trigger:     trigger,
		buffer:      buffer,
		saveWindow:  ratelimit.NewWindow(cfg.SaveInterval),
		metrics:     m,
		now:         time.Now,
		state:       StateIdle,
		stateSince:  time.Now(),
	}
	m.SetCameraState(string(StateIdle))
	return c
}

// Start implements service.Service. It starts monitoring when AutoStart is
// set; an unavailable device is logged and left for a later StartMonitoring.
func (c *Controller) Start(ctx context.Context) error {
	c.GetStatus().SetStatus(service.StatusRunning)
	if !c.cfg.AutoStart {
		return nil
	}
	if err := c.StartMonitoring(ctx); err != nil {
		c.LogWarn("Camera auto-start failed", "error", err)
	}
	return nil
}

// Stop implements service.Service
func (c *Controller) Stop(ctx context.Context) error {
	c.GetStatus().SetStatus(service.StatusStopping)
	if err := c.StopMonitoring(ctx); err != nil && !errors.Is(err, ErrNotRunning) {
		c.GetStatus().SetError(err)
		return err
	}
	c.GetStatus().SetStatus(service.StatusStopped)
	return nil
}

// State returns the current state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status describes the controller state
type Status struct {
	State State
	// Err is the cause of the last transition to Error
	Err   error
	Since time.Time
}

// Status returns the current state and when it was entered
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{State: c.state, Err: c.lastErr, Since: c.stateSince}
}

// CurrentFrame returns the latest annotated frame as JPEG
func (c *Controller) CurrentFrame() ([]byte, error) {
	data, _, err := c.buffer.Current()
	return data, err
}

// Buffer returns the frame buffer written by the capture loop
func (c *Controller) Buffer() *video.FrameBuffer {
	return c.buffer
}

// setStateLocked must be called with mu held
func (c *Controller) setStateLocked(s State, err error) {
	c.state = s
	c.lastErr = err
	c.stateSince = c.now()
	c.metrics.SetCameraState(string(s))
}

// StartMonitoring acquires the frame source and starts the capture loop
func (c *Controller) StartMonitoring(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle && c.state != StateError {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	prev := c.session
	c.session = nil
	c.setStateLocked(StateStarting, nil)
	c.mu.Unlock()

	// A loop that failed or was abandoned by Stop may still be reading
	if prev != nil {
		select {
		case <-prev.done:
		case <-time.After(c.cfg.StopTimeout):
			c.LogWarn("Previous capture loop still running, reopening anyway", "timeout", c.cfg.StopTimeout)
		}
		prev.close(c.Logger())
	}

	c.LogInfo("Starting camera monitoring", "source", c.source.Name())

	openCtx, cancelOpen := context.WithTimeout(ctx, c.cfg.OpenTimeout)
	err := c.source.Open(openCtx)
	cancelOpen()
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
		c.mu.Lock()
		c.setStateLocked(StateError, err)
		c.mu.Unlock()
		c.LogError("Could not open video device", err, "source", c.source.Name())
		c.PublishEvent(service.EventTypeCameraError, map[string]interface{}{
			"error": err.Error(),
		})
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	sess := &session{
		source: c.source,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	c.mu.Lock()
	c.session = sess
	c.setStateLocked(StateMonitoring, nil)
	c.mu.Unlock()

	go c.captureLoop(loopCtx, sess)

	c.LogInfo("Camera monitoring started")
	c.PublishEvent(service.EventTypeCameraStarted, map[string]interface{}{
		"source": c.source.Name(),
	})
	return nil
}

// StopMonitoring signals the capture loop, waits up to the stop timeout for
// it to exit and then releases the frame source. A loop that does not exit
// in time is abandoned and the source is closed anyway.
func (c *Controller) StopMonitoring(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateMonitoring {
		c.mu.Unlock()
		return ErrNotRunning
	}
	sess := c.session
	c.setStateLocked(StateStopping, nil)
	c.mu.Unlock()

	c.LogInfo("Stopping camera monitoring")
	sess.cancel()

	timer := time.NewTimer(c.cfg.StopTimeout)
	defer timer.Stop()

	forced := false
	select {
	case <-sess.done:
	case <-timer.C:
		forced = true
	case <-ctx.Done():
		forced = true
	}
	if forced {
		c.LogWarn("Capture loop did not stop in time, releasing device", "timeout", c.cfg.StopTimeout)
	}

	sess.close(c.Logger())
	c.buffer.Clear()

	// An abandoned loop stays recorded so the next start waits for it
	// before reopening the source
	c.mu.Lock()
	if c.session == sess && !forced {
		c.session = nil
	}
	c.setStateLocked(StateIdle, nil)
	c.mu.Unlock()

	c.LogInfo("Camera monitoring stopped", "forced", forced)
	c.PublishEvent(service.EventTypeCameraStopped, map[string]interface{}{
		"forced": forced,
	})
	return nil
}

func (c *Controller) captureLoop(ctx context.Context, sess *session) {
	defer close(sess.done)
	defer sess.close(c.Logger())

	failures := 0
	for ctx.Err() == nil {
		frame, err := sess.source.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			c.metrics.ReadFailed()
			c.LogDebug("Failed to grab frame", "error", err, "consecutive", failures)

			if failures >= c.cfg.MaxReadFailures {
				c.fail(sess, fmt.Errorf("%d consecutive read failures: %w", failures, err))
				return
			}
			if !sleep(ctx, c.cfg.RetryInterval) {
				return
			}
			continue
		}
		failures = 0

		c.processFrame(ctx, frame)

		if !sleep(ctx, c.cfg.LoopInterval) {
			return
		}
	}
}

func (c *Controller) processFrame(ctx context.Context, frame *video.Frame) {
	res := c.detector.Detect(frame)
	c.metrics.FrameProcessed(res.Motion)

	// A stopped session must not publish frames after Clear
	if ctx.Err() != nil {
		return
	}
	if res.Annotated != nil {
		c.buffer.Update(res.Annotated)
	}

	if !res.Motion || c.trigger == nil {
		return
	}
	// The window is only consumed when a run can actually start
	if c.trigger.Busy() || !c.saveWindow.TryAcquire(c.now()) {
		return
	}

	ev := motion.Event{
		Timestamp: frame.Timestamp,
		Boxes:     res.Boxes,
		Frame:     res.Working,
	}
	if !c.trigger.Submit(ev) {
		return
	}
	c.LogInfo("Motion detected, processing frame", "regions", len(res.Boxes))
	c.PublishEvent(service.EventTypeMotionDetected, map[string]interface{}{
		"regions":   len(res.Boxes),
		"timestamp": frame.Timestamp,
	})
}

// fail moves the session to Error unless it has already been stopped
func (c *Controller) fail(sess *session, err error) {
	c.mu.Lock()
	if c.session != sess || c.state != StateMonitoring {
		c.mu.Unlock()
		return
	}
	c.setStateLocked(StateError, err)
	c.mu.Unlock()

	c.buffer.Clear()
	c.LogError("Camera monitoring failed", err)
	c.PublishEvent(service.EventTypeCameraError, map[string]interface{}{
		"error": err.Error(),
	})
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
