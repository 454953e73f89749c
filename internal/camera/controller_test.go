package camera

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/logger"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/motion"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/service"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/video"
)

// fakeSource serves frames from read; by default it blocks until ctx is done
type fakeSource struct {
	mu      sync.Mutex
	openErr error
	read    func(ctx context.Context, n int) (*video.Frame, error)
	reads   int
	opens   int
	closes  int
}

func (s *fakeSource) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opens++
	return s.openErr
}

func (s *fakeSource) ReadFrame(ctx context.Context) (*video.Frame, error) {
	s.mu.Lock()
	s.reads++
	n := s.reads
	read := s.read
	s.mu.Unlock()

	if read == nil {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return read(ctx, n)
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *fakeSource) Name() string { return "fake" }

func (s *fakeSource) counts() (opens, closes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens, s.closes
}

// passDetector returns the input as both working and annotated frame
type passDetector struct {
	motion atomic.Bool
}

func (d *passDetector) Detect(f *video.Frame) motion.Result {
	res := motion.Result{
		Working:   f.Clone(),
		Annotated: f.Clone(),
	}
	if d.motion.Load() {
		res.Motion = true
		res.Boxes = []image.Rectangle{image.Rect(0, 0, 2, 2)}
	}
	return res
}

type fakeTrigger struct {
	busy    atomic.Bool
	submits atomic.Int32
}

func (t *fakeTrigger) Busy() bool { return t.busy.Load() }

func (t *fakeTrigger) Submit(ev motion.Event) bool {
	if t.busy.Load() {
		return false
	}
	t.submits.Add(1)
	return true
}

func testFrame(v uint8) *video.Frame {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for i := range img.Pix {
		img.Pix[i] = v
	}
	return &video.Frame{Image: img, Timestamp: time.Now()}
}

// frames returns a read func that serves count frames, then signals
// exhausted and blocks until ctx is done
func frames(count int, exhausted chan<- struct{}) func(context.Context, int) (*video.Frame, error) {
	var once sync.Once
	return func(ctx context.Context, n int) (*video.Frame, error) {
		if n <= count {
			return testFrame(uint8(n)), nil
		}
		once.Do(func() { close(exhausted) })
		<-ctx.Done()
		return nil, ctx.Err()
	}
}

func testConfig() Config {
	return Config{
		LoopInterval:    time.Millisecond,
		RetryInterval:   time.Millisecond,
		MaxReadFailures: 3,
		StopTimeout:     500 * time.Millisecond,
		SaveInterval:    time.Hour,
	}
}

func newTestController(t *testing.T, src *fakeSource, det Detector, trig Trigger) *Controller {
	t.Helper()
	if det == nil {
		det = &passDetector{}
	}
	return NewController(testConfig(), src, det, trig, video.NewFrameBuffer(90), nil, logger.NewNopLogger())
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for frames to be consumed")
	}
}

func TestController_StartAndStop(t *testing.T) {
	src := &fakeSource{}
	c := newTestController(t, src, nil, nil)
	ctx := context.Background()

	if c.State() != StateIdle {
		t.Fatalf("Expected idle, got %s", c.State())
	}
	if err := c.StartMonitoring(ctx); err != nil {
		t.Fatalf("StartMonitoring failed: %v", err)
	}
	if c.State() != StateMonitoring {
		t.Errorf("Expected monitoring, got %s", c.State())
	}

	if err := c.StopMonitoring(ctx); err != nil {
		t.Fatalf("StopMonitoring failed: %v", err)
	}
	if c.State() != StateIdle {
		t.Errorf("Expected idle, got %s", c.State())
	}
	if opens, closes := src.counts(); opens != 1 || closes != 1 {
		t.Errorf("Expected 1 open and 1 close, got %d and %d", opens, closes)
	}
}

func TestController_StartWhileMonitoringReturnsAlreadyRunning(t *testing.T) {
	src := &fakeSource{}
	c := newTestController(t, src, nil, nil)
	ctx := context.Background()

	if err := c.StartMonitoring(ctx); err != nil {
		t.Fatalf("StartMonitoring failed: %v", err)
	}
	defer c.StopMonitoring(ctx)

	if err := c.StartMonitoring(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("Expected ErrAlreadyRunning, got %v", err)
	}
	if c.State() != StateMonitoring {
		t.Errorf("State changed to %s", c.State())
	}
	if opens, _ := src.counts(); opens != 1 {
		t.Errorf("Source opened %d times", opens)
	}
}

func TestController_StopWhenIdleReturnsNotRunning(t *testing.T) {
	c := newTestController(t, &fakeSource{}, nil, nil)

	if err := c.StopMonitoring(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Expected ErrNotRunning, got %v", err)
	}
	if c.State() != StateIdle {
		t.Errorf("Expected idle, got %s", c.State())
	}
}

func TestController_OpenFailureEntersErrorAndCanRetry(t *testing.T) {
	src := &fakeSource{openErr: errors.New("no such device")}
	c := newTestController(t, src, nil, nil)
	ctx := context.Background()

	err := c.StartMonitoring(ctx)
	if !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("Expected ErrDeviceUnavailable, got %v", err)
	}
	status := c.Status()
	if status.State != StateError || status.Err == nil {
		t.Errorf("Expected error state with cause, got %+v", status)
	}

	src.mu.Lock()
	src.openErr = nil
	src.mu.Unlock()

	if err := c.StartMonitoring(ctx); err != nil {
		t.Fatalf("Retry from error state failed: %v", err)
	}
	if err := c.StopMonitoring(ctx); err != nil {
		t.Fatalf("StopMonitoring failed: %v", err)
	}
}

func TestController_ConsecutiveReadFailuresEnterError(t *testing.T) {
	src := &fakeSource{read: func(ctx context.Context, n int) (*video.Frame, error) {
		return nil, ErrTransientRead
	}}
	c := newTestController(t, src, nil, nil)
	bus := service.NewEventBus(10)
	c.SetEventBus(bus)
	errCh := bus.Subscribe(service.EventTypeCameraError)

	if err := c.StartMonitoring(context.Background()); err != nil {
		t.Fatalf("StartMonitoring failed: %v", err)
	}

	waitFor(t, "error state", func() bool { return c.State() == StateError })
	waitFor(t, "source release", func() bool {
		_, closes := src.counts()
		return closes == 1
	})

	src.mu.Lock()
	reads := src.reads
	src.mu.Unlock()
	if reads != 3 {
		t.Errorf("Expected 3 reads before giving up, got %d", reads)
	}

	select {
	case ev := <-errCh:
		if ev.Source != "camera" {
			t.Errorf("Unexpected event source %s", ev.Source)
		}
	case <-time.After(time.Second):
		t.Error("Expected a camera.error event")
	}

	if err := c.StopMonitoring(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Stop after error should return ErrNotRunning, got %v", err)
	}
}

func TestController_TransientFailuresRecover(t *testing.T) {
	exhausted := make(chan struct{})
	serve := frames(30, exhausted)
	src := &fakeSource{read: func(ctx context.Context, n int) (*video.Frame, error) {
		// Two failures out of every three reads never reach the threshold
		if n <= 30 && n%3 != 0 {
			return nil, ErrTransientRead
		}
		return serve(ctx, n)
	}}
	c := newTestController(t, src, nil, nil)
	ctx := context.Background()

	if err := c.StartMonitoring(ctx); err != nil {
		t.Fatalf("StartMonitoring failed: %v", err)
	}
	waitClosed(t, exhausted)

	if c.State() != StateMonitoring {
		t.Errorf("Expected monitoring, got %s", c.State())
	}
	if err := c.StopMonitoring(ctx); err != nil {
		t.Fatalf("StopMonitoring failed: %v", err)
	}
}

func TestController_BufferHoldsLatestFrame(t *testing.T) {
	const n = 25
	exhausted := make(chan struct{})
	src := &fakeSource{read: frames(n, exhausted)}
	c := newTestController(t, src, nil, nil)
	ctx := context.Background()

	if _, err := c.CurrentFrame(); !errors.Is(err, video.ErrNoFrame) {
		t.Errorf("Expected ErrNoFrame before start, got %v", err)
	}

	if err := c.StartMonitoring(ctx); err != nil {
		t.Fatalf("StartMonitoring failed: %v", err)
	}
	waitClosed(t, exhausted)

	snap, ok := c.Buffer().Snapshot()
	if !ok {
		t.Fatal("Expected a buffered frame")
	}
	if snap.Image.Pix[0] != n {
		t.Errorf("Expected frame %d in the buffer, got %d", n, snap.Image.Pix[0])
	}
	if c.Buffer().Sequence() != n {
		t.Errorf("Expected %d buffer updates, got %d", n, c.Buffer().Sequence())
	}
	if _, err := c.CurrentFrame(); err != nil {
		t.Errorf("CurrentFrame failed: %v", err)
	}

	if err := c.StopMonitoring(ctx); err != nil {
		t.Fatalf("StopMonitoring failed: %v", err)
	}
	if _, err := c.CurrentFrame(); !errors.Is(err, video.ErrNoFrame) {
		t.Errorf("Expected buffer cleared after stop, got %v", err)
	}
}

func TestController_MotionWithinSaveIntervalTriggersOnce(t *testing.T) {
	exhausted := make(chan struct{})
	src := &fakeSource{read: frames(20, exhausted)}
	det := &passDetector{}
	det.motion.Store(true)
	trig := &fakeTrigger{}
	c := newTestController(t, src, det, trig)
	ctx := context.Background()

	if err := c.StartMonitoring(ctx); err != nil {
		t.Fatalf("StartMonitoring failed: %v", err)
	}
	waitClosed(t, exhausted)
	c.StopMonitoring(ctx)

	if got := trig.submits.Load(); got != 1 {
		t.Errorf("Expected exactly 1 pipeline run, got %d", got)
	}
}

func TestController_BusyPipelineDoesNotConsumeSaveWindow(t *testing.T) {
	exhausted := make(chan struct{})
	serve := frames(20, exhausted)
	trig := &fakeTrigger{}
	trig.busy.Store(true)

	src := &fakeSource{read: func(ctx context.Context, n int) (*video.Frame, error) {
		if n == 10 {
			trig.busy.Store(false)
		}
		return serve(ctx, n)
	}}
	det := &passDetector{}
	det.motion.Store(true)
	c := newTestController(t, src, det, trig)
	ctx := context.Background()

	if err := c.StartMonitoring(ctx); err != nil {
		t.Fatalf("StartMonitoring failed: %v", err)
	}
	waitClosed(t, exhausted)
	c.StopMonitoring(ctx)

	if got := trig.submits.Load(); got != 1 {
		t.Errorf("Expected the run after the pipeline became idle, got %d runs", got)
	}
}

func TestController_StopTimeoutForcesRelease(t *testing.T) {
	unblock := make(chan struct{})
	src := &fakeSource{read: func(ctx context.Context, n int) (*video.Frame, error) {
		// Ignores ctx, like a driver stuck in a read
		<-unblock
		return testFrame(1), nil
	}}
	c := NewController(Config{StopTimeout: 50 * time.Millisecond}, src, &passDetector{}, nil, nil, nil, logger.NewNopLogger())
	ctx := context.Background()

	if err := c.StartMonitoring(ctx); err != nil {
		t.Fatalf("StartMonitoring failed: %v", err)
	}

	start := time.Now()
	if err := c.StopMonitoring(ctx); err != nil {
		t.Fatalf("StopMonitoring should not fail on timeout: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Stop took %v", elapsed)
	}
	if c.State() != StateIdle {
		t.Errorf("Expected idle, got %s", c.State())
	}
	if _, closes := src.counts(); closes != 1 {
		t.Errorf("Expected the source to be force-released once, got %d", closes)
	}

	close(unblock)
	time.Sleep(20 * time.Millisecond)
	if _, closes := src.counts(); closes != 1 {
		t.Errorf("Late loop exit released the source again: %d", closes)
	}
}

func TestController_RestartWaitsForAbandonedLoop(t *testing.T) {
	unblock := make(chan struct{})
	var active, peak atomic.Int32
	src := &fakeSource{read: func(ctx context.Context, n int) (*video.Frame, error) {
		if cur := active.Add(1); cur > peak.Load() {
			peak.Store(cur)
		}
		defer active.Add(-1)
		if n == 1 {
			<-unblock
			return testFrame(1), nil
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	c := NewController(Config{StopTimeout: 200 * time.Millisecond}, src, &passDetector{}, nil, nil, nil, logger.NewNopLogger())
	ctx := context.Background()

	if err := c.StartMonitoring(ctx); err != nil {
		t.Fatalf("StartMonitoring failed: %v", err)
	}
	waitFor(t, "first read", func() bool { return active.Load() == 1 })
	if err := c.StopMonitoring(ctx); err != nil {
		t.Fatalf("StopMonitoring failed: %v", err)
	}

	started := make(chan error, 1)
	go func() { started <- c.StartMonitoring(ctx) }()

	time.Sleep(50 * time.Millisecond)
	if opens, _ := src.counts(); opens != 1 {
		t.Fatalf("Source reopened while the old loop was still reading: opens=%d", opens)
	}

	close(unblock)
	select {
	case err := <-started:
		if err != nil {
			t.Fatalf("Restart failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Restart did not finish")
	}
	if opens, _ := src.counts(); opens != 2 {
		t.Errorf("Expected the source to be reopened, opens=%d", opens)
	}
	waitFor(t, "second session read", func() bool { return active.Load() == 1 })
	if p := peak.Load(); p != 1 {
		t.Errorf("Expected a single reader at a time, peak %d", p)
	}
	c.StopMonitoring(ctx)
}

func TestController_PublishesLifecycleEvents(t *testing.T) {
	c := newTestController(t, &fakeSource{}, nil, nil)
	bus := service.NewEventBus(10)
	c.SetEventBus(bus)
	events := bus.SubscribeAll()
	ctx := context.Background()

	if err := c.StartMonitoring(ctx); err != nil {
		t.Fatalf("StartMonitoring failed: %v", err)
	}
	if err := c.StopMonitoring(ctx); err != nil {
		t.Fatalf("StopMonitoring failed: %v", err)
	}

	want := []service.EventType{service.EventTypeCameraStarted, service.EventTypeCameraStopped}
	for _, w := range want {
		select {
		case ev := <-events:
			if ev.Type != w {
				t.Errorf("Expected %s, got %s", w, ev.Type)
			}
		case <-time.After(time.Second):
			t.Fatalf("Missing %s event", w)
		}
	}
}

func TestController_ServiceStartHonoursAutoStart(t *testing.T) {
	src := &fakeSource{openErr: errors.New("unplugged")}
	cfg := testConfig()
	cfg.AutoStart = true
	c := NewController(cfg, src, &passDetector{}, nil, nil, nil, logger.NewNopLogger())

	// An unavailable device does not fail the service
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if c.State() != StateError {
		t.Errorf("Expected error state, got %s", c.State())
	}
	if err := c.Stop(context.Background()); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
}
