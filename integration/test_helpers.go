package integration

import (
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/analysis"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/camera"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/config"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/logger"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/metrics"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/motion"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/notify"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/pipeline"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/service"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/state"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/storage"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/video"
)

const (
	frameSize      = 500
	testRecipient  = "owner@example.com"
	testBucket     = "computer-vision-analysis"
	testPublicURL  = "http://guard.local"
	testSigningKey = "integration-signing-key"
)

// TestEnvironment wires the real camera controller, detector, pipeline and
// storage around a scripted frame source and fake remote collaborators
type TestEnvironment struct {
	TempDir    string
	Config     *config.Config
	Logger     *logger.Logger
	Metrics    *metrics.Metrics
	Images     *state.Manager
	Objects    *storage.ObjectStore
	Source     *scriptedSource
	Analyzer   *fakeAnalyzer
	Notifier   *fakeNotifier
	Runner     *pipeline.Runner
	Controller *camera.Controller
	Services   *service.Manager

	shutdownOnce sync.Once
	shutdownErr  error
}

// SetupTestEnvironment creates a test environment. The services are
// registered but not started.
func SetupTestEnvironment(t *testing.T) *TestEnvironment {
	t.Helper()
	tmpDir := t.TempDir()

	cfg := config.Default()
	cfg.Guard.DataDir = tmpDir
	cfg.Guard.Storage.DBPath = filepath.Join(tmpDir, "images.db")
	cfg.Guard.Storage.ObjectsDir = filepath.Join(tmpDir, "objects")
	cfg.Guard.Storage.Bucket = testBucket
	cfg.Guard.Storage.PublicURL = testPublicURL
	cfg.Guard.Storage.SigningKey = testSigningKey
	cfg.Guard.Pipeline.SaveInterval = time.Hour
	cfg.Guard.Pipeline.NotifyInterval = time.Hour
	cfg.Guard.Pipeline.Recipient = testRecipient

	log := logger.NewNopLogger()
	m := metrics.New()

	images, err := state.NewManager(cfg, log)
	if err != nil {
		t.Fatalf("Failed to create state manager: %v", err)
	}
	t.Cleanup(func() { images.Close() })

	objects, err := storage.NewObjectStore(storage.ObjectStoreConfig{
		Dir:        cfg.Guard.Storage.ObjectsDir,
		Bucket:     cfg.Guard.Storage.Bucket,
		PublicURL:  cfg.Guard.Storage.PublicURL,
		SigningKey: cfg.Guard.Storage.SigningKey,
		Expiry:     time.Hour,
	}, log)
	if err != nil {
		t.Fatalf("Failed to create object store: %v", err)
	}

	analyzer := &fakeAnalyzer{result: &analysis.Result{
		Labels:         []analysis.Label{{Name: "Person", Confidence: 97.5}},
		SecurityAlerts: []analysis.SecurityAlert{{Type: "Person", Confidence: 97.5}},
	}}
	notifier := &fakeNotifier{}

	runner := pipeline.NewRunner(pipeline.Config{
		NotifyInterval: cfg.Guard.Pipeline.NotifyInterval,
		Recipient:      cfg.Guard.Pipeline.Recipient,
		StageTimeout:   5 * time.Second,
		ObjectKey:      storage.NewObjectKey,
	}, images, objects, analyzer, notifier, m, log)

	model, err := motion.NewModel(motion.ModelConfig{Backend: "adaptive"})
	if err != nil {
		t.Fatalf("Failed to create motion model: %v", err)
	}
	detector := motion.NewDetector(motion.Config{Width: frameSize, Height: frameSize}, model)

	source := newScriptedSource()
	controller := camera.NewController(camera.Config{
		LoopInterval:    time.Millisecond,
		RetryInterval:   time.Millisecond,
		MaxReadFailures: 3,
		StopTimeout:     time.Second,
		OpenTimeout:     time.Second,
		SaveInterval:    cfg.Guard.Pipeline.SaveInterval,
	}, source, detector, runner, video.NewFrameBuffer(0), m, log)

	services := service.NewManager(log)
	services.Register(runner)
	services.Register(controller)

	return &TestEnvironment{
		TempDir:    tmpDir,
		Config:     cfg,
		Logger:     log,
		Metrics:    m,
		Images:     images,
		Objects:    objects,
		Source:     source,
		Analyzer:   analyzer,
		Notifier:   notifier,
		Runner:     runner,
		Controller: controller,
		Services:   services,
	}
}

// Start starts the registered services and stops them when the test ends
func (e *TestEnvironment) Start(t *testing.T) {
	t.Helper()
	ctx, cancel := ContextWithTimeout(5 * time.Second)
	defer cancel()
	if err := e.Services.Start(ctx); err != nil {
		t.Fatalf("Failed to start services: %v", err)
	}
	t.Cleanup(func() { e.Shutdown() })
}

// Shutdown stops the services once; later calls return the first result
func (e *TestEnvironment) Shutdown() error {
	e.shutdownOnce.Do(func() {
		ctx, cancel := ContextWithTimeout(10 * time.Second)
		defer cancel()
		e.shutdownErr = e.Services.Shutdown(ctx)
	})
	return e.shutdownErr
}

// OpenUploaded resolves a presigned URL through the object store the way
// the web object route does
func (e *TestEnvironment) OpenUploaded(t *testing.T, rawURL string) []byte {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("Invalid object URL %q: %v", rawURL, err)
	}
	parts := strings.SplitN(strings.TrimPrefix(u.Path, "/objects/"), "/", 2)
	if len(parts) != 2 {
		t.Fatalf("Unexpected object path %q", u.Path)
	}
	q := u.Query()
	f, err := e.Objects.Open(parts[0], parts[1], q.Get("expires"), q.Get("signature"))
	if err != nil {
		t.Fatalf("Failed to open uploaded object: %v", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("Failed to read uploaded object: %v", err)
	}
	return data
}

// WaitForCondition waits for a condition to become true
func WaitForCondition(timeout time.Duration, condition func() bool) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		<-ticker.C
	}
	return condition()
}

// ContextWithTimeout creates a context with timeout for tests
func ContextWithTimeout(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

// scriptedSource serves a still background followed by frames with a
// bright square in the middle, then blocks until the loop is cancelled
type scriptedSource struct {
	mu         sync.Mutex
	background int
	intruder   int
	reads      int
	opens      int
	closes     int
}

func newScriptedSource() *scriptedSource {
	return &scriptedSource{background: 3, intruder: 5}
}

func (s *scriptedSource) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opens++
	s.reads = 0
	return nil
}

func (s *scriptedSource) ReadFrame(ctx context.Context) (*video.Frame, error) {
	s.mu.Lock()
	s.reads++
	n := s.reads
	s.mu.Unlock()

	switch {
	case n <= s.background:
		return sceneFrame(false), nil
	case n <= s.background+s.intruder:
		return sceneFrame(true), nil
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *scriptedSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *scriptedSource) Name() string { return "scripted" }

// exhausted reports whether every scripted frame since the last Open was read
func (s *scriptedSource) exhausted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads > s.background+s.intruder
}

func (s *scriptedSource) counts() (opens, closes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens, s.closes
}

func sceneFrame(intruder bool) *video.Frame {
	img := image.NewRGBA(image.Rect(0, 0, frameSize, frameSize))
	bg := color.RGBA{R: 90, G: 90, B: 90, A: 255}
	fg := color.RGBA{R: 250, G: 250, B: 250, A: 255}
	for y := 0; y < frameSize; y++ {
		for x := 0; x < frameSize; x++ {
			c := bg
			if intruder && x >= 150 && x < 350 && y >= 150 && y < 350 {
				c = fg
			}
			img.SetRGBA(x, y, c)
		}
	}
	return video.NewFrame(img, time.Now())
}

// fakeAnalyzer answers with a fixed result. When gate is set each call
// blocks until the gate is closed.
type fakeAnalyzer struct {
	mu      sync.Mutex
	result  *analysis.Result
	err     error
	urls    []string
	gate    chan struct{}
	entered chan struct{}
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, imageURL string) (*analysis.Result, error) {
	f.mu.Lock()
	f.urls = append(f.urls, imageURL)
	gate, entered := f.gate, f.entered
	f.mu.Unlock()

	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeAnalyzer) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.urls...)
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []notify.Message
	err  error
}

func (f *fakeNotifier) Send(ctx context.Context, msg notify.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeNotifier) messages() []notify.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notify.Message(nil), f.sent...)
}

var errAnalysisDown = errors.New("analysis service unavailable")
