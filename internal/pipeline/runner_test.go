package pipeline

import (
	"context"
	"errors"
	"image"
	"image/color"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/analysis"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/logger"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/motion"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/notify"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/service"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/state"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/video"
)

type fakeStorage struct {
	mu         sync.Mutex
	persistErr error
	appendErrs map[string]error
	nextID     int64
	urls       map[int64]string
	alerts     map[int64][]string
	notified   map[int64]bool
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		appendErrs: make(map[string]error),
		urls:       make(map[int64]string),
		alerts:     make(map[int64][]string),
		notified:   make(map[int64]bool),
	}
}

func (f *fakeStorage) Persist(ctx context.Context, filename string, data []byte, width, height int, ts time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.persistErr != nil {
		return 0, f.persistErr
	}
	f.nextID++
	return f.nextID, nil
}

func (f *fakeStorage) SetUploadURL(ctx context.Context, id int64, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.urls[id] = url
	return nil
}

func (f *fakeStorage) AppendAlert(ctx context.Context, id int64, alertType string, confidence float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.appendErrs[alertType]; err != nil {
		return err
	}
	f.alerts[id] = append(f.alerts[id], alertType)
	return nil
}

func (f *fakeStorage) MarkAlertsNotified(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified[id] = true
	return nil
}

func (f *fakeStorage) alertCount(id int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.alerts[id])
}

type fakeObjects struct {
	mu   sync.Mutex
	err  error
	keys []string
}

func (f *fakeObjects) Upload(ctx context.Context, data []byte, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.keys = append(f.keys, key)
	return "http://objects.local/" + key, nil
}

func (f *fakeObjects) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.keys)
}

type fakeAnalyzer struct {
	result  *analysis.Result
	err     error
	release chan struct{} // when set, Analyze blocks until closed
	entered chan struct{}
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, url string) (*analysis.Result, error) {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	return f.result, f.err
}

type fakeNotifier struct {
	mu   sync.Mutex
	err  error
	sent []notify.Message
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

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func personResult() *analysis.Result {
	labels := []analysis.Label{{Name: "Person", Confidence: 97.25}, {Name: "Tree", Confidence: 88}}
	return &analysis.Result{Labels: labels, SecurityAlerts: analysis.SecurityAlerts(labels)}
}

func testEvent(ts time.Time) motion.Event {
	img := image.NewRGBA(image.Rect(0, 0, 32, 24))
	for i := range img.Pix {
		img.Pix[i] = 200
	}
	img.Set(3, 3, color.RGBA{R: 255, A: 255})
	return motion.Event{
		Timestamp: ts,
		Boxes:     []image.Rectangle{image.Rect(1, 1, 10, 10)},
		Frame:     video.NewFrame(img, ts),
	}
}

func newTestRunner(storage Storage, objects ObjectStore, analyzer Analyzer, notifier Notifier, recipient string) *Runner {
	r := NewRunner(Config{
		NotifyInterval: time.Minute,
		Recipient:      recipient,
		StageTimeout:   time.Second,
	}, storage, objects, analyzer, notifier, nil, logger.NewNopLogger())
	r.Start(context.Background())
	return r
}

// runOnce submits ev and waits for the run to finish
func runOnce(t *testing.T, r *Runner, ev motion.Event) Run {
	t.Helper()
	if !r.Submit(ev) {
		t.Fatal("Submit should accept the run")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Wait(ctx); err != nil {
		t.Fatalf("Run did not finish: %v", err)
	}
	run, ok := r.LastRun()
	if !ok {
		t.Fatal("Expected a finished run")
	}
	return run
}

func TestRunner_SuccessfulRunNotifies(t *testing.T) {
	storage := newFakeStorage()
	objects := &fakeObjects{}
	notifier := &fakeNotifier{}
	r := newTestRunner(storage, objects, &fakeAnalyzer{result: personResult()}, notifier, "ops@example.com")

	ts := time.Date(2026, 7, 8, 9, 10, 11, 0, time.Local)
	run := runOnce(t, r, testEvent(ts))

	if run.Stage != StageNotified || run.Reason != ReasonNone {
		t.Fatalf("Expected notified run, got %s/%s (%s)", run.Stage, run.Reason, run.Error)
	}
	if run.Filename != "motion_20260708_091011.jpg" {
		t.Errorf("Unexpected filename %s", run.Filename)
	}
	if run.URL != "http://objects.local/motion_20260708_091011.jpg" {
		t.Errorf("Unexpected URL %s", run.URL)
	}
	if storage.urls[run.ImageID] != run.URL {
		t.Errorf("Upload URL should be recorded on the image")
	}
	if len(run.Alerts) != 1 || run.Alerts[0].Type != "Person detected" {
		t.Errorf("Unexpected alerts %+v", run.Alerts)
	}
	if !run.Notified || !storage.notified[run.ImageID] {
		t.Error("Run and alerts should be flagged notified")
	}

	if notifier.count() != 1 {
		t.Fatalf("Expected 1 notification, got %d", notifier.count())
	}
	msg := notifier.sent[0]
	if msg.To != "ops@example.com" || msg.Subject != AlertSubject {
		t.Errorf("Unexpected message header %q %q", msg.To, msg.Subject)
	}
	if !strings.Contains(msg.Body, "- Person detected (Confidence: 97.25%)") {
		t.Errorf("Body should list the alert:\n%s", msg.Body)
	}
	if len(msg.Attachment) < 4 || msg.Attachment[0] != 0xFF || msg.Attachment[1] != 0xD8 {
		t.Error("Attachment should be the JPEG snapshot")
	}
	if msg.AttachmentName != run.Filename {
		t.Errorf("Unexpected attachment name %s", msg.AttachmentName)
	}
}

func TestRunner_UploadFailureKeepsRecordWithoutURL(t *testing.T) {
	mgr := state.NewTestManager(t)
	notifier := &fakeNotifier{}
	r := newTestRunner(mgr, &fakeObjects{err: errors.New("bucket unreachable")},
		&fakeAnalyzer{result: personResult()}, notifier, "ops@example.com")

	run := runOnce(t, r, testEvent(time.Now()))

	if run.Stage != StageFailed || run.Reason != ReasonUpload {
		t.Fatalf("Expected upload failure, got %s/%s", run.Stage, run.Reason)
	}
	if run.ImageID == 0 {
		t.Fatal("Image should have been persisted")
	}

	img, alerts, err := mgr.GetImageWithAlerts(context.Background(), run.ImageID)
	if err != nil {
		t.Fatalf("Persisted image missing: %v", err)
	}
	if img.UploadURL != "" {
		t.Errorf("Image should have no URL, got %s", img.UploadURL)
	}
	if len(alerts) != 0 {
		t.Errorf("Expected zero alerts, got %d", len(alerts))
	}
	if notifier.count() != 0 {
		t.Error("No notification should be sent")
	}
}

func TestRunner_PersistFailureStopsRun(t *testing.T) {
	storage := newFakeStorage()
	storage.persistErr = errors.New("disk I/O error")
	objects := &fakeObjects{}
	r := newTestRunner(storage, objects, &fakeAnalyzer{result: personResult()}, &fakeNotifier{}, "ops@example.com")

	run := runOnce(t, r, testEvent(time.Now()))

	if run.Stage != StageFailed || run.Reason != ReasonPersist {
		t.Fatalf("Expected persist failure, got %s/%s", run.Stage, run.Reason)
	}
	if !strings.Contains(run.Error, "disk I/O error") {
		t.Errorf("Error should be recorded, got %q", run.Error)
	}
	if objects.calls() != 0 {
		t.Error("Upload must not run after a persist failure")
	}
}

func TestRunner_AnalysisFailure(t *testing.T) {
	storage := newFakeStorage()
	notifier := &fakeNotifier{}
	r := newTestRunner(storage, &fakeObjects{}, &fakeAnalyzer{err: errors.New("503")}, notifier, "ops@example.com")

	run := runOnce(t, r, testEvent(time.Now()))

	if run.Stage != StageFailed || run.Reason != ReasonAnalysis {
		t.Fatalf("Expected analysis failure, got %s/%s", run.Stage, run.Reason)
	}
	if storage.alertCount(run.ImageID) != 0 || notifier.count() != 0 {
		t.Error("No alerts or notifications after analysis failure")
	}
	if storage.urls[run.ImageID] == "" {
		t.Error("Upload URL should still be recorded")
	}
}

func TestRunner_NotifyWindowSuppressesSecondNotification(t *testing.T) {
	storage := newFakeStorage()
	notifier := &fakeNotifier{}
	r := newTestRunner(storage, &fakeObjects{}, &fakeAnalyzer{result: personResult()}, notifier, "ops@example.com")

	first := runOnce(t, r, testEvent(time.Now()))
	second := runOnce(t, r, testEvent(time.Now().Add(time.Second)))

	if notifier.count() != 1 {
		t.Fatalf("Expected exactly 1 notification, got %d", notifier.count())
	}
	if !first.Notified || second.Notified {
		t.Errorf("Only the first run should notify: %v %v", first.Notified, second.Notified)
	}
	if second.Stage != StageNotified {
		t.Errorf("Suppressed run should still complete, got %s", second.Stage)
	}
	if storage.alertCount(second.ImageID) != 1 {
		t.Errorf("Second run should still persist its alert, got %d", storage.alertCount(second.ImageID))
	}
}

func TestRunner_NotificationFailureIsBestEffort(t *testing.T) {
	storage := newFakeStorage()
	notifier := &fakeNotifier{err: errors.New("smtp down")}
	r := newTestRunner(storage, &fakeObjects{}, &fakeAnalyzer{result: personResult()}, notifier, "ops@example.com")

	run := runOnce(t, r, testEvent(time.Now()))

	if run.Stage != StageNotified || run.Notified {
		t.Fatalf("Expected completed but unnotified run, got %s notified=%v", run.Stage, run.Notified)
	}
	if storage.alertCount(run.ImageID) != 1 {
		t.Error("Alert should persist regardless of delivery")
	}
	if storage.notified[run.ImageID] {
		t.Error("Alerts must not be flagged notified after a failed send")
	}
	if _, fired := r.NotifyWindow().LastFired(); fired {
		t.Error("A failed send must not consume the notify window")
	}

	notifier.mu.Lock()
	notifier.err = nil
	notifier.mu.Unlock()

	next := runOnce(t, r, testEvent(time.Now()))
	if !next.Notified {
		t.Error("Next run should notify after a failed send")
	}
}

func TestRunner_AppendFailureSkipsAlert(t *testing.T) {
	storage := newFakeStorage()
	storage.appendErrs["Person detected"] = errors.New("constraint failed")
	notifier := &fakeNotifier{}

	labels := []analysis.Label{{Name: "Person", Confidence: 90}, {Name: "Car", Confidence: 80}}
	result := &analysis.Result{Labels: labels, SecurityAlerts: analysis.SecurityAlerts(labels)}
	r := newTestRunner(storage, &fakeObjects{}, &fakeAnalyzer{result: result}, notifier, "ops@example.com")

	run := runOnce(t, r, testEvent(time.Now()))

	if run.Stage != StageNotified {
		t.Fatalf("Append failures must not fail the run, got %s", run.Stage)
	}
	if len(run.Alerts) != 1 || run.Alerts[0].Type != "Vehicle detected" {
		t.Errorf("Expected only the vehicle alert, got %+v", run.Alerts)
	}
	if notifier.count() != 1 {
		t.Errorf("Remaining alert should still be notified, got %d", notifier.count())
	}
}

func TestRunner_NotifiesWhenNoAlertCouldBeStored(t *testing.T) {
	storage := newFakeStorage()
	storage.appendErrs["Person detected"] = errors.New("database is locked")
	notifier := &fakeNotifier{}
	r := newTestRunner(storage, &fakeObjects{}, &fakeAnalyzer{result: personResult()}, notifier, "ops@example.com")

	run := runOnce(t, r, testEvent(time.Now()))

	if run.Stage != StageNotified {
		t.Fatalf("Expected notified run, got %s/%s", run.Stage, run.Reason)
	}
	if len(run.Alerts) != 0 || storage.alertCount(run.ImageID) != 0 {
		t.Errorf("No alert should be recorded, got %+v", run.Alerts)
	}
	if notifier.count() != 1 {
		t.Fatalf("Detected alerts must still be notified, got %d", notifier.count())
	}
	if !run.Notified {
		t.Error("Run should be flagged notified")
	}
	if body := notifier.sent[0].Body; !strings.Contains(body, "- Person detected") {
		t.Errorf("Body should list the detected alert:\n%s", body)
	}
}

func TestRunner_NoRecipientStoresAlertsOnly(t *testing.T) {
	storage := newFakeStorage()
	notifier := &fakeNotifier{}
	r := newTestRunner(storage, &fakeObjects{}, &fakeAnalyzer{result: personResult()}, notifier, "")

	run := runOnce(t, r, testEvent(time.Now()))

	if notifier.count() != 0 {
		t.Error("No notification without a recipient")
	}
	if run.Stage != StageNotified || storage.alertCount(run.ImageID) != 1 {
		t.Errorf("Alert should persist without a recipient")
	}
}

func TestRunner_NoSecurityLabels(t *testing.T) {
	storage := newFakeStorage()
	notifier := &fakeNotifier{}
	result := &analysis.Result{Labels: []analysis.Label{{Name: "Tree", Confidence: 99}}}
	r := newTestRunner(storage, &fakeObjects{}, &fakeAnalyzer{result: result}, notifier, "ops@example.com")

	run := runOnce(t, r, testEvent(time.Now()))

	if run.Stage != StageNotified || len(run.Alerts) != 0 || notifier.count() != 0 {
		t.Errorf("Expected quiet completion, got %s alerts=%d sent=%d", run.Stage, len(run.Alerts), notifier.count())
	}
}

func TestRunner_AlertsDerivedFromLabels(t *testing.T) {
	storage := newFakeStorage()
	result := &analysis.Result{Labels: []analysis.Label{{Name: "gun", Confidence: 75}}}
	r := newTestRunner(storage, &fakeObjects{}, &fakeAnalyzer{result: result}, nil, "ops@example.com")

	run := runOnce(t, r, testEvent(time.Now()))

	if len(run.Alerts) != 1 || run.Alerts[0].Type != "Weapon detected" {
		t.Errorf("Expected weapon alert from labels, got %+v", run.Alerts)
	}
}

func TestRunner_SingleFlight(t *testing.T) {
	analyzer := &fakeAnalyzer{
		result:  personResult(),
		release: make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	r := newTestRunner(newFakeStorage(), &fakeObjects{}, analyzer, nil, "")

	if r.Busy() {
		t.Fatal("Idle runner should not be busy")
	}
	if !r.Submit(testEvent(time.Now())) {
		t.Fatal("First submit should be accepted")
	}
	<-analyzer.entered

	if !r.Busy() {
		t.Error("Runner should be busy during a run")
	}
	if r.Submit(testEvent(time.Now())) {
		t.Error("Second submit should be rejected while a run is in flight")
	}

	close(analyzer.release)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Wait(ctx); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if r.Busy() {
		t.Error("Runner should be idle after the run")
	}
	if len(r.Runs()) != 1 {
		t.Errorf("Expected exactly one run, got %d", len(r.Runs()))
	}
}

func TestRunner_StopWaitsForInFlightRun(t *testing.T) {
	analyzer := &fakeAnalyzer{
		result:  personResult(),
		release: make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	r := newTestRunner(newFakeStorage(), &fakeObjects{}, analyzer, nil, "")

	r.Submit(testEvent(time.Now()))
	<-analyzer.entered

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := r.Stop(short); err == nil {
		t.Error("Stop should time out while a run is blocked")
	}
	if r.Submit(testEvent(time.Now())) {
		t.Error("Stopped runner should reject submits")
	}

	close(analyzer.release)
	ctx, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	if err := r.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	run, ok := r.LastRun()
	if !ok || !run.Stage.Terminal() {
		t.Fatalf("In-flight run should reach a terminal stage, got %+v", run)
	}
}

func TestRunner_PublishesEvents(t *testing.T) {
	bus := service.NewEventBus(10)
	r := newTestRunner(newFakeStorage(), &fakeObjects{}, &fakeAnalyzer{result: personResult()}, &fakeNotifier{}, "ops@example.com")
	r.SetEventBus(bus)

	completed := bus.Subscribe(service.EventTypePipelineCompleted)
	alerts := bus.Subscribe(service.EventTypeAlertRaised)
	notified := bus.Subscribe(service.EventTypeNotificationSent)

	run := runOnce(t, r, testEvent(time.Now()))

	for name, ch := range map[string]<-chan service.Event{"completed": completed, "alert": alerts, "notified": notified} {
		select {
		case ev := <-ch:
			if ev.Data["run_id"] != run.ID {
				t.Errorf("%s event has run_id %v, want %s", name, ev.Data["run_id"], run.ID)
			}
		case <-time.After(time.Second):
			t.Errorf("Missing %s event", name)
		}
	}
}

func TestRunner_PublishesFailure(t *testing.T) {
	bus := service.NewEventBus(10)
	r := newTestRunner(newFakeStorage(), &fakeObjects{err: errors.New("nope")}, &fakeAnalyzer{}, nil, "")
	r.SetEventBus(bus)
	failed := bus.Subscribe(service.EventTypePipelineFailed)

	runOnce(t, r, testEvent(time.Now()))

	select {
	case ev := <-failed:
		if ev.Data["reason"] != string(ReasonUpload) {
			t.Errorf("Unexpected reason %v", ev.Data["reason"])
		}
	case <-time.After(time.Second):
		t.Fatal("Missing pipeline.failed event")
	}
}

func TestRunner_RejectsEventWithoutFrame(t *testing.T) {
	r := newTestRunner(newFakeStorage(), &fakeObjects{}, &fakeAnalyzer{}, nil, "")
	if r.Submit(motion.Event{Timestamp: time.Now()}) {
		t.Error("Event without a frame should be rejected")
	}
}

func TestFormatAlertBody(t *testing.T) {
	body := FormatAlertBody([]analysis.SecurityAlert{
		{Type: "Person detected", Confidence: 99.123},
		{Type: "Face detected", Confidence: 80},
	}, "http://x/y.jpg")

	want := "Security Alert from your camera system!\n\n" +
		"Suspicious activity has been detected:\n\n" +
		"- Person detected (Confidence: 99.12%)\n" +
		"- Face detected (Confidence: 80.00%)\n\n" +
		"The image has been saved to your storage bucket.\n" +
		"Image URL: http://x/y.jpg\n\n" +
		"This is an automated message from your security camera system."
	if body != want {
		t.Errorf("Unexpected body:\n%s", body)
	}
}
