//go:build gocv

package camera

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/config"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/video"
)

// GocvSource captures frames from a local device through OpenCV
type GocvSource struct {
	device string
	index  int

	mu      sync.Mutex
	capture *gocv.VideoCapture
	mat     gocv.Mat
}

func newGocvSource(cfg config.CameraConfig) (Source, error) {
	return &GocvSource{device: cfg.URL, index: cfg.DeviceIndex}, nil
}

// Name returns the source name
func (s *GocvSource) Name() string {
	return "gocv"
}

// Open opens the capture device
func (s *GocvSource) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.capture != nil {
		return fmt.Errorf("gocv source already open")
	}

	var (
		capture *gocv.VideoCapture
		err     error
	)
	if s.device != "" {
		capture, err = gocv.OpenVideoCapture(s.device)
	} else {
		capture, err = gocv.VideoCaptureDevice(s.index)
	}
	if err != nil {
		return fmt.Errorf("failed to open device: %w", err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return fmt.Errorf("device %d did not open", s.index)
	}

	s.capture = capture
	s.mat = gocv.NewMat()
	return nil
}

// ReadFrame reads the next frame. Close waits for an in-progress read.
func (s *GocvSource) ReadFrame(ctx context.Context) (*video.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.capture == nil {
		return nil, fmt.Errorf("%w: source not open", ErrTransientRead)
	}
	if ok := s.capture.Read(&s.mat); !ok || s.mat.Empty() {
		return nil, ErrTransientRead
	}

	img, err := s.mat.ToImage()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransientRead, err)
	}
	return video.NewFrame(img, time.Now()), nil
}

// Close releases the device
func (s *GocvSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.capture == nil {
		return nil
	}
	err := s.capture.Close()
	s.mat.Close()
	s.capture = nil
	return err
}
