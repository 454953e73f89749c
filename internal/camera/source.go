package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/config"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/logger"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/video"
)

var (
	// ErrAlreadyRunning is returned by StartMonitoring outside Idle and Error
	ErrAlreadyRunning = errors.New("camera is already monitoring")
	// ErrNotRunning is returned by StopMonitoring outside Monitoring
	ErrNotRunning = errors.New("camera is not monitoring")
	// ErrDeviceUnavailable is returned when the frame source cannot be opened
	ErrDeviceUnavailable = errors.New("could not open video device")
	// ErrTransientRead is returned by a source when no frame could be read
	ErrTransientRead = errors.New("failed to grab frame")
)

// Source is a video device that produces frames on demand. A source may be
// opened again after Close.
type Source interface {
	Open(ctx context.Context) error
	// ReadFrame blocks until a frame is available, the source's read timeout
	// expires (ErrTransientRead) or ctx is done
	ReadFrame(ctx context.Context) (*video.Frame, error)
	Close() error
	Name() string
}

// NewSource creates the frame source selected by cfg.Source
func NewSource(cfg config.CameraConfig, log *logger.Logger) (Source, error) {
	switch cfg.Source {
	case "rtsp":
		return NewRTSPSource(RTSPSourceConfig{
			URL:         cfg.URL,
			Username:    cfg.Username,
			Password:    cfg.Password,
			ReadTimeout: cfg.OpenTimeout,
		}, log), nil
	case "", "ffmpeg":
		return NewFFmpegSource(FFmpegSourceConfig{
			Input:       ffmpegInput(cfg),
			ReadTimeout: cfg.OpenTimeout,
		}, log)
	case "gocv":
		return newGocvSource(cfg)
	default:
		return nil, fmt.Errorf("unknown camera source: %s", cfg.Source)
	}
}

func ffmpegInput(cfg config.CameraConfig) string {
	if cfg.URL != "" {
		return cfg.URL
	}
	return cfg.Device
}

// mailbox holds the latest encoded frame from a producer goroutine. Older
// frames are replaced, never queued.
type mailbox struct {
	ch   chan []byte
	done chan struct{}
	once sync.Once
	err  error
}

func newMailbox() *mailbox {
	return &mailbox{
		ch:   make(chan []byte, 1),
		done: make(chan struct{}),
	}
}

func (m *mailbox) put(data []byte) {
	for {
		select {
		case m.ch <- data:
			return
		default:
		}
		select {
		case <-m.ch:
		default:
		}
	}
}

// fail marks the producer as finished; later takes return err
func (m *mailbox) fail(err error) {
	m.once.Do(func() {
		if err == nil {
			err = errors.New("stream closed")
		}
		m.err = err
		close(m.done)
	})
}

func (m *mailbox) take(ctx context.Context, timeout time.Duration) ([]byte, error) {
	select {
	case data := <-m.ch:
		return data, nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case data := <-m.ch:
		return data, nil
	case <-m.done:
		return nil, fmt.Errorf("%w: %v", ErrTransientRead, m.err)
	case <-timer.C:
		return nil, ErrTransientRead
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// decodeLatest takes the next frame from box and decodes it
func decodeLatest(ctx context.Context, box *mailbox, timeout time.Duration) (*video.Frame, error) {
	if box == nil {
		return nil, fmt.Errorf("%w: source not open", ErrTransientRead)
	}
	data, err := box.take(ctx, timeout)
	if err != nil {
		return nil, err
	}
	frame, err := video.DecodeJPEG(data, time.Now())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransientRead, err)
	}
	return frame, nil
}
