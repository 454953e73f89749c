package camera

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/logger"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/video"
)

// FFmpegSourceConfig contains FFmpeg source configuration
type FFmpegSourceConfig struct {
	FFmpegPath  string
	Input       string // device path or stream URL
	FrameRate   int
	Quality     int
	ReadTimeout time.Duration
}

// FFmpegSource captures frames by running ffmpeg and splitting its MJPEG
// output into individual JPEG images
type FFmpegSource struct {
	cfg    FFmpegSourceConfig
	ffmpeg *video.FFmpegWrapper
	logger *logger.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	cancel context.CancelFunc
	box    *mailbox
	exited chan struct{}
}

// NewFFmpegSource creates an FFmpeg source. It fails if ffmpeg is not installed.
func NewFFmpegSource(cfg FFmpegSourceConfig, log *logger.Logger) (*FFmpegSource, error) {
	if cfg.Input == "" {
		return nil, fmt.Errorf("ffmpeg source requires an input device or URL")
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 5 * time.Second
	}
	if log == nil {
		log = logger.NewNopLogger()
	}

	ffmpeg, err := video.NewFFmpegWrapper(cfg.FFmpegPath)
	if err != nil {
		return nil, err
	}

	return &FFmpegSource{cfg: cfg, ffmpeg: ffmpeg, logger: log}, nil
}

// Name returns the source name
func (s *FFmpegSource) Name() string {
	return "ffmpeg"
}

// Open starts the ffmpeg process
func (s *FFmpegSource) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd != nil {
		return fmt.Errorf("ffmpeg source already open")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// The process outlives the Open call, so it gets its own context
	procCtx, cancel := context.WithCancel(context.Background())
	cmd := s.ffmpeg.BuildCommand(procCtx, video.MJPEGArgs(s.cfg.Input, s.cfg.FrameRate, s.cfg.Quality))

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	box := newMailbox()
	exited := make(chan struct{})
	go s.readLoop(stdout, box)
	go func() {
		defer close(exited)
		err := cmd.Wait()
		if err == nil {
			err = io.EOF
		}
		box.fail(err)
	}()

	// Wait for the first frame so a missing device fails Open
	data, err := box.take(ctx, s.cfg.ReadTimeout)
	if err != nil {
		cancel()
		<-exited
		return fmt.Errorf("no frames from %s: %w", s.cfg.Input, err)
	}
	box.put(data)

	s.cmd = cmd
	s.cancel = cancel
	s.box = box
	s.exited = exited
	s.logger.Info("FFmpeg capture started", "input", s.cfg.Input)
	return nil
}

func (s *FFmpegSource) readLoop(r io.Reader, box *mailbox) {
	scanner := video.NewJPEGScanner(r, 0)
	for {
		data, err := scanner.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("FFmpeg output ended", "error", err)
			}
			return
		}
		box.put(data)
	}
}

// ReadFrame returns the latest frame produced by ffmpeg
func (s *FFmpegSource) ReadFrame(ctx context.Context) (*video.Frame, error) {
	s.mu.Lock()
	box := s.box
	s.mu.Unlock()
	return decodeLatest(ctx, box, s.cfg.ReadTimeout)
}

// Close stops the ffmpeg process and waits for it to exit
func (s *FFmpegSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd == nil {
		return nil
	}
	s.cancel()
	<-s.exited
	s.box.fail(errors.New("source closed"))

	s.cmd = nil
	s.cancel = nil
	s.box = nil
	s.exited = nil
	return nil
}
