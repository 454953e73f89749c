package camera

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/bluenviron/gortsplib/v4/pkg/format/rtpmjpeg"
	"github.com/pion/rtp"

	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/logger"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/video"
)

// RTSPSourceConfig contains RTSP source configuration
type RTSPSourceConfig struct {
	URL         string
	Username    string
	Password    string
	ReadTimeout time.Duration
}

// RTSPSource reads an MJPEG stream from an RTSP camera. Frames arrive on
// the client's goroutine and only the latest one is kept.
type RTSPSource struct {
	cfg    RTSPSourceConfig
	logger *logger.Logger

	mu     sync.Mutex
	client *gortsplib.Client
	box    *mailbox
}

// NewRTSPSource creates an RTSP source
func NewRTSPSource(cfg RTSPSourceConfig, log *logger.Logger) *RTSPSource {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 5 * time.Second
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &RTSPSource{cfg: cfg, logger: log}
}

// Name returns the source name
func (s *RTSPSource) Name() string {
	return "rtsp"
}

// Open connects to the camera and starts playing the MJPEG track
func (s *RTSPSource) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		return fmt.Errorf("rtsp source already open")
	}

	u, err := base.ParseURL(s.cfg.URL)
	if err != nil {
		return fmt.Errorf("failed to parse URL: %w", err)
	}
	if s.cfg.Username != "" && s.cfg.Password != "" && u.User == nil {
		u.User = url.UserPassword(s.cfg.Username, s.cfg.Password)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	// ReadTimeout also bounds the RTSP handshake
	client := &gortsplib.Client{ReadTimeout: s.cfg.ReadTimeout}
	if err := client.Start(u.Scheme, u.Host); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	desc, _, err := client.Describe(u)
	if err != nil {
		client.Close()
		return fmt.Errorf("failed to describe stream: %w", err)
	}

	var mjpegFormat *format.MJPEG
	var mjpegMedia *description.Media
	for _, media := range desc.Medias {
		for _, forma := range media.Formats {
			if f, ok := forma.(*format.MJPEG); ok {
				mjpegFormat = f
				mjpegMedia = media
				break
			}
		}
		if mjpegFormat != nil {
			break
		}
	}
	if mjpegFormat == nil {
		client.Close()
		return fmt.Errorf("MJPEG format not found in stream")
	}

	if _, err := client.Setup(desc.BaseURL, mjpegMedia, 0, 0); err != nil {
		client.Close()
		return fmt.Errorf("failed to setup stream: %w", err)
	}

	decoder := &rtpmjpeg.Decoder{}
	if err := decoder.Init(); err != nil {
		client.Close()
		return fmt.Errorf("failed to init decoder: %w", err)
	}

	box := newMailbox()
	client.OnPacketRTP(mjpegMedia, mjpegFormat, func(pkt *rtp.Packet) {
		image, err := decoder.Decode(pkt)
		if err != nil {
			if !errors.Is(err, rtpmjpeg.ErrMorePacketsNeeded) {
				s.logger.Debug("Failed to decode packet", "error", err)
			}
			return
		}
		box.put(image)
	})

	if _, err := client.Play(nil); err != nil {
		client.Close()
		return fmt.Errorf("failed to play stream: %w", err)
	}

	go func() {
		box.fail(client.Wait())
	}()

	s.client = client
	s.box = box
	s.logger.Info("RTSP stream connected", "host", u.Host)
	return nil
}

// ReadFrame returns the latest frame received since the previous call
func (s *RTSPSource) ReadFrame(ctx context.Context) (*video.Frame, error) {
	s.mu.Lock()
	box := s.box
	s.mu.Unlock()
	return decodeLatest(ctx, box, s.cfg.ReadTimeout)
}

// Close disconnects from the camera
func (s *RTSPSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		s.client.Close()
		s.client = nil
	}
	if s.box != nil {
		s.box.fail(errors.New("source closed"))
		s.box = nil
	}
	return nil
}
