package video

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/hybridgroup/mjpeg"

	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/logger"
)

// LiveStream republishes the frame buffer as an MJPEG stream
// (multipart/x-mixed-replace). It only pushes when the buffer has changed.
type LiveStream struct {
	buffer   *FrameBuffer
	stream   *mjpeg.Stream
	interval time.Duration
	logger   *logger.Logger
}

// NewLiveStream creates a live stream that polls buffer every interval
func NewLiveStream(buffer *FrameBuffer, interval time.Duration, log *logger.Logger) *LiveStream {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &LiveStream{
		buffer:   buffer,
		stream:   mjpeg.NewStream(),
		interval: interval,
		logger:   log,
	}
}

// Run pushes new frames into the stream until ctx is cancelled
func (s *LiveStream) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var lastSeq uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.buffer.Sequence() == lastSeq {
				continue
			}
			data, seq, err := s.buffer.Current()
			lastSeq = seq
			if err != nil {
				if !errors.Is(err, ErrNoFrame) {
					s.logger.Debug("Failed to encode live frame", "error", err)
				}
				continue
			}
			s.stream.UpdateJPEG(data)
		}
	}
}

// ServeHTTP serves the MJPEG stream
func (s *LiveStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.stream.ServeHTTP(w, r)
}
