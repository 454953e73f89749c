package motion

import (
	"image"
	"time"

	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/video"
)

// Event is a detected motion occurrence handed from the capture loop to the
// alert pipeline. It is consumed once and not persisted.
type Event struct {
	Timestamp time.Time
	Boxes     []image.Rectangle
	// Frame is the unannotated working frame; the receiver owns it
	Frame *video.Frame
}
