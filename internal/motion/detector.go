// Package motion finds moving regions in camera frames by background
// subtraction and draws them onto a working copy of the frame.
package motion

import (
	"image"
	"io"
	"sync"

	"github.com/disintegration/gift"

	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/video"
)

// Config configures a Detector
type Config struct {
	Width         int // working resolution
	Height        int
	MinArea       int // regions must be strictly larger than this, in pixels
	MaskThreshold int // mask values above this count as foreground
}

// Result is the outcome of one Detect call
type Result struct {
	Motion bool
	Boxes  []image.Rectangle
	// Working is the resized frame without annotations
	Working *video.Frame
	// Annotated is Working with motion boxes and the caption drawn on it
	Annotated *video.Frame
}

// Detector runs frames through a background model. Calls are serialised
// because the model carries state between frames.
type Detector struct {
	cfg   Config
	model BackgroundModel

	resize *gift.GIFT
	gray   *gift.GIFT
	morph  *gift.GIFT

	mu sync.Mutex
}

// NewDetector creates a detector using model for background subtraction
func NewDetector(cfg Config, model BackgroundModel) *Detector {
	if cfg.Width <= 0 {
		cfg.Width = 500
	}
	if cfg.Height <= 0 {
		cfg.Height = 500
	}
	if cfg.MinArea <= 0 {
		cfg.MinArea = 1500
	}
	if cfg.MaskThreshold <= 0 {
		cfg.MaskThreshold = 250
	}

	return &Detector{
		cfg:    cfg,
		model:  model,
		resize: gift.New(gift.Resize(cfg.Width, cfg.Height, gift.LinearResampling)),
		gray:   gift.New(gift.Grayscale()),
		// Two erosions then two dilations with a 3x3 square kernel
		morph: gift.New(
			gift.Minimum(3, false),
			gift.Minimum(3, false),
			gift.Maximum(3, false),
			gift.Maximum(3, false),
		),
	}
}

// Detect classifies one frame. The input frame is not modified.
func (d *Detector) Detect(frame *video.Frame) Result {
	if frame == nil || frame.Image == nil {
		return Result{}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	working := image.NewRGBA(d.resize.Bounds(frame.Image.Bounds()))
	d.resize.Draw(working, frame.Image)

	gray := image.NewGray(working.Bounds())
	d.gray.Draw(gray, working)

	mask := d.model.Apply(gray)
	binary := threshold(mask, uint8(clampByte(d.cfg.MaskThreshold)))

	cleaned := image.NewGray(d.morph.Bounds(binary.Bounds()))
	d.morph.Draw(cleaned, binary)

	var boxes []image.Rectangle
	for _, region := range findRegions(cleaned) {
		if region.Area > d.cfg.MinArea {
			boxes = append(boxes, region.Bounds)
		}
	}

	result := Result{
		Motion:  len(boxes) > 0,
		Boxes:   boxes,
		Working: &video.Frame{Image: working, Timestamp: frame.Timestamp},
	}
	annotated := result.Working.Clone()
	if result.Motion {
		Annotate(annotated.Image, boxes)
	}
	result.Annotated = annotated
	return result
}

// Close releases the background model if it holds native resources
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.model.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func threshold(mask *image.Gray, level uint8) *image.Gray {
	b := mask.Bounds()
	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		src := mask.Pix[mask.PixOffset(b.Min.X, b.Min.Y+y):]
		dst := out.Pix[y*out.Stride:]
		for x := 0; x < b.Dx(); x++ {
			if src[x] > level {
				dst[x] = MaskForeground
			}
		}
	}
	return out
}

func clampByte(v int) int {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return v
}
