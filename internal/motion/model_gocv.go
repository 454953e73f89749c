//go:build gocv

package motion

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

// GocvModel wraps the OpenCV MOG2 background subtractor
type GocvModel struct {
	mog2 gocv.BackgroundSubtractorMOG2
}

func newGocvModel(cfg ModelConfig) (BackgroundModel, error) {
	history := cfg.History
	if history <= 0 {
		history = 500
	}
	threshold := cfg.VarThreshold
	if threshold <= 0 {
		threshold = 50
	}
	return &GocvModel{
		mog2: gocv.NewBackgroundSubtractorMOG2WithParams(history, threshold, cfg.DetectShadows),
	}, nil
}

// Apply runs MOG2 over gray. An empty mask is returned if OpenCV rejects
// the frame.
func (m *GocvModel) Apply(gray *image.Gray) *image.Gray {
	b := gray.Bounds()
	empty := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))

	src, err := gocv.ImageGrayToMatGray(gray)
	if err != nil {
		return empty
	}
	defer src.Close()

	fg := gocv.NewMat()
	defer fg.Close()
	m.mog2.Apply(src, &fg)

	img, err := fg.ToImage()
	if err != nil {
		return empty
	}
	if g, ok := img.(*image.Gray); ok {
		return g
	}
	return empty
}

// Close releases the OpenCV subtractor
func (m *GocvModel) Close() error {
	if err := m.mog2.Close(); err != nil {
		return fmt.Errorf("failed to close mog2: %w", err)
	}
	return nil
}
