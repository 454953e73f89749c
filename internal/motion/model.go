package motion

import (
	"fmt"
	"image"
	"math"
)

// Mask values produced by a BackgroundModel
const (
	MaskBackground uint8 = 0
	MaskShadow     uint8 = 127
	MaskForeground uint8 = 255
)

// BackgroundModel is an adaptive model of the static scene. Apply feeds one
// grayscale frame into the model and returns its foreground mask. Models keep
// state across calls and are not safe for concurrent use.
type BackgroundModel interface {
	Apply(gray *image.Gray) *image.Gray
}

// ModelConfig configures a background model
type ModelConfig struct {
	Backend       string // adaptive or gocv
	History       int
	VarThreshold  float64
	DetectShadows bool
}

// NewModel creates the background model selected by cfg.Backend
func NewModel(cfg ModelConfig) (BackgroundModel, error) {
	switch cfg.Backend {
	case "", "adaptive":
		return NewAdaptiveModel(cfg.History, cfg.VarThreshold, cfg.DetectShadows), nil
	case "gocv":
		return newGocvModel(cfg)
	default:
		return nil, fmt.Errorf("unknown motion backend: %s", cfg.Backend)
	}
}

const (
	varInit = 15.0
	varMin  = 4.0
	varMax  = 75.0

	// A darker pixel within these brightness ratios of the background is a
	// shadow rather than an object.
	shadowLow  = 0.5
	shadowHigh = 0.95
)

// AdaptiveModel keeps a running Gaussian per pixel. A pixel is foreground
// when its squared distance from the mean exceeds varThreshold times the
// variance. The learning rate is 1/n until n reaches history.
type AdaptiveModel struct {
	history       int
	varThreshold  float64
	detectShadows bool

	width, height int
	mean          []float64
	variance      []float64
	frames        int
}

// NewAdaptiveModel creates a pure Go background model
func NewAdaptiveModel(history int, varThreshold float64, detectShadows bool) *AdaptiveModel {
	if history <= 0 {
		history = 500
	}
	if varThreshold <= 0 {
		varThreshold = 50
	}
	return &AdaptiveModel{
		history:       history,
		varThreshold:  varThreshold,
		detectShadows: detectShadows,
	}
}

// Apply classifies gray against the model and then updates the model with it.
// The first frame (or the first after a size change) initialises the model
// and is reported as all background.
func (m *AdaptiveModel) Apply(gray *image.Gray) *image.Gray {
	b := gray.Bounds()
	w, h := b.Dx(), b.Dy()
	mask := image.NewGray(image.Rect(0, 0, w, h))

	if m.mean == nil || w != m.width || h != m.height {
		m.reset(gray)
		return mask
	}

	m.frames++
	n := m.frames
	if n > m.history {
		n = m.history
	}
	alpha := 1.0 / float64(n)

	for y := 0; y < h; y++ {
		off := gray.PixOffset(b.Min.X, b.Min.Y+y)
		row := gray.Pix[off : off+w]
		for x := 0; x < w; x++ {
			i := y*w + x
			p := float64(row[x])
			mu := m.mean[i]
			v := m.variance[i]
			d := p - mu
			d2 := d * d

			if d2 > m.varThreshold*v {
				mask.Pix[i] = MaskForeground
				if m.detectShadows && mu > 0 {
					if ratio := p / mu; ratio >= shadowLow && ratio <= shadowHigh {
						mask.Pix[i] = MaskShadow
					}
				}
			}

			m.mean[i] = mu + alpha*d
			v += alpha * (d2 - v)
			m.variance[i] = math.Min(math.Max(v, varMin), varMax)
		}
	}
	return mask
}

func (m *AdaptiveModel) reset(gray *image.Gray) {
	b := gray.Bounds()
	m.width, m.height = b.Dx(), b.Dy()
	m.mean = make([]float64, m.width*m.height)
	m.variance = make([]float64, m.width*m.height)
	for y := 0; y < m.height; y++ {
		off := gray.PixOffset(b.Min.X, b.Min.Y+y)
		row := gray.Pix[off : off+m.width]
		for x := 0; x < m.width; x++ {
			m.mean[y*m.width+x] = float64(row[x])
			m.variance[y*m.width+x] = varInit
		}
	}
	m.frames = 1
}
