package video

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"time"
)

// DefaultJPEGQuality is used when an encoder is given an out-of-range quality
const DefaultJPEGQuality = 85

// ErrNoFrame is returned when no frame has been captured yet
var ErrNoFrame = errors.New("no frame available")

// Frame is a single decoded video frame. A Frame is owned by whichever stage
// currently holds it; use Clone before handing it to another goroutine that
// may outlive the current holder's use of it.
type Frame struct {
	Image     *image.RGBA
	Timestamp time.Time
}

// NewFrame converts img into an RGBA frame stamped with ts
func NewFrame(img image.Image, ts time.Time) *Frame {
	return &Frame{Image: ToRGBA(img), Timestamp: ts}
}

// Width returns the frame width in pixels
func (f *Frame) Width() int {
	if f == nil || f.Image == nil {
		return 0
	}
	return f.Image.Bounds().Dx()
}

// Height returns the frame height in pixels
func (f *Frame) Height() int {
	if f == nil || f.Image == nil {
		return 0
	}
	return f.Image.Bounds().Dy()
}

// Clone returns a deep copy of the frame
func (f *Frame) Clone() *Frame {
	if f == nil {
		return nil
	}
	out := &Frame{Timestamp: f.Timestamp}
	if f.Image != nil {
		out.Image = &image.RGBA{
			Pix:    append([]uint8(nil), f.Image.Pix...),
			Stride: f.Image.Stride,
			Rect:   f.Image.Rect,
		}
	}
	return out
}

// EncodeJPEG encodes the frame as JPEG
func (f *Frame) EncodeJPEG(quality int) ([]byte, error) {
	if f == nil || f.Image == nil {
		return nil, ErrNoFrame
	}
	return EncodeJPEG(f.Image, quality)
}

// EncodeJPEG encodes img as JPEG at the given quality
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	if quality <= 0 || quality > 100 {
		quality = DefaultJPEGQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeJPEG decodes JPEG data into an RGBA frame stamped with ts
func DecodeJPEG(data []byte, ts time.Time) (*Frame, error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode jpeg: %w", err)
	}
	return NewFrame(img, ts), nil
}

// ToRGBA returns img as *image.RGBA with a zero origin, copying when needed
func ToRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	return rgba
}
