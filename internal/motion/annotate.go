package motion

import (
	"image"
	"image/color"
	"image/draw"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Caption is drawn in the top-left corner of frames with motion
const Caption = "Motion Detected"

var (
	boxColor     = color.RGBA{G: 255, A: 255}
	captionColor = color.RGBA{R: 255, A: 255}
)

const boxThickness = 2

// Annotate draws a rectangle around every box and the caption at (10,20)
func Annotate(img *image.RGBA, boxes []image.Rectangle) {
	for _, box := range boxes {
		drawRect(img, box, boxColor, boxThickness)
	}

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(captionColor),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(10, 20),
	}
	d.DrawString(Caption)
}

func drawRect(img *image.RGBA, r image.Rectangle, c color.RGBA, thickness int) {
	src := image.NewUniform(c)
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+thickness),
		image.Rect(r.Min.X, r.Max.Y-thickness, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+thickness, r.Max.Y),
		image.Rect(r.Max.X-thickness, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(img, e.Intersect(img.Bounds()), src, image.Point{}, draw.Src)
	}
}
