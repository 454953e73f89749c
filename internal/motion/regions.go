package motion

import "image"

// Region is an 8-connected group of foreground pixels
type Region struct {
	Bounds image.Rectangle
	Area   int
}

// findRegions labels the non-zero pixels of mask into 8-connected regions
func findRegions(mask *image.Gray) []Region {
	b := mask.Bounds()
	w, h := b.Dx(), b.Dy()
	visited := make([]bool, w*h)
	var regions []Region
	var stack []image.Point

	at := func(x, y int) uint8 {
		return mask.Pix[mask.PixOffset(b.Min.X+x, b.Min.Y+y)]
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if visited[y*w+x] || at(x, y) == 0 {
				continue
			}

			visited[y*w+x] = true
			stack = append(stack[:0], image.Pt(x, y))
			r := Region{Bounds: image.Rect(x, y, x+1, y+1)}

			for len(stack) > 0 {
				p := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				r.Area++
				r.Bounds = r.Bounds.Union(image.Rect(p.X, p.Y, p.X+1, p.Y+1))

				for dy := -1; dy <= 1; dy++ {
					for dx := -1; dx <= 1; dx++ {
						nx, ny := p.X+dx, p.Y+dy
						if nx < 0 || ny < 0 || nx >= w || ny >= h {
							continue
						}
						if visited[ny*w+nx] || at(nx, ny) == 0 {
							continue
						}
						visited[ny*w+nx] = true
						stack = append(stack, image.Pt(nx, ny))
					}
				}
			}
			regions = append(regions, r)
		}
	}
	return regions
}
