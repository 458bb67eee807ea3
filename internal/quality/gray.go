package quality

import (
	"image"

	"golang.org/x/image/draw"
)

// grayFrame is a single-channel intensity view. Sub-frames share the
// parent's pixel buffer.
type grayFrame struct {
	pix    []uint8
	off    int
	stride int
	w, h   int
}

// toGray renders img onto an 8-bit luma grid anchored at the origin.
func toGray(img image.Image) *grayFrame {
	b := img.Bounds()
	dst, ok := img.(*image.Gray)
	if !ok || b.Min != (image.Point{}) {
		dst = image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	}
	return &grayFrame{
		pix:    dst.Pix,
		stride: dst.Stride,
		w:      b.Dx(),
		h:      b.Dy(),
	}
}

func (g *grayFrame) at(x, y int) int {
	return int(g.pix[g.off+y*g.stride+x])
}

// sub returns the w×h window whose top-left corner is (x, y).
func (g *grayFrame) sub(x, y, w, h int) *grayFrame {
	return &grayFrame{
		pix:    g.pix,
		off:    g.off + y*g.stride + x,
		stride: g.stride,
		w:      w,
		h:      h,
	}
}

func (g *grayFrame) mean() float64 {
	if g.w == 0 || g.h == 0 {
		return 0
	}
	var sum uint64
	for y := 0; y < g.h; y++ {
		row := g.pix[g.off+y*g.stride : g.off+y*g.stride+g.w]
		for _, p := range row {
			sum += uint64(p)
		}
	}
	return float64(sum) / float64(g.w*g.h)
}

// laplacianVariance returns the population variance of the 4-neighbour
// Laplacian response. Borders are mirrored without repeating the edge
// pixel. An empty frame has zero variance.
func (g *grayFrame) laplacianVariance() float64 {
	if g.w == 0 || g.h == 0 {
		return 0
	}
	var sum, sumSq float64
	for y := 0; y < g.h; y++ {
		up, down := reflect101(y-1, g.h), reflect101(y+1, g.h)
		for x := 0; x < g.w; x++ {
			left, right := reflect101(x-1, g.w), reflect101(x+1, g.w)
			lap := g.at(left, y) + g.at(right, y) + g.at(x, up) + g.at(x, down) - 4*g.at(x, y)
			v := float64(lap)
			sum += v
			sumSq += v * v
		}
	}
	n := float64(g.w * g.h)
	mean := sum / n
	variance := sumSq/n - mean*mean
	if variance < 0 {
		return 0
	}
	return variance
}

// reflect101 maps an out-of-range index back into [0, n) by mirroring
// around the edge pixel (…2 1 | 0 1 2 … n-2 n-1 | n-2 …).
func reflect101(i, n int) int {
	if n == 1 {
		return 0
	}
	for i < 0 || i >= n {
		if i < 0 {
			i = -i
		} else {
			i = 2*n - 2 - i
		}
	}
	return i
}

// clampIndex maps an out-of-range index to the nearest edge pixel
// (…0 0 | 0 1 2 … n-1 | n-1 n-1 …).
func clampIndex(i, n int) int {
	switch {
	case i < 0:
		return 0
	case i >= n:
		return n - 1
	}
	return i
}
