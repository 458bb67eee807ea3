package quality

// Edge classification for the hysteresis pass.
const (
	edgeNone uint8 = iota
	edgeWeak
	edgeStrong
)

// tan(22.5°) in 15-bit fixed point, as used for gradient direction bins.
const tan22Fixed = 13573

// canny runs a Canny edge detector over g and returns the number of edge
// pixels. Gradients come from a 3×3 Sobel operator with L1 magnitude and
// replicated borders; there is no pre-smoothing. Pixels above high seed
// edges, pixels above low extend them through 8-connected neighbours.
//
// Gradients are kept for three rows at a time, so the edge map is the only
// full-frame buffer.
func canny(g *grayFrame, low, high int) int {
	w, h := g.w, g.h
	if w == 0 || h == 0 {
		return 0
	}

	// Row y lives in slot y%3.
	var (
		gx  [3][]int16
		gy  [3][]int16
		mag [3][]int32
	)
	for i := range mag {
		gx[i] = make([]int16, w)
		gy[i] = make([]int16, w)
		mag[i] = make([]int32, w)
	}

	sobelRow := func(y int) {
		r := y % 3
		ym, yp := clampIndex(y-1, h), clampIndex(y+1, h)
		for x := 0; x < w; x++ {
			xm, xp := clampIndex(x-1, w), clampIndex(x+1, w)

			dx := (g.at(xp, ym) - g.at(xm, ym)) +
				2*(g.at(xp, y)-g.at(xm, y)) +
				(g.at(xp, yp) - g.at(xm, yp))
			dy := (g.at(xm, yp) - g.at(xm, ym)) +
				2*(g.at(x, yp)-g.at(x, ym)) +
				(g.at(xp, yp) - g.at(xp, ym))

			gx[r][x], gy[r][x] = int16(dx), int16(dy)
			mag[r][x] = abs32(int32(dx)) + abs32(int32(dy))
		}
	}

	// magAt is only asked for rows y-1..y+1 around the row being thinned.
	magAt := func(x, y int) int32 {
		if x < 0 || y < 0 || x >= w || y >= h {
			return 0
		}
		return mag[y%3][x]
	}

	edges := make([]uint8, w*h)

	sobelRow(0)
	for y := 0; y < h; y++ {
		if y+1 < h {
			sobelRow(y + 1)
		}
		r := y % 3
		for x := 0; x < w; x++ {
			m := mag[r][x]
			if m <= int32(low) {
				continue
			}
			gxv, gyv := int32(gx[r][x]), int32(gy[r][x])

			ax, ay := int64(abs32(gxv)), int64(abs32(gyv))
			tg22 := ax * tan22Fixed
			tg67 := tg22 + (ax << 16)
			ay <<= 15

			var a, b int32
			switch {
			case ay < tg22:
				a, b = magAt(x-1, y), magAt(x+1, y)
			case ay > tg67:
				a, b = magAt(x, y-1), magAt(x, y+1)
			case (gxv < 0) != (gyv < 0):
				a, b = magAt(x+1, y-1), magAt(x-1, y+1)
			default:
				a, b = magAt(x-1, y-1), magAt(x+1, y+1)
			}
			if !(m > a && m >= b) {
				continue
			}

			if m > int32(high) {
				edges[y*w+x] = edgeStrong
			} else {
				edges[y*w+x] = edgeWeak
			}
		}
	}

	// Seeds are expanded one at a time so the stack only ever holds the
	// weak pixels of the component being traced.
	stack := make([]int, 0, 1024)
	for seed, e := range edges {
		if e != edgeStrong {
			continue
		}
		stack = append(stack[:0], seed)
		for len(stack) > 0 {
			i := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			x, y := i%w, i/w
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					nx, ny := x+dx, y+dy
					if nx < 0 || ny < 0 || nx >= w || ny >= h {
						continue
					}
					j := ny*w + nx
					if edges[j] == edgeWeak {
						edges[j] = edgeStrong
						stack = append(stack, j)
					}
				}
			}
		}
	}

	count := 0
	for _, e := range edges {
		if e == edgeStrong {
			count++
		}
	}
	return count
}

func abs32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}
