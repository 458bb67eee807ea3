package quality

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"  // register GIF decoder
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder
	"math"
	"time"

	"github.com/rs/zerolog/log"
	_ "golang.org/x/image/bmp"  // register BMP decoder
	_ "golang.org/x/image/tiff" // register TIFF decoder
	_ "golang.org/x/image/webp" // register WebP decoder
)

// Analyzer scores uploaded images against a fixed set of Thresholds.
// It holds no mutable state and is safe for concurrent use.
type Analyzer struct {
	t Thresholds
}

// NewAnalyzer creates an Analyzer with the given thresholds.
func NewAnalyzer(t Thresholds) *Analyzer {
	return &Analyzer{t: t}
}

// Thresholds returns the configuration the analyzer runs with.
func (a *Analyzer) Thresholds() Thresholds {
	return a.t
}

// Analyze decodes data and returns its quality verdict. It never fails:
// an undecodable payload yields a NoDocument verdict with empty scores.
func (a *Analyzer) Analyze(data []byte) Verdict {
	start := time.Now()

	img, format, err := a.decode(data)
	if err != nil {
		log.Debug().Err(err).Int("bytes", len(data)).Msg("Image could not be decoded")
		return Verdict{
			Passed:  false,
			Reasons: []ReasonCode{NoDocument},
			Scores:  map[string]any{},
		}
	}

	v := a.analyzeImage(img)

	log.Debug().
		Str("format", format).
		Bool("passed", v.Passed).
		Interface("reasons", v.Reasons).
		Interface("scores", v.Scores).
		Dur("elapsed", time.Since(start)).
		Msg("Image quality analysis complete")

	return v
}

// decode validates the header-declared size before decoding pixel data so
// oversized frames fail fast.
func (a *Analyzer) decode(data []byte) (img image.Image, format string, err error) {
	defer func() {
		if r := recover(); r != nil {
			img, format, err = nil, "", fmt.Errorf("decoder panic: %v", r)
		}
	}()

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("decode config: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, format, fmt.Errorf("empty frame %dx%d", cfg.Width, cfg.Height)
	}
	if a.t.MaxPixels > 0 && cfg.Width*cfg.Height > a.t.MaxPixels {
		return nil, format, fmt.Errorf("frame %dx%d exceeds %d pixels", cfg.Width, cfg.Height, a.t.MaxPixels)
	}

	img, format, err = image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, format, fmt.Errorf("decode %s: %w", format, err)
	}
	return img, format, nil
}

// analyzeImage runs every check on a decoded frame. Reasons are appended in
// check order; every score is always recorded.
func (a *Analyzer) analyzeImage(img image.Image) Verdict {
	gray := toGray(img)
	w, h := gray.w, gray.h

	reasons := make([]ReasonCode, 0, 2)
	scores := make(map[string]any, 5)

	scores[ScoreResolution] = fmt.Sprintf("%dx%d", w, h)
	if w < a.t.MinWidth || h < a.t.MinHeight {
		reasons = append(reasons, LowResolution)
	}

	sharpness := gray.laplacianVariance()
	scores[ScoreSharpness] = round(sharpness, 1)
	if sharpness < a.t.BlurVariance {
		reasons = append(reasons, Blurry)
	}

	brightness := gray.mean()
	scores[ScoreBrightness] = round(brightness, 1)
	if brightness < a.t.DarkMean {
		reasons = append(reasons, TooDark)
	} else if brightness > a.t.BrightMean {
		reasons = append(reasons, TooBright)
	}

	edges := canny(gray, a.t.CannyLow, a.t.CannyHigh)
	edgeRatio := float64(edges) / float64(w*h)
	scores[ScoreEdgeRatio] = round(edgeRatio, 4)
	if edgeRatio < a.t.MinEdgeRatio {
		reasons = append(reasons, NoDocument)
	}

	blurry, total := a.blurryBlocks(gray)
	scores[ScoreBlurryRegions] = fmt.Sprintf("%d/%d", blurry, total)
	if float64(blurry) > float64(total)*a.t.MaxBlurryBlockShare && !containsReason(reasons, Blurry) {
		reasons = append(reasons, Blurry)
	}

	return Verdict{
		Passed:  len(reasons) == 0,
		Reasons: reasons,
		Scores:  scores,
	}
}

// blurryBlocks splits the frame into GridSize×GridSize blocks using integer
// division and counts the blocks whose own Laplacian variance falls under
// the per-block threshold. Remainder rows and columns are not sampled.
func (a *Analyzer) blurryBlocks(g *grayFrame) (blurry, total int) {
	n := a.t.GridSize
	if n <= 0 {
		return 0, 0
	}
	bh, bw := g.h/n, g.w/n
	limit := a.t.BlurVariance * a.t.BlockBlurFactor

	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			block := g.sub(j*bw, i*bh, bw, bh)
			if block.laplacianVariance() < limit {
				blurry++
			}
		}
	}
	return blurry, n * n
}

func containsReason(reasons []ReasonCode, r ReasonCode) bool {
	for _, got := range reasons {
		if got == r {
			return true
		}
	}
	return false
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
