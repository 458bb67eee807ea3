// Package quality implements the deterministic image quality gate that
// screens a photographed delivery document before it is accepted as a
// Proof-of-Delivery.
//
// The gate is threshold-based: every check produces a raw score that is
// recorded for diagnostics, and a check that falls outside its threshold
// appends a ReasonCode. No check short-circuits another, so Verdict.Scores
// is always complete for a decodable image.
package quality

// ReasonCode identifies why an image failed the gate. The UI layer maps
// codes to localized driver guidance; this package never produces text.
type ReasonCode string

const (
	LowResolution ReasonCode = "low_resolution"
	Blurry        ReasonCode = "blurry"
	TooDark       ReasonCode = "too_dark"
	TooBright     ReasonCode = "too_bright"
	NoDocument    ReasonCode = "no_document"
)

// Valid reports whether r is one of the closed set of reason codes.
func (r ReasonCode) Valid() bool {
	switch r {
	case LowResolution, Blurry, TooDark, TooBright, NoDocument:
		return true
	}
	return false
}

// Score keys recorded in Verdict.Scores.
const (
	ScoreResolution    = "resolution"
	ScoreSharpness     = "sharpness"
	ScoreBrightness    = "brightness"
	ScoreEdgeRatio     = "edge_ratio"
	ScoreBlurryRegions = "blurry_regions"
)

// Verdict is the result of one analysis pass.
//
// Passed is true iff Reasons is empty. Reasons are in detection order.
// Scores holds all five metrics for a decodable image and is empty when
// the payload could not be decoded.
type Verdict struct {
	Passed  bool           `json:"passed"`
	Reasons []ReasonCode   `json:"reasons"`
	Scores  map[string]any `json:"scores"`
}

// Has reports whether the verdict contains the given reason.
func (v Verdict) Has(r ReasonCode) bool {
	for _, got := range v.Reasons {
		if got == r {
			return true
		}
	}
	return false
}

// Thresholds holds every tunable constant of the gate.
type Thresholds struct {
	MinWidth  int
	MinHeight int

	// BlurVariance is the minimum Laplacian variance of the whole frame.
	BlurVariance float64

	DarkMean   float64
	BrightMean float64

	// MinEdgeRatio is the minimum fraction of edge pixels for the frame to
	// be considered to contain a document.
	MinEdgeRatio float64

	// CannyLow and CannyHigh are the hysteresis thresholds of the edge detector.
	CannyLow  int
	CannyHigh int

	// GridSize is the number of blocks per side for the local blur pass.
	GridSize int

	// BlockBlurFactor scales BlurVariance to get the per-block threshold.
	BlockBlurFactor float64

	// MaxBlurryBlockShare is the share of blocks that may be locally
	// blurry before the frame is flagged.
	MaxBlurryBlockShare float64

	// MaxPixels bounds the decoded frame size; larger frames are treated
	// as undecodable so adversarial headers cannot force huge allocations.
	// Analysis needs at most two bytes per pixel on top of the decoded image.
	MaxPixels int
}

// DefaultThresholds returns the production gate configuration.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinWidth:            640,
		MinHeight:           480,
		BlurVariance:        80.0,
		DarkMean:            40.0,
		BrightMean:          240.0,
		MinEdgeRatio:        0.02,
		CannyLow:            50,
		CannyHigh:           150,
		GridSize:            4,
		BlockBlurFactor:     0.5,
		MaxBlurryBlockShare: 0.6,
		MaxPixels:           24 * 1024 * 1024,
	}
}
