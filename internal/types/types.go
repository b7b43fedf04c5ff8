package types

import "image"

// Verdict is the final liveness decision.
type Verdict string

const (
	Human        Verdict = "Human"
	Synthetic    Verdict = "Synthetic"
	Inconclusive Verdict = "Inconclusive"
)

// Region names, in the order every stage iterates them.
const (
	Forehead   = "forehead"
	LeftCheek  = "left_cheek"
	RightCheek = "right_cheek"
)

// RegionNames lists the facial sub-regions in canonical order.
var RegionNames = []string{Forehead, LeftCheek, RightCheek}

// FrameBatch is a decoded clip: frames with per-frame timestamps (seconds).
type FrameBatch struct {
	Frames     []*image.RGBA
	Timestamps []float64
	FPS        float64
}

// Len returns the number of frames in the batch.
func (b *FrameBatch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Frames)
}

// Size returns the width and height of the first frame, or zeros.
func (b *FrameBatch) Size() (int, int) {
	if b.Len() == 0 {
		return 0, 0
	}
	r := b.Frames[0].Bounds()
	return r.Dx(), r.Dy()
}

// Resolution is a frame size in pixels.
type Resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Window is one analysis slice of the timeline.
type Window struct {
	Index                 int        `json:"index"`
	StartTime             float64    `json:"start_time"`
	EndTime               float64    `json:"end_time"`
	FPS                   float64    `json:"fps"`
	Resolution            Resolution `json:"resolution"`
	Duration              float64    `json:"duration"`
	DroppedFramesEstimate float64    `json:"dropped_frames_estimate"`
}

// Box is a face bounding box in pixel coordinates.
type Box struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// Area returns w*h.
func (b Box) Area() int {
	return b.W * b.H
}

// Center returns the box center.
func (b Box) Center() (float64, float64) {
	return float64(b.X) + float64(b.W)/2, float64(b.Y) + float64(b.H)/2
}

// Rect converts the box to an image.Rectangle.
func (b Box) Rect() image.Rectangle {
	return image.Rect(b.X, b.Y, b.X+b.W, b.Y+b.H)
}

// FaceRecord is the per-frame face localization output.
// A nil Box means no face; confidence is then 0 and there are no landmarks.
type FaceRecord struct {
	Time               float64  `json:"time"`
	Box                *Box     `json:"box"`
	Landmarks          [][2]int `json:"landmarks"`
	TrackingConfidence float64  `json:"tracking_confidence"`
}

// RegionCoverage is the coverage of one facial sub-region in one frame.
type RegionCoverage struct {
	Coverage float64 `json:"coverage"`
	Valid    bool    `json:"valid"`
}

// ErrorInfo describes why an analysis degraded to internal_error.
type ErrorInfo struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// AnalysisResult is the public output of one analysis.
type AnalysisResult struct {
	Verdict       Verdict        `json:"verdict"`
	Score         float64        `json:"score"`
	Confidence    float64        `json:"confidence"`
	Reasons       []string       `json:"reasons"`
	Metrics       any            `json:"metrics"`
	EvidencePaths map[string]any `json:"evidence_paths"`
	Error         *ErrorInfo     `json:"error"`
	ConfigVersion string         `json:"config_version"`
}
