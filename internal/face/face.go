// Package face localizes one face per frame and scores how much of each
// analysis window actually contains a face.
package face

import (
	"context"
	"fmt"
	"image"

	"github.com/andresmejia3/bioverify/internal/config"
	"github.com/andresmejia3/bioverify/internal/logger"
	"github.com/andresmejia3/bioverify/internal/types"
	"go.uber.org/zap"
)

// ReasonWindowInsufficient is emitted once per window whose face fraction is too low.
const ReasonWindowInsufficient = "window_face_insufficient"

// DefaultEvery runs the detector on every third frame.
const DefaultEvery = 3

// Candidate is one raw detection.
type Candidate struct {
	X, Y, W, H int
	Confidence float64
}

// Box converts the candidate to a types.Box.
func (c Candidate) Box() *types.Box {
	return &types.Box{X: c.X, Y: c.Y, W: c.W, H: c.H}
}

// Detector finds face candidates in a frame. Implementations need not be
// safe for concurrent use by themselves.
type Detector interface {
	Detect(img *image.RGBA) ([]Candidate, error)
	Name() string
	Close() error
}

// landmarkFractions place six synthetic points relative to the face box:
// eyes, nose tip, mouth corners, chin.
var landmarkFractions = [6][2]float64{
	{0.3, 0.35}, {0.7, 0.35}, {0.5, 0.5}, {0.35, 0.75}, {0.65, 0.75}, {0.5, 0.9},
}

// Landmarks returns the fixed-fraction landmark points for a box.
func Landmarks(b types.Box) [][2]int {
	pts := make([][2]int, len(landmarkFractions))
	for i, f := range landmarkFractions {
		pts[i] = [2]int{
			int(float64(b.X) + f[0]*float64(b.W)),
			int(float64(b.Y) + f[1]*float64(b.H)),
		}
	}
	return pts
}

// SelectBest picks the candidate that is confident, large and central.
// Detections centred in the outer 15% of the frame are heavily penalised.
func SelectBest(cands []Candidate, frameW, frameH int) (Candidate, bool) {
	if len(cands) == 0 || frameW <= 0 || frameH <= 0 {
		return Candidate{}, false
	}
	fw, fh := float64(frameW), float64(frameH)
	const edge = 0.15

	var best Candidate
	found := false
	bestScore := -1e9
	for _, c := range cands {
		cx := float64(c.X) + float64(c.W)/2
		cy := float64(c.Y) + float64(c.H)/2

		areaFrac := float64(c.W*c.H) / (fw * fh)
		dx := (cx - fw/2) / fw
		dy := (cy - fh/2) / fh

		score := c.Confidence*0.5 + areaFrac*0.3 - (dx*dx+dy*dy)*0.8
		if cx < fw*edge || cx > fw*(1-edge) || cy < fh*edge || cy > fh*(1-edge) {
			score -= 0.5
		}
		if score > bestScore {
			bestScore = score
			best = c
			found = true
		}
	}
	return best, found
}

// WindowSummary reports face presence within one ingest window.
type WindowSummary struct {
	Index        int     `json:"index"`
	StartTime    float64 `json:"start_time"`
	EndTime      float64 `json:"end_time"`
	FaceFraction float64 `json:"face_fraction"`
	Usable       bool    `json:"usable"`
}

// Result is the face stage output. It marshals directly as the stage metrics.
type Result struct {
	Frames         []types.FaceRecord `json:"frames"`
	Windows        []WindowSummary    `json:"windows"`
	Detector       string             `json:"detector"`
	DetectedFrames int                `json:"detected_frames"`
	Reasons        []string           `json:"-"`
}

// Localizer runs a Detector over a clip with frame skipping.
type Localizer struct {
	Detector Detector
	// Every is the detection stride; 0 means DefaultEvery.
	Every  int
	Logger *zap.Logger
}

// Run detects faces on every Every-th frame and reuses the last detection in
// between. A detection frame without a face clears the carried detection.
func (l Localizer) Run(ctx context.Context, batch *types.FrameBatch, windows []types.Window, cfg config.FaceConfig) (Result, error) {
	log := logger.OrNop(l.Logger)
	logger.Params(log, "face", map[string]any{"face": cfg, "num_windows": len(windows)})

	if l.Detector == nil {
		return Result{}, fmt.Errorf("no face detector configured")
	}
	every := l.Every
	if every <= 0 {
		every = DefaultEvery
	}
	log.Info("Face detector selected", zap.String("backend", l.Detector.Name()))

	n := batch.Len()
	res := Result{
		Frames:   make([]types.FaceRecord, 0, n),
		Windows:  []WindowSummary{},
		Detector: l.Detector.Name(),
		Reasons:  []string{},
	}

	var last *types.FaceRecord
	logged := 0
	for idx := 0; idx < n; idx++ {
		if idx%every == 0 {
			if err := ctx.Err(); err != nil {
				return Result{}, err
			}
			frame := batch.Frames[idx]
			cands, err := l.Detector.Detect(frame)
			if err != nil {
				return Result{}, fmt.Errorf("detect frame %d: %w", idx, err)
			}
			w, h := frame.Bounds().Dx(), frame.Bounds().Dy()
			if best, ok := SelectBest(cands, w, h); ok {
				box := best.Box()
				last = &types.FaceRecord{Box: box, Landmarks: Landmarks(*box), TrackingConfidence: best.Confidence}
				res.DetectedFrames++
				if logged < 3 {
					cx, cy := box.Center()
					log.Info("Face selected",
						zap.Int("frame", idx),
						zap.Any("box", box),
						zap.Float64("center_x", cx),
						zap.Float64("center_y", cy),
						zap.Float64("size_pct", float64(box.Area())/float64(w*h)*100),
						zap.Float64("confidence", best.Confidence),
					)
					logged++
				}
			} else {
				last = nil
			}
		} else if last != nil {
			res.DetectedFrames++
		}

		rec := types.FaceRecord{Time: batch.Timestamps[idx], Landmarks: [][2]int{}}
		if last != nil {
			rec.Box = last.Box
			rec.Landmarks = last.Landmarks
			rec.TrackingConfidence = last.TrackingConfidence
		}
		res.Frames = append(res.Frames, rec)
	}

	rate := 0.0
	if n > 0 {
		rate = float64(res.DetectedFrames) / float64(n) * 100
	}
	log.Info("Face detection summary",
		zap.Int("detected_frames", res.DetectedFrames),
		zap.Int("total_frames", n),
		zap.Float64("rate_pct", rate),
	)
	if res.DetectedFrames == 0 && n > 0 {
		log.Warn("No faces detected in any frame")
	}

	for _, w := range windows {
		frac := FaceFraction(res.Frames, w.StartTime, w.EndTime)
		usable := frac >= cfg.MinFaceFraction
		if !usable {
			res.Reasons = append(res.Reasons, ReasonWindowInsufficient)
		}
		res.Windows = append(res.Windows, WindowSummary{
			Index:        w.Index,
			StartTime:    w.StartTime,
			EndTime:      w.EndTime,
			FaceFraction: frac,
			Usable:       usable,
		})
	}
	return res, nil
}

// FaceFraction is the share of records in [start, end] that carry a face.
func FaceFraction(recs []types.FaceRecord, start, end float64) float64 {
	total, withFace := 0, 0
	for _, r := range recs {
		if r.Time < start || r.Time > end {
			continue
		}
		total++
		if r.TrackingConfidence > 0 {
			withFace++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(withFace) / float64(total)
}
