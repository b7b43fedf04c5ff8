// Package roi derives the forehead and cheek sub-regions from each frame's
// face box and judges whether each region covers enough of the face.
package roi

import (
	"image"

	"github.com/andresmejia3/bioverify/internal/config"
	"github.com/andresmejia3/bioverify/internal/logger"
	"github.com/andresmejia3/bioverify/internal/types"
	"go.uber.org/zap"
)

// Frame is the per-frame region record.
type Frame struct {
	Time    float64                         `json:"time"`
	Regions map[string]types.RegionCoverage `json:"regions"`
	Box     *types.Box                      `json:"box"`
}

// Summary is the compact form sent to the API and diagnostics.
type Summary struct {
	TotalFrames               int            `json:"total_frames"`
	FramesWithAllRegionsValid int            `json:"frames_with_all_regions_valid"`
	FramesPerRegion           map[string]int `json:"frames_per_region"`
}

// Result is the region stage output.
type Result struct {
	Frames  []Frame `json:"frames"`
	Summary Summary `json:"summary"`
}

// Rects returns the forehead and cheek rectangles for a box inside a w x h
// frame. The box is clamped to the frame first. Regions that end up empty are
// returned as empty rectangles.
func Rects(box types.Box, w, h int) map[string]image.Rectangle {
	out := make(map[string]image.Rectangle, len(types.RegionNames))
	if box.W <= 0 || box.H <= 0 || w <= 0 || h <= 0 {
		return out
	}
	x := min(max(box.X, 0), w-1)
	y := min(max(box.Y, 0), h-1)
	fw := min(box.W, w-x)
	fh := min(box.H, h-y)
	if fw <= 0 || fh <= 0 {
		return out
	}

	cheekTop := int(float64(y) + 0.3*float64(fh))
	cheekBottom := min(h, int(float64(y)+0.7*float64(fh)))
	mid := int(float64(x) + 0.5*float64(fw))

	out[types.Forehead] = rect(x, y, min(w, x+fw), min(h, cheekTop))
	out[types.LeftCheek] = rect(x, cheekTop, min(w, mid), cheekBottom)
	out[types.RightCheek] = rect(mid, cheekTop, min(w, x+fw), cheekBottom)
	return out
}

// rect builds [x0,x1) x [y0,y1), or the empty rectangle when either side is empty.
func rect(x0, y0, x1, y1 int) image.Rectangle {
	if x1 <= x0 || y1 <= y0 {
		return image.Rectangle{}
	}
	return image.Rect(x0, y0, x1, y1)
}

// Extract computes region coverage for every face record. Coverage is
// measured against the detector's box area, not the frame, so the threshold
// does not depend on how far the subject sits from the camera.
func Extract(batch *types.FrameBatch, faces []types.FaceRecord, cfg config.ROIConfig, log *zap.Logger) Result {
	log = logger.OrNop(log)
	logger.Params(log, "roi", map[string]any{"roi": cfg})

	w, h := batch.Size()
	res := Result{
		Frames:  make([]Frame, 0, len(faces)),
		Summary: Summary{FramesPerRegion: map[string]int{}},
	}
	for _, name := range types.RegionNames {
		res.Summary.FramesPerRegion[name] = 0
	}

	withBox := 0
	for idx, rec := range faces {
		f := Frame{Time: rec.Time, Box: rec.Box, Regions: make(map[string]types.RegionCoverage, 3)}
		var rects map[string]image.Rectangle
		area := 0
		if rec.Box != nil {
			withBox++
			rects = Rects(*rec.Box, w, h)
			area = rec.Box.Area()
		}
		if idx < 3 {
			if rec.Box != nil {
				log.Info("ROI frame", zap.Int("frame", idx), zap.Any("box", rec.Box), zap.Int("width", w), zap.Int("height", h))
			} else {
				log.Warn("ROI frame has no face box", zap.Int("frame", idx))
			}
		}

		allValid := true
		for _, name := range types.RegionNames {
			r, ok := rects[name]
			cov := 0.0
			if ok && area > 1 {
				cov = float64(r.Dx()*r.Dy()) / float64(area)
			}
			valid := ok && cov >= cfg.MinRegionCoverage
			f.Regions[name] = types.RegionCoverage{Coverage: cov, Valid: valid}
			if valid {
				res.Summary.FramesPerRegion[name]++
			} else {
				allValid = false
			}
		}
		if allValid {
			res.Summary.FramesWithAllRegionsValid++
		}
		res.Frames = append(res.Frames, f)
	}
	res.Summary.TotalFrames = len(res.Frames)

	log.Info("ROI extraction",
		zap.Int("frames_with_box", withBox),
		zap.Int("frames_without_box", len(faces)-withBox),
		zap.Int("frames_all_valid", res.Summary.FramesWithAllRegionsValid),
	)
	return res
}
