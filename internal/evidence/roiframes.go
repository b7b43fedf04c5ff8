package evidence

import (
	"fmt"
	"image"
	"os"
	"path/filepath"

	"github.com/andresmejia3/bioverify/internal/pipeline"
	"github.com/andresmejia3/bioverify/internal/roi"
	"github.com/andresmejia3/bioverify/internal/types"
	"github.com/fogleman/gg"
	"go.uber.org/zap"
	"golang.org/x/image/draw"
)

const (
	maxOverlayWidth = 1280
	jpegQuality     = 85
)

// writeROIFrames draws the face box and regions onto up to three frames
// (start, middle, end) and saves them as JPEGs.
func writeROIFrames(dir string, m *pipeline.Metrics, batch *types.FrameBatch, log *zap.Logger) ([]string, error) {
	records := m.ROI.Frames
	if len(records) == 0 {
		log.Warn("No ROI frame data available for visualization")
		return nil, nil
	}
	roiDir := filepath.Join(dir, "roi_masks")
	if err := os.MkdirAll(roiDir, 0755); err != nil {
		return nil, err
	}

	var out []string
	for i, idx := range sampleIndices(len(records)) {
		if idx >= batch.Len() {
			continue
		}
		img := annotate(batch.Frames[idx], records[idx], i+1)
		img = downscale(img, maxOverlayWidth)

		rel := fmt.Sprintf("roi_masks/roi_frame_%d.jpg", i+1)
		if err := gg.SaveJPG(filepath.Join(dir, rel), img, jpegQuality); err != nil {
			return out, fmt.Errorf("failed to write %s: %w", rel, err)
		}
		log.Debug("Wrote ROI visualization", zap.String("path", rel), zap.Int("frame", idx))
		out = append(out, rel)
	}
	return out, nil
}

// annotate returns a copy of frame with the face box in emerald, each region
// in emerald (valid) or red (invalid), and a status overlay.
func annotate(frame *image.RGBA, rec roi.Frame, n int) *image.RGBA {
	b := frame.Bounds()
	img := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(img, img.Bounds(), frame, b.Min, draw.Src)
	w, h := b.Dx(), b.Dy()

	dc := gg.NewContextForRGBA(img)
	dc.SetLineWidth(2)

	var status []string
	switch {
	case rec.Box == nil:
		status = append(status, "No face detected")
	case rec.Box.W <= 0 || rec.Box.H <= 0:
		status = append(status, "Invalid face box")
	default:
		box := *rec.Box
		dc.SetRGB255(52, 211, 153)
		dc.DrawRectangle(float64(box.X), float64(box.Y), float64(box.W), float64(box.H))
		dc.Stroke()
		status = append(status, "Face detected")

		rects := roi.Rects(box, w, h)
		valid := 0
		for _, name := range types.RegionNames {
			r, ok := rects[name]
			if !ok || r.Empty() {
				continue
			}
			if rec.Regions[name].Valid {
				dc.SetRGB255(52, 211, 153)
				valid++
			} else {
				dc.SetRGB255(239, 68, 68)
			}
			dc.DrawRectangle(float64(r.Min.X), float64(r.Min.Y), float64(r.Dx()), float64(r.Dy()))
			dc.Stroke()
		}
		switch {
		case valid == 0:
			status = append(status, "No valid ROIs")
		case valid < len(types.RegionNames):
			status = append(status, fmt.Sprintf("%d/%d ROIs valid", valid, len(types.RegionNames)))
		default:
			status = append(status, "All ROIs valid")
		}
	}

	dc.SetRGB255(255, 255, 255)
	dc.DrawString(fmt.Sprintf("Frame %d | t=%.2fs", n, rec.Time), 10, 30)
	dc.SetRGB255(200, 200, 200)
	for j, line := range status {
		dc.DrawString(line, 10, float64(30+25+j*25))
	}
	return img
}

// downscale shrinks img proportionally so its width is at most maxWidth.
func downscale(img *image.RGBA, maxWidth int) *image.RGBA {
	b := img.Bounds()
	if b.Dx() <= maxWidth {
		return img
	}
	scale := float64(maxWidth) / float64(b.Dx())
	dst := image.NewRGBA(image.Rect(0, 0, maxWidth, int(float64(b.Dy())*scale)))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}
