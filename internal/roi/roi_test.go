package roi

import (
	"image"
	"testing"

	"github.com/andresmejia3/bioverify/internal/config"
	"github.com/andresmejia3/bioverify/internal/types"
)

func TestRects(t *testing.T) {
	tests := []struct {
		name string
		box  types.Box
		want map[string]image.Rectangle
	}{
		{
			name: "Box inside frame",
			box:  types.Box{X: 10, Y: 20, W: 40, H: 50},
			want: map[string]image.Rectangle{
				types.Forehead:   image.Rect(10, 20, 50, 35),
				types.LeftCheek:  image.Rect(10, 35, 30, 55),
				types.RightCheek: image.Rect(30, 35, 50, 55),
			},
		},
		{
			name: "Box overflowing the bottom-right is clamped",
			box:  types.Box{X: 80, Y: 80, W: 40, H: 40},
			want: map[string]image.Rectangle{
				types.Forehead:   image.Rect(80, 80, 100, 86),
				types.LeftCheek:  image.Rect(80, 86, 90, 94),
				types.RightCheek: image.Rect(90, 86, 100, 94),
			},
		},
		{
			name: "Degenerate box",
			box:  types.Box{X: 10, Y: 10, W: 0, H: 30},
			want: map[string]image.Rectangle{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Rects(tt.box, 100, 100)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d regions, want %d: %v", len(got), len(tt.want), got)
			}
			for name, r := range tt.want {
				if got[name] != r {
					t.Errorf("%s = %v, want %v", name, got[name], r)
				}
			}
		})
	}
}

func TestExtract(t *testing.T) {
	batch := &types.FrameBatch{
		Frames:     []*image.RGBA{image.NewRGBA(image.Rect(0, 0, 100, 100)), image.NewRGBA(image.Rect(0, 0, 100, 100))},
		Timestamps: []float64{0, 1.0 / 30},
		FPS:        30,
	}
	box := &types.Box{X: 10, Y: 20, W: 40, H: 50}
	faces := []types.FaceRecord{
		{Time: 0, Box: box, TrackingConfidence: 0.9},
		{Time: 1.0 / 30},
	}

	res := Extract(batch, faces, config.ROIConfig{MinRegionCoverage: 0.2}, nil)

	if res.Summary.TotalFrames != 2 || res.Summary.FramesWithAllRegionsValid != 1 {
		t.Errorf("unexpected summary: %+v", res.Summary)
	}
	// 40x15 forehead over a 40x50 box.
	if got := res.Frames[0].Regions[types.Forehead]; got.Coverage != 0.3 || !got.Valid {
		t.Errorf("forehead = %+v, want coverage 0.3 valid", got)
	}
	for _, name := range types.RegionNames {
		if got := res.Frames[1].Regions[name]; got.Coverage != 0 || got.Valid {
			t.Errorf("faceless frame %s = %+v, want zero and invalid", name, got)
		}
		if res.Summary.FramesPerRegion[name] != 1 {
			t.Errorf("frames_per_region[%s] = %d, want 1", name, res.Summary.FramesPerRegion[name])
		}
	}
	if res.Frames[0].Box != box {
		t.Error("the face box must be carried through for pulse extraction")
	}
}

func TestExtractCoverageThreshold(t *testing.T) {
	batch := &types.FrameBatch{Frames: []*image.RGBA{image.NewRGBA(image.Rect(0, 0, 100, 100))}, Timestamps: []float64{0}}
	faces := []types.FaceRecord{{Box: &types.Box{X: 10, Y: 20, W: 40, H: 50}, TrackingConfidence: 1}}

	// Cheeks cover 20x20/2000 = 0.2 each; forehead 0.3.
	res := Extract(batch, faces, config.ROIConfig{MinRegionCoverage: 0.25}, nil)
	regs := res.Frames[0].Regions
	if !regs[types.Forehead].Valid || regs[types.LeftCheek].Valid || regs[types.RightCheek].Valid {
		t.Errorf("unexpected validity: %+v", regs)
	}
	if res.Summary.FramesWithAllRegionsValid != 0 {
		t.Errorf("no frame should have all regions valid")
	}
}
