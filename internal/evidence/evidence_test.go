package evidence

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/andresmejia3/bioverify/internal/config"
	"github.com/andresmejia3/bioverify/internal/face"
	"github.com/andresmejia3/bioverify/internal/pipeline"
	"github.com/andresmejia3/bioverify/internal/roi"
	"github.com/andresmejia3/bioverify/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedFace struct{}

func (fixedFace) Detect(img *image.RGBA) ([]face.Candidate, error) {
	return []face.Candidate{{X: 20, Y: 20, W: 60, H: 60, Confidence: 0.95}}, nil
}
func (fixedFace) Name() string { return "fake" }
func (fixedFace) Close() error { return nil }

func pulseClip(n int) *types.FrameBatch {
	batch := &types.FrameBatch{FPS: 30}
	for i := 0; i < n; i++ {
		ts := float64(i) / 30
		g := uint8(math.Round(100 + 4*math.Sin(2*math.Pi*1.2*ts)))
		img := image.NewRGBA(image.Rect(0, 0, 100, 100))
		for p := 0; p < len(img.Pix); p += 4 {
			img.Pix[p], img.Pix[p+1], img.Pix[p+2], img.Pix[p+3] = 150, g, 80, 255
		}
		batch.Frames = append(batch.Frames, img)
		batch.Timestamps = append(batch.Timestamps, ts)
	}
	return batch
}

func readIndex(t *testing.T, dir string) Index {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, "index.json"))
	require.NoError(t, err)
	var idx Index
	require.NoError(t, json.Unmarshal(data, &idx))
	return idx
}

func TestWriteAllArtifacts(t *testing.T) {
	cfg := config.Default()
	batch := pulseClip(300)
	res := pipeline.Analyzer{Detector: fixedFace{}}.AnalyzeBatch(context.Background(), batch, cfg)
	require.Nil(t, res.Error)

	dir := t.TempDir()
	artifacts, err := Write(dir, res, batch, cfg, nil)
	require.NoError(t, err)

	assert.Equal(t, "summary.json", artifacts[KeySummary])
	assert.Equal(t, "index.json", artifacts[KeyIndex])
	assert.Equal(t, []string{
		"plots/rppg_trace_forehead.png",
		"plots/rppg_trace_left_cheek.png",
		"plots/rppg_trace_right_cheek.png",
	}, artifacts[KeyTraces])
	assert.Len(t, artifacts[KeySpectra], 3)
	assert.Equal(t, []string{
		"roi_masks/roi_frame_1.jpg",
		"roi_masks/roi_frame_2.jpg",
		"roi_masks/roi_frame_3.jpg",
	}, artifacts[KeyROIMasks])

	for _, key := range []string{KeyTraces, KeySpectra, KeyROIMasks} {
		for _, rel := range artifacts[key].([]string) {
			info, err := os.Stat(filepath.Join(dir, rel))
			require.NoError(t, err, rel)
			assert.Positive(t, info.Size(), rel)
		}
	}

	idx := readIndex(t, dir)
	assert.Equal(t, cfg.ConfigVersion, idx.ConfigVersion)
	assert.NotContains(t, idx.Artifacts, KeyIndex)
	assert.Contains(t, idx.Artifacts, KeyROIMasks)

	var summary map[string]any
	data, err := os.ReadFile(filepath.Join(dir, "summary.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &summary))
	assert.Equal(t, string(res.Verdict), summary["verdict"])
	assert.Contains(t, summary["metrics"], "rppg")
}

func TestWriteFeatureToggles(t *testing.T) {
	batch := pulseClip(120)
	tests := []struct {
		name      string
		plots     bool
		masks     bool
		batch     *types.FrameBatch
		wantPlots bool
		wantMasks bool
	}{
		{"Everything off", false, false, batch, false, false},
		{"Plots only", true, false, batch, true, false},
		{"Masks only", false, true, batch, false, true},
		{"Masks without frames", false, true, nil, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Ingest.MinDurationSeconds = 1
			cfg.Evidence.EnablePlots = tt.plots
			cfg.Evidence.EnableROIMasks = tt.masks
			res := pipeline.Analyzer{Detector: fixedFace{}}.AnalyzeBatch(context.Background(), batch, cfg)

			artifacts, err := Write(t.TempDir(), res, tt.batch, cfg, nil)
			require.NoError(t, err)
			_, hasPlots := artifacts[KeyTraces]
			_, hasMasks := artifacts[KeyROIMasks]
			assert.Equal(t, tt.wantPlots, hasPlots)
			assert.Equal(t, tt.wantMasks, hasMasks)
		})
	}
}

func TestWriteFailedAnalysis(t *testing.T) {
	cfg := config.Default()
	res := pipeline.Failure(errors.New("decoder crashed"), cfg)

	dir := t.TempDir()
	artifacts, err := Write(dir, res, pulseClip(10), cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{KeySummary: "summary.json", KeyIndex: "index.json"}, artifacts)
	assert.Empty(t, readIndex(t, dir).Artifacts[KeyTraces])
}

func TestSampleIndices(t *testing.T) {
	tests := []struct {
		n    int
		want []int
	}{
		{0, nil},
		{1, []int{0}},
		{2, []int{0, 1}},
		{3, []int{0, 1, 2}},
		{300, []int{0, 150, 299}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, sampleIndices(tt.n), "n=%d", tt.n)
	}
}

func TestAnnotate(t *testing.T) {
	frame := image.NewRGBA(image.Rect(0, 0, 200, 200))
	rec := roi.Frame{
		Time: 1.5,
		Box:  &types.Box{X: 100, Y: 100, W: 80, H: 80},
		Regions: map[string]types.RegionCoverage{
			types.Forehead:   {Coverage: 0.3, Valid: true},
			types.LeftCheek:  {Coverage: 0.2, Valid: false},
			types.RightCheek: {Coverage: 0.2, Valid: false},
		},
	}
	img := annotate(frame, rec, 1)

	// Left edge of the box, below the cheeks: face box only.
	edge := img.RGBAAt(100, 170)
	assert.Greater(t, edge.G, uint8(150))
	assert.Less(t, edge.R, uint8(100))

	// Bottom edge of the left cheek (y = 100 + 0.7*80 = 156) is invalid, so red.
	cheek := img.RGBAAt(120, 156)
	assert.Greater(t, cheek.R, uint8(150))
	assert.Less(t, cheek.G, uint8(120))

	// The source frame is left untouched.
	assert.Equal(t, color.RGBA{}, frame.RGBAAt(100, 170))
}

func TestDownscale(t *testing.T) {
	wide := image.NewRGBA(image.Rect(0, 0, 2560, 100))
	got := downscale(wide, maxOverlayWidth)
	assert.Equal(t, image.Rect(0, 0, 1280, 50), got.Bounds())

	small := image.NewRGBA(image.Rect(0, 0, 640, 480))
	assert.Same(t, small, downscale(small, maxOverlayWidth))
}
