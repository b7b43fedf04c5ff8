package video

import (
	"bytes"
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
)

func TestParseRate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want float64
	}{
		{"Integer", "25", 25},
		{"NTSC fraction", "30000/1001", 29.97002997},
		{"Zero denominator", "0/0", 0},
		{"Garbage", "N/A", 0},
		{"Empty", "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseRate(tt.in); math.Abs(got-tt.want) > 1e-6 {
				t.Errorf("parseRate(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseProbe(t *testing.T) {
	tests := []struct {
		name    string
		json    string
		want    Metadata
		wantErr bool
	}{
		{
			name: "Avg frame rate wins",
			json: `{"streams":[{"width":640,"height":480,"avg_frame_rate":"30/1","r_frame_rate":"60/1","nb_frames":"90"}]}`,
			want: Metadata{Width: 640, Height: 480, FPS: 30, FrameCount: 90},
		},
		{
			name: "Falls back to r_frame_rate",
			json: `{"streams":[{"width":64,"height":64,"avg_frame_rate":"0/0","r_frame_rate":"25/1","nb_frames":"N/A"}]}`,
			want: Metadata{Width: 64, Height: 64, FPS: 25},
		},
		{
			name: "Falls back to 30 fps",
			json: `{"streams":[{"width":64,"height":64,"avg_frame_rate":"0/0","r_frame_rate":"0/0"}]}`,
			want: Metadata{Width: 64, Height: 64, FPS: FallbackFPS},
		},
		{
			name:    "No stream",
			json:    `{"streams":[]}`,
			wantErr: true,
		},
		{
			name:    "Bad size",
			json:    `{"streams":[{"width":0,"height":0}]}`,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseProbe([]byte(tt.json), "clip.mp4")
			if tt.wantErr {
				var openErr *OpenError
				if !errors.As(err, &openErr) {
					t.Fatalf("expected *OpenError, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("parseProbe() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestTargetSize(t *testing.T) {
	tests := []struct {
		name         string
		w, h, maxDim int
		wantW, wantH int
		wantScaled   bool
	}{
		{"Small frame untouched", 320, 240, 480, 320, 240, false},
		{"Landscape 1080p", 1920, 1080, 480, 480, 270, true},
		{"Portrait", 720, 1280, 480, 270, 480, true},
		{"Disabled", 1920, 1080, 0, 1920, 1080, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, h, scaled := targetSize(tt.w, tt.h, tt.maxDim)
			if w != tt.wantW || h != tt.wantH || scaled != tt.wantScaled {
				t.Errorf("targetSize(%d,%d,%d) = %d,%d,%v; want %d,%d,%v",
					tt.w, tt.h, tt.maxDim, w, h, scaled, tt.wantW, tt.wantH, tt.wantScaled)
			}
		})
	}
}

func rawFrames(n, w, h int) []byte {
	buf := make([]byte, 0, n*w*h*4)
	for i := 0; i < n; i++ {
		for p := 0; p < w*h; p++ {
			buf = append(buf, byte(i), 100, 50, 255)
		}
	}
	return buf
}

func TestReadFrames(t *testing.T) {
	meta := Metadata{Width: 8, Height: 4, FPS: 25}
	var seen int
	opts := Options{MaxDim: 480, MaxFrames: 600, OnFrame: func(int) { seen++ }}

	// Five full frames plus a truncated tail that must be ignored.
	data := append(rawFrames(5, 8, 4), 1, 2, 3)
	batch, err := ReadFrames(bytes.NewReader(data), meta, opts)
	if err != nil {
		t.Fatalf("ReadFrames failed: %v", err)
	}
	if batch.Len() != 5 || len(batch.Timestamps) != 5 {
		t.Fatalf("expected 5 frames, got %d frames / %d timestamps", batch.Len(), len(batch.Timestamps))
	}
	if seen != 5 {
		t.Errorf("OnFrame called %d times, want 5", seen)
	}
	for i, ts := range batch.Timestamps {
		if want := float64(i) / 25; math.Abs(ts-want) > 1e-12 {
			t.Errorf("timestamp[%d] = %v, want %v", i, ts, want)
		}
	}
	// Frames must not alias the read buffer.
	if batch.Frames[0].Pix[0] != 0 || batch.Frames[4].Pix[0] != 4 {
		t.Errorf("frames alias the decode buffer: first red=%d last red=%d", batch.Frames[0].Pix[0], batch.Frames[4].Pix[0])
	}
}

func TestReadFramesCapsAndScales(t *testing.T) {
	meta := Metadata{Width: 40, Height: 20, FPS: 30}
	opts := Options{MaxDim: 10, MaxFrames: 3}
	batch, err := ReadFrames(bytes.NewReader(rawFrames(6, 40, 20)), meta, opts)
	if err != nil {
		t.Fatalf("ReadFrames failed: %v", err)
	}
	if batch.Len() != 3 {
		t.Errorf("expected frame cap of 3, got %d", batch.Len())
	}
	if w, h := batch.Size(); w != 10 || h != 5 {
		t.Errorf("expected 10x5 frames, got %dx%d", w, h)
	}
}

func TestReadFramesEmpty(t *testing.T) {
	batch, err := ReadFrames(bytes.NewReader(nil), Metadata{Width: 4, Height: 4}, DefaultOptions())
	if err != nil {
		t.Fatalf("empty stream should not error: %v", err)
	}
	if batch.Len() != 0 || batch.FPS != FallbackFPS {
		t.Errorf("expected empty batch at fallback fps, got %d frames at %v", batch.Len(), batch.FPS)
	}
}

func TestReadMissingFile(t *testing.T) {
	_, err := Read(context.Background(), filepath.Join(t.TempDir(), "missing.mp4"), DefaultOptions())
	var openErr *OpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("expected *OpenError for missing file, got %v", err)
	}
}
