package video

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/andresmejia3/bioverify/internal/types"
	"github.com/andresmejia3/bioverify/internal/utils"
	"golang.org/x/image/draw"
)

const (
	// DefaultMaxDim caps the longer frame side; larger frames are scaled down.
	DefaultMaxDim = 480
	// DefaultMaxFrames is ~20s at 30fps. Frames are always read contiguously
	// from the start: sparse sampling destroys pulse timing.
	DefaultMaxFrames = 600
	// FallbackFPS is used when the container reports no usable frame rate.
	FallbackFPS = 30.0
)

// OpenError reports a source that cannot be probed or decoded.
type OpenError struct {
	Path string
	Err  error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("cannot open video: %s: %v", e.Path, e.Err)
}

func (e *OpenError) Unwrap() error { return e.Err }

// Options controls decoding.
type Options struct {
	MaxDim    int
	MaxFrames int
	// OnFrame, if set, is called after each decoded frame (for progress bars).
	OnFrame func(index int)
}

// DefaultOptions returns the reference decode limits.
func DefaultOptions() Options {
	return Options{MaxDim: DefaultMaxDim, MaxFrames: DefaultMaxFrames}
}

// Metadata is what ffprobe tells us about the first video stream.
type Metadata struct {
	Width      int
	Height     int
	FPS        float64
	FrameCount int // 0 when the container does not say
}

// Probe reads stream metadata with ffprobe.
func Probe(ctx context.Context, path string) (Metadata, error) {
	if _, err := os.Stat(path); err != nil {
		return Metadata{}, &OpenError{Path: path, Err: err}
	}
	if _, err := exec.LookPath("ffprobe"); err != nil {
		return Metadata{}, &OpenError{Path: path, Err: fmt.Errorf("ffprobe not found: %w", err)}
	}

	cmd := utils.NewSafeCommand(ctx, "ffprobe", "-v", "error", "-select_streams", "v:0",
		"-show_entries", "stream=width,height,avg_frame_rate,r_frame_rate,nb_frames", "-of", "json", path)
	out, err := cmd.Output()
	if err != nil {
		return Metadata{}, &OpenError{Path: path, Err: fmt.Errorf("ffprobe failed: %w: %s", err, strings.TrimSpace(cmd.Stderr.String()))}
	}
	return parseProbe(out, path)
}

type ffprobeOutput struct {
	Streams []struct {
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		AvgFrameRate string `json:"avg_frame_rate"`
		RFrameRate   string `json:"r_frame_rate"`
		NbFrames     string `json:"nb_frames"`
	} `json:"streams"`
}

func parseProbe(out []byte, path string) (Metadata, error) {
	var res ffprobeOutput
	if err := json.Unmarshal(out, &res); err != nil {
		return Metadata{}, &OpenError{Path: path, Err: fmt.Errorf("ffprobe JSON parse error: %w", err)}
	}
	if len(res.Streams) == 0 {
		return Metadata{}, &OpenError{Path: path, Err: errors.New("no video stream")}
	}
	s := res.Streams[0]
	if s.Width <= 0 || s.Height <= 0 {
		return Metadata{}, &OpenError{Path: path, Err: fmt.Errorf("invalid frame size %dx%d", s.Width, s.Height)}
	}

	fps := parseRate(s.AvgFrameRate)
	if fps <= 0 {
		fps = parseRate(s.RFrameRate)
	}
	if fps <= 0 {
		fps = FallbackFPS
	}
	count, _ := strconv.Atoi(s.NbFrames)
	return Metadata{Width: s.Width, Height: s.Height, FPS: fps, FrameCount: count}, nil
}

// parseRate turns "30000/1001" or "25" into a float. Returns 0 when unparsable.
func parseRate(r string) float64 {
	num, den, ok := strings.Cut(r, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !ok {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}

// Read decodes a clip into a bounded, time-ordered FrameBatch.
// Zero decoded frames is not an error: the batch is simply empty.
func Read(ctx context.Context, path string, opts Options) (*types.FrameBatch, error) {
	meta, err := Probe(ctx, path)
	if err != nil {
		return nil, err
	}

	args := []string{"-hide_banner", "-loglevel", "error", "-noautorotate", "-i", path, "-an", "-sn"}
	if opts.MaxFrames > 0 {
		args = append(args, "-frames:v", strconv.Itoa(opts.MaxFrames))
	}
	args = append(args, "-f", "rawvideo", "-pix_fmt", "rgba", "-")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := utils.NewSafeCommand(runCtx, "ffmpeg", args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &OpenError{Path: path, Err: err}
	}
	if err := cmd.Start(); err != nil {
		return nil, &OpenError{Path: path, Err: fmt.Errorf("failed to start ffmpeg: %w", err)}
	}

	batch, readErr := ReadFrames(stdout, meta, opts)

	// We may stop before ffmpeg finishes; kill it rather than drain the pipe.
	cancel()
	waitErr := cmd.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if readErr != nil {
		return nil, readErr
	}
	if batch.Len() == 0 && waitErr != nil {
		return nil, &OpenError{Path: path, Err: fmt.Errorf("ffmpeg failed: %w: %s", waitErr, strings.TrimSpace(cmd.Stderr.String()))}
	}
	return batch, nil
}

// ReadFrames consumes raw RGBA frames of the probed size from r.
func ReadFrames(r io.Reader, meta Metadata, opts Options) (*types.FrameBatch, error) {
	fps := meta.FPS
	if fps <= 0 {
		fps = FallbackFPS
	}
	dstW, dstH, scaled := targetSize(meta.Width, meta.Height, opts.MaxDim)

	frameSize := meta.Width * meta.Height * 4
	buf := make([]byte, frameSize)
	batch := &types.FrameBatch{FPS: fps}

	for opts.MaxFrames <= 0 || len(batch.Frames) < opts.MaxFrames {
		if _, err := io.ReadFull(r, buf); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return nil, fmt.Errorf("failed to read frame %d: %w", len(batch.Frames), err)
		}

		src := &image.RGBA{
			Pix:    buf,
			Stride: meta.Width * 4,
			Rect:   image.Rect(0, 0, meta.Width, meta.Height),
		}
		var frame *image.RGBA
		if scaled {
			frame = image.NewRGBA(image.Rect(0, 0, dstW, dstH))
			draw.BiLinear.Scale(frame, frame.Bounds(), src, src.Bounds(), draw.Src, nil)
		} else {
			frame = image.NewRGBA(src.Rect)
			copy(frame.Pix, buf)
		}

		idx := len(batch.Frames)
		batch.Frames = append(batch.Frames, frame)
		batch.Timestamps = append(batch.Timestamps, float64(idx)/fps)
		if opts.OnFrame != nil {
			opts.OnFrame(idx)
		}
	}
	return batch, nil
}

// targetSize returns the proportionally scaled size when the longer side exceeds maxDim.
func targetSize(w, h, maxDim int) (int, int, bool) {
	if maxDim <= 0 || w <= 0 || h <= 0 {
		return w, h, false
	}
	longer := max(w, h)
	if longer <= maxDim {
		return w, h, false
	}
	scale := float64(maxDim) / float64(longer)
	return int(float64(w) * scale), int(float64(h) * scale), true
}
