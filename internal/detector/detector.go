// Package detector provides the OpenCV-backed face.Detector implementations:
// a ResNet-10 SSD (Caffe) network with a Haar cascade fallback.
package detector

import (
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync"

	"github.com/andresmejia3/bioverify/internal/config"
	"github.com/andresmejia3/bioverify/internal/face"
	"github.com/andresmejia3/bioverify/internal/logger"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

const (
	PrototxtFile   = "deploy.prototxt"
	CaffeModelFile = "res10_300x300_ssd_iter_140000_fp16.caffemodel"
	CascadeFile    = "haarcascade_frontalface_default.xml"

	// haarConfidence is the fixed score given to cascade hits, which carry none.
	haarConfidence = 0.8
	minSide        = 10
)

var cascadeSearchPaths = []string{
	CascadeFile,
	"/usr/local/share/opencv4/haarcascades/" + CascadeFile,
	"/usr/share/opencv4/haarcascades/" + CascadeFile,
	"/usr/share/opencv/haarcascades/" + CascadeFile,
	"/opt/homebrew/share/opencv4/haarcascades/" + CascadeFile,
}

// ErrUnavailable means neither the SSD model nor a Haar cascade could be loaded.
var ErrUnavailable = errors.New("no face detector available")

// Threshold maps detection_sensitivity onto the SSD confidence cut-off.
func Threshold(sensitivity float64) float64 {
	return min(max(0.5*sensitivity, 0.05), 0.95)
}

// New loads the SSD network from the model directory, falling back to the
// Haar cascade. The caller owns the returned detector and must Close it.
func New(cfg config.Config, log *zap.Logger) (face.Detector, error) {
	log = logger.OrNop(log)

	dir := cfg.Detector.ModelDir
	if dir == "" {
		dir = os.Getenv("BIOVERIFY_MODEL_DIR")
	}
	if dir == "" {
		dir = "models"
	}

	ssd, err := NewSSD(filepath.Join(dir, PrototxtFile), filepath.Join(dir, CaffeModelFile), Threshold(cfg.Face.DetectionSensitivity))
	if err == nil {
		log.Info("Face detector loaded", zap.String("backend", ssd.Name()), zap.String("model_dir", dir))
		return ssd, nil
	}
	log.Warn("SSD face model unavailable, falling back to Haar cascade", zap.Error(err))

	haar, herr := NewHaar(cfg.Detector.CascadePath)
	if herr != nil {
		return nil, fmt.Errorf("%w: ssd: %v; haar: %v", ErrUnavailable, err, herr)
	}
	log.Info("Face detector loaded", zap.String("backend", haar.Name()))
	return haar, nil
}

// SSD wraps the OpenCV DNN face detector. Detect is serialised: cv::dnn::Net
// is not safe for concurrent forward passes.
type SSD struct {
	mu        sync.Mutex
	net       gocv.Net
	threshold float32
}

// NewSSD reads the Caffe prototxt and weights.
func NewSSD(prototxt, model string, threshold float64) (*SSD, error) {
	for _, p := range []string{prototxt, model} {
		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("model file not found: %w", err)
		}
	}
	net := gocv.ReadNetFromCaffe(prototxt, model)
	if net.Empty() {
		net.Close()
		return nil, fmt.Errorf("failed to load SSD model from %s", model)
	}
	net.SetPreferableBackend(gocv.NetBackendDefault)
	net.SetPreferableTarget(gocv.NetTargetCPU)
	return &SSD{net: net, threshold: float32(threshold)}, nil
}

func (d *SSD) Name() string { return "ssd_resnet10" }

// Detect returns all boxes above the confidence threshold, clamped to the
// frame and with both sides larger than 10px.
func (d *SSD) Detect(img *image.RGBA) ([]face.Candidate, error) {
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, fmt.Errorf("convert frame: %w", err)
	}
	defer mat.Close()
	w, h := mat.Cols(), mat.Rows()

	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(mat, &resized, image.Pt(300, 300), 0, 0, gocv.InterpolationLinear)

	blob := gocv.BlobFromImage(resized, 1.0, image.Pt(300, 300), gocv.NewScalar(104, 177, 123, 0), false, false)
	defer blob.Close()

	d.mu.Lock()
	d.net.SetInput(blob, "")
	out := d.net.Forward("")
	d.mu.Unlock()
	defer out.Close()

	var cands []face.Candidate
	for i := 0; i+6 < out.Total(); i += 7 {
		conf := out.GetFloatAt(0, i+2)
		if conf < d.threshold {
			continue
		}
		x0 := clamp(int(out.GetFloatAt(0, i+3)*float32(w)), w-1)
		y0 := clamp(int(out.GetFloatAt(0, i+4)*float32(h)), h-1)
		x1 := clamp(int(out.GetFloatAt(0, i+5)*float32(w)), w-1)
		y1 := clamp(int(out.GetFloatAt(0, i+6)*float32(h)), h-1)
		if fw, fh := x1-x0, y1-y0; fw > minSide && fh > minSide {
			cands = append(cands, face.Candidate{X: x0, Y: y0, W: fw, H: fh, Confidence: float64(conf)})
		}
	}
	return cands, nil
}

func (d *SSD) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.net.Close()
}

func clamp(v, hi int) int {
	return max(0, min(v, hi))
}

// Haar is the cascade fallback. Hits get a fixed 0.8 confidence.
type Haar struct {
	mu      sync.Mutex
	cascade gocv.CascadeClassifier
}

// NewHaar loads the frontal-face cascade from path, or from the usual
// OpenCV install locations when path is empty.
func NewHaar(path string) (*Haar, error) {
	cascade := gocv.NewCascadeClassifier()
	candidates := cascadeSearchPaths
	if path != "" {
		candidates = []string{path}
	}
	for _, p := range candidates {
		if cascade.Load(p) {
			return &Haar{cascade: cascade}, nil
		}
	}
	cascade.Close()
	return nil, fmt.Errorf("failed to load %s from %v", CascadeFile, candidates)
}

func (d *Haar) Name() string { return "haar_cascade" }

func (d *Haar) Detect(img *image.RGBA) ([]face.Candidate, error) {
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, fmt.Errorf("convert frame: %w", err)
	}
	defer mat.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(mat, &gray, gocv.ColorBGRToGray)

	d.mu.Lock()
	rects := d.cascade.DetectMultiScaleWithParams(gray, 1.1, 5, 0, image.Pt(30, 30), image.Pt(0, 0))
	d.mu.Unlock()

	cands := make([]face.Candidate, 0, len(rects))
	for _, r := range rects {
		cands = append(cands, face.Candidate{X: r.Min.X, Y: r.Min.Y, W: r.Dx(), H: r.Dy(), Confidence: haarConfidence})
	}
	return cands, nil
}

func (d *Haar) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cascade.Close()
}

// Shared builds one detector lazily and hands the same handle to every
// caller. It is what the long-running worker and API processes use.
type Shared struct {
	cfg  config.Config
	log  *zap.Logger
	once sync.Once
	det  face.Detector
	err  error
}

// NewShared defers loading until the first Detect or Name call.
func NewShared(cfg config.Config, log *zap.Logger) *Shared {
	return &Shared{cfg: cfg, log: log}
}

func (s *Shared) get() (face.Detector, error) {
	s.once.Do(func() {
		s.det, s.err = New(s.cfg, s.log)
	})
	return s.det, s.err
}

func (s *Shared) Detect(img *image.RGBA) ([]face.Candidate, error) {
	d, err := s.get()
	if err != nil {
		return nil, err
	}
	return d.Detect(img)
}

func (s *Shared) Name() string {
	d, err := s.get()
	if err != nil {
		return "unavailable"
	}
	return d.Name()
}

// Close releases the underlying detector if it was ever built.
func (s *Shared) Close() error {
	var d face.Detector
	s.once.Do(func() {})
	d = s.det
	if d == nil {
		return nil
	}
	return d.Close()
}
