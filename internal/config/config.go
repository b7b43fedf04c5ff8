package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Version is stamped on every analysis result and evidence index.
const Version = "0.1.0"

type IngestConfig struct {
	TargetFPS          float64 `yaml:"target_fps" json:"target_fps"`
	WindowSeconds      float64 `yaml:"window_seconds" json:"window_seconds"`
	OverlapRatio       float64 `yaml:"overlap_ratio" json:"overlap_ratio"`
	MinDurationSeconds float64 `yaml:"min_duration_seconds" json:"min_duration_seconds"`
}

type FaceConfig struct {
	MinFaceFraction float64 `yaml:"min_face_fraction" json:"min_face_fraction"`
	// DetectionSensitivity scales the neural detector's confidence threshold.
	// Below 1 is more lenient, above 1 is stricter.
	DetectionSensitivity float64 `yaml:"detection_sensitivity" json:"detection_sensitivity"`
}

type ROIConfig struct {
	MinRegionCoverage float64 `yaml:"min_region_coverage" json:"min_region_coverage"`
}

type RPPGConfig struct {
	BandpassLowHz  float64 `yaml:"bandpass_low_hz" json:"bandpass_low_hz"`
	BandpassHighHz float64 `yaml:"bandpass_high_hz" json:"bandpass_high_hz"`
}

type QualityConfig struct {
	TauSQI float64 `yaml:"tau_sqi" json:"tau_sqi"`
	// AllowVerdictWhenLowSQI still emits Human/Synthetic under the SQI gate,
	// tagging low_sqi and capping confidence.
	AllowVerdictWhenLowSQI bool `yaml:"allow_verdict_when_low_sqi" json:"allow_verdict_when_low_sqi"`
}

type FeaturesConfig struct {
	HRPlausibilityWeight        float64 `yaml:"hr_plausibility_weight" json:"hr_plausibility_weight"`
	SpectralConcentrationWeight float64 `yaml:"spectral_concentration_weight" json:"spectral_concentration_weight"`
	SpectralSharpnessWeight     float64 `yaml:"spectral_sharpness_weight" json:"spectral_sharpness_weight"`
	CoherenceWeight             float64 `yaml:"coherence_weight" json:"coherence_weight"`
	PhaseCoherenceWeight        float64 `yaml:"phase_coherence_weight" json:"phase_coherence_weight"`
	PeriodicityWeight           float64 `yaml:"periodicity_weight" json:"periodicity_weight"`
	HarmonicWeight              float64 `yaml:"harmonic_weight" json:"harmonic_weight"`
	HRVWeight                   float64 `yaml:"hrv_weight" json:"hrv_weight"`
	TemporalStabilityWeight     float64 `yaml:"temporal_stability_weight" json:"temporal_stability_weight"`
	RespiratoryWeight           float64 `yaml:"respiratory_weight" json:"respiratory_weight"`
}

// Sum returns the total of all feature weights.
func (f FeaturesConfig) Sum() float64 {
	return f.HRPlausibilityWeight + f.SpectralConcentrationWeight + f.SpectralSharpnessWeight +
		f.CoherenceWeight + f.PhaseCoherenceWeight + f.PeriodicityWeight + f.HarmonicWeight +
		f.HRVWeight + f.TemporalStabilityWeight + f.RespiratoryWeight
}

func (f FeaturesConfig) list() []float64 {
	return []float64{
		f.HRPlausibilityWeight, f.SpectralConcentrationWeight, f.SpectralSharpnessWeight,
		f.CoherenceWeight, f.PhaseCoherenceWeight, f.PeriodicityWeight, f.HarmonicWeight,
		f.HRVWeight, f.TemporalStabilityWeight, f.RespiratoryWeight,
	}
}

type ScoringConfig struct {
	TauAuth float64 `yaml:"tau_auth" json:"tau_auth"`
}

type EvidenceConfig struct {
	EnablePlots    bool `yaml:"enable_plots" json:"enable_plots"`
	EnableROIMasks bool `yaml:"enable_roi_masks" json:"enable_roi_masks"`
}

// DetectorConfig locates the OpenCV model files. Empty paths fall back to
// BIOVERIFY_MODEL_DIR and the usual system cascade locations.
type DetectorConfig struct {
	ModelDir    string `yaml:"model_dir" json:"model_dir"`
	CascadePath string `yaml:"cascade_path" json:"cascade_path"`
}

// Config is the full analysis configuration.
type Config struct {
	ConfigVersion string         `yaml:"config_version" json:"config_version"`
	Ingest        IngestConfig   `yaml:"ingest" json:"ingest"`
	Face          FaceConfig     `yaml:"face" json:"face"`
	ROI           ROIConfig      `yaml:"roi" json:"roi"`
	RPPG          RPPGConfig     `yaml:"rppg" json:"rppg"`
	Quality       QualityConfig  `yaml:"quality" json:"quality"`
	Features      FeaturesConfig `yaml:"features" json:"features"`
	Scoring       ScoringConfig  `yaml:"scoring" json:"scoring"`
	Evidence      EvidenceConfig `yaml:"evidence" json:"evidence"`
	Detector      DetectorConfig `yaml:"detector" json:"detector"`
}

// Default returns the reference configuration.
func Default() Config {
	return Config{
		ConfigVersion: Version,
		Ingest: IngestConfig{
			TargetFPS:          30.0,
			WindowSeconds:      8.0,
			OverlapRatio:       0.5,
			MinDurationSeconds: 3.0,
		},
		Face: FaceConfig{
			MinFaceFraction:      0.6,
			DetectionSensitivity: 1.0,
		},
		ROI: ROIConfig{MinRegionCoverage: 0.2},
		RPPG: RPPGConfig{
			BandpassLowHz:  0.7,
			BandpassHighHz: 4.0,
		},
		Quality: QualityConfig{
			TauSQI:                 0.1,
			AllowVerdictWhenLowSQI: true,
		},
		Features: FeaturesConfig{
			HRPlausibilityWeight:        0.10,
			SpectralConcentrationWeight: 0.15,
			SpectralSharpnessWeight:     0.15,
			CoherenceWeight:             0.10,
			PhaseCoherenceWeight:        0.10,
			PeriodicityWeight:           0.05,
			HarmonicWeight:              0.10,
			HRVWeight:                   0.05,
			TemporalStabilityWeight:     0.10,
			RespiratoryWeight:           0.10,
		},
		Scoring: ScoringConfig{TauAuth: 0.50},
		Evidence: EvidenceConfig{
			EnablePlots:    true,
			EnableROIMasks: true,
		},
	}
}

// Load reads a YAML (or JSON) file on top of the defaults. Keys missing from
// the file keep their default values. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config file not found: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if cfg.ConfigVersion == "" {
		cfg.ConfigVersion = Version
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks value ranges. It does not judge whether thresholds are sensible.
func (c Config) Validate() error {
	var errs []error
	if c.Ingest.TargetFPS <= 0 {
		errs = append(errs, errors.New("ingest.target_fps must be > 0"))
	}
	if c.Ingest.WindowSeconds <= 0 {
		errs = append(errs, errors.New("ingest.window_seconds must be > 0"))
	}
	if c.Ingest.OverlapRatio < 0 || c.Ingest.OverlapRatio >= 1 {
		errs = append(errs, errors.New("ingest.overlap_ratio must be in [0, 1)"))
	}
	if c.Ingest.MinDurationSeconds < 0 {
		errs = append(errs, errors.New("ingest.min_duration_seconds must be >= 0"))
	}
	if !unit(c.Face.MinFaceFraction) {
		errs = append(errs, errors.New("face.min_face_fraction must be in [0, 1]"))
	}
	if c.Face.DetectionSensitivity <= 0 {
		errs = append(errs, errors.New("face.detection_sensitivity must be > 0"))
	}
	if !unit(c.ROI.MinRegionCoverage) {
		errs = append(errs, errors.New("roi.min_region_coverage must be in [0, 1]"))
	}
	if c.RPPG.BandpassLowHz <= 0 || c.RPPG.BandpassLowHz >= c.RPPG.BandpassHighHz {
		errs = append(errs, errors.New("rppg band must satisfy 0 < bandpass_low_hz < bandpass_high_hz"))
	}
	if !unit(c.Quality.TauSQI) {
		errs = append(errs, errors.New("quality.tau_sqi must be in [0, 1]"))
	}
	if !unit(c.Scoring.TauAuth) {
		errs = append(errs, errors.New("scoring.tau_auth must be in [0, 1]"))
	}
	for _, w := range c.Features.list() {
		if w < 0 {
			errs = append(errs, errors.New("features weights must be >= 0"))
			break
		}
	}
	return errors.Join(errs...)
}

func unit(v float64) bool {
	return v >= 0 && v <= 1
}
