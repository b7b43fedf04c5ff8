package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// PolicyPoint is one evaluated threshold pair from a calibration sweep.
type PolicyPoint struct {
	TauSQI           float64 `json:"tau_sqi"`
	TauAuth          float64 `json:"tau_auth"`
	TPR              float64 `json:"tpr"`
	FPR              float64 `json:"fpr"`
	InconclusiveRate float64 `json:"inconclusive_rate"`
	Score            float64 `json:"score"`
}

// Policy is the calibrated decision thresholds written by `calibrate`.
type Policy struct {
	ConfigVersion string        `json:"config_version"`
	TauSQI        float64       `json:"tau_sqi"`
	TauAuth       float64       `json:"tau_auth"`
	TargetFPR     float64       `json:"target_fpr"`
	History       []PolicyPoint `json:"history"`
}

// ApplyPolicy returns a copy of c with the policy thresholds applied.
func (c Config) ApplyPolicy(p Policy) Config {
	c.Quality.TauSQI = p.TauSQI
	c.Scoring.TauAuth = p.TauAuth
	return c
}

// LoadPolicy reads <dir>/<name>.json. Names may not contain path separators.
func LoadPolicy(dir, name string) (Policy, error) {
	var p Policy
	if name == "" || strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return p, fmt.Errorf("invalid policy name %q", name)
	}
	data, err := os.ReadFile(filepath.Join(dir, name+".json"))
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("failed to parse policy %s: %w", name, err)
	}
	return p, nil
}
