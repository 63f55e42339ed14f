// Package config provides configuration loading and management for the
// SAPIV refocusing engine. It handles loading configuration from YAML
// files and provides default values, mirroring the session options a
// reconstruction run recognizes.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config represents the session configuration loaded from YAML.
type Config struct {
	// Backend selects execution and optical parameters.
	Backend struct {
		// UseAccelerator selects the parallel execution backend over
		// the plain per-pixel CPU backend.
		UseAccelerator bool `yaml:"useAccelerator"`

		// Refractive enables the three-medium refractive optical
		// model. When false, plain pinhole projection is used.
		Refractive bool `yaml:"refractive"`

		// CornerHomography selects the fast four-corner homography
		// fit for the refocus map instead of the dense per-pixel
		// ("full") solve.
		CornerHomography bool `yaml:"cornerHomography"`
	} `yaml:"backend"`

	// Composition selects the view-combination operator.
	Composition struct {
		// Mode is one of "mean", "mult", "minlos", "nlca", "nlca_fast".
		Mode string `yaml:"mode"`

		// MultExponent is the exponent used by the "mult" mode.
		MultExponent float64 `yaml:"multExponent"`

		// NLCAWindow is the square window size used by "nlca".
		NLCAWindow int `yaml:"nlcaWindow"`

		// Delta is the smoothness parameter used by "nlca" and
		// "nlca_fast".
		Delta float64 `yaml:"delta"`
	} `yaml:"composition"`

	// Threshold controls post-composition intensity thresholding.
	Threshold struct {
		// Mode is "absolute" or "stdev".
		Mode string `yaml:"mode"`

		// Value is the threshold, interpreted per Mode.
		Value float64 `yaml:"value"`

		// Benchmark bypasses thresholding entirely when true.
		Benchmark bool `yaml:"benchmark"`
	} `yaml:"threshold"`

	// Frames selects which frames of the image stacks to process.
	Frames struct {
		// All processes every available frame, ignoring Start/End/Skip.
		All bool `yaml:"all"`

		// Start, End, Skip select an explicit frame range when All is
		// false: frames Start, Start+Skip+1, ... up to End inclusive.
		Start int `yaml:"start"`
		End   int `yaml:"end"`
		Skip  int `yaml:"skip"`
	} `yaml:"frames"`

	// Image controls image preprocessing before refocusing.
	Image struct {
		// Undistort is read from and written to the config file but
		// is not applied: no stage of the pipeline undistorts frames.
		Undistort bool `yaml:"undistort"`

		// ResizeFactor scales every input frame by this factor before
		// refocusing. A value of 1.0 disables resizing.
		ResizeFactor float64 `yaml:"resizeFactor"`

		// InvertY flips the sign of the y-axis diagonal of the
		// pixel-to-world scale matrix.
		InvertY bool `yaml:"invertY"`

		// Saturate clamps every input frame's intensities to [0,1] at
		// session initialization, remapping anything above 1.0 down to
		// exactly 1.0.
		Saturate bool `yaml:"saturate"`

		// WeightMode selects the no-signal weighting pass applied to
		// input stacks before composition: "" disables it, "max" marks
		// sub-mean pixels with the negative of the frame's maximum
		// intensity, "camera_count" marks them with the negative of the
		// number of cameras.
		WeightMode string `yaml:"weightMode"`
	} `yaml:"image"`

	// Expert holds parameters only relevant for advanced/manual tuning.
	Expert struct {
		// CustomParticleSigma is read from and written to the config
		// file but is not used by any composition mode.
		CustomParticleSigma float64 `yaml:"customParticleSigma"`

		// RefractiveTol is the Newton-Raphson convergence tolerance.
		RefractiveTol float64 `yaml:"refractiveTol"`

		// RefractiveMaxIter is the Newton-Raphson iteration cap.
		RefractiveMaxIter int `yaml:"refractiveMaxIter"`
	} `yaml:"expert"`
}

// DefaultConfig returns a configuration with default values matching
// the defaults of the original refocusing engine.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Backend.UseAccelerator = false
	cfg.Backend.Refractive = false
	cfg.Backend.CornerHomography = true

	cfg.Composition.Mode = "mean"
	cfg.Composition.MultExponent = 1.0
	cfg.Composition.NLCAWindow = 32
	cfg.Composition.Delta = 0.1

	cfg.Threshold.Mode = "stdev"
	cfg.Threshold.Value = 0
	cfg.Threshold.Benchmark = false

	cfg.Frames.All = true
	cfg.Frames.Skip = 0

	cfg.Image.Undistort = false
	cfg.Image.ResizeFactor = 1.0
	cfg.Image.InvertY = false
	cfg.Image.Saturate = false
	cfg.Image.WeightMode = ""

	cfg.Expert.CustomParticleSigma = 0
	cfg.Expert.RefractiveTol = 1e-9
	cfg.Expert.RefractiveMaxIter = 20

	return cfg
}

// LoadConfig loads configuration from a YAML file. If the file doesn't
// exist, it returns the default configuration.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %v", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %v", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file, creating any
// missing parent directories.
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %v", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %v", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %v", err)
	}

	return nil
}

// CreateDefaultConfigFile writes a default configuration file at the
// specified path.
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
