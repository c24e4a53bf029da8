// Package config provides configuration loading and management for cmrglu.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// ErrInvalidBound is returned when a configured bound pair is malformed
var ErrInvalidBound = errors.New("invalid bound")

// Model names accepted in the processing section
const (
	ModelDelay   = "delay"
	ModelNoDelay = "noDelay"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// NumWorkers specifies how many goroutines fit voxels concurrently
		NumWorkers int `yaml:"numWorkers"`

		// Model selects the compartmental model variant: "delay" or "noDelay"
		Model string `yaml:"model"`

		// VoxelDelay estimates the delay at every voxel instead of reusing the whole-brain value
		VoxelDelay bool `yaml:"voxelDelay"`

		// WholeBrainOnly stops the run after the whole-brain fit
		WholeBrainOnly bool `yaml:"wholeBrainOnly"`

		// MaxIterations bounds every local least-squares solve
		MaxIterations int `yaml:"maxIterations"`
	} `yaml:"processing"`

	// Global optimisation of the input function
	BasinHopping struct {
		Iterations  int     `yaml:"iterations"`
		StepSize    float64 `yaml:"stepSize"`
		Temperature float64 `yaml:"temperature"`
		Seed        uint32  `yaml:"seed"`
	} `yaml:"basinHopping"`

	// Bounds override the whole-brain search box. Each entry is empty or a
	// [lower, upper] pair. Beta bounds are multiples of the base scale.
	Bounds struct {
		BetaOne []float64 `yaml:"betaOne,omitempty"`
		BetaTwo []float64 `yaml:"betaTwo,omitempty"`
		Delay   []float64 `yaml:"delay,omitempty"`
	} `yaml:"bounds"`

	// Physiological constants
	Physiology struct {
		// TissueDensity of brain tissue in g/mL
		TissueDensity float64 `yaml:"tissueDensity"`

		// BloodDensity in g/mL
		BloodDensity float64 `yaml:"bloodDensity"`

		// BloodGlucose concentration in mg/dL
		BloodGlucose float64 `yaml:"bloodGlucose"`

		// PieFactor is the well counter calibration factor
		PieFactor float64 `yaml:"pieFactor"`

		// HalfLife of the isotope in seconds
		HalfLife float64 `yaml:"halfLife"`
	} `yaml:"physiology"`

	// Smoothing of the CBF/CBV inputs. Zero disables.
	Smoothing struct {
		FWHM    float64 `yaml:"fwhm"`
		FWHMSeg float64 `yaml:"fwhmSeg"`
	} `yaml:"smoothing"`

	// Output parameters
	Output struct {
		// Root is the prefix for every written file
		Root string `yaml:"root"`

		// SavePlot writes the whole-brain diagnostic figure
		SavePlot bool `yaml:"savePlot"`

		// SavePreviews writes mid-slice previews of every parameter map
		SavePreviews bool `yaml:"savePreviews"`

		// HistoryDB is an optional SQLite file recording one row per run
		HistoryDB string `yaml:"historyDB"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.NumWorkers = runtime.NumCPU()
	cfg.Processing.Model = ModelDelay
	cfg.Processing.MaxIterations = 400

	cfg.BasinHopping.Iterations = 100
	cfg.BasinHopping.StepSize = 0.5
	cfg.BasinHopping.Temperature = 1.0
	cfg.BasinHopping.Seed = 1

	cfg.Physiology.TissueDensity = 1.05
	cfg.Physiology.BloodDensity = 1.05
	cfg.Physiology.PieFactor = 1.0
	cfg.Physiology.HalfLife = 1220.04

	cfg.Output.Root = "cmrglu"
	cfg.Output.SavePlot = true
	cfg.Output.Verbose = false

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}

// Validate reports the first fatal configuration error, if any
func (c *Config) Validate() error {
	if c.Processing.Model != ModelDelay && c.Processing.Model != ModelNoDelay {
		return fmt.Errorf("unknown model %q (must be %q or %q)", c.Processing.Model, ModelDelay, ModelNoDelay)
	}
	if c.Processing.NumWorkers < 1 {
		return fmt.Errorf("numWorkers must be at least 1, got %d", c.Processing.NumWorkers)
	}
	if c.Processing.MaxIterations < 1 {
		return fmt.Errorf("maxIterations must be at least 1, got %d", c.Processing.MaxIterations)
	}
	if c.BasinHopping.Iterations < 0 {
		return fmt.Errorf("basin hopping iterations must not be negative")
	}
	if c.Physiology.TissueDensity <= 0 || c.Physiology.BloodDensity <= 0 {
		return fmt.Errorf("densities must be positive")
	}
	if c.Physiology.HalfLife <= 0 {
		return fmt.Errorf("halfLife must be positive")
	}
	if c.Physiology.PieFactor == 0 {
		return fmt.Errorf("pieFactor must not be zero")
	}

	pairs := []struct {
		name  string
		bound []float64
	}{
		{"betaOne", c.Bounds.BetaOne},
		{"betaTwo", c.Bounds.BetaTwo},
		{"delay", c.Bounds.Delay},
	}
	for _, p := range pairs {
		if err := checkPair(p.name, p.bound); err != nil {
			return err
		}
	}
	return nil
}

func checkPair(name string, bound []float64) error {
	if len(bound) == 0 {
		return nil
	}
	if len(bound) != 2 {
		return fmt.Errorf("%w: %s needs exactly two values, got %d", ErrInvalidBound, name, len(bound))
	}
	if bound[1] <= bound[0] {
		return fmt.Errorf("%w: lower bound of %f is not lower than upper bound of %f", ErrInvalidBound, bound[0], bound[1])
	}
	return nil
}

// WholeBrainSearch returns the whole-brain lower bounds, upper bounds and
// initial guess for (betaOne, betaTwo, delay). Configured pairs replace the
// defaults and an initial value outside its bound moves to the midpoint.
func (c *Config) WholeBrainSearch() (lower, upper, init []float64, err error) {
	lower = []float64{0.2, 0.2, -25}
	upper = []float64{5, 5, 25}
	init = []float64{1, 1, 0}

	user := [][]float64{c.Bounds.BetaOne, c.Bounds.BetaTwo, c.Bounds.Delay}
	names := []string{"betaOne", "betaTwo", "delay"}
	for i, bound := range user {
		if len(bound) == 0 {
			continue
		}
		if err := checkPair(names[i], bound); err != nil {
			return nil, nil, nil, err
		}
		lower[i] = bound[0]
		upper[i] = bound[1]
		if init[i] < bound[0] || init[i] > bound[1] {
			init[i] = (bound[0] + bound[1]) / 2
		}
	}
	return lower, upper, init, nil
}
