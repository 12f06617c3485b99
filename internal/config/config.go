package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/MeKo-Tech/ocrq/internal/detector"
	"github.com/MeKo-Tech/ocrq/internal/orientation"
	"github.com/MeKo-Tech/ocrq/internal/pipeline"
	"github.com/MeKo-Tech/ocrq/internal/preprocess"
	"github.com/MeKo-Tech/ocrq/internal/recognizer"
	"gopkg.in/yaml.v3"
)

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	params := recognizer.DefaultParams()
	pre := preprocess.DefaultConfig()
	return Config{
		LogLevel: "info",
		Recognition: RecognitionConfig{
			Language:    params.Language,
			PageSegMode: params.PageSegMode.String(),
			Spellcheck:  params.Spellcheck,
			AlignText:   params.AlignText,
			DetectText:  params.DetectText,
		},
		Preprocess: PreprocessConfig{
			MaxPixels:     pre.MaxPixels,
			MinAlignAngle: pre.MinAlignAngle,
		},
		Detector:    detector.DefaultConfig(),
		Orientation: orientation.DefaultConfig(),
		Cleanup:     recognizer.DefaultTextCleanup(),
		Server: ServerConfig{
			Host:            "localhost",
			Port:            8080,
			CORSOrigin:      "*",
			MaxUploadMB:     50,
			TimeoutSec:      30,
			ShutdownTimeout: 10,
		},
	}
}

// Validate validates the configuration and returns the first problem found.
func (c *Config) Validate() error {
	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !slices.Contains(validLogLevels, c.LogLevel) {
		return fmt.Errorf("invalid log level: %s (must be one of: %s)", c.LogLevel, strings.Join(validLogLevels, ", "))
	}
	if _, err := c.DefaultParams(); err != nil {
		return err
	}
	if err := c.ToPipelineConfig().Validate(); err != nil {
		return err
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be between 1 and 65535)", c.Server.Port)
	}
	if c.Server.MaxUploadMB <= 0 {
		return fmt.Errorf("invalid max upload size: %d (must be positive)", c.Server.MaxUploadMB)
	}
	if c.Server.TimeoutSec <= 0 {
		return fmt.Errorf("invalid timeout: %d (must be positive)", c.Server.TimeoutSec)
	}
	if c.Server.ShutdownTimeout < 0 {
		return fmt.Errorf("invalid shutdown timeout: %d (must not be negative)", c.Server.ShutdownTimeout)
	}
	if c.Server.JobsPerMinute < 0 || c.Server.UploadBytesPerDay < 0 {
		return fmt.Errorf("invalid submission limits: %d jobs/min, %d bytes/day (must not be negative)",
			c.Server.JobsPerMinute, c.Server.UploadBytesPerDay)
	}
	return nil
}

// DefaultParams converts the recognition section to job parameters.
func (c *Config) DefaultParams() (recognizer.Params, error) {
	r := c.Recognition
	if _, err := recognizer.EngineLanguage(r.Language); err != nil {
		return recognizer.Params{}, fmt.Errorf("recognition.language: %w", err)
	}
	psm, err := recognizer.ParsePageSegMode(r.PageSegMode)
	if err != nil {
		return recognizer.Params{}, fmt.Errorf("recognition.page_seg_mode: %w", err)
	}
	p := recognizer.Params{
		Language:    r.Language,
		PageSegMode: psm,
		Debug:       r.Debug,
		Spellcheck:  r.Spellcheck,
		AlignText:   r.AlignText,
		DetectText:  r.DetectText,
		Variables:   r.Variables,
	}
	return p.Clone(), nil
}

// ToPipelineConfig converts the config to the pipeline configuration.
func (c *Config) ToPipelineConfig() pipeline.Config {
	return pipeline.Config{
		Preprocess: preprocess.Config{
			MaxPixels:     c.Preprocess.MaxPixels,
			MinAlignAngle: c.Preprocess.MinAlignAngle,
			DebugDir:      c.DebugDir,
		},
		Detector:    c.Detector,
		Orientation: c.Orientation,
		Cleanup:     c.Cleanup,
	}
}

// ToYAML renders the configuration as YAML.
func (c *Config) ToYAML() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
