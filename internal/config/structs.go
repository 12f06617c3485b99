//nolint:lll
package config

import (
	"github.com/MeKo-Tech/ocrq/internal/detector"
	"github.com/MeKo-Tech/ocrq/internal/orientation"
	"github.com/MeKo-Tech/ocrq/internal/recognizer"
)

// Config represents the complete configuration for ocrq. It is loaded from
// configuration files, environment variables and command-line flags.
type Config struct {
	// Global settings
	LogLevel string `mapstructure:"log_level" yaml:"log_level" json:"log_level"`
	Verbose  bool   `mapstructure:"verbose" yaml:"verbose" json:"verbose"`
	DebugDir string `mapstructure:"debug_dir" yaml:"debug_dir" json:"debug_dir"`

	// Default recognition parameters for jobs that do not override them
	Recognition RecognitionConfig `mapstructure:"recognition" yaml:"recognition" json:"recognition"`

	// Image normalization
	Preprocess PreprocessConfig `mapstructure:"preprocess" yaml:"preprocess" json:"preprocess"`

	// Text region detection
	Detector detector.Config `mapstructure:"detector" yaml:"detector" json:"detector"`

	// Orientation sampling
	Orientation orientation.Config `mapstructure:"orientation" yaml:"orientation" json:"orientation"`

	// Recognized text normalization
	Cleanup recognizer.TextCleanup `mapstructure:"cleanup" yaml:"cleanup" json:"cleanup"`

	// Server configuration (for serve command)
	Server ServerConfig `mapstructure:"server" yaml:"server" json:"server"`
}

// RecognitionConfig contains the engine and default job settings.
type RecognitionConfig struct {
	Language       string            `mapstructure:"language" yaml:"language" json:"language"`
	PageSegMode    string            `mapstructure:"page_seg_mode" yaml:"page_seg_mode" json:"page_seg_mode"`
	Spellcheck     bool              `mapstructure:"spellcheck" yaml:"spellcheck" json:"spellcheck"`
	AlignText      bool              `mapstructure:"align_text" yaml:"align_text" json:"align_text"`
	DetectText     bool              `mapstructure:"detect_text" yaml:"detect_text" json:"detect_text"`
	Debug          bool              `mapstructure:"debug" yaml:"debug" json:"debug"`
	Variables      map[string]string `mapstructure:"variables" yaml:"variables,omitempty" json:"variables,omitempty"`
	TessdataPrefix string            `mapstructure:"tessdata_prefix" yaml:"tessdata_prefix" json:"tessdata_prefix"`
}

// PreprocessConfig contains image normalization settings.
type PreprocessConfig struct {
	MaxPixels     int     `mapstructure:"max_pixels" yaml:"max_pixels" json:"max_pixels"`
	MinAlignAngle float64 `mapstructure:"min_align_angle" yaml:"min_align_angle" json:"min_align_angle"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host            string `mapstructure:"host" yaml:"host" json:"host"`
	Port            int    `mapstructure:"port" yaml:"port" json:"port"`
	CORSOrigin      string `mapstructure:"cors_origin" yaml:"cors_origin" json:"cors_origin"`
	MaxUploadMB     int    `mapstructure:"max_upload_mb" yaml:"max_upload_mb" json:"max_upload_mb"`
	TimeoutSec      int    `mapstructure:"timeout_sec" yaml:"timeout_sec" json:"timeout_sec"`
	ShutdownTimeout int    `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" json:"shutdown_timeout"`

	// Per-client submission limits; zero disables a limit
	JobsPerMinute     int   `mapstructure:"jobs_per_minute" yaml:"jobs_per_minute" json:"jobs_per_minute"`
	UploadBytesPerDay int64 `mapstructure:"upload_bytes_per_day" yaml:"upload_bytes_per_day" json:"upload_bytes_per_day"`
}
