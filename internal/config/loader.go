package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	// ConfigFileName is the base name for configuration files (without extension).
	ConfigFileName = "ocrq"

	// EnvPrefix is the prefix for environment variables.
	EnvPrefix = "OCRQ"
)

// Loader handles loading configuration from various sources.
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a loader on the global viper instance, so flags bound by
// the CLI take part in resolution.
func NewLoader() *Loader {
	return &Loader{v: viper.GetViper()}
}

// NewLoaderFor creates a loader on a specific viper instance.
func NewLoaderFor(v *viper.Viper) *Loader {
	return &Loader{v: v}
}

// Load reads the first configuration file found on the search path, applies
// environment overrides and defaults, and validates the result.
func (l *Loader) Load() (*Config, error) {
	return l.LoadWithFile("")
}

// LoadWithFile loads configuration from a specific file path; an empty path
// searches the standard locations.
func (l *Loader) LoadWithFile(configFile string) (*Config, error) {
	cfg, err := l.LoadWithoutValidation(configFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// LoadWithoutValidation resolves the configuration without validating it.
func (l *Loader) LoadWithoutValidation(configFile string) (*Config, error) {
	if configFile != "" {
		if _, err := os.Stat(configFile); os.IsNotExist(err) {
			return nil, fmt.Errorf("config file does not exist: %s", configFile)
		}
		l.v.SetConfigFile(configFile)
	} else {
		l.v.SetConfigName(ConfigFileName)
		l.v.SetConfigType("yaml")
		l.addConfigPaths()
	}
	l.setupEnvironmentVariables()
	l.setDefaults()

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := l.v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return &config, nil
}

// ConfigFileUsed returns the path of the config file used, if any.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

// Viper returns the underlying viper instance.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

func (l *Loader) addConfigPaths() {
	for _, p := range GetConfigSearchPaths() {
		l.v.AddConfigPath(p)
	}
}

func (l *Loader) setupEnvironmentVariables() {
	l.v.SetEnvPrefix(EnvPrefix)
	l.v.AutomaticEnv()
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
}

// setDefaults registers every key so environment variables can override
// values that no file mentions.
func (l *Loader) setDefaults() {
	d := DefaultConfig()

	l.v.SetDefault("log_level", d.LogLevel)
	l.v.SetDefault("verbose", d.Verbose)
	l.v.SetDefault("debug_dir", d.DebugDir)

	l.v.SetDefault("recognition.language", d.Recognition.Language)
	l.v.SetDefault("recognition.page_seg_mode", d.Recognition.PageSegMode)
	l.v.SetDefault("recognition.spellcheck", d.Recognition.Spellcheck)
	l.v.SetDefault("recognition.align_text", d.Recognition.AlignText)
	l.v.SetDefault("recognition.detect_text", d.Recognition.DetectText)
	l.v.SetDefault("recognition.debug", d.Recognition.Debug)
	l.v.SetDefault("recognition.tessdata_prefix", d.Recognition.TessdataPrefix)

	l.v.SetDefault("preprocess.max_pixels", d.Preprocess.MaxPixels)
	l.v.SetDefault("preprocess.min_align_angle", d.Preprocess.MinAlignAngle)

	l.v.SetDefault("detector.max_skew", d.Detector.MaxSkew)
	l.v.SetDefault("detector.skew_step", d.Detector.SkewStep)
	l.v.SetDefault("detector.min_region_height", d.Detector.MinRegionHeight)
	l.v.SetDefault("detector.min_region_width", d.Detector.MinRegionWidth)
	l.v.SetDefault("detector.min_area", d.Detector.MinArea)
	l.v.SetDefault("detector.dilate_x", d.Detector.DilateX)
	l.v.SetDefault("detector.dilate_y", d.Detector.DilateY)
	l.v.SetDefault("detector.padding", d.Detector.Padding)

	l.v.SetDefault("orientation.sample_count", d.Orientation.SampleCount)
	l.v.SetDefault("orientation.threshold", d.Orientation.Threshold)

	l.v.SetDefault("cleanup.normalize_form", d.Cleanup.Form)
	l.v.SetDefault("cleanup.collapse_whitespace", d.Cleanup.CollapseWhitespace)
	l.v.SetDefault("cleanup.strip_invisible", d.Cleanup.StripInvisible)
	l.v.SetDefault("cleanup.plain_punctuation", d.Cleanup.PlainPunctuation)

	l.v.SetDefault("server.host", d.Server.Host)
	l.v.SetDefault("server.port", d.Server.Port)
	l.v.SetDefault("server.cors_origin", d.Server.CORSOrigin)
	l.v.SetDefault("server.max_upload_mb", d.Server.MaxUploadMB)
	l.v.SetDefault("server.timeout_sec", d.Server.TimeoutSec)
	l.v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	l.v.SetDefault("server.jobs_per_minute", d.Server.JobsPerMinute)
	l.v.SetDefault("server.upload_bytes_per_day", d.Server.UploadBytesPerDay)
}

// GenerateDefaultConfigFile writes the default configuration as YAML. It
// refuses to overwrite an existing file.
func GenerateDefaultConfigFile(filename string) error {
	if filename == "" {
		filename = ConfigFileName + ".yaml"
	}
	if _, err := os.Stat(filename); err == nil {
		return fmt.Errorf("config file already exists: %s", filename)
	}
	cfg := DefaultConfig()
	data, err := cfg.ToYAML()
	if err != nil {
		return err
	}
	if dir := filepath.Dir(filename); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(filename, data, 0o600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// GetConfigSearchPaths returns the paths where configuration files are searched.
func GetConfigSearchPaths() []string {
	paths := []string{"."}

	if configDir, exists := os.LookupEnv("XDG_CONFIG_HOME"); exists {
		paths = append(paths, filepath.Join(configDir, "ocrq"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, home, filepath.Join(home, ".config", "ocrq"))
	}

	return append(paths, "/etc/ocrq")
}
