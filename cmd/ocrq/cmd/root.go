// Package cmd implements the ocrq command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/MeKo-Tech/ocrq/internal/config"
	"github.com/MeKo-Tech/ocrq/internal/recognizer"
	"github.com/MeKo-Tech/ocrq/internal/service"
	"github.com/MeKo-Tech/ocrq/internal/version"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EngineFactory creates the recognition engine for a resolved configuration.
type EngineFactory func(cfg *config.Config) (recognizer.Engine, error)

var engineFactory EngineFactory

// SetEngineFactory installs the engine used by commands that recognize text.
func SetEngineFactory(f EngineFactory) { engineFactory = f }

// newServiceOptions turns a configuration into service options.
var newServiceOptions = func(cfg *config.Config) (service.Options, error) {
	if engineFactory == nil {
		return service.Options{}, errors.New("no recognition engine available")
	}
	eng, err := engineFactory(cfg)
	if err != nil {
		return service.Options{}, fmt.Errorf("create engine: %w", err)
	}
	defaults, err := cfg.DefaultParams()
	if err != nil {
		_ = eng.Close()
		return service.Options{}, err
	}
	return service.Options{
		Pipeline: cfg.ToPipelineConfig(),
		Engine:   eng,
		Defaults: &defaults,
	}, nil
}

// app holds the state shared by one command tree.
type app struct {
	v       *viper.Viper
	cfg     *config.Config
	cfgFile string
	envFile string
}

// NewRootCommand builds the command tree with its own configuration state.
func NewRootCommand() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:   "ocrq",
		Short: "Queued OCR service for scanned images",
		Long: `ocrq runs a single-worker OCR queue: images are enqueued as jobs, text
regions are detected and recognized with Tesseract, and results stream back
per region as they are produced.

Examples:
  ocrq run scan.png receipt.jpg
  ocrq run page.tiff --format json --language deu
  ocrq serve --port 8080
  ocrq config init`,
		Version:      version.String(),
		SilenceUsage: true,
	}
	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		return a.initialize(cmd)
	}
	root.SetVersionTemplate("ocrq version {{.Version}}\n")

	root.PersistentFlags().StringVar(&a.cfgFile, "config", "",
		"config file (default is search in ., $XDG_CONFIG_HOME/ocrq, $HOME, $HOME/.config/ocrq, /etc/ocrq)")
	root.PersistentFlags().StringVar(&a.envFile, "env-file", "", "load environment variables from this .env file")
	root.PersistentFlags().BoolP("verbose", "v", false, "verbose output (equivalent to --log-level=debug)")
	root.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().String("debug-dir", "", "directory for per-job debug images")
	a.bind(root.PersistentFlags().Lookup("verbose"), "verbose")
	a.bind(root.PersistentFlags().Lookup("log-level"), "log_level")
	a.bind(root.PersistentFlags().Lookup("debug-dir"), "debug_dir")

	root.AddCommand(newRunCommand(a), newServeCommand(a), newConfigCommand(a))
	return root
}

// Execute runs the command line and exits non-zero on failure.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

const configKeyAnnotation = "ocrq_config_key"

// bind marks f as the override for a configuration key. Only the flags of the
// command being executed are bound, so sibling commands may share keys.
func (a *app) bind(f *pflag.Flag, key string) {
	if f.Annotations == nil {
		f.Annotations = map[string][]string{}
	}
	f.Annotations[configKeyAnnotation] = []string{key}
}

func (a *app) bindFlags(cmd *cobra.Command) error {
	var err error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		keys := f.Annotations[configKeyAnnotation]
		if len(keys) == 0 || err != nil {
			return
		}
		err = a.v.BindPFlag(keys[0], f)
	})
	return err
}

// initialize loads .env files and configuration, then installs the logger.
func (a *app) initialize(cmd *cobra.Command) error {
	if err := loadEnvFile(a.envFile); err != nil {
		return err
	}
	if err := a.bindFlags(cmd); err != nil {
		return fmt.Errorf("binding flags: %w", err)
	}

	loader := config.NewLoaderFor(a.v)
	cfg, err := loader.LoadWithFile(a.cfgFile)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	a.cfg = cfg

	slog.SetDefault(newLogger(cmd.ErrOrStderr(), cfg))
	if used := loader.ConfigFileUsed(); used != "" {
		slog.Debug("Configuration loaded", "file", used)
	}
	return nil
}

// loadEnvFile loads path, or ./.env when path is empty and the file exists.
func loadEnvFile(path string) error {
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("loading env file %s: %w", path, err)
		}
		return nil
	}
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return fmt.Errorf("loading .env: %w", err)
		}
	}
	return nil
}

// newLogger builds the JSON logger for the configured level.
func newLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	var level slog.Level
	if cfg.Verbose {
		level = slog.LevelDebug
	} else {
		switch cfg.LogLevel {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		default:
			level = slog.LevelInfo
		}
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// shutdownContext bounds service shutdown by server.shutdown_timeout; zero
// waits for the active job indefinitely.
func shutdownContext(cfg *config.Config) (context.Context, context.CancelFunc) {
	if cfg.Server.ShutdownTimeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
}
