package bootstrap

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/target/researchq/config"
	"github.com/target/researchq/internal/observability/logging"
)

// envFileVar names a comma separated list of dotenv files to load instead of
// ./.env.
const envFileVar = "RESEARCHQ_ENV_FILE"

// InitLogger builds the process logger and installs it as the slog default.
func InitLogger(cfg *config.AppConfig) *slog.Logger {
	return initLogger(cfg, os.Stdout)
}

func initLogger(cfg *config.AppConfig, w io.Writer) *slog.Logger {
	logger := logging.New(loggerOptions(cfg, w))
	slog.SetDefault(logger)
	return logger
}

// loggerOptions maps the logging config onto logging.Options. Dev mode forces
// debug text output; a configured OTLP endpoint routes records through the
// OpenTelemetry bridge.
func loggerOptions(cfg *config.AppConfig, w io.Writer) logging.Options {
	if cfg == nil {
		return logging.Options{Level: slog.LevelInfo, Format: "json", Writer: w}
	}
	opts := logging.Options{
		Level:  cfg.Observability.Logging.SlogLevel(),
		Format: cfg.Observability.Logging.Format,
		Writer: w,
	}
	if cfg.IsDev {
		opts.Level, opts.Format = slog.LevelDebug, "text"
	}
	if cfg.Observability.OTel.Endpoint != "" {
		opts.OTelServiceName = cfg.Observability.OTel.ServiceName
	}
	return opts
}

// LoadConfig reads dotenv files into the environment, without overriding
// variables already set, and parses AppConfig from it.
func LoadConfig() (config.AppConfig, error) {
	if err := loadDotenv(os.Getenv(envFileVar)); err != nil {
		return config.AppConfig{}, err
	}
	cfg, err := env.ParseAs[config.AppConfig]()
	if err != nil {
		return config.AppConfig{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.Sanitize()
	return cfg, nil
}

// loadDotenv loads the listed files. With no list it tries ./.env and treats
// a missing file as fine; explicitly listed files must exist.
func loadDotenv(list string) error {
	var files []string
	for f := range strings.SplitSeq(list, ",") {
		if f = strings.TrimSpace(f); f != "" {
			files = append(files, f)
		}
	}
	if len(files) == 0 {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load .env file: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(files...); err != nil {
		return fmt.Errorf("load env files %s: %w", strings.Join(files, ","), err)
	}
	return nil
}

// ValidateServiceConfig checks that the service list parses, is not empty and
// fits the selected store.
func ValidateServiceConfig(cfg *config.AppConfig) error {
	if cfg == nil {
		return errors.New("service config is required")
	}
	enabled, err := cfg.GetEnabledServices()
	switch {
	case err != nil:
		return fmt.Errorf("invalid service configuration: %w", err)
	case len(enabled) == 0:
		return errors.New("no services enabled")
	}

	if cfg.Store.Driver == config.StoreDriverMemory && enabled[config.ServiceModeWorker] != enabled[config.ServiceModeHTTP] {
		return errors.New("memory store requires http and worker services in the same process")
	}
	return nil
}

// GetEnabledServices lists the enabled service names in sorted order. An
// invalid list yields none; ValidateServiceConfig reports the error.
func GetEnabledServices(cfg *config.AppConfig) []string {
	names := []string{}
	if cfg == nil {
		return names
	}
	enabled, err := cfg.GetEnabledServices()
	if err != nil {
		return names
	}
	for _, mode := range config.ValidServiceModes() {
		if enabled[mode] {
			names = append(names, string(mode))
		}
	}
	slices.Sort(names)
	return names
}
