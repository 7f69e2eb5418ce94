package config

import (
	"os"
	"strconv"
	"strings"

	"votecast/internal/errors"
)

// Config represents the complete application configuration
type Config struct {
	Database DatabaseConfig
	Server   ServerConfig
	Model    ModelConfig
	Data     DataConfig
}

// DatabaseConfig holds baseline feature store connection settings
type DatabaseConfig struct {
	URL string
}

// ServerConfig holds web server settings
type ServerConfig struct {
	Port string
}

// ModelConfig holds defaults for estimation runs
type ModelConfig struct {
	FixedEffects     []string
	Robust           bool
	ConfidenceLevels []float64
	Seed             int64
}

// DataConfig holds data source settings
type DataConfig struct {
	ReturnsFile string
}

// Load reads configuration from environment variables and validates it
func Load() (*Config, error) {
	cfg := &Config{
		Database: DatabaseConfig{URL: os.Getenv("DATABASE_URL")},
		Server:   ServerConfig{Port: getEnv("SERVER_PORT", "8080")},
		Data:     DataConfig{ReturnsFile: os.Getenv("RETURNS_FILE")},
	}

	model, err := loadModelConfig()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load model configuration")
	}
	cfg.Model = *model

	if cfg.Database.URL == "" {
		return nil, errors.New("CONFIG_MISSING", "DATABASE_URL is required")
	}
	return cfg, nil
}

func loadModelConfig() (*ModelConfig, error) {
	model := &ModelConfig{
		ConfidenceLevels: []float64{0.8},
	}

	if fe := os.Getenv("FIXED_EFFECTS"); fe != "" {
		for _, name := range strings.Split(fe, ",") {
			if name = strings.TrimSpace(name); name != "" {
				model.FixedEffects = append(model.FixedEffects, name)
			}
		}
	}

	if robust := os.Getenv("ROBUST"); robust != "" {
		v, err := strconv.ParseBool(robust)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid ROBUST value %q", robust)
		}
		model.Robust = v
	}

	if levels := os.Getenv("CONFIDENCE_LEVELS"); levels != "" {
		model.ConfidenceLevels = nil
		for _, part := range strings.Split(levels, ",") {
			v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
			if err != nil {
				return nil, errors.Wrapf(err, "invalid confidence level %q", part)
			}
			model.ConfidenceLevels = append(model.ConfidenceLevels, v)
		}
	}

	if seed := os.Getenv("SEED"); seed != "" {
		v, err := strconv.ParseInt(seed, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid SEED value %q", seed)
		}
		model.Seed = v
	}

	return model, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
