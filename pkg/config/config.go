// Package config loads pipeline configuration: storage paths, worker
// settings, and the per-disease profiles that drive feature engineering and
// scheduling. Configuration comes from a YAML file with environment variable
// overrides for deployment-specific values.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/epicast/epicast-go/pkg/models"
)

// Config holds the application configuration
type Config struct {
	Environment string        `yaml:"environment"`
	Storage     StorageConfig `yaml:"storage"`
	Queue       QueueConfig   `yaml:"queue"`
	Worker      WorkerConfig  `yaml:"worker"`
	Logging     LoggingConfig `yaml:"logging"`

	Diseases []models.DiseaseProfile `yaml:"diseases"`
}

// StorageConfig holds database and artifact paths.
type StorageConfig struct {
	SeriesDB    string `yaml:"series_db"`
	JobsDB      string `yaml:"jobs_db"`
	RegistryDB  string `yaml:"registry_db"`
	ForecastsDB string `yaml:"forecasts_db"`
	ModelDir    string `yaml:"model_dir"`
}

// QueueConfig selects the queue backend. Backend "memory" needs no address;
// "redis" requires one.
type QueueConfig struct {
	Backend   string `yaml:"backend"`
	RedisAddr string `yaml:"redis_addr"`
}

// WorkerConfig holds worker pool settings.
type WorkerConfig struct {
	Concurrency      int `yaml:"concurrency"`
	PollIntervalSecs int `yaml:"poll_interval_secs"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	FilePath string `yaml:"file_path"`
}

// LoadConfig reads configuration from the given YAML file (optional, pass ""
// to skip) and applies environment variable overrides.
func LoadConfig(path string) (*Config, error) {
	config := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(config)

	if err := validate(config); err != nil {
		return nil, err
	}
	return config, nil
}

func defaultConfig() *Config {
	return &Config{
		Environment: "development",
		Storage: StorageConfig{
			SeriesDB:    "data/series.db",
			JobsDB:      "data/jobs.db",
			RegistryDB:  "data/registry.db",
			ForecastsDB: "data/forecasts.db",
			ModelDir:    "data/models",
		},
		Queue: QueueConfig{
			Backend: "memory",
		},
		Worker: WorkerConfig{
			Concurrency:      2,
			PollIntervalSecs: 2,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Diseases: DefaultProfiles(),
	}
}

func applyEnvOverrides(config *Config) {
	config.Environment = getEnv("ENVIRONMENT", config.Environment)
	config.Logging.Level = getEnv("LOG_LEVEL", config.Logging.Level)
	config.Queue.Backend = getEnv("QUEUE_BACKEND", config.Queue.Backend)
	config.Queue.RedisAddr = getEnv("REDIS_ADDR", config.Queue.RedisAddr)
	config.Storage.SeriesDB = getEnv("SERIES_DB", config.Storage.SeriesDB)
	config.Storage.JobsDB = getEnv("JOBS_DB", config.Storage.JobsDB)
	config.Storage.RegistryDB = getEnv("REGISTRY_DB", config.Storage.RegistryDB)
	config.Storage.ForecastsDB = getEnv("FORECASTS_DB", config.Storage.ForecastsDB)
	config.Storage.ModelDir = getEnv("MODEL_DIR", config.Storage.ModelDir)
	config.Worker.Concurrency = getEnvAsInt("WORKER_CONCURRENCY", config.Worker.Concurrency)
	config.Worker.PollIntervalSecs = getEnvAsInt("WORKER_POLL_INTERVAL", config.Worker.PollIntervalSecs)
}

func validate(config *Config) error {
	switch config.Queue.Backend {
	case "memory":
	case "redis":
		if config.Queue.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required for the redis queue backend")
		}
	default:
		return fmt.Errorf("unknown queue backend %q", config.Queue.Backend)
	}
	if config.Worker.Concurrency < 1 {
		return fmt.Errorf("worker concurrency must be at least 1")
	}
	for _, profile := range config.Diseases {
		if profile.Name == "" {
			return fmt.Errorf("disease profile missing name")
		}
		if len(profile.Products) == 0 {
			return fmt.Errorf("disease profile %s has no products", profile.Name)
		}
	}
	return nil
}

// Profiles returns the configured disease profiles keyed by name.
func (c *Config) Profiles() map[string]models.DiseaseProfile {
	profiles := make(map[string]models.DiseaseProfile, len(c.Diseases))
	for _, p := range c.Diseases {
		profiles[p.Name] = p
	}
	return profiles
}

// DefaultProfiles returns the built-in disease profiles used when no config
// file overrides them.
func DefaultProfiles() []models.DiseaseProfile {
	return []models.DiseaseProfile{
		{
			Name:                "MALARIA",
			Products:            []string{"Coartem", "Fansidar"},
			Heuristics:          []string{"peak_cycle"},
			PeakThreshold:       100,
			PeakCycleDays:       4,
			RetrainSchedule:     "0 2 * * 1",
			ForecastHorizonDays: 14,
		},
		{
			Name:                "DENGUE",
			Products:            []string{"Panadol", "Calpol"},
			Heuristics:          []string{"sales_surge"},
			RetrainSchedule:     "0 2 * * 1",
			ForecastHorizonDays: 14,
		},
		{
			Name:                "DIARRHOEA",
			Products:            []string{"Zincat", "ORS Sachet"},
			Heuristics:          []string{"sales_ratio"},
			RetrainSchedule:     "0 2 * * 1",
			ForecastHorizonDays: 14,
		},
	}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
