package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Queue.Backend != "memory" {
		t.Errorf("queue backend = %s, want memory", cfg.Queue.Backend)
	}
	if cfg.Worker.Concurrency != 2 {
		t.Errorf("concurrency = %d, want 2", cfg.Worker.Concurrency)
	}
	if len(cfg.Diseases) != 3 {
		t.Fatalf("got %d default profiles, want 3", len(cfg.Diseases))
	}

	profiles := cfg.Profiles()
	malaria, ok := profiles["MALARIA"]
	if !ok {
		t.Fatal("MALARIA profile missing")
	}
	if len(malaria.Products) != 2 {
		t.Errorf("MALARIA products = %v", malaria.Products)
	}
	if malaria.LagWindow() != 14 {
		t.Errorf("MALARIA lag window = %d, want 14", malaria.LagWindow())
	}
	if malaria.PeakThreshold != 100 || malaria.PeakCycleDays != 4 {
		t.Errorf("MALARIA peak params = %v/%v", malaria.PeakThreshold, malaria.PeakCycleDays)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
environment: production
storage:
  series_db: /var/lib/epicast/series.db
  jobs_db: /var/lib/epicast/jobs.db
  registry_db: /var/lib/epicast/registry.db
  forecasts_db: /var/lib/epicast/forecasts.db
  model_dir: /var/lib/epicast/models
queue:
  backend: redis
  redis_addr: localhost:6379
worker:
  concurrency: 4
  poll_interval_secs: 5
logging:
  level: debug
  format: json
diseases:
  - name: MALARIA
    products: [Coartem]
    heuristics: [peak_cycle]
    peak_threshold: 120
    peak_cycle_days: 5
    retrain_schedule: "0 3 * * 2"
    forecast_horizon_days: 7
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Environment != "production" {
		t.Errorf("environment = %s", cfg.Environment)
	}
	if cfg.Queue.Backend != "redis" || cfg.Queue.RedisAddr != "localhost:6379" {
		t.Errorf("queue = %+v", cfg.Queue)
	}
	if cfg.Worker.Concurrency != 4 {
		t.Errorf("concurrency = %d", cfg.Worker.Concurrency)
	}
	if len(cfg.Diseases) != 1 {
		t.Fatalf("profiles = %d, want 1 (file replaces defaults)", len(cfg.Diseases))
	}
	p := cfg.Diseases[0]
	if p.PeakThreshold != 120 || p.PeakCycleDays != 5 {
		t.Errorf("peak params = %v/%v", p.PeakThreshold, p.PeakCycleDays)
	}
	if p.RetrainSchedule != "0 3 * * 2" || p.ForecastHorizonDays != 7 {
		t.Errorf("schedule = %s horizon = %d", p.RetrainSchedule, p.ForecastHorizonDays)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("WORKER_CONCURRENCY", "8")
	t.Setenv("SERIES_DB", "/tmp/override.db")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level = %s", cfg.Logging.Level)
	}
	if cfg.Worker.Concurrency != 8 {
		t.Errorf("concurrency = %d", cfg.Worker.Concurrency)
	}
	if cfg.Storage.SeriesDB != "/tmp/override.db" {
		t.Errorf("series db = %s", cfg.Storage.SeriesDB)
	}
}

func TestRedisBackendRequiresAddr(t *testing.T) {
	t.Setenv("QUEUE_BACKEND", "redis")

	if _, err := LoadConfig(""); err == nil {
		t.Fatal("LoadConfig accepted redis backend without an address")
	}
}

func TestUnknownBackendRejected(t *testing.T) {
	t.Setenv("QUEUE_BACKEND", "kafka")

	if _, err := LoadConfig(""); err == nil {
		t.Fatal("LoadConfig accepted unknown queue backend")
	}
}
