// Package registry durably maps (disease, version) to trained model
// artifacts. Versions increase monotonically per disease and saved artifacts
// are never mutated: superseding a model means writing the next version and
// letting "active" resolve to it at read time.
package registry

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/epicast/epicast-go/internal/sqlitedb"
	"github.com/epicast/epicast-go/pkg/models"
	"github.com/epicast/epicast-go/pkg/training"
)

// Registry stores model artifacts as write-once JSON blobs on disk and
// tracks their metadata in SQLite for querying.
type Registry struct {
	db  *sql.DB
	dir string
	mu  sync.Mutex
}

// artifact is the serialized form of a trained model.
type artifact struct {
	Disease        string              `json:"disease"`
	Version        int                 `json:"version"`
	Lags           int                 `json:"lags"`
	FeatureColumns []string            `json:"feature_columns"`
	Metrics        models.ModelMetrics `json:"metrics"`
	TrainedAt      time.Time           `json:"trained_at"`
	Forest         *training.Forest    `json:"forest"`
}

// Open opens (and if needed initializes) a model registry rooted at dir,
// with metadata in the SQLite database at dbPath.
func Open(dbPath, dir string) (*Registry, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create model directory: %w", err)
	}

	db, err := sqlitedb.Open(dbPath)
	if err != nil {
		return nil, err
	}

	r := &Registry{db: db, dir: dir}
	if err := r.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return r, nil
}

func (r *Registry) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS model_versions (
		disease TEXT NOT NULL,
		version INTEGER NOT NULL,
		train_mae REAL NOT NULL,
		samples INTEGER NOT NULL,
		lags INTEGER NOT NULL,
		trained_at DATETIME NOT NULL,
		PRIMARY KEY (disease, version)
	);

	CREATE TABLE IF NOT EXISTS model_pins (
		disease TEXT PRIMARY KEY,
		version INTEGER NOT NULL
	);
	`
	_, err := r.db.Exec(schema)
	return err
}

// Close closes the registry's database connection.
func (r *Registry) Close() error {
	return r.db.Close()
}

// Save persists a trained model and returns its assigned version. The
// metadata row is the version allocator: a single INSERT computes the next
// version and records it atomically, so two trainers (in the same process or
// not) get distinct versions instead of overwriting each other. The artifact
// is written to a temp file and renamed into place only after the row
// commits, so crash residue on disk can never reserve a version the database
// does not know about.
func (r *Registry) Save(m *models.TrainedModel) (int, error) {
	forest, ok := m.Regressor.(*training.Forest)
	if !ok {
		return 0, fmt.Errorf("cannot persist regressor of type %T", m.Regressor)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var version int
	err := sqlitedb.RetryOnBusy(func() error {
		return r.db.QueryRow(`
			INSERT INTO model_versions (disease, version, train_mae, samples, lags, trained_at)
			SELECT ?, COALESCE(MAX(version), 0) + 1, ?, ?, ?, ?
			FROM model_versions WHERE disease = ?
			RETURNING version`,
			m.Disease, m.Metrics.TrainMAE, m.Metrics.Samples, m.Lags, m.TrainedAt,
			m.Disease).Scan(&version)
	}, 5)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate version: %w", err)
	}

	if err := r.writeArtifact(artifact{
		Disease:        m.Disease,
		Version:        version,
		Lags:           m.Lags,
		FeatureColumns: m.FeatureColumns,
		Metrics:        m.Metrics,
		TrainedAt:      m.TrainedAt,
		Forest:         forest,
	}); err != nil {
		// Free the allocated version; if this fails too the version is
		// burned and Load reports ErrModelNotFound until superseded.
		r.db.Exec(`DELETE FROM model_versions WHERE disease = ? AND version = ?`, m.Disease, version)
		return 0, err
	}

	return version, nil
}

// writeArtifact writes the versioned blob to <dir>/<disease>/v<N>.json via a
// temp file and rename. Renaming over an existing file is deliberate: a file
// already at that path can only be residue from a crashed save whose version
// row never committed.
func (r *Registry) writeArtifact(a artifact) error {
	diseaseDir := filepath.Join(r.dir, a.Disease)
	if err := os.MkdirAll(diseaseDir, 0755); err != nil {
		return fmt.Errorf("failed to create artifact directory: %w", err)
	}

	f, err := os.CreateTemp(diseaseDir, fmt.Sprintf("v%d-*.tmp", a.Version))
	if err != nil {
		return fmt.Errorf("failed to create artifact temp file: %w", err)
	}
	tmp := f.Name()

	enc := json.NewEncoder(f)
	if err := enc.Encode(a); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close artifact: %w", err)
	}

	path := r.artifactPath(a.Disease, a.Version)
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to place artifact %s: %w", path, err)
	}
	return nil
}

// artifactPath derives the blob location from the model identity.
func (r *Registry) artifactPath(disease string, version int) string {
	return filepath.Join(r.dir, disease, fmt.Sprintf("v%d.json", version))
}

// Load retrieves a specific model version.
func (r *Registry) Load(disease string, version int) (*models.TrainedModel, error) {
	var exists int
	err := r.db.QueryRow(
		`SELECT 1 FROM model_versions WHERE disease = ? AND version = ?`,
		disease, version).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s v%d", models.ErrModelNotFound, disease, version)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up model %s v%d: %w", disease, version, err)
	}
	return r.readArtifact(r.artifactPath(disease, version), disease, version)
}

// LoadActive retrieves the disease's active model: the pinned version if one
// is set, otherwise the highest saved version.
func (r *Registry) LoadActive(disease string) (*models.TrainedModel, error) {
	var version int
	err := r.db.QueryRow(`SELECT version FROM model_pins WHERE disease = ?`, disease).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		err = r.db.QueryRow(
			`SELECT COALESCE(MAX(version), 0) FROM model_versions WHERE disease = ?`,
			disease).Scan(&version)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve active model for %s: %w", disease, err)
	}
	if version == 0 {
		return nil, fmt.Errorf("%w: no trained model for %s", models.ErrModelNotFound, disease)
	}
	return r.Load(disease, version)
}

// Pin fixes the active model for a disease to an explicit version. The
// version must exist.
func (r *Registry) Pin(disease string, version int) error {
	var exists int
	err := r.db.QueryRow(
		`SELECT COUNT(*) FROM model_versions WHERE disease = ? AND version = ?`,
		disease, version).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check version: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("%w: %s v%d", models.ErrModelNotFound, disease, version)
	}
	_, err = r.db.Exec(`
		INSERT INTO model_pins (disease, version) VALUES (?, ?)
		ON CONFLICT(disease) DO UPDATE SET version = excluded.version`,
		disease, version)
	return err
}

// Unpin restores highest-version-wins active selection for a disease.
func (r *Registry) Unpin(disease string) error {
	_, err := r.db.Exec(`DELETE FROM model_pins WHERE disease = ?`, disease)
	return err
}

func (r *Registry) readArtifact(path, disease string, version int) (*models.TrainedModel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: artifact missing for %s v%d", models.ErrModelNotFound, disease, version)
		}
		return nil, fmt.Errorf("failed to read artifact %s: %w", path, err)
	}

	var a artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("failed to decode artifact %s: %w", path, err)
	}

	return &models.TrainedModel{
		Disease:        a.Disease,
		Version:        a.Version,
		Lags:           a.Lags,
		FeatureColumns: a.FeatureColumns,
		Metrics:        a.Metrics,
		TrainedAt:      a.TrainedAt,
		Regressor:      a.Forest,
	}, nil
}
