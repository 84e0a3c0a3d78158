package registry

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/epicast/epicast-go/pkg/models"
	"github.com/epicast/epicast-go/pkg/training"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	dir := t.TempDir()
	r, err := Open(filepath.Join(dir, "registry.db"), filepath.Join(dir, "models"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func testModel(t *testing.T, disease string) *models.TrainedModel {
	t.Helper()
	rows := make([]models.FeatureRow, 20)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range rows {
		rows[i] = models.FeatureRow{
			Date:   start.AddDate(0, 0, i),
			Target: float64(i),
			Y:      math.Log1p(float64(i)),
			Vector: []float64{float64(i), float64(i % 3)},
		}
	}
	m, err := training.Train(models.DiseaseProfile{Name: disease}, []string{"a", "b"}, rows)
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	return m
}

func TestSaveAssignsMonotonicVersions(t *testing.T) {
	r := newTestRegistry(t)
	m := testModel(t, "MALARIA")

	v1, err := r.Save(m)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	v2, err := r.Save(m)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if v1 != 1 || v2 != 2 {
		t.Errorf("versions = %d, %d; want 1, 2", v1, v2)
	}

	// Versions are per disease.
	other := testModel(t, "DENGUE")
	v, err := r.Save(other)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if v != 1 {
		t.Errorf("first DENGUE version = %d, want 1", v)
	}
}

func TestLoadRoundTrip(t *testing.T) {
	r := newTestRegistry(t)
	m := testModel(t, "MALARIA")

	version, err := r.Save(m)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := r.Load("MALARIA", version)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Disease != "MALARIA" || loaded.Version != version {
		t.Errorf("identity = %s v%d", loaded.Disease, loaded.Version)
	}
	if loaded.Metrics.TrainMAE != m.Metrics.TrainMAE {
		t.Errorf("MAE = %v, want %v", loaded.Metrics.TrainMAE, m.Metrics.TrainMAE)
	}
	if len(loaded.FeatureColumns) != 2 {
		t.Errorf("columns = %v", loaded.FeatureColumns)
	}

	// The reloaded regressor must predict identically to the original.
	probe := []float64{5, 1}
	if got, want := loaded.Regressor.Predict(probe), m.Regressor.Predict(probe); got != want {
		t.Errorf("reloaded prediction = %v, want %v", got, want)
	}
}

func TestLoadActivePicksHighestVersion(t *testing.T) {
	r := newTestRegistry(t)
	m := testModel(t, "MALARIA")

	for i := 0; i < 3; i++ {
		if _, err := r.Save(m); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	active, err := r.LoadActive("MALARIA")
	if err != nil {
		t.Fatalf("LoadActive: %v", err)
	}
	if active.Version != 3 {
		t.Errorf("active version = %d, want 3", active.Version)
	}
}

func TestPinOverridesActive(t *testing.T) {
	r := newTestRegistry(t)
	m := testModel(t, "MALARIA")

	for i := 0; i < 3; i++ {
		if _, err := r.Save(m); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	if err := r.Pin("MALARIA", 2); err != nil {
		t.Fatalf("Pin: %v", err)
	}
	active, err := r.LoadActive("MALARIA")
	if err != nil {
		t.Fatalf("LoadActive: %v", err)
	}
	if active.Version != 2 {
		t.Errorf("pinned active version = %d, want 2", active.Version)
	}

	if err := r.Unpin("MALARIA"); err != nil {
		t.Fatalf("Unpin: %v", err)
	}
	active, err = r.LoadActive("MALARIA")
	if err != nil {
		t.Fatalf("LoadActive: %v", err)
	}
	if active.Version != 3 {
		t.Errorf("unpinned active version = %d, want 3", active.Version)
	}
}

func TestPinUnknownVersion(t *testing.T) {
	r := newTestRegistry(t)
	m := testModel(t, "MALARIA")
	if _, err := r.Save(m); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := r.Pin("MALARIA", 9); !errors.Is(err, models.ErrModelNotFound) {
		t.Fatalf("Pin error = %v, want ErrModelNotFound", err)
	}
}

func TestSaveRecoversFromOrphanArtifact(t *testing.T) {
	dir := t.TempDir()
	modelDir := filepath.Join(dir, "models")
	r, err := Open(filepath.Join(dir, "registry.db"), modelDir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { r.Close() })

	// A crashed save can leave an artifact on disk with no metadata row.
	orphan := filepath.Join(modelDir, "MALARIA", "v1.json")
	if err := os.MkdirAll(filepath.Dir(orphan), 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(orphan, []byte(`{"disease":"MALARIA"`), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	m := testModel(t, "MALARIA")
	version, err := r.Save(m)
	if err != nil {
		t.Fatalf("Save over orphan artifact: %v", err)
	}
	if version != 1 {
		t.Errorf("version = %d, want 1 (orphan must not reserve it)", version)
	}

	loaded, err := r.Load("MALARIA", 1)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	probe := []float64{5, 1}
	if got, want := loaded.Regressor.Predict(probe), m.Regressor.Predict(probe); got != want {
		t.Errorf("reloaded prediction = %v, want %v (orphan contents survived)", got, want)
	}
}

func TestSaveAdvancesPastLostArtifact(t *testing.T) {
	dir := t.TempDir()
	modelDir := filepath.Join(dir, "models")
	r, err := Open(filepath.Join(dir, "registry.db"), modelDir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { r.Close() })

	m := testModel(t, "MALARIA")
	if _, err := r.Save(m); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// The inverse crash: metadata row committed, artifact gone.
	if err := os.Remove(filepath.Join(modelDir, "MALARIA", "v1.json")); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	if _, err := r.Load("MALARIA", 1); !errors.Is(err, models.ErrModelNotFound) {
		t.Fatalf("Load error = %v, want ErrModelNotFound", err)
	}

	version, err := r.Save(m)
	if err != nil {
		t.Fatalf("Save after artifact loss: %v", err)
	}
	if version != 2 {
		t.Errorf("version = %d, want 2 (lost v1 stays allocated)", version)
	}
	active, err := r.LoadActive("MALARIA")
	if err != nil {
		t.Fatalf("LoadActive: %v", err)
	}
	if active.Version != 2 {
		t.Errorf("active version = %d, want 2", active.Version)
	}
}

func TestLoadMissingModel(t *testing.T) {
	r := newTestRegistry(t)

	if _, err := r.Load("MALARIA", 1); !errors.Is(err, models.ErrModelNotFound) {
		t.Fatalf("Load error = %v, want ErrModelNotFound", err)
	}
	if _, err := r.LoadActive("MALARIA"); !errors.Is(err, models.ErrModelNotFound) {
		t.Fatalf("LoadActive error = %v, want ErrModelNotFound", err)
	}
}
