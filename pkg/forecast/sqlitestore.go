package forecast

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/epicast/epicast-go/internal/sqlitedb"
	"github.com/epicast/epicast-go/pkg/models"
)

// SQLiteStore stores forecast points in SQLite, one row per (disease, date).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and if needed initializes) a forecast store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlitedb.Open(dbPath)
	if err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS forecast_points (
		disease TEXT NOT NULL,
		date TEXT NOT NULL,
		predicted REAL NOT NULL,
		actual REAL,
		model_version INTEGER NOT NULL,
		PRIMARY KEY (disease, date)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// UpsertPoints writes a batch of forecast points in one transaction,
// replacing any previous forecast for the same (disease, date).
func (s *SQLiteStore) UpsertPoints(ctx context.Context, points []models.ForecastPoint) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO forecast_points (disease, date, predicted, actual, model_version)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(disease, date) DO UPDATE SET
			predicted = excluded.predicted,
			actual = excluded.actual,
			model_version = excluded.model_version`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, p := range points {
		var actual sql.NullFloat64
		if p.Actual != nil {
			actual = sql.NullFloat64{Float64: *p.Actual, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx,
			p.Disease, models.Day(p.Date).Format(models.DateLayout),
			p.Predicted, actual, p.ModelVersion); err != nil {
			return fmt.Errorf("failed to insert forecast %s/%s: %w",
				p.Disease, p.Date.Format(models.DateLayout), err)
		}
	}
	return tx.Commit()
}

// Points returns stored forecasts for a disease in [from, to], ordered by
// date.
func (s *SQLiteStore) Points(ctx context.Context, disease string, from, to time.Time) ([]models.ForecastPoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT date, predicted, actual, model_version FROM forecast_points
		WHERE disease = ? AND date >= ? AND date <= ?
		ORDER BY date`,
		disease,
		models.Day(from).Format(models.DateLayout), models.Day(to).Format(models.DateLayout))
	if err != nil {
		return nil, fmt.Errorf("failed to query forecasts: %w", err)
	}
	defer rows.Close()

	points := make([]models.ForecastPoint, 0)
	for rows.Next() {
		var dateStr string
		var p models.ForecastPoint
		var actual sql.NullFloat64
		if err := rows.Scan(&dateStr, &p.Predicted, &actual, &p.ModelVersion); err != nil {
			return nil, fmt.Errorf("failed to scan forecast: %w", err)
		}
		date, err := models.ParseDate(dateStr)
		if err != nil {
			return nil, err
		}
		p.Disease = disease
		p.Date = date
		if actual.Valid {
			a := actual.Float64
			p.Actual = &a
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

var _ Store = (*SQLiteStore)(nil)
