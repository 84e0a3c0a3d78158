package series

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/epicast/epicast-go/internal/sqlitedb"
	"github.com/epicast/epicast-go/pkg/models"
)

// SQLiteStore persists observations in SQLite. One row per (kind, series,
// date); re-ingesting a date replaces the value, which supports idempotent
// imports.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and if needed initializes) an observation store.
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
	CREATE TABLE IF NOT EXISTS observations (
		kind TEXT NOT NULL,
		series TEXT NOT NULL,
		date TEXT NOT NULL,
		value REAL NOT NULL,
		PRIMARY KEY (kind, series, date)
	);

	CREATE INDEX IF NOT EXISTS idx_observations_series_date ON observations(series, date);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// PutObservations upserts a batch of observations in one transaction.
func (s *SQLiteStore) PutObservations(ctx context.Context, kind models.ObservationKind, obs []models.Observation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO observations (kind, series, date, value) VALUES (?, ?, ?, ?)
		ON CONFLICT(kind, series, date) DO UPDATE SET value = excluded.value`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, o := range obs {
		if _, err := stmt.ExecContext(ctx, string(kind), o.Series, models.Day(o.Date).Format(models.DateLayout), o.Value); err != nil {
			return fmt.Errorf("failed to insert observation %s/%s: %w", o.Series, o.Date.Format(models.DateLayout), err)
		}
	}
	return tx.Commit()
}

// CaseSeries returns case-count observations for a disease, ordered by date.
func (s *SQLiteStore) CaseSeries(ctx context.Context, disease string, from, to time.Time) ([]models.Observation, error) {
	return s.query(ctx, models.KindCases, disease, from, to)
}

// SalesSeries returns product-sales observations, ordered by date.
func (s *SQLiteStore) SalesSeries(ctx context.Context, product string, from, to time.Time) ([]models.Observation, error) {
	return s.query(ctx, models.KindSales, product, from, to)
}

func (s *SQLiteStore) query(ctx context.Context, kind models.ObservationKind, seriesName string, from, to time.Time) ([]models.Observation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT date, value FROM observations
		WHERE kind = ? AND series = ? AND date >= ? AND date <= ?
		ORDER BY date`,
		string(kind), seriesName,
		models.Day(from).Format(models.DateLayout), models.Day(to).Format(models.DateLayout))
	if err != nil {
		return nil, fmt.Errorf("failed to query observations: %w", err)
	}
	defer rows.Close()

	obs := make([]models.Observation, 0)
	for rows.Next() {
		var dateStr string
		var value float64
		if err := rows.Scan(&dateStr, &value); err != nil {
			return nil, fmt.Errorf("failed to scan observation: %w", err)
		}
		date, err := models.ParseDate(dateStr)
		if err != nil {
			return nil, err
		}
		obs = append(obs, models.Observation{Date: date, Series: seriesName, Value: value})
	}
	return obs, rows.Err()
}

var (
	_ Reader = (*SQLiteStore)(nil)
	_ Writer = (*SQLiteStore)(nil)
)
