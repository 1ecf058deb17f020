package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	apperrors "smartarb-advisor/internal/errors"
	"smartarb-advisor/internal/models"
)

// SQLiteStore implements HistoryStore and ConfigStore using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var (
	_ HistoryStore = (*SQLiteStore)(nil)
	_ ConfigStore  = (*SQLiteStore)(nil)
)

// NewSQLiteStore opens (or creates) the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates all required tables and indexes.
func (s *SQLiteStore) initSchema() error {
	schema := `
	-- One row per completed analysis run
	CREATE TABLE IF NOT EXISTS analysis_runs (
		run_id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		completed_at DATETIME NOT NULL,
		report_ref TEXT NOT NULL,
		recommendation_count INTEGER NOT NULL,
		applied_count INTEGER NOT NULL DEFAULT 0,
		total_profit TEXT NOT NULL,
		success_rate REAL NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Report and surviving recommendations per run
	CREATE TABLE IF NOT EXISTS run_artifacts (
		run_id TEXT NOT NULL,
		artifact TEXT NOT NULL,
		body TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (run_id, artifact),
		FOREIGN KEY (run_id) REFERENCES analysis_runs(run_id)
	);

	-- Tunable configuration values written by auto-apply or operators
	CREATE TABLE IF NOT EXISTS config_values (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);

	-- Change log for config_values
	CREATE TABLE IF NOT EXISTS config_changes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		key TEXT NOT NULL,
		old_value TEXT,
		new_value TEXT NOT NULL,
		source TEXT NOT NULL,
		run_id TEXT,
		applied_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_completed ON analysis_runs(completed_at);
	CREATE INDEX IF NOT EXISTS idx_runs_kind ON analysis_runs(kind);
	CREATE INDEX IF NOT EXISTS idx_config_changes_key ON config_changes(key);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const (
	artifactReport          = "report"
	artifactRecommendations = "recommendations"
)

// AppendRun saves a completed run and its artifacts.
func (s *SQLiteStore) AppendRun(ctx context.Context, record models.AnalysisHistoryRecord, artifacts models.RunArtifacts) error {
	report, err := json.Marshal(artifacts.Report)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	recs := artifacts.Recommendations
	if recs == nil {
		recs = []models.Recommendation{}
	}
	recommendations, err := json.Marshal(recs)
	if err != nil {
		return fmt.Errorf("failed to encode recommendations: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", apperrors.ErrDatabaseError, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO analysis_runs (run_id, request_id, kind, completed_at, report_ref, recommendation_count, applied_count, total_profit, success_rate)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, record.RunID, record.RequestID, string(record.Kind), record.CompletedAt.UTC(), record.ReportRef,
		record.RecommendationCount, record.AppliedCount, record.TotalProfit.String(), record.SuccessRate)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}

	for name, body := range map[string][]byte{artifactReport: report, artifactRecommendations: recommendations} {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO run_artifacts (run_id, artifact, body) VALUES (?, ?, ?)
		`, record.RunID, name, string(body)); err != nil {
			return fmt.Errorf("failed to save %s artifact: %w", name, err)
		}
	}

	return tx.Commit()
}

// ListRuns returns the most recent runs matching filter, oldest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter HistoryFilter) ([]models.AnalysisHistoryRecord, error) {
	query := `SELECT run_id, request_id, kind, completed_at, report_ref, recommendation_count, applied_count, total_profit, success_rate
		FROM analysis_runs WHERE 1=1`
	args := []interface{}{}

	if filter.Kind != "" {
		query += " AND kind = ?"
		args = append(args, string(filter.Kind))
	}
	if !filter.Since.IsZero() {
		query += " AND completed_at >= ?"
		args = append(args, filter.Since.UTC())
	}
	query += " ORDER BY completed_at DESC, run_id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var records []models.AnalysisHistoryRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Flip back to chronological order.
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records, nil
}

// GetRun retrieves one history record.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*models.AnalysisHistoryRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, request_id, kind, completed_at, report_ref, recommendation_count, applied_count, total_profit, success_rate
		FROM analysis_runs WHERE run_id = ?
	`, runID)
	rec, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NewDataError("run", runID, "not found", apperrors.ErrDataNotFound)
	}
	return rec, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*models.AnalysisHistoryRecord, error) {
	var rec models.AnalysisHistoryRecord
	var kind, profit string
	if err := row.Scan(&rec.RunID, &rec.RequestID, &kind, &rec.CompletedAt, &rec.ReportRef,
		&rec.RecommendationCount, &rec.AppliedCount, &profit, &rec.SuccessRate); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}
	rec.Kind = models.RequestKind(kind)
	p, err := decimal.NewFromString(profit)
	if err != nil {
		return nil, fmt.Errorf("failed to parse total_profit %q: %w", profit, err)
	}
	rec.TotalProfit = p
	return &rec, nil
}

// GetArtifacts loads the stored report and recommendations of a run.
func (s *SQLiteStore) GetArtifacts(ctx context.Context, runID string) (*models.RunArtifacts, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT artifact, body FROM run_artifacts WHERE run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query artifacts: %w", err)
	}
	defer rows.Close()

	out := &models.RunArtifacts{RunID: runID}
	found := 0
	for rows.Next() {
		var name, body string
		if err := rows.Scan(&name, &body); err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		switch name {
		case artifactReport:
			err = json.Unmarshal([]byte(body), &out.Report)
		case artifactRecommendations:
			err = json.Unmarshal([]byte(body), &out.Recommendations)
		default:
			continue
		}
		if err != nil {
			return nil, apperrors.NewDataError("artifact", runID, "decode "+name, err)
		}
		found++
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if found == 0 {
		return nil, apperrors.NewDataError("artifact", runID, "not found", apperrors.ErrDataNotFound)
	}
	return out, nil
}

// GetConfigValue returns the stored value for key.
func (s *SQLiteStore) GetConfigValue(ctx context.Context, key string) (json.RawMessage, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM config_values WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get config value: %w", err)
	}
	return json.RawMessage(value), true, nil
}

// ConfigValues returns every stored config value.
func (s *SQLiteStore) ConfigValues(ctx context.Context) (map[string]json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM config_values`)
	if err != nil {
		return nil, fmt.Errorf("failed to query config values: %w", err)
	}
	defer rows.Close()

	values := make(map[string]json.RawMessage)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		values[k] = json.RawMessage(v)
	}
	return values, rows.Err()
}

// SetConfigValues writes all values in a single transaction. A nil value
// deletes the key; the change log records it with an empty new value.
func (s *SQLiteStore) SetConfigValues(ctx context.Context, values map[string]json.RawMessage, source, runID string) error {
	keys := make([]string, 0, len(values))
	for k, v := range values {
		if v != nil && !json.Valid(v) {
			return apperrors.NewValidationError(k, string(v), "value is not valid JSON")
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", apperrors.ErrDatabaseError, err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, k := range keys {
		var old sql.NullString
		err := tx.QueryRowContext(ctx, `SELECT value FROM config_values WHERE key = ?`, k).Scan(&old)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("failed to read %s: %w", k, err)
		}
		if values[k] == nil {
			if !old.Valid {
				continue
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM config_values WHERE key = ?`, k); err != nil {
				return fmt.Errorf("failed to delete %s: %w", k, err)
			}
		} else if _, err := tx.ExecContext(ctx, `
			INSERT INTO config_values (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
		`, k, string(values[k]), now); err != nil {
			return fmt.Errorf("failed to write %s: %w", k, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO config_changes (key, old_value, new_value, source, run_id, applied_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, k, old, string(values[k]), source, runID, now); err != nil {
			return fmt.Errorf("failed to log change for %s: %w", k, err)
		}
	}

	return tx.Commit()
}

const changeColumns = `SELECT id, key, COALESCE(old_value, ''), new_value, source, COALESCE(run_id, ''), applied_at
		FROM config_changes`

// ConfigChanges returns the most recent change log entries, newest first.
func (s *SQLiteStore) ConfigChanges(ctx context.Context, limit int) ([]models.ConfigChangeRecord, error) {
	query := changeColumns + ` ORDER BY id DESC`
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.queryChanges(ctx, query, args...)
}

// ConfigChangesForRun returns the changes written under runID, oldest first.
func (s *SQLiteStore) ConfigChangesForRun(ctx context.Context, runID string) ([]models.ConfigChangeRecord, error) {
	return s.queryChanges(ctx, changeColumns+` WHERE run_id = ? ORDER BY id ASC`, runID)
}

func (s *SQLiteStore) queryChanges(ctx context.Context, query string, args ...interface{}) ([]models.ConfigChangeRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query config changes: %w", err)
	}
	defer rows.Close()

	var changes []models.ConfigChangeRecord
	for rows.Next() {
		var c models.ConfigChangeRecord
		if err := rows.Scan(&c.ID, &c.Key, &c.OldValue, &c.NewValue, &c.Source, &c.RunID, &c.AppliedAt); err != nil {
			return nil, fmt.Errorf("failed to scan config change: %w", err)
		}
		changes = append(changes, c)
	}
	return changes, rows.Err()
}
