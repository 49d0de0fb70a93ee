package db

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/recoverytools/rflash/pkg/errors"
	_ "modernc.org/sqlite"
)

// Repository provides database operations for flashes and preferences
type Repository struct {
	db *sql.DB
}

// NewRepository creates a new repository
func NewRepository(dbPath string) (*Repository, error) {
	slog.Info("database_init", "db_path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		slog.Error("database_open_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to open database")
	}

	slog.Info("database_create_schema", "db_path", dbPath)
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		slog.Error("database_schema_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to create schema")
	}

	slog.Info("database_ready", "db_path", dbPath)
	return &Repository{db: db}, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

const flashColumns = `id, run_id, image_name, image_url, chrome_version, device_kind, target, status,
	bytes_written, total_bytes, error_kind, error_message, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanFlash(s scanner) (*Flash, error) {
	var f Flash
	var chromeVersion, errorKind, errorMessage sql.NullString

	err := s.Scan(
		&f.ID, &f.RunID, &f.ImageName, &f.ImageURL, &chromeVersion, &f.DeviceKind, &f.Target, &f.Status,
		&f.BytesWritten, &f.TotalBytes, &errorKind, &errorMessage, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}

	f.ChromeVersion = chromeVersion.String
	f.ErrorKind = errorKind.String
	f.ErrorMessage = errorMessage.String
	return &f, nil
}

// CreateFlash inserts a new flash record
func (r *Repository) CreateFlash(f *Flash) error {
	slog.Info("database_create_flash", "run_id", f.RunID, "status", f.Status)

	query := `
		INSERT INTO flashes (run_id, image_name, image_url, chrome_version, device_kind, target, status,
		                     bytes_written, total_bytes, error_kind, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := r.db.Exec(query,
		f.RunID, f.ImageName, f.ImageURL, f.ChromeVersion, f.DeviceKind, f.Target, f.Status,
		f.BytesWritten, f.TotalBytes, f.ErrorKind, f.ErrorMessage)
	if err != nil {
		slog.Error("database_insert_failed", "run_id", f.RunID, "error", err)
		return errors.Wrap(err, "failed to insert flash")
	}

	id, err := result.LastInsertId()
	if err != nil {
		slog.Error("database_last_insert_id_failed", "run_id", f.RunID, "error", err)
		return errors.Wrap(err, "failed to get last insert id")
	}
	f.ID = id

	slog.Info("database_flash_created", "run_id", f.RunID, "flash_id", f.ID)
	return nil
}

// GetFlash retrieves a flash by run id. Returns nil if not found.
func (r *Repository) GetFlash(runID string) (*Flash, error) {
	query := `SELECT ` + flashColumns + ` FROM flashes WHERE run_id = ?`

	f, err := scanFlash(r.db.QueryRow(query, runID))
	if err == sql.ErrNoRows {
		slog.Info("database_flash_not_found", "run_id", runID)
		return nil, nil
	}
	if err != nil {
		slog.Error("database_query_failed", "run_id", runID, "error", err)
		return nil, errors.Wrap(err, "failed to query flash")
	}
	return f, nil
}

// UpdateFlash stores the progress fields of an existing flash
func (r *Repository) UpdateFlash(f *Flash) error {
	slog.Info("database_update_flash", "run_id", f.RunID, "status", f.Status, "bytes_written", f.BytesWritten)

	query := `
		UPDATE flashes
		SET status = ?, bytes_written = ?, total_bytes = ?, error_kind = ?, error_message = ?,
		    updated_at = CURRENT_TIMESTAMP
		WHERE run_id = ?
	`
	result, err := r.db.Exec(query,
		f.Status, f.BytesWritten, f.TotalBytes, f.ErrorKind, f.ErrorMessage, f.RunID)
	if err != nil {
		slog.Error("database_update_failed", "run_id", f.RunID, "error", err)
		return errors.Wrap(err, "failed to update flash")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		slog.Error("database_rows_affected_failed", "run_id", f.RunID, "error", err)
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		slog.Error("database_flash_not_found_for_update", "run_id", f.RunID)
		return fmt.Errorf("flash not found: run_id=%s", f.RunID)
	}
	return nil
}

// ListFlashes returns the most recent flashes first. limit <= 0 returns all.
func (r *Repository) ListFlashes(limit int) ([]*Flash, error) {
	slog.Info("database_list_flashes", "limit", limit)

	query := `SELECT ` + flashColumns + ` FROM flashes ORDER BY id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		slog.Error("database_list_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list flashes")
	}
	defer rows.Close()

	var flashes []*Flash
	for rows.Next() {
		f, err := scanFlash(rows)
		if err != nil {
			slog.Error("database_scan_row_failed", "error", err)
			return nil, errors.Wrap(err, "failed to scan row")
		}
		flashes = append(flashes, f)
	}

	if err := rows.Err(); err != nil {
		slog.Error("database_rows_error", "error", err)
		return nil, errors.Wrap(err, "rows error")
	}

	slog.Info("database_list_complete", "flash_count", len(flashes))
	return flashes, nil
}

// DeleteFlashes removes all flash history and reports how many rows went.
func (r *Repository) DeleteFlashes() (int64, error) {
	slog.Info("database_delete_flashes")

	result, err := r.db.Exec(`DELETE FROM flashes`)
	if err != nil {
		slog.Error("database_delete_failed", "error", err)
		return 0, errors.Wrap(err, "failed to delete flashes")
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}

	slog.Info("database_flashes_deleted", "count", n)
	return n, nil
}

// GetPreferences returns the saved preferences, or nil if none were saved.
func (r *Repository) GetPreferences() (*Preferences, error) {
	var p Preferences
	var consent int

	err := r.db.QueryRow(`SELECT device_kind, target, consent, updated_at FROM preferences WHERE id = 1`).
		Scan(&p.DeviceKind, &p.Target, &consent, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("database_preferences_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to query preferences")
	}

	p.Consent = consent != 0
	return &p, nil
}

// SavePreferences replaces the saved preferences.
func (r *Repository) SavePreferences(p *Preferences) error {
	slog.Info("database_save_preferences", "device_kind", p.DeviceKind, "target", p.Target, "consent", p.Consent)

	consent := 0
	if p.Consent {
		consent = 1
	}

	query := `
		INSERT INTO preferences (id, device_kind, target, consent) VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		    device_kind = excluded.device_kind,
		    target = excluded.target,
		    consent = excluded.consent,
		    updated_at = CURRENT_TIMESTAMP
	`
	if _, err := r.db.Exec(query, p.DeviceKind, p.Target, consent); err != nil {
		slog.Error("database_save_preferences_failed", "error", err)
		return errors.Wrap(err, "failed to save preferences")
	}
	return nil
}

// ClearPreferences removes the saved preferences.
func (r *Repository) ClearPreferences() error {
	slog.Info("database_clear_preferences")

	if _, err := r.db.Exec(`DELETE FROM preferences`); err != nil {
		slog.Error("database_clear_preferences_failed", "error", err)
		return errors.Wrap(err, "failed to clear preferences")
	}
	return nil
}
