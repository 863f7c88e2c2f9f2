package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vidmanual/vidmanual-agent/internal/backend"
)

// SessionRecord is the persisted form of a wizard session.
type SessionRecord struct {
	ID          string
	VideoID     string
	Filename    string
	SizeBytes   int64
	DurationSec *float64
	Title       string
	Phase       string
	Stage       string
	FailedStage string
	Status      string
	ErrorKind   string
	Details     map[string]string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Repository interface {
	SaveSession(ctx context.Context, rec *SessionRecord) error
	GetSession(ctx context.Context, id string) (*SessionRecord, error)
	ListSessions(ctx context.Context, limit int) ([]*SessionRecord, error)
	DeleteSession(ctx context.Context, id string) error

	ReplaceExports(ctx context.Context, sessionID string, results []backend.ExportResult) error
	ListExports(ctx context.Context, sessionID string) ([]backend.ExportResult, error)

	GetConfig(ctx context.Context, key string) (string, error)
	SetConfig(ctx context.Context, key, value string) error
}

type SQLiteRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// SaveSession inserts rec or overwrites the stored row with the same id.
func (r *SQLiteRepository) SaveSession(ctx context.Context, rec *SessionRecord) error {
	var details sql.NullString
	if len(rec.Details) > 0 {
		b, err := json.Marshal(rec.Details)
		if err != nil {
			return fmt.Errorf("marshal details: %w", err)
		}
		details = sql.NullString{String: string(b), Valid: true}
	}

	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = now()
	}
	updatedAt := rec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = now()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (id, video_id, filename, size_bytes, duration_sec, title, phase, stage,
			failed_stage, status, error_kind, details_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			phase = excluded.phase,
			stage = excluded.stage,
			failed_stage = excluded.failed_stage,
			status = excluded.status,
			error_kind = excluded.error_kind,
			details_json = excluded.details_json,
			updated_at = excluded.updated_at
	`, rec.ID, rec.VideoID, rec.Filename, rec.SizeBytes, nullFloat(rec.DurationSec), nullString(rec.Title),
		rec.Phase, rec.Stage, nullString(rec.FailedStage), nullString(rec.Status), nullString(rec.ErrorKind),
		details, formatTime(createdAt), formatTime(updatedAt))
	return err
}

const sessionColumns = `id, video_id, filename, size_bytes, duration_sec, title, phase, stage,
	failed_stage, status, error_kind, details_json, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*SessionRecord, error) {
	var rec SessionRecord
	var duration sql.NullFloat64
	var title, failedStage, status, errorKind, details sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&rec.ID, &rec.VideoID, &rec.Filename, &rec.SizeBytes, &duration, &title, &rec.Phase, &rec.Stage,
		&failedStage, &status, &errorKind, &details, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if duration.Valid {
		d := duration.Float64
		rec.DurationSec = &d
	}
	rec.Title = title.String
	rec.FailedStage = failedStage.String
	rec.Status = status.String
	rec.ErrorKind = errorKind.String
	if details.Valid && details.String != "" {
		if err := json.Unmarshal([]byte(details.String), &rec.Details); err != nil {
			return nil, fmt.Errorf("session %s: decode details: %w", rec.ID, err)
		}
	}
	rec.CreatedAt = parseTime(createdAt)
	rec.UpdatedAt = parseTime(updatedAt)
	return &rec, nil
}

// GetSession returns nil, nil when no session has that id.
func (r *SQLiteRepository) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	rec, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

// ListSessions returns the newest sessions first. A limit of zero or less
// returns all of them.
func (r *SQLiteRepository) ListSessions(ctx context.Context, limit int) ([]*SessionRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, rec)
	}
	return sessions, rows.Err()
}

func (r *SQLiteRepository) DeleteSession(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id)
	return err
}

// ReplaceExports makes the stored results of a session match results. Rows
// for formats not in results are deleted. A row that already holds the same
// document keeps its created_at.
func (r *SQLiteRepository) ReplaceExports(ctx context.Context, sessionID string, results []backend.ExportResult) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace exports: %w", err)
	}
	defer tx.Rollback()

	keep := make(map[string]bool, len(results))
	for _, res := range results {
		keep[string(res.Format)] = true
		_, err := tx.ExecContext(ctx, `
			INSERT INTO export_results (session_id, format, video_id, output_path, download_url, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (session_id, format) DO UPDATE SET
				video_id = excluded.video_id,
				output_path = excluded.output_path,
				download_url = excluded.download_url,
				created_at = excluded.created_at
			WHERE export_results.output_path != excluded.output_path
				OR export_results.download_url != excluded.download_url
		`, sessionID, string(res.Format), res.VideoID, res.OutputPath, res.DownloadURL, formatTime(now()))
		if err != nil {
			return fmt.Errorf("store %s export: %w", res.Format, err)
		}
	}

	for _, f := range backend.Formats {
		if keep[string(f)] {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM export_results WHERE session_id = ? AND format = ?", sessionID, string(f),
		); err != nil {
			return fmt.Errorf("clear %s export: %w", f, err)
		}
	}
	return tx.Commit()
}

func (r *SQLiteRepository) ListExports(ctx context.Context, sessionID string) ([]backend.ExportResult, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT video_id, format, output_path, download_url
		FROM export_results WHERE session_id = ? ORDER BY created_at
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []backend.ExportResult
	for rows.Next() {
		var res backend.ExportResult
		var format string
		if err := rows.Scan(&res.VideoID, &format, &res.OutputPath, &res.DownloadURL); err != nil {
			return nil, err
		}
		res.Format = backend.Format(format)
		results = append(results, res)
	}
	return results, rows.Err()
}

func (r *SQLiteRepository) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, "SELECT value FROM config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func (r *SQLiteRepository) SetConfig(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

func now() time.Time {
	return time.Now().UTC()
}

// timeLayout is fixed width so that stored timestamps sort as strings.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}
