// Package sqlite keeps the history of finished runs in a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ahrdadan/quizpilot/internal/log"
	"github.com/ahrdadan/quizpilot/internal/model"
	"github.com/ahrdadan/quizpilot/internal/storage/sqlite/migrations"
)

// DefaultListLimit caps history listings without an explicit limit.
const DefaultListLimit = 50

// RepositoryConfig is the configuration for the SQLite repository.
type RepositoryConfig struct {
	DBPath string
	Logger log.Logger
}

func (c *RepositoryConfig) defaults() error {
	if c.DBPath == "" {
		return fmt.Errorf("db path is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "storage.SQLite"})
	return nil
}

// Repository stores run snapshots.
type Repository struct {
	db     *sql.DB
	logger log.Logger
}

// NewRepository opens the database and applies migrations.
func NewRepository(ctx context.Context, cfg RepositoryConfig) (*Repository, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("could not create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.DBPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	migrator, err := migrations.NewMigrator(db, cfg.Logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("could not create migrator: %w", err)
	}
	if err := migrator.Up(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not run migrations: %w", err)
	}

	cfg.Logger.Debugf("SQLite run history initialized at %s", cfg.DBPath)

	return &Repository{db: db, logger: cfg.Logger}, nil
}

// Close closes the database connection.
func (r *Repository) Close() error { return r.db.Close() }

// SaveRun inserts or replaces the stored snapshot of a run.
func (r *Repository) SaveRun(ctx context.Context, s model.RunSnapshot) error {
	if s.ID == "" {
		return fmt.Errorf("run id is required: %w", model.ErrNotValid)
	}

	var finishedAt *int64
	if s.FinishedAt != nil {
		u := s.FinishedAt.UnixMilli()
		finishedAt = &u
	}
	var errKind, errDetail *string
	if s.LastError != nil {
		errKind, errDetail = &s.LastError.Kind, &s.LastError.Detail
	}
	results, err := encodeResults(s.Results)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO runs (
			id, quiz_url, state, answered, manual_reason,
			error_kind, error_detail, results,
			started_at, updated_at, finished_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			answered = excluded.answered,
			manual_reason = excluded.manual_reason,
			error_kind = excluded.error_kind,
			error_detail = excluded.error_detail,
			results = excluded.results,
			updated_at = excluded.updated_at,
			finished_at = excluded.finished_at
	`

	_, err = r.db.ExecContext(ctx, query,
		s.ID,
		s.QuizURL,
		string(s.State),
		s.Answered,
		s.ManualReason,
		errKind,
		errDetail,
		results,
		s.StartedAt.UnixMilli(),
		s.UpdatedAt.UnixMilli(),
		finishedAt,
	)
	if err != nil {
		return fmt.Errorf("could not save run: %w", err)
	}

	r.logger.Debugf("Saved run %s (%s)", s.ID, s.State)
	return nil
}

const selectRuns = `
	SELECT
		id, quiz_url, state, answered, manual_reason,
		error_kind, error_detail, results,
		started_at, updated_at, finished_at
	FROM runs
`

// GetRun returns the stored snapshot of run id.
func (r *Repository) GetRun(ctx context.Context, id string) (*model.RunSnapshot, error) {
	row := r.db.QueryRowContext(ctx, selectRuns+" WHERE id = ?", id)

	s, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("run %s: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not get run: %w", err)
	}
	return s, nil
}

// ListRuns returns the most recent runs first.
func (r *Repository) ListRuns(ctx context.Context, limit int) ([]model.RunSnapshot, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	rows, err := r.db.QueryContext(ctx, selectRuns+" ORDER BY started_at DESC, id DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("could not list runs: %w", err)
	}
	defer rows.Close()

	runs := []model.RunSnapshot{}
	for rows.Next() {
		s, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("could not scan run: %w", err)
		}
		runs = append(runs, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("could not iterate runs: %w", err)
	}

	return runs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*model.RunSnapshot, error) {
	var (
		s          model.RunSnapshot
		state      string
		errKind    sql.NullString
		errDetail  sql.NullString
		results    string
		startedAt  int64
		updatedAt  int64
		finishedAt sql.NullInt64
	)

	err := sc.Scan(
		&s.ID, &s.QuizURL, &state, &s.Answered, &s.ManualReason,
		&errKind, &errDetail, &results,
		&startedAt, &updatedAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}

	s.State = model.RunState(state)
	s.StartedAt = time.UnixMilli(startedAt).UTC()
	s.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	if finishedAt.Valid {
		t := time.UnixMilli(finishedAt.Int64).UTC()
		s.FinishedAt = &t
	}
	if errKind.Valid {
		s.LastError = &model.ErrorInfo{Kind: errKind.String, Detail: errDetail.String}
	}
	if s.Results, err = decodeResults(results); err != nil {
		return nil, err
	}

	return &s, nil
}

func encodeResults(results []model.QuestionResult) (string, error) {
	if len(results) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(results)
	if err != nil {
		return "", fmt.Errorf("could not encode question results: %w", err)
	}
	return string(data), nil
}

// decodeResults returns nil for runs without results.
func decodeResults(raw string) ([]model.QuestionResult, error) {
	var results []model.QuestionResult
	if err := json.Unmarshal([]byte(raw), &results); err != nil {
		return nil, fmt.Errorf("could not decode question results: %w", err)
	}
	if len(results) == 0 {
		return nil, nil
	}
	return results, nil
}
