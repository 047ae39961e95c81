// Package runstore keeps the history of training runs and cohort
// evaluations in a SQLite database.
package runstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/brainage/brainage/training"
	"github.com/brainage/brainage/vision/dataset"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("run not found")

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id            TEXT PRIMARY KEY,
	started_at    INTEGER NOT NULL,
	finished_at   INTEGER,
	config        TEXT NOT NULL DEFAULT '{}',
	best_epoch    INTEGER NOT NULL DEFAULT -1,
	best_val_loss REAL,
	stopped_early INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS epochs (
	run_id        TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	epoch         INTEGER NOT NULL,
	learning_rate REAL NOT NULL,
	max_grad_norm REAL NOT NULL,
	train_loss    REAL NOT NULL,
	val_loss      REAL NOT NULL,
	train_mae     REAL NOT NULL,
	train_rmse    REAL NOT NULL,
	val_mae       REAL NOT NULL,
	val_rmse      REAL NOT NULL,
	improved      INTEGER NOT NULL,
	duration_ns   INTEGER NOT NULL,
	PRIMARY KEY (run_id, epoch)
);
CREATE TABLE IF NOT EXISTS cohort_results (
	run_id       TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	cohort       TEXT NOT NULL,
	subjects     INTEGER NOT NULL,
	empty        INTEGER NOT NULL,
	mae          REAL NOT NULL,
	rmse         REAL NOT NULL,
	mean_gap     REAL NOT NULL,
	std_gap      REAL NOT NULL,
	evaluated_at INTEGER NOT NULL,
	PRIMARY KEY (run_id, cohort)
);
`

// Run is a stored training run.
type Run struct {
	ID           string
	StartedAt    time.Time
	FinishedAt   *time.Time
	Config       training.Config
	BestEpoch    int
	BestValLoss  *float64
	StoppedEarly bool
}

// Store persists runs in SQLite. It implements training.Reporter so it can
// be attached to a Trainer or Evaluator directly.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ training.Reporter = (*Store)(nil)

// Open opens (or creates) the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", path))
	if err != nil {
		return nil, fmt.Errorf("open run store: %w", err)
	}
	// one writer; SQLite serializes anyway and :memory: databases are per connection
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply run store schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateRun records the start of a run with its configuration.
func (s *Store) CreateRun(ctx context.Context, id string, cfg training.Config) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal run config: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, started_at, config) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET config = excluded.config`,
		id, s.now().UnixNano(), string(raw))
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// FinishRun stores the outcome of a completed Fit.
func (s *Store) FinishRun(ctx context.Context, h *training.History) error {
	var best any
	if h.BestEpoch >= 0 {
		best = h.BestValLoss
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, best_epoch = ?, best_val_loss = ?, stopped_early = ? WHERE id = ?`,
		s.now().UnixNano(), h.BestEpoch, best, h.StoppedEarly, h.RunID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) ensureRun(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO runs (id, started_at) VALUES (?, ?)`, id, s.now().UnixNano())
	if err != nil {
		return fmt.Errorf("ensure run: %w", err)
	}
	return nil
}

// ReportEpoch stores one epoch row, replacing an earlier row for the same epoch.
func (s *Store) ReportEpoch(ctx context.Context, r training.EpochReport) error {
	if err := s.ensureRun(ctx, r.RunID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO epochs (run_id, epoch, learning_rate, max_grad_norm, train_loss, val_loss,
			train_mae, train_rmse, val_mae, val_rmse, improved, duration_ns)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.Epoch, r.LearningRate, r.MaxGradNorm, r.TrainLoss, r.ValLoss,
		r.Train.MAE, r.Train.RMSE, r.Val.MAE, r.Val.RMSE, r.Improved, int64(r.Duration))
	if err != nil {
		return fmt.Errorf("save epoch %d: %w", r.Epoch, err)
	}
	return nil
}

// ReportEvaluation stores the per-cohort results of an evaluation in one
// transaction.
func (s *Store) ReportEvaluation(ctx context.Context, runID string, r *training.EvaluationReport) error {
	if err := s.ensureRun(ctx, runID); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin evaluation tx: %w", err)
	}
	defer tx.Rollback()

	at := s.now().UnixNano()
	for _, c := range r.Cohorts {
		_, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO cohort_results (run_id, cohort, subjects, empty, mae, rmse, mean_gap, std_gap, evaluated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, c.Cohort.String(), c.Count, c.Empty, c.MAE, c.RMSE, c.MeanGap, c.StdGap, at)
		if err != nil {
			return fmt.Errorf("save cohort %s: %w", c.Cohort, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit evaluation: %w", err)
	}
	return nil
}

type runRow struct {
	ID           string
	StartedAt    int64
	FinishedAt   sql.NullInt64
	Config       string
	BestEpoch    int
	BestValLoss  sql.NullFloat64
	StoppedEarly bool
}

func (row runRow) toRun() (Run, error) {
	run := Run{
		ID:           row.ID,
		StartedAt:    time.Unix(0, row.StartedAt),
		BestEpoch:    row.BestEpoch,
		StoppedEarly: row.StoppedEarly,
	}
	if row.FinishedAt.Valid {
		t := time.Unix(0, row.FinishedAt.Int64)
		run.FinishedAt = &t
	}
	if row.BestValLoss.Valid {
		v := row.BestValLoss.Float64
		run.BestValLoss = &v
	}
	if err := json.Unmarshal([]byte(row.Config), &run.Config); err != nil {
		return Run{}, fmt.Errorf("decode config of run %s: %w", row.ID, err)
	}
	return run, nil
}

const runColumns = `id, started_at, finished_at, config, best_epoch, best_val_loss, stopped_early`

func scanRun(sc interface{ Scan(...any) error }) (Run, error) {
	var row runRow
	if err := sc.Scan(&row.ID, &row.StartedAt, &row.FinishedAt, &row.Config,
		&row.BestEpoch, &row.BestValLoss, &row.StoppedEarly); err != nil {
		return Run{}, err
	}
	return row.toRun()
}

// GetRun returns a run by id.
func (s *Store) GetRun(ctx context.Context, id string) (Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, ErrNotFound
		}
		return Run{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns returns all runs, newest first.
func (s *Store) ListRuns(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Epochs returns the epoch reports of a run in epoch order.
func (s *Store) Epochs(ctx context.Context, runID string) ([]training.EpochReport, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT epoch, learning_rate, max_grad_norm, train_loss, val_loss,
			train_mae, train_rmse, val_mae, val_rmse, improved, duration_ns
		 FROM epochs WHERE run_id = ? ORDER BY epoch`, runID)
	if err != nil {
		return nil, fmt.Errorf("list epochs: %w", err)
	}
	defer rows.Close()

	var out []training.EpochReport
	for rows.Next() {
		r := training.EpochReport{RunID: runID}
		var ns int64
		if err := rows.Scan(&r.Epoch, &r.LearningRate, &r.MaxGradNorm, &r.TrainLoss, &r.ValLoss,
			&r.Train.MAE, &r.Train.RMSE, &r.Val.MAE, &r.Val.RMSE, &r.Improved, &ns); err != nil {
			return nil, fmt.Errorf("scan epoch: %w", err)
		}
		r.Train.MSE = r.Train.RMSE * r.Train.RMSE
		r.Val.MSE = r.Val.RMSE * r.Val.RMSE
		r.Duration = time.Duration(ns)
		out = append(out, r)
	}
	return out, rows.Err()
}

// CohortResults returns the latest evaluation of a run in reporting order.
func (s *Store) CohortResults(ctx context.Context, runID string) ([]training.CohortResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT cohort, subjects, empty, mae, rmse, mean_gap, std_gap FROM cohort_results WHERE run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("list cohort results: %w", err)
	}
	defer rows.Close()

	byCohort := make(map[dataset.Cohort]training.CohortResult)
	for rows.Next() {
		var name string
		var c training.CohortResult
		if err := rows.Scan(&name, &c.Count, &c.Empty, &c.MAE, &c.RMSE, &c.MeanGap, &c.StdGap); err != nil {
			return nil, fmt.Errorf("scan cohort result: %w", err)
		}
		if c.Cohort, err = dataset.ParseCohort(name); err != nil {
			return nil, err
		}
		byCohort[c.Cohort] = c
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []training.CohortResult
	for _, cohort := range dataset.Cohorts {
		if c, ok := byCohort[cohort]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

// DeleteRun removes a run together with its epochs and evaluations.
func (s *Store) DeleteRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
