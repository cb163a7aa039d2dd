// Package tracking records training runs and their per-epoch metrics in a
// local SQLite database.
package tracking

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tsawler/go-pix2pix/training"
)

// RunInfo describes a training run
type RunInfo struct {
	RunID     string
	Dataset   string
	RunDir    string
	StartedAt time.Time
	Config    any // Stored as JSON
}

// EpochRecord is one stored epoch
type EpochRecord struct {
	Epoch        int
	PSNR         float64
	BestPSNR     float64
	MSSSIM       float64
	BestMSSSIM   float64
	GANLoss      float64
	AuxLoss      float64
	Steps        int
	StallCount   int
	IsBestPSNR   bool
	IsBestMSSSIM bool
	Duration     time.Duration
	RecordedAt   time.Time
}

// SQLiteSink is a training.EventSink persisting epoch metrics
type SQLiteSink struct {
	mu    sync.Mutex
	db    *sql.DB
	runID string
}

var _ training.EventSink = (*SQLiteSink)(nil)

// Open opens or creates the database at path and registers the run
func Open(path string, run RunInfo) (*SQLiteSink, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create tracking directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open tracking database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	config, err := json.Marshal(run.Config)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to encode run config: %w", err)
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	_, err = db.Exec(`INSERT INTO runs(run_id, dataset, run_dir, started_at, config) VALUES(?,?,?,?,?)
		ON CONFLICT(run_id) DO UPDATE SET run_dir = excluded.run_dir`,
		run.RunID, run.Dataset, run.RunDir, run.StartedAt.UTC().Format(time.RFC3339Nano), string(config))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to register run: %w", err)
	}

	return &SQLiteSink{db: db, runID: run.RunID}, nil
}

func migrate(db *sql.DB) error {
	statements := []string{
		`PRAGMA journal_mode=WAL`,
		`CREATE TABLE IF NOT EXISTS runs(
			run_id TEXT PRIMARY KEY,
			dataset TEXT NOT NULL,
			run_dir TEXT NOT NULL,
			started_at TEXT NOT NULL,
			config TEXT NOT NULL
		)`,
		fmt.Sprintf(epochsTable, "epochs"),
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to prepare tracking schema: %w", err)
		}
	}
	return relaxScoreColumns(db)
}

// epochsTable is the epochs schema. Scores and losses are NULL when they
// were NaN.
const epochsTable = `CREATE TABLE IF NOT EXISTS %s(
	run_id TEXT NOT NULL REFERENCES runs(run_id),
	epoch INTEGER NOT NULL,
	psnr REAL,
	best_psnr REAL NOT NULL,
	msssim REAL,
	best_msssim REAL NOT NULL,
	gan_loss REAL,
	aux_loss REAL,
	steps INTEGER NOT NULL,
	stall_count INTEGER NOT NULL,
	is_best_psnr INTEGER NOT NULL,
	is_best_msssim INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	recorded_at TEXT NOT NULL,
	PRIMARY KEY(run_id, epoch)
)`

// relaxScoreColumns rebuilds an epochs table created when scores were NOT NULL
func relaxScoreColumns(db *sql.DB) error {
	var notNull int
	err := db.QueryRow(`SELECT "notnull" FROM pragma_table_info('epochs') WHERE name = 'psnr'`).Scan(&notNull)
	if err != nil {
		return fmt.Errorf("failed to inspect tracking schema: %w", err)
	}
	if notNull == 0 {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to upgrade tracking schema: %w", err)
	}
	defer tx.Rollback()
	for _, stmt := range []string{
		fmt.Sprintf(epochsTable, "epochs_upgrade"),
		`INSERT INTO epochs_upgrade SELECT * FROM epochs`,
		`DROP TABLE epochs`,
		`ALTER TABLE epochs_upgrade RENAME TO epochs`,
	} {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("failed to upgrade tracking schema: %w", err)
		}
	}
	return tx.Commit()
}

// nullable maps NaN to NULL
func nullable(v float64) any {
	if math.IsNaN(v) {
		return nil
	}
	return v
}

// orNaN maps NULL back to NaN
func orNaN(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}

// RunID returns the run the sink records
func (s *SQLiteSink) RunID() string {
	return s.runID
}

// CycleEnd is not persisted
func (s *SQLiteSink) CycleEnd(training.CycleEvent) {}

// EpochEnd stores the epoch. A resumed run overwrites epochs it repeats.
func (s *SQLiteSink) EpochEnd(e training.EpochEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	runID := e.RunID
	if runID == "" {
		runID = s.runID
	}
	_, err := s.db.Exec(`INSERT OR REPLACE INTO epochs(run_id, epoch, psnr, best_psnr, msssim, best_msssim,
			gan_loss, aux_loss, steps, stall_count, is_best_psnr, is_best_msssim, duration_ms, recorded_at)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		runID, e.Epoch, nullable(e.PSNR), e.BestPSNR, nullable(e.MSSSIM), e.BestMSSSIM,
		nullable(e.GANLoss), nullable(e.AuxLoss), e.Steps, e.StallCount, e.IsBestPSNR, e.IsBestMSSSIM,
		e.Duration.Milliseconds(), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to record epoch %d: %w", e.Epoch, err)
	}
	return nil
}

// History returns the stored epochs of runID in epoch order
func (s *SQLiteSink) History(runID string) ([]EpochRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT epoch, psnr, best_psnr, msssim, best_msssim, gan_loss, aux_loss,
			steps, stall_count, is_best_psnr, is_best_msssim, duration_ms, recorded_at
		FROM epochs WHERE run_id = ? ORDER BY epoch ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var history []EpochRecord
	for rows.Next() {
		var (
			r                EpochRecord
			psnr, msssim     sql.NullFloat64
			ganLoss, auxLoss sql.NullFloat64
			durationMs       int64
			recordedAt       string
		)
		if err := rows.Scan(&r.Epoch, &psnr, &r.BestPSNR, &msssim, &r.BestMSSSIM, &ganLoss, &auxLoss,
			&r.Steps, &r.StallCount, &r.IsBestPSNR, &r.IsBestMSSSIM, &durationMs, &recordedAt); err != nil {
			return nil, fmt.Errorf("failed to read history: %w", err)
		}
		r.PSNR, r.MSSSIM = orNaN(psnr), orNaN(msssim)
		r.GANLoss, r.AuxLoss = orNaN(ganLoss), orNaN(auxLoss)
		r.Duration = time.Duration(durationMs) * time.Millisecond
		r.RecordedAt, _ = time.Parse(time.RFC3339Nano, recordedAt)
		history = append(history, r)
	}
	return history, rows.Err()
}

// Runs returns the ids of all recorded runs, oldest first
func (s *SQLiteSink) Runs() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT run_id FROM runs ORDER BY started_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		runs = append(runs, id)
	}
	return runs, rows.Err()
}

// Close closes the database
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
