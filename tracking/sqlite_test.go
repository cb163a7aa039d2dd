package tracking

import (
	"database/sql"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/tsawler/go-pix2pix/training"
)

func openTestSink(t *testing.T, path, runID string) *SQLiteSink {
	t.Helper()
	sink, err := Open(path, RunInfo{
		RunID:   runID,
		Dataset: "facades",
		RunDir:  filepath.Dir(path),
		Config:  map[string]int{"train_batch_size": 4},
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { sink.Close() })
	return sink
}

// TestSQLiteSinkHistory tests that epochs are stored and read back in order
func TestSQLiteSinkHistory(t *testing.T) {
	sink := openTestSink(t, filepath.Join(t.TempDir(), "runs", "tracking.db"), "run-a")

	events := []training.EpochEvent{
		{Epoch: 1, PSNR: 21, BestPSNR: 21, MSSSIM: 0.6, BestMSSSIM: 0.7, Steps: 10, StallCount: 0, IsBestPSNR: true},
		{Epoch: 0, PSNR: 20, BestPSNR: 20, MSSSIM: 0.7, BestMSSSIM: 0.7, GANLoss: 0.9, AuxLoss: 12.5,
			Steps: 10, IsBestPSNR: true, IsBestMSSSIM: true, Duration: 1500 * time.Millisecond},
	}
	for _, e := range events {
		if err := sink.EpochEnd(e); err != nil {
			t.Fatalf("EpochEnd failed: %v", err)
		}
	}
	sink.CycleEnd(training.CycleEvent{Epoch: 0})

	history, err := sink.History("run-a")
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("Expected 2 epochs, got %d", len(history))
	}
	first := history[0]
	if first.Epoch != 0 || first.AuxLoss != 12.5 || !first.IsBestMSSSIM || first.Duration != 1500*time.Millisecond {
		t.Errorf("Unexpected first record: %+v", first)
	}
	if first.RecordedAt.IsZero() {
		t.Error("Expected a recording time")
	}
	if history[1].Epoch != 1 || history[1].IsBestMSSSIM {
		t.Errorf("Unexpected second record: %+v", history[1])
	}
}

// TestSQLiteSinkRepeatedEpoch tests that a resumed run overwrites repeated epochs
func TestSQLiteSinkRepeatedEpoch(t *testing.T) {
	sink := openTestSink(t, filepath.Join(t.TempDir(), "tracking.db"), "run-b")

	sink.EpochEnd(training.EpochEvent{Epoch: 3, PSNR: 10})
	if err := sink.EpochEnd(training.EpochEvent{Epoch: 3, PSNR: 11}); err != nil {
		t.Fatalf("EpochEnd failed: %v", err)
	}

	history, err := sink.History("run-b")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].PSNR != 11 {
		t.Errorf("Expected the repeated epoch to be replaced, got %+v", history)
	}
}

// TestSQLiteSinkRunsPersist tests that runs survive reopening the database
func TestSQLiteSinkRunsPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tracking.db")

	first, err := Open(path, RunInfo{RunID: "first", Dataset: "maps", StartedAt: time.Unix(100, 0)})
	if err != nil {
		t.Fatal(err)
	}
	first.EpochEnd(training.EpochEvent{RunID: "first", Epoch: 0, PSNR: 9})
	first.Close()

	second := openTestSink(t, path, "second")
	runs, err := second.Runs()
	if err != nil {
		t.Fatalf("Runs failed: %v", err)
	}
	if len(runs) != 2 || runs[0] != "first" {
		t.Errorf("Expected runs [first second], got %v", runs)
	}

	history, err := second.History("first")
	if err != nil || len(history) != 1 {
		t.Errorf("Expected the first run's epoch, got %v (%v)", history, err)
	}
	empty, err := second.History("second")
	if err != nil || len(empty) != 0 {
		t.Errorf("Expected no epochs for the new run, got %v (%v)", empty, err)
	}
}

// TestSQLiteSinkNaNScores tests that a diverged epoch is stored and read back as NaN
func TestSQLiteSinkNaNScores(t *testing.T) {
	sink := openTestSink(t, filepath.Join(t.TempDir(), "tracking.db"), "run-nan")

	err := sink.EpochEnd(training.EpochEvent{
		Epoch:      0,
		PSNR:       math.NaN(),
		BestPSNR:   18,
		MSSSIM:     math.NaN(),
		GANLoss:    math.NaN(),
		AuxLoss:    3.5,
		StallCount: 1,
	})
	if err != nil {
		t.Fatalf("EpochEnd failed: %v", err)
	}

	history, err := sink.History("run-nan")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 {
		t.Fatalf("Expected 1 epoch, got %d", len(history))
	}
	r := history[0]
	if !math.IsNaN(r.PSNR) || !math.IsNaN(r.MSSSIM) || !math.IsNaN(r.GANLoss) {
		t.Errorf("Expected NaN scores, got %+v", r)
	}
	if r.AuxLoss != 3.5 || r.BestPSNR != 18 || r.StallCount != 1 {
		t.Errorf("Unexpected finite fields: %+v", r)
	}
}

// TestSQLiteSinkUpgradesStrictSchema tests that databases with NOT NULL
// score columns keep their rows and accept NaN afterwards
func TestSQLiteSinkUpgradesStrictSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tracking.db")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	for _, stmt := range []string{
		`CREATE TABLE runs(run_id TEXT PRIMARY KEY, dataset TEXT NOT NULL, run_dir TEXT NOT NULL,
			started_at TEXT NOT NULL, config TEXT NOT NULL)`,
		`CREATE TABLE epochs(run_id TEXT NOT NULL REFERENCES runs(run_id), epoch INTEGER NOT NULL,
			psnr REAL NOT NULL, best_psnr REAL NOT NULL, msssim REAL NOT NULL, best_msssim REAL NOT NULL,
			gan_loss REAL NOT NULL, aux_loss REAL NOT NULL, steps INTEGER NOT NULL, stall_count INTEGER NOT NULL,
			is_best_psnr INTEGER NOT NULL, is_best_msssim INTEGER NOT NULL, duration_ms INTEGER NOT NULL,
			recorded_at TEXT NOT NULL, PRIMARY KEY(run_id, epoch))`,
		`INSERT INTO epochs VALUES('old', 0, 12, 12, 0.4, 0.4, 1, 2, 10, 0, 1, 1, 500, '2025-01-01T00:00:00Z')`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("Failed to prepare old schema: %v", err)
		}
	}
	db.Close()

	sink := openTestSink(t, path, "new")
	old, err := sink.History("old")
	if err != nil || len(old) != 1 || old[0].PSNR != 12 {
		t.Fatalf("Expected the old epoch to survive, got %v (%v)", old, err)
	}
	if err := sink.EpochEnd(training.EpochEvent{Epoch: 0, PSNR: math.NaN(), MSSSIM: math.NaN()}); err != nil {
		t.Errorf("Expected NaN scores to be accepted after the upgrade: %v", err)
	}
}
