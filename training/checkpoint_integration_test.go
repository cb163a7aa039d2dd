package training

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/tsawler/go-pix2pix/checkpoints"
)

func testCheckpoint(epoch int, psnr, msssim float64) *checkpoints.Checkpoint {
	return &checkpoints.Checkpoint{
		TrainingState: checkpoints.TrainingState{Epoch: epoch, BestPSNR: psnr, BestMSSSIM: msssim},
		Validation:    checkpoints.ValidationScores{PSNR: psnr, MSSSIM: msssim},
		Model: checkpoints.ModelState{
			Generator:     []byte{byte(epoch), 1, 2},
			Discriminator: []byte{byte(epoch), 3},
		},
	}
}

func newTestManager(t *testing.T, format checkpoints.CheckpointFormat, maxSnapshots int) *CheckpointManager {
	t.Helper()
	cm, err := NewCheckpointManager(CheckpointConfig{
		SaveDirectory: t.TempDir(),
		Format:        format,
		MaxSnapshots:  maxSnapshots,
	})
	if err != nil {
		t.Fatalf("Failed to create checkpoint manager: %v", err)
	}
	return cm
}

// TestCheckpointManagerLineagesIndependent tests that best slots of the two
// lineages move independently
func TestCheckpointManagerLineagesIndependent(t *testing.T) {
	for _, format := range []checkpoints.CheckpointFormat{checkpoints.FormatJSON, checkpoints.FormatProto} {
		t.Run(format.String(), func(t *testing.T) {
			cm := newTestManager(t, format, 0)

			// epoch 0 improves both metrics
			if err := cm.Save(testCheckpoint(0, 20, 0.5), LineagePSNR, true); err != nil {
				t.Fatalf("Save failed: %v", err)
			}
			if err := cm.Save(testCheckpoint(0, 20, 0.5), LineageMSSSIM, true); err != nil {
				t.Fatalf("Save failed: %v", err)
			}
			bestMSSSIM, err := os.ReadFile(cm.BestPath(LineageMSSSIM))
			if err != nil {
				t.Fatalf("Failed to read best MS-SSIM checkpoint: %v", err)
			}

			// epoch 1 improves PSNR only
			if err := cm.Save(testCheckpoint(1, 22, 0.4), LineagePSNR, true); err != nil {
				t.Fatalf("Save failed: %v", err)
			}
			if err := cm.Save(testCheckpoint(1, 22, 0.4), LineageMSSSIM, false); err != nil {
				t.Fatalf("Save failed: %v", err)
			}

			after, err := os.ReadFile(cm.BestPath(LineageMSSSIM))
			if err != nil {
				t.Fatalf("Failed to read best MS-SSIM checkpoint: %v", err)
			}
			if !bytes.Equal(bestMSSSIM, after) {
				t.Error("Best MS-SSIM checkpoint changed although MS-SSIM did not improve")
			}

			best, err := cm.LoadBest(LineagePSNR)
			if err != nil {
				t.Fatalf("LoadBest failed: %v", err)
			}
			if best.TrainingState.Epoch != 1 || best.Metadata.Lineage != string(LineagePSNR) {
				t.Errorf("Expected best PSNR checkpoint from epoch 1, got epoch %d lineage %q",
					best.TrainingState.Epoch, best.Metadata.Lineage)
			}

			last, err := cm.Load(LineageMSSSIM)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if last.TrainingState.Epoch != 1 {
				t.Errorf("Expected last MS-SSIM checkpoint from epoch 1, got %d", last.TrainingState.Epoch)
			}
		})
	}
}

// TestCheckpointManagerBestEqualsLast tests that a best save writes the same bytes to both slots
func TestCheckpointManagerBestEqualsLast(t *testing.T) {
	cm := newTestManager(t, checkpoints.FormatProto, 0)
	if err := cm.Save(testCheckpoint(4, 30, 0.9), LineagePSNR, true); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	last, err := os.ReadFile(cm.LastPath(LineagePSNR))
	if err != nil {
		t.Fatal(err)
	}
	best, err := os.ReadFile(cm.BestPath(LineagePSNR))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(last, best) {
		t.Error("Expected identical last and best files")
	}
}

// TestCheckpointManagerPaths tests the slot naming scheme
func TestCheckpointManagerPaths(t *testing.T) {
	cm := newTestManager(t, checkpoints.FormatJSON, 0)
	dir := cm.config.SaveDirectory

	tests := []struct {
		got      string
		expected string
	}{
		{cm.LastPath(LineagePSNR), filepath.Join(dir, "last_model_psnr.json")},
		{cm.BestPath(LineageMSSSIM), filepath.Join(dir, "best_model_msssim.json")},
		{cm.SnapshotPath(12), filepath.Join(dir, "last_model_12.json")},
		{LastCheckpointPath(dir, checkpoints.FormatProto, LineageMSSSIM), filepath.Join(dir, "last_model_msssim.ckpt")},
	}
	for _, test := range tests {
		if test.got != test.expected {
			t.Errorf("Expected path %s, got %s", test.expected, test.got)
		}
	}
}

// TestCheckpointManagerSnapshotCleanup tests that old snapshots are removed
func TestCheckpointManagerSnapshotCleanup(t *testing.T) {
	cm := newTestManager(t, checkpoints.FormatJSON, 2)

	for _, epoch := range []int{0, 3, 6} {
		if err := cm.SaveSnapshot(testCheckpoint(epoch, 10, 0.1)); err != nil {
			t.Fatalf("SaveSnapshot(%d) failed: %v", epoch, err)
		}
	}

	if _, err := os.Stat(cm.SnapshotPath(0)); !os.IsNotExist(err) {
		t.Errorf("Expected snapshot 0 to be removed, stat error: %v", err)
	}
	snapshots := cm.Snapshots()
	if len(snapshots) != 2 || snapshots[0] != cm.SnapshotPath(3) || snapshots[1] != cm.SnapshotPath(6) {
		t.Errorf("Unexpected snapshots kept: %v", snapshots)
	}

	// The same epoch overwrites instead of counting twice
	if err := cm.SaveSnapshot(testCheckpoint(6, 11, 0.1)); err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}
	if len(cm.Snapshots()) != 2 {
		t.Errorf("Expected 2 snapshots after overwrite, got %d", len(cm.Snapshots()))
	}
}

// TestCheckpointManagerPicksUpExistingSnapshots tests that snapshots from an
// earlier run are counted, while lineage slots are not
func TestCheckpointManagerPicksUpExistingSnapshots(t *testing.T) {
	dir := t.TempDir()
	config := CheckpointConfig{SaveDirectory: dir, Format: checkpoints.FormatJSON}

	first, err := NewCheckpointManager(config)
	if err != nil {
		t.Fatal(err)
	}
	for _, epoch := range []int{10, 2} {
		if err := first.SaveSnapshot(testCheckpoint(epoch, 1, 0.1)); err != nil {
			t.Fatal(err)
		}
	}
	if err := first.Save(testCheckpoint(10, 1, 0.1), LineagePSNR, true); err != nil {
		t.Fatal(err)
	}

	second, err := NewCheckpointManager(config)
	if err != nil {
		t.Fatal(err)
	}
	snapshots := second.Snapshots()
	if len(snapshots) != 2 || snapshots[0] != second.SnapshotPath(2) || snapshots[1] != second.SnapshotPath(10) {
		t.Errorf("Expected snapshots ordered by epoch, got %v", snapshots)
	}
}
