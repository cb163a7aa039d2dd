package training

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/tsawler/go-pix2pix/checkpoints"
)

// CheckpointConfig configures checkpoint saving behavior
type CheckpointConfig struct {
	SaveDirectory string                       // Directory to save checkpoints
	Format        checkpoints.CheckpointFormat // JSON or Proto
	MaxSnapshots  int                          // Maximum number of numbered snapshots to keep (0 = unlimited)
}

// DefaultCheckpointConfig returns a sensible default configuration
func DefaultCheckpointConfig() CheckpointConfig {
	return CheckpointConfig{
		SaveDirectory: "./checkpoints",
		Format:        checkpoints.FormatProto,
		MaxSnapshots:  0,
	}
}

// CheckpointManager keeps one "last" and one "best" slot per lineage plus
// optional numbered snapshots. Lineages use disjoint file names, so saves
// for different lineages may run concurrently.
type CheckpointManager struct {
	config     CheckpointConfig
	saver      *checkpoints.CheckpointSaver
	savedFiles []string // Numbered snapshots, oldest first
}

// NewCheckpointManager creates a new checkpoint manager. Numbered snapshots
// already present in the directory count against MaxSnapshots.
func NewCheckpointManager(config CheckpointConfig) (*CheckpointManager, error) {
	cm := &CheckpointManager{
		config: config,
		saver:  checkpoints.NewCheckpointSaver(config.Format),
	}
	if err := cm.ensureDirectory(); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	existing, err := cm.existingSnapshots()
	if err != nil {
		return nil, err
	}
	cm.savedFiles = existing
	return cm, nil
}

// Save writes checkpoint to the lineage's "last" slot and, when isBest, to
// its "best" slot as well
func (cm *CheckpointManager) Save(checkpoint *checkpoints.Checkpoint, lineage Lineage, isBest bool) error {
	checkpoint.Metadata.Lineage = string(lineage)
	data, err := cm.saver.Encode(checkpoint)
	if err != nil {
		return fmt.Errorf("failed to encode %s checkpoint: %w", lineage, err)
	}

	if err := checkpoints.WriteFileAtomic(cm.LastPath(lineage), data); err != nil {
		return fmt.Errorf("failed to save last %s checkpoint: %w", lineage, err)
	}
	if isBest {
		if err := checkpoints.WriteFileAtomic(cm.BestPath(lineage), data); err != nil {
			return fmt.Errorf("failed to save best %s checkpoint: %w", lineage, err)
		}
	}
	return nil
}

// SaveSnapshot writes a numbered archival checkpoint for the checkpoint's
// epoch. Snapshots never take part in best tracking.
func (cm *CheckpointManager) SaveSnapshot(checkpoint *checkpoints.Checkpoint) error {
	checkpoint.Metadata.Lineage = ""
	path := cm.SnapshotPath(checkpoint.TrainingState.Epoch)
	if err := cm.saver.SaveCheckpoint(checkpoint, path); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}

	for _, saved := range cm.savedFiles {
		if saved == path {
			return nil
		}
	}
	cm.savedFiles = append(cm.savedFiles, path)
	return cm.cleanupOldSnapshots()
}

// Load reads the lineage's "last" checkpoint
func (cm *CheckpointManager) Load(lineage Lineage) (*checkpoints.Checkpoint, error) {
	return cm.saver.LoadCheckpoint(cm.LastPath(lineage))
}

// LoadBest reads the lineage's "best" checkpoint
func (cm *CheckpointManager) LoadBest(lineage Lineage) (*checkpoints.Checkpoint, error) {
	return cm.saver.LoadCheckpoint(cm.BestPath(lineage))
}

// LastPath returns the path of the lineage's "last" slot
func (cm *CheckpointManager) LastPath(lineage Lineage) string {
	return LastCheckpointPath(cm.config.SaveDirectory, cm.config.Format, lineage)
}

// LastCheckpointPath returns where a manager rooted at dir keeps the
// lineage's "last" slot
func LastCheckpointPath(dir string, format checkpoints.CheckpointFormat, lineage Lineage) string {
	return filepath.Join(dir, fmt.Sprintf("last_model_%s.%s", lineage, format.Extension()))
}

// BestPath returns the path of the lineage's "best" slot
func (cm *CheckpointManager) BestPath(lineage Lineage) string {
	return cm.path(fmt.Sprintf("best_model_%s", lineage))
}

// SnapshotPath returns the path of the numbered snapshot for epoch
func (cm *CheckpointManager) SnapshotPath(epoch int) string {
	return cm.path(fmt.Sprintf("last_model_%d", epoch))
}

// Snapshots returns the numbered snapshots currently kept, oldest first
func (cm *CheckpointManager) Snapshots() []string {
	return append([]string(nil), cm.savedFiles...)
}

func (cm *CheckpointManager) path(base string) string {
	return filepath.Join(cm.config.SaveDirectory, base+"."+cm.config.Format.Extension())
}

func (cm *CheckpointManager) ensureDirectory() error {
	return os.MkdirAll(cm.config.SaveDirectory, 0755)
}

// existingSnapshots finds numbered snapshots left by an earlier run
func (cm *CheckpointManager) existingSnapshots() ([]string, error) {
	ext := "." + cm.config.Format.Extension()
	matches, err := filepath.Glob(filepath.Join(cm.config.SaveDirectory, "last_model_*"+ext))
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}

	type snapshot struct {
		path  string
		epoch int
	}
	var found []snapshot
	for _, m := range matches {
		name := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(m), "last_model_"), ext)
		epoch, err := strconv.Atoi(name)
		if err != nil {
			continue // a lineage slot such as last_model_psnr
		}
		found = append(found, snapshot{path: m, epoch: epoch})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].epoch < found[j].epoch })

	paths := make([]string, len(found))
	for i, s := range found {
		paths[i] = s.path
	}
	return paths, nil
}

func (cm *CheckpointManager) cleanupOldSnapshots() error {
	if cm.config.MaxSnapshots <= 0 {
		return nil // No limit
	}
	if len(cm.savedFiles) <= cm.config.MaxSnapshots {
		return nil
	}

	toRemove := len(cm.savedFiles) - cm.config.MaxSnapshots
	for i := 0; i < toRemove; i++ {
		if err := os.Remove(cm.savedFiles[i]); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove old snapshot %s: %w", cm.savedFiles[i], err)
		}
	}
	cm.savedFiles = cm.savedFiles[toRemove:]
	return nil
}
