package training

import (
	"fmt"
	"strings"

	"github.com/tsawler/go-pix2pix/checkpoints"
)

// Device selects where the networks run
type Device string

const (
	DeviceCPU Device = "cpu"
	DeviceGPU Device = "gpu"
)

// Lineage names an independent best/last checkpoint chain keyed by one metric
type Lineage string

const (
	LineagePSNR   Lineage = "psnr"
	LineageMSSSIM Lineage = "msssim"
)

// DefaultNotableImages are the validation indices visualized on periodic epochs
var DefaultNotableImages = []int{880, 881, 882, 883, 884, 885, 886, 887, 888, 889}

// Config holds every option the training loop consumes
type Config struct {
	QueriesPerEpoch  int // Queries seen per epoch
	CacheRefreshRate int // Queries per cycle; pairs are recomputed every cycle
	TrainBatchSize   int
	EpochsNum        int
	Patience         int // Non-improving epochs tolerated before stopping
	GANSaveFreq      int // Visualize and snapshot every N epochs (0 = never)
	NumWorkers       int // Batch assembly workers (0 = load on the training goroutine)
	PrefetchDepth    int // Batches assembled ahead of the optimization step
	Device           Device

	Resume        bool
	ResumeDir     string  // Directory holding the checkpoint to resume from (default: SaveDir)
	ResumeLineage Lineage // Lineage whose "last" slot is resumed

	SaveDir          string
	CheckpointFormat checkpoints.CheckpointFormat
	MaxSnapshots     int // Numbered snapshots kept (0 = unlimited)

	DatasetsFolder string
	DatasetName    string
	Seed           int64
	NotableImages  []int
}

// DefaultConfig returns the configuration of the reference training runs
func DefaultConfig() Config {
	return Config{
		QueriesPerEpoch:  5000,
		CacheRefreshRate: 1000,
		TrainBatchSize:   4,
		EpochsNum:        1000,
		Patience:         3,
		GANSaveFreq:      0,
		NumWorkers:       8,
		PrefetchDepth:    16,
		Device:           DeviceGPU,
		ResumeLineage:    LineagePSNR,
		SaveDir:          "logs/default",
		CheckpointFormat: checkpoints.FormatProto,
		DatasetsFolder:   "datasets",
		Seed:             0,
		NotableImages:    append([]int(nil), DefaultNotableImages...),
	}
}

// ConfigError lists every invalid option of a Config
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	return "invalid training configuration: " + strings.Join(e.Problems, "; ")
}

// Validate checks the configuration and reports all problems at once
func (c Config) Validate() error {
	var problems []string
	positive := func(name string, v int) {
		if v <= 0 {
			problems = append(problems, fmt.Sprintf("%s must be > 0, got %d", name, v))
		}
	}
	nonNegative := func(name string, v int) {
		if v < 0 {
			problems = append(problems, fmt.Sprintf("%s must be >= 0, got %d", name, v))
		}
	}

	positive("queries_per_epoch", c.QueriesPerEpoch)
	positive("cache_refresh_rate", c.CacheRefreshRate)
	positive("train_batch_size", c.TrainBatchSize)
	positive("epochs_num", c.EpochsNum)
	nonNegative("patience", c.Patience)
	nonNegative("GAN_save_freq", c.GANSaveFreq)
	nonNegative("num_workers", c.NumWorkers)
	nonNegative("prefetch_depth", c.PrefetchDepth)
	nonNegative("max_snapshots", c.MaxSnapshots)

	switch c.Device {
	case DeviceCPU, DeviceGPU:
	default:
		problems = append(problems, fmt.Sprintf("device must be %q or %q, got %q", DeviceCPU, DeviceGPU, c.Device))
	}
	if c.Resume {
		switch c.ResumeLineage {
		case LineagePSNR, LineageMSSSIM:
		default:
			problems = append(problems, fmt.Sprintf("resume lineage must be %q or %q, got %q", LineagePSNR, LineageMSSSIM, c.ResumeLineage))
		}
	}
	if c.SaveDir == "" {
		problems = append(problems, "save_dir must be set")
	}
	for _, idx := range c.NotableImages {
		if idx < 0 {
			problems = append(problems, fmt.Sprintf("notable image index must be >= 0, got %d", idx))
			break
		}
	}

	if len(problems) > 0 {
		return &ConfigError{Problems: problems}
	}
	return nil
}

// CyclesPerEpoch returns how many times pairs are recomputed per epoch
func (c Config) CyclesPerEpoch() int {
	return CyclesPerEpoch(c.QueriesPerEpoch, c.CacheRefreshRate)
}

// CyclesPerEpoch computes ceil(queriesPerEpoch / cacheRefreshRate)
func CyclesPerEpoch(queriesPerEpoch, cacheRefreshRate int) int {
	if cacheRefreshRate <= 0 || queriesPerEpoch <= 0 {
		return 0
	}
	return (queriesPerEpoch + cacheRefreshRate - 1) / cacheRefreshRate
}

// PeriodicEpoch reports whether epoch opens the visualization/snapshot gate
func (c Config) PeriodicEpoch(epoch int) bool {
	return c.GANSaveFreq != 0 && epoch%c.GANSaveFreq == 0
}
