package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tsawler/go-pix2pix/async"
	"github.com/tsawler/go-pix2pix/checkpoints"
	"github.com/tsawler/go-pix2pix/engine"
	"github.com/tsawler/go-pix2pix/evaluation"
	"github.com/tsawler/go-pix2pix/tracking"
	"github.com/tsawler/go-pix2pix/training"
	"github.com/tsawler/go-pix2pix/vision/dataset"
)

type options struct {
	train training.Config

	imageSize     int
	generatorGray bool
	valBatchSize  int
	cacheSize     int
	format        string
	device        string
	resumeLineage string

	serverURL  string
	server     engine.SidecarConfig
	trackingDB string
	debug      bool
	noProgress bool
}

func parseFlags(args []string) (*options, error) {
	o := &options{
		train:  training.DefaultConfig(),
		server: engine.DefaultSidecarConfig(),
	}
	c := &o.train
	saveDir := "default"

	fs := flag.NewFlagSet("train-pix2pix", flag.ContinueOnError)
	fs.IntVar(&c.QueriesPerEpoch, "queries_per_epoch", c.QueriesPerEpoch, "number of queries per epoch")
	fs.IntVar(&c.CacheRefreshRate, "cache_refresh_rate", c.CacheRefreshRate, "queries after which pairs are recomputed")
	fs.IntVar(&c.TrainBatchSize, "train_batch_size", c.TrainBatchSize, "pairs per optimization step")
	fs.IntVar(&c.EpochsNum, "epochs_num", c.EpochsNum, "number of epochs")
	fs.IntVar(&c.Patience, "patience", c.Patience, "non-improving epochs before stopping")
	fs.IntVar(&c.GANSaveFreq, "GAN_save_freq", c.GANSaveFreq, "visualize and snapshot every N epochs (0 = never)")
	fs.IntVar(&c.NumWorkers, "num_workers", c.NumWorkers, "batch loading workers")
	fs.IntVar(&c.PrefetchDepth, "prefetch_depth", c.PrefetchDepth, "batches loaded ahead of training")
	fs.StringVar(&o.device, "device", string(c.Device), "cpu or gpu")
	fs.BoolVar(&c.Resume, "resume", false, "resume from the last checkpoint in -resume_dir")
	fs.StringVar(&c.ResumeDir, "resume_dir", "", "run directory to resume from")
	fs.StringVar(&o.resumeLineage, "resume_lineage", string(c.ResumeLineage), "checkpoint lineage to resume (psnr or msssim)")
	fs.StringVar(&saveDir, "save_dir", saveDir, "runs are created under logs/<save_dir>")
	fs.StringVar(&o.format, "checkpoint_format", c.CheckpointFormat.String(), "checkpoint encoding (proto or json)")
	fs.IntVar(&c.MaxSnapshots, "max_snapshots", c.MaxSnapshots, "numbered snapshots kept (0 = all)")
	fs.StringVar(&c.DatasetsFolder, "datasets_folder", c.DatasetsFolder, "folder holding the datasets")
	fs.StringVar(&c.DatasetName, "dataset_name", c.DatasetName, "dataset to train on")
	fs.Int64Var(&c.Seed, "seed", c.Seed, "random seed")

	fs.IntVar(&o.imageSize, "image_size", 256, "square image size fed to the networks")
	fs.BoolVar(&o.generatorGray, "G_gray", false, "generate single-channel images")
	fs.IntVar(&o.valBatchSize, "val_batch_size", evaluation.DefaultConfig().BatchSize, "validation batch size")
	fs.IntVar(&o.cacheSize, "image_cache", dataset.DefaultConfig().CacheSize, "decoded images kept in memory per split")

	fs.StringVar(&o.serverURL, "server_url", "", "network server URL (default: manage a local server)")
	fs.IntVar(&o.server.Port, "server_port", o.server.Port, "port of the local network server")
	fs.StringVar(&o.server.SidecarDir, "server_dir", "", "directory of the network server app.py")
	fs.BoolVar(&o.server.DockerMode, "server_docker", false, "start the network server with docker compose")
	noAutoStart := fs.Bool("no_server_autostart", false, "fail instead of starting the network server")
	fs.StringVar(&o.trackingDB, "tracking_db", filepath.Join("logs", "tracking.db"), "SQLite experiment database (empty disables)")
	fs.BoolVar(&o.debug, "debug", false, "debug logging")
	fs.BoolVar(&o.noProgress, "no_progress", false, "disable progress bars")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	format, err := checkpoints.ParseFormat(o.format)
	if err != nil {
		return nil, err
	}
	c.CheckpointFormat = format
	c.Device = training.Device(o.device)
	c.ResumeLineage = training.Lineage(o.resumeLineage)
	o.server.AutoStart = !*noAutoStart
	if c.DatasetName == "" {
		return nil, fmt.Errorf("-dataset_name is required")
	}
	if c.Resume && c.ResumeDir == "" {
		return nil, fmt.Errorf("-resume requires -resume_dir")
	}

	c.SaveDir = filepath.Join("logs", saveDir, c.DatasetName+"-"+time.Now().Format("2006-01-02_15-04-05"))
	return o, c.Validate()
}

func newLogger(runDir string, debug bool) (*zap.SugaredLogger, error) {
	config := zap.NewProductionConfig()
	if debug {
		config = zap.NewDevelopmentConfig()
	}
	config.OutputPaths = append(config.OutputPaths, filepath.Join(runDir, "info.log"))
	logger, err := config.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}

func run(ctx context.Context, args []string) error {
	o, err := parseFlags(args)
	if err != nil {
		return err
	}
	cfg := o.train

	if err := os.MkdirAll(cfg.SaveDir, 0755); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}
	logger, err := newLogger(cfg.SaveDir, o.debug)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	runID := uuid.NewString()
	logger.Infow("Arguments", "config", cfg, "image_size", o.imageSize, "G_gray", o.generatorGray)
	logger.Infow(fmt.Sprintf("The outputs are being saved in %s", cfg.SaveDir), "run_id", runID)

	pool := async.NewBufferPool()
	trainSet, err := dataset.NewPairedFolderDataset(dataset.Config{
		Root:              cfg.DatasetsFolder,
		Name:              cfg.DatasetName,
		Split:             "train",
		ImageSize:         o.imageSize,
		GrayscaleDatabase: o.generatorGray,
		SampleSize:        cfg.CacheRefreshRate,
		Seed:              cfg.Seed,
		CacheSize:         o.cacheSize,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to load training set: %w", err)
	}
	valSet, err := dataset.NewPairedFolderDataset(dataset.Config{
		Root:              cfg.DatasetsFolder,
		Name:              cfg.DatasetName,
		Split:             "val",
		ImageSize:         o.imageSize,
		GrayscaleDatabase: o.generatorGray,
		CacheSize:         o.cacheSize,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to load validation set: %w", err)
	}

	clientConfig := engine.DefaultClientConfig()
	clientConfig.BaseURL = o.serverURL
	if o.serverURL == "" {
		sidecar, err := engine.NewSidecarManager(o.server, logger)
		if err != nil {
			return err
		}
		if err := sidecar.EnsureRunning(ctx); err != nil {
			return err
		}
		defer sidecar.Stop()
		clientConfig.BaseURL = sidecar.BaseURL()
	}
	model := engine.NewClient(clientConfig, logger)
	if err := model.CheckHealth(ctx); err != nil {
		return fmt.Errorf("network server unavailable: %w", err)
	}
	outputChannels := 3
	if o.generatorGray {
		outputChannels = 1
	}
	if err := model.Setup(ctx, engine.SetupRequest{
		Device:         string(cfg.Device),
		InputChannels:  3,
		OutputChannels: outputChannels,
		ImageSize:      o.imageSize,
		Seed:           cfg.Seed,
	}); err != nil {
		return err
	}

	validator, err := evaluation.NewValidator(valSet, evaluation.Config{
		BatchSize: o.valBatchSize,
		Workers:   cfg.NumWorkers,
		OutputDir: filepath.Join(cfg.SaveDir, "visuals"),
	}, pool, logger)
	if err != nil {
		return err
	}

	manager, err := training.NewCheckpointManager(training.CheckpointConfig{
		SaveDirectory: cfg.SaveDir,
		Format:        cfg.CheckpointFormat,
		MaxSnapshots:  cfg.MaxSnapshots,
	})
	if err != nil {
		return err
	}

	sinks := training.MultiSink{training.NewLogSink(logger)}
	if o.trackingDB != "" {
		store, err := tracking.Open(o.trackingDB, tracking.RunInfo{
			RunID:   runID,
			Dataset: cfg.DatasetName,
			RunDir:  cfg.SaveDir,
			Config:  cfg,
		})
		if err != nil {
			return err
		}
		defer store.Close()
		sinks = append(sinks, store)
	}

	var progress io.Writer = os.Stderr
	if o.noProgress {
		progress = nil
	}

	trainer, err := training.NewTrainer(cfg, training.Dependencies{
		Model:       model,
		Dataset:     trainSet,
		Validator:   validator,
		Checkpoints: manager,
		Events:      sinks,
		Logger:      logger,
		Progress:    progress,
		Pool:        pool,
		RunID:       runID,
	})
	if err != nil {
		return err
	}

	reason, err := trainer.Fit(ctx)
	logger.Infow("Training finished", "reason", reason.String(), "train_cache", trainSet.CacheStats().String())
	return err
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil && !errors.Is(err, flag.ErrHelp) {
		fmt.Fprintf(os.Stderr, "train-pix2pix: %v\n", err)
		stop()
		os.Exit(1)
	}
}
