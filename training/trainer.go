package training

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tsawler/go-pix2pix/async"
	"github.com/tsawler/go-pix2pix/checkpoints"
)

// TerminationReason tells why Run returned
type TerminationReason int

const (
	TerminationCompleted TerminationReason = iota
	TerminationNoImprovement
	TerminationInterrupted
	TerminationFailed
)

func (r TerminationReason) String() string {
	switch r {
	case TerminationCompleted:
		return "completed"
	case TerminationNoImprovement:
		return "stopped_no_improvement"
	case TerminationInterrupted:
		return "interrupted"
	case TerminationFailed:
		return "failed"
	default:
		return fmt.Sprintf("Unknown(%d)", int(r))
	}
}

// Dependencies are the collaborators a Trainer drives
type Dependencies struct {
	Model       Model
	Dataset     PairDataset
	Validator   Validator
	Checkpoints *CheckpointManager
	Events      EventSink          // default: LogSink over Logger
	Logger      *zap.SugaredLogger // default: no-op
	Progress    io.Writer          // per-cycle progress bars, nil disables them
	Pool        *async.BufferPool  // batch buffers, default: a private pool
	RunID       string             // default: a random UUID
}

// Trainer runs the epoch/cycle/step loop of adversarial training
type Trainer struct {
	config      Config
	model       Model
	dataset     PairDataset
	validator   Validator
	checkpoints *CheckpointManager
	events      EventSink
	logger      *zap.SugaredLogger
	progress    io.Writer
	pool        *async.BufferPool
	runID       string

	stopping *EarlyStopping
	metrics  *MetricTracker
	state    State
	history  []EpochEvent
}

// NewTrainer validates the configuration and wires the collaborators
func NewTrainer(config Config, deps Dependencies) (*Trainer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	switch {
	case deps.Model == nil:
		return nil, fmt.Errorf("trainer requires a model")
	case deps.Dataset == nil:
		return nil, fmt.Errorf("trainer requires a training dataset")
	case deps.Validator == nil:
		return nil, fmt.Errorf("trainer requires a validator")
	case deps.Checkpoints == nil:
		return nil, fmt.Errorf("trainer requires a checkpoint manager")
	}

	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}
	if deps.Events == nil {
		deps.Events = NewLogSink(deps.Logger)
	}
	if deps.Pool == nil {
		deps.Pool = async.NewBufferPool()
	}
	if deps.RunID == "" {
		deps.RunID = uuid.NewString()
	}

	return &Trainer{
		config:      config,
		model:       deps.Model,
		dataset:     deps.Dataset,
		validator:   deps.Validator,
		checkpoints: deps.Checkpoints,
		events:      deps.Events,
		logger:      deps.Logger,
		progress:    deps.Progress,
		pool:        deps.Pool,
		runID:       deps.RunID,
		stopping:    NewEarlyStopping(config.Patience),
		metrics:     NewMetricTracker(),
	}, nil
}

// RunID identifies this training run in checkpoints and events
func (t *Trainer) RunID() string {
	return t.runID
}

// State returns the bookkeeping of the last finished epoch
func (t *Trainer) State() State {
	return t.state
}

// History returns the events of every epoch finished by this trainer
func (t *Trainer) History() []EpochEvent {
	return append([]EpochEvent(nil), t.history...)
}

// Fit resumes when configured, then trains for the configured epochs
func (t *Trainer) Fit(ctx context.Context) (TerminationReason, error) {
	start := time.Now()
	startEpoch := 0
	if t.config.Resume {
		var err error
		startEpoch, err = t.Resume(ctx)
		if err != nil {
			return TerminationFailed, err
		}
	}

	reason, err := t.Run(ctx, t.config.EpochsNum, startEpoch, t.config.Patience)
	if err != nil {
		return reason, err
	}

	t.logger.Infow(fmt.Sprintf("Best PSNR: %.1f, Best MS-SSIM: %.1f", t.stopping.BestPSNR(), t.stopping.BestMSSSIM()),
		"reason", reason.String())
	t.logger.Infow(fmt.Sprintf("Trained for %02d epochs, in total in %s", len(t.history), formatElapsed(time.Since(start))))
	return reason, nil
}

// Resume restores model and loop state from the configured lineage's
// "last" checkpoint and returns the epoch to continue from
func (t *Trainer) Resume(ctx context.Context) (int, error) {
	dir := t.config.ResumeDir
	if dir == "" {
		dir = t.config.SaveDir
	}
	lineage := t.config.ResumeLineage
	if lineage == "" {
		lineage = LineagePSNR
	}

	saver := checkpoints.NewCheckpointSaver(t.config.CheckpointFormat)
	ckpt, err := saver.LoadCheckpoint(LastCheckpointPath(dir, t.config.CheckpointFormat, lineage))
	if err != nil {
		return 0, err
	}
	if err := t.model.LoadState(ctx, &ckpt.Model); err != nil {
		return 0, fmt.Errorf("failed to restore model state: %w", err)
	}

	t.state = State{
		Epoch:      ckpt.TrainingState.Epoch,
		BestPSNR:   ckpt.TrainingState.BestPSNR,
		BestMSSSIM: ckpt.TrainingState.BestMSSSIM,
		StallCount: ckpt.TrainingState.StallCount,
	}
	t.stopping.Restore(t.state)

	startEpoch := ckpt.TrainingState.Epoch + 1
	t.logger.Infow(fmt.Sprintf("Resuming from epoch %d with best PSNR %.1f", startEpoch, t.state.BestPSNR),
		"best_msssim", t.state.BestMSSSIM,
		"stall_count", t.state.StallCount,
		"run_id", ckpt.Metadata.RunID,
	)
	return startEpoch, nil
}

// Run trains epochs [startEpoch, totalEpochs) and reports why it stopped
func (t *Trainer) Run(ctx context.Context, totalEpochs, startEpoch, patience int) (TerminationReason, error) {
	t.stopping.Patience = patience

	for epoch := startEpoch; epoch < totalEpochs; epoch++ {
		stop, err := t.runEpoch(ctx, epoch)
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				t.logger.Warnw("Training interrupted", "epoch", epoch)
				return TerminationInterrupted, err
			}
			return TerminationFailed, err
		}
		if stop {
			return TerminationNoImprovement, nil
		}
	}
	return TerminationCompleted, nil
}

// runEpoch trains, validates and checkpoints one epoch. It reports
// whether early stopping fired.
func (t *Trainer) runEpoch(ctx context.Context, epoch int) (bool, error) {
	t.logger.Infow(fmt.Sprintf("Start training epoch: %02d", epoch))
	epochStart := time.Now()
	t.metrics.Reset()

	cycles := t.config.CyclesPerEpoch()
	for cycle := 0; cycle < cycles; cycle++ {
		if err := t.runCycle(ctx, epoch, cycle, cycles); err != nil {
			return false, err
		}
	}

	if t.metrics.Len() == 0 {
		t.logger.Warnw("No optimization steps ran this epoch; check queries_per_epoch, cache_refresh_rate and train_batch_size",
			"epoch", epoch,
			"cycles", cycles,
			"batch_size", t.config.TrainBatchSize,
		)
	}
	t.logger.Infow(fmt.Sprintf("Finished epoch %02d in %s, average epoch sum GAN loss = %.4f, average epoch sum AUX loss = %.4f",
		epoch, formatElapsed(time.Since(epochStart)), t.metrics.MeanGAN(), t.metrics.MeanAux()))

	periodic := t.config.PeriodicEpoch(epoch)
	result, err := t.validator.Score(ctx, t.model, ScoreRequest{
		Epoch:          epoch,
		Visualize:      periodic,
		NotableIndices: t.config.NotableImages,
	})
	if err != nil {
		return false, fmt.Errorf("validation failed at epoch %d: %w", epoch, err)
	}
	t.logger.Infow("Validation finished", "epoch", epoch, "summary", result.Summary)

	previous := t.state
	previous.BestPSNR, previous.BestMSSSIM = t.stopping.BestPSNR(), t.stopping.BestMSSSIM()
	decision := t.stopping.Observe(result)
	t.state = State{
		Epoch:      epoch,
		BestPSNR:   t.stopping.BestPSNR(),
		BestMSSSIM: t.stopping.BestMSSSIM(),
		StallCount: t.stopping.StallCount(),
	}
	t.logDecision(decision, previous, result)

	event := EpochEvent{
		RunID:        t.runID,
		Epoch:        epoch,
		PSNR:         result.PSNR,
		BestPSNR:     t.state.BestPSNR,
		MSSSIM:       result.MSSSIM,
		BestMSSSIM:   t.state.BestMSSSIM,
		GANLoss:      t.metrics.MeanGAN(),
		AuxLoss:      t.metrics.MeanAux(),
		Steps:        t.metrics.Len(),
		StallCount:   t.state.StallCount,
		IsBestPSNR:   decision.IsBestPSNR,
		IsBestMSSSIM: decision.IsBestMSSSIM,
		Duration:     time.Since(epochStart),
	}

	modelState, err := t.model.State(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to read model state at epoch %d: %w", epoch, err)
	}
	if err := t.saveLineages(modelState, result, decision); err != nil {
		return false, fmt.Errorf("checkpoint write failed at epoch %d: %w", epoch, err)
	}

	// Published only once both lineages hold the epoch
	t.history = append(t.history, event)
	if err := t.events.EpochEnd(event); err != nil {
		return false, fmt.Errorf("failed to publish epoch %d metrics: %w", epoch, err)
	}

	if decision.ShouldStop {
		t.logger.Infow(fmt.Sprintf("Performance did not improve for %d epochs. Stop training.", t.state.StallCount))
		return true, nil
	}

	if periodic {
		if err := t.checkpoints.SaveSnapshot(t.record(modelState, result, "Periodic snapshot")); err != nil {
			return false, fmt.Errorf("snapshot write failed at epoch %d: %w", epoch, err)
		}
	}
	return false, nil
}

// runCycle recomputes the training pairs and runs one optimization step per
// full batch
func (t *Trainer) runCycle(ctx context.Context, epoch, cycle, cycles int) error {
	t.logger.Debugw(fmt.Sprintf("Cache: %d / %d", cycle, cycles), "epoch", epoch)

	if err := t.dataset.ComputePairs(ctx); err != nil {
		return fmt.Errorf("failed to compute pairs (epoch %d, cycle %d): %w", epoch, cycle, err)
	}
	if ms, ok := t.model.(ModeSwitcher); ok {
		if err := ms.Train(ctx); err != nil {
			return fmt.Errorf("failed to switch model to training mode: %w", err)
		}
	}

	loader, err := async.NewAsyncDataLoader(t.dataset, async.AsyncDataLoaderConfig{
		BatchSize:     t.config.TrainBatchSize,
		PrefetchDepth: t.config.PrefetchDepth,
		Workers:       t.config.NumWorkers,
		DropLast:      true,
		Pool:          t.pool,
	})
	if err != nil {
		return fmt.Errorf("failed to create pair loader: %w", err)
	}

	batches := loader.Len()
	bar := NewProgressBar(t.progress, fmt.Sprintf("Epoch %02d (%d/%d)", epoch, cycle+1, cycles), batches)
	steps := 0
	err = loader.ForEach(ctx, func(batch *async.Batch) error {
		if err := t.model.SetInput(batch); err != nil {
			return fmt.Errorf("failed to set model input: %w", err)
		}
		if err := t.model.OptimizeParameters(ctx); err != nil {
			return fmt.Errorf("optimization step failed: %w", err)
		}
		losses := t.model.Losses()
		t.metrics.Record(losses.GAN, losses.L1)
		steps++
		bar.Update(steps, map[string]float64{"GAN": losses.GAN, "AUX": losses.L1})
		return nil
	})
	if err != nil {
		return fmt.Errorf("epoch %d cycle %d: %w", epoch, cycle, err)
	}
	bar.Finish()

	t.events.CycleEnd(CycleEvent{
		RunID:   t.runID,
		Epoch:   epoch,
		Cycle:   cycle,
		Cycles:  cycles,
		Batches: steps,
		LastGAN: t.metrics.LastGAN(),
		MeanGAN: t.metrics.MeanGAN(),
		LastAux: t.metrics.LastAux(),
		MeanAux: t.metrics.MeanAux(),
	})
	return nil
}

// saveLineages writes the PSNR and MS-SSIM lineages concurrently
func (t *Trainer) saveLineages(modelState *checkpoints.ModelState, result ValidationResult, decision Decision) error {
	lineages := []struct {
		lineage Lineage
		isBest  bool
	}{
		{LineagePSNR, decision.IsBestPSNR},
		{LineageMSSSIM, decision.IsBestMSSSIM},
	}

	var g errgroup.Group
	for _, l := range lineages {
		l := l
		g.Go(func() error {
			return t.checkpoints.Save(t.record(modelState, result, ""), l.lineage, l.isBest)
		})
	}
	return g.Wait()
}

// record builds a checkpoint of the current state
func (t *Trainer) record(modelState *checkpoints.ModelState, result ValidationResult, description string) *checkpoints.Checkpoint {
	return &checkpoints.Checkpoint{
		Metadata: checkpoints.CheckpointMetadata{
			RunID:       t.runID,
			Description: description,
			Tags:        []string{fmt.Sprintf("epoch_%d", t.state.Epoch), t.config.DatasetName},
		},
		TrainingState: checkpoints.TrainingState{
			Epoch:      t.state.Epoch,
			BestPSNR:   t.state.BestPSNR,
			BestMSSSIM: t.state.BestMSSSIM,
			StallCount: t.state.StallCount,
		},
		Validation: checkpoints.ValidationScores{
			PSNR:   result.PSNR,
			MSSSIM: result.MSSSIM,
		},
		Model: *modelState,
	}
}

func (t *Trainer) logDecision(d Decision, previous State, result ValidationResult) {
	if d.IsBestPSNR {
		t.logger.Infow(fmt.Sprintf("Improved: previous best PSNR = %.1f, current PSNR = %.1f", previous.BestPSNR, result.PSNR))
	}
	if d.IsBestMSSSIM {
		t.logger.Infow(fmt.Sprintf("Improved: previous best MS-SSIM = %.1f, current MS-SSIM = %.1f", previous.BestMSSSIM, result.MSSSIM))
	}
	if !d.Improved() {
		t.logger.Infow(fmt.Sprintf("Not improved: %d / %d", t.stopping.StallCount(), t.stopping.Patience))
	}
}
