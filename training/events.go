package training

import (
	"errors"
	"time"

	"go.uber.org/zap"
)

// CycleEvent summarizes one refresh-and-train cycle
type CycleEvent struct {
	RunID   string
	Epoch   int
	Cycle   int
	Cycles  int
	Batches int
	LastGAN float64
	MeanGAN float64 // Running epoch mean
	LastAux float64
	MeanAux float64 // Running epoch mean
}

// EpochEvent summarizes one finished epoch
type EpochEvent struct {
	RunID        string
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
}

// EventSink receives progress events from the trainer. An error from
// EpochEnd aborts training.
type EventSink interface {
	CycleEnd(event CycleEvent)
	EpochEnd(event EpochEvent) error
}

// LogSink writes events as structured log entries
type LogSink struct {
	logger *zap.SugaredLogger
}

// NewLogSink creates a sink logging through logger
func NewLogSink(logger *zap.SugaredLogger) *LogSink {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &LogSink{logger: logger}
}

// CycleEnd logs a cycle summary at debug level
func (s *LogSink) CycleEnd(e CycleEvent) {
	s.logger.Debugw("Cycle finished",
		"epoch", e.Epoch,
		"cycle", e.Cycle,
		"cycles", e.Cycles,
		"batches", e.Batches,
		"batch_gan_loss", e.LastGAN,
		"epoch_gan_loss", e.MeanGAN,
		"batch_aux_loss", e.LastAux,
		"epoch_aux_loss", e.MeanAux,
	)
}

// EpochEnd logs an epoch summary at info level
func (s *LogSink) EpochEnd(e EpochEvent) error {
	s.logger.Infow("Epoch metrics",
		"run_id", e.RunID,
		"epoch_num", e.Epoch,
		"psnr", e.PSNR,
		"best_psnr", e.BestPSNR,
		"msssim", e.MSSSIM,
		"best_msssim", e.BestMSSSIM,
		"GAN_loss", e.GANLoss,
		"AUX_loss", e.AuxLoss,
		"steps", e.Steps,
		"stall_count", e.StallCount,
		"duration", e.Duration,
	)
	return nil
}

// MultiSink fans events out to several sinks
type MultiSink []EventSink

// CycleEnd forwards the event to every sink
func (m MultiSink) CycleEnd(e CycleEvent) {
	for _, sink := range m {
		sink.CycleEnd(e)
	}
}

// EpochEnd forwards the event to every sink and joins their errors
func (m MultiSink) EpochEnd(e EpochEvent) error {
	var errs []error
	for _, sink := range m {
		if err := sink.EpochEnd(e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
