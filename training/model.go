package training

import (
	"context"

	"github.com/tsawler/go-pix2pix/async"
	"github.com/tsawler/go-pix2pix/checkpoints"
)

// Losses are the generator losses of the last optimization step
type Losses struct {
	GAN float64 // adversarial loss (loss_G_GAN)
	L1  float64 // reconstruction loss (loss_G_L1)
}

// Model is the capability the loop needs from a generator/discriminator pair.
// The loop never looks inside the networks.
type Model interface {
	// SetInput stages a batch for the next optimization step
	SetInput(batch *async.Batch) error
	// OptimizeParameters runs one forward/backward/update step of both networks
	OptimizeParameters(ctx context.Context) error
	// Losses returns the losses computed by the last OptimizeParameters call
	Losses() Losses
	// State serializes weights and optimizer state of both networks
	State(ctx context.Context) (*checkpoints.ModelState, error)
	// LoadState restores a state produced by State
	LoadState(ctx context.Context, state *checkpoints.ModelState) error
}

// ModeSwitcher is implemented by models that distinguish training and
// evaluation behavior (dropout, batch norm statistics)
type ModeSwitcher interface {
	Train(ctx context.Context) error
	Eval(ctx context.Context) error
}

// PairDataset yields (query, database) training pairs. ComputePairs draws
// a fresh set of pairs; the set stays fixed until the next call.
type PairDataset interface {
	async.DataSource
	ComputePairs(ctx context.Context) error
}

// ScoreRequest asks the validator to score the model after an epoch
type ScoreRequest struct {
	Epoch          int
	Visualize      bool
	NotableIndices []int
}

// ValidationResult holds the scores of one validation pass
type ValidationResult struct {
	PSNR           float64
	MSSSIM         float64
	Visualizations []string // Files written when visualization was requested
	Summary        string
}

// Validator scores a model on held-out data
type Validator interface {
	Score(ctx context.Context, model Model, req ScoreRequest) (ValidationResult, error)
}
