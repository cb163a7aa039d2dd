package training

// State is the loop bookkeeping persisted with every checkpoint
type State struct {
	Epoch      int
	BestPSNR   float64
	BestMSSSIM float64
	StallCount int
}

// Decision is the outcome of observing one epoch's validation scores
type Decision struct {
	IsBestPSNR   bool
	IsBestMSSSIM bool
	ShouldStop   bool
}

// Improved reports whether any tracked metric improved
func (d Decision) Improved() bool {
	return d.IsBestPSNR || d.IsBestMSSSIM
}

// EarlyStopping stops training when neither PSNR nor MS-SSIM has improved
// for Patience consecutive epochs. An improvement in either metric resets
// the stall count.
type EarlyStopping struct {
	Patience int

	bestPSNR   float64
	bestMSSSIM float64
	stallCount int
}

// NewEarlyStopping creates a policy with zeroed best values
func NewEarlyStopping(patience int) *EarlyStopping {
	return &EarlyStopping{Patience: patience}
}

// Observe folds one validation result into the policy
func (es *EarlyStopping) Observe(result ValidationResult) Decision {
	d := Decision{
		IsBestPSNR:   result.PSNR > es.bestPSNR,
		IsBestMSSSIM: result.MSSSIM > es.bestMSSSIM,
	}

	if d.IsBestPSNR {
		es.bestPSNR = result.PSNR
	}
	if d.IsBestMSSSIM {
		es.bestMSSSIM = result.MSSSIM
	}

	if d.Improved() {
		es.stallCount = 0
		return d
	}

	es.stallCount++
	d.ShouldStop = es.stallCount >= es.Patience
	return d
}

// BestPSNR returns the best PSNR observed so far
func (es *EarlyStopping) BestPSNR() float64 {
	return es.bestPSNR
}

// BestMSSSIM returns the best MS-SSIM observed so far
func (es *EarlyStopping) BestMSSSIM() float64 {
	return es.bestMSSSIM
}

// StallCount returns the number of consecutive non-improving epochs
func (es *EarlyStopping) StallCount() int {
	return es.stallCount
}

// Restore loads best values and stall count from a checkpointed state
func (es *EarlyStopping) Restore(s State) {
	es.bestPSNR = s.BestPSNR
	es.bestMSSSIM = s.BestMSSSIM
	es.stallCount = s.StallCount
}
