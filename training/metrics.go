package training

import (
	"gonum.org/v1/gonum/stat"
)

// MetricTracker accumulates the generator losses of one epoch. The
// adversarial loss is reported as GAN, the reconstruction loss as auxiliary.
type MetricTracker struct {
	gan []float64
	aux []float64
}

// NewMetricTracker creates an empty tracker
func NewMetricTracker() *MetricTracker {
	return &MetricTracker{}
}

// Record appends the losses of one optimization step
func (mt *MetricTracker) Record(ganLoss, auxLoss float64) {
	mt.gan = append(mt.gan, ganLoss)
	mt.aux = append(mt.aux, auxLoss)
}

// Reset clears the tracker for a new epoch
func (mt *MetricTracker) Reset() {
	mt.gan = mt.gan[:0]
	mt.aux = mt.aux[:0]
}

// Len returns the number of recorded steps
func (mt *MetricTracker) Len() int {
	return len(mt.gan)
}

// MeanGAN returns the mean adversarial loss, 0 when nothing was recorded
func (mt *MetricTracker) MeanGAN() float64 {
	return mean(mt.gan)
}

// MeanAux returns the mean auxiliary loss, 0 when nothing was recorded
func (mt *MetricTracker) MeanAux() float64 {
	return mean(mt.aux)
}

// LastGAN returns the most recent adversarial loss, 0 when nothing was recorded
func (mt *MetricTracker) LastGAN() float64 {
	return last(mt.gan)
}

// LastAux returns the most recent auxiliary loss, 0 when nothing was recorded
func (mt *MetricTracker) LastAux() float64 {
	return last(mt.aux)
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return stat.Mean(values, nil)
}

func last(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return values[len(values)-1]
}
