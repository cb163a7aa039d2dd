// Package quality scores translated images against their targets.
package quality

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// MaxPSNR is reported for identical images
const MaxPSNR = 100.0

// MS-SSIM parameters
const (
	WindowSize  = 11
	WindowSigma = 1.5
	k1          = 0.01
	k2          = 0.03
)

// MSSSIMWeights are the per-scale exponents, finest scale first
var MSSSIMWeights = []float64{0.0448, 0.2856, 0.3001, 0.2363, 0.1333}

// PSNR returns the peak signal-to-noise ratio in dB of b against a, whose
// values span dataRange. It is capped at MaxPSNR.
func PSNR(a, b []float32, dataRange float64) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("length mismatch: %d vs %d", len(a), len(b))
	}
	if len(a) == 0 {
		return 0, fmt.Errorf("empty image")
	}
	if dataRange <= 0 {
		return 0, fmt.Errorf("data range must be positive, got %g", dataRange)
	}

	d := floats.Distance(toFloat64(a), toFloat64(b), 2)
	mse := d * d / float64(len(a))
	if mse == 0 {
		return MaxPSNR, nil
	}
	return math.Min(MaxPSNR, 10*math.Log10(dataRange*dataRange/mse)), nil
}

// MSSSIM returns the multi-scale structural similarity of two CHW images,
// averaged over channels. Images too small for five scales use as many as
// fit, with the weights renormalized; images smaller than the window use a
// smaller window.
func MSSSIM(a, b []float32, shape []int, dataRange float64) (float64, error) {
	if len(shape) != 3 {
		return 0, fmt.Errorf("expected CHW shape, got %v", shape)
	}
	channels, height, width := shape[0], shape[1], shape[2]
	if channels <= 0 || height <= 0 || width <= 0 {
		return 0, fmt.Errorf("invalid shape %v", shape)
	}
	plane := height * width
	if len(a) != channels*plane || len(b) != channels*plane {
		return 0, fmt.Errorf("length %d/%d does not match shape %v", len(a), len(b), shape)
	}
	if dataRange <= 0 {
		return 0, fmt.Errorf("data range must be positive, got %g", dataRange)
	}

	win, levels := scales(height, width)
	window := gaussian(win, WindowSigma)
	weights := append([]float64(nil), MSSSIMWeights[:levels]...)
	floats.Scale(1/floats.Sum(weights), weights)

	perChannel := make([]float64, channels)
	for c := 0; c < channels; c++ {
		x := toFloat64(a[c*plane : (c+1)*plane])
		y := toFloat64(b[c*plane : (c+1)*plane])
		perChannel[c] = msssimPlane(x, y, height, width, window, weights, dataRange)
	}
	return stat.Mean(perChannel, nil), nil
}

// scales picks the window size and the number of scales for an image
func scales(height, width int) (win, levels int) {
	side := height
	if width < side {
		side = width
	}

	win = WindowSize
	if side < win {
		win = side
		if win%2 == 0 {
			win--
		}
	}

	levels = 1
	for levels < len(MSSSIMWeights) && side>>levels >= win {
		levels++
	}
	return win, levels
}

func msssimPlane(x, y []float64, h, w int, window, weights []float64, dataRange float64) float64 {
	result := 1.0
	for level, weight := range weights {
		ssim, cs := ssimStats(x, y, h, w, window, dataRange)
		if level == len(weights)-1 {
			result *= math.Pow(math.Max(ssim, 0), weight)
			break
		}
		result *= math.Pow(math.Max(cs, 0), weight)
		x, _, _ = downsample(x, h, w)
		y, h, w = downsample(y, h, w)
	}
	return result
}

// ssimStats returns the mean SSIM and mean contrast-structure term
func ssimStats(x, y []float64, h, w int, window []float64, dataRange float64) (float64, float64) {
	c1 := (k1 * dataRange) * (k1 * dataRange)
	c2 := (k2 * dataRange) * (k2 * dataRange)

	n := len(x)
	xx := make([]float64, n)
	yy := make([]float64, n)
	xy := make([]float64, n)
	floats.MulTo(xx, x, x)
	floats.MulTo(yy, y, y)
	floats.MulTo(xy, x, y)

	mu1, _, _ := filter(x, h, w, window)
	mu2, _, _ := filter(y, h, w, window)
	sxx, _, _ := filter(xx, h, w, window)
	syy, _, _ := filter(yy, h, w, window)
	sxy, _, _ := filter(xy, h, w, window)

	ssimMap := make([]float64, len(mu1))
	csMap := make([]float64, len(mu1))
	for i := range mu1 {
		m1, m2 := mu1[i], mu2[i]
		v1 := sxx[i] - m1*m1
		v2 := syy[i] - m2*m2
		cov := sxy[i] - m1*m2

		cs := (2*cov + c2) / (v1 + v2 + c2)
		csMap[i] = cs
		ssimMap[i] = (2*m1*m2 + c1) / (m1*m1 + m2*m2 + c1) * cs
	}
	return stat.Mean(ssimMap, nil), stat.Mean(csMap, nil)
}

// filter applies the separable window without padding
func filter(img []float64, h, w int, window []float64) ([]float64, int, int) {
	k := len(window)
	ow := w - k + 1
	oh := h - k + 1

	horizontal := make([]float64, h*ow)
	for r := 0; r < h; r++ {
		row := img[r*w : (r+1)*w]
		for c := 0; c < ow; c++ {
			horizontal[r*ow+c] = floats.Dot(row[c:c+k], window)
		}
	}

	out := make([]float64, oh*ow)
	column := make([]float64, k)
	for r := 0; r < oh; r++ {
		for c := 0; c < ow; c++ {
			for i := 0; i < k; i++ {
				column[i] = horizontal[(r+i)*ow+c]
			}
			out[r*ow+c] = floats.Dot(column, window)
		}
	}
	return out, oh, ow
}

// downsample halves both sides by 2x2 average pooling
func downsample(img []float64, h, w int) ([]float64, int, int) {
	oh, ow := h/2, w/2
	out := make([]float64, oh*ow)
	for r := 0; r < oh; r++ {
		for c := 0; c < ow; c++ {
			i := 2*r*w + 2*c
			out[r*ow+c] = (img[i] + img[i+1] + img[i+w] + img[i+w+1]) / 4
		}
	}
	return out, oh, ow
}

// gaussian returns a normalized 1-D Gaussian window
func gaussian(size int, sigma float64) []float64 {
	window := make([]float64, size)
	center := float64(size-1) / 2
	for i := range window {
		d := float64(i) - center
		window[i] = math.Exp(-d * d / (2 * sigma * sigma))
	}
	floats.Scale(1/floats.Sum(window), window)
	return window
}

func toFloat64(values []float32) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = float64(v)
	}
	return out
}
