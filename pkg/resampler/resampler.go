// Package resampler provides sample rate conversion for impulse responses.
package resampler

import (
	"errors"
	"fmt"
	"math"

	"github.com/cwbudde/algo-vecmath"
)

// ErrInvalidRate is returned for non-positive, NaN or infinite sample rates.
var ErrInvalidRate = errors.New("resampler: sample rate must be positive and finite")

type kernel int

const (
	kernelSinc kernel = iota
	kernelLinear
)

// Resampler performs sample rate conversion using windowed sinc interpolation
// or, when built with NewLinear, linear interpolation.
//
// A Resampler keeps scratch vectors between calls and is not safe for
// concurrent use.
type Resampler struct {
	// Quality parameter: number of sinc lobes on each side
	sincLobes int
	kernel    kernel

	sincs   []float64
	windows []float64
	weights []float64
}

// New creates a new Resampler instance with default quality.
func New() *Resampler {
	return &Resampler{
		sincLobes: 16,
		kernel:    kernelSinc,
	}
}

// NewWithQuality creates a Resampler with specified quality.
// More lobes = higher quality but slower.
func NewWithQuality(lobes int) *Resampler {
	lobes = min(max(lobes, 4), 64)

	return &Resampler{
		sincLobes: lobes,
		kernel:    kernelSinc,
	}
}

// NewLinear creates a Resampler that interpolates linearly between
// neighbouring samples, widening the triangle when downsampling.
func NewLinear() *Resampler {
	return &Resampler{
		sincLobes: 1,
		kernel:    kernelLinear,
	}
}

// Lobes returns the kernel half width in input samples at unity ratio.
func (r *Resampler) Lobes() int {
	return r.sincLobes
}

// sinc computes sin(pi*x)/(pi*x). Integer arguments are exact so that
// output positions landing on an input sample reproduce it unchanged.
func sinc(x float64) float64 {
	if math.Abs(x) < 1e-10 {
		return 1.0
	}
	if x == math.Trunc(x) {
		return 0.0
	}
	pix := math.Pi * x
	return math.Sin(pix) / pix
}

// blackmanWindow computes the Blackman window value for a given position.
// x should be in range [-1, 1], returns 0 outside that range.
func blackmanWindow(x float64) float64 {
	if x < -1.0 || x > 1.0 {
		return 0.0
	}
	t := (x + 1.0) / 2.0 // Map [-1,1] to [0,1]
	return 0.42 - 0.5*math.Cos(2*math.Pi*t) + 0.08*math.Cos(4*math.Pi*t)
}

func validRate(rate float64) bool {
	return rate > 0 && !math.IsInf(rate, 0) && !math.IsNaN(rate)
}

func checkRates(srcRate, dstRate float64) error {
	if !validRate(srcRate) {
		return fmt.Errorf("%w: source rate %v", ErrInvalidRate, srcRate)
	}
	if !validRate(dstRate) {
		return fmt.Errorf("%w: destination rate %v", ErrInvalidRate, dstRate)
	}

	return nil
}

// Resample converts audio data from srcRate to dstRate.
// The result holds CalculateOutputLength(len(data), srcRate, dstRate) samples.
func (r *Resampler) Resample(data []float32, srcRate, dstRate float64) ([]float32, error) {
	if err := checkRates(srcRate, dstRate); err != nil {
		return nil, err
	}

	if len(data) == 0 {
		return []float32{}, nil
	}

	if srcRate == dstRate {
		result := make([]float32, len(data))
		copy(result, data)
		return result, nil
	}

	ratio := dstRate / srcRate
	outputLen := CalculateOutputLength(len(data), srcRate, dstRate)
	if outputLen == 0 {
		return []float32{}, nil
	}

	output := make([]float32, outputLen)

	// Downsampling widens the kernel to avoid aliasing.
	filterRatio := min(ratio, 1.0)
	windowRadius := float64(r.sincLobes) / filterRatio

	for i := range output {
		inputPos := float64(i) / ratio

		startIdx := max(int(math.Floor(inputPos-windowRadius)), 0)
		endIdx := min(int(math.Ceil(inputPos+windowRadius)), len(data)-1)
		if startIdx > endIdx {
			continue
		}

		weights := r.computeWeights(inputPos, startIdx, endIdx, filterRatio, windowRadius)

		var sum, weightSum float64
		for k, weight := range weights {
			sum += float64(data[startIdx+k]) * weight
			weightSum += weight
		}

		if weightSum > 0 {
			output[i] = float32(sum / weightSum)
		}
	}

	return output, nil
}

// computeWeights fills the scratch weight vector for input taps
// startIdx..endIdx around inputPos and returns it.
func (r *Resampler) computeWeights(inputPos float64, startIdx, endIdx int, filterRatio, windowRadius float64) []float64 {
	n := endIdx - startIdx + 1
	r.grow(n)

	weights := r.weights[:n]

	if r.kernel == kernelLinear {
		for k := range weights {
			d := math.Abs(inputPos-float64(startIdx+k)) * filterRatio
			weights[k] = max(1-d, 0)
		}
		return weights
	}

	sincs := r.sincs[:n]
	windows := r.windows[:n]
	for k := range sincs {
		d := inputPos - float64(startIdx+k)
		sincs[k] = sinc(d * filterRatio)
		windows[k] = blackmanWindow(d / windowRadius)
	}

	vecmath.MulBlock(weights, sincs, windows)

	return weights
}

func (r *Resampler) grow(n int) {
	if cap(r.weights) >= n {
		return
	}
	r.sincs = make([]float64, n)
	r.windows = make([]float64, n)
	r.weights = make([]float64, n)
}

// reset zeroes the scratch vectors so that no state leaks between passes.
func (r *Resampler) reset() {
	clear(r.sincs)
	clear(r.windows)
	clear(r.weights)
}

// ResampleMultiChannel resamples multi-channel audio data.
// Input: [channel][sample] at srcRate
// Output: [channel][sample] at dstRate
func (r *Resampler) ResampleMultiChannel(data [][]float32, srcRate, dstRate float64) ([][]float32, error) {
	if err := checkRates(srcRate, dstRate); err != nil {
		return nil, err
	}

	if len(data) == 0 {
		return [][]float32{}, nil
	}

	result := make([][]float32, len(data))

	for ch := range data {
		r.reset()

		resampled, err := r.Resample(data[ch], srcRate, dstRate)
		if err != nil {
			return nil, fmt.Errorf("channel %d: %w", ch, err)
		}
		result[ch] = resampled
	}

	return result, nil
}

// CalculateOutputLength returns the expected output length for resampling.
// Invalid rates yield 0.
func CalculateOutputLength(inputLen int, srcRate, dstRate float64) int {
	if inputLen <= 0 || !validRate(srcRate) || !validRate(dstRate) {
		return 0
	}
	return int(math.Round(float64(inputLen) * dstRate / srcRate))
}
