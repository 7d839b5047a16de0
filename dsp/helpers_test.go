package dsp

import (
	"log/slog"
	"math"
	"math/rand"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// referenceConvolve returns the full linear convolution of x and h in
// float64, len(x)+len(h)-1 samples long.
func referenceConvolve(x, h []float32) []float64 {
	y := make([]float64, len(x)+len(h)-1)
	for i, xv := range x {
		for j, hv := range h {
			y[i+j] += float64(xv) * float64(hv)
		}
	}

	return y
}

func decayingIR(n int, tau float64) []float32 {
	ir := make([]float32, n)
	for i := range ir {
		ir[i] = float32(math.Exp(-float64(i) / tau))
	}

	return ir
}

func noise(n int, seed int64) []float32 {
	rng := rand.New(rand.NewSource(seed))

	out := make([]float32, n)
	for i := range out {
		out[i] = float32(rng.Float64()*2 - 1)
	}

	return out
}

// runBlocks feeds x through process in chunks whose sizes cycle through
// sizes and returns the concatenated output.
func runBlocks(x []float32, sizes []int, process func(in, out []float32) error) ([]float32, error) {
	out := make([]float32, len(x))

	pos, k := 0, 0
	for pos < len(x) {
		n := min(sizes[k%len(sizes)], len(x)-pos)
		if err := process(x[pos:pos+n], out[pos:pos+n]); err != nil {
			return nil, err
		}
		pos += n
		k++
	}

	return out, nil
}
