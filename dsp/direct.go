package dsp

import (
	"github.com/tphakala/simd/f32"
)

// directFilter is a time-domain FIR with no latency. It keeps the last
// historyLen input samples so blocks of any size can be filtered.
type directFilter struct {
	kernel     []float32 // taps in reverse order
	historyLen int
	signal     []float32 // history followed by the current block
}

// newDirectFilter returns a filter for taps whose history can serve kernels
// of up to historyLen+1 taps.
func newDirectFilter(taps []float32, historyLen int) *directFilter {
	f := &directFilter{historyLen: historyLen}
	f.signal = make([]float32, historyLen)
	f.setTaps(taps)

	return f
}

// setTaps swaps the kernel while keeping the input history.
func (f *directFilter) setTaps(taps []float32) {
	if need := len(taps) - 1; need > f.historyLen {
		grown := make([]float32, need)
		copy(grown[need-f.historyLen:], f.signal[:f.historyLen])
		f.signal = grown
		f.historyLen = need
	}

	f.kernel = f.kernel[:0]
	for i := len(taps) - 1; i >= 0; i-- {
		f.kernel = append(f.kernel, taps[i])
	}
}

// process filters in into out. out may alias in.
func (f *directFilter) process(in, out []float32) {
	n := len(in)
	h := f.historyLen

	if cap(f.signal) < h+n {
		grown := make([]float32, h+n)
		copy(grown, f.signal[:h])
		f.signal = grown
	}
	signal := f.signal[:h+n]
	copy(signal[h:], in)

	// Kernels shorter than the history only need its newest samples.
	f32.ConvolveValid(out[:n], signal[h-len(f.kernel)+1:], f.kernel)

	copy(signal, signal[n:])
}

func (f *directFilter) reset() {
	clear(f.signal[:f.historyLen])
}
