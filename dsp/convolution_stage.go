package dsp

import (
	"errors"
	"fmt"

	algofft "github.com/MeKo-Christian/algo-fft"
)

// ErrInputBufferTooSmall indicates the input history is shorter than the stage FFT.
var ErrInputBufferTooSmall = errors.New("dsp: input buffer too small")

// ConvolutionStage handles count consecutive impulse partitions of size
// 2^order starting at tap offset. It transforms the newest 2*2^order input
// samples once and multiplies them against every partition spectrum.
//
// A stage fires every 2^order/latency blocks (modulo scheduling), so larger
// partitions run less often.
type ConvolutionStage struct {
	order     int
	partition int // 2^order
	fftSize   int // 2*partition

	offset  int
	latency int

	mod    int
	modAnd int

	plan *algofft.PlanRealT[float32, complex64]

	spectra [][]complex64

	padded     []float32
	inFreq     []complex64
	product    []complex64
	timeDomain []float32
}

// NewConvolutionStage creates a stage for count partitions of 2^order taps
// beginning at tap offset, scheduled against the engine latency.
func NewConvolutionStage(order, offset, latency, count int) (*ConvolutionStage, error) {
	partition := 1 << order
	if latency <= 0 || partition%latency != 0 {
		return nil, fmt.Errorf("dsp: partition %d is not a multiple of latency %d", partition, latency)
	}
	if count < 1 {
		return nil, fmt.Errorf("dsp: stage needs at least one partition, got %d", count)
	}

	fftSize := 2 * partition

	plan, err := algofft.NewPlanReal32(fftSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create FFT plan for size %d: %w", fftSize, err)
	}

	bins := partition + 1

	s := &ConvolutionStage{
		order:      order,
		partition:  partition,
		fftSize:    fftSize,
		offset:     offset,
		latency:    latency,
		modAnd:     partition/latency - 1,
		plan:       plan,
		spectra:    make([][]complex64, count),
		padded:     make([]float32, fftSize),
		inFreq:     make([]complex64, bins),
		product:    make([]complex64, bins),
		timeDomain: make([]float32, fftSize),
	}

	for i := range s.spectra {
		s.spectra[i] = make([]complex64, bins)
	}

	return s, nil
}

// FFTSize returns the FFT size for this stage.
func (s *ConvolutionStage) FFTSize() int {
	return s.fftSize
}

// Count returns the number of partitions in this stage.
func (s *ConvolutionStage) Count() int {
	return len(s.spectra)
}

// Offset returns the first impulse tap covered by the stage.
func (s *ConvolutionStage) Offset() int {
	return s.offset
}

// Span returns the number of impulse taps covered by the stage.
func (s *ConvolutionStage) Span() int {
	return len(s.spectra) * s.partition
}

// SetImpulse transforms the stage's partitions of ir. Taps past the end of
// ir are treated as zero. Each partition is placed in the upper half of the
// FFT frame so the lower half of the circular result is alias free.
func (s *ConvolutionStage) SetImpulse(ir []float32) error {
	for i, spectrum := range s.spectra {
		clear(s.padded)

		start := s.offset + i*s.partition
		if start < len(ir) {
			end := min(start+s.partition, len(ir))
			copy(s.padded[s.partition:], ir[start:end])
		}

		if err := s.plan.Forward(spectrum, s.padded); err != nil {
			return fmt.Errorf("failed to compute IR spectrum for partition %d: %w", i, err)
		}
	}

	return nil
}

// Process runs the stage if it is scheduled for this block and overlap-adds
// its contribution into out. in must end with the newest input sample; out
// index 0 corresponds to the first output sample of the next block.
func (s *ConvolutionStage) Process(in, out []float32) error {
	if s.mod == 0 {
		start := len(in) - s.fftSize
		if start < 0 {
			return fmt.Errorf("%w: need=%d got=%d", ErrInputBufferTooSmall, s.fftSize, len(in))
		}

		if err := s.plan.Forward(s.inFreq, in[start:]); err != nil {
			return fmt.Errorf("forward FFT failed: %w", err)
		}

		for i, spectrum := range s.spectra {
			for k, v := range spectrum {
				s.product[k] = s.inFreq[k] * v
			}

			if err := s.plan.Inverse(s.timeDomain, s.product); err != nil {
				return fmt.Errorf("inverse FFT failed: %w", err)
			}

			pos := s.offset + s.latency - s.partition + i*s.partition
			if pos < 0 || pos+s.partition > len(out) {
				return fmt.Errorf("dsp: stage output [%d, %d) outside buffer of %d",
					pos, pos+s.partition, len(out))
			}

			dst := out[pos : pos+s.partition]
			for k := range dst {
				dst[k] += s.timeDomain[k]
			}
		}
	}

	s.mod = (s.mod + 1) & s.modAnd

	return nil
}

// align sets the schedule as if the stage had run since block 0.
func (s *ConvolutionStage) align(block int) {
	s.mod = block & s.modAnd
}

// Reset rewinds the schedule and clears the working buffers.
func (s *ConvolutionStage) Reset() {
	s.mod = 0
	clear(s.inFreq)
	clear(s.product)
	clear(s.timeDomain)
}
