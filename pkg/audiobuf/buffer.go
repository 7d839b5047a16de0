// Package audiobuf provides a strict non-interleaved multichannel float32 buffer
// and stateless helpers operating on raw per-channel slices.
package audiobuf

import (
	"errors"
	"fmt"
	"math"

	"github.com/tphakala/simd/f32"
)

// DefaultSampleRate is used when a Buffer is created without an explicit rate.
const DefaultSampleRate = 44100.0

// MaxChannelIndex is the largest channel count a Buffer accepts.
const MaxChannelIndex = math.MaxInt32

// Construction errors.
var (
	ErrInvalidChannels = errors.New("audiobuf: channel count must be positive")
	ErrInvalidSamples  = errors.New("audiobuf: sample count must be positive")
	ErrTooManyChannels = errors.New("audiobuf: channel count exceeds index range")
	ErrSizeOverflow    = errors.New("audiobuf: channels*samples overflows")
	ErrRaggedChannels  = errors.New("audiobuf: channels have different lengths")
)

// Buffer owns numChannels arrays of numSamples float32 samples each.
//
// Storage is a single contiguous slice; each channel is a sub-slice of it.
// Arrays obtained from ReadArray, WriteArray or Channel are invalidated by
// ClearAndResize.
type Buffer struct {
	numChannels int
	numSamples  int
	sampleRate  float64

	data     []float32
	channels [][]float32
}

// New allocates a zeroed buffer at DefaultSampleRate.
func New(channels, samples int) (*Buffer, error) {
	return NewWithRate(channels, samples, DefaultSampleRate)
}

// NewWithRate allocates a zeroed buffer tagged with sampleRate.
// The rate is informational and not validated.
func NewWithRate(channels, samples int, sampleRate float64) (*Buffer, error) {
	b := &Buffer{sampleRate: sampleRate}
	if err := b.ClearAndResize(channels, samples); err != nil {
		return nil, err
	}

	return b, nil
}

// FromChannels builds a buffer holding a deep copy of data.
// All channel slices must have the same, non-zero length.
func FromChannels(data [][]float32, sampleRate float64) (*Buffer, error) {
	if len(data) == 0 {
		return nil, ErrInvalidChannels
	}

	samples := len(data[0])
	for ch := range data {
		if len(data[ch]) != samples {
			return nil, fmt.Errorf("%w: channel %d has %d samples, want %d",
				ErrRaggedChannels, ch, len(data[ch]), samples)
		}
	}

	b, err := NewWithRate(len(data), samples, sampleRate)
	if err != nil {
		return nil, err
	}

	Copy(data, b.channels, b.numChannels, b.numSamples)

	return b, nil
}

// checkSize validates a shape without allocating anything.
func checkSize(channels, samples int) error {
	if channels <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidChannels, channels)
	}
	if channels > MaxChannelIndex {
		return fmt.Errorf("%w: got %d, max %d", ErrTooManyChannels, channels, MaxChannelIndex)
	}
	if samples <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidSamples, samples)
	}
	if samples > math.MaxInt/channels {
		return fmt.Errorf("%w: %d x %d", ErrSizeOverflow, channels, samples)
	}

	return nil
}

// ClearAndResize reallocates the buffer to the given shape and zero fills it.
//
// The channel table is replaced first, then the sample storage, so no data from
// a previous shape is reachable afterwards. On error the buffer is unchanged.
func (b *Buffer) ClearAndResize(channels, samples int) error {
	if err := checkSize(channels, samples); err != nil {
		return err
	}

	b.channels = nil
	b.data = nil

	b.channels = make([][]float32, channels)
	b.data = make([]float32, channels*samples)

	for ch := range b.channels {
		start := ch * samples
		b.channels[ch] = b.data[start : start+samples : start+samples]
	}

	b.numChannels = channels
	b.numSamples = samples

	return nil
}

// NumChannels returns the channel count.
func (b *Buffer) NumChannels() int {
	return b.numChannels
}

// NumSamples returns the per-channel sample count.
func (b *Buffer) NumSamples() int {
	return b.numSamples
}

// SampleRate returns the informational sample rate.
func (b *Buffer) SampleRate() float64 {
	return b.sampleRate
}

// SetSampleRate retags the buffer without touching its samples.
func (b *Buffer) SetSampleRate(sampleRate float64) {
	b.sampleRate = sampleRate
}

// ReadArray exposes the per-channel arrays. Callers must not write through it.
func (b *Buffer) ReadArray() [][]float32 {
	return b.channels
}

// WriteArray exposes the per-channel arrays for in-place writes.
// No bounds are enforced beyond those of the slices themselves.
func (b *Buffer) WriteArray() [][]float32 {
	return b.channels
}

// Channel returns the sample array of channel ch.
func (b *Buffer) Channel(ch int) []float32 {
	return b.channels[ch]
}

// FillAllOnes sets every sample to 1.
func (b *Buffer) FillAllOnes() {
	for i := range b.data {
		b.data[i] = 1
	}
}

// FillAscending writes 1, 2, 3, ... into every channel. The sequence restarts
// for each channel.
func (b *Buffer) FillAscending() {
	for _, ch := range b.channels {
		for i := range ch {
			ch[i] = float32(i + 1)
		}
	}
}

// Clear zero fills the buffer without resizing.
func (b *Buffer) Clear() {
	clear(b.data)
}

// Scale multiplies every sample in place by gain.
func (b *Buffer) Scale(gain float32) {
	f32.Scale(b.data, b.data, gain)
}

// Sum adds up every sample of every channel.
func (b *Buffer) Sum() float32 {
	return Sum(b.channels, b.numChannels, b.numSamples)
}

// Clone returns a deep copy with the same shape and sample rate.
func (b *Buffer) Clone() *Buffer {
	c := &Buffer{sampleRate: b.sampleRate}
	// Shape is already valid.
	_ = c.ClearAndResize(b.numChannels, b.numSamples)
	copy(c.data, b.data)

	return c
}
