// Package wavio reads and writes PCM WAV files as audiobuf buffers.
//
// Supported:
//   - Integer PCM (format tag 1)
//   - 8-bit, 16-bit, 24-bit and 32-bit sample depths
//   - Any channel count
//
// Samples are scaled to [-1.0, 1.0) on read. On write they are rounded and
// clipped to the target depth.
package wavio

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"zl-convolver/pkg/audiobuf"
)

const pcmFormat = 1

// writeFrames is the number of frames encoded per IntBuffer.
const writeFrames = 4096

// Errors.
var (
	ErrNotWAV            = errors.New("wavio: not a WAV file")
	ErrUnsupportedFormat = errors.New("wavio: unsupported format")
	ErrNoFrames          = errors.New("wavio: file holds no audio frames")
)

// File is a decoded WAV file.
type File struct {
	// Buffer holds the samples, tagged with the file's sample rate.
	Buffer   *audiobuf.Buffer
	BitDepth int
}

// Duration returns the length in seconds.
func (f *File) Duration() float64 {
	return float64(f.Buffer.NumSamples()) / f.Buffer.SampleRate()
}

func checkBitDepth(bitDepth int) error {
	switch bitDepth {
	case 8, 16, 24, 32:
		return nil
	default:
		return fmt.Errorf("%w: %d-bit samples", ErrUnsupportedFormat, bitDepth)
	}
}

// fullScale is the integer magnitude that maps to 1.0.
func fullScale(bitDepth int) float64 {
	return float64(int64(1) << (bitDepth - 1))
}

// Decode reads a whole WAV stream.
func Decode(r io.ReadSeeker) (*File, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, ErrNotWAV
	}

	if dec.WavAudioFormat != pcmFormat {
		return nil, fmt.Errorf("%w: format tag %d", ErrUnsupportedFormat, dec.WavAudioFormat)
	}

	bitDepth := int(dec.BitDepth)
	if err := checkBitDepth(bitDepth); err != nil {
		return nil, err
	}

	channels := int(dec.NumChans)
	if channels == 0 || dec.SampleRate == 0 {
		return nil, fmt.Errorf("%w: %d channels at %d Hz", ErrUnsupportedFormat, channels, dec.SampleRate)
	}

	pcm, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to read PCM data: %w", err)
	}

	frames := len(pcm.Data) / channels
	if frames == 0 {
		return nil, ErrNoFrames
	}

	buf, err := audiobuf.NewWithRate(channels, frames, float64(dec.SampleRate))
	if err != nil {
		return nil, err
	}

	deinterleave(pcm.Data, buf.WriteArray(), bitDepth)

	return &File{Buffer: buf, BitDepth: bitDepth}, nil
}

func deinterleave(src []int, dst [][]float32, bitDepth int) {
	channels := len(dst)
	scale := 1 / fullScale(bitDepth)

	// 8-bit PCM is unsigned
	offset := 0
	if bitDepth == 8 {
		offset = 128
	}

	for ch, out := range dst {
		for i := range out {
			out[i] = float32(float64(src[i*channels+ch]-offset) * scale)
		}
	}
}

// ReadFile decodes the WAV file at path.
func ReadFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	file, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return file, nil
}

// Encode writes buf as integer PCM at bitDepth and the buffer's sample rate,
// rounded to whole Hz. It returns the number of samples that were clipped.
// w is not closed.
func Encode(w io.WriteSeeker, buf *audiobuf.Buffer, bitDepth int) (int, error) {
	if err := checkBitDepth(bitDepth); err != nil {
		return 0, err
	}

	rate := int(math.Round(buf.SampleRate()))
	if rate <= 0 {
		return 0, fmt.Errorf("%w: sample rate %v", ErrUnsupportedFormat, buf.SampleRate())
	}

	channels := buf.NumChannels()
	enc := wav.NewEncoder(w, rate, bitDepth, channels, pcmFormat)

	chunk := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: rate},
		Data:           make([]int, writeFrames*channels),
		SourceBitDepth: bitDepth,
	}

	data := buf.ReadArray()
	clipped := 0

	for pos := 0; pos < buf.NumSamples(); pos += writeFrames {
		n := min(writeFrames, buf.NumSamples()-pos)
		chunk.Data = chunk.Data[:n*channels]
		clipped += interleave(data, pos, n, chunk.Data, bitDepth)

		if err := enc.Write(chunk); err != nil {
			return clipped, fmt.Errorf("failed to write PCM data: %w", err)
		}
	}

	if err := enc.Close(); err != nil {
		return clipped, fmt.Errorf("failed to finalize WAV header: %w", err)
	}

	return clipped, nil
}

// interleave quantizes n frames starting at pos into dst and returns how
// many samples were out of range.
func interleave(src [][]float32, pos, n int, dst []int, bitDepth int) int {
	channels := len(src)
	full := fullScale(bitDepth)
	lo, hi := -full, full-1

	offset := 0
	if bitDepth == 8 {
		offset = 128
	}

	clipped := 0
	for ch, in := range src {
		for i := range n {
			v := math.Round(float64(in[pos+i]) * full)
			switch {
			case math.IsNaN(v):
				clipped++
				v = 0
			case v < lo || v > hi:
				clipped++
				v = math.Max(lo, math.Min(v, hi))
			}
			dst[i*channels+ch] = int(v) + offset
		}
	}

	return clipped
}

// WriteFile encodes buf to a new file at path. See Encode.
func WriteFile(path string, buf *audiobuf.Buffer, bitDepth int) (int, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}

	clipped, err := Encode(f, buf, bitDepth)
	if err != nil {
		_ = f.Close()
		return clipped, fmt.Errorf("%s: %w", path, err)
	}

	return clipped, f.Close()
}
