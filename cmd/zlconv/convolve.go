package main

import (
	"fmt"
	"log/slog"
	"math"

	"zl-convolver/dsp"
	"zl-convolver/internal/wavio"
	"zl-convolver/pkg/audiobuf"
	"zl-convolver/pkg/resampler"
)

// normalizePeakDB is the target of -normalize.
const normalizePeakDB = -1.0

type result struct {
	channels     int
	sampleRate   float64
	inputFrames  int
	outputFrames int
	taps         int
	bitDepth     int
	clipped      int
}

func newResampler(cfg Config) *resampler.Resampler {
	if cfg.Resampler == "linear" {
		return resampler.NewLinear()
	}

	return resampler.NewWithQuality(cfg.Lobes)
}

// matchChannels widens mono input or a mono impulse to the other side's
// channel count. Any other mismatch is an error.
func matchChannels(impulse, input *audiobuf.Buffer) (*audiobuf.Buffer, *audiobuf.Buffer, error) {
	switch ic, xc := impulse.NumChannels(), input.NumChannels(); {
	case ic == xc:
		return impulse, input, nil
	case xc == 1:
		up, err := upmix(input, ic)
		return impulse, up, err
	case ic == 1:
		up, err := upmix(impulse, xc)
		return up, input, err
	default:
		return nil, nil, fmt.Errorf("cannot convolve %d channel input with %d channel impulse", xc, ic)
	}
}

func upmix(mono *audiobuf.Buffer, channels int) (*audiobuf.Buffer, error) {
	data := make([][]float32, channels)
	for ch := range data {
		data[ch] = mono.Channel(0)
	}

	return audiobuf.FromChannels(data, mono.SampleRate())
}

// peak returns the largest absolute sample value.
func peak(buf *audiobuf.Buffer) float32 {
	var p float32
	for _, ch := range buf.ReadArray() {
		for _, v := range ch {
			p = max(p, float32(math.Abs(float64(v))))
		}
	}

	return p
}

// normalize scales buf so its peak sits at targetDB. Silence is left alone.
func normalize(buf *audiobuf.Buffer, targetDB float64) {
	p := peak(buf)
	if p == 0 {
		return
	}
	buf.Scale(float32(dbToGain(targetDB)) / p)
}

func dbToGain(db float64) float64 {
	return math.Pow(10, db/20)
}

// convolveFile runs the whole job described by cfg.
func convolveFile(cfg Config, logger *slog.Logger) (*result, error) {
	irFile, err := wavio.ReadFile(cfg.ImpulsePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read impulse response: %w", err)
	}
	inFile, err := wavio.ReadFile(cfg.InputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}

	logger.Info("Files loaded",
		"impulse", cfg.ImpulsePath, "impulse_channels", irFile.Buffer.NumChannels(),
		"impulse_rate", irFile.Buffer.SampleRate(), "impulse_taps", irFile.Buffer.NumSamples(),
		"input", cfg.InputPath, "input_channels", inFile.Buffer.NumChannels(),
		"input_rate", inFile.Buffer.SampleRate(), "input_frames", inFile.Buffer.NumSamples())

	impulse, input, err := matchChannels(irFile.Buffer, inFile.Buffer)
	if err != nil {
		return nil, err
	}

	conv, err := dsp.NewConvolution(impulse,
		dsp.WithBlockOrders(cfg.MinBlockOrder, cfg.MaxBlockOrder),
		dsp.WithResampler(newResampler(cfg)),
		dsp.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create convolution: %w", err)
	}

	if err := conv.Reset(input.SampleRate()); err != nil {
		return nil, fmt.Errorf("failed to configure for %v Hz: %w", input.SampleRate(), err)
	}

	taps := impulse.NumSamples()
	if r := conv.Resampled(); r != nil {
		taps = r.NumSamples()
	}

	frames := input.NumSamples()
	if cfg.Tail {
		frames += taps - 1
	}

	out, err := audiobuf.NewWithRate(input.NumChannels(), frames, input.SampleRate())
	if err != nil {
		return nil, err
	}
	audiobuf.Copy(input.ReadArray(), out.WriteArray(), input.NumChannels(), input.NumSamples())

	if err := process(conv, out, cfg.BlockSize); err != nil {
		return nil, err
	}

	if cfg.GainDB != 0 {
		out.Scale(float32(dbToGain(cfg.GainDB)))
	}
	if cfg.Normalize {
		normalize(out, normalizePeakDB)
	}

	bitDepth := cfg.BitDepth
	if bitDepth == 0 {
		bitDepth = inFile.BitDepth
	}

	clipped, err := wavio.WriteFile(cfg.OutputPath, out, bitDepth)
	if err != nil {
		return nil, fmt.Errorf("failed to write output: %w", err)
	}
	if clipped > 0 {
		logger.Warn("Output clipped", "samples", clipped)
	}

	return &result{
		channels:     out.NumChannels(),
		sampleRate:   out.SampleRate(),
		inputFrames:  input.NumSamples(),
		outputFrames: frames,
		taps:         taps,
		bitDepth:     bitDepth,
		clipped:      clipped,
	}, nil
}

// process convolves buf in place in blocks of blockSize frames.
func process(conv *dsp.Convolution, buf *audiobuf.Buffer, blockSize int) error {
	data := buf.WriteArray()
	block := make([][]float32, len(data))

	for pos := 0; pos < buf.NumSamples(); pos += blockSize {
		n := min(blockSize, buf.NumSamples()-pos)
		for ch := range data {
			block[ch] = data[ch][pos : pos+n]
		}

		if err := conv.ProcessRaw(block, len(block), n); err != nil {
			return fmt.Errorf("processing failed at frame %d: %w", pos, err)
		}
	}

	return nil
}
