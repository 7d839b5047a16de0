// Package dsp implements zero latency multichannel convolution with impulse
// hot swapping and sample rate tracking.
package dsp

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"zl-convolver/pkg/audiobuf"
	"zl-convolver/pkg/resampler"
)

// MaxChannels is the largest impulse channel count a Convolution accepts.
const MaxChannels = 4

var (
	ErrNilImpulse        = errors.New("dsp: impulse buffer is nil")
	ErrTooManyChannels   = errors.New("dsp: impulse has too many channels")
	ErrChannelMismatch   = errors.New("dsp: block channel count does not match impulse")
	ErrInvalidBlock      = errors.New("dsp: invalid block")
	ErrInvalidSampleRate = errors.New("dsp: sample rate must be positive and finite")
	ErrInvalidBlockOrder = errors.New("dsp: invalid block order")

	// ErrLatencyInvariant marks an InvariantError.
	ErrLatencyInvariant = errors.New("dsp: core did not return the full block")
)

// InvariantError reports that a core made fewer (or more) samples available
// than were fed, which means it is not latency free or is misconfigured. The
// Convolution refuses to process until Reset or Set succeeds.
type InvariantError struct {
	Want  int
	Avail int
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("dsp: zero latency invariant violated: fed %d samples, %d available", e.Want, e.Avail)
}

// Is makes errors.Is(err, ErrLatencyInvariant) hold.
func (e *InvariantError) Is(target error) bool {
	return target == ErrLatencyInvariant
}

type config struct {
	core          Core
	minBlockOrder int
	maxBlockOrder int
	resampler     *resampler.Resampler
	logger        *slog.Logger
}

func defaultConfig() config {
	return config{
		minBlockOrder: DefaultMinBlockOrder,
		maxBlockOrder: DefaultMaxBlockOrder,
	}
}

// Option configures a Convolution.
type Option func(*config)

// WithCore replaces the default ZeroLatencyCore. The core must be empty;
// NewConvolution installs the impulse.
func WithCore(core Core) Option {
	return func(cfg *config) {
		cfg.core = core
	}
}

// WithBlockOrders sets the head length (2^minOrder) and the largest tail
// partition (2^maxOrder) of the default core.
func WithBlockOrders(minOrder, maxOrder int) Option {
	return func(cfg *config) {
		cfg.minBlockOrder = minOrder
		cfg.maxBlockOrder = maxOrder
	}
}

// WithResampler sets the resampler used when the sample rate changes.
func WithResampler(r *resampler.Resampler) Option {
	return func(cfg *config) {
		if r != nil {
			cfg.resampler = r
		}
	}
}

// WithLogger sets the logger for configuration events.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *config) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// Convolution convolves blocks in place against an impulse response with no
// added latency.
//
// The impulse passed to NewConvolution is borrowed: it is read again on
// every Reset to a new sample rate, so the caller must keep it alive and
// unmodified for the lifetime of the Convolution. A resampled copy is owned
// by the Convolution.
//
// A Convolution is not safe for concurrent use. Process, Set and Reset must
// be serialized by the caller; Reset may resample and belongs outside the
// real-time path.
type Convolution struct {
	original  *audiobuf.Buffer
	resampled *audiobuf.Buffer
	lastRate  float64
	core      Core
	resampler *resampler.Resampler
	logger    *slog.Logger
	invariant error
}

// NewConvolution binds impulse and configures the core at the impulse's
// own sample rate.
func NewConvolution(impulse *audiobuf.Buffer, opts ...Option) (*Convolution, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	if err := checkImpulseBuffer(impulse); err != nil {
		return nil, err
	}

	core := cfg.core
	if core == nil {
		zl, err := NewZeroLatencyCore(cfg.minBlockOrder, cfg.maxBlockOrder)
		if err != nil {
			return nil, err
		}
		core = zl
	}

	if cfg.resampler == nil {
		cfg.resampler = resampler.New()
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	c := &Convolution{
		original:  impulse,
		lastRate:  impulse.SampleRate(),
		core:      core,
		resampler: cfg.resampler,
		logger:    cfg.logger,
	}

	if err := c.core.SetImpulse(impulse.ReadArray()); err != nil {
		return nil, fmt.Errorf("failed to install impulse: %w", err)
	}

	c.logger.Debug("convolution configured",
		"channels", impulse.NumChannels(),
		"taps", impulse.NumSamples(),
		"sample_rate", impulse.SampleRate())

	return c, nil
}

func checkImpulseBuffer(impulse *audiobuf.Buffer) error {
	if impulse == nil {
		return ErrNilImpulse
	}
	if impulse.NumChannels() > MaxChannels {
		return fmt.Errorf("%w: %d > %d", ErrTooManyChannels, impulse.NumChannels(), MaxChannels)
	}

	return nil
}

// Set installs impulse immediately. Signal state and the tracked sample rate
// are kept, so the output may jump at the swap. impulse is copied; the
// borrowed original used for rate changes stays the one bound at
// construction.
func (c *Convolution) Set(impulse *audiobuf.Buffer) error {
	if err := checkImpulseBuffer(impulse); err != nil {
		return err
	}

	if err := c.core.SetImpulse(impulse.ReadArray()); err != nil {
		return fmt.Errorf("failed to install impulse: %w", err)
	}
	c.invariant = nil

	c.logger.Debug("impulse replaced",
		"channels", impulse.NumChannels(),
		"taps", impulse.NumSamples())

	return nil
}

// Reset clears all signal state. If sampleRate differs from the rate the
// core is configured for, the original impulse is resampled to it, scaled by
// originalRate/sampleRate and installed.
func (c *Convolution) Reset(sampleRate float64) error {
	if !(sampleRate > 0) || math.IsInf(sampleRate, 0) {
		return fmt.Errorf("%w: %v", ErrInvalidSampleRate, sampleRate)
	}

	c.core.Reset()
	c.invariant = nil

	if sampleRate == c.lastRate {
		return nil
	}

	resampled, err := c.resampler.ResampleBuffer(c.original, sampleRate)
	if err != nil {
		return fmt.Errorf("failed to resample impulse to %v Hz: %w", sampleRate, err)
	}

	resampled.Scale(float32(c.original.SampleRate() / sampleRate))

	if err := c.core.SetImpulse(resampled.ReadArray()); err != nil {
		return fmt.Errorf("failed to install resampled impulse: %w", err)
	}

	c.logger.Info("impulse resampled",
		"from_hz", c.original.SampleRate(),
		"to_hz", sampleRate,
		"taps", resampled.NumSamples())

	c.resampled = resampled
	c.lastRate = sampleRate

	return nil
}

// Process convolves block in place. Its channel count must match the
// installed impulse.
func (c *Convolution) Process(block *audiobuf.Buffer) error {
	if block == nil {
		return fmt.Errorf("%w: nil buffer", ErrInvalidBlock)
	}

	return c.ProcessRaw(block.WriteArray(), block.NumChannels(), block.NumSamples())
}

// ProcessRaw convolves the first samples of channels slices of block in place.
func (c *Convolution) ProcessRaw(block [][]float32, channels, samples int) error {
	if c.invariant != nil {
		return c.invariant
	}

	if channels != c.core.Channels() {
		return fmt.Errorf("%w: block has %d, impulse has %d", ErrChannelMismatch, channels, c.core.Channels())
	}
	if err := checkBlock(block, channels, samples); err != nil {
		return err
	}
	if samples == 0 {
		return nil
	}

	if err := c.core.Add(block, samples); err != nil {
		return fmt.Errorf("core add failed: %w", err)
	}

	if avail := c.core.Avail(samples); avail != samples {
		c.invariant = &InvariantError{Want: samples, Avail: avail}
		return c.invariant
	}

	audiobuf.Copy(c.core.Get(), block, channels, samples)
	c.core.Advance(samples)

	return nil
}

// LastSampleRate returns the rate the core is configured for.
func (c *Convolution) LastSampleRate() float64 {
	return c.lastRate
}

// Channels returns the channel count of the installed impulse.
func (c *Convolution) Channels() int {
	return c.core.Channels()
}

// Resampled returns the owned resampled impulse, or nil if no Reset has
// changed the sample rate yet.
func (c *Convolution) Resampled() *audiobuf.Buffer {
	return c.resampled
}
