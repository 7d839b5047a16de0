package resampler

import (
	"errors"
	"fmt"

	"zl-convolver/pkg/audiobuf"
)

// ErrEmptyResult is returned when a conversion would produce no samples.
var ErrEmptyResult = errors.New("resampler: conversion yields an empty buffer")

// ResampleBuffer converts src from its own sample rate to dstRate.
func (r *Resampler) ResampleBuffer(src *audiobuf.Buffer, dstRate float64) (*audiobuf.Buffer, error) {
	return r.ResampleBufferRates(src, src.SampleRate(), dstRate)
}

// ResampleBufferRates converts src, interpreted at srcRate, to dstRate.
// The result has the same channel count as src and is tagged with dstRate.
func (r *Resampler) ResampleBufferRates(src *audiobuf.Buffer, srcRate, dstRate float64) (*audiobuf.Buffer, error) {
	if src == nil {
		return nil, errors.New("resampler: nil source buffer")
	}

	data, err := r.ResampleMultiChannel(src.ReadArray(), srcRate, dstRate)
	if err != nil {
		return nil, err
	}

	if len(data) == 0 || len(data[0]) == 0 {
		return nil, fmt.Errorf("%w: %d samples at %v Hz to %v Hz",
			ErrEmptyResult, src.NumSamples(), srcRate, dstRate)
	}

	return audiobuf.FromChannels(data, dstRate)
}
