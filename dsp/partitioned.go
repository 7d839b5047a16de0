package dsp

import (
	"errors"
	"fmt"
)

// Block order limits for the partitioned engine.
const (
	MinBlockOrderLimit = 6
	MaxBlockOrderLimit = 20

	DefaultMinBlockOrder = 6
	DefaultMaxBlockOrder = 12
)

// ErrEmptyImpulse is returned when an impulse channel holds no taps.
var ErrEmptyImpulse = errors.New("dsp: impulse response cannot be empty")

// PartitionedEngine is a single channel non-uniformly partitioned FFT
// convolver with a latency of 2^minBlockOrder samples. Partition sizes grow
// from 2^minBlockOrder up to at most 2^maxBlockOrder along the impulse.
type PartitionedEngine struct {
	impulse      []float32
	irSizePadded int

	minBlockOrder int
	maxBlockOrder int
	latency       int

	// input holds history followed by the block being assembled.
	input        []float32
	inputHistory int

	// output[i] is the output for sample i of the current block.
	output        []float32
	outputHistory int

	blockPos int
	// blocks counts completed blocks modulo the slowest stage period, so
	// stages rebuilt by SetImpulse fire on the same schedule as before.
	blocks int

	stages []*ConvolutionStage
}

// NewPartitionedEngine creates an engine for ir. The impulse is copied.
func NewPartitionedEngine(ir []float32, minBlockOrder, maxBlockOrder int) (*PartitionedEngine, error) {
	if err := checkBlockOrders(minBlockOrder, maxBlockOrder); err != nil {
		return nil, err
	}

	e := &PartitionedEngine{
		minBlockOrder: minBlockOrder,
		maxBlockOrder: maxBlockOrder,
		latency:       1 << minBlockOrder,
	}

	if err := e.SetImpulse(ir); err != nil {
		return nil, err
	}

	return e, nil
}

func checkBlockOrders(minBlockOrder, maxBlockOrder int) error {
	if minBlockOrder < MinBlockOrderLimit || minBlockOrder > MaxBlockOrderLimit {
		return fmt.Errorf("%w: minBlockOrder must be between %d and %d, got %d",
			ErrInvalidBlockOrder, MinBlockOrderLimit, MaxBlockOrderLimit, minBlockOrder)
	}
	if maxBlockOrder < minBlockOrder || maxBlockOrder > MaxBlockOrderLimit {
		return fmt.Errorf("%w: maxBlockOrder (%d) must be in [%d, %d]",
			ErrInvalidBlockOrder, maxBlockOrder, minBlockOrder, MaxBlockOrderLimit)
	}

	return nil
}

// Latency returns the engine latency in samples.
func (e *PartitionedEngine) Latency() int {
	return e.latency
}

// IRSize returns the impulse length in taps.
func (e *PartitionedEngine) IRSize() int {
	return len(e.impulse)
}

// SetImpulse replaces the impulse response. Input history, pending output
// and the position inside the current block are carried over, so a stream
// continues across the swap. Output within one impulse length after the swap
// may mix contributions of both responses.
func (e *PartitionedEngine) SetImpulse(ir []float32) error {
	if len(ir) == 0 {
		return ErrEmptyImpulse
	}

	oldInput, oldInputHistory := e.input, e.inputHistory
	oldOutput := e.output

	e.impulse = append(e.impulse[:0], ir...)
	e.irSizePadded = (len(ir) + e.latency - 1) / e.latency * e.latency

	if err := e.partition(); err != nil {
		return fmt.Errorf("failed to partition IR: %w", err)
	}

	for i, stage := range e.stages {
		if err := stage.SetImpulse(e.impulse); err != nil {
			return fmt.Errorf("failed to calculate IR spectrums for stage %d: %w", i, err)
		}
	}

	if oldInput != nil {
		// Align both buffers at the start of the current block.
		keep := min(oldInputHistory, e.inputHistory)
		copy(e.input[e.inputHistory-keep:], oldInput[oldInputHistory-keep:])
		copy(e.output, oldOutput)
	}

	return nil
}

// bitCountToBits returns (2^(bitCount+1)) - 1
func bitCountToBits(bitCount int) int {
	return (2 << bitCount) - 1
}

// truncLog2 returns floor(log2(n))
func truncLog2(n int) int {
	if n <= 0 {
		return 0
	}
	result := 0
	for n > 1 {
		n >>= 1
		result++
	}
	return result
}

// partition lays out stages with one partition of every size from
// minBlockOrder up to the largest order the impulse needs, then spends the
// remaining taps following the bits of the residual length. The largest
// stage takes whatever is left. Stage spans sum to irSizePadded exactly.
func (e *PartitionedEngine) partition() error {
	minOrder := e.minBlockOrder

	maxOrder := truncLog2(e.irSizePadded+e.latency) - 1

	residual := e.irSizePadded - (bitCountToBits(maxOrder) - bitCountToBits(minOrder-1))

	// Drop the top order if it would only be used once.
	if (residual>>maxOrder)&1 == 0 && maxOrder > minOrder {
		maxOrder--
	}
	maxOrder = min(maxOrder, e.maxBlockOrder)

	residual = e.irSizePadded - (bitCountToBits(maxOrder) - bitCountToBits(minOrder-1))

	stages := make([]*ConvolutionStage, 0, maxOrder-minOrder+1)
	offset := 0

	for order := minOrder; order < maxOrder; order++ {
		count := 1 + (residual>>order)&1

		stage, err := NewConvolutionStage(order, offset, e.latency, count)
		if err != nil {
			return fmt.Errorf("failed to create stage for order %d: %w", order, err)
		}
		stage.align(e.blocks)
		stages = append(stages, stage)

		offset += count << order
		residual -= (count - 1) << order
	}

	stage, err := NewConvolutionStage(maxOrder, offset, e.latency, 1+residual>>maxOrder)
	if err != nil {
		return fmt.Errorf("failed to create final stage for order %d: %w", maxOrder, err)
	}
	stage.align(e.blocks)
	stages = append(stages, stage)

	e.stages = stages

	inputSize := 2 << maxOrder
	e.input = make([]float32, inputSize)
	e.inputHistory = inputSize - e.latency

	e.output = make([]float32, e.irSizePadded)
	e.outputHistory = e.irSizePadded - e.latency

	return nil
}

// ProcessBlock convolves input into output; both must have the same length,
// which may be any size. output may alias input. The result is delayed by
// Latency samples.
func (e *PartitionedEngine) ProcessBlock(input, output []float32) error {
	if len(input) != len(output) {
		return fmt.Errorf("input and output buffers must have same length: %d != %d", len(input), len(output))
	}

	pos := 0
	for pos < len(input) {
		n := min(len(input)-pos, e.latency-e.blockPos)

		copy(e.input[e.inputHistory+e.blockPos:], input[pos:pos+n])
		copy(output[pos:pos+n], e.output[e.blockPos:e.blockPos+n])

		e.blockPos += n
		pos += n

		if e.blockPos == e.latency {
			if err := e.convolveBlock(); err != nil {
				return err
			}
		}
	}

	return nil
}

// ProcessSample pushes one sample and returns one delayed output sample.
func (e *PartitionedEngine) ProcessSample(x float32) (float32, error) {
	e.input[e.inputHistory+e.blockPos] = x
	y := e.output[e.blockPos]

	e.blockPos++
	if e.blockPos == e.latency {
		if err := e.convolveBlock(); err != nil {
			return 0, err
		}
	}

	return y, nil
}

// convolveBlock runs once a full latency block has been collected.
func (e *PartitionedEngine) convolveBlock() error {
	copy(e.output, e.output[e.latency:])
	clear(e.output[e.outputHistory:])

	for _, stage := range e.stages {
		if err := stage.Process(e.input, e.output); err != nil {
			return fmt.Errorf("stage convolution failed: %w", err)
		}
	}

	copy(e.input, e.input[e.latency:])
	e.blockPos = 0
	e.blocks = (e.blocks + 1) & (1<<(e.maxBlockOrder-e.minBlockOrder) - 1)

	return nil
}

// Reset clears all signal state. The impulse is kept.
func (e *PartitionedEngine) Reset() {
	clear(e.input)
	clear(e.output)
	e.blockPos = 0
	e.blocks = 0

	for _, stage := range e.stages {
		stage.Reset()
	}
}

// StageCount returns the number of convolution stages.
func (e *PartitionedEngine) StageCount() int {
	return len(e.stages)
}

// StageInfo returns the FFT size and partition count of a stage.
func (e *PartitionedEngine) StageInfo(index int) (fftSize, blockCount int, err error) {
	if index < 0 || index >= len(e.stages) {
		return 0, 0, fmt.Errorf("stage index %d out of range [0, %d)", index, len(e.stages))
	}
	stage := e.stages[index]
	return stage.FFTSize(), stage.Count(), nil
}
