package dsp

import (
	"fmt"
)

// Core is the convolution state behind a Convolution. Implementations own
// all filter and signal state and copy the impulse they are given.
//
// After Add has fed n samples, Avail reports how many output samples can be
// read; Get exposes them per channel and Advance consumes them.
type Core interface {
	// SetImpulse installs ir, one slice per channel, keeping signal state
	// where the channel layout allows it.
	SetImpulse(ir [][]float32) error
	// Add feeds the first samples of every channel of block.
	Add(block [][]float32, samples int) error
	// Avail returns how many of want output samples are ready.
	Avail(want int) int
	// Get returns the ready output, one slice per channel.
	Get() [][]float32
	// Advance drops n ready samples.
	Advance(n int)
	// Reset clears signal state and queued output. The impulse is kept.
	Reset()
	// Channels returns the channel count of the installed impulse.
	Channels() int
}

// outputQueue holds per channel samples produced by Add and not yet
// consumed by Advance.
type outputQueue struct {
	buf   [][]float32
	views [][]float32
	read  int
	write int
}

func (q *outputQueue) setChannels(channels int) {
	if len(q.buf) == channels {
		return
	}
	q.buf = make([][]float32, channels)
	q.views = make([][]float32, channels)
	q.read, q.write = 0, 0
}

// reserve makes room for n more samples and returns the slices to fill.
func (q *outputQueue) reserve(n int) [][]float32 {
	if q.read > 0 {
		for ch := range q.buf {
			copy(q.buf[ch], q.buf[ch][q.read:q.write])
		}
		q.write -= q.read
		q.read = 0
	}

	for ch, b := range q.buf {
		if len(b) < q.write+n {
			grown := make([]float32, q.write+n)
			copy(grown, b[:q.write])
			q.buf[ch] = grown
		}
		q.views[ch] = q.buf[ch][q.write : q.write+n]
	}

	return q.views
}

func (q *outputQueue) commit(n int) {
	q.write += n
}

func (q *outputQueue) avail(want int) int {
	return max(min(want, q.write-q.read), 0)
}

func (q *outputQueue) get() [][]float32 {
	for ch, b := range q.buf {
		q.views[ch] = b[q.read:q.write]
	}

	return q.views
}

func (q *outputQueue) advance(n int) {
	q.read = min(q.read+max(n, 0), q.write)
	if q.read == q.write {
		q.read, q.write = 0, 0
	}
}

func (q *outputQueue) reset() {
	q.read, q.write = 0, 0
}

func checkImpulse(ir [][]float32) error {
	if len(ir) == 0 {
		return fmt.Errorf("%w: no channels", ErrEmptyImpulse)
	}
	for ch, taps := range ir {
		if len(taps) == 0 {
			return fmt.Errorf("%w: channel %d", ErrEmptyImpulse, ch)
		}
	}

	return nil
}

func checkBlock(block [][]float32, channels, samples int) error {
	if samples < 0 {
		return fmt.Errorf("%w: negative sample count %d", ErrInvalidBlock, samples)
	}
	if len(block) < channels {
		return fmt.Errorf("%w: %d channel slices, need %d", ErrInvalidBlock, len(block), channels)
	}
	for ch := range channels {
		if len(block[ch]) < samples {
			return fmt.Errorf("%w: channel %d holds %d samples, need %d",
				ErrInvalidBlock, ch, len(block[ch]), samples)
		}
	}

	return nil
}

// channelConvolver is one channel of the zero latency core: the first
// 2^minBlockOrder taps run in the time domain, the rest in a partitioned
// engine whose latency equals the head length.
type channelConvolver struct {
	head    *directFilter
	tail    *PartitionedEngine
	tailOut []float32
}

func (c *channelConvolver) setImpulse(taps []float32, minOrder, maxOrder int) error {
	headLen := 1 << minOrder

	if c.head == nil {
		c.head = newDirectFilter(taps[:min(headLen, len(taps))], headLen-1)
	} else {
		c.head.setTaps(taps[:min(headLen, len(taps))])
	}

	if len(taps) <= headLen {
		c.tail = nil
		return nil
	}

	if c.tail == nil {
		tail, err := NewPartitionedEngine(taps[headLen:], minOrder, maxOrder)
		if err != nil {
			return err
		}
		c.tail = tail
		return nil
	}

	return c.tail.SetImpulse(taps[headLen:])
}

func (c *channelConvolver) process(in, out []float32) error {
	if c.tail != nil {
		if cap(c.tailOut) < len(in) {
			c.tailOut = make([]float32, len(in))
		}
		tailOut := c.tailOut[:len(in)]

		if err := c.tail.ProcessBlock(in, tailOut); err != nil {
			return err
		}

		c.head.process(in, out)

		for i, v := range tailOut {
			out[i] += v
		}
		return nil
	}

	c.head.process(in, out)

	return nil
}

func (c *channelConvolver) reset() {
	c.head.reset()
	if c.tail != nil {
		c.tail.Reset()
	}
}

// ZeroLatencyCore convolves every channel with no added delay. Output for
// a fed block is available as soon as Add returns.
type ZeroLatencyCore struct {
	minBlockOrder int
	maxBlockOrder int

	channels []*channelConvolver
	queue    outputQueue
}

// NewZeroLatencyCore creates an empty core. The time-domain head covers
// 2^minBlockOrder taps; tail partitions grow up to 2^maxBlockOrder.
func NewZeroLatencyCore(minBlockOrder, maxBlockOrder int) (*ZeroLatencyCore, error) {
	if err := checkBlockOrders(minBlockOrder, maxBlockOrder); err != nil {
		return nil, err
	}

	return &ZeroLatencyCore{
		minBlockOrder: minBlockOrder,
		maxBlockOrder: maxBlockOrder,
	}, nil
}

// SetImpulse implements Core. Channels present before and after the call
// keep their signal state; a changed channel count starts from silence.
func (z *ZeroLatencyCore) SetImpulse(ir [][]float32) error {
	if err := checkImpulse(ir); err != nil {
		return err
	}

	if len(ir) != len(z.channels) {
		z.channels = make([]*channelConvolver, len(ir))
		for ch := range z.channels {
			z.channels[ch] = &channelConvolver{}
		}
		z.queue.setChannels(len(ir))
	}

	for ch, taps := range ir {
		if err := z.channels[ch].setImpulse(taps, z.minBlockOrder, z.maxBlockOrder); err != nil {
			return fmt.Errorf("channel %d: %w", ch, err)
		}
	}

	return nil
}

// Add implements Core.
func (z *ZeroLatencyCore) Add(block [][]float32, samples int) error {
	if err := checkBlock(block, len(z.channels), samples); err != nil {
		return err
	}

	out := z.queue.reserve(samples)
	for ch, c := range z.channels {
		if err := c.process(block[ch][:samples], out[ch]); err != nil {
			return fmt.Errorf("channel %d: %w", ch, err)
		}
	}
	z.queue.commit(samples)

	return nil
}

// Avail implements Core.
func (z *ZeroLatencyCore) Avail(want int) int {
	return z.queue.avail(want)
}

// Get implements Core.
func (z *ZeroLatencyCore) Get() [][]float32 {
	return z.queue.get()
}

// Advance implements Core.
func (z *ZeroLatencyCore) Advance(n int) {
	z.queue.advance(n)
}

// Reset implements Core.
func (z *ZeroLatencyCore) Reset() {
	for _, c := range z.channels {
		c.reset()
	}
	z.queue.reset()
}

// Channels implements Core.
func (z *ZeroLatencyCore) Channels() int {
	return len(z.channels)
}

// DirectCore convolves the whole impulse in the time domain. It serves as a
// reference for ZeroLatencyCore and suits short impulses.
type DirectCore struct {
	filters []*directFilter
	queue   outputQueue
}

// NewDirectCore creates an empty direct core.
func NewDirectCore() *DirectCore {
	return &DirectCore{}
}

// SetImpulse implements Core.
func (d *DirectCore) SetImpulse(ir [][]float32) error {
	if err := checkImpulse(ir); err != nil {
		return err
	}

	if len(ir) != len(d.filters) {
		d.filters = make([]*directFilter, len(ir))
		for ch, taps := range ir {
			d.filters[ch] = newDirectFilter(taps, len(taps)-1)
		}
		d.queue.setChannels(len(ir))
		return nil
	}

	for ch, taps := range ir {
		d.filters[ch].setTaps(taps)
	}

	return nil
}

// Add implements Core.
func (d *DirectCore) Add(block [][]float32, samples int) error {
	if err := checkBlock(block, len(d.filters), samples); err != nil {
		return err
	}

	out := d.queue.reserve(samples)
	for ch, f := range d.filters {
		f.process(block[ch][:samples], out[ch])
	}
	d.queue.commit(samples)

	return nil
}

// Avail implements Core.
func (d *DirectCore) Avail(want int) int {
	return d.queue.avail(want)
}

// Get implements Core.
func (d *DirectCore) Get() [][]float32 {
	return d.queue.get()
}

// Advance implements Core.
func (d *DirectCore) Advance(n int) {
	d.queue.advance(n)
}

// Reset implements Core.
func (d *DirectCore) Reset() {
	for _, f := range d.filters {
		f.reset()
	}
	d.queue.reset()
}

// Channels implements Core.
func (d *DirectCore) Channels() int {
	return len(d.filters)
}
