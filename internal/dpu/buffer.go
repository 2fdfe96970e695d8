package dpu

import "fmt"

// Region is a registered memory range, either local memory handed to
// CreateRegion or a peer's memory mapped through ImportRegion. Regions,
// buffers and completions are owned by the goroutine driving the context
// and are not safe for concurrent use.
type Region struct {
	mem       []byte
	id        uint64
	addr      uint64
	length    uint64
	buffers   int
	remote    bool
	destroyed bool
}

// NewLocalRegion wraps local memory. Engines call it from CreateRegion.
func NewLocalRegion(id, addr uint64, mem []byte) *Region {
	return &Region{id: id, addr: addr, length: uint64(len(mem)), mem: mem}
}

// NewRemoteRegion describes imported peer memory. mem is nil when the peer
// memory is not addressable from this process.
func NewRemoteRegion(id, addr, length uint64, mem []byte) *Region {
	return &Region{id: id, addr: addr, length: length, mem: mem, remote: true}
}

func (r *Region) ID() uint64      { return r.id }
func (r *Region) Addr() uint64    { return r.addr }
func (r *Region) Len() uint64     { return r.length }
func (r *Region) Remote() bool    { return r.remote }
func (r *Region) Buffers() int    { return r.buffers }
func (r *Region) Bytes() []byte   { return r.mem }
func (r *Region) Destroyed() bool { return r.destroyed }

// MarkDestroyed retires the region. It fails while buffers still
// reference it.
func (r *Region) MarkDestroyed() error {
	if r.destroyed {
		return ErrRegionDestroyed
	}

	if r.buffers > 0 {
		return fmt.Errorf("%w: %d buffers outstanding", ErrRegionInUse, r.buffers)
	}

	r.destroyed = true

	return nil
}

// Buffer is a reference-counted view over part of a region, with a data
// window describing the bytes a copy reads or writes.
type Buffer struct {
	region  *Region
	id      uint64
	offset  uint64
	length  uint64
	dataOff uint64
	dataLen uint64
	refs    int
}

// NewBuffer creates a view of [offset, offset+length) of r holding one
// reference. It panics on a nil region.
func NewBuffer(id uint64, r *Region, offset, length uint64) (*Buffer, error) {
	if r == nil {
		panic("dpu: buffer over nil region")
	}

	if r.destroyed {
		return nil, ErrRegionDestroyed
	}

	if length == 0 || offset > r.length || length > r.length-offset {
		return nil, fmt.Errorf("%w: offset=%d length=%d region=%d", ErrOutOfBounds, offset, length, r.length)
	}

	r.buffers++

	return &Buffer{id: id, region: r, offset: offset, length: length, refs: 1}, nil
}

func (b *Buffer) ID() uint64      { return b.id }
func (b *Buffer) Region() *Region { return b.region }
func (b *Buffer) Offset() uint64  { return b.offset }
func (b *Buffer) Len() uint64     { return b.length }
func (b *Buffer) DataLen() uint64 { return b.dataLen }
func (b *Buffer) Refs() int       { return b.refs }

// Acquire adds a reference.
func (b *Buffer) Acquire() {
	b.refs++
}

// Release drops a reference and reports whether it was the last one.
// The region is detached when the count reaches zero.
func (b *Buffer) Release() (bool, error) {
	if b.refs <= 0 {
		return false, ErrBufferReleased
	}

	b.refs--
	if b.refs > 0 {
		return false, nil
	}

	b.region.buffers--

	return true, nil
}

// SetData sets the data window to n bytes starting at off.
func (b *Buffer) SetData(off, n uint64) error {
	if off > b.length || n > b.length-off {
		return fmt.Errorf("%w: data off=%d len=%d buffer=%d", ErrOutOfBounds, off, n, b.length)
	}

	b.dataOff = off
	b.dataLen = n

	return nil
}

// ResetDataLen empties the data window so the buffer can be written again.
func (b *Buffer) ResetDataLen() {
	b.dataOff = 0
	b.dataLen = 0
}

// Bytes returns the memory behind the whole view, or nil when the region
// is not addressable locally.
func (b *Buffer) Bytes() []byte {
	if b.region.mem == nil {
		return nil
	}

	return b.region.mem[b.offset : b.offset+b.length]
}

// Data returns the memory behind the data window, or nil when the region
// is not addressable locally.
func (b *Buffer) Data() []byte {
	mem := b.Bytes()
	if mem == nil {
		return nil
	}

	return mem[b.dataOff : b.dataOff+b.dataLen]
}

// Completion counts outstanding tasks of a batch. Every task of a batch
// points at the same Completion.
type Completion struct {
	remaining int
	failed    int
}

// Reset prepares the counter for a batch of n tasks.
func (c *Completion) Reset(n int) {
	c.remaining = n
	c.failed = 0
}

// Succeed records a successful terminal callback.
func (c *Completion) Succeed() {
	c.remaining--
}

// Fail records a failed terminal callback.
func (c *Completion) Fail() {
	c.remaining--
	c.failed++
}

// Cancel forgets n tasks that were never submitted.
func (c *Completion) Cancel(n int) {
	c.remaining -= n
}

func (c *Completion) Remaining() int { return c.remaining }
func (c *Completion) Failed() int    { return c.failed }
func (c *Completion) Done() bool     { return c.remaining <= 0 }

// Task is one memory-to-memory copy from Src's data window into Dst.
type Task struct {
	Src   *Buffer
	Dst   *Buffer
	Slot  *Completion
	Batch uint64
	ID    int
}
