// Package ring implements the single-producer/single-consumer audio frame
// ring buffer described in the synchronization engine's data model: a
// fixed-capacity FIFO of multi-channel frames bounded by monotonically
// increasing write/read cursors, generalized from
// github.com/drgolem/musictools's byte-oriented SPSC ring
// (pkg/ringbuffer/ringbuffer.go) to typed float32 frames, with blocking
// and non-blocking Put/GetInto variants layered on top of the same
// cursor/mask design.
package ring

import (
	"sync"

	"github.com/drgolem/beatsync/pkg/types"
)

// Mode selects how Put/GetInto behave when the buffer cannot immediately
// satisfy the request.
type Mode int

const (
	// Block waits until the full request can be satisfied in one shot.
	Block Mode = iota
	// Incremental copies as much as fits, waits for space/data, and
	// repeats until the full request is satisfied. Intended for long
	// writes issued from non-realtime threads.
	Incremental
	// NoWait never blocks: if the full request cannot be met right now it
	// copies nothing and reports false.
	NoWait
)

// RingBuffer is a lock-light SPSC ring of interleaved float32 frames.
//
// Put() must only be called by the producer goroutine/thread.
// GetInto() must only be called by the consumer goroutine/thread.
// The realtime audio callback path must use only NoWait.
type RingBuffer struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond

	buffer   []float32 // capacity*channels
	channels int
	capacity uint64 // frames, power of two
	mask     uint64

	writeCursor uint64
	readCursor  uint64
	closed      bool
}

// New creates a ring buffer holding capacity frames of the given channel
// count. capacity is rounded up to the next power of two, matching the
// teacher ring buffer's sizing rule.
func New(capacity uint64, channels int) *RingBuffer {
	capacity = nextPowerOf2(capacity)

	rb := &RingBuffer{
		buffer:   make([]float32, capacity*uint64(channels)),
		channels: channels,
		capacity: capacity,
		mask:     capacity - 1,
	}
	rb.notEmpty = sync.NewCond(&rb.mu)
	rb.notFull = sync.NewCond(&rb.mu)
	return rb
}

// Capacity returns the buffer's frame capacity.
func (rb *RingBuffer) Capacity() uint64 {
	return rb.capacity
}

// Size returns the number of frames currently available to read.
func (rb *RingBuffer) Size() uint64 {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.writeCursor - rb.readCursor
}

// Empty reports whether the buffer currently holds zero frames.
func (rb *RingBuffer) Empty() bool {
	return rb.Size() == 0
}

// Full reports whether the buffer currently holds capacity frames.
func (rb *RingBuffer) Full() bool {
	return rb.Size() == rb.capacity
}

// Close wakes any blocked Put/GetInto callers so they can observe shutdown
// and return. Safe to call once from any goroutine; once woken, a blocked
// Put fails with types.ErrClosed and a blocked GetInto returns false.
func (rb *RingBuffer) Close() {
	rb.mu.Lock()
	rb.closed = true
	rb.mu.Unlock()
	rb.notEmpty.Broadcast()
	rb.notFull.Broadcast()
}

// Put writes frames worth of interleaved samples from data (len(data) must
// be >= frames*channels). Returns true if the full request was written.
//
// In Block and NoWait modes, frames > capacity is a usage error and returns
// types.ErrTooLarge immediately, without blocking. Incremental mode accepts
// requests larger than capacity and writes them in capacity-sized pieces.
func (rb *RingBuffer) Put(data []float32, frames int, mode Mode) (bool, error) {
	if frames == 0 {
		return true, nil
	}
	if mode != Incremental && uint64(frames) > rb.capacity {
		return false, types.ErrTooLarge
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()

	switch mode {
	case NoWait:
		if rb.closed {
			return false, types.ErrClosed
		}
		avail := rb.capacity - (rb.writeCursor - rb.readCursor)
		if uint64(frames) > avail {
			return false, nil
		}
		rb.writeLocked(data, frames)
		rb.notEmpty.Broadcast()
		return true, nil

	case Block:
		for rb.capacity-(rb.writeCursor-rb.readCursor) < uint64(frames) {
			if rb.closed {
				return false, types.ErrClosed
			}
			rb.notFull.Wait()
		}
		if rb.closed {
			return false, types.ErrClosed
		}
		rb.writeLocked(data, frames)
		rb.notEmpty.Broadcast()
		return true, nil

	case Incremental:
		written := 0
		for written < frames {
			for rb.capacity-(rb.writeCursor-rb.readCursor) == 0 {
				if rb.closed {
					return false, types.ErrClosed
				}
				rb.notFull.Wait()
			}
			if rb.closed {
				return false, types.ErrClosed
			}
			avail := int(rb.capacity - (rb.writeCursor - rb.readCursor))
			chunk := frames - written
			if chunk > avail {
				chunk = avail
			}
			ch := rb.channels
			rb.writeLocked(data[written*ch:], chunk)
			rb.notEmpty.Broadcast()
			written += chunk
		}
		return true, nil

	default:
		return false, types.ErrTooLarge
	}
}

// GetInto reads frames worth of interleaved samples into out (which must
// have capacity for frames*channels samples). Returns true if the full
// request was satisfied; on false (a NoWait underrun, or a closed buffer
// that cannot satisfy the request) the caller should zero-fill out itself.
func (rb *RingBuffer) GetInto(out []float32, frames int, mode Mode) bool {
	if frames == 0 {
		return true
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()

	switch mode {
	case NoWait:
		avail := rb.writeCursor - rb.readCursor
		if uint64(frames) > avail {
			return false
		}
		rb.readLocked(out, frames)
		rb.notFull.Broadcast()
		return true

	default: // Block and Incremental both wait for the full request here;
		// GetInto has no partial-progress caller in this engine, so
		// Incremental degenerates to Block.
		for rb.writeCursor-rb.readCursor < uint64(frames) {
			if rb.closed {
				return false
			}
			rb.notEmpty.Wait()
		}
		rb.readLocked(out, frames)
		rb.notFull.Broadcast()
		return true
	}
}

// writeLocked copies frames from data into the ring at the current write
// cursor, splitting across the physical wrap if needed. Caller holds mu.
func (rb *RingBuffer) writeLocked(data []float32, frames int) {
	ch := rb.channels
	start := (rb.writeCursor & rb.mask) * uint64(ch)
	n := uint64(frames) * uint64(ch)
	total := rb.capacity * uint64(ch)

	if start+n <= total {
		copy(rb.buffer[start:start+n], data[:n])
	} else {
		firstChunk := total - start
		copy(rb.buffer[start:], data[:firstChunk])
		copy(rb.buffer[:n-firstChunk], data[firstChunk:n])
	}
	rb.writeCursor += uint64(frames)
}

// readLocked copies frames from the ring at the current read cursor into
// out, splitting across the physical wrap if needed. Caller holds mu.
func (rb *RingBuffer) readLocked(out []float32, frames int) {
	ch := rb.channels
	start := (rb.readCursor & rb.mask) * uint64(ch)
	n := uint64(frames) * uint64(ch)
	total := rb.capacity * uint64(ch)

	if start+n <= total {
		copy(out[:n], rb.buffer[start:start+n])
	} else {
		firstChunk := total - start
		copy(out[:firstChunk], rb.buffer[start:])
		copy(out[firstChunk:n], rb.buffer[:n-firstChunk])
	}
	rb.readCursor += uint64(frames)
}

func nextPowerOf2(n uint64) uint64 {
	if n == 0 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	n++
	return n
}
