// Package analysisqueue implements the lock-free handoff queue between the
// input callback and the beat-tracking worker: a single-producer,
// single-consumer queue of audio.Block values where the producer side
// (the realtime audio callback) must never block, adapted from the shape
// of github.com/drgolem/musictools's pkg/audioframeringbuffer to carry
// whole blocks over a Go channel instead of a hand-rolled cursor/mask
// array, and to bound the consumer's wait as the synchronization engine
// requires (give up after 1s so shutdown is never stuck waiting on a
// silent input).
package analysisqueue

import (
	"time"

	"github.com/drgolem/beatsync/pkg/audio"
)

// DefaultWaitTimeout bounds how long Get blocks for the next block before
// giving up, allowing the worker to check for shutdown periodically.
const DefaultWaitTimeout = time.Second

// Queue is a bounded, non-blocking-on-write handoff of audio.Block values
// from the input callback to the beat-tracking worker.
type Queue struct {
	ch chan audio.Block
}

// New creates a queue holding at most capacity pending blocks.
func New(capacity int) *Queue {
	return &Queue{ch: make(chan audio.Block, capacity)}
}

// Push enqueues a block without ever blocking the caller. If the queue is
// already full, the oldest pending block is discarded to make room: the
// beat worker only needs a recent block to keep tracking, never every
// block ever produced, so dropping under backpressure is preferable to
// blocking the input callback. Reports whether a block was dropped.
func (q *Queue) Push(b audio.Block) (dropped bool) {
	select {
	case q.ch <- b:
		return false
	default:
	}

	select {
	case <-q.ch:
		dropped = true
	default:
	}

	select {
	case q.ch <- b:
	default:
		dropped = true
	}
	return dropped
}

// Get waits up to DefaultWaitTimeout for the next block. ok is false if no
// block arrived within the timeout, signaling the caller to re-check for
// shutdown and retry.
func (q *Queue) Get() (b audio.Block, ok bool) {
	select {
	case b, open := <-q.ch:
		return b, open
	case <-time.After(DefaultWaitTimeout):
		return audio.Block{}, false
	}
}

// Close shuts the queue down. Any blocked Get returns immediately after
// with ok=false once the channel drains.
func (q *Queue) Close() {
	close(q.ch)
}
