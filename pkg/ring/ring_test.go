package ring

import (
	"errors"
	"testing"
	"time"

	"github.com/drgolem/beatsync/pkg/types"
)

func TestNewRoundsCapacityToPowerOf2(t *testing.T) {
	rb := New(10, 1)
	if rb.Capacity() != 16 {
		t.Fatalf("Capacity: got %d, want 16", rb.Capacity())
	}
}

func TestPutGetNoWaitRoundTrip(t *testing.T) {
	rb := New(8, 1)
	in := []float32{1, 2, 3, 4}

	ok, err := rb.Put(in, 4, NoWait)
	if err != nil || !ok {
		t.Fatalf("Put: ok=%v err=%v", ok, err)
	}
	if rb.Size() != 4 {
		t.Fatalf("Size: got %d, want 4", rb.Size())
	}

	out := make([]float32, 4)
	if !rb.GetInto(out, 4, NoWait) {
		t.Fatal("GetInto: expected success")
	}
	for i, v := range in {
		if out[i] != v {
			t.Errorf("out[%d]: got %v, want %v", i, out[i], v)
		}
	}
	if !rb.Empty() {
		t.Fatal("expected buffer empty after full read")
	}
}

func TestPutNoWaitOverrunReturnsFalse(t *testing.T) {
	rb := New(4, 1)
	rb.Put([]float32{1, 2}, 2, NoWait)
	ok, err := rb.Put([]float32{3, 4, 5}, 3, NoWait)
	if err != nil {
		t.Fatalf("Put: unexpected err %v", err)
	}
	if ok {
		t.Fatal("expected overrun (false) when requested frames exceed free space")
	}
}

func TestPutTooLargeFailsFast(t *testing.T) {
	rb := New(4, 2)
	_, err := rb.Put(make([]float32, 200), 100, Block)
	if !errors.Is(err, types.ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}

func TestGetIntoNoWaitUnderrunReturnsFalse(t *testing.T) {
	rb := New(8, 1)
	out := make([]float32, 4)
	if rb.GetInto(out, 4, NoWait) {
		t.Fatal("expected underrun (false) on empty buffer")
	}
}

func TestPutBlockWakesOnConsumerDrain(t *testing.T) {
	rb := New(4, 1)
	rb.Put([]float32{1, 2, 3, 4}, 4, NoWait)

	done := make(chan struct{})
	go func() {
		ok, err := rb.Put([]float32{5, 6}, 2, Block)
		if err != nil || !ok {
			t.Errorf("blocked Put: ok=%v err=%v", ok, err)
		}
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	out := make([]float32, 2)
	if !rb.GetInto(out, 2, Block) {
		t.Fatal("GetInto failed to drain")
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("blocked Put did not wake within 1s of space freeing up")
	}
}

func TestCloseUnblocksWaiters(t *testing.T) {
	rb := New(4, 1)
	rb.Put([]float32{1, 2, 3, 4}, 4, NoWait)

	done := make(chan error)
	go func() {
		_, err := rb.Put([]float32{5}, 1, Block)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	rb.Close()

	select {
	case err := <-done:
		if !errors.Is(err, types.ErrClosed) {
			t.Fatalf("expected ErrClosed after Close, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not wake blocked Put within 1s")
	}
}

func TestIncrementalPutSatisfiesFullRequestAcrossWaits(t *testing.T) {
	rb := New(4, 1)
	out := make([]float32, 1)

	go func() {
		for i := 0; i < 6; i++ {
			time.Sleep(2 * time.Millisecond)
			rb.GetInto(out, 1, Block)
		}
	}()

	ok, err := rb.Put([]float32{1, 2, 3, 4, 5, 6}, 6, Incremental)
	if err != nil || !ok {
		t.Fatalf("Incremental Put: ok=%v err=%v", ok, err)
	}
}
