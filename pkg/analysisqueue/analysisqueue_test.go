package analysisqueue

import (
	"testing"
	"time"

	"github.com/drgolem/beatsync/pkg/audio"
)

func blockWithFrames(n int) audio.Block {
	return audio.NewBlock(audio.Format{SampleRate: 44100, Channels: 1}, n)
}

func TestPushGetRoundTrip(t *testing.T) {
	q := New(4)
	if q.Push(blockWithFrames(512)) {
		t.Fatal("unexpected drop on empty queue")
	}

	b, ok := q.Get()
	if !ok {
		t.Fatal("expected a block")
	}
	if b.Frames != 512 {
		t.Errorf("Frames: got %d, want 512", b.Frames)
	}
}

func TestPushNeverBlocksWhenFull(t *testing.T) {
	q := New(1)
	q.Push(blockWithFrames(1))

	done := make(chan bool)
	go func() {
		done <- q.Push(blockWithFrames(2))
	}()

	select {
	case dropped := <-done:
		if !dropped {
			t.Error("expected Push to report a drop when queue was full")
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Push blocked on a full queue")
	}

	b, ok := q.Get()
	if !ok || b.Frames != 2 {
		t.Fatalf("expected the newest block to survive, got ok=%v frames=%d", ok, b.Frames)
	}
}

func TestGetTimesOutWhenEmpty(t *testing.T) {
	q := New(1)
	start := time.Now()
	_, ok := q.Get()
	if ok {
		t.Fatal("expected timeout on empty queue")
	}
	if time.Since(start) < DefaultWaitTimeout {
		t.Fatal("Get returned before the wait timeout elapsed")
	}
}

func TestCloseUnblocksGet(t *testing.T) {
	q := New(1)
	done := make(chan bool)
	go func() {
		_, ok := q.Get()
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case ok := <-done:
		if ok {
			t.Error("expected ok=false after Close")
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not unblock Get within 1s")
	}
}
