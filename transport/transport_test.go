package transport_test

import (
	"math"
	"testing"

	"github.com/mixdown/mixdown"
	"github.com/mixdown/mixdown/transport"
)

func TestLoopWrapsToStart(t *testing.T) {
	tr := transport.New(nil)
	tr.SetLoopPoints(0, 4)
	tr.SetLooping(true)
	tr.Play()
	const sampleRate = 100.0
	prev := 0.0
	wrapped := false
	for i := 0; i < 100; i++ {
		tr.Advance(25, sampleRate)
		pos := tr.Position()
		if pos >= 4 {
			t.Fatalf("position %v reached loop end without wrapping", pos)
		}
		if pos < prev {
			if pos != 0 {
				t.Fatalf("wrapped to %v, want exactly 0", pos)
			}
			wrapped = true
		}
		prev = pos
	}
	if !wrapped {
		t.Fatal("transport never wrapped")
	}
}

func TestPendingSeekLastWins(t *testing.T) {
	tr := transport.New(nil)
	tr.SetPosition(3)
	tr.SetPosition(7)
	if tr.Position() != 0 {
		t.Fatal("seek applied before Advance")
	}
	if p, ok := tr.PendingSeek(); !ok || p != 7 {
		t.Fatalf("pending seek = %v, %v", p, ok)
	}
	tr.Advance(512, 44100)
	if tr.Position() != 7 {
		t.Fatalf("position = %v, want 7 (seek replaces advance)", tr.Position())
	}
	if _, ok := tr.PendingSeek(); ok {
		t.Fatal("seek consumed twice")
	}
	tr.Advance(441, 44100)
	if math.Abs(tr.Position()-7.01) > 1e-9 {
		t.Fatalf("position = %v, want 7.01", tr.Position())
	}
}

func TestRecordStartsPlaybackAndStopClears(t *testing.T) {
	tr := transport.New(nil)
	tr.Record()
	s := tr.State()
	if !s.Playing || !s.Recording {
		t.Fatalf("after record: %+v", s)
	}
	tr.Record()
	if tr.Recording() || !tr.Playing() {
		t.Fatal("second record should only toggle recording off")
	}
	tr.Record()
	tr.Stop()
	if tr.Recording() || tr.Playing() {
		t.Fatal("stop should clear playing and recording")
	}
}

func TestMutatorsNotifyOnlyOnChange(t *testing.T) {
	b := mixdown.NewBroker()
	c := b.Subscribe(16)
	tr := transport.New(b)
	tr.SetBPM(120) // default, no change
	tr.SetBPM(-3)  // invalid
	tr.SetTimeSignature(4, 4)
	tr.Stop()
	if len(c) != 0 {
		t.Fatalf("%d notifications for unchanged state", len(c))
	}
	tr.SetBPM(90)
	tr.SetBPM(90)
	tr.Play()
	tr.Play()
	if len(c) != 2 {
		t.Fatalf("%d notifications, want 2", len(c))
	}
	m := <-c
	if m.Kind != mixdown.MsgTransport || m.Transport.BPM != 90 {
		t.Fatalf("first message = %+v", m)
	}
}
