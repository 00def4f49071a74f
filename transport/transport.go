// Package transport implements the play/stop/record/loop/tempo state machine
// that drives the playback position.
//
// Every field is an atomic, so the control side can call the mutators while
// the audio thread calls Advance without any lock. A value changed in the
// middle of a block applies from the next block on.
package transport

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/mixdown/mixdown"
)

type Transport struct {
	playing   atomic.Bool
	recording atomic.Bool
	looping   atomic.Bool
	bpm       atomicFloat
	position  atomicFloat
	loopStart atomicFloat
	loopEnd   atomicFloat
	numerator atomic.Int32
	denom     atomic.Int32

	// pendingSeek holds the bits of the requested position, or noSeek.
	pendingSeek atomic.Uint64

	// mu serializes mutators so that check-then-set and the notification
	// that follows are not interleaved between two control goroutines.
	mu     sync.Mutex
	broker *mixdown.Broker
}

type atomicFloat struct{ bits atomic.Uint64 }

func (f *atomicFloat) Load() float64   { return math.Float64frombits(f.bits.Load()) }
func (f *atomicFloat) Store(v float64) { f.bits.Store(math.Float64bits(v)) }

var noSeek = math.Float64bits(-1)

// New returns a stopped transport at position 0, 120 bpm, 4/4. broker may be
// nil.
func New(broker *mixdown.Broker) *Transport {
	t := &Transport{broker: broker}
	t.bpm.Store(120)
	t.numerator.Store(4)
	t.denom.Store(4)
	t.pendingSeek.Store(noSeek)
	return t
}

func (t *Transport) State() mixdown.TransportState {
	return mixdown.TransportState{
		Playing:   t.playing.Load(),
		Recording: t.recording.Load(),
		Looping:   t.looping.Load(),
		BPM:       t.bpm.Load(),
		Position:  t.position.Load(),
		LoopStart: t.loopStart.Load(),
		LoopEnd:   t.loopEnd.Load(),
		TimeSignature: mixdown.TimeSignature{
			Numerator:   int(t.numerator.Load()),
			Denominator: int(t.denom.Load()),
		},
	}
}

func (t *Transport) Playing() bool     { return t.playing.Load() }
func (t *Transport) Recording() bool   { return t.recording.Load() }
func (t *Transport) Looping() bool     { return t.looping.Load() }
func (t *Transport) BPM() float64      { return t.bpm.Load() }
func (t *Transport) Position() float64 { return t.position.Load() }

func (t *Transport) Play() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.playing.Swap(true) {
		return
	}
	t.notify()
}

// Stop stops playback and recording.
func (t *Transport) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	wasPlaying := t.playing.Swap(false)
	wasRecording := t.recording.Swap(false)
	if wasPlaying || wasRecording {
		t.notify()
	}
}

// Record toggles recording. Starting to record while stopped also starts
// playback.
func (t *Transport) Record() {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := !t.recording.Load()
	if rec {
		t.playing.Store(true)
	}
	t.recording.Store(rec)
	t.notify()
}

// SetPosition requests a seek. The seek is applied by the next Advance; if
// several seeks are requested before that, the last one wins.
func (t *Transport) SetPosition(seconds float64) {
	t.pendingSeek.Store(math.Float64bits(max(seconds, 0)))
}

// PendingSeek returns the requested position not yet consumed by Advance.
func (t *Transport) PendingSeek() (float64, bool) {
	b := t.pendingSeek.Load()
	if b == noSeek {
		return 0, false
	}
	return math.Float64frombits(b), true
}

// ApplySeek moves to a pending seek without advancing. It is used while
// stopped, when Advance is not called.
func (t *Transport) ApplySeek() bool {
	seek := t.pendingSeek.Swap(noSeek)
	if seek == noSeek {
		return false
	}
	t.position.Store(math.Float64frombits(seek))
	return true
}

func (t *Transport) SetLoopPoints(start, end float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.loopStart.Load() == start && t.loopEnd.Load() == end {
		return
	}
	t.loopStart.Store(start)
	t.loopEnd.Store(end)
	t.notify()
}

func (t *Transport) SetLooping(looping bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.looping.Swap(looping) == looping {
		return
	}
	t.notify()
}

// SetBPM ignores non-positive tempos.
func (t *Transport) SetBPM(bpm float64) {
	if bpm <= 0 || math.IsNaN(bpm) || math.IsInf(bpm, 0) {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bpm.Load() == bpm {
		return
	}
	t.bpm.Store(bpm)
	t.notify()
}

// SetTimeSignature ignores non-positive values.
func (t *Transport) SetTimeSignature(numerator, denominator int) {
	if numerator <= 0 || denominator <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(t.numerator.Load()) == numerator && int(t.denom.Load()) == denominator {
		return
	}
	t.numerator.Store(int32(numerator))
	t.denom.Store(int32(denominator))
	t.notify()
}

// Advance moves the position past one block. It is called from the audio
// thread once per processed block and never blocks or allocates. A pending
// seek replaces the advance for that block.
func (t *Transport) Advance(frames int, sampleRate float64) {
	pos := t.position.Load()
	if seek := t.pendingSeek.Swap(noSeek); seek != noSeek {
		pos = math.Float64frombits(seek)
	} else if sampleRate > 0 {
		pos += float64(frames) / sampleRate
	}
	if t.looping.Load() {
		start, end := t.loopStart.Load(), t.loopEnd.Load()
		if end > start && pos >= end {
			pos = start
		}
	}
	t.position.Store(pos)
}

// BeatPosition returns the position in quarter notes.
func (t *Transport) BeatPosition() float64 {
	return mixdown.TimeToPPQ(t.position.Load(), t.bpm.Load())
}

func (t *Transport) notify() {
	t.broker.Publish(mixdown.Message{Kind: mixdown.MsgTransport, Transport: t.State()})
}
