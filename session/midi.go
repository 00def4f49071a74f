package session

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/mixdown/mixdown"
	"github.com/mixdown/mixdown/sequencer"
)

// trackEventCapacity is the number of events a MIDI track can play in one
// block, live input included.
const trackEventCapacity = 1024

// ccAllNotesOff is sent to the instrument when playback jumps.
const ccAllNotesOff = 123

// MIDITrack plays a sequence, plus the live input while it is monitored or
// armed, through an instrument plugin. Sequence times are transport
// positions in seconds.
//
// The sequence is replaced as a whole on every edit, so the audio thread
// never sees a sequence being modified.
type MIDITrack struct {
	trackBase
	instrument mixdown.Plugin
	clock      Clock

	editMu   sync.Mutex
	sequence atomic.Pointer[mixdown.Sequence]

	// audio thread
	sampleRate float64
	events     *mixdown.MIDIBuffer
	playing    *mixdown.Sequence
	cursor     int
	lastEnd    float64
}

func NewMIDITrack(name string, instrument mixdown.Plugin, clock Clock) *MIDITrack {
	t := &MIDITrack{instrument: instrument, clock: clock, events: mixdown.NewMIDIBuffer(trackEventCapacity)}
	t.init(name, mixdown.TrackMIDI)
	t.sequence.Store(&mixdown.Sequence{})
	return t
}

func (t *MIDITrack) Instrument() mixdown.Plugin { return t.instrument }

// Sequence returns a copy of the track's events.
func (t *MIDITrack) Sequence() mixdown.Sequence {
	return t.sequence.Load().Copy()
}

// SetSequence replaces the track's events with a sorted copy of seq.
func (t *MIDITrack) SetSequence(seq mixdown.Sequence) {
	t.editMu.Lock()
	defer t.editMu.Unlock()
	s := seq.Copy()
	s.Sort()
	t.sequence.Store(&s)
}

func (t *MIDITrack) Clear() {
	t.SetSequence(nil)
}

// AppendSequence merges seq into the track, shifted by startTime.
func (t *MIDITrack) AppendSequence(seq mixdown.Sequence, startTime float64) {
	t.editMu.Lock()
	defer t.editMu.Unlock()
	merged := sequencer.Merge(*t.sequence.Load(), sequencer.Shift(seq, startTime))
	t.sequence.Store(&merged)
}

// ClearRange drops the events at positions in [start, end).
func (t *MIDITrack) ClearRange(start, end float64) {
	t.editMu.Lock()
	defer t.editMu.Unlock()
	old := *t.sequence.Load()
	kept := make(mixdown.Sequence, 0, len(old))
	for _, e := range old {
		if e.Time < start || e.Time >= end {
			kept = append(kept, e)
		}
	}
	t.sequence.Store(&kept)
}

func (t *MIDITrack) Prepare(sampleRate float64, blockSize int) {
	t.sampleRate = sampleRate
	t.playing = nil
	t.lastEnd = -1
	if t.instrument != nil {
		t.instrument.Prepare(sampleRate, blockSize)
	}
}

// ProcessBlock renders the instrument for the events of the sequence that
// fall inside the block. When the position does not continue from the last
// block, hanging notes are released first.
func (t *MIDITrack) ProcessBlock(audio mixdown.AudioBuffer, midi *mixdown.MIDIBuffer) {
	t.events.Clear()
	frames := audio.Frames()
	if t.sampleRate <= 0 || frames == 0 {
		return
	}
	if t.clock != nil {
		t.schedule(t.clock.Position(), frames)
	}
	if midi != nil && t.live() {
		t.events.AddAll(midi, 0)
	}
	if t.instrument != nil && !t.instrument.Bypassed() {
		t.instrument.Process(audio, t.events)
	}
}

func (t *MIDITrack) schedule(pos float64, frames int) {
	seq := t.sequence.Load()
	jumped := pos != t.lastEnd
	if jumped && t.lastEnd >= 0 {
		for ch := range uint8(16) {
			t.events.Add(mixdown.ControlChange(ch, ccAllNotesOff, 0))
		}
	}
	if jumped || seq != t.playing {
		s := *seq
		t.cursor = sort.Search(len(s), func(i int) bool { return s[i].Time >= pos })
		t.playing = seq
	}
	s := *seq
	end := pos + float64(frames)/t.sampleRate
	for ; t.cursor < len(s) && s[t.cursor].Time < end; t.cursor++ {
		e := s[t.cursor].Event
		e.Frame = min(max(int(math.Round((s[t.cursor].Time-pos)*t.sampleRate)), 0), frames-1)
		t.events.Add(e)
	}
	t.lastEnd = end
}
