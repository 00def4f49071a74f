package mixdown

import (
	"slices"
)

// MaxMIDIEventSize is the largest raw message a MIDIEvent can hold. Longer
// system exclusive messages are not representable and are dropped.
const MaxMIDIEventSize = 16

type (
	// MIDIEvent is a raw MIDI message stored inline, so that events can be
	// copied around on the audio thread without allocating. Frame is the
	// sample offset of the event within the current block.
	MIDIEvent struct {
		Frame int
		Len   uint8
		Data  [MaxMIDIEventSize]byte
	}

	// MIDIBuffer is a fixed capacity list of events ordered by Frame.
	MIDIBuffer struct {
		events  []MIDIEvent
		dropped int
	}

	// TimedEvent is an event at Time seconds from the start of a sequence.
	TimedEvent struct {
		Time  float64    `yaml:"time"`
		Event MIDIEvent `yaml:"event"`
	}

	// Sequence is a list of timed events, sorted by time.
	Sequence []TimedEvent
)

// NewMIDIEvent copies msg into an event. ok is false if msg is empty or does
// not fit.
func NewMIDIEvent(frame int, msg []byte) (e MIDIEvent, ok bool) {
	if len(msg) == 0 || len(msg) > MaxMIDIEventSize {
		return e, false
	}
	e.Frame = frame
	e.Len = uint8(copy(e.Data[:], msg))
	return e, true
}

func NoteOn(channel, note, velocity uint8) MIDIEvent {
	return MIDIEvent{Len: 3, Data: [MaxMIDIEventSize]byte{0x90 | channel&0x0F, note & 0x7F, velocity & 0x7F}}
}

func NoteOff(channel, note, velocity uint8) MIDIEvent {
	return MIDIEvent{Len: 3, Data: [MaxMIDIEventSize]byte{0x80 | channel&0x0F, note & 0x7F, velocity & 0x7F}}
}

func ControlChange(channel, controller, value uint8) MIDIEvent {
	return MIDIEvent{Len: 3, Data: [MaxMIDIEventSize]byte{0xB0 | channel&0x0F, controller & 0x7F, value & 0x7F}}
}

func ProgramChange(channel, program uint8) MIDIEvent {
	return MIDIEvent{Len: 2, Data: [MaxMIDIEventSize]byte{0xC0 | channel&0x0F, program & 0x7F}}
}

// PitchWheel builds a pitch bend message; value is in -8192..8191.
func PitchWheel(channel uint8, value int) MIDIEvent {
	v := min(max(value+8192, 0), 16383)
	return MIDIEvent{Len: 3, Data: [MaxMIDIEventSize]byte{0xE0 | channel&0x0F, byte(v & 0x7F), byte(v >> 7)}}
}

// SysEx wraps data in F0 ... F7.
func SysEx(data ...byte) (MIDIEvent, bool) {
	if len(data)+2 > MaxMIDIEventSize {
		return MIDIEvent{}, false
	}
	var e MIDIEvent
	e.Data[0] = 0xF0
	copy(e.Data[1:], data)
	e.Data[len(data)+1] = 0xF7
	e.Len = uint8(len(data) + 2)
	return e, true
}

// Bytes returns the raw message. The slice aliases the event.
func (e *MIDIEvent) Bytes() []byte {
	return e.Data[:e.Len]
}

func (e *MIDIEvent) Status() byte {
	if e.Len == 0 {
		return 0
	}
	if e.Data[0] >= 0xF0 {
		return e.Data[0]
	}
	return e.Data[0] & 0xF0
}

func (e *MIDIEvent) Channel() uint8 {
	return e.Data[0] & 0x0F
}

func (e *MIDIEvent) Note() uint8 {
	return e.Data[1]
}

func (e *MIDIEvent) Velocity() uint8 {
	return e.Data[2]
}

func (e *MIDIEvent) SetVelocity(v uint8) {
	e.Data[2] = v & 0x7F
}

func (e *MIDIEvent) SetNote(n uint8) {
	e.Data[1] = n & 0x7F
}

func (e *MIDIEvent) IsNoteOn() bool {
	return e.Len >= 3 && e.Status() == 0x90 && e.Data[2] > 0
}

// IsNoteOff reports true for 0x80 and for note on with zero velocity.
func (e *MIDIEvent) IsNoteOff() bool {
	if e.Len < 3 {
		return false
	}
	s := e.Status()
	return s == 0x80 || (s == 0x90 && e.Data[2] == 0)
}

func (e *MIDIEvent) IsNote() bool {
	return e.IsNoteOn() || e.IsNoteOff()
}

func (e *MIDIEvent) IsController() bool {
	return e.Len >= 3 && e.Status() == 0xB0
}

func (e *MIDIEvent) IsProgramChange() bool {
	return e.Len >= 2 && e.Status() == 0xC0
}

func (e *MIDIEvent) IsPitchWheel() bool {
	return e.Len >= 3 && e.Status() == 0xE0
}

func (e *MIDIEvent) IsSysEx() bool {
	return e.Len > 0 && e.Data[0] == 0xF0
}

func (e *MIDIEvent) IsSystem() bool {
	return e.Len > 0 && e.Data[0] >= 0xF0
}

func NewMIDIBuffer(capacity int) *MIDIBuffer {
	return &MIDIBuffer{events: make([]MIDIEvent, 0, capacity)}
}

// Add inserts e keeping the buffer ordered by frame; events with equal
// frames keep their insertion order. Returns false if the buffer is full.
func (b *MIDIBuffer) Add(e MIDIEvent) bool {
	if len(b.events) == cap(b.events) {
		b.dropped++
		return false
	}
	i := len(b.events)
	for i > 0 && b.events[i-1].Frame > e.Frame {
		i--
	}
	b.events = b.events[:len(b.events)+1]
	copy(b.events[i+1:], b.events[i:])
	b.events[i] = e
	return true
}

// AddAll adds every event of other, shifted by offset frames.
func (b *MIDIBuffer) AddAll(other *MIDIBuffer, offset int) {
	for _, e := range other.events {
		e.Frame += offset
		b.Add(e)
	}
}

func (b *MIDIBuffer) Clear() {
	b.events = b.events[:0]
}

func (b *MIDIBuffer) Len() int {
	return len(b.events)
}

func (b *MIDIBuffer) At(i int) *MIDIEvent {
	return &b.events[i]
}

// Events returns the events in frame order. The slice aliases the buffer and
// is only valid until the next mutation.
func (b *MIDIBuffer) Events() []MIDIEvent {
	return b.events
}

// Dropped returns the number of events rejected because the buffer was full.
func (b *MIDIBuffer) Dropped() int {
	return b.dropped
}

// Sort orders the sequence by time, keeping the relative order of
// simultaneous events.
func (s Sequence) Sort() {
	slices.SortStableFunc(s, func(a, b TimedEvent) int {
		switch {
		case a.Time < b.Time:
			return -1
		case a.Time > b.Time:
			return 1
		}
		return 0
	})
}

func (s Sequence) Copy() Sequence {
	return slices.Clone(s)
}

// Duration is the time of the last event.
func (s Sequence) Duration() float64 {
	if len(s) == 0 {
		return 0
	}
	return s[len(s)-1].Time
}
