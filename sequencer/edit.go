package sequencer

import (
	"math"
	"slices"

	"github.com/mixdown/mixdown"
)

// Quantize snaps t to the nearest multiple of grid. A grid ≤ 0 leaves t
// unchanged.
func Quantize(t, grid float64) float64 {
	if grid <= 0 {
		return t
	}
	return math.Round(t/grid) * grid
}

// QuantizeSequence snaps every note on to the grid and moves its matching
// note off by the same amount, so note lengths are preserved. The sequence
// is sorted afterwards.
func QuantizeSequence(seq mixdown.Sequence, grid float64) {
	if grid <= 0 {
		return
	}
	seq.Sort()
	deltas := make([]float64, len(seq))
	used := make([]bool, len(seq))
	for i := range seq {
		on := &seq[i].Event
		if !on.IsNoteOn() {
			continue
		}
		d := Quantize(seq[i].Time, grid) - seq[i].Time
		deltas[i] = d
		if j := matchingNoteOff(seq, i, used); j >= 0 {
			used[j] = true
			deltas[j] = d
		}
	}
	for i := range seq {
		seq[i].Time = max(seq[i].Time+deltas[i], 0)
	}
	seq.Sort()
}

// matchingNoteOff returns the index of the first unused note off after i on
// the same channel and note, or -1.
func matchingNoteOff(seq mixdown.Sequence, i int, used []bool) int {
	on := &seq[i].Event
	for j := i + 1; j < len(seq); j++ {
		e := &seq[j].Event
		if !used[j] && e.IsNoteOff() && e.Channel() == on.Channel() && e.Note() == on.Note() {
			return j
		}
	}
	return -1
}

// Transpose shifts every note by semitones, clamping to 0..127.
func Transpose(seq mixdown.Sequence, semitones int) {
	for i := range seq {
		e := &seq[i].Event
		if e.IsNote() {
			e.SetNote(uint8(min(max(int(e.Note())+semitones, 0), 127)))
		}
	}
}

// ScaleVelocities multiplies note on velocities by scale, keeping them in
// 1..127.
func ScaleVelocities(seq mixdown.Sequence, scale float64) {
	for i := range seq {
		e := &seq[i].Event
		if e.IsNoteOn() {
			e.SetVelocity(uint8(min(max(float64(e.Velocity())*scale, 1), 127)))
		}
	}
}

// Filter returns the events on an active channel; notes must also be in
// notes. Events without a channel are dropped.
func Filter(seq mixdown.Sequence, channels ChannelSet, notes NoteSet) mixdown.Sequence {
	return slices.DeleteFunc(seq, func(te mixdown.TimedEvent) bool {
		e := &te.Event
		if e.IsSystem() || !channels.Has(e.Channel()) {
			return true
		}
		return e.IsNote() && !notes.Has(e.Note())
	})
}

// FilterControllers drops controller messages whose number is not listed.
func FilterControllers(seq mixdown.Sequence, controllers ...uint8) mixdown.Sequence {
	return slices.DeleteFunc(seq, func(te mixdown.TimedEvent) bool {
		e := &te.Event
		return e.IsController() && !slices.Contains(controllers, e.Data[1])
	})
}

// Merge returns the events of both sequences in time order. Of
// simultaneous events, those from a come first.
func Merge(a, b mixdown.Sequence) mixdown.Sequence {
	ret := make(mixdown.Sequence, 0, len(a)+len(b))
	ret = append(ret, a...)
	ret = append(ret, b...)
	ret.Sort()
	return ret
}

// Split divides seq at t: events before t go left, the rest right. Times are
// unchanged.
func Split(seq mixdown.Sequence, t float64) (left, right mixdown.Sequence) {
	for _, te := range seq {
		if te.Time < t {
			left = append(left, te)
		} else {
			right = append(right, te)
		}
	}
	return left, right
}

// Shift returns a copy of seq with every time moved by offset.
func Shift(seq mixdown.Sequence, offset float64) mixdown.Sequence {
	ret := seq.Copy()
	for i := range ret {
		ret[i].Time += offset
	}
	return ret
}

func TicksToSeconds(ticks int64, ppq int, bpm float64) float64 {
	return 60 * float64(ticks) / (bpm * float64(ppq))
}

// SecondsToTicks rounds to the nearest tick.
func SecondsToTicks(seconds float64, ppq int, bpm float64) int64 {
	return int64(math.Round(seconds * bpm * float64(ppq) / 60))
}

// GenerateClock returns clock pulses covering [0, duration).
func GenerateClock(duration, bpm float64) mixdown.Sequence {
	if bpm <= 0 {
		return nil
	}
	interval := ClockInterval(bpm)
	var seq mixdown.Sequence
	for i := 0; ; i++ {
		t := float64(i) * interval
		if t >= duration {
			return seq
		}
		seq = append(seq, mixdown.TimedEvent{Time: t, Event: mixdown.MIDIEvent{Len: 1, Data: [mixdown.MaxMIDIEventSize]byte{clockByte}}})
	}
}
