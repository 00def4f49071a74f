package sequencer

import (
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/mitchellh/go-homedir"
	"github.com/mixdown/mixdown"
	"gitlab.com/gomidi/midi/v2/smf"
)

// PPQ is the resolution of exported MIDI files.
const PPQ = 960

// WriteSMF writes seq as a single track standard MIDI file with a tempo and
// a meter event at the start. System messages are not written.
func WriteSMF(w io.Writer, seq mixdown.Sequence, bpm float64, ts mixdown.TimeSignature) error {
	sm, err := buildSMF(seq, bpm, ts)
	if err != nil {
		return err
	}
	if _, err := sm.WriteTo(w); err != nil {
		return fmt.Errorf("writing MIDI file: %w", err)
	}
	return nil
}

// ExportSMF writes seq to path; a leading ~ is expanded.
func ExportSMF(path string, seq mixdown.Sequence, bpm float64, ts mixdown.TimeSignature) error {
	path, err := homedir.Expand(path)
	if err != nil {
		return fmt.Errorf("export %s: %w", path, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("export %s: %w", path, err)
	}
	defer f.Close()
	if err := WriteSMF(f, seq, bpm, ts); err != nil {
		return fmt.Errorf("export %s: %w", path, err)
	}
	return f.Close()
}

func buildSMF(seq mixdown.Sequence, bpm float64, ts mixdown.TimeSignature) (*smf.SMF, error) {
	if bpm <= 0 {
		return nil, fmt.Errorf("invalid tempo %v", bpm)
	}
	if ts.Numerator <= 0 || ts.Denominator <= 0 {
		ts = mixdown.TimeSignature{Numerator: 4, Denominator: 4}
	}
	sorted := seq.Copy()
	sorted.Sort()
	sm := smf.New()
	sm.TimeFormat = smf.MetricTicks(PPQ)
	var tr smf.Track
	tr.Add(0, smf.MetaMeter(uint8(ts.Numerator), uint8(ts.Denominator)))
	tr.Add(0, smf.MetaTempo(bpm))
	var last int64
	for i := range sorted {
		e := &sorted[i].Event
		if e.Len == 0 || e.IsSystem() {
			continue
		}
		tick := max(SecondsToTicks(sorted[i].Time, PPQ, bpm), last)
		tr.Add(uint32(tick-last), slices.Clone(e.Bytes()))
		last = tick
	}
	tr.Close(0)
	if err := sm.Add(tr); err != nil {
		return nil, fmt.Errorf("adding track: %w", err)
	}
	return sm, nil
}

// ReadSMF reads every track of a standard MIDI file into one sequence, with
// times converted through the file's tempo map. bpm is the first tempo of
// the file, or 120 if it has none.
func ReadSMF(r io.Reader) (seq mixdown.Sequence, bpm float64, err error) {
	sm, err := smf.ReadFrom(r)
	if err != nil {
		return nil, 0, fmt.Errorf("reading MIDI file: %w", err)
	}
	mt, ok := sm.TimeFormat.(smf.MetricTicks)
	if !ok {
		return nil, 0, fmt.Errorf("reading MIDI file: SMPTE time format is not supported")
	}
	ppq := int(mt.Resolution())

	type tickEvent struct {
		tick  int64
		event mixdown.MIDIEvent
	}
	var events []tickEvent
	tempos := tempoMap{{tick: 0, bpm: 120}}
	for _, tr := range sm.Tracks {
		var tick int64
		for _, ev := range tr {
			tick += int64(ev.Delta)
			var t float64
			if ev.Message.GetMetaTempo(&t) {
				tempos = append(tempos, tempoChange{tick: tick, bpm: t})
				continue
			}
			raw := ev.Message.Bytes()
			if len(raw) == 0 || raw[0] < 0x80 || raw[0] >= 0xF0 {
				continue
			}
			if e, ok := mixdown.NewMIDIEvent(0, raw); ok {
				events = append(events, tickEvent{tick: tick, event: e})
			}
		}
	}
	tempos.sort()
	slices.SortStableFunc(events, func(a, b tickEvent) int {
		switch {
		case a.tick < b.tick:
			return -1
		case a.tick > b.tick:
			return 1
		}
		return 0
	})
	seq = make(mixdown.Sequence, len(events))
	for i, e := range events {
		seq[i] = mixdown.TimedEvent{Time: tempos.seconds(e.tick, ppq), Event: e.event}
	}
	return seq, tempos.first(), nil
}

// ImportSMF reads the MIDI file at path; a leading ~ is expanded.
func ImportSMF(path string) (mixdown.Sequence, float64, error) {
	path, err := homedir.Expand(path)
	if err != nil {
		return nil, 0, fmt.Errorf("import %s: %w", path, err)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("import %s: %w", path, err)
	}
	defer f.Close()
	seq, bpm, err := ReadSMF(f)
	if err != nil {
		return nil, 0, fmt.Errorf("import %s: %w", path, err)
	}
	return seq, bpm, nil
}

type (
	tempoChange struct {
		tick int64
		bpm  float64
	}

	// tempoMap is sorted by tick and always starts with an entry at tick 0.
	tempoMap []tempoChange
)

func (m *tempoMap) sort() {
	slices.SortStableFunc(*m, func(a, b tempoChange) int {
		switch {
		case a.tick < b.tick:
			return -1
		case a.tick > b.tick:
			return 1
		}
		return 0
	})
	// a tempo event at tick 0 replaces the default
	if len(*m) > 1 && (*m)[1].tick == 0 {
		*m = (*m)[1:]
	}
}

func (m tempoMap) first() float64 {
	return m[0].bpm
}

func (m tempoMap) seconds(tick int64, ppq int) float64 {
	var t float64
	for i, c := range m {
		if i+1 < len(m) && m[i+1].tick <= tick {
			t += TicksToSeconds(m[i+1].tick-c.tick, ppq, c.bpm)
			continue
		}
		return t + TicksToSeconds(tick-c.tick, ppq, c.bpm)
	}
	return t
}
