package sequencer_test

import (
	"bytes"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/mixdown/mixdown"
	"github.com/mixdown/mixdown/sequencer"
	"github.com/mixdown/mixdown/state"
	"github.com/sirupsen/logrus/hooks/test"
)

type midiTrack struct {
	typ      mixdown.TrackType
	appended mixdown.Sequence
	start    float64
	cleared  [][2]float64
}

func (t *midiTrack) Name() string                                           { return "keys" }
func (t *midiTrack) Type() mixdown.TrackType                                { return t.typ }
func (t *midiTrack) ProcessBlock(mixdown.AudioBuffer, *mixdown.MIDIBuffer)  {}
func (t *midiTrack) Parameters() mixdown.TrackParameters                    { return mixdown.DefaultTrackParameters() }
func (t *midiTrack) SetParameters(mixdown.TrackParameters)                  {}
func (t *midiTrack) AppendSequence(seq mixdown.Sequence, startTime float64) { t.appended, t.start = seq, startTime }
func (t *midiTrack) ClearRange(start, end float64)                          { t.cleared = append(t.cleared, [2]float64{start, end}) }

func newSequencer() *sequencer.Sequencer {
	log, _ := test.NewNullLogger()
	return sequencer.New(log, nil)
}

const sampleRate = 44100

func TestQuantizeIsIdempotent(t *testing.T) {
	for _, tc := range []struct{ t, g, want float64 }{
		{0.12, 0.25, 0},
		{0.4, 0.25, 0.5},
		{0.375, 0.25, 0.5},
		{1.01, 0.5, 1},
		{2.2, 1.0 / 3, 7.0 / 3},
	} {
		q := sequencer.Quantize(tc.t, tc.g)
		if math.Abs(q-tc.want) > 1e-12 {
			t.Fatalf("Quantize(%v, %v) = %v, want %v", tc.t, tc.g, q, tc.want)
		}
		if qq := sequencer.Quantize(q, tc.g); qq != q {
			t.Fatalf("Quantize not idempotent for %v, %v: %v then %v", tc.t, tc.g, q, qq)
		}
	}
	if got := sequencer.Quantize(0.3, 0); got != 0.3 {
		t.Fatalf("zero grid changed the time: %v", got)
	}
}

func TestQuantizeSequenceKeepsNoteLength(t *testing.T) {
	seq := mixdown.Sequence{
		{Time: 0.12, Event: mixdown.NoteOn(0, 60, 100)},
		{Time: 0.40, Event: mixdown.NoteOn(0, 64, 100)},
		{Time: 0.30, Event: mixdown.NoteOff(0, 60, 0)},
		{Time: 0.90, Event: mixdown.NoteOn(0, 64, 0)}, // zero velocity note on ends 64
	}
	sequencer.QuantizeSequence(seq, 0.25)
	want := []struct {
		time float64
		note uint8
		on   bool
	}{
		{0, 60, true},
		{0.18, 60, false},
		{0.5, 64, true},
		{1.0, 64, false},
	}
	for i, w := range want {
		e := seq[i].Event
		if math.Abs(seq[i].Time-w.time) > 1e-9 || e.Note() != w.note || e.IsNoteOn() != w.on {
			t.Fatalf("event %d = %v note %d on %v, want %+v", i, seq[i].Time, e.Note(), e.IsNoteOn(), w)
		}
	}
}

func TestAdmissionFilter(t *testing.T) {
	s := newSequencer()
	sysex, _ := mixdown.SysEx(0x7E, 0x01)
	clock := mixdown.MIDIEvent{Len: 1, Data: [16]byte{0xF8}}
	for _, tc := range []struct {
		name string
		e    mixdown.MIDIEvent
		want bool
	}{
		{"note on", mixdown.NoteOn(3, 60, 90), true},
		{"note off", mixdown.NoteOff(3, 60, 0), true},
		{"controller", mixdown.ControlChange(0, 7, 100), true},
		{"program", mixdown.ProgramChange(0, 5), true},
		{"pitch wheel", mixdown.PitchWheel(0, 100), true},
		{"sysex", sysex, false},
		{"clock", clock, false},
		{"aftertouch", mixdown.MIDIEvent{Len: 3, Data: [16]byte{0xA0, 60, 10}}, false},
	} {
		if got := s.Admit(&tc.e); got != tc.want {
			t.Fatalf("%s: Admit = %v, want %v", tc.name, got, tc.want)
		}
	}

	s.SetFilterChannels(true)
	s.SetActiveChannels(0)
	s.SetChannelActive(3, true)
	on3, on4 := mixdown.NoteOn(3, 60, 90), mixdown.NoteOn(4, 60, 90)
	if !s.Admit(&on3) || s.Admit(&on4) {
		t.Fatal("channel filter not applied")
	}
	s.SetFilterNotes(true)
	s.SetActiveNotes(sequencer.NoteSet{}.With(62, true))
	cc := mixdown.ControlChange(3, 1, 1)
	n62 := mixdown.NoteOn(3, 62, 90)
	if s.Admit(&on3) || !s.Admit(&n62) || !s.Admit(&cc) {
		t.Fatal("note filter must only apply to note messages")
	}
}

func TestSettersAreIdempotent(t *testing.T) {
	s := newSequencer()
	if s.SetThru(true) {
		t.Fatal("thru is on by default; SetThru(true) reported a change")
	}
	if !s.SetThru(false) || s.SetThru(false) {
		t.Fatal("SetThru(false) should change once")
	}
	if s.SetQuantizeGrid(-1) || s.Settings().Record.QuantizeGrid != 0.25 {
		t.Fatal("negative grid accepted")
	}
	if s.SetMTCFormat(9) || s.Settings().Playback.MTCFormat != sequencer.MTC25 {
		t.Fatal("unknown MTC format accepted")
	}
}

func block(s *sequencer.Sequencer, position float64, frames int) (in, out *mixdown.MIDIBuffer) {
	in, out = mixdown.NewMIDIBuffer(64), mixdown.NewMIDIBuffer(256)
	s.ProcessInput(in, position, sampleRate, frames)
	s.ProcessOutput(out, position, 120, sampleRate, frames)
	return in, out
}

func TestRecordingHandOff(t *testing.T) {
	s := newSequencer()
	if err := s.StartRecording(&midiTrack{typ: mixdown.TrackAudio}, 0); !errors.Is(err, sequencer.ErrNotMIDITrack) {
		t.Fatalf("recording an audio track: %v", err)
	}
	if seq := s.StopRecording(); seq != nil {
		t.Fatalf("StopRecording when idle = %v", seq)
	}
	s.SetAutoQuantize(true)
	s.SetRecordMode(sequencer.RecordReplace)
	clock := &fakeClock{t: time.Unix(100, 0)}
	s.SetClock(clock.now)
	track := &midiTrack{typ: mixdown.TrackMIDI}
	if err := s.StartRecording(track, 10); err != nil {
		t.Fatal(err)
	}
	s.HandleIncoming([]byte{0x90, 60, 100})
	block(s, 10.1, 512)
	s.HandleIncoming([]byte{0x80, 60, 0})
	block(s, 10.6, 512)
	seq := s.StopRecording()
	if s.Recording() {
		t.Fatal("still recording after stop")
	}
	if len(seq) != 2 {
		t.Fatalf("recorded %d events", len(seq))
	}
	// 0.1 snaps to 0, the note off moves by the same amount
	if seq[0].Time != 0 || math.Abs(seq[1].Time-0.5) > 1e-9 {
		t.Fatalf("times = %v, %v", seq[0].Time, seq[1].Time)
	}
	if len(track.appended) != 2 || track.start != 10 {
		t.Fatalf("track got %d events at %v", len(track.appended), track.start)
	}
	if len(track.cleared) != 1 || track.cleared[0][0] != 10 || math.Abs(track.cleared[0][1]-10.5) > 1e-9 {
		t.Fatalf("replace mode cleared %v", track.cleared)
	}
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestRecordingKeepsArrivalTiming(t *testing.T) {
	s := newSequencer()
	clock := &fakeClock{t: time.Unix(100, 0)}
	s.SetClock(clock.now)
	track := &midiTrack{typ: mixdown.TrackMIDI}
	if err := s.StartRecording(track, 2); err != nil {
		t.Fatal(err)
	}
	// blocks of 100 frames at 1 kHz, each processed when its span ends
	const rate, frames = 1000, 100
	clock.advance(25 * time.Millisecond)
	s.HandleIncoming([]byte{0x90, 60, 100})
	clock.advance(55 * time.Millisecond)
	s.HandleIncoming([]byte{0x80, 60, 0})
	clock.advance(20 * time.Millisecond)
	in := mixdown.NewMIDIBuffer(8)
	s.ProcessInput(in, 2, rate, frames)
	if in.Len() != 2 || in.At(0).Frame != 25 || in.At(1).Frame != 80 {
		t.Fatalf("first block frames = %v", in.Events())
	}
	clock.advance(30 * time.Millisecond)
	s.HandleIncoming([]byte{0x90, 62, 100})
	clock.advance(70 * time.Millisecond)
	in.Clear()
	s.ProcessInput(in, 2.1, rate, frames)
	if in.Len() != 1 || in.At(0).Frame != 30 {
		t.Fatalf("second block frames = %v", in.Events())
	}
	seq := s.StopRecording()
	want := []float64{0.025, 0.080, 0.130}
	if len(seq) != len(want) {
		t.Fatalf("recorded %d events, want %d", len(seq), len(want))
	}
	for i, w := range want {
		if math.Abs(seq[i].Time-w) > 1e-9 {
			t.Fatalf("event %d at %v, want %v", i, seq[i].Time, w)
		}
	}
}

func TestLateMessagesStartTheBlock(t *testing.T) {
	s := newSequencer()
	clock := &fakeClock{t: time.Unix(100, 0)}
	s.SetClock(clock.now)
	s.HandleIncoming([]byte{0x90, 60, 100})
	clock.advance(time.Second)
	in := mixdown.NewMIDIBuffer(8)
	s.ProcessInput(in, 0, 1000, 100)
	if in.Len() != 1 || in.At(0).Frame != 0 {
		t.Fatalf("frames = %v, want the message at frame 0", in.Events())
	}
}

func TestRecordModeSetter(t *testing.T) {
	s := newSequencer()
	if s.Settings().Record.Mode != sequencer.RecordOverdub {
		t.Fatal("default record mode is not overdub")
	}
	if !s.SetRecordMode(sequencer.RecordReplace) || s.SetRecordMode(sequencer.RecordReplace) {
		t.Fatal("SetRecordMode(RecordReplace) should change once")
	}
	if s.SetRecordMode(7) || s.Settings().Record.Mode != sequencer.RecordReplace {
		t.Fatal("unknown record mode accepted")
	}
}

func TestRecordingFinishedMessage(t *testing.T) {
	log, _ := test.NewNullLogger()
	b := mixdown.NewBroker()
	msgs := b.Subscribe(8)
	s := sequencer.New(log, b)
	track := &midiTrack{typ: mixdown.TrackMIDI}
	s.StartRecording(track, 0)
	s.StopRecording()
	for {
		m, ok := mixdown.TimeoutReceive(msgs, time.Second)
		if !ok {
			t.Fatal("no MsgRecordingFinished")
		}
		if m.Kind != mixdown.MsgRecordingFinished {
			continue
		}
		r, ok := m.Data.(sequencer.RecordingResult)
		if !ok || r.Track != track || len(r.Sequence) != 0 {
			t.Fatalf("message data = %#v", m.Data)
		}
		return
	}
}

func TestVelocityModes(t *testing.T) {
	for _, tc := range []struct {
		name  string
		setup func(s *sequencer.Sequencer)
		in    uint8
		want  uint8
	}{
		{"as played", func(s *sequencer.Sequencer) {}, 64, 64},
		{"fixed", func(s *sequencer.Sequencer) {
			s.SetVelocityMode(sequencer.VelocityFixed)
			s.SetVelocityValue(90)
		}, 20, 90},
		{"scaled", func(s *sequencer.Sequencer) {
			s.SetVelocityMode(sequencer.VelocityScaled)
			s.SetVelocityScale(0.5)
		}, 100, 50},
		{"scaled clamps high", func(s *sequencer.Sequencer) {
			s.SetVelocityMode(sequencer.VelocityScaled)
			s.SetVelocityScale(4)
		}, 100, 127},
		{"scaled keeps note on", func(s *sequencer.Sequencer) {
			s.SetVelocityMode(sequencer.VelocityScaled)
			s.SetVelocityScale(0)
		}, 100, 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s := newSequencer()
			tc.setup(s)
			s.StartRecording(&midiTrack{typ: mixdown.TrackMIDI}, 0)
			s.HandleIncoming([]byte{0x90, 60, tc.in})
			block(s, 0, 256)
			seq := s.StopRecording()
			if len(seq) != 1 || seq[0].Event.Velocity() != tc.want {
				t.Fatalf("recorded %v, want velocity %d", seq, tc.want)
			}
		})
	}
}

func TestThruRespectsOutputToggles(t *testing.T) {
	s := newSequencer()
	s.HandleIncoming([]byte{0x90, 60, 100})
	s.HandleIncoming([]byte{0xC0, 3})
	in, out := block(s, 0, 128)
	if in.Len() != 2 || out.Len() != 2 {
		t.Fatalf("in %d out %d, want 2 and 2", in.Len(), out.Len())
	}
	s.SetSendProgramChanges(false)
	s.HandleIncoming([]byte{0x90, 60, 100})
	s.HandleIncoming([]byte{0xC0, 3})
	_, out = block(s, 0, 128)
	if out.Len() != 1 || !out.At(0).IsNoteOn() {
		t.Fatalf("program change passed through: %v", out.Events())
	}
	s.SetThru(false)
	s.HandleIncoming([]byte{0x90, 60, 100})
	in, out = block(s, 0, 128)
	if in.Len() != 1 || out.Len() != 0 {
		t.Fatalf("thru off: in %d out %d", in.Len(), out.Len())
	}
}

func TestIdleBlocksDoNotRecord(t *testing.T) {
	s := newSequencer()
	s.SetSendMMC(true)
	tr := &midiTrack{typ: mixdown.TrackMIDI}
	if err := s.StartRecording(tr, 0); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	s.HandleIncoming([]byte{0x90, 60, 100})
	s.SendMMC(sequencer.MMCStop)
	out := mixdown.NewMIDIBuffer(16)
	s.ProcessIdle(out)
	if out.Len() != 2 {
		t.Fatalf("idle block sent %d messages, want thru note and MMC", out.Len())
	}
	if seq := s.StopRecording(); len(seq) != 0 {
		t.Fatalf("idle block recorded %d events", len(seq))
	}
	in, _ := block(s, 0, 128)
	if in.Len() != 0 {
		t.Fatalf("queued input survived an idle block")
	}
}

func TestClockCadence(t *testing.T) {
	s := newSequencer()
	s.SetSendClock(true)
	const frames = 512
	var pulses []int
	for b := 0; b < 40; b++ {
		pos := float64(b*frames) / sampleRate
		_, out := block(s, pos, frames)
		for _, e := range out.Events() {
			if e.Len == 1 && e.Data[0] == 0xF8 {
				pulses = append(pulses, b*frames+e.Frame)
			}
		}
	}
	spacing := 60.0 / (120 * 24) * sampleRate
	if len(pulses) < 20 {
		t.Fatalf("only %d pulses", len(pulses))
	}
	if pulses[0] != 0 {
		t.Fatalf("first pulse at sample %d", pulses[0])
	}
	for i := 1; i < len(pulses); i++ {
		if d := float64(pulses[i] - pulses[i-1]); math.Abs(d-spacing) > 1 {
			t.Fatalf("pulses %d and %d are %v samples apart, want %v", i-1, i, d, spacing)
		}
	}
}

func TestClockResyncsAfterSeek(t *testing.T) {
	s := newSequencer()
	s.SetSendClock(true)
	block(s, 0, 512)
	// jump to just after a pulse; the next one is on the grid
	interval := sequencer.ClockInterval(120)
	pos := 100*interval + 0.001
	_, out := block(s, pos, 2048)
	if out.Len() == 0 {
		t.Fatal("no pulses after seek")
	}
	want := int(math.Round((101*interval - pos) * sampleRate))
	if got := out.At(0).Frame; got != want {
		t.Fatalf("first pulse after seek at frame %d, want %d", got, want)
	}
}

func TestTimecodeString(t *testing.T) {
	for _, tc := range []struct {
		t      float64
		format sequencer.MTCFormat
		want   string
	}{
		{0, sequencer.MTC25, "00:00:00:00"},
		{3723.5, sequencer.MTC25, "01:02:03:12"},
		{1.5, sequencer.MTC24, "00:00:01:12"},
		{59.9, sequencer.MTC30, "00:00:59:27"},
		{1800 * 1001 / 30000.0, sequencer.MTC30Drop, "00:01:00:02"},
		{25 * 3600, sequencer.MTC25, "01:00:00:00"},
	} {
		if got := sequencer.TimecodeString(tc.t, tc.format); got != tc.want {
			t.Fatalf("TimecodeString(%v, %v) = %s, want %s", tc.t, tc.format, got, tc.want)
		}
	}
}

func TestMTCQuarterFrames(t *testing.T) {
	s := newSequencer()
	s.SetSendMTC(true)
	const frames = 441
	var msgs []mixdown.MIDIEvent
	for b := 0; b < 120; b++ {
		_, out := block(s, float64(b*frames)/sampleRate, frames)
		msgs = append(msgs, out.Events()...)
	}
	if !msgs[0].IsSysEx() || !bytes.Equal(msgs[0].Bytes(), []byte{0xF0, 0x7F, 0x7F, 0x01, 0x01, 1 << 5, 0, 0, 0, 0xF7}) {
		t.Fatalf("first message % X, want a full frame at zero", msgs[0].Bytes())
	}
	qf := msgs[1:]
	// 1.2 seconds at 25 fps
	if len(qf) < 119 || len(qf) > 121 {
		t.Fatalf("%d quarter frames in 1.2 seconds", len(qf))
	}
	for i, e := range qf {
		if e.Data[0] != 0xF1 || int(e.Data[1]>>4) != i%8 {
			t.Fatalf("quarter frame %d = % X", i, e.Bytes())
		}
	}
	// the cycle starting at quarter frame 16 describes frame 4
	if qf[16].Data[1]&0x0F != 4 {
		t.Fatalf("frame nibble = %d", qf[16].Data[1]&0x0F)
	}
	// rate bits in piece 7
	if qf[7].Data[1]&0x0F != byte(sequencer.MTC25)<<1 {
		t.Fatalf("piece 7 = % X", qf[7].Bytes())
	}
}

func TestMMC(t *testing.T) {
	s := newSequencer()
	if s.SendMMC(sequencer.MMCPlay) {
		t.Fatal("MMC sent while disabled")
	}
	s.SetSendMMC(true)
	for _, tc := range []struct {
		cmd  sequencer.MMCCommand
		want byte
	}{
		{sequencer.MMCStop, 0x01},
		{sequencer.MMCPlay, 0x02},
		{sequencer.MMCRecordStrobe, 0x06},
		{sequencer.MMCPause, 0x09},
	} {
		if !s.SendMMC(tc.cmd) {
			t.Fatal("SendMMC failed")
		}
		_, out := block(s, 0, 64)
		if out.Len() != 1 || !bytes.Equal(out.At(0).Bytes(), []byte{0xF0, 0x7F, 0x7F, 0x06, tc.want, 0xF7}) {
			t.Fatalf("MMC %02X: % X", tc.want, out.Events())
		}
	}
}

func TestSettingsState(t *testing.T) {
	s := newSequencer()
	s.SetQuantizeGrid(0.125)
	s.SetVelocityMode(sequencer.VelocityScaled)
	s.SetVelocityScale(0.75)
	s.SetFilterNotes(true)
	s.SetNoteActive(10, false)
	s.SetMTCFormat(sequencer.MTC30Drop)
	s.SetSendClock(true)
	root := state.New("sequencer")
	s.SaveState(root)
	data, err := state.Marshal(root)
	if err != nil {
		t.Fatal(err)
	}
	loaded, err := state.Unmarshal(data)
	if err != nil {
		t.Fatal(err)
	}
	n := newSequencer()
	n.LoadState(loaded)
	if n.Settings() != s.Settings() {
		t.Fatalf("settings differ after load:\n%+v\n%+v", n.Settings(), s.Settings())
	}
}

func TestSMFRoundTrip(t *testing.T) {
	seq := mixdown.Sequence{
		{Time: 0, Event: mixdown.NoteOn(1, 60, 100)},
		{Time: 0.5, Event: mixdown.NoteOff(1, 60, 0)},
		{Time: 0.75, Event: mixdown.ControlChange(1, 7, 90)},
		{Time: 1.25, Event: mixdown.ProgramChange(1, 4)},
	}
	var buf bytes.Buffer
	if err := sequencer.WriteSMF(&buf, seq, 120, mixdown.TimeSignature{Numerator: 3, Denominator: 4}); err != nil {
		t.Fatal(err)
	}
	got, bpm, err := sequencer.ReadSMF(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if bpm != 120 {
		t.Fatalf("bpm = %v", bpm)
	}
	if len(got) != len(seq) {
		t.Fatalf("read %d events, want %d", len(got), len(seq))
	}
	for i := range seq {
		if math.Abs(got[i].Time-seq[i].Time) > 1e-3 || !bytes.Equal(got[i].Event.Bytes(), seq[i].Event.Bytes()) {
			t.Fatalf("event %d = %v % X, want %v % X", i, got[i].Time, got[i].Event.Bytes(), seq[i].Time, seq[i].Event.Bytes())
		}
	}
}

func TestSequenceEditing(t *testing.T) {
	seq := mixdown.Sequence{
		{Time: 0, Event: mixdown.NoteOn(0, 120, 100)},
		{Time: 1, Event: mixdown.NoteOff(0, 120, 0)},
		{Time: 2, Event: mixdown.NoteOn(2, 3, 100)},
		{Time: 3, Event: mixdown.ControlChange(0, 1, 5)},
	}
	sequencer.Transpose(seq, 12)
	if seq[0].Event.Note() != 127 || seq[2].Event.Note() != 15 {
		t.Fatalf("transpose: %d %d", seq[0].Event.Note(), seq[2].Event.Note())
	}
	left, right := sequencer.Split(seq, 2)
	if len(left) != 2 || len(right) != 2 || right[0].Time != 2 {
		t.Fatalf("split: %d / %d", len(left), len(right))
	}
	merged := sequencer.Merge(right, left)
	for i := range merged {
		if merged[i].Time != float64(i) {
			t.Fatalf("merge out of order at %d: %v", i, merged[i].Time)
		}
	}
	shifted := sequencer.Shift(left, 10)
	if shifted[0].Time != 10 || shifted[1].Time != 11 || left[0].Time != 0 {
		t.Fatalf("shift: %v, original now starts at %v", shifted, left[0].Time)
	}
	filtered := sequencer.Filter(merged.Copy(), sequencer.ChannelSet(0).With(0, true), sequencer.AllNotes)
	if len(filtered) != 3 {
		t.Fatalf("channel filter kept %d events", len(filtered))
	}
	if got := sequencer.FilterControllers(merged.Copy(), 7); len(got) != 3 {
		t.Fatalf("controller filter kept %d events", len(got))
	}
	if ticks := sequencer.SecondsToTicks(0.5, 960, 120); ticks != 960 {
		t.Fatalf("SecondsToTicks = %d", ticks)
	}
	if s := sequencer.TicksToSeconds(480, 960, 60); s != 0.5 {
		t.Fatalf("TicksToSeconds = %v", s)
	}
	if clock := sequencer.GenerateClock(0.99, 120); len(clock) != 48 {
		t.Fatalf("GenerateClock produced %d pulses", len(clock))
	}
}
