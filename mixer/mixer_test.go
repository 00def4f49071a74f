package mixer_test

import (
	"errors"
	"io"
	"math"
	"testing"

	"github.com/mixdown/mixdown"
	"github.com/mixdown/mixdown/mixer"
	"github.com/mixdown/mixdown/state"
	"github.com/sirupsen/logrus"
)

type constTrack struct {
	value float32
	calls int
}

func (t *constTrack) Name() string                            { return "const" }
func (t *constTrack) Type() mixdown.TrackType                 { return mixdown.TrackAudio }
func (t *constTrack) Parameters() mixdown.TrackParameters     { return mixdown.DefaultTrackParameters() }
func (t *constTrack) SetParameters(p mixdown.TrackParameters) {}
func (t *constTrack) ProcessBlock(audio mixdown.AudioBuffer, midi *mixdown.MIDIBuffer) {
	t.calls++
	for _, c := range audio {
		for i := range c {
			c[i] = t.value
		}
	}
}

type project struct{ tracks []mixdown.Track }

func (p *project) Tracks() []mixdown.Track           { return p.tracks }
func (p *project) Settings() mixdown.ProjectSettings { return mixdown.DefaultProjectSettings() }
func (p *project) TransportPosition() float64        { return 0 }

// scalePlugin multiplies the signal by a factor and records the call order.
type scalePlugin struct {
	name     string
	factor   float32
	bypassed bool
	log      *[]string
}

func (p *scalePlugin) Info() mixdown.PluginInfo              { return mixdown.PluginInfo{Name: p.name} }
func (p *scalePlugin) Prepare(float64, int)                  {}
func (p *scalePlugin) Release()                              {}
func (p *scalePlugin) Bypassed() bool                        { return p.bypassed }
func (p *scalePlugin) SetBypassed(b bool)                    { p.bypassed = b }
func (p *scalePlugin) Parameters() []mixdown.PluginParameter { return nil }
func (p *scalePlugin) SetParameter(int, float32)             {}
func (p *scalePlugin) State() ([]byte, error)                { return nil, nil }
func (p *scalePlugin) SetState([]byte) error                 { return nil }
func (p *scalePlugin) Process(audio mixdown.AudioBuffer, midi *mixdown.MIDIBuffer) {
	if p.log != nil {
		*p.log = append(*p.log, p.name)
	}
	audio.ApplyGain(p.factor)
}

func newLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newMixer(t *testing.T, tracks ...mixdown.Track) *mixer.Mixer {
	t.Helper()
	m := mixer.New(newLogger(), nil)
	if err := m.SetProject(&project{tracks: tracks}); err != nil {
		t.Fatalf("SetProject: %v", err)
	}
	return m
}

func near(a, b float32) bool {
	return math.Abs(float64(a-b)) < 1e-5
}

func TestSoloOverridesMute(t *testing.T) {
	m := newMixer(t, &constTrack{}, &constTrack{}, &constTrack{})
	c0, _ := m.Channel(0)
	c1, _ := m.Channel(1)
	c1.SetMute(true)
	for i, want := range []bool{true, false, true} {
		if got := m.IsActive(i); got != want {
			t.Fatalf("without solo IsActive(%d) = %v, want %v", i, got, want)
		}
	}
	c1.SetSolo(true)
	for i, want := range []bool{false, true, false} {
		if got := m.IsActive(i); got != want {
			t.Fatalf("with channel 1 soloed IsActive(%d) = %v, want %v", i, got, want)
		}
	}
	c0.SetSolo(true)
	if !m.IsActive(0) || m.IsActive(2) {
		t.Fatal("soloing channel 0 too should activate it only")
	}
}

func TestProcessBlockAppliesGainPanAndMeters(t *testing.T) {
	tr := &constTrack{value: 1}
	m := newMixer(t, tr)
	c, _ := m.Channel(0)
	c.SetVolume(0.5)
	c.SetPan(-1)
	m.Master().SetPan(-1)
	m.Prepare(48000, 64)
	out := mixdown.MakeAudioBuffer(2, 64)
	m.ProcessBlock(out, mixdown.NewMIDIBuffer(8))
	if tr.calls != 1 {
		t.Fatalf("track rendered %d times", tr.calls)
	}
	if !near(out[0][10], 0.5) || !near(out[1][10], 0) {
		t.Fatalf("out = %v, %v, want 0.5, 0", out[0][10], out[1][10])
	}
	if !near(c.PeakLevel(), 0.5) {
		t.Fatalf("peak = %v, want 0.5", c.PeakLevel())
	}
	if want := float32(0.5 / math.Sqrt2); !near(c.RMSLevel(), want) {
		t.Fatalf("rms = %v, want %v", c.RMSLevel(), want)
	}
}

func TestCenterPanIsMinusThreeDB(t *testing.T) {
	m := newMixer(t, &constTrack{value: 1})
	m.Prepare(48000, 16)
	out := mixdown.MakeAudioBuffer(2, 16)
	m.ProcessBlock(out, nil)
	// channel and master both pan center
	if !near(out[0][0], 0.5) || !near(out[1][0], 0.5) {
		t.Fatalf("out = %v, %v, want 0.5, 0.5", out[0][0], out[1][0])
	}
}

func TestUnboundOrUnpreparedIsSilent(t *testing.T) {
	m := mixer.New(newLogger(), nil)
	out := mixdown.AudioBuffer{{1, 1}, {1, 1}}
	m.ProcessBlock(out, nil)
	if out[0][0] != 0 || out[1][1] != 0 {
		t.Fatal("unbound mixer produced sound")
	}
	m = newMixer(t, &constTrack{value: 1})
	out = mixdown.AudioBuffer{{1, 1}, {1, 1}}
	m.ProcessBlock(out, nil)
	if out[0][0] != 0 {
		t.Fatal("unprepared mixer produced sound")
	}
}

func TestSendFeedsBus(t *testing.T) {
	m := newMixer(t, &constTrack{value: 1})
	c, _ := m.Channel(0)
	c.SetPan(-1)
	m.Master().SetPan(-1)
	bus, err := m.AddBus(mixer.BusAux, "reverb")
	if err != nil {
		t.Fatal(err)
	}
	b, _ := m.Bus(bus)
	b.Strip().SetPan(-1)
	if _, err := m.AddSend(0, bus, 0.5); err != nil {
		t.Fatalf("AddSend: %v", err)
	}
	m.Prepare(48000, 8)
	out := mixdown.MakeAudioBuffer(2, 8)
	m.ProcessBlock(out, nil)
	// dry 1 + send 0.5 through the bus
	if !near(out[0][0], 1.5) {
		t.Fatalf("out = %v, want 1.5", out[0][0])
	}
	if !near(b.Strip().PeakLevel(), 0.5) {
		t.Fatalf("bus peak = %v, want 0.5", b.Strip().PeakLevel())
	}
}

func TestBusChainFollowsRouting(t *testing.T) {
	m := newMixer(t, &constTrack{value: 1})
	c, _ := m.Channel(0)
	c.SetPan(-1)
	m.Master().SetPan(-1)
	// bus 0 is declared first but reads from bus 1
	group, _ := m.AddBus(mixer.BusGroup, "group")
	aux, _ := m.AddBus(mixer.BusAux, "aux")
	for _, i := range []int{group, aux} {
		b, _ := m.Bus(i)
		b.Strip().SetPan(-1)
	}
	if err := m.AddBusSource(aux, mixer.Source{Kind: mixer.SourceChannel, Index: 0}); err != nil {
		t.Fatal(err)
	}
	if err := m.SetBusOutput(aux, group); err != nil {
		t.Fatal(err)
	}
	m.Prepare(48000, 8)
	out := mixdown.MakeAudioBuffer(2, 8)
	m.ProcessBlock(out, nil)
	// direct 1 + channel through aux into group 1
	if !near(out[0][0], 2) {
		t.Fatalf("out = %v, want 2", out[0][0])
	}
}

func TestRoutingRejectsCyclesAndBadTargets(t *testing.T) {
	m := newMixer(t)
	a, _ := m.AddBus(mixer.BusAux, "a")
	b, _ := m.AddBus(mixer.BusAux, "b")
	c, _ := m.AddBus(mixer.BusAux, "c")
	if err := m.SetBusOutput(a, b); err != nil {
		t.Fatal(err)
	}
	if err := m.SetBusOutput(b, c); err != nil {
		t.Fatal(err)
	}
	var rerr *mixer.RoutingError
	if err := m.SetBusOutput(c, a); !errors.As(err, &rerr) {
		t.Fatalf("cycle a→b→c→a accepted: %v", err)
	}
	if err := m.SetBusOutput(a, a); !errors.As(err, &rerr) {
		t.Fatalf("self routing accepted: %v", err)
	}
	if err := m.SetBusOutput(a, 7); !errors.As(err, &rerr) {
		t.Fatalf("out of range target accepted: %v", err)
	}
	if err := m.AddBusSource(a, mixer.Source{Kind: mixer.SourceBus, Index: c}); !errors.As(err, &rerr) {
		t.Fatalf("source creating a cycle accepted: %v", err)
	}
	if bus, _ := m.Bus(c); bus.Output() != mixer.MasterOutput {
		t.Fatal("rejected edit changed the routing")
	}
}

func TestStructuralEditsNeedRelease(t *testing.T) {
	m := newMixer(t, &constTrack{})
	m.Prepare(44100, 32)
	if _, err := m.AddBus(mixer.BusAux, ""); !errors.Is(err, mixer.ErrPrepared) {
		t.Fatalf("AddBus while prepared: %v", err)
	}
	if err := m.AddPlugin(mixer.MasterStrip, &scalePlugin{}); !errors.Is(err, mixer.ErrPrepared) {
		t.Fatalf("AddPlugin while prepared: %v", err)
	}
	m.Release()
	if _, err := m.AddBus(mixer.BusAux, ""); err != nil {
		t.Fatalf("AddBus after release: %v", err)
	}
	if names := m.BusNames(); len(names) != 1 || names[0] != "aux 1" {
		t.Fatalf("bus names = %v", names)
	}
}

func TestRemoveBusDropsSendsAndReindexes(t *testing.T) {
	m := newMixer(t, &constTrack{})
	a, _ := m.AddBus(mixer.BusAux, "a")
	b, _ := m.AddBus(mixer.BusAux, "b")
	m.AddSend(0, a, 0.3)
	m.AddSend(0, b, 0.6)
	if err := m.RemoveBus(a); err != nil {
		t.Fatal(err)
	}
	c, _ := m.Channel(0)
	sends := c.Sends()
	if len(sends) != 1 || sends[0].Bus() != 0 || !near(sends[0].Level(), 0.6) {
		t.Fatalf("sends after removing bus a: %+v", sends)
	}
	if err := m.RemoveBus(5); !errors.Is(err, mixer.ErrIndex) {
		t.Fatalf("RemoveBus(5) = %v", err)
	}
}

func TestPluginChainOrderAndBypass(t *testing.T) {
	var calls []string
	m := newMixer(t, &constTrack{value: 1})
	p1 := &scalePlugin{name: "one", factor: 2, log: &calls}
	p2 := &scalePlugin{name: "two", factor: 3, log: &calls}
	m.AddPlugin(mixer.ChannelStrip(0), p1)
	m.AddPlugin(mixer.ChannelStrip(0), p2)
	if err := m.MovePlugin(mixer.ChannelStrip(0), 1, 0); err != nil {
		t.Fatal(err)
	}
	m.Prepare(48000, 4)
	out := mixdown.MakeAudioBuffer(2, 4)
	m.ProcessBlock(out, nil)
	if len(calls) != 2 || calls[0] != "two" || calls[1] != "one" {
		t.Fatalf("call order = %v", calls)
	}
	calls = calls[:0]
	p2.SetBypassed(true)
	m.ProcessBlock(out, nil)
	if len(calls) != 1 || calls[0] != "one" {
		t.Fatalf("bypassed plugin ran: %v", calls)
	}
	calls = calls[:0]
	c, _ := m.Channel(0)
	c.SetBypass(true)
	m.ProcessBlock(out, nil)
	if len(calls) != 0 {
		t.Fatalf("bypassed channel ran plugins: %v", calls)
	}
}

func TestSnapshotRestore(t *testing.T) {
	m := newMixer(t, &constTrack{})
	m.AddBus(mixer.BusAux, "keep")
	snap := m.Snapshot()
	m.AddBus(mixer.BusAux, "drop")
	m.AddSend(0, 0, 1)
	m.RemoveChannel(0)
	if err := m.Restore(snap); err != nil {
		t.Fatal(err)
	}
	if m.NumBuses() != 1 || m.NumChannels() != 1 {
		t.Fatalf("restored %d buses, %d channels", m.NumBuses(), m.NumChannels())
	}
	c, _ := m.Channel(0)
	if len(c.Sends()) != 0 {
		t.Fatal("send added after the snapshot survived restore")
	}
}

func TestStateRoundTrip(t *testing.T) {
	m := newMixer(t, &constTrack{}, &constTrack{}, &constTrack{})
	aux, _ := m.AddBus(mixer.BusAux, "verb")
	m.AddBusSource(aux, mixer.Source{Kind: mixer.SourceChannel, Index: 2})
	m.AddSend(1, aux, 0.25)
	vols := []float32{1, 0.5, 1.5}
	for i, v := range vols {
		c, _ := m.Channel(i)
		c.SetVolume(v)
		c.SetPan(float32(i-1) / 2)
	}
	c0, _ := m.Channel(0)
	c0.SetMute(true)
	c2, _ := m.Channel(2)
	c2.SetSolo(true)
	c2.SetBypass(true)
	m.Master().SetVolume(0.8)

	root := state.New("mixer")
	m.SaveState(root)
	data, err := state.Marshal(root)
	if err != nil {
		t.Fatal(err)
	}
	loaded, err := state.Unmarshal(data)
	if err != nil {
		t.Fatal(err)
	}

	n := newMixer(t, &constTrack{}, &constTrack{}, &constTrack{})
	if err := n.LoadState(loaded); err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	for i := range vols {
		a, _ := m.Channel(i)
		b, _ := n.Channel(i)
		if !near(a.Volume(), b.Volume()) || !near(a.Pan(), b.Pan()) || a.Mute() != b.Mute() || a.Solo() != b.Solo() || a.Bypass() != b.Bypass() {
			t.Fatalf("channel %d differs after load", i)
		}
	}
	c1, _ := n.Channel(1)
	sends := c1.Sends()
	if len(sends) != 1 || sends[0].Bus() != aux || !near(sends[0].Level(), 0.25) {
		t.Fatalf("sends after load: %+v", sends)
	}
	bus, err := n.Bus(aux)
	if err != nil {
		t.Fatal(err)
	}
	if bus.Name() != "verb" || bus.Type != mixer.BusAux || bus.Output() != mixer.MasterOutput {
		t.Fatalf("bus after load: %s %v %d", bus.Name(), bus.Type, bus.Output())
	}
	if src := bus.Sources(); len(src) != 1 || src[0] != (mixer.Source{Kind: mixer.SourceChannel, Index: 2}) {
		t.Fatalf("bus sources after load: %v", src)
	}
	if !near(n.Master().Volume(), 0.8) {
		t.Fatalf("master volume = %v", n.Master().Volume())
	}
}

func TestLoadStateToleratesBadEntries(t *testing.T) {
	root := state.New("mixer")
	buses := root.AddChild("buses")
	buses.AddChild("bus").Set("name", "a").Set("output", 1)
	buses.AddChild("bus").Set("name", "b").Set("output", 0) // would close a cycle
	buses.AddChild("bus").Set("type", "bogus").Set("output", 9)
	ch := root.AddChild("channels").AddChild("channel").Set("volume", "loud").Set("pan", 0.5)
	ch.AddChild("sends").AddChild("send").Set("bus", 12)
	root.Child("channels").AddChild("channel").Set("index", 40)

	m := newMixer(t, &constTrack{})
	if err := m.LoadState(root); err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if m.NumBuses() != 3 {
		t.Fatalf("loaded %d buses", m.NumBuses())
	}
	a, _ := m.Bus(0)
	b, _ := m.Bus(1)
	c, _ := m.Bus(2)
	if a.Output() != 1 || b.Output() != mixer.MasterOutput || c.Output() != mixer.MasterOutput {
		t.Fatalf("outputs = %d %d %d", a.Output(), b.Output(), c.Output())
	}
	ch0, _ := m.Channel(0)
	if ch0.Volume() != 1 || !near(ch0.Pan(), 0.5) || len(ch0.Sends()) != 0 {
		t.Fatalf("channel 0 = vol %v pan %v sends %d", ch0.Volume(), ch0.Pan(), len(ch0.Sends()))
	}
}

// noteTrack adds a note on to the MIDI it is given.
type noteTrack struct{ constTrack }

func (t *noteTrack) ProcessBlock(audio mixdown.AudioBuffer, midi *mixdown.MIDIBuffer) {
	t.constTrack.ProcessBlock(audio, midi)
	midi.Add(mixdown.NoteOn(0, 60, 100))
}

// midiSpy records how many events it saw in the last block.
type midiSpy struct {
	scalePlugin
	seen int
}

func (p *midiSpy) Process(audio mixdown.AudioBuffer, midi *mixdown.MIDIBuffer) {
	p.seen = midi.Len()
}

func TestChannelMIDIIsIsolated(t *testing.T) {
	m := newMixer(t, &noteTrack{}, &constTrack{})
	own, other, master := &midiSpy{}, &midiSpy{}, &midiSpy{}
	for _, add := range []struct {
		id mixer.StripID
		p  *midiSpy
	}{{mixer.ChannelStrip(0), own}, {mixer.ChannelStrip(1), other}, {mixer.MasterStrip, master}} {
		if err := m.AddPlugin(add.id, add.p); err != nil {
			t.Fatalf("AddPlugin: %v", err)
		}
	}
	m.Prepare(48000, 32)
	in := mixdown.NewMIDIBuffer(8)
	in.Add(mixdown.ControlChange(0, 1, 64))
	for block := 0; block < 2; block++ {
		m.ProcessBlock(mixdown.MakeAudioBuffer(2, 32), in)
		if own.seen != 2 {
			t.Fatalf("block %d: channel 0 plugin saw %d events, want input plus the track's note", block, own.seen)
		}
		if other.seen != 1 {
			t.Fatalf("block %d: channel 1 plugin saw %d events, want the input only", block, other.seen)
		}
		if master.seen != 0 {
			t.Fatalf("block %d: master plugin saw %d events", block, master.seen)
		}
		if in.Len() != 1 {
			t.Fatalf("block %d: input buffer has %d events after processing", block, in.Len())
		}
	}
}

func TestVolumeChangeIsRamped(t *testing.T) {
	m := newMixer(t, &constTrack{value: 1})
	c, _ := m.Channel(0)
	c.SetPan(-1)
	m.Master().SetPan(-1)
	m.Prepare(48000, 4)
	out := mixdown.MakeAudioBuffer(2, 4)
	midi := mixdown.NewMIDIBuffer(4)
	for _, tc := range []struct {
		volume float32
		want   []float32
	}{
		{1, []float32{1, 1, 1, 1}},
		{0.5, []float32{1, 0.875, 0.75, 0.625}},
		{0.5, []float32{0.5, 0.5, 0.5, 0.5}},
	} {
		c.SetVolume(tc.volume)
		m.ProcessBlock(out, midi)
		for i, w := range tc.want {
			if !near(out[0][i], w) {
				t.Fatalf("volume %v: left = %v, want %v", tc.volume, out[0], tc.want)
			}
		}
	}
}
