// Package mixer implements the signal-routing graph: one Channel per track,
// aux and group buses, and the master strip.
//
// The mixer has two phases. While prepared, ProcessBlock may be called from
// the audio thread and only the scalar settings of strips and sends may
// change. Structural edits (channels, buses, sends, plugins, loading state)
// return ErrPrepared unless the mixer has been released first; the engine
// wraps such edits in a quiesce window that releases, edits and prepares
// again.
package mixer

import (
	"errors"
	"fmt"
	"slices"

	"github.com/mixdown/mixdown"
	"github.com/sirupsen/logrus"
)

// midiCapacity is the number of events a strip can receive in one block.
const midiCapacity = 1024

var (
	// ErrPrepared is returned by structural edits while the mixer is
	// prepared for processing.
	ErrPrepared = errors.New("mixer is prepared; release it before structural changes")
	// ErrIndex is returned for a channel, bus, send or plugin index that does
	// not exist.
	ErrIndex = errors.New("index out of range")
)

type (
	Mixer struct {
		log    logrus.FieldLogger
		broker *mixdown.Broker

		bound    bool
		tracks   []mixdown.Track
		channels []*Channel
		buses    []*Bus
		master   *Channel

		channelBufs []mixdown.AudioBuffer
		busBufs     []mixdown.AudioBuffer
		masterBuf   mixdown.AudioBuffer
		order       []int

		// per channel MIDI, and one scratch buffer for bus and master strips
		channelMIDI []*mixdown.MIDIBuffer
		stripMIDI   *mixdown.MIDIBuffer

		sampleRate float64
		blockSize  int
		prepared   bool
	}

	// StripID addresses a channel, a bus strip or the master strip.
	StripID struct {
		Kind  StripKind
		Index int
	}

	StripKind int

	// Snapshot holds the structure of the mixer so that a failed edit can be
	// rolled back.
	Snapshot struct {
		bound    bool
		tracks   []mixdown.Track
		channels []*Channel
		buses    []*Bus
		plugins  map[*Channel][]mixdown.Plugin
		sends    map[*Channel][]*Send
	}
)

const (
	StripChannel StripKind = iota
	StripBus
	StripMaster
)

func ChannelStrip(i int) StripID { return StripID{Kind: StripChannel, Index: i} }
func BusStrip(i int) StripID     { return StripID{Kind: StripBus, Index: i} }

var MasterStrip = StripID{Kind: StripMaster}

// New returns an empty, unprepared mixer. broker may be nil.
func New(log logrus.FieldLogger, broker *mixdown.Broker) *Mixer {
	return &Mixer{
		log:    log.WithField("component", "mixer"),
		broker: broker,
		master: newChannel(),
	}
}

func (m *Mixer) Prepared() bool   { return m.prepared }
func (m *Mixer) NumChannels() int { return len(m.channels) }
func (m *Mixer) NumBuses() int    { return len(m.buses) }
func (m *Mixer) Master() *Channel { return m.master }

func (m *Mixer) Channel(i int) (*Channel, error) {
	if i < 0 || i >= len(m.channels) {
		return nil, fmt.Errorf("channel %d: %w", i, ErrIndex)
	}
	return m.channels[i], nil
}

func (m *Mixer) Bus(i int) (*Bus, error) {
	if i < 0 || i >= len(m.buses) {
		return nil, fmt.Errorf("bus %d: %w", i, ErrIndex)
	}
	return m.buses[i], nil
}

// BusNames returns the names of all buses in declaration order.
func (m *Mixer) BusNames() []string {
	ret := make([]string, len(m.buses))
	for i, b := range m.buses {
		ret[i] = b.name
	}
	return ret
}

func (m *Mixer) Strip(id StripID) (*Channel, error) {
	switch id.Kind {
	case StripChannel:
		return m.Channel(id.Index)
	case StripBus:
		b, err := m.Bus(id.Index)
		if err != nil {
			return nil, err
		}
		return b.strip, nil
	case StripMaster:
		return m.master, nil
	}
	return nil, fmt.Errorf("strip kind %d: %w", id.Kind, ErrIndex)
}

// IsActive reports whether channel i contributes to the mix: when any
// channel is soloed only the soloed channels do, otherwise every channel
// that is not muted does.
func (m *Mixer) IsActive(i int) bool {
	if i < 0 || i >= len(m.channels) {
		return false
	}
	return m.isActive(i, m.soloActive())
}

func (m *Mixer) soloActive() bool {
	for _, c := range m.channels {
		if c.solo.Load() {
			return true
		}
	}
	return false
}

func (m *Mixer) isActive(i int, soloActive bool) bool {
	c := m.channels[i]
	if soloActive {
		return c.solo.Load()
	}
	return !c.mute.Load()
}

// Prepare allocates stereo buffers for every strip and prepares every plugin.
func (m *Mixer) Prepare(sampleRate float64, blockSize int) {
	if m.prepared {
		m.Release()
	}
	m.sampleRate, m.blockSize = sampleRate, blockSize
	m.channelBufs = make([]mixdown.AudioBuffer, len(m.channels))
	m.channelMIDI = make([]*mixdown.MIDIBuffer, len(m.channels))
	for i, c := range m.channels {
		m.channelBufs[i] = mixdown.MakeAudioBuffer(2, blockSize)
		m.channelMIDI[i] = mixdown.NewMIDIBuffer(midiCapacity)
		c.prepare(sampleRate, blockSize)
		if p, ok := m.track(i).(mixdown.Preparer); ok {
			p.Prepare(sampleRate, blockSize)
		}
	}
	m.busBufs = make([]mixdown.AudioBuffer, len(m.buses))
	for i, b := range m.buses {
		m.busBufs[i] = mixdown.MakeAudioBuffer(2, blockSize)
		b.strip.prepare(sampleRate, blockSize)
	}
	m.masterBuf = mixdown.MakeAudioBuffer(2, blockSize)
	m.stripMIDI = mixdown.NewMIDIBuffer(midiCapacity)
	m.master.prepare(sampleRate, blockSize)
	order, ok := busOrder(m.buses)
	if !ok {
		// edits are validated, so this only happens if the invariant is broken
		m.log.Error("bus routing has a cycle; buses will not be processed")
		order = nil
	}
	m.order = order
	m.prepared = true
}

// Release releases every plugin. Structural edits are allowed afterwards.
func (m *Mixer) Release() {
	if !m.prepared {
		return
	}
	m.prepared = false
	for _, c := range m.channels {
		c.release()
	}
	for _, b := range m.buses {
		b.strip.release()
	}
	m.master.release()
}

func (m *Mixer) track(i int) mixdown.Track {
	if i < len(m.tracks) {
		return m.tracks[i]
	}
	return nil
}

func (m *Mixer) structural(what string) error {
	if m.prepared {
		return fmt.Errorf("%s: %w", what, ErrPrepared)
	}
	return nil
}

func (m *Mixer) changed() {
	m.broker.Publish(mixdown.Message{Kind: mixdown.MsgMixerChanged})
}

// SetProject binds the mixer to the project's tracks, keeping the existing
// channel settings for the first tracks and adding or removing channels as
// needed. A nil project unbinds; ProcessBlock then outputs silence.
func (m *Mixer) SetProject(p mixdown.Project) error {
	if err := m.structural("set project"); err != nil {
		return err
	}
	if p == nil {
		m.bound = false
		m.tracks = nil
		m.changed()
		return nil
	}
	tracks := p.Tracks()
	for len(m.channels) > len(tracks) {
		m.removeChannel(len(m.channels) - 1)
	}
	channels := slices.Clone(m.channels)
	for len(channels) < len(tracks) {
		c := newChannel()
		if t := tracks[len(channels)]; t != nil {
			applyTrackParameters(c, t.Parameters())
		}
		channels = append(channels, c)
	}
	m.channels = channels
	m.tracks = slices.Clone(tracks)
	m.bound = true
	m.changed()
	return nil
}

func applyTrackParameters(c *Channel, p mixdown.TrackParameters) {
	c.SetVolume(p.Volume)
	c.SetPan(p.Pan)
	c.SetMute(p.Mute)
	c.SetSolo(p.Solo)
}

// AddChannel appends a channel for track and returns its index.
func (m *Mixer) AddChannel(track mixdown.Track) (int, error) {
	if err := m.structural("add channel"); err != nil {
		return 0, err
	}
	c := newChannel()
	if track != nil {
		applyTrackParameters(c, track.Parameters())
	}
	tracks := slices.Clone(m.tracks)
	for len(tracks) < len(m.channels) {
		tracks = append(tracks, nil)
	}
	m.tracks = append(tracks, track)
	m.channels = append(slices.Clone(m.channels), c)
	m.changed()
	return len(m.channels) - 1, nil
}

// RemoveChannel removes channel i; bus sources that referred to it are
// dropped and later channel indices shift down.
func (m *Mixer) RemoveChannel(i int) error {
	if err := m.structural("remove channel"); err != nil {
		return err
	}
	if i < 0 || i >= len(m.channels) {
		return fmt.Errorf("remove channel %d: %w", i, ErrIndex)
	}
	m.removeChannel(i)
	m.changed()
	return nil
}

func (m *Mixer) removeChannel(i int) {
	m.channels = slices.Delete(slices.Clone(m.channels), i, i+1)
	if i < len(m.tracks) {
		m.tracks = slices.Delete(slices.Clone(m.tracks), i, i+1)
	}
	buses := make([]*Bus, len(m.buses))
	for bi, b := range m.buses {
		nb := b.clone()
		nb.sources = nb.sources[:0]
		for _, s := range b.sources {
			if s.Kind == SourceChannel {
				if s.Index == i {
					continue
				}
				if s.Index > i {
					s.Index--
				}
			}
			nb.sources = append(nb.sources, s)
		}
		buses[bi] = nb
	}
	m.buses = buses
}

// AddBus appends a bus routed to master and returns its index.
func (m *Mixer) AddBus(typ BusType, name string) (int, error) {
	if err := m.structural("add bus"); err != nil {
		return 0, err
	}
	if name == "" {
		name = fmt.Sprintf("%s %d", typ, len(m.buses)+1)
	}
	m.buses = append(slices.Clone(m.buses), newBus(typ, name))
	m.changed()
	return len(m.buses) - 1, nil
}

// RemoveBus removes bus i together with every send and bus source that
// targets it. Buses that were routed to it are routed to master; later bus
// indices shift down.
func (m *Mixer) RemoveBus(i int) error {
	if err := m.structural("remove bus"); err != nil {
		return err
	}
	if i < 0 || i >= len(m.buses) {
		return fmt.Errorf("remove bus %d: %w", i, ErrIndex)
	}
	reindex := func(idx int) (int, bool) {
		switch {
		case idx == i:
			return 0, false
		case idx > i:
			return idx - 1, true
		}
		return idx, true
	}
	for _, c := range m.channels {
		var sends []*Send
		for _, s := range c.sends {
			if idx, ok := reindex(s.bus); ok {
				sends = append(sends, newSend(idx, s.Level()))
			}
		}
		c.sends = sends
	}
	buses := slices.Delete(slices.Clone(m.buses), i, i+1)
	for bi, b := range buses {
		nb := b.clone()
		if nb.output != MasterOutput {
			if idx, ok := reindex(nb.output); ok {
				nb.output = idx
			} else {
				nb.output = MasterOutput
			}
		}
		nb.sources = nb.sources[:0]
		for _, s := range b.sources {
			if s.Kind == SourceBus {
				idx, ok := reindex(s.Index)
				if !ok {
					continue
				}
				s.Index = idx
			}
			nb.sources = append(nb.sources, s)
		}
		buses[bi] = nb
	}
	m.buses = buses
	m.changed()
	return nil
}

func (m *Mixer) SetBusName(i int, name string) error {
	if i < 0 || i >= len(m.buses) {
		return fmt.Errorf("set bus name %d: %w", i, ErrIndex)
	}
	if m.buses[i].name == name {
		return nil
	}
	if err := m.structural("set bus name"); err != nil {
		return err
	}
	nb := m.buses[i].clone()
	nb.name = name
	m.buses = withBus(m.buses, i, nb)
	m.changed()
	return nil
}

// SetBusOutput routes bus i to bus output, or to master for MasterOutput.
// Out of range targets, self routing and cycles are rejected with a
// *RoutingError.
func (m *Mixer) SetBusOutput(i, output int) error {
	if err := m.structural("set bus output"); err != nil {
		return err
	}
	if i < 0 || i >= len(m.buses) {
		return fmt.Errorf("set bus output %d: %w", i, ErrIndex)
	}
	if output != MasterOutput && (output < 0 || output >= len(m.buses)) {
		return &RoutingError{Bus: i, Target: output, Reason: "target bus does not exist"}
	}
	if output == i {
		return &RoutingError{Bus: i, Target: output, Reason: "a bus cannot feed itself"}
	}
	nb := m.buses[i].clone()
	nb.output = output
	buses := withBus(m.buses, i, nb)
	if err := checkRouting(buses, i, output); err != nil {
		return err
	}
	m.buses = buses
	m.changed()
	return nil
}

// AddBusSource adds a channel or bus as an input of bus i. Adding an
// existing source is a no-op.
func (m *Mixer) AddBusSource(i int, src Source) error {
	if err := m.structural("add bus source"); err != nil {
		return err
	}
	if i < 0 || i >= len(m.buses) {
		return fmt.Errorf("add bus source %d: %w", i, ErrIndex)
	}
	switch src.Kind {
	case SourceChannel:
		if src.Index < 0 || src.Index >= len(m.channels) {
			return fmt.Errorf("bus source channel %d: %w", src.Index, ErrIndex)
		}
	case SourceBus:
		if src.Index < 0 || src.Index >= len(m.buses) {
			return &RoutingError{Bus: src.Index, Target: i, Reason: "source bus does not exist"}
		}
		if src.Index == i {
			return &RoutingError{Bus: src.Index, Target: i, Reason: "a bus cannot feed itself"}
		}
	default:
		return fmt.Errorf("unknown source kind %d", src.Kind)
	}
	if slices.Contains(m.buses[i].sources, src) {
		return nil
	}
	nb := m.buses[i].clone()
	nb.sources = append(nb.sources, src)
	buses := withBus(m.buses, i, nb)
	if src.Kind == SourceBus {
		if err := checkRouting(buses, src.Index, i); err != nil {
			return err
		}
	}
	m.buses = buses
	m.changed()
	return nil
}

func (m *Mixer) RemoveBusSource(i int, src Source) error {
	if err := m.structural("remove bus source"); err != nil {
		return err
	}
	if i < 0 || i >= len(m.buses) {
		return fmt.Errorf("remove bus source %d: %w", i, ErrIndex)
	}
	idx := slices.Index(m.buses[i].sources, src)
	if idx < 0 {
		return nil
	}
	nb := m.buses[i].clone()
	nb.sources = slices.Delete(nb.sources, idx, idx+1)
	m.buses = withBus(m.buses, i, nb)
	m.changed()
	return nil
}

// AddSend adds a send from channel ch to bus and returns its index.
func (m *Mixer) AddSend(ch, bus int, level float32) (int, error) {
	if err := m.structural("add send"); err != nil {
		return 0, err
	}
	c, err := m.Channel(ch)
	if err != nil {
		return 0, err
	}
	if bus < 0 || bus >= len(m.buses) {
		return 0, &RoutingError{Bus: bus, Target: bus, Reason: fmt.Sprintf("send from channel %d targets a bus that does not exist", ch)}
	}
	c.sends = append(slices.Clone(c.sends), newSend(bus, level))
	m.changed()
	return len(c.sends) - 1, nil
}

func (m *Mixer) RemoveSend(ch, send int) error {
	if err := m.structural("remove send"); err != nil {
		return err
	}
	c, err := m.Channel(ch)
	if err != nil {
		return err
	}
	if send < 0 || send >= len(c.sends) {
		return fmt.Errorf("send %d of channel %d: %w", send, ch, ErrIndex)
	}
	c.sends = slices.Delete(slices.Clone(c.sends), send, send+1)
	m.changed()
	return nil
}

// SetSendLevel changes a send level; the level is a scalar and may be set
// while processing.
func (m *Mixer) SetSendLevel(ch, send int, level float32) error {
	c, err := m.Channel(ch)
	if err != nil {
		return err
	}
	if send < 0 || send >= len(c.sends) {
		return fmt.Errorf("send %d of channel %d: %w", send, ch, ErrIndex)
	}
	c.sends[send].SetLevel(level)
	return nil
}

// AddPlugin appends p to the insert chain of a strip.
func (m *Mixer) AddPlugin(id StripID, p mixdown.Plugin) error {
	if err := m.structural("add plugin"); err != nil {
		return err
	}
	c, err := m.Strip(id)
	if err != nil {
		return err
	}
	c.plugins = append(slices.Clone(c.plugins), p)
	m.changed()
	return nil
}

// RemovePlugin removes and returns plugin i from a strip.
func (m *Mixer) RemovePlugin(id StripID, i int) (mixdown.Plugin, error) {
	if err := m.structural("remove plugin"); err != nil {
		return nil, err
	}
	c, err := m.Strip(id)
	if err != nil {
		return nil, err
	}
	if i < 0 || i >= len(c.plugins) {
		return nil, fmt.Errorf("plugin %d: %w", i, ErrIndex)
	}
	p := c.plugins[i]
	c.plugins = slices.Delete(slices.Clone(c.plugins), i, i+1)
	m.changed()
	return p, nil
}

// MovePlugin moves plugin from to position to within a strip's chain.
func (m *Mixer) MovePlugin(id StripID, from, to int) error {
	if err := m.structural("move plugin"); err != nil {
		return err
	}
	c, err := m.Strip(id)
	if err != nil {
		return err
	}
	n := len(c.plugins)
	if from < 0 || from >= n || to < 0 || to >= n {
		return fmt.Errorf("move plugin %d to %d: %w", from, to, ErrIndex)
	}
	if from == to {
		return nil
	}
	plugins := slices.Clone(c.plugins)
	p := plugins[from]
	plugins = slices.Delete(plugins, from, from+1)
	c.plugins = slices.Insert(plugins, to, p)
	m.changed()
	return nil
}

// Snapshot records the current structure. Scalar settings are not part of
// it.
func (m *Mixer) Snapshot() *Snapshot {
	s := &Snapshot{
		bound:    m.bound,
		tracks:   m.tracks,
		channels: m.channels,
		buses:    m.buses,
		plugins:  map[*Channel][]mixdown.Plugin{},
		sends:    map[*Channel][]*Send{},
	}
	for _, c := range m.strips() {
		s.plugins[c] = c.plugins
		s.sends[c] = c.sends
	}
	return s
}

// Restore puts back the structure recorded by Snapshot. Structural edits
// never modify slices in place, so the recorded slices are still intact.
func (m *Mixer) Restore(s *Snapshot) error {
	if err := m.structural("restore"); err != nil {
		return err
	}
	m.bound, m.tracks, m.channels, m.buses = s.bound, s.tracks, s.channels, s.buses
	for c, p := range s.plugins {
		c.plugins = p
	}
	for c, sends := range s.sends {
		c.sends = sends
	}
	m.changed()
	return nil
}

func (m *Mixer) strips() []*Channel {
	ret := make([]*Channel, 0, len(m.channels)+len(m.buses)+1)
	ret = append(ret, m.channels...)
	for _, b := range m.buses {
		ret = append(ret, b.strip)
	}
	return append(ret, m.master)
}
