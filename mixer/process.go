package mixer

import (
	"github.com/mixdown/mixdown"
)

// ProcessBlock renders one block into out. It is called from the audio
// thread: it never allocates and never blocks. Without a bound project or
// before Prepare, out is silenced.
//
// Channels are rendered first: track content, insert chain, gain and pan,
// metering, sends and the master sum. Buses follow in routing order, each
// summing its sources into its strip and feeding its output bus or master.
// The master strip is processed last and copied to out.
//
// Every channel gets its own copy of the block's MIDI input, which its
// track may add to; bus and master strips get no MIDI.
func (m *Mixer) ProcessBlock(out mixdown.AudioBuffer, midi *mixdown.MIDIBuffer) {
	if !m.prepared || !m.bound {
		out.Clear()
		return
	}
	frames := min(out.Frames(), m.blockSize)
	for _, b := range m.channelBufs {
		b.Resize(frames)
		b.Clear()
	}
	for _, b := range m.busBufs {
		b.Resize(frames)
		b.Clear()
	}
	m.masterBuf.Resize(frames)
	m.masterBuf.Clear()

	solo := m.soloActive()
	for i, c := range m.channels {
		if !m.isActive(i, solo) {
			c.silence()
			continue
		}
		buf := m.channelBufs[i]
		events := m.channelMIDI[i]
		events.Clear()
		if midi != nil {
			events.AddAll(midi, 0)
		}
		if t := m.track(i); t != nil {
			t.ProcessBlock(buf, events)
		}
		c.process(buf, events)
		for _, s := range c.sends {
			if s.bus >= 0 && s.bus < len(m.busBufs) {
				mixdown.Mix(m.busBufs[s.bus], buf, s.Level())
			}
		}
		mixdown.Mix(m.masterBuf, buf, 1)
	}

	for _, bi := range m.order {
		b := m.buses[bi]
		buf := m.busBufs[bi]
		for _, src := range b.sources {
			switch src.Kind {
			case SourceChannel:
				if src.Index < len(m.channelBufs) {
					mixdown.Mix(buf, m.channelBufs[src.Index], 1)
				}
			case SourceBus:
				if src.Index < len(m.busBufs) {
					mixdown.Mix(buf, m.busBufs[src.Index], 1)
				}
			}
		}
		if b.strip.mute.Load() {
			buf.Clear()
			b.strip.silence()
			continue
		}
		m.stripMIDI.Clear()
		b.strip.process(buf, m.stripMIDI)
		if b.output == MasterOutput {
			mixdown.Mix(m.masterBuf, buf, 1)
		} else if b.output >= 0 && b.output < len(m.busBufs) {
			mixdown.Mix(m.busBufs[b.output], buf, 1)
		}
	}

	if m.master.mute.Load() {
		m.masterBuf.Clear()
		m.master.silence()
	} else {
		m.stripMIDI.Clear()
		m.master.process(m.masterBuf, m.stripMIDI)
	}
	out.Resize(frames)
	out.CopyFrom(m.masterBuf)
}

// MasterBuffer returns the master output of the last processed block.
func (m *Mixer) MasterBuffer() mixdown.AudioBuffer {
	return m.masterBuf
}
