package mixer

import (
	"math"
	"sync/atomic"

	"github.com/mixdown/mixdown"
	"github.com/viterin/vek/vek32"
)

const (
	// MaxVolume is the largest linear channel gain, about +6 dB.
	MaxVolume = 2
)

type (
	// Channel is a mixer strip: gain, pan, mute, solo, bypass, an insert
	// chain of plugins, sends to buses and post-fader metering. The scalar
	// settings are atomics and can be changed while the audio thread runs;
	// the plugin chain and the sends are structural and only change while
	// the mixer is not prepared.
	Channel struct {
		volume atomicFloat32
		pan    atomicFloat32
		mute   atomic.Bool
		solo   atomic.Bool
		bypass atomic.Bool

		peak atomicFloat32
		rms  atomicFloat32

		plugins []mixdown.Plugin
		sends   []*Send

		// gains applied to the last block; audio thread only
		lastLeft, lastRight, lastVolume float32
	}

	// Send routes a scaled copy of a channel to a bus.
	Send struct {
		bus   int
		level atomicFloat32
	}

	atomicFloat32 struct{ bits atomic.Uint32 }
)

func (f *atomicFloat32) Load() float32   { return math.Float32frombits(f.bits.Load()) }
func (f *atomicFloat32) Store(v float32) { f.bits.Store(math.Float32bits(v)) }

func newChannel() *Channel {
	c := &Channel{}
	c.volume.Store(1)
	return c
}

func newSend(bus int, level float32) *Send {
	s := &Send{bus: bus}
	s.level.Store(clamp(level, 0, 1))
	return s
}

func (c *Channel) Volume() float32 { return c.volume.Load() }
func (c *Channel) Pan() float32    { return c.pan.Load() }
func (c *Channel) Mute() bool      { return c.mute.Load() }
func (c *Channel) Solo() bool      { return c.solo.Load() }
func (c *Channel) Bypass() bool    { return c.bypass.Load() }

// SetVolume sets the linear gain, clamped to [0, MaxVolume].
func (c *Channel) SetVolume(v float32) { c.volume.Store(clamp(v, 0, MaxVolume)) }

// SetPan sets the stereo position, clamped to [-1, 1].
func (c *Channel) SetPan(p float32)      { c.pan.Store(clamp(p, -1, 1)) }
func (c *Channel) SetMute(mute bool)     { c.mute.Store(mute) }
func (c *Channel) SetSolo(solo bool)     { c.solo.Store(solo) }
func (c *Channel) SetBypass(bypass bool) { c.bypass.Store(bypass) }
func (c *Channel) PeakLevel() float32    { return c.peak.Load() }
func (c *Channel) RMSLevel() float32     { return c.rms.Load() }
func (c *Channel) NumPlugins() int       { return len(c.plugins) }
func (c *Channel) Plugin(i int) mixdown.Plugin {
	if i < 0 || i >= len(c.plugins) {
		return nil
	}
	return c.plugins[i]
}

// Sends returns a copy of the channel's sends.
func (c *Channel) Sends() []*Send {
	return append([]*Send(nil), c.sends...)
}

func (s *Send) Bus() int           { return s.bus }
func (s *Send) Level() float32     { return s.level.Load() }
func (s *Send) SetLevel(l float32) { s.level.Store(clamp(l, 0, 1)) }

// process runs the insert chain, applies gain and pan and updates the meters.
func (c *Channel) process(buf mixdown.AudioBuffer, midi *mixdown.MIDIBuffer) {
	if !c.bypass.Load() {
		for _, p := range c.plugins {
			if !p.Bypassed() {
				p.Process(buf, midi)
			}
		}
	}
	l, r, vol := c.gains()
	if len(buf) >= 2 {
		applyGain(buf[0:1], c.lastLeft, l)
		applyGain(buf[1:2], c.lastRight, r)
		applyGain(buf[2:], c.lastVolume, vol)
	} else {
		applyGain(buf, c.lastVolume, vol)
	}
	c.lastLeft, c.lastRight, c.lastVolume = l, r, vol
	c.peak.Store(buf.Peak())
	c.rms.Store(buf.RMS())
}

// gains returns the left and right gains of the first two channels and the
// gain of any further channels.
func (c *Channel) gains() (left, right, volume float32) {
	volume = c.volume.Load()
	l, r := mixdown.PanGains(c.pan.Load())
	return volume * l, volume * r, volume
}

// applyGain scales buf by to, ramping from the previous block's gain when
// the setting changed so that the change does not click.
func applyGain(buf mixdown.AudioBuffer, from, to float32) {
	if from == to {
		for _, ch := range buf {
			vek32.MulNumber_Inplace(ch, to)
		}
		return
	}
	buf.ApplyGainRamp(0, buf.Frames(), from, to)
}

func (c *Channel) silence() {
	c.peak.Store(0)
	c.rms.Store(0)
}

func (c *Channel) prepare(sampleRate float64, blockSize int) {
	c.lastLeft, c.lastRight, c.lastVolume = c.gains()
	for _, p := range c.plugins {
		p.Prepare(sampleRate, blockSize)
	}
}

func (c *Channel) release() {
	for _, p := range c.plugins {
		p.Release()
	}
	c.silence()
}

func clamp(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
