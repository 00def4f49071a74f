package sequencer

import (
	"fmt"
	"math"

	"github.com/mixdown/mixdown"
)

// MMCCommand is a MIDI Machine Control command byte.
type MMCCommand byte

const (
	MMCStop         MMCCommand = 0x01
	MMCPlay         MMCCommand = 0x02
	MMCRecordStrobe MMCCommand = 0x06
	MMCPause        MMCCommand = 0x09
)

const (
	clockByte        = 0xF8
	quarterFrameByte = 0xF1
	clocksPerBeat    = 24
)

// discontinuity is the largest gap between the end of one block and the
// start of the next that still counts as continuous playback.
const discontinuity = 1e-6

// Timecode is an SMPTE position.
type Timecode struct {
	Hours, Minutes, Seconds, Frames int
}

func (t Timecode) String() string {
	return fmt.Sprintf("%02d:%02d:%02d:%02d", t.Hours, t.Minutes, t.Seconds, t.Frames)
}

// TimecodeAt converts seconds to a timecode in the given format. Drop frame
// timecode skips frame numbers 0 and 1 at the start of every minute except
// every tenth. Hours wrap at 24.
func TimecodeAt(seconds float64, format MTCFormat) Timecode {
	if seconds < 0 {
		seconds = 0
	}
	n := int(math.Floor(seconds*format.FrameRate() + 1e-9))
	fps := format.nominal()
	if format == MTC30Drop {
		const perTenMinutes, perMinute = 17982, 1798
		d, m := n/perTenMinutes, n%perTenMinutes
		n += 18 * d
		if m >= 2 {
			n += 2 * ((m - 2) / perMinute)
		}
	}
	return Timecode{
		Hours:   n / (fps * 3600) % 24,
		Minutes: n / (fps * 60) % 60,
		Seconds: n / fps % 60,
		Frames:  n % fps,
	}
}

func TimecodeString(seconds float64, format MTCFormat) string {
	return TimecodeAt(seconds, format).String()
}

// FullFrame returns the MTC full frame SysEx F0 7F 7F 01 01 hh mm ss ff F7
// for t, with the rate in the top bits of hh.
func FullFrame(t Timecode, format MTCFormat) mixdown.MIDIEvent {
	e, _ := mixdown.SysEx(0x7F, 0x7F, 0x01, 0x01,
		byte(format)<<5|byte(t.Hours&0x1F),
		byte(t.Minutes&0x3F),
		byte(t.Seconds&0x3F),
		byte(t.Frames&0x1F))
	return e
}

// QuarterFrame returns quarter frame message piece (0..7) of t: F1 0nnndddd.
func QuarterFrame(t Timecode, format MTCFormat, piece int) mixdown.MIDIEvent {
	var d byte
	switch piece & 7 {
	case 0:
		d = byte(t.Frames) & 0x0F
	case 1:
		d = byte(t.Frames>>4) & 0x01
	case 2:
		d = byte(t.Seconds) & 0x0F
	case 3:
		d = byte(t.Seconds>>4) & 0x03
	case 4:
		d = byte(t.Minutes) & 0x0F
	case 5:
		d = byte(t.Minutes>>4) & 0x03
	case 6:
		d = byte(t.Hours) & 0x0F
	case 7:
		d = byte(t.Hours>>4)&0x01 | byte(format)<<1
	}
	return mixdown.MIDIEvent{Len: 2, Data: [mixdown.MaxMIDIEventSize]byte{quarterFrameByte, byte(piece&7)<<4 | d}}
}

// MMC returns the MIDI Machine Control message F0 7F 7F 06 cmd F7 addressed
// to all devices.
func MMC(cmd MMCCommand) mixdown.MIDIEvent {
	e, _ := mixdown.SysEx(0x7F, 0x7F, 0x06, byte(cmd))
	return e
}

// ClockInterval is the time between MIDI clock pulses, 24 per beat.
func ClockInterval(bpm float64) float64 {
	return 60 / (bpm * clocksPerBeat)
}

// block describes the span of transport time an audio block covers.
type block struct {
	position   float64
	sampleRate float64
	frames     int
}

func (b block) end() float64 {
	return b.position + float64(b.frames)/b.sampleRate
}

// frameOf returns the sample offset of transport time t within the block.
func (b block) frameOf(t float64) int {
	f := int(math.Round((t - b.position) * b.sampleRate))
	return min(max(f, 0), b.frames-1)
}

// clockGenerator emits MIDI clock pulses on the beat grid. After a seek or a
// loop wrap the next pulse is realigned to the grid.
type clockGenerator struct {
	next    float64
	lastEnd float64
	running bool
}

func (g *clockGenerator) reset() { g.running = false }

func (g *clockGenerator) generate(out *mixdown.MIDIBuffer, b block, bpm float64) {
	if bpm <= 0 || b.frames <= 0 || b.sampleRate <= 0 {
		return
	}
	interval := ClockInterval(bpm)
	if !g.running || math.Abs(b.position-g.lastEnd) > discontinuity {
		g.next = math.Ceil(b.position/interval-1e-9) * interval
		g.running = true
	}
	end := b.end()
	for g.next < end {
		out.Add(mixdown.MIDIEvent{Frame: b.frameOf(g.next), Len: 1, Data: [mixdown.MaxMIDIEventSize]byte{clockByte}})
		g.next += interval
	}
	g.lastEnd = end
}

// mtcGenerator emits quarter frame messages, eight per two frames, starting
// each cycle of eight on an even frame. After a discontinuity it sends a
// full frame message first.
type mtcGenerator struct {
	next    int64 // index of the next quarter frame since zero
	lastEnd float64
	running bool
	format  MTCFormat
}

func (g *mtcGenerator) reset() { g.running = false }

func (g *mtcGenerator) generate(out *mixdown.MIDIBuffer, b block, format MTCFormat) {
	if b.frames <= 0 || b.sampleRate <= 0 {
		return
	}
	qfRate := 4 * format.FrameRate()
	if !g.running || format != g.format || math.Abs(b.position-g.lastEnd) > discontinuity {
		out.Add(withFrame(FullFrame(TimecodeAt(b.position, format), format), 0))
		q := int64(math.Ceil(b.position*qfRate - 1e-9))
		g.next = (q + 7) / 8 * 8
		g.format = format
		g.running = true
	}
	end := b.end()
	for {
		t := float64(g.next) / qfRate
		if t >= end {
			break
		}
		piece := int(g.next % 8)
		// every piece of a cycle describes the frame the cycle started on
		start := float64(g.next-int64(piece)) / qfRate
		out.Add(withFrame(QuarterFrame(TimecodeAt(start, format), format, piece), b.frameOf(t)))
		g.next++
	}
	g.lastEnd = end
}

func withFrame(e mixdown.MIDIEvent, frame int) mixdown.MIDIEvent {
	e.Frame = frame
	return e
}
