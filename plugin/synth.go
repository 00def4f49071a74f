package plugin

import (
	"math"

	"github.com/mixdown/mixdown"
)

const SynthID = "synth"

// Synth parameters.
const (
	SynthWaveform = iota // 0 sine, 1 saw, 2 square, 3 triangle
	SynthAttack          // s
	SynthDecay           // s
	SynthSustain         // 0..1
	SynthRelease         // s
	SynthGain            // dB
)

const (
	WaveSine = iota
	WaveSaw
	WaveSquare
	WaveTriangle
)

// MaxVoices is the polyphony of the synth.
const MaxVoices = 16

type (
	// Synth is a polyphonic subtractive-style instrument: one oscillator
	// and an ADSR envelope per voice. It adds its output to the buffer.
	Synth struct {
		base
		sampleRate float64
		voices     [MaxVoices]voice
	}

	voice struct {
		channel, note uint8
		held          bool
		stage         envStage
		level         float64
		gain          float64
		phase, step   float64
		age           int
	}

	envStage int
)

const (
	stageOff envStage = iota
	stageAttack
	stageDecay
	stageSustain
	stageRelease
)

func NewSynth() *Synth {
	s := &Synth{}
	s.init(
		mixdown.PluginInfo{ID: SynthID, Name: "Synth", Version: "1.0", Instrument: true, Outputs: 2},
		mixdown.PluginParameter{Name: "waveform", Min: 0, Max: 3, Default: WaveSaw},
		mixdown.PluginParameter{Name: "attack", Min: 0.001, Max: 5, Default: 0.005, Unit: "s"},
		mixdown.PluginParameter{Name: "decay", Min: 0.001, Max: 5, Default: 0.2, Unit: "s"},
		mixdown.PluginParameter{Name: "sustain", Min: 0, Max: 1, Default: 0.7},
		mixdown.PluginParameter{Name: "release", Min: 0.001, Max: 10, Default: 0.3, Unit: "s"},
		mixdown.PluginParameter{Name: "gain", Min: -60, Max: 12, Default: -12, Unit: "dB"},
	)
	return s
}

func (s *Synth) Prepare(sampleRate float64, blockSize int) {
	s.sampleRate = sampleRate
	s.voices = [MaxVoices]voice{}
}

func (s *Synth) Release() {
	s.voices = [MaxVoices]voice{}
}

// ActiveVoices returns the number of voices that are sounding.
func (s *Synth) ActiveVoices() int {
	n := 0
	for i := range s.voices {
		if s.voices[i].stage != stageOff {
			n++
		}
	}
	return n
}

// Process handles the note events of midi at their frames and adds the
// rendered voices to audio.
func (s *Synth) Process(audio mixdown.AudioBuffer, midi *mixdown.MIDIBuffer) {
	if s.sampleRate <= 0 || len(audio) == 0 {
		return
	}
	frames := audio.Frames()
	var events []mixdown.MIDIEvent
	if midi != nil {
		events = midi.Events()
	}
	next := 0
	for frame := 0; frame < frames; {
		for next < len(events) && events[next].Frame <= frame {
			s.handle(&events[next])
			next++
		}
		end := frames
		if next < len(events) {
			end = min(max(events[next].Frame, frame+1), frames)
		}
		s.render(audio, frame, end)
		frame = end
	}
	for ; next < len(events); next++ {
		s.handle(&events[next])
	}
}

func (s *Synth) handle(e *mixdown.MIDIEvent) {
	switch {
	case e.IsNoteOn():
		s.trigger(e.Channel(), e.Note(), e.Velocity())
	case e.IsNoteOff():
		s.release(e.Channel(), e.Note())
	case e.IsController() && (e.Data[1] == 120 || e.Data[1] == 123):
		for i := range s.voices {
			if e.Data[1] == 120 {
				s.voices[i].stage = stageOff
			} else if s.voices[i].held {
				s.voices[i].held = false
				s.voices[i].stage = stageRelease
			}
		}
	}
}

// trigger starts a voice for the note. A released voice is preferred over
// one still held; among equals the oldest is taken.
func (s *Synth) trigger(channel, note, velocity uint8) {
	s.release(channel, note)
	best, bestReleased, bestAge := 0, false, -1
	for i := range s.voices {
		v := &s.voices[i]
		age := v.age
		if v.stage == stageOff {
			age = math.MaxInt
		}
		if released := !v.held; released && !bestReleased || released == bestReleased && age >= bestAge {
			best, bestReleased, bestAge = i, released, age
		}
	}
	freq := 440 * math.Pow(2, (float64(note)-69)/12)
	s.voices[best] = voice{
		channel: channel,
		note:    note,
		held:    true,
		stage:   stageAttack,
		gain:    float64(mixdown.VelocityToGain(velocity)),
		step:    freq / s.sampleRate,
	}
}

func (s *Synth) release(channel, note uint8) {
	for i := range s.voices {
		v := &s.voices[i]
		if v.held && v.channel == channel && v.note == note {
			v.held = false
			v.stage = stageRelease
			v.age = 0
		}
	}
}

func (s *Synth) render(audio mixdown.AudioBuffer, from, to int) {
	wave := int(s.param(SynthWaveform) + 0.5)
	sr := s.sampleRate
	attack := 1 / (float64(s.param(SynthAttack)) * sr)
	decay := 1 / (float64(s.param(SynthDecay)) * sr)
	sustain := float64(s.param(SynthSustain))
	release := 1 / (float64(s.param(SynthRelease)) * sr)
	gain := float64(mixdown.DBToGain(s.param(SynthGain)))
	for i := range s.voices {
		v := &s.voices[i]
		if v.stage == stageOff {
			continue
		}
		for f := from; f < to; f++ {
			switch v.stage {
			case stageAttack:
				if v.level += attack; v.level >= 1 {
					v.level, v.stage = 1, stageDecay
				}
			case stageDecay:
				if v.level -= decay; v.level <= sustain {
					v.level, v.stage = sustain, stageSustain
				}
			case stageRelease:
				if v.level -= release; v.level <= 0 {
					v.level, v.stage = 0, stageOff
				}
			}
			x := float32(oscillator(wave, v.phase) * v.level * v.gain * gain)
			for _, c := range audio {
				c[f] += x
			}
			if v.phase += v.step; v.phase >= 1 {
				v.phase -= 1
			}
			if v.stage == stageOff {
				break
			}
		}
		v.age += to - from
	}
}

func oscillator(wave int, phase float64) float64 {
	switch wave {
	case WaveSaw:
		return 2*phase - 1
	case WaveSquare:
		if phase < 0.5 {
			return 1
		}
		return -1
	case WaveTriangle:
		return 1 - 4*math.Abs(phase-0.5)
	}
	return math.Sin(2 * math.Pi * phase)
}
