package session

import (
	"fmt"
	"math"
	"os"
	"sync/atomic"

	"github.com/mitchellh/go-homedir"
	"github.com/mixdown/mixdown"
)

type (
	// AudioInputTrack plays the device input while it is monitored or
	// armed. Input channel firstChannel goes to the left output and the
	// next one, if any, to the right.
	AudioInputTrack struct {
		trackBase
		source       mixdown.InputSource
		firstChannel int
	}

	// AudioFileTrack plays a decoded audio file starting at Offset seconds
	// into the transport, resampled linearly to the device rate. A mono
	// file plays on both channels.
	AudioFileTrack struct {
		trackBase
		clock      Clock
		data       mixdown.AudioBuffer
		fileRate   float64
		offset     atomic.Uint64
		sampleRate float64
	}
)

func NewAudioInputTrack(name string, source mixdown.InputSource, firstChannel int) *AudioInputTrack {
	t := &AudioInputTrack{source: source, firstChannel: max(firstChannel, 0)}
	t.init(name, mixdown.TrackAudio)
	return t
}

func (t *AudioInputTrack) ProcessBlock(audio mixdown.AudioBuffer, midi *mixdown.MIDIBuffer) {
	if t.source == nil || !t.live() {
		return
	}
	in := t.source.Input()
	if t.firstChannel >= len(in) {
		return
	}
	in = in[t.firstChannel:]
	for c := range audio {
		copy(audio[c], in[min(c, len(in)-1)])
	}
}

func NewAudioFileTrack(name string, data mixdown.AudioBuffer, fileRate float64, clock Clock) *AudioFileTrack {
	t := &AudioFileTrack{data: data, fileRate: fileRate, clock: clock}
	t.init(name, mixdown.TrackAudio)
	return t
}

// LoadAudioFile decodes the WAV file at path into a new track.
func LoadAudioFile(name, path string, clock Clock) (*AudioFileTrack, error) {
	p, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("expand %s: %w", path, err)
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data, rate, err := mixdown.ReadWav(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return NewAudioFileTrack(name, data, float64(rate), clock), nil
}

// Duration is the length of the file in seconds.
func (t *AudioFileTrack) Duration() float64 {
	if t.fileRate <= 0 {
		return 0
	}
	return mixdown.SamplesToTime(int64(t.data.Frames()), t.fileRate)
}

func (t *AudioFileTrack) Offset() float64 {
	return math.Float64frombits(t.offset.Load())
}

func (t *AudioFileTrack) SetOffset(seconds float64) {
	t.offset.Store(math.Float64bits(seconds))
}

func (t *AudioFileTrack) Prepare(sampleRate float64, blockSize int) {
	t.sampleRate = sampleRate
}

func (t *AudioFileTrack) ProcessBlock(audio mixdown.AudioBuffer, midi *mixdown.MIDIBuffer) {
	n := t.data.Frames()
	if t.clock == nil || t.sampleRate <= 0 || t.fileRate <= 0 || n == 0 {
		return
	}
	step := t.fileRate / t.sampleRate
	start := (t.clock.Position() - t.Offset()) * t.fileRate
	for f := range audio.Frames() {
		src := start + float64(f)*step
		if src < 0 {
			continue
		}
		i := int(src)
		if i >= n {
			break
		}
		frac := float32(src - float64(i))
		for c := range audio {
			ch := t.data[min(c, len(t.data)-1)]
			x := ch[i]
			if i+1 < n {
				x += (ch[i+1] - x) * frac
			}
			audio[c][f] = x
		}
	}
}
