package mixdown

import (
	"math"

	"github.com/viterin/vek/vek32"
)

type (
	// AudioBuffer is a planar buffer of float32 samples: one slice per
	// channel, all of the same length. Buffers are allocated once by
	// MakeAudioBuffer and then resized in place with Resize, so that the
	// audio thread never allocates.
	AudioBuffer [][]float32

	// AudioCallback is called by an AudioDevice once per block with the
	// device input and output channels. frames is the number of valid
	// samples in each channel slice.
	AudioCallback func(in, out [][]float32, frames int)

	// AudioDevice opens the audio hardware and delivers fixed-size blocks to
	// the callback set with SetCallback.
	AudioDevice interface {
		Open(settings DeviceSettings) error
		SetCallback(cb AudioCallback)
		Start() error
		Stop() error
		Close() error
		AvailableDevices() ([]string, error)
		CurrentDeviceName() string
	}

	// DeviceSettings are the parameters the audio device is opened with.
	// The mixer buffers are always allocated to match them.
	DeviceSettings struct {
		SampleRate     float64 `yaml:"sampleRate"`
		BlockSize      int     `yaml:"blockSize"`
		InputChannels  int     `yaml:"inputChannels"`
		OutputChannels int     `yaml:"outputChannels"`
		InputDevice    string  `yaml:"inputDevice,omitempty"`
		OutputDevice   string  `yaml:"outputDevice,omitempty"`
	}
)

func DefaultDeviceSettings() DeviceSettings {
	return DeviceSettings{
		SampleRate:     44100,
		BlockSize:      512,
		InputChannels:  2,
		OutputChannels: 2,
	}
}

// BufferChannels is the number of channels in the engine side buffers.
func (s DeviceSettings) BufferChannels() int {
	return max(s.InputChannels, s.OutputChannels)
}

// BlockDuration returns the real-time budget of one block in milliseconds.
func (s DeviceSettings) BlockDuration() float64 {
	if s.SampleRate <= 0 {
		return 0
	}
	return 1000 * float64(s.BlockSize) / s.SampleRate
}

// MakeAudioBuffer allocates a zeroed buffer.
func MakeAudioBuffer(channels, frames int) AudioBuffer {
	b := make(AudioBuffer, channels)
	for i := range b {
		b[i] = make([]float32, frames)
	}
	return b
}

func (b AudioBuffer) Channels() int {
	return len(b)
}

func (b AudioBuffer) Frames() int {
	if len(b) == 0 {
		return 0
	}
	return len(b[0])
}

// Resize changes the number of frames of every channel by reslicing within
// the allocated capacity. frames larger than the capacity are clamped.
func (b AudioBuffer) Resize(frames int) {
	for i := range b {
		n := min(frames, cap(b[i]))
		b[i] = b[i][:n]
	}
}

func (b AudioBuffer) Clear() {
	for _, c := range b {
		clear(c)
	}
}

// CopyFrom copies src into b; channels and frames missing from src are
// cleared.
func (b AudioBuffer) CopyFrom(src [][]float32) {
	for i, c := range b {
		if i >= len(src) {
			clear(c)
			continue
		}
		n := copy(c, src[i])
		clear(c[n:])
	}
}

func (b AudioBuffer) ApplyGain(gain float32) {
	if gain == 1 {
		return
	}
	for _, c := range b {
		vek32.MulNumber_Inplace(c, gain)
	}
}

// Mix adds src scaled by gain into dst. The channel count and the sample
// count are both clamped to the smaller of the two buffers.
func Mix(dst, src [][]float32, gain float32) {
	chans := min(len(dst), len(src))
	for c := 0; c < chans; c++ {
		n := min(len(dst[c]), len(src[c]))
		if n == 0 {
			continue
		}
		d, s := dst[c][:n], src[c][:n]
		if gain == 1 {
			vek32.Add_Inplace(d, s)
			continue
		}
		for i := range d {
			d[i] += s[i] * gain
		}
	}
}

// ApplyGainRamp multiplies numSamples frames starting at start with a gain
// moving linearly from startGain to endGain.
func (b AudioBuffer) ApplyGainRamp(start, numSamples int, startGain, endGain float32) {
	if numSamples <= 0 {
		return
	}
	step := (endGain - startGain) / float32(numSamples)
	for _, c := range b {
		end := min(start+numSamples, len(c))
		g := startGain
		for i := start; i < end; i++ {
			c[i] *= g
			g += step
		}
	}
}

// Crossfade fades b out and other in over the first length frames and
// leaves the result in b.
func (b AudioBuffer) Crossfade(other [][]float32, length int) {
	chans := min(len(b), len(other))
	for c := 0; c < chans; c++ {
		n := min(length, len(b[c]), len(other[c]))
		for i := 0; i < n; i++ {
			t := float32(i) / float32(length)
			b[c][i] = b[c][i]*(1-t) + other[c][i]*t
		}
	}
}

// Peak returns the maximum absolute sample over all channels.
func (b AudioBuffer) Peak() float32 {
	var peak float32
	for _, c := range b {
		if len(c) == 0 {
			continue
		}
		peak = max(peak, vek32.Max(c), -vek32.Min(c))
	}
	return peak
}

// RMS returns sqrt(mean(sample²)) over all channels.
func (b AudioBuffer) RMS() float32 {
	var sum float64
	var n int
	for _, c := range b {
		if len(c) == 0 {
			continue
		}
		sum += float64(vek32.Dot(c, c))
		n += len(c)
	}
	if n == 0 {
		return 0
	}
	return float32(math.Sqrt(sum / float64(n)))
}
