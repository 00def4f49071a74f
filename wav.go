package mixdown

import (
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WriteWav encodes buffer as an interleaved integer PCM wave file. bitDepth
// is 16 or 24.
func WriteWav(w io.WriteSeeker, buffer AudioBuffer, sampleRate, bitDepth int) error {
	if bitDepth != 16 && bitDepth != 24 {
		return fmt.Errorf("unsupported bit depth %d", bitDepth)
	}
	chans, frames := buffer.Channels(), buffer.Frames()
	if chans == 0 {
		return errors.New("cannot write a wave file with no channels")
	}
	scale := float64(int(1)<<(bitDepth-1) - 1)
	data := make([]int, chans*frames)
	for f := 0; f < frames; f++ {
		for c := 0; c < chans; c++ {
			v := min(max(float64(buffer[c][f]), -1), 1)
			data[f*chans+c] = int(math.Round(v * scale))
		}
	}
	enc := wav.NewEncoder(w, sampleRate, bitDepth, chans, 1)
	intBuf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: chans, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: bitDepth,
	}
	if err := enc.Write(intBuf); err != nil {
		return fmt.Errorf("could not write wave data: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("could not finalize wave file: %w", err)
	}
	return nil
}

// ReadWav decodes a PCM wave file into a planar buffer.
func ReadWav(r io.ReadSeeker) (buffer AudioBuffer, sampleRate int, err error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, 0, errors.New("not a valid wave file")
	}
	pcm, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("could not decode wave data: %w", err)
	}
	chans := int(dec.NumChans)
	if chans == 0 || dec.BitDepth == 0 {
		return nil, 0, errors.New("wave file has no channels or unknown bit depth")
	}
	scale := float32(math.Pow(2, float64(dec.BitDepth-1)))
	frames := len(pcm.Data) / chans
	buffer = MakeAudioBuffer(chans, frames)
	for f := 0; f < frames; f++ {
		for c := 0; c < chans; c++ {
			buffer[c][f] = float32(pcm.Data[f*chans+c]) / scale
		}
	}
	return buffer, int(dec.SampleRate), nil
}
