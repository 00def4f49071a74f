package mixdown

type (
	// Track is the per-track content source. The mixer calls ProcessBlock
	// once per block with a cleared buffer; the track fills it with its
	// rendered audio and may read or add events in midi.
	Track interface {
		Name() string
		Type() TrackType
		ProcessBlock(audio AudioBuffer, midi *MIDIBuffer)
		Parameters() TrackParameters
		SetParameters(p TrackParameters)
	}

	// SequenceAppender is implemented by tracks that accept recorded MIDI.
	// startTime is the transport position the recording began at.
	SequenceAppender interface {
		AppendSequence(seq Sequence, startTime float64)
	}

	// RangeClearer is implemented by tracks that can drop their MIDI content
	// between two transport positions, used when recording in replace mode.
	RangeClearer interface {
		ClearRange(start, end float64)
	}

	// InputSource gives tracks the device input of the block being
	// processed. The buffer is only valid on the audio thread.
	InputSource interface {
		Input() AudioBuffer
	}

	// Preparer is implemented by tracks that need to know the stream format
	// before the first block.
	Preparer interface {
		Prepare(sampleRate float64, blockSize int)
	}

	TrackType int

	TrackParameters struct {
		Volume     float32 `yaml:"volume"`
		Pan        float32 `yaml:"pan"`
		Mute       bool    `yaml:"mute,omitempty"`
		Solo       bool    `yaml:"solo,omitempty"`
		Record     bool    `yaml:"record,omitempty"`
		Monitoring bool    `yaml:"monitoring,omitempty"`
	}
)

const (
	TrackAudio TrackType = iota
	TrackMIDI
	TrackBus
	TrackMaster
)

func DefaultTrackParameters() TrackParameters {
	return TrackParameters{Volume: 1}
}

func (t TrackType) String() string {
	switch t {
	case TrackAudio:
		return "audio"
	case TrackMIDI:
		return "midi"
	case TrackBus:
		return "bus"
	case TrackMaster:
		return "master"
	}
	return "unknown"
}
