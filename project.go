package mixdown

type (
	// Project is the set of tracks the engine renders and the musical
	// settings it starts from.
	Project interface {
		Tracks() []Track
		Settings() ProjectSettings
		TransportPosition() float64
	}

	ProjectSettings struct {
		BPM           float64       `yaml:"bpm"`
		TimeSignature TimeSignature `yaml:"timeSignature"`
	}

	TimeSignature struct {
		Numerator   int `yaml:"numerator"`
		Denominator int `yaml:"denominator"`
	}

	// TransportState is a snapshot of the transport.
	TransportState struct {
		Playing       bool
		Recording     bool
		Looping       bool
		BPM           float64
		Position      float64
		LoopStart     float64
		LoopEnd       float64
		TimeSignature TimeSignature
	}

	// CPUInfo is the processing load of the audio callback, as a fraction of
	// the block's real-time budget.
	CPUInfo struct {
		CurrentLoad float64
		AverageLoad float64
		PeakLoad    float64
		XRuns       int
	}
)

func DefaultProjectSettings() ProjectSettings {
	return ProjectSettings{BPM: 120, TimeSignature: TimeSignature{4, 4}}
}
