package mixdown

type (
	// Plugin is the capability set the mixer needs from an insert effect or
	// instrument, whatever backend implements it. Process runs on the audio
	// thread and must not allocate.
	Plugin interface {
		Info() PluginInfo
		Prepare(sampleRate float64, blockSize int)
		Process(audio AudioBuffer, midi *MIDIBuffer)
		Release()
		Bypassed() bool
		SetBypassed(bypassed bool)
		Parameters() []PluginParameter
		SetParameter(index int, value float32)
		State() ([]byte, error)
		SetState(data []byte) error
	}

	// PluginKind tags the backend a plugin comes from.
	PluginKind int

	PluginInfo struct {
		Kind       PluginKind
		ID         string
		Name       string
		Vendor     string
		Version    string
		Instrument bool
		Inputs     int
		Outputs    int
		Latency    int
	}

	PluginParameter struct {
		Name    string
		Value   float32
		Min     float32
		Max     float32
		Default float32
		Unit    string
	}
)

const (
	PluginInternal PluginKind = iota
	PluginVST3
	PluginAudioUnit
)

func (k PluginKind) String() string {
	switch k {
	case PluginInternal:
		return "internal"
	case PluginVST3:
		return "vst3"
	case PluginAudioUnit:
		return "au"
	}
	return "unknown"
}
