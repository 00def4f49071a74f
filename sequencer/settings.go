package sequencer

import (
	"fmt"
	"math/bits"
	"strconv"

	"gopkg.in/yaml.v3"
)

type (
	// Settings holds everything that controls how incoming MIDI is admitted
	// and recorded, and what is sent out. Settings is comparable.
	Settings struct {
		Record   RecordSettings   `yaml:"record"`
		Playback PlaybackSettings `yaml:"playback"`
	}

	RecordSettings struct {
		QuantizeInput bool       `yaml:"quantizeInput"`
		QuantizeGrid  float64    `yaml:"quantizeGrid"` // seconds
		AutoQuantize  bool       `yaml:"autoQuantize"`
		Mode          RecordMode `yaml:"mode"`

		VelocityMode  VelocityMode `yaml:"velocityMode"`
		VelocityValue uint8        `yaml:"velocityValue"`
		VelocityScale float64      `yaml:"velocityScale"`

		FilterChannels bool       `yaml:"filterChannels"`
		ActiveChannels ChannelSet `yaml:"activeChannels"`
		FilterNotes    bool       `yaml:"filterNotes"`
		ActiveNotes    NoteSet    `yaml:"activeNotes"`
	}

	PlaybackSettings struct {
		Thru               bool      `yaml:"thru"`
		SendClock          bool      `yaml:"sendClock"`
		SendMTC            bool      `yaml:"sendMTC"`
		MTCFormat          MTCFormat `yaml:"mtcFormat"`
		SendMMC            bool      `yaml:"sendMMC"`
		SendProgramChanges bool      `yaml:"sendProgramChanges"`
		SendControlChanges bool      `yaml:"sendControlChanges"`
		SendSysEx          bool      `yaml:"sendSysEx"`
	}

	// RecordMode decides what happens to the events a take covers.
	RecordMode int

	VelocityMode int

	// MTCFormat selects the MIDI time code frame rate.
	MTCFormat int

	// ChannelSet is a set of MIDI channels 0..15.
	ChannelSet uint16

	// NoteSet is a set of MIDI note numbers 0..127.
	NoteSet [2]uint64
)

const (
	// RecordOverdub merges the take with the existing events.
	RecordOverdub RecordMode = iota
	// RecordReplace drops the existing events in the span of the take.
	RecordReplace
)

const (
	VelocityAsPlayed VelocityMode = iota
	VelocityFixed
	VelocityScaled
)

const (
	MTC24 MTCFormat = iota
	MTC25
	MTC30Drop
	MTC30
)

const (
	AllChannels ChannelSet = 0xFFFF
)

var AllNotes = NoteSet{^uint64(0), ^uint64(0)}

func DefaultSettings() Settings {
	return Settings{
		Record: RecordSettings{
			QuantizeGrid:   0.25,
			VelocityValue:  100,
			VelocityScale:  1,
			ActiveChannels: AllChannels,
			ActiveNotes:    AllNotes,
		},
		Playback: PlaybackSettings{
			Thru:               true,
			MTCFormat:          MTC25,
			SendProgramChanges: true,
			SendControlChanges: true,
			SendSysEx:          true,
		},
	}
}

func (m RecordMode) String() string {
	switch m {
	case RecordOverdub:
		return "overdub"
	case RecordReplace:
		return "replace"
	}
	return fmt.Sprintf("RecordMode(%d)", int(m))
}

func (m VelocityMode) String() string {
	switch m {
	case VelocityAsPlayed:
		return "as played"
	case VelocityFixed:
		return "fixed"
	case VelocityScaled:
		return "scaled"
	}
	return fmt.Sprintf("VelocityMode(%d)", int(m))
}

// apply transforms the velocity of a recorded note on. The result stays in
// 1..127 so that a note on never turns into a note off.
func (r *RecordSettings) apply(velocity uint8) uint8 {
	var v float64
	switch r.VelocityMode {
	case VelocityFixed:
		v = float64(r.VelocityValue)
	case VelocityScaled:
		v = float64(velocity) * r.VelocityScale
	default:
		return velocity
	}
	return uint8(min(max(v, 1), 127))
}

// FrameRate returns the real frame rate; 30 drop frame runs at 29.97.
func (f MTCFormat) FrameRate() float64 {
	switch f {
	case MTC24:
		return 24
	case MTC30Drop:
		return 30000.0 / 1001.0
	case MTC30:
		return 30
	}
	return 25
}

// nominal is the frame count per timecode second.
func (f MTCFormat) nominal() int {
	switch f {
	case MTC24:
		return 24
	case MTC30Drop, MTC30:
		return 30
	}
	return 25
}

func (f MTCFormat) String() string {
	switch f {
	case MTC24:
		return "24"
	case MTC25:
		return "25"
	case MTC30Drop:
		return "30-drop"
	case MTC30:
		return "30"
	}
	return fmt.Sprintf("MTCFormat(%d)", int(f))
}

func (f MTCFormat) valid() bool {
	return f >= MTC24 && f <= MTC30
}

func (c ChannelSet) Has(ch uint8) bool {
	return ch < 16 && c&(1<<ch) != 0
}

func (c ChannelSet) With(ch uint8, on bool) ChannelSet {
	if ch >= 16 {
		return c
	}
	if on {
		return c | 1<<ch
	}
	return c &^ (1 << ch)
}

func (c ChannelSet) Len() int { return bits.OnesCount16(uint16(c)) }

func (n NoteSet) Has(note uint8) bool {
	return note < 128 && n[note/64]&(1<<(note%64)) != 0
}

func (n NoteSet) With(note uint8, on bool) NoteSet {
	if note >= 128 {
		return n
	}
	if on {
		n[note/64] |= 1 << (note % 64)
	} else {
		n[note/64] &^= 1 << (note % 64)
	}
	return n
}

func (n NoteSet) Len() int {
	return bits.OnesCount64(n[0]) + bits.OnesCount64(n[1])
}

// String encodes the set as 32 hex digits, highest notes first.
func (n NoteSet) String() string {
	return fmt.Sprintf("%016x%016x", n[1], n[0])
}

func ParseNoteSet(s string) (NoteSet, error) {
	if len(s) != 32 {
		return NoteSet{}, fmt.Errorf("note set %q: want 32 hex digits", s)
	}
	hi, err := strconv.ParseUint(s[:16], 16, 64)
	if err != nil {
		return NoteSet{}, fmt.Errorf("note set %q: %w", s, err)
	}
	lo, err := strconv.ParseUint(s[16:], 16, 64)
	if err != nil {
		return NoteSet{}, fmt.Errorf("note set %q: %w", s, err)
	}
	return NoteSet{lo, hi}, nil
}

func (n NoteSet) MarshalYAML() (any, error) {
	return n.String(), nil
}

func (n *NoteSet) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	ns, err := ParseNoteSet(s)
	if err != nil {
		return err
	}
	*n = ns
	return nil
}
