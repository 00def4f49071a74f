package cmd

import (
	"github.com/mixdown/mixdown"
)

type (
	// MIDIHandler receives raw incoming MIDI messages.
	MIDIHandler interface {
		HandleMIDI(msg []byte)
	}

	// MIDIContext is the MIDI port I/O used by the commands.
	MIDIContext interface {
		Inputs() ([]string, error)
		Outputs() ([]string, error)
		OpenInputs(prefixes ...string) (int, error)
		OpenOutput(name string, virtual bool) error
		Forward(events <-chan mixdown.MIDIEvent)
		Close()
	}
)
