//go:build !cgo

package cmd

import (
	"errors"

	"github.com/mixdown/mixdown"
	"github.com/sirupsen/logrus"
)

var errNoMIDI = errors.New("MIDI needs a cgo build")

// NullMIDIContext has no ports.
type NullMIDIContext struct{}

func NewMIDIContext(handler MIDIHandler, log logrus.FieldLogger) MIDIContext {
	// with no cgo, we cannot use MIDI, so return a null context
	return NullMIDIContext{}
}

func (NullMIDIContext) Inputs() ([]string, error)         { return nil, errNoMIDI }
func (NullMIDIContext) Outputs() ([]string, error)        { return nil, errNoMIDI }
func (NullMIDIContext) OpenInputs(...string) (int, error) { return 0, errNoMIDI }
func (NullMIDIContext) OpenOutput(string, bool) error     { return errNoMIDI }
func (NullMIDIContext) Forward(<-chan mixdown.MIDIEvent)  {}
func (NullMIDIContext) Close()                            {}
