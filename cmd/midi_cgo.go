//go:build cgo

package cmd

import (
	"github.com/mixdown/mixdown/gomidi"
	"github.com/sirupsen/logrus"
)

func NewMIDIContext(handler MIDIHandler, log logrus.FieldLogger) MIDIContext {
	return gomidi.NewContext(handler, log)
}
