package cmd

import (
	"fmt"

	"github.com/mixdown/mixdown"
	"github.com/mixdown/mixdown/config"
	"github.com/mixdown/mixdown/oto"
)

// NewAudioDevice creates the device of the named backend. release frees the
// backend once the engine has shut down.
func NewAudioDevice(backend string, lowLatency bool) (dev mixdown.AudioDevice, release func(), err error) {
	switch backend {
	case config.BackendOto:
		return oto.New(), func() {}, nil
	case config.BackendPortAudio:
		return newPortAudio(lowLatency)
	}
	return nil, nil, fmt.Errorf("unknown audio backend %q", backend)
}
