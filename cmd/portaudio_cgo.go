//go:build cgo

package cmd

import (
	"github.com/mixdown/mixdown"
	"github.com/mixdown/mixdown/portaudio"
)

func newPortAudio(lowLatency bool) (mixdown.AudioDevice, func(), error) {
	d, err := portaudio.New(lowLatency)
	if err != nil {
		return nil, nil, err
	}
	return d, func() { d.Terminate() }, nil
}
