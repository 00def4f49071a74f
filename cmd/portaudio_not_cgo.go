//go:build !cgo

package cmd

import (
	"errors"

	"github.com/mixdown/mixdown"
)

func newPortAudio(bool) (mixdown.AudioDevice, func(), error) {
	return nil, nil, errors.New("the portaudio backend needs a cgo build")
}
