package mixdown

import (
	"errors"
	"fmt"
)

// ErrNotInitialized is returned by engine operations that need an open
// device.
var ErrNotInitialized = errors.New("audio engine not initialized")

// DeviceError is returned when the audio device cannot be opened or
// configured.
type DeviceError struct {
	Op     string
	Device string
	Err    error
}

func (e *DeviceError) Error() string {
	if e.Device == "" {
		return fmt.Sprintf("audio device %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("audio device %q %s: %v", e.Device, e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}
