// Package portaudio is a duplex mixdown.AudioDevice over PortAudio. Streams
// are opened non-interleaved, so the callback gets the device buffers
// directly.
package portaudio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/mixdown/mixdown"
)

type Device struct {
	mu       sync.Mutex
	callback mixdown.AudioCallback
	stream   *portaudio.Stream
	name     string
	lowLat   bool
}

// New initializes PortAudio. Terminate must be called when the device is no
// longer needed. With lowLatency the devices' low latency defaults are used
// instead of the high ones.
func New(lowLatency bool) (*Device, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("cannot initialize portaudio: %w", err)
	}
	return &Device{lowLat: lowLatency}, nil
}

func (d *Device) Terminate() error {
	d.Close()
	return portaudio.Terminate()
}

func (d *Device) SetCallback(cb mixdown.AudioCallback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.callback = cb
}

func (d *Device) Open(s mixdown.DeviceSettings) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stream != nil {
		return errors.New("already open")
	}
	params := portaudio.StreamParameters{
		SampleRate:      s.SampleRate,
		FramesPerBuffer: s.BlockSize,
	}
	var names []string
	if s.InputChannels > 0 {
		dev, err := findDevice(s.InputDevice, true)
		if err != nil {
			return err
		}
		if dev.MaxInputChannels < s.InputChannels {
			return fmt.Errorf("%s has %d inputs, %d requested", dev.Name, dev.MaxInputChannels, s.InputChannels)
		}
		params.Input = portaudio.StreamDeviceParameters{Device: dev, Channels: s.InputChannels, Latency: dev.DefaultHighInputLatency}
		if d.lowLat {
			params.Input.Latency = dev.DefaultLowInputLatency
		}
		names = append(names, dev.Name)
	}
	if s.OutputChannels > 0 {
		dev, err := findDevice(s.OutputDevice, false)
		if err != nil {
			return err
		}
		if dev.MaxOutputChannels < s.OutputChannels {
			return fmt.Errorf("%s has %d outputs, %d requested", dev.Name, dev.MaxOutputChannels, s.OutputChannels)
		}
		params.Output = portaudio.StreamDeviceParameters{Device: dev, Channels: s.OutputChannels, Latency: dev.DefaultHighOutputLatency}
		if d.lowLat {
			params.Output.Latency = dev.DefaultLowOutputLatency
		}
		if len(names) == 0 || names[0] != dev.Name {
			names = append(names, dev.Name)
		}
	}
	if len(names) == 0 {
		return errors.New("no channels requested")
	}
	stream, err := portaudio.OpenStream(params, d.process)
	if err != nil {
		return err
	}
	d.stream = stream
	d.name = names[0]
	if len(names) > 1 {
		d.name = names[0] + " / " + names[1]
	}
	return nil
}

// process runs on the PortAudio thread.
func (d *Device) process(in, out [][]float32) {
	frames := 0
	switch {
	case len(out) > 0:
		frames = len(out[0])
	case len(in) > 0:
		frames = len(in[0])
	}
	if d.callback != nil {
		d.callback(in, out, frames)
	}
}

func (d *Device) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stream == nil {
		return errors.New("not open")
	}
	return d.stream.Start()
}

func (d *Device) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stream == nil {
		return nil
	}
	return d.stream.Stop()
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stream == nil {
		return nil
	}
	err := d.stream.Close()
	d.stream, d.name = nil, ""
	return err
}

func (d *Device) AvailableDevices() ([]string, error) {
	devs, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	names := make([]string, len(devs))
	for i, dev := range devs {
		names[i] = dev.Name
	}
	return names, nil
}

func (d *Device) CurrentDeviceName() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.name
}

// findDevice returns the first device whose name starts with query and has
// channels in the wanted direction, or the default device for an empty
// query.
func findDevice(query string, input bool) (*portaudio.DeviceInfo, error) {
	if query == "" {
		if input {
			return portaudio.DefaultInputDevice()
		}
		return portaudio.DefaultOutputDevice()
	}
	devs, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	for _, dev := range devs {
		if input && dev.MaxInputChannels == 0 || !input && dev.MaxOutputChannels == 0 {
			continue
		}
		if mixdown.MatchDeviceName(dev.Name, query) {
			return dev, nil
		}
	}
	return nil, fmt.Errorf("no audio device matching %q", query)
}
