// Package oto is an output-only mixdown.AudioDevice over ebitengine/oto;
// the input channels it delivers are silent. The player pulls interleaved
// float32 samples from the device, which runs the callback one block at a
// time to produce them.
package oto

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/mixdown/mixdown"
)

const deviceName = "default"

var (
	contextMu       sync.Mutex
	context         *oto.Context
	contextRate     int
	contextChannels int
)

type Device struct {
	mu       sync.Mutex
	settings mixdown.DeviceSettings
	callback mixdown.AudioCallback
	player   *oto.Player
	running  atomic.Bool

	// owned by the player goroutine while open
	in, out mixdown.AudioBuffer
	block   []byte
	pos     int
}

func New() *Device {
	return &Device{}
}

// sharedContext returns the process-wide oto context, creating it on first
// use. oto allows one context per process, so later calls must ask for the
// same format.
func sharedContext(sampleRate, channels int, buffer time.Duration) (*oto.Context, error) {
	contextMu.Lock()
	defer contextMu.Unlock()
	if context != nil {
		if sampleRate != contextRate || channels != contextChannels {
			return nil, fmt.Errorf("oto context already initialized at %d Hz, %d channels (requested %d Hz, %d channels)", contextRate, contextChannels, sampleRate, channels)
		}
		return context, nil
	}
	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: channels,
		Format:       oto.FormatFloat32LE,
		BufferSize:   buffer,
	})
	if err != nil {
		return nil, fmt.Errorf("cannot create oto context: %w", err)
	}
	<-ready
	context, contextRate, contextChannels = ctx, sampleRate, channels
	return ctx, nil
}

func (d *Device) SetCallback(cb mixdown.AudioCallback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.callback = cb
}

func (d *Device) Open(s mixdown.DeviceSettings) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.player != nil {
		return errors.New("already open")
	}
	if s.OutputDevice != "" && s.OutputDevice != deviceName {
		return fmt.Errorf("unknown output %q", s.OutputDevice)
	}
	if s.OutputChannels < 1 || s.OutputChannels > 2 {
		return fmt.Errorf("%d output channels not supported", s.OutputChannels)
	}
	buffer := time.Duration(float64(2*s.BlockSize) / s.SampleRate * float64(time.Second))
	ctx, err := sharedContext(int(s.SampleRate), s.OutputChannels, buffer)
	if err != nil {
		return err
	}
	d.settings = s
	d.in = mixdown.MakeAudioBuffer(s.InputChannels, s.BlockSize)
	d.out = mixdown.MakeAudioBuffer(s.OutputChannels, s.BlockSize)
	d.block = make([]byte, 4*s.OutputChannels*s.BlockSize)
	d.pos = len(d.block)
	d.player = ctx.NewPlayer(d)
	d.player.SetBufferSize(2 * len(d.block))
	return nil
}

func (d *Device) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.player == nil {
		return errors.New("not open")
	}
	d.running.Store(true)
	d.player.Play()
	return nil
}

func (d *Device) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running.Store(false)
	if d.player != nil {
		d.player.Pause()
	}
	return nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running.Store(false)
	if d.player == nil {
		return nil
	}
	err := d.player.Close()
	d.player = nil
	if err != nil {
		return fmt.Errorf("cannot close oto player: %w", err)
	}
	return nil
}

func (d *Device) AvailableDevices() ([]string, error) {
	return []string{deviceName}, nil
}

func (d *Device) CurrentDeviceName() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.player == nil {
		return ""
	}
	return deviceName
}

// Read implements io.Reader for the oto player. Whole blocks are rendered
// and handed out in pieces of whatever size the player asks for; while
// stopped the output is silent.
func (d *Device) Read(p []byte) (int, error) {
	if !d.running.Load() || d.callback == nil {
		clear(p)
		return len(p), nil
	}
	n := 0
	for n < len(p) {
		if d.pos == len(d.block) {
			d.callback(d.in, d.out, d.settings.BlockSize)
			FloatBufferToFloat32LE(d.block, d.out)
			d.pos = 0
		}
		k := copy(p[n:], d.block[d.pos:])
		d.pos += k
		n += k
	}
	return n, nil
}
