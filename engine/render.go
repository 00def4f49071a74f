package engine

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/mitchellh/go-homedir"
	"github.com/mixdown/mixdown"
)

var errTransportRunning = errors.New("transport is running")

// Render plays the project from the current position for the given number
// of seconds and returns the output, without the device. The transport must
// be stopped; afterwards it is back at the position it started from. The
// live callback outputs silence while rendering and no MIDI is sent.
func (e *Engine) Render(seconds float64) (mixdown.AudioBuffer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.project == nil {
		return nil, errors.New("render: no project")
	}
	if e.transport.Playing() {
		return nil, fmt.Errorf("render: %w", errTransportRunning)
	}
	s := e.settings
	total := int(mixdown.TimeToSamples(seconds, s.SampleRate))
	if total <= 0 {
		return nil, fmt.Errorf("render: invalid length %v s", seconds)
	}
	e.quiesce()
	defer e.resume()
	if !e.initialized.Load() {
		e.allocate()
		e.mixer.Prepare(s.SampleRate, s.BlockSize)
		defer e.mixer.Release()
	}
	sink := e.midiSink
	e.midiSink = nil
	defer func() { e.midiSink = sink }()

	e.transport.ApplySeek()
	start := e.transport.Position()
	e.transport.Play()
	ret := mixdown.MakeAudioBuffer(s.OutputChannels, total)
	block := mixdown.MakeAudioBuffer(s.OutputChannels, s.BlockSize)
	in := mixdown.MakeAudioBuffer(s.InputChannels, s.BlockSize)
	for done := 0; done < total; {
		n := min(s.BlockSize, total-done)
		block.Resize(n)
		block.Clear()
		e.process(in, block, n)
		for c := range ret {
			copy(ret[c][done:], block[c])
		}
		done += n
	}
	e.transport.Stop()
	e.transport.SetPosition(start)
	e.transport.ApplySeek()
	e.log.WithField("seconds", seconds).WithField("frames", total).Info("rendered project")
	return ret, nil
}

// RenderFile renders like Render and writes the result as a WAV file of
// bitDepth bits to path; a leading ~ is expanded.
func (e *Engine) RenderFile(path string, seconds float64, bitDepth int) error {
	buf, err := e.Render(seconds)
	if err != nil {
		return err
	}
	path, err = homedir.Expand(path)
	if err != nil {
		return fmt.Errorf("render %s: %w", path, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("render %s: %w", path, err)
	}
	defer f.Close()
	if err := mixdown.WriteWav(f, buf, int(e.Settings().SampleRate), bitDepth); err != nil {
		return fmt.Errorf("render %s: %w", path, err)
	}
	return f.Close()
}

func (e *Engine) allocate() {
	s := e.settings
	e.input = mixdown.MakeAudioBuffer(s.BufferChannels(), s.BlockSize)
	e.output = mixdown.MakeAudioBuffer(max(s.BufferChannels(), 2), s.BlockSize)
}

// OfflineDevice is an AudioDevice without hardware. Nothing is played;
// blocks are produced by calling Pump. It lets the engine run for
// rendering and in tests.
type OfflineDevice struct {
	mu       sync.Mutex
	settings mixdown.DeviceSettings
	callback mixdown.AudioCallback
	open     bool
	running  bool
	in, out  mixdown.AudioBuffer
}

func (d *OfflineDevice) Open(s mixdown.DeviceSettings) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.open {
		return errors.New("already open")
	}
	d.settings = s
	d.in = mixdown.MakeAudioBuffer(s.InputChannels, s.BlockSize)
	d.out = mixdown.MakeAudioBuffer(s.OutputChannels, s.BlockSize)
	d.open = true
	return nil
}

func (d *OfflineDevice) SetCallback(cb mixdown.AudioCallback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.callback = cb
}

func (d *OfflineDevice) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return errors.New("not open")
	}
	d.running = true
	return nil
}

func (d *OfflineDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running = false
	return nil
}

func (d *OfflineDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running = false
	d.open = false
	return nil
}

func (d *OfflineDevice) AvailableDevices() ([]string, error) {
	return []string{"offline"}, nil
}

func (d *OfflineDevice) CurrentDeviceName() string {
	return "offline"
}

// SetInput sets the samples delivered as device input by Pump. Missing
// channels and frames are silent.
func (d *OfflineDevice) SetInput(in [][]float32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.in.CopyFrom(in)
}

// Pump runs the callback for the given number of blocks and returns the
// output. It returns nil if the device is not running.
func (d *OfflineDevice) Pump(blocks int) mixdown.AudioBuffer {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running || d.callback == nil {
		return nil
	}
	bs := d.settings.BlockSize
	ret := mixdown.MakeAudioBuffer(d.settings.OutputChannels, blocks*bs)
	for b := 0; b < blocks; b++ {
		d.callback(d.in, d.out, bs)
		for c := range ret {
			copy(ret[c][b*bs:], d.out[c])
		}
	}
	return ret
}
