// Package engine ties the audio device, the transport, the mixer and the
// sequencer together. It owns the audio callback and is the only place that
// opens, reconfigures and closes the device.
package engine

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mixdown/mixdown"
	"github.com/mixdown/mixdown/mixer"
	"github.com/mixdown/mixdown/sequencer"
	"github.com/mixdown/mixdown/transport"
	"github.com/sirupsen/logrus"
)

type (
	// Engine is safe for use from multiple control goroutines; structural
	// operations are serialized by an internal mutex which the audio
	// callback never takes.
	Engine struct {
		log    logrus.FieldLogger
		broker *mixdown.Broker
		device mixdown.AudioDevice
		now    func() time.Time

		transport *transport.Transport
		mixer     *mixer.Mixer
		sequencer *sequencer.Sequencer

		// mu serializes the control side. Fields below it are only changed
		// with mu held and the callback quiesced.
		mu          sync.Mutex
		settings    mixdown.DeviceSettings
		initialized atomic.Bool
		project     mixdown.Project
		stopWatch   func()

		quiesced atomic.Bool
		inFlight atomic.Int32

		// audio thread
		input       mixdown.AudioBuffer
		output      mixdown.AudioBuffer
		midi        *mixdown.MIDIBuffer
		midiOut     *mixdown.MIDIBuffer
		midiSink    chan<- mixdown.MIDIEvent
		cpu         cpuMeter
		statusCount int
	}

	Options struct {
		// Settings are used by the first Initialize; zero means
		// mixdown.DefaultDeviceSettings.
		Settings mixdown.DeviceSettings
		// MIDIOut receives the outgoing MIDI of every block. Sends never
		// block; when the channel is full the event is dropped. nil
		// discards outgoing MIDI.
		MIDIOut chan<- mixdown.MIDIEvent
		// Now is the clock used for CPU load measurement and for stamping
		// incoming MIDI; nil means time.Now.
		Now func() time.Time
	}
)

const (
	midiBufferSize = 1024
	// quiesceTimeout bounds the wait for a block in flight; a device that
	// hangs inside the callback must not hang the control side.
	quiesceTimeout = 2 * time.Second
	// statusRate is how many times per second transport and CPU status is
	// published while playing.
	statusRate = 20
)

func New(device mixdown.AudioDevice, broker *mixdown.Broker, log logrus.FieldLogger, opts Options) *Engine {
	if opts.Settings == (mixdown.DeviceSettings{}) {
		opts.Settings = mixdown.DefaultDeviceSettings()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	e := &Engine{
		log:       log.WithField("component", "engine"),
		broker:    broker,
		device:    device,
		now:       opts.Now,
		transport: transport.New(broker),
		mixer:     mixer.New(log, broker),
		sequencer: sequencer.New(log, broker),
		settings:  opts.Settings,
		midi:      mixdown.NewMIDIBuffer(midiBufferSize),
		midiOut:   mixdown.NewMIDIBuffer(midiBufferSize),
		midiSink:  opts.MIDIOut,
	}
	e.sequencer.SetClock(opts.Now)
	return e
}

func (e *Engine) Transport() *transport.Transport { return e.transport }
func (e *Engine) Sequencer() *sequencer.Sequencer { return e.sequencer }
func (e *Engine) Initialized() bool               { return e.initialized.Load() }

// Initialize opens the device with the current settings and starts it. On
// failure the engine stays uninitialized and Initialize may be called again.
func (e *Engine) Initialize() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.initialized.Load() {
		return nil
	}
	e.log.WithField("settings", e.settings).Info("initializing audio engine")
	e.quiesce()
	defer e.resume()
	if err := e.open(); err != nil {
		e.log.WithError(err).Error("failed to initialize audio engine")
		e.broker.SendAlert("audio device", err.Error(), mixdown.Error)
		return err
	}
	e.initialized.Store(true)
	e.startWatcher()
	e.log.Info("audio engine initialized")
	return nil
}

// Shutdown stops playback and recording and closes the device.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized.Load() {
		return
	}
	e.log.Info("shutting down audio engine")
	e.stopTransport()
	e.quiesce()
	e.close()
	e.mixer.Release()
	e.initialized.Store(false)
	e.resume()
	if e.stopWatch != nil {
		e.stopWatch()
		e.stopWatch = nil
	}
}

// ApplySettings reopens the device with s. Applying the current settings
// does nothing. If the device cannot be opened with s, the previous
// settings are restored and reopened and the error is returned. When the
// engine is not initialized, s is only stored.
func (e *Engine) ApplySettings(s mixdown.DeviceSettings) error {
	if s.SampleRate <= 0 || s.BlockSize <= 0 || s.OutputChannels <= 0 || s.InputChannels < 0 {
		return &mixdown.DeviceError{Op: "configure", Device: s.OutputDevice, Err: fmt.Errorf("invalid settings %+v", s)}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if s == e.settings {
		return nil
	}
	if !e.initialized.Load() {
		e.settings = s
		return nil
	}
	log := e.log.WithField("settings", s)
	log.Info("applying audio settings")
	wasPlaying := e.transport.Playing()
	e.transport.Stop()
	e.quiesce()
	e.close()
	old := e.settings
	e.settings = s
	err := e.open()
	if err != nil {
		log.WithError(err).Error("failed to apply audio settings; restoring previous settings")
		e.broker.SendAlert("audio device", err.Error(), mixdown.Warning)
		e.settings = old
		if err2 := e.open(); err2 != nil {
			e.log.WithError(err2).Error("failed to restore previous audio settings")
			e.broker.SendAlert("audio device", err2.Error(), mixdown.Error)
			e.initialized.Store(false)
			e.mixer.Release()
			e.resume()
			return errors.Join(err, err2)
		}
	}
	e.resume()
	if wasPlaying {
		e.transport.Play()
	}
	e.broker.Publish(mixdown.Message{Kind: mixdown.MsgDeviceChanged, Data: e.settings})
	return err
}

func (e *Engine) Settings() mixdown.DeviceSettings {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.settings
}

// SetProject binds the mixer to the tracks of p and takes its tempo, time
// signature and position. Playback is stopped during the change and
// resumed afterwards. A nil project unbinds.
func (e *Engine) SetProject(p mixdown.Project) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	wasPlaying := e.transport.Playing()
	e.stopTransport()
	err := e.reconfigure(func(m *mixer.Mixer) error {
		if err := m.SetProject(p); err != nil {
			return err
		}
		e.project = p
		return nil
	})
	if err != nil {
		return fmt.Errorf("set project: %w", err)
	}
	if p != nil {
		ps := p.Settings()
		e.transport.SetBPM(ps.BPM)
		e.transport.SetTimeSignature(ps.TimeSignature.Numerator, ps.TimeSignature.Denominator)
		e.transport.SetPosition(p.TransportPosition())
		e.sequencer.ResetTimecode()
	}
	if wasPlaying {
		e.transport.Play()
	}
	return nil
}

func (e *Engine) Project() mixdown.Project {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.project
}

// Reconfigure runs fn on the mixer with the callback quiesced and the mixer
// released, so fn may make structural edits. If fn fails, the structure of
// the mixer is rolled back.
func (e *Engine) Reconfigure(fn func(m *mixer.Mixer) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reconfigure(fn)
}

func (e *Engine) reconfigure(fn func(m *mixer.Mixer) error) error {
	e.quiesce()
	defer e.resume()
	e.mixer.Release()
	snap := e.mixer.Snapshot()
	err := fn(e.mixer)
	if err != nil {
		if rerr := e.mixer.Restore(snap); rerr != nil {
			e.log.WithError(rerr).Error("could not roll back mixer")
		}
	}
	if e.initialized.Load() {
		e.mixer.Prepare(e.settings.SampleRate, e.settings.BlockSize)
	}
	return err
}

// Mixer runs fn with the mixer while no structural change can happen.
// Only scalar settings may be changed from fn; use Reconfigure for
// structural edits.
func (e *Engine) Mixer(fn func(m *mixer.Mixer)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.mixer)
}

func (e *Engine) AvailableDevices() ([]string, error) {
	names, err := e.device.AvailableDevices()
	if err != nil {
		return nil, &mixdown.DeviceError{Op: "list", Err: err}
	}
	return names, nil
}

func (e *Engine) CurrentDeviceName() string {
	return e.device.CurrentDeviceName()
}

func (e *Engine) CPUInfo() mixdown.CPUInfo {
	return e.cpu.info()
}

func (e *Engine) TransportState() mixdown.TransportState {
	return e.transport.State()
}

// open must be called with mu held and the callback quiesced.
func (e *Engine) open() error {
	s := e.settings
	e.device.SetCallback(e.Process)
	if err := e.device.Open(s); err != nil {
		return deviceError("open", s.OutputDevice, err)
	}
	e.allocate()
	e.mixer.Prepare(s.SampleRate, s.BlockSize)
	if err := e.device.Start(); err != nil {
		e.mixer.Release()
		if cerr := e.device.Close(); cerr != nil {
			e.log.WithError(cerr).Warn("closing audio device after failed start")
		}
		return deviceError("start", s.OutputDevice, err)
	}
	e.statusCount = 0
	return nil
}

// close must be called with mu held and the callback quiesced.
func (e *Engine) close() {
	if err := e.device.Stop(); err != nil {
		e.log.WithError(err).Warn("stopping audio device")
	}
	if err := e.device.Close(); err != nil {
		e.log.WithError(err).Warn("closing audio device")
	}
}

func deviceError(op, device string, err error) error {
	var de *mixdown.DeviceError
	if errors.As(err, &de) {
		return err
	}
	return &mixdown.DeviceError{Op: op, Device: device, Err: err}
}

// quiesce makes the callback output silence and waits for the block in
// flight, if any, to finish.
func (e *Engine) quiesce() {
	e.quiesced.Store(true)
	deadline := time.Now().Add(quiesceTimeout)
	for e.inFlight.Load() != 0 {
		if time.Now().After(deadline) {
			e.log.Warn("audio callback did not finish in time; continuing")
			return
		}
		runtime.Gosched()
	}
}

func (e *Engine) resume() {
	e.quiesced.Store(false)
}

// startWatcher logs real-time faults published by the callback. The
// callback itself never logs.
func (e *Engine) startWatcher() {
	if e.broker == nil {
		return
	}
	msgs := e.broker.Subscribe(64)
	quit := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-quit:
				return
			case m := <-msgs:
				if m.Kind == mixdown.MsgXRun {
					e.log.WithField("xruns", m.CPU.XRuns).WithField("load", m.CPU.CurrentLoad).Warn("audio dropout detected")
				}
			}
		}
	}()
	e.stopWatch = func() {
		e.broker.Unsubscribe(msgs)
		close(quit)
		<-done
	}
}
