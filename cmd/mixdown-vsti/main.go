//go:build plugin

package main

import (
	"os"
	"sync"

	"github.com/mixdown/mixdown"
	"github.com/mixdown/mixdown/engine"
	"github.com/mixdown/mixdown/plugin"
	"github.com/mixdown/mixdown/session"
	"github.com/mixdown/mixdown/state"
	"github.com/sirupsen/logrus"
	"pipelined.dev/audio/vst2"
)

const (
	pluginID   = 0x4d78646e // "Mxdn"
	pluginName = "mixdown synth"
)

// hostDevice is the AudioDevice of the plugin build: the host drives the
// callback from its process function.
type hostDevice struct {
	mu       sync.Mutex
	callback mixdown.AudioCallback
	open     bool
	in, out  mixdown.AudioBuffer
}

func (d *hostDevice) Open(s mixdown.DeviceSettings) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.in = mixdown.MakeAudioBuffer(s.InputChannels, s.BlockSize)
	d.out = mixdown.MakeAudioBuffer(s.OutputChannels, s.BlockSize)
	d.open = true
	return nil
}

func (d *hostDevice) SetCallback(cb mixdown.AudioCallback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.callback = cb
}

func (d *hostDevice) Start() error { return nil }
func (d *hostDevice) Stop() error  { return nil }

func (d *hostDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = false
	return nil
}

func (d *hostDevice) AvailableDevices() ([]string, error) { return []string{"host"}, nil }
func (d *hostDevice) CurrentDeviceName() string           { return "host" }

// process renders the host buffer in blocks of at most the engine block
// size.
func (d *hostDevice) process(out vst2.FloatBuffer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	left, right := out.Channel(0), out.Channel(1)
	if !d.open || d.callback == nil || len(d.out) < 2 {
		clear(left)
		clear(right)
		return
	}
	bs := len(d.out[0])
	for done := 0; done < out.Frames; {
		n := min(bs, out.Frames-done)
		d.in.Resize(n)
		d.out.Resize(n)
		d.callback(d.in, d.out, n)
		copy(left[done:], d.out[0])
		copy(right[done:], d.out[1])
		done += n
	}
	d.in.Resize(bs)
	d.out.Resize(bs)
}

func init() {
	var (
		version = int32(100)
	)
	vst2.PluginAllocator = func(h vst2.Host) (vst2.Plugin, vst2.Dispatcher) {
		log := logrus.New()
		log.SetOutput(os.Stderr)
		log.SetLevel(logrus.WarnLevel)
		settings := mixdown.DeviceSettings{SampleRate: 44100, BlockSize: 512, OutputChannels: 2}
		device := &hostDevice{}
		e := engine.New(device, nil, log, engine.Options{Settings: settings})
		synth := plugin.NewSynth()
		track := session.NewMIDITrack("synth", synth, e.Transport())
		p := track.Parameters()
		p.Monitoring = true
		track.SetParameters(p)
		s := session.New(pluginName, mixdown.DefaultProjectSettings())
		s.AddTrack(track)
		if err := e.SetProject(s); err != nil {
			log.WithError(err).Error("could not set up the session")
		}
		if err := e.Initialize(); err != nil {
			log.WithError(err).Error("could not start the engine")
		}
		e.Play()
		return vst2.Plugin{
				UniqueID:       pluginID,
				Version:        version,
				InputChannels:  0,
				OutputChannels: 2,
				Name:           pluginName,
				Vendor:         "mixdown",
				Category:       vst2.PluginCategorySynth,
				Flags:          vst2.PluginIsSynth,
				ProcessFloatFunc: func(in, out vst2.FloatBuffer) {
					if t := h.GetTimeInfo(vst2.TempoValid); t != nil {
						if t.Flags&vst2.TempoValid != 0 && t.Tempo > 0 {
							e.SetBPM(t.Tempo)
						}
						// the host rate is only known once processing starts
						if t.SampleRate > 0 && t.SampleRate != e.Settings().SampleRate {
							s := e.Settings()
							s.SampleRate = t.SampleRate
							if err := e.ApplySettings(s); err != nil {
								log.WithError(err).Error("could not follow the host sample rate")
							}
						}
					}
					device.process(out)
				},
			}, vst2.Dispatcher{
				CanDoFunc: func(pcds vst2.PluginCanDoString) vst2.CanDoResponse {
					switch pcds {
					case vst2.PluginCanReceiveEvents, vst2.PluginCanReceiveMIDIEvent, vst2.PluginCanReceiveTimeInfo:
						return vst2.YesCanDo
					}
					return vst2.NoCanDo
				},
				ProcessEventsFunc: func(ev *vst2.EventsPtr) {
					for i := 0; i < ev.NumEvents(); i++ {
						if m, ok := ev.Event(i).(*vst2.MIDIEvent); ok {
							e.HandleMIDI(m.Data[:])
						}
					}
				},
				CloseFunc: func() {
					e.Shutdown()
				},
				GetChunkFunc: func(isPreset bool) []byte {
					root := e.SaveState()
					if synthState, err := synth.State(); err == nil {
						root.Set("synth", string(synthState))
					}
					data, err := state.Marshal(root)
					if err != nil {
						log.WithError(err).Warn("could not save the plugin state")
						return nil
					}
					return data
				},
				SetChunkFunc: func(data []byte, isPreset bool) {
					root, err := state.Unmarshal(data)
					if err != nil {
						log.WithError(err).Warn("could not read the plugin state")
						return
					}
					if err := synth.SetState([]byte(root.String("synth", ""))); err != nil {
						log.WithError(err).Warn("could not restore the synth")
					}
					if err := e.LoadState(root); err != nil {
						log.WithError(err).Warn("could not restore the engine")
					}
					e.Play()
				},
			}
	}
}

func main() {}
