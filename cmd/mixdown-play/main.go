package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/mixdown/mixdown"
	"github.com/mixdown/mixdown/cmd"
	"github.com/mixdown/mixdown/config"
	"github.com/mixdown/mixdown/engine"
	"github.com/mixdown/mixdown/mixer"
	"github.com/mixdown/mixdown/plugin"
	"github.com/mixdown/mixdown/sequencer"
	"github.com/mixdown/mixdown/session"
	"github.com/mixdown/mixdown/version"
	"github.com/sirupsen/logrus"
)

type fileList []string

func (l *fileList) String() string { return strings.Join(*l, ",") }

func (l *fileList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

func main() {
	var midiFiles, wavFiles fileList
	flag.Var(&midiFiles, "midi", "Add a MIDI `file` played by the internal synth. May be repeated.")
	flag.Var(&wavFiles, "wav", "Add a WAV `file` as an audio track. May be repeated.")
	configPath := flag.String("config", "", "Read the configuration from `file` instead of the default location.")
	saveConfig := flag.Bool("save-config", false, "Write the effective configuration back and exit.")
	input := flag.Bool("input", false, "Add a monitored track playing the audio input.")
	backend := flag.String("backend", "", "Audio backend: oto or portaudio. Overrides the configuration.")
	lowLatency := flag.Bool("low-latency", false, "Use the low latency defaults of the audio devices (portaudio).")
	midiIn := flag.String("midi-in", "", "Open the MIDI inputs whose names start with `prefix`. Overrides the configuration.")
	midiOut := flag.String("midi-out", "", "Send MIDI to the output whose name starts with `prefix`.")
	virtual := flag.Bool("virtual", false, "Create a virtual MIDI output named after -midi-out instead of opening one.")
	fx := flag.String("fx", "", "Comma separated internal plugins inserted on the master strip, e.g. delay,compressor.")
	render := flag.String("render", "", "Render to a WAV `file` instead of playing.")
	bitDepth := flag.Int("bits", 16, "Bit depth of the rendered file: 16, 24 or 32.")
	seconds := flag.Float64("t", 0, "Play or render for `seconds`; 0 means the length of the content, or until interrupted.")
	loop := flag.Bool("loop", false, "Loop the content.")
	status := flag.String("status", cmd.StatusFormat, "Status line `template`; empty disables it.")
	devices := flag.Bool("devices", false, "List audio and MIDI devices and exit.")
	versionFlag := flag.Bool("v", false, "Print version.")
	flag.Parse()
	if *versionFlag {
		fmt.Println(version.Get())
		os.Exit(0)
	}

	path := *configPath
	if path == "" {
		var err error
		if path, err = config.Path(); err != nil {
			fmt.Fprintf(os.Stderr, "could not locate the configuration: %v\n", err)
			os.Exit(1)
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not load the configuration: %v\n", err)
		os.Exit(1)
	}
	if *backend != "" {
		cfg.Audio.Backend = *backend
	}
	if *midiIn != "" {
		cfg.MIDI.Inputs = []string{*midiIn}
	}
	if *midiOut != "" {
		cfg.MIDI.Output = *midiOut
	}
	if *saveConfig {
		if err := config.Save(path, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "could not save the configuration: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}
	log, err := cfg.Log.NewLogger(os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log configuration: %v\n", err)
		os.Exit(1)
	}

	if *render != "" {
		cfg.Audio.InputChannels = 0
		e := engine.New(&engine.OfflineDevice{}, nil, log, engine.Options{Settings: cfg.Audio.DeviceSettings})
		length, err := setup(e, cfg, log, midiFiles, wavFiles, false, *fx, *loop)
		if err != nil {
			log.WithError(err).Fatal("could not load the session")
		}
		if *seconds > 0 {
			length = *seconds
		}
		if length <= 0 {
			log.Fatal("nothing to render; give the length with -t")
		}
		if err := e.RenderFile(*render, length, *bitDepth); err != nil {
			log.WithError(err).Fatal("render failed")
		}
		log.WithField("file", *render).WithField("seconds", length).Info("rendered")
		return
	}

	if cfg.Audio.Backend == config.BackendOto {
		cfg.Audio.InputChannels = 0
	}
	device, release, err := cmd.NewAudioDevice(cfg.Audio.Backend, *lowLatency)
	if err != nil {
		log.WithError(err).Fatal("could not create the audio device")
	}
	defer release()
	broker := mixdown.NewBroker()
	out := make(chan mixdown.MIDIEvent, 1024)
	e := engine.New(device, broker, log, engine.Options{Settings: cfg.Audio.DeviceSettings, MIDIOut: out})
	midiContext := cmd.NewMIDIContext(e, log)
	defer midiContext.Close()

	if *devices {
		listDevices(e, midiContext)
		return
	}

	length, err := setup(e, cfg, log, midiFiles, wavFiles, *input, *fx, *loop)
	if err != nil {
		log.WithError(err).Fatal("could not load the session")
	}
	if len(cfg.MIDI.Inputs) > 0 {
		if _, err := midiContext.OpenInputs(cfg.MIDI.Inputs...); err != nil {
			log.WithError(err).Warn("could not open MIDI inputs")
		}
	}
	if cfg.MIDI.Output != "" {
		if err := midiContext.OpenOutput(cfg.MIDI.Output, *virtual); err != nil {
			log.WithError(err).Warn("could not open MIDI output")
		}
	}
	midiContext.Forward(out)

	if err := e.Initialize(); err != nil {
		log.WithError(err).Fatal("could not start the audio engine")
	}
	defer e.Shutdown()
	if err := e.Play(); err != nil {
		log.WithError(err).Fatal("could not start playback")
	}
	if *seconds > 0 {
		length = *seconds
	} else if *loop || *input || len(cfg.MIDI.Inputs) > 0 {
		length = 0
	}
	wait(e, length, *status, log)
	e.Stop()
}

// setup builds the session from the files and hands it to the engine. It
// returns the length of the content in seconds.
func setup(e *engine.Engine, cfg config.Config, log logrus.FieldLogger, midiFiles, wavFiles []string, input bool, fx string, loop bool) (float64, error) {
	e.Sequencer().SetSettings(cfg.Sequencer)
	registry := plugin.Builtin()
	s := session.New("mixdown", mixdown.DefaultProjectSettings())
	length := 0.0
	for _, f := range midiFiles {
		seq, bpm, err := sequencer.ImportSMF(f)
		if err != nil {
			return 0, err
		}
		synth, err := registry.New(plugin.SynthID)
		if err != nil {
			return 0, err
		}
		t := session.NewMIDITrack(trackName(f), synth, e.Transport())
		t.SetSequence(seq)
		s.AddTrack(t)
		settings := s.Settings()
		settings.BPM = bpm
		s.SetSettings(settings)
		length = max(length, seq.Duration()+1)
		log.WithField("file", f).WithField("events", len(seq)).WithField("bpm", bpm).Info("MIDI file loaded")
	}
	for _, f := range wavFiles {
		t, err := session.LoadAudioFile(trackName(f), f, e.Transport())
		if err != nil {
			return 0, err
		}
		s.AddTrack(t)
		length = max(length, t.Duration())
		log.WithField("file", f).WithField("seconds", t.Duration()).Info("WAV file loaded")
	}
	if input {
		t := session.NewAudioInputTrack("input", e, 0)
		p := t.Parameters()
		p.Monitoring = true
		t.SetParameters(p)
		s.AddTrack(t)
	}
	if err := e.SetProject(s); err != nil {
		return 0, err
	}
	if fx != "" {
		err := e.Reconfigure(func(m *mixer.Mixer) error {
			for _, id := range strings.Split(fx, ",") {
				p, err := registry.New(strings.TrimSpace(id))
				if err != nil {
					return err
				}
				if err := m.AddPlugin(mixer.MasterStrip, p); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return 0, err
		}
	}
	if loop && length > 0 {
		e.SetLoopPoints(0, length)
		e.SetLooping(true)
	}
	return length, nil
}

func trackName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// wait prints the status line until the content has played, or until
// interrupted when length is 0.
func wait(e *engine.Engine, length float64, format string, log logrus.FieldLogger) {
	tmpl, err := cmd.StatusTemplate(format)
	if err != nil {
		log.WithError(err).Warn("invalid status template")
		format = ""
	}
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	defer signal.Stop(interrupt)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-interrupt:
			fmt.Fprintln(os.Stderr)
			return
		case <-ticker.C:
			if format != "" {
				fmt.Fprint(os.Stderr, "\r")
				if err := cmd.WriteStatus(os.Stderr, tmpl, cmd.NewStatus(e)); err != nil {
					log.WithError(err).Warn("status template failed")
					format = ""
				}
			}
			if length > 0 && e.TransportState().Position >= length {
				fmt.Fprintln(os.Stderr)
				return
			}
		}
	}
}

func listDevices(e *engine.Engine, midi cmd.MIDIContext) {
	list := func(what string, names []string, err error) {
		fmt.Printf("%s:\n", what)
		if err != nil {
			fmt.Printf("  (%v)\n", err)
		}
		for _, n := range names {
			fmt.Printf("  %s\n", n)
		}
	}
	names, err := e.AvailableDevices()
	var devErr *mixdown.DeviceError
	if errors.As(err, &devErr) {
		err = devErr.Err
	}
	list("audio devices", names, err)
	names, err = midi.Inputs()
	list("MIDI inputs", names, err)
	names, err = midi.Outputs()
	list("MIDI outputs", names, err)
}
