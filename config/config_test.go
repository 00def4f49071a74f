package config_test

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/mixdown/mixdown/config"
	"github.com/mixdown/mixdown/sequencer"
)

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "none.yml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Audio != config.Default().Audio || cfg.Sequencer != sequencer.DefaultSettings() {
		t.Fatalf("cfg = %+v, want defaults", cfg)
	}
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yml")
	cfg := config.Default()
	cfg.Audio.Backend = config.BackendPortAudio
	cfg.Audio.BlockSize = 256
	cfg.MIDI.Inputs = []string{"Arturia", "nanoKEY"}
	cfg.Sequencer.Playback.SendClock = true
	cfg.Sequencer.Record.VelocityMode = sequencer.VelocityFixed
	cfg.Log.JSON = true
	if err := config.Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Audio != cfg.Audio || got.Sequencer != cfg.Sequencer || got.Log != cfg.Log {
		t.Fatalf("loaded %+v, want %+v", got, cfg)
	}
	if len(got.MIDI.Inputs) != 2 || got.MIDI.Inputs[1] != "nanoKEY" {
		t.Fatalf("inputs = %v", got.MIDI.Inputs)
	}
}

func TestLoadPartialAndInvalid(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		name, data string
		ok         bool
	}{
		{"partial", "audio:\n  sampleRate: 48000\n", true},
		{"backend", "audio:\n  backend: alsa\n", false},
		{"level", "log:\n  level: loud\n", false},
		{"syntax", "audio: [", false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			path := filepath.Join(dir, c.name+".yml")
			if err := os.WriteFile(path, []byte(c.data), 0644); err != nil {
				t.Fatal(err)
			}
			cfg, err := config.Load(path)
			if (err == nil) != c.ok {
				t.Fatalf("Load error = %v, want ok %v", err, c.ok)
			}
			if c.ok && (cfg.Audio.SampleRate != 48000 || cfg.Audio.BlockSize != 512) {
				t.Fatalf("audio = %+v, want 48000 Hz over the default block size", cfg.Audio)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log, err := config.LogConfig{Level: "warn", JSON: true}.NewLogger(&buf)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	log.Info("hidden")
	log.WithField("xruns", 3).Warn("shown")
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output %q is not one JSON entry: %v", buf.String(), err)
	}
	if entry["msg"] != "shown" || entry["xruns"] != float64(3) {
		t.Fatalf("entry = %v", entry)
	}
	if _, err := (config.LogConfig{Level: "loud"}).NewLogger(&buf); err == nil {
		t.Fatalf("NewLogger accepted an unknown level")
	}
}
