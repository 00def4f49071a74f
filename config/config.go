// Package config loads and saves the user configuration of the player:
// the audio device, MIDI ports, sequencer settings and logging.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/mitchellh/go-homedir"
	"github.com/mixdown/mixdown"
	"github.com/mixdown/mixdown/sequencer"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	BackendOto       = "oto"
	BackendPortAudio = "portaudio"
)

type (
	Config struct {
		Audio     AudioConfig        `yaml:"audio"`
		MIDI      MIDIConfig         `yaml:"midi"`
		Sequencer sequencer.Settings `yaml:"sequencer"`
		Log       LogConfig          `yaml:"log"`
	}

	AudioConfig struct {
		mixdown.DeviceSettings `yaml:",inline"`

		// Backend is BackendOto or BackendPortAudio. Only PortAudio has
		// inputs.
		Backend string `yaml:"backend"`
	}

	MIDIConfig struct {
		// Inputs are name prefixes; every matching input port is opened.
		Inputs []string `yaml:"inputs,omitempty"`
		Output string   `yaml:"output,omitempty"`
	}

	LogConfig struct {
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json,omitempty"`
	}
)

func Default() Config {
	return Config{
		Audio:     AudioConfig{Backend: BackendOto, DeviceSettings: mixdown.DefaultDeviceSettings()},
		Sequencer: sequencer.DefaultSettings(),
		Log:       LogConfig{Level: "info"},
	}
}

// Path returns the default location of the configuration file.
func Path() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "Mixdown", "config.yml"), nil
}

// Load reads the file at path over the defaults. A missing file is not an
// error and gives the defaults. A leading ~ in path is expanded.
func Load(path string) (Config, error) {
	cfg := Default()
	path, err := homedir.Expand(path)
	if err != nil {
		return cfg, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Default(), fmt.Errorf("%s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Save writes cfg to path, creating the directory if needed.
func Save(path string, cfg Config) error {
	path, err := homedir.Expand(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func (c *Config) Validate() error {
	switch c.Audio.Backend {
	case BackendOto, BackendPortAudio:
	default:
		return fmt.Errorf("unknown audio backend %q", c.Audio.Backend)
	}
	if c.Audio.SampleRate <= 0 || c.Audio.BlockSize <= 0 {
		return fmt.Errorf("invalid audio format: %v Hz, %d frames", c.Audio.SampleRate, c.Audio.BlockSize)
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// NewLogger returns a logger writing to w with the configured level and
// format.
func (c LogConfig) NewLogger(w io.Writer) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	log := logrus.New()
	log.SetOutput(w)
	log.SetLevel(level)
	if c.JSON {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log, nil
}
