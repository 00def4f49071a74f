// Package session provides the concrete project and tracks played by the
// command line player and the plugin build: MIDI tracks driving an
// instrument, live audio input and audio files.
package session

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/mixdown/mixdown"
)

type (
	// Session is a mixdown.Project. Adding or removing tracks takes effect
	// when the session is given to the engine again with SetProject.
	Session struct {
		mu       sync.Mutex
		name     string
		settings mixdown.ProjectSettings
		tracks   []mixdown.Track
		position float64
	}

	// Clock reports the transport position at the start of the block being
	// processed. *transport.Transport implements it.
	Clock interface {
		Position() float64
	}

	// trackBase implements the name and parameter parts of mixdown.Track.
	// The flags read on the audio thread are mirrored in atomics.
	trackBase struct {
		name       string
		typ        mixdown.TrackType
		mu         sync.Mutex
		params     mixdown.TrackParameters
		monitoring atomic.Bool
		record     atomic.Bool
	}
)

func New(name string, settings mixdown.ProjectSettings) *Session {
	if settings.BPM <= 0 {
		settings.BPM = mixdown.DefaultProjectSettings().BPM
	}
	if settings.TimeSignature.Numerator <= 0 || settings.TimeSignature.Denominator <= 0 {
		settings.TimeSignature = mixdown.DefaultProjectSettings().TimeSignature
	}
	return &Session{name: name, settings: settings}
}

func (s *Session) Name() string { return s.name }

func (s *Session) Tracks() []mixdown.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.tracks)
}

func (s *Session) Settings() mixdown.ProjectSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

func (s *Session) SetSettings(settings mixdown.ProjectSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = settings
}

// TransportPosition is where playback starts when the session is loaded.
func (s *Session) TransportPosition() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position
}

func (s *Session) SetTransportPosition(seconds float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.position = max(seconds, 0)
}

// AddTrack appends t and returns its index.
func (s *Session) AddTrack(t mixdown.Track) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks = append(s.tracks, t)
	return len(s.tracks) - 1
}

func (s *Session) RemoveTrack(i int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.tracks) {
		return fmt.Errorf("remove track %d: out of range", i)
	}
	s.tracks = slices.Delete(slices.Clone(s.tracks), i, i+1)
	return nil
}

// Track returns the track with the given name, or nil.
func (s *Session) Track(name string) mixdown.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tracks {
		if t.Name() == name {
			return t
		}
	}
	return nil
}

func (t *trackBase) init(name string, typ mixdown.TrackType) {
	t.name, t.typ = name, typ
	t.params = mixdown.DefaultTrackParameters()
}

func (t *trackBase) Name() string            { return t.name }
func (t *trackBase) Type() mixdown.TrackType { return t.typ }

func (t *trackBase) Parameters() mixdown.TrackParameters {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.params
}

func (t *trackBase) SetParameters(p mixdown.TrackParameters) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.params = p
	t.monitoring.Store(p.Monitoring)
	t.record.Store(p.Record)
}

// live reports whether input should be heard on the track.
func (t *trackBase) live() bool {
	return t.monitoring.Load() || t.record.Load()
}
