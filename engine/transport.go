package engine

import (
	"fmt"

	"github.com/mixdown/mixdown"
	"github.com/mixdown/mixdown/mixer"
	"github.com/mixdown/mixdown/sequencer"
)

// Play starts playback and sends MMC play.
func (e *Engine) Play() error {
	if !e.initialized.Load() {
		return mixdown.ErrNotInitialized
	}
	if e.transport.Playing() {
		return nil
	}
	e.transport.Play()
	e.sequencer.SendMMC(sequencer.MMCPlay)
	e.log.WithField("position", e.transport.Position()).Info("transport: play")
	return nil
}

// Stop stops playback and recording, including MIDI recording, and sends
// MMC stop.
func (e *Engine) Stop() error {
	if !e.initialized.Load() {
		return mixdown.ErrNotInitialized
	}
	e.stopTransport()
	return nil
}

func (e *Engine) stopTransport() {
	e.StopMIDIRecording()
	if !e.transport.Playing() && !e.transport.Recording() {
		return
	}
	e.transport.Stop()
	e.sequencer.SendMMC(sequencer.MMCStop)
	e.log.WithField("position", e.transport.Position()).Info("transport: stop")
}

// Pause stops playback at the current position and sends MMC pause.
// Unlike Stop, a MIDI recording in progress keeps going and picks up the
// events played after the next Play.
func (e *Engine) Pause() error {
	if !e.initialized.Load() {
		return mixdown.ErrNotInitialized
	}
	if !e.transport.Playing() {
		return nil
	}
	e.transport.Stop()
	e.sequencer.SendMMC(sequencer.MMCPause)
	e.log.WithField("position", e.transport.Position()).Info("transport: pause")
	return nil
}

// Record toggles recording; starting to record while stopped also starts
// playback. Turning recording off ends MIDI recording.
func (e *Engine) Record() error {
	if !e.initialized.Load() {
		return mixdown.ErrNotInitialized
	}
	e.transport.Record()
	if e.transport.Recording() {
		e.sequencer.SendMMC(sequencer.MMCRecordStrobe)
		e.log.Info("transport: record on")
	} else {
		e.StopMIDIRecording()
		e.log.Info("transport: record off")
	}
	return nil
}

// SetPosition requests a seek, applied at the start of the next block.
func (e *Engine) SetPosition(seconds float64) {
	e.transport.SetPosition(seconds)
	e.sequencer.ResetTimecode()
	e.log.WithField("position", seconds).Debug("transport: set position")
}

func (e *Engine) SetLoopPoints(start, end float64) {
	e.transport.SetLoopPoints(start, end)
}

func (e *Engine) SetLooping(looping bool) {
	e.transport.SetLooping(looping)
}

// SetBPM ignores tempos ≤ 0.
func (e *Engine) SetBPM(bpm float64) {
	e.transport.SetBPM(bpm)
}

// SetTimeSignature ignores denominators ≤ 0.
func (e *Engine) SetTimeSignature(numerator, denominator int) {
	e.transport.SetTimeSignature(numerator, denominator)
}

// StartMIDIRecording records incoming MIDI into the project track at
// trackIndex from the current position.
func (e *Engine) StartMIDIRecording(trackIndex int) error {
	e.mu.Lock()
	p := e.project
	e.mu.Unlock()
	if p == nil {
		return fmt.Errorf("start MIDI recording: no project")
	}
	tracks := p.Tracks()
	if trackIndex < 0 || trackIndex >= len(tracks) {
		return fmt.Errorf("start MIDI recording on track %d: %w", trackIndex, mixer.ErrIndex)
	}
	pos := e.transport.Position()
	if seek, ok := e.transport.PendingSeek(); ok {
		pos = seek
	}
	if err := e.sequencer.StartRecording(tracks[trackIndex], pos); err != nil {
		return fmt.Errorf("start MIDI recording on track %d: %w", trackIndex, err)
	}
	return nil
}

// StopMIDIRecording finishes the MIDI recording in progress, if any, and
// returns what was recorded.
func (e *Engine) StopMIDIRecording() mixdown.Sequence {
	return e.sequencer.StopRecording()
}

// HandleMIDI is called by MIDI input drivers with each incoming message.
func (e *Engine) HandleMIDI(msg []byte) {
	e.sequencer.HandleIncoming(msg)
}
