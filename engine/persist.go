package engine

import (
	"fmt"

	"github.com/mixdown/mixdown/mixer"
	"github.com/mixdown/mixdown/state"
)

// SaveState returns the state of the whole engine: the transport settings,
// the mixer and the sequencer settings.
func (e *Engine) SaveState() *state.Node {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := state.New("engine")
	ts := e.transport.State()
	n.AddChild("transport").
		Set("bpm", ts.BPM).
		Set("numerator", ts.TimeSignature.Numerator).
		Set("denominator", ts.TimeSignature.Denominator).
		Set("looping", ts.Looping).
		Set("loopStart", ts.LoopStart).
		Set("loopEnd", ts.LoopEnd).
		Set("position", ts.Position)
	e.mixer.SaveState(n.AddChild("mixer"))
	e.sequencer.SaveState(n.AddChild("sequencer"))
	return n
}

// LoadState restores a state returned by SaveState. Missing parts are left
// as they are. The mixer is changed in a quiesce window; problems with
// individual entries are logged and skipped.
func (e *Engine) LoadState(n *state.Node) error {
	if tn := n.Child("transport"); tn != nil {
		ts := e.transport.State()
		e.transport.SetBPM(tn.Float("bpm", ts.BPM))
		e.transport.SetTimeSignature(
			tn.Int("numerator", ts.TimeSignature.Numerator),
			tn.Int("denominator", ts.TimeSignature.Denominator))
		e.transport.SetLoopPoints(tn.Float("loopStart", ts.LoopStart), tn.Float("loopEnd", ts.LoopEnd))
		e.transport.SetLooping(tn.Bool("looping", ts.Looping))
		if tn.Has("position") {
			e.SetPosition(tn.Float("position", ts.Position))
		}
	}
	if mn := n.Child("mixer"); mn != nil {
		err := e.Reconfigure(func(m *mixer.Mixer) error {
			return m.LoadState(mn)
		})
		if err != nil {
			return fmt.Errorf("load mixer state: %w", err)
		}
	}
	if sn := n.Child("sequencer"); sn != nil {
		e.sequencer.LoadState(sn)
	}
	return nil
}
