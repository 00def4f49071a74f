package sequencer

import (
	"github.com/mixdown/mixdown/state"
)

// SaveState writes the settings under n as "record" and "playback" nodes.
func (s *Sequencer) SaveState(n *state.Node) {
	c := s.Settings()
	r := c.Record
	n.AddChild("record").
		Set("quantizeInput", r.QuantizeInput).
		Set("quantizeGrid", r.QuantizeGrid).
		Set("autoQuantize", r.AutoQuantize).
		Set("mode", int(r.Mode)).
		Set("velocityMode", int(r.VelocityMode)).
		Set("velocityValue", int(r.VelocityValue)).
		Set("velocityScale", r.VelocityScale).
		Set("filterChannels", r.FilterChannels).
		Set("activeChannels", int(r.ActiveChannels)).
		Set("filterNotes", r.FilterNotes).
		Set("activeNotes", r.ActiveNotes.String())
	p := c.Playback
	n.AddChild("playback").
		Set("thru", p.Thru).
		Set("sendClock", p.SendClock).
		Set("sendMTC", p.SendMTC).
		Set("mtcFormat", int(p.MTCFormat)).
		Set("sendMMC", p.SendMMC).
		Set("sendProgramChanges", p.SendProgramChanges).
		Set("sendControlChanges", p.SendControlChanges).
		Set("sendSysEx", p.SendSysEx)
}

// LoadState restores settings written by SaveState. Missing or malformed
// values keep their current setting.
func (s *Sequencer) LoadState(n *state.Node) {
	c := s.Settings()
	if rn := n.Child("record"); rn != nil {
		r := &c.Record
		r.QuantizeInput = rn.Bool("quantizeInput", r.QuantizeInput)
		r.QuantizeGrid = rn.Float("quantizeGrid", r.QuantizeGrid)
		r.AutoQuantize = rn.Bool("autoQuantize", r.AutoQuantize)
		if m := RecordMode(rn.Int("mode", int(r.Mode))); m == RecordOverdub || m == RecordReplace {
			r.Mode = m
		}
		if m := VelocityMode(rn.Int("velocityMode", int(r.VelocityMode))); m >= VelocityAsPlayed && m <= VelocityScaled {
			r.VelocityMode = m
		}
		r.VelocityValue = uint8(min(max(rn.Int("velocityValue", int(r.VelocityValue)), 1), 127))
		r.VelocityScale = max(rn.Float("velocityScale", r.VelocityScale), 0)
		r.FilterChannels = rn.Bool("filterChannels", r.FilterChannels)
		r.ActiveChannels = ChannelSet(rn.Int("activeChannels", int(r.ActiveChannels)))
		r.FilterNotes = rn.Bool("filterNotes", r.FilterNotes)
		if ns, err := ParseNoteSet(rn.String("activeNotes", "")); err == nil {
			r.ActiveNotes = ns
		} else if rn.Has("activeNotes") {
			s.log.WithError(err).Warn("invalid active note set in state; keeping current")
		}
	}
	if pn := n.Child("playback"); pn != nil {
		p := &c.Playback
		p.Thru = pn.Bool("thru", p.Thru)
		p.SendClock = pn.Bool("sendClock", p.SendClock)
		p.SendMTC = pn.Bool("sendMTC", p.SendMTC)
		p.MTCFormat = MTCFormat(pn.Int("mtcFormat", int(p.MTCFormat)))
		p.SendMMC = pn.Bool("sendMMC", p.SendMMC)
		p.SendProgramChanges = pn.Bool("sendProgramChanges", p.SendProgramChanges)
		p.SendControlChanges = pn.Bool("sendControlChanges", p.SendControlChanges)
		p.SendSysEx = pn.Bool("sendSysEx", p.SendSysEx)
	}
	s.SetSettings(c)
}
