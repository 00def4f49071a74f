package mixer

import (
	"github.com/mixdown/mixdown/state"
)

// SaveState writes the mixer settings under n: channels with their sends,
// buses with their routing and strip settings, and the master strip. Meter
// levels are not saved.
func (m *Mixer) SaveState(n *state.Node) {
	chans := n.AddChild("channels")
	for i, c := range m.channels {
		cn := chans.AddChild("channel").Set("index", i)
		saveStrip(cn, c)
		sends := cn.AddChild("sends")
		for _, s := range c.sends {
			sends.AddChild("send").Set("bus", s.bus).Set("level", s.Level())
		}
	}
	buses := n.AddChild("buses")
	for i, b := range m.buses {
		bn := buses.AddChild("bus").
			Set("index", i).
			Set("type", b.Type.String()).
			Set("name", b.name).
			Set("output", b.output)
		sources := bn.AddChild("sources")
		for _, s := range b.sources {
			sources.AddChild("source").Set("kind", s.Kind.String()).Set("index", s.Index)
		}
		saveStrip(bn.AddChild("channel"), b.strip)
	}
	saveStrip(n.AddChild("master"), m.master)
}

func saveStrip(n *state.Node, c *Channel) {
	n.Set("volume", c.Volume()).
		Set("pan", c.Pan()).
		Set("mute", c.Mute()).
		Set("solo", c.Solo()).
		Set("bypass", c.Bypass())
}

// LoadState restores settings written by SaveState. Fields that are missing
// or malformed keep their current value. Channels beyond the current channel
// count are ignored, the bus list is replaced, and routing entries that are
// out of range or would create a cycle are dropped; every such problem is
// logged and loading continues.
func (m *Mixer) LoadState(n *state.Node) error {
	if err := m.structural("load state"); err != nil {
		return err
	}
	m.loadBuses(n.Child("buses"))
	for pos, cn := range n.Child("channels").ChildrenOf("channel") {
		i := cn.Int("index", pos)
		if i < 0 || i >= len(m.channels) {
			m.log.WithField("channel", i).Warn("state refers to a channel that does not exist; skipped")
			continue
		}
		c := m.channels[i]
		loadStrip(cn, c)
		sendsNode := cn.Child("sends")
		if sendsNode == nil {
			continue
		}
		var sends []*Send
		for _, sn := range sendsNode.ChildrenOf("send") {
			bus := sn.Int("bus", -1)
			if bus < 0 || bus >= len(m.buses) {
				m.log.WithField("channel", i).WithField("bus", bus).Warn("send to a bus that does not exist; dropped")
				continue
			}
			sends = append(sends, newSend(bus, sn.Float32("level", 1)))
		}
		c.sends = sends
	}
	if mn := n.Child("master"); mn != nil {
		loadStrip(mn, m.master)
	}
	m.changed()
	return nil
}

// loadBuses replaces the bus list. All buses are created routed to master
// first, then outputs and sources are applied one at a time with the same
// validation as the edit operations.
func (m *Mixer) loadBuses(n *state.Node) {
	if n == nil {
		return
	}
	nodes := n.ChildrenOf("bus")
	buses := make([]*Bus, len(nodes))
	for i, bn := range nodes {
		typ, ok := ParseBusType(bn.String("type", "aux"))
		if !ok {
			m.log.WithField("bus", i).Warn("unknown bus type; using aux")
		}
		b := newBus(typ, bn.String("name", ""))
		if cn := bn.Child("channel"); cn != nil {
			loadStrip(cn, b.strip)
		}
		buses[i] = b
	}
	// keep the plugins of existing bus strips at the same position
	for i := 0; i < min(len(buses), len(m.buses)); i++ {
		buses[i].strip.plugins = m.buses[i].strip.plugins
	}
	m.buses = buses
	for i, bn := range nodes {
		log := m.log.WithField("bus", i)
		if out := bn.Int("output", MasterOutput); out != MasterOutput {
			if err := m.SetBusOutput(i, out); err != nil {
				log.WithError(err).Warn("invalid bus output; routed to master")
			}
		}
		for _, sn := range bn.Child("sources").ChildrenOf("source") {
			kind := SourceChannel
			if sn.String("kind", "channel") == "bus" {
				kind = SourceBus
			}
			src := Source{Kind: kind, Index: sn.Int("index", -1)}
			if err := m.AddBusSource(i, src); err != nil {
				log.WithError(err).Warn("invalid bus source; dropped")
			}
		}
	}
}

func loadStrip(n *state.Node, c *Channel) {
	c.SetVolume(n.Float32("volume", c.Volume()))
	c.SetPan(n.Float32("pan", c.Pan()))
	c.SetMute(n.Bool("mute", c.Mute()))
	c.SetSolo(n.Bool("solo", c.Solo()))
	c.SetBypass(n.Bool("bypass", c.Bypass()))
}
