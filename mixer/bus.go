package mixer

import (
	"fmt"
	"slices"
)

// MasterOutput is the output of a bus that feeds the master strip.
const MasterOutput = -1

type (
	BusType int

	// Bus sums its sources into its own strip and routes the result to
	// another bus or to master.
	Bus struct {
		Type    BusType
		name    string
		sources []Source
		output  int
		strip   *Channel
	}

	SourceKind int

	// Source is a channel or a bus feeding a bus.
	Source struct {
		Kind  SourceKind
		Index int
	}

	// RoutingError is returned when an edit would route a bus to a bus that
	// does not exist, to itself or into a cycle.
	RoutingError struct {
		Bus    int
		Target int
		Reason string
	}
)

const (
	BusAux BusType = iota
	BusGroup
	BusMaster
)

const (
	SourceChannel SourceKind = iota
	SourceBus
)

func (t BusType) String() string {
	switch t {
	case BusAux:
		return "aux"
	case BusGroup:
		return "group"
	case BusMaster:
		return "master"
	}
	return "unknown"
}

func ParseBusType(s string) (BusType, bool) {
	switch s {
	case "aux":
		return BusAux, true
	case "group":
		return BusGroup, true
	case "master":
		return BusMaster, true
	}
	return BusAux, false
}

func (k SourceKind) String() string {
	if k == SourceBus {
		return "bus"
	}
	return "channel"
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("cannot route bus %d to %d: %s", e.Bus, e.Target, e.Reason)
}

func newBus(typ BusType, name string) *Bus {
	return &Bus{Type: typ, name: name, output: MasterOutput, strip: newChannel()}
}

func (b *Bus) Name() string { return b.name }

// Output is the index of the bus this bus feeds, or MasterOutput.
func (b *Bus) Output() int { return b.output }

func (b *Bus) Sources() []Source { return slices.Clone(b.sources) }

// Strip is the bus's own gain, pan, plugins and meters.
func (b *Bus) Strip() *Channel { return b.strip }

// busOrder returns the bus indices in an order where every bus comes after
// the buses it reads from or that route into it. Among buses that are ready
// at the same time, the lower index goes first, so a routing that already
// follows declaration order is processed in declaration order. ok is false
// if the routing has a cycle.
func busOrder(buses []*Bus) (order []int, ok bool) {
	n := len(buses)
	indeg := make([]int, n)
	next := make([][]int, n)
	edge := func(from, to int) {
		next[from] = append(next[from], to)
		indeg[to]++
	}
	for i, b := range buses {
		if b.output != MasterOutput {
			edge(i, b.output)
		}
		for _, s := range b.sources {
			if s.Kind == SourceBus {
				edge(s.Index, i)
			}
		}
	}
	done := make([]bool, n)
	order = make([]int, 0, n)
	for len(order) < n {
		found := -1
		for i := 0; i < n; i++ {
			if !done[i] && indeg[i] == 0 {
				found = i
				break
			}
		}
		if found < 0 {
			return order, false
		}
		done[found] = true
		order = append(order, found)
		for _, j := range next[found] {
			indeg[j]--
		}
	}
	return order, true
}

// checkRouting validates a tentative routing: every bus reference must be in
// range and not refer to the bus itself, and the graph must be acyclic.
func checkRouting(buses []*Bus, bus, target int) error {
	for i, b := range buses {
		if b.output != MasterOutput && (b.output < 0 || b.output >= len(buses)) {
			return &RoutingError{Bus: bus, Target: target, Reason: fmt.Sprintf("bus %d output %d out of range", i, b.output)}
		}
		if b.output == i {
			return &RoutingError{Bus: bus, Target: target, Reason: "a bus cannot feed itself"}
		}
		for _, s := range b.sources {
			if s.Kind == SourceBus && (s.Index < 0 || s.Index >= len(buses) || s.Index == i) {
				return &RoutingError{Bus: bus, Target: target, Reason: fmt.Sprintf("bus %d has invalid bus source %d", i, s.Index)}
			}
		}
	}
	if _, ok := busOrder(buses); !ok {
		return &RoutingError{Bus: bus, Target: target, Reason: "routing would create a cycle"}
	}
	return nil
}

// withBus returns a shallow copy of buses where bus i is replaced by b.
func withBus(buses []*Bus, i int, b *Bus) []*Bus {
	ret := slices.Clone(buses)
	ret[i] = b
	return ret
}

func (b *Bus) clone() *Bus {
	c := *b
	c.sources = slices.Clone(b.sources)
	return &c
}
