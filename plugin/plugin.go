// Package plugin contains the internal plugins: a gain and pan utility, a
// stereo delay, a compressor and a polyphonic synth, and the registry that
// creates them by id.
//
// Parameters are atomics, so hosts may call SetParameter from any goroutine
// while Process runs on the audio thread. State is the YAML encoding of the
// parameter values by name.
package plugin

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/mixdown/mixdown"
	"gopkg.in/yaml.v3"
)

// ErrUnknownPlugin is returned by Registry.New for an id that was not
// registered.
var ErrUnknownPlugin = errors.New("unknown plugin")

type (
	// Factory creates a new, unprepared plugin instance.
	Factory func() mixdown.Plugin

	Registry struct {
		mu        sync.RWMutex
		factories map[string]Factory
	}

	// base implements the parameter, bypass and state parts of
	// mixdown.Plugin.
	base struct {
		info     mixdown.PluginInfo
		params   []mixdown.PluginParameter
		values   []atomicFloat32
		bypassed atomic.Bool
	}

	atomicFloat32 struct{ bits atomic.Uint32 }

	savedState struct {
		Bypassed bool               `yaml:"bypassed,omitempty"`
		Values   map[string]float32 `yaml:"values"`
	}
)

func (f *atomicFloat32) Load() float32   { return math.Float32frombits(f.bits.Load()) }
func (f *atomicFloat32) Store(v float32) { f.bits.Store(math.Float32bits(v)) }

func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// Builtin returns a registry with the internal plugins.
func Builtin() *Registry {
	r := NewRegistry()
	r.Register(GainID, func() mixdown.Plugin { return NewGain() })
	r.Register(DelayID, func() mixdown.Plugin { return NewDelay() })
	r.Register(CompressorID, func() mixdown.Plugin { return NewCompressor() })
	r.Register(SynthID, func() mixdown.Plugin { return NewSynth() })
	return r
}

// Register adds a factory; registering an id twice is an error.
func (r *Registry) Register(id string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[id]; ok {
		return fmt.Errorf("plugin %q already registered", id)
	}
	r.factories[id] = f
	return nil
}

func (r *Registry) New(id string) (mixdown.Plugin, error) {
	r.mu.RLock()
	f, ok := r.factories[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("plugin %q: %w", id, ErrUnknownPlugin)
	}
	return f(), nil
}

// NewWithState creates the plugin and restores state into it.
func (r *Registry) NewWithState(id string, state []byte) (mixdown.Plugin, error) {
	p, err := r.New(id)
	if err != nil {
		return nil, err
	}
	if err := p.SetState(state); err != nil {
		return nil, fmt.Errorf("plugin %q: %w", id, err)
	}
	return p, nil
}

// IDs returns the registered ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (b *base) init(info mixdown.PluginInfo, params ...mixdown.PluginParameter) {
	info.Kind = mixdown.PluginInternal
	info.Vendor = "mixdown"
	b.info, b.params = info, params
	b.values = make([]atomicFloat32, len(params))
	for i, p := range params {
		b.values[i].Store(p.Default)
	}
}

func (b *base) Info() mixdown.PluginInfo { return b.info }
func (b *base) Bypassed() bool           { return b.bypassed.Load() }
func (b *base) SetBypassed(bypassed bool) {
	b.bypassed.Store(bypassed)
}

// Parameters returns a copy of the parameter list with current values.
func (b *base) Parameters() []mixdown.PluginParameter {
	ret := slices.Clone(b.params)
	for i := range ret {
		ret[i].Value = b.values[i].Load()
	}
	return ret
}

// SetParameter clamps value to the parameter's range. Unknown indices are
// ignored.
func (b *base) SetParameter(index int, value float32) {
	if index < 0 || index >= len(b.params) {
		return
	}
	p := &b.params[index]
	b.values[index].Store(min(max(value, p.Min), p.Max))
}

func (b *base) param(index int) float32 {
	return b.values[index].Load()
}

func (b *base) State() ([]byte, error) {
	s := savedState{Bypassed: b.Bypassed(), Values: make(map[string]float32, len(b.params))}
	for i, p := range b.params {
		s.Values[p.Name] = b.values[i].Load()
	}
	return yaml.Marshal(s)
}

// SetState restores values saved by State. Unknown names are ignored and
// missing ones keep their value.
func (b *base) SetState(data []byte) error {
	var s savedState
	if err := yaml.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%s state: %w", b.info.ID, err)
	}
	b.SetBypassed(s.Bypassed)
	for i, p := range b.params {
		if v, ok := s.Values[p.Name]; ok {
			b.SetParameter(i, v)
		}
	}
	return nil
}

// stereo returns the left and right channels of buf; a mono buffer gives
// the same channel twice.
func stereo(buf mixdown.AudioBuffer) (l, r []float32, ok bool) {
	switch len(buf) {
	case 0:
		return nil, nil, false
	case 1:
		return buf[0], buf[0], true
	}
	return buf[0], buf[1], true
}
