package plugin

import (
	"math"

	"github.com/mixdown/mixdown"
	"github.com/viterin/vek/vek32"
)

const (
	GainID       = "gain"
	DelayID      = "delay"
	CompressorID = "compressor"
)

// Gain parameters.
const (
	GainLevel = iota // dB
	GainBalance
)

// Delay parameters.
const (
	DelayTime     = iota // ms
	DelayFeedback        // 0..0.95
	DelayCross           // cross-channel feedback 0..1
	DelayMix             // wet/dry 0..1
)

// Compressor parameters.
const (
	CompressorThreshold = iota // dB
	CompressorRatio
	CompressorAttack  // ms
	CompressorRelease // ms
	CompressorMakeup  // dB
)

const maxDelayMs = 2000

type (
	// Gain is a utility that changes the level and the left/right balance.
	Gain struct {
		base
	}

	// Delay is a stereo delay with feedback and cross-channel feedback.
	Delay struct {
		base
		sampleRate float64
		bufL, bufR []float32
		pos        int
	}

	// Compressor reduces the level above the threshold by the ratio, with
	// an envelope follower per channel.
	Compressor struct {
		base
		sampleRate float64
		envL, envR float32
	}
)

func NewGain() *Gain {
	g := &Gain{}
	g.init(
		mixdown.PluginInfo{ID: GainID, Name: "Gain", Version: "1.0", Inputs: 2, Outputs: 2},
		mixdown.PluginParameter{Name: "gain", Min: -60, Max: 24, Default: 0, Unit: "dB"},
		mixdown.PluginParameter{Name: "balance", Min: -1, Max: 1, Default: 0},
	)
	return g
}

func (g *Gain) Prepare(float64, int) {}
func (g *Gain) Release()             {}

func (g *Gain) Process(audio mixdown.AudioBuffer, midi *mixdown.MIDIBuffer) {
	gain := mixdown.DBToGain(g.param(GainLevel))
	if len(audio) < 2 {
		audio.ApplyGain(gain)
		return
	}
	bal := g.param(GainBalance)
	vek32.MulNumber_Inplace(audio[0], gain*min(1, 1-bal))
	vek32.MulNumber_Inplace(audio[1], gain*min(1, 1+bal))
	for _, c := range audio[2:] {
		vek32.MulNumber_Inplace(c, gain)
	}
}

func NewDelay() *Delay {
	d := &Delay{}
	d.init(
		mixdown.PluginInfo{ID: DelayID, Name: "Delay", Version: "1.0", Inputs: 2, Outputs: 2},
		mixdown.PluginParameter{Name: "time", Min: 1, Max: maxDelayMs, Default: 250, Unit: "ms"},
		mixdown.PluginParameter{Name: "feedback", Min: 0, Max: 0.95, Default: 0.4},
		mixdown.PluginParameter{Name: "cross", Min: 0, Max: 1, Default: 0},
		mixdown.PluginParameter{Name: "mix", Min: 0, Max: 1, Default: 0.3},
	)
	return d
}

// Prepare allocates the delay lines for the longest delay time, so that
// changing the time never allocates.
func (d *Delay) Prepare(sampleRate float64, blockSize int) {
	n := int(math.Ceil(maxDelayMs*sampleRate/1000)) + 1
	d.sampleRate = sampleRate
	d.bufL = make([]float32, n)
	d.bufR = make([]float32, n)
	d.pos = 0
}

func (d *Delay) Release() {
	d.bufL, d.bufR = nil, nil
}

func (d *Delay) Process(audio mixdown.AudioBuffer, midi *mixdown.MIDIBuffer) {
	l, r, ok := stereo(audio)
	if !ok || len(d.bufL) == 0 {
		return
	}
	n := len(d.bufL)
	delay := min(max(int(float64(d.param(DelayTime))*d.sampleRate/1000), 1), n-1)
	fb, cross, wet := d.param(DelayFeedback), d.param(DelayCross), d.param(DelayMix)
	mono := len(audio) == 1
	for i := range l {
		read := d.pos - delay
		if read < 0 {
			read += n
		}
		delL, delR := d.bufL[read], d.bufR[read]
		inL, inR := l[i], l[i]
		if !mono {
			inR = r[i]
		}
		d.bufL[d.pos] = inL + fb*((1-cross)*delL+cross*delR)
		d.bufR[d.pos] = inR + fb*((1-cross)*delR+cross*delL)
		if d.pos++; d.pos == n {
			d.pos = 0
		}
		l[i] = inL*(1-wet) + delL*wet
		if !mono {
			r[i] = inR*(1-wet) + delR*wet
		}
	}
}

func NewCompressor() *Compressor {
	c := &Compressor{}
	c.init(
		mixdown.PluginInfo{ID: CompressorID, Name: "Compressor", Version: "1.0", Inputs: 2, Outputs: 2},
		mixdown.PluginParameter{Name: "threshold", Min: -60, Max: 0, Default: -20, Unit: "dB"},
		mixdown.PluginParameter{Name: "ratio", Min: 1, Max: 20, Default: 4},
		mixdown.PluginParameter{Name: "attack", Min: 0.1, Max: 200, Default: 10, Unit: "ms"},
		mixdown.PluginParameter{Name: "release", Min: 1, Max: 2000, Default: 100, Unit: "ms"},
		mixdown.PluginParameter{Name: "makeup", Min: 0, Max: 24, Default: 0, Unit: "dB"},
	)
	return c
}

func (c *Compressor) Prepare(sampleRate float64, blockSize int) {
	c.sampleRate = sampleRate
	c.envL, c.envR = 0, 0
}

func (c *Compressor) Release() {}

func (c *Compressor) Process(audio mixdown.AudioBuffer, midi *mixdown.MIDIBuffer) {
	l, r, ok := stereo(audio)
	if !ok || c.sampleRate <= 0 {
		return
	}
	threshold := mixdown.DBToGain(c.param(CompressorThreshold))
	ratio := c.param(CompressorRatio)
	attack := c.coefficient(c.param(CompressorAttack))
	release := c.coefficient(c.param(CompressorRelease))
	makeup := mixdown.DBToGain(c.param(CompressorMakeup))
	mono := len(audio) == 1
	for i := range l {
		l[i] *= gainReduction(follow(&c.envL, l[i], attack, release), threshold, ratio) * makeup
		if !mono {
			r[i] *= gainReduction(follow(&c.envR, r[i], attack, release), threshold, ratio) * makeup
		}
	}
}

// coefficient converts a time constant in ms to a one-pole coefficient.
func (c *Compressor) coefficient(ms float32) float32 {
	return float32(1 - math.Exp(-1/(float64(ms)*c.sampleRate/1000)))
}

func follow(env *float32, x, attack, release float32) float32 {
	a := float32(math.Abs(float64(x)))
	if a > *env {
		*env += attack * (a - *env)
	} else {
		*env += release * (a - *env)
	}
	return *env
}

func gainReduction(env, threshold, ratio float32) float32 {
	if env <= threshold || threshold <= 0 {
		return 1
	}
	return float32(math.Pow(float64(env/threshold), float64(1/ratio-1)))
}
