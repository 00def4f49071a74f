package engine

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/mixdown/mixdown"
)

// Process is the audio callback. Each block runs in a fixed order: the
// device input is copied in, the sequencer moves incoming MIDI into the
// block, the mixer renders, the master goes to out, the sequencer adds
// thru, clock, time code and machine control to the outgoing MIDI, and the
// transport advances last. Process never allocates and never takes a lock
// that the control side may hold for long.
func (e *Engine) Process(in, out [][]float32, frames int) {
	start := e.now()
	e.inFlight.Add(1)
	defer e.inFlight.Add(-1)
	for _, c := range out {
		clear(c[:min(frames, len(c))])
	}
	if e.quiesced.Load() || !e.initialized.Load() {
		return
	}
	e.process(in, out, frames)
	e.measure(start, frames)
}

// Input returns the device input of the block being processed.
func (e *Engine) Input() mixdown.AudioBuffer {
	return e.input
}

func (e *Engine) process(in, out [][]float32, frames int) {
	frames = min(frames, e.settings.BlockSize)
	e.midiOut.Clear()
	if !e.transport.Playing() || e.project == nil {
		e.transport.ApplySeek()
		e.sequencer.ProcessIdle(e.midiOut)
		e.sendMIDI()
		return
	}
	pos := e.transport.Position()
	sr := e.settings.SampleRate

	e.input.Resize(frames)
	e.input.CopyFrom(in)
	e.midi.Clear()
	e.sequencer.ProcessInput(e.midi, pos, sr, frames)

	e.output.Resize(frames)
	e.mixer.ProcessBlock(e.output, e.midi)
	for c := range out {
		src := e.output[min(c, len(e.output)-1)]
		copy(out[c][:min(frames, len(out[c]))], src)
	}

	e.sequencer.ProcessOutput(e.midiOut, pos, e.transport.BPM(), sr, frames)
	e.sendMIDI()
	e.transport.Advance(frames, sr)
}

func (e *Engine) sendMIDI() {
	if e.midiSink == nil {
		return
	}
	for _, ev := range e.midiOut.Events() {
		mixdown.TrySend(e.midiSink, ev)
	}
}

// measure updates the CPU meter with the time spent since start and
// publishes an xrun when the block took longer than its budget. Status is
// published at statusRate.
func (e *Engine) measure(start time.Time, frames int) {
	ms := float64(e.now().Sub(start)) / float64(time.Millisecond)
	budget := e.settings.BlockDuration()
	info, xrun := e.cpu.update(ms, budget)
	if xrun {
		e.broker.Publish(mixdown.Message{Kind: mixdown.MsgXRun, CPU: info})
	}
	e.statusCount += frames
	if interval := int(e.settings.SampleRate) / statusRate; e.statusCount >= interval {
		e.statusCount = 0
		e.broker.Publish(mixdown.Message{Kind: mixdown.MsgCPU, CPU: info, Transport: e.transport.State()})
	}
}

type (
	// cpuMeter is written by the audio thread and read by anyone.
	cpuMeter struct {
		current atomicFloat
		average atomicFloat
		peak    atomicFloat
		xruns   atomic.Int64
	}

	atomicFloat struct{ bits atomic.Uint64 }
)

func (f *atomicFloat) Load() float64   { return math.Float64frombits(f.bits.Load()) }
func (f *atomicFloat) Store(v float64) { f.bits.Store(math.Float64bits(v)) }

// update records a block that took ms out of a budget of budgetMs. The
// average is an exponential moving average with α = 0.1 and the peak decays
// by 1% per block.
func (m *cpuMeter) update(ms, budgetMs float64) (info mixdown.CPUInfo, xrun bool) {
	if budgetMs <= 0 {
		return m.info(), false
	}
	load := ms / budgetMs
	m.current.Store(load)
	m.average.Store(m.average.Load()*0.9 + load*0.1)
	m.peak.Store(max(m.peak.Load()*0.99, load))
	if ms > budgetMs {
		m.xruns.Add(1)
		xrun = true
	}
	return m.info(), xrun
}

func (m *cpuMeter) info() mixdown.CPUInfo {
	return mixdown.CPUInfo{
		CurrentLoad: m.current.Load(),
		AverageLoad: m.average.Load(),
		PeakLoad:    m.peak.Load(),
		XRuns:       int(m.xruns.Load()),
	}
}
