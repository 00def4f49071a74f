// Package sequencer handles live MIDI: the admission filter for incoming
// messages, recording into sequences, MIDI thru, and generation of clock,
// time code and machine control messages.
package sequencer

import (
	"errors"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mixdown/mixdown"
	"github.com/sirupsen/logrus"
)

// ErrNotMIDITrack is returned when recording is started on a track that
// does not take MIDI.
var ErrNotMIDITrack = errors.New("track is not a MIDI track")

const (
	// QueueSize is the capacity of the incoming and outgoing message queues
	// between blocks; messages beyond it are dropped.
	QueueSize = 256
	// RecordBufferSize is the number of recorded events that may be waiting
	// for the collector.
	RecordBufferSize = 4096
	// handOffTimeout bounds how long StopRecording waits for a block that
	// is still passing events to the take.
	handOffTimeout = time.Second
)

type (
	// Sequencer sits between the MIDI devices and the audio thread. Settings
	// may be changed from any goroutine; HandleIncoming is called by MIDI
	// input drivers; ProcessInput and ProcessOutput are called once per block
	// by the audio thread.
	Sequencer struct {
		log    logrus.FieldLogger
		broker *mixdown.Broker
		now    func() time.Time

		settings   atomic.Pointer[Settings]
		settingsMu sync.Mutex

		// queues guarded by mu; the audio thread only holds it to copy
		mu       sync.Mutex
		inQueue  []queuedEvent
		outQueue []mixdown.MIDIEvent
		dropped  atomic.Int64

		// audio thread only
		incoming *mixdown.MIDIBuffer
		thru     *mixdown.MIDIBuffer
		clock    clockGenerator
		mtc      mtcGenerator

		rec      atomic.Pointer[recording]
		recUsers atomic.Int32
		recMu    sync.Mutex
		resetTx  atomic.Bool
	}

	// queuedEvent is an incoming message with its arrival time.
	queuedEvent struct {
		event mixdown.MIDIEvent
		at    time.Time
	}

	recording struct {
		track   mixdown.Track
		start   float64
		events  chan mixdown.TimedEvent
		stop    chan struct{}
		done    chan mixdown.Sequence
		dropped atomic.Int64
	}

	// RecordingResult is the Data of a MsgRecordingFinished message.
	RecordingResult struct {
		Track     mixdown.Track
		StartTime float64
		Sequence  mixdown.Sequence
	}
)

func New(log logrus.FieldLogger, broker *mixdown.Broker) *Sequencer {
	s := &Sequencer{
		log:      log.WithField("component", "sequencer"),
		broker:   broker,
		now:      time.Now,
		inQueue:  make([]queuedEvent, 0, QueueSize),
		outQueue: make([]mixdown.MIDIEvent, 0, QueueSize),
		incoming: mixdown.NewMIDIBuffer(QueueSize),
		thru:     mixdown.NewMIDIBuffer(QueueSize),
	}
	def := DefaultSettings()
	s.settings.Store(&def)
	return s
}

// SetClock replaces the clock that stamps incoming messages. It must be
// called before the sequencer is in use.
func (s *Sequencer) SetClock(now func() time.Time) {
	s.now = now
}

// Settings returns a copy of the current settings.
func (s *Sequencer) Settings() Settings {
	return *s.settings.Load()
}

// SetSettings replaces all settings. It reports whether anything changed.
func (s *Sequencer) SetSettings(n Settings) bool {
	return s.update(func(c *Settings) { *c = n })
}

// update applies fn to a copy of the settings and publishes the copy if it
// differs from the current settings.
func (s *Sequencer) update(fn func(*Settings)) bool {
	s.settingsMu.Lock()
	defer s.settingsMu.Unlock()
	cur := s.settings.Load()
	n := *cur
	fn(&n)
	if n == *cur {
		return false
	}
	if !n.Playback.MTCFormat.valid() {
		n.Playback.MTCFormat = cur.Playback.MTCFormat
	}
	if n.Record.QuantizeGrid <= 0 {
		n.Record.QuantizeGrid = cur.Record.QuantizeGrid
	}
	if n == *cur {
		return false
	}
	if n.Playback.SendClock != cur.Playback.SendClock || n.Playback.SendMTC != cur.Playback.SendMTC {
		s.resetTx.Store(true)
	}
	s.settings.Store(&n)
	s.broker.Publish(mixdown.Message{Kind: mixdown.MsgSequencerChanged})
	return true
}

func (s *Sequencer) SetQuantizeInput(on bool) bool {
	return s.update(func(c *Settings) { c.Record.QuantizeInput = on })
}

// SetQuantizeGrid sets the grid in seconds; grids ≤ 0 are ignored.
func (s *Sequencer) SetQuantizeGrid(grid float64) bool {
	return s.update(func(c *Settings) { c.Record.QuantizeGrid = grid })
}

func (s *Sequencer) SetAutoQuantize(on bool) bool {
	return s.update(func(c *Settings) { c.Record.AutoQuantize = on })
}

// SetRecordMode ignores unknown modes.
func (s *Sequencer) SetRecordMode(m RecordMode) bool {
	if m != RecordOverdub && m != RecordReplace {
		return false
	}
	return s.update(func(c *Settings) { c.Record.Mode = m })
}

func (s *Sequencer) SetVelocityMode(m VelocityMode) bool {
	return s.update(func(c *Settings) { c.Record.VelocityMode = m })
}

func (s *Sequencer) SetVelocityValue(v uint8) bool {
	return s.update(func(c *Settings) { c.Record.VelocityValue = min(max(v, 1), 127) })
}

func (s *Sequencer) SetVelocityScale(scale float64) bool {
	return s.update(func(c *Settings) { c.Record.VelocityScale = max(scale, 0) })
}

func (s *Sequencer) SetFilterChannels(on bool) bool {
	return s.update(func(c *Settings) { c.Record.FilterChannels = on })
}

func (s *Sequencer) SetActiveChannels(set ChannelSet) bool {
	return s.update(func(c *Settings) { c.Record.ActiveChannels = set })
}

func (s *Sequencer) SetChannelActive(ch uint8, active bool) bool {
	return s.update(func(c *Settings) { c.Record.ActiveChannels = c.Record.ActiveChannels.With(ch, active) })
}

func (s *Sequencer) SetFilterNotes(on bool) bool {
	return s.update(func(c *Settings) { c.Record.FilterNotes = on })
}

func (s *Sequencer) SetActiveNotes(set NoteSet) bool {
	return s.update(func(c *Settings) { c.Record.ActiveNotes = set })
}

func (s *Sequencer) SetNoteActive(note uint8, active bool) bool {
	return s.update(func(c *Settings) { c.Record.ActiveNotes = c.Record.ActiveNotes.With(note, active) })
}

func (s *Sequencer) SetThru(on bool) bool {
	return s.update(func(c *Settings) { c.Playback.Thru = on })
}

func (s *Sequencer) SetSendClock(on bool) bool {
	return s.update(func(c *Settings) { c.Playback.SendClock = on })
}

func (s *Sequencer) SetSendMTC(on bool) bool {
	return s.update(func(c *Settings) { c.Playback.SendMTC = on })
}

// SetMTCFormat ignores unknown formats.
func (s *Sequencer) SetMTCFormat(f MTCFormat) bool {
	return s.update(func(c *Settings) { c.Playback.MTCFormat = f })
}

func (s *Sequencer) SetSendMMC(on bool) bool {
	return s.update(func(c *Settings) { c.Playback.SendMMC = on })
}

func (s *Sequencer) SetSendProgramChanges(on bool) bool {
	return s.update(func(c *Settings) { c.Playback.SendProgramChanges = on })
}

func (s *Sequencer) SetSendControlChanges(on bool) bool {
	return s.update(func(c *Settings) { c.Playback.SendControlChanges = on })
}

func (s *Sequencer) SetSendSysEx(on bool) bool {
	return s.update(func(c *Settings) { c.Playback.SendSysEx = on })
}

// Admit reports whether an incoming message passes the filter: it must be a
// note, controller, program change or pitch wheel message, on an active
// channel when channel filtering is on, and for notes, an active note when
// note filtering is on.
func (s *Sequencer) Admit(e *mixdown.MIDIEvent) bool {
	return admit(&s.settings.Load().Record, e)
}

func admit(r *RecordSettings, e *mixdown.MIDIEvent) bool {
	if !e.IsNote() && !e.IsController() && !e.IsProgramChange() && !e.IsPitchWheel() {
		return false
	}
	if r.FilterChannels && !r.ActiveChannels.Has(e.Channel()) {
		return false
	}
	if r.FilterNotes && e.IsNote() && !r.ActiveNotes.Has(e.Note()) {
		return false
	}
	return true
}

// HandleIncoming queues a raw message from a MIDI input for the next block,
// stamped with its arrival time. It is safe to call from any goroutine.
// Messages that fail the filter or arrive while the queue is full are
// dropped; it reports whether msg was queued.
func (s *Sequencer) HandleIncoming(msg []byte) bool {
	e, ok := mixdown.NewMIDIEvent(0, msg)
	if !ok || !s.Admit(&e) {
		return false
	}
	at := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.inQueue) == cap(s.inQueue) {
		s.dropped.Add(1)
		return false
	}
	s.inQueue = append(s.inQueue, queuedEvent{event: e, at: at})
	return true
}

// Dropped returns the number of messages lost because a queue was full.
func (s *Sequencer) Dropped() int64 {
	return s.dropped.Load()
}

// SendMMC queues a machine control command for the next block if MMC is
// enabled. It reports whether the command was queued.
func (s *Sequencer) SendMMC(cmd MMCCommand) bool {
	if !s.settings.Load().Playback.SendMMC {
		return false
	}
	return s.queueOut(MMC(cmd))
}

// Send queues an arbitrary message for output in the next block.
func (s *Sequencer) Send(e mixdown.MIDIEvent) bool {
	e.Frame = 0
	return s.queueOut(e)
}

func (s *Sequencer) queueOut(e mixdown.MIDIEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.outQueue) == cap(s.outQueue) {
		s.dropped.Add(1)
		return false
	}
	s.outQueue = append(s.outQueue, e)
	return true
}

// ProcessInput is called by the audio thread at the start of a block. It
// moves the queued incoming messages into midi, keeps them for thru and
// passes them to an active recording. position is the transport position
// of the block.
//
// Messages keep their relative timing: the block is taken to cover the
// block duration before the call, and each message lands on the frame of
// its arrival within that span. Earlier arrivals go to frame 0.
func (s *Sequencer) ProcessInput(midi *mixdown.MIDIBuffer, position, sampleRate float64, frames int) {
	s.incoming.Clear()
	now := s.now()
	s.mu.Lock()
	for _, q := range s.inQueue {
		q.event.Frame = arrivalFrame(q.at, now, sampleRate, frames)
		s.incoming.Add(q.event)
	}
	s.inQueue = s.inQueue[:0]
	s.mu.Unlock()

	cfg := s.settings.Load()
	s.thru.Clear()
	for _, e := range s.incoming.Events() {
		if midi != nil {
			midi.Add(e)
		}
		if cfg.Playback.Thru {
			s.thru.Add(e)
		}
	}
	s.recUsers.Add(1)
	if r := s.rec.Load(); r != nil {
		r.record(s.incoming, &cfg.Record, position, sampleRate)
	}
	s.recUsers.Add(-1)
}

// arrivalFrame maps an arrival time to a frame of the block of frames
// frames ending at end.
func arrivalFrame(at, end time.Time, sampleRate float64, frames int) int {
	if sampleRate <= 0 || frames <= 0 {
		return 0
	}
	ago := end.Sub(at).Seconds() * sampleRate
	return min(max(frames-int(math.Round(ago)), 0), frames-1)
}

// ProcessIdle is called by the audio thread instead of ProcessInput and
// ProcessOutput for blocks in which the transport is stopped. Incoming
// messages go to out when thru is on but are neither played nor recorded;
// queued messages such as MMC are sent. No clock or time code is generated.
func (s *Sequencer) ProcessIdle(out *mixdown.MIDIBuffer) {
	cfg := &s.settings.Load().Playback
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.Thru {
		for _, q := range s.inQueue {
			if cfg.passes(&q.event) {
				out.Add(q.event)
			}
		}
	}
	s.inQueue = s.inQueue[:0]
	for _, e := range s.outQueue {
		if cfg.passes(&e) {
			out.Add(e)
		}
	}
	s.outQueue = s.outQueue[:0]
}

// record runs on the audio thread; it never blocks.
func (r *recording) record(events *mixdown.MIDIBuffer, cfg *RecordSettings, position, sampleRate float64) {
	for _, e := range events.Events() {
		t := position - r.start
		if sampleRate > 0 {
			t += float64(e.Frame) / sampleRate
		}
		if cfg.QuantizeInput {
			t = Quantize(t, cfg.QuantizeGrid)
		}
		if e.IsNoteOn() {
			e.SetVelocity(cfg.apply(e.Velocity()))
		}
		e.Frame = 0
		if !mixdown.TrySend(r.events, mixdown.TimedEvent{Time: max(t, 0), Event: e}) {
			r.dropped.Add(1)
		}
	}
}

// ProcessOutput is called by the audio thread after the mixer. It adds to
// out the thru messages of this block, queued messages such as MMC, and
// clock and time code for the block starting at position.
func (s *Sequencer) ProcessOutput(out *mixdown.MIDIBuffer, position, bpm, sampleRate float64, frames int) {
	cfg := &s.settings.Load().Playback
	if s.resetTx.Swap(false) {
		s.clock.reset()
		s.mtc.reset()
	}
	for _, e := range s.thru.Events() {
		if cfg.passes(&e) {
			out.Add(e)
		}
	}
	s.mu.Lock()
	for _, e := range s.outQueue {
		if cfg.passes(&e) {
			out.Add(e)
		}
	}
	s.outQueue = s.outQueue[:0]
	s.mu.Unlock()

	b := block{position: position, sampleRate: sampleRate, frames: frames}
	if cfg.SendClock {
		s.clock.generate(out, b, bpm)
	}
	if cfg.SendMTC {
		s.mtc.generate(out, b, cfg.MTCFormat)
	}
}

// passes applies the program change, control change and SysEx output
// toggles.
func (p *PlaybackSettings) passes(e *mixdown.MIDIEvent) bool {
	switch {
	case e.IsProgramChange():
		return p.SendProgramChanges
	case e.IsController():
		return p.SendControlChanges
	case e.IsSysEx():
		return p.SendSysEx
	}
	return true
}

// ResetTimecode makes the clock and time code generators resynchronize on
// the next block, as after a seek.
func (s *Sequencer) ResetTimecode() {
	s.resetTx.Store(true)
}

// StartRecording starts recording incoming MIDI for track. Any recording in
// progress is finished first. position is the transport position the
// recorded times are relative to.
func (s *Sequencer) StartRecording(track mixdown.Track, position float64) error {
	if track == nil || track.Type() != mixdown.TrackMIDI {
		return ErrNotMIDITrack
	}
	s.recMu.Lock()
	defer s.recMu.Unlock()
	s.stopRecording()
	r := &recording{
		track:  track,
		start:  position,
		events: make(chan mixdown.TimedEvent, RecordBufferSize),
		stop:   make(chan struct{}),
		done:   make(chan mixdown.Sequence, 1),
	}
	go r.collect()
	s.rec.Store(r)
	s.log.WithField("track", track.Name()).WithField("position", position).Info("MIDI recording started")
	return nil
}

func (s *Sequencer) Recording() bool {
	return s.rec.Load() != nil
}

// RecordingTrack returns the track being recorded, or nil.
func (s *Sequencer) RecordingTrack() mixdown.Track {
	if r := s.rec.Load(); r != nil {
		return r.track
	}
	return nil
}

// StopRecording finishes the recording in progress and returns what was
// recorded, or nil when not recording. With auto quantize on, note ons are
// snapped to the grid and their note offs moved along. The sequence is
// handed to the track if it implements mixdown.SequenceAppender; in
// RecordReplace mode a mixdown.RangeClearer track first drops what the take covers. A
// MsgRecordingFinished message carries a RecordingResult.
func (s *Sequencer) StopRecording() mixdown.Sequence {
	s.recMu.Lock()
	defer s.recMu.Unlock()
	return s.stopRecording()
}

func (s *Sequencer) stopRecording() mixdown.Sequence {
	r := s.rec.Swap(nil)
	if r == nil {
		return nil
	}
	s.waitHandOff()
	close(r.stop)
	seq := <-r.done
	seq.Sort()
	cfg := s.settings.Load().Record
	if cfg.AutoQuantize {
		QuantizeSequence(seq, cfg.QuantizeGrid)
	}
	log := s.log.WithField("track", r.track.Name()).WithField("events", len(seq))
	if n := r.dropped.Load(); n > 0 {
		log.WithField("dropped", n).Warn("recording buffer overflowed; events were lost")
	}
	if len(seq) > 0 {
		if c, ok := r.track.(mixdown.RangeClearer); ok && cfg.Mode == RecordReplace {
			c.ClearRange(r.start, r.start+seq.Duration())
		}
		if a, ok := r.track.(mixdown.SequenceAppender); ok {
			a.AppendSequence(seq.Copy(), r.start)
		} else {
			log.Warn("track does not accept recorded MIDI")
		}
	}
	s.broker.Publish(mixdown.Message{Kind: mixdown.MsgRecordingFinished, Data: RecordingResult{Track: r.track, StartTime: r.start, Sequence: seq}})
	log.Info("MIDI recording stopped")
	return seq
}

// waitHandOff waits until no block is passing events to a take it loaded
// before the take was swapped out.
func (s *Sequencer) waitHandOff() {
	deadline := time.Now().Add(handOffTimeout)
	for s.recUsers.Load() != 0 {
		if time.Now().After(deadline) {
			s.log.Warn("audio thread did not finish its block in time; the last recorded events may be lost")
			return
		}
		runtime.Gosched()
	}
}

// collect gathers recorded events until stop is closed, then drains what is
// left and delivers the sequence.
func (r *recording) collect() {
	var seq mixdown.Sequence
	for {
		select {
		case e := <-r.events:
			seq = append(seq, e)
		case <-r.stop:
			for {
				select {
				case e := <-r.events:
					seq = append(seq, e)
				default:
					r.done <- seq
					return
				}
			}
		}
	}
}
