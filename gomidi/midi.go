// Package gomidi connects MIDI ports to the engine over the rtmidi driver of
// gitlab.com/gomidi/midi/v2.
package gomidi

import (
	"errors"
	"fmt"
	"sync"

	"github.com/mixdown/mixdown"
	"github.com/sirupsen/logrus"
	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
	"gitlab.com/gomidi/midi/v2/drivers/rtmididrv"
)

var errNoDriver = errors.New("no MIDI driver available")

type (
	// Handler receives the raw incoming messages, on the driver's goroutine.
	// *engine.Engine implements it.
	Handler interface {
		HandleMIDI(msg []byte)
	}

	RTMIDIContext struct {
		log     logrus.FieldLogger
		driver  *rtmididrv.Driver
		handler Handler

		mu     sync.Mutex
		inputs []openInput
		out    drivers.Out
		send   func(midi.Message) error
		done   chan struct{}
		wg     sync.WaitGroup
	}

	openInput struct {
		in   drivers.In
		stop func()
	}
)

// NewContext opens the driver. If that fails the context still works but
// has no ports.
func NewContext(handler Handler, log logrus.FieldLogger) *RTMIDIContext {
	c := &RTMIDIContext{log: log, handler: handler, done: make(chan struct{})}
	var err error
	if c.driver, err = rtmididrv.New(); err != nil {
		c.driver = nil
		log.WithError(err).Warn("MIDI driver unavailable")
	}
	return c
}

func (c *RTMIDIContext) Inputs() ([]string, error) {
	if c.driver == nil {
		return nil, errNoDriver
	}
	ins, err := c.driver.Ins()
	if err != nil {
		return nil, err
	}
	names := make([]string, len(ins))
	for i, in := range ins {
		names[i] = in.String()
	}
	return names, nil
}

func (c *RTMIDIContext) Outputs() ([]string, error) {
	if c.driver == nil {
		return nil, errNoDriver
	}
	outs, err := c.driver.Outs()
	if err != nil {
		return nil, err
	}
	names := make([]string, len(outs))
	for i, out := range outs {
		names[i] = out.String()
	}
	return names, nil
}

// OpenInputs opens every input port whose name starts with one of the
// prefixes and returns how many were opened.
func (c *RTMIDIContext) OpenInputs(prefixes ...string) (int, error) {
	if c.driver == nil {
		return 0, errNoDriver
	}
	ins, err := c.driver.Ins()
	if err != nil {
		return 0, err
	}
	n := 0
	var errs []error
	for _, in := range ins {
		for _, p := range prefixes {
			if !mixdown.MatchDeviceName(in.String(), p) {
				continue
			}
			if err := c.listen(in); err != nil {
				errs = append(errs, err)
			} else {
				n++
			}
			break
		}
	}
	if n == 0 && len(errs) == 0 && len(prefixes) > 0 {
		return 0, fmt.Errorf("no MIDI input matching %q", prefixes)
	}
	return n, errors.Join(errs...)
}

func (c *RTMIDIContext) listen(in drivers.In) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, o := range c.inputs {
		if o.in == in {
			return nil
		}
	}
	if err := in.Open(); err != nil {
		return fmt.Errorf("opening MIDI input %s failed: %w", in, err)
	}
	stop, err := midi.ListenTo(in, c.handleMessage, midi.UseSysEx(), midi.HandleError(func(err error) {
		c.log.WithError(err).WithField("port", in.String()).Warn("MIDI input error")
	}))
	if err != nil {
		in.Close()
		return fmt.Errorf("listening to MIDI input %s failed: %w", in, err)
	}
	c.inputs = append(c.inputs, openInput{in: in, stop: stop})
	c.log.WithField("port", in.String()).Info("MIDI input opened")
	return nil
}

// handleMessage runs on the driver's goroutine as each message arrives. The
// handler stamps the message with its arrival time, which places it within
// the audio block; the driver timestamp counts from when the port was opened
// and is not used.
func (c *RTMIDIContext) handleMessage(msg midi.Message, _ int32) {
	if c.handler != nil {
		c.handler.HandleMIDI(msg)
	}
}

// OpenOutput opens the first output port starting with name. With virtual
// set a new virtual port called name is created instead.
func (c *RTMIDIContext) OpenOutput(name string, virtual bool) error {
	if c.driver == nil {
		return errNoDriver
	}
	var out drivers.Out
	if virtual {
		o, err := c.driver.OpenVirtualOut(name)
		if err != nil {
			return fmt.Errorf("creating virtual MIDI output %s failed: %w", name, err)
		}
		out = o
	} else {
		outs, err := c.driver.Outs()
		if err != nil {
			return err
		}
		for _, o := range outs {
			if mixdown.MatchDeviceName(o.String(), name) {
				out = o
				break
			}
		}
		if out == nil {
			return fmt.Errorf("no MIDI output matching %q", name)
		}
		if err := out.Open(); err != nil {
			return fmt.Errorf("opening MIDI output %s failed: %w", out, err)
		}
	}
	send, err := midi.SendTo(out)
	if err != nil {
		out.Close()
		return err
	}
	c.mu.Lock()
	if c.out != nil {
		c.out.Close()
	}
	c.out, c.send = out, send
	c.mu.Unlock()
	c.log.WithField("port", out.String()).Info("MIDI output opened")
	return nil
}

// Forward sends the events received from events to the output port until
// the context is closed or events is closed. Events are dropped while no
// output is open.
func (c *RTMIDIContext) Forward(events <-chan mixdown.MIDIEvent) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.done:
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				c.mu.Lock()
				send := c.send
				c.mu.Unlock()
				if send == nil {
					continue
				}
				if err := send(midi.Message(e.Bytes())); err != nil {
					c.log.WithError(err).Debug("MIDI send failed")
				}
			}
		}
	}()
}

func (c *RTMIDIContext) Close() {
	close(c.done)
	c.wg.Wait()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, o := range c.inputs {
		o.stop()
		o.in.Close()
	}
	c.inputs = nil
	if c.out != nil {
		c.out.Close()
		c.out, c.send = nil, nil
	}
	if c.driver != nil {
		c.driver.Close()
	}
}
