package mixdown

import (
	"sync"
	"sync/atomic"
	"time"
)

type (
	// Broker fans out messages about engine state to any number of
	// subscribers. Each subscriber has its own buffered channel. Publish never
	// blocks: if a subscriber's channel is full, the message is dropped for
	// that subscriber only. The subscriber list is copied on write, so Publish
	// takes no lock and can be called from the audio thread.
	//
	// A nil *Broker is valid and discards everything.
	Broker struct {
		mu   sync.Mutex
		subs atomic.Pointer[[]chan Message]
	}

	// Message is a notification published on the broker. The frequently sent
	// data (transport, CPU) is not boxed to avoid allocations; infrequent
	// payloads go to Data.
	Message struct {
		Kind      MessageKind
		Transport TransportState
		CPU       CPUInfo
		Alert     Alert
		Data      any
	}

	MessageKind int

	Alert struct {
		Name     string
		Message  string
		Priority AlertPriority
	}

	AlertPriority int
)

const (
	MsgNone MessageKind = iota
	MsgTransport
	MsgCPU
	MsgXRun
	MsgAlert
	MsgRecordingFinished
	MsgDeviceChanged
	MsgMixerChanged
	MsgSequencerChanged
)

const (
	Info AlertPriority = iota
	Warning
	Error
)

func NewBroker() *Broker {
	return &Broker{}
}

// Subscribe returns a new channel receiving every published message.
func (b *Broker) Subscribe(capacity int) <-chan Message {
	c := make(chan Message, capacity)
	b.mu.Lock()
	defer b.mu.Unlock()
	var next []chan Message
	if cur := b.subs.Load(); cur != nil {
		next = append(next, *cur...)
	}
	next = append(next, c)
	b.subs.Store(&next)
	return c
}

// Unsubscribe removes a channel returned by Subscribe. The channel is not
// closed: a Publish running concurrently may still send to it, so the
// subscriber stops reading on its own signal.
func (b *Broker) Unsubscribe(c <-chan Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur := b.subs.Load()
	if cur == nil {
		return
	}
	next := make([]chan Message, 0, len(*cur))
	for _, s := range *cur {
		if s == c {
			continue
		}
		next = append(next, s)
	}
	b.subs.Store(&next)
}

func (b *Broker) Publish(m Message) {
	if b == nil {
		return
	}
	subs := b.subs.Load()
	if subs == nil {
		return
	}
	for _, c := range *subs {
		TrySend(c, m)
	}
}

// SendAlert publishes an alert message.
func (b *Broker) SendAlert(name, message string, priority AlertPriority) {
	b.Publish(Message{Kind: MsgAlert, Alert: Alert{Name: name, Message: message, Priority: priority}})
}

// TrySend is a helper function to send a value to a channel if it is not full.
// It is guaranteed to be non-blocking. Return true if the value was sent, false
// otherwise.
func TrySend[T any](c chan<- T, v T) bool {
	select {
	case c <- v:
	default:
		return false
	}
	return true
}

// TimeoutReceive is a helper function to block until a value is received from a
// channel, or timing out after t. ok will be false if the timeout occurred or
// if the channel is closed.
func TimeoutReceive[T any](c <-chan T, t time.Duration) (v T, ok bool) {
	select {
	case v, ok = <-c:
		return v, ok
	case <-time.After(t):
		return v, false
	}
}
