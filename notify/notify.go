// Package notify connects the controller to its collaborators: events go up
// to the host, control PDUs and scheduling commands go down to the radio.
package notify

import (
	"sync"

	"github.com/rigado/ble-llc"
	"github.com/rigado/ble-llc/env"
	"github.com/rigado/ble-llc/llcp"
)

// Host receives upward notifications.
type Host interface {
	Notify(e llc.Event) error
}

// Radio is the link layer driver below the controller.
type Radio interface {
	// ScheduleLLCP queues a control PDU for transmission.
	ScheduleLLCP(h llc.Handle, op llcp.Opcode, payload []byte) error
	// CommitChannelMap programs a channel map to take effect at instant.
	CommitChannelMap(h llc.Handle, m llcp.ChannelMap, instant uint16) error
	// ApplyParameters programs new connection parameters for instant.
	ApplyParameters(h llc.Handle, p llcp.ConnParams, instant uint16) error
	// Transmit hands data fragments over for the next connection events.
	Transmit(h llc.Handle, ff []*env.Fragment) error
}

// HostFunc adapts a function to Host.
type HostFunc func(e llc.Event) error

func (f HostFunc) Notify(e llc.Event) error { return f(e) }

// Notifier fans events out to the host and commands down to the radio. Sink
// failures are logged, never returned to the procedure that caused them.
type Notifier struct {
	host  Host
	radio Radio
	trace *Trace

	mu   sync.Mutex
	held map[llc.Handle][]llc.Event
}

// New returns a notifier. trace may be nil.
func New(host Host, radio Radio, trace *Trace) *Notifier {
	return &Notifier{host: host, radio: radio, trace: trace, held: make(map[llc.Handle][]llc.Event)}
}

// Emit delivers e to the host.
func (n *Notifier) Emit(e llc.Event) {
	if n.host == nil {
		return
	}
	n.mu.Lock()
	if ee, ok := n.held[e.ConnHandle()]; ok {
		n.held[e.ConnHandle()] = append(ee, e)
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()
	n.deliver(e)
}

// Hold buffers the events of h until Release.
func (n *Notifier) Hold(h llc.Handle) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.held[h]; !ok {
		n.held[h] = []llc.Event{}
	}
}

// Release delivers first, then the events held for h.
func (n *Notifier) Release(h llc.Handle, first llc.Event) {
	n.mu.Lock()
	ee := n.held[h]
	delete(n.held, h)
	n.mu.Unlock()

	if n.host == nil {
		return
	}
	if first != nil {
		n.deliver(first)
	}
	for _, e := range ee {
		n.deliver(e)
	}
}

func (n *Notifier) deliver(e llc.Event) {
	if err := n.host.Notify(e); err != nil {
		llc.GetLogger().Errorf("notify: dropped event 0x%04X for %s: %v", uint16(e.Code()), e.ConnHandle(), err)
	}
}

// Send schedules p on h.
func (n *Notifier) Send(h llc.Handle, p llcp.PDU) error {
	b := llcp.Encode(p)
	n.trace.Add(Record{Dir: Tx, Handle: h, Opcode: p.Opcode(), Payload: b})
	return n.radio.ScheduleLLCP(h, p.Opcode(), b)
}

// Received traces an inbound control PDU.
func (n *Notifier) Received(h llc.Handle, b []byte) {
	if len(b) == 0 {
		return
	}
	n.trace.Add(Record{Dir: Rx, Handle: h, Opcode: llcp.Opcode(b[0]), Payload: append([]byte(nil), b[1:]...)})
}

func (n *Notifier) CommitChannelMap(h llc.Handle, m llcp.ChannelMap, instant uint16) error {
	return n.radio.CommitChannelMap(h, m, instant)
}

func (n *Notifier) ApplyParameters(h llc.Handle, p llcp.ConnParams, instant uint16) error {
	return n.radio.ApplyParameters(h, p, instant)
}

func (n *Notifier) Transmit(h llc.Handle, ff []*env.Fragment) error {
	if len(ff) == 0 {
		return nil
	}
	return n.radio.Transmit(h, ff)
}

// Trace returns the PDU trace, or nil.
func (n *Notifier) Trace() *Trace { return n.trace }
