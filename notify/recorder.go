package notify

import (
	"sync"

	"github.com/rigado/ble-llc"
	"github.com/rigado/ble-llc/env"
	"github.com/rigado/ble-llc/llcp"
)

// Scheduled is a control PDU seen by the Recorder radio.
type Scheduled struct {
	Handle  llc.Handle
	Opcode  llcp.Opcode
	Payload []byte
}

// PDU decodes the scheduled PDU.
func (s Scheduled) PDU() (llcp.PDU, error) {
	return llcp.Parse(append([]byte{byte(s.Opcode)}, s.Payload...))
}

// ChannelMapCommit is a CommitChannelMap call seen by the Recorder.
type ChannelMapCommit struct {
	Handle  llc.Handle
	Map     llcp.ChannelMap
	Instant uint16
}

// ParamsCommit is an ApplyParameters call seen by the Recorder.
type ParamsCommit struct {
	Handle  llc.Handle
	Params  llcp.ConnParams
	Instant uint16
}

// Recorder is a Host and Radio keeping everything it is given.
type Recorder struct {
	sync.Mutex

	Events      []llc.Event
	PDUs        []Scheduled
	ChannelMaps []ChannelMapCommit
	Params      []ParamsCommit
	Fragments   map[llc.Handle][]*env.Fragment
}

func NewRecorder() *Recorder {
	return &Recorder{Fragments: make(map[llc.Handle][]*env.Fragment)}
}

func (r *Recorder) Notify(e llc.Event) error {
	r.Lock()
	defer r.Unlock()
	r.Events = append(r.Events, e)
	return nil
}

func (r *Recorder) ScheduleLLCP(h llc.Handle, op llcp.Opcode, payload []byte) error {
	r.Lock()
	defer r.Unlock()
	r.PDUs = append(r.PDUs, Scheduled{Handle: h, Opcode: op, Payload: append([]byte(nil), payload...)})
	return nil
}

func (r *Recorder) CommitChannelMap(h llc.Handle, m llcp.ChannelMap, instant uint16) error {
	r.Lock()
	defer r.Unlock()
	r.ChannelMaps = append(r.ChannelMaps, ChannelMapCommit{Handle: h, Map: m, Instant: instant})
	return nil
}

func (r *Recorder) ApplyParameters(h llc.Handle, p llcp.ConnParams, instant uint16) error {
	r.Lock()
	defer r.Unlock()
	r.Params = append(r.Params, ParamsCommit{Handle: h, Params: p, Instant: instant})
	return nil
}

func (r *Recorder) Transmit(h llc.Handle, ff []*env.Fragment) error {
	r.Lock()
	defer r.Unlock()
	r.Fragments[h] = append(r.Fragments[h], ff...)
	return nil
}

// EventsOf returns the recorded events with code c.
func (r *Recorder) EventsOf(c llc.EventCode) []llc.Event {
	r.Lock()
	defer r.Unlock()

	var out []llc.Event
	for _, e := range r.Events {
		if e.Code() == c {
			out = append(out, e)
		}
	}
	return out
}

// Sent returns the opcodes scheduled on h, in order.
func (r *Recorder) Sent(h llc.Handle) []llcp.Opcode {
	r.Lock()
	defer r.Unlock()

	var out []llcp.Opcode
	for _, s := range r.PDUs {
		if s.Handle == h {
			out = append(out, s.Opcode)
		}
	}
	return out
}

// Last returns the last PDU scheduled on h.
func (r *Recorder) Last(h llc.Handle) (Scheduled, bool) {
	r.Lock()
	defer r.Unlock()

	for i := len(r.PDUs) - 1; i >= 0; i-- {
		if r.PDUs[i].Handle == h {
			return r.PDUs[i], true
		}
	}
	return Scheduled{}, false
}

// Reset forgets everything recorded.
func (r *Recorder) Reset() {
	r.Lock()
	defer r.Unlock()
	r.Events = nil
	r.PDUs = nil
	r.ChannelMaps = nil
	r.Params = nil
	r.Fragments = make(map[llc.Handle][]*env.Fragment)
}
