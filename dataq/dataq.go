// Package dataq fragments outbound host data, tracks it through the radio and
// returns flow control credit to the host once packets complete.
package dataq

import (
	"github.com/pkg/errors"
	"github.com/rigado/ble-llc"
	"github.com/rigado/ble-llc/env"
)

// Emitter delivers events to the host.
type Emitter interface {
	Emit(e llc.Event)
}

// Manager is the data queue manager of all connections. Calls for one handle
// must not run concurrently.
type Manager struct {
	store      *env.Store
	pool       *Pool
	maxPackets int
	sink       Emitter
}

// NewManager returns a manager drawing descriptors from pool.
func NewManager(cfg *llc.Config, store *env.Store, pool *Pool, sink Emitter) *Manager {
	return &Manager{
		store:      store,
		pool:       pool,
		maxPackets: cfg.MaxPendingPackets,
		sink:       sink,
	}
}

func (m *Manager) get(h llc.Handle) (*env.Environment, error) {
	e, err := m.store.Get(h)
	if err != nil {
		return nil, err
	}
	if e.Queues.Credits == nil {
		e.Queues.Credits = NewClient(m.pool)
	}
	return e, nil
}

// Enqueue fragments data to the current effective size and appends it to
// the pending queue. It fails with ErrResourceExhausted while the link is
// flow controlled for encryption or when the budget is used up; the caller
// retries later.
func (m *Manager) Enqueue(h llc.Handle, data []byte, continuation bool) error {
	e, err := m.get(h)
	if err != nil {
		return err
	}

	if e.Security.TxFlowControlled {
		return errors.Wrapf(llc.ErrResourceExhausted, "%s: tx flow controlled", h)
	}
	if e.Flags.DiscardLLCP {
		return errors.Wrapf(llc.ErrUnknownConnection, "%s: disconnecting", h)
	}
	if e.Queues.Packets >= m.maxPackets {
		return errors.Wrapf(llc.ErrResourceExhausted, "%s: %d packets queued", h, e.Queues.Packets)
	}

	p := &env.Packet{Data: append([]byte(nil), data...), Continuation: continuation}
	ff := fragment(p, e.Length.TxSize())
	if !e.Queues.Credits.TryGet(len(ff)) {
		return errors.Wrapf(llc.ErrResourceExhausted, "%s: no descriptors for %d fragments", h, len(ff))
	}

	e.Queues.Pending = append(e.Queues.Pending, ff...)
	e.Queues.Packets++
	e.Log().Debug("dataq", "enqueue", "len", len(data), "fragments", len(ff))
	return nil
}

// fragment splits p into pieces of at most size octets. An empty packet is a
// single empty fragment.
func fragment(p *env.Packet, size int) []*env.Fragment {
	if size < 1 {
		size = 1
	}

	var ff []*env.Fragment
	b := p.Data
	for first := true; first || len(b) > 0; first = false {
		n := len(b)
		if n > size {
			n = size
		}
		ff = append(ff, &env.Fragment{
			Data:    b[:n:n],
			Start:   first && !p.Continuation,
			Packets: []*env.Packet{p},
		})
		b = b[n:]
	}
	p.Remaining = len(ff)
	return ff
}

// normalize coalesces empty start fragments not yet handed to the radio
// into the fragment that follows them.
func (m *Manager) normalize(e *env.Environment) {
	q := &e.Queues
	for i := q.Scheduled; i < len(q.Pending)-1; {
		f := q.Pending[i]
		if !f.Start || len(f.Data) > 0 {
			i++
			continue
		}

		next := q.Pending[i+1]
		next.Start = true
		next.Packets = append(f.Packets, next.Packets...)
		q.Pending = append(q.Pending[:i], q.Pending[i+1:]...)
		q.Credits.Put(1)
		e.Log().Debug("dataq", "squashed empty start fragment")
	}
}

// Next returns up to max fragments for a transmit opportunity. Nothing is
// returned while TX is flow controlled. An empty start fragment at the tail
// is held back until a fragment follows it.
func (m *Manager) Next(h llc.Handle, max int) ([]*env.Fragment, error) {
	e, err := m.get(h)
	if err != nil {
		return nil, err
	}
	if e.Security.TxFlowControlled || max <= 0 {
		return nil, nil
	}

	m.normalize(e)

	q := &e.Queues
	end := q.Scheduled + max
	if end > len(q.Pending) {
		end = len(q.Pending)
	}
	if end > q.Scheduled {
		if last := q.Pending[end-1]; end == len(q.Pending) && last.Start && len(last.Data) == 0 {
			end--
		}
	}

	out := make([]*env.Fragment, 0, end-q.Scheduled)
	for _, f := range q.Pending[q.Scheduled:end] {
		for _, p := range f.Packets {
			p.Touched = true
		}
		out = append(out, f)
	}
	q.Scheduled = end
	return out, nil
}

// OnTransmitted moves n fragments from the head of the pending queue to the
// unacknowledged queue. Fragments flushed after they were handed to the
// radio are accounted first; their acknowledgements are then absorbed.
func (m *Manager) OnTransmitted(h llc.Handle, n int) error {
	e, err := m.get(h)
	if err != nil {
		return err
	}
	m.normalize(e)

	q := &e.Queues
	if q.FlushedScheduled > 0 {
		a := n
		if a > q.FlushedScheduled {
			a = q.FlushedScheduled
		}
		q.FlushedScheduled -= a
		q.Flushed += a
		n -= a
	}

	k := n
	if k > len(q.Pending) {
		k = len(q.Pending)
	}
	for _, f := range q.Pending[:k] {
		for _, p := range f.Packets {
			p.Touched = true
		}
	}

	q.Unacked = append(q.Unacked, q.Pending[:k]...)
	q.Pending = append([]*env.Fragment(nil), q.Pending[k:]...)
	q.Scheduled -= k
	if q.Scheduled < 0 {
		q.Scheduled = 0
	}

	if k < n {
		return errors.Wrapf(llc.ErrInvalidParameters, "%s: transmitted %d of %d pending", h, n, k)
	}
	return nil
}

// OnAcked removes n fragments, oldest first. Acknowledgements owed for
// flushed fragments are absorbed first. Each packet whose last fragment is
// removed is reported completed once.
func (m *Manager) OnAcked(h llc.Handle, n int) error {
	e, err := m.get(h)
	if err != nil {
		return err
	}

	q := &e.Queues
	if q.Flushed > 0 {
		a := n
		if a > q.Flushed {
			a = q.Flushed
		}
		q.Flushed -= a
		n -= a
	}

	k := n
	if k > len(q.Unacked) {
		k = len(q.Unacked)
	}
	for _, f := range q.Unacked[:k] {
		for _, p := range f.Packets {
			p.Remaining--
			if p.Remaining <= 0 {
				m.complete(e, p)
			}
		}
	}
	q.Unacked = append([]*env.Fragment(nil), q.Unacked[k:]...)
	q.Credits.Put(k)

	if k < n {
		return errors.Wrapf(llc.ErrInvalidParameters, "%s: acked %d of %d unacked", h, n, k)
	}
	return nil
}

func (m *Manager) complete(e *env.Environment, p *env.Packet) {
	if p.Done {
		return
	}
	p.Done = true
	e.Queues.Packets--
	m.sink.Emit(llc.NumberOfCompletedPackets{Handle: e.Handle, Count: 1})
}

// Flush drops every queued fragment. The unacknowledged and scheduled counts
// are remembered so late reports from the radio are absorbed, and
// every packet touched is reported completed so host credit isn't leaked.
// It returns the number of fragments dropped.
func (m *Manager) Flush(h llc.Handle) (int, error) {
	e, err := m.get(h)
	if err != nil {
		return 0, err
	}

	q := &e.Queues
	dropped := len(q.Pending) + len(q.Unacked)
	q.Flushed += len(q.Unacked)
	q.FlushedScheduled += q.Scheduled

	for _, qq := range [][]*env.Fragment{q.Unacked, q.Pending} {
		for _, f := range qq {
			for _, p := range f.Packets {
				m.complete(e, p)
			}
		}
	}

	q.Pending = nil
	q.Unacked = nil
	q.Scheduled = 0
	q.Packets = 0
	q.Credits.PutAll()

	e.Log().Debug("dataq", "flush", "dropped", dropped, "flushed", q.Flushed, "in radio", q.FlushedScheduled)
	return dropped, nil
}

// Resize re-fragments pending packets nothing was sent of yet, after the
// effective data length changed.
func (m *Manager) Resize(h llc.Handle) error {
	e, err := m.get(h)
	if err != nil {
		return err
	}

	q := &e.Queues
	size := e.Length.TxSize()
	out := make([]*env.Fragment, 0, len(q.Pending))
	out = append(out, q.Pending[:q.Scheduled]...)

	for i := q.Scheduled; i < len(q.Pending); {
		f := q.Pending[i]
		if len(f.Packets) != 1 || f.Packets[0].Touched {
			out = append(out, f)
			i++
			continue
		}

		p := f.Packets[0]
		j := i
		for j < len(q.Pending) && len(q.Pending[j].Packets) == 1 && q.Pending[j].Packets[0] == p {
			j++
		}
		if j-i != p.Remaining {
			out = append(out, q.Pending[i:j]...)
			i = j
			continue
		}

		ff := fragment(p, size)
		switch d := len(ff) - (j - i); {
		case d > 0 && !q.Credits.TryGet(d):
			p.Remaining = j - i
			out = append(out, q.Pending[i:j]...)
			i = j
			continue
		case d < 0:
			q.Credits.Put(-d)
		}
		out = append(out, ff...)
		i = j
	}

	q.Pending = out
	return nil
}

// Outstanding returns the number of pending and unacknowledged fragments.
func (m *Manager) Outstanding(h llc.Handle) (pending, unacked int, err error) {
	e, err := m.store.Get(h)
	if err != nil {
		return 0, 0, err
	}
	return len(e.Queues.Pending), len(e.Queues.Unacked), nil
}
