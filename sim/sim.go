// Package sim connects two controllers back to back over an ideal radio.
// Control PDUs and data reach the peer in order and without loss, every
// fragment is acknowledged and connection events advance in lock step.
//
// Radio calls made by a controller are queued and delivered once Dispatch
// returned, so no controller is re-entered for the handle it is serving.
package sim

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/rigado/ble-llc"
	"github.com/rigado/ble-llc/controller"
	"github.com/rigado/ble-llc/env"
	"github.com/rigado/ble-llc/llcp"
	"github.com/rigado/ble-llc/notify"
)

// maxDeliveries bounds one Drain; a pair of controllers that keeps talking
// longer than this is stuck in a loop.
const maxDeliveries = 10000

// ErrRunaway is returned when the controllers never go quiet.
var ErrRunaway = errors.New("controllers keep exchanging pdus")

// SideConfig sets up one end of the link.
type SideConfig struct {
	Config   *llc.Config
	Addr     llc.Addr
	AddrType llc.AddrType
	// Host, if set, gets every event in addition to the side's Recorder.
	Host notify.Host
	Opts []controller.Option
}

// Side is one end of the link.
type Side struct {
	Role     llc.Role
	Addr     llc.Addr
	AddrType llc.AddrType
	Ctl      *controller.Controller
	// Host records every event and radio command of the side.
	Host *notify.Recorder

	mu       sync.Mutex
	received [][]byte

	link *Link
	peer *Side
}

// Received returns the upper layer packets delivered to the side's host.
func (s *Side) Received() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.received...)
}

func (s *Side) onData(_ llc.Handle, data []byte, start bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if start || len(s.received) == 0 {
		s.received = append(s.received, nil)
	}
	i := len(s.received) - 1
	s.received[i] = append(s.received[i], data...)
}

type delivery struct {
	to *Side
	ev controller.Event
}

// Link is a simulated connection between a central and a peripheral.
type Link struct {
	Handle     llc.Handle
	Params     llcp.ConnParams
	Central    *Side
	Peripheral *Side
	// Counter is the current connection event counter.
	Counter uint16

	mu    sync.Mutex
	queue []delivery
	up    bool
	err   func(error)
}

// New builds both controllers. The link is not up until Connect.
func New(h llc.Handle, p llcp.ConnParams, central, peripheral SideConfig) (*Link, error) {
	l := &Link{Handle: h, Params: p, err: func(err error) {
		llc.GetLogger().Debug("sim", err)
	}}

	var err error
	if l.Central, err = l.newSide(llc.RoleCentral, central); err != nil {
		return nil, errors.Wrap(err, "central")
	}
	if l.Peripheral, err = l.newSide(llc.RolePeripheral, peripheral); err != nil {
		return nil, errors.Wrap(err, "peripheral")
	}
	l.Central.peer, l.Peripheral.peer = l.Peripheral, l.Central
	return l, nil
}

func (l *Link) newSide(role llc.Role, sc SideConfig) (*Side, error) {
	cfg := sc.Config
	if cfg == nil {
		cfg = llc.DefaultConfig()
	}
	s := &Side{Role: role, Addr: sc.Addr, AddrType: sc.AddrType, Host: notify.NewRecorder(), link: l}

	var host notify.Host = s.Host
	if sc.Host != nil {
		host = notify.Multi(s.Host, sc.Host)
	}
	opts := append([]controller.Option{controller.OptDataHandler(s.onData)}, sc.Opts...)

	var err error
	s.Ctl, err = controller.New(cfg, host, &radio{side: s}, opts...)
	return s, err
}

// OnError sets the function dispatch errors are reported to. Errors don't
// stop the simulation; most are peer faults the controllers already handled.
func (l *Link) OnError(f func(error)) { l.err = f }

// Connect establishes the connection on both sides.
func (l *Link) Connect() error {
	for _, s := range l.sides() {
		err := s.Ctl.Dispatch(controller.ConnectionCreated{
			Handle: l.Handle,
			Params: env.InitialParams{
				Role:         s.Role,
				PeerAddrType: s.peer.AddrType,
				PeerAddr:     s.peer.Addr,
				Params:       l.Params,
				Counter:      l.Counter,
			},
		})
		if err != nil {
			return errors.Wrapf(err, "connect %s", s.Role)
		}
	}
	l.mu.Lock()
	l.up = true
	l.mu.Unlock()
	return nil
}

// Up reports whether the link is connected.
func (l *Link) Up() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.up
}

func (l *Link) sides() []*Side { return []*Side{l.Central, l.Peripheral} }

func (l *Link) push(to *Side, ev controller.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.queue = append(l.queue, delivery{to: to, ev: ev})
}

func (l *Link) pop() (delivery, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return delivery{}, false
	}
	d := l.queue[0]
	l.queue = l.queue[1:]
	return d, true
}

// Drain delivers queued radio traffic until both sides are quiet.
func (l *Link) Drain() error {
	for i := 0; i < maxDeliveries; i++ {
		d, ok := l.pop()
		if !ok {
			return nil
		}
		if _, gone := d.ev.(controller.Disconnected); gone {
			l.mu.Lock()
			l.up = false
			l.mu.Unlock()
		}
		if err := d.to.Ctl.Dispatch(d.ev); err != nil {
			l.err(errors.Wrapf(err, "%s", d.to.Role))
		}
	}
	return ErrRunaway
}

// Dispatch hands ev to side s and delivers whatever it caused.
func (l *Link) Dispatch(s *Side, ev controller.Event) error {
	err := s.Ctl.Dispatch(ev)
	if derr := l.Drain(); derr != nil {
		return derr
	}
	return err
}

// Advance runs n connection events. Each event the central goes first, as
// it does on air.
func (l *Link) Advance(n int) error {
	for i := 0; i < n; i++ {
		if !l.Up() {
			return nil
		}
		l.Counter++
		for _, s := range l.sides() {
			if !l.Up() {
				break
			}
			err := s.Ctl.Dispatch(controller.ConnectionEvent{Handle: l.Handle, Counter: l.Counter})
			if err != nil {
				l.err(errors.Wrapf(err, "%s: event %d", s.Role, l.Counter))
			}
			// Every event hears the peer.
			_ = s.Ctl.Dispatch(controller.RxStatus{Handle: l.Handle, Channel: int(l.Counter) % 37, Synced: true})
			if err := l.Drain(); err != nil {
				return err
			}
		}
	}
	return nil
}

// radio is the Radio of one side.
type radio struct {
	side *Side
}

func (r *radio) ScheduleLLCP(h llc.Handle, op llcp.Opcode, payload []byte) error {
	l, s := r.side.link, r.side
	if err := s.Host.ScheduleLLCP(h, op, payload); err != nil {
		return err
	}
	pdu := append([]byte{byte(op)}, payload...)
	l.push(s.peer, controller.LLCPReceived{Handle: h, PDU: pdu})
	if op == llcp.OpTerminateInd {
		// Acknowledged by the peer, both ends drop the link.
		l.push(s.peer, controller.Disconnected{Handle: h})
		l.push(s, controller.Disconnected{Handle: h})
	}
	return nil
}

func (r *radio) CommitChannelMap(h llc.Handle, m llcp.ChannelMap, instant uint16) error {
	return r.side.Host.CommitChannelMap(h, m, instant)
}

func (r *radio) ApplyParameters(h llc.Handle, p llcp.ConnParams, instant uint16) error {
	return r.side.Host.ApplyParameters(h, p, instant)
}

func (r *radio) Transmit(h llc.Handle, ff []*env.Fragment) error {
	l, s := r.side.link, r.side
	if err := s.Host.Transmit(h, ff); err != nil {
		return err
	}
	for _, f := range ff {
		l.push(s.peer, controller.DataReceived{Handle: h, Data: append([]byte(nil), f.Data...), Start: f.Start})
	}
	l.push(s, controller.Transmitted{Handle: h, Count: len(ff)})
	l.push(s, controller.Acked{Handle: h, Count: len(ff)})
	return nil
}
