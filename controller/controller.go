// Package controller is the single entry point of the link layer controller.
// Radio indications and host commands arrive as events and are dispatched to
// the procedure engine and the data queue manager of their connection.
//
// Events of one connection are handled one at a time, in the order Dispatch
// is called. Events of different connections may be dispatched concurrently.
package controller

import (
	"context"
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/pkg/errors"
	"github.com/rigado/ble-llc"
	"github.com/rigado/ble-llc/chassess"
	"github.com/rigado/ble-llc/dataq"
	"github.com/rigado/ble-llc/env"
	"github.com/rigado/ble-llc/notify"
	"github.com/rigado/ble-llc/proc"
)

// Controller owns every connection environment and the components acting on
// them.
type Controller struct {
	cfg   *llc.Config
	store *env.Store
	pool  *dataq.Pool
	data  *dataq.Manager
	eng   *proc.Engine
	n     *notify.Notifier

	locks *hashmap.Map[llc.Handle, *sync.Mutex]

	errorHandler func(error)
	dataHandler  func(h llc.Handle, data []byte, start bool)
	keys         proc.KeyStore
}

// New returns a controller reporting to host and driving radio.
func New(cfg *llc.Config, host notify.Host, radio notify.Radio, opts ...Option) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Controller{
		cfg:   cfg,
		store: env.NewStore(cfg),
		pool:  dataq.NewPool(cfg.TxDescriptors),
		locks: hashmap.New[llc.Handle, *sync.Mutex](),
		errorHandler: func(err error) {
			llc.GetLogger().Warn("controller", err)
		},
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	c.n = notify.New(host, radio, notify.NewTrace(cfg.TraceDepth))
	c.data = dataq.NewManager(cfg, c.store, c.pool, c.n)
	c.eng = proc.New(cfg, c.store, c.n, c.data, c.keys)
	return c, nil
}

// lock takes the mutex of h. The entry is dropped when the connection is
// torn down, so a waiter that wakes up on a dropped mutex tries again.
func (c *Controller) lock(h llc.Handle) func() {
	for {
		m, _ := c.locks.GetOrInsert(h, &sync.Mutex{})
		m.Lock()
		if cur, ok := c.locks.Get(h); ok && cur == m {
			return m.Unlock
		}
		m.Unlock()
	}
}

// Dispatch handles one event. Errors of host commands are returned to the
// caller and acknowledged to the host with Command Status or Command
// Complete ahead of any event the command raised. Faults of the peer are
// reported to the host as events and only returned for logging.
func (c *Controller) Dispatch(ev Event) error {
	h := ev.ConnHandle()
	defer c.lock(h)()

	op, complete, ok := command(ev)
	if !ok {
		return c.dispatch(h, ev)
	}

	c.n.Hold(h)
	err := c.dispatch(h, ev)
	var ack llc.Event = llc.CommandStatus{Stat: llc.StatusOf(err), Opcode: op, Handle: h}
	if complete {
		ack = llc.CommandComplete{Stat: llc.StatusOf(err), Opcode: op, Handle: h}
	}
	c.n.Release(h, ack)
	return err
}

func (c *Controller) dispatch(h llc.Handle, ev Event) error {
	switch ev := ev.(type) {
	case ConnectionCreated:
		return c.connectionCreated(ev)
	case LLCPReceived:
		return c.eng.Receive(h, ev.PDU)
	case DataReceived:
		return c.dataReceived(ev)
	case RxStatus:
		return c.eng.OnReception(h, ev.Channel, ev.Synced, ev.RSSI)
	case ConnectionEvent:
		return c.connectionEvent(ev)
	case Transmitted:
		return c.data.OnTransmitted(h, ev.Count)
	case Acked:
		return c.data.OnAcked(h, ev.Count)
	case Disconnected:
		return c.disconnected(h, ev.Reason)

	case StartProcedure:
		return c.eng.Start(h, ev.Procedure, ev.Params)
	case LTKReply:
		return c.eng.LTKReply(h, ev.LTK)
	case LTKNegativeReply:
		return c.eng.LTKNegativeReply(h)
	case SendData:
		if err := c.data.Enqueue(h, ev.Data, ev.Continuation); err != nil {
			return err
		}
		return c.transmit(h, 0)
	case Flush:
		return c.flush(h)
	case Disconnect:
		return c.eng.Start(h, proc.Terminate, proc.Params{Reason: ev.Reason})
	case ReadAssessment:
		t, err := c.tracker(h)
		if err != nil {
			return err
		}
		if ev.Reply != nil {
			ev.Reply(t.Snapshot())
		}
		return nil
	case ResetAssessment:
		t, err := c.tracker(h)
		if err != nil {
			return err
		}
		t.Reset()
		return nil
	}
	return errors.Wrapf(llc.ErrInvalidParameters, "%s: unknown event %T", h, ev)
}

// Serve dispatches events from ch in order until ch is closed or ctx is
// done. Dispatch errors go to the error handler.
func (c *Controller) Serve(ctx context.Context, ch <-chan Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if err := c.Dispatch(ev); err != nil {
				c.errorHandler(err)
			}
		}
	}
}

func (c *Controller) connectionCreated(ev ConnectionCreated) error {
	if _, err := c.store.Create(ev.Handle, ev.Params); err != nil {
		return err
	}
	p := ev.Params
	c.n.Emit(llc.ConnectionComplete{
		Stat:         llc.StatusSuccess,
		Handle:       ev.Handle,
		Role:         p.Role,
		PeerAddrType: p.PeerAddrType,
		PeerAddr:     p.PeerAddr,
		Interval:     p.Params.Interval,
		Latency:      p.Params.Latency,
		Timeout:      p.Params.Timeout,
	})
	return nil
}

func (c *Controller) dataReceived(ev DataReceived) error {
	if err := c.eng.ReceiveData(ev.Handle); err != nil {
		return err
	}
	if c.dataHandler != nil {
		c.dataHandler(ev.Handle, ev.Data, ev.Start)
	}
	return nil
}

func (c *Controller) connectionEvent(ev ConnectionEvent) error {
	err := c.eng.OnConnectionEvent(ev.Handle, ev.Counter)
	if errors.Is(err, proc.ErrLinkLost) {
		return c.disconnected(ev.Handle, llc.StatusSuccess)
	}
	if err != nil {
		return err
	}
	return c.transmit(ev.Handle, ev.Slots)
}

// transmit hands the next fragments of h to the radio.
func (c *Controller) transmit(h llc.Handle, slots int) error {
	if slots <= 0 {
		slots = c.cfg.TxDescriptors
	}
	ff, err := c.data.Next(h, slots)
	if err != nil {
		return err
	}
	return errors.Wrapf(c.n.Transmit(h, ff), "%s: transmit", h)
}

func (c *Controller) flush(h llc.Handle) error {
	if _, err := c.data.Flush(h); err != nil {
		return err
	}
	c.n.Emit(llc.FlushOccurred{Handle: h})
	return nil
}

// disconnected tears h down: outstanding procedures are abandoned, queued
// data is completed towards the host, the host is told and the environment
// released. Tearing down an unknown handle does nothing.
func (c *Controller) disconnected(h llc.Handle, reason llc.Status) error {
	if _, err := c.store.Get(h); err != nil {
		llc.GetLogger().Debugf("controller: %s already gone", h)
		return nil
	}
	if reason == llc.StatusSuccess {
		reason = c.eng.DisconnectReason(h)
	}
	if reason == llc.StatusSuccess {
		reason = llc.StatusUnspecified
	}

	if err := c.eng.Abandon(h); err != nil {
		return err
	}
	if _, err := c.data.Flush(h); err != nil {
		return err
	}
	c.n.Emit(llc.DisconnectionComplete{Stat: llc.StatusSuccess, Handle: h, Reason: reason})
	c.store.Destroy(h)
	c.locks.Del(h)
	return nil
}

func (c *Controller) tracker(h llc.Handle) (*chassess.Tracker, error) {
	e, err := c.store.Get(h)
	if err != nil {
		return nil, err
	}
	if e.Assess == nil {
		return nil, errors.Wrapf(llc.ErrRoleNotAllowed, "%s: no channel assessment", h)
	}
	return e.Assess, nil
}

// State returns the procedure state of h for diagnostics.
func (c *Controller) State(h llc.Handle) (env.Procedures, error) {
	defer c.lock(h)()
	return c.eng.State(h)
}

// Outstanding returns the number of pending and unacknowledged fragments of h.
func (c *Controller) Outstanding(h llc.Handle) (pending, unacked int, err error) {
	defer c.lock(h)()
	return c.data.Outstanding(h)
}

// Handles lists the live connections.
func (c *Controller) Handles() []llc.Handle { return c.store.Handles() }

// Trace returns the recent LLCP PDUs, oldest first.
func (c *Controller) Trace() []notify.Record { return c.n.Trace().Drain() }

// Config returns the controller configuration.
func (c *Controller) Config() *llc.Config { return c.cfg }
