// Package proc runs the link layer control procedures of every connection.
//
// The engine is driven from outside: local requests through Start, peer PDUs
// through Receive, host key replies through LTKReply and LTKNegativeReply,
// and time through OnConnectionEvent. Nothing blocks; a procedure waiting for
// the peer or the host simply stays in its state until the next call.
package proc

import (
	"crypto/rand"
	"io"

	"github.com/pkg/errors"
	"github.com/rigado/ble-llc"
	"github.com/rigado/ble-llc/env"
	"github.com/rigado/ble-llc/llcp"
	"github.com/rigado/ble-llc/notify"
)

// Procedure names a locally started LLCP procedure.
type Procedure uint8

const (
	ConnectionUpdate Procedure = iota
	ChannelMapUpdate
	FeatureExchange
	VersionExchange
	Encryption
	DataLength
	Ping
	Terminate
)

var procedureNames = [...]string{
	"connection update",
	"channel map update",
	"feature exchange",
	"version exchange",
	"encryption",
	"data length",
	"ping",
	"terminate",
}

func (p Procedure) String() string {
	if int(p) < len(procedureNames) {
		return procedureNames[p]
	}
	return "unknown procedure"
}

// Params carries the arguments of a procedure. Only the fields of the
// started procedure are looked at.
type Params struct {
	// ConnectionUpdate
	Conn llcp.ConnParams
	// ChannelMapUpdate
	ChannelMap llcp.ChannelMap
	// Encryption, central side. A zero LTK asks the key store.
	LTK  [16]byte
	Rand uint64
	EDiv uint16
	// DataLength
	TxOctets uint16
	TxTime   uint16
	// Terminate
	Reason llc.Status
}

// ErrLinkLost is returned by OnConnectionEvent when the connection must be
// considered gone without a termination handshake. The reason is left in
// the environment.
var ErrLinkLost = errors.New("link lost")

// KeyStore looks up long term keys of bonded peers. Lookup failures are
// reported as not found.
type KeyStore interface {
	LTKByDiversifier(ediv uint16, rand uint64) ([16]byte, bool)
	LTKByAddr(a llc.Addr) (ltk [16]byte, ediv uint16, rand uint64, ok bool)
}

// Resizer re-fragments queued data after a data length change.
type Resizer interface {
	Resize(h llc.Handle) error
}

// Engine is the procedure engine. Calls for one handle must not run
// concurrently; calls for different handles may.
type Engine struct {
	cfg   *llc.Config
	store *env.Store
	n     *notify.Notifier
	data  Resizer
	keys  KeyStore
	rand  io.Reader

	local llcp.Features
}

// New returns an engine. keys and data may be nil.
func New(cfg *llc.Config, store *env.Store, n *notify.Notifier, data Resizer, keys KeyStore) *Engine {
	return &Engine{
		cfg:   cfg,
		store: store,
		n:     n,
		data:  data,
		keys:  keys,
		rand:  rand.Reader,
		local: llcp.Features(cfg.LocalFeatures),
	}
}

// SetKeyStore replaces the key store.
func (eng *Engine) SetKeyStore(k KeyStore) { eng.keys = k }

// Start begins procedure p on h. It fails with ErrProcedureBusy when the
// category of p is active, so callers retry later.
func (eng *Engine) Start(h llc.Handle, p Procedure, params Params) error {
	e, err := eng.store.Get(h)
	if err != nil {
		return err
	}
	if e.Flags.DiscardLLCP {
		return errors.Wrapf(llc.ErrProcedureBusy, "%s: %s while disconnecting", h, p)
	}

	e.Log().Debug("proc", "start ", p)

	switch p {
	case ConnectionUpdate:
		err = eng.startConnUpdate(e, params.Conn)
	case ChannelMapUpdate:
		err = eng.startChannelMap(e, params.ChannelMap)
	case FeatureExchange:
		err = eng.startFeatures(e)
	case VersionExchange:
		err = eng.startVersion(e)
	case Encryption:
		err = eng.startEncryption(e, params)
	case DataLength:
		err = eng.startLength(e, params.TxOctets, params.TxTime)
	case Ping:
		err = eng.startPing(e)
	case Terminate:
		err = eng.startTerminate(e, params.Reason)
	default:
		err = errors.Wrapf(llc.ErrInvalidParameters, "procedure %d", p)
	}
	return errors.Wrapf(err, "%s: %s", h, p)
}

// Receive handles a control PDU from the peer, opcode first.
func (eng *Engine) Receive(h llc.Handle, b []byte) error {
	e, err := eng.store.Get(h)
	if err != nil {
		return err
	}
	eng.n.Received(h, b)

	if e.Flags.DiscardLLCP {
		e.Log().Debugf("proc: discarding % X", b)
		return nil
	}
	e.LastRx = e.Counter
	eng.authenticated(e)

	pdu, err := llcp.Parse(b)
	switch {
	case errors.Is(err, llcp.ErrUnknownOpcode):
		e.Log().Debugf("proc: unknown opcode 0x%02X", b[0])
		return eng.send(e, &llcp.Unknown{UnknownType: llcp.Opcode(b[0])})
	case err != nil:
		return eng.violation(e, err)
	}

	op := pdu.Opcode()
	if e.Security.RxFlowControlled && !op.Encryption() {
		if op == llcp.OpConnectionParamReq {
			return eng.rejectExt(e, op, llc.StatusDifferentTransactionCollision)
		}
		return eng.violation(e, errors.Wrapf(llc.ErrProtocolViolation, "%s during encryption", op))
	}

	d, ok := dispatcher[op]
	if !ok || d.handler == nil {
		return eng.send(e, &llcp.Unknown{UnknownType: op})
	}
	e.Log().Debug("proc", "rx ", d.desc)

	if err := d.handler(eng, e, pdu); err != nil {
		if errors.Is(err, llc.ErrProtocolViolation) {
			return eng.violation(e, err)
		}
		return errors.Wrapf(err, "%s: %s", h, d.desc)
	}
	return nil
}

// Authenticated restarts the authenticated payload timer of h after a
// packet with a valid MIC was received.
func (eng *Engine) Authenticated(h llc.Handle) error {
	e, err := eng.store.Get(h)
	if err != nil {
		return err
	}
	e.LastRx = e.Counter
	eng.authenticated(e)
	return nil
}

func (eng *Engine) authenticated(e *env.Environment) {
	if e.Security.Enabled() {
		e.AuthTimer.Arm(e.Counter)
		e.PingSent = false
	}
}

// send schedules p. Only encryption PDUs pass while TX is flow controlled
// and nothing but LL_TERMINATE_IND once the link is being torn down.
func (eng *Engine) send(e *env.Environment, p llcp.PDU) error {
	op := p.Opcode()
	if e.Flags.DiscardLLCP && op != llcp.OpTerminateInd {
		return errors.Wrapf(llc.ErrProcedureBusy, "%s: not sending %s while disconnecting", e.Handle, op)
	}
	if e.Security.TxFlowControlled && !op.Encryption() {
		return errors.Wrapf(llc.ErrProcedureBusy, "%s: not sending %s during encryption", e.Handle, op)
	}
	e.Log().Debug("proc", "tx ", op)
	return errors.Wrapf(eng.n.Send(e.Handle, p), "send %s", op)
}

// rejectExt rejects a peer request with LL_REJECT_EXT_IND, or LL_REJECT_IND
// if the peer doesn't support the extended form.
func (eng *Engine) rejectExt(e *env.Environment, op llcp.Opcode, reason llc.Status) error {
	if e.Flags.FeaturesExchanged && !e.Remote.Features.Has(llcp.FeatureExtReject) {
		return eng.send(e, &llcp.Reject{Reason: reason})
	}
	return eng.send(e, &llcp.RejectExt{RejectOpcode: op, Reason: reason})
}

// violation discards the offending PDU and, if configured, tears the link
// down.
func (eng *Engine) violation(e *env.Environment, err error) error {
	e.Log().Warn("proc", "protocol violation: ", err)
	if eng.cfg.TerminateOnViolation {
		if terr := eng.terminate(e, llc.StatusInvalidLLParameters); terr != nil {
			e.Log().Error("proc", "terminate: ", terr)
		}
	}
	return err
}

func (eng *Engine) emit(ev llc.Event) {
	eng.n.Emit(ev)
}

func (eng *Engine) supports(e *env.Environment, f llcp.Features) bool {
	if !eng.local.Has(f) {
		return false
	}
	return !e.Flags.FeaturesExchanged || e.Remote.Features.Has(f)
}

// State returns a copy of the procedure state of h.
func (eng *Engine) State(h llc.Handle) (env.Procedures, error) {
	e, err := eng.store.Get(h)
	if err != nil {
		return env.Procedures{}, err
	}
	return e.Procs, nil
}
