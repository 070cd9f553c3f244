package proc

import (
	"github.com/pkg/errors"
	"github.com/rigado/ble-llc"
)

// OnReception accounts a receive attempt on data channel ch. A synchronized
// reception counts as link activity for the supervision timer.
func (eng *Engine) OnReception(h llc.Handle, ch int, synced bool, rssi int8) error {
	e, err := eng.store.Get(h)
	if err != nil {
		return err
	}
	e.Stats.Record(synced)
	if synced {
		e.LastRx = e.Counter
	}
	if e.Assess != nil {
		return e.Assess.Record(ch, synced, rssi)
	}
	return nil
}

// ReceiveData checks that an application data PDU may arrive on h. Data
// received while the link is flow controlled for encryption is a protocol
// violation and is not handed to the host.
func (eng *Engine) ReceiveData(h llc.Handle) error {
	e, err := eng.store.Get(h)
	if err != nil {
		return err
	}
	if e.Flags.DiscardLLCP {
		return errors.Wrapf(llc.ErrUnknownConnection, "%s: disconnecting", h)
	}
	e.LastRx = e.Counter
	if e.Security.RxFlowControlled {
		return eng.violation(e, errors.Wrapf(llc.ErrProtocolViolation, "%s: data during encryption", h))
	}
	eng.authenticated(e)
	return nil
}

// DisconnectReason returns the reason recorded when h started tearing down,
// or StatusSuccess if it didn't.
func (eng *Engine) DisconnectReason(h llc.Handle) llc.Status {
	e, err := eng.store.Get(h)
	if err != nil {
		return llc.StatusSuccess
	}
	return e.DisconnectReason
}
