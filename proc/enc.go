package proc

import (
	"crypto/aes"
	"io"

	"github.com/pkg/errors"
	"github.com/rigado/ble-llc"
	"github.com/rigado/ble-llc/env"
	"github.com/rigado/ble-llc/llcp"
	"github.com/rigado/ble-llc/sliceops"
)

// SessionKey derives SK = e(LTK, SKDm || SKDs) [Vol 6, Part B, 5.1.3.1].
// Keys are kept least significant octet first; the block cipher works on
// the most significant octet first.
func SessionKey(ltk, skd [16]byte) ([16]byte, error) {
	var sk [16]byte

	c, err := aes.NewCipher(sliceops.SwapBuf(ltk[:]))
	if err != nil {
		return sk, errors.Wrap(err, "session key")
	}
	out := make([]byte, aes.BlockSize)
	c.Encrypt(out, sliceops.SwapBuf(skd[:]))
	sliceops.SwapInto(sk[:], out)
	return sk, nil
}

// encEnter moves the encryption procedure to s. TX and RX stay flow
// controlled for as long as a procedure is in progress.
func (eng *Engine) encEnter(e *env.Environment, s env.EncState) {
	e.Log().Debugf("proc: encryption %s -> %s", e.Procs.Enc.State, s)
	e.Procs.Enc.State = s
	e.FlowControl(s.Active())
}

func (eng *Engine) random(b []byte) error {
	_, err := io.ReadFull(eng.rand, b)
	return errors.Wrap(err, "random")
}

func (eng *Engine) startEncryption(e *env.Environment, p Params) error {
	if e.Role != llc.RoleCentral {
		return errors.Wrap(llc.ErrRoleNotAllowed, "only the central starts encryption")
	}
	if !eng.supports(e, llcp.FeatureEncryption) {
		return errors.Wrap(llc.ErrUnsupportedFeature, "encryption")
	}
	if e.EncBusy() {
		return eng.busy(e, "encryption")
	}

	ltk, ediv, rnd := p.LTK, p.EDiv, p.Rand
	if ltk == ([16]byte{}) {
		var ok bool
		if eng.keys != nil {
			ltk, ediv, rnd, ok = eng.keys.LTKByAddr(e.PeerAddr)
		}
		if !ok {
			e.Log().Info("proc", "no key for ", e.PeerAddr)
			eng.emit(llc.EncryptionChange{Stat: llc.StatusPinOrKeyMissing, Handle: e.Handle})
			return nil
		}
	}
	e.Material.LTK, e.Material.EDiv, e.Material.Rand = ltk, ediv, rnd

	ep := &e.Procs.Enc
	ep.Local = true
	ep.Timer.Arm(e.Counter)

	if ep.State == env.EncEnabled {
		ep.Paused = false
		e.Security.RefreshPending = true
		eng.encEnter(e, env.EncRefreshing)
		return eng.failOnErr(e, eng.send(e, &llcp.Bare{Op: llcp.OpPauseEncReq}))
	}

	eng.encEnter(e, env.EncEnabling)
	return eng.failOnErr(e, eng.sendEncReq(e))
}

// failOnErr reverts the procedure when the first PDU couldn't be scheduled.
func (eng *Engine) failOnErr(e *env.Environment, err error) error {
	if err != nil {
		eng.resetEnc(e)
	}
	return err
}

func (eng *Engine) sendEncReq(e *env.Environment) error {
	req := &llcp.EncRequest{Rand: e.Material.Rand, EDiv: e.Material.EDiv}
	if err := eng.random(req.SKDm[:]); err != nil {
		return err
	}
	if err := eng.random(req.IVm[:]); err != nil {
		return err
	}
	copy(e.Material.SKD[0:8], req.SKDm[:])
	copy(e.Material.IV[0:4], req.IVm[:])
	return eng.send(e, req)
}

func (eng *Engine) onEncReq(e *env.Environment, p llcp.PDU) error {
	req := p.(*llcp.EncRequest)
	ep := &e.Procs.Enc

	if e.Role != llc.RolePeripheral {
		return errors.Wrap(llc.ErrProtocolViolation, "enc req on central")
	}
	switch {
	case ep.State == env.EncIdle:
		if e.Procs.Param.State != env.ProcIdle {
			return eng.rejectExt(e, llcp.OpEncReq, llc.StatusDifferentTransactionCollision)
		}
		ep.Local = false
		eng.encEnter(e, env.EncStartRequested)
	case ep.State == env.EncRefreshing && ep.Paused:
	default:
		return errors.Wrapf(llc.ErrProtocolViolation, "enc req in state %s", ep.State)
	}
	ep.Timer.Arm(e.Counter)

	e.Material.Rand, e.Material.EDiv = req.Rand, req.EDiv
	copy(e.Material.SKD[0:8], req.SKDm[:])
	copy(e.Material.IV[0:4], req.IVm[:])

	rsp := &llcp.EncResponse{}
	if err := eng.random(rsp.SKDs[:]); err != nil {
		return err
	}
	if err := eng.random(rsp.IVs[:]); err != nil {
		return err
	}
	copy(e.Material.SKD[8:16], rsp.SKDs[:])
	copy(e.Material.IV[4:8], rsp.IVs[:])
	if err := eng.send(e, rsp); err != nil {
		return err
	}

	if eng.cfg.StoreKeyLookup && eng.keys != nil {
		if ltk, ok := eng.keys.LTKByDiversifier(req.EDiv, req.Rand); ok {
			e.Log().Debug("proc", "key found in store")
			return eng.useKey(e, ltk)
		}
	}

	if ep.State == env.EncStartRequested {
		eng.encEnter(e, env.EncPausedForKey)
	}
	ep.AwaitingKey = true
	eng.emit(llc.LongTermKeyRequest{Handle: e.Handle, Rand: req.Rand, EDiv: req.EDiv})
	return nil
}

// useKey continues the peripheral side once the key is known.
func (eng *Engine) useKey(e *env.Environment, ltk [16]byte) error {
	ep := &e.Procs.Enc
	ep.AwaitingKey = false
	e.Material.LTK = ltk

	sk, err := SessionKey(ltk, e.Material.SKD)
	if err != nil {
		return err
	}
	e.Material.SK = sk
	e.Security.RxEnabled = true

	if ep.State != env.EncRefreshing {
		eng.encEnter(e, env.EncEnabling)
	}
	ep.Timer.Arm(e.Counter)
	return eng.send(e, &llcp.Bare{Op: llcp.OpStartEncReq})
}

func (eng *Engine) awaitingKey(e *env.Environment) bool {
	ep := &e.Procs.Enc
	return ep.AwaitingKey && (ep.State == env.EncPausedForKey || ep.State == env.EncRefreshing)
}

// LTKReply continues a peripheral encryption start with the key the host
// supplied.
func (eng *Engine) LTKReply(h llc.Handle, ltk [16]byte) error {
	e, err := eng.store.Get(h)
	if err != nil {
		return err
	}
	if !eng.awaitingKey(e) {
		return errors.Wrapf(llc.StatusCommandDisallowed, "%s: no key request pending", h)
	}
	return eng.useKey(e, ltk)
}

// LTKNegativeReply rejects the peer's encryption request.
func (eng *Engine) LTKNegativeReply(h llc.Handle) error {
	e, err := eng.store.Get(h)
	if err != nil {
		return err
	}
	if !eng.awaitingKey(e) {
		return errors.Wrapf(llc.StatusCommandDisallowed, "%s: no key request pending", h)
	}

	// Flow control is still on; the reject is an encryption PDU.
	err = eng.rejectExt(e, llcp.OpEncReq, llc.StatusPinOrKeyMissing)
	eng.encFail(e, llc.StatusPinOrKeyMissing)
	return err
}

func (eng *Engine) onEncRsp(e *env.Environment, p llcp.PDU) error {
	rsp := p.(*llcp.EncResponse)
	ep := &e.Procs.Enc
	if e.Role != llc.RoleCentral {
		return errors.Wrap(llc.ErrProtocolViolation, "enc rsp on peripheral")
	}
	if ep.State != env.EncEnabling && !(ep.State == env.EncRefreshing && ep.Paused) {
		return errors.Wrapf(llc.ErrProtocolViolation, "enc rsp in state %s", ep.State)
	}

	copy(e.Material.SKD[8:16], rsp.SKDs[:])
	copy(e.Material.IV[4:8], rsp.IVs[:])
	sk, err := SessionKey(e.Material.LTK, e.Material.SKD)
	if err != nil {
		return err
	}
	e.Material.SK = sk
	ep.Timer.Arm(e.Counter)
	return nil
}

func (eng *Engine) onStartEncReq(e *env.Environment, p llcp.PDU) error {
	ep := &e.Procs.Enc
	if e.Role != llc.RoleCentral {
		return errors.Wrap(llc.ErrProtocolViolation, "start enc req on peripheral")
	}
	if ep.State != env.EncEnabling && !(ep.State == env.EncRefreshing && ep.Paused) {
		return errors.Wrapf(llc.ErrProtocolViolation, "start enc req in state %s", ep.State)
	}

	e.Security.RxEnabled = true
	e.Security.TxEnabled = true
	ep.Timer.Arm(e.Counter)
	return eng.send(e, &llcp.Bare{Op: llcp.OpStartEncRsp})
}

func (eng *Engine) onStartEncRsp(e *env.Environment, p llcp.PDU) error {
	ep := &e.Procs.Enc
	if ep.State != env.EncEnabling && ep.State != env.EncRefreshing {
		return errors.Wrapf(llc.ErrProtocolViolation, "start enc rsp in state %s", ep.State)
	}

	if e.Role == llc.RolePeripheral {
		e.Security.TxEnabled = true
		if err := eng.send(e, &llcp.Bare{Op: llcp.OpStartEncRsp}); err != nil {
			return err
		}
	}
	eng.encComplete(e)
	return nil
}

func (eng *Engine) onPauseEncReq(e *env.Environment, p llcp.PDU) error {
	ep := &e.Procs.Enc
	if e.Role != llc.RolePeripheral {
		return errors.Wrap(llc.ErrProtocolViolation, "pause enc req on central")
	}
	if ep.State != env.EncEnabled {
		return errors.Wrapf(llc.ErrProtocolViolation, "pause enc req in state %s", ep.State)
	}

	ep.Local = false
	ep.Paused = false
	e.Security.RefreshPending = true
	eng.encEnter(e, env.EncRefreshing)
	ep.Timer.Arm(e.Counter)

	e.Security.TxEnabled = false
	return eng.send(e, &llcp.Bare{Op: llcp.OpPauseEncRsp})
}

func (eng *Engine) onPauseEncRsp(e *env.Environment, p llcp.PDU) error {
	ep := &e.Procs.Enc
	if ep.State != env.EncRefreshing || ep.Paused {
		return errors.Wrapf(llc.ErrProtocolViolation, "pause enc rsp in state %s", ep.State)
	}

	ep.Paused = true
	ep.Timer.Arm(e.Counter)
	if e.Role == llc.RolePeripheral {
		e.Security.RxEnabled = false
		return nil
	}

	e.Security.TxEnabled = false
	e.Security.RxEnabled = false
	if err := eng.send(e, &llcp.Bare{Op: llcp.OpPauseEncRsp}); err != nil {
		return err
	}
	return eng.sendEncReq(e)
}

// encComplete finishes a start or refresh successfully.
func (eng *Engine) encComplete(e *env.Environment) {
	refresh := e.Procs.Enc.State == env.EncRefreshing

	e.Security.TxEnabled = true
	e.Security.RxEnabled = true
	e.Security.RefreshPending = false
	e.Procs.Enc = env.EncProc{}
	eng.encEnter(e, env.EncEnabled)

	e.AuthTimer.Arm(e.Counter)
	e.PingSent = false

	if refresh {
		eng.emit(llc.EncryptionKeyRefreshComplete{Stat: llc.StatusSuccess, Handle: e.Handle})
	} else {
		eng.emit(llc.EncryptionChange{Stat: llc.StatusSuccess, Handle: e.Handle, Enabled: true})
	}
	eng.resumeVersion(e)
}

// encFail reports a failed start or refresh to the host. A failed start
// leaves the link unencrypted. A failed refresh terminates the link with
// reason unless TerminateOnSecurityFailure is off.
func (eng *Engine) encFail(e *env.Environment, reason llc.Status) {
	e.Log().Info("proc", "encryption failed: ", reason)
	if e.Procs.Enc.State == env.EncRefreshing {
		eng.emit(llc.EncryptionKeyRefreshComplete{Stat: reason, Handle: e.Handle})
		if eng.cfg.TerminateOnSecurityFailure {
			if err := eng.terminate(e, reason); err != nil {
				e.Log().Warn("proc", "terminate after refresh failure: ", err)
			}
			e.Material.Zero()
			return
		}
	}
	eng.resetEnc(e)
	eng.emit(llc.EncryptionChange{Stat: reason, Handle: e.Handle, Enabled: false})
	eng.resumeVersion(e)
}

func (eng *Engine) resetEnc(e *env.Environment) {
	e.Procs.Enc = env.EncProc{}
	eng.encEnter(e, env.EncIdle)
	e.Security.TxEnabled = false
	e.Security.RxEnabled = false
	e.Security.RefreshPending = false
	e.Material.Zero()
	e.AuthTimer.Stop()
}
