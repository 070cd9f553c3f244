package proc

import (
	"github.com/pkg/errors"
	"github.com/rigado/ble-llc"
	"github.com/rigado/ble-llc/env"
	"github.com/rigado/ble-llc/llcp"
)

func (eng *Engine) startSimple(e *env.Environment, p *env.Proc, op llcp.PDU) error {
	if p.State != env.ProcIdle {
		return eng.busy(e, op.Opcode().String())
	}
	if err := eng.send(e, op); err != nil {
		return err
	}
	p.State, p.Local = env.ProcRequested, true
	p.Timer.Arm(e.Counter)
	return nil
}

func (eng *Engine) startFeatures(e *env.Environment) error {
	if e.Flags.FeaturesExchanged {
		eng.emitFeatures(e, llc.StatusSuccess)
		return nil
	}

	op := llcp.OpFeatureReq
	if e.Role == llc.RolePeripheral {
		if !eng.local.Has(llcp.FeaturePeripheralFeatureExchange) {
			return errors.Wrap(llc.ErrUnsupportedFeature, "peripheral feature exchange")
		}
		op = llcp.OpPeripheralFeatureReq
	}
	return eng.startSimple(e, &e.Procs.Feature, &llcp.FeatureExchange{Op: op, Features: eng.local})
}

func (eng *Engine) emitFeatures(e *env.Environment, status llc.Status) {
	ev := llc.ReadRemoteFeaturesComplete{Stat: status, Handle: e.Handle}
	if status == llc.StatusSuccess {
		ev.Features = uint64(e.Remote.Features)
	}
	eng.emit(ev)
}

func (eng *Engine) storeFeatures(e *env.Environment, f llcp.Features) {
	e.Remote.Features = eng.local & f
	e.Flags.FeaturesExchanged = true
	e.Log().Debugf("proc: features 0x%X in use", uint64(e.Remote.Features))
}

func (eng *Engine) onFeatureReq(e *env.Environment, p llcp.PDU) error {
	fe := p.(*llcp.FeatureExchange)
	want := llcp.OpFeatureReq
	if e.Role == llc.RoleCentral {
		want = llcp.OpPeripheralFeatureReq
	}
	if fe.Op != want {
		return errors.Wrapf(llc.ErrProtocolViolation, "%s as %s", fe.Op, e.Role)
	}

	eng.storeFeatures(e, fe.Features)
	return eng.send(e, &llcp.FeatureExchange{Op: llcp.OpFeatureRsp, Features: eng.local})
}

func (eng *Engine) onFeatureRsp(e *env.Environment, p llcp.PDU) error {
	fe := p.(*llcp.FeatureExchange)
	fp := &e.Procs.Feature
	if fp.State != env.ProcRequested {
		return errors.Wrap(llc.ErrProtocolViolation, "unsolicited feature rsp")
	}

	eng.storeFeatures(e, fe.Features)
	fp.Reset()
	eng.emitFeatures(e, llc.StatusSuccess)
	return nil
}

func (eng *Engine) startVersion(e *env.Environment) error {
	vp := &e.Procs.Version
	if e.Flags.PeerVersionKnown {
		eng.emitVersion(e, llc.StatusSuccess)
		return nil
	}
	if vp.State != env.ProcIdle || e.Flags.VersionRestart {
		return eng.busy(e, "version exchange")
	}

	// LL_VERSION_IND isn't allowed to pass while encryption starts.
	if e.Procs.Enc.State.Active() {
		e.Log().Debug("proc", "version exchange deferred")
		e.Flags.VersionRestart = true
		return nil
	}
	return eng.sendVersion(e)
}

func (eng *Engine) sendVersion(e *env.Environment) error {
	vp := &e.Procs.Version
	if e.Flags.VersionSent {
		return errors.Wrap(llc.ErrProcedureBusy, "version already sent")
	}
	err := eng.send(e, &llcp.Version{
		VersNr:     eng.cfg.Version,
		CompanyID:  eng.cfg.CompanyID,
		Subversion: eng.cfg.Subversion,
	})
	if err != nil {
		return err
	}
	e.Flags.VersionSent = true
	vp.State, vp.Local = env.ProcRequested, true
	vp.Timer.Arm(e.Counter)
	return nil
}

// resumeVersion sends a version exchange deferred by encryption.
func (eng *Engine) resumeVersion(e *env.Environment) {
	if !e.Flags.VersionRestart {
		return
	}
	e.Flags.VersionRestart = false
	if e.Flags.PeerVersionKnown {
		eng.emitVersion(e, llc.StatusSuccess)
		return
	}
	if err := eng.sendVersion(e); err != nil {
		e.Log().Warn("proc", "resume version exchange: ", err)
		eng.emitVersion(e, llc.StatusOf(err))
	}
}

func (eng *Engine) emitVersion(e *env.Environment, status llc.Status) {
	ev := llc.ReadRemoteVersionComplete{Stat: status, Handle: e.Handle}
	if status == llc.StatusSuccess {
		ev.Version = e.Remote.Version
		ev.CompanyID = e.Remote.CompanyID
		ev.Subversion = e.Remote.Subversion
	}
	eng.emit(ev)
}

func (eng *Engine) onVersion(e *env.Environment, p llcp.PDU) error {
	v := p.(*llcp.Version)
	if e.Flags.PeerVersionKnown {
		// Late duplicate: keep the cached version, no procedure restarts.
		e.Log().Debug("proc", "duplicate version ind ignored")
		if e.Flags.VersionSent {
			return nil
		}
	} else {
		e.Remote.Version, e.Remote.CompanyID, e.Remote.Subversion = v.VersNr, v.CompanyID, v.Subversion
		e.Flags.PeerVersionKnown = true
	}

	vp := &e.Procs.Version
	if vp.State == env.ProcRequested {
		vp.Reset()
		eng.emitVersion(e, llc.StatusSuccess)
		return nil
	}
	if e.Flags.VersionSent {
		return nil
	}

	err := eng.send(e, &llcp.Version{
		VersNr:     eng.cfg.Version,
		CompanyID:  eng.cfg.CompanyID,
		Subversion: eng.cfg.Subversion,
	})
	if err == nil {
		e.Flags.VersionSent = true
	}
	return err
}

func (eng *Engine) startPing(e *env.Environment) error {
	if !eng.supports(e, llcp.FeaturePing) {
		return errors.Wrap(llc.ErrUnsupportedFeature, "ping")
	}
	return eng.startSimple(e, &e.Procs.Ping, &llcp.Bare{Op: llcp.OpPingReq})
}

func (eng *Engine) onPingReq(e *env.Environment, p llcp.PDU) error {
	return eng.send(e, &llcp.Bare{Op: llcp.OpPingRsp})
}

func (eng *Engine) onPingRsp(e *env.Environment, p llcp.PDU) error {
	if e.Procs.Ping.State != env.ProcRequested {
		e.Log().Debug("proc", "unsolicited ping rsp")
		return nil
	}
	e.Procs.Ping.Reset()
	return nil
}

func (eng *Engine) startLength(e *env.Environment, txOctets, txTime uint16) error {
	if e.Flags.LengthSkip || !eng.supports(e, llcp.FeatureDataLength) {
		return errors.Wrap(llc.ErrUnsupportedFeature, "data length update")
	}
	lp := &e.Procs.Length
	if lp.State != env.ProcIdle {
		return eng.busy(e, "data length update")
	}
	if txOctets < llcp.DefaultOctets || txOctets > llcp.MaxOctets ||
		txTime < llcp.DefaultTime || txTime > llcp.MaxTime {
		return errors.Wrapf(llc.ErrInvalidParameters, "tx octets %d time %d", txOctets, txTime)
	}

	if txOctets > eng.cfg.MaxTxOctets {
		txOctets = eng.cfg.MaxTxOctets
	}
	if txTime > eng.cfg.MaxTxTime {
		txTime = eng.cfg.MaxTxTime
	}
	e.Length.LocalMaxTxOctets = txOctets
	e.Length.LocalMaxTxTime = txTime
	eng.lengthChanged(e)

	if err := eng.send(e, e.Length.Local(llcp.OpLengthReq)); err != nil {
		return err
	}
	lp.State, lp.Local = env.ProcRequested, true
	lp.Timer.Arm(e.Counter)
	e.Flags.LengthRequestPending = true
	return nil
}

// lengthChanged recomputes the effective lengths and tells the host and
// the data path about a change.
func (eng *Engine) lengthChanged(e *env.Environment) {
	if !e.Length.Recompute() {
		return
	}
	l := e.Length
	eng.emit(llc.DataLengthChange{
		Handle:      e.Handle,
		MaxTxOctets: l.EffTxOctets,
		MaxTxTime:   l.EffTxTime,
		MaxRxOctets: l.EffRxOctets,
		MaxRxTime:   l.EffRxTime,
	})
	if eng.data != nil {
		if err := eng.data.Resize(e.Handle); err != nil {
			e.Log().Error("proc", "resize: ", err)
		}
	}
}

func (eng *Engine) endLength(e *env.Environment) {
	e.Procs.Length.Reset()
	e.Flags.LengthRequestPending = false
}

func (eng *Engine) onLengthReq(e *env.Environment, p llcp.PDU) error {
	l := p.(*llcp.Length)
	if err := l.Validate(); err != nil {
		return errors.Wrap(llc.ErrProtocolViolation, err.Error())
	}

	e.Length.SetRemote(l)
	err := eng.send(e, e.Length.Local(llcp.OpLengthRsp))
	if e.Flags.LengthRequestPending {
		// Both sides asked; the peer's request answers ours.
		eng.endLength(e)
	}
	eng.lengthChanged(e)
	return err
}

func (eng *Engine) onLengthRsp(e *env.Environment, p llcp.PDU) error {
	l := p.(*llcp.Length)
	if err := l.Validate(); err != nil {
		return errors.Wrap(llc.ErrProtocolViolation, err.Error())
	}
	if e.Procs.Length.State != env.ProcRequested {
		return errors.Wrap(llc.ErrProtocolViolation, "unsolicited length rsp")
	}

	e.Length.SetRemote(l)
	eng.endLength(e)
	eng.lengthChanged(e)
	return nil
}

func (eng *Engine) onUnknown(e *env.Environment, p llcp.PDU) error {
	u := p.(*llcp.Unknown)
	e.Log().Info("proc", "peer doesn't know ", u.UnknownType)

	switch u.UnknownType {
	case llcp.OpConnectionParamReq:
		e.Remote.Features &^= llcp.FeatureConnParamReq
		pp := &e.Procs.Param
		if !pp.Local || pp.Kind != env.ParamConnUpdate || pp.State != env.ProcRequested {
			return nil
		}
		if e.Role == llc.RoleCentral {
			return eng.sendUpdateInd(e, pp.Params)
		}
		eng.finishParam(e, llc.StatusUnsupportedRemoteFeature)

	case llcp.OpFeatureReq, llcp.OpPeripheralFeatureReq:
		if e.Procs.Feature.State == env.ProcRequested {
			e.Procs.Feature.Reset()
			eng.emitFeatures(e, llc.StatusUnsupportedRemoteFeature)
		}

	case llcp.OpLengthReq:
		e.Remote.Features &^= llcp.FeatureDataLength
		e.Flags.LengthSkip = true
		eng.endLength(e)

	case llcp.OpPingReq:
		e.Remote.Features &^= llcp.FeaturePing
		e.Procs.Ping.Reset()

	case llcp.OpEncReq:
		if e.Procs.Enc.State.Active() {
			eng.encFail(e, llc.StatusUnsupportedRemoteFeature)
		}
	}
	return nil
}

func (eng *Engine) onReject(e *env.Environment, p llcp.PDU) error {
	r := p.(*llcp.Reject)

	if e.Procs.Enc.State.Active() {
		eng.encFail(e, r.Reason)
		return nil
	}
	pp := &e.Procs.Param
	if pp.Local && pp.Kind == env.ParamConnUpdate && pp.State == env.ProcRequested {
		eng.finishParam(e, r.Reason)
	}
	return nil
}

func (eng *Engine) onRejectExt(e *env.Environment, p llcp.PDU) error {
	r := p.(*llcp.RejectExt)

	switch r.RejectOpcode {
	case llcp.OpEncReq:
		if e.Procs.Enc.State.Active() {
			eng.encFail(e, r.Reason)
		}

	case llcp.OpConnectionParamReq, llcp.OpConnectionParamRsp:
		pp := &e.Procs.Param
		if pp.Kind != env.ParamConnUpdate {
			return nil
		}
		switch {
		case pp.Local && pp.State == env.ProcRequested:
			if e.Role == llc.RoleCentral && r.Reason == llc.StatusUnsupportedRemoteFeature {
				return eng.sendUpdateInd(e, pp.Params)
			}
			eng.finishParam(e, r.Reason)
		case !pp.Local && pp.State == env.ProcResponding:
			e.Log().Debug("proc", "peer dropped its param req: ", r.Reason)
			eng.resetParam(e)
		}

	case llcp.OpLengthReq:
		eng.endLength(e)

	default:
		e.Log().Debugf("proc: reject of %s: %s", r.RejectOpcode, r.Reason)
	}
	return nil
}
