package proc

import (
	"github.com/pkg/errors"
	"github.com/rigado/ble-llc"
	"github.com/rigado/ble-llc/env"
	"github.com/rigado/ble-llc/llcp"
)

func (eng *Engine) busy(e *env.Environment, what string) error {
	return errors.Wrapf(llc.ErrProcedureBusy, "%s: param %s, enc %s", what,
		e.Procs.Param.State, e.Procs.Enc.State)
}

func (eng *Engine) startConnUpdate(e *env.Environment, p llcp.ConnParams) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if e.ParamBusy() {
		return eng.busy(e, "connection update")
	}

	pp := &e.Procs.Param
	pp.Kind, pp.Local, pp.Params = env.ParamConnUpdate, true, p
	e.Flags.CollisionCheck = true
	e.Flags.UpdateHostRequested = true

	if e.Role == llc.RoleCentral {
		if e.Flags.FeaturesExchanged && eng.supports(e, llcp.FeatureConnParamReq) {
			return eng.sendParamReq(e, p)
		}
		return eng.sendUpdateInd(e, p)
	}

	if !eng.supports(e, llcp.FeatureConnParamReq) {
		eng.resetParam(e)
		return errors.Wrap(llc.ErrUnsupportedFeature, "peer can't take connection parameter requests")
	}
	return eng.sendParamReq(e, p)
}

func (eng *Engine) sendParamReq(e *env.Environment, p llcp.ConnParams) error {
	pp := &e.Procs.Param
	pp.State = env.ProcRequested
	pp.Timer.Arm(e.Counter)

	err := eng.send(e, &llcp.ConnectionParam{
		Op:                  llcp.OpConnectionParamReq,
		IntervalMin:         p.Interval,
		IntervalMax:         p.Interval,
		Latency:             p.Latency,
		Timeout:             p.Timeout,
		ReferenceEventCount: e.Counter,
		Offsets:             [6]uint16{0xFFFF, 0xFFFF, 0xFFFF, 0xFFFF, 0xFFFF, 0xFFFF},
	})
	if err != nil {
		eng.resetParam(e)
	}
	return err
}

// sendUpdateInd schedules new parameters from the central. The instant
// leaves the peripheral at least the instant margin of events, plus its
// latency, to pick the update up.
func (eng *Engine) sendUpdateInd(e *env.Environment, p llcp.ConnParams) error {
	instant := llcp.NextInstant(e.Counter, e.Timing.Current.Latency, eng.cfg.InstantMargin)
	err := eng.send(e, &llcp.ConnectionUpdate{
		WinSize:  1,
		Interval: p.Interval,
		Latency:  p.Latency,
		Timeout:  p.Timeout,
		Instant:  instant,
	})
	if err != nil {
		eng.resetParam(e)
		return err
	}
	eng.scheduleParams(e, p, instant)
	return nil
}

func (eng *Engine) scheduleParams(e *env.Environment, p llcp.ConnParams, instant uint16) {
	pp := &e.Procs.Param
	pp.Kind = env.ParamConnUpdate
	pp.State = env.ProcWaitInstant
	pp.Timer.Stop()

	e.Timing.Pending = p
	e.Timing.Instant = instant
	e.Flags.UpdatePending = true
	e.Flags.UpdateEventSent = false

	if err := eng.n.ApplyParameters(e.Handle, p, instant); err != nil {
		e.Log().Error("proc", "apply parameters: ", err)
	}
	e.Log().Debugf("proc: parameters %+v at instant %d", p, instant)
}

// resetParam frees the parameter category without telling the host.
func (eng *Engine) resetParam(e *env.Environment) {
	e.Procs.Param.Reset()
	e.Flags.CollisionCheck = false
}

// finishParam ends a connection update that never reached its instant. The
// host hears about it if it asked for the update.
func (eng *Engine) finishParam(e *env.Environment, status llc.Status) {
	if e.Procs.Param.Local && e.Procs.Param.Kind == env.ParamConnUpdate {
		c := e.Timing.Current
		eng.emit(llc.ConnectionUpdateComplete{
			Stat:     status,
			Handle:   e.Handle,
			Interval: c.Interval,
			Latency:  c.Latency,
			Timeout:  c.Timeout,
		})
	}
	e.Flags.UpdateHostRequested = false
	eng.resetParam(e)
}

// commitParams switches to the pending parameters at their instant.
func (eng *Engine) commitParams(e *env.Environment) {
	e.Timing.Current = e.Timing.Pending
	e.Flags.UpdatePending = false

	pp := &e.Procs.Param
	if pp.Kind == env.ParamConnUpdate && pp.State == env.ProcWaitInstant {
		eng.resetParam(e)
	}

	c := e.Timing.Current
	if !e.Flags.UpdateEventSent {
		e.Flags.UpdateEventSent = true
		eng.emit(llc.ConnectionUpdateComplete{
			Stat:     llc.StatusSuccess,
			Handle:   e.Handle,
			Interval: c.Interval,
			Latency:  c.Latency,
			Timeout:  c.Timeout,
		})
	}
	e.Flags.UpdateHostRequested = false
	e.Log().Debugf("proc: parameters %+v in use", c)
}

func (eng *Engine) onConnectionUpdate(e *env.Environment, p llcp.PDU) error {
	cu := p.(*llcp.ConnectionUpdate)
	if e.Role != llc.RolePeripheral {
		return errors.Wrap(llc.ErrProtocolViolation, "connection update ind on central")
	}
	if err := cu.Params().Validate(); err != nil {
		return errors.Wrapf(llc.ErrProtocolViolation, "connection update ind: %v", err)
	}
	if e.Flags.UpdatePending {
		return errors.Wrap(llc.ErrProtocolViolation, "second connection update pending")
	}
	if llcp.InstantPassed(e.Counter, cu.Instant) {
		e.Log().Warnf("proc: connection update instant %d passed at %d", cu.Instant, e.Counter)
		return eng.terminate(e, llc.StatusInstantPassed)
	}

	pp := &e.Procs.Param
	switch {
	case pp.State == env.ProcIdle:
		pp.Local = false
	case pp.Kind == env.ParamConnUpdate && pp.State != env.ProcWaitInstant:
		// answers our request, or the one we responded to
	default:
		return errors.Wrapf(llc.ErrProtocolViolation, "connection update ind in param state %s", pp.State)
	}
	eng.scheduleParams(e, cu.Params(), cu.Instant)
	return nil
}

func validParamReq(cp *llcp.ConnectionParam) error {
	if cp.IntervalMin > cp.IntervalMax {
		return errors.Wrapf(llc.ErrInvalidParameters, "interval min %d > max %d", cp.IntervalMin, cp.IntervalMax)
	}
	return cp.Params().Validate()
}

func (eng *Engine) onConnectionParamReq(e *env.Environment, p llcp.PDU) error {
	cp := p.(*llcp.ConnectionParam)

	if e.Procs.Enc.State.Active() {
		return eng.rejectExt(e, cp.Op, llc.StatusDifferentTransactionCollision)
	}
	if err := validParamReq(cp); err != nil {
		e.Log().Debug("proc", "rejecting param req: ", err)
		return eng.rejectExt(e, cp.Op, llc.StatusInvalidLLParameters)
	}

	pp := &e.Procs.Param
	if pp.State != env.ProcIdle {
		if pp.Kind != env.ParamConnUpdate || !pp.Local || !e.Flags.CollisionCheck {
			return eng.rejectExt(e, cp.Op, llc.StatusDifferentTransactionCollision)
		}
		yield := eng.cfg.CollisionPolicy == llc.CollisionCentralWins &&
			e.Role == llc.RolePeripheral && pp.State == env.ProcRequested
		if !yield {
			e.Log().Debug("proc", "param req collision, rejecting peer")
			return eng.rejectExt(e, cp.Op, llc.StatusLLProcedureCollision)
		}
		e.Log().Debug("proc", "param req collision, central wins")
		eng.finishParam(e, llc.StatusLLProcedureCollision)
	}

	pp.Kind, pp.Local, pp.Params = env.ParamConnUpdate, false, cp.Params()
	e.Flags.CollisionCheck = true

	if e.Role == llc.RoleCentral {
		return eng.sendUpdateInd(e, pp.Params)
	}

	pp.State = env.ProcResponding
	pp.Timer.Arm(e.Counter)
	rsp := *cp
	rsp.Op = llcp.OpConnectionParamRsp
	return eng.send(e, &rsp)
}

func (eng *Engine) onConnectionParamRsp(e *env.Environment, p llcp.PDU) error {
	cp := p.(*llcp.ConnectionParam)
	if e.Role != llc.RoleCentral {
		return errors.Wrap(llc.ErrProtocolViolation, "connection param rsp on peripheral")
	}

	pp := &e.Procs.Param
	if pp.State != env.ProcRequested || pp.Kind != env.ParamConnUpdate {
		e.Log().Warn("proc", "unexpected connection param rsp in state ", pp.State)
		return nil
	}

	params := pp.Params
	if err := validParamReq(cp); err == nil {
		params = cp.Params()
	}
	return eng.sendUpdateInd(e, params)
}

func (eng *Engine) startChannelMap(e *env.Environment, m llcp.ChannelMap) error {
	if e.Role != llc.RoleCentral {
		return errors.Wrap(llc.ErrRoleNotAllowed, "channel map update")
	}
	if !m.Valid() {
		return errors.Wrapf(llc.ErrInvalidParameters, "channel map %s", m)
	}
	if e.ParamBusy() {
		return eng.busy(e, "channel map update")
	}

	instant := llcp.NextInstant(e.Counter, e.Timing.Current.Latency, eng.cfg.InstantMargin)
	if err := eng.send(e, &llcp.ChannelMapUpdate{Map: m, Instant: instant}); err != nil {
		return err
	}

	pp := &e.Procs.Param
	pp.Kind, pp.Local, pp.State = env.ParamChannelMap, true, env.ProcWaitInstant
	eng.schedule(e, m, instant)
	e.Stats.ResetWindow()
	return nil
}

func (eng *Engine) schedule(e *env.Environment, m llcp.ChannelMap, instant uint16) {
	e.Channels.Pending = m
	e.Channels.PendingValid = true
	e.Channels.Instant = instant
	if err := eng.n.CommitChannelMap(e.Handle, m, instant); err != nil {
		e.Log().Error("proc", "commit channel map: ", err)
	}
	e.Log().Debugf("proc: channel map %s at instant %d", m, instant)
}

func (eng *Engine) commitChannelMap(e *env.Environment) {
	e.Channels.Current = e.Channels.Pending
	e.Channels.PendingValid = false

	pp := &e.Procs.Param
	if pp.Kind == env.ParamChannelMap && pp.State == env.ProcWaitInstant {
		eng.resetParam(e)
	}
	eng.emit(llc.ChannelMapUpdateComplete{Handle: e.Handle, Map: e.Channels.Current})
}

func (eng *Engine) onChannelMap(e *env.Environment, p llcp.PDU) error {
	cm := p.(*llcp.ChannelMapUpdate)
	if e.Role != llc.RolePeripheral {
		return errors.Wrap(llc.ErrProtocolViolation, "channel map ind on central")
	}
	if !cm.Map.Valid() {
		return errors.Wrapf(llc.ErrProtocolViolation, "channel map %s", cm.Map)
	}
	if e.Channels.PendingValid {
		return errors.Wrap(llc.ErrProtocolViolation, "second channel map pending")
	}
	if llcp.InstantPassed(e.Counter, cm.Instant) {
		e.Log().Warnf("proc: channel map instant %d passed at %d", cm.Instant, e.Counter)
		return eng.terminate(e, llc.StatusInstantPassed)
	}

	pp := &e.Procs.Param
	if pp.State == env.ProcIdle {
		pp.Kind, pp.Local, pp.State = env.ParamChannelMap, false, env.ProcWaitInstant
	}
	eng.schedule(e, cm.Map, cm.Instant)
	return nil
}
