package proc

import (
	"github.com/pkg/errors"
	"github.com/rigado/ble-llc"
	"github.com/rigado/ble-llc/env"
	"github.com/rigado/ble-llc/llcp"
)

// OnConnectionEvent advances h to connection event counter. Scheduled
// changes whose instant is reached take effect, and the response,
// authenticated payload and supervision timers are checked. ErrLinkLost
// means the connection is gone; the reason is in DisconnectReason.
func (eng *Engine) OnConnectionEvent(h llc.Handle, counter uint16) error {
	e, err := eng.store.Get(h)
	if err != nil {
		return err
	}
	e.Counter = counter

	if e.Flags.UpdatePending && llcp.InstantReached(counter, e.Timing.Instant) {
		eng.commitParams(e)
	}
	if e.Channels.PendingValid && llcp.InstantReached(counter, e.Channels.Instant) {
		eng.commitChannelMap(e)
	}

	interval := e.Timing.Current.Interval

	if name, ok := eng.responseTimeout(e, interval); ok {
		e.Log().Warn("proc", name, " response timeout")
		e.Flags.TimeoutPending = true
		eng.lose(e, llc.StatusLLResponseTimeout)
		return ErrLinkLost
	}

	if e.Security.Enabled() && e.AuthTimer.Armed {
		eng.checkAuthPayload(e, interval)
	}

	if e.LastRx != counter {
		since := env.Timer{Armed: true, Start: e.LastRx}
		if since.Elapsed(counter, interval) > uint32(e.EffectiveSupervisionTimeout()) {
			e.Log().Warnf("proc: supervision timeout, last rx at %d, now %d", e.LastRx, counter)
			eng.lose(e, llc.StatusConnectionTimeout)
			return ErrLinkLost
		}
	}
	return nil
}

func (eng *Engine) responseTimeout(e *env.Environment, interval uint16) (string, bool) {
	timers := []struct {
		name string
		t    env.Timer
	}{
		{"connection parameter", e.Procs.Param.Timer},
		{"encryption", e.Procs.Enc.Timer},
		{"data length", e.Procs.Length.Timer},
		{"feature exchange", e.Procs.Feature.Timer},
		{"version exchange", e.Procs.Version.Timer},
		{"ping", e.Procs.Ping.Timer},
	}
	for _, tt := range timers {
		if tt.t.Armed && tt.t.Elapsed(e.Counter, interval) >= uint32(eng.cfg.ResponseTimeout) {
			return tt.name, true
		}
	}
	return "", false
}

func (eng *Engine) checkAuthPayload(e *env.Environment, interval uint16) {
	elapsed := e.AuthTimer.Elapsed(e.Counter, interval)
	timeout := uint32(e.Timing.AuthPayloadTimeout)

	if elapsed >= timeout {
		e.Log().Info("proc", "authenticated payload timeout")
		eng.emit(llc.AuthenticatedPayloadTimeoutExpired{Handle: e.Handle})
		e.AuthTimer.Arm(e.Counter)
		e.PingSent = false
		return
	}

	margin := uint32(e.Timing.AuthPayloadMargin)
	if elapsed+margin < timeout || e.PingSent {
		return
	}
	if e.Procs.Ping.State != env.ProcIdle || e.Security.TxFlowControlled || !eng.supports(e, llcp.FeaturePing) {
		return
	}
	// Provoke an authenticated packet before the timer runs out.
	if err := eng.startSimple(e, &e.Procs.Ping, &llcp.Bare{Op: llcp.OpPingReq}); err != nil {
		e.Log().Debug("proc", "ping: ", err)
		return
	}
	e.PingSent = true
}

// lose marks the link as gone without a handshake.
func (eng *Engine) lose(e *env.Environment, reason llc.Status) {
	eng.abandon(e)
	e.Flags.DiscardLLCP = true
	if e.DisconnectReason == llc.StatusSuccess {
		e.DisconnectReason = reason
	}
}

// terminate tears the link down from the controller side.
func (eng *Engine) terminate(e *env.Environment, reason llc.Status) error {
	if e.Flags.DiscardLLCP {
		return nil
	}
	e.Log().Info("proc", "terminating: ", reason)
	eng.abandon(e)
	e.Flags.DiscardLLCP = true
	if e.DisconnectReason == llc.StatusSuccess {
		e.DisconnectReason = reason
	}
	return eng.send(e, &llcp.Terminate{Reason: reason})
}

func (eng *Engine) startTerminate(e *env.Environment, reason llc.Status) error {
	if reason == llc.StatusSuccess {
		return errors.Wrap(llc.ErrInvalidParameters, "terminate without reason")
	}
	if e.Flags.DiscardLLCP {
		return nil
	}
	e.DisconnectReason = llc.StatusLocalHostTerminated
	eng.abandon(e)
	e.Flags.DiscardLLCP = true
	return eng.send(e, &llcp.Terminate{Reason: reason})
}

func (eng *Engine) onTerminate(e *env.Environment, p llcp.PDU) error {
	t := p.(*llcp.Terminate)
	e.Log().Info("proc", "peer terminated: ", t.Reason)
	eng.abandon(e)
	e.Flags.DiscardLLCP = true
	e.DisconnectReason = t.Reason
	return nil
}

// Abandon drops every procedure of h without telling the host. It is used
// when the connection goes away.
func (eng *Engine) Abandon(h llc.Handle) error {
	e, err := eng.store.Get(h)
	if err != nil {
		return err
	}
	eng.abandon(e)
	return nil
}

func (eng *Engine) abandon(e *env.Environment) {
	enabled := e.Procs.Enc.State == env.EncEnabled
	e.Procs = env.Procedures{}
	if enabled {
		e.Procs.Enc.State = env.EncEnabled
	}

	e.Channels.PendingValid = false
	e.Flags.UpdatePending = false
	e.Flags.CollisionCheck = false
	e.Flags.LengthRequestPending = false
	e.Flags.VersionRestart = false
	e.FlowControl(false)
	e.AuthTimer.Stop()
}
