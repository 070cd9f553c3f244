// Package env holds the per-connection state of the link layer controller.
//
// Environments live in a fixed-capacity arena keyed by connection handle.
// Each slot carries a generation so a Ref taken before a handle was reused
// fails to resolve instead of reaching the new connection.
package env

import (
	"github.com/rigado/ble-llc"
	"github.com/rigado/ble-llc/chassess"
	"github.com/rigado/ble-llc/llcp"
)

// Flags are the independent boolean facts about a connection.
type Flags struct {
	FeaturesExchanged bool
	PeerVersionKnown  bool
	VersionSent       bool
	// VersionRestart defers a version exchange requested during encryption.
	VersionRestart bool
	DiscardLLCP    bool
	TimeoutPending bool

	UpdatePending       bool
	UpdateHostRequested bool
	UpdateEventSent     bool

	SyncFound            bool
	LengthSkip           bool
	LengthRequestPending bool
	CollisionCheck       bool
}

// Timing holds the connection parameters. Pending values apply at Instant
// only, never before.
type Timing struct {
	Current llcp.ConnParams
	Pending llcp.ConnParams
	Instant uint16

	AuthPayloadTimeout uint16
	AuthPayloadMargin  uint16
}

// ChannelMaps holds the used channel map and an update waiting for Instant.
// Pending is only meaningful while PendingValid is set.
type ChannelMaps struct {
	Current      llcp.ChannelMap
	Pending      llcp.ChannelMap
	PendingValid bool
	Instant      uint16
}

// Remote is what the peer told us about itself.
type Remote struct {
	Version    uint8
	CompanyID  uint16
	Subversion uint16
	Features   llcp.Features
}

// Security holds the encryption enable and flow control bits. While a
// flow control bit is set only LLCP PDUs cross the link in that direction.
type Security struct {
	TxEnabled        bool
	RxEnabled        bool
	RefreshPending   bool
	TxFlowControlled bool
	RxFlowControlled bool
}

func (s Security) Enabled() bool { return s.TxEnabled && s.RxEnabled }

// Material is the key material of the link. It is zeroed on destroy.
type Material struct {
	LTK  [16]byte
	Rand uint64
	EDiv uint16
	// SKD is SKDm || SKDs, least significant octet first.
	SKD [16]byte
	SK  [16]byte
	// IV is IVm || IVs.
	IV [8]byte
}

// Zero clears every secret.
func (m *Material) Zero() {
	*m = Material{}
}

// Stats are reception counters. Lifetime counters never reset while the
// connection lives; window counters restart with ResetWindow.
type Stats struct {
	Packets    uint32
	BadPackets uint32
	Window     uint32
	WindowBad  uint32
}

func (s *Stats) Record(ok bool) {
	s.Packets++
	s.Window++
	if !ok {
		s.BadPackets++
		s.WindowBad++
	}
}

func (s *Stats) ResetWindow() {
	s.Window = 0
	s.WindowBad = 0
}

// Timer measures elapsed time in connection events from Start.
type Timer struct {
	Armed bool
	Start uint16
}

func (t *Timer) Arm(counter uint16) {
	t.Armed = true
	t.Start = counter
}

func (t *Timer) Stop() { *t = Timer{} }

// Elapsed returns the time since Start in 10ms units for connection
// interval (N*1.25ms).
func (t Timer) Elapsed(counter, interval uint16) uint32 {
	if !t.Armed {
		return 0
	}
	return uint32(counter-t.Start) * uint32(interval) / 8
}

// ProcState is the sub-state of a procedure category.
type ProcState uint8

const (
	ProcIdle ProcState = iota
	// ProcRequested: a local request is out, waiting for the peer.
	ProcRequested
	// ProcResponding: a peer request was accepted, waiting for its follow-up.
	ProcResponding
	// ProcWaitInstant: the change is scheduled, waiting for the instant.
	ProcWaitInstant
)

var procStateNames = [...]string{"idle", "requested", "responding", "wait-instant"}

func (s ProcState) String() string {
	if int(s) < len(procStateNames) {
		return procStateNames[s]
	}
	return "unknown"
}

// ParamKind tells which link parameter procedure owns the category.
type ParamKind uint8

const (
	ParamNone ParamKind = iota
	ParamConnUpdate
	ParamChannelMap
)

// ParamProc is the link parameter category: connection update and channel
// map update share it.
type ParamProc struct {
	State  ProcState
	Kind   ParamKind
	Local  bool
	Params llcp.ConnParams
	Timer  Timer
}

func (p *ParamProc) Reset() { *p = ParamProc{} }

// EncState is the state of the encryption procedure.
type EncState uint8

const (
	EncIdle EncState = iota
	EncStartRequested
	EncPausedForKey
	EncEnabling
	EncEnabled
	EncRefreshing
)

var encStateNames = [...]string{"idle", "start-requested", "paused-for-key", "enabling", "enabled", "refreshing"}

func (s EncState) String() string {
	if int(s) < len(encStateNames) {
		return encStateNames[s]
	}
	return "unknown"
}

// Active reports whether an encryption procedure is in progress.
func (s EncState) Active() bool {
	return s != EncIdle && s != EncEnabled
}

// EncProc is the encryption category.
type EncProc struct {
	State EncState
	Local bool
	// AwaitingKey is set while a refresh waits for the host key.
	AwaitingKey bool
	// Paused is set once both sides stopped encrypting for a refresh.
	Paused bool
	Timer  Timer
}

// Proc is a category with a single request/response exchange.
type Proc struct {
	State ProcState
	Local bool
	Timer Timer
}

func (p *Proc) Reset() { *p = Proc{} }

// Procedures is the procedure state of every category.
type Procedures struct {
	Param   ParamProc
	Enc     EncProc
	Length  Proc
	Feature Proc
	Version Proc
	Ping    Proc
}

// Environment is the state of one connection. It is owned by the controller
// goroutine handling its handle.
type Environment struct {
	Handle       llc.Handle
	Role         llc.Role
	PeerAddrType llc.AddrType
	PeerAddr     llc.Addr

	Flags    Flags
	Timing   Timing
	Channels ChannelMaps
	Remote   Remote
	Security Security
	Material Material
	Stats    Stats
	Length   Length
	Queues   Queues
	Procs    Procedures

	// Counter is the last connection event counter seen.
	Counter uint16
	// LastRx is the counter of the last valid reception.
	LastRx uint16
	// AuthTimer runs while the link is encrypted.
	AuthTimer Timer
	// PingSent is set once a ping went out in the current auth period.
	PingSent bool

	DisconnectReason llc.Status

	Assess *chassess.Tracker
	Logger llc.Logger
}

// EffectiveSupervisionTimeout returns the supervision timeout to watch.
// While a parameter update waits for its instant the larger of current and
// pending value is used, since the peer may already have switched.
func (e *Environment) EffectiveSupervisionTimeout() uint16 {
	to := e.Timing.Current.Timeout
	if e.Flags.UpdatePending && e.Timing.Pending.Timeout > to {
		to = e.Timing.Pending.Timeout
	}
	return to
}

// ParamBusy reports whether a link parameter procedure may not start.
// Encryption procedures exclude parameter procedures.
func (e *Environment) ParamBusy() bool {
	return e.Procs.Param.State != ProcIdle || e.Procs.Enc.State.Active()
}

// EncBusy reports whether an encryption procedure may not start.
func (e *Environment) EncBusy() bool {
	return e.Procs.Enc.State.Active() || e.Procs.Param.State != ProcIdle
}

// FlowControl sets or clears both flow control bits.
func (e *Environment) FlowControl(on bool) {
	e.Security.TxFlowControlled = on
	e.Security.RxFlowControlled = on
}

// Log returns the connection logger.
func (e *Environment) Log() llc.Logger {
	if e.Logger == nil {
		return llc.GetLogger()
	}
	return e.Logger
}
