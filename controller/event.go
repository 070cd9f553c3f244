package controller

import (
	"github.com/rigado/ble-llc"
	"github.com/rigado/ble-llc/chassess"
	"github.com/rigado/ble-llc/env"
	"github.com/rigado/ble-llc/proc"
)

// Event is anything delivered to a Controller: a radio indication or a host
// command. Every event names the connection it belongs to.
type Event interface {
	ConnHandle() llc.Handle
}

// Radio events.

// ConnectionCreated reports a new connection confirmed by the radio.
type ConnectionCreated struct {
	Handle llc.Handle
	Params env.InitialParams
}

// LLCPReceived carries a control PDU, opcode first.
type LLCPReceived struct {
	Handle llc.Handle
	PDU    []byte
}

// DataReceived carries an application data PDU. Start is set on the first
// fragment of an upper layer PDU.
type DataReceived struct {
	Handle llc.Handle
	Data   []byte
	Start  bool
}

// RxStatus reports one receive attempt on a data channel.
type RxStatus struct {
	Handle  llc.Handle
	Channel int
	Synced  bool
	RSSI    int8
}

// ConnectionEvent marks the start of connection event Counter. Slots bounds
// the data fragments handed to the radio for it; zero means no limit.
type ConnectionEvent struct {
	Handle  llc.Handle
	Counter uint16
	Slots   int
}

// Transmitted reports Count fragments sent over the air.
type Transmitted struct {
	Handle llc.Handle
	Count  int
}

// Acked reports Count fragments acknowledged by the peer.
type Acked struct {
	Handle llc.Handle
	Count  int
}

// Disconnected reports the link is gone. A zero Reason means the one
// recorded by the controller when it started tearing the link down.
type Disconnected struct {
	Handle llc.Handle
	Reason llc.Status
}

// Host commands.

// StartProcedure starts an LLCP procedure.
type StartProcedure struct {
	Handle    llc.Handle
	Procedure proc.Procedure
	Params    proc.Params
}

type LTKReply struct {
	Handle llc.Handle
	LTK    [16]byte
}

type LTKNegativeReply struct {
	Handle llc.Handle
}

// SendData queues an upper layer packet.
type SendData struct {
	Handle       llc.Handle
	Data         []byte
	Continuation bool
}

// Flush drops queued data of a connection.
type Flush struct {
	Handle llc.Handle
}

// Disconnect terminates a connection with Reason.
type Disconnect struct {
	Handle llc.Handle
	Reason llc.Status
}

// ReadAssessment reads the channel assessment counters of a central
// connection. Reply is called with the counters.
type ReadAssessment struct {
	Handle llc.Handle
	Reply  func(chassess.Counts)
}

type ResetAssessment struct {
	Handle llc.Handle
}

func (e ConnectionCreated) ConnHandle() llc.Handle { return e.Handle }
func (e LLCPReceived) ConnHandle() llc.Handle      { return e.Handle }
func (e DataReceived) ConnHandle() llc.Handle      { return e.Handle }
func (e RxStatus) ConnHandle() llc.Handle          { return e.Handle }
func (e ConnectionEvent) ConnHandle() llc.Handle   { return e.Handle }
func (e Transmitted) ConnHandle() llc.Handle       { return e.Handle }
func (e Acked) ConnHandle() llc.Handle             { return e.Handle }
func (e Disconnected) ConnHandle() llc.Handle      { return e.Handle }
func (e StartProcedure) ConnHandle() llc.Handle    { return e.Handle }
func (e LTKReply) ConnHandle() llc.Handle          { return e.Handle }
func (e LTKNegativeReply) ConnHandle() llc.Handle  { return e.Handle }
func (e SendData) ConnHandle() llc.Handle          { return e.Handle }
func (e Flush) ConnHandle() llc.Handle             { return e.Handle }
func (e Disconnect) ConnHandle() llc.Handle        { return e.Handle }
func (e ReadAssessment) ConnHandle() llc.Handle    { return e.Handle }
func (e ResetAssessment) ConnHandle() llc.Handle   { return e.Handle }

// command returns the HCI command a host event stands for, and whether it is
// acknowledged with Command Complete rather than Command Status.
func command(ev Event) (op llc.CommandOpcode, complete, ok bool) {
	switch ev := ev.(type) {
	case Disconnect:
		return llc.CommandDisconnect, false, true
	case LTKReply:
		return llc.CommandLELTKReply, true, true
	case LTKNegativeReply:
		return llc.CommandLELTKNegativeReply, true, true
	case Flush:
		return llc.CommandFlush, true, true
	case StartProcedure:
		switch ev.Procedure {
		case proc.ConnectionUpdate:
			return llc.CommandLEConnectionUpdate, false, true
		case proc.FeatureExchange:
			return llc.CommandLEReadRemoteFeatures, false, true
		case proc.VersionExchange:
			return llc.CommandReadRemoteVersion, false, true
		case proc.Encryption:
			return llc.CommandLEStartEncryption, false, true
		case proc.DataLength:
			return llc.CommandLESetDataLength, true, true
		case proc.Terminate:
			return llc.CommandDisconnect, false, true
		}
	}
	return 0, false, false
}
