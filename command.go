package llc

import "fmt"

// CommandOpcode is a HCI command opcode, OGF<<10 | OCF [Vol 4, Part E, 5.4.1].
type CommandOpcode uint16

// Connection commands the controller acknowledges.
const (
	CommandDisconnect           CommandOpcode = 0x0406
	CommandReadRemoteVersion    CommandOpcode = 0x041D
	CommandFlush                CommandOpcode = 0x0C08
	CommandLEConnectionUpdate   CommandOpcode = 0x2013
	CommandLEReadRemoteFeatures CommandOpcode = 0x2016
	CommandLEStartEncryption    CommandOpcode = 0x2019
	CommandLELTKReply           CommandOpcode = 0x201A
	CommandLELTKNegativeReply   CommandOpcode = 0x201B
	CommandLESetDataLength      CommandOpcode = 0x2022
)

func (op CommandOpcode) String() string { return fmt.Sprintf("0x%04X", uint16(op)) }

// CommandStatus acknowledges a command whose outcome a later event reports.
type CommandStatus struct {
	Stat   Status
	Opcode CommandOpcode
	Handle Handle
}

// CommandComplete acknowledges a command that finished at once. Every
// command completed this way returns the connection handle.
type CommandComplete struct {
	Stat   Status
	Opcode CommandOpcode
	Handle Handle
}

func (e CommandStatus) Code() EventCode    { return EventCommandStatus }
func (e CommandStatus) ConnHandle() Handle { return e.Handle }
func (e CommandStatus) Status() Status     { return e.Stat }

func (e CommandComplete) Code() EventCode    { return EventCommandComplete }
func (e CommandComplete) ConnHandle() Handle { return e.Handle }
func (e CommandComplete) Status() Status     { return e.Stat }
