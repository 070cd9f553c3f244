package llcp

import "fmt"

// Opcode identifies an LL Control PDU [Vol 6, Part B, 2.4.2].
type Opcode uint8

const (
	OpConnectionUpdateInd  Opcode = 0x00
	OpChannelMapInd        Opcode = 0x01
	OpTerminateInd         Opcode = 0x02
	OpEncReq               Opcode = 0x03
	OpEncRsp               Opcode = 0x04
	OpStartEncReq          Opcode = 0x05
	OpStartEncRsp          Opcode = 0x06
	OpUnknownRsp           Opcode = 0x07
	OpFeatureReq           Opcode = 0x08
	OpFeatureRsp           Opcode = 0x09
	OpPauseEncReq          Opcode = 0x0A
	OpPauseEncRsp          Opcode = 0x0B
	OpVersionInd           Opcode = 0x0C
	OpRejectInd            Opcode = 0x0D
	OpPeripheralFeatureReq Opcode = 0x0E
	OpConnectionParamReq   Opcode = 0x0F
	OpConnectionParamRsp   Opcode = 0x10
	OpRejectExtInd         Opcode = 0x11
	OpPingReq              Opcode = 0x12
	OpPingRsp              Opcode = 0x13
	OpLengthReq            Opcode = 0x14
	OpLengthRsp            Opcode = 0x15
	maxOpcode                     = OpLengthRsp
)

var opcodeNames = [...]string{
	"LL_CONNECTION_UPDATE_IND",
	"LL_CHANNEL_MAP_IND",
	"LL_TERMINATE_IND",
	"LL_ENC_REQ",
	"LL_ENC_RSP",
	"LL_START_ENC_REQ",
	"LL_START_ENC_RSP",
	"LL_UNKNOWN_RSP",
	"LL_FEATURE_REQ",
	"LL_FEATURE_RSP",
	"LL_PAUSE_ENC_REQ",
	"LL_PAUSE_ENC_RSP",
	"LL_VERSION_IND",
	"LL_REJECT_IND",
	"LL_PERIPHERAL_FEATURE_REQ",
	"LL_CONNECTION_PARAM_REQ",
	"LL_CONNECTION_PARAM_RSP",
	"LL_REJECT_EXT_IND",
	"LL_PING_REQ",
	"LL_PING_RSP",
	"LL_LENGTH_REQ",
	"LL_LENGTH_RSP",
}

func (o Opcode) String() string {
	if o <= maxOpcode {
		return opcodeNames[o]
	}
	return fmt.Sprintf("LL_0x%02X", uint8(o))
}

// Encryption reports whether o may be exchanged while an encryption start or
// pause is in progress [Vol 6, Part B, 5.1.3].
func (o Opcode) Encryption() bool {
	switch o {
	case OpEncReq, OpEncRsp, OpStartEncReq, OpStartEncRsp, OpPauseEncReq, OpPauseEncRsp,
		OpTerminateInd, OpRejectInd, OpRejectExtInd:
		return true
	}
	return false
}

// Link layer defaults and limits.
const (
	// DefaultOctets and DefaultTime are the data channel PDU limits before any
	// length update [Vol 6, Part B, 4.5.10].
	DefaultOctets uint16 = 27
	DefaultTime   uint16 = 328
	MaxOctets     uint16 = 251
	MaxTime       uint16 = 2120

	// MinGoodChannels is the fewest used channels a channel map may carry.
	MinGoodChannels = 2

	// DataChannels is the number of data channels covered by a channel map.
	DataChannels = 37
)

// Connection parameter limits (N*1.25ms interval, events latency, N*10ms timeout).
const (
	IntervalMin = 6
	IntervalMax = 3200
	LatencyMin  = 0
	LatencyMax  = 500
	TimeoutMin  = 10
	TimeoutMax  = 3200
)
