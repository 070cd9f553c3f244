package llcp

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/rigado/ble-llc"
)

// ErrUnknownOpcode is returned by Parse for opcodes this controller does not
// implement. The peer is answered with LL_UNKNOWN_RSP.
var ErrUnknownOpcode = errors.New("unknown llcp opcode")

// PDU is a LL Control PDU payload. Marshal and Unmarshal operate on the
// CtrData field only; the opcode is carried separately.
type PDU interface {
	Opcode() Opcode
	Len() int
	Marshal(b []byte) error
	Unmarshal(b []byte) error
}

// Encode returns the CtrData of p.
func Encode(p PDU) []byte {
	b := make([]byte, p.Len())
	// Len always matches, Marshal can't fail on a sized buffer.
	_ = p.Marshal(b)
	return b
}

// Frame returns the opcode followed by the CtrData of p.
func Frame(p PDU) []byte {
	return append([]byte{byte(p.Opcode())}, Encode(p)...)
}

// Parse decodes a control PDU starting with its opcode.
func Parse(b []byte) (PDU, error) {
	if len(b) == 0 {
		return nil, errors.Wrap(llc.ErrProtocolViolation, "empty control pdu")
	}

	op := Opcode(b[0])
	p := New(op)
	if p == nil {
		return nil, errors.Wrapf(ErrUnknownOpcode, "0x%02X", b[0])
	}
	if err := p.Unmarshal(b[1:]); err != nil {
		return nil, err
	}
	return p, nil
}

// New returns an empty PDU for op, or nil if op isn't known.
func New(op Opcode) PDU {
	switch op {
	case OpConnectionUpdateInd:
		return &ConnectionUpdate{}
	case OpChannelMapInd:
		return &ChannelMapUpdate{}
	case OpTerminateInd:
		return &Terminate{}
	case OpEncReq:
		return &EncRequest{}
	case OpEncRsp:
		return &EncResponse{}
	case OpUnknownRsp:
		return &Unknown{}
	case OpFeatureReq, OpFeatureRsp, OpPeripheralFeatureReq:
		return &FeatureExchange{Op: op}
	case OpVersionInd:
		return &Version{}
	case OpRejectInd:
		return &Reject{}
	case OpConnectionParamReq, OpConnectionParamRsp:
		return &ConnectionParam{Op: op}
	case OpRejectExtInd:
		return &RejectExt{}
	case OpLengthReq, OpLengthRsp:
		return &Length{Op: op}
	case OpStartEncReq, OpStartEncRsp, OpPauseEncReq, OpPauseEncRsp, OpPingReq, OpPingRsp:
		return &Bare{Op: op}
	}
	return nil
}

func checkLen(op Opcode, b []byte, n int) error {
	if len(b) != n {
		return errors.Wrapf(llc.ErrProtocolViolation, "%s: length %d, want %d", op, len(b), n)
	}
	return nil
}

func checkBuf(op Opcode, b []byte, n int) error {
	if len(b) < n {
		return errors.Errorf("%s: buffer too small (%d < %d)", op, len(b), n)
	}
	return nil
}

// ConnectionUpdate is LL_CONNECTION_UPDATE_IND.
type ConnectionUpdate struct {
	WinSize   uint8
	WinOffset uint16
	Interval  uint16
	Latency   uint16
	Timeout   uint16
	Instant   uint16
}

func (p *ConnectionUpdate) Opcode() Opcode { return OpConnectionUpdateInd }
func (p *ConnectionUpdate) Len() int       { return 11 }

func (p *ConnectionUpdate) Params() ConnParams {
	return ConnParams{Interval: p.Interval, Latency: p.Latency, Timeout: p.Timeout}
}

func (p *ConnectionUpdate) Marshal(b []byte) error {
	if err := checkBuf(p.Opcode(), b, p.Len()); err != nil {
		return err
	}
	b[0] = p.WinSize
	binary.LittleEndian.PutUint16(b[1:], p.WinOffset)
	binary.LittleEndian.PutUint16(b[3:], p.Interval)
	binary.LittleEndian.PutUint16(b[5:], p.Latency)
	binary.LittleEndian.PutUint16(b[7:], p.Timeout)
	binary.LittleEndian.PutUint16(b[9:], p.Instant)
	return nil
}

func (p *ConnectionUpdate) Unmarshal(b []byte) error {
	if err := checkLen(p.Opcode(), b, p.Len()); err != nil {
		return err
	}
	p.WinSize = b[0]
	p.WinOffset = binary.LittleEndian.Uint16(b[1:])
	p.Interval = binary.LittleEndian.Uint16(b[3:])
	p.Latency = binary.LittleEndian.Uint16(b[5:])
	p.Timeout = binary.LittleEndian.Uint16(b[7:])
	p.Instant = binary.LittleEndian.Uint16(b[9:])
	return nil
}

// ChannelMapUpdate is LL_CHANNEL_MAP_IND.
type ChannelMapUpdate struct {
	Map     ChannelMap
	Instant uint16
}

func (p *ChannelMapUpdate) Opcode() Opcode { return OpChannelMapInd }
func (p *ChannelMapUpdate) Len() int       { return 7 }

func (p *ChannelMapUpdate) Marshal(b []byte) error {
	if err := checkBuf(p.Opcode(), b, p.Len()); err != nil {
		return err
	}
	copy(b, p.Map[:])
	binary.LittleEndian.PutUint16(b[5:], p.Instant)
	return nil
}

func (p *ChannelMapUpdate) Unmarshal(b []byte) error {
	if err := checkLen(p.Opcode(), b, p.Len()); err != nil {
		return err
	}
	copy(p.Map[:], b)
	p.Instant = binary.LittleEndian.Uint16(b[5:])
	return nil
}

// Terminate is LL_TERMINATE_IND.
type Terminate struct {
	Reason llc.Status
}

func (p *Terminate) Opcode() Opcode { return OpTerminateInd }
func (p *Terminate) Len() int       { return 1 }

func (p *Terminate) Marshal(b []byte) error {
	if err := checkBuf(p.Opcode(), b, p.Len()); err != nil {
		return err
	}
	b[0] = byte(p.Reason)
	return nil
}

func (p *Terminate) Unmarshal(b []byte) error {
	if err := checkLen(p.Opcode(), b, p.Len()); err != nil {
		return err
	}
	p.Reason = llc.Status(b[0])
	return nil
}

// EncRequest is LL_ENC_REQ, sent by the central.
type EncRequest struct {
	Rand uint64
	EDiv uint16
	SKDm [8]byte
	IVm  [4]byte
}

func (p *EncRequest) Opcode() Opcode { return OpEncReq }
func (p *EncRequest) Len() int       { return 22 }

func (p *EncRequest) Marshal(b []byte) error {
	if err := checkBuf(p.Opcode(), b, p.Len()); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(b, p.Rand)
	binary.LittleEndian.PutUint16(b[8:], p.EDiv)
	copy(b[10:18], p.SKDm[:])
	copy(b[18:22], p.IVm[:])
	return nil
}

func (p *EncRequest) Unmarshal(b []byte) error {
	if err := checkLen(p.Opcode(), b, p.Len()); err != nil {
		return err
	}
	p.Rand = binary.LittleEndian.Uint64(b)
	p.EDiv = binary.LittleEndian.Uint16(b[8:])
	copy(p.SKDm[:], b[10:18])
	copy(p.IVm[:], b[18:22])
	return nil
}

// EncResponse is LL_ENC_RSP, sent by the peripheral.
type EncResponse struct {
	SKDs [8]byte
	IVs  [4]byte
}

func (p *EncResponse) Opcode() Opcode { return OpEncRsp }
func (p *EncResponse) Len() int       { return 12 }

func (p *EncResponse) Marshal(b []byte) error {
	if err := checkBuf(p.Opcode(), b, p.Len()); err != nil {
		return err
	}
	copy(b[0:8], p.SKDs[:])
	copy(b[8:12], p.IVs[:])
	return nil
}

func (p *EncResponse) Unmarshal(b []byte) error {
	if err := checkLen(p.Opcode(), b, p.Len()); err != nil {
		return err
	}
	copy(p.SKDs[:], b[0:8])
	copy(p.IVs[:], b[8:12])
	return nil
}

// Unknown is LL_UNKNOWN_RSP.
type Unknown struct {
	UnknownType Opcode
}

func (p *Unknown) Opcode() Opcode { return OpUnknownRsp }
func (p *Unknown) Len() int       { return 1 }

func (p *Unknown) Marshal(b []byte) error {
	if err := checkBuf(p.Opcode(), b, p.Len()); err != nil {
		return err
	}
	b[0] = byte(p.UnknownType)
	return nil
}

func (p *Unknown) Unmarshal(b []byte) error {
	if err := checkLen(p.Opcode(), b, p.Len()); err != nil {
		return err
	}
	p.UnknownType = Opcode(b[0])
	return nil
}

// FeatureExchange is LL_FEATURE_REQ, LL_FEATURE_RSP or LL_PERIPHERAL_FEATURE_REQ.
type FeatureExchange struct {
	Op       Opcode
	Features Features
}

func (p *FeatureExchange) Opcode() Opcode { return p.Op }
func (p *FeatureExchange) Len() int       { return 8 }

func (p *FeatureExchange) Marshal(b []byte) error {
	if err := checkBuf(p.Opcode(), b, p.Len()); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(b, uint64(p.Features))
	return nil
}

func (p *FeatureExchange) Unmarshal(b []byte) error {
	if err := checkLen(p.Opcode(), b, p.Len()); err != nil {
		return err
	}
	p.Features = Features(binary.LittleEndian.Uint64(b))
	return nil
}

// Version is LL_VERSION_IND.
type Version struct {
	VersNr     uint8
	CompanyID  uint16
	Subversion uint16
}

func (p *Version) Opcode() Opcode { return OpVersionInd }
func (p *Version) Len() int       { return 5 }

func (p *Version) Marshal(b []byte) error {
	if err := checkBuf(p.Opcode(), b, p.Len()); err != nil {
		return err
	}
	b[0] = p.VersNr
	binary.LittleEndian.PutUint16(b[1:], p.CompanyID)
	binary.LittleEndian.PutUint16(b[3:], p.Subversion)
	return nil
}

func (p *Version) Unmarshal(b []byte) error {
	if err := checkLen(p.Opcode(), b, p.Len()); err != nil {
		return err
	}
	p.VersNr = b[0]
	p.CompanyID = binary.LittleEndian.Uint16(b[1:])
	p.Subversion = binary.LittleEndian.Uint16(b[3:])
	return nil
}

// Reject is LL_REJECT_IND.
type Reject struct {
	Reason llc.Status
}

func (p *Reject) Opcode() Opcode { return OpRejectInd }
func (p *Reject) Len() int       { return 1 }

func (p *Reject) Marshal(b []byte) error {
	if err := checkBuf(p.Opcode(), b, p.Len()); err != nil {
		return err
	}
	b[0] = byte(p.Reason)
	return nil
}

func (p *Reject) Unmarshal(b []byte) error {
	if err := checkLen(p.Opcode(), b, p.Len()); err != nil {
		return err
	}
	p.Reason = llc.Status(b[0])
	return nil
}

// RejectExt is LL_REJECT_EXT_IND.
type RejectExt struct {
	RejectOpcode Opcode
	Reason       llc.Status
}

func (p *RejectExt) Opcode() Opcode { return OpRejectExtInd }
func (p *RejectExt) Len() int       { return 2 }

func (p *RejectExt) Marshal(b []byte) error {
	if err := checkBuf(p.Opcode(), b, p.Len()); err != nil {
		return err
	}
	b[0] = byte(p.RejectOpcode)
	b[1] = byte(p.Reason)
	return nil
}

func (p *RejectExt) Unmarshal(b []byte) error {
	if err := checkLen(p.Opcode(), b, p.Len()); err != nil {
		return err
	}
	p.RejectOpcode = Opcode(b[0])
	p.Reason = llc.Status(b[1])
	return nil
}

// ConnectionParam is LL_CONNECTION_PARAM_REQ or LL_CONNECTION_PARAM_RSP.
type ConnectionParam struct {
	Op                   Opcode
	IntervalMin          uint16
	IntervalMax          uint16
	Latency              uint16
	Timeout              uint16
	PreferredPeriodicity uint8
	ReferenceEventCount  uint16
	Offsets              [6]uint16
}

func (p *ConnectionParam) Opcode() Opcode { return p.Op }
func (p *ConnectionParam) Len() int       { return 23 }

// Params returns the parameters a central would pick for the request: the
// highest acceptable interval.
func (p *ConnectionParam) Params() ConnParams {
	return ConnParams{Interval: p.IntervalMax, Latency: p.Latency, Timeout: p.Timeout}
}

func (p *ConnectionParam) Marshal(b []byte) error {
	if err := checkBuf(p.Opcode(), b, p.Len()); err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(b[0:], p.IntervalMin)
	binary.LittleEndian.PutUint16(b[2:], p.IntervalMax)
	binary.LittleEndian.PutUint16(b[4:], p.Latency)
	binary.LittleEndian.PutUint16(b[6:], p.Timeout)
	b[8] = p.PreferredPeriodicity
	binary.LittleEndian.PutUint16(b[9:], p.ReferenceEventCount)
	for i, o := range p.Offsets {
		binary.LittleEndian.PutUint16(b[11+2*i:], o)
	}
	return nil
}

func (p *ConnectionParam) Unmarshal(b []byte) error {
	if err := checkLen(p.Opcode(), b, p.Len()); err != nil {
		return err
	}
	p.IntervalMin = binary.LittleEndian.Uint16(b[0:])
	p.IntervalMax = binary.LittleEndian.Uint16(b[2:])
	p.Latency = binary.LittleEndian.Uint16(b[4:])
	p.Timeout = binary.LittleEndian.Uint16(b[6:])
	p.PreferredPeriodicity = b[8]
	p.ReferenceEventCount = binary.LittleEndian.Uint16(b[9:])
	for i := range p.Offsets {
		p.Offsets[i] = binary.LittleEndian.Uint16(b[11+2*i:])
	}
	return nil
}

// Length is LL_LENGTH_REQ or LL_LENGTH_RSP.
type Length struct {
	Op          Opcode
	MaxRxOctets uint16
	MaxRxTime   uint16
	MaxTxOctets uint16
	MaxTxTime   uint16
}

func (p *Length) Opcode() Opcode { return p.Op }
func (p *Length) Len() int       { return 8 }

func (p *Length) Marshal(b []byte) error {
	if err := checkBuf(p.Opcode(), b, p.Len()); err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(b[0:], p.MaxRxOctets)
	binary.LittleEndian.PutUint16(b[2:], p.MaxRxTime)
	binary.LittleEndian.PutUint16(b[4:], p.MaxTxOctets)
	binary.LittleEndian.PutUint16(b[6:], p.MaxTxTime)
	return nil
}

func (p *Length) Unmarshal(b []byte) error {
	if err := checkLen(p.Opcode(), b, p.Len()); err != nil {
		return err
	}
	p.MaxRxOctets = binary.LittleEndian.Uint16(b[0:])
	p.MaxRxTime = binary.LittleEndian.Uint16(b[2:])
	p.MaxTxOctets = binary.LittleEndian.Uint16(b[4:])
	p.MaxTxTime = binary.LittleEndian.Uint16(b[6:])
	return nil
}

// Validate checks the values against the permitted ranges [Vol 6, Part B, 2.4.2.21].
func (p *Length) Validate() error {
	if p.MaxRxOctets < DefaultOctets || p.MaxRxOctets > MaxOctets ||
		p.MaxTxOctets < DefaultOctets || p.MaxTxOctets > MaxOctets ||
		p.MaxRxTime < DefaultTime || p.MaxRxTime > MaxTime ||
		p.MaxTxTime < DefaultTime || p.MaxTxTime > MaxTime {
		return errors.Wrapf(llc.ErrInvalidParameters, "%s out of range %+v", p.Op, *p)
	}
	return nil
}

// Bare is a control PDU without CtrData: LL_START_ENC_REQ/RSP,
// LL_PAUSE_ENC_REQ/RSP and LL_PING_REQ/RSP.
type Bare struct {
	Op Opcode
}

func (p *Bare) Opcode() Opcode { return p.Op }
func (p *Bare) Len() int       { return 0 }

func (p *Bare) Marshal(b []byte) error { return nil }

func (p *Bare) Unmarshal(b []byte) error {
	return checkLen(p.Opcode(), b, 0)
}
