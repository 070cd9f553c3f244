package env

import "github.com/rigado/ble-llc/llcp"

// Per PDU overhead in octets on the 1M PHY: preamble, access address, header,
// MIC and CRC. Each octet takes 8us.
const pduOverheadOctets = 14

// Length is the data length state of a connection. Effective values never
// exceed the local maximum.
type Length struct {
	LocalMaxTxOctets uint16
	LocalMaxTxTime   uint16
	LocalMaxRxOctets uint16
	LocalMaxRxTime   uint16

	RemoteMaxTxOctets uint16
	RemoteMaxTxTime   uint16
	RemoteMaxRxOctets uint16
	RemoteMaxRxTime   uint16

	EffTxOctets uint16
	EffTxTime   uint16
	EffRxOctets uint16
	EffRxTime   uint16

	// TxOctetsByTime is the payload that fits into EffTxTime.
	TxOctetsByTime uint16
}

// NewLength returns the state before any length update: the peer is
// assumed to use the default values.
func NewLength(maxTxOctets, maxTxTime, maxRxOctets, maxRxTime uint16) Length {
	l := Length{
		LocalMaxTxOctets:  maxTxOctets,
		LocalMaxTxTime:    maxTxTime,
		LocalMaxRxOctets:  maxRxOctets,
		LocalMaxRxTime:    maxRxTime,
		RemoteMaxTxOctets: llcp.DefaultOctets,
		RemoteMaxTxTime:   llcp.DefaultTime,
		RemoteMaxRxOctets: llcp.DefaultOctets,
		RemoteMaxRxTime:   llcp.DefaultTime,
	}
	l.Recompute()
	return l
}

// SetRemote stores the values the peer sent in LL_LENGTH_REQ/RSP.
func (l *Length) SetRemote(p *llcp.Length) {
	l.RemoteMaxRxOctets = p.MaxRxOctets
	l.RemoteMaxRxTime = p.MaxRxTime
	l.RemoteMaxTxOctets = p.MaxTxOctets
	l.RemoteMaxTxTime = p.MaxTxTime
}

// Local returns the values to advertise in LL_LENGTH_REQ/RSP.
func (l *Length) Local(op llcp.Opcode) *llcp.Length {
	return &llcp.Length{
		Op:          op,
		MaxRxOctets: l.LocalMaxRxOctets,
		MaxRxTime:   l.LocalMaxRxTime,
		MaxTxOctets: l.LocalMaxTxOctets,
		MaxTxTime:   l.LocalMaxTxTime,
	}
}

// Recompute derives the effective values and reports whether any changed.
func (l *Length) Recompute() bool {
	prev := *l

	l.EffTxOctets = clamp(min16(l.LocalMaxTxOctets, l.RemoteMaxRxOctets), llcp.DefaultOctets)
	l.EffRxOctets = clamp(min16(l.LocalMaxRxOctets, l.RemoteMaxTxOctets), llcp.DefaultOctets)
	l.EffTxTime = clamp(min16(l.LocalMaxTxTime, l.RemoteMaxRxTime), llcp.DefaultTime)
	l.EffRxTime = clamp(min16(l.LocalMaxRxTime, l.RemoteMaxTxTime), llcp.DefaultTime)

	l.TxOctetsByTime = clamp(l.EffTxTime/8-pduOverheadOctets, llcp.DefaultOctets)

	return prev.EffTxOctets != l.EffTxOctets || prev.EffRxOctets != l.EffRxOctets ||
		prev.EffTxTime != l.EffTxTime || prev.EffRxTime != l.EffRxTime
}

// TxSize is the largest payload of an outbound data PDU.
func (l *Length) TxSize() int {
	return int(min16(l.EffTxOctets, l.TxOctetsByTime))
}

func min16(a, b uint16) uint16 {
	if a < b {
		return a
	}
	return b
}

// clamp raises v to the protocol minimum.
func clamp(v, floor uint16) uint16 {
	if v < floor {
		return floor
	}
	return v
}
