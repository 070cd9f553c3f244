package notify

import (
	"encoding/binary"
	"io"
	"sync"

	"github.com/pkg/errors"
	"github.com/rigado/ble-llc"
)

const (
	pktTypeEvent = 0x04
	evtLEMeta    = 0x3E

	// Clock accuracy reported in LE Connection Complete.
	centralClockAccuracy = 0x00

	// Commands the host may send before waiting for an acknowledgement.
	numCommandPackets = 1
)

// ErrNoEncoding is returned for events that exist only in process.
var ErrNoEncoding = errors.New("event has no hci encoding")

// MarshalEvent encodes e as a HCI event packet: event code, parameter
// length and parameters [Vol 4, Part E, 5.4.4].
func MarshalEvent(e llc.Event) ([]byte, error) {
	p := make([]byte, 0, 32)
	u8 := func(v uint8) { p = append(p, v) }
	u16 := func(v uint16) { p = binary.LittleEndian.AppendUint16(p, v) }
	u64 := func(v uint64) { p = binary.LittleEndian.AppendUint64(p, v) }
	hdl := func(h llc.Handle) { u16(uint16(h)) }

	meta, sub := e.Code().IsLEMeta()
	if meta {
		u8(sub)
	}

	switch ev := e.(type) {
	case llc.DisconnectionComplete:
		u8(uint8(ev.Stat))
		hdl(ev.Handle)
		u8(uint8(ev.Reason))
	case llc.EncryptionChange:
		u8(uint8(ev.Stat))
		hdl(ev.Handle)
		if ev.Enabled {
			u8(1)
		} else {
			u8(0)
		}
	case llc.ReadRemoteVersionComplete:
		u8(uint8(ev.Stat))
		hdl(ev.Handle)
		u8(ev.Version)
		u16(ev.CompanyID)
		u16(ev.Subversion)
	case llc.CommandStatus:
		u8(uint8(ev.Stat))
		u8(numCommandPackets)
		u16(uint16(ev.Opcode))
	case llc.CommandComplete:
		u8(numCommandPackets)
		u16(uint16(ev.Opcode))
		u8(uint8(ev.Stat))
		hdl(ev.Handle)
	case llc.NumberOfCompletedPackets:
		u8(1)
		hdl(ev.Handle)
		u16(ev.Count)
	case llc.FlushOccurred:
		hdl(ev.Handle)
	case llc.EncryptionKeyRefreshComplete:
		u8(uint8(ev.Stat))
		hdl(ev.Handle)
	case llc.AuthenticatedPayloadTimeoutExpired:
		hdl(ev.Handle)
	case llc.ConnectionComplete:
		u8(uint8(ev.Stat))
		hdl(ev.Handle)
		u8(uint8(ev.Role))
		u8(uint8(ev.PeerAddrType))
		p = append(p, ev.PeerAddr[:]...)
		u16(ev.Interval)
		u16(ev.Latency)
		u16(ev.Timeout)
		u8(centralClockAccuracy)
	case llc.ConnectionUpdateComplete:
		u8(uint8(ev.Stat))
		hdl(ev.Handle)
		u16(ev.Interval)
		u16(ev.Latency)
		u16(ev.Timeout)
	case llc.ReadRemoteFeaturesComplete:
		u8(uint8(ev.Stat))
		hdl(ev.Handle)
		u64(ev.Features)
	case llc.LongTermKeyRequest:
		hdl(ev.Handle)
		u64(ev.Rand)
		u16(ev.EDiv)
	case llc.DataLengthChange:
		hdl(ev.Handle)
		u16(ev.MaxTxOctets)
		u16(ev.MaxTxTime)
		u16(ev.MaxRxOctets)
		u16(ev.MaxRxTime)
	default:
		return nil, errors.Wrapf(ErrNoEncoding, "code 0x%04X", uint16(e.Code()))
	}

	code := uint8(e.Code())
	if meta {
		code = evtLEMeta
	}
	return append([]byte{code, uint8(len(p))}, p...), nil
}

// HCISink is a Host writing H4 event packets to w.
type HCISink struct {
	sync.Mutex
	w io.Writer
}

func NewHCISink(w io.Writer) *HCISink {
	return &HCISink{w: w}
}

// Notify writes e. Events without a HCI encoding are skipped.
func (s *HCISink) Notify(e llc.Event) error {
	b, err := MarshalEvent(e)
	if errors.Is(err, ErrNoEncoding) {
		return nil
	}
	if err != nil {
		return err
	}

	s.Lock()
	defer s.Unlock()
	if _, err := s.w.Write(append([]byte{pktTypeEvent}, b...)); err != nil {
		return errors.Wrap(err, "can't write hci event")
	}
	return nil
}

// Multi returns a Host delivering to every host in turn. The first error is
// returned after all were tried.
func Multi(hh ...Host) Host {
	return HostFunc(func(e llc.Event) error {
		var first error
		for _, h := range hh {
			if err := h.Notify(e); err != nil && first == nil {
				first = err
			}
		}
		return first
	})
}
