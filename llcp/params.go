package llcp

import (
	"fmt"
	"math/bits"

	"github.com/pkg/errors"
	"github.com/rigado/ble-llc"
)

// ChannelMap marks the used data channels, bit n of the little-endian
// 5 octet field for channel n.
type ChannelMap [5]byte

// AllChannels returns a map with all 37 data channels in use.
func AllChannels() ChannelMap {
	return ChannelMap{0xFF, 0xFF, 0xFF, 0xFF, 0x1F}
}

func (m ChannelMap) Used(ch int) bool {
	if ch < 0 || ch >= DataChannels {
		return false
	}
	return m[ch/8]&(1<<uint(ch%8)) != 0
}

func (m *ChannelMap) Set(ch int) {
	if ch >= 0 && ch < DataChannels {
		m[ch/8] |= 1 << uint(ch%8)
	}
}

func (m *ChannelMap) Clear(ch int) {
	if ch >= 0 && ch < DataChannels {
		m[ch/8] &^= 1 << uint(ch%8)
	}
}

// Count returns the number of used data channels.
func (m ChannelMap) Count() int {
	n := 0
	for i, b := range m {
		if i == 4 {
			b &= 0x1F
		}
		n += bits.OnesCount8(b)
	}
	return n
}

// Valid reports whether m uses at least MinGoodChannels channels and marks
// nothing above channel 36.
func (m ChannelMap) Valid() bool {
	return m[4]&0xE0 == 0 && m.Count() >= MinGoodChannels
}

func (m ChannelMap) String() string {
	return fmt.Sprintf("%02X%02X%02X%02X%02X", m[4], m[3], m[2], m[1], m[0])
}

// Features is the LE feature set exchanged with LL_FEATURE_REQ/RSP [Vol 6, Part B, 4.6].
type Features uint64

const (
	FeatureEncryption Features = 1 << iota
	FeatureConnParamReq
	FeatureExtReject
	FeaturePeripheralFeatureExchange
	FeaturePing
	FeatureDataLength
)

// Has reports whether every bit of f2 is set in f.
func (f Features) Has(f2 Features) bool { return f&f2 == f2 }

// ConnParams is the set of connection parameters changed by an update.
// Interval is N*1.25ms, Timeout N*10ms.
type ConnParams struct {
	Interval uint16 `yaml:"interval"`
	Latency  uint16 `yaml:"latency"`
	Timeout  uint16 `yaml:"timeout"`
}

// Validate checks ranges and that the supervision timeout covers the
// effective event spacing.
func (p ConnParams) Validate() error {
	switch {
	case p.Interval < IntervalMin || p.Interval > IntervalMax:
		return errors.Wrapf(llc.ErrInvalidParameters, "interval %d", p.Interval)
	case p.Latency > LatencyMax:
		return errors.Wrapf(llc.ErrInvalidParameters, "latency %d", p.Latency)
	case p.Timeout < TimeoutMin || p.Timeout > TimeoutMax:
		return errors.Wrapf(llc.ErrInvalidParameters, "timeout %d", p.Timeout)
	case uint32(p.Timeout)*4 <= (1+uint32(p.Latency))*uint32(p.Interval):
		return errors.Wrapf(llc.ErrInvalidParameters, "timeout %d too short for interval %d latency %d",
			p.Timeout, p.Interval, p.Latency)
	}
	return nil
}

// InstantPassed reports whether a freshly received instant already lies in
// the past of counter. Event counters wrap at 65536.
func InstantPassed(counter, instant uint16) bool {
	return instant-counter >= 0x7FFF
}

// InstantReached reports whether counter is at or after instant.
func InstantReached(counter, instant uint16) bool {
	return counter-instant < 0x7FFF
}

// NextInstant returns the instant for an update started at counter. It is
// never less than margin events away and covers the peripheral latency.
func NextInstant(counter, latency, margin uint16) uint16 {
	return counter + latency + margin
}
