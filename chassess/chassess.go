// Package chassess accumulates per-channel reception counters on a central.
// Counters are read and cleared by an outside policy; nothing here decides
// on channel map changes.
package chassess

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/rigado/ble-llc"
)

// Channels is the number of data channels tracked.
const Channels = 37

// Counts is a copy of the counters. Each saturates at 255.
type Counts struct {
	Packets [Channels]uint8
	Bad     [Channels]uint8
}

// Tracker counts received packets per channel. A packet is bad when it was
// heard above the RSSI floor but no synchronization was found.
type Tracker struct {
	sync.Mutex

	minRSSI int8
	counts  Counts
}

func New(minRSSI int8) *Tracker {
	return &Tracker{minRSSI: minRSSI}
}

// Record accounts one reception on ch.
func (t *Tracker) Record(ch int, synced bool, rssi int8) error {
	if ch < 0 || ch >= Channels {
		return errors.Wrapf(llc.ErrInvalidParameters, "channel %d", ch)
	}

	t.Lock()
	defer t.Unlock()

	inc(&t.counts.Packets[ch])
	if !synced && rssi > t.minRSSI {
		inc(&t.counts.Bad[ch])
	}
	return nil
}

// Snapshot returns the current counters.
func (t *Tracker) Snapshot() Counts {
	t.Lock()
	defer t.Unlock()
	return t.counts
}

// Reset clears all counters.
func (t *Tracker) Reset() {
	t.Lock()
	defer t.Unlock()
	t.counts = Counts{}
}

func inc(c *uint8) {
	if *c < 0xFF {
		*c++
	}
}
