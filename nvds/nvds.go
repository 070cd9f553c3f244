// Package nvds is the non-volatile data storage of the controller: a small
// tag/value store with fixed value lengths per tag.
package nvds

import (
	"fmt"
)

// Tag identifies a stored parameter.
type Tag uint8

const (
	TagBDAddress     Tag = 0x01
	TagDeviceName    Tag = 0x02
	TagSPPrivateKey  Tag = 0x13
	TagSPPublicKey   Tag = 0x14
	TagPeerBDAddress Tag = 0x3C
	TagLTK           Tag = 0x3E
	TagPairing       Tag = 0x3F

	// Channel assessment parameters.
	TagCATimerDur  Tag = 0x40
	TagCRATimerDur Tag = 0x41
	TagCAMinRSSI   Tag = 0x42
	TagCANbPkt     Tag = 0x43
	TagCANbBadPkt  Tag = 0x44

	// BLE link keys, one bonded peer per tag.
	TagLinkKeyFirst Tag = 0x70
	TagLinkKeyLast  Tag = 0x7F
)

// Value lengths. DeviceName is a maximum, every other length is exact.
const (
	LenBDAddress     = 6
	LenDeviceName    = 248
	LenSPPrivateKey  = 24
	LenSPPublicKey   = 48
	LenPeerBDAddress = 7
	LenLTK           = 28
	LenPairing       = 54
	LenCATimerDur    = 2
	LenCRATimerDur   = 1
	LenCAMinRSSI     = 1
	LenCANbPkt       = 1
	LenCANbBadPkt    = 1
	LenLinkKey       = 48
)

var tagLens = map[Tag]int{
	TagBDAddress:     LenBDAddress,
	TagDeviceName:    LenDeviceName,
	TagSPPrivateKey:  LenSPPrivateKey,
	TagSPPublicKey:   LenSPPublicKey,
	TagPeerBDAddress: LenPeerBDAddress,
	TagLTK:           LenLTK,
	TagPairing:       LenPairing,
	TagCATimerDur:    LenCATimerDur,
	TagCRATimerDur:   LenCRATimerDur,
	TagCAMinRSSI:     LenCAMinRSSI,
	TagCANbPkt:       LenCANbPkt,
	TagCANbBadPkt:    LenCANbBadPkt,
}

// Len returns the value length of t and whether t is defined.
func Len(t Tag) (int, bool) {
	if t >= TagLinkKeyFirst && t <= TagLinkKeyLast {
		return LenLinkKey, true
	}
	n, ok := tagLens[t]
	return n, ok
}

// LinkKeyTags lists the link key slots in order.
func LinkKeyTags() []Tag {
	tt := make([]Tag, 0, TagLinkKeyLast-TagLinkKeyFirst+1)
	for t := TagLinkKeyFirst; t <= TagLinkKeyLast; t++ {
		tt = append(tt, t)
	}
	return tt
}

func (t Tag) String() string { return fmt.Sprintf("tag(0x%02X)", uint8(t)) }

// checkLen validates the length of a value about to be stored under t.
func checkLen(t Tag, data []byte) error {
	n, ok := Len(t)
	if !ok {
		return StatusTagNotDefined
	}
	if t == TagDeviceName {
		if len(data) == 0 || len(data) > n {
			return StatusLengthOutOfRange
		}
		return nil
	}
	if len(data) != n {
		return StatusLengthOutOfRange
	}
	return nil
}

// Status is the result of a store operation. Every failure is returned as
// a Status, possibly wrapped.
type Status uint8

const (
	StatusOK Status = iota
	StatusFail
	StatusTagNotDefined
	StatusNoSpaceAvailable
	StatusLengthOutOfRange
	StatusParamLocked
	StatusCorrupt
)

var statusNames = [...]string{
	"ok",
	"fail",
	"tag not defined",
	"no space available",
	"length out of range",
	"parameter locked",
	"corrupt",
}

func (s Status) Error() string {
	if int(s) < len(statusNames) {
		return "nvds: " + statusNames[s]
	}
	return fmt.Sprintf("nvds: status %d", uint8(s))
}

// Store is a tag/value store.
type Store interface {
	// Get returns a copy of the value of t.
	Get(t Tag) ([]byte, error)
	// Put sets the value of t. Locked tags can't change.
	Put(t Tag, data []byte) error
	// Lock makes t read-only until the store is erased.
	Lock(t Tag) error
	// Delete removes t.
	Delete(t Tag) error
	// Tags lists the stored tags in the order they were first written.
	Tags() []Tag
}
