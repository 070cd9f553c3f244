package llc

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Addr is a 48-bit device address, stored little-endian as it travels over
// the air and through HCI.
type Addr [6]byte

// NewAddr parses "aa:bb:cc:dd:ee:ff" (most significant byte first).
func NewAddr(s string) (Addr, error) {
	var a Addr
	hexStr := strings.Replace(strings.ToLower(s), ":", "", -1)

	b, err := hex.DecodeString(hexStr)
	if err != nil {
		return a, errors.Wrapf(err, "decoding address %q", s)
	}
	if len(b) != len(a) {
		return a, errors.Wrapf(ErrInvalidParameters, "address %q has %d bytes", s, len(b))
	}

	for i := range a {
		a[i] = b[len(b)-1-i]
	}
	return a, nil
}

// MustAddr is NewAddr for literals.
func MustAddr(s string) Addr {
	a, err := NewAddr(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Addr) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", a[5], a[4], a[3], a[2], a[1], a[0])
}

// Bytes returns the little-endian wire form.
func (a Addr) Bytes() []byte {
	out := make([]byte, len(a))
	copy(out, a[:])
	return out
}

// AddrType is the public/random bit carried next to an address.
type AddrType uint8

const (
	AddrTypePublic AddrType = 0x00
	AddrTypeRandom AddrType = 0x01
)
