package h4

import (
	"time"

	"github.com/pkg/errors"
)

// H4 packet indicators.
const (
	CommandPacket = 0x01
	ACLPacket     = 0x02
	EventPacket   = 0x04
)

const frameTimeout = 500 * time.Millisecond

var errShort = errors.New("not enough bytes")

// frame reassembles host to controller packets from a byte stream.
type frame struct {
	b       []byte
	timeout time.Time
	out     chan []byte
	pktType byte
}

func newFrame(c chan []byte) *frame {
	return &frame{
		b:   make([]byte, 0, 256),
		out: c,
	}
}

func (f *frame) Assemble(b []byte) {
	switch {
	case len(b) == 0:
		return

	case !f.timeout.IsZero() && time.Now().After(f.timeout):
		// stale partial frame
		f.reset()
	}

	if len(f.b) == 0 {
		if err := f.waitStart(b); err != nil {
			return
		}
	} else {
		f.b = append(f.b, b...)
	}

	rf, err := f.frame()
	if err != nil {
		return
	}
	out := make([]byte, len(rf))
	copy(out, rf)
	f.out <- out

	if len(f.b) > len(rf) {
		rem := make([]byte, len(f.b)-len(rf))
		copy(rem, f.b[len(rf):])
		f.reset()
		f.Assemble(rem)
	} else {
		f.reset()
	}
}

func (f *frame) reset() {
	f.b = make([]byte, 0, 256)
	f.timeout = time.Time{}
}

// waitStart skips to the first packet indicator.
func (f *frame) waitStart(b []byte) error {
	for i, v := range b {
		if v != CommandPacket && v != ACLPacket {
			continue
		}
		f.pktType = v
		f.timeout = time.Now().Add(frameTimeout)
		f.b = append(f.b, b[i:]...)
		return nil
	}
	return errors.New("no packet indicator")
}

// length returns the total length of the packet being assembled.
func (f *frame) length() (int, error) {
	switch f.pktType {
	case CommandPacket:
		// indicator, opcode(2), length(1)
		if len(f.b) < 4 {
			return 0, errShort
		}
		return int(f.b[3]) + 4, nil
	case ACLPacket:
		// indicator, handle(2), length(2)
		if len(f.b) < 5 {
			return 0, errShort
		}
		return (int(f.b[3]) | int(f.b[4])<<8) + 5, nil
	}
	return 0, errors.Errorf("invalid packet type 0x%02X", f.pktType)
}

func (f *frame) frame() ([]byte, error) {
	tl, err := f.length()
	if err != nil {
		return nil, err
	}
	if len(f.b) < tl {
		return nil, errShort
	}
	return f.b[:tl], nil
}
