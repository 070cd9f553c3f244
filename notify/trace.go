package notify

import (
	"fmt"
	"sync/atomic"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/rigado/ble-llc"
	"github.com/rigado/ble-llc/llcp"
)

// Direction of a traced PDU.
type Direction uint8

const (
	Tx Direction = iota
	Rx
)

func (d Direction) String() string {
	if d == Tx {
		return "tx"
	}
	return "rx"
}

// Record is one traced control PDU.
type Record struct {
	Dir     Direction
	Handle  llc.Handle
	Opcode  llcp.Opcode
	Payload []byte
}

func (r Record) String() string {
	return fmt.Sprintf("%s %s %s % X", r.Handle, r.Dir, r.Opcode, r.Payload)
}

// Trace keeps the most recent control PDUs of all connections. When full the
// oldest records are overwritten.
type Trace struct {
	buf         mpmc.RichOverlappedRingBuffer[Record]
	overwritten uint64
}

// NewTrace returns a trace holding up to depth records.
func NewTrace(depth uint32) *Trace {
	return &Trace{buf: mpmc.NewOverlappedRingBuffer[Record](depth)}
}

// Add appends r.
func (t *Trace) Add(r Record) {
	if t == nil {
		return
	}
	overwrites, err := t.buf.EnqueueM(r)
	if err != nil {
		llc.GetLogger().Error("trace", "enqueue:", err)
		return
	}
	atomic.AddUint64(&t.overwritten, uint64(overwrites))
}

// Drain removes and returns every buffered record, oldest first.
func (t *Trace) Drain() []Record {
	if t == nil {
		return nil
	}
	var out []Record
	for !t.buf.IsEmpty() {
		r, err := t.buf.Dequeue()
		if err != nil {
			break
		}
		out = append(out, r)
	}
	return out
}

// Overwritten returns how many records were lost to overflow.
func (t *Trace) Overwritten() uint64 {
	if t == nil {
		return 0
	}
	return atomic.LoadUint64(&t.overwritten)
}
