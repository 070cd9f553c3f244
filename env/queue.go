package env

// Packet is an upper layer data packet handed down by the host.
type Packet struct {
	Data []byte
	// Continuation is set when the host flagged the packet as continuing an
	// upper layer PDU.
	Continuation bool

	// Remaining counts fragments not yet acknowledged or flushed.
	Remaining int
	// Touched is set once any fragment was handed to the radio.
	Touched bool
	// Done is set once the packet was reported completed.
	Done bool
}

// Fragment is one data PDU. It normally belongs to one packet; a fragment
// produced by coalescing an empty start fragment carries both packets.
type Fragment struct {
	Data    []byte
	Start   bool
	Packets []*Packet
}

// Credits is the share of the transmit descriptor budget held by one
// connection.
type Credits interface {
	TryGet(n int) bool
	Put(n int)
	PutAll()
	Used() int
}

// Queues hold the outbound data of a connection.
//
// Pending fragments wait for the radio; the first Scheduled of them were
// already handed over and await OnTransmitted. Unacked fragments were
// transmitted and await acknowledgement. Flushed counts acknowledgements
// still owed by the radio for fragments dropped by a flush; FlushedScheduled
// counts dropped fragments the radio had been given but not yet reported
// transmitted.
type Queues struct {
	Pending          []*Fragment
	Unacked          []*Fragment
	Scheduled        int
	Flushed          int
	FlushedScheduled int
	// Packets is the number of packets not yet reported completed.
	Packets int
	Credits Credits
}

// Release drops every fragment and returns the descriptors.
func (q *Queues) Release() {
	if q.Credits != nil {
		q.Credits.PutAll()
	}
	*q = Queues{}
}
