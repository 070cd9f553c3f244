package llc

// EventCode is the HCI event code of an upward notification [Vol 4, Part E, 7.7].
// LE meta sub-events use their sub-event code offset by leMetaBase so every
// event has a single distinct code.
type EventCode uint16

const leMetaBase = 0x3E00

const (
	EventDisconnectionComplete              EventCode = 0x05
	EventEncryptionChange                   EventCode = 0x08
	EventReadRemoteVersionComplete          EventCode = 0x0C
	EventCommandComplete                    EventCode = 0x0E
	EventCommandStatus                      EventCode = 0x0F
	EventNumberOfCompletedPackets           EventCode = 0x13
	EventFlushOccurred                      EventCode = 0x11
	EventEncryptionKeyRefreshComplete       EventCode = 0x30
	EventAuthenticatedPayloadTimeoutExpired EventCode = 0x57

	EventConnectionComplete         EventCode = leMetaBase | 0x01
	EventConnectionUpdateComplete   EventCode = leMetaBase | 0x03
	EventReadRemoteFeaturesComplete EventCode = leMetaBase | 0x04
	EventLongTermKeyRequest         EventCode = leMetaBase | 0x05
	EventDataLengthChange           EventCode = leMetaBase | 0x07

	// EventChannelMapUpdateComplete has no HCI encoding; it is delivered to
	// in-process hosts only.
	EventChannelMapUpdateComplete EventCode = 0xFF01
)

// IsLEMeta reports whether c travels inside an LE meta event, and its sub-event code.
func (c EventCode) IsLEMeta() (bool, uint8) {
	if c&0xFF00 == leMetaBase {
		return true, uint8(c)
	}
	return false, 0
}

// Event is an upward notification to the host.
type Event interface {
	Code() EventCode
	ConnHandle() Handle
	Status() Status
}

type ConnectionComplete struct {
	Stat         Status
	Handle       Handle
	Role         Role
	PeerAddrType AddrType
	PeerAddr     Addr
	Interval     uint16
	Latency      uint16
	Timeout      uint16
}

type DisconnectionComplete struct {
	Stat   Status
	Handle Handle
	Reason Status
}

type ConnectionUpdateComplete struct {
	Stat     Status
	Handle   Handle
	Interval uint16
	Latency  uint16
	Timeout  uint16
}

type EncryptionChange struct {
	Stat    Status
	Handle  Handle
	Enabled bool
}

type EncryptionKeyRefreshComplete struct {
	Stat   Status
	Handle Handle
}

type ReadRemoteFeaturesComplete struct {
	Stat     Status
	Handle   Handle
	Features uint64
}

type ReadRemoteVersionComplete struct {
	Stat       Status
	Handle     Handle
	Version    uint8
	CompanyID  uint16
	Subversion uint16
}

// LongTermKeyRequest asks the host for the key matching Rand and EDiv.
type LongTermKeyRequest struct {
	Handle Handle
	Rand   uint64
	EDiv   uint16
}

// NumberOfCompletedPackets returns flow control credit for Count host packets.
type NumberOfCompletedPackets struct {
	Handle Handle
	Count  uint16
}

type FlushOccurred struct {
	Handle Handle
}

type DataLengthChange struct {
	Handle      Handle
	MaxTxOctets uint16
	MaxTxTime   uint16
	MaxRxOctets uint16
	MaxRxTime   uint16
}

type AuthenticatedPayloadTimeoutExpired struct {
	Handle Handle
}

type ChannelMapUpdateComplete struct {
	Handle Handle
	Map    [5]byte
}

func (e ConnectionComplete) Code() EventCode    { return EventConnectionComplete }
func (e ConnectionComplete) ConnHandle() Handle { return e.Handle }
func (e ConnectionComplete) Status() Status     { return e.Stat }

func (e DisconnectionComplete) Code() EventCode    { return EventDisconnectionComplete }
func (e DisconnectionComplete) ConnHandle() Handle { return e.Handle }
func (e DisconnectionComplete) Status() Status     { return e.Stat }

func (e ConnectionUpdateComplete) Code() EventCode    { return EventConnectionUpdateComplete }
func (e ConnectionUpdateComplete) ConnHandle() Handle { return e.Handle }
func (e ConnectionUpdateComplete) Status() Status     { return e.Stat }

func (e EncryptionChange) Code() EventCode    { return EventEncryptionChange }
func (e EncryptionChange) ConnHandle() Handle { return e.Handle }
func (e EncryptionChange) Status() Status     { return e.Stat }

func (e EncryptionKeyRefreshComplete) Code() EventCode    { return EventEncryptionKeyRefreshComplete }
func (e EncryptionKeyRefreshComplete) ConnHandle() Handle { return e.Handle }
func (e EncryptionKeyRefreshComplete) Status() Status     { return e.Stat }

func (e ReadRemoteFeaturesComplete) Code() EventCode    { return EventReadRemoteFeaturesComplete }
func (e ReadRemoteFeaturesComplete) ConnHandle() Handle { return e.Handle }
func (e ReadRemoteFeaturesComplete) Status() Status     { return e.Stat }

func (e ReadRemoteVersionComplete) Code() EventCode    { return EventReadRemoteVersionComplete }
func (e ReadRemoteVersionComplete) ConnHandle() Handle { return e.Handle }
func (e ReadRemoteVersionComplete) Status() Status     { return e.Stat }

func (e LongTermKeyRequest) Code() EventCode    { return EventLongTermKeyRequest }
func (e LongTermKeyRequest) ConnHandle() Handle { return e.Handle }
func (e LongTermKeyRequest) Status() Status     { return StatusSuccess }

func (e NumberOfCompletedPackets) Code() EventCode    { return EventNumberOfCompletedPackets }
func (e NumberOfCompletedPackets) ConnHandle() Handle { return e.Handle }
func (e NumberOfCompletedPackets) Status() Status     { return StatusSuccess }

func (e FlushOccurred) Code() EventCode    { return EventFlushOccurred }
func (e FlushOccurred) ConnHandle() Handle { return e.Handle }
func (e FlushOccurred) Status() Status     { return StatusSuccess }

func (e DataLengthChange) Code() EventCode    { return EventDataLengthChange }
func (e DataLengthChange) ConnHandle() Handle { return e.Handle }
func (e DataLengthChange) Status() Status     { return StatusSuccess }

func (e AuthenticatedPayloadTimeoutExpired) Code() EventCode {
	return EventAuthenticatedPayloadTimeoutExpired
}
func (e AuthenticatedPayloadTimeoutExpired) ConnHandle() Handle { return e.Handle }
func (e AuthenticatedPayloadTimeoutExpired) Status() Status     { return StatusSuccess }

func (e ChannelMapUpdateComplete) Code() EventCode    { return EventChannelMapUpdateComplete }
func (e ChannelMapUpdateComplete) ConnHandle() Handle { return e.Handle }
func (e ChannelMapUpdateComplete) Status() Status     { return StatusSuccess }
