package llc

import (
	"fmt"

	"github.com/pkg/errors"
)

// Error taxonomy shared by every package of the controller. Callers wrap these
// with context and test them with errors.Is.
var (
	ErrUnknownConnection  = errors.New("unknown connection")
	ErrDuplicateHandle    = errors.New("duplicate connection handle")
	ErrProcedureBusy      = errors.New("procedure busy")
	ErrProtocolViolation  = errors.New("protocol violation")
	ErrResourceExhausted  = errors.New("resource exhausted")
	ErrSecurityFailure    = errors.New("security failure")
	ErrInvalidParameters  = errors.New("invalid parameters")
	ErrUnsupportedFeature = errors.New("unsupported remote feature")
	ErrRoleNotAllowed     = errors.New("not allowed in this role")
)

// Status is a HCI / link layer error code [Vol 1, Part F].
type Status uint8

const (
	StatusSuccess                       Status = 0x00
	StatusUnknownCommand                Status = 0x01
	StatusUnknownConnectionID           Status = 0x02
	StatusAuthenticationFailure         Status = 0x05
	StatusPinOrKeyMissing               Status = 0x06
	StatusMemoryCapacityExceeded        Status = 0x07
	StatusConnectionTimeout             Status = 0x08
	StatusCommandDisallowed             Status = 0x0C
	StatusInvalidParameters             Status = 0x12
	StatusRemoteUserTerminated          Status = 0x13
	StatusLocalHostTerminated           Status = 0x16
	StatusUnsupportedRemoteFeature      Status = 0x1A
	StatusInvalidLLParameters           Status = 0x1E
	StatusUnspecified                   Status = 0x1F
	StatusLLResponseTimeout             Status = 0x22
	StatusLLProcedureCollision          Status = 0x23
	StatusInstantPassed                 Status = 0x28
	StatusDifferentTransactionCollision Status = 0x2A
	StatusControllerBusy                Status = 0x3A
	StatusMICFailure                    Status = 0x3D
)

var statusNames = map[Status]string{
	StatusSuccess:                       "success",
	StatusUnknownCommand:                "unknown command",
	StatusUnknownConnectionID:           "unknown connection identifier",
	StatusAuthenticationFailure:         "authentication failure",
	StatusPinOrKeyMissing:               "pin or key missing",
	StatusMemoryCapacityExceeded:        "memory capacity exceeded",
	StatusConnectionTimeout:             "connection timeout",
	StatusCommandDisallowed:             "command disallowed",
	StatusInvalidParameters:             "invalid hci command parameters",
	StatusRemoteUserTerminated:          "remote user terminated connection",
	StatusLocalHostTerminated:           "connection terminated by local host",
	StatusUnsupportedRemoteFeature:      "unsupported remote feature",
	StatusInvalidLLParameters:           "invalid ll parameters",
	StatusUnspecified:                   "unspecified error",
	StatusLLResponseTimeout:             "ll response timeout",
	StatusLLProcedureCollision:          "ll procedure collision",
	StatusInstantPassed:                 "instant passed",
	StatusDifferentTransactionCollision: "different transaction collision",
	StatusControllerBusy:                "controller busy",
	StatusMICFailure:                    "connection terminated due to mic failure",
}

func (s Status) Error() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("status 0x%02X", uint8(s))
}

func (s Status) String() string { return s.Error() }

// StatusOf maps an error from the taxonomy onto the status code reported to
// the host. A bare Status is returned unchanged.
func StatusOf(err error) Status {
	if err == nil {
		return StatusSuccess
	}

	var s Status
	if errors.As(err, &s) {
		return s
	}

	switch {
	case errors.Is(err, ErrUnknownConnection):
		return StatusUnknownConnectionID
	case errors.Is(err, ErrProcedureBusy), errors.Is(err, ErrRoleNotAllowed):
		return StatusCommandDisallowed
	case errors.Is(err, ErrResourceExhausted):
		return StatusMemoryCapacityExceeded
	case errors.Is(err, ErrInvalidParameters):
		return StatusInvalidParameters
	case errors.Is(err, ErrUnsupportedFeature):
		return StatusUnsupportedRemoteFeature
	case errors.Is(err, ErrProtocolViolation):
		return StatusInvalidLLParameters
	case errors.Is(err, ErrSecurityFailure):
		return StatusPinOrKeyMissing
	}
	return StatusUnspecified
}
