package llc

import "fmt"

// Handle is the HCI connection handle identifying one active link.
type Handle uint16

// MaxHandle is the largest value a connection handle may take [Vol 4, Part E, 5.4.2].
const MaxHandle Handle = 0x0EFF

func (h Handle) String() string { return fmt.Sprintf("%04X", uint16(h)) }

// Role is the link layer role of the local device on a connection.
type Role uint8

const (
	RoleCentral    Role = 0x00
	RolePeripheral Role = 0x01
)

func (r Role) String() string {
	switch r {
	case RoleCentral:
		return "central"
	case RolePeripheral:
		return "peripheral"
	}
	return fmt.Sprintf("role(%d)", uint8(r))
}
