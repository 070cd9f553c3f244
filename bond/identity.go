package bond

import (
	"crypto"
	"crypto/elliptic"
	"crypto/rand"
	"io"

	"github.com/pkg/errors"
	"github.com/rigado/ble-llc"
	"github.com/rigado/ble-llc/nvds"
	"github.com/rigado/ble-llc/sliceops"
	"github.com/wsddn/go-ecdh"
)

// Identity is the local device address and the P-256 key pair used for
// LE Secure Connections key agreement. The key pair lives as long as the
// controller; it is never persisted.
type Identity struct {
	AddrType llc.AddrType
	Addr     llc.Addr

	public  crypto.PublicKey
	private crypto.PrivateKey
}

// LocalIdentity loads the device address from s, generating and storing a
// static random address the first time, and creates a fresh key pair.
func LocalIdentity(s nvds.Store) (*Identity, error) {
	return localIdentity(s, rand.Reader)
}

func localIdentity(s nvds.Store, r io.Reader) (*Identity, error) {
	id := &Identity{AddrType: llc.AddrTypeRandom}

	b, err := s.Get(nvds.TagBDAddress)
	switch {
	case err == nil:
		copy(id.Addr[:], b)
		id.AddrType = llc.AddrTypePublic
		if id.Addr[5]&0xC0 == 0xC0 {
			id.AddrType = llc.AddrTypeRandom
		}
	case errors.Is(err, nvds.StatusTagNotDefined):
		if _, err := io.ReadFull(r, id.Addr[:]); err != nil {
			return nil, errors.Wrap(err, "can't generate address")
		}
		// static random: two most significant bits set
		id.Addr[5] |= 0xC0
		if err := s.Put(nvds.TagBDAddress, id.Addr[:]); err != nil {
			return nil, errors.Wrap(err, "can't store address")
		}
	default:
		return nil, errors.Wrap(err, "can't load address")
	}

	e := ecdh.NewEllipticECDH(elliptic.P256())
	id.private, id.public, err = e.GenerateKey(r)
	if err != nil {
		return nil, errors.Wrap(err, "can't generate key pair")
	}
	return id, nil
}

// PublicKey returns X || Y, each least significant octet first.
func (id *Identity) PublicKey() []byte {
	e := ecdh.NewEllipticECDH(elliptic.P256())

	ba := e.Marshal(id.public)
	ba = ba[1:] //remove header
	x := sliceops.SwapBuf(ba[:32])
	y := sliceops.SwapBuf(ba[32:])

	return append(x, y...)
}

// DHKey computes the shared secret with a peer public key in the format
// returned by PublicKey.
func (id *Identity) DHKey(peer []byte) ([]byte, error) {
	if len(peer) != 64 {
		return nil, errors.Wrapf(llc.ErrInvalidParameters, "public key of %d octets", len(peer))
	}
	e := ecdh.NewEllipticECDH(elliptic.P256())

	r := append([]byte{0x04}, sliceops.SwapBuf(peer[:32])...)
	r = append(r, sliceops.SwapBuf(peer[32:])...)
	pk, ok := e.Unmarshal(r)
	if !ok {
		return nil, errors.Wrap(llc.ErrInvalidParameters, "public key not on curve")
	}

	b, err := e.GenerateSharedSecret(id.private, pk)
	if err != nil {
		return nil, errors.Wrap(err, "dhkey")
	}
	return sliceops.SwapBuf(b), nil
}
