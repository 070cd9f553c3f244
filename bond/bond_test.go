package bond

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/pkg/errors"
	"github.com/rigado/ble-llc"
	"github.com/rigado/ble-llc/nvds"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	peerA = llc.MustAddr("11:22:33:44:55:66")
	peerB = llc.MustAddr("aa:bb:cc:dd:ee:ff")
)

func info(b byte) Info {
	var ltk [16]byte
	for i := range ltk {
		ltk[i] = b
	}
	return Info{LTK: ltk, EDiv: uint16(b) << 8, Rand: uint64(b) * 1000, Legacy: true}
}

func TestSaveFind(t *testing.T) {
	m := NewManager(nvds.NewMemory(nvds.DefaultCapacity))

	_, err := m.Find(peerA)
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, m.Save(peerA, info(1)))
	require.NoError(t, m.Save(peerB, info(2)))

	got, err := m.Find(peerA)
	require.NoError(t, err)
	assert.Equal(t, info(1), got)

	bd, err := m.FindByDiversifier(0x0200, 2000)
	require.NoError(t, err)
	assert.Equal(t, peerB, bd.Addr)

	// replacing keeps one slot per peer
	require.NoError(t, m.Save(peerA, info(3)))
	bb, err := m.List()
	require.NoError(t, err)
	require.Len(t, bb, 2)
	assert.Equal(t, info(3), bb[0].Info)
}

func TestSaveRejectsEmptyKey(t *testing.T) {
	m := NewManager(nvds.NewMemory(nvds.DefaultCapacity))
	err := m.Save(peerA, Info{})
	assert.True(t, errors.Is(err, llc.ErrInvalidParameters))
}

func TestSlotsExhausted(t *testing.T) {
	m := NewManager(nvds.NewMemory(nvds.DefaultCapacity))
	for i := 0; i < 16; i++ {
		a := peerA
		a[0] = byte(i)
		require.NoError(t, m.Save(a, info(byte(i+1))))
	}
	err := m.Save(peerB, info(99))
	assert.True(t, errors.Is(err, nvds.StatusNoSpaceAvailable))

	a := peerA
	a[0] = 4
	require.NoError(t, m.Delete(a))
	require.NoError(t, m.Save(peerB, info(99)))
}

func TestKeyStore(t *testing.T) {
	m := NewManager(nvds.NewMemory(nvds.DefaultCapacity))
	require.NoError(t, m.Save(peerA, info(7)))

	ltk, ok := m.LTKByDiversifier(0x0700, 7000)
	assert.True(t, ok)
	assert.Equal(t, info(7).LTK, ltk)

	_, ok = m.LTKByDiversifier(0x0700, 1)
	assert.False(t, ok)

	ltk, ediv, rnd, ok := m.LTKByAddr(peerA)
	assert.True(t, ok)
	assert.Equal(t, info(7).LTK, ltk)
	assert.Equal(t, uint16(0x0700), ediv)
	assert.Equal(t, uint64(7000), rnd)

	_, _, _, ok = m.LTKByAddr(peerB)
	assert.False(t, ok)
}

func TestLocalIdentity(t *testing.T) {
	s := nvds.NewMemory(nvds.DefaultCapacity)

	id, err := LocalIdentity(s)
	require.NoError(t, err)
	assert.Equal(t, llc.AddrTypeRandom, id.AddrType)
	assert.Equal(t, byte(0xC0), id.Addr[5]&0xC0)

	again, err := LocalIdentity(s)
	require.NoError(t, err)
	assert.Equal(t, id.Addr, again.Addr)
	assert.Len(t, id.PublicKey(), 64)

	k1, err := id.DHKey(again.PublicKey())
	require.NoError(t, err)
	k2, err := again.DHKey(id.PublicKey())
	require.NoError(t, err)
	assert.True(t, bytes.Equal(k1, k2))

	_, err = id.DHKey(make([]byte, 64))
	assert.Error(t, err)
}

func TestLocalIdentityPublicAddress(t *testing.T) {
	s := nvds.NewMemory(nvds.DefaultCapacity)
	require.NoError(t, s.Put(nvds.TagBDAddress, peerA.Bytes()))

	id, err := localIdentity(s, rand.Reader)
	require.NoError(t, err)
	assert.Equal(t, peerA, id.Addr)
	assert.Equal(t, llc.AddrTypePublic, id.AddrType)
}
