package nvds

import (
	"bytes"
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = []byte("0123456789abcdef")

func TestMemoryStatuses(t *testing.T) {
	m := NewMemory(64)

	tests := []struct {
		name string
		err  error
		want Status
	}{
		{"undefined tag", m.Put(0x05, []byte{1}), StatusTagNotDefined},
		{"short address", m.Put(TagBDAddress, []byte{1, 2, 3}), StatusLengthOutOfRange},
		{"empty name", m.Put(TagDeviceName, nil), StatusLengthOutOfRange},
		{"missing get", func() error { _, err := m.Get(TagLTK); return err }(), StatusTagNotDefined},
		{"missing delete", m.Delete(TagLTK), StatusTagNotDefined},
		{"missing lock", m.Lock(TagLTK), StatusTagNotDefined},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, errors.Is(tt.err, tt.want), "%v", tt.err)
		})
	}
}

func TestMemoryPutGet(t *testing.T) {
	m := NewMemory(64)
	addr := []byte{1, 2, 3, 4, 5, 6}

	require.NoError(t, m.Put(TagBDAddress, addr))
	require.NoError(t, m.Put(TagDeviceName, []byte("llc")))
	require.NoError(t, m.Put(TagCAMinRSSI, []byte{0xC4}))

	got, err := m.Get(TagBDAddress)
	require.NoError(t, err)
	assert.Equal(t, addr, got)

	// copies out
	got[0] = 0xFF
	again, _ := m.Get(TagBDAddress)
	assert.Equal(t, byte(1), again[0])

	assert.Equal(t, []Tag{TagBDAddress, TagDeviceName, TagCAMinRSSI}, m.Tags())
	assert.Equal(t, 10, m.Used())

	require.NoError(t, m.Put(TagDeviceName, []byte("controller")))
	assert.Equal(t, []Tag{TagBDAddress, TagDeviceName, TagCAMinRSSI}, m.Tags())
	assert.Equal(t, 17, m.Used())
}

func TestMemoryNoSpace(t *testing.T) {
	m := NewMemory(LenLinkKey + 4)
	require.NoError(t, m.Put(TagLinkKeyFirst, make([]byte, LenLinkKey)))
	err := m.Put(TagLinkKeyFirst+1, make([]byte, LenLinkKey))
	assert.True(t, errors.Is(err, StatusNoSpaceAvailable))

	// replacing in place fits
	require.NoError(t, m.Put(TagLinkKeyFirst, bytes.Repeat([]byte{1}, LenLinkKey)))

	require.NoError(t, m.Delete(TagLinkKeyFirst))
	require.NoError(t, m.Put(TagLinkKeyFirst+1, make([]byte, LenLinkKey)))
}

func TestMemoryLock(t *testing.T) {
	m := NewMemory(64)
	require.NoError(t, m.Put(TagCANbPkt, []byte{40}))
	require.NoError(t, m.Lock(TagCANbPkt))

	assert.True(t, errors.Is(m.Put(TagCANbPkt, []byte{20}), StatusParamLocked))
	assert.True(t, errors.Is(m.Delete(TagCANbPkt), StatusParamLocked))

	v, err := m.Get(TagCANbPkt)
	require.NoError(t, err)
	assert.Equal(t, []byte{40}, v)
}

func TestLinkKeyTags(t *testing.T) {
	tt := LinkKeyTags()
	require.Len(t, tt, 16)
	assert.Equal(t, TagLinkKeyFirst, tt[0])
	assert.Equal(t, TagLinkKeyLast, tt[15])

	n, ok := Len(0x75)
	assert.True(t, ok)
	assert.Equal(t, LenLinkKey, n)
}

func TestFilePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nvds.json")

	f, err := NewFile(path, testKey, DefaultCapacity)
	require.NoError(t, err)
	require.NoError(t, f.Put(TagBDAddress, []byte{6, 5, 4, 3, 2, 1}))
	require.NoError(t, f.Put(TagCANbBadPkt, []byte{8}))
	require.NoError(t, f.Lock(TagBDAddress))
	require.NoError(t, f.Delete(TagCANbBadPkt))

	g, err := NewFile(path, testKey, DefaultCapacity)
	require.NoError(t, err)
	assert.Equal(t, []Tag{TagBDAddress}, g.Tags())
	v, err := g.Get(TagBDAddress)
	require.NoError(t, err)
	assert.Equal(t, []byte{6, 5, 4, 3, 2, 1}, v)
	assert.True(t, errors.Is(g.Put(TagBDAddress, make([]byte, 6)), StatusParamLocked))
}

func TestFileCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nvds.json")

	f, err := NewFile(path, testKey, DefaultCapacity)
	require.NoError(t, err)
	require.NoError(t, f.Put(TagCAMinRSSI, []byte{0xC4}))

	in, err := ioutil.ReadFile(path)
	require.NoError(t, err)
	in = bytes.Replace(in, []byte(`"c4"`), []byte(`"c5"`), 1)
	require.NoError(t, ioutil.WriteFile(path, in, 0600))

	_, err = NewFile(path, testKey, DefaultCapacity)
	assert.True(t, errors.Is(err, StatusCorrupt))

	// the wrong key looks the same
	require.NoError(t, ioutil.WriteFile(path, []byte(`{"entries":[],"mac":"00"}`), 0600))
	_, err = NewFile(path, []byte("fedcba9876543210"), DefaultCapacity)
	assert.True(t, errors.Is(err, StatusCorrupt))
}
