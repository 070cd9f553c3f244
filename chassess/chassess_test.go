package chassess

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/rigado/ble-llc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecord(t *testing.T) {
	tr := New(-70)

	require.NoError(t, tr.Record(3, true, -40))
	require.NoError(t, tr.Record(3, false, -50))
	// below the floor: not counted as bad
	require.NoError(t, tr.Record(3, false, -90))
	require.NoError(t, tr.Record(36, false, -10))

	c := tr.Snapshot()
	assert.Equal(t, uint8(3), c.Packets[3])
	assert.Equal(t, uint8(1), c.Bad[3])
	assert.Equal(t, uint8(1), c.Packets[36])
	assert.Equal(t, uint8(1), c.Bad[36])
	assert.Equal(t, uint8(0), c.Packets[0])
}

func TestRecordSaturates(t *testing.T) {
	tr := New(-70)
	for i := 0; i < 300; i++ {
		require.NoError(t, tr.Record(0, false, 0))
	}
	c := tr.Snapshot()
	assert.Equal(t, uint8(255), c.Packets[0])
	assert.Equal(t, uint8(255), c.Bad[0])
}

func TestRecordBadChannel(t *testing.T) {
	tr := New(-70)
	assert.True(t, errors.Is(tr.Record(37, true, 0), llc.ErrInvalidParameters))
	assert.True(t, errors.Is(tr.Record(-1, true, 0), llc.ErrInvalidParameters))
}

func TestReset(t *testing.T) {
	tr := New(-70)
	require.NoError(t, tr.Record(5, false, -20))
	tr.Reset()
	assert.Equal(t, Counts{}, tr.Snapshot())
}
