package env

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/rigado/ble-llc"
	"github.com/rigado/ble-llc/llcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T, max int) *Store {
	cfg := llc.DefaultConfig()
	require.NoError(t, cfg.Apply(llc.OptMaxConnections(max)))
	return NewStore(cfg)
}

func initial(role llc.Role) InitialParams {
	return InitialParams{
		Role:   role,
		Params: llcp.ConnParams{Interval: 30, Latency: 0, Timeout: 500},
	}
}

func TestCreate(t *testing.T) {
	s := testStore(t, 2)

	ref, err := s.Create(0x40, initial(llc.RoleCentral))
	require.NoError(t, err)
	assert.Equal(t, llc.Handle(0x40), ref.Handle)

	e, err := s.Get(0x40)
	require.NoError(t, err)
	assert.Equal(t, llc.RoleCentral, e.Role)
	assert.Equal(t, llcp.AllChannels(), e.Channels.Current)
	assert.Equal(t, uint16(27), e.Length.EffTxOctets)
	assert.Equal(t, uint16(328), e.Length.EffTxTime)
	assert.Equal(t, uint16(3000), e.Timing.AuthPayloadTimeout)
	assert.NotNil(t, e.Assess)

	_, err = s.Create(0x40, initial(llc.RoleCentral))
	assert.True(t, errors.Is(err, llc.ErrDuplicateHandle))

	_, err = s.Create(0x41, initial(llc.RolePeripheral))
	require.NoError(t, err)
	p, err := s.Get(0x41)
	require.NoError(t, err)
	assert.Nil(t, p.Assess)

	_, err = s.Create(0x42, initial(llc.RoleCentral))
	assert.True(t, errors.Is(err, llc.ErrResourceExhausted))

	_, err = s.Create(llc.MaxHandle+1, initial(llc.RoleCentral))
	assert.True(t, errors.Is(err, llc.ErrInvalidParameters))

	assert.Equal(t, 2, s.Len())
	assert.ElementsMatch(t, []llc.Handle{0x40, 0x41}, s.Handles())
}

func TestCreateBadParams(t *testing.T) {
	s := testStore(t, 1)
	p := initial(llc.RoleCentral)
	p.Params.Interval = 1
	_, err := s.Create(1, p)
	assert.True(t, errors.Is(err, llc.ErrInvalidParameters))
}

func TestStaleRef(t *testing.T) {
	s := testStore(t, 1)

	ref, err := s.Create(7, initial(llc.RolePeripheral))
	require.NoError(t, err)
	_, err = s.Resolve(ref)
	require.NoError(t, err)

	s.Destroy(7)
	_, err = s.Resolve(ref)
	assert.True(t, errors.Is(err, llc.ErrUnknownConnection))
	_, err = s.Get(7)
	assert.True(t, errors.Is(err, llc.ErrUnknownConnection))

	// Same handle, same slot, new generation.
	ref2, err := s.Create(7, initial(llc.RolePeripheral))
	require.NoError(t, err)
	assert.NotEqual(t, ref.Gen, ref2.Gen)
	_, err = s.Resolve(ref)
	assert.True(t, errors.Is(err, llc.ErrUnknownConnection))
	_, err = s.Resolve(ref2)
	assert.NoError(t, err)
}

type countingCredits struct {
	used     int
	returned int
}

func (c *countingCredits) TryGet(n int) bool { c.used += n; return true }
func (c *countingCredits) Put(n int)         { c.used -= n; c.returned += n }
func (c *countingCredits) PutAll()           { c.returned += c.used; c.used = 0 }
func (c *countingCredits) Used() int         { return c.used }

func TestDestroy(t *testing.T) {
	s := testStore(t, 1)
	_, err := s.Create(3, initial(llc.RoleCentral))
	require.NoError(t, err)

	e, err := s.Get(3)
	require.NoError(t, err)
	e.Material.LTK = [16]byte{1, 2, 3}
	e.Material.SK = [16]byte{4, 5, 6}
	e.Material.Rand = 42
	cr := &countingCredits{}
	cr.TryGet(3)
	e.Queues.Credits = cr
	e.Queues.Pending = []*Fragment{{Data: []byte{1}, Start: true}}

	s.Destroy(3)
	assert.Equal(t, Material{}, e.Material)
	assert.Empty(t, e.Queues.Pending)
	assert.Equal(t, 3, cr.returned)

	// no-op
	s.Destroy(3)
	assert.Equal(t, 0, s.Len())
}

func TestEffectiveSupervisionTimeout(t *testing.T) {
	e := &Environment{}
	e.Timing.Current.Timeout = 500
	assert.Equal(t, uint16(500), e.EffectiveSupervisionTimeout())

	e.Timing.Pending.Timeout = 800
	assert.Equal(t, uint16(500), e.EffectiveSupervisionTimeout())

	e.Flags.UpdatePending = true
	assert.Equal(t, uint16(800), e.EffectiveSupervisionTimeout())

	e.Timing.Pending.Timeout = 100
	assert.Equal(t, uint16(500), e.EffectiveSupervisionTimeout())
}

func TestBusy(t *testing.T) {
	e := &Environment{}
	assert.False(t, e.ParamBusy())
	assert.False(t, e.EncBusy())

	e.Procs.Enc.State = EncEnabling
	assert.True(t, e.ParamBusy())
	assert.True(t, e.EncBusy())

	e.Procs.Enc.State = EncEnabled
	assert.False(t, e.ParamBusy())

	e.Procs.Param.State = ProcRequested
	assert.True(t, e.EncBusy())
}

func TestTimer(t *testing.T) {
	var tm Timer
	assert.Equal(t, uint32(0), tm.Elapsed(100, 40))

	tm.Arm(0xFFF0)
	// 32 events of 50ms
	assert.Equal(t, uint32(160), tm.Elapsed(0x0010, 40))

	tm.Stop()
	assert.False(t, tm.Armed)
}
