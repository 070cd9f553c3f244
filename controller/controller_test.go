package controller

import (
	"context"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/rigado/ble-llc"
	"github.com/rigado/ble-llc/chassess"
	"github.com/rigado/ble-llc/env"
	"github.com/rigado/ble-llc/llcp"
	"github.com/rigado/ble-llc/notify"
	"github.com/rigado/ble-llc/proc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const h = llc.Handle(3)

var testParams = llcp.ConnParams{Interval: 24, Latency: 0, Timeout: 100}

func newController(t *testing.T, opts ...Option) (*Controller, *notify.Recorder) {
	rec := notify.NewRecorder()
	c, err := New(llc.DefaultConfig(), rec, rec, opts...)
	require.NoError(t, err)
	return c, rec
}

func connect(t *testing.T, c *Controller, h llc.Handle, role llc.Role) {
	require.NoError(t, c.Dispatch(ConnectionCreated{
		Handle: h,
		Params: env.InitialParams{
			Role:     role,
			PeerAddr: llc.MustAddr("C0:11:22:33:44:55"),
			Params:   testParams,
		},
	}))
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := llc.DefaultConfig()
	cfg.TxDescriptors = 0
	_, err := New(cfg, nil, notify.NewRecorder())
	assert.True(t, errors.Is(err, llc.ErrInvalidParameters))

	_, err = New(llc.DefaultConfig(), nil, notify.NewRecorder(), OptErrorHandler(nil))
	assert.True(t, errors.Is(err, llc.ErrInvalidParameters))
}

func TestConnectionCreated(t *testing.T) {
	c, rec := newController(t)
	connect(t, c, h, llc.RolePeripheral)

	ee := rec.EventsOf(llc.EventConnectionComplete)
	require.Len(t, ee, 1)
	assert.Equal(t, llc.ConnectionComplete{
		Handle:   h,
		Role:     llc.RolePeripheral,
		PeerAddr: llc.MustAddr("C0:11:22:33:44:55"),
		Interval: 24,
		Timeout:  100,
	}, ee[0])
	assert.Equal(t, []llc.Handle{h}, c.Handles())

	err := c.Dispatch(ConnectionCreated{Handle: h, Params: env.InitialParams{Params: testParams}})
	assert.True(t, errors.Is(err, llc.ErrDuplicateHandle))
	assert.Len(t, rec.EventsOf(llc.EventConnectionComplete), 1)
}

func TestUnknownHandle(t *testing.T) {
	c, _ := newController(t)

	for _, ev := range []Event{
		LLCPReceived{Handle: h, PDU: []byte{byte(llcp.OpPingReq)}},
		SendData{Handle: h, Data: []byte{1}},
		ConnectionEvent{Handle: h, Counter: 1},
		StartProcedure{Handle: h, Procedure: proc.Ping},
	} {
		err := c.Dispatch(ev)
		assert.True(t, errors.Is(err, llc.ErrUnknownConnection), "%T", ev)
	}
}

func TestSendDataCompletes(t *testing.T) {
	c, rec := newController(t)
	connect(t, c, h, llc.RoleCentral)

	require.NoError(t, c.Dispatch(SendData{Handle: h, Data: make([]byte, 60)}))
	require.Len(t, rec.Fragments[h], 3)
	assert.True(t, rec.Fragments[h][0].Start)
	assert.Len(t, rec.Fragments[h][2].Data, 6)

	pending, unacked, err := c.Outstanding(h)
	require.NoError(t, err)
	assert.Equal(t, 3, pending)
	assert.Equal(t, 0, unacked)

	require.NoError(t, c.Dispatch(Transmitted{Handle: h, Count: 3}))
	require.NoError(t, c.Dispatch(Acked{Handle: h, Count: 2}))
	assert.Empty(t, rec.EventsOf(llc.EventNumberOfCompletedPackets))

	require.NoError(t, c.Dispatch(Acked{Handle: h, Count: 1}))
	ee := rec.EventsOf(llc.EventNumberOfCompletedPackets)
	require.Len(t, ee, 1)
	assert.Equal(t, llc.NumberOfCompletedPackets{Handle: h, Count: 1}, ee[0])

	// Nothing new to hand over.
	require.NoError(t, c.Dispatch(ConnectionEvent{Handle: h, Counter: 1}))
	assert.Len(t, rec.Fragments[h], 3)
}

func TestConnectionEventSlots(t *testing.T) {
	c, rec := newController(t)
	connect(t, c, h, llc.RoleCentral)

	require.NoError(t, c.data.Enqueue(h, make([]byte, 27*4), false))
	require.NoError(t, c.Dispatch(ConnectionEvent{Handle: h, Counter: 1, Slots: 2}))
	assert.Len(t, rec.Fragments[h], 2)

	require.NoError(t, c.Dispatch(ConnectionEvent{Handle: h, Counter: 2, Slots: 2}))
	assert.Len(t, rec.Fragments[h], 4)
}

func TestDisconnected(t *testing.T) {
	c, rec := newController(t)
	connect(t, c, h, llc.RoleCentral)

	require.NoError(t, c.Dispatch(SendData{Handle: h, Data: make([]byte, 40)}))
	require.NoError(t, c.Dispatch(SendData{Handle: h, Data: make([]byte, 10)}))
	require.NoError(t, c.Dispatch(Transmitted{Handle: h, Count: 1}))
	require.NoError(t, c.Dispatch(Disconnected{Handle: h, Reason: llc.StatusRemoteUserTerminated}))

	assert.Len(t, rec.EventsOf(llc.EventNumberOfCompletedPackets), 2)
	ee := rec.EventsOf(llc.EventDisconnectionComplete)
	require.Len(t, ee, 1)
	assert.Equal(t, llc.DisconnectionComplete{Handle: h, Reason: llc.StatusRemoteUserTerminated}, ee[0])
	assert.Empty(t, c.Handles())

	// A second report of the same loss is ignored.
	require.NoError(t, c.Dispatch(Disconnected{Handle: h, Reason: llc.StatusConnectionTimeout}))
	assert.Len(t, rec.EventsOf(llc.EventDisconnectionComplete), 1)

	// The handle can be used again.
	connect(t, c, h, llc.RolePeripheral)
}

func TestDisconnectedDiscardsChannelMap(t *testing.T) {
	c, rec := newController(t)
	connect(t, c, h, llc.RoleCentral)

	m := llcp.ChannelMap{0xFF, 0x00, 0xFF, 0x00, 0x1F}
	require.NoError(t, c.Dispatch(StartProcedure{Handle: h, Procedure: proc.ChannelMapUpdate, Params: proc.Params{ChannelMap: m}}))
	require.Len(t, rec.ChannelMaps, 1)

	require.NoError(t, c.Dispatch(Disconnected{Handle: h, Reason: llc.StatusConnectionTimeout}))
	assert.Empty(t, rec.EventsOf(llc.EventChannelMapUpdateComplete))
	assert.Len(t, rec.EventsOf(llc.EventDisconnectionComplete), 1)
}

func TestLinkLost(t *testing.T) {
	c, rec := newController(t)
	connect(t, c, h, llc.RolePeripheral)

	require.NoError(t, c.Dispatch(ConnectionEvent{Handle: h, Counter: 33}))
	assert.Empty(t, rec.EventsOf(llc.EventDisconnectionComplete))

	require.NoError(t, c.Dispatch(ConnectionEvent{Handle: h, Counter: 34}))
	ee := rec.EventsOf(llc.EventDisconnectionComplete)
	require.Len(t, ee, 1)
	assert.Equal(t, llc.DisconnectionComplete{Handle: h, Reason: llc.StatusConnectionTimeout}, ee[0])
	assert.Empty(t, c.Handles())
}

func TestReceptionKeepsLinkAlive(t *testing.T) {
	c, rec := newController(t)
	connect(t, c, h, llc.RolePeripheral)

	require.NoError(t, c.Dispatch(ConnectionEvent{Handle: h, Counter: 30}))
	require.NoError(t, c.Dispatch(RxStatus{Handle: h, Channel: 5, Synced: true}))
	require.NoError(t, c.Dispatch(ConnectionEvent{Handle: h, Counter: 60}))
	assert.Empty(t, rec.EventsOf(llc.EventDisconnectionComplete))
}

func TestFlush(t *testing.T) {
	c, rec := newController(t)
	connect(t, c, h, llc.RoleCentral)

	require.NoError(t, c.Dispatch(SendData{Handle: h, Data: make([]byte, 30)}))
	require.NoError(t, c.Dispatch(Flush{Handle: h}))

	assert.Len(t, rec.EventsOf(llc.EventNumberOfCompletedPackets), 1)
	assert.Len(t, rec.EventsOf(llc.EventFlushOccurred), 1)
	pending, unacked, err := c.Outstanding(h)
	require.NoError(t, err)
	assert.Zero(t, pending+unacked)
}

func TestDisconnectCommand(t *testing.T) {
	c, rec := newController(t)
	connect(t, c, h, llc.RoleCentral)

	require.NoError(t, c.Dispatch(Disconnect{Handle: h, Reason: llc.StatusRemoteUserTerminated}))
	sc, ok := rec.Last(h)
	require.True(t, ok)
	assert.Equal(t, llcp.OpTerminateInd, sc.Opcode)

	// The radio confirms; the reason recorded by the controller is used.
	require.NoError(t, c.Dispatch(Disconnected{Handle: h}))
	ee := rec.EventsOf(llc.EventDisconnectionComplete)
	require.Len(t, ee, 1)
	assert.Equal(t, llc.StatusLocalHostTerminated, ee[0].(llc.DisconnectionComplete).Reason)
}

func TestAssessment(t *testing.T) {
	c, _ := newController(t)
	connect(t, c, h, llc.RoleCentral)
	connect(t, c, h+1, llc.RolePeripheral)

	require.NoError(t, c.Dispatch(RxStatus{Handle: h, Channel: 3, Synced: true, RSSI: -40}))
	require.NoError(t, c.Dispatch(RxStatus{Handle: h, Channel: 3, Synced: false, RSSI: -40}))
	require.NoError(t, c.Dispatch(RxStatus{Handle: h, Channel: 3, Synced: false, RSSI: -90}))

	var got chassess.Counts
	require.NoError(t, c.Dispatch(ReadAssessment{Handle: h, Reply: func(cc chassess.Counts) { got = cc }}))
	assert.Equal(t, uint8(3), got.Packets[3])
	assert.Equal(t, uint8(1), got.Bad[3])

	require.NoError(t, c.Dispatch(ResetAssessment{Handle: h}))
	require.NoError(t, c.Dispatch(ReadAssessment{Handle: h, Reply: func(cc chassess.Counts) { got = cc }}))
	assert.Equal(t, chassess.Counts{}, got)

	err := c.Dispatch(ReadAssessment{Handle: h + 1})
	assert.True(t, errors.Is(err, llc.ErrRoleNotAllowed))

	err = c.Dispatch(RxStatus{Handle: h, Channel: 40, Synced: true})
	assert.True(t, errors.Is(err, llc.ErrInvalidParameters))
}

func TestDataHandler(t *testing.T) {
	var got [][]byte
	c, _ := newController(t, OptDataHandler(func(_ llc.Handle, data []byte, _ bool) {
		got = append(got, data)
	}))
	connect(t, c, h, llc.RolePeripheral)

	require.NoError(t, c.Dispatch(DataReceived{Handle: h, Data: []byte{1, 2}, Start: true}))
	assert.Equal(t, [][]byte{{1, 2}}, got)
}

func TestServe(t *testing.T) {
	var mu sync.Mutex
	var errs []error
	c, rec := newController(t, OptErrorHandler(func(err error) {
		mu.Lock()
		defer mu.Unlock()
		errs = append(errs, err)
	}))

	ch := make(chan Event, 4)
	ch <- ConnectionCreated{Handle: h, Params: env.InitialParams{Role: llc.RoleCentral, Params: testParams}}
	ch <- StartProcedure{Handle: h, Procedure: proc.Ping}
	ch <- StartProcedure{Handle: h + 1, Procedure: proc.Ping}
	close(ch)

	require.NoError(t, c.Serve(context.Background(), ch))
	assert.Equal(t, []llcp.Opcode{llcp.OpPingReq}, rec.Sent(h))
	require.Len(t, errs, 1)
	assert.True(t, errors.Is(errs[0], llc.ErrUnknownConnection))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, context.Canceled, c.Serve(ctx, make(chan Event)))
}

func TestConcurrentHandles(t *testing.T) {
	c, rec := newController(t)
	handles := []llc.Handle{1, 2, 3, 4}
	for _, hh := range handles {
		connect(t, c, hh, llc.RoleCentral)
	}

	var wg sync.WaitGroup
	for _, hh := range handles {
		wg.Add(1)
		go func(hh llc.Handle) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				_ = c.Dispatch(SendData{Handle: hh, Data: []byte{byte(i)}})
				_ = c.Dispatch(Transmitted{Handle: hh, Count: 1})
				_ = c.Dispatch(Acked{Handle: hh, Count: 1})
			}
		}(hh)
	}
	wg.Wait()

	assert.Len(t, rec.EventsOf(llc.EventNumberOfCompletedPackets), 80)
	for _, hh := range handles {
		pending, unacked, err := c.Outstanding(hh)
		require.NoError(t, err)
		assert.Zero(t, pending+unacked)
	}
}

// index returns the position of the first event with code c, or -1.
func index(rec *notify.Recorder, c llc.EventCode) int {
	rec.Lock()
	defer rec.Unlock()
	for i, e := range rec.Events {
		if e.Code() == c {
			return i
		}
	}
	return -1
}

func TestCommandAcknowledged(t *testing.T) {
	c, rec := newController(t)
	connect(t, c, h, llc.RoleCentral)

	require.NoError(t, c.Dispatch(SendData{Handle: h, Data: make([]byte, 30)}))
	require.NoError(t, c.Dispatch(Flush{Handle: h}))
	ee := rec.EventsOf(llc.EventCommandComplete)
	require.Len(t, ee, 1)
	assert.Equal(t, llc.CommandComplete{Opcode: llc.CommandFlush, Handle: h}, ee[0])
	assert.Less(t, index(rec, llc.EventCommandComplete), index(rec, llc.EventFlushOccurred))

	// A central without a key learns about the failure after the status.
	require.NoError(t, c.Dispatch(StartProcedure{Handle: h, Procedure: proc.Encryption}))
	ee = rec.EventsOf(llc.EventCommandStatus)
	require.Len(t, ee, 1)
	assert.Equal(t, llc.CommandStatus{Opcode: llc.CommandLEStartEncryption, Handle: h}, ee[0])
	assert.Less(t, index(rec, llc.EventCommandStatus), index(rec, llc.EventEncryptionChange))

	err := c.Dispatch(LTKReply{Handle: h})
	assert.True(t, errors.Is(err, llc.StatusCommandDisallowed))
	ee = rec.EventsOf(llc.EventCommandComplete)
	require.Len(t, ee, 2)
	assert.Equal(t, llc.CommandComplete{
		Stat:   llc.StatusCommandDisallowed,
		Opcode: llc.CommandLELTKReply,
		Handle: h,
	}, ee[1])

	// Procedures without a HCI command are not acknowledged.
	require.NoError(t, c.Dispatch(StartProcedure{Handle: h, Procedure: proc.Ping}))
	assert.Len(t, rec.EventsOf(llc.EventCommandStatus), 1)
}

func TestCommandUnknownHandle(t *testing.T) {
	c, rec := newController(t)

	err := c.Dispatch(Disconnect{Handle: h, Reason: llc.StatusRemoteUserTerminated})
	assert.True(t, errors.Is(err, llc.ErrUnknownConnection))
	ee := rec.EventsOf(llc.EventCommandStatus)
	require.Len(t, ee, 1)
	assert.Equal(t, llc.CommandStatus{
		Stat:   llc.StatusUnknownConnectionID,
		Opcode: llc.CommandDisconnect,
		Handle: h,
	}, ee[0])
}

func TestDisconnectedDropsLock(t *testing.T) {
	c, _ := newController(t)
	connect(t, c, h, llc.RoleCentral)
	_, ok := c.locks.Get(h)
	require.True(t, ok)

	require.NoError(t, c.Dispatch(Disconnected{Handle: h, Reason: llc.StatusConnectionTimeout}))
	_, ok = c.locks.Get(h)
	assert.False(t, ok)

	connect(t, c, h, llc.RolePeripheral)
	_, ok = c.locks.Get(h)
	assert.True(t, ok)
}
