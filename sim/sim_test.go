package sim

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
	"github.com/rigado/ble-llc"
	"github.com/rigado/ble-llc/bond"
	"github.com/rigado/ble-llc/controller"
	"github.com/rigado/ble-llc/env"
	"github.com/rigado/ble-llc/llcp"
	"github.com/rigado/ble-llc/nvds"
	"github.com/rigado/ble-llc/proc"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

const h = llc.Handle(0x40)

var (
	centralAddr    = llc.MustAddr("C0:00:00:00:00:01")
	peripheralAddr = llc.MustAddr("C0:00:00:00:00:02")
	testLTK        = [16]byte{0x10, 0x32, 0x54, 0x76, 0x98, 0xBA, 0xDC, 0xFE, 1, 2, 3, 4, 5, 6, 7, 8}
)

type LinkSuite struct {
	suite.Suite

	link   *Link
	errs   []error
	policy string
	opts   [2][]controller.Option
}

func TestLinkSuite(t *testing.T) {
	suite.Run(t, new(LinkSuite))
}

func (s *LinkSuite) SetupTest() {
	s.errs = nil
	s.policy = llc.CollisionFirstRequester
	s.opts = [2][]controller.Option{}
}

// up builds and connects the link with the suite's settings.
func (s *LinkSuite) up() {
	cfg := func() *llc.Config {
		c := llc.DefaultConfig()
		s.Require().NoError(c.Apply(llc.OptCollisionPolicy(s.policy)))
		return c
	}

	l, err := New(h, llcp.ConnParams{Interval: 30, Latency: 0, Timeout: 500},
		SideConfig{Config: cfg(), Addr: centralAddr, AddrType: llc.AddrTypeRandom, Opts: s.opts[0]},
		SideConfig{Config: cfg(), Addr: peripheralAddr, AddrType: llc.AddrTypeRandom, Opts: s.opts[1]},
	)
	s.Require().NoError(err)
	l.OnError(func(err error) { s.errs = append(s.errs, err) })
	s.Require().NoError(l.Connect())
	s.link = l
}

func (s *LinkSuite) start(side *Side, p proc.Procedure, params proc.Params) {
	s.Require().NoError(s.link.Dispatch(side, controller.StartProcedure{Handle: h, Procedure: p, Params: params}))
}

func (s *LinkSuite) procs(side *Side) env.Procedures {
	st, err := side.Ctl.State(h)
	s.Require().NoError(err)
	return st
}

func (s *LinkSuite) TestConnect() {
	s.up()
	for _, side := range []*Side{s.link.Central, s.link.Peripheral} {
		ee := side.Host.EventsOf(llc.EventConnectionComplete)
		s.Require().Len(ee, 1)
		cc := ee[0].(llc.ConnectionComplete)
		s.Equal(side.Role, cc.Role)
		s.Equal(side.peer.Addr, cc.PeerAddr)
		s.Equal(uint16(30), cc.Interval)
	}
	s.Require().NoError(s.link.Advance(100))
	s.True(s.link.Up())
	s.Empty(s.errs)
}

func (s *LinkSuite) TestData() {
	s.up()
	payload := bytes.Repeat([]byte{0xA5}, 100)

	s.Require().NoError(s.link.Dispatch(s.link.Central, controller.SendData{Handle: h, Data: payload}))
	s.Require().NoError(s.link.Dispatch(s.link.Peripheral, controller.SendData{Handle: h, Data: []byte("hi")}))

	s.Equal([][]byte{payload}, s.link.Peripheral.Received())
	s.Equal([][]byte{[]byte("hi")}, s.link.Central.Received())
	s.Len(s.link.Central.Host.EventsOf(llc.EventNumberOfCompletedPackets), 1)
	s.Len(s.link.Peripheral.Host.EventsOf(llc.EventNumberOfCompletedPackets), 1)
}

func (s *LinkSuite) TestDataLengthResizes() {
	s.up()
	s.start(s.link.Central, proc.DataLength, proc.Params{TxOctets: 251, TxTime: 2120})

	for _, side := range []*Side{s.link.Central, s.link.Peripheral} {
		s.Len(side.Host.EventsOf(llc.EventDataLengthChange), 1)
	}

	payload := bytes.Repeat([]byte{1}, 200)
	s.Require().NoError(s.link.Dispatch(s.link.Central, controller.SendData{Handle: h, Data: payload}))
	s.Len(s.link.Central.Host.Fragments[h], 1)
	s.Equal([][]byte{payload}, s.link.Peripheral.Received())
}

func (s *LinkSuite) TestExchanges() {
	s.up()
	s.start(s.link.Central, proc.FeatureExchange, proc.Params{})
	s.start(s.link.Peripheral, proc.VersionExchange, proc.Params{})
	s.start(s.link.Central, proc.Ping, proc.Params{})

	s.Len(s.link.Central.Host.EventsOf(llc.EventReadRemoteFeaturesComplete), 1)
	vv := s.link.Peripheral.Host.EventsOf(llc.EventReadRemoteVersionComplete)
	s.Require().Len(vv, 1)
	s.Equal(uint16(210), vv[0].(llc.ReadRemoteVersionComplete).CompanyID)
	s.Equal(env.ProcIdle, s.procs(s.link.Central).Ping.State)
	s.Empty(s.errs)
}

// Both ends start a connection update in the same event. The central's
// update wins; the peripheral's request is rejected with a collision.
func (s *LinkSuite) TestCollision() {
	s.up()
	s.Require().NoError(s.link.Advance(10))
	n := s.link.Counter

	want := llcp.ConnParams{Interval: 40, Latency: 0, Timeout: 500}
	s.Require().NoError(s.link.Central.Ctl.Dispatch(controller.StartProcedure{
		Handle: h, Procedure: proc.ConnectionUpdate, Params: proc.Params{Conn: want},
	}))
	s.Require().NoError(s.link.Peripheral.Ctl.Dispatch(controller.StartProcedure{
		Handle: h, Procedure: proc.ConnectionUpdate, Params: proc.Params{Conn: llcp.ConnParams{Interval: 60, Timeout: 600}},
	}))
	s.Require().NoError(s.link.Drain())

	s.Contains(s.link.Central.Host.Sent(h), llcp.OpRejectExtInd)
	var rej *llcp.RejectExt
	for _, sc := range s.link.Central.Host.PDUs {
		if sc.Opcode == llcp.OpRejectExtInd {
			p, err := sc.PDU()
			s.Require().NoError(err)
			rej = p.(*llcp.RejectExt)
		}
	}
	s.Require().NotNil(rej)
	s.Equal(llc.StatusLLProcedureCollision, rej.Reason)

	s.Require().Len(s.link.Central.Host.Params, 1)
	instant := s.link.Central.Host.Params[0].Instant
	s.GreaterOrEqual(instant, n+s.link.Central.Ctl.Config().InstantMargin)

	s.Require().NoError(s.link.Advance(int(instant - n)))
	for _, side := range []*Side{s.link.Central, s.link.Peripheral} {
		ee := side.Host.EventsOf(llc.EventConnectionUpdateComplete)
		s.Require().Len(ee, 1, side.Role.String())
		cu := ee[0].(llc.ConnectionUpdateComplete)
		s.Equal(llc.StatusSuccess, cu.Stat)
		s.Equal(want.Interval, cu.Interval)
		s.Equal(env.ProcIdle, s.procs(side).Param.State)
	}
}

func (s *LinkSuite) encrypt() {
	s.start(s.link.Central, proc.Encryption, proc.Params{LTK: testLTK, EDiv: 7, Rand: 99})
	s.Require().NotEmpty(s.link.Peripheral.Host.EventsOf(llc.EventLongTermKeyRequest))
	s.Require().NoError(s.link.Dispatch(s.link.Peripheral, controller.LTKReply{Handle: h, LTK: testLTK}))
}

func (s *LinkSuite) TestEncryption() {
	s.up()
	s.start(s.link.Central, proc.Encryption, proc.Params{LTK: testLTK, EDiv: 7, Rand: 99})

	s.Equal(env.EncEnabling, s.procs(s.link.Central).Enc.State)
	err := s.link.Dispatch(s.link.Central, controller.SendData{Handle: h, Data: []byte("secret")})
	s.True(errors.Is(err, llc.ErrResourceExhausted), "%v", err)
	s.Empty(s.link.Central.Host.Fragments[h])

	s.Require().Len(s.link.Peripheral.Host.EventsOf(llc.EventLongTermKeyRequest), 1)
	s.Require().NoError(s.link.Dispatch(s.link.Peripheral, controller.LTKReply{Handle: h, LTK: testLTK}))

	for _, side := range []*Side{s.link.Central, s.link.Peripheral} {
		ee := side.Host.EventsOf(llc.EventEncryptionChange)
		s.Require().Len(ee, 1)
		s.Equal(llc.EncryptionChange{Handle: h, Enabled: true}, ee[0])
		s.Equal(env.EncEnabled, s.procs(side).Enc.State)
	}

	s.Require().NoError(s.link.Dispatch(s.link.Central, controller.SendData{Handle: h, Data: []byte("secret")}))
	s.Equal([][]byte{[]byte("secret")}, s.link.Peripheral.Received())
}

func (s *LinkSuite) TestEncryptionRefresh() {
	s.up()
	s.encrypt()
	s.encrypt()

	for _, side := range []*Side{s.link.Central, s.link.Peripheral} {
		s.Len(side.Host.EventsOf(llc.EventEncryptionChange), 1)
		s.Len(side.Host.EventsOf(llc.EventEncryptionKeyRefreshComplete), 1)
	}
	s.Empty(s.errs)
}

func (s *LinkSuite) TestEncryptionRefused() {
	s.up()
	s.start(s.link.Central, proc.Encryption, proc.Params{LTK: testLTK})
	s.Require().NoError(s.link.Dispatch(s.link.Peripheral, controller.LTKNegativeReply{Handle: h}))

	for _, side := range []*Side{s.link.Central, s.link.Peripheral} {
		ee := side.Host.EventsOf(llc.EventEncryptionChange)
		s.Require().Len(ee, 1)
		s.Equal(llc.StatusPinOrKeyMissing, ee[0].Status())
	}
	// The link stays up, unencrypted.
	s.Require().NoError(s.link.Dispatch(s.link.Central, controller.SendData{Handle: h, Data: []byte("plain")}))
	s.Equal([][]byte{[]byte("plain")}, s.link.Peripheral.Received())
}

func (s *LinkSuite) TestEncryptionFromBonds() {
	centralBonds := bond.NewManager(nvds.NewMemory(1024))
	peripheralBonds := bond.NewManager(nvds.NewMemory(1024))
	info := bond.Info{AddrType: llc.AddrTypeRandom, LTK: testLTK, EDiv: 0x2222, Rand: 0x1234567890}
	s.Require().NoError(centralBonds.Save(peripheralAddr, info))
	s.Require().NoError(peripheralBonds.Save(centralAddr, info))

	s.opts[0] = []controller.Option{controller.OptKeyStore(centralBonds)}
	s.opts[1] = []controller.Option{controller.OptKeyStore(peripheralBonds)}
	s.up()

	s.start(s.link.Central, proc.Encryption, proc.Params{})
	s.Empty(s.link.Peripheral.Host.EventsOf(llc.EventLongTermKeyRequest))
	for _, side := range []*Side{s.link.Central, s.link.Peripheral} {
		s.Equal(env.EncEnabled, s.procs(side).Enc.State)
	}
}

func (s *LinkSuite) TestChannelMapDiscardedOnDisconnect() {
	s.up()
	var m llcp.ChannelMap
	for ch := 0; ch < 10; ch++ {
		m.Set(ch)
	}
	s.start(s.link.Central, proc.ChannelMapUpdate, proc.Params{ChannelMap: m})
	s.Require().Len(s.link.Peripheral.Host.ChannelMaps, 1)

	s.Require().NoError(s.link.Dispatch(s.link.Central, controller.Disconnect{Handle: h, Reason: llc.StatusRemoteUserTerminated}))
	s.False(s.link.Up())
	s.Require().NoError(s.link.Advance(20))

	for _, side := range []*Side{s.link.Central, s.link.Peripheral} {
		s.Empty(side.Host.EventsOf(llc.EventChannelMapUpdateComplete))
		s.Require().Len(side.Host.EventsOf(llc.EventDisconnectionComplete), 1)
		s.Empty(side.Ctl.Handles())
	}
	dc := s.link.Peripheral.Host.EventsOf(llc.EventDisconnectionComplete)[0].(llc.DisconnectionComplete)
	s.Equal(llc.StatusRemoteUserTerminated, dc.Reason)
	dc = s.link.Central.Host.EventsOf(llc.EventDisconnectionComplete)[0].(llc.DisconnectionComplete)
	s.Equal(llc.StatusLocalHostTerminated, dc.Reason)
}

func (s *LinkSuite) TestChannelMapCommitted() {
	s.up()
	var m llcp.ChannelMap
	for ch := 5; ch < 30; ch++ {
		m.Set(ch)
	}
	s.start(s.link.Central, proc.ChannelMapUpdate, proc.Params{ChannelMap: m})
	s.Require().NoError(s.link.Advance(int(s.link.Central.Ctl.Config().InstantMargin)))

	for _, side := range []*Side{s.link.Central, s.link.Peripheral} {
		ee := side.Host.EventsOf(llc.EventChannelMapUpdateComplete)
		s.Require().Len(ee, 1)
		s.Equal([5]byte(m), ee[0].(llc.ChannelMapUpdateComplete).Map)
	}
}

func TestRunaway(t *testing.T) {
	l, err := New(h, llcp.ConnParams{Interval: 30, Timeout: 500}, SideConfig{}, SideConfig{})
	require.NoError(t, err)
	require.NoError(t, l.Connect())

	for i := 0; i < maxDeliveries+1; i++ {
		l.push(l.Central, controller.RxStatus{Handle: h, Channel: 1, Synced: true})
	}
	require.Equal(t, ErrRunaway, l.Drain())
}
