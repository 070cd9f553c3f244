package env

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/rigado/ble-llc"
	"github.com/rigado/ble-llc/chassess"
	"github.com/rigado/ble-llc/llcp"
)

// Ref names one incarnation of a connection.
type Ref struct {
	Handle llc.Handle
	Gen    uint32
}

// InitialParams are the connection facts reported by the radio when a
// connection is established.
type InitialParams struct {
	Role         llc.Role
	PeerAddrType llc.AddrType
	PeerAddr     llc.Addr
	Params       llcp.ConnParams
	Channels     llcp.ChannelMap
	Counter      uint16
}

type slot struct {
	gen  uint32
	live bool
	env  Environment
}

// Store is the arena of connection environments.
type Store struct {
	sync.RWMutex

	cfg   *llc.Config
	slots []slot
	index map[llc.Handle]int
	free  []int
}

// NewStore returns a store with room for cfg.MaxConnections connections.
func NewStore(cfg *llc.Config) *Store {
	s := &Store{
		cfg:   cfg,
		slots: make([]slot, cfg.MaxConnections),
		index: make(map[llc.Handle]int, cfg.MaxConnections),
		free:  make([]int, 0, cfg.MaxConnections),
	}
	for i := cfg.MaxConnections - 1; i >= 0; i-- {
		s.free = append(s.free, i)
	}
	return s
}

// Create allocates the environment of a new connection.
func (s *Store) Create(h llc.Handle, p InitialParams) (Ref, error) {
	if h > llc.MaxHandle {
		return Ref{}, errors.Wrapf(llc.ErrInvalidParameters, "handle %s", h)
	}
	if err := p.Params.Validate(); err != nil {
		return Ref{}, errors.Wrapf(err, "create %s", h)
	}

	s.Lock()
	defer s.Unlock()

	if _, ok := s.index[h]; ok {
		return Ref{}, errors.Wrapf(llc.ErrDuplicateHandle, "create %s", h)
	}
	if len(s.free) == 0 {
		return Ref{}, errors.Wrapf(llc.ErrResourceExhausted, "create %s: %d connections", h, len(s.slots))
	}

	i := s.free[len(s.free)-1]
	s.free = s.free[:len(s.free)-1]

	sl := &s.slots[i]
	sl.gen++
	sl.live = true
	sl.env = s.newEnvironment(h, p)
	s.index[h] = i

	sl.env.Log().Debug("env", "created", "slot", i, "gen", sl.gen)
	return Ref{Handle: h, Gen: sl.gen}, nil
}

func (s *Store) newEnvironment(h llc.Handle, p InitialParams) Environment {
	chm := p.Channels
	if chm == (llcp.ChannelMap{}) {
		chm = llcp.AllChannels()
	}

	e := Environment{
		Handle:       h,
		Role:         p.Role,
		PeerAddrType: p.PeerAddrType,
		PeerAddr:     p.PeerAddr,
		Timing: Timing{
			Current:            p.Params,
			AuthPayloadTimeout: s.cfg.AuthPayloadTimeout,
			AuthPayloadMargin:  s.cfg.AuthPayloadMargin,
		},
		Channels: ChannelMaps{Current: chm},
		Length:   NewLength(s.cfg.MaxTxOctets, s.cfg.MaxTxTime, s.cfg.MaxRxOctets, s.cfg.MaxRxTime),
		Counter:  p.Counter,
		LastRx:   p.Counter,
		Logger: llc.GetLogger().ChildLogger(map[string]interface{}{
			"handle": h.String(),
			"role":   p.Role.String(),
		}),
	}
	if p.Role == llc.RoleCentral && s.cfg.ChannelAssessment {
		e.Assess = chassess.New(int8(s.cfg.AssessMinRSSI))
	}
	return e
}

// Get returns the live environment of h.
func (s *Store) Get(h llc.Handle) (*Environment, error) {
	s.RLock()
	defer s.RUnlock()

	i, ok := s.index[h]
	if !ok {
		return nil, errors.Wrapf(llc.ErrUnknownConnection, "handle %s", h)
	}
	return &s.slots[i].env, nil
}

// Resolve returns the environment r was taken from, if it still exists.
func (s *Store) Resolve(r Ref) (*Environment, error) {
	s.RLock()
	defer s.RUnlock()

	i, ok := s.index[r.Handle]
	if !ok || s.slots[i].gen != r.Gen {
		return nil, errors.Wrapf(llc.ErrUnknownConnection, "stale ref %s/%d", r.Handle, r.Gen)
	}
	return &s.slots[i].env, nil
}

// Ref returns the current reference of h.
func (s *Store) Ref(h llc.Handle) (Ref, error) {
	s.RLock()
	defer s.RUnlock()

	i, ok := s.index[h]
	if !ok {
		return Ref{}, errors.Wrapf(llc.ErrUnknownConnection, "handle %s", h)
	}
	return Ref{Handle: h, Gen: s.slots[i].gen}, nil
}

// Destroy releases the environment of h. Destroying an unknown handle is a
// no-op; disconnection paths may race.
func (s *Store) Destroy(h llc.Handle) {
	s.Lock()
	defer s.Unlock()

	i, ok := s.index[h]
	if !ok {
		return
	}
	delete(s.index, h)

	sl := &s.slots[i]
	sl.env.Log().Debug("env", "destroyed", "slot", i)
	sl.env.Queues.Release()
	sl.env.Material.Zero()
	sl.env = Environment{}
	sl.live = false
	sl.gen++
	s.free = append(s.free, i)
}

// Handles lists the live handles.
func (s *Store) Handles() []llc.Handle {
	s.RLock()
	defer s.RUnlock()

	hh := make([]llc.Handle, 0, len(s.index))
	for h := range s.index {
		hh = append(hh, h)
	}
	return hh
}

func (s *Store) Len() int {
	s.RLock()
	defer s.RUnlock()
	return len(s.index)
}
