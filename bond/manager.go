// Package bond keeps the keys of bonded peers in the link key slots of the
// non-volatile store.
package bond

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"
	"github.com/rigado/ble-llc"
	"github.com/rigado/ble-llc/nvds"
)

// ErrNotFound is returned when no bond matches.
var ErrNotFound = errors.New("bond not found")

// Info is what is kept about a bonded peer.
type Info struct {
	AddrType      llc.AddrType
	LTK           [16]byte
	EDiv          uint16
	Rand          uint64
	Legacy        bool
	Authenticated bool
}

// Bond is a stored Info with its peer address.
type Bond struct {
	Addr llc.Addr
	Info
}

// slot layout, 48 octets:
//
//	flags(1) addrType(1) addr(6) ltk(16) ediv(2) rand(8) reserved(14)
const (
	flagValid         = 1 << 0
	flagLegacy        = 1 << 1
	flagAuthenticated = 1 << 2
)

func encode(a llc.Addr, bi Info) []byte {
	b := make([]byte, nvds.LenLinkKey)
	b[0] = flagValid
	if bi.Legacy {
		b[0] |= flagLegacy
	}
	if bi.Authenticated {
		b[0] |= flagAuthenticated
	}
	b[1] = byte(bi.AddrType)
	copy(b[2:8], a[:])
	copy(b[8:24], bi.LTK[:])
	binary.LittleEndian.PutUint16(b[24:], bi.EDiv)
	binary.LittleEndian.PutUint64(b[26:], bi.Rand)
	return b
}

func decode(b []byte) (Bond, bool) {
	var bd Bond
	if len(b) != nvds.LenLinkKey || b[0]&flagValid == 0 {
		return bd, false
	}
	bd.Legacy = b[0]&flagLegacy != 0
	bd.Authenticated = b[0]&flagAuthenticated != 0
	bd.AddrType = llc.AddrType(b[1])
	copy(bd.Addr[:], b[2:8])
	copy(bd.LTK[:], b[8:24])
	bd.EDiv = binary.LittleEndian.Uint16(b[24:])
	bd.Rand = binary.LittleEndian.Uint64(b[26:])
	return bd, true
}

// Manager stores bonds in a nvds.Store. It implements the key lookups of
// the procedure engine.
type Manager struct {
	lock  sync.RWMutex
	store nvds.Store
	log   llc.Logger
}

func NewManager(s nvds.Store) *Manager {
	return &Manager{
		store: s,
		log:   llc.GetLogger().ChildLogger(map[string]interface{}{"module": "bond"}),
	}
}

// scan calls fn for each stored bond until fn returns true. It returns the
// tag fn stopped at, or the first free slot.
func (m *Manager) scan(fn func(t nvds.Tag, bd Bond) bool) (hit nvds.Tag, free nvds.Tag, err error) {
	for _, t := range nvds.LinkKeyTags() {
		b, gerr := m.store.Get(t)
		switch {
		case errors.Is(gerr, nvds.StatusTagNotDefined):
			if free == 0 {
				free = t
			}
			continue
		case gerr != nil:
			return 0, 0, gerr
		}

		bd, ok := decode(b)
		if !ok {
			m.log.Warnf("bond: %s holds no bond, ignoring", t)
			continue
		}
		if fn(t, bd) {
			return t, free, nil
		}
	}
	return 0, free, nil
}

func (m *Manager) Find(a llc.Addr) (Info, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	var out Info
	hit, _, err := m.scan(func(t nvds.Tag, bd Bond) bool {
		out = bd.Info
		return bd.Addr == a
	})
	if err != nil {
		return Info{}, errors.Wrapf(err, "find %s", a)
	}
	if hit == 0 {
		return Info{}, errors.Wrapf(ErrNotFound, "%s", a)
	}
	return out, nil
}

// FindByDiversifier returns the bond a peripheral hands out with ediv and
// rand.
func (m *Manager) FindByDiversifier(ediv uint16, rand uint64) (Bond, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	var out Bond
	hit, _, err := m.scan(func(t nvds.Tag, bd Bond) bool {
		out = bd
		return bd.EDiv == ediv && bd.Rand == rand
	})
	if err != nil {
		return Bond{}, errors.Wrap(err, "find by diversifier")
	}
	if hit == 0 {
		return Bond{}, errors.Wrapf(ErrNotFound, "ediv 0x%04X", ediv)
	}
	return out, nil
}

// Save stores bi for a, replacing an older bond of a.
func (m *Manager) Save(a llc.Addr, bi Info) error {
	if bi.LTK == ([16]byte{}) {
		return errors.Wrap(llc.ErrInvalidParameters, "empty long term key")
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	hit, free, err := m.scan(func(t nvds.Tag, bd Bond) bool { return bd.Addr == a })
	if err != nil {
		return errors.Wrapf(err, "save %s", a)
	}
	t := hit
	if t == 0 {
		t = free
	}
	if t == 0 {
		return errors.Wrapf(nvds.StatusNoSpaceAvailable, "save %s: all link key slots used", a)
	}

	m.log.Debugf("bond: saving %s in %s", a, t)
	return errors.Wrapf(m.store.Put(t, encode(a, bi)), "save %s", a)
}

func (m *Manager) Delete(a llc.Addr) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	hit, _, err := m.scan(func(t nvds.Tag, bd Bond) bool { return bd.Addr == a })
	if err != nil {
		return errors.Wrapf(err, "delete %s", a)
	}
	if hit == 0 {
		return errors.Wrapf(ErrNotFound, "%s", a)
	}
	return m.store.Delete(hit)
}

// List returns every stored bond in slot order.
func (m *Manager) List() ([]Bond, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	var out []Bond
	_, _, err := m.scan(func(t nvds.Tag, bd Bond) bool {
		out = append(out, bd)
		return false
	})
	return out, err
}

// LTKByDiversifier looks up the key for a peer's encryption request.
func (m *Manager) LTKByDiversifier(ediv uint16, rand uint64) ([16]byte, bool) {
	bd, err := m.FindByDiversifier(ediv, rand)
	if err != nil {
		m.log.Debug("bond: ", err)
		return [16]byte{}, false
	}
	return bd.LTK, true
}

// LTKByAddr looks up the key to start encryption with a.
func (m *Manager) LTKByAddr(a llc.Addr) ([16]byte, uint16, uint64, bool) {
	bi, err := m.Find(a)
	if err != nil {
		m.log.Debug("bond: ", err)
		return [16]byte{}, 0, 0, false
	}
	return bi.LTK, bi.EDiv, bi.Rand, true
}
