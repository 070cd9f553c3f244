// Package h4 is the UART transport between the controller and its host.
// Reads return whole command or ACL packets from the host; writes carry
// H4 framed events.
package h4

import (
	"io"
	"sync"
	"time"

	"github.com/jacobsa/go-serial/serial"
	"github.com/pkg/errors"
	"github.com/rigado/ble-llc"
)

const rxQueueSize = 64

// ErrTimeout is returned by Read when no packet arrived in time.
var ErrTimeout = errors.New("h4: read timeout")

// Port is an H4 link over a serial port.
type Port struct {
	rw  io.ReadWriteCloser
	rmu sync.Mutex
	wmu sync.Mutex

	rxQueue chan []byte
	fr      *frame

	ReadTimeout time.Duration

	done chan struct{}
	cmu  sync.Mutex
	log  llc.Logger
}

// DefaultOptions returns 8N1 settings for name at baud.
func DefaultOptions(name string, baud uint) serial.OpenOptions {
	return serial.OpenOptions{
		PortName:        name,
		BaudRate:        baud,
		DataBits:        8,
		StopBits:        1,
		MinimumReadSize: 0,
		// in 100ms units
		InterCharacterTimeout: 100,
	}
}

// Open opens the serial port described by opts.
func Open(opts serial.OpenOptions) (*Port, error) {
	// force these
	opts.MinimumReadSize = 0
	if opts.InterCharacterTimeout == 0 {
		opts.InterCharacterTimeout = 100
	}

	sp, err := serial.Open(opts)
	if err != nil {
		return nil, errors.Wrapf(err, "can't open %s", opts.PortName)
	}
	return NewPort(sp), nil
}

// NewPort runs the H4 framing on top of an already open stream.
func NewPort(rw io.ReadWriteCloser) *Port {
	p := &Port{
		rw:          rw,
		rxQueue:     make(chan []byte, rxQueueSize),
		ReadTimeout: time.Second,
		done:        make(chan struct{}),
		log:         llc.GetLogger().ChildLogger(map[string]interface{}{"module": "h4"}),
	}
	p.fr = newFrame(p.rxQueue)

	go p.rxLoop()
	return p
}

// Read returns the next host packet, indicator included.
func (p *Port) Read(b []byte) (int, error) {
	if !p.isOpen() {
		return 0, io.EOF
	}

	p.rmu.Lock()
	defer p.rmu.Unlock()

	select {
	case t := <-p.rxQueue:
		if len(b) < len(t) {
			return 0, errors.Errorf("h4: buffer too small (%d < %d)", len(b), len(t))
		}
		n := copy(b, t)
		p.log.Debugf("h4: read [% X]", b[:n])
		return n, nil

	case <-p.done:
		return 0, io.EOF

	case <-time.After(p.ReadTimeout):
		return 0, ErrTimeout
	}
}

func (p *Port) Write(b []byte) (int, error) {
	if !p.isOpen() {
		return 0, io.EOF
	}

	p.wmu.Lock()
	defer p.wmu.Unlock()
	n, err := p.rw.Write(b)
	p.log.Debugf("h4: write [% X]", b)

	return n, errors.Wrap(err, "can't write h4")
}

func (p *Port) Close() error {
	p.cmu.Lock()
	defer p.cmu.Unlock()

	select {
	case <-p.done:
		return nil
	default:
		close(p.done)
		return errors.Wrap(p.rw.Close(), "can't close h4")
	}
}

func (p *Port) isOpen() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *Port) rxLoop() {
	tmp := make([]byte, 512)
	for {
		n, err := p.rw.Read(tmp)
		if !p.isOpen() {
			return
		}
		if err == io.EOF {
			p.log.Info("h4: stream closed")
			return
		}
		if err != nil || n == 0 {
			continue
		}

		p.fr.Assemble(tmp[:n])
	}
}
