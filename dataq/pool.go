package dataq

import "sync"

// Pool is the transmit descriptor budget shared by all connections. One
// descriptor accounts for one outstanding fragment.
type Pool struct {
	sync.Mutex

	cnt int
	ch  chan struct{}
}

// NewPool returns a pool holding cnt descriptors.
func NewPool(cnt int) *Pool {
	ch := make(chan struct{}, cnt)
	for len(ch) < cnt {
		ch <- struct{}{}
	}
	return &Pool{cnt: cnt, ch: ch}
}

// Available returns the number of free descriptors.
func (p *Pool) Available() int {
	return len(p.ch)
}

func (p *Pool) Cap() int { return p.cnt }

// Client is the share of the pool held by one connection.
type Client struct {
	p    *Pool
	used chan struct{}
}

// NewClient returns a client drawing from p.
func NewClient(p *Pool) *Client {
	return &Client{p: p, used: make(chan struct{}, p.cnt)}
}

// TryGet takes n descriptors, or none if fewer than n are free. It never
// blocks.
func (c *Client) TryGet(n int) bool {
	c.p.Lock()
	defer c.p.Unlock()

	if len(c.p.ch) < n {
		return false
	}
	for i := 0; i < n; i++ {
		c.used <- <-c.p.ch
	}
	return true
}

// Put returns n descriptors.
func (c *Client) Put(n int) {
	c.p.Lock()
	defer c.p.Unlock()

	for i := 0; i < n && len(c.used) > 0; i++ {
		c.p.ch <- <-c.used
	}
}

// PutAll returns every descriptor held.
func (c *Client) PutAll() {
	c.p.Lock()
	defer c.p.Unlock()

	for len(c.used) > 0 {
		c.p.ch <- <-c.used
	}
}

// Used returns the number of descriptors held.
func (c *Client) Used() int {
	return len(c.used)
}
