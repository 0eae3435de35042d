package caronte

import (
	"fmt"
	"io"
	"net/url"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"
)

// DefaultMaxTunnels is the default number of concurrently tracked tunnels.
const DefaultMaxTunnels = 4096

// tunnel is a Session Correlator entry.
type tunnel struct {
	id         uint64
	target     *url.URL
	authorized bool

	// closer tears the tunnel down, it is called at most once.
	closer    io.Closer
	closeOnce sync.Once

	// guarded by correlator.mu
	refs  int
	ended bool
}

func (t *tunnel) close() {
	t.closeOnce.Do(func() {
		if t.closer != nil {
			t.closer.Close()
		}
	})
}

// correlator maps tunnel tokens to their CONNECT target.
//
// Tokens are allocated from a monotonic counter and travel with the
// in-process connection to the interception listener, so an entry can never
// be confused with a later tunnel.
type correlator struct {
	mu     sync.Mutex
	cache  *lru.Cache
	nextID atomic.Uint64
	closed bool
}

func newCorrelator(size int) (*correlator, error) {
	if size <= 0 {
		size = DefaultMaxTunnels
	}

	// Removal, eviction and purge all end up here: whatever drops the entry
	// also tears the tunnel down.
	cache, err := lru.NewWithEvict(size, func(_, value interface{}) {
		value.(*tunnel).close()
	})
	if err != nil {
		return nil, fmt.Errorf("could not create tunnel cache: %w", err)
	}

	return &correlator{cache: cache}, nil
}

// register records a new tunnel and returns its entry.
func (c *correlator) register(target *url.URL, authorized bool, closer io.Closer) (*tunnel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrProxyClosed
	}

	t := &tunnel{
		id:         c.nextID.Add(1),
		target:     target,
		authorized: authorized,
		closer:     closer,
	}

	c.cache.Add(t.id, t)

	return t, nil
}

// acquire looks up the tunnel for id and pins it until release is called.
func (c *correlator) acquire(id uint64) (*tunnel, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.cache.Get(id)
	if !ok {
		return nil, false
	}

	t := v.(*tunnel)
	t.refs++

	return t, true
}

func (c *correlator) release(t *tunnel) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t.refs--
	if t.ended && t.refs <= 0 {
		c.cache.Remove(t.id)
	}
}

// end marks the client side of the tunnel as finished. The entry goes away
// as soon as no decrypted request holds it.
func (c *correlator) end(t *tunnel) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t.ended = true
	if t.refs <= 0 {
		c.cache.Remove(t.id)
	}
}

// Len returns the number of live entries.
func (c *correlator) Len() int {
	return c.cache.Len()
}

// close drops every entry, closing the tunnels, and refuses new ones.
func (c *correlator) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	c.cache.Purge()
}
