package render

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrPoolDisabled is returned by NewPool when the configured size is zero
// or negative.
var ErrPoolDisabled = errors.New("render pool disabled (pool_size <= 0)")

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("render pool is closed")

// Pool bounds the number of concurrent rasterizations. MuPDF page renders
// are CPU and memory heavy; an unbounded burst of large documents can take
// the whole container down.
type Pool struct {
	mu     sync.Mutex
	sem    chan struct{}
	size   int
	closed bool

	acquired  uint64
	lastGrant time.Time
}

// Stats is a point-in-time snapshot of pool occupancy.
type Stats struct {
	Enabled      bool      `json:"enabled"`
	Capacity     int       `json:"capacity"`
	Idle         int       `json:"idle"`
	InUse        int       `json:"in_use"`
	PoolSizeConf int       `json:"pool_size_conf"`
	Acquired     uint64    `json:"acquired"`
	LastGrant    time.Time `json:"last_grant"`
}

// NewPool creates a pool with the given number of render slots.
func NewPool(size int) (*Pool, error) {
	if size <= 0 {
		return nil, ErrPoolDisabled
	}
	sem := make(chan struct{}, size)
	for i := 0; i < size; i++ {
		sem <- struct{}{}
	}
	return &Pool{sem: sem, size: size}, nil
}

// Acquire takes a render slot, blocking until one is free or the context
// expires.
func (p *Pool) Acquire(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	sem := p.sem
	p.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-sem:
		p.mu.Lock()
		p.acquired++
		p.lastGrant = time.Now()
		p.mu.Unlock()
		return nil
	}
}

// Release returns a slot to the pool. Releasing after Close is a no-op.
func (p *Pool) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.sem <- struct{}{}:
	default:
		// Double release; leave the pool at capacity.
	}
}

// Stats reports current occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.sem == nil {
		return Stats{PoolSizeConf: p.size}
	}
	idle := len(p.sem)
	return Stats{
		Enabled:      true,
		Capacity:     p.size,
		Idle:         idle,
		InUse:        p.size - idle,
		PoolSizeConf: p.size,
		Acquired:     p.acquired,
		LastGrant:    p.lastGrant,
	}
}

// Close marks the pool closed. Idempotent; in-flight renders finish but no
// new slot can be acquired.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}
