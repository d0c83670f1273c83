package nsd

import (
	"net"
	"sync"
	"time"
)

// TCPPool is spec §4.H's bounded set of outgoing TCP slots shared across
// zones; a zone needing TCP while the pool is full enters a waiting queue.
type TCPPool struct {
	mu      sync.Mutex
	size    int
	inUse   int
	waiters []chan struct{}
}

// NewTCPPool constructs a pool with the given number of slots.
func NewTCPPool(size int) *TCPPool {
	if size <= 0 {
		size = 10
	}
	return &TCPPool{size: size}
}

// Acquire blocks until a slot is free or timeout elapses, implementing the
// waiter queue spec §4.H describes.
func (p *TCPPool) Acquire(timeout time.Duration) bool {
	p.mu.Lock()
	if p.inUse < p.size {
		p.inUse++
		p.mu.Unlock()
		return true
	}
	ch := make(chan struct{})
	p.waiters = append(p.waiters, ch)
	p.mu.Unlock()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ch:
		return true
	case <-t.C:
		return false
	}
}

// Release frees a slot, waking the oldest waiter if any (cooperative
// cancellation: a waiter whose own timeout already fired just drops the
// wakeup, per spec §4.H "abandoned only when its timeout fires").
func (p *TCPPool) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.waiters) > 0 {
		next := p.waiters[0]
		p.waiters = p.waiters[1:]
		close(next)
		return
	}
	if p.inUse > 0 {
		p.inUse--
	}
}

// Slot holds one outgoing connection, the name of its TSIG key (empty for
// none) and its deadline. It keeps no message cursor or TSIG state.
type Slot struct {
	Conn    net.Conn
	KeyName string
	Deadline time.Time
}
