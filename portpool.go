// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package stcp

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// ErrPortPoolExhausted is returned when every ephemeral port is in use.
var ErrPortPoolExhausted = errors.New("stcp: no ephemeral ports available")

// PortPool hands out local port numbers from a fixed range. Free ports are
// kept in a ring in random order; returned ports go to the back of the ring,
// so a port is not reused until every other free port has been.
type PortPool struct {
	mtx sync.Mutex

	ports    []uint16
	capacity int
	minPort  uint16
	maxPort  uint16
	readIdx  int
	writeIdx int
	free     int

	allocated map[uint16]time.Time
}

// NewPortPool creates a pool holding every port in [minPort, maxPort].
func NewPortPool(minPort, maxPort uint16) *PortPool {
	capacity := int(maxPort) - int(minPort) + 1
	perm := rand.Perm(capacity)
	ports := make([]uint16, capacity)
	for i, v := range perm {
		ports[i] = minPort + uint16(v)
	}
	return &PortPool{
		ports:     ports,
		capacity:  capacity,
		minPort:   minPort,
		maxPort:   maxPort,
		free:      capacity,
		allocated: make(map[uint16]time.Time),
	}
}

// Allocate takes the next free port.
func (p *PortPool) Allocate() (uint16, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if p.free == 0 {
		return 0, ErrPortPoolExhausted
	}
	port := p.ports[p.readIdx]
	p.readIdx = (p.readIdx + 1) % p.capacity
	p.free--
	p.allocated[port] = time.Now()
	return port, nil
}

// Release returns an allocated port to the pool.
func (p *PortPool) Release(port uint16) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if port < p.minPort || port > p.maxPort {
		return fmt.Errorf("stcp: port %d outside pool range %d-%d", port, p.minPort, p.maxPort)
	}
	if _, ok := p.allocated[port]; !ok {
		return fmt.Errorf("stcp: port %d was not allocated", port)
	}
	p.ports[p.writeIdx] = port
	p.writeIdx = (p.writeIdx + 1) % p.capacity
	p.free++
	delete(p.allocated, port)
	return nil
}

// IsAllocated reports whether port is currently handed out.
func (p *PortPool) IsAllocated(port uint16) bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	_, ok := p.allocated[port]
	return ok
}

// Capacity is the number of ports in the range.
func (p *PortPool) Capacity() int {
	return p.capacity
}

// Available is the number of ports that can be allocated right now.
func (p *PortPool) Available() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.free
}
