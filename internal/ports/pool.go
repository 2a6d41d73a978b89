package ports

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"harbor/internal/metrics"
)

var ErrPoolExhausted = errors.New("port pool exhausted")
var ErrNoProcessFound = errors.New("no process listening on port")

// ProbeFunc reports whether a port is free at the OS level. It runs outside
// the pool lock and must not mutate pool state.
type ProbeFunc func(port int) bool

// Pool leases TCP ports from a fixed inclusive range. Bookkeeping is
// mutex-guarded; OS probes and orphan cleanup run outside the lock.
type Pool struct {
	mu        sync.Mutex
	minPort   int
	maxPort   int
	allocated map[int]bool
	busy      map[int]bool

	probe    ProbeFunc
	registry *metrics.Registry
}

type PoolOptions struct {
	MinPort  int
	MaxPort  int
	Probe    ProbeFunc // Optional, defaults to a net.Listen check.
	Registry *metrics.Registry
}

func NewPool(options PoolOptions) (*Pool, error) {
	if options.MinPort <= 0 || options.MaxPort <= 0 || options.MinPort > options.MaxPort {
		return nil, fmt.Errorf("invalid port range [%d-%d]", options.MinPort, options.MaxPort)
	}
	probe := options.Probe
	if probe == nil {
		probe = listenProbe
	}
	registry := options.Registry
	if registry == nil {
		registry = metrics.Default
	}
	pool := &Pool{
		minPort:   options.MinPort,
		maxPort:   options.MaxPort,
		allocated: make(map[int]bool),
		busy:      make(map[int]bool),
		probe:     probe,
		registry:  registry,
	}
	pool.reportUsage()
	return pool, nil
}

// Allocate leases the lowest free port in the range. Ports that the OS
// probe reports busy are skipped but remain unleased; they become eligible
// again once released or cleaned up.
func (pool *Pool) Allocate() (int, error) {
	for {
		port, ok := pool.reserveLowest()
		if !ok {
			return 0, ErrPoolExhausted
		}
		if pool.probe(port) {
			pool.reportUsage()
			return port, nil
		}
		pool.markBusy(port)
	}
}

// Release returns a port to the free set. Safe to call on an already-free
// port or one outside the range.
func (pool *Pool) Release(port int) {
	pool.mu.Lock()
	if port >= pool.minPort && port <= pool.maxPort {
		delete(pool.allocated, port)
		delete(pool.busy, port)
	}
	pool.mu.Unlock()
	pool.reportUsage()
}

// Reserve leases a specific port, used when adopting an already-running
// process whose port must be excluded from future allocation. Returns false
// when the port is outside the range or already leased.
func (pool *Pool) Reserve(port int) bool {
	pool.mu.Lock()
	if port < pool.minPort || port > pool.maxPort || pool.allocated[port] {
		pool.mu.Unlock()
		return false
	}
	pool.allocated[port] = true
	delete(pool.busy, port)
	pool.mu.Unlock()
	pool.reportUsage()
	return true
}

// IsAvailable reports whether the pool considers the port leasable.
func (pool *Pool) IsAvailable(port int) bool {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	if port < pool.minPort || port > pool.maxPort {
		return false
	}
	return !pool.allocated[port] && !pool.busy[port]
}

// Leased returns the number of currently leased ports.
func (pool *Pool) Leased() int {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	return len(pool.allocated)
}

// Capacity returns the size of the configured range.
func (pool *Pool) Capacity() int {
	return pool.maxPort - pool.minPort + 1
}

// CleanupOrphan finds the process currently listening on port and sends it
// a termination signal, then clears the port's busy marker. Returns
// ErrNoProcessFound when nothing listens there; OS-query failures are
// treated the same way rather than propagated.
func (pool *Pool) CleanupOrphan(port int) error {
	pids, err := listenerPIDs(port)
	if err != nil || len(pids) == 0 {
		return ErrNoProcessFound
	}
	var terminated bool
	for _, pid := range pids {
		if terminateProcess(pid) == nil {
			terminated = true
		}
	}
	if !terminated {
		return ErrNoProcessFound
	}
	pool.mu.Lock()
	delete(pool.busy, port)
	pool.mu.Unlock()
	return nil
}

func (pool *Pool) reserveLowest() (int, bool) {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	for port := pool.minPort; port <= pool.maxPort; port++ {
		if pool.allocated[port] || pool.busy[port] {
			continue
		}
		pool.allocated[port] = true
		return port, true
	}
	return 0, false
}

func (pool *Pool) markBusy(port int) {
	pool.mu.Lock()
	delete(pool.allocated, port)
	pool.busy[port] = true
	pool.mu.Unlock()
}

func (pool *Pool) reportUsage() {
	if pool.registry == nil {
		return
	}
	pool.mu.Lock()
	leased := len(pool.allocated)
	pool.mu.Unlock()
	pool.registry.SetPoolUsage(leased, pool.Capacity())
}

func listenProbe(port int) bool {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	listener.Close()
	return true
}
