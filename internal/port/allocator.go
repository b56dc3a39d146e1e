package port

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"sync"
)

const (
	// DefaultFallback is the first port probed when no preferred port is given.
	DefaultFallback = 3000
	maxPort         = 65535
)

// ErrPortExhaustion is returned when no free port exists at or above the start port.
var ErrPortExhaustion = errors.New("no free port available")

// Allocator hands out TCP ports that are neither reserved by this process
// nor bound by anything else on the host.
type Allocator struct {
	mu       sync.Mutex
	reserved map[int]struct{}
	host     string
	fallback int
	logger   *slog.Logger
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithHost sets the address probes bind to. Empty means all interfaces.
func WithHost(host string) Option { return func(a *Allocator) { a.host = host } }

// WithFallback sets the start port used when Allocate is given 0.
func WithFallback(p int) Option {
	return func(a *Allocator) {
		if p > 0 && p <= maxPort {
			a.fallback = p
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(a *Allocator) { a.logger = l } }

func New(opts ...Option) *Allocator {
	a := &Allocator{
		reserved: make(map[int]struct{}),
		fallback: DefaultFallback,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	a.logger = a.logger.With("component", "port-allocator")
	return a
}

// Allocate reserves and returns the first free port at or above preferred.
func (a *Allocator) Allocate(preferred int) (int, error) {
	start := preferred
	if start <= 0 {
		start = a.fallback
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for p := start; p <= maxPort; p++ {
		if _, taken := a.reserved[p]; taken {
			continue
		}
		if !a.available(p) {
			continue
		}
		a.reserved[p] = struct{}{}
		a.logger.Debug("port reserved", "port", p, "preferred", preferred)
		return p, nil
	}
	return 0, fmt.Errorf("%w: searched %d-%d", ErrPortExhaustion, start, maxPort)
}

// Release drops the reservation for p. Releasing an unreserved port is a no-op.
func (a *Allocator) Release(p int) {
	if p <= 0 {
		return
	}
	a.mu.Lock()
	delete(a.reserved, p)
	a.mu.Unlock()
	a.logger.Debug("port released", "port", p)
}

// Reserved returns the currently reserved ports in ascending order.
func (a *Allocator) Reserved() []int {
	a.mu.Lock()
	out := make([]int, 0, len(a.reserved))
	for p := range a.reserved {
		out = append(out, p)
	}
	a.mu.Unlock()
	sort.Ints(out)
	return out
}

func (a *Allocator) available(p int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort(a.host, strconv.Itoa(p)))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}
