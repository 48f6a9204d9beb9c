/*
Package pool manages bounded sets of reusable channels to backend services.

A Pool hands out at most Size channels at a time. Acquire blocks up to the
acquire timeout when every slot is taken, and fails fast without taking a
slot while the service's gate (its circuit breaker) is open. Channels that
fail during use are discarded and replaced lazily on the next Acquire.

Channels are created by a Dialer. Three transports are provided:
  - stdio: a child process speaking MCP JSON-RPC on stdin/stdout
  - http: JSON-RPC tools/call POSTed to {url}/mcp/call
  - local: an in-process function, for tests and embedding
*/
package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

const (
	DefaultSize           = 3
	DefaultAcquireTimeout = 10 * time.Second
)

var (
	// ErrAcquireTimeout is returned when no slot frees up in time.
	ErrAcquireTimeout = errors.New("timed out waiting for a pooled connection")

	// ErrClosed is returned by Acquire after Close.
	ErrClosed = errors.New("pool closed")
)

// Channel is a reusable transport to one backend service.
type Channel interface {
	// Call invokes tool and returns its result payload.
	Call(ctx context.Context, tool string, args map[string]interface{}) (json.RawMessage, error)
	Close() error
}

// Dialer opens new channels.
type Dialer interface {
	Dial(ctx context.Context) (Channel, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (Channel, error)

func (f DialerFunc) Dial(ctx context.Context) (Channel, error) { return f(ctx) }

// Gate decides whether acquisition may proceed at all.
type Gate interface {
	Ready() error
}

// Options configures a Pool. Zero values select defaults.
type Options struct {
	Size           int
	AcquireTimeout time.Duration

	// RateLimit caps new calls per second. 0 disables limiting.
	RateLimit float64

	Gate   Gate
	Logger *slog.Logger
}

// Stats is a point-in-time view of pool occupancy.
type Stats struct {
	InUse int `json:"in_use"`
	Idle  int `json:"idle"`
	Max   int `json:"max"`
}

// Pool is a bounded channel pool for one service.
type Pool struct {
	service        string
	dialer         Dialer
	gate           Gate
	sem            *semaphore.Weighted
	limiter        *rate.Limiter
	acquireTimeout time.Duration
	max            int
	logger         *slog.Logger

	mu     sync.Mutex
	idle   []Channel
	inUse  int
	closed bool
}

// New creates a pool for service. No channels are opened until Acquire.
func New(service string, dialer Dialer, opts Options) *Pool {
	if opts.Size <= 0 {
		opts.Size = DefaultSize
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = DefaultAcquireTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	p := &Pool{
		service:        service,
		dialer:         dialer,
		gate:           opts.Gate,
		sem:            semaphore.NewWeighted(int64(opts.Size)),
		acquireTimeout: opts.AcquireTimeout,
		max:            opts.Size,
		logger:         opts.Logger.With("service", service),
	}
	if opts.RateLimit > 0 {
		burst := int(opts.RateLimit)
		if burst < 1 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return p
}

// Service returns the service this pool serves.
func (p *Pool) Service() string {
	return p.service
}

// Acquire returns a channel, reusing an idle one when possible. It blocks
// while the pool is exhausted, up to the acquire timeout.
func (p *Pool) Acquire(ctx context.Context) (Channel, error) {
	if p.gate != nil {
		if err := p.gate.Ready(); err != nil {
			return nil, err
		}
	}
	if p.isClosed() {
		return nil, ErrClosed
	}

	actx, cancel := context.WithTimeout(ctx, p.acquireTimeout)
	err := p.sem.Acquire(actx, 1)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w (%s, %d in use)", ErrAcquireTimeout, p.service, p.max)
	}

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			p.sem.Release(1)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %v", ErrAcquireTimeout, err)
		}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(1)
		return nil, ErrClosed
	}
	if n := len(p.idle); n > 0 {
		ch := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.inUse++
		p.mu.Unlock()
		return ch, nil
	}
	p.inUse++
	p.mu.Unlock()

	ch, err := p.dialer.Dial(ctx)
	if err != nil {
		p.mu.Lock()
		p.inUse--
		p.mu.Unlock()
		p.sem.Release(1)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransportError{Op: "dial", Service: p.service, Err: err}
	}
	p.logger.Debug("opened channel")
	return ch, nil
}

// Release returns a healthy channel to the pool.
func (p *Pool) Release(ch Channel) {
	p.mu.Lock()
	p.inUse--
	if p.closed {
		p.mu.Unlock()
		ch.Close()
	} else {
		p.idle = append(p.idle, ch)
		p.mu.Unlock()
	}
	p.sem.Release(1)
}

// Discard closes a channel that failed during use and frees its slot.
func (p *Pool) Discard(ch Channel) {
	p.mu.Lock()
	p.inUse--
	p.mu.Unlock()

	if err := ch.Close(); err != nil {
		p.logger.Warn("failed to close discarded channel", "error", err)
	}
	p.sem.Release(1)
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{InUse: p.inUse, Idle: len(p.idle), Max: p.max}
}

// Close closes idle channels. Channels still in use are closed when
// released.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	var errs []error
	for _, ch := range idle {
		if err := ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Group holds one pool per service.
type Group struct {
	mu    sync.RWMutex
	pools map[string]*Pool
}

func NewGroup() *Group {
	return &Group{pools: make(map[string]*Pool)}
}

// Add registers a pool, replacing any previous pool for the same service.
func (g *Group) Add(p *Pool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pools[p.service] = p
}

func (g *Group) Get(service string) (*Pool, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.pools[service]
	return p, ok
}

// Stats returns occupancy for every pool keyed by service.
func (g *Group) Stats() map[string]Stats {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]Stats, len(g.pools))
	for name, p := range g.pools {
		out[name] = p.Stats()
	}
	return out
}

func (g *Group) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var errs []error
	for name, p := range g.pools {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
