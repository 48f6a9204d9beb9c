// Package breaker provides per-service circuit breakers built on gobreaker.
package breaker

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

const (
	DefaultFailureThreshold = 5
	DefaultRecoveryTimeout  = 60 * time.Second
)

// ErrOpen is returned when a call is rejected without contacting the backend.
var ErrOpen = errors.New("circuit open")

// Phase is the breaker state.
type Phase string

const (
	Closed   Phase = "closed"
	Open     Phase = "open"
	HalfOpen Phase = "half-open"
)

// Config holds breaker thresholds.
type Config struct {
	FailureThreshold int           `mapstructure:"failure_threshold" yaml:"failure_threshold" json:"failure_threshold"`
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout" yaml:"recovery_timeout" json:"recovery_timeout"`
}

// State is a snapshot of one breaker.
type State struct {
	Service             string    `json:"service"`
	Phase               Phase     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
}

// Breaker guards one backend service. Closed counts consecutive failures;
// reaching the threshold opens the circuit. After the recovery timeout a
// single probe is admitted: success closes, failure reopens.
type Breaker struct {
	service string
	cb      *gobreaker.TwoStepCircuitBreaker
	logger  *slog.Logger

	mu                  sync.Mutex
	consecutiveFailures int
	openedAt            time.Time
}

// New creates a breaker for service. Zero config values select defaults.
func New(service string, cfg Config, logger *slog.Logger) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = DefaultRecoveryTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	b := &Breaker{service: service, logger: logger}
	threshold := uint32(cfg.FailureThreshold)

	b.cb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        service,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// Runs under gobreaker's lock: must not call back into b.cb.
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.mu.Lock()
			switch to {
			case gobreaker.StateOpen:
				b.openedAt = time.Now()
			case gobreaker.StateClosed:
				b.consecutiveFailures = 0
				b.openedAt = time.Time{}
			}
			b.mu.Unlock()
			b.logger.Info("circuit state change", "service", name, "from", from.String(), "to", to.String())
		},
	})
	return b
}

// Service returns the guarded service name.
func (b *Breaker) Service() string {
	return b.service
}

// Allow asks for permission to make one backend call. The returned ticket
// must be settled exactly once with Success, Failure or Neutral.
func (b *Breaker) Allow() (*Ticket, error) {
	done, err := b.cb.Allow()
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %s", ErrOpen, b.service)
		}
		return nil, err
	}
	// With one half-open slot, the state cannot leave half-open until this
	// ticket settles.
	probe := b.cb.State() == gobreaker.StateHalfOpen
	return &Ticket{b: b, done: done, probe: probe}, nil
}

// Ready reports ErrOpen while the circuit rejects calls. It does not
// reserve the half-open probe slot.
func (b *Breaker) Ready() error {
	if b.cb.State() == gobreaker.StateOpen {
		return fmt.Errorf("%w: %s", ErrOpen, b.service)
	}
	return nil
}

// State returns the current breaker snapshot.
func (b *Breaker) State() State {
	phase := toPhase(b.cb.State())

	b.mu.Lock()
	defer b.mu.Unlock()
	st := State{
		Service:             b.service,
		Phase:               phase,
		ConsecutiveFailures: b.consecutiveFailures,
	}
	if phase != Closed {
		st.OpenedAt = b.openedAt
	}
	return st
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	b.consecutiveFailures = 0
	b.mu.Unlock()
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	b.consecutiveFailures++
	b.mu.Unlock()
}

func toPhase(s gobreaker.State) Phase {
	switch s {
	case gobreaker.StateOpen:
		return Open
	case gobreaker.StateHalfOpen:
		return HalfOpen
	default:
		return Closed
	}
}

// Ticket settles the outcome of one admitted call.
type Ticket struct {
	b     *Breaker
	done  func(success bool)
	probe bool
	once  sync.Once
}

// Probe reports whether this call is the half-open probe.
func (t *Ticket) Probe() bool {
	return t.probe
}

// Success resets the failure count; a successful probe closes the circuit.
func (t *Ticket) Success() {
	t.once.Do(func() {
		t.done(true)
		t.b.recordSuccess()
	})
}

// Failure counts one failure toward the trip threshold.
func (t *Ticket) Failure() {
	t.once.Do(func() {
		t.done(false)
		t.b.recordFailure()
	})
}

// Neutral settles a call that produced no health evidence, such as a
// caller cancellation. In closed state nothing changes. A neutral probe
// returns the circuit to open so the next recovery window can admit a new
// probe. That reopen restarts the recovery timeout: a cancelled probe
// delays recovery by one full RecoveryTimeout.
func (t *Ticket) Neutral() {
	t.once.Do(func() {
		if t.probe {
			t.done(false)
		}
	})
}

// Set holds independent breakers keyed by service.
type Set struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewSet creates an empty set. Breakers are created on first use.
func NewSet(cfg Config, logger *slog.Logger) *Set {
	return &Set{cfg: cfg, logger: logger, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for service, creating it if needed.
func (s *Set) Get(service string) *Breaker {
	s.mu.RLock()
	b, ok := s.breakers[service]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[service]; ok {
		return b
	}
	b = New(service, s.cfg, s.logger)
	s.breakers[service] = b
	return b
}

// States returns snapshots of every breaker, ordered by service.
func (s *Set) States() []State {
	s.mu.RLock()
	list := make([]*Breaker, 0, len(s.breakers))
	for _, b := range s.breakers {
		list = append(list, b)
	}
	s.mu.RUnlock()

	out := make([]State, 0, len(list))
	for _, b := range list {
		out = append(out, b.State())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}
