// Package circuitbreaker guards forward targets. A target that keeps failing
// is short-circuited for a cool-down period, then probed with a limited
// number of requests before traffic resumes.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/felipepmaragno/model-gateway/internal/domain"
)

type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type Config struct {
	FailureThreshold int           // consecutive failures before opening
	SuccessThreshold int           // probe successes needed to close again
	Cooldown         time.Duration // time spent open before probing
	MaxProbes        int           // concurrent requests allowed while half-open
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Cooldown:         30 * time.Second,
		MaxProbes:        1,
	}
}

// Breaker is one target's breaker. Every Allow that returns nil must be
// paired with exactly one Done or Release.
type Breaker struct {
	name     string
	cfg      Config
	now      func() time.Time
	onChange func(name string, s State)

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	probes    int
	openedAt  time.Time
}

func newBreaker(name string, cfg Config, now func() time.Time, onChange func(string, State)) *Breaker {
	if cfg.MaxProbes <= 0 {
		cfg.MaxProbes = 1
	}
	return &Breaker{name: name, cfg: cfg, now: now, onChange: onChange}
}

// New builds a standalone breaker.
func New(name string, cfg Config) *Breaker {
	return newBreaker(name, cfg, time.Now, nil)
}

// Allow admits a request or returns domain.ErrCircuitBreakerOpen.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			return domain.ErrCircuitBreakerOpen
		}
		b.transition(StateHalfOpen)
	}
	if b.state == StateHalfOpen {
		if b.probes >= b.cfg.MaxProbes {
			return domain.ErrCircuitBreakerOpen
		}
		b.probes++
	}
	return nil
}

// Done reports the outcome of an admitted request.
func (b *Breaker) Done(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen && b.probes > 0 {
		b.probes--
	}

	if success {
		switch b.state {
		case StateClosed:
			b.failures = 0
		case StateHalfOpen:
			b.successes++
			if b.successes >= b.cfg.SuccessThreshold {
				b.transition(StateClosed)
			}
		}
		return
	}

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.transition(StateOpen)
	}
}

// Release returns an admitted request's slot without counting an outcome,
// for requests abandoned by the caller.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen && b.probes > 0 {
		b.probes--
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// transition must be called with mu held.
func (b *Breaker) transition(s State) {
	b.state = s
	b.failures = 0
	b.successes = 0
	b.probes = 0
	if s == StateOpen {
		b.openedAt = b.now()
	}
	if b.onChange != nil {
		b.onChange(b.name, s)
	}
}

// Manager hands out one breaker per target name.
type Manager struct {
	cfg      Config
	now      func() time.Time
	onChange func(name string, s State)

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

type ManagerOption func(*Manager)

// WithStateHook is called, with the breaker locked, on every state change.
func WithStateHook(fn func(name string, s State)) ManagerOption {
	return func(m *Manager) { m.onChange = fn }
}

func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

func NewManager(cfg Config, opts ...ManagerOption) *Manager {
	m := &Manager{
		cfg:      cfg,
		now:      time.Now,
		breakers: make(map[string]*Breaker),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Get(name string) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[name]; ok {
		return b
	}
	b = newBreaker(name, m.cfg, m.now, m.onChange)
	m.breakers[name] = b
	return b
}

// States reports every known breaker, keyed by target.
func (m *Manager) States() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make(map[string]string, len(m.breakers))
	for name, b := range m.breakers {
		states[name] = b.State().String()
	}
	return states
}
