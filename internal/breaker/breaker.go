package breaker

import (
	"fmt"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// State of a breaker.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// Config holds breaker tuning.
type Config struct {
	FailureThreshold      int           `yaml:"failure_threshold"`
	OpenInterval          time.Duration `yaml:"open_interval"`
	HalfOpenMaxConcurrent int           `yaml:"half_open_max_concurrent"`
}

// UnmarshalYAML accepts the open interval as a duration string.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	var aux struct {
		FailureThreshold      int    `yaml:"failure_threshold"`
		OpenInterval          string `yaml:"open_interval"`
		HalfOpenMaxConcurrent int    `yaml:"half_open_max_concurrent"`
	}
	if err := value.Decode(&aux); err != nil {
		return err
	}
	c.FailureThreshold = aux.FailureThreshold
	c.HalfOpenMaxConcurrent = aux.HalfOpenMaxConcurrent
	if aux.OpenInterval != "" {
		d, err := time.ParseDuration(aux.OpenInterval)
		if err != nil {
			return fmt.Errorf("breaker: parse open_interval %q: %w", aux.OpenInterval, err)
		}
		c.OpenInterval = d
	}
	return nil
}

// DefaultConfig matches the orchestrator-side defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:      5,
		OpenInterval:          30 * time.Second,
		HalfOpenMaxConcurrent: 1,
	}
}

// Breaker is the failure-isolation state machine for one routing target.
// One instance per route key, long-lived for the process lifetime.
type Breaker struct {
	mu               sync.Mutex
	cfg              Config
	state            State
	failCount        int
	openedAt         time.Time
	halfOpenInFlight int
	now              func() time.Time
}

// New creates a closed breaker with the given config.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.OpenInterval <= 0 {
		cfg.OpenInterval = DefaultConfig().OpenInterval
	}
	if cfg.HalfOpenMaxConcurrent <= 0 {
		cfg.HalfOpenMaxConcurrent = DefaultConfig().HalfOpenMaxConcurrent
	}
	return &Breaker{cfg: cfg, state: Closed, now: time.Now}
}

// Allow reports whether a call may proceed. In Open state it transitions
// to HalfOpen once the open interval has elapsed, then admits at most
// HalfOpenMaxConcurrent probes; extra callers are refused until a probe
// reports its outcome.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if b.now().Sub(b.openedAt) < b.cfg.OpenInterval {
			return false
		}
		b.state = HalfOpen
		b.halfOpenInFlight = 1
		return true
	case HalfOpen:
		if b.halfOpenInFlight >= b.cfg.HalfOpenMaxConcurrent {
			return false
		}
		b.halfOpenInFlight++
		return true
	}
	return false
}

// RecordSuccess resets the failure count and closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failCount = 0
	b.halfOpenInFlight = 0
	b.state = Closed
}

// RecordFailure increments the failure count. A half-open probe failure
// reopens immediately; in closed state the breaker opens once the
// threshold is reached.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failCount++

	switch b.state {
	case HalfOpen:
		b.halfOpenInFlight = 0
		b.state = Open
		b.openedAt = b.now()
	case Closed:
		if b.failCount >= b.cfg.FailureThreshold {
			b.state = Open
			b.openedAt = b.now()
		}
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// FailCount returns the current consecutive failure count.
func (b *Breaker) FailCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failCount
}

// Registry creates breakers lazily per route key. Breakers are never
// removed; distinct targets never block each other.
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	breakers map[string]*Breaker
}

// NewRegistry creates a Registry applying cfg to every new breaker.
func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// For returns the breaker for the given route key, creating it on first
// use.
func (r *Registry) For(routeKey string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[routeKey]
	if !ok {
		b = New(r.cfg)
		r.breakers[routeKey] = b
	}
	return b
}

// Keys returns the route keys with an existing breaker.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.breakers))
	for k := range r.breakers {
		keys = append(keys, k)
	}
	return keys
}
