package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// ClassLimit defines one limit class: at most MaxRequests per Window.
type ClassLimit struct {
	MaxRequests int           `yaml:"max_requests"`
	Window      time.Duration `yaml:"window"`
}

// UnmarshalYAML accepts the window as a duration string ("60s", "1m").
func (c *ClassLimit) UnmarshalYAML(value *yaml.Node) error {
	var aux struct {
		MaxRequests int    `yaml:"max_requests"`
		Window      string `yaml:"window"`
	}
	if err := value.Decode(&aux); err != nil {
		return err
	}
	c.MaxRequests = aux.MaxRequests
	if aux.Window != "" {
		d, err := time.ParseDuration(aux.Window)
		if err != nil {
			return fmt.Errorf("ratelimit: parse window %q: %w", aux.Window, err)
		}
		c.Window = d
	}
	return nil
}

// DefaultClasses returns the built-in limit classes.
func DefaultClasses() map[string]ClassLimit {
	return map[string]ClassLimit{
		"connection": {MaxRequests: 5, Window: 60 * time.Second},
		"message":    {MaxRequests: 120, Window: 60 * time.Second},
	}
}

// Result is the outcome of a limit check.
type Result struct {
	Limited    bool
	Current    int
	Limit      int
	RetryAfter time.Duration
	Reason     string
}

// Limiter tracks request timestamps per (identifier, class) in a sliding
// window. State is in-memory only; it resets on restart by design.
type Limiter struct {
	mu      sync.Mutex
	classes map[string]ClassLimit
	seen    map[string][]time.Time
	now     func() time.Time
}

// New creates a Limiter with the given classes. Nil falls back to
// DefaultClasses.
func New(classes map[string]ClassLimit) *Limiter {
	if classes == nil {
		classes = DefaultClasses()
	}
	return &Limiter{
		classes: classes,
		seen:    make(map[string][]time.Time),
		now:     time.Now,
	}
}

// Check prunes timestamps outside the class window, compares the count to
// the class limit, and records the attempt when within limits. At capacity
// it returns RetryAfter derived from the oldest surviving timestamp.
func (l *Limiter) Check(identifier, class string) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	limit, ok := l.classes[class]
	if !ok || limit.MaxRequests <= 0 || limit.Window <= 0 {
		return Result{}
	}

	key := identifier + "|" + class
	now := l.now()
	cutoff := now.Add(-limit.Window)

	recent := l.seen[key][:0]
	for _, ts := range l.seen[key] {
		if ts.After(cutoff) {
			recent = append(recent, ts)
		}
	}

	if len(recent) >= limit.MaxRequests {
		l.seen[key] = recent
		retry := recent[0].Add(limit.Window).Sub(now)
		if retry < 0 {
			retry = 0
		}
		return Result{
			Limited:    true,
			Current:    len(recent),
			Limit:      limit.MaxRequests,
			RetryAfter: retry,
			Reason: fmt.Sprintf("rate limit exceeded: %d/%d requests in %s window",
				len(recent), limit.MaxRequests, limit.Window),
		}
	}

	l.seen[key] = append(recent, now)
	return Result{Current: len(recent) + 1, Limit: limit.MaxRequests}
}

// Reset clears all recorded attempts for an identifier across classes.
func (l *Limiter) Reset(identifier string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key := range l.seen {
		if len(key) > len(identifier) && key[:len(identifier)] == identifier && key[len(identifier)] == '|' {
			delete(l.seen, key)
		}
	}
}
