package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
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

var ErrOpen = errors.New("circuit breaker is open")

type Config struct {
	Name          string
	MaxFailures   int
	Timeout       time.Duration
	MaxRequests   int
	OnStateChange func(name string, from, to State)
}

type Metrics struct {
	Name            string    `json:"name"`
	State           string    `json:"state"`
	Failures        int       `json:"failures"`
	TotalRequests   int64     `json:"total_requests"`
	TotalFailures   int64     `json:"total_failures"`
	TotalSuccesses  int64     `json:"total_successes"`
	Rejected        int64     `json:"rejected"`
	StateChanges    int64     `json:"state_changes"`
	LastStateChange time.Time `json:"last_state_change"`
}

// Breaker guards calls to a flaky dependency. After MaxFailures consecutive
// failures it rejects calls for Timeout, then lets MaxRequests trial calls
// through before deciding whether to close again.
type Breaker struct {
	cfg    Config
	logger *logrus.Logger
	now    func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	trials   int
	openedAt time.Time
	metrics  Metrics
}

func New(cfg Config, logger *logrus.Logger) *Breaker {
	if cfg.Name == "" {
		cfg.Name = "unnamed"
	}
	cfg.MaxFailures = sanitize(logger, cfg.Name, "max_failures", cfg.MaxFailures, 5, 1000)
	cfg.MaxRequests = sanitize(logger, cfg.Name, "max_requests", cfg.MaxRequests, 1, 100)
	if cfg.Timeout <= 0 {
		logger.WithFields(logrus.Fields{
			"circuit_breaker": cfg.Name,
			"invalid_value":   cfg.Timeout.String(),
		}).Warn("Invalid timeout, using 30s")
		cfg.Timeout = 30 * time.Second
	}

	return &Breaker{
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		metrics: Metrics{Name: cfg.Name},
	}
}

func sanitize(logger *logrus.Logger, name, field string, value, def, max int) int {
	switch {
	case value <= 0:
		logger.WithFields(logrus.Fields{
			"circuit_breaker": name,
			"field":           field,
			"invalid_value":   value,
			"default_value":   def,
		}).Warn("Invalid circuit breaker setting, using default")
		return def
	case value > max:
		logger.WithFields(logrus.Fields{
			"circuit_breaker": name,
			"field":           field,
			"invalid_value":   value,
			"max_allowed":     max,
		}).Warn("Circuit breaker setting too high, capping at maximum")
		return max
	}
	return value
}

func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}

	err := fn(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.metrics.TotalFailures++
		b.onFailure()
		return err
	}
	b.metrics.TotalSuccesses++
	b.onSuccess()
	return nil
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.now().Sub(b.openedAt) < b.cfg.Timeout {
			b.metrics.Rejected++
			return ErrOpen
		}
		b.setState(StateHalfOpen)
	}

	if b.state == StateHalfOpen {
		if b.trials >= b.cfg.MaxRequests {
			b.metrics.Rejected++
			return ErrOpen
		}
		b.trials++
	}

	b.metrics.TotalRequests++
	return nil
}

func (b *Breaker) onSuccess() {
	b.failures = 0
	if b.state == StateHalfOpen {
		b.setState(StateClosed)
	}
}

func (b *Breaker) onFailure() {
	b.failures++
	if b.state == StateHalfOpen || (b.state == StateClosed && b.failures >= b.cfg.MaxFailures) {
		b.openedAt = b.now()
		b.setState(StateOpen)
	}
}

// setState must be called with mu held.
func (b *Breaker) setState(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.trials = 0
	b.metrics.StateChanges++
	b.metrics.LastStateChange = b.now()

	b.logger.WithFields(logrus.Fields{
		"circuit_breaker": b.cfg.Name,
		"from_state":      from.String(),
		"to_state":        to.String(),
	}).Info("Circuit breaker state changed")

	if b.cfg.OnStateChange != nil {
		go b.callback(from, to)
	}
}

func (b *Breaker) callback(from, to State) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.WithFields(logrus.Fields{
				"circuit_breaker": b.cfg.Name,
				"panic":           r,
			}).Error("Circuit breaker state change callback panicked")
		}
	}()
	b.cfg.OnStateChange(b.cfg.Name, from, to)
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()

	m := b.metrics
	m.State = b.state.String()
	m.Failures = b.failures
	return m
}

func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.setState(StateClosed)
	b.failures = 0
	b.trials = 0
	b.openedAt = time.Time{}
}
