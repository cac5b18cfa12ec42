// Package circuitbreaker guards outbound API calls with one sony/gobreaker
// breaker per upstream host. Only transient failures (transport errors, 429,
// 5xx) count against a breaker; while it is open calls fail immediately with
// a transient error wrapping ErrOpen instead of reaching the host.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"webhook-rules/internal/apiclient"
	apperrors "webhook-rules/internal/common/errors"
	"webhook-rules/internal/common/logging"
)

// ErrOpen is returned, wrapped, for calls rejected by an open breaker
var ErrOpen = errors.New("circuit breaker open")

// errUpstream marks a transient response so the breaker counts it
var errUpstream = errors.New("transient upstream response")

type Config struct {
	// MaxFailures consecutive transient failures open the breaker
	MaxFailures int
	// OpenTimeout is how long the breaker stays open before letting trial calls through
	OpenTimeout time.Duration
	// HalfOpenRequests trial calls are let through while half-open
	HalfOpenRequests int
	// Interval clears the closed-state counts periodically; zero never clears
	Interval time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxFailures:      5,
		OpenTimeout:      30 * time.Second,
		HalfOpenRequests: 1,
		Interval:         time.Minute,
	}
}

func (c Config) Validate() error {
	if c.MaxFailures <= 0 {
		return apperrors.ValidationErrorf("MaxFailures must be positive, got %d", c.MaxFailures)
	}
	if c.OpenTimeout <= 0 {
		return apperrors.ValidationErrorf("OpenTimeout must be positive, got %v", c.OpenTimeout)
	}
	if c.HalfOpenRequests <= 0 {
		return apperrors.ValidationErrorf("HalfOpenRequests must be positive, got %d", c.HalfOpenRequests)
	}
	return nil
}

// Stats describes one breaker
type Stats struct {
	Name                string `json:"name"`
	State               string `json:"state"`
	Requests            uint32 `json:"requests"`
	TotalFailures       uint32 `json:"totalFailures"`
	ConsecutiveFailures uint32 `json:"consecutiveFailures"`
}

// Manager owns the breakers, created on first use per name
type Manager struct {
	config Config
	logger logging.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewManager(config Config, logger logging.Logger) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Manager{
		config:   config,
		logger:   logger.WithFields(logging.Field{Key: "component", Value: "circuit_breaker"}),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}, nil
}

func (m *Manager) breaker(name string) *gobreaker.CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cb, ok := m.breakers[name]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(m.config.HalfOpenRequests),
		Interval:    m.config.Interval,
		Timeout:     m.config.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(m.config.MaxFailures)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !(errors.Is(err, errUpstream) || apiclient.IsRetryable(err))
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.logger.Warn("Circuit breaker state changed",
				logging.Field{Key: "breaker", Value: name},
				logging.Field{Key: "from", Value: from.String()},
				logging.Field{Key: "to", Value: to.String()},
			)
		},
	})
	m.breakers[name] = cb
	return cb
}

// Wrap guards next with the breaker called name
func (m *Manager) Wrap(name string, next apiclient.Caller) apiclient.Caller {
	return &guardedCaller{name: name, breaker: m.breaker(name), next: next}
}

// Stats reports every breaker, sorted by name
func (m *Manager) Stats() []Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Stats, 0, len(m.breakers))
	for name, cb := range m.breakers {
		counts := cb.Counts()
		out = append(out, Stats{
			Name:                name,
			State:               cb.State().String(),
			Requests:            counts.Requests,
			TotalFailures:       counts.TotalFailures,
			ConsecutiveFailures: counts.ConsecutiveFailures,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

type guardedCaller struct {
	name    string
	breaker *gobreaker.CircuitBreaker
	next    apiclient.Caller
}

func (g *guardedCaller) Call(ctx context.Context, method, path string, body []byte) (*apiclient.Response, error) {
	result, err := g.breaker.Execute(func() (interface{}, error) {
		resp, err := g.next.Call(ctx, method, path, body)
		if err != nil {
			return resp, err
		}
		if apiclient.IsRetryable(resp.Err()) {
			return resp, errUpstream
		}
		return resp, nil
	})

	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return nil, apperrors.TransientError(fmt.Sprintf("%s: %s", ErrOpen.Error(), g.name), ErrOpen)
	case errors.Is(err, errUpstream):
		return result.(*apiclient.Response), nil
	case err != nil:
		return nil, err
	}
	return result.(*apiclient.Response), nil
}

// HostKey names the breaker for an API base URL
func HostKey(baseURL string) string {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || u.Host == "" {
		return baseURL
	}
	return strings.ToLower(u.Host)
}
