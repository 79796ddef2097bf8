package ledger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultEndpoint is used when no ledger nodes are configured.
const DefaultEndpoint = "https://rpc.mainnet.marketpay.network"

// ExhaustedError reports that every configured endpoint failed or timed out
// for one logical operation. Per-endpoint causes are retained for diagnostics
// only; callers cannot act on them individually.
type ExhaustedError struct {
	Op     string
	Causes map[string]error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("ledger: %s failed on all %d endpoints", e.Op, len(e.Causes))
}

// Is lets callers match the class via errors.Is(err, ErrEndpointsExhausted).
func (e *ExhaustedError) Is(target error) bool { return target == ErrEndpointsExhausted }

// ErrEndpointsExhausted is the sentinel matched by errors.Is for aggregate
// endpoint failure.
var ErrEndpointsExhausted = fmt.Errorf("ledger: all endpoints exhausted")

type endpointHealth struct {
	latencyEWMA   float64 // milliseconds
	failureStreak int
	lastSeen      time.Time
}

type healthBoard struct {
	mu      sync.Mutex
	entries map[string]*endpointHealth
}

func newHealthBoard() *healthBoard {
	return &healthBoard{entries: make(map[string]*endpointHealth)}
}

const ewmaWeight = 0.3

func (b *healthBoard) record(endpoint string, latency time.Duration, failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.entries[endpoint]
	if !ok {
		entry = &endpointHealth{}
		b.entries[endpoint] = entry
	}
	entry.lastSeen = time.Now()
	if failed {
		entry.failureStreak++
		return
	}
	entry.failureStreak = 0
	millis := float64(latency) / float64(time.Millisecond)
	if entry.latencyEWMA == 0 {
		entry.latencyEWMA = millis
		return
	}
	entry.latencyEWMA = ewmaWeight*millis + (1-ewmaWeight)*entry.latencyEWMA
}

func (b *healthBoard) snapshot(endpoint string) endpointHealth {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.entryLocked(endpoint)
}

func (b *healthBoard) entryLocked(endpoint string) endpointHealth {
	if entry, ok := b.entries[endpoint]; ok {
		return *entry
	}
	return endpointHealth{}
}

// order returns the endpoints sorted healthiest-first: fewest consecutive
// failures, then lowest smoothed latency. Configuration priority breaks ties
// because the sort is stable.
func (b *healthBoard) order(endpoints []string) []string {
	ordered := make([]string, len(endpoints))
	copy(ordered, endpoints)
	b.mu.Lock()
	defer b.mu.Unlock()
	sort.SliceStable(ordered, func(i, j int) bool {
		a := b.entryLocked(ordered[i])
		c := b.entryLocked(ordered[j])
		if a.failureStreak != c.failureStreak {
			return a.failureStreak < c.failureStreak
		}
		return a.latencyEWMA < c.latencyEWMA
	})
	return ordered
}

// Pool holds the ordered set of candidate ledger nodes plus per-endpoint
// clients, health tracking, and outbound rate limiting. Remote nodes throttle
// aggressively, so the pool self-limits rather than triggering node-side bans.
type Pool struct {
	endpoints []string
	clients   map[string]*Client
	limiters  map[string]*rate.Limiter
	health    *healthBoard
}

// PoolOption customises pool construction.
type PoolOption func(*poolSettings)

type poolSettings struct {
	requestsPerSecond float64
	burst             int
	newClient         func(endpoint string) *Client
}

// WithRateLimit caps outbound requests per endpoint.
func WithRateLimit(perSecond float64, burst int) PoolOption {
	return func(s *poolSettings) {
		s.requestsPerSecond = perSecond
		s.burst = burst
	}
}

// WithClientFactory overrides how per-endpoint clients are built. Intended for
// tests.
func WithClientFactory(factory func(endpoint string) *Client) PoolOption {
	return func(s *poolSettings) { s.newClient = factory }
}

// NewPool builds a pool over the configured endpoints, highest priority first.
// An empty list falls back to the well-known default endpoint.
func NewPool(endpoints []string, opts ...PoolOption) *Pool {
	settings := poolSettings{
		requestsPerSecond: 20,
		burst:             40,
		newClient:         NewClient,
	}
	for _, opt := range opts {
		opt(&settings)
	}
	cleaned := make([]string, 0, len(endpoints))
	seen := make(map[string]struct{})
	for _, ep := range endpoints {
		trimmed := strings.TrimSpace(ep)
		if trimmed == "" {
			continue
		}
		if _, dup := seen[trimmed]; dup {
			continue
		}
		seen[trimmed] = struct{}{}
		cleaned = append(cleaned, trimmed)
	}
	if len(cleaned) == 0 {
		cleaned = []string{DefaultEndpoint}
	}
	pool := &Pool{
		endpoints: cleaned,
		clients:   make(map[string]*Client, len(cleaned)),
		limiters:  make(map[string]*rate.Limiter, len(cleaned)),
		health:    newHealthBoard(),
	}
	for _, ep := range cleaned {
		pool.clients[ep] = settings.newClient(ep)
		pool.limiters[ep] = rate.NewLimiter(rate.Limit(settings.requestsPerSecond), settings.burst)
	}
	return pool
}

// Endpoints returns the configured endpoints in priority order.
func (p *Pool) Endpoints() []string {
	out := make([]string, len(p.endpoints))
	copy(out, p.endpoints)
	return out
}

// OrderedByHealth returns the endpoints sorted healthiest-first. Used by the
// sequential write path; the read path races everything anyway.
func (p *Pool) OrderedByHealth() []string {
	return p.health.order(p.endpoints)
}

// Client returns the client bound to an endpoint known to the pool.
func (p *Pool) Client(endpoint string) (*Client, bool) {
	c, ok := p.clients[endpoint]
	return c, ok
}

// Attempt runs op against a single endpoint, paying the rate limiter and
// recording health. The per-attempt timeout bounds both.
func (p *Pool) Attempt(ctx context.Context, endpoint string, timeout time.Duration, op func(context.Context, *Client) error) error {
	client, ok := p.clients[endpoint]
	if !ok {
		return fmt.Errorf("ledger: unknown endpoint %q", endpoint)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := p.limiters[endpoint].Wait(attemptCtx); err != nil {
		p.health.record(endpoint, 0, true)
		return fmt.Errorf("ledger: rate limit wait: %w", err)
	}
	start := time.Now()
	err := op(attemptCtx, client)
	p.health.record(endpoint, time.Since(start), err != nil)
	return err
}

// EndpointHealth is a diagnostic snapshot of one endpoint's rolling health.
type EndpointHealth struct {
	Endpoint      string    `json:"endpoint"`
	LatencyMillis float64   `json:"latencyMillis"`
	FailureStreak int       `json:"failureStreak"`
	LastSeen      time.Time `json:"lastSeen"`
}

// HealthSnapshot reports per-endpoint health in priority order.
func (p *Pool) HealthSnapshot() []EndpointHealth {
	out := make([]EndpointHealth, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		entry := p.health.snapshot(ep)
		out = append(out, EndpointHealth{
			Endpoint:      ep,
			LatencyMillis: entry.latencyEWMA,
			FailureStreak: entry.failureStreak,
			LastSeen:      entry.lastSeen,
		})
	}
	return out
}

type raceResult[T any] struct {
	endpoint string
	value    T
	err      error
}

// Race executes op against every endpoint concurrently, each bounded by its
// own timeout, and returns the first success. Losing branches are abandoned,
// not cancelled, so op must be read-only and idempotent. When every branch
// fails the aggregate is reported as an *ExhaustedError.
func Race[T any](ctx context.Context, p *Pool, opName string, timeout time.Duration, op func(context.Context, *Client) (T, error)) (T, error) {
	var zero T
	results := make(chan raceResult[T], len(p.endpoints))
	for _, endpoint := range p.endpoints {
		endpoint := endpoint
		go func() {
			var value T
			err := p.Attempt(ctx, endpoint, timeout, func(attemptCtx context.Context, client *Client) error {
				v, opErr := op(attemptCtx, client)
				if opErr != nil {
					return opErr
				}
				value = v
				return nil
			})
			results <- raceResult[T]{endpoint: endpoint, value: value, err: err}
		}()
	}

	causes := make(map[string]error, len(p.endpoints))
	for range p.endpoints {
		select {
		case res := <-results:
			if res.err == nil {
				return res.value, nil
			}
			causes[res.endpoint] = res.err
		case <-ctx.Done():
			causes["context"] = ctx.Err()
			return zero, &ExhaustedError{Op: opName, Causes: causes}
		}
	}
	return zero, &ExhaustedError{Op: opName, Causes: causes}
}
