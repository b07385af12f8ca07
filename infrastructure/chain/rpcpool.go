package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	ierrors "github.com/polkaview/indexer/infrastructure/errors"
)

// =============================================================================
// RPC Pool Types
// =============================================================================

const (
	// latencyRingSize bounds the recent latency samples kept per endpoint.
	latencyRingSize = 32

	// weightEpsilon keeps the weight finite for near-zero latencies.
	weightEpsilon = time.Millisecond
)

// Endpoint represents a WebSocket RPC endpoint with health tracking. Stats
// are mutated under the endpoint's own lock; the pool's endpoint list is
// immutable after construction.
type Endpoint struct {
	URL string

	mu               sync.Mutex
	healthy          bool
	successes        uint64
	failures         uint64
	consecutiveFails int
	latencies        [latencyRingSize]time.Duration
	latencyPos       int
	latencyLen       int
	latencyEwma      time.Duration
	unhealthyUntil   time.Time

	client  Conn
	limiter *rate.Limiter
}

// Conn is the connection surface the pool needs from a client. WSClient
// satisfies it; tests substitute fakes via PoolConfig.Dial.
type Conn interface {
	Call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error)
	Closed() <-chan struct{}
	Close() error
}

// DialFunc establishes a connection to one endpoint.
type DialFunc func(ctx context.Context, url string, callTimeout time.Duration) (Conn, error)

// EndpointStatus is a copyable snapshot of an endpoint's state.
type EndpointStatus struct {
	URL         string        `json:"url"`
	Healthy     bool          `json:"healthy"`
	Successes   uint64        `json:"successes"`
	Failures    uint64        `json:"failures"`
	LatencyEwma time.Duration `json:"latency_ewma"`
	Weight      float64       `json:"weight"`
}

// PoolConfig holds configuration for the RPC pool.
type PoolConfig struct {
	// Endpoints is the WebSocket RPC URL list. The first URL backs the
	// header-subscription client.
	Endpoints []string

	// CallTimeout is the per-request timeout.
	CallTimeout time.Duration

	// MaxCallRetries is the total number of endpoints one call may attempt.
	MaxCallRetries int

	// MaxConsecutiveFails marks an endpoint unhealthy after this many failures.
	MaxConsecutiveFails int

	// UnhealthyCooldown is how long an unhealthy endpoint sits out before
	// probes resume.
	UnhealthyCooldown time.Duration

	// ProbeInterval is how often the probe loop retries unhealthy endpoints.
	ProbeInterval time.Duration

	// RatePerSecond optionally rate-limits calls per endpoint (0 disables).
	RatePerSecond float64

	// Dial overrides the connection factory (optional, for tests).
	Dial DialFunc
}

// DefaultPoolConfig returns sensible defaults.
func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		CallTimeout:         15 * time.Second,
		MaxCallRetries:      3,
		MaxConsecutiveFails: 3,
		UnhealthyCooldown:   30 * time.Second,
		ProbeInterval:       10 * time.Second,
	}
}

// =============================================================================
// RPC Pool Implementation
// =============================================================================

// Pool manages multiple WebSocket RPC endpoints with latency-weighted routing
// and automatic failover.
type Pool struct {
	endpoints []*Endpoint
	config    *PoolConfig
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// NewPool creates a new RPC pool from configuration.
func NewPool(cfg *PoolConfig) (*Pool, error) {
	if cfg == nil {
		cfg = DefaultPoolConfig()
	}
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("rpcpool: at least one endpoint required")
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 15 * time.Second
	}
	if cfg.MaxCallRetries <= 0 {
		cfg.MaxCallRetries = 3
	}
	if cfg.MaxConsecutiveFails <= 0 {
		cfg.MaxConsecutiveFails = 3
	}
	if cfg.UnhealthyCooldown <= 0 {
		cfg.UnhealthyCooldown = 30 * time.Second
	}
	if cfg.Dial == nil {
		cfg.Dial = func(ctx context.Context, url string, callTimeout time.Duration) (Conn, error) {
			return DialWS(ctx, url, callTimeout)
		}
	}

	endpoints := make([]*Endpoint, len(cfg.Endpoints))
	for i, url := range cfg.Endpoints {
		ep := &Endpoint{
			URL:     strings.TrimSpace(url),
			healthy: true, // Assume healthy until proven otherwise
		}
		if cfg.RatePerSecond > 0 {
			ep.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), int(cfg.RatePerSecond*2))
		}
		endpoints[i] = ep
	}

	return &Pool{
		endpoints: endpoints,
		config:    cfg,
		stopCh:    make(chan struct{}),
	}, nil
}

// ParseEndpoints parses a comma-separated list of RPC URLs.
func ParseEndpoints(csv string) []string {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// Start begins the probe loop for unhealthy endpoints.
func (p *Pool) Start(ctx context.Context) {
	go p.probeLoop(ctx)
}

// Stop stops the probe loop and closes all endpoint connections.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		for _, ep := range p.endpoints {
			ep.closeClient()
		}
	})
}

// Call performs a JSON-RPC request, attempting endpoints in weighted order
// with at most MaxCallRetries attempts. It fails with AllEndpointsFailed only
// when every attempted endpoint errored.
func (p *Pool) Call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	order := p.attemptOrder()
	if len(order) > p.config.MaxCallRetries {
		order = order[:p.config.MaxCallRetries]
	}

	var lastErr error
	for _, ep := range order {
		result, err := p.callEndpoint(ctx, ep, method, params)
		if err == nil {
			return result, nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no endpoints available")
	}
	return nil, ierrors.AllEndpointsFailed(method, lastErr)
}

func (p *Pool) callEndpoint(ctx context.Context, ep *Endpoint, method string, params []interface{}) (json.RawMessage, error) {
	if ep.limiter != nil {
		if err := ep.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	client, err := ep.getClient(ctx, p.config.Dial, p.config.CallTimeout)
	if err != nil {
		ep.markFailure(p.config.MaxConsecutiveFails, p.config.UnhealthyCooldown)
		return nil, ierrors.TransientRPC(ep.URL, err)
	}

	start := time.Now()
	result, err := client.Call(ctx, method, params)
	latency := time.Since(start)

	if err != nil {
		// Node-reported errors leave the socket intact; transport errors
		// force a redial on the next attempt.
		if _, isRPC := err.(*RPCError); !isRPC {
			ep.closeClient()
		}
		ep.markFailure(p.config.MaxConsecutiveFails, p.config.UnhealthyCooldown)
		return nil, ierrors.TransientRPC(ep.URL, err)
	}

	ep.markSuccess(latency)
	return result, nil
}

// DialSubscription returns a dedicated client for header subscriptions. It
// prefers the first configured URL (the stable subscription socket) and falls
// back through the rest of the list when that endpoint is down.
func (p *Pool) DialSubscription(ctx context.Context) (*WSClient, error) {
	var lastErr error
	for _, ep := range p.endpoints {
		client, err := DialWS(ctx, ep.URL, p.config.CallTimeout)
		if err == nil {
			return client, nil
		}
		lastErr = err
		ep.markFailure(p.config.MaxConsecutiveFails, p.config.UnhealthyCooldown)
	}
	return nil, ierrors.AllEndpointsFailed("subscription dial", lastErr)
}

// =============================================================================
// Weighted Selection
// =============================================================================

// attemptOrder returns eligible endpoints in weighted order, heaviest first.
// Ties are shuffled so equally-fresh endpoints share load. Unhealthy
// endpoints become eligible again once their cooldown expires (the probe
// path).
func (p *Pool) attemptOrder() []*Endpoint {
	now := time.Now()

	type weighted struct {
		ep *Endpoint
		w  float64
	}

	eligible := make([]weighted, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		if w := ep.weight(now); w > 0 {
			eligible = append(eligible, weighted{ep: ep, w: w})
		}
	}

	if len(eligible) == 0 {
		// Everyone is inside cooldown; fall back to the full list so a total
		// outage still probes rather than starves.
		out := make([]*Endpoint, len(p.endpoints))
		copy(out, p.endpoints)
		return out
	}

	rand.Shuffle(len(eligible), func(i, j int) {
		eligible[i], eligible[j] = eligible[j], eligible[i]
	})
	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].w > eligible[j].w
	})

	out := make([]*Endpoint, len(eligible))
	for i, e := range eligible {
		out[i] = e.ep
	}
	return out
}

// HealthyCount returns the number of healthy endpoints.
func (p *Pool) HealthyCount() int {
	count := 0
	for _, ep := range p.endpoints {
		ep.mu.Lock()
		if ep.healthy {
			count++
		}
		ep.mu.Unlock()
	}
	return count
}

// Endpoints returns a snapshot of all endpoints with their status.
func (p *Pool) Endpoints() []EndpointStatus {
	now := time.Now()
	result := make([]EndpointStatus, len(p.endpoints))
	for i, ep := range p.endpoints {
		ep.mu.Lock()
		result[i] = EndpointStatus{
			URL:         ep.URL,
			Healthy:     ep.healthy,
			Successes:   ep.successes,
			Failures:    ep.failures,
			LatencyEwma: ep.latencyEwma,
		}
		ep.mu.Unlock()
		result[i].Weight = ep.weight(now)
	}
	return result
}

// =============================================================================
// Probe Loop
// =============================================================================

func (p *Pool) probeLoop(ctx context.Context) {
	interval := p.config.ProbeInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.probeUnhealthy(ctx)
		}
	}
}

func (p *Pool) probeUnhealthy(ctx context.Context) {
	now := time.Now()
	for _, ep := range p.endpoints {
		ep.mu.Lock()
		due := !ep.healthy && now.After(ep.unhealthyUntil)
		ep.mu.Unlock()
		if !due {
			continue
		}

		// Genesis hash lookup is the cheapest call every node answers.
		probeCtx, cancel := context.WithTimeout(ctx, p.config.CallTimeout)
		p.callEndpoint(probeCtx, ep, "chain_getBlockHash", []interface{}{0})
		cancel()
	}
}

// =============================================================================
// Endpoint State
// =============================================================================

// weight is 1/(ewmaLatency+epsilon) for healthy endpoints, zero while inside
// the unhealthy cooldown, and a probe-level weight once the cooldown expires.
func (ep *Endpoint) weight(now time.Time) float64 {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	if !ep.healthy {
		if now.Before(ep.unhealthyUntil) {
			return 0
		}
		// Probe-eligible: weigh as if slow so healthy endpoints dominate.
		return 1 / float64(time.Second+weightEpsilon)
	}

	return 1 / float64(ep.latencyEwma+weightEpsilon)
}

func (ep *Endpoint) markSuccess(latency time.Duration) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.healthy = true
	ep.successes++
	ep.consecutiveFails = 0

	ep.latencies[ep.latencyPos] = latency
	ep.latencyPos = (ep.latencyPos + 1) % latencyRingSize
	if ep.latencyLen < latencyRingSize {
		ep.latencyLen++
	}

	// Exponential moving average for latency
	if ep.latencyEwma == 0 {
		ep.latencyEwma = latency
	} else {
		ep.latencyEwma = (ep.latencyEwma*7 + latency*3) / 10
	}
}

func (ep *Endpoint) markFailure(maxConsecutive int, cooldown time.Duration) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.failures++
	ep.consecutiveFails++
	if ep.consecutiveFails >= maxConsecutive {
		ep.healthy = false
		ep.unhealthyUntil = time.Now().Add(cooldown)
	}
}

// RecentLatencies returns the endpoint's latency ring, newest last.
func (ep *Endpoint) RecentLatencies() []time.Duration {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	out := make([]time.Duration, 0, ep.latencyLen)
	start := ep.latencyPos - ep.latencyLen
	for i := 0; i < ep.latencyLen; i++ {
		idx := (start + i + latencyRingSize) % latencyRingSize
		out = append(out, ep.latencies[idx])
	}
	return out
}

func (ep *Endpoint) getClient(ctx context.Context, dial DialFunc, callTimeout time.Duration) (Conn, error) {
	ep.mu.Lock()
	client := ep.client
	ep.mu.Unlock()

	if client != nil {
		select {
		case <-client.Closed():
		default:
			return client, nil
		}
	}

	fresh, err := dial(ctx, ep.URL, callTimeout)
	if err != nil {
		return nil, err
	}

	ep.mu.Lock()
	ep.client = fresh
	ep.mu.Unlock()
	return fresh, nil
}

func (ep *Endpoint) closeClient() {
	ep.mu.Lock()
	client := ep.client
	ep.client = nil
	ep.mu.Unlock()

	if client != nil {
		client.Close()
	}
}
