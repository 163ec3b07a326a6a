package ethrpc

import (
	"sync"
	"time"
)

// EndpointState is the usability of one RPC endpoint.
type EndpointState int

const (
	StateHealthy EndpointState = iota
	StateDegraded
	StateExcluded
)

func (s EndpointState) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateExcluded:
		return "excluded"
	default:
		return "unknown"
	}
}

const (
	// excludeAfter consecutive transport failures take an endpoint out of rotation.
	excludeAfter      = 3
	excludeCooldown   = 30 * time.Second
	degradedThreshold = 50.0
)

// EndpointStatus is a serializable view of one endpoint.
type EndpointStatus struct {
	URL                 string    `json:"url"`
	State               string    `json:"state"`
	HealthScore         float64   `json:"health_score"`
	Requests            uint64    `json:"requests"`
	Failures            uint64    `json:"failures"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	AverageLatencyMs    int64     `json:"average_latency_ms"`
	LastError           string    `json:"last_error,omitempty"`
	LastSuccess         time.Time `json:"last_success,omitempty"`
}

// endpoint pairs a client with its running health record.
type endpoint struct {
	url    string
	client EthClient

	mu                  sync.Mutex
	requests            uint64
	failures            uint64
	consecutiveFailures int
	avgLatency          time.Duration
	lastErr             error
	lastSuccess         time.Time
	excludedAt          time.Time
}

func newEndpoint(url string, client EthClient) *endpoint {
	return &endpoint{url: url, client: client}
}

func (e *endpoint) recordSuccess(latency time.Duration, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.requests++
	e.consecutiveFailures = 0
	e.excludedAt = time.Time{}
	e.lastSuccess = now
	e.observeLatency(latency)
}

func (e *endpoint) recordFailure(err error, latency time.Duration, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.requests++
	e.failures++
	e.consecutiveFailures++
	e.lastErr = err
	if e.consecutiveFailures >= excludeAfter {
		e.excludedAt = now
	}
	if e.avgLatency > 0 {
		e.observeLatency(latency)
	}
}

// observeLatency keeps an exponential moving average with alpha 0.1.
func (e *endpoint) observeLatency(latency time.Duration) {
	if e.avgLatency == 0 {
		e.avgLatency = latency
		return
	}
	e.avgLatency = time.Duration(float64(e.avgLatency)*0.9 + float64(latency)*0.1)
}

// scoreLocked is the success rate in percent, less latency and streak penalties.
func (e *endpoint) scoreLocked() float64 {
	if e.requests == 0 {
		return 100
	}
	score := float64(e.requests-e.failures) / float64(e.requests) * 100

	if e.avgLatency > time.Second {
		score -= min((e.avgLatency.Seconds()-1)*5, 20)
	}
	score -= min(float64(e.consecutiveFailures)*10, 50)
	return max(score, 0)
}

func (e *endpoint) stateLocked(now time.Time) EndpointState {
	if !e.excludedAt.IsZero() && now.Sub(e.excludedAt) < excludeCooldown {
		return StateExcluded
	}
	if e.scoreLocked() < degradedThreshold {
		return StateDegraded
	}
	return StateHealthy
}

// usable reports whether the endpoint may take a request. Excluded endpoints
// get one probe once the cooldown passes.
func (e *endpoint) usable(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stateLocked(now) != StateExcluded
}

func (e *endpoint) status(now time.Time) EndpointStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := EndpointStatus{
		URL:                 e.url,
		State:               e.stateLocked(now).String(),
		HealthScore:         e.scoreLocked(),
		Requests:            e.requests,
		Failures:            e.failures,
		ConsecutiveFailures: e.consecutiveFailures,
		AverageLatencyMs:    e.avgLatency.Milliseconds(),
		LastSuccess:         e.lastSuccess,
	}
	if e.lastErr != nil {
		s.LastError = e.lastErr.Error()
	}
	return s
}
