package llm

import (
	"sync"
	"time"
)

// ErrorCategory classifies a provider error for cooldown scheduling
// (spec.md §3 "Provider runtime state").
type ErrorCategory string

const (
	CategoryAuth       ErrorCategory = "auth"
	CategoryQuota      ErrorCategory = "quota"
	CategoryStructural ErrorCategory = "structural"
	CategoryTransient  ErrorCategory = "transient"
	CategoryUnknown    ErrorCategory = "unknown"
)

// baseCooldown maps an error category to its base cooldown, per spec.md §4.1.
func baseCooldown(cat ErrorCategory) time.Duration {
	switch cat {
	case CategoryAuth:
		return 60 * time.Second
	case CategoryQuota:
		return 20 * time.Second
	case CategoryStructural:
		return 10 * time.Second
	case CategoryTransient:
		return 5 * time.Second
	default:
		return 30 * time.Second
	}
}

// progressiveSteps is the escalating cooldown schedule applied to
// consecutive non-structural failures (spec.md §4.1 "Cooldown schedule").
var progressiveSteps = []time.Duration{
	5 * time.Second,
	10 * time.Second,
	20 * time.Second,
	60 * time.Second,
}

// ProviderState is the per-endpoint runtime health record
// (spec.md §3 "Provider runtime state"). One exists per Endpoint, owned
// exclusively by the Pool; mutation goes through its methods only.
type ProviderState struct {
	mu sync.Mutex

	endpoint Endpoint
	isLocal  bool // local endpoints never escalate transient cooldowns (spec §4.1)

	healthy              bool
	lastError            string
	lastCategory         ErrorCategory
	cooldownUntil        time.Time
	consecutiveCooldowns int
	isExtended           bool
}

func NewProviderState(ep Endpoint, isLocal bool) *ProviderState {
	return &ProviderState{endpoint: ep, isLocal: isLocal, healthy: true}
}

func (p *ProviderState) Endpoint() Endpoint { return p.endpoint }

// IsHealthy auto-recovers to healthy when now >= cooldown_until.
func (p *ProviderState) IsHealthy(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.healthy && !now.Before(p.cooldownUntil) {
		p.healthy = true
	}
	return p.healthy
}

// CooldownRemaining returns how long until this endpoint is eligible again.
func (p *ProviderState) CooldownRemaining(now time.Time) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cooldownUntil.IsZero() || !now.Before(p.cooldownUntil) {
		return 0
	}
	return p.cooldownUntil.Sub(now)
}

// MarkUnhealthy transitions to unhealthy with a cooldown derived from the
// error category and progressive-backoff state (spec.md §4.1, §8).
func (p *ProviderState) MarkUnhealthy(errMsg string, category ErrorCategory, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.healthy = false
	p.lastError = errMsg
	p.lastCategory = category

	cooldown := baseCooldown(category)
	escalates := category != CategoryStructural && !(p.isLocal && category == CategoryTransient)

	if escalates {
		p.consecutiveCooldowns++
		idx := p.consecutiveCooldowns - 1
		if idx >= len(progressiveSteps) {
			idx = len(progressiveSteps) - 1
		}
		if idx >= 0 {
			step := progressiveSteps[idx]
			if step > cooldown {
				cooldown = step
			}
		}
		p.isExtended = idx == len(progressiveSteps)-1
	} else {
		// Structural errors (and local transient errors) never escalate:
		// retrying changes nothing, so the cooldown stays at the base constant.
		p.consecutiveCooldowns = 0
		p.isExtended = false
	}

	p.cooldownUntil = now.Add(cooldown)
}

// RecordSuccess clears cooldown, last-error, and the consecutive counter,
// even if called while cooldown was in effect (spec.md §3 invariant).
func (p *ProviderState) RecordSuccess() (clearedExtended bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	clearedExtended = p.isExtended
	p.healthy = true
	p.lastError = ""
	p.lastCategory = ""
	p.cooldownUntil = time.Time{}
	p.consecutiveCooldowns = 0
	p.isExtended = false
	return clearedExtended
}

// ShortenCooldown caps the remaining cooldown at the given duration — used
// by global failure detection (spec.md §4.1) to recover quickly from a
// host-side network glitch.
func (p *ProviderState) ShortenCooldown(max time.Duration, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	capped := now.Add(max)
	if p.cooldownUntil.After(capped) {
		p.cooldownUntil = capped
	}
}

// Snapshot is an immutable view of provider state for persistence/inspection.
type Snapshot struct {
	EndpointName         string        `json:"endpoint_name"`
	CooldownUntil        int64         `json:"cooldown_until"` // epoch seconds
	ConsecutiveCooldowns int           `json:"consecutive_cooldowns"`
	IsExtended           bool          `json:"is_extended"`
	ErrorCategory        ErrorCategory `json:"error_category,omitempty"`
}

func (p *ProviderState) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Snapshot{
		EndpointName:         p.endpoint.Name,
		CooldownUntil:        p.cooldownUntil.Unix(),
		ConsecutiveCooldowns: p.consecutiveCooldowns,
		IsExtended:           p.isExtended,
		ErrorCategory:        p.lastCategory,
	}
}

// RestoreExtended reloads a persisted extended cooldown at construction
// (spec.md §4.1 "Persisted state") so a process restart cannot bypass it.
func (p *ProviderState) RestoreExtended(s Snapshot, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	until := time.Unix(s.CooldownUntil, 0)
	if until.After(now) {
		p.healthy = false
		p.cooldownUntil = until
		p.consecutiveCooldowns = s.ConsecutiveCooldowns
		p.isExtended = s.IsExtended
		p.lastCategory = s.ErrorCategory
	}
}
