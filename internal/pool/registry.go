package pool

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"vichat_go_backend/internal/models"
	"vichat_go_backend/internal/scheduler"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrCredentialNotFound = errors.New("credential not found")
	ErrInvalidStatus      = errors.New("invalid credential status")
)

// Registry owns the credential set. The registry lock only guards
// membership; each credential's mutable state has its own lock.
type Registry struct {
	clock      scheduler.Clock
	defaultRPM int

	mu       sync.RWMutex
	entries  []*entry
	byID     map[string]*entry
	bySecret map[string]*entry
	nextSeq  uint64
}

type entry struct {
	mu   sync.Mutex
	cred Credential
}

func (e *entry) snapshot() Credential {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.cred
	c.Usage = e.cred.Usage.clone()
	return c
}

// NewRegistry creates an empty registry.
func NewRegistry(clock scheduler.Clock, defaultRPM int) *Registry {
	if clock == nil {
		clock = scheduler.RealClock()
	}
	if defaultRPM <= 0 {
		defaultRPM = DefaultRequestsPerMinute
	}
	return &Registry{
		clock:      clock,
		defaultRPM: defaultRPM,
		byID:       make(map[string]*entry),
		bySecret:   make(map[string]*entry),
	}
}

// Register adds a credential. It is a no-op returning added=false when a
// credential with the same secret exists or the secret is blank.
func (r *Registry) Register(spec CredentialSpec) (Credential, bool) {
	secret := strings.TrimSpace(spec.Secret)
	if secret == "" {
		log.Warn().Str("name", spec.Name).Str("source", spec.Source).Msg("Ignoring credential with empty secret")
		return Credential{}, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.bySecret[secret]; ok {
		return existing.snapshot(), false
	}

	now := r.clock.Now()
	r.nextSeq++

	priority := spec.Priority
	if priority <= 0 {
		priority = len(r.entries) + 1
	}
	rpm := spec.MaxRequestsPerMinute
	if rpm <= 0 {
		rpm = r.defaultRPM
	}
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		name = fmt.Sprintf("credential-%d", r.nextSeq)
	}

	e := &entry{cred: Credential{
		ID:                   uuid.NewString(),
		Name:                 name,
		Secret:               secret,
		Source:               spec.Source,
		Priority:             priority,
		MaxRequestsPerMinute: rpm,
		Status:               StatusActive,
		RegisteredAt:         now,
		Usage:                QuotaUsage{Since: now},
		order:                r.nextSeq,
	}}

	r.entries = append(r.entries, e)
	r.byID[e.cred.ID] = e
	r.bySecret[secret] = e

	log.Info().
		Str("credential_id", e.cred.ID).
		Str("name", name).
		Str("source", spec.Source).
		Int("priority", priority).
		Msg("Registered credential")

	return e.snapshot(), true
}

// List returns snapshots of all credentials in registration order.
func (r *Registry) List() []Credential {
	r.mu.RLock()
	entries := make([]*entry, len(r.entries))
	copy(entries, r.entries)
	r.mu.RUnlock()

	out := make([]Credential, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.snapshot())
	}
	return out
}

// Get returns a snapshot of one credential.
func (r *Registry) Get(id string) (Credential, bool) {
	e, ok := r.lookup(id)
	if !ok {
		return Credential{}, false
	}
	return e.snapshot(), true
}

// Len returns the number of registered credentials.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// MaxRequestsPerMinute returns the ceiling configured for id, or the
// registry default for unknown ids.
func (r *Registry) MaxRequestsPerMinute(id string) int {
	e, ok := r.lookup(id)
	if !ok {
		return r.defaultRPM
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cred.MaxRequestsPerMinute
}

// UpdateStatus transitions a credential. Moving to active also resets the
// consecutive failure count and clears the last error.
func (r *Registry) UpdateStatus(id string, status Status) (Credential, error) {
	if _, err := ParseStatus(string(status)); err != nil {
		return Credential{}, err
	}
	e, ok := r.lookup(id)
	if !ok {
		return Credential{}, fmt.Errorf("%w: %s", ErrCredentialNotFound, id)
	}

	e.mu.Lock()
	e.cred.Status = status
	if status == StatusActive {
		e.cred.ConsecutiveFailures = 0
		e.cred.LastError = ""
	}
	e.mu.Unlock()

	return e.snapshot(), nil
}

func (r *Registry) lookup(id string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[id]
	return e, ok
}

// markFailure records a failure and moves the credential to status unless it
// is disabled. A quota_exceeded credential stays quota_exceeded when a
// transient failure follows. It reports whether the failure was recorded.
func (r *Registry) markFailure(id string, status Status, errText string) (Credential, bool, error) {
	e, ok := r.lookup(id)
	if !ok {
		return Credential{}, false, fmt.Errorf("%w: %s", ErrCredentialNotFound, id)
	}

	e.mu.Lock()
	if e.cred.Status == StatusDisabled {
		e.mu.Unlock()
		return e.snapshot(), false, nil
	}
	if e.cred.Status != StatusQuotaExceeded {
		e.cred.Status = status
	}
	e.cred.ConsecutiveFailures++
	e.cred.LastError = errText
	e.mu.Unlock()

	return e.snapshot(), true, nil
}

// reactivate returns a failed or quota_exceeded credential to active.
// Disabled and already-active credentials are left untouched.
func (r *Registry) reactivate(id string) (Credential, bool) {
	e, ok := r.lookup(id)
	if !ok {
		return Credential{}, false
	}

	e.mu.Lock()
	switch e.cred.Status {
	case StatusFailed:
		e.cred.ConsecutiveFailures = 0
	case StatusQuotaExceeded:
	default:
		e.mu.Unlock()
		return e.snapshot(), false
	}
	e.cred.Status = StatusActive
	e.mu.Unlock()

	return e.snapshot(), true
}

// recordUse stamps LastUsed and adds the feature-weighted usage.
func (r *Registry) recordUse(id string, cost models.FeatureCost, now time.Time) {
	e, ok := r.lookup(id)
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.cred.LastUsed = now
	u := &e.cred.Usage
	u.Requests += max64(cost.RequestWeight, 1)
	u.TokenCost += cost.TokenWeight
	switch cost.Feature {
	case models.FeatureImageGeneration:
		u.Images++
	case models.FeatureVideoAnalysis:
		u.Videos++
	}
	if cost.Feature != "" {
		if u.ByFeature == nil {
			u.ByFeature = make(map[models.Feature]int64)
		}
		u.ByFeature[cost.Feature]++
	}
}

// resetUsage starts a new usage epoch for every credential.
func (r *Registry) resetUsage(now time.Time) {
	r.mu.RLock()
	entries := make([]*entry, len(r.entries))
	copy(entries, r.entries)
	r.mu.RUnlock()

	for _, e := range entries {
		e.mu.Lock()
		e.cred.Usage = QuotaUsage{Since: now}
		e.mu.Unlock()
	}
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
