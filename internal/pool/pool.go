// Package pool selects provider credentials for outbound model calls. It
// tracks each credential's per-minute rate window and health, quarantines
// failing credentials and brings them back automatically.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"vichat_go_backend/internal/models"
	"vichat_go_backend/internal/scheduler"

	"github.com/rs/zerolog/log"
)

// EventsTopic is the broker topic pool transitions are published to.
const EventsTopic = "pool_events"

const (
	rescanTaskKey     = "pool:rescan"
	usageResetTaskKey = "pool:usage_reset"
)

// EventPublisher receives pool events. utils/broker.Broker satisfies it.
type EventPublisher interface {
	Publish(topic string, msg interface{})
}

// Event describes a credential state change.
type Event struct {
	Type         string    `json:"type"`
	CredentialID string    `json:"credential_id"`
	Name         string    `json:"name"`
	Status       Status    `json:"status"`
	Error        string    `json:"error,omitempty"`
	At           time.Time `json:"at"`
}

// Config configures a Pool. Zero values take defaults.
type Config struct {
	Clock                       scheduler.Clock
	DefaultMaxRequestsPerMinute int
	FailedCooldown              time.Duration
	QuotaCooldown               time.Duration
	RescanInterval              time.Duration
	UsageResetInterval          time.Duration
	DailyRequestsPerCredential  int64
	Classifier                  Classifier
	Costs                       models.FeatureCostTable
	Sources                     []CredentialSource
	Events                      EventPublisher
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		DefaultMaxRequestsPerMinute: DefaultRequestsPerMinute,
		FailedCooldown:              DefaultFailedCooldown,
		QuotaCooldown:               DefaultQuotaCooldown,
		RescanInterval:              5 * time.Minute,
		UsageResetInterval:          24 * time.Hour,
		DailyRequestsPerCredential:  1500,
		Classifier:                  DefaultClassifier(),
		Costs:                       models.DefaultFeatureCosts(),
	}
}

// Pool hands out credentials. Acquire is a lookup plus a rate-window
// reservation; nothing has to be released afterwards.
type Pool struct {
	cfg       Config
	clock     scheduler.Clock
	registry  *Registry
	limiter   *RateLimiter
	health    *HealthTracker
	scheduler *scheduler.Scheduler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	syncMu sync.Mutex
}

// New builds a pool, runs a first discovery over cfg.Sources and starts
// the periodic rescan, usage reset and any source watchers.
func New(cfg Config) *Pool {
	cfg = withDefaults(cfg)

	sched := scheduler.New(cfg.Clock)
	registry := NewRegistry(cfg.Clock, cfg.DefaultMaxRequestsPerMinute)
	limiter := NewRateLimiter(cfg.Clock, registry.MaxRequestsPerMinute)
	health := NewHealthTracker(registry, sched, cfg.Classifier, cfg.FailedCooldown, cfg.QuotaCooldown)

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:       cfg,
		clock:     cfg.Clock,
		registry:  registry,
		limiter:   limiter,
		health:    health,
		scheduler: sched,
		ctx:       ctx,
		cancel:    cancel,
	}
	health.onTransition = p.publishTransition

	if len(cfg.Sources) > 0 {
		if _, err := p.Sync(ctx); err != nil {
			log.Error().Err(err).Msg("Initial credential discovery failed")
		}
		sched.Every(rescanTaskKey, cfg.RescanInterval, p.rescan)
		p.startWatchers()
	}
	sched.Every(usageResetTaskKey, cfg.UsageResetInterval, p.ResetUsage)

	return p
}

func withDefaults(cfg Config) Config {
	def := DefaultConfig()
	if cfg.Clock == nil {
		cfg.Clock = scheduler.RealClock()
	}
	if cfg.DefaultMaxRequestsPerMinute <= 0 {
		cfg.DefaultMaxRequestsPerMinute = def.DefaultMaxRequestsPerMinute
	}
	if cfg.FailedCooldown <= 0 {
		cfg.FailedCooldown = def.FailedCooldown
	}
	if cfg.QuotaCooldown <= 0 {
		cfg.QuotaCooldown = def.QuotaCooldown
	}
	if cfg.RescanInterval <= 0 {
		cfg.RescanInterval = def.RescanInterval
	}
	if cfg.UsageResetInterval <= 0 {
		cfg.UsageResetInterval = def.UsageResetInterval
	}
	if cfg.DailyRequestsPerCredential <= 0 {
		cfg.DailyRequestsPerCredential = def.DailyRequestsPerCredential
	}
	if cfg.Classifier == nil {
		cfg.Classifier = def.Classifier
	}
	if cfg.Costs == nil {
		cfg.Costs = def.Costs
	}
	return cfg
}

// Shutdown cancels every scheduled task and stops source watchers.
func (p *Pool) Shutdown() {
	p.cancel()
	p.scheduler.Stop()
	p.wg.Wait()
	log.Info().Msg("Provider pool stopped")
}

// Acquire returns the preferred credential for feature: the active,
// not rate-limited credential with the lowest priority, ties broken by
// registration order. The second result is false when none is eligible.
func (p *Pool) Acquire(feature models.Feature) (Credential, bool) {
	return p.AcquireExcluding(feature)
}

// AcquireExcluding is Acquire but never returns one of exclude.
func (p *Pool) AcquireExcluding(feature models.Feature, exclude ...string) (Credential, bool) {
	candidates := p.registry.List()
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return candidates[i].order < candidates[j].order
	})

	for _, c := range candidates {
		if c.Status != StatusActive || contains(exclude, c.ID) {
			continue
		}
		if !p.limiter.TryReserve(c.ID) {
			continue
		}

		now := p.clock.Now()
		cost, ok := p.cfg.Costs.Lookup(feature)
		if !ok {
			cost = models.FeatureCost{Feature: feature, RequestWeight: 1}
		}
		p.registry.recordUse(c.ID, cost, now)

		if fresh, ok := p.registry.Get(c.ID); ok {
			return fresh, true
		}
		return c, true
	}

	log.Warn().Str("feature", string(feature)).Int("registered", p.registry.Len()).Msg("No eligible credential")
	return Credential{}, false
}

// ReportFailure quarantines id after a failed provider call and returns its
// new status.
func (p *Pool) ReportFailure(id string, err error) (Status, error) {
	cred, lookupErr := p.health.ReportFailure(id, err)
	if lookupErr != nil {
		return "", lookupErr
	}
	return cred.Status, nil
}

// Register adds a credential at runtime.
func (p *Pool) Register(spec CredentialSpec) (Credential, bool) {
	if spec.Source == "" {
		spec.Source = "runtime"
	}
	cred, added := p.registry.Register(spec)
	if added {
		p.publish(Event{Type: "registered", CredentialID: cred.ID, Name: cred.Name, Status: cred.Status, At: p.clock.Now()})
	}
	return cred, added
}

// SetStatus applies a manual status change.
func (p *Pool) SetStatus(id string, status Status) (Credential, error) {
	return p.health.SetStatus(id, status)
}

// List returns snapshots of every credential in registration order.
func (p *Pool) List() []Credential {
	return p.registry.List()
}

// Get returns one credential.
func (p *Pool) Get(id string) (Credential, bool) {
	return p.registry.Get(id)
}

// IsLimited reports whether id has exhausted its current rate window.
func (p *Pool) IsLimited(id string) bool {
	return p.limiter.IsLimited(id)
}

// ReactivationPending reports whether id is waiting for automatic reactivation.
func (p *Pool) ReactivationPending(id string) bool {
	return p.health.ReactivationPending(id)
}

// Sync runs discovery over every source and registers new secrets. A failing
// source is logged and skipped; the joined errors are returned.
func (p *Pool) Sync(ctx context.Context) (int, error) {
	p.syncMu.Lock()
	defer p.syncMu.Unlock()

	added := 0
	var errs []error
	for _, src := range p.cfg.Sources {
		specs, err := src.Discover(ctx)
		if err != nil {
			log.Error().Err(err).Str("source", src.Name()).Msg("Credential discovery failed")
			errs = append(errs, fmt.Errorf("%s: %w", src.Name(), err))
			continue
		}
		for _, spec := range specs {
			spec.Source = src.Name()
			if cred, ok := p.registry.Register(spec); ok {
				added++
				p.publish(Event{Type: "registered", CredentialID: cred.ID, Name: cred.Name, Status: cred.Status, At: p.clock.Now()})
			}
		}
	}

	if added > 0 {
		log.Info().Int("added", added).Int("total", p.registry.Len()).Msg("Credential discovery registered new credentials")
	}
	return added, errors.Join(errs...)
}

// ResetUsage starts a new daily quota-usage epoch.
func (p *Pool) ResetUsage() {
	p.registry.resetUsage(p.clock.Now())
	log.Info().Msg("Credential usage counters reset")
}

func (p *Pool) rescan() {
	if _, err := p.Sync(p.ctx); err != nil {
		log.Warn().Err(err).Msg("Periodic credential rescan finished with errors")
	}
}

func (p *Pool) startWatchers() {
	for _, src := range p.cfg.Sources {
		ws, ok := src.(WatchableSource)
		if !ok {
			continue
		}
		p.wg.Add(1)
		go func(ws WatchableSource) {
			defer p.wg.Done()
			if err := ws.Watch(p.ctx, p.rescan); err != nil {
				log.Warn().Err(err).Str("source", ws.Name()).Msg("Credential source watch stopped")
			}
		}(ws)
	}
}

func (p *Pool) publishTransition(c Credential, reason string) {
	p.publish(Event{
		Type:         reason,
		CredentialID: c.ID,
		Name:         c.Name,
		Status:       c.Status,
		Error:        c.LastError,
		At:           p.clock.Now(),
	})
}

func (p *Pool) publish(e Event) {
	if p.cfg.Events != nil {
		p.cfg.Events.Publish(EventsTopic, e)
	}
}

func contains(ids []string, id string) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
