package services

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"vichat_go_backend/internal/models"
	"vichat_go_backend/internal/scheduler"

	"github.com/rs/zerolog/log"
)

const (
	analyticsResetTaskKey        = "analytics:daily_reset"
	defaultDailyTokenCap         = 1_000_000
	defaultFeatureRequestTrigger = 1000
	capWarningPercent            = 80.0
)

// UsageAnalyticsConfig configures UsageAnalytics. Zero values take defaults.
type UsageAnalyticsConfig struct {
	DailyTokenCap           int64
	FeatureRequestThreshold int64
	ResetInterval           time.Duration
	Costs                   models.FeatureCostTable
}

// FeatureUsage is one feature's consumption in the current epoch.
type FeatureUsage struct {
	Feature      models.Feature       `json:"feature"`
	Priority     models.PriorityClass `json:"priority"`
	Requests     int64                `json:"requests"`
	Tokens       int64                `json:"tokens"`
	Images       int64                `json:"images"`
	Videos       int64                `json:"videos"`
	SharePercent float64              `json:"share_percent"`
}

// UsageTotals sums every feature.
type UsageTotals struct {
	Requests int64 `json:"requests"`
	Tokens   int64 `json:"tokens"`
	Images   int64 `json:"images"`
	Videos   int64 `json:"videos"`
}

// UsageReport is the operator view of the current epoch.
type UsageReport struct {
	EpochStart      time.Time      `json:"epoch_start"`
	Totals          UsageTotals    `json:"totals"`
	TopConsumers    []FeatureUsage `json:"top_consumers"`
	DailyTokenCap   int64          `json:"daily_token_cap"`
	UsagePercent    float64        `json:"usage_percent"`
	Recommendations []string       `json:"recommendations"`
}

type featureCounters struct {
	requests atomic.Int64
	tokens   atomic.Int64
	images   atomic.Int64
	videos   atomic.Int64
}

// UsageAnalytics accumulates per-feature usage. It only observes traffic.
type UsageAnalytics struct {
	cfg   UsageAnalyticsConfig
	clock scheduler.Clock

	mu         sync.RWMutex
	counters   map[models.Feature]*featureCounters
	epochStart time.Time
}

// NewUsageAnalytics creates the tracker and, when sched is not nil,
// schedules the daily reset on it.
func NewUsageAnalytics(cfg UsageAnalyticsConfig, sched *scheduler.Scheduler) *UsageAnalytics {
	if cfg.DailyTokenCap <= 0 {
		cfg.DailyTokenCap = defaultDailyTokenCap
	}
	if cfg.FeatureRequestThreshold <= 0 {
		cfg.FeatureRequestThreshold = defaultFeatureRequestTrigger
	}
	if cfg.ResetInterval <= 0 {
		cfg.ResetInterval = 24 * time.Hour
	}
	if cfg.Costs == nil {
		cfg.Costs = models.DefaultFeatureCosts()
	}

	clock := scheduler.RealClock()
	if sched != nil {
		clock = sched.Clock()
	}

	a := &UsageAnalytics{
		cfg:        cfg,
		clock:      clock,
		counters:   make(map[models.Feature]*featureCounters),
		epochStart: clock.Now(),
	}
	if sched != nil {
		sched.Every(analyticsResetTaskKey, cfg.ResetInterval, a.Reset)
	}
	return a
}

// Record counts one request of feature. A non-positive tokenCost falls back
// to the feature's token weight.
func (a *UsageAnalytics) Record(feature models.Feature, tokenCost int64) {
	if tokenCost <= 0 {
		if cost, ok := a.cfg.Costs.Lookup(feature); ok {
			tokenCost = cost.TokenWeight
		}
	}

	a.mu.RLock()
	if c, ok := a.counters[feature]; ok {
		c.add(feature, tokenCost)
		a.mu.RUnlock()
		return
	}
	a.mu.RUnlock()

	// Counters are created under the write lock so a concurrent Reset
	// cannot swap the map between lookup and increment.
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.counters[feature]
	if !ok {
		c = &featureCounters{}
		a.counters[feature] = c
	}
	c.add(feature, tokenCost)
}

// Reset zeroes every counter and starts a new epoch.
func (a *UsageAnalytics) Reset() {
	a.mu.Lock()
	a.counters = make(map[models.Feature]*featureCounters)
	a.epochStart = a.clock.Now()
	a.mu.Unlock()

	log.Info().Msg("Usage analytics counters reset")
}

// Report summarizes the current epoch with threshold-based recommendations.
func (a *UsageAnalytics) Report() UsageReport {
	a.mu.RLock()
	report := UsageReport{
		EpochStart:      a.epochStart,
		DailyTokenCap:   a.cfg.DailyTokenCap,
		TopConsumers:    make([]FeatureUsage, 0, len(a.counters)),
		Recommendations: []string{},
	}
	for feature, c := range a.counters {
		u := FeatureUsage{
			Feature:  feature,
			Requests: c.requests.Load(),
			Tokens:   c.tokens.Load(),
			Images:   c.images.Load(),
			Videos:   c.videos.Load(),
		}
		if cost, ok := a.cfg.Costs.Lookup(feature); ok {
			u.Priority = cost.Priority
		}
		report.TopConsumers = append(report.TopConsumers, u)
	}
	a.mu.RUnlock()

	for _, u := range report.TopConsumers {
		report.Totals.Requests += u.Requests
		report.Totals.Tokens += u.Tokens
		report.Totals.Images += u.Images
		report.Totals.Videos += u.Videos
	}
	for i := range report.TopConsumers {
		if report.Totals.Tokens > 0 {
			report.TopConsumers[i].SharePercent = float64(report.TopConsumers[i].Tokens) / float64(report.Totals.Tokens) * 100
		}
	}

	sort.Slice(report.TopConsumers, func(i, j int) bool {
		x, y := report.TopConsumers[i], report.TopConsumers[j]
		if x.Tokens != y.Tokens {
			return x.Tokens > y.Tokens
		}
		if x.Requests != y.Requests {
			return x.Requests > y.Requests
		}
		return x.Feature < y.Feature
	})

	report.UsagePercent = float64(report.Totals.Tokens) / float64(a.cfg.DailyTokenCap) * 100
	if report.UsagePercent > capWarningPercent {
		report.Recommendations = append(report.Recommendations, fmt.Sprintf(
			"Token usage is at %.1f%% of the daily cap; add more credentials to the pool", report.UsagePercent))
	}
	for _, u := range report.TopConsumers {
		if u.Requests > a.cfg.FeatureRequestThreshold {
			report.Recommendations = append(report.Recommendations, fmt.Sprintf(
				"Feature %s has served %d requests this epoch; consider caching or throttling it", u.Feature, u.Requests))
		}
	}

	return report
}

func (c *featureCounters) add(feature models.Feature, tokenCost int64) {
	c.requests.Add(1)
	c.tokens.Add(tokenCost)
	switch feature {
	case models.FeatureImageGeneration:
		c.images.Add(1)
	case models.FeatureVideoAnalysis:
		c.videos.Add(1)
	}
}
