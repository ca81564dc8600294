package services

import (
	"sync"
	"testing"
	"time"

	"vichat_go_backend/internal/models"
	"vichat_go_backend/internal/scheduler"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var analyticsEpoch = time.Date(2026, 4, 10, 0, 0, 0, 0, time.UTC)

func TestUsageAnalyticsReport(t *testing.T) {
	sched := scheduler.New(scheduler.NewFakeClock(analyticsEpoch))
	defer sched.Stop()
	a := NewUsageAnalytics(UsageAnalyticsConfig{DailyTokenCap: 100_000, FeatureRequestThreshold: 2}, sched)

	a.Record(models.FeatureChat, 0)
	a.Record(models.FeatureChat, 1200)
	a.Record(models.FeatureChat, 0)
	a.Record(models.FeatureImageGeneration, 0)
	a.Record(models.FeatureVideoAnalysis, 0)

	r := a.Report()
	assert.Equal(t, analyticsEpoch, r.EpochStart)
	assert.Equal(t, UsageTotals{Requests: 5, Tokens: 1000 + 1200 + 1000 + 2500 + 5000, Images: 1, Videos: 1}, r.Totals)

	require.Len(t, r.TopConsumers, 3)
	assert.Equal(t, models.FeatureVideoAnalysis, r.TopConsumers[0].Feature)
	assert.Equal(t, models.FeatureChat, r.TopConsumers[1].Feature)
	assert.Equal(t, int64(3), r.TopConsumers[1].Requests)
	assert.Equal(t, models.PriorityHigh, r.TopConsumers[1].Priority)
	assert.InDelta(t, 10.7, r.UsagePercent, 0.001)

	require.Len(t, r.Recommendations, 1)
	assert.Contains(t, r.Recommendations[0], "chat")
	assert.Contains(t, r.Recommendations[0], "caching or throttling")
}

func TestUsageAnalyticsCapWarning(t *testing.T) {
	a := NewUsageAnalytics(UsageAnalyticsConfig{DailyTokenCap: 10_000}, nil)

	for i := 0; i < 8; i++ {
		a.Record(models.FeatureChat, 0)
	}
	assert.Empty(t, a.Report().Recommendations)

	a.Record(models.FeatureChat, 0)
	a.Record(models.FeatureChat, 0)
	r := a.Report()
	assert.InDelta(t, 100.0, r.UsagePercent, 0.001)
	require.Len(t, r.Recommendations, 1)
	assert.Contains(t, r.Recommendations[0], "add more credentials")
}

func TestUsageAnalyticsDailyReset(t *testing.T) {
	clock := scheduler.NewFakeClock(analyticsEpoch)
	sched := scheduler.New(clock)
	defer sched.Stop()
	a := NewUsageAnalytics(UsageAnalyticsConfig{}, sched)

	a.Record(models.FeatureDeepSearch, 0)
	clock.Advance(23 * time.Hour)
	assert.Equal(t, int64(1), a.Report().Totals.Requests)

	clock.Advance(time.Hour)
	r := a.Report()
	assert.Zero(t, r.Totals.Requests)
	assert.Empty(t, r.TopConsumers)
	assert.Equal(t, analyticsEpoch.Add(24*time.Hour), r.EpochStart)

	a.Record(models.FeatureDeepSearch, 0)
	clock.Advance(24 * time.Hour)
	assert.Zero(t, a.Report().Totals.Requests)
}

func TestUsageAnalyticsConcurrentRecord(t *testing.T) {
	a := NewUsageAnalytics(UsageAnalyticsConfig{}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if i%2 == 0 {
					a.Record(models.FeatureChat, 1)
				} else {
					a.Record(models.FeatureWebScraping, 1)
				}
			}
		}(i)
	}
	wg.Wait()

	r := a.Report()
	assert.Equal(t, int64(1600), r.Totals.Requests)
	assert.Equal(t, int64(1600), r.Totals.Tokens)
}

func TestUsageAnalyticsRecordDuringReset(t *testing.T) {
	a := NewUsageAnalytics(UsageAnalyticsConfig{}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				a.Record(models.FeatureChat, 1)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 50; j++ {
			a.Reset()
		}
	}()
	wg.Wait()

	r := a.Report()
	assert.LessOrEqual(t, r.Totals.Requests, int64(1600))
	assert.Equal(t, r.Totals.Requests, r.Totals.Tokens)

	a.Reset()
	for j := 0; j < 5; j++ {
		a.Record(models.FeatureChat, 1)
	}
	r = a.Report()
	require.Len(t, r.TopConsumers, 1)
	assert.Equal(t, int64(5), r.TopConsumers[0].Requests)
}
