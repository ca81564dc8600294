package pool

import (
	"fmt"
	"time"
)

const (
	usageWarningRatio = 0.8
	minHealthyActive  = 2
)

// CredentialStatus is one row of the admin status summary.
type CredentialStatus struct {
	ID                  string      `json:"id"`
	Name                string      `json:"name"`
	MaskedSecret        string      `json:"masked_secret"`
	Source              string      `json:"source"`
	Priority            int         `json:"priority"`
	Status              Status      `json:"status"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	LastError           string      `json:"last_error,omitempty"`
	LastUsed            *time.Time  `json:"last_used,omitempty"`
	Usage               QuotaUsage  `json:"usage"`
	Window              WindowUsage `json:"window"`
	DailyUsagePercent   float64     `json:"daily_usage_percent"`
	ReactivationPending bool        `json:"reactivation_pending"`
}

// Capacity is how much traffic the pool can take right now.
type Capacity struct {
	Active            int `json:"active"`
	Available         int `json:"available"`
	RequestsPerMinute int `json:"requests_per_minute"`
	RemainingInWindow int `json:"remaining_in_window"`
}

// Summary is the admin view of the pool.
type Summary struct {
	Total         int                `json:"total"`
	Active        int                `json:"active"`
	Failed        int                `json:"failed"`
	QuotaExceeded int                `json:"quota_exceeded"`
	Disabled      int                `json:"disabled"`
	Credentials   []CredentialStatus `json:"credentials"`
	Warnings      []string           `json:"warnings"`
	Capacity      Capacity           `json:"capacity"`
	GeneratedAt   time.Time          `json:"generated_at"`
}

// Status builds the admin summary with quota warnings.
func (p *Pool) Status() Summary {
	creds := p.registry.List()
	s := Summary{
		Total:       len(creds),
		Credentials: make([]CredentialStatus, 0, len(creds)),
		Warnings:    []string{},
		GeneratedAt: p.clock.Now(),
	}

	daily := p.cfg.DailyRequestsPerCredential
	for _, c := range creds {
		switch c.Status {
		case StatusActive:
			s.Active++
		case StatusFailed:
			s.Failed++
		case StatusQuotaExceeded:
			s.QuotaExceeded++
		case StatusDisabled:
			s.Disabled++
		}

		row := CredentialStatus{
			ID:                  c.ID,
			Name:                c.Name,
			MaskedSecret:        c.MaskedSecret(),
			Source:              c.Source,
			Priority:            c.Priority,
			Status:              c.Status,
			ConsecutiveFailures: c.ConsecutiveFailures,
			LastError:           c.LastError,
			Usage:               c.Usage,
			Window:              p.limiter.Usage(c.ID),
			ReactivationPending: p.health.ReactivationPending(c.ID),
		}
		if !c.LastUsed.IsZero() {
			lastUsed := c.LastUsed
			row.LastUsed = &lastUsed
		}
		if daily > 0 {
			row.DailyUsagePercent = float64(c.Usage.Requests) / float64(daily) * 100
			if float64(c.Usage.Requests) >= usageWarningRatio*float64(daily) {
				s.Warnings = append(s.Warnings, fmt.Sprintf(
					"credential %s has used %.0f%% of its daily request quota", c.Name, row.DailyUsagePercent))
			}
		}
		s.Credentials = append(s.Credentials, row)
	}

	if s.Total == 0 {
		s.Warnings = append(s.Warnings, "no credentials registered")
	} else if s.Active < minHealthyActive {
		s.Warnings = append(s.Warnings, fmt.Sprintf("only %d active credential(s); add more to keep failover available", s.Active))
	}

	s.Capacity = p.Capacity()
	return s
}

// Capacity sums the per-minute ceilings of active credentials.
func (p *Pool) Capacity() Capacity {
	var c Capacity
	for _, cred := range p.registry.List() {
		if cred.Status != StatusActive {
			continue
		}
		c.Active++
		c.RequestsPerMinute += cred.MaxRequestsPerMinute
		w := p.limiter.Usage(cred.ID)
		if w.Used < w.Limit {
			c.Available++
			c.RemainingInWindow += w.Limit - w.Used
		}
	}
	return c
}
