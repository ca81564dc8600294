package pool

import (
	"fmt"
	"strings"
	"time"

	"vichat_go_backend/internal/models"
)

// Status is the health state of a credential.
type Status string

const (
	StatusActive        Status = "active"
	StatusFailed        Status = "failed"
	StatusQuotaExceeded Status = "quota_exceeded"
	StatusDisabled      Status = "disabled"
)

// ParseStatus validates a status name.
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusActive, StatusFailed, StatusQuotaExceeded, StatusDisabled:
		return st, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
}

// QuotaUsage is the soft, feature-weighted consumption of a credential since
// Since. It is for operator visibility only and never gates traffic.
type QuotaUsage struct {
	Requests  int64                    `json:"requests"`
	TokenCost int64                    `json:"token_cost"`
	Images    int64                    `json:"images"`
	Videos    int64                    `json:"videos"`
	ByFeature map[models.Feature]int64 `json:"by_feature,omitempty"`
	Since     time.Time                `json:"since"`
}

func (u QuotaUsage) clone() QuotaUsage {
	out := u
	if u.ByFeature != nil {
		out.ByFeature = make(map[models.Feature]int64, len(u.ByFeature))
		for k, v := range u.ByFeature {
			out.ByFeature[k] = v
		}
	}
	return out
}

// Credential is one provider account. Values returned by the registry are
// snapshots; mutating them has no effect on the pool.
type Credential struct {
	ID                   string     `json:"id"`
	Name                 string     `json:"name"`
	Secret               string     `json:"-"`
	Source               string     `json:"source"`
	Priority             int        `json:"priority"`
	MaxRequestsPerMinute int        `json:"max_requests_per_minute"`
	Status               Status     `json:"status"`
	ConsecutiveFailures  int        `json:"consecutive_failures"`
	LastError            string     `json:"last_error,omitempty"`
	LastUsed             time.Time  `json:"last_used,omitempty"`
	RegisteredAt         time.Time  `json:"registered_at"`
	Usage                QuotaUsage `json:"usage"`

	order uint64
}

// MaskedSecret shows only the last four characters of the secret.
func (c Credential) MaskedSecret() string {
	if len(c.Secret) <= 4 {
		return strings.Repeat("*", len(c.Secret))
	}
	return strings.Repeat("*", 8) + c.Secret[len(c.Secret)-4:]
}

// CredentialSpec describes a credential to register. Zero Priority means
// "after everything registered so far"; zero MaxRequestsPerMinute means the
// pool default.
type CredentialSpec struct {
	Name                 string
	Secret               string
	Priority             int
	MaxRequestsPerMinute int
	Source               string
}
