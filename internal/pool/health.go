package pool

import (
	"errors"
	"strings"
	"time"

	"vichat_go_backend/internal/scheduler"

	"github.com/rs/zerolog/log"
)

const (
	DefaultFailedCooldown = 5 * time.Minute
	DefaultQuotaCooldown  = time.Hour
)

// FailureKind is the outcome of classifying a provider error.
type FailureKind int

const (
	FailureTransient FailureKind = iota
	FailureQuota
)

func (k FailureKind) String() string {
	if k == FailureQuota {
		return "quota"
	}
	return "transient"
}

// Classifier decides whether a provider error means quota exhaustion.
type Classifier interface {
	Classify(err error) FailureKind
}

// StatusCoder is implemented by provider errors that carry an HTTP status.
type StatusCoder interface {
	StatusCode() int
}

// KeywordClassifier matches error text against keywords, case-insensitively,
// and the error's status code against StatusCodes.
type KeywordClassifier struct {
	Keywords    []string
	StatusCodes []int
}

// DefaultKeywords are the quota signals used when none are configured.
var DefaultKeywords = []string{"quota", "overloaded", "rate limit", "resource_exhausted", "too many requests"}

// DefaultClassifier returns the classifier used when none is configured.
func DefaultClassifier() *KeywordClassifier {
	return &KeywordClassifier{
		Keywords:    append([]string(nil), DefaultKeywords...),
		StatusCodes: []int{503, 429},
	}
}

func (k *KeywordClassifier) Classify(err error) FailureKind {
	if err == nil {
		return FailureTransient
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		for _, code := range k.StatusCodes {
			if sc.StatusCode() == code {
				return FailureQuota
			}
		}
	}

	msg := strings.ToLower(err.Error())
	for _, kw := range k.Keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" && strings.Contains(msg, kw) {
			return FailureQuota
		}
	}
	return FailureTransient
}

// HealthTracker moves credentials between health states and schedules
// their automatic reactivation.
type HealthTracker struct {
	registry       *Registry
	scheduler      *scheduler.Scheduler
	classifier     Classifier
	failedCooldown time.Duration
	quotaCooldown  time.Duration

	onTransition func(c Credential, reason string)
}

// NewHealthTracker wires a tracker to reg. Zero cooldowns take the defaults.
func NewHealthTracker(reg *Registry, sched *scheduler.Scheduler, classifier Classifier, failedCooldown, quotaCooldown time.Duration) *HealthTracker {
	if classifier == nil {
		classifier = DefaultClassifier()
	}
	if failedCooldown <= 0 {
		failedCooldown = DefaultFailedCooldown
	}
	if quotaCooldown <= 0 {
		quotaCooldown = DefaultQuotaCooldown
	}
	return &HealthTracker{
		registry:       reg,
		scheduler:      sched,
		classifier:     classifier,
		failedCooldown: failedCooldown,
		quotaCooldown:  quotaCooldown,
	}
}

// ReportFailure classifies err, moves the credential to failed or
// quota_exceeded and schedules its reactivation. Disabled credentials keep
// their status, and a pending reactivation is never moved earlier.
func (h *HealthTracker) ReportFailure(id string, err error) (Credential, error) {
	kind := h.classifier.Classify(err)

	status, cooldown := StatusFailed, h.failedCooldown
	if kind == FailureQuota {
		status, cooldown = StatusQuotaExceeded, h.quotaCooldown
	}

	errText := ""
	if err != nil {
		errText = err.Error()
	}

	cred, changed, lookupErr := h.registry.markFailure(id, status, errText)
	if lookupErr != nil {
		return Credential{}, lookupErr
	}
	if !changed {
		log.Debug().Str("credential_id", id).Msg("Failure reported for disabled credential, ignoring")
		return cred, nil
	}

	if cred.Status == StatusQuotaExceeded {
		cooldown = h.quotaCooldown
	}
	if !h.scheduler.ScheduleNoEarlier(reactivationKey(id), cooldown, func() { h.reactivate(id) }) {
		if due, ok := h.scheduler.Due(reactivationKey(id)); ok {
			cooldown = due.Sub(h.scheduler.Clock().Now())
		}
	}

	log.Warn().
		Str("credential_id", id).
		Str("name", cred.Name).
		Str("status", string(cred.Status)).
		Str("kind", kind.String()).
		Int("consecutive_failures", cred.ConsecutiveFailures).
		Dur("cooldown", cooldown).
		Str("error", errText).
		Msg("Credential quarantined")

	h.notify(cred, "failure")
	return cred, nil
}

// SetStatus applies a manual transition. Any pending reactivation is
// cancelled so a disabled credential stays disabled.
func (h *HealthTracker) SetStatus(id string, status Status) (Credential, error) {
	cred, err := h.registry.UpdateStatus(id, status)
	if err != nil {
		return Credential{}, err
	}

	switch status {
	case StatusFailed:
		h.scheduler.Schedule(reactivationKey(id), h.failedCooldown, func() { h.reactivate(id) })
	case StatusQuotaExceeded:
		h.scheduler.Schedule(reactivationKey(id), h.quotaCooldown, func() { h.reactivate(id) })
	default:
		h.scheduler.Cancel(reactivationKey(id))
	}

	log.Info().Str("credential_id", id).Str("status", string(status)).Msg("Credential status set")
	h.notify(cred, "manual")
	return cred, nil
}

// ReactivationPending reports whether id has a scheduled reactivation.
func (h *HealthTracker) ReactivationPending(id string) bool {
	return h.scheduler.Pending(reactivationKey(id))
}

func (h *HealthTracker) reactivate(id string) {
	cred, ok := h.registry.reactivate(id)
	if !ok {
		return
	}
	log.Info().Str("credential_id", id).Str("name", cred.Name).Msg("Credential reactivated")
	h.notify(cred, "reactivated")
}

func (h *HealthTracker) notify(c Credential, reason string) {
	if h.onTransition != nil {
		h.onTransition(c, reason)
	}
}

func reactivationKey(id string) string {
	return "reactivate:" + id
}
