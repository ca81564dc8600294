package services

import (
	"context"
	"time"

	"vichat_go_backend/internal/models"
	"vichat_go_backend/internal/pool"
	"vichat_go_backend/internal/providers"
)

// CredentialPool is the part of pool.Pool the gateway needs.
type CredentialPool interface {
	AcquireExcluding(feature models.Feature, exclude ...string) (pool.Credential, bool)
	ReportFailure(id string, err error) (pool.Status, error)
}

// ResponseCache is the part of respcache.Cache the gateway needs.
type ResponseCache interface {
	Get(feature models.Feature, query string) ([]byte, bool)
	Put(feature models.Feature, query string, payload []byte, ttl time.Duration)
}

// ModelProvider performs the outbound model call.
type ModelProvider interface {
	Generate(ctx context.Context, apiKey string, req providers.Request) (providers.Response, error)
}

// UsageRecorder observes successful provider calls.
type UsageRecorder interface {
	Record(feature models.Feature, tokenCost int64)
}

// Notifier receives balance change notifications. utils/broker.Broker satisfies it.
type Notifier interface {
	Publish(topic string, msg interface{})
}
