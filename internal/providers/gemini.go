// Package providers calls hosted model APIs on behalf of the gateway.
package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"vichat_go_backend/internal/models"

	"github.com/google/generative-ai-go/genai"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const DefaultGeminiModel = "gemini-1.5-flash"

// Request is one provider call.
type Request struct {
	Feature models.Feature
	Prompt  string
}

// Response is the provider's answer.
type Response struct {
	Text       string `json:"text"`
	Model      string `json:"model"`
	TokenCount int64  `json:"token_count"`
}

// ProviderError carries the HTTP-equivalent status of a failed call so the
// pool can tell quota exhaustion from transient failures.
type ProviderError struct {
	Code    int
	Message string
	Err     error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error %d: %s", e.Code, e.Message)
}

func (e *ProviderError) StatusCode() int {
	return e.Code
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// GeminiProvider generates content with Gemini, keeping one client per API key.
type GeminiProvider struct {
	model string

	mu      sync.Mutex
	clients map[string]*genai.Client
}

func NewGeminiProvider(model string) *GeminiProvider {
	if model == "" {
		model = DefaultGeminiModel
	}
	return &GeminiProvider{
		model:   model,
		clients: make(map[string]*genai.Client),
	}
}

// Generate sends req using apiKey.
func (g *GeminiProvider) Generate(ctx context.Context, apiKey string, req Request) (Response, error) {
	client, err := g.client(ctx, apiKey)
	if err != nil {
		return Response{}, err
	}

	model := client.GenerativeModel(g.model)
	resp, err := model.GenerateContent(ctx, genai.Text(req.Prompt))
	if err != nil {
		return Response{}, wrapError(err)
	}

	text := responseText(resp)
	if text == "" {
		return Response{}, &ProviderError{Code: http.StatusUnprocessableEntity, Message: emptyReason(resp)}
	}

	out := Response{Text: text, Model: g.model}
	if resp.UsageMetadata != nil {
		out.TokenCount = int64(resp.UsageMetadata.TotalTokenCount)
	}
	return out, nil
}

// Close releases every cached client.
func (g *GeminiProvider) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var errs []error
	for key, c := range g.clients {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(g.clients, key)
	}
	return errors.Join(errs...)
}

func (g *GeminiProvider) client(ctx context.Context, apiKey string) (*genai.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if c, ok := g.clients[apiKey]; ok {
		return c, nil
	}
	// The client outlives the request, so it must not inherit its deadline.
	c, err := genai.NewClient(context.WithoutCancel(ctx), option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	g.clients[apiKey] = c
	log.Debug().Int("clients", len(g.clients)).Msg("Created Gemini client")
	return c, nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		switch p := part.(type) {
		case genai.Text:
			b.WriteString(string(p))
		case *genai.Text:
			b.WriteString(string(*p))
		}
	}
	return b.String()
}

func emptyReason(resp *genai.GenerateContentResponse) string {
	if resp != nil && resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != genai.BlockReasonUnspecified {
		return "prompt blocked: " + resp.PromptFeedback.BlockReason.String()
	}
	if resp != nil && len(resp.Candidates) > 0 && resp.Candidates[0].FinishReason == genai.FinishReasonSafety {
		return "response blocked by safety filters"
	}
	return "empty response from model"
}

// IsRequestError reports whether err was caused by the request rather than
// the credential that sent it: a 4xx other than 401, 403, 408 and 429.
func IsRequestError(err error) bool {
	var pe *ProviderError
	if !errors.As(err, &pe) {
		return false
	}
	switch pe.Code {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return pe.Code >= 400 && pe.Code < 500
}

// wrapError maps REST and gRPC failures to ProviderError.
func wrapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ProviderError{Code: http.StatusGatewayTimeout, Message: "model call timed out", Err: err}
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if msg == "" {
			msg = apiErr.Error()
		}
		return &ProviderError{Code: apiErr.Code, Message: msg, Err: err}
	}

	if st, ok := status.FromError(err); ok && st.Code() != codes.Unknown {
		return &ProviderError{Code: httpStatusFromGRPC(st.Code()), Message: st.Message(), Err: err}
	}

	return err
}

func httpStatusFromGRPC(c codes.Code) int {
	switch c {
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange:
		return http.StatusBadRequest
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.NotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
