// Package anthropic wraps the official SDK behind the small surface the
// extraction passes use: one streamed PDF-document message at a time.
package anthropic

import (
	"context"
	"errors"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/nordsight/rapport-cli/internal/resilience"
)

// DefaultTimeout is the per-request deadline applied when the caller's
// context carries none.
const DefaultTimeout = 5 * time.Minute

// Client defines the Anthropic API operations used by the pipeline.
type Client interface {
	// CreateDocumentMessage sends a base64 PDF plus a text prompt and
	// streams the response to completion. Retries belong to the caller.
	CreateDocumentMessage(ctx context.Context, req DocumentRequest) (*MessageResponse, error)
}

// DocumentRequest is a single-turn message with a PDF attachment.
type DocumentRequest struct {
	Model     string
	MaxTokens int64
	System    string
	PDFBase64 string
	Prompt    string
}

// MessageResponse is the accumulated result of a streamed message.
type MessageResponse struct {
	ID         string
	Model      string
	Text       string
	StopReason string
	Usage      TokenUsage
}

// TokenUsage tracks token consumption.
type TokenUsage struct {
	InputTokens  int64
	OutputTokens int64
}

// Add accumulates usage from another response.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// LogCost logs token usage with structured zap fields.
func (u TokenUsage) LogCost(model, phase string) {
	zap.L().Info("cost attribution",
		zap.String("model", model),
		zap.String("phase", phase),
		zap.Int64("input_tokens", u.InputTokens),
		zap.Int64("output_tokens", u.OutputTokens),
	)
}

// sdkClient implements Client using the official anthropic-sdk-go.
type sdkClient struct {
	client  sdk.Client
	timeout time.Duration
}

// Option configures the client.
type Option func(*sdkClient)

// WithTimeout overrides the default per-request deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *sdkClient) {
		c.timeout = d
	}
}

// WithBaseURL points the SDK at a custom endpoint (for testing).
func WithBaseURL(url string) Option {
	return func(c *sdkClient) {
		c.client = sdk.NewClient(option.WithBaseURL(url))
	}
}

// NewClient creates a new Anthropic client backed by the SDK.
func NewClient(apiKey string, opts ...Option) Client {
	c := &sdkClient{
		client:  sdk.NewClient(option.WithAPIKey(apiKey)),
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *sdkClient) CreateDocumentMessage(ctx context.Context, req DocumentRequest) (*MessageResponse, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: req.MaxTokens,
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(
				sdk.NewDocumentBlock(sdk.Base64PDFSourceParam{Data: req.PDFBase64}),
				sdk.NewTextBlock(req.Prompt),
			),
		},
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}

	stream := c.client.Messages.NewStreaming(ctx, params)
	acc := sdk.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := acc.Accumulate(event); err != nil {
			return nil, eris.Wrap(err, "anthropic: accumulate stream event")
		}
	}
	if err := stream.Err(); err != nil {
		return nil, classify(err)
	}

	var text strings.Builder
	for _, block := range acc.Content {
		if block.Type == "" || block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return &MessageResponse{
		ID:         acc.ID,
		Model:      string(acc.Model),
		Text:       text.String(),
		StopReason: string(acc.StopReason),
		Usage: TokenUsage{
			InputTokens:  acc.Usage.InputTokens,
			OutputTokens: acc.Usage.OutputTokens,
		},
	}, nil
}

// classify wraps transport-level failures as transient so the pipeline's
// retry policy can act on the error variant.
func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return resilience.NewTransientError(eris.Wrap(err, "anthropic: deadline exceeded"), 0)
	}

	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		wrapped := eris.Wrapf(err, "anthropic: status %d", apiErr.StatusCode)
		if resilience.IsTransientHTTPStatus(apiErr.StatusCode) {
			return resilience.NewTransientError(wrapped, apiErr.StatusCode)
		}
		return wrapped
	}

	if resilience.IsTransient(err) {
		return resilience.NewTransientError(eris.Wrap(err, "anthropic: transport"), 0)
	}
	return eris.Wrap(err, "anthropic: create message")
}
