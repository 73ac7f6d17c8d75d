// Package genai wraps the OpenAI chat completion API for reply generation,
// including tool-calling support and transport error classification.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// ErrNoChoicesReturned indicates the backend accepted the request but
// returned an empty completion.
var ErrNoChoicesReturned = errors.New("no choices returned")

// DefaultModel is used when no model override is configured.
const DefaultModel = openai.ChatModelGPT4oMini

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// openaiChatService adapts the real OpenAI client to chatService.
type openaiChatService struct {
	client openai.Client
}

func (s openaiChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := s.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// FunctionCall identifies the tool requested by the model and its raw
// JSON arguments.
type FunctionCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolCall is a single tool invocation requested by the model.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// ToolCallResponse is the result of a completion that may request tools.
// Content is empty when the model chose to call tools instead of answering.
type ToolCallResponse struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ClientInterface is the generation surface consumed by the flow layer.
type ClientInterface interface {
	GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error)
	GenerateWithTools(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, tools []openai.ChatCompletionToolParam) (*ToolCallResponse, error)
}

// Client wraps the OpenAI ChatCompletion service.
type Client struct {
	chat      chatService
	model     string
	maxTokens int64
}

var _ ClientInterface = (*Client)(nil)

// Option configures a Client.
type Option func(*clientOptions)

type clientOptions struct {
	apiKey    string
	baseURL   string
	model     string
	maxTokens int64
}

// WithAPIKey sets the API key explicitly, overriding OPENAI_API_KEY.
func WithAPIKey(key string) Option {
	return func(o *clientOptions) { o.apiKey = key }
}

// WithBaseURL points the client at an OpenAI-compatible backend such as
// OpenRouter.
func WithBaseURL(url string) Option {
	return func(o *clientOptions) { o.baseURL = url }
}

// WithModel overrides the default chat model.
func WithModel(model string) Option {
	return func(o *clientOptions) { o.model = model }
}

// WithMaxTokens caps completion length.
func WithMaxTokens(n int64) Option {
	return func(o *clientOptions) { o.maxTokens = n }
}

// NewClient initializes a GenAI client. The API key comes from options or
// the OPENAI_API_KEY environment variable.
func NewClient(opts ...Option) (*Client, error) {
	cfg := clientOptions{model: DefaultModel}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.apiKey == "" {
		cfg.apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	cli := openai.NewClient(reqOpts...)

	slog.Debug("genai.NewClient: client initialized", "model", cfg.model, "baseURL", cfg.baseURL)
	return &Client{chat: openaiChatService{client: cli}, model: cfg.model, maxTokens: cfg.maxTokens}, nil
}

// Model returns the configured chat model name.
func (c *Client) Model() string {
	return c.model
}

func (c *Client) newParams(messages []openai.ChatCompletionMessageParamUnion) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: messages,
	}
	if c.maxTokens > 0 {
		params.MaxTokens = openai.Int(c.maxTokens)
	}
	return params
}

// GenerateWithMessages runs a plain completion over an assembled message
// list and returns the assistant text.
func (c *Client) GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	resp, err := c.chat.Create(ctx, c.newParams(messages))
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	return resp.Choices[0].Message.Content, nil
}

// GenerateWithTools runs a completion with tool definitions attached and
// surfaces any tool calls the model requested.
func (c *Client) GenerateWithTools(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, tools []openai.ChatCompletionToolParam) (*ToolCallResponse, error) {
	params := c.newParams(messages)
	params.Tools = tools

	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, ErrNoChoicesReturned
	}

	msg := resp.Choices[0].Message
	out := &ToolCallResponse{Content: msg.Content}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:   tc.ID,
			Type: string(tc.Type),
			Function: FunctionCall{
				Name:      tc.Function.Name,
				Arguments: json.RawMessage(tc.Function.Arguments),
			},
		})
	}
	if len(out.ToolCalls) > 0 {
		slog.Debug("Client.GenerateWithTools: model requested tools", "count", len(out.ToolCalls))
	}
	return out, nil
}

// IsTransient reports whether a generation error is worth retrying.
// Timeouts, rate limits, and server-side failures are transient; other
// API rejections (auth, malformed request, context length) are terminal.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	if errors.Is(err, ErrNoChoicesReturned) {
		return false
	}
	// Connection-level failures with no HTTP status.
	return true
}
