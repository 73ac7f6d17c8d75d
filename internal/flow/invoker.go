package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/param"

	"github.com/sentra-hq/salesbridge/internal/genai"
	"github.com/sentra-hq/salesbridge/internal/mcp"
	"github.com/sentra-hq/salesbridge/internal/models"
)

// maxToolRounds bounds the tool orchestration loop so a misbehaving model
// cannot spin forever.
const maxToolRounds = 10

// Invoker drives one model invocation to a final answer: per-call timeout,
// bounded retry on transient failure, tool orchestration when enabled, and
// the configured fallback text when nothing usable comes back. Every
// invocation terminates with exactly one outcome, real reply or fallback.
type Invoker struct {
	client genai.ClientInterface
	tools  mcp.ToolSource // nil when tool access is disabled
}

// NewInvoker creates an invoker. tools may be nil.
func NewInvoker(client genai.ClientInterface, tools mcp.ToolSource) *Invoker {
	return &Invoker{client: client, tools: tools}
}

// Outcome is the terminal result of one invocation.
type Outcome struct {
	Reply     string
	Fallback  bool
	Reason    models.ReasonCode
	ToolCalls int
}

// Invoke runs the invocation state machine over an assembled message list.
// It never returns an error: failures collapse into a fallback Outcome so
// the caller always has something to send.
func (inv *Invoker) Invoke(ctx context.Context, cfg models.ModelConfig, messages []openai.ChatCompletionMessageParamUnion, identityID string) Outcome {
	start := time.Now()

	if !cfg.Enabled {
		slog.Info("Invoker.Invoke: generation disabled by configuration", "identityID", identityID, "reason", models.ReasonDisabled)
		return Outcome{Reply: cfg.FallbackMessage, Fallback: true, Reason: models.ReasonDisabled}
	}

	attempts := 1 + cfg.MaxRetries
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		reply, toolCalls, err := inv.attempt(ctx, cfg, messages)
		elapsed := time.Since(start)
		if err == nil {
			if reply == "" {
				slog.Warn("Invoker.Invoke: backend returned empty completion", "identityID", identityID, "reason", models.ReasonEmptyCompletion, "attempt", attempt, "elapsed", elapsed)
				return Outcome{Reply: models.EmptyCompletionFallback, Fallback: true, Reason: models.ReasonEmptyCompletion, ToolCalls: toolCalls}
			}
			slog.Info("Invoker.Invoke: generation succeeded", "identityID", identityID, "reason", models.ReasonOK, "attempt", attempt, "toolCalls", toolCalls, "elapsed", elapsed)
			return Outcome{Reply: reply, Reason: models.ReasonOK, ToolCalls: toolCalls}
		}

		lastErr = err
		if errors.Is(err, genai.ErrNoChoicesReturned) {
			slog.Warn("Invoker.Invoke: backend returned no choices", "identityID", identityID, "reason", models.ReasonEmptyCompletion, "attempt", attempt, "elapsed", elapsed)
			return Outcome{Reply: models.EmptyCompletionFallback, Fallback: true, Reason: models.ReasonEmptyCompletion}
		}
		if !genai.IsTransient(err) {
			slog.Error("Invoker.Invoke: terminal backend failure", "error", err, "identityID", identityID, "reason", models.ReasonBackendError, "attempt", attempt, "elapsed", elapsed)
			return Outcome{Reply: cfg.FallbackMessage, Fallback: true, Reason: models.ReasonBackendError}
		}

		slog.Warn("Invoker.Invoke: transient backend failure", "error", err, "identityID", identityID, "attempt", attempt, "maxAttempts", attempts, "elapsed", elapsed)
		if attempt < attempts {
			select {
			case <-time.After(cfg.RetryBackoff):
			case <-ctx.Done():
				slog.Error("Invoker.Invoke: context cancelled during backoff", "identityID", identityID, "reason", models.ReasonRetriesExhausted, "elapsed", time.Since(start))
				return Outcome{Reply: cfg.FallbackMessage, Fallback: true, Reason: models.ReasonRetriesExhausted}
			}
		}
	}

	slog.Error("Invoker.Invoke: retry budget exhausted", "error", lastErr, "identityID", identityID, "reason", models.ReasonRetriesExhausted, "attempts", attempts, "elapsed", time.Since(start))
	return Outcome{Reply: cfg.FallbackMessage, Fallback: true, Reason: models.ReasonRetriesExhausted}
}

// attempt runs a single backend call (or tool loop) under the per-call
// timeout.
func (inv *Invoker) attempt(ctx context.Context, cfg models.ModelConfig, messages []openai.ChatCompletionMessageParamUnion) (string, int, error) {
	callCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
	defer cancel()

	if cfg.ToolAccess && inv.tools != nil {
		return inv.toolLoop(callCtx, messages)
	}
	reply, err := inv.client.GenerateWithMessages(callCtx, messages)
	return reply, 0, err
}

// toolLoop feeds the model the tool catalog and executes the calls it
// makes, round by round, until it answers in plain text or the round
// budget runs out. Tool execution errors are reported back to the model
// as failed results rather than aborting the loop.
func (inv *Invoker) toolLoop(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, int, error) {
	tools, err := inv.tools.ListTools(ctx)
	if err != nil {
		return "", 0, fmt.Errorf("failed to fetch tool catalog: %w", err)
	}
	if len(tools) == 0 {
		reply, err := inv.client.GenerateWithMessages(ctx, messages)
		return reply, 0, err
	}

	current := messages
	executed := 0
	for round := 1; round <= maxToolRounds; round++ {
		resp, err := inv.client.GenerateWithTools(ctx, current, tools)
		if err != nil {
			return "", executed, err
		}

		if len(resp.ToolCalls) == 0 {
			return resp.Content, executed, nil
		}

		slog.Info("Invoker.toolLoop: executing tool calls", "round", round, "toolCallCount", len(resp.ToolCalls))
		current = inv.executeToolCalls(ctx, resp, current)
		executed += len(resp.ToolCalls)

		if resp.Content != "" {
			return resp.Content, executed, nil
		}
	}

	// Round budget spent; ask for a plain answer over what we have.
	slog.Warn("Invoker.toolLoop: hit maximum tool rounds", "maxRounds", maxToolRounds)
	reply, err := inv.client.GenerateWithMessages(ctx, current)
	return reply, executed, err
}

// executeToolCalls appends the assistant message carrying the tool calls,
// runs each call, and appends the results. The assistant message must
// precede the tool result messages that reference its tool_call_ids.
func (inv *Invoker) executeToolCalls(ctx context.Context, resp *genai.ToolCallResponse, messages []openai.ChatCompletionMessageParamUnion) []openai.ChatCompletionMessageParamUnion {
	var toolCalls []openai.ChatCompletionMessageToolCallParam
	for _, tc := range resp.ToolCalls {
		toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallParam{
			ID:   tc.ID,
			Type: "function",
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      tc.Function.Name,
				Arguments: string(tc.Function.Arguments),
			},
		})
	}
	assistant := openai.ChatCompletionAssistantMessageParam{
		Content: openai.ChatCompletionAssistantMessageParamContentUnion{
			OfString: param.NewOpt(resp.Content),
		},
		ToolCalls: toolCalls,
	}
	messages = append(messages, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})

	for _, tc := range resp.ToolCalls {
		result, err := inv.tools.CallTool(ctx, tc.Function.Name, tc.Function.Arguments)
		if err != nil {
			slog.Error("Invoker.executeToolCalls: tool execution failed", "error", err, "toolName", tc.Function.Name, "toolCallID", tc.ID)
			result = fmt.Sprintf("Error: %s", err.Error())
		}
		if result == "" {
			result = "Tool executed successfully"
		}
		messages = append(messages, openai.ToolMessage(result, tc.ID))
	}
	return messages
}
