package flow

import (
	"fmt"
	"strings"

	"github.com/openai/openai-go"

	"github.com/sentra-hq/salesbridge/internal/models"
)

// DefaultPromptTokenBudget bounds the assembled prompt. The completion
// budget (ModelConfig.MaxTokens) is separate.
const DefaultPromptTokenBudget = 8000

// EstimateTokens estimates the token count for a given text using a
// Unicode-aware heuristic. ASCII characters (English, numbers,
// punctuation) are weighted at ~4 per token; non-ASCII characters (CJK,
// Cyrillic, Arabic, Emoji, etc.) at ~1 per token.
func EstimateTokens(text string) int {
	weight := 0
	for _, r := range text {
		switch {
		case r <= 127:
			weight += 1
		default:
			weight += 4
		}
	}
	return (weight + 3) / 4
}

// PromptBuilder turns assembled context plus the current inbound text into
// an OpenAI message list. Deterministic: same context in, same messages out.
type PromptBuilder struct {
	tokenBudget int
}

// NewPromptBuilder creates a builder with the given prompt token budget.
// A non-positive budget uses DefaultPromptTokenBudget.
func NewPromptBuilder(tokenBudget int) *PromptBuilder {
	if tokenBudget <= 0 {
		tokenBudget = DefaultPromptTokenBudget
	}
	return &PromptBuilder{tokenBudget: tokenBudget}
}

// Build assembles the message list: system briefing first, then the
// role-tagged transcript oldest-first, then the current inbound text as
// the final user message. When the estimate exceeds the budget the oldest
// transcript turns are dropped first; the system message and the final
// user message are never dropped.
func (b *PromptBuilder) Build(convCtx *ConversationContext, inboundBody string) []openai.ChatCompletionMessageParamUnion {
	system := b.systemMessage(convCtx)

	turns := convCtx.Turns
	fixed := EstimateTokens(system) + EstimateTokens(inboundBody)
	for len(turns) > 0 {
		total := fixed
		for _, t := range turns {
			total += EstimateTokens(t.Body)
		}
		if total <= b.tokenBudget {
			break
		}
		turns = turns[1:]
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(turns)+2)
	messages = append(messages, openai.SystemMessage(system))
	for _, t := range turns {
		switch t.Direction {
		case models.DirectionOut:
			messages = append(messages, openai.AssistantMessage(t.Body))
		default:
			messages = append(messages, openai.UserMessage(t.Body))
		}
	}
	messages = append(messages, openai.UserMessage(inboundBody))
	return messages
}

// systemMessage renders the business briefing, the sender summary, and
// any linked business records into one system prompt.
func (b *PromptBuilder) systemMessage(convCtx *ConversationContext) string {
	var sb strings.Builder
	if convCtx.BusinessContext != "" {
		sb.WriteString(convCtx.BusinessContext)
		sb.WriteString("\n\n")
	}

	if id := convCtx.Identity; id != nil {
		fmt.Fprintf(&sb, "You are talking to %s (phone %s, status %s).", id.DisplayName, id.CanonicalPhone, id.Status)
		if id.LowConfidencePhone {
			sb.WriteString(" The phone number could not be fully verified.")
		}
		sb.WriteString("\n")
	}

	if len(convCtx.Records) > 0 {
		sb.WriteString("\nKnown records for this customer:\n")
		for _, rec := range convCtx.Records {
			title := rec.Title
			if title == "" {
				title = rec.RecordType
			}
			fmt.Fprintf(&sb, "- %s (%s)", title, rec.RecordType)
			if len(rec.Data) > 0 {
				fmt.Fprintf(&sb, ": %s", rec.Data)
			}
			sb.WriteString("\n")
		}
	}

	return strings.TrimSpace(sb.String())
}
