package flow

import (
	"strings"
	"testing"

	"github.com/sentra-hq/salesbridge/internal/models"
)

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		name string
		text string
		want int
	}{
		{"empty", "", 0},
		{"four ascii chars", "abcd", 1},
		{"eight ascii chars", "abcdefgh", 2},
		{"rounds up", "abcde", 2},
		{"cjk weighted", "你好", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EstimateTokens(tt.text); got != tt.want {
				t.Errorf("EstimateTokens(%q) = %d, want %d", tt.text, got, tt.want)
			}
		})
	}
}

func testContext(turnBodies ...string) *ConversationContext {
	ctx := &ConversationContext{
		Identity: &models.Identity{
			ID:             "id-1",
			CanonicalPhone: "919677018116",
			DisplayName:    "Asha",
			Status:         models.IdentityStatusExisting,
		},
		BusinessContext: "You are a travel booking assistant.",
	}
	for i, body := range turnBodies {
		dir := models.DirectionIn
		if i%2 == 1 {
			dir = models.DirectionOut
		}
		ctx.Turns = append(ctx.Turns, models.ConversationTurn{Direction: dir, Body: body})
	}
	return ctx
}

func TestBuildPromptShape(t *testing.T) {
	b := NewPromptBuilder(0)
	convCtx := testContext("hi", "hello! how can I help?", "price for bali trip?")

	messages := b.Build(convCtx, "and for two people?")
	// system + 3 transcript turns + final user message
	if len(messages) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(messages))
	}
	if messages[0].OfSystem == nil {
		t.Error("expected first message to be the system briefing")
	}
	if messages[1].OfUser == nil || messages[2].OfAssistant == nil || messages[3].OfUser == nil {
		t.Error("expected transcript to keep role ordering")
	}
	if messages[4].OfUser == nil {
		t.Error("expected final message to be the current inbound text")
	}
}

func TestBuildPromptDeterministic(t *testing.T) {
	b := NewPromptBuilder(0)
	convCtx := testContext("hi", "hello")
	a := b.Build(convCtx, "question")
	bMsgs := b.Build(convCtx, "question")
	if len(a) != len(bMsgs) {
		t.Fatalf("expected identical message counts, got %d and %d", len(a), len(bMsgs))
	}
}

func TestBuildPromptTruncatesOldestFirst(t *testing.T) {
	// Budget chosen so only part of the transcript fits.
	b := NewPromptBuilder(40)
	long := strings.Repeat("x", 100) // ~25 tokens
	convCtx := testContext(long, long, "recent short turn")

	messages := b.Build(convCtx, "current question")
	if len(messages) >= 6 {
		t.Fatalf("expected truncation, got %d messages", len(messages))
	}
	// System and final user message always survive.
	if messages[0].OfSystem == nil {
		t.Error("system message must survive truncation")
	}
	last := messages[len(messages)-1]
	if last.OfUser == nil {
		t.Error("final user message must survive truncation")
	}
}

func TestSystemMessageIncludesRecords(t *testing.T) {
	b := NewPromptBuilder(0)
	convCtx := testContext()
	convCtx.Records = []models.BusinessRecord{
		{RecordType: "trip", Title: "Bali Getaway", Data: []byte(`{"price":1200}`)},
	}

	system := b.systemMessage(convCtx)
	if !strings.Contains(system, "Bali Getaway") {
		t.Errorf("expected record title in system message, got %q", system)
	}
	if !strings.Contains(system, "Asha") {
		t.Errorf("expected customer name in system message, got %q", system)
	}
}
