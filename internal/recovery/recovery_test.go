package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sentra-hq/salesbridge/internal/models"
)

type mockStore struct {
	stale      []models.InboundAudit
	listErr    error
	turns      map[string]models.ConversationTurn // keyed by message id
	identities map[string]models.Identity         // keyed by identity id
	replied    map[string]bool

	cleared []string
	marked  []string
}

func newMockStore() *mockStore {
	return &mockStore{
		turns:      make(map[string]models.ConversationTurn),
		identities: make(map[string]models.Identity),
		replied:    make(map[string]bool),
	}
}

func (m *mockStore) ListStaleInbound(ctx context.Context, cutoff time.Time, limit int) ([]models.InboundAudit, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	if limit > 0 && len(m.stale) > limit {
		return m.stale[:limit], nil
	}
	return m.stale, nil
}

func (m *mockStore) ClearInbound(ctx context.Context, messageID string) error {
	m.cleared = append(m.cleared, messageID)
	return nil
}

func (m *mockStore) GetInboundTurn(ctx context.Context, messageID string) (*models.ConversationTurn, error) {
	if t, ok := m.turns[messageID]; ok {
		return &t, nil
	}
	return nil, nil
}

func (m *mockStore) GetIdentityByID(ctx context.Context, identityID string) (*models.Identity, error) {
	if id, ok := m.identities[identityID]; ok {
		return &id, nil
	}
	return nil, nil
}

func (m *mockStore) HasOutboundReply(ctx context.Context, messageID string) (bool, error) {
	return m.replied[messageID], nil
}

func (m *mockStore) MarkProcessed(ctx context.Context, messageID string) error {
	m.marked = append(m.marked, messageID)
	return nil
}

type mockProcessor struct {
	err   error
	calls []models.InboundMessage
}

func (m *mockProcessor) Process(ctx context.Context, msg models.InboundMessage) (*models.PipelineResult, error) {
	m.calls = append(m.calls, msg)
	if m.err != nil {
		return nil, m.err
	}
	return &models.PipelineResult{Reply: "recovered reply", Reason: models.ReasonOK}, nil
}

func seedAbandoned(st *mockStore, messageID string) {
	st.stale = append(st.stale, models.InboundAudit{
		MessageID:  messageID,
		IdentityID: "919677018116",
		ReceivedAt: time.Now().Add(-time.Hour),
	})
	st.turns[messageID] = models.ConversationTurn{
		ID: "turn-" + messageID, IdentityID: "id-1", Direction: models.DirectionIn,
		Body: "is the villa still available?", ContentType: "text",
		MessageID: messageID, CreatedAt: time.Now().Add(-time.Hour),
	}
	st.identities["id-1"] = models.Identity{
		ID: "id-1", CanonicalPhone: "919677018116", DisplayName: "Asha",
		Channel: models.ChannelWhatsApp, Status: models.IdentityStatusNew,
	}
}

func TestSweepReplaysAbandonedMessage(t *testing.T) {
	st := newMockStore()
	seedAbandoned(st, "m1")
	proc := &mockProcessor{}

	recovered, err := NewSweeper(st, proc).Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if recovered != 1 {
		t.Fatalf("expected 1 recovered message, got %d", recovered)
	}
	if len(st.cleared) != 1 || st.cleared[0] != "m1" {
		t.Errorf("expected ledger entry m1 cleared, got %v", st.cleared)
	}
	if len(proc.calls) != 1 {
		t.Fatalf("expected 1 replay, got %d", len(proc.calls))
	}
	msg := proc.calls[0]
	if msg.MessageID != "m1" || msg.From != "919677018116" || msg.Body != "is the villa still available?" {
		t.Errorf("unexpected replayed message: %+v", msg)
	}
	if msg.Channel != models.ChannelWhatsApp {
		t.Errorf("expected whatsapp channel, got %q", msg.Channel)
	}
}

func TestSweepRestoresMarkerWhenReplyExists(t *testing.T) {
	st := newMockStore()
	seedAbandoned(st, "m1")
	st.replied["m1"] = true
	proc := &mockProcessor{}

	recovered, err := NewSweeper(st, proc).Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if recovered != 1 {
		t.Fatalf("expected 1 recovered message, got %d", recovered)
	}
	if len(proc.calls) != 0 {
		t.Errorf("expected no replay when reply exists, got %d", len(proc.calls))
	}
	if len(st.marked) != 1 || st.marked[0] != "m1" {
		t.Errorf("expected processed marker restored for m1, got %v", st.marked)
	}
	if len(st.cleared) != 0 {
		t.Errorf("expected ledger untouched, got cleared %v", st.cleared)
	}
}

func TestSweepClearsLedgerWhenTurnMissing(t *testing.T) {
	st := newMockStore()
	st.stale = append(st.stale, models.InboundAudit{
		MessageID: "m1", IdentityID: "919677018116", ReceivedAt: time.Now().Add(-time.Hour),
	})
	proc := &mockProcessor{}

	recovered, err := NewSweeper(st, proc).Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if recovered != 1 {
		t.Fatalf("expected 1 handled message, got %d", recovered)
	}
	if len(st.cleared) != 1 || st.cleared[0] != "m1" {
		t.Errorf("expected ledger entry m1 cleared, got %v", st.cleared)
	}
	if len(proc.calls) != 0 {
		t.Errorf("expected no replay without a persisted turn, got %d", len(proc.calls))
	}
}

func TestSweepSkipsMessageWhenReplayFails(t *testing.T) {
	st := newMockStore()
	seedAbandoned(st, "m1")
	proc := &mockProcessor{err: errors.New("backend down")}

	recovered, err := NewSweeper(st, proc).Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if recovered != 0 {
		t.Errorf("expected 0 recovered messages, got %d", recovered)
	}
}

func TestSweepPropagatesListError(t *testing.T) {
	st := newMockStore()
	st.listErr = errors.New("database gone")

	if _, err := NewSweeper(st, &mockProcessor{}).Sweep(context.Background()); err == nil {
		t.Fatal("expected sweep error")
	}
}

func TestSweepBatchLimit(t *testing.T) {
	st := newMockStore()
	seedAbandoned(st, "m1")
	seedAbandoned(st, "m2")
	seedAbandoned(st, "m3")
	proc := &mockProcessor{}

	recovered, err := NewSweeper(st, proc, WithBatchSize(2)).Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if recovered != 2 {
		t.Errorf("expected batch of 2, got %d", recovered)
	}
}
