package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sentra-hq/salesbridge/internal/models"
	"github.com/sentra-hq/salesbridge/internal/store"
)

type mockProcessor struct {
	result *models.PipelineResult
	err    error
	calls  int
	last   models.InboundMessage
}

func (m *mockProcessor) Process(ctx context.Context, msg models.InboundMessage) (*models.PipelineResult, error) {
	m.calls++
	m.last = msg
	if m.err != nil {
		return nil, m.err
	}
	return m.result, nil
}

func newTestServer(t *testing.T, st Store, proc Processor) *Server {
	t.Helper()
	cfg := models.ModelConfig{Enabled: true, Model: "gpt-4o-mini", DefaultCountryCode: "91"}
	return NewServer(st, proc, cfg, WithModelTester(func(ctx context.Context, model, prompt string) (string, error) {
		if model == "broken/model" {
			return "", errors.New("upstream rejected the request")
		}
		return "pong", nil
	}))
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) models.APIResponse {
	t.Helper()
	var resp models.APIResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	return resp
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t, store.NewInMemoryStore(), &mockProcessor{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	resp := decodeEnvelope(t, rec)
	if resp.Status != string(models.APIStatusOK) {
		t.Errorf("expected ok status, got %q", resp.Status)
	}
}

func TestInboundRunsPipeline(t *testing.T) {
	proc := &mockProcessor{result: &models.PipelineResult{Reply: "hello there", Reason: models.ReasonOK, IdentityID: "id-1"}}
	srv := newTestServer(t, store.NewInMemoryStore(), proc)

	body := `{"from":"+919677018116","text":"planning a trip","message_id":"m1","display_name":"Asha"}`
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/inbound", strings.NewReader(body)))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if proc.calls != 1 {
		t.Fatalf("expected 1 pipeline call, got %d", proc.calls)
	}
	if proc.last.MessageID != "m1" || proc.last.From != "+919677018116" || proc.last.DisplayName != "Asha" {
		t.Errorf("unexpected message handed to pipeline: %+v", proc.last)
	}
	resp := decodeEnvelope(t, rec)
	if resp.Status != string(models.APIStatusOK) {
		t.Errorf("expected ok status, got %q", resp.Status)
	}
}

func TestInboundValidationErrorReturns400(t *testing.T) {
	proc := &mockProcessor{err: models.ErrEmptyBody}
	srv := newTestServer(t, store.NewInMemoryStore(), proc)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/inbound",
		strings.NewReader(`{"from":"+919677018116","message_id":"m1"}`)))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if resp := decodeEnvelope(t, rec); resp.Status != string(models.APIStatusError) {
		t.Errorf("expected error status, got %q", resp.Status)
	}
}

func TestInboundPipelineFailureReturns500(t *testing.T) {
	proc := &mockProcessor{err: errors.New("store unavailable")}
	srv := newTestServer(t, store.NewInMemoryStore(), proc)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/inbound",
		strings.NewReader(`{"from":"+919677018116","text":"hi","message_id":"m1"}`)))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestInboundRejectsBadJSON(t *testing.T) {
	srv := newTestServer(t, store.NewInMemoryStore(), &mockProcessor{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/inbound", strings.NewReader("{not json")))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestListIdentities(t *testing.T) {
	st := store.NewInMemoryStore()
	if err := st.CreateIdentity(context.Background(), models.Identity{
		ID: "id-1", CanonicalPhone: "919677018116", DisplayName: "Asha",
		Channel: models.ChannelWhatsApp, Status: models.IdentityStatusNew,
	}); err != nil {
		t.Fatalf("seed identity: %v", err)
	}
	srv := newTestServer(t, st, &mockProcessor{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/identities", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	resp := decodeEnvelope(t, rec)
	raw, err := json.Marshal(resp.Result)
	if err != nil {
		t.Fatalf("re-marshal result: %v", err)
	}
	var ids []models.Identity
	if err := json.Unmarshal(raw, &ids); err != nil {
		t.Fatalf("decode identities: %v", err)
	}
	if len(ids) != 1 || ids[0].CanonicalPhone != "919677018116" {
		t.Errorf("unexpected identities: %+v", ids)
	}
}

func TestConversationsByPhone(t *testing.T) {
	st := store.NewInMemoryStore()
	ctx := context.Background()
	if err := st.CreateIdentity(ctx, models.Identity{
		ID: "id-1", CanonicalPhone: "919677018116", DisplayName: "Asha",
		Channel: models.ChannelWhatsApp, Status: models.IdentityStatusNew,
	}); err != nil {
		t.Fatalf("seed identity: %v", err)
	}
	for i, body := range []string{"hi", "hello! how can I help?"} {
		dir := models.DirectionIn
		if i == 1 {
			dir = models.DirectionOut
		}
		if err := st.CreateTurn(ctx, models.ConversationTurn{
			ID: body, IdentityID: "id-1", Direction: dir, Body: body,
			ContentType: "text", CreatedAt: time.Now().Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("seed turn: %v", err)
		}
	}
	srv := newTestServer(t, st, &mockProcessor{})

	// The raw form differs from the stored canonical; normalization bridges it.
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/conversations?phone=%2B919677018116", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeEnvelope(t, rec)
	raw, _ := json.Marshal(resp.Result)
	var payload struct {
		Identity models.Identity           `json:"identity"`
		Turns    []models.ConversationTurn `json:"turns"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Identity.ID != "id-1" {
		t.Errorf("expected identity id-1, got %q", payload.Identity.ID)
	}
	if len(payload.Turns) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(payload.Turns))
	}
	if payload.Turns[0].Body != "hi" || payload.Turns[1].Direction != models.DirectionOut {
		t.Errorf("turns not chronological: %+v", payload.Turns)
	}
}

func TestConversationsUnknownPhoneReturns404(t *testing.T) {
	srv := newTestServer(t, store.NewInMemoryStore(), &mockProcessor{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/conversations?phone=%2B14155550100", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestConversationsRequiresPhone(t *testing.T) {
	srv := newTestServer(t, store.NewInMemoryStore(), &mockProcessor{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/conversations", nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestModelCatalog(t *testing.T) {
	srv := newTestServer(t, store.NewInMemoryStore(), &mockProcessor{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/models", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	resp := decodeEnvelope(t, rec)
	raw, _ := json.Marshal(resp.Result)
	var catalog []CuratedModel
	if err := json.Unmarshal(raw, &catalog); err != nil {
		t.Fatalf("decode catalog: %v", err)
	}
	if len(catalog) == 0 {
		t.Fatal("expected a non-empty model catalog")
	}
	for _, m := range catalog {
		if m.ID == "" || m.Name == "" {
			t.Errorf("catalog entry missing fields: %+v", m)
		}
	}
}

func TestModelTest(t *testing.T) {
	srv := newTestServer(t, store.NewInMemoryStore(), &mockProcessor{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/models/test",
		strings.NewReader(`{"model":"openai/gpt-4o-mini"}`)))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeEnvelope(t, rec)
	raw, _ := json.Marshal(resp.Result)
	var payload struct {
		Model string `json:"model"`
		Reply string `json:"reply"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Reply != "pong" {
		t.Errorf("expected pong, got %q", payload.Reply)
	}
}

func TestModelTestFailureReturns502(t *testing.T) {
	srv := newTestServer(t, store.NewInMemoryStore(), &mockProcessor{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/models/test",
		strings.NewReader(`{"model":"broken/model"}`)))

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}

func TestModelTestRequiresModel(t *testing.T) {
	srv := newTestServer(t, store.NewInMemoryStore(), &mockProcessor{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/models/test", strings.NewReader(`{}`)))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t, store.NewInMemoryStore(), &mockProcessor{})

	cases := []struct {
		method, path string
	}{
		{http.MethodGet, "/inbound"},
		{http.MethodPost, "/identities"},
		{http.MethodPost, "/conversations"},
		{http.MethodDelete, "/models"},
		{http.MethodGet, "/models/test"},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, nil))
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s %s: expected 405, got %d", tc.method, tc.path, rec.Code)
		}
	}
}
