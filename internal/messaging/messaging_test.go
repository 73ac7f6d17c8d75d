package messaging

import (
	"context"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sentra-hq/salesbridge/internal/models"
	"github.com/sentra-hq/salesbridge/internal/twilio"
	"github.com/sentra-hq/salesbridge/internal/whatsapp"
)

func TestCanonicalizeRecipient(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"plain digits", "919677018116", "919677018116", false},
		{"plus and dashes", "+91-96770-18116", "919677018116", false},
		{"whatsapp prefix", "whatsapp:+919677018116", "919677018116", false},
		{"empty", "", "", true},
		{"no digits", "not-a-number", "", true},
		{"too short", "12345", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := canonicalizeRecipient(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error for %q", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("canonicalizeRecipient(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestWhatsAppServiceSend(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient())
	if err := svc.SendMessage(context.Background(), "+91 96770 18116", "hello"); err != nil {
		t.Errorf("send failed: %v", err)
	}
	if err := svc.SendMessage(context.Background(), "bogus", "hello"); err == nil {
		t.Error("expected validation error for non-numeric recipient")
	}
}

func TestTwilioWebhookEmitsMessage(t *testing.T) {
	mock := twilio.NewMockClient()
	svc := NewTwilioService(mock)

	form := url.Values{}
	form.Set("From", "whatsapp:+919677018116")
	form.Set("Body", "I want to book a trip")
	form.Set("MessageSid", "SM123")
	form.Set("ProfileName", "Asha")

	req := httptest.NewRequest("POST", "/webhook/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	svc.WebhookHandler(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	select {
	case msg := <-svc.Messages():
		if msg.MessageID != "SM123" {
			t.Errorf("expected MessageSid kept as message id, got %q", msg.MessageID)
		}
		if msg.Channel != models.ChannelWhatsApp {
			t.Errorf("expected whatsapp channel, got %s", msg.Channel)
		}
		if msg.DisplayName != "Asha" {
			t.Errorf("expected profile name forwarded, got %q", msg.DisplayName)
		}
		if msg.From != "whatsapp:+919677018116" {
			t.Errorf("expected raw sender preserved for phone normalization, got %q", msg.From)
		}
	case <-time.After(time.Second):
		t.Fatal("no message emitted")
	}
}

func TestTwilioWebhookRejectsMissingFields(t *testing.T) {
	svc := NewTwilioService(twilio.NewMockClient())

	form := url.Values{}
	form.Set("From", "whatsapp:+919677018116")
	req := httptest.NewRequest("POST", "/webhook/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	svc.WebhookHandler(rec, req)

	if rec.Code != 400 {
		t.Errorf("expected 400 for missing body, got %d", rec.Code)
	}
}

func TestTwilioServiceStoppedRejectsSend(t *testing.T) {
	svc := NewTwilioService(twilio.NewMockClient())
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := svc.SendMessage(context.Background(), "919677018116", "hello"); err != ErrServiceStopped {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
	// Second stop is a no-op.
	if err := svc.Stop(); err != nil {
		t.Errorf("second Stop failed: %v", err)
	}
}

// mockProcessor records processed messages.
type mockProcessor struct {
	mu        sync.Mutex
	processed []models.InboundMessage
}

func (m *mockProcessor) Process(_ context.Context, msg models.InboundMessage) (*models.PipelineResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed = append(m.processed, msg)
	return &models.PipelineResult{Reason: models.ReasonOK, Reply: "ok"}, nil
}

func (m *mockProcessor) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.processed)
}

func TestDispatcherFiltersUnsupportedChannels(t *testing.T) {
	svc := NewTwilioService(twilio.NewMockClient())
	proc := &mockProcessor{}
	d := NewDispatcher(svc, proc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	svc.emit(models.InboundMessage{MessageID: "m1", From: "+919677018116", Body: "hi", Channel: models.ChannelWhatsApp})
	svc.emit(models.InboundMessage{MessageID: "m2", From: "+919677018116", Body: "hi", Channel: models.Channel("email")})

	deadline := time.After(time.Second)
	for proc.count() < 1 {
		select {
		case <-deadline:
			t.Fatal("supported message was not dispatched")
		case <-time.After(10 * time.Millisecond):
		}
	}
	// Give the unsupported one a chance to (wrongly) arrive.
	time.Sleep(50 * time.Millisecond)
	if proc.count() != 1 {
		t.Errorf("expected only the supported channel dispatched, got %d", proc.count())
	}
}
