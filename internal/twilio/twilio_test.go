package twilio

import (
	"context"
	"testing"
)

func TestNewClientRequiresCredentials(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_FROM_NUMBER", "")

	if _, err := NewClient(); err == nil {
		t.Error("expected error without credentials")
	}
	if _, err := NewClient(WithAccountSID("AC123"), WithAuthToken("tok")); err == nil {
		t.Error("expected error without from number")
	}
	if _, err := NewClient(WithAccountSID("AC123"), WithAuthToken("tok"), WithFromNumber("whatsapp:+14155550100")); err != nil {
		t.Errorf("expected client with full credentials, got %v", err)
	}
}

func TestFormatRecipient(t *testing.T) {
	tests := []struct {
		name string
		from string
		to   string
		want string
	}{
		{"whatsapp sender adds prefix", "whatsapp:+14155550100", "919677018116", "whatsapp:+919677018116"},
		{"whatsapp sender keeps plus", "whatsapp:+14155550100", "+919677018116", "whatsapp:+919677018116"},
		{"sms sender plain", "+14155550100", "919677018116", "+919677018116"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatRecipient(tt.from, tt.to); got != tt.want {
				t.Errorf("formatRecipient(%q, %q) = %q, want %q", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestMockClientRecords(t *testing.T) {
	m := NewMockClient()
	if err := m.SendMessage(context.Background(), "919677018116", "hello"); err != nil {
		t.Fatalf("mock send failed: %v", err)
	}
	if len(m.SentMessages) != 1 || m.SentMessages[0].To != "919677018116" {
		t.Errorf("unexpected recorded messages %+v", m.SentMessages)
	}
}
