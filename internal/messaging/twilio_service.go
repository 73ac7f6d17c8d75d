package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sentra-hq/salesbridge/internal/models"
	"github.com/sentra-hq/salesbridge/internal/twilio"
)

// TwilioService implements Service over the Twilio REST API. Incoming
// messages arrive through the webhook handler rather than a live socket.
type TwilioService struct {
	client   twilio.Sender
	messages chan models.InboundMessage
	done     chan struct{}
	mu       sync.RWMutex
	stopped  bool
}

var _ Service = (*TwilioService)(nil)

// NewTwilioService wraps a Twilio sender.
func NewTwilioService(client twilio.Sender) *TwilioService {
	return &TwilioService{
		client:   client,
		messages: make(chan models.InboundMessage, DefaultChannelBufferSize),
		done:     make(chan struct{}),
	}
}

// ValidateAndCanonicalizeRecipient strips punctuation and requires at
// least six digits.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizeRecipient(recipient)
}

// Start is a no-op; Twilio delivers events via webhook.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes channels and marks the service stopped.
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.done)

	// Give in-flight webhook hand-offs a moment to complete.
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(s.messages)
	}()
	return nil
}

// SendMessage delivers a reply through Twilio.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	s.mu.RLock()
	if s.stopped {
		s.mu.RUnlock()
		return ErrServiceStopped
	}
	s.mu.RUnlock()

	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	return s.client.SendMessage(ctx, canonical, body)
}

// Messages returns the channel of incoming messages.
func (s *TwilioService) Messages() <-chan models.InboundMessage {
	return s.messages
}

// WebhookHandler accepts inbound Twilio form posts and emits them as
// pipeline messages. Twilio's MessageSid is kept as the dedup key; a
// missing one gets a generated id so replay protection still works.
func (s *TwilioService) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Error("TwilioService.WebhookHandler: failed to parse form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	from := r.FormValue("From")
	body := r.FormValue("Body")
	if from == "" || body == "" {
		slog.Warn("TwilioService.WebhookHandler: missing fields", "fromSet", from != "", "bodySet", body != "")
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	messageID := r.FormValue("MessageSid")
	if messageID == "" {
		messageID = uuid.NewString()
	}
	channel := models.ChannelSMS
	if strings.HasPrefix(from, "whatsapp:") {
		channel = models.ChannelWhatsApp
	}

	s.emit(models.InboundMessage{
		MessageID:   messageID,
		From:        from,
		DisplayName: r.FormValue("ProfileName"),
		Body:        body,
		ContentType: "text",
		Channel:     channel,
		Time:        time.Now().Unix(),
	})

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func (s *TwilioService) emit(msg models.InboundMessage) {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		slog.Warn("TwilioService.emit: dropping inbound message, service stopped", "from", msg.From)
		return
	}

	select {
	case s.messages <- msg:
		slog.Debug("TwilioService.emit: inbound message forwarded", "from", msg.From, "messageID", msg.MessageID)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("TwilioService.emit: channel blocked, dropping message", "from", msg.From, "messageID", msg.MessageID)
	}
}
