package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mau.fi/whatsmeow/types/events"

	"github.com/sentra-hq/salesbridge/internal/models"
	"github.com/sentra-hq/salesbridge/internal/whatsapp"
)

// WhatsAppService implements Service over the whatsmeow-based client.
type WhatsAppService struct {
	sender   whatsapp.Sender
	waClient *whatsapp.Client // nil when constructed with a mock sender
	messages chan models.InboundMessage
	done     chan struct{}
}

var _ Service = (*WhatsAppService)(nil)

// NewWhatsAppService wraps a WhatsApp sender. When the sender is a full
// client, incoming message events are forwarded to Messages().
func NewWhatsAppService(sender whatsapp.Sender) *WhatsAppService {
	s := &WhatsAppService{
		sender:   sender,
		messages: make(chan models.InboundMessage, DefaultChannelBufferSize),
		done:     make(chan struct{}),
	}
	if waClient, ok := sender.(*whatsapp.Client); ok {
		s.waClient = waClient
	}
	return s
}

// ValidateAndCanonicalizeRecipient strips punctuation and requires at
// least six digits.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizeRecipient(recipient)
}

// Start registers the event handler when a full client is available.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Debug("WhatsAppService.Start: no full client, event handling disabled")
		return nil
	}
	s.waClient.GetClient().AddEventHandler(func(evt interface{}) {
		if msg, ok := evt.(*events.Message); ok {
			s.handleIncomingMessage(msg)
		}
	})
	slog.Info("WhatsAppService.Start: event handler registered")
	return nil
}

// Stop closes the message channel.
func (s *WhatsAppService) Stop() error {
	close(s.done)
	close(s.messages)
	if s.waClient != nil {
		s.waClient.Disconnect()
	}
	slog.Info("WhatsAppService.Stop: service stopped")
	return nil
}

// SendMessage delivers a reply over WhatsApp.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	return s.sender.SendMessage(ctx, canonical, body)
}

// Messages returns the channel of incoming messages.
func (s *WhatsAppService) Messages() <-chan models.InboundMessage {
	return s.messages
}

// handleIncomingMessage converts a whatsmeow message event into an inbound
// pipeline message. Self-originated events are skipped so the bot never
// replies to its own messages.
func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	if evt.Message == nil || evt.Info.IsFromMe {
		return
	}

	var text string
	if evt.Message.Conversation != nil {
		text = *evt.Message.Conversation
	} else if evt.Message.ExtendedTextMessage != nil && evt.Message.ExtendedTextMessage.Text != nil {
		text = *evt.Message.ExtendedTextMessage.Text
	} else {
		slog.Debug("WhatsAppService.handleIncomingMessage: ignoring non-text message", "from", evt.Info.Sender.String())
		return
	}

	msg := models.InboundMessage{
		MessageID:   evt.Info.ID,
		From:        evt.Info.Sender.User,
		DisplayName: evt.Info.PushName,
		Body:        text,
		ContentType: "text",
		Channel:     models.ChannelWhatsApp,
		Time:        evt.Info.Timestamp.Unix(),
	}

	select {
	case s.messages <- msg:
		slog.Debug("WhatsAppService.handleIncomingMessage: message forwarded", "from", msg.From, "messageID", msg.MessageID)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService.handleIncomingMessage: channel blocked, dropping message", "from", msg.From, "messageID", msg.MessageID)
	}
}

// canonicalizeRecipient is the shared digits-only validation used by both
// channel services.
func canonicalizeRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", canonical)
	}
	return canonical, nil
}
