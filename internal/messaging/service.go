// Package messaging abstracts the chat channels the pipeline listens on and
// replies through.
package messaging

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/sentra-hq/salesbridge/internal/models"
)

// Channel plumbing defaults shared by all service implementations.
const (
	// DefaultChannelBufferSize is the buffer of the inbound message channel.
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds non-blocking channel hand-offs.
	DefaultChannelTimeout = 1 * time.Second
)

// ErrServiceStopped is returned when an operation hits a stopped service.
var ErrServiceStopped = errors.New("messaging service stopped")

var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// Service is a pluggable message channel: it delivers outgoing replies and
// surfaces incoming messages.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates a recipient identifier and
	// returns the canonical digits-only form.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage delivers a message body to a recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// Start begins background processing (event handlers, polling).
	Start(ctx context.Context) error

	// Stop shuts down background processing and closes channels.
	Stop() error

	// Messages returns the channel of incoming messages.
	Messages() <-chan models.InboundMessage
}
