// Package models defines the core data structures for salesbridge.
//
// It includes the identity, conversation, and pipeline types shared across modules.
package models

import (
	"encoding/json"
	"errors"
	"time"
)

// IdentityStatus represents the lifecycle status of a customer identity.
type IdentityStatus string

const (
	// IdentityStatusNew indicates the identity was created on first contact.
	IdentityStatusNew IdentityStatus = "new"
	// IdentityStatusExisting indicates the identity was seen before.
	IdentityStatusExisting IdentityStatus = "existing"
	// IdentityStatusConverted indicates the identity became a customer.
	IdentityStatusConverted IdentityStatus = "converted"
)

// Channel identifies the message source channel.
type Channel string

const (
	ChannelWhatsApp  Channel = "whatsapp"
	ChannelInstagram Channel = "instagram"
	ChannelSMS       Channel = "sms"
	ChannelPhone     Channel = "phone"
)

// IsSupportedChannel checks if the given channel may enter the reply pipeline.
func IsSupportedChannel(c Channel) bool {
	switch c {
	case ChannelWhatsApp, ChannelInstagram, ChannelSMS, ChannelPhone:
		return true
	default:
		return false
	}
}

// Direction indicates whether a conversation turn was received or sent.
type Direction string

const (
	// DirectionIn marks a turn received from the customer.
	DirectionIn Direction = "in"
	// DirectionOut marks a turn sent by the bot.
	DirectionOut Direction = "out"
)

// Validation constants for input validation
const (
	// MaxMessageBodyLength defines the maximum allowed length for inbound message bodies
	MaxMessageBodyLength = 4096
	// MinPhoneDigits defines the minimum number of digits for an unambiguous phone number
	MinPhoneDigits = 7
	// DefaultHistoryWindow is the number of conversation turns included as context
	DefaultHistoryWindow = 10
	// DefaultBusinessRecordCap is the maximum number of linked business records included as context
	DefaultBusinessRecordCap = 5
)

// Error variables for better error handling and testability
var (
	ErrEmptySender        = errors.New("sender phone cannot be empty")
	ErrEmptyBody          = errors.New("message body cannot be empty")
	ErrEmptyMessageID     = errors.New("message id cannot be empty")
	ErrBodyTooLong        = errors.New("message body exceeds maximum length")
	ErrUnsupportedChannel = errors.New("unsupported channel")
	ErrIdentityExists     = errors.New("identity already exists for canonical phone")
	ErrIdentityNotFound   = errors.New("identity not found")
	ErrDuplicateReply     = errors.New("outbound reply already recorded for message id")
)

// Identity represents a customer or lead record keyed by canonical phone.
type Identity struct {
	ID                  string         `json:"id"`
	CanonicalPhone      string         `json:"canonical_phone"`
	RawPhone            string         `json:"raw_phone,omitempty"`
	DisplayName         string         `json:"display_name"`
	Channel             Channel        `json:"channel"`
	Status              IdentityStatus `json:"status"`
	LowConfidencePhone  bool           `json:"low_confidence_phone,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// ConversationTurn is one directional message in a conversation. Immutable once stored.
type ConversationTurn struct {
	ID          string    `json:"id"`
	IdentityID  string    `json:"identity_id"`
	Direction   Direction `json:"direction"`
	Body        string    `json:"body"`
	ContentType string    `json:"content_type"`
	// MessageID correlates the turn with a transport-level message identifier.
	// For outbound turns it is the inbound message id being replied to and is unique.
	MessageID string    `json:"message_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// BusinessRecord is a generic document for a domain entity (trip, itinerary)
// linked to an identity. The pipeline never depends on specific fields beyond
// the identity linkage; payloads stay opaque JSON.
type BusinessRecord struct {
	ID         string          `json:"id"`
	IdentityID string          `json:"identity_id"`
	RecordType string          `json:"record_type"`
	Title      string          `json:"title,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// InboundAudit is a dedup-ledger row describing an accepted inbound message
// and when it arrived. Rows without a processed marker past a grace period
// indicate a pipeline run that died mid-flight.
type InboundAudit struct {
	MessageID  string    `json:"message_id"`
	IdentityID string    `json:"identity_id,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// InboundMessage is the transport-delivered event that enters the pipeline.
type InboundMessage struct {
	MessageID   string  `json:"message_id"`
	From        string  `json:"from"`
	DisplayName string  `json:"display_name,omitempty"`
	Body        string  `json:"body"`
	ContentType string  `json:"content_type,omitempty"`
	Channel     Channel `json:"channel"`
	Time        int64   `json:"time"`
}

// Validate performs validation on an inbound message before pipeline entry.
func (m *InboundMessage) Validate() error {
	if m.From == "" {
		return ErrEmptySender
	}
	if m.MessageID == "" {
		return ErrEmptyMessageID
	}
	if m.Body == "" {
		return ErrEmptyBody
	}
	if len(m.Body) > MaxMessageBodyLength {
		return ErrBodyTooLong
	}
	if m.Channel != "" && !IsSupportedChannel(m.Channel) {
		return ErrUnsupportedChannel
	}
	return nil
}

// ModelConfig is the resolved runtime configuration for one pipeline run.
// It is loaded once at invocation start and never mutated mid-run.
type ModelConfig struct {
	Enabled            bool
	APIKey             string
	BaseURL            string
	Model              string
	MaxTokens          int
	FallbackMessage    string
	ToolAccess         bool
	ToolServerURL      string
	HistoryWindow      int
	RequestTimeout     time.Duration
	MaxRetries         int
	RetryBackoff       time.Duration
	BusinessContext    string
	DefaultCountryCode string
}

// Default configuration values matching the original deployment behavior.
const (
	DefaultMaxTokens      = 4096
	DefaultRequestTimeout = 60 * time.Second
	DefaultMaxRetries     = 1
	DefaultRetryBackoff   = 2 * time.Second
	// DefaultFallbackMessage is sent when generation fails terminally.
	DefaultFallbackMessage = "I'm sorry, I'm having trouble connecting to my brain right now. Please try again in a moment."
	// EmptyCompletionFallback is sent when the backend succeeds but returns no usable content.
	EmptyCompletionFallback = "Sorry, I encountered an issue and cannot respond at the moment."
)

// Normalized returns a copy with defaults applied for unset numeric fields.
func (c ModelConfig) Normalized() ModelConfig {
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = DefaultHistoryWindow
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	if c.FallbackMessage == "" {
		c.FallbackMessage = DefaultFallbackMessage
	}
	return c
}

// ReasonCode classifies the outcome of a model invocation.
type ReasonCode string

const (
	// ReasonOK indicates a successful generation.
	ReasonOK ReasonCode = "ok"
	// ReasonDisabled indicates AI replies are disabled in configuration.
	ReasonDisabled ReasonCode = "disabled"
	// ReasonRetriesExhausted indicates transient failures consumed the retry budget.
	ReasonRetriesExhausted ReasonCode = "retries_exhausted"
	// ReasonBackendError indicates a terminal backend failure (auth, quota, malformed response).
	ReasonBackendError ReasonCode = "backend_error"
	// ReasonEmptyCompletion indicates the backend returned no usable content.
	ReasonEmptyCompletion ReasonCode = "empty_completion"
	// ReasonDuplicate indicates the inbound message was already handled.
	ReasonDuplicate ReasonCode = "duplicate"
)

// PipelineResult is the outcome of processing one inbound message.
// Exactly one is produced per message: a real reply or the configured fallback.
type PipelineResult struct {
	Reply      string        `json:"reply"`
	Fallback   bool          `json:"fallback"`
	Reason     ReasonCode    `json:"reason"`
	Model      string        `json:"model,omitempty"`
	ToolCalls  int           `json:"tool_calls,omitempty"`
	IdentityID string        `json:"identity_id,omitempty"`
	Elapsed    time.Duration `json:"elapsed,omitempty"`
}

// APIStatus is the status field of an API response envelope.
type APIStatus string

const (
	APIStatusOK    APIStatus = "ok"
	APIStatusError APIStatus = "error"
)

// APIResponse is the standard JSON envelope for HTTP responses.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a message.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
