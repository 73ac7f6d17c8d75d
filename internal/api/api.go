// Package api exposes the HTTP surface: the inbound webhook, inspection
// endpoints, and model self-tests.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/openai/openai-go"

	"github.com/sentra-hq/salesbridge/internal/genai"
	"github.com/sentra-hq/salesbridge/internal/models"
	"github.com/sentra-hq/salesbridge/internal/phone"
)

// DefaultAddr is the default listen address.
const DefaultAddr = ":8080"

// maxConversationTurns caps the transcript returned by the conversations
// endpoint.
const maxConversationTurns = 200

// Store is the read surface the inspection endpoints need.
type Store interface {
	ListIdentities(ctx context.Context) ([]models.Identity, error)
	GetIdentityByPhone(ctx context.Context, canonicalPhone string) (*models.Identity, error)
	GetIdentityByVariant(ctx context.Context, rawPhone string) (*models.Identity, error)
	ListRecentTurns(ctx context.Context, identityID string, limit int) ([]models.ConversationTurn, error)
}

// Processor runs the pipeline for one inbound message.
type Processor interface {
	Process(ctx context.Context, msg models.InboundMessage) (*models.PipelineResult, error)
}

// ModelTestFunc runs a one-shot prompt against a model id.
type ModelTestFunc func(ctx context.Context, model, prompt string) (string, error)

// Opts configures the HTTP server.
type Opts struct {
	Addr      string
	TestModel ModelTestFunc // nil uses the default genai-backed tester
}

// Option configures the server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithModelTester overrides the model connectivity tester.
func WithModelTester(fn ModelTestFunc) Option {
	return func(o *Opts) { o.TestModel = fn }
}

// Server is the HTTP API server.
type Server struct {
	store     Store
	processor Processor
	cfg       models.ModelConfig
	testModel ModelTestFunc
	mux       *http.ServeMux
	httpSrv   *http.Server
}

// NewServer builds the server and registers the standard routes.
func NewServer(store Store, processor Processor, cfg models.ModelConfig, opts ...Option) *Server {
	options := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&options)
	}

	s := &Server{
		store:     store,
		processor: processor,
		cfg:       cfg.Normalized(),
		testModel: options.TestModel,
		mux:       http.NewServeMux(),
	}
	if s.testModel == nil {
		s.testModel = s.defaultModelTester
	}

	s.mux.HandleFunc("/inbound", s.inboundHandler)
	s.mux.HandleFunc("/identities", s.identitiesHandler)
	s.mux.HandleFunc("/conversations", s.conversationsHandler)
	s.mux.HandleFunc("/models", s.modelsHandler)
	s.mux.HandleFunc("/models/test", s.modelTestHandler)
	s.mux.HandleFunc("/health", s.healthHandler)

	s.httpSrv = &http.Server{
		Addr:         options.Addr,
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute, // inbound runs the pipeline synchronously
	}
	return s
}

// Handle registers an extra route, e.g. a transport webhook.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, handler)
}

// Handler returns the underlying handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	slog.Info("Server.Run: HTTP API listening", "addr", s.httpSrv.Addr)
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// inboundRequest is the webhook payload for POST /inbound.
type inboundRequest struct {
	From        string `json:"from"`
	Text        string `json:"text"`
	DisplayName string `json:"display_name,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	MessageID   string `json:"message_id"`
	Channel     string `json:"channel,omitempty"`
}

func (s *Server) inboundHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("method not allowed"))
		return
	}

	var req inboundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("invalid JSON payload"))
		return
	}

	msg := models.InboundMessage{
		MessageID:   req.MessageID,
		From:        req.From,
		DisplayName: req.DisplayName,
		Body:        req.Text,
		ContentType: req.ContentType,
		Channel:     models.Channel(req.Channel),
		Time:        time.Now().Unix(),
	}

	result, err := s.processor.Process(r.Context(), msg)
	if err != nil {
		status := http.StatusBadRequest
		if !isValidationError(err) {
			status = http.StatusInternalServerError
		}
		slog.Warn("Server.inboundHandler: pipeline rejected message", "error", err, "messageID", req.MessageID)
		writeJSONResponse(w, status, models.Error(err.Error()))
		return
	}

	writeJSONResponse(w, http.StatusAccepted, models.Success(result))
}

func (s *Server) identitiesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("method not allowed"))
		return
	}
	ids, err := s.store.ListIdentities(r.Context())
	if err != nil {
		slog.Error("Server.identitiesHandler: list failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("failed to list identities"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(ids))
}

func (s *Server) conversationsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("method not allowed"))
		return
	}
	rawPhone := r.URL.Query().Get("phone")
	if rawPhone == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("phone query parameter is required"))
		return
	}

	number := phone.Normalize(rawPhone, s.cfg.DefaultCountryCode)
	var identity *models.Identity
	for _, candidate := range number.Variants() {
		id, err := s.store.GetIdentityByPhone(r.Context(), candidate)
		if err != nil {
			slog.Error("Server.conversationsHandler: lookup failed", "error", err, "phone", candidate)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("identity lookup failed"))
			return
		}
		if id != nil {
			identity = id
			break
		}
	}
	if identity == nil {
		id, err := s.store.GetIdentityByVariant(r.Context(), number.Raw)
		if err != nil {
			slog.Error("Server.conversationsHandler: variant lookup failed", "error", err, "phone", number.Raw)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("identity lookup failed"))
			return
		}
		identity = id
	}
	if identity == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("no identity for phone"))
		return
	}

	turns, err := s.store.ListRecentTurns(r.Context(), identity.ID, maxConversationTurns)
	if err != nil {
		slog.Error("Server.conversationsHandler: turn listing failed", "error", err, "identityID", identity.ID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("failed to list conversation"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"identity": identity,
		"turns":    turns,
	}))
}

// CuratedModel describes one entry of the model catalog.
type CuratedModel struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// curatedModels is the model catalog offered for configuration. IDs follow
// the OpenRouter naming convention so they work against both backends.
var curatedModels = []CuratedModel{
	{ID: "openai/gpt-4o-mini", Name: "GPT-4o mini", Description: "Fast, low-cost default for chat replies"},
	{ID: "openai/gpt-4o", Name: "GPT-4o", Description: "Higher quality replies at higher cost"},
	{ID: "anthropic/claude-3.5-sonnet", Name: "Claude 3.5 Sonnet", Description: "Strong reasoning and tool use"},
	{ID: "google/gemini-flash-1.5", Name: "Gemini Flash 1.5", Description: "Fast multimodal model"},
	{ID: "meta-llama/llama-3.1-70b-instruct", Name: "Llama 3.1 70B", Description: "Open-weights option"},
}

func (s *Server) modelsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("method not allowed"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(curatedModels))
}

// modelTestRequest is the payload for POST /models/test.
type modelTestRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt,omitempty"`
}

func (s *Server) modelTestHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("method not allowed"))
		return
	}
	var req modelTestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("invalid JSON payload"))
		return
	}
	if req.Model == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("model is required"))
		return
	}
	prompt := req.Prompt
	if prompt == "" {
		prompt = "Reply with a single word: pong"
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	start := time.Now()
	reply, err := s.testModel(ctx, req.Model, prompt)
	if err != nil {
		slog.Warn("Server.modelTestHandler: model test failed", "error", err, "model", req.Model)
		writeJSONResponse(w, http.StatusBadGateway, models.Error(fmt.Sprintf("model test failed: %s", err)))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"model":      req.Model,
		"reply":      reply,
		"elapsed_ms": time.Since(start).Milliseconds(),
	}))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("healthy", nil))
}

// defaultModelTester runs the test prompt through a fresh genai client so
// the configured model id is not disturbed.
func (s *Server) defaultModelTester(ctx context.Context, model, prompt string) (string, error) {
	opts := []genai.Option{genai.WithAPIKey(s.cfg.APIKey), genai.WithModel(model)}
	if s.cfg.BaseURL != "" {
		opts = append(opts, genai.WithBaseURL(s.cfg.BaseURL))
	}
	client, err := genai.NewClient(opts...)
	if err != nil {
		return "", err
	}
	return client.GenerateWithMessages(ctx, []openai.ChatCompletionMessageParamUnion{openai.UserMessage(prompt)})
}

// isValidationError reports whether the pipeline rejected the message
// before doing any work.
func isValidationError(err error) bool {
	return errors.Is(err, models.ErrEmptySender) ||
		errors.Is(err, models.ErrEmptyBody) ||
		errors.Is(err, models.ErrEmptyMessageID) ||
		errors.Is(err, models.ErrBodyTooLong) ||
		errors.Is(err, models.ErrUnsupportedChannel)
}
