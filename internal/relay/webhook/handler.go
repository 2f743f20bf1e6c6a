// Package webhook serves the inbound HTTP surface of the gateway: a liveness
// route and the webhook route that republishes every event as an envelope.
package webhook

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"relay/internal/relay"
	"relay/internal/relay/metrics"
	"relay/internal/relay/tracing"
	"relay/internal/validator"
)

// TokenHeader carries the shared secret on webhook requests.
const TokenHeader = "X-WAHA-Token"

// Config holds configuration for the webhook handler.
type Config struct {
	ServiceName string `env:"SERVICE_NAME" envDefault:"waha-webhook-listener"`
	// Token is the shared secret. Empty leaves the webhook route open.
	Token string `env:"WAHA_TOKEN"`
	Topic string `env:"PUBSUB_TOPIC,required"`
	// DedupKey passes the message identity to the queue as its dedup key.
	DedupKey     bool  `env:"PUBLISH_DEDUP_KEY" envDefault:"true"`
	MaxBodyBytes int64 `env:"MAX_BODY_BYTES" envDefault:"10485760"`
}

// Notifier is told when a request finished so telemetry can be flushed.
type Notifier interface {
	Trigger()
}

type healthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

type webhookResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Topic string `json:"topic,omitempty"`
}

// Handler handles the gateway routes. It is safe for concurrent use.
type Handler struct {
	config    Config
	publisher relay.Publisher
	registry  *metrics.Registry
	tracer    *tracing.Tracer
	notifier  Notifier
	logger    *zap.Logger
}

// NewHandler creates a handler. registry and notifier may be nil.
func NewHandler(
	config Config,
	publisher relay.Publisher,
	registry *metrics.Registry,
	tracer *tracing.Tracer,
	notifier Notifier,
	logger *zap.Logger,
) (*Handler, error) {
	if err := validator.Validate("webhook", publisher, tracer, logger, config.Topic); err != nil {
		return nil, err
	}

	return &Handler{
		config:    config,
		publisher: publisher,
		registry:  registry,
		tracer:    tracer,
		notifier:  notifier,
		logger:    logger.Named("webhook"),
	}, nil
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	start := time.Now()

	writeJSON(w, http.StatusOK, healthResponse{Status: "healthy", Service: h.config.ServiceName})

	h.registry.RecordHealth(time.Since(start))
	h.notify()
}

// Webhook authenticates the request, builds the envelope for its body and
// publishes it to the configured topic.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	start := time.Now()

	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	ctx, span := h.tracer.StartSpan(ctx, "webhook.receive", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	if !h.authorized(r) {
		h.logger.Warn("unauthorized webhook", zap.String("remoteAddr", r.RemoteAddr))
		span.SetStatus(codes.Error, relay.ErrUnauthorized.Error())
		writeJSON(w, http.StatusUnauthorized, webhookResponse{Error: "invalid token"})
		h.finish("", metrics.OutcomeUnauthorized, start)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.config.MaxBodyBytes))
	if err != nil {
		h.logger.Warn("failed to read webhook body, treating as empty", zap.Error(err))
		body = nil
	}

	env, malformed := relay.NewEnvelope(body)
	if malformed {
		h.logger.Warn("malformed webhook body, treating as empty", zap.Int("size", len(body)))
	}

	logger := h.logger.With(zap.String("event", env.Event), zap.String("messageId", env.MessageID))
	span.SetAttributes(h.tracer.WebhookAttributes(env.Event, env.MessageID, len(body))...)

	msg, err := env.Message(h.config.DedupKey)
	if err != nil {
		logger.Error("failed to encode envelope", zap.Error(err))
		h.tracer.RecordError(ctx, err)
		writeJSON(w, http.StatusInternalServerError, webhookResponse{Error: err.Error()})
		h.finish(env.Event, metrics.OutcomeError, start)
		return
	}

	queueID, err := h.publisher.Publish(ctx, h.config.Topic, msg)

	var notFound *relay.TopicNotFoundError
	switch {
	case err == nil:
		outcome := metrics.OutcomePublished
		if queueID == "" {
			outcome = metrics.OutcomeAccepted
		}
		logger.Info("published", zap.String("queueId", queueID), zap.String("outcome", outcome))
		writeJSON(w, http.StatusOK, webhookResponse{OK: true})
		h.finish(env.Event, outcome, start)

	case errors.Is(err, relay.ErrDuplicate):
		logger.Info("duplicate skipped")
		writeJSON(w, http.StatusOK, webhookResponse{OK: true})
		h.finish(env.Event, metrics.OutcomeDuplicate, start)

	case errors.As(err, &notFound):
		logger.Error("topic not found", zap.String("topic", notFound.Topic), zap.Error(err))
		h.tracer.RecordError(ctx, err)
		writeJSON(w, http.StatusInternalServerError, webhookResponse{Error: "topic_not_found", Topic: notFound.Topic})
		h.finish(env.Event, metrics.OutcomeTopicNotFound, start)

	default:
		logger.Error("publish failed", zap.Error(err))
		h.tracer.RecordError(ctx, err)
		writeJSON(w, http.StatusInternalServerError, webhookResponse{Error: err.Error()})
		h.finish(env.Event, metrics.OutcomeError, start)
	}
}

func (h *Handler) authorized(r *http.Request) bool {
	if h.config.Token == "" {
		return true
	}
	got := r.Header.Get(TokenHeader)
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.config.Token)) == 1
}

func (h *Handler) finish(event, outcome string, start time.Time) {
	h.registry.RecordWebhook(event, outcome, time.Since(start))
	h.notify()
}

func (h *Handler) notify() {
	if h.notifier != nil {
		h.notifier.Trigger()
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
