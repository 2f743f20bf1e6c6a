package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"relay/internal/relay"
	"relay/internal/relay/metrics"
	"relay/internal/relay/tracing"
)

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
	msgs   []relay.Message
	id     string
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, msg relay.Message) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.msgs = append(p.msgs, msg)
	if p.err != nil {
		return "", p.err
	}
	return p.id, nil
}

type countingNotifier struct {
	mu    sync.Mutex
	count int
}

func (n *countingNotifier) Trigger() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.count++
}

type testGateway struct {
	router    http.Handler
	publisher *recordingPublisher
	registry  *metrics.Registry
	notifier  *countingNotifier
}

func newTestGateway(t *testing.T, config Config) *testGateway {
	t.Helper()
	if config.Topic == "" {
		config.Topic = "waha-events"
	}
	if config.ServiceName == "" {
		config.ServiceName = "waha-webhook-listener"
	}
	if config.MaxBodyBytes == 0 {
		config.MaxBodyBytes = 1 << 20
	}

	gw := &testGateway{
		publisher: &recordingPublisher{id: "pubsub-1"},
		registry:  metrics.NewRegistry(),
		notifier:  &countingNotifier{},
	}

	h, err := NewHandler(config, gw.publisher, gw.registry, tracing.NewNoopTracer(), gw.notifier, zap.NewNop())
	require.NoError(t, err)
	gw.router = NewRouter(h)
	return gw
}

func (gw *testGateway) post(body, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook/webhook", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set(TokenHeader, token)
	}
	rec := httptest.NewRecorder()
	gw.router.ServeHTTP(rec, req)
	return rec
}

func (gw *testGateway) scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	gw.registry.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return rec.Body.String()
}

func TestHealth(t *testing.T) {
	gw := newTestGateway(t, Config{})

	rec := httptest.NewRecorder()
	gw.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy","service":"waha-webhook-listener"}`, rec.Body.String())
	assert.Empty(t, gw.publisher.msgs)
}

func TestWebhook_EndToEnd(t *testing.T) {
	gw := newTestGateway(t, Config{DedupKey: true})

	rec := gw.post(`{"event":"message","payload":{"id":"abc123","text":"hi"}}`, "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())

	require.Len(t, gw.publisher.msgs, 1)
	msg := gw.publisher.msgs[0]
	assert.Equal(t, "waha-events", gw.publisher.topics[0])
	assert.JSONEq(t, `{"event":"message","message_id":"abc123","payload":{"id":"abc123","text":"hi"}}`, string(msg.Data))
	assert.Equal(t, "abc123", msg.DedupKey)
	assert.Equal(t, "message", msg.Attributes[relay.AttrEvent])

	assert.Contains(t, gw.scrape(t), `relay_webhook_requests_total{event="message",outcome="published"} 1`)
	assert.Equal(t, 1, gw.notifier.count)
}

func TestWebhook_Authentication(t *testing.T) {
	tests := []struct {
		name        string
		secret      string
		token       string
		wantStatus  int
		wantPublish bool
	}{
		{name: "missing token", secret: "s3cret", token: "", wantStatus: http.StatusUnauthorized},
		{name: "wrong token", secret: "s3cret", token: "guess", wantStatus: http.StatusUnauthorized},
		{name: "matching token", secret: "s3cret", token: "s3cret", wantStatus: http.StatusOK, wantPublish: true},
		{name: "open when no secret", secret: "", token: "", wantStatus: http.StatusOK, wantPublish: true},
		{name: "open ignores any token", secret: "", token: "anything", wantStatus: http.StatusOK, wantPublish: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := newTestGateway(t, Config{Token: tt.secret})

			rec := gw.post(`{"payload":{"id":"1"}}`, tt.token)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantPublish {
				assert.Len(t, gw.publisher.msgs, 1)
				return
			}
			assert.Empty(t, gw.publisher.msgs)
			assert.Contains(t, gw.scrape(t), `relay_webhook_requests_total{event="unknown",outcome="unauthorized"} 1`)
		})
	}
}

func TestWebhook_MalformedBodies(t *testing.T) {
	const emptyID = "44136fa355b3678a1146ad16f7e8649e94fb4fc21fe77e8310c060f61caaff8a"

	for _, body := range []string{"", "not json", "[1,2,3]", "null", `{"event":`} {
		t.Run(body, func(t *testing.T) {
			gw := newTestGateway(t, Config{})

			rec := gw.post(body, "")

			assert.Equal(t, http.StatusOK, rec.Code)
			require.Len(t, gw.publisher.msgs, 1)
			assert.JSONEq(t,
				`{"event":"message","message_id":"`+emptyID+`","payload":{}}`,
				string(gw.publisher.msgs[0].Data),
			)
		})
	}
}

func TestWebhook_TopicNotFound(t *testing.T) {
	gw := newTestGateway(t, Config{})
	gw.publisher.err = &relay.TopicNotFoundError{Topic: "projects/p/topics/waha-events", Err: errors.New("rpc error: code = NotFound")}

	rec := gw.post(`{"payload":{"id":"1"}}`, "")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"ok":false,"error":"topic_not_found","topic":"projects/p/topics/waha-events"}`, rec.Body.String())
	assert.Contains(t, gw.scrape(t), `relay_webhook_requests_total{event="message",outcome="topic_not_found"} 1`)
}

func TestWebhook_PublishFailure(t *testing.T) {
	gw := newTestGateway(t, Config{})
	gw.publisher.err = &relay.PublishError{Topic: "waha-events", Err: errors.New("deadline exceeded")}

	rec := gw.post(`{"payload":{"id":"1"}}`, "")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, false, resp["ok"])
	assert.Equal(t, "failed to publish to waha-events: deadline exceeded", resp["error"])
	assert.NotContains(t, resp, "topic")
}

func TestWebhook_DuplicateIsSuccess(t *testing.T) {
	gw := newTestGateway(t, Config{})
	gw.publisher.err = relay.ErrDuplicate

	rec := gw.post(`{"payload":{"id":"1"}}`, "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
	assert.Contains(t, gw.scrape(t), `outcome="duplicate"} 1`)
}

func TestWebhook_InFlightDeliveryIsRetryable(t *testing.T) {
	gw := newTestGateway(t, Config{})
	gw.publisher.err = &relay.PublishError{Topic: "waha-events", Err: relay.ErrInFlight}

	rec := gw.post(`{"payload":{"id":"1"}}`, "")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, false, resp["ok"])
	assert.Contains(t, gw.scrape(t), `outcome="error"} 1`)
}

func TestWebhook_AcceptedWhenQueuedAsync(t *testing.T) {
	gw := newTestGateway(t, Config{})
	gw.publisher.id = ""

	rec := gw.post(`{"event":"session.status","payload":{"status":"WORKING"}}`, "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, gw.scrape(t), `relay_webhook_requests_total{event="session.status",outcome="accepted"} 1`)
}

func TestWebhook_DedupKeyDisabled(t *testing.T) {
	gw := newTestGateway(t, Config{})
	gw2 := newTestGateway(t, Config{DedupKey: true})

	gw.post(`{"payload":{"id":"1"}}`, "")
	gw2.post(`{"payload":{"id":"1"}}`, "")

	assert.Empty(t, gw.publisher.msgs[0].DedupKey)
	assert.Equal(t, "1", gw2.publisher.msgs[0].DedupKey)
}

func TestWebhook_OversizedBodyIsTreatedAsEmpty(t *testing.T) {
	gw := newTestGateway(t, Config{MaxBodyBytes: 16})

	rec := gw.post(`{"payload":{"id":"a-very-long-identifier"}}`, "")

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, gw.publisher.msgs, 1)
	assert.Contains(t, string(gw.publisher.msgs[0].Data), `"payload":{}`)
}

func TestRouter_UnknownRoute(t *testing.T) {
	gw := newTestGateway(t, Config{})

	rec := httptest.NewRecorder()
	gw.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhook/webhook", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Empty(t, gw.publisher.msgs)
}

func TestNewHandler_Validation(t *testing.T) {
	_, err := NewHandler(Config{}, &recordingPublisher{}, nil, tracing.NewNoopTracer(), nil, zap.NewNop())
	require.Error(t, err)

	_, err = NewHandler(Config{Topic: "t"}, nil, nil, tracing.NewNoopTracer(), nil, zap.NewNop())
	require.Error(t, err)
}
