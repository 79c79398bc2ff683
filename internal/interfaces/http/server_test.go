package http

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/gearbot/msglog/internal/application/usecase"
	"github.com/gearbot/msglog/internal/domain/messagelog"
	"github.com/gearbot/msglog/internal/infrastructure/monitoring"
	"github.com/gearbot/msglog/internal/infrastructure/persistence"
	"github.com/gearbot/msglog/internal/interfaces/http/handlers"
)

type testEnv struct {
	handler http.Handler
	store   *persistence.MemoryMessageStore
	buffer  *messagelog.Buffer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	srv, store, buffer := newTestServer(t, Config{Mode: "test"})
	return &testEnv{handler: srv.Handler(), store: store, buffer: buffer}
}

func newTestServer(t *testing.T, cfg Config) (*Server, *persistence.MemoryMessageStore, *messagelog.Buffer) {
	t.Helper()
	logger := zap.NewNop()

	store := persistence.NewMemoryMessageStore()
	buffer := messagelog.NewBuffer(100)
	flusher := messagelog.NewFlusher(buffer, store, messagelog.FlusherConfig{Interval: time.Hour}, logger)
	metrics := monitoring.NewMetrics(prometheus.NewRegistry())
	flusher.SetRecorder(metrics)

	srv := NewServer(cfg, Deps{
		Ingestor: usecase.NewLogMessageUseCase(buffer, metrics, logger),
		Query:    messagelog.NewQuery(buffer, store, logger),
		Buffer:   buffer,
		Flusher:  flusher,
		Metrics:  metrics.Handler(),
		Observer: metrics,
	}, logger)

	return srv, store, buffer
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

const event = `{"id":"1187654321098765432","content":"hello","author_id":"42","channel_id":"300","guild_id":"7",
	"message_reference":{"message_id":"1187654321098765000","channel_id":"300"},
	"attachments":[{"id":"9","filename":"cat.png","width":64}]}`

func TestServer_IngestEvent(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/events", event)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	var resp handlers.IngestResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ID != "1187654321098765432" || !resp.Admitted {
		t.Fatalf("unexpected response %+v", resp)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/events", event)
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || resp.Admitted {
		t.Fatalf("redelivery should not be admitted: %s", rec.Body)
	}
}

func TestServer_IngestRejectsBadInput(t *testing.T) {
	env := newTestEnv(t)

	tests := map[string]string{
		"invalid json":  `{"id":`,
		"missing guild": `{"id":"1","author_id":"2","channel_id":"3"}`,
	}
	for name, body := range tests {
		if rec := env.do(t, http.MethodPost, "/api/v1/events", body); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", name, rec.Code)
		}
	}
	if env.buffer.Len() != 0 {
		t.Fatal("rejected events must not be buffered")
	}
}

func TestServer_GetMessage(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/v1/events", event)

	rec := env.do(t, http.MethodGet, "/api/v1/messages/1187654321098765432", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	var msg handlers.MessageResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.ReplyTo == nil || *msg.ReplyTo != "1187654321098765000" {
		t.Errorf("reply_to = %v", msg.ReplyTo)
	}
	if len(msg.Attachments) != 1 || !msg.Attachments[0].IsImage {
		t.Errorf("attachments = %+v", msg.Attachments)
	}
	if !strings.Contains(rec.Body.String(), `"id":"1187654321098765432"`) {
		t.Errorf("snowflake must be encoded as a string: %s", rec.Body)
	}

	if rec := env.do(t, http.MethodGet, "/api/v1/messages/5", ""); rec.Code != http.StatusNotFound {
		t.Errorf("missing message status = %d, want 404", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/api/v1/messages/abc", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid id status = %d, want 400", rec.Code)
	}
}

func TestServer_FlushThenQuery(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/v1/events", event)

	rec := env.do(t, http.MethodPost, "/api/v1/flush", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("flush status = %d, body = %s", rec.Code, rec.Body)
	}
	var flush handlers.FlushResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &flush); err != nil || flush.Inserted != 1 {
		t.Fatalf("unexpected flush response %s", rec.Body)
	}
	if n, _ := env.store.Count(context.Background()); n != 1 {
		t.Fatalf("store count = %d, want 1", n)
	}

	// 一条在存储中, 一条仍在缓冲区
	env.do(t, http.MethodPost, "/api/v1/events", `{"id":"1187654321098765999","content":"later","author_id":"42","channel_id":"300","guild_id":"7"}`)

	rec = env.do(t, http.MethodGet, "/api/v1/channels/300/messages", "")
	var list handlers.ListMessagesResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if list.Count != 2 || list.Messages[0].ID != 1187654321098765432 {
		t.Fatalf("unexpected channel listing %s", rec.Body)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/guilds/7/users/42/messages", "")
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil || list.Count != 2 {
		t.Fatalf("unexpected user listing %s", rec.Body)
	}
}

func TestServer_BufferStatsAndMetrics(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/v1/events", event)

	rec := env.do(t, http.MethodGet, "/api/v1/buffer", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var stats handlers.BufferResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.Pending != 1 || stats.Threshold != 100 || stats.FlushInterval != "1h0m0s" {
		t.Fatalf("unexpected stats %+v", stats)
	}

	body := env.do(t, http.MethodGet, "/metrics", "").Body.String()
	for _, want := range []string{
		"msglog_messages_admitted_total 1",
		`msglog_http_requests_total{method="POST",route="/api/v1/events",status="202"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestServer_Health(t *testing.T) {
	env := newTestEnv(t)
	if rec := env.do(t, http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestServer_StartServesOnBoundAddress(t *testing.T) {
	srv, _, _ := newTestServer(t, Config{Host: "127.0.0.1", Port: 0, Mode: "test"})
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.Stop(context.Background())

	resp, err := http.Get("http://" + srv.Addr() + "/health")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestServer_StartReportsAddressInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	srv, _, _ := newTestServer(t, Config{Host: "127.0.0.1", Port: port, Mode: "test"})
	if err := srv.Start(context.Background()); err == nil {
		srv.Stop(context.Background())
		t.Fatal("expected start to fail on a port already in use")
	}
}

func TestServer_GetGuildMessage(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/v1/events", event)

	rec := env.do(t, http.MethodGet, "/api/v1/guilds/7/messages/1187654321098765432", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	var msg handlers.MessageResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &msg); err != nil || msg.AuthorID != 42 {
		t.Fatalf("unexpected message %s", rec.Body)
	}

	if rec := env.do(t, http.MethodGet, "/api/v1/guilds/8/messages/1187654321098765432", ""); rec.Code != http.StatusNotFound {
		t.Errorf("other guild status = %d, want 404", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/api/v1/guilds/x/messages/1", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid guild status = %d, want 400", rec.Code)
	}
}

func TestServer_ArchiveExports(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/v1/events", event)
	env.do(t, http.MethodPost, "/api/v1/flush", "")
	env.do(t, http.MethodPost, "/api/v1/events", `{"id":"1187654321098765999","content":"later","author_id":"42","channel_id":"300","guild_id":"7"}`)

	for _, path := range []string{
		"/api/v1/channels/300/messages/archive",
		"/api/v1/guilds/7/users/42/messages/archive",
	} {
		rec := env.do(t, http.MethodGet, path, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status = %d, body = %s", path, rec.Code, rec.Body)
		}
		if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
			t.Errorf("%s: content type = %q", path, ct)
		}
		if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "message_archive.txt") {
			t.Errorf("%s: content disposition = %q", path, cd)
		}

		lines := strings.Split(strings.TrimSuffix(rec.Body.String(), "\r\n"), "\r\n")
		if len(lines) != 2 {
			t.Fatalf("%s: expected 2 archive lines, got %q", path, rec.Body)
		}
		if !strings.Contains(lines[0], "7 - 300 - 1187654321098765432 | 42 | hello") ||
			!strings.Contains(lines[0], "https://media.discordapp.net/attachments/300/9/cat.png") {
			t.Errorf("%s: unexpected first line %q", path, lines[0])
		}
		if !strings.Contains(lines[1], "- 1187654321098765999 | 42 | later") {
			t.Errorf("%s: unexpected second line %q", path, lines[1])
		}
	}

	if rec := env.do(t, http.MethodGet, "/api/v1/channels/999/messages/archive", ""); rec.Code != http.StatusNotFound {
		t.Errorf("empty archive status = %d, want 404", rec.Code)
	}
}
