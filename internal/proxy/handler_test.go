package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vnmchuo/llmclient/internal/provider"
	"github.com/vnmchuo/llmclient/internal/usage"
)

type mockUsageStore struct {
	logged     chan *usage.Record
	summary    *usage.Summary
	records    []*usage.Record
	gotBackend string
}

func newMockUsageStore() *mockUsageStore {
	return &mockUsageStore{logged: make(chan *usage.Record, 8)}
}

func (m *mockUsageStore) LogUsage(ctx context.Context, rec *usage.Record) error {
	m.logged <- rec
	return nil
}

func (m *mockUsageStore) GetUsageByBackend(ctx context.Context, backend string, from, to time.Time) ([]*usage.Record, error) {
	return m.records, nil
}

func (m *mockUsageStore) GetSummaryByBackend(ctx context.Context, backend string, from, to time.Time) (*usage.Summary, error) {
	m.gotBackend = backend
	if m.summary != nil {
		return m.summary, nil
	}
	return &usage.Summary{Backend: backend}, nil
}

func (m *mockUsageStore) next(t *testing.T) *usage.Record {
	t.Helper()
	select {
	case rec := <-m.logged:
		return rec
	case <-time.After(time.Second):
		t.Fatal("Expected a usage record")
		return nil
	}
}

func setupTest(backends []Backend) (http.Handler, *mockUsageStore) {
	store := newMockUsageStore()
	h := NewHandler(NewRouter(backends), store, nil)
	r := chi.NewRouter()
	h.Mount(r)
	return r, store
}

const helloBody = `{"messages":[{"role":"user","content":[{"type":"text","text":"hi"}]}]}`

func post(handler http.Handler, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func TestHandleGenerate_Success(t *testing.T) {
	handler, store := setupTest([]Backend{{Name: DefaultBackend, Provider: &MockProvider{name: "openai", model: "gpt-4o"}}})

	w := post(handler, "/v1/generate", helloBody)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var res provider.Result
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if res.Text != "mock" || res.Usage.OutputTokens != 20 {
		t.Errorf("Unexpected result: %+v", res)
	}
	if w.Header().Get("X-Request-Id") == "" {
		t.Error("Expected a request id header")
	}

	rec := store.next(t)
	if rec.Backend != DefaultBackend || rec.Provider != "openai" || rec.Outcome != usage.OutcomeOK || rec.Streamed {
		t.Errorf("Unexpected usage record: %+v", rec)
	}
}

func TestHandleGenerate_Errors(t *testing.T) {
	tests := []struct {
		name     string
		target   string
		body     string
		err      error
		wantCode int
		wantKind string
	}{
		{"unknown backend", "/v1/generate?backend=nope", helloBody, nil, http.StatusNotFound, ""},
		{"bad body", "/v1/generate?backend=b", "{not json", nil, http.StatusBadRequest, ""},
		{"no messages", "/v1/generate?backend=b", `{"messages":[]}`, nil, http.StatusBadRequest, ""},
		{"upstream", "/v1/generate?backend=b", helloBody, &provider.Error{Kind: provider.KindUpstream, Status: 500}, http.StatusBadGateway, "upstream"},
		{"timeout", "/v1/generate?backend=b", helloBody, &provider.Error{Kind: provider.KindFirstTokenTimeout}, http.StatusGatewayTimeout, "first_token_timeout"},
		{"credential", "/v1/generate?backend=b", helloBody, provider.MissingCredential("openai", "OPENAI_API_KEY"), http.StatusInternalServerError, "missing_credential"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &MockProvider{name: "openai", model: "gpt-4o"}
			if tt.err != nil {
				p = failing(tt.err)
			}
			handler, _ := setupTest([]Backend{{Name: "b", Provider: p}})

			w := post(handler, tt.target, tt.body)
			if w.Code != tt.wantCode {
				t.Fatalf("Expected %d, got %d: %s", tt.wantCode, w.Code, w.Body.String())
			}
			var body map[string]string
			_ = json.NewDecoder(w.Body).Decode(&body)
			if body["error"] == "" || body["kind"] != tt.wantKind {
				t.Errorf("Unexpected error body: %v", body)
			}
		})
	}
}

func TestHandleGenerate_BreakerOpen(t *testing.T) {
	p := failing(&provider.Error{Kind: provider.KindUpstream, Status: 503})
	handler, _ := setupTest([]Backend{{Name: "b", Provider: p}})

	for i := 0; i < 3; i++ {
		post(handler, "/v1/generate?backend=b", helloBody)
	}
	w := post(handler, "/v1/generate?backend=b", helloBody)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected 503, got %d", w.Code)
	}
}

// readEvents parses an SSE body into (event, data) pairs.
func readEvents(t *testing.T, body string) [][2]string {
	t.Helper()
	var out [][2]string
	var event string
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			out = append(out, [2]string{event, strings.TrimPrefix(line, "data: ")})
		}
	}
	return out
}

func TestHandleGenerateStream_Success(t *testing.T) {
	handler, store := setupTest([]Backend{{Name: "b", Provider: &MockProvider{name: "mock", model: "mock-1"}}})

	w := post(handler, "/v1/generate/stream?backend=b", helloBody)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Expected text/event-stream, got %s", ct)
	}

	events := readEvents(t, w.Body.String())
	if len(events) != 2 || events[0][0] != "text_delta" || events[1][0] != "finished" {
		t.Fatalf("Unexpected events: %v", events)
	}
	var ev provider.StreamEvent
	if err := json.Unmarshal([]byte(events[0][1]), &ev); err != nil || ev.Text != "mock" {
		t.Errorf("Unexpected first event: %s", events[0][1])
	}

	if rec := store.next(t); !rec.Streamed || rec.Outcome != usage.OutcomeOK {
		t.Errorf("Unexpected usage record: %+v", rec)
	}
}

func TestHandleGenerateStream_StallAfterText(t *testing.T) {
	p := &MockProvider{name: "mock", model: "mock-1", streamingFunc: func(ctx context.Context, req *provider.Request, onEvent func(provider.StreamEvent)) (*provider.Result, error) {
		onEvent(provider.StreamEvent{Type: provider.EventTextDelta, Text: "par"})
		return nil, &provider.Error{Kind: provider.KindStreamStalled, PartialChars: 3, Message: "stream stalled after 50ms with 3 chars received"}
	}}
	handler, store := setupTest([]Backend{{Name: "b", Provider: p}})

	w := post(handler, "/v1/generate/stream?backend=b", helloBody)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 once streaming started, got %d", w.Code)
	}

	events := readEvents(t, w.Body.String())
	if len(events) != 2 || events[1][0] != "error" {
		t.Fatalf("Unexpected events: %v", events)
	}
	var ev provider.StreamEvent
	if err := json.Unmarshal([]byte(events[1][1]), &ev); err != nil || ev.ErrKind != provider.KindStreamStalled {
		t.Errorf("Unexpected error event: %s", events[1][1])
	}

	if rec := store.next(t); rec.Outcome != string(provider.KindStreamStalled) {
		t.Errorf("Expected stalled outcome, got %s", rec.Outcome)
	}
}

func TestHandleGenerateStream_InBandErrorNotDuplicated(t *testing.T) {
	p := &MockProvider{name: "anthropic", model: "claude", streamingFunc: func(ctx context.Context, req *provider.Request, onEvent func(provider.StreamEvent)) (*provider.Result, error) {
		onEvent(provider.StreamEvent{Type: provider.EventError, ErrKind: provider.KindUpstream, ErrMessage: "Overloaded"})
		return nil, &provider.Error{Kind: provider.KindUpstream, Message: "Overloaded"}
	}}
	handler, _ := setupTest([]Backend{{Name: "b", Provider: p}})

	events := readEvents(t, post(handler, "/v1/generate/stream?backend=b", helloBody).Body.String())
	if len(events) != 1 || events[0][0] != "error" {
		t.Fatalf("Expected a single error event, got %v", events)
	}
}

func TestHandleGenerateStream_FirstTokenTimeout(t *testing.T) {
	p := &MockProvider{name: "mock", model: "mock-1", streamingFunc: func(ctx context.Context, req *provider.Request, onEvent func(provider.StreamEvent)) (*provider.Result, error) {
		return nil, &provider.Error{Kind: provider.KindFirstTokenTimeout}
	}}
	handler, _ := setupTest([]Backend{{Name: "b", Provider: p}})

	w := post(handler, "/v1/generate/stream?backend=b", helloBody)
	if w.Code != http.StatusGatewayTimeout {
		t.Fatalf("Expected 504, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected JSON error, got %s", ct)
	}
}

func TestHandleBackends(t *testing.T) {
	handler, _ := setupTest([]Backend{{Name: "b", Provider: &MockProvider{name: "gemini", model: "gemini-2.0-flash"}}})

	req := httptest.NewRequest(http.MethodGet, "/v1/backends", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	var body struct {
		Backends []BackendStatus `json:"backends"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.Backends) != 1 || body.Backends[0].Provider != "gemini" || body.Backends[0].Breaker != "closed" {
		t.Errorf("Unexpected backends: %+v", body.Backends)
	}
}

func TestHandleUsage(t *testing.T) {
	store := newMockUsageStore()
	store.summary = &usage.Summary{Backend: "b", Requests: 4, Failures: 1}
	h := NewHandler(NewRouter(nil), store, nil)
	r := chi.NewRouter()
	h.Mount(r)

	req := httptest.NewRequest(http.MethodGet, "/v1/usage/b?from=2026-01-01T00:00:00Z", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if store.gotBackend != "b" {
		t.Errorf("Expected backend b, got %s", store.gotBackend)
	}

	var body struct {
		Summary usage.Summary `json:"summary"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Summary.Requests != 4 || body.Summary.Failures != 1 {
		t.Errorf("Unexpected summary: %+v", body.Summary)
	}
}

func TestHandleUsage_BadDate(t *testing.T) {
	handler, _ := setupTest(nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/usage/b?to=yesterday", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", w.Code)
	}
}
