package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/vnmchuo/llmclient/internal/provider"
	"github.com/vnmchuo/llmclient/internal/usage"
	"github.com/vnmchuo/llmclient/pkg/ratelimit"
)

type Handler struct {
	router  *Router
	usage   usage.Store
	limiter *ratelimit.Limiter
}

// NewHandler serves the router's backends over HTTP. limiter is optional and
// only feeds the backoff flag of the backends listing.
func NewHandler(router *Router, store usage.Store, limiter *ratelimit.Limiter) *Handler {
	return &Handler{
		router:  router,
		usage:   store,
		limiter: limiter,
	}
}

// Mount registers the handler's routes on r.
func (h *Handler) Mount(r chi.Router) {
	r.Post("/v1/generate", h.HandleGenerate)
	r.Post("/v1/generate/stream", h.HandleGenerateStream)
	r.Get("/v1/backends", h.HandleBackends)
	r.Get("/v1/usage/{backend}", h.HandleUsage)
}

func (h *Handler) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	name, requestID, req, ok := h.prepare(w, r)
	if !ok {
		return
	}

	started := time.Now()
	result, err := h.router.Execute(r.Context(), name, req)
	h.logUsage(requestID, name, false, started, result, err)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("X-Request-Id", requestID)
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) HandleGenerateStream(w http.ResponseWriter, r *http.Request) {
	name, requestID, req, ok := h.prepare(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	// Headers are committed on the first event so that failures before the
	// stream starts still get a proper status code.
	started := false
	terminal := false
	begin := func() {
		if started {
			return
		}
		started = true
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Request-Id", requestID)
		w.WriteHeader(http.StatusOK)
	}

	startedAt := time.Now()
	result, err := h.router.ExecuteStream(r.Context(), name, req, func(ev provider.StreamEvent) {
		begin()
		writeEvent(w, ev)
		flusher.Flush()
		terminal = terminal || ev.Terminal()
	})
	h.logUsage(requestID, name, true, startedAt, result, err)

	if err == nil {
		return
	}
	if !started {
		writeError(w, err)
		return
	}
	if !terminal {
		// Deadline aborts end the stream without an event of their own.
		writeEvent(w, provider.StreamEvent{
			Type:       provider.EventError,
			ErrKind:    provider.KindOf(err),
			ErrMessage: err.Error(),
		})
		flusher.Flush()
	}
}

func (h *Handler) prepare(w http.ResponseWriter, r *http.Request) (string, string, *provider.Request, bool) {
	requestID := chimiddleware.GetReqID(r.Context())
	if requestID == "" {
		requestID = uuid.New().String()
	}

	name := r.URL.Query().Get("backend")
	if _, err := h.router.Lookup(name); err != nil {
		writeError(w, err)
		return "", "", nil, false
	}

	var req provider.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return "", "", nil, false
	}
	if len(req.Messages) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "messages must not be empty"})
		return "", "", nil, false
	}

	return name, requestID, &req, true
}

func (h *Handler) logUsage(requestID, name string, streamed bool, started time.Time, result *provider.Result, err error) {
	b, lerr := h.router.Lookup(name)
	if lerr != nil {
		return
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return
	}
	rec := usage.NewRecord(requestID, b.Name, b.Provider, streamed, started, result, err)
	go func() {
		if err := h.usage.LogUsage(context.Background(), rec); err != nil {
			log.Printf("usage: failed to record request %s: %v", requestID, err)
		}
	}()
}

func (h *Handler) HandleBackends(w http.ResponseWriter, r *http.Request) {
	var inBackoff func(string) bool
	if h.limiter != nil {
		inBackoff = h.limiter.InBackoff
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"backends": h.router.Backends(inBackoff),
	})
}

func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	backend := chi.URLParam(r, "backend")

	now := time.Now()
	from := now.AddDate(0, 0, -30) // Default: last 30 days
	to := now

	if s := r.URL.Query().Get("from"); s != "" {
		var err error
		from, err = time.Parse(time.RFC3339, s)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid 'from' date format (use RFC3339)"})
			return
		}
	}
	if s := r.URL.Query().Get("to"); s != "" {
		var err error
		to, err = time.Parse(time.RFC3339, s)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid 'to' date format (use RFC3339)"})
			return
		}
	}

	summary, err := h.usage.GetSummaryByBackend(ctx, backend, from, to)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	records, err := h.usage.GetUsageByBackend(ctx, backend, from, to)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"summary": summary,
		"records": records,
		"from":    from,
		"to":      to,
	})
}

// StatusFor maps a call failure to the HTTP status the surface answers with.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ErrUnknownBackend):
		return http.StatusNotFound
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return http.StatusServiceUnavailable
	}
	switch provider.KindOf(err) {
	case provider.KindFirstTokenTimeout, provider.KindStreamStalled:
		return http.StatusGatewayTimeout
	case provider.KindMissingCredential, provider.KindConfiguration:
		return http.StatusInternalServerError
	}
	return http.StatusBadGateway
}

func writeError(w http.ResponseWriter, err error) {
	body := map[string]string{"error": err.Error()}
	if kind := provider.KindOf(err); kind != "" {
		body["kind"] = string(kind)
	}
	writeJSON(w, StatusFor(err), body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeEvent(w http.ResponseWriter, ev provider.StreamEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
}
