package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// textDecoder treats every data frame as a text delta.
type textDecoder struct{}

func (textDecoder) Decode(ev SSEEvent, emit func(StreamEvent)) (bool, error) {
	switch ev.Data {
	case "[DONE]":
		emit(StreamEvent{Type: EventFinished})
		return true, nil
	case "ERR":
		return false, StreamFailure("overloaded_error", "try later")
	case "BAD":
		return false, Malformed(ev, errors.New("unexpected token"))
	}
	emit(StreamEvent{Type: EventTextDelta, Text: ev.Data})
	return false, nil
}

func (textDecoder) Finish(emit func(StreamEvent)) error { return nil }

func collect(events *[]StreamEvent) func(StreamEvent) {
	return func(ev StreamEvent) { *events = append(*events, ev) }
}

func TestConsume_FinishedExactlyOnce(t *testing.T) {
	var events []StreamEvent
	body := strings.NewReader("data: hello\n\ndata:  world\n\ndata: [DONE]\n\ndata: ignored\n\n")
	res, err := Consume(context.Background(), body, textDecoder{}, &Call{Provider: "p", Model: "m"}, NewSink(collect(&events)))
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if res.Text != "hello world" {
		t.Errorf("Expected 'hello world', got %q", res.Text)
	}
	finished := 0
	for _, ev := range events {
		if ev.Type == EventFinished {
			finished++
		}
	}
	if finished != 1 || events[len(events)-1].Type != EventFinished {
		t.Errorf("Expected exactly one trailing Finished, got %+v", events)
	}
}

func TestConsume_EOFWithoutTerminalFrame(t *testing.T) {
	var events []StreamEvent
	res, err := Consume(context.Background(), strings.NewReader("data: partial\n\n"), textDecoder{}, &Call{}, NewSink(collect(&events)))
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if res.Text != "partial" {
		t.Errorf("Expected 'partial', got %q", res.Text)
	}
	if events[len(events)-1].Type != EventFinished {
		t.Errorf("Expected Finished at EOF, got %+v", events)
	}
}

func TestConsume_InBandError(t *testing.T) {
	var events []StreamEvent
	_, err := Consume(context.Background(), strings.NewReader("data: abc\n\ndata: ERR\n\ndata: more\n\n"), textDecoder{}, &Call{Provider: "anthropic", Model: "m"}, NewSink(collect(&events)))
	if !IsKind(err, KindUpstream) {
		t.Fatalf("Expected upstream error, got %v", err)
	}
	last := events[len(events)-1]
	if last.Type != EventError || last.ErrKind != KindUpstream {
		t.Errorf("Expected terminal error event, got %+v", last)
	}
	if err.(*Error).PartialChars != 3 {
		t.Errorf("Expected 3 partial chars, got %d", err.(*Error).PartialChars)
	}
}

func TestConsume_MalformedEventAborts(t *testing.T) {
	var events []StreamEvent
	_, err := Consume(context.Background(), strings.NewReader("data: BAD\n\ndata: never\n\n"), textDecoder{}, &Call{}, NewSink(collect(&events)))
	if !IsKind(err, KindMalformedEvent) {
		t.Fatalf("Expected malformed event error, got %v", err)
	}
	for _, ev := range events {
		if ev.Type == EventTextDelta {
			t.Errorf("Expected no deltas after malformed frame, got %+v", ev)
		}
	}
}

func TestStream_FirstTokenTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer server.Close()

	var events []StreamEvent
	s := Settings{FirstTokenTimeout: 50 * time.Millisecond}
	start := time.Now()
	res, err := Stream(context.Background(), s, &Call{Provider: "p", Model: "m", URL: server.URL, Body: struct{}{}}, textDecoder{}, collect(&events))
	if res != nil {
		t.Errorf("Expected no result, got %+v", res)
	}
	if !IsKind(err, KindFirstTokenTimeout) {
		t.Fatalf("Expected first token timeout, got %v", err)
	}
	if !strings.Contains(err.Error(), "first token timeout") {
		t.Errorf("Expected message to mention first token timeout, got %q", err.Error())
	}
	if err.(*Error).PartialChars != 0 {
		t.Errorf("Expected zero partial chars, got %d", err.(*Error).PartialChars)
	}
	if len(events) != 0 {
		t.Errorf("Expected no events after abort, got %+v", events)
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("Abort took too long: %s", time.Since(start))
	}
}

func TestStream_Stalled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: chunk-1\n\ndata: chunk-2\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer server.Close()

	var events []StreamEvent
	s := Settings{FirstTokenTimeout: time.Second, StallTimeout: 50 * time.Millisecond}
	_, err := Stream(context.Background(), s, &Call{Provider: "p", Model: "m", URL: server.URL, Body: struct{}{}}, textDecoder{}, collect(&events))
	if !IsKind(err, KindStreamStalled) {
		t.Fatalf("Expected stream stalled, got %v", err)
	}
	pe := err.(*Error)
	if pe.PartialChars != len("chunk-1chunk-2") || pe.Partial != "chunk-1chunk-2" {
		t.Errorf("Unexpected partial: %d %q", pe.PartialChars, pe.Partial)
	}
	if !strings.Contains(err.Error(), "with 14 chars received") {
		t.Errorf("Expected char count in message, got %q", err.Error())
	}
	for _, ev := range events {
		if ev.Terminal() {
			t.Errorf("Expected no terminal event after abort, got %+v", ev)
		}
	}
}

func TestStream_CallerCancel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := Stream(ctx, Settings{}, &Call{URL: server.URL, Body: struct{}{}}, textDecoder{}, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
}
