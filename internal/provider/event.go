package provider

import "strings"

type EventType string

const (
	EventTextDelta EventType = "text_delta"
	EventToolCall  EventType = "tool_call"
	EventUsage     EventType = "usage"
	EventFinished  EventType = "finished"
	EventError     EventType = "error"
)

type StreamEvent struct {
	Type       EventType `json:"type"`
	Text       string    `json:"text,omitempty"`
	ToolCall   *ToolCall `json:"tool_call,omitempty"`
	Usage      *Usage    `json:"usage,omitempty"`
	ErrKind    Kind      `json:"error_kind,omitempty"`
	ErrMessage string    `json:"error_message,omitempty"`
}

func (e StreamEvent) Terminal() bool {
	return e.Type == EventFinished || e.Type == EventError
}

// Accumulator folds stream events into a Result.
type Accumulator struct {
	text  strings.Builder
	calls []ToolCall
	usage *Usage
	chars int
}

func (a *Accumulator) Add(ev StreamEvent) {
	switch ev.Type {
	case EventTextDelta:
		a.text.WriteString(ev.Text)
		a.chars += len([]rune(ev.Text))
	case EventToolCall:
		if ev.ToolCall != nil {
			a.calls = append(a.calls, *ev.ToolCall)
		}
	case EventUsage:
		if ev.Usage != nil {
			u := *ev.Usage
			if a.usage != nil {
				// Backends split usage across frames; keep the non-zero side of each.
				if u.InputTokens == 0 {
					u.InputTokens = a.usage.InputTokens
				}
				if u.OutputTokens == 0 {
					u.OutputTokens = a.usage.OutputTokens
				}
			}
			a.usage = &u
		}
	}
}

func (a *Accumulator) Text() string { return a.text.String() }

// Chars is the number of runes of text received so far.
func (a *Accumulator) Chars() int { return a.chars }

func (a *Accumulator) Result() *Result {
	return &Result{
		Text:      a.text.String(),
		ToolCalls: a.calls,
		Usage:     a.usage,
	}
}

// Sink forwards events to a caller callback while folding them. Once a
// terminal event has been delivered, everything after it is dropped.
type Sink struct {
	Acc     Accumulator
	onEvent func(StreamEvent)
	closed  bool
}

func NewSink(onEvent func(StreamEvent)) *Sink {
	return &Sink{onEvent: onEvent}
}

func (s *Sink) Emit(ev StreamEvent) {
	if s.closed {
		return
	}
	if ev.Terminal() {
		s.closed = true
	}
	s.Acc.Add(ev)
	if s.onEvent != nil {
		s.onEvent(ev)
	}
}

// Closed reports whether a terminal event has been emitted.
func (s *Sink) Closed() bool { return s.closed }
