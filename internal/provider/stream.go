package provider

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/vnmchuo/llmclient/internal/streamguard"
)

// Decoder is the per-stream state machine of one wire protocol. Decode is
// called once per server-sent event and reports done when the backend's
// terminal frame was seen. Finish is called instead when the body ends
// without one, and must flush anything still pending.
//
// A Decoder emits Finished itself when it sees the terminal frame. Returned
// errors should be *Error values of kind MalformedEvent or Upstream.
type Decoder interface {
	Decode(ev SSEEvent, emit func(StreamEvent)) (done bool, err error)
	Finish(emit func(StreamEvent)) error
}

// Stream sends a streaming call under a timeout guard and runs dec over the
// response body.
func Stream(ctx context.Context, s Settings, c *Call, dec Decoder, onEvent func(StreamEvent)) (*Result, error) {
	c.Stream = true
	g, gctx := streamguard.New(ctx, s.FirstTokenTimeout, s.StallTimeout)
	defer g.Stop()

	sink := NewSink(onEvent)
	resp, err := Send(gctx, s, c, g)
	if err != nil {
		return nil, c.abort(ctx, err, sink)
	}
	body := g.Wrap(resp.Body)
	defer body.Close()

	return Consume(ctx, body, dec, c, sink)
}

// Consume runs dec over an already-open event stream. It returns the folded
// result once a terminal frame or a clean end of body is reached.
func Consume(ctx context.Context, body io.Reader, dec Decoder, c *Call, sink *Sink) (*Result, error) {
	scanner := NewSSEScanner(body)
	for scanner.Next() {
		done, err := dec.Decode(scanner.Event(), sink.Emit)
		if err != nil {
			return nil, c.abort(ctx, err, sink)
		}
		if done {
			return c.finish(sink), nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, c.abort(ctx, err, sink)
	}
	if err := dec.Finish(sink.Emit); err != nil {
		return nil, c.abort(ctx, err, sink)
	}
	return c.finish(sink), nil
}

func (c *Call) finish(sink *Sink) *Result {
	if !sink.Closed() {
		sink.Emit(StreamEvent{Type: EventFinished})
	}
	res := sink.Acc.Result()
	res.Shape = c.Shape
	return res
}

// abort maps a stream failure to the error returned to the caller. Deadline
// aborts deliver no further events; backend and framing failures are
// reported as a terminal Error event first.
func (c *Call) abort(ctx context.Context, err error, sink *Sink) error {
	var te *streamguard.TimeoutError
	if errors.As(err, &te) {
		if te.Phase == streamguard.PhaseFirstToken {
			return &Error{Kind: KindFirstTokenTimeout, Provider: c.Provider, Model: c.Model, Shape: c.Shape, Timeout: te.After, Err: err}
		}
		return &Error{
			Kind: KindStreamStalled, Provider: c.Provider, Model: c.Model, Shape: c.Shape, Timeout: te.After,
			PartialChars: sink.Acc.Chars(), Partial: sink.Acc.Text(), Err: err,
		}
	}

	if ctx.Err() != nil {
		return fmt.Errorf("%s %s: stream aborted: %w", c.Provider, c.Model, ctx.Err())
	}

	var pe *Error
	if errors.As(err, &pe) {
		if pe.Provider == "" {
			pe.Provider = c.Provider
		}
		if pe.Model == "" {
			pe.Model = c.Model
		}
		if pe.Shape == "" {
			pe.Shape = c.Shape
		}
		if pe.Kind == KindMalformedEvent || pe.Kind == KindUpstream {
			if pe.Partial == "" {
				pe.PartialChars = sink.Acc.Chars()
				pe.Partial = sink.Acc.Text()
			}
			sink.Emit(StreamEvent{Type: EventError, ErrKind: pe.Kind, ErrMessage: pe.Message})
		}
		return pe
	}

	e := &Error{Kind: KindUpstream, Provider: c.Provider, Model: c.Model, Shape: c.Shape,
		Message: "stream read failed: " + err.Error(), Err: err,
		PartialChars: sink.Acc.Chars(), Partial: sink.Acc.Text()}
	sink.Emit(StreamEvent{Type: EventError, ErrKind: e.Kind, ErrMessage: e.Message})
	return e
}

// Malformed reports a frame that could not be decoded.
func Malformed(ev SSEEvent, err error) *Error {
	return &Error{Kind: KindMalformedEvent, Message: fmt.Sprintf("malformed %q event: %v", ev.Type, err), Err: err}
}

// StreamFailure reports an error the backend sent inside the stream.
func StreamFailure(errType, message string) *Error {
	if errType != "" {
		message = errType + ": " + message
	}
	return &Error{Kind: KindUpstream, Message: message}
}
