package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/vnmchuo/llmclient/internal/streamguard"
)

const (
	DefaultMaxTokens   = 1024
	DefaultTemperature = 0.7

	// maxRateLimitRetries bounds how many 429s one call absorbs before the
	// backend's answer is surfaced.
	maxRateLimitRetries = 8
	errorBodyLimit      = 4096
)

// RateLimiter is the per-model backoff bookkeeping consulted around every
// dispatch. *ratelimit.Limiter satisfies it.
type RateLimiter interface {
	Acquire(ctx context.Context, model string) error
	Record429(model string) time.Duration
	RecordSuccess(model string)
}

// Settings carries what every HTTP adapter needs from its configuration.
type Settings struct {
	APIKey      string
	Model       string
	BaseURL     string
	Headers     map[string]string
	MaxTokens   int
	Temperature *float64

	FirstTokenTimeout time.Duration
	StallTimeout      time.Duration

	HTTPClient *http.Client
	Limiter    RateLimiter
}

func (s Settings) Client() *http.Client {
	if s.HTTPClient != nil {
		return s.HTTPClient
	}
	return http.DefaultClient
}

func (s Settings) MaxTokensFor(req *Request) int {
	if req.MaxOutputTokens > 0 {
		return req.MaxOutputTokens
	}
	if s.MaxTokens > 0 {
		return s.MaxTokens
	}
	return DefaultMaxTokens
}

func (s Settings) TemperatureFor(req *Request) float64 {
	if req.Temperature != nil {
		return *req.Temperature
	}
	if s.Temperature != nil {
		return *s.Temperature
	}
	return DefaultTemperature
}

// Call is one logical HTTP request against a backend.
type Call struct {
	Provider string
	Model    string
	Shape    string
	URL      string
	Body     any
	Header   http.Header
	Metadata map[string]string
	Stream   bool
}

func (c *Call) errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Provider: c.Provider, Model: c.Model, Shape: c.Shape, Message: fmt.Sprintf(format, args...)}
}

var protectedHeaders = map[string]bool{
	"authorization":     true,
	"x-api-key":         true,
	"x-goog-api-key":    true,
	"anthropic-version": true,
	"content-type":      true,
	"accept":            true,
}

// Send dispatches the call and returns a 2xx response. 429 answers are
// recorded with the limiter and retried after the backoff; any other non-2xx
// answer is classified into an *Error. When g is non-nil its first-token
// deadline is armed at each dispatch.
func Send(ctx context.Context, s Settings, c *Call, g *streamguard.Guard) (*http.Response, error) {
	payload, err := json.Marshal(c.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", c.Provider, err)
	}

	for attempt := 0; ; attempt++ {
		if s.Limiter != nil {
			if err := s.Limiter.Acquire(ctx, c.Model); err != nil {
				return nil, fmt.Errorf("%s %s: waiting for rate limit: %w", c.Provider, c.Model, err)
			}
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if c.Stream {
			httpReq.Header.Set("Accept", "text/event-stream")
		} else {
			httpReq.Header.Set("Accept", "application/json")
		}
		for k, v := range s.Headers {
			httpReq.Header.Set(k, v)
		}
		for k, vs := range c.Header {
			httpReq.Header[http.CanonicalHeaderKey(k)] = vs
		}
		for k, v := range c.Metadata {
			if protectedHeaders[strings.ToLower(k)] {
				continue
			}
			httpReq.Header.Set(k, v)
		}

		if g != nil {
			g.Arm()
		}
		resp, err := s.Client().Do(httpReq)
		if err != nil {
			if g != nil {
				if gerr := g.Err(); gerr != nil {
					return nil, gerr
				}
			}
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%s %s: request canceled: %w", c.Provider, c.Model, ctx.Err())
			}
			return nil, &Error{Kind: KindUpstream, Provider: c.Provider, Model: c.Model, Shape: c.Shape, Message: err.Error(), Err: err}
		}

		if resp.StatusCode == http.StatusTooManyRequests && s.Limiter != nil && attempt < maxRateLimitRetries {
			io.Copy(io.Discard, io.LimitReader(resp.Body, errorBodyLimit))
			resp.Body.Close()
			if g != nil {
				g.Disarm()
			}
			delay := s.Limiter.Record429(c.Model)
			log.Printf("%s %s: rate limited (429), backing off %s", c.Provider, c.Model, delay)
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if s.Limiter != nil {
				s.Limiter.RecordSuccess(c.Model)
			}
			return resp, nil
		}

		perr := classifyHTTPError(c, resp.StatusCode, resp.Body)
		resp.Body.Close()
		return nil, perr
	}
}

// DoJSON sends a non-streaming call and decodes the response body into out.
func DoJSON(ctx context.Context, s Settings, c *Call, out any) error {
	resp, err := Send(ctx, s, c, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Kind: KindUpstream, Provider: c.Provider, Model: c.Model, Shape: c.Shape, Status: resp.StatusCode,
			Message: "failed to decode response", Err: err}
	}
	return nil
}

// TokenParams are the mutually exclusive names backends use for the output
// token budget, in the order they are suggested.
var TokenParams = []string{"max_completion_tokens", "max_output_tokens", "max_tokens"}

type errorEnvelope struct {
	Error   json.RawMessage `json:"error"`
	Message string          `json:"message"`
}

type errorDetail struct {
	Type    string `json:"type"`
	Code    any    `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param"`
}

func classifyHTTPError(c *Call, status int, body io.Reader) *Error {
	raw, _ := io.ReadAll(io.LimitReader(body, errorBodyLimit))
	message, param := parseErrorBody(raw)

	if status == http.StatusBadRequest {
		if suggested, ok := suggestedParam(message, param); ok {
			e := c.errorf(KindParameterIncompatible, "%s", message)
			e.Status = status
			e.Param = suggested
			return e
		}
	}

	e := c.errorf(KindUpstream, "%s", message)
	e.Status = status
	return e
}

func parseErrorBody(raw []byte) (message, param string) {
	var env errorEnvelope
	if err := json.Unmarshal(raw, &env); err == nil {
		var detail errorDetail
		if len(env.Error) > 0 && json.Unmarshal(env.Error, &detail) == nil && detail.Message != "" {
			return detail.Message, detail.Param
		}
		var s string
		if len(env.Error) > 0 && json.Unmarshal(env.Error, &s) == nil && s != "" {
			return s, ""
		}
		if env.Message != "" {
			return env.Message, ""
		}
	}
	return strings.TrimSpace(string(raw)), ""
}

// suggestedParam recognises "unsupported parameter: 'a' ... use 'b' instead"
// style rejections of a token budget parameter and returns b. The rejected name is the structured param
// when present, otherwise the first token parameter the message mentions.
func suggestedParam(message, param string) (string, bool) {
	lower := strings.ToLower(message)
	if !strings.Contains(lower, "unsupported") && !strings.Contains(lower, "not supported") {
		return "", false
	}

	type mention struct {
		name string
		at   int
	}
	var mentions []mention
	for _, name := range TokenParams {
		if i := strings.Index(lower, name); i >= 0 {
			mentions = append(mentions, mention{name, i})
		}
	}
	sort.Slice(mentions, func(i, j int) bool { return mentions[i].at < mentions[j].at })

	rejected := strings.ToLower(param)
	if rejected == "" && len(mentions) > 0 {
		rejected = mentions[0].name
	}
	for _, m := range mentions {
		if m.name != rejected {
			return m.name, true
		}
	}
	return "", false
}

// IsParameterIncompatible reports whether err is a fallback-eligible rejection
// and returns the suggested parameter.
func IsParameterIncompatible(err error) (string, bool) {
	var pe *Error
	if errors.As(err, &pe) && pe.Kind == KindParameterIncompatible {
		return pe.Param, true
	}
	return "", false
}
