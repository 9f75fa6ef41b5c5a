// Package mock is a deterministic provider for exercising stream timeouts
// without a network. Its behaviour is selected by LLMCLIENT_MOCK_*
// environment variables, read once at construction.
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/vnmchuo/llmclient/internal/provider"
	"github.com/vnmchuo/llmclient/internal/streamguard"
)

const (
	ProfileNormal             = "normal"
	ProfileNoFirstChunk       = "no_first_chunk"
	ProfileStallAfterN        = "stall_after_n"
	ProfileThinkingThenAnswer = "thinking_then_answer"
)

const (
	EnvProfile         = "LLMCLIENT_MOCK_STREAM_PROFILE"
	EnvStallAfter      = "LLMCLIENT_MOCK_STALL_AFTER_CHUNKS"
	EnvThinkingTokens  = "LLMCLIENT_MOCK_THINKING_TOKENS"
	EnvFirstChunkDelay = "LLMCLIENT_MOCK_FIRST_CHUNK_DELAY_MS"
	EnvInterChunkDelay = "LLMCLIENT_MOCK_INTER_CHUNK_DELAY_MS"
)

type Profile struct {
	Name            string
	StallAfter      int
	ThinkingTokens  int
	FirstChunkDelay time.Duration
	InterChunkDelay time.Duration
}

func DefaultProfile() Profile {
	return Profile{
		Name:            ProfileNormal,
		StallAfter:      2,
		ThinkingTokens:  3,
		InterChunkDelay: 10 * time.Millisecond,
	}
}

// ProfileFromEnv reads the LLMCLIENT_MOCK_* variables over DefaultProfile.
// Unknown profile names and unparsable numbers keep the defaults.
func ProfileFromEnv() Profile {
	p := DefaultProfile()
	switch name := strings.ToLower(strings.TrimSpace(os.Getenv(EnvProfile))); name {
	case ProfileNoFirstChunk, ProfileStallAfterN, ProfileThinkingThenAnswer:
		p.Name = name
	}
	p.StallAfter = envInt(EnvStallAfter, p.StallAfter)
	p.ThinkingTokens = envInt(EnvThinkingTokens, p.ThinkingTokens)
	p.FirstChunkDelay = time.Duration(envInt(EnvFirstChunkDelay, int(p.FirstChunkDelay/time.Millisecond))) * time.Millisecond
	p.InterChunkDelay = time.Duration(envInt(EnvInterChunkDelay, int(p.InterChunkDelay/time.Millisecond))) * time.Millisecond
	return p
}

func envInt(key string, fallback int) int {
	if v, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key))); err == nil && v >= 0 {
		return v
	}
	return fallback
}

type MockProvider struct {
	settings provider.Settings
	profile  Profile
}

func New(s provider.Settings, profile Profile) *MockProvider {
	if s.Model == "" {
		s.Model = "mock-1"
	}
	return &MockProvider{settings: s, profile: profile}
}

func (p *MockProvider) Name() string     { return "mock" }
func (p *MockProvider) Model() string    { return p.settings.Model }
func (p *MockProvider) Profile() Profile { return p.profile }

// Generate plays the same script as GenerateStreaming without the timeout
// guard, so no_first_chunk blocks until ctx is done.
func (p *MockProvider) Generate(ctx context.Context, req *provider.Request) (*provider.Result, error) {
	return p.run(ctx, req, 0, 0, func(provider.StreamEvent) {})
}

func (p *MockProvider) GenerateStreaming(ctx context.Context, req *provider.Request, onEvent func(provider.StreamEvent)) (*provider.Result, error) {
	return p.run(ctx, req, p.settings.FirstTokenTimeout, p.settings.StallTimeout, onEvent)
}

// run writes the scripted frames into a pipe as server-sent events and
// consumes them exactly as an HTTP stream would be.
func (p *MockProvider) run(ctx context.Context, req *provider.Request, firstToken, stall time.Duration, onEvent func(provider.StreamEvent)) (*provider.Result, error) {
	g, gctx := streamguard.New(ctx, firstToken, stall)
	defer g.Stop()

	pr, pw := io.Pipe()
	body := g.Wrap(pr)
	defer body.Close()

	g.Arm()
	go p.produce(gctx, pw, p.script(req))

	c := &provider.Call{Provider: p.Name(), Model: p.settings.Model, Stream: true}
	return provider.Consume(ctx, body, decoder{}, c, provider.NewSink(onEvent))
}

func (p *MockProvider) script(req *provider.Request) []provider.StreamEvent {
	prompt := lastUserText(req)

	var frames []provider.StreamEvent
	if p.profile.Name == ProfileThinkingThenAnswer {
		for i := 1; i <= p.profile.ThinkingTokens; i++ {
			frames = append(frames, provider.StreamEvent{Type: provider.EventTextDelta, Text: fmt.Sprintf("(thinking %d) ", i)})
		}
	}
	answer := "Mock response from " + p.settings.Model + ": " + prompt
	for _, word := range strings.SplitAfter(answer, " ") {
		if word != "" {
			frames = append(frames, provider.StreamEvent{Type: provider.EventTextDelta, Text: word})
		}
	}

	if name, ok := forcedTool(req); ok {
		args, _ := json.Marshal(map[string]string{"prompt": prompt})
		frames = append(frames, provider.StreamEvent{Type: provider.EventToolCall, ToolCall: &provider.ToolCall{
			ID: "call_" + uuid.NewString(), Name: name, Arguments: args,
		}})
	}

	output := 0
	for _, f := range frames {
		if f.Type == provider.EventTextDelta {
			output++
		}
	}
	frames = append(frames, provider.StreamEvent{Type: provider.EventUsage, Usage: &provider.Usage{
		InputTokens:  len(strings.Fields(prompt)),
		OutputTokens: output,
	}})
	return frames
}

func (p *MockProvider) produce(ctx context.Context, w *io.PipeWriter, frames []provider.StreamEvent) {
	var err error
	defer func() { w.CloseWithError(err) }()

	if p.profile.Name == ProfileNoFirstChunk {
		<-ctx.Done()
		err = ctx.Err()
		return
	}

	sent := 0
	for i, ev := range frames {
		delay := p.profile.InterChunkDelay
		if i == 0 {
			delay = p.profile.FirstChunkDelay
		}
		if err = sleep(ctx, delay); err != nil {
			return
		}
		if p.profile.Name == ProfileStallAfterN && sent >= p.profile.StallAfter {
			<-ctx.Done()
			err = ctx.Err()
			return
		}

		data, _ := json.Marshal(ev)
		if _, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
			return
		}
		sent++
	}
	_, err = io.WriteString(w, "data: [DONE]\n\n")
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func lastUserText(req *provider.Request) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == provider.RoleUser {
			return req.Messages[i].PlainText()
		}
	}
	return ""
}

func forcedTool(req *provider.Request) (string, bool) {
	if req.ToolChoice == nil || len(req.Tools) == 0 {
		return "", false
	}
	switch req.ToolChoice.Mode {
	case provider.ToolChoiceNamed:
		return req.ToolChoice.Name, true
	case provider.ToolChoiceRequired:
		return req.Tools[0].Name, true
	}
	return "", false
}

// decoder reads canonical events back off the pipe.
type decoder struct{}

func (decoder) Decode(ev provider.SSEEvent, emit func(provider.StreamEvent)) (bool, error) {
	if ev.Data == "[DONE]" {
		emit(provider.StreamEvent{Type: provider.EventFinished})
		return true, nil
	}
	var se provider.StreamEvent
	if err := json.Unmarshal([]byte(ev.Data), &se); err != nil {
		return false, provider.Malformed(ev, err)
	}
	emit(se)
	return se.Terminal(), nil
}

func (decoder) Finish(emit func(provider.StreamEvent)) error { return nil }
