package claude

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/vnmchuo/llmclient/internal/provider"
)

type claudeStreamEvent struct {
	Type         string          `json:"type"`
	Index        int             `json:"index"`
	Message      *claudeResponse `json:"message"`
	ContentBlock *claudeContent  `json:"content_block"`
	Delta        *claudeDelta    `json:"delta"`
	Usage        *claudeUsage    `json:"usage"`
	Error        *claudeError    `json:"error"`
}

type claudeDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

type claudeError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type pendingTool struct {
	id    string
	name  string
	input json.RawMessage
	args  strings.Builder
}

// streamDecoder is the state of one messages stream. Tool-use blocks are
// collected by content index and emitted once, complete, when their block
// stops.
type streamDecoder struct {
	pending map[int]*pendingTool
}

func newStreamDecoder() *streamDecoder {
	return &streamDecoder{pending: make(map[int]*pendingTool)}
}

func (d *streamDecoder) Decode(ev provider.SSEEvent, emit func(provider.StreamEvent)) (bool, error) {
	if strings.TrimSpace(ev.Data) == "[DONE]" {
		if err := d.flush(ev, emit); err != nil {
			return false, err
		}
		emit(provider.StreamEvent{Type: provider.EventFinished})
		return true, nil
	}

	var se claudeStreamEvent
	if err := json.Unmarshal([]byte(ev.Data), &se); err != nil {
		return false, provider.Malformed(ev, err)
	}
	kind := se.Type
	if kind == "" {
		kind = ev.Type
	}

	switch kind {
	case "message_start":
		if se.Message != nil && (se.Message.Usage.InputTokens > 0 || se.Message.Usage.OutputTokens > 0) {
			emit(provider.StreamEvent{Type: provider.EventUsage, Usage: &provider.Usage{
				InputTokens:  se.Message.Usage.InputTokens,
				OutputTokens: se.Message.Usage.OutputTokens,
			}})
		}

	case "content_block_start":
		if se.ContentBlock == nil {
			return false, provider.Malformed(ev, fmt.Errorf("missing content_block"))
		}
		switch se.ContentBlock.Type {
		case "tool_use":
			d.pending[se.Index] = &pendingTool{id: se.ContentBlock.ID, name: se.ContentBlock.Name, input: se.ContentBlock.Input}
		case "text":
			if se.ContentBlock.Text != "" {
				emit(provider.StreamEvent{Type: provider.EventTextDelta, Text: se.ContentBlock.Text})
			}
		}

	case "content_block_delta":
		if se.Delta == nil {
			return false, provider.Malformed(ev, fmt.Errorf("missing delta"))
		}
		switch se.Delta.Type {
		case "text_delta":
			if se.Delta.Text != "" {
				emit(provider.StreamEvent{Type: provider.EventTextDelta, Text: se.Delta.Text})
			}
		case "input_json_delta":
			pt, ok := d.pending[se.Index]
			if !ok {
				return false, provider.Malformed(ev, fmt.Errorf("input_json_delta for unknown block %d", se.Index))
			}
			pt.args.WriteString(se.Delta.PartialJSON)
		}

	case "content_block_stop":
		if pt, ok := d.pending[se.Index]; ok {
			delete(d.pending, se.Index)
			if err := emitTool(ev, pt, emit); err != nil {
				return false, err
			}
		}

	case "message_delta":
		if se.Usage != nil {
			emit(provider.StreamEvent{Type: provider.EventUsage, Usage: &provider.Usage{
				InputTokens:  se.Usage.InputTokens,
				OutputTokens: se.Usage.OutputTokens,
			}})
		}

	case "message_stop":
		if err := d.flush(ev, emit); err != nil {
			return false, err
		}
		emit(provider.StreamEvent{Type: provider.EventFinished})
		return true, nil

	case "error":
		if se.Error == nil {
			return false, provider.StreamFailure("", "stream error")
		}
		return false, provider.StreamFailure(se.Error.Type, se.Error.Message)
	}
	return false, nil
}

func (d *streamDecoder) Finish(emit func(provider.StreamEvent)) error {
	return d.flush(provider.SSEEvent{}, emit)
}

// flush emits tool calls whose block never received a stop event.
func (d *streamDecoder) flush(ev provider.SSEEvent, emit func(provider.StreamEvent)) error {
	indexes := make([]int, 0, len(d.pending))
	for idx := range d.pending {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	for _, idx := range indexes {
		pt := d.pending[idx]
		delete(d.pending, idx)
		if err := emitTool(ev, pt, emit); err != nil {
			return err
		}
	}
	return nil
}

func emitTool(ev provider.SSEEvent, pt *pendingTool, emit func(provider.StreamEvent)) error {
	args := json.RawMessage(strings.TrimSpace(pt.args.String()))
	if len(args) == 0 {
		args = pt.input
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	if !json.Valid(args) {
		return provider.Malformed(ev, fmt.Errorf("tool %s arguments are not valid JSON", pt.name))
	}
	emit(provider.StreamEvent{Type: provider.EventToolCall, ToolCall: &provider.ToolCall{ID: pt.id, Name: pt.name, Arguments: args}})
	return nil
}
