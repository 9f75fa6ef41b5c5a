package provider

import (
	"bufio"
	"io"
	"strings"
)

// SSEEvent is one server-sent event. Type is empty when the stream does not
// name its events, as OpenAI-compatible streams do.
type SSEEvent struct {
	Type string
	Data string
}

// SSEScanner reads server-sent events from a body. Events are separated by
// blank lines, multi-line data is joined with "\n", and comment lines are
// skipped.
//
//	scanner := NewSSEScanner(body)
//	for scanner.Next() {
//	    ev := scanner.Event()
//	}
//	if err := scanner.Err(); err != nil { ... }
type SSEScanner struct {
	reader  *bufio.Reader
	current SSEEvent
	err     error
}

func NewSSEScanner(r io.Reader) *SSEScanner {
	return &SSEScanner{reader: bufio.NewReaderSize(r, 64*1024)}
}

func (s *SSEScanner) Next() bool {
	if s.err != nil {
		return false
	}
	s.current = SSEEvent{}

	var data []string
	var eventType string
	hasData := false

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil && line == "" {
			if err == io.EOF && hasData {
				s.current = SSEEvent{Type: eventType, Data: strings.Join(data, "\n")}
				s.err = io.EOF
				return true
			}
			s.err = err
			return false
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if hasData {
				s.current = SSEEvent{Type: eventType, Data: strings.Join(data, "\n")}
				return true
			}
			eventType = ""
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, ok := strings.Cut(line, ":")
		if !ok {
			field, value = line, ""
		} else {
			value = strings.TrimPrefix(value, " ")
		}

		switch field {
		case "data":
			data = append(data, value)
			hasData = true
		case "event":
			eventType = value
		}

		if err != nil {
			// Partial last line without a newline.
			if err == io.EOF && hasData {
				s.current = SSEEvent{Type: eventType, Data: strings.Join(data, "\n")}
				s.err = err
				return true
			}
			s.err = err
			return false
		}
	}
}

func (s *SSEScanner) Event() SSEEvent { return s.current }

// Err returns the error that stopped the scanner, or nil on clean EOF.
func (s *SSEScanner) Err() error {
	if s.err == io.EOF {
		return nil
	}
	return s.err
}
