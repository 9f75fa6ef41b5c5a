// Package usage records one row per LLM call made through the HTTP surface.
package usage

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/vnmchuo/llmclient/internal/provider"
)

const OutcomeOK = "ok"

type Record struct {
	ID           string
	RequestID    string
	Backend      string
	Provider     string
	Model        string
	Shape        string
	Streamed     bool
	InputTokens  int
	OutputTokens int
	LatencyMs    int64
	// Outcome is OutcomeOK or the error kind of a failed call.
	Outcome   string
	CreatedAt time.Time
}

// Summary aggregates a backend's records over a time window.
type Summary struct {
	Backend      string `json:"backend"`
	Requests     int    `json:"requests"`
	Failures     int    `json:"failures"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
}

type Store interface {
	LogUsage(ctx context.Context, rec *Record) error
	GetUsageByBackend(ctx context.Context, backend string, from, to time.Time) ([]*Record, error)
	GetSummaryByBackend(ctx context.Context, backend string, from, to time.Time) (*Summary, error)
}

// NewRecord describes a finished call. err may be nil.
func NewRecord(requestID, backend string, p provider.Provider, streamed bool, started time.Time, res *provider.Result, err error) *Record {
	rec := &Record{
		ID:        uuid.NewString(),
		RequestID: requestID,
		Backend:   backend,
		Provider:  p.Name(),
		Model:     p.Model(),
		Streamed:  streamed,
		LatencyMs: time.Since(started).Milliseconds(),
		Outcome:   OutcomeOK,
		CreatedAt: time.Now().UTC(),
	}
	if err != nil {
		rec.Outcome = string(provider.KindOf(err))
		if rec.Outcome == "" {
			rec.Outcome = "canceled"
		}
		return rec
	}
	rec.Shape = res.Shape
	if res.Usage != nil {
		rec.InputTokens = res.Usage.InputTokens
		rec.OutputTokens = res.Usage.OutputTokens
	}
	return rec
}

// LogStore writes records to the process log. It is used when no database
// is configured, and keeps nothing to query.
type LogStore struct{}

func (LogStore) LogUsage(ctx context.Context, rec *Record) error {
	log.Printf("usage: request=%s backend=%s %s/%s shape=%s streamed=%t in=%d out=%d latency=%dms outcome=%s",
		rec.RequestID, rec.Backend, rec.Provider, rec.Model, rec.Shape, rec.Streamed,
		rec.InputTokens, rec.OutputTokens, rec.LatencyMs, rec.Outcome)
	return nil
}

func (LogStore) GetUsageByBackend(ctx context.Context, backend string, from, to time.Time) ([]*Record, error) {
	return nil, nil
}

func (LogStore) GetSummaryByBackend(ctx context.Context, backend string, from, to time.Time) (*Summary, error) {
	return &Summary{Backend: backend}, nil
}
