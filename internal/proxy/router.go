package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/sony/gobreaker"

	"github.com/vnmchuo/llmclient/internal/provider"
)

var ErrUnknownBackend = errors.New("unknown backend")

// DefaultBackend is used when a request names no backend.
const DefaultBackend = "default"

// Backend is a configured provider published under a name.
type Backend struct {
	Name     string
	Provider provider.Provider
	// Streaming makes plain generate calls go through the streaming path so
	// the first-token and stall deadlines apply.
	Streaming bool
}

type BackendStatus struct {
	Name      string `json:"name"`
	Provider  string `json:"provider"`
	Model     string `json:"model"`
	Streaming bool   `json:"streaming"`
	Breaker   string `json:"breaker"`
	InBackoff bool   `json:"in_backoff"`
}

type route struct {
	Backend
	cb *gobreaker.CircuitBreaker
}

type Router struct {
	routes map[string]*route
}

func NewRouter(backends []Backend) *Router {
	routes := make(map[string]*route, len(backends))
	for _, b := range backends {
		settings := gobreaker.Settings{
			Name:        b.Name,
			MaxRequests: 3,
			Interval:    5 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			IsSuccessful: func(err error) bool {
				return !countsAsFailure(err)
			},
		}
		routes[b.Name] = &route{Backend: b, cb: gobreaker.NewCircuitBreaker(settings)}
	}
	return &Router{routes: routes}
}

// countsAsFailure reports whether err says something about the backend's
// health. Caller mistakes, cancellations and credential problems do not.
func countsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	var perr *provider.Error
	if !errors.As(err, &perr) {
		return false
	}
	switch perr.Kind {
	case provider.KindFirstTokenTimeout, provider.KindStreamStalled, provider.KindMalformedEvent:
		return true
	case provider.KindUpstream:
		return perr.Status == 0 || perr.Status >= http.StatusInternalServerError || perr.Status == http.StatusTooManyRequests
	}
	return false
}

func (r *Router) lookup(name string) (*route, error) {
	if name == "" {
		name = DefaultBackend
	}
	rt, ok := r.routes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, name)
	}
	return rt, nil
}

func (r *Router) Lookup(name string) (Backend, error) {
	rt, err := r.lookup(name)
	if err != nil {
		return Backend{}, err
	}
	return rt.Backend, nil
}

func (r *Router) Execute(ctx context.Context, name string, req *provider.Request) (*provider.Result, error) {
	rt, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	result, err := rt.cb.Execute(func() (interface{}, error) {
		if rt.Streaming {
			return rt.Provider.GenerateStreaming(ctx, req, func(provider.StreamEvent) {})
		}
		return rt.Provider.Generate(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return result.(*provider.Result), nil
}

// ExecuteStream runs a streaming call; onEvent sees every canonical event the
// backend produces. A tripped breaker fails before any event is delivered.
func (r *Router) ExecuteStream(ctx context.Context, name string, req *provider.Request, onEvent func(provider.StreamEvent)) (*provider.Result, error) {
	rt, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	result, err := rt.cb.Execute(func() (interface{}, error) {
		return rt.Provider.GenerateStreaming(ctx, req, onEvent)
	})
	if err != nil {
		return nil, err
	}
	return result.(*provider.Result), nil
}

// Backends lists every backend sorted by name. inBackoff may be nil.
func (r *Router) Backends(inBackoff func(model string) bool) []BackendStatus {
	out := make([]BackendStatus, 0, len(r.routes))
	for _, rt := range r.routes {
		st := BackendStatus{
			Name:      rt.Name,
			Provider:  rt.Provider.Name(),
			Model:     rt.Provider.Model(),
			Streaming: rt.Streaming,
			Breaker:   rt.cb.State().String(),
		}
		if inBackoff != nil {
			st.InBackoff = inBackoff(st.Model)
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
