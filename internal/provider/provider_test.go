package provider

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/mozilla-services/merino/internal/suggest"
)

// stubProvider is a configurable test double: it answers with a fixed
// suggestion list after an optional delay, or fails.
type stubProvider struct {
	name        string
	suggestions []suggest.Suggestion
	status      suggest.CacheStatus
	err         error
	delay       time.Duration

	calls atomic.Int64
}

func newStub(name string, suggestions ...suggest.Suggestion) *stubProvider {
	return &stubProvider{name: name, suggestions: suggestions, status: suggest.StatusNone}
}

func (p *stubProvider) Suggest(ctx context.Context, _ *suggest.SuggestionRequest) (*suggest.Response, error) {
	p.calls.Add(1)

	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.err != nil {
		return nil, p.err
	}
	return &suggest.Response{
		Suggestions: p.suggestions,
		CacheStatus: p.status,
	}, nil
}

func (p *stubProvider) CacheInputs(req *suggest.SuggestionRequest, w io.Writer) {
	suggest.WriteField(w, p.name)
	suggest.WriteField(w, req.Query)
}

func (p *stubProvider) Name() string     { return p.name }
func (p *stubProvider) IsComplete() bool { return true }

func oneSuggestion(provider, title string) suggest.Suggestion {
	return suggest.Suggestion{
		BlockID:  1,
		Title:    title,
		URL:      "https://example.com/" + title,
		Provider: provider,
	}
}

var errBoom = errors.New("boom")
