package provider

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/mozilla-services/merino/internal/metrics"
	"github.com/mozilla-services/merino/internal/suggest"
)

// Multiplexer fans a request out to all children concurrently and
// concatenates their suggestions in declared child order. One child's failure
// is logged but never fails the union — the remaining children's results are
// returned.
type Multiplexer struct {
	name     string
	children []suggest.Provider
	log      *slog.Logger
	metrics  *metrics.Registry
}

// NewMultiplexer creates a multiplexer over children. The slice order is the
// response order.
func NewMultiplexer(name string, children []suggest.Provider, log *slog.Logger, m *metrics.Registry) *Multiplexer {
	if log == nil {
		log = slog.Default()
	}
	return &Multiplexer{name: name, children: children, log: log, metrics: m}
}

func (m *Multiplexer) Name() string { return m.name }

// IsComplete reports whether any child can yield suggestions.
func (m *Multiplexer) IsComplete() bool {
	for _, c := range m.children {
		if c.IsComplete() {
			return true
		}
	}
	return false
}

// Suggest queries every child concurrently. Results are reassembled by child
// position, not by completion time, so the declared order is stable.
func (m *Multiplexer) Suggest(ctx context.Context, req *suggest.SuggestionRequest) (*suggest.Response, error) {
	results := make([]*suggest.Response, len(m.children))
	errs := make([]error, len(m.children))

	var wg sync.WaitGroup
	for i, child := range m.children {
		wg.Add(1)
		go func(i int, child suggest.Provider) {
			defer wg.Done()
			resp, err := child.Suggest(ctx, req)
			if err != nil {
				errs[i] = err
				m.log.Error("provider failed inside multiplexer",
					slog.String("multiplexer", m.name),
					slog.String("provider", child.Name()),
					slog.String("kind", errorKind(err)),
					slog.String("error", err.Error()),
				)
				if m.metrics != nil {
					m.metrics.RecordProviderError(child.Name(), errorKind(err))
				}
				return
			}
			results[i] = resp
		}(i, child)
	}
	wg.Wait()

	// One warn line summarising everything that was masked this request.
	var masked *multierror.Error
	for _, err := range errs {
		if err != nil {
			masked = multierror.Append(masked, err)
		}
	}
	if masked != nil {
		m.log.Warn("multiplexer masked child errors",
			slog.String("multiplexer", m.name),
			slog.Int("failed", masked.Len()),
			slog.String("errors", masked.Error()),
		)
	}

	out := &suggest.Response{
		Suggestions: []suggest.Suggestion{},
		CacheStatus: suggest.StatusNone,
	}
	for i, resp := range results {
		if resp == nil {
			continue
		}
		out.Suggestions = append(out.Suggestions, resp.Suggestions...)
		out.CacheStatus = MergeStatus(out.CacheStatus, resp.CacheStatus)
		if errs[i] == nil && resp.TTL > 0 && (out.TTL == 0 || resp.TTL < out.TTL) {
			out.TTL = resp.TTL
		}
	}
	if masked != nil {
		out.CacheStatus = MergeStatus(out.CacheStatus, suggest.StatusError)
	}
	return out, nil
}

// CacheInputs is the union of the children's cache inputs, forwarded in
// declared order so the resulting key is deterministic.
func (m *Multiplexer) CacheInputs(req *suggest.SuggestionRequest, w io.Writer) {
	for _, c := range m.children {
		c.CacheInputs(req, w)
	}
}

// MergeStatus folds two cache statuses into the aggregate that drives HTTP
// caching headers. The weakest link wins: error > miss > hit > none.
func MergeStatus(a, b suggest.CacheStatus) suggest.CacheStatus {
	rank := func(s suggest.CacheStatus) int {
		switch s {
		case suggest.StatusError:
			return 3
		case suggest.StatusMiss:
			return 2
		case suggest.StatusHit:
			return 1
		default:
			return 0
		}
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}
