package provider

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/mozilla-services/merino/internal/suggest"
)

// Timeout bounds a child's latency. If the child does not answer within
// MaxTime the request is cancelled and an empty, status-none response is
// returned — expiry is never surfaced as an error. Errors the child returns
// before the deadline are propagated unchanged.
type Timeout struct {
	name    string
	child   suggest.Provider
	maxTime time.Duration
	log     *slog.Logger
}

func NewTimeout(name string, child suggest.Provider, maxTime time.Duration, log *slog.Logger) *Timeout {
	if log == nil {
		log = slog.Default()
	}
	return &Timeout{name: name, child: child, maxTime: maxTime, log: log}
}

func (t *Timeout) Name() string     { return t.name }
func (t *Timeout) IsComplete() bool { return t.child.IsComplete() }

type timeoutResult struct {
	resp *suggest.Response
	err  error
}

func (t *Timeout) Suggest(ctx context.Context, req *suggest.SuggestionRequest) (*suggest.Response, error) {
	cctx, cancel := context.WithTimeout(ctx, t.maxTime)
	defer cancel()

	// Buffered so an abandoned child can still send and exit.
	ch := make(chan timeoutResult, 1)
	go func() {
		resp, err := t.child.Suggest(cctx, req)
		ch <- timeoutResult{resp: resp, err: err}
	}()

	select {
	case r := <-ch:
		return r.resp, r.err
	case <-cctx.Done():
		// Deadline fired (or the caller gave up). The child sees the
		// cancelled context and unwinds on its own; any side effects it
		// already committed stand.
		t.log.Debug("provider timed out",
			slog.String("timeout", t.name),
			slog.String("provider", t.child.Name()),
			slog.Duration("max_time", t.maxTime),
		)
		return suggest.EmptyResponse(suggest.StatusNone), nil
	}
}

func (t *Timeout) CacheInputs(req *suggest.SuggestionRequest, w io.Writer) {
	t.child.CacheInputs(req, w)
}
