package remotesettings

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mozilla-services/merino/internal/metrics"
	"github.com/mozilla-services/merino/internal/suggest"
)

const (
	// DefaultName is the provider id stamped on adM suggestions.
	DefaultName = "adm"

	defaultMinQueryLen    = 3
	defaultResyncInterval = 3 * time.Hour
)

// Config tunes the leaf. Zero values take the defaults above.
type Config struct {
	// Name is the provider id on outgoing suggestions. Default: "adm".
	Name string
	// MinQueryLen rejects shorter queries before any lookup.
	MinQueryLen int
	// EnglishOnly makes the leaf answer only requests that negotiated an
	// English locale (adM data is English-only).
	EnglishOnly bool
	// ResyncInterval is the background re-fetch period. Default: 3h.
	ResyncInterval time.Duration
}

// Provider is the Remote-Settings-backed leaf. It keeps an immutable keyword
// index swapped atomically by the sync loop, so Suggest never observes a
// partially-built snapshot.
type Provider struct {
	cfg     Config
	client  *Client
	log     *slog.Logger
	metrics *metrics.Registry

	idx atomic.Pointer[index]

	// Hot-reconfigurable tunables (see Reconfigure).
	minQueryLen atomic.Int64
	englishOnly atomic.Bool

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// New creates the leaf without syncing. Call Start to perform the initial
// sync and launch the background resync loop.
func New(cfg Config, client *Client, log *slog.Logger, m *metrics.Registry) *Provider {
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	if cfg.MinQueryLen <= 0 {
		cfg.MinQueryLen = defaultMinQueryLen
	}
	if cfg.ResyncInterval <= 0 {
		cfg.ResyncInterval = defaultResyncInterval
	}
	if log == nil {
		log = slog.Default()
	}
	p := &Provider{
		cfg:     cfg,
		client:  client,
		log:     log,
		metrics: m,
		done:    make(chan struct{}),
	}
	p.minQueryLen.Store(int64(cfg.MinQueryLen))
	p.englishOnly.Store(cfg.EnglishOnly)
	return p
}

// Start performs the initial sync and launches the periodic resync loop.
// An initial sync failure is returned but the loop still starts, so a
// transiently-unreachable upstream heals on the next tick; until then the
// leaf answers every query with an empty response.
func (p *Provider) Start(ctx context.Context) error {
	err := p.syncOnce(ctx)

	p.wg.Add(1)
	go p.resyncLoop(ctx)

	return err
}

// Stop terminates the resync loop and waits for it.
func (p *Provider) Stop() {
	p.stopOnce.Do(func() { close(p.done) })
	p.wg.Wait()
}

func (p *Provider) resyncLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.ResyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Failures keep the previous snapshot; syncOnce logs them.
			_ = p.syncOnce(ctx)
		case <-ctx.Done():
			return
		case <-p.done:
			return
		}
	}
}

// syncOnce fetches the record set, builds a fresh index, and swaps it in.
// On failure the previous snapshot stays live. An empty record set still
// replaces the snapshot — records may legitimately be deleted upstream.
func (p *Provider) syncOnce(ctx context.Context) error {
	records, err := p.client.FetchAll(ctx)
	if err != nil {
		if p.metrics != nil {
			p.metrics.RecordSync("error")
		}
		p.log.Warn("suggestion sync failed, keeping previous snapshot",
			slog.String("provider", p.cfg.Name),
			slog.String("error", err.Error()),
		)
		return suggest.UpstreamError(p.cfg.Name, err)
	}

	if len(records) == 0 {
		if p.metrics != nil {
			p.metrics.RecordSync("empty")
		}
		p.log.Warn("suggestion sync returned zero records",
			slog.String("provider", p.cfg.Name),
		)
	} else if p.metrics != nil {
		p.metrics.RecordSync("ok")
	}

	idx := buildIndex(records, p.cfg.Name)
	p.idx.Store(idx)

	p.log.Info("suggestion index rebuilt",
		slog.String("provider", p.cfg.Name),
		slog.Int("records", len(records)),
		slog.Int("keywords", len(idx.keywords)),
	)
	return nil
}

func (p *Provider) Name() string     { return p.cfg.Name }
func (p *Provider) IsComplete() bool { return true }

func (p *Provider) Suggest(_ context.Context, req *suggest.SuggestionRequest) (*suggest.Response, error) {
	start := time.Now()
	defer func() {
		if p.metrics != nil {
			p.metrics.ObserveProvider(p.cfg.Name, req.AcceptsEnglish, time.Since(start))
		}
	}()

	if p.englishOnly.Load() && !req.AcceptsEnglish {
		return suggest.EmptyResponse(suggest.StatusNone), nil
	}

	q := suggest.Normalize(req.Query)
	if int64(len(q)) < p.minQueryLen.Load() {
		return suggest.EmptyResponse(suggest.StatusNone), nil
	}

	idx := p.idx.Load()
	if idx == nil {
		// No successful sync yet.
		return suggest.EmptyResponse(suggest.StatusNone), nil
	}

	pos := idx.lookup(q)
	if pos < 0 {
		return suggest.EmptyResponse(suggest.StatusNone), nil
	}

	s := idx.results[pos]
	s.FullKeyword = FullKeyword(idx.keywordLists[pos], q)

	return &suggest.Response{
		Suggestions: []suggest.Suggestion{s},
		CacheStatus: suggest.StatusNone,
	}, nil
}

// CacheInputs: the leaf reads only the query and the language negotiation
// result; location, device, and variants never influence its output.
func (p *Provider) CacheInputs(req *suggest.SuggestionRequest, w io.Writer) {
	suggest.WriteField(w, suggest.Normalize(req.Query))
	suggest.WriteBool(w, req.AcceptsEnglish)
}

// Reconfigure hot-swaps tunables without a rebuild. Recognised keys:
// "min_query_len" (int), "english_only" (bool).
func (p *Provider) Reconfigure(cfg map[string]any) error {
	if v, ok := cfg["min_query_len"]; ok {
		if n, ok := v.(int); ok && n > 0 {
			p.minQueryLen.Store(int64(n))
		}
	}
	if v, ok := cfg["english_only"]; ok {
		if b, ok := v.(bool); ok {
			p.englishOnly.Store(b)
		}
	}
	return nil
}
