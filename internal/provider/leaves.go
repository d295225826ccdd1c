package provider

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"

	"github.com/mozilla-services/merino/internal/suggest"
)

// Stealth runs its child but always returns an empty response. It is used for
// dark-launching new providers: the child serves real shadow traffic and is
// cached normally (cache inputs are forwarded), so promoting it later is a
// config change, not a cold start.
type Stealth struct {
	name  string
	child suggest.Provider
	log   *slog.Logger
}

func NewStealth(name string, child suggest.Provider, log *slog.Logger) *Stealth {
	if log == nil {
		log = slog.Default()
	}
	return &Stealth{name: name, child: child, log: log}
}

func (s *Stealth) Name() string     { return s.name }
func (s *Stealth) IsComplete() bool { return false }

func (s *Stealth) Suggest(ctx context.Context, req *suggest.SuggestionRequest) (*suggest.Response, error) {
	if _, err := s.child.Suggest(ctx, req); err != nil {
		s.log.Warn("stealth child failed",
			slog.String("stealth", s.name),
			slog.String("provider", s.child.Name()),
			slog.String("error", err.Error()),
		)
	}
	return suggest.EmptyResponse(suggest.StatusNone), nil
}

func (s *Stealth) CacheInputs(req *suggest.SuggestionRequest, w io.Writer) {
	s.child.CacheInputs(req, w)
}

// Null ignores its input and returns nothing. It contributes no cache inputs.
type Null struct{ name string }

func NewNull(name string) *Null { return &Null{name: name} }

func (n *Null) Name() string     { return n.name }
func (n *Null) IsComplete() bool { return false }

func (n *Null) Suggest(context.Context, *suggest.SuggestionRequest) (*suggest.Response, error) {
	return suggest.EmptyResponse(suggest.StatusNone), nil
}

func (n *Null) CacheInputs(*suggest.SuggestionRequest, io.Writer) {}

// Fixed returns a single suggestion whose title is the configured value, for
// smoke tests and cache-layer tests that need a deterministic payload.
type Fixed struct {
	name  string
	value string
}

func NewFixed(name, value string) *Fixed { return &Fixed{name: name, value: value} }

func (f *Fixed) Name() string     { return f.name }
func (f *Fixed) IsComplete() bool { return true }

func (f *Fixed) Suggest(context.Context, *suggest.SuggestionRequest) (*suggest.Response, error) {
	return &suggest.Response{
		Suggestions: []suggest.Suggestion{{
			BlockID:     0,
			FullKeyword: f.value,
			Title:       f.value,
			URL:         "https://merino.services.mozilla.com/",
			Provider:    f.name,
			Advertiser:  f.name,
			Score:       0,
		}},
		CacheStatus: suggest.StatusNone,
	}, nil
}

func (f *Fixed) CacheInputs(*suggest.SuggestionRequest, io.Writer) {}

// Debug echoes the whole request back as a suggestion title, so operators can
// see exactly what context the pipeline derived for a query.
type Debug struct{ name string }

func NewDebug(name string) *Debug { return &Debug{name: name} }

func (d *Debug) Name() string     { return d.name }
func (d *Debug) IsComplete() bool { return true }

func (d *Debug) Suggest(_ context.Context, req *suggest.SuggestionRequest) (*suggest.Response, error) {
	body, err := json.Marshal(struct {
		Query              string             `json:"query"`
		AcceptsEnglish     bool               `json:"accepts_english"`
		Country            string             `json:"country,omitempty"`
		Region             string             `json:"region,omitempty"`
		City               string             `json:"city,omitempty"`
		DMA                *int               `json:"dma,omitempty"`
		DeviceInfo         suggest.DeviceInfo `json:"device_info"`
		ClientVariants     []string           `json:"client_variants,omitempty"`
		RequestedProviders []string           `json:"requested_providers,omitempty"`
	}{
		Query:              req.Query,
		AcceptsEnglish:     req.AcceptsEnglish,
		Country:            req.Country,
		Region:             req.Region,
		City:               req.City,
		DMA:                req.DMA,
		DeviceInfo:         req.DeviceInfo,
		ClientVariants:     req.ClientVariants,
		RequestedProviders: req.RequestedProviders,
	})
	if err != nil {
		return nil, suggest.InternalError(d.name, err)
	}

	return &suggest.Response{
		Suggestions: []suggest.Suggestion{{
			FullKeyword: req.Query,
			Title:       string(body),
			URL:         "about:blank",
			Provider:    d.name,
		}},
		CacheStatus: suggest.StatusNone,
	}, nil
}

// CacheInputs covers every field Debug echoes — which is all of them.
func (d *Debug) CacheInputs(req *suggest.SuggestionRequest, w io.Writer) {
	suggest.WriteField(w, req.Query)
	suggest.WriteBool(w, req.AcceptsEnglish)
	suggest.WriteField(w, req.Country)
	suggest.WriteField(w, req.Region)
	suggest.WriteField(w, req.City)
	if req.DMA != nil {
		suggest.WriteInt(w, int64(*req.DMA))
	}
	suggest.WriteField(w, req.DeviceInfo.FormFactor)
	suggest.WriteField(w, req.DeviceInfo.OSFamily)
	suggest.WriteField(w, req.DeviceInfo.Browser)
	for _, v := range req.ClientVariants {
		suggest.WriteField(w, v)
	}
	suggest.WriteInt(w, int64(len(req.RequestedProviders)))
	for _, v := range req.RequestedProviders {
		suggest.WriteField(w, v)
	}
}
