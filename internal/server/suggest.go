package server

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/mozilla-services/merino/internal/logger"
	"github.com/mozilla-services/merino/internal/provider"
	"github.com/mozilla-services/merino/internal/suggest"
	"github.com/mozilla-services/merino/pkg/apierr"
)

// suggestResponse is the JSON body of GET /api/v1/suggest.
type suggestResponse struct {
	ClientVariants []string             `json:"client_variants"`
	ServerVariants []string             `json:"server_variants"`
	RequestID      string               `json:"request_id"`
	Suggestions    []suggest.Suggestion `json:"suggestions"`
}

// providersResponse is the JSON body of GET /api/v1/providers.
type providersResponse struct {
	Providers map[string]providerInfo `json:"providers"`
}

type providerInfo struct {
	ID           string `json:"id"`
	Availability string `json:"availability"`
}

func (s *Server) handleSuggest(ctx *fasthttp.RequestCtx) {
	start := time.Now()

	forest := s.forest()
	if forest == nil {
		apierr.WriteInternal(ctx)
		return
	}

	args := ctx.QueryArgs()
	rawQuery := string(args.Peek("q"))
	if rawQuery == "" && !args.Has("q") {
		apierr.WriteBadRequest(ctx, "the 'q' parameter is required", apierr.CodeMissingQuery)
		return
	}

	req := s.buildRequest(ctx, rawQuery)
	requestID, _ := ctx.UserValue("request_id").(string)

	roots := selectRoots(forest, req.RequestedProviders)
	suggestions, status, minTTL := s.querySuggestions(ctx, roots, req)

	ctx.Response.Header.Set("Cache-Control", cacheControl(status, minTTL))
	writeJSON(ctx, suggestResponse{
		ClientVariants: req.ClientVariants,
		ServerVariants: s.serverVariants,
		RequestID:      requestID,
		Suggestions:    suggestions,
	})

	s.logRequest(requestID, req, roots, len(suggestions), status, start)
}

// buildRequest derives the full provider-facing request context from the
// HTTP request: normalized query, negotiated language, device, and location.
func (s *Server) buildRequest(ctx *fasthttp.RequestCtx, rawQuery string) *suggest.SuggestionRequest {
	args := ctx.QueryArgs()

	_, acceptsEnglish := s.locales.negotiate(string(ctx.Request.Header.Peek("Accept-Language")))

	req := &suggest.SuggestionRequest{
		Query:              suggest.Normalize(rawQuery),
		AcceptsEnglish:     acceptsEnglish,
		DeviceInfo:         parseDevice(string(ctx.Request.Header.Peek("User-Agent"))),
		ClientVariants:     splitComma(string(args.Peek("client_variants"))),
		RequestedProviders: splitComma(string(args.Peek("providers"))),
	}
	if req.ClientVariants == nil {
		req.ClientVariants = []string{}
	}

	loc, err := s.geo.Locate(ctx.RemoteIP())
	if err != nil {
		s.log.Debug("geolocation lookup failed", slog.String("error", err.Error()))
	} else {
		req.Country = loc.Country
		req.Region = loc.Region
		req.City = loc.City
		req.DMA = loc.DMA
	}

	return req
}

// selectRoots resolves the requested provider ids against the forest, in
// configured order. Unknown ids are ignored; an empty request selects every
// default-enabled root. Explicitly-named roots are served even when disabled
// by default or hidden.
func selectRoots(forest *provider.Forest, requested []string) []string {
	if len(requested) == 0 {
		out := make([]string, 0, len(forest.Order))
		for _, id := range forest.Order {
			if forest.Roots[id].Availability == provider.EnabledByDefault {
				out = append(out, id)
			}
		}
		return out
	}

	want := make(map[string]struct{}, len(requested))
	for _, id := range requested {
		want[id] = struct{}{}
	}
	out := make([]string, 0, len(requested))
	for _, id := range forest.Order {
		if _, ok := want[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// querySuggestions fans the request out to the selected roots concurrently
// and concatenates their suggestions in configured order. A failing root is
// logged and skipped; the others still serve the request.
func (s *Server) querySuggestions(ctx *fasthttp.RequestCtx, roots []string, req *suggest.SuggestionRequest) ([]suggest.Suggestion, suggest.CacheStatus, time.Duration) {
	forest := s.forest()
	results := make([]*suggest.Response, len(roots))

	var wg sync.WaitGroup
	for i, id := range roots {
		wg.Add(1)
		go func(i int, p suggest.Provider) {
			defer wg.Done()
			resp, err := p.Suggest(ctx, req)
			if err != nil {
				s.log.Error("provider failed",
					slog.String("provider", p.Name()),
					slog.String("error", err.Error()),
				)
				return
			}
			results[i] = resp
		}(i, forest.Roots[id].Provider)
	}
	wg.Wait()

	suggestions := []suggest.Suggestion{}
	status := suggest.StatusNone
	var minTTL time.Duration
	for _, resp := range results {
		if resp == nil {
			status = provider.MergeStatus(status, suggest.StatusError)
			continue
		}
		suggestions = append(suggestions, resp.Suggestions...)
		status = provider.MergeStatus(status, resp.CacheStatus)
		if resp.TTL > 0 && (minTTL == 0 || resp.TTL < minTTL) {
			minTTL = resp.TTL
		}
	}

	return suggestions, status, minTTL
}

// cacheControl derives the response caching policy from the aggregate cache
// status: a full hit is client-cacheable for the remaining TTL, a fresh fill
// gets a short window, and anything uncertain must not be held.
func cacheControl(status suggest.CacheStatus, ttl time.Duration) string {
	switch status {
	case suggest.StatusHit:
		sec := int(ttl / time.Second)
		if sec <= 0 {
			sec = 60
		}
		return fmt.Sprintf("private, max-age=%d", sec)
	case suggest.StatusMiss:
		return "private, max-age=30"
	default:
		return "private, no-store"
	}
}

func (s *Server) logRequest(requestID string, req *suggest.SuggestionRequest, roots []string, count int, status suggest.CacheStatus, start time.Time) {
	if s.reqLogger == nil {
		return
	}

	id, err := uuid.Parse(requestID)
	if err != nil {
		// Client-supplied X-Request-ID need not be a UUID.
		id = uuid.New()
	}

	latency := time.Since(start).Milliseconds()
	if latency > 65_000 {
		latency = 65_000
	}

	s.reqLogger.Log(logger.RequestLog{
		ID:              id,
		Providers:       roots,
		QueryLen:        len(req.Query),
		SuggestionCount: count,
		CacheStatus:     string(status),
		LatencyMs:       uint16(latency),
		Status:          fasthttp.StatusOK,
		CreatedAt:       time.Now(),
	})
}

func (s *Server) handleProviders(ctx *fasthttp.RequestCtx) {
	forest := s.forest()
	if forest == nil {
		apierr.WriteInternal(ctx)
		return
	}

	out := providersResponse{Providers: make(map[string]providerInfo, len(forest.Roots))}
	for id, root := range forest.Roots {
		out.Providers[id] = providerInfo{
			ID:           id,
			Availability: string(root.Availability),
		}
	}
	writeJSON(ctx, out)
}

// splitComma parses a comma-separated query parameter, dropping empty
// elements. Returns nil for an absent/empty parameter.
func splitComma(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if part := s[start:i]; part != "" {
				out = append(out, part)
			}
			start = i + 1
		}
	}
	return out
}
