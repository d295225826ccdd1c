// Package suggest defines the common types and interfaces shared by every
// suggestion provider (Remote Settings, WikiFruit, the combinators, and the
// cache layers).
//
// Each provider implements the Provider interface. Combinators wrap one or
// more child Providers; leaves are the ultimate source of suggestions.
package suggest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strconv"
	"strings"
	"time"
)

// CacheStatus describes how a response relates to the cache layer that
// produced it. It drives the Cache-Control header on the suggest endpoint and
// the "status" label on cache latency metrics.
type CacheStatus string

const (
	// StatusNone — the response did not pass through a cache layer (leaf
	// answers, Timeout expiry, Stealth, Null). Cache layers store such
	// responses like any other.
	StatusNone CacheStatus = "none"
	// StatusHit — served from a cache.
	StatusHit CacheStatus = "hit"
	// StatusMiss — freshly computed and (possibly) stored.
	StatusMiss CacheStatus = "miss"
	// StatusError — the cache layer failed; the response was computed
	// directly from the wrapped provider.
	StatusError CacheStatus = "error"
)

type (
	// DeviceInfo is the form-factor context derived from the User-Agent
	// header. Empty fields mean "unknown".
	DeviceInfo struct {
		FormFactor string `json:"form_factor,omitempty"`
		OSFamily   string `json:"os_family,omitempty"`
		Browser    string `json:"browser,omitempty"`
	}

	// SuggestionRequest is the normalized per-request context handed to
	// every provider. Query is lowercased and trimmed before any provider
	// sees it. Missing context fields stay at their zero value — they are
	// never filled with empty-string placeholders by the HTTP layer.
	SuggestionRequest struct {
		Query          string
		AcceptsEnglish bool

		// Location context from the geolocation lookup. Nil/empty when
		// the lookup is disabled or found nothing.
		Country string
		Region  string
		City    string
		DMA     *int

		DeviceInfo DeviceInfo

		// ClientVariants is the ordered list of experiment tags sent by
		// the client; echoed verbatim in the response.
		ClientVariants []string

		// RequestedProviders restricts the query to the named root
		// providers. Empty means "all default-enabled roots".
		RequestedProviders []string
	}

	// Suggestion is one navigable result.
	//
	// A (Provider, BlockID) pair identifies the same logical suggestion
	// across requests and syncs even when other fields change.
	Suggestion struct {
		BlockID       int64   `json:"block_id"`
		FullKeyword   string  `json:"full_keyword"`
		Title         string  `json:"title"`
		URL           string  `json:"url"`
		ImpressionURL *string `json:"impression_url"`
		ClickURL      *string `json:"click_url"`
		Provider      string  `json:"provider"`
		Advertiser    string  `json:"advertiser"`
		IsSponsored   bool    `json:"is_sponsored"`
		Icon          string  `json:"icon,omitempty"`
		Score         float64 `json:"score"`
	}

	// Response is a provider's answer to one SuggestionRequest.
	Response struct {
		Suggestions []Suggestion
		CacheStatus CacheStatus

		// TTL optionally overrides the cache layers' default TTL for
		// this response. Zero means "use the default".
		TTL time.Duration
	}
)

// EmptyResponse returns a response with no suggestions and the given status.
func EmptyResponse(status CacheStatus) *Response {
	return &Response{Suggestions: []Suggestion{}, CacheStatus: status}
}

// Provider is the uniform query contract implemented by every node in the
// provider tree.
//
// Suggest must be safe for concurrent invocations on the same instance. A
// request that yields no suggestions is a success with an empty list, never
// an error.
type Provider interface {
	// Suggest answers the request.
	Suggest(ctx context.Context, req *SuggestionRequest) (*Response, error)

	// CacheInputs writes exactly the request fields this subtree's output
	// depends on to w. Combinators forward to their children in a
	// deterministic order; fields a subtree ignores must not be written.
	CacheInputs(req *SuggestionRequest, w io.Writer)

	// Name identifies the provider in logs and metric labels.
	Name() string

	// IsComplete reports whether the provider can ever yield suggestions.
	// The tree builder and metrics use it; Null and Stealth return false.
	IsComplete() bool
}

// Reconfigurer is an optional interface for providers that support hot
// reconfiguration of tunables without a tree rebuild.
type Reconfigurer interface {
	Reconfigure(cfg map[string]any) error
}

// Normalize lowercases and trims a raw query the way every keyword match
// expects it.
func Normalize(q string) string {
	return strings.ToLower(strings.TrimSpace(q))
}

// CacheKey hashes the cache inputs that p declares for req into a stable
// hex-encoded key. Two requests differing only in fields p never reads
// produce identical keys.
func CacheKey(p Provider, req *SuggestionRequest) string {
	h := sha256.New()
	p.CacheInputs(req, h)
	return hex.EncodeToString(h.Sum(nil))
}

// WriteBool is a CacheInputs helper: it writes a one-byte marker so that
// boolean fields cannot collide with adjacent string bytes.
func WriteBool(w io.Writer, v bool) {
	if v {
		io.WriteString(w, "\x01")
		return
	}
	io.WriteString(w, "\x00")
}

// WriteField is a CacheInputs helper: it writes v with a trailing separator
// so concatenated fields cannot alias each other.
func WriteField(w io.Writer, v string) {
	io.WriteString(w, v)
	io.WriteString(w, "\x1f")
}

// WriteInt is a CacheInputs helper for numeric fields.
func WriteInt(w io.Writer, v int64) {
	WriteField(w, strconv.FormatInt(v, 10))
}
