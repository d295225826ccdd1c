package remotesettings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/mozilla-services/merino/internal/suggest"
)

// fakeUpstream is a swappable Remote Settings fixture: a records endpoint
// plus an attachment endpoint, both backed by mutable record sets.
type fakeUpstream struct {
	mu         sync.Mutex
	inline     []SuggestionRecord
	attachment []SuggestionRecord

	srv *httptest.Server
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	t.Helper()

	f := &fakeUpstream{}

	mux := http.NewServeMux()
	mux.HandleFunc("/buckets/main/collections/quicksuggest/records", func(w http.ResponseWriter, _ *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		records := []map[string]any{}
		if len(f.inline) > 0 {
			records = append(records, map[string]any{
				"id":          "inline-data",
				"suggestions": f.inline,
			})
		}
		if f.attachment != nil {
			records = append(records, map[string]any{
				"id":         "attached-data",
				"attachment": map[string]any{"location": "attachments/data.json"},
			})
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"data": records})
	})
	mux.HandleFunc("/attachments/data.json", func(w http.ResponseWriter, _ *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		w.Header().Set("Content-Type", "application/octet-stream")
		_ = json.NewEncoder(w).Encode(f.attachment)
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)

	return f
}

func (f *fakeUpstream) set(inline, attachment []SuggestionRecord) {
	f.mu.Lock()
	f.inline = inline
	f.attachment = attachment
	f.mu.Unlock()
}

func (f *fakeUpstream) clientConfig() ClientConfig {
	return ClientConfig{
		Server:     f.srv.URL,
		Bucket:     "main",
		Collection: "quicksuggest",
		Timeout:    2 * time.Second,
	}
}

func coffeeRecord() SuggestionRecord {
	return SuggestionRecord{
		ID:          1,
		Keywords:    []string{"co", "cof", "coff", "coffe", "coffee"},
		Title:       "Coffee",
		URL:         "https://example.com/target/coffee",
		BlockID:     3,
		Advertiser:  "Example Beans",
		IsSponsored: true,
		Score:       0.3,
	}
}

func newSyncedProvider(t *testing.T, f *fakeUpstream, cfg Config) *Provider {
	t.Helper()

	p := New(cfg, NewClient(f.clientConfig()), nil, nil)
	t.Cleanup(p.Stop)

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return p
}

// TestSuggestCoffee replays the adM scenario: after ingesting the coffee
// record, q=coffee yields that exact suggestion under provider "adm".
func TestSuggestCoffee(t *testing.T) {
	f := newFakeUpstream(t)
	f.set([]SuggestionRecord{coffeeRecord()}, nil)

	p := newSyncedProvider(t, f, Config{})

	resp, err := p.Suggest(context.Background(), &suggest.SuggestionRequest{
		Query:          "coffee",
		AcceptsEnglish: true,
	})
	if err != nil {
		t.Fatalf("Suggest: %v", err)
	}
	if len(resp.Suggestions) != 1 {
		t.Fatalf("got %d suggestions, want 1", len(resp.Suggestions))
	}

	s := resp.Suggestions[0]
	if s.BlockID != 3 || s.Title != "Coffee" || s.URL != "https://example.com/target/coffee" {
		t.Fatalf("unexpected suggestion %+v", s)
	}
	if !s.IsSponsored || s.Score != 0.3 {
		t.Fatalf("sponsorship fields wrong: %+v", s)
	}
	if s.Provider != "adm" {
		t.Fatalf("provider = %q, want adm", s.Provider)
	}
	if s.FullKeyword != "coffee" {
		t.Fatalf("full_keyword = %q, want coffee", s.FullKeyword)
	}
}

// TestSuggestViaAttachment verifies attachment-borne records are fetched,
// parsed, and merged before indexing.
func TestSuggestViaAttachment(t *testing.T) {
	f := newFakeUpstream(t)
	f.set(nil, []SuggestionRecord{coffeeRecord()})

	p := newSyncedProvider(t, f, Config{})

	resp, err := p.Suggest(context.Background(), &suggest.SuggestionRequest{Query: "coffee"})
	if err != nil {
		t.Fatalf("Suggest: %v", err)
	}
	if len(resp.Suggestions) != 1 || resp.Suggestions[0].Title != "Coffee" {
		t.Fatalf("attachment records not indexed: %+v", resp.Suggestions)
	}
}

// TestResyncReplacesSnapshot replays the refresh scenario: record set A is
// replaced by A′ on the next sync, and deleted keywords disappear while new
// ones appear.
func TestResyncReplacesSnapshot(t *testing.T) {
	f := newFakeUpstream(t)
	f.set([]SuggestionRecord{
		{ID: 1, Keywords: []string{"tree"}, Title: "Tree", BlockID: 1},
	}, nil)

	p := newSyncedProvider(t, f, Config{})

	resp, _ := p.Suggest(context.Background(), &suggest.SuggestionRequest{Query: "tree"})
	if len(resp.Suggestions) != 1 || resp.Suggestions[0].Title != "Tree" {
		t.Fatalf("before resync: %+v", resp.Suggestions)
	}
	resp, _ = p.Suggest(context.Background(), &suggest.SuggestionRequest{Query: "flower"})
	if len(resp.Suggestions) != 0 {
		t.Fatalf("flower must be empty before resync: %+v", resp.Suggestions)
	}

	// Upload A′ and force the resync.
	f.set([]SuggestionRecord{
		{ID: 1, Keywords: []string{"tree"}, Title: "Tree 2", BlockID: 1},
		{ID: 2, Keywords: []string{"flower"}, Title: "Flower", BlockID: 2},
	}, nil)
	if err := p.syncOnce(context.Background()); err != nil {
		t.Fatalf("syncOnce: %v", err)
	}

	resp, _ = p.Suggest(context.Background(), &suggest.SuggestionRequest{Query: "tree"})
	if len(resp.Suggestions) != 1 || resp.Suggestions[0].Title != "Tree 2" {
		t.Fatalf("after resync: %+v", resp.Suggestions)
	}
	resp, _ = p.Suggest(context.Background(), &suggest.SuggestionRequest{Query: "flower"})
	if len(resp.Suggestions) != 1 || resp.Suggestions[0].Title != "Flower" {
		t.Fatalf("flower after resync: %+v", resp.Suggestions)
	}
}

// TestEmptySyncStillReplaces verifies a zero-record fetch swaps in an empty
// snapshot — deletions upstream must take effect.
func TestEmptySyncStillReplaces(t *testing.T) {
	f := newFakeUpstream(t)
	f.set([]SuggestionRecord{coffeeRecord()}, nil)

	p := newSyncedProvider(t, f, Config{})

	f.set(nil, nil)
	if err := p.syncOnce(context.Background()); err != nil {
		t.Fatalf("syncOnce: %v", err)
	}

	resp, _ := p.Suggest(context.Background(), &suggest.SuggestionRequest{Query: "coffee"})
	if len(resp.Suggestions) != 0 {
		t.Fatalf("stale snapshot survived an empty sync: %+v", resp.Suggestions)
	}
}

// TestFailedSyncKeepsSnapshot verifies a failing fetch leaves the previous
// snapshot serving.
func TestFailedSyncKeepsSnapshot(t *testing.T) {
	f := newFakeUpstream(t)
	f.set([]SuggestionRecord{coffeeRecord()}, nil)

	p := newSyncedProvider(t, f, Config{})

	// Kill the upstream, then attempt a sync.
	f.srv.Close()
	if err := p.syncOnce(context.Background()); err == nil {
		t.Fatal("expected sync error with the upstream down")
	}

	resp, _ := p.Suggest(context.Background(), &suggest.SuggestionRequest{Query: "coffee"})
	if len(resp.Suggestions) != 1 {
		t.Fatalf("previous snapshot lost after failed sync: %+v", resp.Suggestions)
	}
}

// TestEnglishOnlyFiltering verifies the configured English-only leaf answers
// empty when language negotiation rejected English.
func TestEnglishOnlyFiltering(t *testing.T) {
	f := newFakeUpstream(t)
	f.set([]SuggestionRecord{coffeeRecord()}, nil)

	p := newSyncedProvider(t, f, Config{EnglishOnly: true})

	resp, err := p.Suggest(context.Background(), &suggest.SuggestionRequest{
		Query:          "coffee",
		AcceptsEnglish: false,
	})
	if err != nil {
		t.Fatalf("Suggest: %v", err)
	}
	if len(resp.Suggestions) != 0 {
		t.Fatalf("english-only leaf answered a non-English request: %+v", resp.Suggestions)
	}
}

// TestShortQueriesRejected verifies the minimum-length gate.
func TestShortQueriesRejected(t *testing.T) {
	f := newFakeUpstream(t)
	f.set([]SuggestionRecord{coffeeRecord()}, nil)

	p := newSyncedProvider(t, f, Config{})

	resp, _ := p.Suggest(context.Background(), &suggest.SuggestionRequest{Query: "co"})
	if len(resp.Suggestions) != 0 {
		t.Fatalf("two-character query must be rejected, got %+v", resp.Suggestions)
	}

	resp, _ = p.Suggest(context.Background(), &suggest.SuggestionRequest{Query: "cof"})
	if len(resp.Suggestions) != 1 {
		t.Fatalf("three-character query must pass the gate, got %+v", resp.Suggestions)
	}
}

// TestReconfigureMinQueryLen verifies the hot-reconfiguration hook.
func TestReconfigureMinQueryLen(t *testing.T) {
	f := newFakeUpstream(t)
	f.set([]SuggestionRecord{coffeeRecord()}, nil)

	p := newSyncedProvider(t, f, Config{})

	if err := p.Reconfigure(map[string]any{"min_query_len": 2}); err != nil {
		t.Fatalf("Reconfigure: %v", err)
	}

	resp, _ := p.Suggest(context.Background(), &suggest.SuggestionRequest{Query: "co"})
	if len(resp.Suggestions) != 1 {
		t.Fatalf("reconfigured gate not applied, got %+v", resp.Suggestions)
	}
}

// TestCacheInputsOnlyQueryAndLanguage verifies location context never leaks
// into this leaf's cache key while accepts_english is part of it.
func TestCacheInputsOnlyQueryAndLanguage(t *testing.T) {
	f := newFakeUpstream(t)
	p := New(Config{}, NewClient(f.clientConfig()), nil, nil)
	defer p.Stop()

	a := &suggest.SuggestionRequest{Query: "coffee", AcceptsEnglish: true}
	b := &suggest.SuggestionRequest{Query: "coffee", AcceptsEnglish: true, Country: "DE", City: "Berlin"}

	if suggest.CacheKey(p, a) != suggest.CacheKey(p, b) {
		t.Fatal("location context changed the cache key")
	}

	c := &suggest.SuggestionRequest{Query: "coffee", AcceptsEnglish: false}
	if suggest.CacheKey(p, a) == suggest.CacheKey(p, c) {
		t.Fatal("accepts_english must be part of the cache key")
	}
}
