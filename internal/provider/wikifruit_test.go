package provider

import (
	"context"
	"testing"

	"github.com/mozilla-services/merino/internal/suggest"
)

// TestWikiFruitApple pins the exact apple answer end clients depend on.
func TestWikiFruitApple(t *testing.T) {
	p := NewWikiFruit()

	resp, err := p.Suggest(context.Background(), &suggest.SuggestionRequest{Query: "apple"})
	if err != nil {
		t.Fatalf("Suggest: %v", err)
	}
	if len(resp.Suggestions) != 1 {
		t.Fatalf("got %d suggestions, want 1", len(resp.Suggestions))
	}

	s := resp.Suggestions[0]
	if s.BlockID != 1 {
		t.Errorf("block_id = %d, want 1", s.BlockID)
	}
	if s.FullKeyword != "apple" {
		t.Errorf("full_keyword = %q, want apple", s.FullKeyword)
	}
	if s.Title != "Wikipedia - Apple" {
		t.Errorf("title = %q, want Wikipedia - Apple", s.Title)
	}
	if s.URL != "https://en.wikipedia.org/wiki/Apple" {
		t.Errorf("url = %q", s.URL)
	}
	if s.Provider != "test_wiki_fruit" {
		t.Errorf("provider = %q, want test_wiki_fruit", s.Provider)
	}
	if s.IsSponsored {
		t.Error("is_sponsored = true, want false")
	}
	if s.Score != 0 {
		t.Errorf("score = %v, want 0", s.Score)
	}
}

// TestWikiFruitUnknownQuery verifies non-fruit queries answer empty, not
// with an error.
func TestWikiFruitUnknownQuery(t *testing.T) {
	p := NewWikiFruit()

	resp, err := p.Suggest(context.Background(), &suggest.SuggestionRequest{Query: "orange"})
	if err != nil {
		t.Fatalf("Suggest: %v", err)
	}
	if len(resp.Suggestions) != 0 {
		t.Fatalf("unexpected suggestions %+v", resp.Suggestions)
	}
}
