package provider

import (
	"context"
	"testing"

	"github.com/mozilla-services/merino/internal/suggest"
)

// TestKeywordFilterDropsMatches verifies suggestions whose title matches a
// blocklist rule are removed while the rest pass through.
func TestKeywordFilterDropsMatches(t *testing.T) {
	child := newStub("child",
		oneSuggestion("child", "Free Crypto Coins"),
		oneSuggestion("child", "Coffee"),
		oneSuggestion("child", "crypto wallet"),
	)

	rules, err := CompileFilterRules([]string{"no-crypto"}, map[string]string{
		"no-crypto": `(?i)crypto`,
	})
	if err != nil {
		t.Fatalf("CompileFilterRules: %v", err)
	}

	f := NewKeywordFilter("filter", child, rules, nil)

	resp, err := f.Suggest(context.Background(), &suggest.SuggestionRequest{Query: "q"})
	if err != nil {
		t.Fatalf("Suggest: %v", err)
	}

	if len(resp.Suggestions) != 1 || resp.Suggestions[0].Title != "Coffee" {
		t.Fatalf("expected only Coffee to survive, got %+v", resp.Suggestions)
	}
}

// TestKeywordFilterNoRules verifies an empty blocklist is a pass-through.
func TestKeywordFilterNoRules(t *testing.T) {
	child := newStub("child", oneSuggestion("child", "anything"))
	f := NewKeywordFilter("filter", child, nil, nil)

	resp, err := f.Suggest(context.Background(), &suggest.SuggestionRequest{Query: "q"})
	if err != nil {
		t.Fatalf("Suggest: %v", err)
	}
	if len(resp.Suggestions) != 1 {
		t.Fatalf("expected pass-through, got %+v", resp.Suggestions)
	}
}

// TestCompileFilterRulesInvalidPattern verifies misconfiguration is caught
// at startup rather than at match time.
func TestCompileFilterRulesInvalidPattern(t *testing.T) {
	_, err := CompileFilterRules([]string{"bad"}, map[string]string{"bad": "("})
	if err == nil {
		t.Fatal("expected error for invalid pattern")
	}
}

// TestCompileFilterRulesMissingPattern verifies a rule id without a pattern
// is rejected.
func TestCompileFilterRulesMissingPattern(t *testing.T) {
	_, err := CompileFilterRules([]string{"ghost"}, map[string]string{})
	if err == nil {
		t.Fatal("expected error for missing pattern")
	}
}
