package provider

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/mozilla-services/merino/internal/suggest"
)

// TestMultiplexerDeclaredOrder verifies that results appear in declared child
// order even when a later child resolves first.
func TestMultiplexerDeclaredOrder(t *testing.T) {
	slow := newStub("slow", oneSuggestion("slow", "first"))
	slow.delay = 50 * time.Millisecond
	fast := newStub("fast", oneSuggestion("fast", "second"))

	m := NewMultiplexer("mux", []suggest.Provider{slow, fast}, nil, nil)

	resp, err := m.Suggest(context.Background(), &suggest.SuggestionRequest{Query: "q"})
	if err != nil {
		t.Fatalf("Suggest: %v", err)
	}

	if len(resp.Suggestions) != 2 {
		t.Fatalf("got %d suggestions, want 2", len(resp.Suggestions))
	}
	if resp.Suggestions[0].Provider != "slow" || resp.Suggestions[1].Provider != "fast" {
		t.Fatalf("order = [%s, %s], want [slow, fast]",
			resp.Suggestions[0].Provider, resp.Suggestions[1].Provider)
	}
}

// TestMultiplexerMasksChildFailure verifies that one failing child never
// fails the union — the remaining children's results are returned.
func TestMultiplexerMasksChildFailure(t *testing.T) {
	bad := newStub("bad")
	bad.err = suggest.UpstreamError("bad", errBoom)
	good := newStub("good", oneSuggestion("good", "ok"))

	m := NewMultiplexer("mux", []suggest.Provider{bad, good}, nil, nil)

	resp, err := m.Suggest(context.Background(), &suggest.SuggestionRequest{Query: "q"})
	if err != nil {
		t.Fatalf("Suggest must not propagate child errors, got: %v", err)
	}

	if len(resp.Suggestions) != 1 || resp.Suggestions[0].Provider != "good" {
		t.Fatalf("expected only the healthy child's suggestion, got %+v", resp.Suggestions)
	}
	if resp.CacheStatus != suggest.StatusError {
		t.Fatalf("aggregate status = %s, want error", resp.CacheStatus)
	}
}

// TestMultiplexerAllChildrenFail verifies the union degenerates to an empty
// success, never an error.
func TestMultiplexerAllChildrenFail(t *testing.T) {
	a := newStub("a")
	a.err = errBoom
	b := newStub("b")
	b.err = errBoom

	m := NewMultiplexer("mux", []suggest.Provider{a, b}, nil, nil)

	resp, err := m.Suggest(context.Background(), &suggest.SuggestionRequest{Query: "q"})
	if err != nil {
		t.Fatalf("Suggest: %v", err)
	}
	if len(resp.Suggestions) != 0 {
		t.Fatalf("expected empty suggestions, got %+v", resp.Suggestions)
	}
}

// TestMultiplexerCacheInputsUnion verifies cache inputs concatenate the
// children's inputs in declared order.
func TestMultiplexerCacheInputsUnion(t *testing.T) {
	a := newStub("a")
	b := newStub("b")
	m := NewMultiplexer("mux", []suggest.Provider{a, b}, nil, nil)

	req := &suggest.SuggestionRequest{Query: "q"}

	var union, manual bytes.Buffer
	m.CacheInputs(req, &union)
	a.CacheInputs(req, &manual)
	b.CacheInputs(req, &manual)

	if union.String() != manual.String() {
		t.Fatalf("cache inputs = %q, want %q", union.String(), manual.String())
	}
}

func TestMergeStatus(t *testing.T) {
	cases := []struct {
		a, b, want suggest.CacheStatus
	}{
		{suggest.StatusNone, suggest.StatusHit, suggest.StatusHit},
		{suggest.StatusHit, suggest.StatusMiss, suggest.StatusMiss},
		{suggest.StatusMiss, suggest.StatusError, suggest.StatusError},
		{suggest.StatusError, suggest.StatusHit, suggest.StatusError},
		{suggest.StatusNone, suggest.StatusNone, suggest.StatusNone},
	}
	for _, c := range cases {
		if got := MergeStatus(c.a, c.b); got != c.want {
			t.Errorf("MergeStatus(%s, %s) = %s, want %s", c.a, c.b, got, c.want)
		}
	}
}

// TestMultiplexerIsComplete verifies completeness is the OR of the children.
func TestMultiplexerIsComplete(t *testing.T) {
	onlyNull := NewMultiplexer("mux", []suggest.Provider{NewNull("null")}, nil, nil)
	if onlyNull.IsComplete() {
		t.Fatal("multiplexer over null providers must be incomplete")
	}

	mixed := NewMultiplexer("mux", []suggest.Provider{NewNull("null"), newStub("s")}, nil, nil)
	if !mixed.IsComplete() {
		t.Fatal("multiplexer with a complete child must be complete")
	}
}
