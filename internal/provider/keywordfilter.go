package provider

import (
	"context"
	"fmt"
	"io"
	"regexp"

	"github.com/mozilla-services/merino/internal/metrics"
	"github.com/mozilla-services/merino/internal/suggest"
)

// FilterRule is one blocklist entry: a compiled pattern matched against
// suggestion titles, with a stable id for the per-rule match counter.
type FilterRule struct {
	ID      string
	Pattern *regexp.Regexp
}

// CompileFilterRules compiles id→pattern pairs into rules, in the order of
// ids. An invalid pattern fails the whole list so misconfiguration is caught
// at startup.
func CompileFilterRules(ids []string, patterns map[string]string) ([]FilterRule, error) {
	rules := make([]FilterRule, 0, len(ids))
	for _, id := range ids {
		p, ok := patterns[id]
		if !ok || p == "" {
			return nil, fmt.Errorf("keyword filter: rule %q has no pattern", id)
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("keyword filter: invalid pattern %q for rule %q: %w", p, id, err)
		}
		rules = append(rules, FilterRule{ID: id, Pattern: re})
	}
	return rules, nil
}

// KeywordFilter runs the child and drops every suggestion whose title matches
// any rule in its blocklist.
type KeywordFilter struct {
	name    string
	child   suggest.Provider
	rules   []FilterRule
	metrics *metrics.Registry
}

func NewKeywordFilter(name string, child suggest.Provider, rules []FilterRule, m *metrics.Registry) *KeywordFilter {
	return &KeywordFilter{name: name, child: child, rules: rules, metrics: m}
}

func (f *KeywordFilter) Name() string     { return f.name }
func (f *KeywordFilter) IsComplete() bool { return f.child.IsComplete() }

func (f *KeywordFilter) Suggest(ctx context.Context, req *suggest.SuggestionRequest) (*suggest.Response, error) {
	resp, err := f.child.Suggest(ctx, req)
	if err != nil {
		return nil, err
	}

	kept := make([]suggest.Suggestion, 0, len(resp.Suggestions))
	for _, s := range resp.Suggestions {
		if rule := f.match(s.Title); rule != "" {
			if f.metrics != nil {
				f.metrics.RecordKeywordFilterMatch(rule)
			}
			continue
		}
		kept = append(kept, s)
	}

	return &suggest.Response{
		Suggestions: kept,
		CacheStatus: resp.CacheStatus,
		TTL:         resp.TTL,
	}, nil
}

// match returns the id of the first rule the title matches, or "".
func (f *KeywordFilter) match(title string) string {
	for _, r := range f.rules {
		if r.Pattern.MatchString(title) {
			return r.ID
		}
	}
	return ""
}

func (f *KeywordFilter) CacheInputs(req *suggest.SuggestionRequest, w io.Writer) {
	f.child.CacheInputs(req, w)
}
