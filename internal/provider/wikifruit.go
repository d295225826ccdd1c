package provider

import (
	"context"
	"io"

	"github.com/mozilla-services/merino/internal/suggest"
)

// WikiFruitName is the provider id the WikiFruit leaf stamps on suggestions.
const WikiFruitName = "test_wiki_fruit"

// wikiFruits are the three queries WikiFruit answers.
var wikiFruits = map[string]suggest.Suggestion{
	"apple": {
		BlockID:     1,
		FullKeyword: "apple",
		Title:       "Wikipedia - Apple",
		URL:         "https://en.wikipedia.org/wiki/Apple",
		Provider:    WikiFruitName,
		Advertiser:  "Wikipedia",
	},
	"banana": {
		BlockID:     2,
		FullKeyword: "banana",
		Title:       "Wikipedia - Banana",
		URL:         "https://en.wikipedia.org/wiki/Banana",
		Provider:    WikiFruitName,
		Advertiser:  "Wikipedia",
	},
	"cherry": {
		BlockID:     3,
		FullKeyword: "cherry",
		Title:       "Wikipedia - Cherry",
		URL:         "https://en.wikipedia.org/wiki/Cherry",
		Provider:    WikiFruitName,
		Advertiser:  "Wikipedia",
	},
}

// WikiFruit is a deterministic test leaf: it answers exactly the queries
// "apple", "banana", and "cherry" with a Wikipedia link, unsponsored, score 0.
type WikiFruit struct{}

func NewWikiFruit() *WikiFruit { return &WikiFruit{} }

func (p *WikiFruit) Name() string     { return WikiFruitName }
func (p *WikiFruit) IsComplete() bool { return true }

func (p *WikiFruit) Suggest(_ context.Context, req *suggest.SuggestionRequest) (*suggest.Response, error) {
	s, ok := wikiFruits[req.Query]
	if !ok {
		return suggest.EmptyResponse(suggest.StatusNone), nil
	}
	return &suggest.Response{
		Suggestions: []suggest.Suggestion{s},
		CacheStatus: suggest.StatusNone,
	}, nil
}

// CacheInputs: only the query affects the output.
func (p *WikiFruit) CacheInputs(req *suggest.SuggestionRequest, w io.Writer) {
	suggest.WriteField(w, req.Query)
}
