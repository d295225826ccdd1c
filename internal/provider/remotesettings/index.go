package remotesettings

import (
	"sort"
	"strings"

	"github.com/mozilla-services/merino/internal/suggest"
)

// index is one immutable snapshot of the synced record set. Queries only ever
// observe a complete index; syncs build a fresh one and swap it atomically.
type index struct {
	// keywords maps a lowercase keyword to a position in results.
	keywords map[string]int
	// results holds one prepared suggestion per upstream record, without
	// FullKeyword (that is computed per query).
	results []suggest.Suggestion
	// keywordLists holds each record's sorted keyword list, aligned with
	// results, for full-keyword selection.
	keywordLists [][]string
	// recordIDs aligns upstream record ids with results, for duplicate
	// keyword tie-breaking.
	recordIDs []int64
}

// buildIndex constructs a fresh index from records. The index is rebuilt in
// full on every sync — never merged — so deletions upstream take effect.
//
// When two records claim the same keyword, the record with the smaller id
// wins, keeping the mapping deterministic across syncs.
func buildIndex(records []SuggestionRecord, providerName string) *index {
	idx := &index{
		keywords:     make(map[string]int),
		results:      make([]suggest.Suggestion, 0, len(records)),
		keywordLists: make([][]string, 0, len(records)),
		recordIDs:    make([]int64, 0, len(records)),
	}

	for _, rec := range records {
		kws := make([]string, 0, len(rec.Keywords))
		for _, kw := range rec.Keywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw != "" {
				kws = append(kws, kw)
			}
		}
		sort.Strings(kws)

		pos := len(idx.results)
		idx.results = append(idx.results, suggest.Suggestion{
			BlockID:       rec.BlockID,
			Title:         rec.Title,
			URL:           rec.URL,
			ImpressionURL: rec.ImpressionURL,
			ClickURL:      rec.ClickURL,
			Provider:      providerName,
			Advertiser:    rec.Advertiser,
			IsSponsored:   rec.IsSponsored,
			Icon:          rec.IconURL,
			Score:         rec.Score,
		})
		idx.keywordLists = append(idx.keywordLists, kws)
		idx.recordIDs = append(idx.recordIDs, rec.ID)

		for _, kw := range kws {
			prev, taken := idx.keywords[kw]
			if !taken || rec.ID < idx.recordIDs[prev] {
				idx.keywords[kw] = pos
			}
		}
	}

	return idx
}

// lookup finds the result position for query q: an exact keyword match first,
// otherwise the longest keyword that is a prefix of q. Returns -1 on no match.
func (idx *index) lookup(q string) int {
	if pos, ok := idx.keywords[q]; ok {
		return pos
	}
	for i := len(q) - 1; i > 0; i-- {
		if pos, ok := idx.keywords[q[:i]]; ok {
			return pos
		}
	}
	return -1
}
