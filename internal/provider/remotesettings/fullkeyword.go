package remotesettings

import "strings"

// FullKeyword selects the canonical completion of the partial query q from a
// record's sorted keyword list. It mirrors the browser's client-side
// algorithm so online and offline suggestions render the same completion.
//
// Preferred: the shortest keyword that starts with q's first word, contains
// at least as many words as q, and is at least as long as q. Ties at equal
// length resolve to the lexicographically-smaller keyword (the list is
// sorted and scanned in order). Fallback: the longest keyword that is a
// strict prefix of q. If neither exists, q itself is the completion.
func FullKeyword(keywords []string, q string) string {
	qWords := strings.Fields(q)
	if len(qWords) == 0 {
		return q
	}
	firstWord := qWords[0]

	best := ""
	for _, kw := range keywords {
		if !strings.HasPrefix(kw, firstWord) {
			continue
		}
		if len(kw) < len(q) {
			continue
		}
		if len(strings.Fields(kw)) < len(qWords) {
			continue
		}
		if best == "" || len(kw) < len(best) {
			best = kw
		}
	}
	if best != "" {
		return best
	}

	// No qualifying completion — fall back to the longest keyword the user
	// has already typed past.
	for _, kw := range keywords {
		if kw != q && strings.HasPrefix(q, kw) && len(kw) > len(best) {
			best = kw
		}
	}
	if best != "" {
		return best
	}

	return q
}
