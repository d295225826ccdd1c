package server

import (
	"log/slog"

	"golang.org/x/text/language"
)

// localeMatcher negotiates Accept-Language headers against the configured
// supported-locales list. The first supported locale is the fallback for an
// absent or unmatched header.
type localeMatcher struct {
	matcher  language.Matcher
	tags     []language.Tag
	fallback string
}

// newLocaleMatcher parses supported into a matcher. Unparseable entries are
// dropped with a warning; config validation only rejects an empty list, so
// an all-invalid list degrades to en-US.
func newLocaleMatcher(supported []string, log *slog.Logger) *localeMatcher {
	tags := make([]language.Tag, 0, len(supported))
	fallback := ""
	for _, s := range supported {
		tag, err := language.Parse(s)
		if err != nil {
			log.Warn("ignoring unparseable supported locale", slog.String("locale", s))
			continue
		}
		if fallback == "" {
			fallback = s
		}
		tags = append(tags, tag)
	}
	if len(tags) == 0 {
		tags = []language.Tag{language.AmericanEnglish}
		fallback = "en-US"
	}

	return &localeMatcher{
		matcher:  language.NewMatcher(tags),
		tags:     tags,
		fallback: fallback,
	}
}

// negotiate returns the negotiated locale string and whether that locale is
// English (which gates English-only providers). An empty or malformed header
// negotiates to the fallback.
func (m *localeMatcher) negotiate(header string) (locale string, acceptsEnglish bool) {
	if header == "" {
		return m.fallback, isEnglish(m.tags[0])
	}

	// MatchStrings tolerates malformed headers by falling back to the
	// first supported tag. The returned index points into the supported
	// list, so the client sees the supported locale, not a synthesized
	// composite tag.
	_, idx := language.MatchStrings(m.matcher, header)
	matched := m.tags[idx]

	return matched.String(), isEnglish(matched)
}

func isEnglish(tag language.Tag) bool {
	base, _ := tag.Base()
	return base.String() == "en"
}
