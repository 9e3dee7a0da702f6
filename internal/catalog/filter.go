package catalog

import (
	"strings"

	"github.com/partsbay/harvester/internal/events"
)

// WordFilter is the default TitleFilter: every whitelist word must appear in
// the title and no blocklist word may, both case-insensitively. An empty
// whitelist admits everything not blocklisted.
type WordFilter struct {
	whitelist []string
	blocklist []string
}

// NewWordFilter creates a word filter. Words are matched as substrings of
// the lowercased title, the way catalog queries match.
func NewWordFilter(whitelist, blocklist []string) *WordFilter {
	return &WordFilter{
		whitelist: lowerAll(whitelist),
		blocklist: lowerAll(blocklist),
	}
}

// FilterForQuery builds the filter for one harvest job: the query's words
// form the whitelist, the configured stop words the blocklist.
func FilterForQuery(query string, blocklist []string) *WordFilter {
	return NewWordFilter(strings.Fields(query), blocklist)
}

// Allow reports whether a title passes, with the rejection reason otherwise.
func (f *WordFilter) Allow(title string) (bool, string) {
	lower := strings.ToLower(title)

	for _, w := range f.whitelist {
		if !strings.Contains(lower, w) {
			return false, events.ReasonTitleBlocked
		}
	}
	for _, w := range f.blocklist {
		if strings.Contains(lower, w) {
			return false, events.ReasonTitleBlocked
		}
	}
	return true, ""
}

func lowerAll(words []string) []string {
	out := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.ToLower(strings.TrimSpace(w))
		if w != "" {
			out = append(out, w)
		}
	}
	return out
}
