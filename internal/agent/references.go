package agent

import (
	"regexp"
	"strings"

	"github.com/jverneuer/deepresearch/internal/urlrank"
)

var (
	nonWordRe    = regexp.MustCompile(`[^\p{L}\p{N}\s]+`)
	multiSpaceRe = regexp.MustCompile(`\s+`)
)

// finalizeReferences canonicalizes, deduplicates and enriches answer
// references from the known URL set: quotes fall back to the stored snippet
// or title, publication dates are backfilled, and the list is capped.
func finalizeReferences(refs []Reference, ranker *urlrank.Ranker, maxRefs int, minScore float64) []Reference {
	if maxRefs <= 0 {
		maxRefs = 8
	}
	seen := map[string]bool{}
	var out []Reference
	for _, ref := range refs {
		canonical := urlrank.Canonicalize(ref.URL)
		if canonical == "" || seen[canonical] {
			continue
		}
		seen[canonical] = true
		ref.URL = canonical

		if rec, ok := ranker.Get(canonical); ok {
			if ref.ExactQuote == "" {
				if rec.Snippet != "" {
					ref.ExactQuote = rec.Snippet
				} else {
					ref.ExactQuote = rec.Title
				}
			}
			if ref.Title == "" {
				ref.Title = rec.Title
			}
			if ref.PublishedAt == "" {
				ref.PublishedAt = rec.PublishedAt
			}
			if ref.RelevanceScore == 0 {
				ref.RelevanceScore = rec.RerankScore
			}
		}
		if ref.RelevanceScore < minScore {
			continue
		}
		ref.ExactQuote = cleanQuote(ref.ExactQuote)
		out = append(out, ref)
		if len(out) >= maxRefs {
			break
		}
	}
	return out
}

// cleanQuote strips markup leftovers so quotes compare stably.
func cleanQuote(q string) string {
	q = nonWordRe.ReplaceAllString(q, " ")
	return multiSpaceRe.ReplaceAllString(strings.TrimSpace(q), " ")
}
