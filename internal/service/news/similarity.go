package news

import (
	"strings"
	"unicode"

	"MarketGate/internal/domain/models"
)

// DefaultPrefixLength is how many normalized title characters two articles must share
// to count as the same story.
const DefaultPrefixLength = 20

// SimilarityFunc reports whether two articles describe the same story.
type SimilarityFunc func(a, b models.Article) bool

// PrefixSimilarity treats two articles as duplicates when the first n characters of
// their normalized titles are identical. Titles shorter than n compare whole.
func PrefixSimilarity(n int) SimilarityFunc {
	if n <= 0 {
		n = DefaultPrefixLength
	}
	return func(a, b models.Article) bool {
		ka := titleKey(a.Title, n)
		return ka != "" && ka == titleKey(b.Title, n)
	}
}

// normalizeTitle lowercases, drops punctuation and collapses whitespace.
func normalizeTitle(title string) string {
	var b strings.Builder
	b.Grow(len(title))
	space := false
	for _, r := range strings.TrimSpace(title) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(unicode.ToLower(r))
		case unicode.IsSpace(r):
			space = true
		}
	}
	return b.String()
}

func titleKey(title string, n int) string {
	runes := []rune(normalizeTitle(title))
	if len(runes) > n {
		runes = runes[:n]
	}
	return string(runes)
}

// Dedup collapses similar articles, keeping the later PublishedAt of each pair and,
// on equal timestamps, the higher priority source. Input order decides position.
func Dedup(articles []models.Article, similar SimilarityFunc) []models.Article {
	if similar == nil {
		similar = PrefixSimilarity(DefaultPrefixLength)
	}

	kept := make([]models.Article, 0, len(articles))
outer:
	for _, a := range articles {
		for i := range kept {
			if !similar(kept[i], a) {
				continue
			}
			if preferred(a, kept[i]) {
				kept[i] = a
			}
			continue outer
		}
		kept = append(kept, a)
	}
	return kept
}

func preferred(candidate, existing models.Article) bool {
	if candidate.PublishedAt.Equal(existing.PublishedAt) {
		return candidate.SourcePriority > existing.SourcePriority
	}
	return candidate.PublishedAt.After(existing.PublishedAt)
}
