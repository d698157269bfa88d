package scoring

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// normalize folds compatibility forms and lowercases so forbidden-content
// matching is not defeated by full-width or mixed-case spellings.
func normalize(s string) string {
	return cases.Lower(language.Und).String(norm.NFKC.String(s))
}

func containsAny(text string, terms []string) bool {
	if len(terms) == 0 {
		return false
	}
	haystack := normalize(text)
	for _, t := range terms {
		if t == "" {
			continue
		}
		if strings.Contains(haystack, normalize(t)) {
			return true
		}
	}
	return false
}

func hasAllTags(tags, required []string) bool {
	for _, r := range required {
		found := false
		for _, t := range tags {
			if t == r {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
