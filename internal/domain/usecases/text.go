package usecases

import (
	"strings"
	"unicode"
)

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "is": {}, "are": {}, "was": {}, "were": {}, "be": {}, "been": {},
	"what": {}, "which": {}, "who": {}, "whom": {}, "how": {}, "why": {}, "when": {}, "where": {},
	"do": {}, "does": {}, "did": {}, "can": {}, "could": {}, "would": {}, "should": {}, "will": {},
	"of": {}, "in": {}, "on": {}, "at": {}, "to": {}, "for": {}, "from": {}, "by": {}, "with": {},
	"and": {}, "or": {}, "but": {}, "not": {}, "it": {}, "its": {}, "this": {}, "that": {},
	"these": {}, "those": {}, "me": {}, "my": {}, "i": {}, "you": {}, "your": {}, "we": {},
	"please": {}, "explain": {}, "define": {}, "describe": {}, "tell": {}, "about": {},
	"covers": {}, "including": {}, "between": {}, "their": {}, "them": {}, "they": {},
	"into": {}, "like": {}, "also": {}, "use": {}, "used": {}, "give": {}, "example": {},
}

// tokenize lowercases text and returns stemmed content words in order.
func tokenize(text string) []string {
	text = strings.ToLower(text)
	text = strings.NewReplacer("'s", "", "’s", "").Replace(text)
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < 2 {
			continue
		}
		if _, stop := stopwords[f]; stop {
			continue
		}
		out = append(out, stem(f))
	}
	return out
}

// stem strips a plural "s" so "laws" and "law" compare equal.
func stem(w string) string {
	if len(w) > 3 && strings.HasSuffix(w, "s") && !strings.HasSuffix(w, "ss") {
		return w[:len(w)-1]
	}
	return w
}

func tokenSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, t := range tokenize(text) {
		set[t] = struct{}{}
	}
	return set
}

// containsAll reports whether every token of phrase appears in set.
func containsAll(set map[string]struct{}, phrase []string) bool {
	if len(phrase) == 0 {
		return false
	}
	for _, t := range phrase {
		if _, ok := set[t]; !ok {
			return false
		}
	}
	return true
}

// lexicalSupport is the share of content words in claim that also appear in evidence.
func lexicalSupport(claim string, evidence map[string]struct{}) float64 {
	words := tokenize(claim)
	if len(words) == 0 {
		return 0
	}
	hit := 0
	for _, w := range words {
		if _, ok := evidence[w]; ok {
			hit++
		}
	}
	return float64(hit) / float64(len(words))
}

// truncateRunes cuts s to n runes, appending "..." when something was cut.
func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func round3(v float64) float64 {
	return float64(int64(v*1000+0.5)) / 1000
}
