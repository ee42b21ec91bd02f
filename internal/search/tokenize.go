// Package search implements the in-process index over extracted documents:
// weighted keyword scoring, trigram fuzzy matching, template signature
// lookup, and an optional dense-vector section for semantic rerank.
package search

import (
	"strings"
	"unicode"
)

// maxKeywordLen is the cap on indexed keyword values. Longer values are
// stored on the document but never enter the inverted index.
const maxKeywordLen = 256

// Tokenize lowercases and splits text into alphanumeric tokens, dropping
// stopwords and single characters.
func Tokenize(text string) []string {
	var tokens []string
	var sb strings.Builder

	flush := func() {
		if sb.Len() > 1 {
			tok := sb.String()
			if !stopwords[tok] {
				tokens = append(tokens, tok)
			}
		}
		sb.Reset()
	}

	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			sb.WriteRune(unicode.ToLower(r))
		} else {
			flush()
		}
	}
	flush()
	return tokens
}

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "for": true, "from": true, "has": true, "in": true,
	"is": true, "it": true, "of": true, "on": true, "or": true, "that": true,
	"the": true, "to": true, "was": true, "were": true, "will": true, "with": true,
}

// Trigrams returns the set of 3-grams of a token, padded the way pg_trgm
// pads ("  ab", " abc", ..., "bc ").
func Trigrams(token string) map[string]bool {
	token = strings.ToLower(strings.TrimSpace(token))
	if token == "" {
		return nil
	}
	padded := "  " + token + " "
	grams := make(map[string]bool)
	for i := 0; i+3 <= len(padded); i++ {
		grams[padded[i:i+3]] = true
	}
	return grams
}

// TrigramSimilarity computes the Jaccard similarity of two tokens' trigram
// sets, in [0,1].
func TrigramSimilarity(a, b string) float64 {
	ga, gb := Trigrams(a), Trigrams(b)
	if len(ga) == 0 || len(gb) == 0 {
		return 0
	}
	inter := 0
	for g := range ga {
		if gb[g] {
			inter++
		}
	}
	union := len(ga) + len(gb) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
