// Package moderation screens chat text for blocked terms and spam patterns.
// The relay never waits on it: text is checked after delivery by the
// moderator worker and verdicts come back over NATS.
package moderation

import (
	"strings"
	"unicode"
)

const (
	ReasonKeyword = "blocked_keyword"
	ReasonSpam    = "spam_pattern"
)

// DefaultTerms is the built-in blocklist. Multi-word entries match as
// consecutive words.
var DefaultTerms = []string{
	"kys",
	"kill yourself",
	"go die",
	"send nudes",
	"rape",
	"pedo",
}

// FilterResult is the outcome of a Check.
type FilterResult struct {
	Blocked bool
	Reason  string
	Term    string
}

// Filter matches whole words and phrases, case-insensitively, with and
// without leetspeak folding. It is read-only after construction and safe
// for concurrent use.
type Filter struct {
	words   map[string]struct{}
	phrases [][]string
}

// NewFilter creates a filter with DefaultTerms.
func NewFilter() *Filter {
	return NewFilterWithTerms(DefaultTerms)
}

// NewFilterWithTerms creates a filter for terms. Blank entries are ignored.
func NewFilterWithTerms(terms []string) *Filter {
	f := &Filter{words: make(map[string]struct{})}
	for _, term := range terms {
		toks := tokenize(strings.ToLower(term))
		switch len(toks) {
		case 0:
		case 1:
			f.words[toks[0]] = struct{}{}
		default:
			f.phrases = append(f.phrases, toks)
		}
	}
	return f
}

// Check screens text. Keyword hits take precedence over spam patterns.
func (f *Filter) Check(text string) FilterResult {
	lower := strings.ToLower(text)
	plain := tokenize(lower)
	folded := make([]string, len(plain))
	for i, t := range plain {
		folded[i] = foldLeet(t)
	}

	for _, toks := range [][]string{plain, folded} {
		if term, ok := f.matchWords(toks); ok {
			return FilterResult{Blocked: true, Reason: ReasonKeyword, Term: term}
		}
		if term, ok := f.matchPhrases(toks); ok {
			return FilterResult{Blocked: true, Reason: ReasonKeyword, Term: term}
		}
	}

	if name, ok := matchSpam(text); ok {
		return FilterResult{Blocked: true, Reason: ReasonSpam, Term: name}
	}
	return FilterResult{}
}

// Len returns the number of configured terms.
func (f *Filter) Len() int {
	return len(f.words) + len(f.phrases)
}

func (f *Filter) matchWords(toks []string) (string, bool) {
	for _, t := range toks {
		if _, ok := f.words[t]; ok {
			return t, true
		}
	}
	return "", false
}

func (f *Filter) matchPhrases(toks []string) (string, bool) {
	for _, p := range f.phrases {
		for i := 0; i+len(p) <= len(toks); i++ {
			if equalAt(toks[i:], p) {
				return strings.Join(p, " "), true
			}
		}
	}
	return "", false
}

func equalAt(toks, phrase []string) bool {
	for j := range phrase {
		if toks[j] != phrase[j] {
			return false
		}
	}
	return true
}

// tokenize splits lowercased text into words. Leet symbols stay part of the
// word so folding can recover the letter.
func tokenize(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
		_, leet := leetMap[r]
		return !leet
	})
}

var leetMap = map[rune]rune{
	'0': 'o',
	'1': 'i',
	'3': 'e',
	'4': 'a',
	'5': 's',
	'7': 't',
	'@': 'a',
	'$': 's',
}

// foldLeet maps leetspeak substitutions in a token back to letters.
func foldLeet(tok string) string {
	return strings.Map(func(r rune) rune {
		if l, ok := leetMap[r]; ok {
			return l
		}
		return r
	}, tok)
}
