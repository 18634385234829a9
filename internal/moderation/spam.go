package moderation

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	// urlPattern requires a scheme, a www. prefix, or a known TLD followed by
	// "/" so version strings like "v2.0" pass.
	urlPattern = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|\S+\.(com|net|org|io|co|xyz|info|biz|ru|cn|tk|ml|ga|cf)/\S*)`)

	// phonePattern matches +1-555-123-4567, (555) 123-4567 and 555.123.4567
	// as whole whitespace-delimited runs.
	phonePattern = regexp.MustCompile(`(?:^|\s)(\+?\d{1,3}[-.\s]?)?\(?\d{2,4}\)?[-.\s]?\d{3,4}[-.\s]?\d{3,4}(?:\s|$)`)
)

const (
	charFloodRun = 5 // identical consecutive runes
	wordFloodRun = 3 // identical consecutive words
)

type spamRule struct {
	name  string
	match func(string) bool
}

// spamRules run in order; the first hit wins.
var spamRules = []spamRule{
	{"url", urlPattern.MatchString},
	{"phone", phonePattern.MatchString},
	{"char_flood", charFlood},
	{"word_flood", wordFlood},
}

func matchSpam(text string) (string, bool) {
	for _, r := range spamRules {
		if r.match(text) {
			return r.name, true
		}
	}
	return "", false
}

func charFlood(text string) bool {
	run, prev := 0, rune(-1)
	for _, r := range text {
		if r != prev {
			run, prev = 0, r
		}
		run++
		if run >= charFloodRun {
			return true
		}
	}
	return false
}

func wordFlood(text string) bool {
	run, prev := 0, ""
	for _, w := range strings.FieldsFunc(text, unicode.IsSpace) {
		w = strings.ToLower(w)
		if w != prev {
			run, prev = 0, w
		}
		run++
		if run >= wordFloodRun {
			return true
		}
	}
	return false
}
