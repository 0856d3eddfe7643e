package moderation

import (
	"regexp"
	"strings"
)

var (
	// Bare domains need a path so "v2.0" and "3.14" stay clean.
	urlPattern = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|\S+\.(com|net|org|io|co|xyz|info|biz|ru|cn|tk|ml|ga|cf)/\S*)`)

	// Whitespace-anchored so digits inside words and short numbers pass.
	phonePattern = regexp.MustCompile(`(?:^|\s)(\+?\d{1,3}[-.\s]?)?\(?\d{2,4}\)?[-.\s]?\d{3,4}[-.\s]?\d{3,4}(?:\s|$)`)
)

const (
	charFloodRun = 8
	wordFloodRun = 4
)

type spamRule struct {
	term    string
	message string
	match   func(string) bool
}

// First match wins. Contact details come first since they let a peer
// leave the anonymous session.
var spamRules = []spamRule{
	{"url", "links are not allowed", urlPattern.MatchString},
	{"phone", "phone numbers are not allowed", phonePattern.MatchString},
	{"char_flood", "character flooding", func(s string) bool {
		return longestRun([]rune(s)) >= charFloodRun
	}},
	{"word_flood", "repeated word flooding", func(s string) bool {
		return longestRun(strings.Fields(strings.ToLower(s))) >= wordFloodRun
	}},
}

// longestRun returns the length of the longest stretch of equal adjacent
// elements.
func longestRun[T comparable](xs []T) int {
	best, run := 0, 0
	for i := range xs {
		if i > 0 && xs[i] == xs[i-1] {
			run++
		} else {
			run = 1
		}
		best = max(best, run)
	}
	return best
}

func (f *Filter) checkSpamPatterns(text string) Result {
	for _, rule := range spamRules {
		if rule.match(text) {
			return Result{Blocked: true, Reason: ReasonSpam, Term: rule.term}
		}
	}
	return Result{}
}

// Describe turns a blocked result into the text shown to the sender.
func Describe(r Result) string {
	if r.Reason == ReasonSpam {
		for _, rule := range spamRules {
			if rule.term == r.Term {
				return rule.message
			}
		}
	}
	return "message contains blocked content"
}
