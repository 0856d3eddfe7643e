// Package moderation screens chat text exchanged between anonymous peers.
// A Filter blocks configured keywords and phrases (with leetspeak folding)
// and contact-sharing patterns such as URLs and phone numbers.
package moderation

import (
	"strings"
	"unicode"
)

// Reasons reported in Result.Reason.
const (
	ReasonKeyword = "blocked_keyword"
	ReasonSpam    = "spam_pattern"
)

// Result is the outcome of screening one message. The zero value means the
// text may be delivered.
type Result struct {
	Blocked bool
	Reason  string
	Term    string
}

// Filter is immutable after construction and safe for concurrent use.
type Filter struct {
	words   map[string]struct{}
	phrases [][]string
	spam    bool
}

// NewFilter returns a filter with the given blocklist and the contact and
// flood checks enabled. Terms containing whitespace are matched as phrases
// on word boundaries; blank terms are ignored.
func NewFilter(terms []string) *Filter {
	f := &Filter{words: make(map[string]struct{}), spam: true}
	for _, term := range terms {
		fields := strings.Fields(strings.ToLower(term))
		switch len(fields) {
		case 0:
		case 1:
			f.words[fields[0]] = struct{}{}
		default:
			f.phrases = append(f.phrases, fields)
		}
	}
	return f
}

// NewKeywordFilter returns a filter that only applies the blocklist.
func NewKeywordFilter(terms []string) *Filter {
	f := NewFilter(terms)
	f.spam = false
	return f
}

// Check screens text. Keyword matches take precedence over spam patterns.
func (f *Filter) Check(text string) Result {
	if r := f.checkTerms(tokenize(text, false)); r.Blocked {
		return r
	}
	if r := f.checkTerms(tokenize(text, true)); r.Blocked {
		return r
	}
	if f.spam {
		return f.checkSpamPatterns(text)
	}
	return Result{}
}

func (f *Filter) checkTerms(tokens []string) Result {
	for _, tok := range tokens {
		if _, ok := f.words[tok]; ok {
			return Result{Blocked: true, Reason: ReasonKeyword, Term: tok}
		}
	}
	for _, phrase := range f.phrases {
		if containsSequence(tokens, phrase) {
			return Result{Blocked: true, Reason: ReasonKeyword, Term: strings.Join(phrase, " ")}
		}
	}
	return Result{}
}

func containsSequence(tokens, seq []string) bool {
	for i := 0; i+len(seq) <= len(tokens); i++ {
		match := true
		for j := range seq {
			if tokens[i+j] != seq[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

var leet = map[rune]rune{
	'0': 'o',
	'1': 'i',
	'3': 'e',
	'4': 'a',
	'5': 's',
	'7': 't',
	'@': 'a',
	'$': 's',
	'!': 'i',
}

// normalizeLeet lowercases s and folds common character substitutions.
func normalizeLeet(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if sub, ok := leet[r]; ok {
			r = sub
		}
		b.WriteRune(r)
	}
	return b.String()
}

// tokenize splits text into lowercase words. With folding enabled each
// whitespace-separated word is leet-normalized first so that "b@dw0rd"
// becomes "badword"; otherwise punctuation separates words.
func tokenize(text string, fold bool) []string {
	if !fold {
		return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
	}
	var out []string
	for _, w := range strings.Fields(text) {
		w = strings.TrimFunc(normalizeLeet(w), func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		if w != "" {
			out = append(out, w)
		}
	}
	return out
}
