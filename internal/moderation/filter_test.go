package moderation

import (
	"strings"
	"testing"
)

// ---------- blocklist tests ----------

func TestNewFilter_SplitsWordsAndPhrases(t *testing.T) {
	f := NewFilter([]string{"", "  ", "valid", "Two  Words"})

	if _, ok := f.words["valid"]; !ok || len(f.words) != 1 {
		t.Errorf("words = %v, want {valid}", f.words)
	}
	if len(f.phrases) != 1 || strings.Join(f.phrases[0], " ") != "two words" {
		t.Errorf("phrases = %v, want [[two words]]", f.phrases)
	}
}

func TestCheck_Blocklist(t *testing.T) {
	f := NewKeywordFilter([]string{"badword", "offensive", "kill yourself", "go die"})

	// term "" means the text must pass.
	cases := map[string]string{
		"badword":                      "badword",
		"this is badword here":         "badword",
		"BaDwOrD":                      "badword",
		"hello, badword!":              "badword",
		"badwording is fine":           "",
		"mybadword":                    "",
		"kill yourself":                "kill yourself",
		"you should KILL yourself now": "kill yourself",
		"kill yourselves":              "",
		"kill and yourself":            "",
		"go die already":               "go die",
		"b@dw0rd":                      "badword",
		"off3n$ive":                    "offensive",
		"offens!ve":                    "offensive",
		"you are 0ff3n$!v3, ok":        "offensive",
		"i love this chat":             "",
	}

	for input, term := range cases {
		r := f.Check(input)
		switch {
		case term == "" && r.Blocked:
			t.Errorf("%q blocked on %q, want clean", input, r.Term)
		case term != "" && (!r.Blocked || r.Term != term || r.Reason != ReasonKeyword):
			t.Errorf("%q = %+v, want keyword %q", input, r, term)
		}
	}
}

func TestCheck_EverydayChatPasses(t *testing.T) {
	f := NewFilter([]string{"badword", "kill yourself"})

	for _, msg := range []string{
		"hello, how are you?",
		"what are your hobbies?",
		"let's talk about movies",
		"what class are you in?",
		"I need to assess the situation",
		"",
	} {
		if r := f.Check(msg); r.Blocked {
			t.Errorf("%q blocked (%s/%s)", msg, r.Reason, r.Term)
		}
	}
}

// ---------- normalization tests ----------

func TestNormalizeLeet(t *testing.T) {
	for in, want := range map[string]string{
		"hello":  "hello",
		"h3ll0":  "hello",
		"@ss":    "ass",
		"UPPER":  "upper",
		"ch@ng3": "change",
	} {
		if got := normalizeLeet(in); got != want {
			t.Errorf("normalizeLeet(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestTokenize(t *testing.T) {
	tests := []struct {
		in   string
		fold bool
		want string
	}{
		{"hello, world!", false, "hello|world"},
		{"  spaced  out  ", false, "spaced|out"},
		{"hello---world", false, "hello|world"},
		{"", false, ""},
		{"b@dw0rd", true, "badword"},
		{"Hello $h!t, bye", true, "hello|shit|bye"},
	}

	for _, tt := range tests {
		if got := strings.Join(tokenize(tt.in, tt.fold), "|"); got != tt.want {
			t.Errorf("tokenize(%q, %t) = %q, want %q", tt.in, tt.fold, got, tt.want)
		}
	}
}

func BenchmarkCheck(b *testing.B) {
	f := NewFilter([]string{"badword", "kill yourself"})
	msg := "hey how are you doing today? I love chatting about music and movies. What are your favorite hobbies?"

	for b.Loop() {
		f.Check(msg)
	}
}
