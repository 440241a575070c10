// Package text provides shared text processing utilities.
// This avoids duplication between the fetcher, chunker and search packages.
package text

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// paragraphBreakRe matches a run of blank lines (lines holding only whitespace count as blank).
var paragraphBreakRe = regexp.MustCompile(`\n[ \t\r\f\v]*\n\s*`)

// CollapseWhitespace turns any run of whitespace into a single space and trims the ends.
//
// Example: "  Hello \n\n  world\t!" → "Hello world !"
func CollapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// NormalizeNewlines converts CRLF and CR line endings to LF.
func NormalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

// SplitParagraphs splits s on blank-line runs and drops empty paragraphs.
// Each paragraph is trimmed.
func SplitParagraphs(s string) []string {
	parts := paragraphBreakRe.Split(NormalizeNewlines(s), -1)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// SplitSentences splits s after runs of '.', '!' or '?' that are followed by
// whitespace or the end of the text. Terminal punctuation stays with its
// sentence, and whitespace inside a sentence is collapsed.
//
// Example: "One. Two?! Three" → ["One.", "Two?!", "Three"]
func SplitSentences(s string) []string {
	var out []string
	start := 0
	i := 0
	for i < len(s) {
		if !isSentenceEnd(s[i]) {
			i++
			continue
		}
		j := i
		for j < len(s) && isSentenceEnd(s[j]) {
			j++
		}
		r, _ := utf8.DecodeRuneInString(s[j:])
		if j == len(s) || unicode.IsSpace(r) {
			if sent := CollapseWhitespace(s[start:j]); sent != "" {
				out = append(out, sent)
			}
			start = j
		}
		i = j
	}
	if tail := CollapseWhitespace(s[start:]); tail != "" {
		out = append(out, tail)
	}
	return out
}

func isSentenceEnd(b byte) bool {
	return b == '.' || b == '!' || b == '?'
}

// SplitWords splits s on whitespace.
func SplitWords(s string) []string {
	return strings.Fields(s)
}

// RuneLen returns the number of characters in s.
func RuneLen(s string) int {
	return utf8.RuneCountInString(s)
}

// LastRunes returns the trailing n characters of s, or s itself when it is shorter.
func LastRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	total := utf8.RuneCountInString(s)
	if total <= n {
		return s
	}
	skip := total - n
	for i := range s {
		if skip == 0 {
			return s[i:]
		}
		skip--
	}
	return ""
}

// SplitRunes cuts s into pieces of at most n characters.
func SplitRunes(s string, n int) []string {
	if n <= 0 || s == "" {
		return nil
	}
	runes := []rune(s)
	out := make([]string, 0, len(runes)/n+1)
	for len(runes) > n {
		out = append(out, string(runes[:n]))
		runes = runes[n:]
	}
	if len(runes) > 0 {
		out = append(out, string(runes))
	}
	return out
}

// Preview returns the first n characters of s followed by "..." when s is longer.
func Preview(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
