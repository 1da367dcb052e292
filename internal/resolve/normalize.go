// Package resolve decides which canonical contact an incoming clean record
// belongs to: deterministic matches on exact contact handles first, then
// weighted fuzzy scoring over blocked candidate sets.
package resolve

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	multiSpaceRe = regexp.MustCompile(`\s{2,}`)
	nonDigitRe   = regexp.MustCompile(`\D`)

	// deaccent strips combining marks after canonical decomposition, so
	// "José" and "Jose" normalize identically.
	deaccent = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
)

// NormalizeEmail lowercases and trims an email address. Empty in, empty out.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// NormalizePhone reduces a phone number to digits with a US default country
// code, matching the staging phone_e164 transform. Returns "" when fewer
// than seven digits remain.
func NormalizePhone(s string) string {
	digits := nonDigitRe.ReplaceAllString(s, "")
	if len(digits) == 10 {
		digits = "1" + digits
	}
	if len(digits) < 7 {
		return ""
	}
	return "+" + digits
}

// NormalizeName standardizes a person name for matching: lowercase,
// diacritics stripped, punctuation removed, whitespace collapsed.
func NormalizeName(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if out, _, err := transform.String(deaccent, s); err == nil {
		s = out
	}
	s = strings.ToLower(s)
	s = strings.NewReplacer(
		",", " ",
		".", "",
		"'", "",
		"\"", "",
		"-", " ",
	).Replace(s)
	s = multiSpaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

var soundexCodes = map[rune]byte{
	'b': '1', 'f': '1', 'p': '1', 'v': '1',
	'c': '2', 'g': '2', 'j': '2', 'k': '2', 'q': '2', 's': '2', 'x': '2', 'z': '2',
	'd': '3', 't': '3',
	'l': '4',
	'm': '5', 'n': '5',
	'r': '6',
}

// Soundex computes the classic four-character phonetic key of a word.
// Non-letter input yields "".
func Soundex(s string) string {
	s = NormalizeName(s)
	if s == "" {
		return ""
	}

	var first rune
	for _, r := range s {
		if r >= 'a' && r <= 'z' {
			first = r
			break
		}
	}
	if first == 0 {
		return ""
	}

	out := []byte{byte(unicode.ToUpper(first))}
	prev := soundexCodes[first]
	started := false
	for _, r := range s {
		if !started {
			// Skip up to and including the first letter.
			if r == first {
				started = true
			}
			continue
		}
		if r < 'a' || r > 'z' {
			continue
		}
		code, ok := soundexCodes[r]
		if !ok {
			// Vowels and h/w/y reset adjacency.
			if r != 'h' && r != 'w' {
				prev = 0
			}
			continue
		}
		if code == prev {
			continue
		}
		out = append(out, code)
		prev = code
		if len(out) == 4 {
			break
		}
	}
	for len(out) < 4 {
		out = append(out, '0')
	}
	return string(out)
}

// BlockKey builds the phonetic blocking key stored on every contact:
// soundex of the last name joined with the primary zip. Either part may be
// missing; a fully empty key disables phonetic blocking for the record.
func BlockKey(lastName, zip string) string {
	sx := Soundex(lastName)
	zip = strings.TrimSpace(zip)
	if sx == "" && zip == "" {
		return ""
	}
	return sx + "_" + zip
}
