// Package text prepares generated reply text for speech synthesis.
package text

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	baseTen      = 10
	baseTwenty   = 20
	baseHundred  = 100
	baseThousand = 1000
	// MaxNumberForWords is the largest integer spelled out; larger ones are kept as digits.
	MaxNumberForWords = 999999
)

const (
	urlRegexPattern        = `https?://\S*[^\s.,!?;:)]`
	emailRegexPattern      = `[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`
	groupedNumberPattern   = `\b\d{1,3}(?:,\d{3})+\b`
	numberRegexPattern     = `\d+(?:\.\d+)?`
	markdownRegexPattern   = "[*_#`~>]+"
	whitespaceRegexPattern = `\s+`
	ellipsisRunPattern     = `\.{3,}`
)

// Placeholders use private-use runes so no later rule can touch them.
const (
	placeholderOpen  = '\uE000'
	placeholderClose = '\uE001'
)

const (
	variationSelector = '\uFE0F'
	zeroWidthJoiner   = '\u200D'
)

// Normalizer rewrites conversational text into a form a speech engine reads well.
type Normalizer struct {
	urlPattern           *regexp.Regexp
	emailPattern         *regexp.Regexp
	groupedNumber        *regexp.Regexp
	numberPattern        *regexp.Regexp
	markdownPattern      *regexp.Regexp
	whitespacePattern    *regexp.Regexp
	ellipsisRun          *regexp.Regexp
	abbreviationReplacer *strings.Replacer
	symbolReplacer       *strings.Replacer
}

// NewNormalizer compiles the patterns once for reuse across replies.
func NewNormalizer() *Normalizer {
	abbreviations := []string{
		"Mr.", "Mister",
		"Mrs.", "Misses",
		"Ms.", "Miss",
		"Dr.", "Doctor",
		"St.", "Saint",
		"e.g.", "for example",
		"i.e.", "that is",
		"etc.", "et cetera",
		"approx.", "approximately",
	}

	return &Normalizer{
		urlPattern:           regexp.MustCompile(urlRegexPattern),
		emailPattern:         regexp.MustCompile(emailRegexPattern),
		groupedNumber:        regexp.MustCompile(groupedNumberPattern),
		numberPattern:        regexp.MustCompile(numberRegexPattern),
		markdownPattern:      regexp.MustCompile(markdownRegexPattern),
		whitespacePattern:    regexp.MustCompile(whitespaceRegexPattern),
		ellipsisRun:          regexp.MustCompile(ellipsisRunPattern),
		abbreviationReplacer: strings.NewReplacer(abbreviations...),
		symbolReplacer: strings.NewReplacer(
			"—", ", ",
			"–", "-",
			"‒", "-",
			"…", "...",
			"“", `"`, "”", `"`,
			"‘", "'", "’", "'",
			"&", " and ",
			"%", " percent",
		),
	}
}

// Normalize returns text ready for synthesis. Empty input yields empty output.
func (n *Normalizer) Normalize(text string) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}

	preserved, tokens := n.preserveTokens(text)

	normalized := n.symbolReplacer.Replace(preserved)
	normalized = n.abbreviationReplacer.Replace(normalized)
	normalized = n.markdownPattern.ReplaceAllString(normalized, "")
	normalized = stripEmoji(normalized)
	normalized = n.normalizeNumbers(normalized)
	normalized = collapsePunctuation(normalized)
	normalized = n.ellipsisRun.ReplaceAllString(normalized, "...")
	normalized = strings.TrimSpace(n.whitespacePattern.ReplaceAllString(normalized, " "))
	normalized = restoreTokens(normalized, tokens)

	return ensureSentenceEnding(normalized)
}

// preserveTokens swaps URLs and emails for placeholders.
func (n *Normalizer) preserveTokens(text string) (string, []string) {
	var tokens []string

	replace := func(pattern *regexp.Regexp, input string) string {
		return pattern.ReplaceAllStringFunc(input, func(match string) string {
			tokens = append(tokens, match)

			return placeholder(len(tokens) - 1)
		})
	}

	text = replace(n.urlPattern, text)
	text = replace(n.emailPattern, text)

	return text, tokens
}

func placeholder(index int) string {
	return fmt.Sprintf("%c%c%c", placeholderOpen, rune('a'+index), placeholderClose)
}

func restoreTokens(text string, tokens []string) string {
	for i, token := range tokens {
		text = strings.ReplaceAll(text, placeholder(i), token)
	}

	return text
}

// normalizeNumbers spells out integers and simple decimals.
func (n *Normalizer) normalizeNumbers(text string) string {
	text = n.groupedNumber.ReplaceAllStringFunc(text, func(s string) string {
		return strings.ReplaceAll(s, ",", "")
	})

	return n.numberPattern.ReplaceAllStringFunc(text, func(s string) string {
		whole, fraction, hasFraction := strings.Cut(s, ".")

		num, err := strconv.Atoi(whole)
		if err != nil || num > MaxNumberForWords {
			return s
		}

		spoken := IntegerToWords(num)
		if !hasFraction {
			return spoken
		}

		digits := make([]string, 0, len(fraction))
		for _, digit := range fraction {
			digits = append(digits, IntegerToWords(int(digit-'0')))
		}

		return spoken + " point " + strings.Join(digits, " ")
	})
}

func stripEmoji(text string) string {
	return strings.Map(func(r rune) rune {
		if r == variationSelector || r == zeroWidthJoiner || unicode.Is(unicode.So, r) || unicode.Is(unicode.Sk, r) {
			return -1
		}

		return r
	}, text)
}

// collapsePunctuation drops immediate repeats of the same mark ("!!!" -> "!").
// Periods are left alone so ellipses survive.
func collapsePunctuation(text string) string {
	var (
		builder strings.Builder
		last    rune
	)

	builder.Grow(len(text))

	for _, char := range text {
		if char == last && char != '.' && unicode.IsPunct(char) {
			continue
		}

		builder.WriteRune(char)

		last = char
	}

	return builder.String()
}

func ensureSentenceEnding(text string) string {
	if text == "" {
		return ""
	}

	lastChar, _ := utf8.DecodeLastRuneInString(text)
	switch lastChar {
	case '.', '!', '?':
		return text
	default:
		return text + "."
	}
}

var (
	ones = []string{
		"zero", "one", "two", "three", "four", "five",
		"six", "seven", "eight", "nine",
	}
	teens = []string{
		"ten", "eleven", "twelve", "thirteen", "fourteen",
		"fifteen", "sixteen", "seventeen", "eighteen", "nineteen",
	}
	tens = []string{
		"", "", "twenty", "thirty", "forty", "fifty",
		"sixty", "seventy", "eighty", "ninety",
	}
)

// IntegerToWords spells out 0..MaxNumberForWords in English; other values are
// returned as digits.
func IntegerToWords(number int) string {
	if number < 0 || number > MaxNumberForWords {
		return strconv.Itoa(number)
	}

	if number == 0 {
		return ones[0]
	}

	var parts []string

	if thousands := number / baseThousand; thousands > 0 {
		parts = append(parts, underThousand(thousands)+" thousand")
	}

	if rest := number % baseThousand; rest > 0 {
		parts = append(parts, underThousand(rest))
	}

	return strings.Join(parts, " ")
}

func underThousand(number int) string {
	var parts []string

	if hundreds := number / baseHundred; hundreds > 0 {
		parts = append(parts, ones[hundreds]+" hundred")
	}

	rest := number % baseHundred

	switch {
	case rest == 0:
	case rest < baseTen:
		parts = append(parts, ones[rest])
	case rest < baseTwenty:
		parts = append(parts, teens[rest-baseTen])
	default:
		word := tens[rest/baseTen]
		if rest%baseTen > 0 {
			word += " " + ones[rest%baseTen]
		}

		parts = append(parts, word)
	}

	return strings.Join(parts, " ")
}
