package validation

import (
	"regexp"
	"strings"
	"unicode"
)

// Claim is one factual sentence of a response.
type Claim struct {
	Text      string   `json:"text"`
	Citations []string `json:"citations,omitempty"`
	Numbers   []Number `json:"numbers,omitempty"`
}

// Number is a numeric literal found in a claim.
type Number struct {
	Raw     string `json:"raw"`
	Value   string `json:"value"`
	Percent bool   `json:"percent,omitempty"`
	// Label is the phrase immediately preceding the number.
	Label string `json:"label,omitempty"`
}

var (
	citationPattern = regexp.MustCompile(`\[chunk:([^\]\s]+)\]`)
	numberPattern   = regexp.MustCompile(`-?\d[\d,]*(?:\.\d+)?%?`)
	listMarker      = regexp.MustCompile(`^\s*(?:\d+[.)]|[-*•])\s+`)
	stepMarker      = regexp.MustCompile(`(?i)^\s*step\s+\d+\s*[:.)-]\s*`)
)

// monthName matches English month names. "May" only counts capitalised.
const monthName = `(?:(?i:jan(?:uary)?|feb(?:ruary)?|mar(?:ch)?|apr(?:il)?|june?|july?|aug(?:ust)?|sept?(?:ember)?|oct(?:ober)?|nov(?:ember)?|dec(?:ember)?)|May)`

// datePatterns cover dates and periods whose digits are not figures.
var datePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}(?:[T ]\d{2}:\d{2}(?::\d{2})?Z?)?\b`),
	regexp.MustCompile(`\b\d{1,2}/\d{1,2}/\d{2,4}\b`),
	regexp.MustCompile(`\b` + monthName + `\.?\s+\d{1,2}(?:st|nd|rd|th)?\b(?:,?\s+\d{4}\b)?`),
	regexp.MustCompile(`\b\d{1,2}(?:st|nd|rd|th)?\s+` + monthName + `\b\.?,?(?:\s+\d{4}\b)?`),
	regexp.MustCompile(`\b` + monthName + `\.?,?\s+\d{4}\b`),
	regexp.MustCompile(`(?i)\b(?:Q[1-4]|H[12]|FY)\s*(?:\d{4}|'\d{2})\b`),
	regexp.MustCompile(`\b(?:19|20)\d{2}\s*(?:-|–|to)\s*(?:19|20)\d{2}\b`),
	regexp.MustCompile(`(?i)\b(?:in|since|during|until|through|before|after)\s+(?:19|20)\d{2}\b`),
}

var labelStopwords = map[string]bool{
	"a": true, "an": true, "the": true, "was": true, "were": true, "is": true,
	"are": true, "of": true, "in": true, "at": true, "to": true, "by": true,
	"for": true, "on": true, "and": true, "with": true, "about": true, "approximately": true,
	"roughly": true,
}

// minClaimWords is the shortest sentence treated as a factual claim.
const minClaimWords = 3

// ExtractClaims splits a response into factual claims. Questions and
// fragments shorter than minClaimWords are skipped.
func ExtractClaims(text string) []Claim {
	var claims []Claim
	for _, sentence := range splitSentences(text) {
		cites := citationPattern.FindAllStringSubmatch(sentence, -1)
		plain := strings.TrimSpace(citationPattern.ReplaceAllString(sentence, ""))
		plain = stepMarker.ReplaceAllString(listMarker.ReplaceAllString(plain, ""), "")
		plain = strings.TrimSpace(plain)
		if strings.HasSuffix(plain, "?") || len(strings.Fields(plain)) < minClaimWords {
			continue
		}
		c := Claim{Text: plain, Numbers: extractNumbers(plain)}
		seen := make(map[string]bool)
		for _, m := range cites {
			if !seen[m[1]] {
				seen[m[1]] = true
				c.Citations = append(c.Citations, m[1])
			}
		}
		claims = append(claims, c)
	}
	return claims
}

// splitSentences splits on ., ! or ? followed by whitespace, and on newlines.
// Citations directly after the terminator stay with their sentence.
func splitSentences(text string) []string {
	var out []string
	start := 0
	flush := func(end int) {
		if s := strings.TrimSpace(text[start:end]); s != "" {
			out = append(out, s)
		}
		start = end
	}
	for i := 0; i < len(text); i++ {
		c := text[i]
		if c == '\n' {
			flush(i + 1)
			continue
		}
		if c != '.' && c != '!' && c != '?' {
			continue
		}
		j := i + 1
		for {
			k := j
			for k < len(text) && text[k] == ' ' {
				k++
			}
			loc := citationPattern.FindStringIndex(text[k:])
			if loc == nil || loc[0] != 0 {
				break
			}
			j = k + loc[1]
		}
		if j >= len(text) || isSpace(text[j]) {
			flush(j)
			i = j - 1
		}
	}
	flush(len(text))
	return out
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\t' || c == '\r'
}

func extractNumbers(sentence string) []Number {
	masked := maskDates(sentence)
	var out []Number
	for _, loc := range numberPattern.FindAllStringIndex(masked, -1) {
		start := loc[0]
		if start > 0 {
			prev := masked[start-1]
			// Skip digits embedded in identifiers such as "Q3" or "FY2024".
			if prev == '_' || unicode.IsLetter(rune(prev)) {
				continue
			}
			// A hyphen after a digit separates a range, it is not a sign.
			if masked[start] == '-' && prev >= '0' && prev <= '9' {
				start++
			}
		}
		raw := masked[start:loc[1]]
		value := strings.TrimSuffix(strings.ReplaceAll(raw, ",", ""), "%")
		out = append(out, Number{
			Raw:     raw,
			Value:   value,
			Percent: strings.HasSuffix(raw, "%"),
			Label:   labelBefore(masked[:start]),
		})
	}
	return out
}

// maskDates blanks dates and periods so their digits are neither figures nor
// label words. Offsets are preserved.
func maskDates(sentence string) string {
	b := []byte(sentence)
	for _, re := range datePatterns {
		for _, loc := range re.FindAllStringIndex(sentence, -1) {
			for i := loc[0]; i < loc[1]; i++ {
				b[i] = ' '
			}
		}
	}
	return string(b)
}

// labelBefore returns up to three content words preceding a number.
func labelBefore(prefix string) string {
	words := strings.FieldsFunc(strings.ToLower(prefix), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	var picked []string
	for i := len(words) - 1; i >= 0 && len(picked) < 3; i-- {
		if labelStopwords[words[i]] {
			if len(picked) > 0 {
				break
			}
			continue
		}
		picked = append([]string{words[i]}, picked...)
	}
	return strings.Join(picked, " ")
}

// contentWords returns the lowercased words of s longer than two letters.
func contentWords(s string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '.'
	}) {
		w = strings.Trim(w, ".")
		if len(w) > 2 && !labelStopwords[w] {
			out[w] = true
		}
	}
	return out
}
