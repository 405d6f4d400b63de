// Package normalizer converts upstream tables into the canonical processed form.
package normalizer

import (
	"regexp"
	"strings"
)

var (
	wordBoundary  = regexp.MustCompile(`(.)(\p{Lu}\p{Ll}+)`)
	lowerToUpper  = regexp.MustCompile(`(\p{Ll}|\p{N})(\p{Lu})`)
	nonWordChunks = regexp.MustCompile(`[^\p{L}\p{N}]+`)
)

// NormalizeHeader converts a column header to lowercase snake_case.
// "Provider Name" -> "provider_name", "ZIPCode" -> "zip_code", "HCAHPSAnswerPercent" -> "hcahps_answer_percent".
//
// The result contains only lowercase letters, digits and single underscores, with no
// leading or trailing underscore, so normalizing it again returns it unchanged.
func NormalizeHeader(name string) string {
	s := wordBoundary.ReplaceAllString(name, "${1}_${2}")
	s = lowerToUpper.ReplaceAllString(s, "${1}_${2}")
	s = strings.ToLower(s)
	s = nonWordChunks.ReplaceAllString(s, "_")
	return strings.Trim(s, "_")
}

// NormalizeHeaders applies NormalizeHeader to every header, preserving order.
func NormalizeHeaders(headers []string) []string {
	out := make([]string, len(headers))
	for i, h := range headers {
		out[i] = NormalizeHeader(h)
	}
	return out
}
