package validators

import "strings"

// SanitizeString trims input, collapses runs of whitespace to one space and
// truncates to maxLen runes. Addresses pasted from forms often carry line
// breaks.
func SanitizeString(input string, maxLen int) string {
	cleaned := strings.Join(strings.Fields(input), " ")
	if maxLen <= 0 {
		return cleaned
	}
	runes := []rune(cleaned)
	if len(runes) > maxLen {
		return strings.TrimSpace(string(runes[:maxLen]))
	}
	return cleaned
}
