package audit

import (
	"regexp"
	"unicode/utf8"
)

const maxDetailRunes = 1000

var (
	bearerPattern = regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9._~+/=-]+`)
	secretPattern = regexp.MustCompile(`(?i)("?(?:token|password|secret|api_key)"?\s*[:=]\s*"?)[^",\s}]+`)
)

func redactDetail(detail string) string {
	detail = bearerPattern.ReplaceAllString(detail, "${1}[redacted]")
	return secretPattern.ReplaceAllString(detail, "${1}[redacted]")
}

func truncateDetail(detail string) string {
	if utf8.RuneCountInString(detail) <= maxDetailRunes {
		return detail
	}
	runes := []rune(detail)
	return string(runes[:maxDetailRunes]) + "..."
}
