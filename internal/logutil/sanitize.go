package logutil

import "strings"

// SanitizeForLog removes newlines and control characters from user-provided
// strings (owner ids, hostnames, remote paths) so a crafted value cannot
// forge additional log lines.
func SanitizeForLog(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\t", " ")
	var result strings.Builder
	result.Grow(len(s))
	for _, r := range s {
		if r >= 32 && r != 127 {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// MaskSecret hides all but the last four characters of a credential.
// Short values are fully masked.
func MaskSecret(value string) string {
	if value == "" {
		return ""
	}
	if len(value) > 8 {
		return "****" + value[len(value)-4:]
	}
	return "****"
}

// ShortID truncates long handle ids for log lines.
func ShortID(id string) string {
	if len(id) <= 24 {
		return SanitizeForLog(id)
	}
	return SanitizeForLog(id[:12]) + "…" + SanitizeForLog(id[len(id)-8:])
}
