// Package security masks resolver credentials before they reach logs or output.
package security

import (
	"regexp"
	"strings"
)

// sensitiveOptions contains resolver option names whose values are masked.
var sensitiveOptions = map[string]bool{
	"api_key":      true,
	"api_secret":   true,
	"apikey":       true,
	"secret":       true,
	"password":     true,
	"token":        true,
	"access_token": true,
	"auth_token":   true,
	"credential":   true,
	"private_key":  true,
}

// inlineSecret matches key=value or key: value pairs carrying a credential,
// as found in upstream error messages.
var inlineSecret = regexp.MustCompile(`(?i)(api[_-]?key|api[_-]?secret|access[_-]?token|auth[_-]?token|password)([=:]\s*)["']?([^\s"'&]+)["']?`)

// IsSensitiveOption reports whether an option name holds a credential.
func IsSensitiveOption(name string) bool {
	return sensitiveOptions[strings.ToLower(name)]
}

// MaskCredential masks a credential value, keeping at most a short prefix and
// suffix.
func MaskCredential(value string) string {
	if len(value) == 0 {
		return ""
	}
	if len(value) <= 4 {
		return strings.Repeat("*", len(value))
	}
	if len(value) <= 8 {
		return value[:2] + strings.Repeat("*", len(value)-2)
	}
	return value[:4] + strings.Repeat("*", len(value)-8) + value[len(value)-4:]
}

// RedactOptions returns a copy of resolver options with credentials masked.
func RedactOptions(options map[string]string) map[string]string {
	out := make(map[string]string, len(options))
	for k, v := range options {
		if IsSensitiveOption(k) {
			out[k] = MaskCredential(v)
			continue
		}
		out[k] = v
	}
	return out
}

// MaskInString masks credentials embedded in free text.
func MaskInString(s string) string {
	return inlineSecret.ReplaceAllStringFunc(s, func(match string) string {
		m := inlineSecret.FindStringSubmatch(match)
		return m[1] + m[2] + MaskCredential(m[3])
	})
}
