package shared

import (
	"net/url"
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPatterns matches secret-bearing fragments in log, event and error
// strings.
var secretPatterns = []*regexp.Regexp{
	// key=value style credentials.
	regexp.MustCompile(`(?i)((?:api[_-]?key|secret|password|auth[_-]?token|token)\s*[:=]\s*"?)([^\s"&,]{6,})"?`),
	// Authorization header values.
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	// Bare JWTs.
	regexp.MustCompile(`eyJ[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+`),
	// Passwords embedded in connection URLs.
	regexp.MustCompile(`(://[^:/@\s]*:)([^@\s]+)(@)`),
}

// Redact replaces secret-bearing patterns in input with [REDACTED].
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			sub := pat.FindStringSubmatch(match)
			switch len(sub) {
			case 4:
				return sub[1] + redactedPlaceholder + sub[3]
			case 3:
				return sub[1] + redactedPlaceholder
			default:
				return redactedPlaceholder
			}
		})
	}
	return result
}

// RedactURL hides the password of a connection URL such as a redis:// DSN.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return Redact(raw)
	}
	if _, has := u.User.Password(); has {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}

// RedactEnvValue returns [REDACTED] when key names a secret.
func RedactEnvValue(key, value string) string {
	keyLower := strings.ToLower(key)
	for _, sensitive := range []string{"secret", "token", "password", "credential", "api_key"} {
		if strings.Contains(keyLower, sensitive) {
			return redactedPlaceholder
		}
	}
	return value
}
