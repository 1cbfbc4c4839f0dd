package telemetry

import (
	"net/url"
	"strings"
)

// URL query parameters that might contain secrets
var sensitiveQueryParams = map[string]bool{
	"api_key":      true,
	"apikey":       true,
	"token":        true,
	"access_token": true,
	"secret":       true,
	"key":          true,
	"cx":           true,
	"password":     true,
	"auth":         true,
}

// SanitiseURL removes credentials and secret-looking query parameters so
// provider endpoints can be recorded on spans
func SanitiseURL(rawURL string) string {
	if rawURL == "" {
		return ""
	}

	parsedURL, err := url.Parse(rawURL)
	if err != nil || parsedURL.Scheme == "" {
		return "[INVALID_URL]"
	}

	parsedURL.User = nil

	if parsedURL.RawQuery != "" {
		query := parsedURL.Query()
		for key := range query {
			keyLower := strings.ToLower(key)
			if sensitiveQueryParams[keyLower] || strings.Contains(keyLower, "key") || strings.Contains(keyLower, "token") {
				query.Set(key, "[REDACTED]")
			}
		}
		parsedURL.RawQuery = query.Encode()
	}

	return parsedURL.String()
}

// TruncateString truncates a string to a maximum length with ellipsis
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return "..."
	}
	return s[:maxLen-3] + "..."
}
