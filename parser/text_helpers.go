package parser

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

var pureBase64Pattern = regexp.MustCompile(`^[A-Za-z0-9+/=]+$`)

func isPureBase64(line string) bool {
	return len(line) > 0 && len(line)%4 == 0 && pureBase64Pattern.MatchString(line)
}

func decodeBase64Loose(raw string) (string, error) {
	raw = strings.Map(func(r rune) rune {
		switch r {
		case '\r', '\n', '\t', ' ':
			return -1
		default:
			return r
		}
	}, raw)
	if raw == "" {
		return "", fmt.Errorf("empty base64")
	}
	unpadded := strings.TrimRight(raw, "=")
	attempts := []struct {
		enc *base64.Encoding
		in  string
	}{
		{base64.StdEncoding, raw},
		{base64.RawStdEncoding, unpadded},
		{base64.URLEncoding, raw},
		{base64.RawURLEncoding, unpadded},
	}
	for _, a := range attempts {
		if b, err := a.enc.DecodeString(a.in); err == nil {
			return string(b), nil
		}
	}
	return "", fmt.Errorf("invalid base64 text")
}

// decodeBase64Document accepts a whole payload that is one base64 blob.
func decodeBase64Document(text string) (string, bool) {
	cleaned := strings.TrimSpace(text)
	if strings.Contains(cleaned, "://") {
		return "", false
	}
	for _, r := range cleaned {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') ||
			r == '+' || r == '/' || r == '=' || r == '-' || r == '_' ||
			r == '\r' || r == '\n' || r == '\t' || r == ' ' {
			continue
		}
		return "", false
	}
	decoded, err := decodeBase64Loose(cleaned)
	if err != nil {
		return "", false
	}
	decoded = strings.TrimSpace(decoded)
	return decoded, decoded != ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func firstQueryValue(q url.Values, keys ...string) string {
	for _, key := range keys {
		if v := strings.TrimSpace(q.Get(key)); v != "" {
			return v
		}
	}
	return ""
}

func normalizeKVKey(raw string) string {
	key := strings.ToLower(strings.TrimSpace(raw))
	key = strings.Trim(key, `"'`)
	return strings.ReplaceAll(key, "_", "-")
}

func parseIntStrict(raw string, min, max int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("empty value")
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if n < min || n > max {
		return 0, fmt.Errorf("out of range")
	}
	return n, nil
}

func parseBoolDefault(raw string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

// leadingInt reads values such as "100 Mbps".
func leadingInt(raw string, fallback int) int {
	raw = strings.TrimSpace(raw)
	if idx := strings.IndexByte(raw, ' '); idx >= 0 {
		raw = raw[:idx]
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return n
	}
	return fallback
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func decodeFragmentName(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if decoded, err := url.QueryUnescape(raw); err == nil {
		return strings.TrimSpace(decoded)
	}
	return raw
}
