package observability

import "unicode"

// stripUnsafe drops control characters (except whitespace) and caps length
// so untrusted request values cannot inject into log lines.
func stripUnsafe(value string, limit int) string {
	if limit <= 0 {
		limit = 256
	}
	out := make([]rune, 0, len(value))
	for _, r := range value {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			continue
		}
		out = append(out, r)
		if len(out) == limit {
			break
		}
	}
	return string(out)
}

// SanitizeRoute makes a route pattern safe for logging.
func SanitizeRoute(route string) string {
	if route == "" {
		return "/"
	}
	return stripUnsafe(route, 180)
}

// SanitizeMethod makes an HTTP method safe for logging.
func SanitizeMethod(method string) string {
	return stripUnsafe(method, 10)
}

// SanitizeUserID caps identifiers before they reach log fields.
func SanitizeUserID(uid string) string {
	if uid == "" {
		return ""
	}
	return stripUnsafe(uid, 64)
}
