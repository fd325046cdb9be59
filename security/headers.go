package security

import "net/http"

// SetSecurityHeaders sets the headers every OAuth endpoint response carries.
// Strict-Transport-Security is only sent when secure is set.
func SetSecurityHeaders(w http.ResponseWriter, secure bool) {
	h := w.Header()
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
	h.Set("Referrer-Policy", "no-referrer")

	if secure {
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}
}

// SetTokenResponseHeaders marks a response carrying tokens or credentials as
// uncacheable (RFC 6749 section 5.1)
func SetTokenResponseHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Cache-Control", "no-store")
	h.Set("Pragma", "no-cache")
}
