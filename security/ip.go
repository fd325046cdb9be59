package security

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP returns the address a request came from.
//
// With trustedProxies == 0 only RemoteAddr is used. Otherwise the server is
// assumed to sit behind that many reverse proxies, each appending to
// X-Forwarded-For, and the client is the entry just left of the trusted ones:
//
//	X-Forwarded-For: "1.2.3.4, 10.0.0.1"   trustedProxies=1  ->  10.0.0.1
//	X-Forwarded-For: "1.2.3.4, 10.0.0.1"   trustedProxies=2  ->  1.2.3.4
//
// Entries left of that point are client-controlled and never used. X-Real-IP is
// consulted when X-Forwarded-For is absent or unparsable.
func ClientIP(r *http.Request, trustedProxies int) string {
	if r == nil {
		return ""
	}
	if trustedProxies > 0 {
		if ip := forwardedFor(r.Header.Get("X-Forwarded-For"), trustedProxies); ip != "" {
			return ip
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(ip) != nil {
			return ip
		}
	}
	return remoteHost(r.RemoteAddr)
}

func forwardedFor(xff string, trustedProxies int) string {
	if xff == "" {
		return ""
	}
	ips := strings.Split(xff, ",")

	// the last trusted proxy is the one that connected to us and is not listed
	i := len(ips) - trustedProxies
	if i < 0 {
		i = 0
	}
	ip := strings.TrimSpace(ips[i])
	if net.ParseIP(ip) == nil {
		return ""
	}
	return ip
}

func remoteHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
