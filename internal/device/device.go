package device

import (
	"net/http"
	"strings"
)

// Info holds the attributes derived from a client's User-Agent header.
// Empty fields mean the attribute could not be determined.
type Info struct {
	UserAgent string
	Type      string
	Name      string
	Browser   string
	OS        string
}

// Parse extracts browser, OS and device attributes from a raw User-Agent
// string. The heuristics cover the common browser/OS families; anything
// else comes back as empty fields rather than a guess.
func Parse(userAgent string) Info {
	ua := strings.TrimSpace(userAgent)
	info := Info{UserAgent: ua}
	if ua == "" {
		return info
	}

	switch {
	case strings.Contains(ua, "Edg/"):
		info.Browser = "Edge"
	case strings.Contains(ua, "OPR/") || strings.Contains(ua, "Opera"):
		info.Browser = "Opera"
	case strings.Contains(ua, "Chrome/"):
		info.Browser = "Chrome"
	case strings.Contains(ua, "Firefox/"):
		info.Browser = "Firefox"
	case strings.Contains(ua, "Safari/"):
		info.Browser = "Safari"
	}

	switch {
	case strings.Contains(ua, "Windows"):
		info.OS = "Windows"
	case strings.Contains(ua, "Android"):
		info.OS = "Android"
	case strings.Contains(ua, "iPhone") || strings.Contains(ua, "iPad"):
		info.OS = "iOS"
	case strings.Contains(ua, "Mac OS X"):
		info.OS = "macOS"
	case strings.Contains(ua, "Linux"):
		info.OS = "Linux"
	}

	switch {
	case strings.Contains(ua, "iPad") || strings.Contains(ua, "Tablet"):
		info.Type = "tablet"
	case strings.Contains(ua, "Mobile") || strings.Contains(ua, "iPhone") || strings.Contains(ua, "Android"):
		info.Type = "mobile"
	default:
		info.Type = "desktop"
	}

	switch {
	case strings.Contains(ua, "iPhone"):
		info.Name = "iPhone"
	case strings.Contains(ua, "iPad"):
		info.Name = "iPad"
	case strings.Contains(ua, "Macintosh"):
		info.Name = "Mac"
	}

	return info
}

// FromRequest parses the request's User-Agent header.
func FromRequest(r *http.Request) Info {
	return Parse(r.Header.Get("User-Agent"))
}

// ClientIP returns the originating client address, preferring the first
// entry of X-Forwarded-For when the service sits behind a proxy.
func ClientIP(r *http.Request) string {
	xForwardedFor := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if xForwardedFor != "" {
		parts := strings.Split(xForwardedFor, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}

	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}

	return "unknown"
}
