// Package clientdetect classifies incoming requests into the closed set of
// Plex client types and derives a stable client id for session accounting.
package clientdetect

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
)

// Type is a Plex client type. The set is closed: profile selection switches
// over it and falls back to Unknown for anything unrecognized.
type Type string

const (
	Web           Type = "web"
	AndroidTV     Type = "android-tv"
	AndroidMobile Type = "android-mobile"
	IOSMobile     Type = "ios-mobile"
	AppleTV       Type = "apple-tv"
	PlexNative    Type = "plex-native"
	Unknown       Type = "unknown"
)

// Detect classifies the request by User-Agent and X-Plex-* headers.
func Detect(r *http.Request) Type {
	ua := r.Header.Get("User-Agent")
	platform := firstHeader(r, "X-Plex-Platform", "X-Plex-Client-Platform")
	product := r.Header.Get("X-Plex-Product")
	device := firstHeader(r, "X-Plex-Device", "X-Plex-Device-Name")

	lua := strings.ToLower(ua)
	lplat := strings.ToLower(platform)
	lprod := strings.ToLower(product)
	ldev := strings.ToLower(device)

	switch {
	case strings.Contains(lplat, "tvos") || strings.Contains(ldev, "apple tv") ||
		strings.Contains(lua, "appletv") || strings.Contains(lua, "tvos"):
		return AppleTV
	case strings.Contains(lplat, "android") && (strings.Contains(ldev, "tv") || strings.Contains(lprod, "android tv")),
		strings.Contains(lua, "android tv"), strings.Contains(lua, "androidtv"),
		strings.Contains(lua, "shield"), strings.Contains(lua, "bravia"):
		return AndroidTV
	case strings.Contains(lplat, "android") || strings.Contains(lua, "android"):
		return AndroidMobile
	case strings.Contains(lplat, "ios") || strings.Contains(lua, "iphone") ||
		strings.Contains(lua, "ipad") || strings.Contains(lua, "ios"):
		return IOSMobile
	case strings.Contains(lua, "mozilla/") && hasPlexMarker(r):
		return Web
	case hasPlexMarker(r):
		return PlexNative
	default:
		return Unknown
	}
}

// PlexBound reports whether the response will be consumed by a Plex component
// (the media server, a transcoder, or a relay) rather than an arbitrary
// client. Metadata safety rewriting only applies to Plex-bound traffic.
func PlexBound(r *http.Request) bool {
	ua := r.Header.Get("User-Agent")
	if strings.Contains(ua, "Plex") || strings.Contains(ua, "Lavf") || strings.Contains(ua, "PlexRelay") {
		return true
	}
	for name := range r.Header {
		if strings.HasPrefix(http.CanonicalHeaderKey(name), "X-Plex-") {
			return true
		}
	}
	return false
}

// WebBrowser reports whether the request comes from Plex running in a web
// browser. Those clients need the injected itemType/metadata_type fields on
// top of the normal rewrites.
func WebBrowser(r *http.Request) bool {
	return strings.Contains(r.Header.Get("User-Agent"), "Mozilla/") && hasPlexMarker(r)
}

// ClientID returns a stable hash identifying the client across reconnects:
// User-Agent + X-Plex-Client-Identifier + the /24 bucket of the remote
// address. Bucketing tolerates NAT pools handing out adjacent addresses.
func ClientID(r *http.Request) string {
	h := sha256.New()
	h.Write([]byte(r.Header.Get("User-Agent")))
	h.Write([]byte{0})
	h.Write([]byte(firstHeader(r, "X-Plex-Client-Identifier", "X-Plex-Target-Client-Identifier")))
	h.Write([]byte{0})
	h.Write([]byte(remoteBucket(r.RemoteAddr)))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func hasPlexMarker(r *http.Request) bool {
	if strings.Contains(r.Header.Get("User-Agent"), "Plex") {
		return true
	}
	for name := range r.Header {
		if strings.HasPrefix(http.CanonicalHeaderKey(name), "X-Plex-") {
			return true
		}
	}
	return false
}

func firstHeader(r *http.Request, names ...string) string {
	for _, n := range names {
		if v := r.Header.Get(n); v != "" {
			return v
		}
	}
	return ""
}

func remoteBucket(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return host
	}
	if ip4 := ip.To4(); ip4 != nil {
		return ip4.Mask(net.CIDRMask(24, 32)).String()
	}
	return ip.Mask(net.CIDRMask(64, 128)).String()
}
