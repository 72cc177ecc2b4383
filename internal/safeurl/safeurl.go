package safeurl

import "net/url"

// IsHTTPOrHTTPS returns true if u is a valid URL with scheme http or https.
// Used to reject file://, ftp://, and other schemes that could lead to SSRF or
// local file access when upstream URLs come from the catalog database.
func IsHTTPOrHTTPS(u string) bool {
	parsed, err := url.Parse(u)
	if err != nil {
		return false
	}
	s := parsed.Scheme
	return s == "http" || s == "https"
}

// Redact returns u with userinfo, query, and all but the first path segment
// removed. IPTV provider URLs embed credentials in both the userinfo and the
// path, so logs only ever carry scheme://host/<first-segment>/...
func Redact(u string) string {
	parsed, err := url.Parse(u)
	if err != nil || parsed.Host == "" {
		return "<invalid-url>"
	}
	parsed.User = nil
	parsed.RawQuery = ""
	parsed.Fragment = ""
	segs := splitPath(parsed.Path)
	switch {
	case len(segs) > 1:
		parsed.Path = "/" + segs[0] + "/..."
	case len(segs) == 1:
		parsed.Path = "/" + segs[0]
	}
	return parsed.String()
}

func splitPath(p string) []string {
	var out []string
	start := -1
	for i := 0; i < len(p); i++ {
		if p[i] == '/' {
			if start >= 0 {
				out = append(out, p[start:i])
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		out = append(out, p[start:])
	}
	return out
}
