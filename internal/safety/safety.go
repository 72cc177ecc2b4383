// Package safety rewrites Live-TV metadata values that are known to crash
// Plex clients. A contentType of 5 ("trailer") anywhere in a Live-TV payload
// sends several Plex players into a crash loop; the filter walks every JSON or
// XML response and pins those values to the episode equivalents.
package safety

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/plexbridge/plexbridge/internal/clientdetect"
	"github.com/plexbridge/plexbridge/internal/log"
	"github.com/plexbridge/plexbridge/internal/metrics"
)

var logger = log.WithComponent("safety")

// rule rewrites one forbidden (key, value) pair. Keys are case-sensitive.
type rule struct {
	name    string
	key     string
	matches func(v any) bool
	replace any
}

func isFive(v any) bool {
	switch n := v.(type) {
	case float64:
		return n == 5
	case json.Number:
		return n.String() == "5"
	case string:
		return n == "5"
	case int:
		return n == 5
	}
	return false
}

var rules = []rule{
	{"contentType", "contentType", isFive, 4},
	{"content_type", "content_type", isFive, 4},
	{"type", "type", isFive, "episode"},
	{"mediaType", "mediaType", func(v any) bool {
		s, ok := v.(string)
		return ok && (s == "trailer" || s == "5") || isFive(v)
	}, "episode"},
}

// SanitizeJSON applies the rewrite rules to a decoded JSON tree in place and
// returns the number of rewrites. Arrays are never reordered; only the listed
// keys are touched.
func SanitizeJSON(node any) int {
	n := 0
	switch v := node.(type) {
	case map[string]any:
		for _, r := range rules {
			if cur, ok := v[r.key]; ok && r.matches(cur) {
				v[r.key] = r.replace
				metrics.MetadataRewrites.WithLabelValues(r.name).Inc()
				n++
			}
		}
		for _, child := range v {
			n += SanitizeJSON(child)
		}
	case []any:
		for _, child := range v {
			n += SanitizeJSON(child)
		}
	}
	return n
}

// Both XML quote styles are valid; externally produced documents (the EPG
// file in particular) use either.
var xmlAttrRe = regexp.MustCompile(`(type|contentType|content_type|mediaType)=(?:"[^"]*"|'[^']*')`)

// SanitizeXML rewrites forbidden attribute values in an XML document. Plex
// payloads put metadata in attributes (MediaContainer/Video/Media/Timeline
// elements), so an attribute-level rewrite covers the tree without a full
// parse round-trip that could reorder or re-escape the document.
func SanitizeXML(doc []byte) ([]byte, int) {
	n := 0
	out := xmlAttrRe.ReplaceAllFunc(doc, func(m []byte) []byte {
		eq := bytes.IndexByte(m, '=')
		key := string(m[:eq])
		quote := string(m[eq+1])
		val := string(m[eq+2 : len(m)-1])
		rewrite := func(next string) []byte {
			n++
			metrics.MetadataRewrites.WithLabelValues(key).Inc()
			return []byte(key + "=" + quote + next + quote)
		}
		switch {
		case (key == "contentType" || key == "content_type") && val == "5":
			return rewrite("4")
		case key == "type" && val == "5":
			return rewrite("episode")
		case key == "mediaType" && (val == "5" || val == "trailer"):
			return rewrite("episode")
		}
		return m
	})
	return out, n
}

// SanitizeBody dispatches on the payload shape: JSON object/array or XML.
// injectWeb adds the itemType/metadata_type fields top-level JSON objects need
// on web-browser Plex clients. Unrecognized bodies pass through untouched.
func SanitizeBody(body []byte, injectWeb bool) ([]byte, int) {
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	switch {
	case len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '['):
		// UseNumber keeps integers as their raw digits; a float64 round-trip
		// would corrupt ids above 2^53 on re-marshal.
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.UseNumber()
		var node any
		if err := dec.Decode(&node); err != nil {
			return body, 0
		}
		n := SanitizeJSON(node)
		if obj, ok := node.(map[string]any); ok && injectWeb {
			if obj["itemType"] != "episode" || obj["metadata_type"] != "episode" {
				obj["itemType"] = "episode"
				obj["metadata_type"] = "episode"
				n++
			}
		}
		if n == 0 {
			return body, 0
		}
		out, err := json.Marshal(node)
		if err != nil {
			return body, 0
		}
		return out, n
	case len(trimmed) > 0 && trimmed[0] == '<':
		return SanitizeXML(body)
	}
	return body, 0
}

// ApplyAntiCache forces the no-cache header set and a fresh strong ETag.
// Plex aggressively caches tuner metadata; a stale cached payload can carry a
// forbidden value past the filter.
func ApplyAntiCache(h http.Header) {
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate, private, max-age=0")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
	h.Set("ETag", freshETag())
}

func freshETag() string {
	var b [8]byte
	rand.Read(b[:])
	return `"` + hex.EncodeToString(b[:]) + `"`
}

// Middleware buffers JSON/XML responses, applies the rewrite rules, and sets
// the anti-cache headers on Plex-bound traffic. Streaming responses
// (video/mp2t) bypass the buffer entirely.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		plexBound := clientdetect.PlexBound(r)
		rec := &recorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if rec.passthrough {
			return
		}

		body := rec.buf.Bytes()
		out, n := SanitizeBody(body, plexBound && clientdetect.WebBrowser(r))
		if n > 0 {
			logger.Warn().
				Int("rewrites", n).
				Str("path", r.URL.Path).
				Str("ua", r.Header.Get("User-Agent")).
				Msg("forbidden metadata rewritten")
		}
		if plexBound {
			ApplyAntiCache(w.Header())
		}
		w.Header().Set("Content-Length", fmt.Sprint(len(out)))
		w.WriteHeader(rec.status)
		w.Write(out)
	})
}

// recorder buffers filterable bodies. The first Write decides: content types
// other than JSON/XML flip to passthrough and stream straight to the client.
type recorder struct {
	http.ResponseWriter
	buf         bytes.Buffer
	status      int
	passthrough bool
	decided     bool
}

func (r *recorder) decide() {
	if r.decided {
		return
	}
	r.decided = true
	if !filterable(r.Header().Get("Content-Type")) {
		r.passthrough = true
		r.ResponseWriter.WriteHeader(r.status)
	}
}

func (r *recorder) WriteHeader(status int) {
	r.status = status
	r.decide()
}

func (r *recorder) Write(p []byte) (int, error) {
	r.decide()
	if r.passthrough {
		return r.ResponseWriter.Write(p)
	}
	return r.buf.Write(p)
}

func (r *recorder) Flush() {
	if r.passthrough {
		if f, ok := r.ResponseWriter.(http.Flusher); ok {
			f.Flush()
		}
	}
}

func filterable(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "json") || strings.Contains(ct, "xml")
}
