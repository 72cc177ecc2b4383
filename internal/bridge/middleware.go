package bridge

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
)

// requestLogger logs one line per request in the shared key=value style.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", sw.status).
			Dur("dur", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("request")
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// compress negotiates brotli or gzip for JSON/XML bodies. Stream responses
// are never compressed: MPEG-TS does not shrink and the extra buffering adds
// startup latency Plex notices.
func compress(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		enc := pickEncoding(r.Header.Get("Accept-Encoding"))
		if enc == "" {
			next.ServeHTTP(w, r)
			return
		}
		cw := &compressWriter{ResponseWriter: w, encoding: enc}
		defer cw.Close()
		next.ServeHTTP(cw, r)
	})
}

func pickEncoding(accept string) string {
	if strings.Contains(accept, "br") {
		return "br"
	}
	if strings.Contains(accept, "gzip") {
		return "gzip"
	}
	return ""
}

// compressWriter decides on the first write: compressible content types get
// an encoder, everything else streams through untouched.
type compressWriter struct {
	http.ResponseWriter
	encoding string
	enc      io.WriteCloser
	decided  bool
	pass     bool
	status   int
}

func (w *compressWriter) WriteHeader(status int) {
	w.status = status
	w.decide()
	w.ResponseWriter.WriteHeader(status)
}

func (w *compressWriter) decide() {
	if w.decided {
		return
	}
	w.decided = true
	ct := strings.ToLower(w.Header().Get("Content-Type"))
	if !strings.Contains(ct, "json") && !strings.Contains(ct, "xml") {
		w.pass = true
		return
	}
	w.Header().Del("Content-Length")
	w.Header().Set("Content-Encoding", w.encoding)
	w.Header().Add("Vary", "Accept-Encoding")
	switch w.encoding {
	case "br":
		w.enc = brotli.NewWriterLevel(w.ResponseWriter, brotli.DefaultCompression)
	default:
		w.enc = gzip.NewWriter(w.ResponseWriter)
	}
}

func (w *compressWriter) Write(p []byte) (int, error) {
	w.decide()
	if w.pass {
		return w.ResponseWriter.Write(p)
	}
	return w.enc.Write(p)
}

func (w *compressWriter) Flush() {
	if w.enc != nil {
		if f, ok := w.enc.(interface{ Flush() error }); ok {
			f.Flush()
		}
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *compressWriter) Close() {
	if w.enc != nil {
		w.enc.Close()
	}
}
