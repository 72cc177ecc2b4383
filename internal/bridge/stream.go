package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/plexbridge/plexbridge/internal/catalog"
	"github.com/plexbridge/plexbridge/internal/clientdetect"
	"github.com/plexbridge/plexbridge/internal/safety"
	"github.com/plexbridge/plexbridge/internal/safeurl"
	"github.com/plexbridge/plexbridge/internal/session"
	"github.com/plexbridge/plexbridge/internal/transcode"
)

func (s *Server) streamURL(channelID int64) string {
	return fmt.Sprintf("%s/stream/%d", s.baseURL, channelID)
}

// handleStreamHead answers Plex's pre-stream probe without touching a tuner
// slot: 200, the stream content type, and no body.
func (s *Server) handleStreamHead(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "video/mp2t")
	w.Header().Set("Accept-Ranges", "none")
	w.WriteHeader(http.StatusOK)
}

// handleStream serves GET /stream/{channel}. {channel} is a catalog channel
// id, or a guide number when it carries the HDHomeRun ".ts" suffix.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "channel")
	if number, ok := strings.CutSuffix(raw, ".ts"); ok {
		s.serveStream(w, r, func(ctx context.Context) (*catalog.Resolution, error) {
			return s.cat.ResolveByNumber(ctx, number)
		})
		return
	}
	channelID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown channel", "channel_unknown")
		return
	}
	s.serveStream(w, r, func(ctx context.Context) (*catalog.Resolution, error) {
		return s.cat.Resolve(ctx, channelID)
	})
}

// handleAutoStream serves GET /auto/v{number}, the tuner autodial form.
func (s *Server) handleAutoStream(w http.ResponseWriter, r *http.Request) {
	v := chi.URLParam(r, "vchannel")
	number, ok := strings.CutPrefix(v, "v")
	if !ok || number == "" {
		writeError(w, http.StatusNotFound, "unknown channel", "channel_unknown")
		return
	}
	s.serveStream(w, r, func(ctx context.Context) (*catalog.Resolution, error) {
		return s.cat.ResolveByNumber(ctx, number)
	})
}

func (s *Server) serveStream(w http.ResponseWriter, r *http.Request, resolve func(context.Context) (*catalog.Resolution, error)) {
	clientType := clientdetect.Detect(r)
	clientID := clientdetect.ClientID(r)

	res, err := resolve(r.Context())
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			writeError(w, http.StatusNotFound, "channel not found", "channel_unknown")
			return
		}
		logger.Error().Err(err).Msg("channel resolve failed")
		writeError(w, http.StatusInternalServerError, "catalog unavailable", "catalog_error")
		return
	}

	template, err := s.cat.ProfileTemplate(r.Context(), res.ProfileID, clientType)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			rejectStream(w, "no transcode profile for client", "no_profile")
			return
		}
		writeError(w, http.StatusInternalServerError, "catalog unavailable", "catalog_error")
		return
	}
	argv, err := transcode.Expand(template, res.UpstreamURL, s.cfg.SessionMaxDuration, r.Header.Get("User-Agent"))
	if err != nil {
		logger.Error().Err(err).Int64("profile", res.ProfileID).Msg("bad profile template")
		writeError(w, http.StatusInternalServerError, "profile template invalid", "bad_template")
		return
	}
	if !safeurl.IsHTTPOrHTTPS(res.UpstreamURL) {
		logger.Error().Str("url", safeurl.Redact(res.UpstreamURL)).Msg("refusing non-http upstream")
		writeError(w, http.StatusInternalServerError, "upstream scheme not allowed", "bad_upstream")
		return
	}

	sess, err := s.sessions.Acquire(res.ChannelID, clientID, clientType, res.ProfileID)
	if err != nil {
		rejectStream(w, "all tuners in use", "capacity_exceeded")
		return
	}

	logger.Info().
		Str("id", sess.ID).
		Int64("channel", res.ChannelID).
		Str("type", string(clientType)).
		Str("upstream", safeurl.Redact(res.UpstreamURL)).
		Msg("stream starting")

	// Header set goes out with the first byte; the status stays ours until
	// then so a transcoder that dies silent can still turn into a 502.
	h := w.Header()
	h.Set("Content-Type", "video/mp2t")
	h.Set("Cache-Control", "no-cache, no-store")
	h.Set("Connection", "keep-alive")
	h.Set("Accept-Ranges", "none")
	safety.ApplyAntiCache(h)

	ctx, cancel := context.WithCancel(sess.Ctx())
	defer cancel()
	stopWatch := context.AfterFunc(r.Context(), cancel)
	defer stopWatch()
	if s.cfg.SessionMaxDuration > 0 {
		var cancelMax context.CancelFunc
		ctx, cancelMax = context.WithTimeout(ctx, s.cfg.SessionMaxDuration)
		defer cancelMax()
	}

	sink := &streamSink{w: w, sessions: s.sessions, id: sess.ID}
	sup := transcode.New(transcode.Options{
		FFmpegPath:     s.cfg.FFmpegPath,
		StartupTimeout: s.cfg.StartupTimeout,
		IdleTimeout:    s.cfg.IdleTimeout,
		Grace:          s.cfg.Grace,
	})
	streamErr := sup.Stream(ctx, argv, sink, func(ev transcode.Event) {
		if ev.Kind == transcode.EventStarted {
			s.sessions.MarkRunning(sess.ID)
		}
	})
	sink.close()

	reason := closeReason(r, sess, ctx, streamErr)
	s.sessions.Release(sess.ID, reason)
	s.sessions.Reap(sess.ID, reason)

	if !sink.wroteAny() {
		// No byte ever reached the client; the status is still ours.
		writeError(w, http.StatusBadGateway, "upstream produced no data", reason)
		return
	}
	// Bytes flowed: the chunked body just ends. Status is frozen.
}

// rejectStream is the 503 contract: Plex backs off Retry-After seconds and
// tries again instead of dropping the channel.
func rejectStream(w http.ResponseWriter, msg, reason string) {
	w.Header().Set("Retry-After", "5")
	writeError(w, http.StatusServiceUnavailable, msg, reason)
}

func closeReason(r *http.Request, sess *session.Session, ctx context.Context, streamErr error) string {
	switch {
	case r.Context().Err() != nil:
		return session.ReasonClientGone
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return session.ReasonMaxDuration
	case sess.Ctx().Err() != nil:
		// Drained from outside: admin terminate or duplicate reclaim. The
		// drain already logged the precise reason.
		return session.ReasonAdmin
	case streamErr != nil:
		return session.ReasonFailed
	default:
		return session.ReasonExited
	}
}

// streamSink forwards transcoder bytes to the client in arrival order,
// flushing every write so Plex sees data immediately. close() fences the
// ResponseWriter: a transcoder pipe that drains late cannot touch a finished
// request.
type streamSink struct {
	w        http.ResponseWriter
	sessions *session.Manager
	id       string

	mu     sync.Mutex
	wrote  bool
	closed bool
}

var errSinkClosed = errors.New("stream sink closed")

func (s *streamSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errSinkClosed
	}
	if !s.wrote {
		s.wrote = true
		s.w.WriteHeader(http.StatusOK)
	}
	n, err := s.w.Write(p)
	if n > 0 {
		s.sessions.AddBytes(s.id, int64(n))
	}
	if f, ok := s.w.(http.Flusher); ok {
		f.Flush()
	}
	return n, err
}

func (s *streamSink) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *streamSink) wroteAny() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wrote
}
