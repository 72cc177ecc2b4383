// Package bridge is the HTTP face of the tuner: discovery documents, the
// guide, the live stream endpoints, and the small admin API.
package bridge

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/plexbridge/plexbridge/internal/catalog"
	"github.com/plexbridge/plexbridge/internal/config"
	"github.com/plexbridge/plexbridge/internal/epg"
	"github.com/plexbridge/plexbridge/internal/identity"
	"github.com/plexbridge/plexbridge/internal/log"
	"github.com/plexbridge/plexbridge/internal/safety"
	"github.com/plexbridge/plexbridge/internal/session"
)

// ErrBind wraps listener setup failures so main can map them to the
// service-unavailable exit code.
var ErrBind = errors.New("bridge: bind failed")

var logger = log.WithComponent("http")

// Server wires the catalog, the session manager, and the guide publisher
// behind one router.
type Server struct {
	cfg      *config.Config
	id       *identity.Identity
	cat      *catalog.DB
	sessions *session.Manager
	guide    *epg.Publisher
	baseURL  string // http://advertised_host:port, no trailing slash

	startedAt time.Time
}

// New builds a server. baseURL is the absolute root advertised to Plex.
func New(cfg *config.Config, id *identity.Identity, cat *catalog.DB, sessions *session.Manager, guide *epg.Publisher, baseURL string) *Server {
	return &Server{
		cfg:       cfg,
		id:        id,
		cat:       cat,
		sessions:  sessions,
		guide:     guide,
		baseURL:   baseURL,
		startedAt: time.Now(),
	}
}

// Router returns the full middleware-wrapped handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestLogger)
	r.Use(compress)
	r.Use(safety.Middleware)

	r.Get("/device.xml", s.handleDeviceXML)
	r.Get("/discover.json", s.handleDiscover)
	r.Get("/lineup.json", s.handleLineup)
	r.Post("/lineup.json", s.handleLineupPost)
	r.Get("/lineup_status.json", s.handleLineupStatus)

	r.Get("/epg.xml", s.guide.ServeHTTP)
	r.Head("/epg.xml", s.guide.ServeHTTP)
	r.Get("/xmltv.xml", s.guide.ServeHTTP)
	r.Head("/xmltv.xml", s.guide.ServeHTTP)

	r.Get("/stream/{channel}", s.handleStream)
	r.Head("/stream/{channel}", s.handleStreamHead)
	r.Get("/auto/{vchannel}", s.handleAutoStream)
	r.Head("/auto/{vchannel}", s.handleStreamHead)

	r.Get("/api/sessions", s.handleSessionList)
	r.Delete("/api/sessions", s.handleSessionBatchDelete)
	r.Delete("/api/sessions/{id}", s.handleSessionDelete)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

// Run serves HTTP until ctx is done, then shuts down draining in-flight
// requests. A failed bind returns ErrBind-wrapped.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.BindAddr())
	if err != nil {
		return errors.Join(ErrBind, err)
	}
	srv := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		// No write timeout: live streams are long-lived by design.
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	logger.Info().Str("addr", s.cfg.BindAddr()).Str("base", s.baseURL).Msg("http listening")

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"uptime":  time.Since(s.startedAt).Round(time.Second).String(),
		"tuners":  s.cfg.TunerCount,
		"in_use":  s.sessions.InUse(),
		"device":  s.id.DeviceID(),
		"version": s.cfg.FirmwareVersion,
	})
}
