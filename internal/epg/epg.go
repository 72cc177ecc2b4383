// Package epg serves the externally produced XMLTV guide. The bridge never
// builds guide data itself; it publishes whatever complete document the EPG
// pipeline last wrote, and an empty shell when none exists yet. Plex deletes
// the whole DVR source on a 404, so absence is never an error here.
package epg

import (
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/plexbridge/plexbridge/internal/log"
)

const emptyShell = `<?xml version="1.0" encoding="UTF-8"?>` + "\n<tv/>\n"

var logger = log.WithComponent("epg")

// Publisher caches the XMLTV file and answers conditional GETs. Watch keeps
// the cache fresh without re-reading the file on every Plex poll.
type Publisher struct {
	path string

	mu      sync.RWMutex
	body    []byte
	modTime time.Time
	loaded  bool
}

// NewPublisher returns a publisher for the XMLTV document at path.
func NewPublisher(path string) *Publisher {
	return &Publisher{path: path}
}

// Watch invalidates the cache whenever the guide file or its directory
// changes, until ctx-style cancellation via the returned stop func. EPG
// pipelines typically write a temp file and rename it over the target, so the
// watch covers the directory, not just the file.
func (p *Publisher) Watch() (stop func(), err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(p.path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, err
	}
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) == filepath.Clean(p.path) {
					p.invalidate()
					logger.Debug().Str("op", ev.Op.String()).Msg("guide file changed")
				}
			case werr, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warn().Err(werr).Msg("guide watch error")
			}
		}
	}()
	return func() { w.Close() }, nil
}

func (p *Publisher) invalidate() {
	p.mu.Lock()
	p.loaded = false
	p.mu.Unlock()
}

// load returns the current document and its mod time, reading from disk when
// the cache is stale. A missing or unreadable file yields the empty shell.
func (p *Publisher) load() ([]byte, time.Time) {
	p.mu.RLock()
	if p.loaded {
		body, mod := p.body, p.modTime
		p.mu.RUnlock()
		return body, mod
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loaded {
		return p.body, p.modTime
	}
	data, err := os.ReadFile(p.path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn().Err(err).Str("path", p.path).Msg("guide read failed")
		}
		p.body = []byte(emptyShell)
		p.modTime = time.Time{}
	} else {
		p.body = data
		if fi, serr := os.Stat(p.path); serr == nil {
			p.modTime = fi.ModTime()
		} else {
			p.modTime = time.Now()
		}
	}
	p.loaded = true
	return p.body, p.modTime
}

// ServeHTTP serves the guide with Last-Modified / If-Modified-Since handling.
func (p *Publisher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, mod := p.load()

	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	if !mod.IsZero() {
		w.Header().Set("Last-Modified", mod.UTC().Format(http.TimeFormat))
		if ims := r.Header.Get("If-Modified-Since"); ims != "" {
			if t, err := http.ParseTime(ims); err == nil && !mod.Truncate(time.Second).After(t) {
				w.WriteHeader(http.StatusNotModified)
				return
			}
		}
	}
	if r.Method == http.MethodHead {
		return
	}
	w.Write(body)
}
