package epg

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleGuide = `<?xml version="1.0" encoding="UTF-8"?>
<tv><channel id="news1"><display-name>News One</display-name></channel></tv>
`

func TestServeGuide(t *testing.T) {
	path := filepath.Join(t.TempDir(), "epg.xml")
	if err := os.WriteFile(path, []byte(sampleGuide), 0o644); err != nil {
		t.Fatal(err)
	}
	p := NewPublisher(path)

	rr := httptest.NewRecorder()
	p.ServeHTTP(rr, httptest.NewRequest("GET", "/epg.xml", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/xml; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	if rr.Body.String() != sampleGuide {
		t.Errorf("body = %q", rr.Body.String())
	}
	if rr.Header().Get("Last-Modified") == "" {
		t.Error("no Last-Modified")
	}
}

func TestServeMissingGuideIsEmptyShell(t *testing.T) {
	p := NewPublisher(filepath.Join(t.TempDir(), "absent.xml"))

	rr := httptest.NewRecorder()
	p.ServeHTTP(rr, httptest.NewRequest("GET", "/epg.xml", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, must never 404", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "<tv/>") {
		t.Errorf("body = %q", rr.Body.String())
	}
}

func TestConditionalGet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "epg.xml")
	if err := os.WriteFile(path, []byte(sampleGuide), 0o644); err != nil {
		t.Fatal(err)
	}
	p := NewPublisher(path)

	first := httptest.NewRecorder()
	p.ServeHTTP(first, httptest.NewRequest("GET", "/epg.xml", nil))
	lm := first.Header().Get("Last-Modified")
	if lm == "" {
		t.Fatal("no Last-Modified on first response")
	}

	req := httptest.NewRequest("GET", "/epg.xml", nil)
	req.Header.Set("If-Modified-Since", lm)
	second := httptest.NewRecorder()
	p.ServeHTTP(second, req)
	if second.Code != http.StatusNotModified {
		t.Errorf("status = %d, want 304", second.Code)
	}
	if second.Body.Len() != 0 {
		t.Errorf("304 carried a body: %q", second.Body.String())
	}

	req = httptest.NewRequest("GET", "/epg.xml", nil)
	req.Header.Set("If-Modified-Since", time.Now().Add(-24*time.Hour).UTC().Format(http.TimeFormat))
	third := httptest.NewRecorder()
	p.ServeHTTP(third, req)
	if third.Code != http.StatusOK {
		t.Errorf("stale If-Modified-Since: status = %d", third.Code)
	}
}

func TestHeadOmitsBody(t *testing.T) {
	path := filepath.Join(t.TempDir(), "epg.xml")
	if err := os.WriteFile(path, []byte(sampleGuide), 0o644); err != nil {
		t.Fatal(err)
	}
	p := NewPublisher(path)

	rr := httptest.NewRecorder()
	p.ServeHTTP(rr, httptest.NewRequest("HEAD", "/epg.xml", nil))
	if rr.Code != http.StatusOK || rr.Body.Len() != 0 {
		t.Errorf("HEAD: status=%d len=%d", rr.Code, rr.Body.Len())
	}
}

func TestWatchInvalidates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "epg.xml")
	if err := os.WriteFile(path, []byte(sampleGuide), 0o644); err != nil {
		t.Fatal(err)
	}
	p := NewPublisher(path)
	stop, err := p.Watch()
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer stop()

	rr := httptest.NewRecorder()
	p.ServeHTTP(rr, httptest.NewRequest("GET", "/epg.xml", nil))
	if !strings.Contains(rr.Body.String(), "News One") {
		t.Fatalf("body = %q", rr.Body.String())
	}

	updated := strings.Replace(sampleGuide, "News One", "News Two", 1)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		rr := httptest.NewRecorder()
		p.ServeHTTP(rr, httptest.NewRequest("GET", "/epg.xml", nil))
		if strings.Contains(rr.Body.String(), "News Two") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("cache never refreshed after file change")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
