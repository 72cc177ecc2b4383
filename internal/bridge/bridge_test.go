package bridge

import (
	"database/sql"
	"encoding/json"
	"encoding/xml"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/plexbridge/plexbridge/internal/catalog"
	"github.com/plexbridge/plexbridge/internal/clientdetect"
	"github.com/plexbridge/plexbridge/internal/config"
	"github.com/plexbridge/plexbridge/internal/epg"
	"github.com/plexbridge/plexbridge/internal/identity"
	"github.com/plexbridge/plexbridge/internal/session"
)

const testSchema = `
CREATE TABLE channels (
	id INTEGER PRIMARY KEY, name TEXT NOT NULL, number TEXT NOT NULL,
	enabled INTEGER NOT NULL DEFAULT 1, epg_id TEXT, logo TEXT
);
CREATE TABLE streams (
	id INTEGER PRIMARY KEY, channel_id INTEGER NOT NULL, name TEXT,
	url TEXT NOT NULL, type TEXT, profile_id INTEGER,
	enabled INTEGER NOT NULL DEFAULT 1
);
CREATE TABLE ffmpeg_profiles (id INTEGER PRIMARY KEY, name TEXT NOT NULL, is_system INTEGER NOT NULL DEFAULT 0);
CREATE TABLE ffmpeg_profile_args (profile_id INTEGER NOT NULL, client_type TEXT NOT NULL, command_template TEXT NOT NULL);
`

// newTestServer backs the bridge with a throwaway catalog whose profile runs
// /bin/sh, so streams produce real bytes without ffmpeg.
func newTestServer(t *testing.T, capacity int, template string) (*Server, *session.Manager) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "plextv.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(testSchema); err != nil {
		t.Fatal(err)
	}
	stmts := []string{
		`INSERT INTO channels VALUES (1, 'News One', '1001', 1, 'news1', 'http://logo/1.png')`,
		`INSERT INTO channels VALUES (2, 'Sports Two', '0042', 1, '', '')`,
		`INSERT INTO streams VALUES (10, 1, 'primary', 'http://up/live/u/p/1001.ts', 'ts', 7, 1)`,
		`INSERT INTO streams VALUES (11, 2, 'primary', 'http://up/live/u/p/1002.ts', 'ts', 7, 1)`,
		`INSERT INTO ffmpeg_profiles VALUES (7, 'test', 1)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := db.Exec(`INSERT INTO ffmpeg_profile_args VALUES (7, 'unknown', ?)`, template); err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	cat, err := catalog.Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { cat.Close() })

	id, err := identity.Load(filepath.Join(dir, "id.json"), identity.Identity{
		UUID:            "12345678-9abc-def0-1234-56789abcdef0",
		FriendlyName:    "PlexBridge",
		ModelName:       "PlexBridge",
		ModelNumber:     "HDTC-2US",
		FirmwareVersion: "1.0.0",
	})
	if err != nil {
		t.Fatal(err)
	}

	cfg := &config.Config{
		BindAddress:        "127.0.0.1",
		HTTPPort:           8080,
		TunerCount:         capacity,
		FirmwareVersion:    "1.0.0",
		SessionMaxDuration: 0,
		Grace:              time.Second,
		StartupTimeout:     2 * time.Second,
		IdleTimeout:        2 * time.Second,
		FFmpegPath:         "/bin/sh",
	}
	mgr := session.NewManager(capacity)
	guide := epg.NewPublisher(filepath.Join(dir, "epg.xml"))
	return New(cfg, id, cat, mgr, guide, "http://192.168.1.5:8080"), mgr
}

func TestDiscoverJSON(t *testing.T) {
	srv, _ := newTestServer(t, 4, "-c true")
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, httptest.NewRequest("GET", "/discover.json", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var d map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &d); err != nil {
		t.Fatal(err)
	}
	want := map[string]any{
		"FriendlyName":    "PlexBridge",
		"ModelNumber":     "HDTC-2US",
		"FirmwareVersion": "1.0.0",
		"TunerCount":      float64(4),
		"DeviceID":        "12345678",
		"BaseURL":         "http://192.168.1.5:8080",
		"LineupURL":       "http://192.168.1.5:8080/lineup.json",
		"EPGURL":          "http://192.168.1.5:8080/epg.xml",
	}
	for k, v := range want {
		if d[k] != v {
			t.Errorf("%s = %v, want %v", k, d[k], v)
		}
	}
	if d["DeviceAuth"] == "" {
		t.Error("DeviceAuth missing")
	}
}

func TestLineupJSON(t *testing.T) {
	srv, _ := newTestServer(t, 4, "-c true")
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, httptest.NewRequest("GET", "/lineup.json", nil))
	var lineup []map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &lineup); err != nil {
		t.Fatal(err)
	}
	if len(lineup) != 2 {
		t.Fatalf("lineup = %v", lineup)
	}
	if lineup[0]["GuideNumber"] != "42" || lineup[1]["GuideNumber"] != "1001" {
		t.Errorf("guide numbers: %v, %v (want no leading zeros, ascending)",
			lineup[0]["GuideNumber"], lineup[1]["GuideNumber"])
	}
	if lineup[1]["URL"] != "http://192.168.1.5:8080/stream/1" {
		t.Errorf("URL = %s", lineup[1]["URL"])
	}
}

func TestLineupScanStub(t *testing.T) {
	srv, _ := newTestServer(t, 4, "-c true")
	for _, target := range []string{"/lineup.json?scan=start", "/lineup.json?scan=abort", "/lineup.json"} {
		rr := httptest.NewRecorder()
		srv.Router().ServeHTTP(rr, httptest.NewRequest("POST", target, nil))
		if rr.Code != http.StatusNoContent {
			t.Errorf("POST %s = %d, want 204", target, rr.Code)
		}
	}
}

func TestLineupStatusJSON(t *testing.T) {
	srv, _ := newTestServer(t, 4, "-c true")
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, httptest.NewRequest("GET", "/lineup_status.json", nil))
	var st map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if st["ScanInProgress"] != float64(0) || st["ScanPossible"] != float64(1) || st["Source"] != "Cable" {
		t.Errorf("status = %v", st)
	}
}

func TestDeviceXML(t *testing.T) {
	srv, _ := newTestServer(t, 4, "-c true")
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, httptest.NewRequest("GET", "/device.xml", nil))
	if ct := rr.Header().Get("Content-Type"); !strings.Contains(ct, "xml") {
		t.Errorf("Content-Type = %s", ct)
	}
	var doc struct {
		URLBase string `xml:"URLBase"`
		Device  struct {
			UDN          string `xml:"UDN"`
			FriendlyName string `xml:"friendlyName"`
		} `xml:"device"`
	}
	if err := xml.Unmarshal(rr.Body.Bytes(), &doc); err != nil {
		t.Fatalf("device.xml: %v\n%s", err, rr.Body.String())
	}
	if doc.Device.UDN != "uuid:12345678-9abc-def0-1234-56789abcdef0" {
		t.Errorf("UDN = %s", doc.Device.UDN)
	}
	if doc.URLBase != "http://192.168.1.5:8080" {
		t.Errorf("URLBase = %s", doc.URLBase)
	}
}

func TestStreamHeadNoSession(t *testing.T) {
	srv, mgr := newTestServer(t, 4, "-c true")
	for _, path := range []string{"/stream/1", "/auto/v1001"} {
		rr := httptest.NewRecorder()
		srv.Router().ServeHTTP(rr, httptest.NewRequest("HEAD", path, nil))
		if rr.Code != http.StatusOK {
			t.Errorf("HEAD %s: status = %d", path, rr.Code)
		}
		if ct := rr.Header().Get("Content-Type"); ct != "video/mp2t" {
			t.Errorf("HEAD %s: Content-Type = %s", path, ct)
		}
		if rr.Header().Get("Accept-Ranges") != "none" {
			t.Errorf("HEAD %s: Accept-Ranges missing", path)
		}
		if rr.Body.Len() != 0 {
			t.Errorf("HEAD %s: body present", path)
		}
	}
	if mgr.InUse() != 0 {
		t.Errorf("HEAD created a session: inuse=%d", mgr.InUse())
	}
}

func TestStreamCapacityRejection(t *testing.T) {
	srv, mgr := newTestServer(t, 1, "-c true")
	if _, err := mgr.Acquire(2, "other-client", clientdetect.Unknown, 7); err != nil {
		t.Fatal(err)
	}

	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/stream/1", nil)
	req.Header.Set("User-Agent", "PlexMediaServer/1.40")
	srv.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
	if rr.Header().Get("Retry-After") != "5" {
		t.Errorf("Retry-After = %q", rr.Header().Get("Retry-After"))
	}
	var body map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("body: %v", err)
	}
	if body["reason"] != "capacity_exceeded" || body["error"] == "" {
		t.Errorf("body = %v", body)
	}
}

func TestStreamUnknownChannel(t *testing.T) {
	srv, _ := newTestServer(t, 4, "-c true")
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, httptest.NewRequest("GET", "/stream/999", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
	var body map[string]string
	json.Unmarshal(rr.Body.Bytes(), &body)
	if body["reason"] != "channel_unknown" {
		t.Errorf("body = %v", body)
	}
}

func TestStreamDeliversBytes(t *testing.T) {
	srv, mgr := newTestServer(t, 2, "-c 'head -c 100000 /dev/zero'")
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/stream/1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "video/mp2t" {
		t.Errorf("Content-Type = %s", ct)
	}
	if resp.Header.Get("Content-Length") != "" {
		t.Error("Content-Length must not be set on a live stream")
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if len(body) != 100000 {
		t.Errorf("body = %d bytes", len(body))
	}

	deadline := time.Now().Add(3 * time.Second)
	for mgr.InUse() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("slot not released: inuse=%d", mgr.InUse())
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestStreamAutoAlias(t *testing.T) {
	srv, _ := newTestServer(t, 2, "-c 'head -c 4096 /dev/zero'")
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	for _, path := range []string{"/auto/v1001", "/stream/1001.ts"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK || len(body) != 4096 {
			t.Errorf("%s: status=%d len=%d", path, resp.StatusCode, len(body))
		}
	}
}

func TestStream502WhenNoBytes(t *testing.T) {
	srv, _ := newTestServer(t, 2, "-c 'exit 1'")
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/stream/1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
}

func TestSessionAdminAPI(t *testing.T) {
	srv, mgr := newTestServer(t, 4, "-c true")
	s1, _ := mgr.Acquire(1, "client-a", clientdetect.Web, 7)
	mgr.Acquire(2, "client-a", clientdetect.Web, 7)

	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, httptest.NewRequest("GET", "/api/sessions", nil))
	var list struct {
		Capacity int            `json:"capacity"`
		InUse    int            `json:"in_use"`
		Sessions []session.View `json:"sessions"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if list.Capacity != 4 || list.InUse != 2 || len(list.Sessions) != 2 {
		t.Errorf("list = %+v", list)
	}

	rr = httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, httptest.NewRequest("DELETE", "/api/sessions/"+s1.ID, nil))
	if rr.Code != http.StatusNoContent {
		t.Errorf("delete status = %d", rr.Code)
	}
	if mgr.InUse() != 1 {
		t.Errorf("inuse = %d", mgr.InUse())
	}

	rr = httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, httptest.NewRequest("DELETE", "/api/sessions/"+s1.ID, nil))
	if rr.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, httptest.NewRequest("DELETE", "/api/sessions?client=client-a", nil))
	if rr.Code != http.StatusOK || mgr.InUse() != 0 {
		t.Errorf("batch delete: status=%d inuse=%d", rr.Code, mgr.InUse())
	}
}

func TestCompressNegotiation(t *testing.T) {
	srv, _ := newTestServer(t, 4, "-c true")
	req := httptest.NewRequest("GET", "/lineup.json", nil)
	req.Header.Set("Accept-Encoding", "gzip, br")
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, req)
	if enc := rr.Header().Get("Content-Encoding"); enc != "br" {
		t.Errorf("Content-Encoding = %q, want br", enc)
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, 4, "-c true")
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, httptest.NewRequest("GET", "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}
