package bridge

import (
	"encoding/json"
	"encoding/xml"
	"net/http"
	"strings"
)

// deviceAuth is the static DeviceAuth token in discover.json. Plex echoes it
// on some requests but never validates it against anything for custom tuners.
const deviceAuth = "plexbridge"

type discoverPayload struct {
	FriendlyName    string
	Manufacturer    string
	ModelNumber     string
	FirmwareName    string
	FirmwareVersion string
	TunerCount      int
	DeviceID        string
	DeviceAuth      string
	BaseURL         string
	LineupURL       string
	EPGURL          string
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, discoverPayload{
		FriendlyName:    s.id.FriendlyName,
		Manufacturer:    "Silicondust",
		ModelNumber:     s.id.ModelNumber,
		FirmwareName:    "hdhomerun_atsc",
		FirmwareVersion: s.id.FirmwareVersion,
		TunerCount:      s.cfg.TunerCount,
		DeviceID:        s.id.DeviceID(),
		DeviceAuth:      deviceAuth,
		BaseURL:         s.baseURL,
		LineupURL:       s.baseURL + "/lineup.json",
		EPGURL:          s.baseURL + "/epg.xml",
	})
}

type lineupEntry struct {
	GuideNumber string
	GuideName   string
	URL         string
}

func (s *Server) handleLineup(w http.ResponseWriter, r *http.Request) {
	channels, err := s.cat.ListLineup(r.Context())
	if err != nil {
		logger.Error().Err(err).Msg("lineup query failed")
		writeError(w, http.StatusInternalServerError, "catalog unavailable", "catalog_error")
		return
	}
	out := make([]lineupEntry, 0, len(channels))
	for _, ch := range channels {
		out = append(out, lineupEntry{
			GuideNumber: normalizeGuideNumber(ch.GuideNumber),
			GuideName:   ch.GuideName,
			URL:         s.streamURL(ch.ChannelID),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleLineupPost acknowledges Plex's channel-scan request with 204. There
// is nothing to scan; the lineup is whatever the catalog says.
func (s *Server) handleLineupPost(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLineupStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ScanInProgress": 0,
		"ScanPossible":   1,
		"Source":         "Cable",
		"SourceList":     []string{"Cable"},
	})
}

type deviceRoot struct {
	XMLName     xml.Name       `xml:"root"`
	XMLNS       string         `xml:"xmlns,attr"`
	SpecVersion deviceSpecVer  `xml:"specVersion"`
	URLBase     string         `xml:"URLBase"`
	Device      deviceDescribe `xml:"device"`
}

type deviceSpecVer struct {
	Major int `xml:"major"`
	Minor int `xml:"minor"`
}

type deviceDescribe struct {
	DeviceType   string `xml:"deviceType"`
	FriendlyName string `xml:"friendlyName"`
	Manufacturer string `xml:"manufacturer"`
	ModelName    string `xml:"modelName"`
	ModelNumber  string `xml:"modelNumber"`
	SerialNumber string `xml:"serialNumber"`
	UDN          string `xml:"UDN"`
}

func (s *Server) handleDeviceXML(w http.ResponseWriter, r *http.Request) {
	doc := deviceRoot{
		XMLNS:       "urn:schemas-upnp-org:device-1-0",
		SpecVersion: deviceSpecVer{Major: 1},
		URLBase:     s.baseURL,
		Device: deviceDescribe{
			DeviceType:   "urn:schemas-upnp-org:device:MediaServer:1",
			FriendlyName: s.id.FriendlyName,
			Manufacturer: "Silicondust",
			ModelName:    s.id.ModelName,
			ModelNumber:  s.id.ModelNumber,
			SerialNumber: s.id.DeviceID(),
			UDN:          s.id.USN(),
		},
	}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.Write([]byte(xml.Header))
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	enc.Encode(doc)
	w.Write([]byte("\n"))
}

// normalizeGuideNumber strips leading zeros; Plex treats "0101" and "101" as
// different channels and the guide only knows the canonical form.
func normalizeGuideNumber(n string) string {
	trimmed := strings.TrimLeft(n, "0")
	if trimmed == "" || trimmed[0] == '.' {
		return "0" + trimmed
	}
	return trimmed
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg, reason string) {
	writeJSON(w, status, map[string]string{"error": msg, "reason": reason})
}
