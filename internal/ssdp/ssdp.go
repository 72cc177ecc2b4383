// Package ssdp makes the bridge discoverable: it answers M-SEARCH queries on
// the SSDP multicast group and broadcasts periodic alive notifications, with
// a byebye burst on shutdown.
package ssdp

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/plexbridge/plexbridge/internal/log"
	"github.com/plexbridge/plexbridge/internal/metrics"
)

const (
	multicastAddr = "239.255.255.250"
	serverIdent   = "PlexBridge/1.0 UPnP/1.0"
	maxBackoff    = 60 * time.Second
)

// Search targets the bridge claims. Plex probes several of these depending on
// version; silicondust is the one that marks the device as an HDHomeRun.
var searchTargets = []string{
	"upnp:rootdevice",
	"urn:schemas-upnp-org:device:MediaServer:1",
	"urn:silicondust-com:device:HDHomeRun:1",
}

var logger = log.WithComponent("ssdp")

// Service answers discovery for one device identity.
type Service struct {
	DeviceXMLURL     string // absolute LOCATION url
	USN              string // uuid:<device uuid>
	Port             int    // SSDP port, normally 1900
	AnnounceInterval time.Duration
	// DiscoverableInterval paces the startup burst: alive notifications go
	// out at this faster interval until Plex has had a few chances to hear
	// one, then the loop settles to AnnounceInterval.
	DiscoverableInterval time.Duration
}

// Run listens for M-SEARCH queries and announces until ctx is done. Socket
// failures are retried with exponential backoff capped at 60 s; SSDP problems
// never take HTTP serving down with them.
func (s *Service) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		err := s.serve(ctx)
		if ctx.Err() != nil {
			return nil
		}
		logger.Warn().Err(err).Dur("retry", backoff).Msg("ssdp socket error")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (s *Service) serve(ctx context.Context) error {
	group := net.ParseIP(multicastAddr)
	conn, err := net.ListenPacket("udp4", fmt.Sprintf("0.0.0.0:%d", s.Port))
	if err != nil {
		return fmt.Errorf("listen udp %d: %w", s.Port, err)
	}
	defer conn.Close()

	pc := ipv4.NewPacketConn(conn)
	joined := 0
	for _, iface := range multicastInterfaces() {
		iface := iface
		if err := pc.JoinGroup(&iface, &net.UDPAddr{IP: group}); err == nil {
			joined++
		}
	}
	if joined == 0 {
		// Fall back to the default interface choice of the kernel.
		if err := pc.JoinGroup(nil, &net.UDPAddr{IP: group}); err != nil {
			return fmt.Errorf("join %s: %w", multicastAddr, err)
		}
	}
	pc.SetMulticastTTL(2)
	logger.Info().Int("port", s.Port).Int("interfaces", joined).Msg("ssdp listening")

	return s.serveConn(ctx, conn, group)
}

// serveConn runs the read loop with the announcer attached. A read error
// stops the announcer before returning so Run can tear the socket down and
// retry with backoff.
func (s *Service) serveConn(ctx context.Context, conn net.PacketConn, group net.IP) error {
	actx, cancel := context.WithCancel(ctx)
	stopAnnounce := make(chan struct{})
	go s.announceLoop(actx, conn, group, stopAnnounce)
	defer func() {
		cancel()
		<-stopAnnounce
	}()

	buf := make([]byte, 2048)
	for {
		if ctx.Err() != nil {
			return nil
		}
		conn.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return fmt.Errorf("ssdp read: %w", err)
		}
		udp, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}
		s.handleSearch(conn, udp, string(buf[:n]))
	}
}

// handleSearch answers an M-SEARCH when its ST matches one of ours. ssdp:all
// gets one response per claimed target.
func (s *Service) handleSearch(conn net.PacketConn, addr *net.UDPAddr, msg string) {
	if !strings.HasPrefix(msg, "M-SEARCH") {
		return
	}
	st := headerValue(msg, "ST")
	var answer []string
	switch {
	case st == "ssdp:all":
		answer = searchTargets
	default:
		for _, t := range searchTargets {
			if st == t {
				answer = []string{t}
				break
			}
		}
	}
	for _, t := range answer {
		conn.WriteTo([]byte(s.searchResponse(t)), addr)
		metrics.SSDPResponses.WithLabelValues(t).Inc()
	}
	if len(answer) > 0 {
		logger.Debug().Str("from", addr.String()).Str("st", st).Msg("answered m-search")
	}
}

func (s *Service) announceLoop(ctx context.Context, conn net.PacketConn, group net.IP, done chan<- struct{}) {
	defer close(done)
	dst := &net.UDPAddr{IP: group, Port: s.Port}

	send := func(kind string) {
		for _, t := range searchTargets {
			conn.WriteTo([]byte(s.notify(kind, t)), dst)
		}
	}

	send("ssdp:alive")

	// Startup burst, then steady state.
	if s.DiscoverableInterval > 0 {
		burst := time.NewTicker(s.DiscoverableInterval)
		for sent := 0; sent < 3; sent++ {
			select {
			case <-ctx.Done():
				burst.Stop()
				send("ssdp:byebye")
				return
			case <-burst.C:
				send("ssdp:alive")
			}
		}
		burst.Stop()
	}

	ticker := time.NewTicker(s.AnnounceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			send("ssdp:byebye")
			return
		case <-ticker.C:
			send("ssdp:alive")
		}
	}
}

func (s *Service) searchResponse(st string) string {
	return "HTTP/1.1 200 OK\r\n" +
		"CACHE-CONTROL: max-age=1800\r\n" +
		"EXT:\r\n" +
		"LOCATION: " + s.DeviceXMLURL + "\r\n" +
		"SERVER: " + serverIdent + "\r\n" +
		"ST: " + st + "\r\n" +
		"USN: " + s.USN + "::" + st + "\r\n" +
		"\r\n"
}

func (s *Service) notify(nts, nt string) string {
	return "NOTIFY * HTTP/1.1\r\n" +
		"HOST: " + multicastAddr + ":" + fmt.Sprint(s.Port) + "\r\n" +
		"CACHE-CONTROL: max-age=1800\r\n" +
		"LOCATION: " + s.DeviceXMLURL + "\r\n" +
		"NT: " + nt + "\r\n" +
		"NTS: " + nts + "\r\n" +
		"SERVER: " + serverIdent + "\r\n" +
		"USN: " + s.USN + "::" + nt + "\r\n" +
		"\r\n"
}

// headerValue pulls one header out of a raw SSDP message, case-insensitive.
func headerValue(msg, name string) string {
	for _, line := range strings.Split(msg, "\r\n") {
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(k), name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// multicastInterfaces returns every up, multicast-capable, non-loopback
// interface. Announcing on all of them keeps Plex discovery working on
// multi-homed hosts.
func multicastInterfaces() []net.Interface {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	var out []net.Interface
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		out = append(out, iface)
	}
	return out
}
