// Command plexbridge emulates an HDHomeRun network tuner for Plex: SSDP
// discovery, lineup and guide publishing, and live MPEG-TS streaming through
// supervised ffmpeg processes.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/plexbridge/plexbridge/internal/bridge"
	"github.com/plexbridge/plexbridge/internal/catalog"
	"github.com/plexbridge/plexbridge/internal/config"
	"github.com/plexbridge/plexbridge/internal/epg"
	"github.com/plexbridge/plexbridge/internal/identity"
	"github.com/plexbridge/plexbridge/internal/log"
	"github.com/plexbridge/plexbridge/internal/session"
	"github.com/plexbridge/plexbridge/internal/ssdp"
)

// sysexits-style codes; 130 is the conventional SIGINT exit.
const (
	exitOK          = 0
	exitConfig      = 64
	exitUnavailable = 69
	exitSoftware    = 70
	exitInterrupt   = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.Load()
	log.Configure(log.Config{Level: cfg.LogLevel})
	logger := log.WithComponent("main")

	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return exitConfig
	}

	id, err := identity.Load(cfg.IdentityPath, identity.Identity{
		UUID:            cfg.DeviceUUID,
		FriendlyName:    cfg.FriendlyName,
		ModelName:       cfg.ModelName,
		ModelNumber:     cfg.ModelNumber,
		FirmwareVersion: cfg.FirmwareVersion,
	})
	if err != nil {
		logger.Error().Err(err).Msg("device identity")
		return exitSoftware
	}

	host, err := identity.AdvertisedHost(cfg.AdvertisedHost)
	if err != nil {
		logger.Error().Err(err).Msg("advertised host")
		return exitSoftware
	}
	baseURL := fmt.Sprintf("http://%s:%d", host, cfg.HTTPPort)

	cat, err := catalog.Open(cfg.DatabasePath)
	if err != nil {
		logger.Error().Err(err).Str("path", cfg.DatabasePath).Msg("catalog")
		return exitUnavailable
	}
	defer cat.Close()

	guide := epg.NewPublisher(cfg.EPGPath)
	if stop, werr := guide.Watch(); werr != nil {
		logger.Warn().Err(werr).Msg("guide watch unavailable, serving without cache invalidation")
	} else {
		defer stop()
	}

	sessions := session.NewManager(cfg.TunerCount)
	srv := bridge.New(cfg, id, cat, sessions, guide, baseURL)
	announcer := &ssdp.Service{
		DeviceXMLURL:         baseURL + "/device.xml",
		USN:                  id.USN(),
		Port:                 cfg.SSDPPort,
		AnnounceInterval:     cfg.AnnounceInterval,
		DiscoverableInterval: cfg.DiscoverableInterval,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var interrupted atomic.Bool
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		if sig == os.Interrupt {
			interrupted.Store(true)
		}
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
	}()

	logger.Info().
		Str("device", id.DeviceID()).
		Str("base", baseURL).
		Int("tuners", cfg.TunerCount).
		Msg("plexbridge starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { return announcer.Run(gctx) })

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("fatal")
		if errors.Is(err, bridge.ErrBind) {
			return exitUnavailable
		}
		return exitSoftware
	}
	if interrupted.Load() {
		return exitInterrupt
	}
	return exitOK
}
