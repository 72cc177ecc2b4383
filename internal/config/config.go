// Package config loads bridge settings from the environment.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds every tunable of the bridge. Load fills it from the
// environment; Validate enforces the documented bounds.
type Config struct {
	BindAddress string
	HTTPPort    int
	SSDPPort    int

	// AdvertisedHost is the host written into discovery payloads. Empty means
	// autodetect (first non-loopback IPv4) at identity load time.
	AdvertisedHost string

	TunerCount int

	DeviceUUID      string // optional override; normally persisted by identity
	FriendlyName    string
	ModelName       string
	ModelNumber     string
	FirmwareVersion string

	AnnounceInterval     time.Duration
	DiscoverableInterval time.Duration

	SessionMaxDuration time.Duration // 0 = unbounded
	Grace              time.Duration
	StartupTimeout     time.Duration
	IdleTimeout        time.Duration

	DatabasePath string // SQLite catalog (read-only)
	EPGPath      string // externally produced XMLTV document
	IdentityPath string // device_identity.json
	FFmpegPath   string // binary name or absolute path

	LogLevel string

	// loadErrs holds parse failures collected during Load; Validate surfaces
	// the first one so a malformed value is fatal instead of silently
	// becoming the default.
	loadErrs []error
}

var firmwareVersionRe = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

// Load reads configuration from the environment. Call Validate on the result
// before use; Load itself never fails, but it records unparseable values for
// Validate to report.
func Load() *Config {
	var errs []error
	c := &Config{
		BindAddress:          getEnv("BIND_ADDRESS", "0.0.0.0"),
		HTTPPort:             getEnvInt("HTTP_PORT", 8080, &errs),
		SSDPPort:             getEnvInt("SSDP_PORT", 1900, &errs),
		AdvertisedHost:       strings.TrimSpace(os.Getenv("ADVERTISED_HOST")),
		TunerCount:           getEnvInt("TUNER_COUNT", 4, &errs),
		DeviceUUID:           strings.TrimSpace(os.Getenv("DEVICE_UUID")),
		FriendlyName:         getEnv("FRIENDLY_NAME", "PlexBridge"),
		ModelName:            getEnv("MODEL_NAME", "PlexBridge"),
		ModelNumber:          getEnv("MODEL_NUMBER", "HDTC-2US"),
		FirmwareVersion:      getEnv("FIRMWARE_VERSION", "1.0.0"),
		AnnounceInterval:     getEnvMillis("ANNOUNCE_INTERVAL_MS", 30*time.Minute, &errs),
		DiscoverableInterval: getEnvMillis("DISCOVERABLE_INTERVAL_MS", 30*time.Second, &errs),
		SessionMaxDuration:   getEnvSeconds("SESSION_MAX_DURATION_S", 4*time.Hour, &errs),
		Grace:                getEnvMillis("GRACE_MS", 10*time.Second, &errs),
		StartupTimeout:       getEnvSeconds("STARTUP_TIMEOUT_S", 8*time.Second, &errs),
		IdleTimeout:          getEnvSeconds("IDLE_TIMEOUT_S", 5*time.Second, &errs),
		DatabasePath:         getEnv("DATABASE_PATH", "data/database/plextv.db"),
		EPGPath:              getEnv("EPG_PATH", "data/epg/epg.xml"),
		IdentityPath:         getEnv("IDENTITY_PATH", "data/device_identity.json"),
		FFmpegPath:           getEnv("FFMPEG_PATH", "ffmpeg"),
		LogLevel:             os.Getenv("LOG_LEVEL"),
	}
	c.loadErrs = errs
	return c
}

// Validate returns the first constraint violation, naming the offending key
// and the allowed range. A non-nil error is a startup-fatal ConfigError.
func (c *Config) Validate() error {
	if len(c.loadErrs) > 0 {
		return c.loadErrs[0]
	}
	if c.DeviceUUID != "" {
		if _, err := uuid.Parse(c.DeviceUUID); err != nil {
			return fmt.Errorf("DEVICE_UUID %q is not a valid UUID", c.DeviceUUID)
		}
	}
	if c.HTTPPort < 1024 || c.HTTPPort > 65535 {
		return fmt.Errorf("HTTP_PORT %d out of range 1024-65535", c.HTTPPort)
	}
	if c.SSDPPort < 1 || c.SSDPPort > 65535 {
		return fmt.Errorf("SSDP_PORT %d out of range 1-65535", c.SSDPPort)
	}
	if c.TunerCount < 1 || c.TunerCount > 32 {
		return fmt.Errorf("TUNER_COUNT %d out of range 1-32", c.TunerCount)
	}
	if !firmwareVersionRe.MatchString(c.FirmwareVersion) {
		return fmt.Errorf("FIRMWARE_VERSION %q must match MAJOR.MINOR.PATCH", c.FirmwareVersion)
	}
	if c.AnnounceInterval < 5*time.Minute || c.AnnounceInterval > 2*time.Hour {
		return fmt.Errorf("ANNOUNCE_INTERVAL_MS %d out of range 300000-7200000", c.AnnounceInterval/time.Millisecond)
	}
	if c.DiscoverableInterval < 5*time.Second || c.DiscoverableInterval > 5*time.Minute {
		return fmt.Errorf("DISCOVERABLE_INTERVAL_MS %d out of range 5000-300000", c.DiscoverableInterval/time.Millisecond)
	}
	if c.SessionMaxDuration < 0 {
		return fmt.Errorf("SESSION_MAX_DURATION_S must be >= 0")
	}
	if c.Grace < time.Second || c.Grace > time.Minute {
		return fmt.Errorf("GRACE_MS %d out of range 1000-60000", c.Grace/time.Millisecond)
	}
	if c.StartupTimeout <= 0 {
		return fmt.Errorf("STARTUP_TIMEOUT_S must be > 0")
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("IDLE_TIMEOUT_S must be > 0")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("DATABASE_PATH must not be empty")
	}
	return nil
}

// BindAddr returns the host:port the HTTP listener binds to.
func (c *Config) BindAddr() string {
	return fmt.Sprintf("%s:%d", c.BindAddress, c.HTTPPort)
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int, errs *[]error) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s %q is not an integer", key, v))
		return def
	}
	return n
}

func getEnvMillis(key string, def time.Duration, errs *[]error) time.Duration {
	return time.Duration(getEnvInt(key, int(def/time.Millisecond), errs)) * time.Millisecond
}

func getEnvSeconds(key string, def time.Duration, errs *[]error) time.Duration {
	return time.Duration(getEnvInt(key, int(def/time.Second), errs)) * time.Second
}
