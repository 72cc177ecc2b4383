// Package identity persists the stable device identity the bridge presents to
// Plex. The identity is created once on first start and survives restarts;
// regenerating it would make Plex treat the bridge as a brand-new tuner.
package identity

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"
)

// Identity is the persisted device identity.
type Identity struct {
	UUID            string `json:"uuid"`
	FriendlyName    string `json:"friendly_name"`
	ModelName       string `json:"model_name"`
	ModelNumber     string `json:"model_number"`
	FirmwareVersion string `json:"firmware_version"`
}

// DeviceID returns the HDHomeRun-style device id: the first 8 hex characters
// of the UUID, uppercased.
func (id *Identity) DeviceID() string {
	hex := strings.Map(func(r rune) rune {
		if r == '-' {
			return -1
		}
		return r
	}, id.UUID)
	if len(hex) < 8 {
		return strings.ToUpper(hex)
	}
	return strings.ToUpper(hex[:8])
}

// USN returns the unique service name used in SSDP messages.
func (id *Identity) USN() string {
	return "uuid:" + id.UUID
}

// Load reads the identity file at path, creating it when absent. Explicit
// overrides (a configured UUID, names) win over the persisted values and are
// written back so the file stays authoritative.
func Load(path string, override Identity) (*Identity, error) {
	id := &Identity{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, id); err != nil {
			return nil, fmt.Errorf("identity %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// first start
	default:
		return nil, fmt.Errorf("identity %s: %w", path, err)
	}

	changed := false
	if override.UUID != "" && override.UUID != id.UUID {
		if _, err := uuid.Parse(override.UUID); err != nil {
			return nil, fmt.Errorf("DEVICE_UUID %q: %w", override.UUID, err)
		}
		id.UUID = override.UUID
		changed = true
	}
	if id.UUID == "" {
		id.UUID = uuid.NewString()
		changed = true
	}
	for _, f := range []struct {
		dst *string
		src string
	}{
		{&id.FriendlyName, override.FriendlyName},
		{&id.ModelName, override.ModelName},
		{&id.ModelNumber, override.ModelNumber},
		{&id.FirmwareVersion, override.FirmwareVersion},
	} {
		if f.src != "" && f.src != *f.dst {
			*f.dst = f.src
			changed = true
		}
	}

	if changed {
		if err := persist(path, id); err != nil {
			return nil, err
		}
	}
	return id, nil
}

func persist(path string, id *Identity) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("identity dir: %w", err)
		}
	}
	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return err
	}
	if err := renameio.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("identity write %s: %w", path, err)
	}
	return nil
}

// AdvertisedHost returns the host to put into discovery payloads: the
// configured value when set, otherwise the first non-loopback IPv4 address.
func AdvertisedHost(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("advertised host: %w", err)
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if ip4 := ipnet.IP.To4(); ip4 != nil && !ip4.IsLoopback() {
				return ip4.String(), nil
			}
		}
	}
	return "", fmt.Errorf("advertised host: no non-loopback IPv4 interface found")
}
