package config

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/cheaterpersian-web/Apex/internal/shared/types"
)

var knownFingerprints = map[string]struct{}{
	"": {}, "chrome": {}, "firefox": {}, "safari": {}, "ios": {}, "edge": {}, "randomized": {}, "golang": {},
}

// NormalizeDescriptor fills defaults and lower-cases enumerations before validation.
func NormalizeDescriptor(d *types.ProtocolDescriptor) {
	d.ID = strings.TrimSpace(d.ID)
	d.Host = strings.TrimSpace(d.Host)
	if d.Name == "" {
		d.Name = d.ID
	}
	d.Type = types.ProtocolType(strings.ToLower(string(d.Type)))
	if d.Type == "" {
		d.Type = types.ProtocolOther
	}
	d.Transport = types.Transport(strings.ToLower(string(d.Transport)))
	if d.Transport == "" {
		d.Transport = types.TransportTCP
	}
	if d.Client != nil && d.Client.StartupTimeoutSec == 0 {
		d.Client.StartupTimeoutSec = types.DefaultStartupTimeoutSec
	}
	if d.TLS != nil {
		d.TLS.Fingerprint = strings.ToLower(d.TLS.Fingerprint)
	}
}

// ValidateDescriptor rejects malformed descriptors before they reach the probing engine.
// Every returned error wraps types.ErrConfigInvalid.
func ValidateDescriptor(d *types.ProtocolDescriptor) error {
	if d == nil {
		return fmt.Errorf("%w: descriptor is empty", types.ErrConfigInvalid)
	}
	if d.ID == "" {
		return fmt.Errorf("%w: id is required", types.ErrConfigInvalid)
	}
	if d.Host == "" {
		return fmt.Errorf("%w: host is required for %s", types.ErrConfigInvalid, d.ID)
	}
	if d.Port < 1 || d.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range for %s", types.ErrConfigInvalid, d.Port, d.ID)
	}
	if !isKnownType(d.Type) {
		return fmt.Errorf("%w: unknown protocol type %q", types.ErrConfigInvalid, d.Type)
	}
	if d.Transport != types.TransportTCP && d.Transport != types.TransportUDP {
		return fmt.Errorf("%w: unknown transport %q", types.ErrConfigInvalid, d.Transport)
	}
	if c := d.Client; c != nil {
		if strings.TrimSpace(c.StartCommand) == "" {
			return fmt.Errorf("%w: client.start_command is required", types.ErrConfigInvalid)
		}
		if c.SocksPort < 1 || c.SocksPort > 65535 {
			return fmt.Errorf("%w: client.socks_port %d out of range", types.ErrConfigInvalid, c.SocksPort)
		}
		if c.StartupTimeoutSec < 0 {
			return fmt.Errorf("%w: client.startup_timeout_sec must not be negative", types.ErrConfigInvalid)
		}
		if c.ReadyRegex != "" {
			if _, err := regexp.Compile(c.ReadyRegex); err != nil {
				return fmt.Errorf("%w: client.ready_regex: %v", types.ErrConfigInvalid, err)
			}
		}
	}
	if t := d.TLS; t != nil {
		if d.Transport != types.TransportTCP {
			return fmt.Errorf("%w: tls requires tcp transport", types.ErrConfigInvalid)
		}
		if _, ok := knownFingerprints[t.Fingerprint]; !ok {
			return fmt.Errorf("%w: unknown tls fingerprint %q", types.ErrConfigInvalid, t.Fingerprint)
		}
	}
	return nil
}

// CheckPortConflict reports whether d's socks_port is already claimed by another descriptor.
// A descriptor replacing itself (same id) does not conflict.
func CheckPortConflict(existing []*types.ProtocolDescriptor, d *types.ProtocolDescriptor) error {
	if d.Client == nil {
		return nil
	}
	for _, other := range existing {
		if other.ID == d.ID || other.Client == nil {
			continue
		}
		if other.Client.SocksPort == d.Client.SocksPort {
			return fmt.Errorf("%w: port %d is used by %s", types.ErrPortConflict, d.Client.SocksPort, other.ID)
		}
	}
	return nil
}

func isKnownType(t types.ProtocolType) bool {
	for _, known := range types.KnownProtocolTypes {
		if t == known {
			return true
		}
	}
	return false
}
