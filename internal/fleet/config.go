// Package fleet holds the fleet-wide configuration types and the
// FleetManager that routes requests to the right machine.
package fleet

import (
	"fmt"
	"net"
	"regexp"

	"github.com/industriaspico/carousel-fleet/internal/plcerr"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// MachineConfig identifies and locates one physical (or simulated) PLC.
type MachineConfig struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	IP          string `json:"ip"`
	Port        int    `json:"port"`
	Simulator   bool   `json:"simulator"`
	Description string `json:"description,omitempty"`
}

// APIConfig is the HTTP surface's own configuration.
type APIConfig struct {
	Port           int      `json:"port"`
	Debug          bool     `json:"debug"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
}

// LoggingConfig controls the rotation policy for every log/audit stream.
type LoggingConfig struct {
	Level      string `json:"level,omitempty"`
	Directory  string `json:"directory,omitempty"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
}

// FleetConfig is the on-disk root object for a multi-machine deployment.
type FleetConfig struct {
	APIConfig   APIConfig       `json:"api_config"`
	PLCMachines []MachineConfig `json:"plc_machines"`
	Logging     LoggingConfig   `json:"logging,omitempty"`
}

// LegacyConfig is the single-device configuration file shape this system
// still accepts; it is synthesized into a one-element FleetConfig when no
// fleet file is present.
type LegacyConfig struct {
	IP               string `json:"ip"`
	Port             int    `json:"port"`
	SimulatorEnabled bool   `json:"simulator_enabled"`
	APIPort          int    `json:"api_port"`
}

// ToFleetConfig synthesizes a one-machine FleetConfig from a legacy file.
func (l LegacyConfig) ToFleetConfig() FleetConfig {
	return FleetConfig{
		APIConfig: APIConfig{Port: l.APIPort},
		PLCMachines: []MachineConfig{{
			ID:        "default",
			Name:      "Default carousel",
			IP:        l.IP,
			Port:      l.Port,
			Simulator: l.SimulatorEnabled,
		}},
	}
}

// MachineSummary is the read-only projection FleetManager.ListMachines
// returns: cheap to compute, no device I/O.
type MachineSummary struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	IP          string `json:"ip"`
	Port        int    `json:"port"`
	Type        string `json:"type"` // "real" or "simulator"
	Description string `json:"description,omitempty"`
}

func (m MachineConfig) summary() MachineSummary {
	kind := "real"
	if m.Simulator {
		kind = "simulator"
	}
	return MachineSummary{ID: m.ID, Name: m.Name, IP: m.IP, Port: m.Port, Type: kind, Description: m.Description}
}

// Validate enforces the invariants from the data model: id charset,
// non-empty name, a dotted-quad IPv4 address, and a port in 1..65535.
// Simulator machines skip the IPv4 check since they never dial out; every
// machine, simulator or not, still needs a port in 1..65535.
func Validate(m MachineConfig) (bool, string) {
	if !idPattern.MatchString(m.ID) {
		return false, fmt.Sprintf("id %q must match [A-Za-z0-9_-]+", m.ID)
	}
	if m.Name == "" {
		return false, "name must not be empty"
	}
	if !m.Simulator {
		ip := net.ParseIP(m.IP)
		if ip == nil || ip.To4() == nil {
			return false, fmt.Sprintf("ip %q must be a dotted IPv4 address", m.IP)
		}
	}
	if m.Port < 1 || m.Port > 65535 {
		return false, fmt.Sprintf("port %d must be in 1..65535", m.Port)
	}
	return true, ""
}

// ValidateFleet validates every machine and enforces id uniqueness across
// the fleet.
func ValidateFleet(cfg FleetConfig) error {
	seen := make(map[string]struct{}, len(cfg.PLCMachines))
	for _, m := range cfg.PLCMachines {
		if ok, msg := Validate(m); !ok {
			return plcerr.New(plcerr.BadRequest, msg)
		}
		if _, dup := seen[m.ID]; dup {
			return plcerr.New(plcerr.BadRequest, fmt.Sprintf("duplicate machine id %q", m.ID))
		}
		seen[m.ID] = struct{}{}
	}
	return nil
}
