// Package configstore implements ConfigStore: load, atomic save, and
// per-machine mutation of the fleet configuration file, following the same
// "treat the file as owned by this process" posture the reference
// cmd/mdcmux command uses for its own config file, generalized to add
// atomic write-temp-then-rename persistence and timestamped backups.
package configstore

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/industriaspico/carousel-fleet/internal/fleet"
	"github.com/industriaspico/carousel-fleet/internal/plcerr"
)

const maxBackups = 10

// Store owns the on-disk fleet configuration file at Path, serializing all
// mutation through mu so upsertMachine/removeMachine/saveFleet never race
// each other.
type Store struct {
	Path string

	mu sync.Mutex
}

// New constructs a Store bound to path. It performs no I/O until Load is
// called.
func New(path string) *Store {
	return &Store{Path: path}
}

// Load reads the fleet configuration file, falling back to a legacy
// single-device file of the same directory (named legacy.json) when the
// fleet file does not exist, synthesizing a one-machine fleet from it.
func (s *Store) Load() (fleet.FleetConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() (fleet.FleetConfig, error) {
	data, err := os.ReadFile(s.Path)
	if err == nil {
		return decodeFleet(data)
	}
	if !os.IsNotExist(err) {
		return fleet.FleetConfig{}, plcerr.Wrap(plcerr.InternalError, "read fleet config", err)
	}

	legacyPath := filepath.Join(filepath.Dir(s.Path), "legacy.json")
	legacyData, legacyErr := os.ReadFile(legacyPath)
	if legacyErr != nil {
		if os.IsNotExist(legacyErr) {
			return fleet.FleetConfig{}, plcerr.New(plcerr.BadRequest, "no fleet or legacy configuration file present")
		}
		return fleet.FleetConfig{}, plcerr.Wrap(plcerr.InternalError, "read legacy config", legacyErr)
	}

	var legacy fleet.LegacyConfig
	dec := json.NewDecoder(bytes.NewReader(legacyData))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&legacy); err != nil {
		return fleet.FleetConfig{}, plcerr.Wrap(plcerr.BadRequest, "decode legacy config", err)
	}
	return legacy.ToFleetConfig(), nil
}

func decodeFleet(data []byte) (fleet.FleetConfig, error) {
	var cfg fleet.FleetConfig
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return fleet.FleetConfig{}, plcerr.Wrap(plcerr.BadRequest, "decode fleet config", err)
	}
	if err := fleet.ValidateFleet(cfg); err != nil {
		return fleet.FleetConfig{}, err
	}
	return cfg, nil
}

// Save validates cfg, backs up the current file (if any) to a timestamped
// copy, and atomically replaces the fleet file via write-temp + rename.
// Only the ten most recent backups are retained.
func (s *Store) Save(cfg fleet.FleetConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(cfg)
}

func (s *Store) saveLocked(cfg fleet.FleetConfig) error {
	if err := fleet.ValidateFleet(cfg); err != nil {
		return err
	}

	if err := s.backupLocked(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return plcerr.Wrap(plcerr.InternalError, "encode fleet config", err)
	}

	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return plcerr.Wrap(plcerr.InternalError, "create config directory", err)
	}

	tmp, err := os.CreateTemp(dir, ".fleet-*.json.tmp")
	if err != nil {
		return plcerr.Wrap(plcerr.InternalError, "create temp config file", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return plcerr.Wrap(plcerr.InternalError, "write temp config file", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return plcerr.Wrap(plcerr.InternalError, "close temp config file", err)
	}
	if err := os.Rename(tmpPath, s.Path); err != nil {
		_ = os.Remove(tmpPath)
		return plcerr.Wrap(plcerr.InternalError, "rename temp config file", err)
	}

	return s.pruneBackupsLocked()
}

func (s *Store) backupLocked() error {
	data, err := os.ReadFile(s.Path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return plcerr.Wrap(plcerr.InternalError, "read config for backup", err)
	}

	backupPath := s.Path + "." + strconv.FormatInt(nowUnixNano(), 10) + ".bak"
	if err := os.WriteFile(backupPath, data, 0o644); err != nil {
		return plcerr.Wrap(plcerr.InternalError, "write config backup", err)
	}
	return nil
}

func (s *Store) pruneBackupsLocked() error {
	pattern := s.Path + ".*.bak"
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return plcerr.Wrap(plcerr.InternalError, "glob config backups", err)
	}
	if len(matches) <= maxBackups {
		return nil
	}
	sort.Strings(matches)
	for _, stale := range matches[:len(matches)-maxBackups] {
		_ = os.Remove(stale)
	}
	return nil
}

// UpsertMachine adds or replaces the machine with the same id in the fleet
// file, validating it before persisting.
func (s *Store) UpsertMachine(m fleet.MachineConfig) error {
	if ok, msg := fleet.Validate(m); !ok {
		return plcerr.New(plcerr.BadRequest, msg)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := s.loadLocked()
	if err != nil && plcerr.CodeOf(err) != plcerr.BadRequest {
		return err
	}

	replaced := false
	for i, existing := range cfg.PLCMachines {
		if existing.ID == m.ID {
			cfg.PLCMachines[i] = m
			replaced = true
			break
		}
	}
	if !replaced {
		cfg.PLCMachines = append(cfg.PLCMachines, m)
	}

	return s.saveLocked(cfg)
}

// RemoveMachine deletes the machine with the given id from the fleet file.
// Removing an id that is not present is a no-op.
func (s *Store) RemoveMachine(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := s.loadLocked()
	if err != nil {
		return err
	}

	kept := cfg.PLCMachines[:0]
	for _, m := range cfg.PLCMachines {
		if m.ID != id {
			kept = append(kept, m)
		}
	}
	cfg.PLCMachines = kept

	return s.saveLocked(cfg)
}

// Validate re-exports fleet.Validate, matching the reference operation
// name (validate) from the component design.
func Validate(m fleet.MachineConfig) (bool, string) {
	return fleet.Validate(m)
}

func nowUnixNano() int64 {
	return time.Now().UnixNano()
}
