// Package memstore is an in-process persistence.Store used for local runs
// and tests. It is scaffolding, not a production storage layer.
package memstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"telemetryd/internal/persistence"
	"telemetryd/internal/reading"
)

// Store is a mutex-guarded in-memory implementation of persistence.Store.
type Store struct {
	mu       sync.Mutex
	devices  map[string]reading.DeviceInfo
	sessions map[string][][]byte // raw JSON blobs, mirroring a real blob column
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		devices:  make(map[string]reading.DeviceInfo),
		sessions: make(map[string][][]byte),
	}
}

func (s *Store) ListKnownDevices(ctx context.Context) ([]reading.DeviceInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]reading.DeviceInfo, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		li, lj := out[i].LastSeen, out[j].LastSeen
		if li == nil {
			return false
		}
		if lj == nil {
			return true
		}
		return *li > *lj
	})
	return out, nil
}

func (s *Store) UpsertKnownDevicesBatch(ctx context.Context, devices []reading.DeviceInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, incoming := range devices {
		existing, ok := s.devices[incoming.ID]
		if !ok {
			s.devices[incoming.ID] = incoming
			continue
		}
		s.devices[incoming.ID] = coalesce(existing, incoming)
	}
	return nil
}

// coalesce merges incoming onto existing: a nil field on incoming never
// clobbers a non-nil value already on existing.
func coalesce(existing, incoming reading.DeviceInfo) reading.DeviceInfo {
	out := existing
	out.Status = incoming.Status
	out.InRange = incoming.InRange
	if incoming.Name != nil {
		out.Name = incoming.Name
	}
	if incoming.RSSI != nil {
		out.RSSI = incoming.RSSI
	}
	if incoming.BatteryLevel != nil {
		out.BatteryLevel = incoming.BatteryLevel
	}
	if incoming.LastSeen != nil {
		out.LastSeen = incoming.LastSeen
	}
	if incoming.Manufacturer != nil {
		out.Manufacturer = incoming.Manufacturer
	}
	if incoming.ModelNumber != nil {
		out.ModelNumber = incoming.ModelNumber
	}
	if incoming.SerialNumber != nil {
		out.SerialNumber = incoming.SerialNumber
	}
	if incoming.DeviceGroup != nil {
		out.DeviceGroup = incoming.DeviceGroup
	}
	return out
}

func (s *Store) ClearDeviceGroup(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[id]
	if !ok {
		return nil
	}
	d.DeviceGroup = nil
	s.devices[id] = d
	return nil
}

func (s *Store) RecordSensorReadings(ctx context.Context, sessionID string, readings []reading.Reading) error {
	if err := persistence.ValidateSessionID(sessionID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range readings {
		b, err := json.Marshal(r)
		if err != nil {
			return err
		}
		s.sessions[sessionID] = append(s.sessions[sessionID], b)
	}
	return nil
}

// LoadSensorReadings decodes every blob for a session, falling back to a
// legacy decode (dropping an incompatible pedal_balance field) for records
// written before that field existed in its current shape.
func (s *Store) LoadSensorReadings(ctx context.Context, sessionID string) ([]reading.Reading, error) {
	if err := persistence.ValidateSessionID(sessionID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	blobs := append([][]byte(nil), s.sessions[sessionID]...)
	s.mu.Unlock()

	out := make([]reading.Reading, 0, len(blobs))
	for _, b := range blobs {
		var r reading.Reading
		if err := json.Unmarshal(b, &r); err == nil {
			out = append(out, r)
			continue
		}
		legacy, err := decodeLegacy(b)
		if err != nil {
			return nil, err
		}
		out = append(out, legacy)
	}
	return out, nil
}

// decodeLegacy strips a pedal_balance field that doesn't decode cleanly
// into *uint8 (an older on-disk shape) and retries.
func decodeLegacy(b []byte) (reading.Reading, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return reading.Reading{}, err
	}
	delete(fields, "pedal_balance")

	patched, err := json.Marshal(fields)
	if err != nil {
		return reading.Reading{}, err
	}
	var r reading.Reading
	if err := json.Unmarshal(patched, &r); err != nil {
		return reading.Reading{}, err
	}
	return r, nil
}
