// Package devices implements the unified device manager: the single
// façade over the low-energy adapter and the short-range manager that the
// rest of the system talks to, regardless of which radio a device answers
// on.
package devices

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"telemetryd/internal/broadcast"
	"telemetryd/internal/dedup"
	"telemetryd/internal/errs"
	"telemetryd/internal/hostcheck"
	"telemetryd/internal/lowenergy"
	"telemetryd/internal/persistence"
	"telemetryd/internal/primary"
	"telemetryd/internal/reading"
	srmanager "telemetryd/internal/shortrange/manager"
	"telemetryd/internal/shortrange/usb"
	"telemetryd/internal/trainer"
)

// ErrDeviceNotFound is returned by Connect for an unknown id.
var ErrDeviceNotFound = errors.New("device not found")

const shortRangePrefix = "ant:"

func isShortRange(id string) bool { return strings.HasPrefix(id, shortRangePrefix) }

// Manager is the unified device manager. The short-range manager is
// created lazily on first use (it owns a real USB handle) and every
// operation against it runs under a recovering wrapper: a panic in a
// blocking USB call is logged and turned into an error rather than
// crashing the process, and the manager itself is left in place for the
// next call rather than discarded, a deliberate simplification of the
// upstream take/return-on-panic pattern (see the design notes).
type Manager struct {
	lowEnergy *lowenergy.Adapter
	hub       *broadcast.Hub
	primaries *primary.Registry
	store     persistence.Store
	checker   hostcheck.PrerequisiteChecker

	srMu              sync.Mutex
	sr                *srmanager.Manager
	srEverInitialized bool

	connectedMu sync.Mutex
	connected   map[string]reading.DeviceInfo

	trainerMu sync.Mutex
	trainers  map[string]trainer.Backend
}

// New opens the low-energy adapter (the short-range USB dongle is opened
// lazily) and returns a ready Manager. checker is consulted, advisory-only,
// before every Scan; pass hostcheck.New() for the default implementation.
func New(hub *broadcast.Hub, primaries *primary.Registry, store persistence.Store, checker hostcheck.PrerequisiteChecker) (*Manager, error) {
	le, err := lowenergy.Open(hub)
	if err != nil {
		return nil, fmt.Errorf("devices: open low-energy adapter: %w", err)
	}
	return &Manager{
		lowEnergy: le,
		hub:       hub,
		primaries: primaries,
		store:     store,
		checker:   checker,
		connected: make(map[string]reading.DeviceInfo),
		trainers:  make(map[string]trainer.Backend),
	}, nil
}

// ScanDiagnostics carries the advisory host-readiness snapshot alongside a
// Scan result; a failed or degraded check never blocks the scan itself.
type ScanDiagnostics struct {
	Host      hostcheck.Status
	HostError string
}

func (m *Manager) ensureShortRange(ctx context.Context) (*srmanager.Manager, error) {
	m.srMu.Lock()
	defer m.srMu.Unlock()
	if m.sr != nil {
		return m.sr, nil
	}
	driver, err := usb.Open()
	if err != nil {
		return nil, fmt.Errorf("open short-range usb dongle: %w", err)
	}
	mgr := srmanager.New(driver, m.primaries.Snapshot, m.hub)
	if err := mgr.Start(ctx); err != nil {
		return nil, fmt.Errorf("start short-range manager: %w", err)
	}
	m.sr = mgr
	m.srEverInitialized = true
	return mgr, nil
}

// withShortRange ensures the short-range manager is open and runs fn
// against it, recovering from any panic raised inside fn.
func (m *Manager) withShortRange(ctx context.Context, fn func(*srmanager.Manager) error) (err error) {
	mgr, openErr := m.ensureShortRange(ctx)
	if openErr != nil {
		return openErr
	}
	defer func() {
		if r := recover(); r != nil {
			// The manager is deliberately kept in place rather than lost
			// on panic; see DESIGN.md on the take/return simplification.
			log.Printf("devices: recovered panic during short-range operation: %v", r)
			err = fmt.Errorf("short-range operation panicked: %v", r)
		}
	}()
	return fn(mgr)
}

// Scan seeds from the known-device store, runs the low-energy and
// short-range scans concurrently, merges the results, annotates
// short-range entries from the metadata store, assigns cross-transport
// group ids, persists the union, and returns it.
func (m *Manager) Scan(ctx context.Context) (map[string]reading.DeviceInfo, ScanDiagnostics, error) {
	diag := m.checkPrerequisites(ctx)

	known, err := m.store.ListKnownDevices(ctx)
	if err != nil {
		return nil, diag, errs.Wrapf(errs.PersistenceError, "list known devices: %w", err)
	}

	// Seeded entries haven't appeared in this scan; in-range and status are
	// re-derived below from the live results and the connected set.
	union := make(map[string]reading.DeviceInfo, len(known))
	for _, d := range known {
		d.InRange = false
		d.Status = reading.Disconnected
		union[d.ID] = d
	}

	var leResult, srResult map[string]reading.DeviceInfo
	var leErr, srErr error

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		leResult, leErr = m.lowEnergy.Scan(ctx)
	}()
	go func() {
		defer wg.Done()
		srErr = m.withShortRange(ctx, func(mgr *srmanager.Manager) error {
			var e error
			srResult, e = mgr.Scan(ctx)
			return e
		})
	}()
	wg.Wait()

	if leErr != nil {
		log.Printf("devices: low-energy scan error: %v", leErr)
	}
	if srErr != nil {
		log.Printf("devices: short-range scan error: %v", srErr)
	}

	// The low-energy scan already reports only this-scan + still-connected
	// peripherals; the short-range result carries prior scans' discoveries
	// too, with InRange computed against this scan's window.
	for id, d := range leResult {
		union[id] = d
	}
	for id, d := range srResult {
		union[id] = d
	}

	m.connectedMu.Lock()
	for id, d := range m.connected {
		d.InRange = true
		union[id] = d
	}
	m.connectedMu.Unlock()

	m.srMu.Lock()
	sr := m.sr
	m.srMu.Unlock()
	if sr != nil {
		for id, d := range union {
			if !isShortRange(id) {
				continue
			}
			if meta, ok := sr.Metadata(id); ok {
				annotateFromMetadata(&d, meta)
				union[id] = d
			}
		}
	}

	list := make([]reading.DeviceInfo, 0, len(union))
	for _, d := range union {
		list = append(list, d)
	}
	groups := dedup.Match(list)
	for i := range list {
		if gid, ok := groups[list[i].ID]; ok {
			g := gid
			list[i].DeviceGroup = &g
			union[list[i].ID] = list[i]
		}
	}

	if err := m.store.UpsertKnownDevicesBatch(ctx, list); err != nil {
		log.Printf("devices: persist scan results: %v", err)
	}

	return union, diag, nil
}

// checkPrerequisites consults the host readiness checker, advisory-only: a
// failed or degraded check is logged and attached to ScanDiagnostics rather
// than aborting the scan that called it.
func (m *Manager) checkPrerequisites(ctx context.Context) ScanDiagnostics {
	if m.checker == nil {
		return ScanDiagnostics{}
	}
	status, err := m.checker.Check(ctx)
	if err != nil {
		log.Printf("devices: host prerequisite check failed (scan proceeding anyway): %v", err)
		return ScanDiagnostics{HostError: err.Error()}
	}
	if !status.AllMet {
		log.Printf("devices: host prerequisites not fully met (scan proceeding anyway): %+v", status)
	}
	return ScanDiagnostics{Host: status}
}

// annotateFromMetadata fills in manufacturer/model/serial/battery fields on
// d from the short-range metadata store, only where d itself has none.
func annotateFromMetadata(d *reading.DeviceInfo, meta srmanager.Metadata) {
	if d.Manufacturer == nil && meta.ManufacturerID != nil {
		s := fmt.Sprintf("ant-mfr-%d", *meta.ManufacturerID)
		d.Manufacturer = &s
	}
	if d.ModelNumber == nil && meta.ModelNumber != nil {
		s := fmt.Sprintf("%d", *meta.ModelNumber)
		d.ModelNumber = &s
	}
	if d.SerialNumber == nil && meta.SerialNumber != nil {
		s := fmt.Sprintf("%d", *meta.SerialNumber)
		d.SerialNumber = &s
	}
	if d.BatteryLevel == nil && meta.BatteryLevel != nil {
		d.BatteryLevel = meta.BatteryLevel
	}
}

// Connect brings up a device on whichever transport its id names.
func (m *Manager) Connect(ctx context.Context, id string) (reading.DeviceInfo, error) {
	var info reading.DeviceInfo
	var err error
	var kind errs.Kind
	if isShortRange(id) {
		info, err = m.connectShortRange(ctx, id)
		kind = errs.ShortRangeError
	} else {
		info, err = m.connectLowEnergy(ctx, id)
		kind = errs.LowEnergyError
	}
	if err != nil {
		if errors.Is(err, lowenergy.ErrNotFound) || errors.Is(err, srmanager.ErrNotDiscovered) {
			return reading.DeviceInfo{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, err)
		}
		return reading.DeviceInfo{}, errs.Wrap(kind, err)
	}

	m.connectedMu.Lock()
	m.connected[id] = info
	m.connectedMu.Unlock()

	m.primaries.SetIfEmpty(info.DeviceType, id)
	return info, nil
}

func (m *Manager) connectLowEnergy(ctx context.Context, id string) (reading.DeviceInfo, error) {
	profile, dt, err := m.lowEnergy.Connect(ctx, id)
	if err != nil {
		return reading.DeviceInfo{}, fmt.Errorf("low-energy connect %s: %w", id, err)
	}
	cln, _ := m.lowEnergy.Client(id)

	info := reading.DeviceInfo{ID: id, DeviceType: dt, Status: reading.Connected, Transport: reading.LowEnergy, InRange: true}
	if mfr, model, serial := m.lowEnergy.ReadDeviceInformation(profile, cln); mfr != nil || model != nil || serial != nil {
		info.Manufacturer, info.ModelNumber, info.SerialNumber = mfr, model, serial
	}
	if batt, ok := m.lowEnergy.ReadBatteryLevel(profile, cln); ok {
		info.BatteryLevel = &batt
	}

	if dt == reading.FitnessTrainer {
		if cp, err := lowenergy.FindControlPoint(profile); err == nil {
			m.trainerMu.Lock()
			m.trainers[id] = trainer.NewControlPointBackend(cln, cp)
			m.trainerMu.Unlock()
		} else {
			log.Printf("devices: trainer %s has no control point characteristic: %v", id, err)
		}
	}

	if err := m.lowEnergy.Listen(id, dt, profile, cln); err != nil {
		m.trainerMu.Lock()
		delete(m.trainers, id)
		m.trainerMu.Unlock()
		_ = m.lowEnergy.Disconnect(id)
		return reading.DeviceInfo{}, fmt.Errorf("low-energy listen %s: %w", id, err)
	}
	return info, nil
}

func (m *Manager) connectShortRange(ctx context.Context, id string) (reading.DeviceInfo, error) {
	var info reading.DeviceInfo
	err := m.withShortRange(ctx, func(mgr *srmanager.Manager) error {
		needsScan := true
		// A device is only "discovered" once Scan has run on this manager
		// instance; Connect itself reports the miss, so try once, scan on
		// failure, then retry.
		var connErr error
		info, connErr = mgr.Connect(ctx, id)
		if connErr == nil {
			needsScan = false
		}
		if needsScan {
			if _, scanErr := mgr.Scan(ctx); scanErr != nil {
				return fmt.Errorf("scan before connect: %w", scanErr)
			}
			info, connErr = mgr.Connect(ctx, id)
		}
		if connErr != nil {
			return fmt.Errorf("short-range connect %s: %w", id, connErr)
		}

		if info.DeviceType == reading.FitnessTrainer {
			if channel, ok := mgr.ChannelFor(id); ok {
				m.trainerMu.Lock()
				m.trainers[id] = trainer.NewAcknowledgedDataBackend(mgr, channel)
				m.trainerMu.Unlock()
			}
		}
		return nil
	})
	if err != nil {
		return reading.DeviceInfo{}, err
	}
	return info, nil
}

// Disconnect tears down a device regardless of transport.
func (m *Manager) Disconnect(ctx context.Context, id string) error {
	m.trainerMu.Lock()
	delete(m.trainers, id)
	m.trainerMu.Unlock()

	m.connectedMu.Lock()
	delete(m.connected, id)
	m.connectedMu.Unlock()

	m.primaries.ClearDevice(id)

	if isShortRange(id) {
		return m.withShortRange(ctx, func(mgr *srmanager.Manager) error {
			return mgr.Disconnect(ctx, id)
		})
	}
	return m.lowEnergy.Disconnect(id)
}

// Connected returns a snapshot of the currently connected devices.
func (m *Manager) Connected() map[string]reading.DeviceInfo {
	m.connectedMu.Lock()
	defer m.connectedMu.Unlock()
	out := make(map[string]reading.DeviceInfo, len(m.connected))
	for k, v := range m.connected {
		out[k] = v
	}
	return out
}

// Trainer returns the trainer command backend for a connected device, if
// it is a fitness trainer.
func (m *Manager) Trainer(id string) (trainer.Backend, bool) {
	m.trainerMu.Lock()
	defer m.trainerMu.Unlock()
	b, ok := m.trainers[id]
	return b, ok
}

// --- watchdog.Connector ---

// ReadingCounts returns the number of readings each transport has
// published on the broadcast since startup, surfaced by the metrics IPC
// endpoint.
func (m *Manager) ReadingCounts() (lowEnergy, shortRange int64) {
	lowEnergy = m.lowEnergy.ReadingCount()
	m.srMu.Lock()
	sr := m.sr
	m.srMu.Unlock()
	if sr != nil {
		shortRange = sr.ReadingCount()
	}
	return lowEnergy, shortRange
}

// ShortRangeEverInitialized reports whether the USB dongle has been opened
// at least once this process; the health surface uses it to distinguish
// "never plugged in" from "lost and awaiting re-initialization".
func (m *Manager) ShortRangeEverInitialized() bool {
	m.srMu.Lock()
	defer m.srMu.Unlock()
	return m.srEverInitialized
}

// IsLowEnergyConnected reports whether the low-energy adapter still
// considers id connected.
func (m *Manager) IsLowEnergyConnected(id string) bool {
	return m.lowEnergy.IsConnected(id)
}

// ShortRangeLastSeen reports elapsed time since id's last received page.
func (m *Manager) ShortRangeLastSeen(id string) (time.Duration, bool) {
	m.srMu.Lock()
	sr := m.sr
	m.srMu.Unlock()
	if sr == nil {
		return 0, false
	}
	return sr.LastSeen(id)
}

// ConnectedIDs returns every currently connected device id.
func (m *Manager) ConnectedIDs() []string {
	m.connectedMu.Lock()
	defer m.connectedMu.Unlock()
	out := make([]string, 0, len(m.connected))
	for id := range m.connected {
		out = append(out, id)
	}
	return out
}

// Device returns the connected-map snapshot of a device, if connected.
func (m *Manager) Device(id string) (reading.DeviceInfo, bool) {
	m.connectedMu.Lock()
	defer m.connectedMu.Unlock()
	d, ok := m.connected[id]
	return d, ok
}

// Drop performs the watchdog's cleanup-on-drop: remove from connected,
// drop any trainer backend, abort any listener, clear primary entries.
func (m *Manager) Drop(id string) {
	m.trainerMu.Lock()
	delete(m.trainers, id)
	m.trainerMu.Unlock()

	m.connectedMu.Lock()
	delete(m.connected, id)
	m.connectedMu.Unlock()

	m.primaries.ClearDevice(id)

	if !isShortRange(id) {
		_ = m.lowEnergy.Disconnect(id)
	}
}

// SetPrimaryIfEmpty re-adopts a reconnected device as primary for its type
// if that slot is currently empty.
func (m *Manager) SetPrimaryIfEmpty(dt reading.DeviceType, id string) {
	m.primaries.SetIfEmpty(dt, id)
}

// Close disconnects every connected low-energy device and closes the
// short-range manager (its channels and USB handle). The low-energy adapter
// itself is not closed. Called once, during process shutdown.
func (m *Manager) Close() error {
	for _, id := range m.ConnectedIDs() {
		if isShortRange(id) {
			continue
		}
		_ = m.lowEnergy.Disconnect(id)
	}

	m.srMu.Lock()
	sr := m.sr
	m.sr = nil
	m.srMu.Unlock()
	if sr == nil {
		return nil
	}
	return sr.Close()
}
