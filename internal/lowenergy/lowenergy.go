// Package lowenergy implements the low-energy (Bluetooth LE style) adapter
// lifecycle: scan, classify, connect with service discovery, and the
// notification listener, on top of a kernel-managed GATT central.
package lowenergy

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/currantlabs/ble"
	"github.com/currantlabs/ble/linux"

	"telemetryd/internal/broadcast"
	"telemetryd/internal/reading"
)

// ErrNotFound is returned by Connect when id is neither already discovered
// nor found after a rescan.
var ErrNotFound = errors.New("low-energy device not found")

// Standard 16-bit GATT service/characteristic short UUIDs this adapter
// understands.
var (
	svcDeviceInformation = ble.UUID16(0x180A)
	svcHeartRate         = ble.UUID16(0x180D)
	svcBattery           = ble.UUID16(0x180F)
	svcCSC               = ble.UUID16(0x1816)
	svcCyclingPower      = ble.UUID16(0x1818)
	svcFitnessMachine    = ble.UUID16(0x1826)

	chrBatteryLevel     = ble.UUID16(0x2A19)
	chrHRMeasurement    = ble.UUID16(0x2A37)
	chrCSCMeasurement   = ble.UUID16(0x2A5B)
	chrCPMeasurement    = ble.UUID16(0x2A63)
	chrIndoorBikeData   = ble.UUID16(0x2AD2)
	chrFTMSControlPt    = ble.UUID16(0x2AD9)
	chrManufacturerName = ble.UUID16(0x2A29)
	chrModelNumber      = ble.UUID16(0x2A24)
	chrSerialNumber     = ble.UUID16(0x2A25)
)

const (
	scanDuration         = 3 * time.Second
	rescanDuration       = 4 * time.Second
	wheelCircumferenceMM = 2105
)

// classification ranks each service by priority; the first matching entry
// wins.
var classification = []struct {
	svc ble.UUID
	typ reading.DeviceType
}{
	{svcFitnessMachine, reading.FitnessTrainer},
	{svcCyclingPower, reading.Power},
	{svcHeartRate, reading.HeartRate},
	{svcCSC, reading.CadenceSpeed},
}

type discoveredPeripheral struct {
	info ble.Advertisement
	dt   reading.DeviceType
}

// Adapter owns the low-energy central device and its discovered/connected
// tables.
type Adapter struct {
	device   *linux.Device
	hub      *broadcast.Hub
	readings atomic.Int64

	mu          sync.Mutex
	discovered  map[string]discoveredPeripheral
	connected   map[string]ble.Client
	cancelFuncs map[string]context.CancelFunc

	cscMu       sync.Mutex
	cscDecoders map[string]*cscDecoderState
}

// Open obtains the first low-energy adapter from the host OS.
func Open(hub *broadcast.Hub) (*Adapter, error) {
	d, err := linux.NewDevice()
	if err != nil {
		return nil, fmt.Errorf("open low-energy adapter: %w", err)
	}
	ble.SetDefaultDevice(d)
	return &Adapter{
		device:      d,
		hub:         hub,
		discovered:  make(map[string]discoveredPeripheral),
		connected:   make(map[string]ble.Client),
		cancelFuncs: make(map[string]context.CancelFunc),
		cscDecoders: make(map[string]*cscDecoderState),
	}, nil
}

func (a *Adapter) cscStateFor(id string) *cscDecoderState {
	a.cscMu.Lock()
	defer a.cscMu.Unlock()
	s, ok := a.cscDecoders[id]
	if !ok {
		s = &cscDecoderState{}
		a.cscDecoders[id] = s
	}
	return s
}

func classify(adv ble.Advertisement) (reading.DeviceType, bool) {
	services := adv.Services()
	for _, c := range classification {
		for _, s := range services {
			if s.Equal(c.svc) {
				return c.typ, true
			}
		}
	}
	return 0, false
}

// Scan runs a 3s unfiltered scan, classifies every advertised peripheral by
// its advertised services, and rebuilds the discovered set; still-
// connected devices are retained regardless of whether they re-advertise.
func (a *Adapter) Scan(ctx context.Context) (map[string]reading.DeviceInfo, error) {
	return a.scanFor(ctx, scanDuration)
}

// rescan re-runs the scan with the longer 4s window the cached-peripheral
// recovery paths in Connect use, distinct from the normal 3s Scan.
func (a *Adapter) rescan(ctx context.Context) (map[string]reading.DeviceInfo, error) {
	return a.scanFor(ctx, rescanDuration)
}

func (a *Adapter) scanFor(ctx context.Context, duration time.Duration) (map[string]reading.DeviceInfo, error) {
	fresh := make(map[string]discoveredPeripheral)
	var mu sync.Mutex

	scanCtx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	err := ble.Scan(ble.WithSigHandler(scanCtx, cancel), true, func(adv ble.Advertisement) {
		dt, ok := classify(adv)
		if !ok {
			return
		}
		mu.Lock()
		fresh[adv.Address().String()] = discoveredPeripheral{info: adv, dt: dt}
		mu.Unlock()
	}, nil)
	if err != nil && scanCtx.Err() == nil {
		return nil, fmt.Errorf("low-energy scan: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for id := range a.connected {
		if _, stillAdvertising := fresh[id]; !stillAdvertising {
			if existing, ok := a.discovered[id]; ok {
				fresh[id] = existing
			}
		}
	}
	a.discovered = fresh

	out := make(map[string]reading.DeviceInfo, len(fresh))
	for id, p := range fresh {
		name := p.info.LocalName()
		_, isConnected := a.connected[id]
		info := reading.DeviceInfo{
			ID:         id,
			DeviceType: p.dt,
			Status:     reading.Disconnected,
			Transport:  reading.LowEnergy,
			InRange:    true,
		}
		if name != "" {
			info.Name = &name
		}
		if isConnected {
			info.Status = reading.Connected
		}
		rssi := int16(p.info.RSSI())
		info.RSSI = &rssi
		out[id] = info
	}
	return out, nil
}

// Connect locates the peripheral (rescanning once if the adapter's cache
// has evicted it), connects, discovers its GATT profile, classifies by the
// post-discovery services (falling back to the advertisement), and recovers
// once from a stale-handle failure. Battery level is read separately, by
// ReadBatteryLevel.
func (a *Adapter) Connect(ctx context.Context, id string) (*ble.Profile, reading.DeviceType, error) {
	a.mu.Lock()
	_, known := a.discovered[id]
	a.mu.Unlock()
	if !known {
		if _, err := a.rescan(ctx); err != nil {
			return nil, 0, err
		}
		a.mu.Lock()
		_, known = a.discovered[id]
		a.mu.Unlock()
		if !known {
			return nil, 0, fmt.Errorf("%w: %s (after rescan)", ErrNotFound, id)
		}
	}

	profile, dt, err := a.connectAndDiscover(ctx, id)
	if err != nil {
		if isStaleHandle(err) {
			a.mu.Lock()
			delete(a.discovered, id)
			a.mu.Unlock()
			if _, scanErr := a.rescan(ctx); scanErr != nil {
				return nil, 0, scanErr
			}
			return a.connectAndDiscover(ctx, id)
		}
		return nil, 0, err
	}
	return profile, dt, nil
}

func isStaleHandle(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "doesn't exist") || strings.Contains(msg, "does not exist")
}

func (a *Adapter) connectAndDiscover(ctx context.Context, id string) (*ble.Profile, reading.DeviceType, error) {
	cln, err := ble.Dial(ctx, ble.NewAddr(id))
	if err != nil {
		return nil, 0, fmt.Errorf("low-energy dial %s: %w", id, err)
	}

	profile, err := cln.DiscoverProfile(true)
	if err != nil {
		_ = cln.CancelConnection()
		return nil, 0, fmt.Errorf("low-energy discover profile %s: %w", id, err)
	}

	dt, ok := classifyFromProfile(profile)
	if !ok {
		a.mu.Lock()
		dp, known := a.discovered[id]
		a.mu.Unlock()
		if known {
			dt = dp.dt
		} else {
			_ = cln.CancelConnection()
			return nil, 0, fmt.Errorf("low-energy device %s advertises no recognized service", id)
		}
	}

	a.mu.Lock()
	a.connected[id] = cln
	a.mu.Unlock()

	return profile, dt, nil
}

func classifyFromProfile(profile *ble.Profile) (reading.DeviceType, bool) {
	for _, svc := range profile.Services {
		for _, c := range classification {
			if svc.UUID.Equal(c.svc) {
				return c.typ, true
			}
		}
	}
	return 0, false
}

// Client returns the connected GATT client for id, if still connected.
func (a *Adapter) Client(id string) (ble.Client, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cln, ok := a.connected[id]
	return cln, ok
}

// ReadDeviceInformation reads manufacturer/model/serial from the Device
// Information Service, best-effort: any field whose characteristic is
// absent or unreadable is left nil.
func (a *Adapter) ReadDeviceInformation(profile *ble.Profile, cln ble.Client) (manufacturer, model, serial *string) {
	for _, svc := range profile.Services {
		if !svc.UUID.Equal(svcDeviceInformation) {
			continue
		}
		for _, c := range svc.Characteristics {
			switch {
			case c.UUID.Equal(chrManufacturerName):
				if v, err := cln.ReadCharacteristic(c); err == nil && len(v) > 0 {
					s := string(v)
					manufacturer = &s
				}
			case c.UUID.Equal(chrModelNumber):
				if v, err := cln.ReadCharacteristic(c); err == nil && len(v) > 0 {
					s := string(v)
					model = &s
				}
			case c.UUID.Equal(chrSerialNumber):
				if v, err := cln.ReadCharacteristic(c); err == nil && len(v) > 0 {
					s := string(v)
					serial = &s
				}
			}
		}
	}
	return manufacturer, model, serial
}

// FindControlPoint locates the Fitness Machine Control Point characteristic
// on an already-discovered trainer profile.
func FindControlPoint(profile *ble.Profile) (*ble.Characteristic, error) {
	for _, svc := range profile.Services {
		for _, c := range svc.Characteristics {
			if c.UUID.Equal(chrFTMSControlPt) {
				return c, nil
			}
		}
	}
	return nil, fmt.Errorf("fitness machine control point characteristic not found")
}

// ReadBatteryLevel reads the Battery Level characteristic if present.
func (a *Adapter) ReadBatteryLevel(profile *ble.Profile, cln ble.Client) (uint8, bool) {
	for _, svc := range profile.Services {
		if !svc.UUID.Equal(svcBattery) {
			continue
		}
		for _, c := range svc.Characteristics {
			if !c.UUID.Equal(chrBatteryLevel) {
				continue
			}
			v, err := cln.ReadCharacteristic(c)
			if err != nil || len(v) == 0 {
				return 0, false
			}
			return v[0], true
		}
	}
	return 0, false
}

// ReadingCount returns the number of readings this adapter has published
// on the broadcast since startup.
func (a *Adapter) ReadingCount() int64 { return a.readings.Load() }

// IsConnected queries whether the adapter still considers id connected.
func (a *Adapter) IsConnected(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.connected[id]
	return ok
}

// Disconnect tears down the peripheral connection and forgets it.
func (a *Adapter) Disconnect(id string) error {
	a.mu.Lock()
	cln, ok := a.connected[id]
	if cancel, hasCancel := a.cancelFuncs[id]; hasCancel {
		cancel()
		delete(a.cancelFuncs, id)
	}
	delete(a.connected, id)
	a.mu.Unlock()
	if !ok {
		return nil
	}
	return cln.CancelConnection()
}

// Listen subscribes to the characteristic set appropriate for dt and
// decodes every notification into a Reading published on the hub. The
// subscription lives until Disconnect cancels it, deliberately not tied
// to the caller's context, which for a connect request ends with the
// request.
func (a *Adapter) Listen(id string, dt reading.DeviceType, profile *ble.Profile, cln ble.Client) error {
	listenCtx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.cancelFuncs[id] = cancel
	a.mu.Unlock()

	handler := func(req []byte) {
		for _, r := range a.decodeNotification(id, dt, req) {
			if a.hub.Publish(r) {
				a.readings.Add(1)
			}
		}
	}

	characteristic, err := findCharacteristic(profile, dt)
	if err != nil {
		cancel()
		return err
	}

	if err := cln.Subscribe(characteristic, false, handler); err != nil {
		cancel()
		return fmt.Errorf("low-energy subscribe %s: %w", id, err)
	}

	go func() {
		<-listenCtx.Done()
		_ = cln.Unsubscribe(characteristic, false)
	}()

	return nil
}

func findCharacteristic(profile *ble.Profile, dt reading.DeviceType) (*ble.Characteristic, error) {
	var want ble.UUID
	switch dt {
	case reading.HeartRate:
		want = chrHRMeasurement
	case reading.Power:
		want = chrCPMeasurement
	case reading.CadenceSpeed:
		want = chrCSCMeasurement
	case reading.FitnessTrainer:
		want = chrIndoorBikeData
	default:
		return nil, fmt.Errorf("no notification characteristic for device type %v", dt)
	}
	for _, svc := range profile.Services {
		for _, c := range svc.Characteristics {
			if c.UUID.Equal(want) {
				return c, nil
			}
		}
	}
	return nil, fmt.Errorf("characteristic %s not found on device profile", want)
}

func (a *Adapter) decodeNotification(id string, dt reading.DeviceType, b []byte) []reading.Reading {
	now := time.Now().UnixMilli()
	switch dt {
	case reading.HeartRate:
		if r, ok := decodeHeartRateMeasurement(id, now, b); ok {
			return []reading.Reading{r}
		}
	case reading.Power:
		if r, ok := decodeCyclingPowerMeasurement(id, now, b); ok {
			return []reading.Reading{r}
		}
	case reading.FitnessTrainer:
		return decodeIndoorBikeData(id, now, b)
	case reading.CadenceSpeed:
		return a.cscStateFor(id).decode(id, now, b)
	default:
		log.Printf("lowenergy: no decoder registered for device type %v", dt)
	}
	return nil
}
