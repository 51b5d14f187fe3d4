// Package manager implements the short-range radio manager: the router
// thread, channel allocation, scan, connect/disconnect, the metadata store
// and the last-seen table. It owns the one USB handle for the dongle.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"telemetryd/internal/broadcast"
	"telemetryd/internal/reading"
	"telemetryd/internal/shortrange/decode"
	"telemetryd/internal/shortrange/protocol"
	"telemetryd/internal/shortrange/usb"
	"telemetryd/internal/shortrange/wire"
)

// ErrNotDiscovered is returned by Connect for a device id that Scan has
// never reported.
var ErrNotDiscovered = errors.New("short-range device not discovered")

const (
	totalChannels    = 8
	reservedChannels = 5 // len(protocol.Profiles)
	scanWindow       = 4 * time.Second
	listenerTimeout  = 200 * time.Millisecond
	maxUSBBackoffMs  = 1000
	maxUSBErrors     = 10
	responseQueueCap = 256
)

// Metadata is the accumulated Common-Data-Page metadata for one device.
// It is created on first metadata page and never destroyed while the
// process lives.
type Metadata struct {
	ManufacturerID *uint16
	ModelNumber    *uint16
	HWRevision     *uint8
	SWRevision     *string
	SerialNumber   *uint32
	BatteryLevel   *uint8
	BatteryVoltage *float64
}

func (m *Metadata) apply(u decode.MetadataUpdate) {
	if u.ManufacturerID != nil {
		m.ManufacturerID = u.ManufacturerID
	}
	if u.ModelNumber != nil {
		m.ModelNumber = u.ModelNumber
	}
	if u.HWRevision != nil {
		m.HWRevision = u.HWRevision
	}
	if u.SWRevision != nil {
		m.SWRevision = u.SWRevision
	}
	if u.SerialNumber != nil {
		m.SerialNumber = u.SerialNumber
	}
	if u.BatteryLevel != nil {
		m.BatteryLevel = u.BatteryLevel
	}
	if u.BatteryVoltage != nil {
		m.BatteryVoltage = u.BatteryVoltage
	}
}

// PrimarySnapshot returns a read-only copy of the current primary map; the
// manager's listeners consult it as a throughput optimization before
// publishing to the broadcast.
type PrimarySnapshot func() reading.PrimaryMap

type channelSlot struct {
	profile      protocol.Profile
	deviceNumber uint16
	deviceID     string
	pipe         chan decode.Page
	stop         chan struct{}
	done         chan struct{}
}

// Manager owns the dongle, the router thread, the response queue, the
// dispatch table, the metadata store and the last-seen table.
type Manager struct {
	driver *usb.Driver

	primaries PrimarySnapshot
	hub       *broadcast.Hub

	dispatchMu sync.Mutex
	dispatch   map[byte]chan decode.Page

	respMu  sync.Mutex
	respQ   []responseFrame
	respSig chan struct{}

	metaMu sync.Mutex
	meta   map[string]*Metadata

	lastSeen sync.Map // device id -> *int64 (nanos since epoch)
	epoch    time.Time
	readings atomic.Int64

	slotsMu sync.Mutex
	slots   map[byte]*channelSlot // channel number -> slot, only for [reservedChannels, totalChannels)

	discoveredMu sync.Mutex
	discovered   map[string]reading.DeviceInfo

	leftover []byte

	stopRouter chan struct{}
	routerDone chan struct{}
}

type responseFrame struct {
	channel byte
	msgID   byte
	result  byte
}

// New constructs a manager bound to an already-open USB driver.
func New(driver *usb.Driver, primaries PrimarySnapshot, hub *broadcast.Hub) *Manager {
	return &Manager{
		driver:     driver,
		primaries:  primaries,
		hub:        hub,
		dispatch:   make(map[byte]chan decode.Page),
		meta:       make(map[string]*Metadata),
		slots:      make(map[byte]*channelSlot),
		discovered: make(map[string]reading.DeviceInfo),
		epoch:      time.Now(),
		stopRouter: make(chan struct{}),
		routerDone: make(chan struct{}),
	}
}

// Start runs the pre-router initialization (reset, drain, network key) and
// launches the router thread.
func (m *Manager) Start(ctx context.Context) error {
	if err := protocol.Init(ctx, m, m); err != nil {
		return fmt.Errorf("shortrange init: %w", err)
	}
	go m.routerLoop()
	return nil
}

// Stop signals the router loop to exit and waits for it.
func (m *Manager) Stop() {
	close(m.stopRouter)
	<-m.routerDone
}

// Close stops the router and releases the USB handle, sending a
// system-reset frame best-effort and letting the kernel driver reattach
// (spec.md §4.C: "On drop, sends a system-reset frame and reattaches the
// kernel driver").
func (m *Manager) Close() error {
	m.Stop()
	return m.driver.Close(wire.Encode(protocol.MsgSystemReset, []byte{0}))
}

// Send implements protocol.Sender.
func (m *Manager) Send(msgID byte, data []byte) error {
	return m.driver.Send(wire.Encode(msgID, data))
}

func (m *Manager) routerLoop() {
	defer close(m.routerDone)
	consecutiveErrors := 0
	for {
		select {
		case <-m.stopRouter:
			return
		default:
		}

		chunk, err := m.driver.ReceiveAll()
		if err != nil {
			consecutiveErrors++
			if consecutiveErrors >= maxUSBErrors {
				log.Printf("shortrange/manager: aborting router after %d consecutive usb errors: %v", consecutiveErrors, err)
				return
			}
			backoff := time.Duration(consecutiveErrors*100) * time.Millisecond
			if backoff > maxUSBBackoffMs*time.Millisecond {
				backoff = maxUSBBackoffMs * time.Millisecond
			}
			time.Sleep(backoff)
			continue
		}
		consecutiveErrors = 0
		if len(chunk) == 0 {
			continue
		}

		m.leftover = append(m.leftover, chunk...)
		frames, consumed := wire.Decode(m.leftover)
		m.leftover = m.leftover[consumed:]

		for _, f := range frames {
			m.routeFrame(f)
		}
	}
}

func (m *Manager) routeFrame(f wire.Frame) {
	if f.MsgID == protocol.MsgBroadcastData && len(f.Data) >= 9 {
		channel := f.Data[0]
		var page decode.Page
		copy(page[:], f.Data[1:9])

		m.dispatchMu.Lock()
		pipe, ok := m.dispatch[channel]
		m.dispatchMu.Unlock()
		if ok {
			select {
			case pipe <- page:
			default:
				// Dropped: listener is behind, non-blocking send per contract.
			}
		}
		return
	}

	if f.MsgID == protocol.MsgChannelResponse && len(f.Data) >= 3 {
		m.respMu.Lock()
		m.respQ = append(m.respQ, responseFrame{channel: f.Data[0], msgID: f.Data[1], result: f.Data[2]})
		if len(m.respQ) > responseQueueCap {
			m.respQ = m.respQ[len(m.respQ)-responseQueueCap:]
		}
		m.respMu.Unlock()
		return
	}

	if f.MsgID == protocol.MsgChannelID && len(f.Data) >= 5 {
		channel := f.Data[0]
		if channel < reservedChannels {
			deviceNumber := uint16(f.Data[1]) | uint16(f.Data[2])<<8
			deviceTypeID := f.Data[3]
			if profile, ok := profileByTypeID(deviceTypeID); ok {
				m.onChannelID(profile, deviceNumber)
			}
		}
	}
}

func profileByTypeID(typeID byte) (protocol.Profile, bool) {
	for _, p := range protocol.Profiles {
		if p.DeviceTypeID == typeID {
			return p, true
		}
	}
	return protocol.Profile{}, false
}

// WaitChannelResponse implements protocol.ResponseWaiter.
func (m *Manager) WaitChannelResponse(ctx context.Context, channel byte, subMsgID byte) (byte, error) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		m.respMu.Lock()
		for i, r := range m.respQ {
			if (r.channel == channel || channel == 0xFF) && r.msgID == subMsgID {
				m.respQ = append(m.respQ[:i], m.respQ[i+1:]...)
				m.respMu.Unlock()
				return r.result, nil
			}
		}
		m.respMu.Unlock()

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}
	}
}

// WaitChannelClosedEvent implements protocol.ResponseWaiter.
func (m *Manager) WaitChannelClosedEvent(ctx context.Context, channel byte) error {
	_, err := m.WaitChannelResponse(ctx, channel, protocol.EventChannelClosed)
	return err
}

// DrainChannelResponses implements protocol.ResponseWaiter.
func (m *Manager) DrainChannelResponses(channel byte) {
	m.respMu.Lock()
	defer m.respMu.Unlock()
	if channel == 0xFF {
		m.respQ = nil
		return
	}
	kept := m.respQ[:0]
	for _, r := range m.respQ {
		if r.channel != channel {
			kept = append(kept, r)
		}
	}
	m.respQ = kept
}

func deviceID(typeID byte, deviceNumber uint16) string {
	return fmt.Sprintf("ant:%d:%d", typeID, deviceNumber)
}

// ParseDeviceNumber extracts the device number (segment 2) from a
// short-range device id of the form "ant:type:number".
func ParseDeviceNumber(id string) (uint16, bool) {
	parts := strings.Split(id, ":")
	if len(parts) != 3 || parts[0] != "ant" {
		return 0, false
	}
	n, err := strconv.ParseUint(parts[2], 10, 16)
	if err != nil {
		return 0, false
	}
	return uint16(n), true
}

// Scan opens every reserved profile channel with a wildcard device number,
// listens for 4s, requests and harvests CHANNEL_ID responses, and merges
// newly discovered devices into the persistent discovered set.
func (m *Manager) Scan(ctx context.Context) (map[string]reading.DeviceInfo, error) {
	scanStart := time.Now().UnixMilli()

	// Clean residual state on reserved channels, best-effort.
	for ch := byte(0); ch < reservedChannels; ch++ {
		_ = m.Send(protocol.MsgCloseChannel, []byte{ch})
		_ = m.Send(protocol.MsgUnassignChannel, []byte{ch})
	}
	m.DrainChannelResponses(0xFF)

	tempPipes := make(map[byte]chan decode.Page, reservedChannels)
	for i, p := range protocol.Profiles {
		ch := byte(i)
		if err := protocol.OpenScanChannel(ctx, m, m, ch, p); err != nil {
			log.Printf("shortrange/manager: scan open channel %d (%s) failed: %v", ch, p.Name, err)
			continue
		}
		pipe := make(chan decode.Page, 16)
		tempPipes[ch] = pipe
		m.dispatchMu.Lock()
		m.dispatch[ch] = pipe
		m.dispatchMu.Unlock()
	}

	deadline := time.Now().Add(scanWindow)
	requested := make(map[byte]bool)
scanLoop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break scanLoop
		default:
		}
		for ch, pipe := range tempPipes {
			select {
			case <-pipe:
				if !requested[ch] {
					_ = protocol.RequestDeviceID(m, ch)
					requested[ch] = true
				}
			case <-time.After(50 * time.Millisecond):
			}
		}
	}

	for ch := range tempPipes {
		m.dispatchMu.Lock()
		delete(m.dispatch, ch)
		m.dispatchMu.Unlock()
		_ = protocol.CloseChannel(ctx, m, m, ch)
	}

	// Discovered records persist across scans (merge semantics); in-range
	// reflects only this scan's window.
	m.discoveredMu.Lock()
	out := make(map[string]reading.DeviceInfo, len(m.discovered))
	for k, v := range m.discovered {
		v.InRange = v.LastSeen != nil && *v.LastSeen >= scanStart
		out[k] = v
	}
	m.discoveredMu.Unlock()
	return out, nil
}

// onChannelID is invoked by routeFrame when a CHANNEL_ID response names a
// non-zero device number on one of the reserved scan channels; it records
// a discovered device, merging with (not replacing) prior scans.
func (m *Manager) onChannelID(profile protocol.Profile, deviceNumber uint16) {
	if deviceNumber == 0 {
		return
	}
	id := deviceID(profile.DeviceTypeID, deviceNumber)
	m.discoveredMu.Lock()
	defer m.discoveredMu.Unlock()
	now := time.Now().UnixMilli()
	existing, ok := m.discovered[id]
	if !ok {
		existing = reading.DeviceInfo{
			ID:         id,
			DeviceType: profileDeviceType(profile),
			Status:     reading.Disconnected,
			Transport:  reading.ShortRange,
		}
	}
	existing.InRange = true
	existing.LastSeen = &now
	m.discovered[id] = existing
}

func profileDeviceType(p protocol.Profile) reading.DeviceType {
	switch p.Name {
	case protocol.ProfileHeartRate.Name:
		return reading.HeartRate
	case protocol.ProfilePower.Name:
		return reading.Power
	case protocol.ProfileCadence.Name, protocol.ProfileSpeed.Name:
		return reading.CadenceSpeed
	default:
		return reading.FitnessTrainer
	}
}

func freeChannel(slots map[byte]*channelSlot) (byte, bool) {
	for ch := byte(reservedChannels); ch < totalChannels; ch++ {
		if _, taken := slots[ch]; !taken {
			return ch, true
		}
	}
	return 0, false
}

// Connect allocates a free channel, opens it addressed to the given
// previously-discovered device id, registers its pipe and spawns the
// listener goroutine.
func (m *Manager) Connect(ctx context.Context, id string) (reading.DeviceInfo, error) {
	m.discoveredMu.Lock()
	info, ok := m.discovered[id]
	m.discoveredMu.Unlock()
	if !ok {
		return reading.DeviceInfo{}, fmt.Errorf("%w: %s", ErrNotDiscovered, id)
	}

	profile, deviceNumber, ok := profileAndNumberFromID(id)
	if !ok {
		return reading.DeviceInfo{}, fmt.Errorf("malformed short-range device id %q", id)
	}

	m.slotsMu.Lock()
	ch, ok := freeChannel(m.slots)
	if !ok {
		m.slotsMu.Unlock()
		return reading.DeviceInfo{}, fmt.Errorf("no free short-range channel (all %d in use)", totalChannels-reservedChannels)
	}
	pipe := make(chan decode.Page, 16)
	slot := &channelSlot{profile: profile, deviceNumber: deviceNumber, deviceID: id, pipe: pipe, stop: make(chan struct{}), done: make(chan struct{})}
	m.slots[ch] = slot
	m.slotsMu.Unlock()

	if err := protocol.OpenChannel(ctx, m, m, protocol.OpenChannelParams{
		Channel:          ch,
		DeviceNumber:     deviceNumber,
		DeviceTypeID:     profile.DeviceTypeID,
		TransmissionType: 0,
		ChannelPeriod:    profile.ChannelPeriod,
	}); err != nil {
		m.slotsMu.Lock()
		delete(m.slots, ch)
		m.slotsMu.Unlock()
		return reading.DeviceInfo{}, fmt.Errorf("open channel for %s: %w", id, err)
	}

	m.dispatchMu.Lock()
	m.dispatch[ch] = pipe
	m.dispatchMu.Unlock()

	go m.listen(slot)

	info.Status = reading.Connected
	info.InRange = true
	return info, nil
}

// Disconnect signals the listener to stop, removes the dispatch entry, and
// closes the channel.
func (m *Manager) Disconnect(ctx context.Context, id string) error {
	m.slotsMu.Lock()
	var ch byte
	var slot *channelSlot
	for c, s := range m.slots {
		if s.deviceID == id {
			ch, slot = c, s
			break
		}
	}
	if slot == nil {
		m.slotsMu.Unlock()
		return nil
	}
	delete(m.slots, ch)
	m.slotsMu.Unlock()

	close(slot.stop)
	<-slot.done

	m.dispatchMu.Lock()
	delete(m.dispatch, ch)
	m.dispatchMu.Unlock()

	return protocol.CloseChannel(ctx, m, m, ch)
}

// ChannelFor returns the channel number a connected device was assigned,
// if it is currently connected.
func (m *Manager) ChannelFor(id string) (byte, bool) {
	m.slotsMu.Lock()
	defer m.slotsMu.Unlock()
	for ch, slot := range m.slots {
		if slot.deviceID == id {
			return ch, true
		}
	}
	return 0, false
}

func profileAndNumberFromID(id string) (protocol.Profile, uint16, bool) {
	parts := strings.Split(id, ":")
	if len(parts) != 3 || parts[0] != "ant" {
		return protocol.Profile{}, 0, false
	}
	typeID, err := strconv.ParseUint(parts[1], 10, 8)
	if err != nil {
		return protocol.Profile{}, 0, false
	}
	number, err := strconv.ParseUint(parts[2], 10, 16)
	if err != nil {
		return protocol.Profile{}, 0, false
	}
	for _, p := range protocol.Profiles {
		if p.DeviceTypeID == byte(typeID) {
			return p, uint16(number), true
		}
	}
	return protocol.Profile{}, 0, false
}

// listen runs on a blocking worker: it reads from slot.pipe with a 200ms
// timeout, re-checking the stop flag on every timeout (cooperative
// cancellation).
func (m *Manager) listen(slot *channelSlot) {
	defer close(slot.done)

	var powerDecoder decode.PowerDecoder
	cadenceSpeedDecoder := newCadenceOrSpeedDecoder(slot.profile)

	for {
		select {
		case <-slot.stop:
			return
		case page := <-slot.pipe:
			m.recordLastSeen(slot.deviceID)

			if upd, ok := decode.DecodeCommonPage(page); ok {
				m.updateMetadata(slot.deviceID, upd)
				continue
			}

			readings := m.decodePage(slot, page, &powerDecoder, cadenceSpeedDecoder)
			for _, r := range readings {
				if reading.IsDominated(m.primaries(), r) {
					continue
				}
				if !m.hub.Publish(r) {
					return
				}
				m.readings.Add(1)
			}
		case <-time.After(listenerTimeout):
			// re-check stop flag on next loop iteration
		}
	}
}

func newCadenceOrSpeedDecoder(p protocol.Profile) *decode.CadenceSpeedDecoder {
	if p.Name == protocol.ProfileSpeed.Name {
		return decode.NewSpeedDecoder(0)
	}
	return decode.NewCadenceDecoder()
}

func (m *Manager) decodePage(slot *channelSlot, page decode.Page, powerDecoder *decode.PowerDecoder, csDecoder *decode.CadenceSpeedDecoder) []reading.Reading {
	now := time.Now().UnixMilli()
	switch slot.profile.Name {
	case protocol.ProfileHeartRate.Name:
		if r, ok := decode.DecodeHeartRate(slot.deviceID, now, page); ok {
			return []reading.Reading{r}
		}
	case protocol.ProfilePower.Name:
		if page[0] != 0x10 {
			return nil
		}
		if r, ok := powerDecoder.Decode(slot.deviceID, now, page); ok {
			return []reading.Reading{r}
		}
	case protocol.ProfileCadence.Name, protocol.ProfileSpeed.Name:
		if r, ok := csDecoder.Decode(slot.deviceID, now, page); ok {
			return []reading.Reading{r}
		}
	case protocol.ProfileTrainer.Name:
		switch page[0] {
		case 0x10:
			return decode.DecodeTrainerGeneral(slot.deviceID, now, page)
		case 0x19:
			return decode.DecodeTrainerSpecific(slot.deviceID, now, page)
		}
	}
	return nil
}

func (m *Manager) recordLastSeen(id string) {
	nanos := time.Since(m.epoch).Nanoseconds()
	if v, ok := m.lastSeen.Load(id); ok {
		atomic.StoreInt64(v.(*int64), nanos)
		return
	}
	n := new(int64)
	*n = nanos
	actual, _ := m.lastSeen.LoadOrStore(id, n)
	atomic.StoreInt64(actual.(*int64), nanos)
}

// ReadingCount returns the number of readings the channel listeners have
// published on the broadcast since startup.
func (m *Manager) ReadingCount() int64 { return m.readings.Load() }

// LastSeen returns elapsed time since id's last received page, or false if
// no page has ever been received from it.
func (m *Manager) LastSeen(id string) (time.Duration, bool) {
	v, ok := m.lastSeen.Load(id)
	if !ok {
		return 0, false
	}
	nanos := atomic.LoadInt64(v.(*int64))
	return time.Since(m.epoch) - time.Duration(nanos), true
}

func (m *Manager) updateMetadata(id string, upd decode.MetadataUpdate) {
	m.metaMu.Lock()
	defer m.metaMu.Unlock()
	md, ok := m.meta[id]
	if !ok {
		md = &Metadata{}
		m.meta[id] = md
	}
	md.apply(upd)
}

// Metadata returns a copy of the accumulated metadata for id, if any.
func (m *Manager) Metadata(id string) (Metadata, bool) {
	m.metaMu.Lock()
	defer m.metaMu.Unlock()
	md, ok := m.meta[id]
	if !ok {
		return Metadata{}, false
	}
	return *md, true
}
