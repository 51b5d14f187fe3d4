// Package primary holds the shared primary-sensor map and the ingress task
// that filters the unified reading broadcast against it.
package primary

import (
	"sync"

	"telemetryd/internal/broadcast"
	"telemetryd/internal/reading"
)

// Registry is a small shared DeviceType -> device id map, safe for
// concurrent use by the device manager (auto-set on connect, clear on
// disconnect) and the IPC layer (explicit UI set).
type Registry struct {
	mu    sync.RWMutex
	value reading.PrimaryMap
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{value: make(reading.PrimaryMap)}
}

// Snapshot returns a copy suitable for reading.IsDominated.
func (r *Registry) Snapshot() reading.PrimaryMap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(reading.PrimaryMap, len(r.value))
	for k, v := range r.value {
		out[k] = v
	}
	return out
}

// SetIfEmpty sets the primary for a device type only if none is set yet,
// used for auto-set on first connect.
func (r *Registry) SetIfEmpty(dt reading.DeviceType, deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.value[dt]; !ok {
		r.value[dt] = deviceID
	}
}

// Set explicitly assigns the primary for a device type, overriding any
// existing value, used by the UI.
func (r *Registry) Set(dt reading.DeviceType, deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.value[dt] = deviceID
}

// ClearDevice removes every primary entry whose value equals id, used on
// disconnect.
func (r *Registry) ClearDevice(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for dt, v := range r.value {
		if v == id {
			delete(r.value, dt)
		}
	}
}

// Get returns the current primary for a type, if any.
func (r *Registry) Get(dt reading.DeviceType) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.value[dt]
	return v, ok
}

// Ingress subscribes once to the reading broadcast and forwards every
// non-dominated reading to a sink (the session metrics engine and the UI
// in the full system; here, any consumer that wants the filtered stream).
type Ingress struct {
	registry *Registry
	hub      *broadcast.Hub
	sub      *broadcast.Subscription
	sink     func(reading.Reading)

	stop chan struct{}
	done chan struct{}
}

// NewIngress wires an ingress task to a hub and registry; readings that
// survive the dominance check are handed to sink.
func NewIngress(hub *broadcast.Hub, registry *Registry, sink func(reading.Reading)) *Ingress {
	return &Ingress{hub: hub, registry: registry, sink: sink, stop: make(chan struct{}), done: make(chan struct{})}
}

// Start subscribes to the hub and runs the filter loop until Stop is called.
func (ig *Ingress) Start() {
	ig.sub = ig.hub.Subscribe()
	go ig.loop()
}

func (ig *Ingress) loop() {
	defer close(ig.done)
	for {
		select {
		case <-ig.stop:
			ig.sub.Close()
			return
		case r, ok := <-ig.sub.C():
			if !ok {
				return
			}
			if reading.IsDominated(ig.registry.Snapshot(), r) {
				continue
			}
			ig.sink(r)
		}
	}
}

// Stop unsubscribes and waits for the loop goroutine to exit.
func (ig *Ingress) Stop() {
	close(ig.stop)
	<-ig.done
}
