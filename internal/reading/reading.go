// Package reading holds the unified sensor reading model shared by both
// radio transports and the components that consume the reading broadcast.
package reading

// DeviceType identifies the family of sensor a reading or device belongs to.
type DeviceType int

const (
	HeartRate DeviceType = iota
	Power
	CadenceSpeed
	FitnessTrainer
)

func (t DeviceType) String() string {
	switch t {
	case HeartRate:
		return "heart_rate"
	case Power:
		return "power"
	case CadenceSpeed:
		return "cadence_speed"
	case FitnessTrainer:
		return "fitness_trainer"
	default:
		return "unknown"
	}
}

// Transport identifies which radio produced a device or reading.
type Transport int

const (
	LowEnergy Transport = iota
	ShortRange
)

func (t Transport) String() string {
	if t == LowEnergy {
		return "low_energy"
	}
	return "short_range"
}

// TrainerCommandSource names who originated a TrainerCommand observation.
type TrainerCommandSource int

const (
	SourceZoneControl TrainerCommandSource = iota
	SourceManual
)

// Kind tags the variant carried by a Reading.
type Kind int

const (
	KindPower Kind = iota
	KindHeartRate
	KindCadence
	KindSpeed
	KindTrainerCommand
)

// Reading is a tagged, immutable record produced by a decoder and broadcast
// to every subscriber. Only the fields relevant to Kind are populated.
type Reading struct {
	Kind        Kind   `json:"kind"`
	DeviceID    string `json:"device_id,omitempty"`
	TimestampMs int64  `json:"timestamp_ms"`

	// Power
	Watts        int32  `json:"watts,omitempty"`
	PedalBalance *uint8 `json:"pedal_balance,omitempty"`

	// HeartRate
	BPM uint8 `json:"bpm,omitempty"`

	// Cadence / Speed
	RPM float64 `json:"rpm,omitempty"`
	KMH float64 `json:"kmh,omitempty"`

	// TrainerCommand
	TargetWatts int16                `json:"target_watts,omitempty"`
	Source      TrainerCommandSource `json:"source,omitempty"`
}

// DeviceStatus is the connection lifecycle state of a known or discovered
// device.
type DeviceStatus int

const (
	Disconnected DeviceStatus = iota
	Connecting
	Connected
	Reconnecting
)

func (s DeviceStatus) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// DeviceInfo is the transport-agnostic view of a device exposed to the UI
// and persisted to the known-device store.
type DeviceInfo struct {
	ID             string       `json:"id"`
	Name           *string      `json:"name,omitempty"`
	DeviceType     DeviceType   `json:"device_type"`
	Status         DeviceStatus `json:"status"`
	Transport      Transport    `json:"transport"`
	RSSI           *int16       `json:"rssi,omitempty"`
	BatteryLevel   *uint8       `json:"battery_level,omitempty"`
	LastSeen       *int64       `json:"last_seen,omitempty"`
	Manufacturer   *string      `json:"manufacturer,omitempty"`
	ModelNumber    *string      `json:"model_number,omitempty"`
	SerialNumber   *string      `json:"serial_number,omitempty"`
	DeviceGroup    *string      `json:"device_group,omitempty"`
	InRange        bool         `json:"in_range"`
}

// DeviceDetails is the superset of DeviceInfo returned for a single device,
// including firmware/hardware revisions and, for low-energy devices, the
// discovered GATT services/characteristics tree.
type DeviceDetails struct {
	DeviceInfo
	FirmwareRevision *string             `json:"firmware_revision,omitempty"`
	HardwareRevision *string             `json:"hardware_revision,omitempty"`
	SoftwareRevision *string             `json:"software_revision,omitempty"`
	Services         map[string][]string `json:"services,omitempty"`
}

// PrimaryMap maps a DeviceType to the single device id whose readings are
// authoritative for that type.
type PrimaryMap map[DeviceType]string

// IsDominated reports whether r should be dropped at ingress because a
// primary device is set for its type and r did not come from it.
// TrainerCommand readings carry no device id and are never dominated.
func IsDominated(primaries PrimaryMap, r Reading) bool {
	if r.Kind == KindTrainerCommand || r.DeviceID == "" {
		return false
	}
	dt, ok := kindDeviceType(r.Kind)
	if !ok {
		return false
	}
	primary, set := primaries[dt]
	if !set {
		return false
	}
	return primary != r.DeviceID
}

func kindDeviceType(k Kind) (DeviceType, bool) {
	switch k {
	case KindPower:
		return Power, true
	case KindHeartRate:
		return HeartRate, true
	case KindCadence, KindSpeed:
		return CadenceSpeed, true
	default:
		return 0, false
	}
}
