// Package persistence declares the storage collaborator the rest of the
// system depends on. Production storage lives outside this module; a
// minimal in-memory adapter is provided in the memstore subpackage so the
// system is runnable and testable on its own.
package persistence

import (
	"context"
	"regexp"

	"telemetryd/internal/errs"
	"telemetryd/internal/reading"
)

var sessionIDPattern = regexp.MustCompile(`^[0-9a-fA-F-]+$`)

// ValidateSessionID rejects any id containing a character outside
// [0-9a-fA-F-], and the empty string, before it reaches storage.
func ValidateSessionID(id string) error {
	if id == "" || !sessionIDPattern.MatchString(id) {
		return errs.Wrapf(errs.SessionError, "invalid session id: %q", id)
	}
	return nil
}

// Store is the storage collaborator required by the device manager and
// the session/reading pipeline.
type Store interface {
	// ListKnownDevices returns every known device ordered by last-seen
	// descending.
	ListKnownDevices(ctx context.Context) ([]reading.DeviceInfo, error)

	// UpsertKnownDevicesBatch writes the given devices in a single
	// transaction. Nullable fields on an existing record are never
	// clobbered by a nil field on the incoming record (COALESCE
	// semantics); only non-nil incoming values overwrite.
	UpsertKnownDevicesBatch(ctx context.Context, devices []reading.DeviceInfo) error

	// ClearDeviceGroup clears the cross-transport group id for a device.
	ClearDeviceGroup(ctx context.Context, id string) error

	// LoadSensorReadings returns every reading recorded for a session,
	// tolerating records persisted before PedalBalance existed.
	LoadSensorReadings(ctx context.Context, sessionID string) ([]reading.Reading, error)

	// RecordSensorReadings appends readings to a session's history. Not
	// part of spec.md's named operations, but needed for
	// LoadSensorReadings to have anything to load in tests.
	RecordSensorReadings(ctx context.Context, sessionID string, readings []reading.Reading) error
}
