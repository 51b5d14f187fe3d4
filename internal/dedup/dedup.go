// Package dedup groups devices that are the same physical unit seen over
// both transports, assigning each matched pair a deterministic group id.
package dedup

import (
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"telemetryd/internal/reading"
	"telemetryd/internal/shortrange/manager"
)

// groupNamespace is a fixed, OID-like namespace UUID under which every
// group id is derived; it has no meaning beyond giving NewSHA1 a stable
// seed distinct from any other namespaced UUID this process might mint.
var groupNamespace = uuid.MustParse("6f5c9a8e-6b0a-4d62-9b59-8f0e2a3b7c10")

// GroupID returns the deterministic 128-bit namespaced hash for a matched
// pair, computed over the sorted "id_a:id_b"; order of the arguments does
// not affect the result.
func GroupID(idA, idB string) string {
	ids := []string{idA, idB}
	sort.Strings(ids)
	name := strings.Join(ids, ":")
	return uuid.NewSHA1(groupNamespace, []byte(name)).String()
}

func manufacturersAgree(a, b *string) bool {
	if a == nil || b == nil {
		return true
	}
	an, bn := strings.ToLower(*a), strings.ToLower(*b)
	return an == bn || strings.HasPrefix(an, bn) || strings.HasPrefix(bn, an)
}

func serialMatch(a, b reading.DeviceInfo) bool {
	if a.SerialNumber == nil || b.SerialNumber == nil {
		return false
	}
	sa, sb := *a.SerialNumber, *b.SerialNumber
	if sa == "" || sa == "0" || sb == "" || sb == "0" {
		return false
	}
	if sa != sb {
		return false
	}
	return manufacturersAgree(a.Manufacturer, b.Manufacturer)
}

func nameNumberMatch(lowEnergy, shortRange reading.DeviceInfo) bool {
	number, ok := manager.ParseDeviceNumber(shortRange.ID)
	if !ok || lowEnergy.Name == nil {
		return false
	}
	numStr := strconv.FormatUint(uint64(number), 10)
	if !strings.Contains(*lowEnergy.Name, numStr) {
		return false
	}
	return manufacturersAgree(lowEnergy.Manufacturer, shortRange.Manufacturer)
}

// Match groups devices across transports. It returns a mapping from device
// id to group id for every device that was matched; unmatched devices are
// absent from the result.
func Match(devices []reading.DeviceInfo) map[string]string {
	groups := make(map[string]string)
	grouped := make(map[string]bool)

	var lowEnergy, shortRange []reading.DeviceInfo
	for _, d := range devices {
		if d.Transport == reading.LowEnergy {
			lowEnergy = append(lowEnergy, d)
		} else {
			shortRange = append(shortRange, d)
		}
	}

	for _, le := range lowEnergy {
		if grouped[le.ID] {
			continue
		}
		for _, sr := range shortRange {
			if grouped[sr.ID] || sr.DeviceType != le.DeviceType {
				continue
			}
			if serialMatch(le, sr) || nameNumberMatch(le, sr) {
				gid := GroupID(le.ID, sr.ID)
				groups[le.ID] = gid
				groups[sr.ID] = gid
				grouped[le.ID] = true
				grouped[sr.ID] = true
				break
			}
		}
	}
	return groups
}
