package reading

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsDominatedNoPrimarySet(t *testing.T) {
	r := Reading{Kind: KindPower, DeviceID: "ant:11:1"}
	assert.False(t, IsDominated(PrimaryMap{}, r))
}

func TestIsDominatedMatchesPrimary(t *testing.T) {
	r := Reading{Kind: KindPower, DeviceID: "ant:11:1"}
	primaries := PrimaryMap{Power: "ant:11:1"}
	assert.False(t, IsDominated(primaries, r))
}

func TestIsDominatedDropsNonPrimary(t *testing.T) {
	r := Reading{Kind: KindPower, DeviceID: "ant:11:2"}
	primaries := PrimaryMap{Power: "ant:11:1"}
	assert.True(t, IsDominated(primaries, r))
}

func TestIsDominatedTrainerCommandNeverDominated(t *testing.T) {
	r := Reading{Kind: KindTrainerCommand, DeviceID: ""}
	primaries := PrimaryMap{Power: "ant:11:1"}
	assert.False(t, IsDominated(primaries, r))
}

// TestIsDominatedInvariant checks the property from the spec directly:
// IsDominated(P, r) implies r.DeviceID != "" and P[r.DeviceType] != r.DeviceID.
func TestIsDominatedInvariant(t *testing.T) {
	cases := []struct {
		name      string
		primaries PrimaryMap
		r         Reading
	}{
		{"power dominated", PrimaryMap{Power: "a"}, Reading{Kind: KindPower, DeviceID: "b"}},
		{"hr dominated", PrimaryMap{HeartRate: "hr-1"}, Reading{Kind: KindHeartRate, DeviceID: "hr-2"}},
		{"cadence dominated", PrimaryMap{CadenceSpeed: "c-1"}, Reading{Kind: KindCadence, DeviceID: "c-2"}},
		{"no primary", PrimaryMap{}, Reading{Kind: KindPower, DeviceID: "b"}},
		{"empty device id", PrimaryMap{Power: "a"}, Reading{Kind: KindPower, DeviceID: ""}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			dominated := IsDominated(c.primaries, c.r)
			if dominated {
				assert.NotEqual(t, "", c.r.DeviceID)
				dt, ok := kindDeviceType(c.r.Kind)
				assert.True(t, ok)
				assert.NotEqual(t, c.r.DeviceID, c.primaries[dt])
			}
		})
	}
}
