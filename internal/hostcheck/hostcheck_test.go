package hostcheck

import (
	"context"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildFixScript_CoversEveryMissingPiece(t *testing.T) {
	st := Status{
		UdevRuleInstalled:      false,
		BluezInstalled:         false,
		BluetoothServiceActive: false,
	}
	script := buildFixScript(st, "/usr/share/telemetryd/99-ant-usb.rules", "apt-get")

	assert.Contains(t, script, "cp '/usr/share/telemetryd/99-ant-usb.rules' '/etc/udev/rules.d/99-ant-usb.rules'")
	assert.Contains(t, script, "udevadm control --reload-rules")
	assert.Contains(t, script, "apt-get install -y bluez")
	assert.Contains(t, script, "systemctl enable --now bluetooth")
}

func TestBuildFixScript_OmitsAlreadyMetChecks(t *testing.T) {
	st := Status{
		UdevRuleInstalled:      true,
		BluezInstalled:         true,
		BluetoothServiceActive: false,
	}
	script := buildFixScript(st, "/src/rules", "dnf")

	assert.NotContains(t, script, "cp ")
	assert.NotContains(t, script, "dnf install")
	assert.Contains(t, script, "systemctl enable --now bluetooth")
}

func TestBuildFixScript_EmptyWhenAllMet(t *testing.T) {
	st := Status{UdevRuleInstalled: true, BluezInstalled: true, BluetoothServiceActive: true}
	script := buildFixScript(st, "/src/rules", "apt-get")
	assert.Empty(t, script)
}

func TestShellQuote_EscapesSingleQuotes(t *testing.T) {
	got := shellQuote("it's a path")
	assert.Equal(t, `'it'\''s a path'`, got)
}

func TestCheck_NeverBlocksPastTimeout(t *testing.T) {
	c := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	st, err := c.Check(ctx)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Less(t, elapsed, 2*time.Second)
	_ = st.AllMet
}

func TestPackageManagerFixCommands_AreNonEmptyForKnownManagers(t *testing.T) {
	for _, pm := range []string{"apt-get", "dnf", "pacman"} {
		assert.NotEmpty(t, installBluezCommand(pm), pm)
	}
	assert.Empty(t, installBluezCommand("unknown"))
}

func TestFix_WithoutPkexec_ReturnsManualInstructions(t *testing.T) {
	if _, err := exec.LookPath("pkexec"); err == nil {
		t.Skip("pkexec present on this host; manual-instructions path not exercised")
	}
	c := New()
	res, err := c.Fix(context.Background(), "/src/rules")
	require.NoError(t, err)
	if !res.Success {
		assert.True(t, strings.Contains(res.Message, "pkexec not available") || strings.Contains(res.Message, "already met") || strings.Contains(res.Message, "nothing to fix"))
	}
}
