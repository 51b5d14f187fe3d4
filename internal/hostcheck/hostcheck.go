// Package hostcheck implements the host-environment readiness collaborator
// the distillation into spec.md dropped: whether the short-range USB
// stick's udev rule is installed, whether BlueZ and the bluetooth system
// service are present, and a best-effort elevation path to fix what's
// missing. It is advisory only: a failed or degraded check never blocks a
// scan; it is surfaced to the UI so the operator can invoke Fix.
package hostcheck

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	psutilcpu "github.com/shirou/gopsutil/v3/cpu"
	psutilmem "github.com/shirou/gopsutil/v3/mem"
)

const checkTimeout = 500 * time.Millisecond

const udevRulesPath = "/etc/udev/rules.d/99-ant-usb.rules"

// knownVendorProductIDs mirrors the short-range USB driver's accepted
// (vendor_id, product_id) pairs, duplicated here only as "vvvv:pppp" hex strings
// the udev rule text is grepped for; this package does not import the
// usb package to avoid pulling libusb into a host-only check.
var knownVendorProductIDs = []string{"0fcf:1008", "0fcf:1009", "0fcf:1004"}

// HostResource is a point-in-time CPU/memory snapshot.
type HostResource struct {
	CPUPercent        float64 `json:"cpu_percent"`
	MemAvailableBytes uint64  `json:"mem_available_bytes"`
	MemUsedPercent    float64 `json:"mem_used_percent"`
}

// Status is the outcome of a readiness check.
type Status struct {
	UdevRuleInstalled      bool         `json:"udev_rule_installed"`
	BluezInstalled         bool         `json:"bluez_installed"`
	BluetoothServiceActive bool         `json:"bluetooth_service_active"`
	PkexecAvailable        bool         `json:"pkexec_available"`
	AllMet                 bool         `json:"all_met"`
	Host                   HostResource `json:"host"`
}

// FixResult is the outcome of an elevation attempt.
type FixResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// PrerequisiteChecker is the interface the unified device manager and the
// IPC surface depend on.
type PrerequisiteChecker interface {
	Check(ctx context.Context) (Status, error)
	Fix(ctx context.Context, udevRulesSourcePath string) (FixResult, error)
}

// Checker is the default PrerequisiteChecker, backed by os/exec probes and
// gopsutil.
type Checker struct{}

// New returns the default host prerequisite checker.
func New() *Checker { return &Checker{} }

// Check never blocks longer than checkTimeout, so a slow gopsutil syscall
// or a hung subprocess can never stall a caller waiting to scan.
func (c *Checker) Check(ctx context.Context) (Status, error) {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	st := Status{
		UdevRuleInstalled:      udevRuleInstalled(),
		BluezInstalled:         commandSucceeds(ctx, "bluetoothctl", "--version"),
		BluetoothServiceActive: systemdUnitActive(ctx, "bluetooth"),
		PkexecAvailable:        binaryOnPath("pkexec"),
	}
	st.AllMet = st.UdevRuleInstalled && st.BluezInstalled && st.BluetoothServiceActive

	st.Host = hostResource()
	return st, nil
}

func hostResource() HostResource {
	var res HostResource
	if pct, err := psutilcpu.Percent(0, false); err == nil && len(pct) > 0 {
		res.CPUPercent = pct[0]
	}
	if mem, err := psutilmem.VirtualMemory(); err == nil {
		res.MemAvailableBytes = mem.Available
		res.MemUsedPercent = mem.UsedPercent
	}
	return res
}

func udevRuleInstalled() bool {
	data, err := os.ReadFile(udevRulesPath)
	if err != nil {
		return false
	}
	text := string(data)
	for _, pair := range knownVendorProductIDs {
		parts := strings.SplitN(pair, ":", 2)
		if strings.Contains(text, parts[0]) && strings.Contains(text, parts[1]) {
			return true
		}
	}
	return false
}

func commandSucceeds(ctx context.Context, name string, args ...string) bool {
	return exec.CommandContext(ctx, name, args...).Run() == nil
}

func systemdUnitActive(ctx context.Context, unit string) bool {
	out, err := exec.CommandContext(ctx, "systemctl", "is-active", unit).CombinedOutput()
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(out)) == "active"
}

func binaryOnPath(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

// packageManager probes for the first present package manager, in the
// order the fix script tries them.
func packageManager() string {
	for _, pm := range []string{"apt-get", "dnf", "pacman"} {
		if binaryOnPath(pm) {
			return pm
		}
	}
	return ""
}

func installBluezCommand(pm string) string {
	switch pm {
	case "apt-get":
		return "apt-get install -y bluez"
	case "dnf":
		return "dnf install -y bluez"
	case "pacman":
		return "pacman -S --noconfirm bluez bluez-utils"
	default:
		return ""
	}
}

// buildFixScript constructs the single idempotent shell script Fix runs
// through pkexec. It is a pure function of st and the detected package
// manager so it can be unit-tested without invoking pkexec.
func buildFixScript(st Status, udevRulesSourcePath, pm string) string {
	var lines []string
	if !st.UdevRuleInstalled {
		lines = append(lines,
			fmt.Sprintf("cp %s %s", shellQuote(udevRulesSourcePath), shellQuote(udevRulesPath)),
			"udevadm control --reload-rules",
			"udevadm trigger",
		)
	}
	if !st.BluezInstalled {
		if cmd := installBluezCommand(pm); cmd != "" {
			lines = append(lines, cmd)
		}
	}
	if !st.BluetoothServiceActive {
		lines = append(lines, "systemctl enable --now bluetooth")
	}
	return strings.Join(lines, " && ")
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Fix mirrors the original's elevation flow: build one idempotent script
// covering whatever is missing and run it once through pkexec. When pkexec
// is unavailable it returns a message listing the manual commands instead.
func (c *Checker) Fix(ctx context.Context, udevRulesSourcePath string) (FixResult, error) {
	st, err := c.Check(ctx)
	if err != nil {
		return FixResult{}, err
	}
	if st.AllMet {
		return FixResult{Success: true, Message: "all prerequisites already met"}, nil
	}

	if !binaryOnPath("pkexec") {
		pm := packageManager()
		manual := []string{
			fmt.Sprintf("sudo cp %s %s && sudo udevadm control --reload-rules && sudo udevadm trigger", filepath.Clean(udevRulesSourcePath), udevRulesPath),
			"sudo " + installBluezCommand(pm),
			"sudo systemctl enable --now bluetooth",
		}
		return FixResult{Success: false, Message: "pkexec not available; run manually: " + strings.Join(manual, "; ")}, nil
	}

	script := buildFixScript(st, udevRulesSourcePath, packageManager())
	if script == "" {
		return FixResult{Success: true, Message: "nothing to fix"}, nil
	}

	cmd := exec.CommandContext(ctx, "pkexec", "/bin/bash", "-c", script)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return FixResult{Success: false, Message: fmt.Sprintf("fix script failed: %v: %s", err, string(out))}, nil
	}
	return FixResult{Success: true, Message: "prerequisites installed"}, nil
}
