// Package hwinfo collects the coarse endpoint inventory sent with agent
// registration. Collection is best-effort: a probe failure leaves its
// fields zero rather than failing registration.
package hwinfo

import (
	"fmt"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/servidesk/servidesk/internal/protocol"
)

// Collect gathers hostname, OS string and a hardware summary.
func Collect() (hostname, osString string, hw protocol.HardwareSummary) {
	hw.Architecture = runtime.GOARCH

	if info, err := host.Info(); err == nil {
		hostname = info.Hostname
		osString = fmt.Sprintf("%s %s", normalizeOSType(info.OS), info.PlatformVersion)
		hw.Platform = info.Platform
	} else {
		hostname, _ = os.Hostname()
		osString = runtime.GOOS
	}

	if infos, err := cpu.Info(); err == nil && len(infos) > 0 {
		hw.CPUModel = infos[0].ModelName
	}
	if counts, err := cpu.Counts(true); err == nil {
		hw.CPUCores = counts
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		hw.MemoryMB = vm.Total / (1024 * 1024)
	}
	return hostname, osString, hw
}

func normalizeOSType(osType string) string {
	if osType == "darwin" {
		return "macos"
	}
	return osType
}
