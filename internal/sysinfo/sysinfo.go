package sysinfo

import (
	"fmt"
	"runtime"
	"sort"
	"strings"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/net"
)

// Version is the client version reported with every submission.
var Version = "dev"

// Collect gathers host details of the analyzing client. It is attached to job
// submissions and printed by `mscope info`. dataDir, when set, adds the free
// space of the disk holding captures.
func Collect(dataDir string) (map[string]interface{}, error) {
	data := map[string]interface{}{
		"app_version": Version,
		"go_version":  runtime.Version(),
		"os":          runtime.GOOS,
		"arch":        runtime.GOARCH,
	}

	if hInfo, err := host.Info(); err == nil {
		data["hostname"] = hInfo.Hostname
		data["platform"] = hInfo.Platform
		data["platform_version"] = hInfo.PlatformVersion
		data["kernel_version"] = hInfo.KernelVersion
	}

	if cInfos, err := cpu.Info(); err == nil && len(cInfos) > 0 {
		data["cpu_model"] = cInfos[0].ModelName
		data["cpu_cores"] = len(cInfos)
	}

	if mInfo, err := mem.VirtualMemory(); err == nil {
		data["total_ram_mb"] = mInfo.Total / 1024 / 1024
	}

	if dataDir != "" {
		if u, err := disk.Usage(dataDir); err == nil {
			data["disk_free_mb"] = u.Free / 1024 / 1024
			data["disk_used_percent"] = fmt.Sprintf("%.1f", u.UsedPercent)
		}
	}

	if ifaces, err := net.Interfaces(); err == nil {
		for _, iface := range ifaces {
			if isLoopback(iface.Flags) || iface.HardwareAddr == "" {
				continue
			}
			data["mac_address"] = iface.HardwareAddr
			for _, addr := range iface.Addrs {
				if strings.Contains(addr.Addr, ".") {
					data["ip_address"] = addr.Addr
					break
				}
			}
			if _, ok := data["ip_address"]; ok {
				break
			}
		}
	}

	return data, nil
}

func isLoopback(flags []string) bool {
	for _, f := range flags {
		if f == "loopback" {
			return true
		}
	}
	return false
}

// Format renders data as sorted "key: value" lines.
func Format(data map[string]interface{}) string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%-18s %v\n", k+":", data[k])
	}
	return b.String()
}
