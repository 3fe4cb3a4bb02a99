package systeminfo

import (
	"context"
	"runtime"

	"storagejanitor/catalog"
	"storagejanitor/logger"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
)

type HostInfo struct {
	Hostname        string `json:"hostname"`
	OS              string `json:"os"`
	Platform        string `json:"platform,omitempty"`
	PlatformVersion string `json:"platform_version,omitempty"`
	UptimeSeconds   uint64 `json:"uptime_seconds,omitempty"`
	NumCPU          int    `json:"num_cpu"`
}

var usageFn = disk.UsageWithContext

// DiskUsage reports the filesystem usage of each root. Roots whose usage
// cannot be read are logged and left out.
func DiskUsage(ctx context.Context, roots []string) []catalog.DiskUsage {
	out := make([]catalog.DiskUsage, 0, len(roots))
	for _, root := range roots {
		stat, err := usageFn(ctx, root)
		if err != nil {
			logger.Warnf("Failed to read disk usage for %s: %v", root, err)
			continue
		}
		out = append(out, catalog.DiskUsage{
			Root:        root,
			Fstype:      stat.Fstype,
			Total:       stat.Total,
			Used:        stat.Used,
			Free:        stat.Free,
			UsedPercent: stat.UsedPercent,
		})
	}
	return out
}

func GetHostInfo(ctx context.Context) HostInfo {
	info := HostInfo{OS: runtime.GOOS, NumCPU: runtime.NumCPU()}
	stat, err := host.InfoWithContext(ctx)
	if err != nil {
		logger.Warnf("Failed to gather host info: %v", err)
		return info
	}
	info.Hostname = stat.Hostname
	info.Platform = stat.Platform
	info.PlatformVersion = stat.PlatformVersion
	info.UptimeSeconds = stat.Uptime
	return info
}
