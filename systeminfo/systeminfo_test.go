package systeminfo

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/shirou/gopsutil/v4/disk"

	"storagejanitor/logger"
)

func init() {
	logger.Init("error")
}

func TestDiskUsage(t *testing.T) {
	root := t.TempDir()
	usage := DiskUsage(context.Background(), []string{root})
	if len(usage) != 1 {
		t.Fatalf("expected one usage entry, got %d", len(usage))
	}
	if usage[0].Root != root || usage[0].Total == 0 {
		t.Fatalf("unexpected usage %+v", usage[0])
	}
}

func TestDiskUsageSkipsFailures(t *testing.T) {
	orig := usageFn
	defer func() { usageFn = orig }()
	usageFn = func(ctx context.Context, path string) (*disk.UsageStat, error) {
		if filepath.Base(path) == "bad" {
			return nil, errors.New("no such device")
		}
		return &disk.UsageStat{Path: path, Fstype: "ext4", Total: 100, Used: 40, Free: 60, UsedPercent: 40}, nil
	}
	usage := DiskUsage(context.Background(), []string{"/mnt/good", "/mnt/bad"})
	if len(usage) != 1 || usage[0].Fstype != "ext4" || usage[0].Free != 60 {
		t.Fatalf("unexpected usage %+v", usage)
	}
}

func TestGetHostInfo(t *testing.T) {
	info := GetHostInfo(context.Background())
	if info.OS == "" || info.NumCPU < 1 {
		t.Fatalf("unexpected host info %+v", info)
	}
}
