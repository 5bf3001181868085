package scheduler

import (
	"context"

	"github.com/shirou/gopsutil/v4/disk"
)

// FreeSpaceFunc reports free bytes on the volume holding path
type FreeSpaceFunc func(ctx context.Context, path string) (uint64, error)

// DiskFree reads free space with gopsutil
func DiskFree(ctx context.Context, path string) (uint64, error) {
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}
