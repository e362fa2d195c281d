package shard

import (
	"golang.org/x/sys/unix"

	"github.com/nkrause/shardb/internal/shardberr"
)

// SpacePolicy is the free-space gate a shard must clear before it is
// mounted: a minimum absolute byte floor and an optional minimum percentage
// of the filesystem's total capacity. FallbackPath, when set, is tried once
// if the shard's own mount path fails the check (or fails to stat at all),
// so a single cramped or unreachable mount doesn't refuse the shard outright
// when a configured overflow location has room for it. Check is nil when no
// policy is configured (always passes).
type SpacePolicy struct {
	MinBytes     uint64
	MinPercent   float64
	FallbackPath string
	Check        func(path string) error
}

// NewSpacePolicy builds a SpacePolicy enforcing minBytes of absolute free
// space and, when minPercent > 0, that percentage of the filesystem's total
// capacity as well. fallbackPath may be empty, in which case a mount that
// fails the check simply fails.
func NewSpacePolicy(minBytes uint64, minPercent float64, fallbackPath string) SpacePolicy {
	p := SpacePolicy{MinBytes: minBytes, MinPercent: minPercent, FallbackPath: fallbackPath}
	p.Check = func(path string) error {
		return checkFreeSpace(path, minBytes, minPercent)
	}
	return p
}

func checkFreeSpace(path string, minBytes uint64, minPercent float64) error {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return shardberr.Wrap(shardberr.CodeFatal, "shard: statfs failed", err)
	}
	available := st.Bavail * uint64(st.Bsize)
	if available < minBytes {
		return shardberr.New(shardberr.CodeCapacity, "shard: below minimum free byte floor")
	}
	if minPercent > 0 {
		total := st.Blocks * uint64(st.Frsize)
		required := uint64(float64(total) * minPercent / 100)
		if available < required {
			return shardberr.New(shardberr.CodeCapacity, "shard: below minimum free percentage")
		}
	}
	return nil
}
