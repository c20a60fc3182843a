//go:build !windows

package hosts

import (
	"os"
	"syscall"
)

// preserveOwner chmod/chowns tmpPath to match existing's owning uid/gid,
// if existing exists. A brand-new hosts file keeps the process's default
// owner.
func preserveOwner(existing, tmpPath string) error {
	info, err := os.Stat(existing)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return nil
	}
	return os.Chown(tmpPath, int(stat.Uid), int(stat.Gid))
}
