// Package volume discovers mounted filesystems.
package volume

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/shirou/gopsutil/v4/disk"
)

// Volume is one mounted filesystem.
type Volume struct {
	Device     string
	MountPoint string
	FSType     string
}

// Lister enumerates mounted volumes.
type Lister interface {
	Volumes(ctx context.Context) ([]Volume, error)
}

// PartitionLister lists volumes through gopsutil.
type PartitionLister struct{}

// Volumes returns every physical (non-pseudo) mount.
func (PartitionLister) Volumes(ctx context.Context) ([]Volume, error) {
	parts, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("failed to list partitions: %w", err)
	}
	out := make([]Volume, 0, len(parts))
	for _, p := range parts {
		out = append(out, Volume{Device: p.Device, MountPoint: p.Mountpoint, FSType: p.Fstype})
	}
	return out, nil
}

// realFSTypes are the filesystems worth indexing in "everything" mode.
var realFSTypes = map[string]bool{
	"ext2": true, "ext3": true, "ext4": true, "xfs": true, "btrfs": true,
	"zfs": true, "f2fs": true, "ntfs": true, "ntfs3": true, "vfat": true,
	"exfat": true, "fuseblk": true, "apfs": true, "hfs": true,
}

// systemMounts never hold user files.
var systemMounts = []string{"/proc", "/sys", "/dev", "/run"}

// ntfsTypes are the fstypes a raw master file table can be read from.
var ntfsTypes = map[string]bool{"ntfs": true, "ntfs3": true, "fuseblk": true}

// MountRoots returns the mount points of real filesystems, skipping system
// mounts, sorted and deduplicated.
func MountRoots(ctx context.Context, l Lister) ([]string, error) {
	vols, err := l.Volumes(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var roots []string
	for _, v := range vols {
		if !realFSTypes[strings.ToLower(v.FSType)] || isSystemMount(v.MountPoint) || seen[v.MountPoint] {
			continue
		}
		seen[v.MountPoint] = true
		roots = append(roots, v.MountPoint)
	}
	sort.Strings(roots)
	return roots, nil
}

// NTFS returns mounted NTFS volumes backed by a block device.
func NTFS(ctx context.Context, l Lister) ([]Volume, error) {
	vols, err := l.Volumes(ctx)
	if err != nil {
		return nil, err
	}
	var out []Volume
	for _, v := range vols {
		if ntfsTypes[strings.ToLower(v.FSType)] && strings.HasPrefix(v.Device, "/dev/") {
			out = append(out, v)
		}
	}
	return out, nil
}

// CollapseRoots drops duplicate roots and roots that lie beneath another
// root, so no directory is walked twice. Survivors keep their order.
func CollapseRoots(roots []string) []string {
	out := make([]string, 0, len(roots))
	for i, r := range roots {
		covered := false
		for j, other := range roots {
			if i == j {
				continue
			}
			nr, no := rootKey(r), rootKey(other)
			if (nr == no && j < i) || (nr != no && Covers(other, r)) {
				covered = true
				break
			}
		}
		if !covered {
			out = append(out, r)
		}
	}
	return out
}

// Covers reports whether p equals root or lies beneath it. Both separators
// are accepted.
func Covers(root, p string) bool {
	nr, np := rootKey(root), rootKey(p)
	if nr == np {
		return true
	}
	if strings.HasSuffix(nr, "/") {
		return strings.HasPrefix(np, nr)
	}
	return strings.HasPrefix(np, nr+"/")
}

// rootKey normalizes separators and trailing slashes; "/" and "C:/" keep
// theirs.
func rootKey(p string) string {
	p = strings.ReplaceAll(p, `\`, "/")
	trimmed := strings.TrimRight(p, "/")
	if trimmed == "" || strings.HasSuffix(trimmed, ":") {
		return trimmed + "/"
	}
	return trimmed
}

func isSystemMount(mount string) bool {
	for _, m := range systemMounts {
		if mount == m || strings.HasPrefix(mount, m+"/") {
			return true
		}
	}
	return false
}

// StaticLister returns a fixed volume list.
type StaticLister []Volume

// Volumes implements Lister.
func (s StaticLister) Volumes(context.Context) ([]Volume, error) {
	return s, nil
}
