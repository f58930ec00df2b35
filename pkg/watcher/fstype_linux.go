//go:build linux

package watcher

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// Filesystem magic numbers from linux/magic.h.
const (
	nfsSuperMagic  = 0x6969
	smbSuperMagic  = 0x517b
	cifsSuperMagic = 0xff534d42
	smb2SuperMagic = 0xfe534d42
	fuseSuperMagic = 0x65735546
)

func detectFilesystemType(path string) FilesystemType {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		// The file may not exist yet; the parent directory lives on
		// the same filesystem.
		if err := unix.Statfs(filepath.Dir(path), &st); err != nil {
			return FSTypeUnknown
		}
	}

	switch uint32(st.Type) {
	case nfsSuperMagic:
		return FSTypeNFS
	case smbSuperMagic, cifsSuperMagic, smb2SuperMagic:
		return FSTypeSMB
	case fuseSuperMagic:
		if isSSHFSMount(path) {
			return FSTypeSSHFS
		}
		return FSTypeFUSE
	default:
		return FSTypeLocal
	}
}

// isSSHFSMount scans /proc/self/mounts for the longest fuse mount
// covering path and reports whether it is an sshfs mount. The statfs
// magic alone cannot tell sshfs apart from other FUSE filesystems.
func isSSHFSMount(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}

	f, err := os.Open("/proc/self/mounts")
	if err != nil {
		return false
	}
	defer f.Close()

	bestLen := -1
	bestType := ""
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 3 {
			continue
		}
		mount, fsType := fields[1], fields[2]
		if !strings.HasPrefix(fsType, "fuse") {
			continue
		}
		if abs != mount && !strings.HasPrefix(abs, strings.TrimSuffix(mount, "/")+"/") {
			continue
		}
		if len(mount) > bestLen {
			bestLen = len(mount)
			bestType = fsType
		}
	}
	return strings.Contains(bestType, "sshfs")
}
