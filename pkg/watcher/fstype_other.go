//go:build !linux

package watcher

// Statfs magic probing is Linux-only. Other platforms assume a local
// filesystem; CW_FORCE_POLLING remains available when fsnotify
// misbehaves there.
func detectFilesystemType(path string) FilesystemType {
	return FSTypeLocal
}
