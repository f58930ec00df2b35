package watcher

// FilesystemType classifies the filesystem backing a watched path.
// The classification is best-effort and only used to decide whether
// fsnotify can be trusted.
type FilesystemType int

const (
	FSTypeUnknown FilesystemType = iota
	FSTypeLocal
	FSTypeNFS
	FSTypeSMB
	FSTypeSSHFS
	FSTypeFUSE
)

// String returns a human-readable name for the filesystem type.
func (t FilesystemType) String() string {
	switch t {
	case FSTypeLocal:
		return "local"
	case FSTypeNFS:
		return "nfs"
	case FSTypeSMB:
		return "smb"
	case FSTypeSSHFS:
		return "sshfs"
	case FSTypeFUSE:
		return "fuse"
	default:
		return "unknown"
	}
}

// detectFilesystemTypeFunc is indirected so tests can substitute a
// deterministic probe.
var detectFilesystemTypeFunc = detectFilesystemType

// DetectFilesystemType reports the filesystem type backing path. If the
// path does not exist yet the probe falls back to its parent directory.
// An empty path or a failed probe yields FSTypeUnknown.
func DetectFilesystemType(path string) FilesystemType {
	if path == "" {
		return FSTypeUnknown
	}
	return detectFilesystemTypeFunc(path)
}

// isRemoteFilesystem reports whether inotify-style watching is known to
// be unreliable on the given filesystem. Network and userspace
// filesystems frequently drop or delay events, so polling is safer.
func isRemoteFilesystem(t FilesystemType) bool {
	switch t {
	case FSTypeNFS, FSTypeSMB, FSTypeSSHFS, FSTypeFUSE:
		return true
	default:
		return false
	}
}
