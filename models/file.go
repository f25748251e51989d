package models

// FileInfo is the size and content digest of one file.
type FileInfo struct {
	Size uint64 `json:"size"`
	Hash string `json:"hash"`
}

// DirectoryEntry describes one regular file below a synced root.
// RelativePath always uses forward slashes.
type DirectoryEntry struct {
	RelativePath string `json:"relative_path"`
	Size         uint64 `json:"size"`
	Hash         string `json:"hash"`
}

// Info returns the entry's size and digest.
func (e DirectoryEntry) Info() FileInfo {
	return FileInfo{Size: e.Size, Hash: e.Hash}
}
