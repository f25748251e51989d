package syncer

import (
	"sort"

	"mapsync/models"
)

// Diff compares the local cache with a peer's listing. A path is uploaded
// when it is missing remotely or its digest differs, and deleted when only
// the peer has it. Both slices are sorted.
func Diff(local, remote map[string]models.FileInfo) (uploads, deletes []string) {
	for path, info := range local {
		theirs, ok := remote[path]
		if !ok || theirs.Hash != info.Hash {
			uploads = append(uploads, path)
		}
	}
	for path := range remote {
		if _, ok := local[path]; !ok {
			deletes = append(deletes, path)
		}
	}
	sort.Strings(uploads)
	sort.Strings(deletes)
	return uploads, deletes
}
