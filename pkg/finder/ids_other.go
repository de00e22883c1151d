//go:build !unix

package finder

import (
	"io/fs"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
)

// recordNumbers derives a record identity from the path where inode
// metadata is unavailable.
func recordNumbers(path string, info fs.FileInfo) (FRN, FRN) {
	_ = info
	frn := FRN(xxhash.Sum64String(path))
	parent := FRN(xxhash.Sum64String(filepath.Dir(path)))
	return frn, parent
}
