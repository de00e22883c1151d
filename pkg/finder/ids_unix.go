//go:build unix

package finder

import (
	"io/fs"
	"path/filepath"
	"syscall"

	"github.com/cespare/xxhash/v2"
)

// recordNumbers derives a record identity from the inode so that
// hard-linked names share one FRN, mirroring MFT semantics.
func recordNumbers(path string, info fs.FileInfo) (FRN, FRN) {
	frn := FRN(xxhash.Sum64String(path))
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		frn = FRN(st.Ino)
	}
	parent := FRN(xxhash.Sum64String(filepath.Dir(path)))
	return frn, parent
}
