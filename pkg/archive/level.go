package archive

import (
	"fmt"
	"strings"

	"github.com/klauspost/compress/flate"
)

// Level is an archive compression level.
type Level int

const (
	// LevelDefault resolves to LevelNormal.
	LevelDefault Level = iota
	LevelNone
	LevelFastest
	LevelFast
	LevelNormal
	LevelMaximum
	LevelUltra
)

// ParseLevel parses a compression level name, case-insensitively.
// An empty name resolves to LevelDefault; unknown names are an error.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "default":
		return LevelDefault, nil
	case "none":
		return LevelNone, nil
	case "fastest":
		return LevelFastest, nil
	case "fast":
		return LevelFast, nil
	case "normal":
		return LevelNormal, nil
	case "maximum":
		return LevelMaximum, nil
	case "ultra":
		return LevelUltra, nil
	default:
		return LevelDefault, fmt.Errorf("unknown compression level: %q", s)
	}
}

// String returns the level's canonical name.
func (l Level) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelFastest:
		return "fastest"
	case LevelFast:
		return "fast"
	case LevelNormal:
		return "normal"
	case LevelMaximum:
		return "maximum"
	case LevelUltra:
		return "ultra"
	default:
		return "default"
	}
}

// flateLevel maps the archive level to a flate compression level.
func (l Level) flateLevel() int {
	switch l {
	case LevelNone:
		return flate.NoCompression
	case LevelFastest:
		return flate.BestSpeed
	case LevelFast:
		return 3
	case LevelMaximum, LevelUltra:
		return flate.BestCompression
	default:
		return flate.DefaultCompression
	}
}
