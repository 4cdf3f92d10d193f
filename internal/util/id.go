package util

import (
	"strings"

	"github.com/google/uuid"
)

func NewID() string {
	return uuid.NewString()
}

// IsUUID accepts canonical RFC 4122 ids of versions 1 through 5.
func IsUUID(value string) bool {
	if len(value) != 36 {
		return false
	}
	id, err := uuid.Parse(value)
	if err != nil {
		return false
	}
	if id.Variant() != uuid.RFC4122 {
		return false
	}
	version := id.Version()
	return version >= 1 && version <= 5
}

// SanitizeFilename keeps a client supplied name usable as the last segment of
// an object key.
func SanitizeFilename(name string) string {
	name = strings.TrimSpace(name)
	name = strings.NewReplacer("/", "_", "\\", "_").Replace(name)
	if name == "" || name == "." || name == ".." {
		return "file"
	}
	if len(name) > 180 {
		name = name[len(name)-180:]
	}
	return name
}
