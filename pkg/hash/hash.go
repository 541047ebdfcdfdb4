package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// Digest returns the hex SHA-256 of a patch
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Short returns the first 8 characters of a digest, for logs
func Short(digest string) string {
	if len(digest) < 8 {
		return digest
	}
	return digest[:8]
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// TempFilename generates the filename of an edit session's temporary patch.
// Pure-Data receives the name as a single atom, so it must not contain
// spaces, semicolons or commas.
func TempFilename(name string, data []byte, extension string) string {
	if !strings.HasPrefix(extension, ".") {
		extension = "." + extension
	}
	base := unsafeChars.ReplaceAllString(name, "_")
	if base == "" {
		base = "include"
	}
	return base + "-" + Short(Digest(data)) + extension
}
