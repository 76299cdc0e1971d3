package diskcache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Key is the canonical cache key: a module reference plus the symcache
// format version it was compiled for (spec.md §3). Two keys with the same
// debug filename/id but different symcache versions are different cache
// entries, so a builder version bump invalidates old blobs lazily instead
// of requiring a migration.
type Key struct {
	DebugFilename string
	DebugID       string
	Version       uint32
}

// String returns the stable fingerprint used for shard/path derivation
// and the single-flight registry.
func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%d", k.DebugFilename, strings.ToUpper(k.DebugID), k.Version)
}

// shard returns the first two hex characters of sha256(key), capping
// per-directory fan-out (spec.md §4.4).
func (k Key) shard() string {
	sum := sha256.Sum256([]byte(k.String()))
	return hex.EncodeToString(sum[:1])
}
