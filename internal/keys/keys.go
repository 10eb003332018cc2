// Package keys builds the provider keys owned by the kv backend.
package keys

import (
	"crypto/sha256"
	"encoding/hex"
)

// MaxID is the longest identifier stored verbatim; longer ones are hashed.
const MaxID = 200

// Record returns "rec:<ns>:<id>".
func Record(ns, id string) string {
	return "rec:" + ns + ":" + shorten(id)
}

// Index returns "idx:<ns>", the key of the ordered id list.
func Index(ns string) string { return "idx:" + ns }

// Seq returns "seq:<ns>", the generation key used to assign ids.
func Seq(ns string) string { return "seq:" + ns }

// shorten keeps keys bounded (bigcache and redis both prefer small keys).
// The hash form is "#<sha256 prefix>" so it cannot collide with a short id
// unless the id itself starts with '#' and is exactly that string.
func shorten(id string) string {
	if len(id) <= MaxID {
		return id
	}
	sum := sha256.Sum256([]byte(id))
	return "#" + hex.EncodeToString(sum[:16])
}
