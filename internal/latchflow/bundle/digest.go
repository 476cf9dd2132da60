// Package bundle turns a bundle's enabled objects into a deterministic
// zip archive and keeps the stored archive in sync with the logical
// contents through a debounced, single-flight scheduler.
package bundle

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strconv"

	"github.com/latchflow/latchflow/internal/latchflow/db"
)

// ComputeDigest derives the content identity of a bundle from its
// enabled objects in build order. Any change to membership, ordering or
// file content changes the digest; an equal digest means the stored
// archive is already current.
func ComputeDigest(bundleID string, objects []*db.BundleObjectWithFile) string {
	h := sha256.New()
	writeField(h, "v1")
	writeField(h, bundleID)
	writeField(h, strconv.Itoa(len(objects)))
	for _, obj := range objects {
		writeField(h, obj.FileID)
		writeField(h, strconv.Itoa(obj.SortOrder))
		writeField(h, obj.File.ContentHash)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func writeField(w io.Writer, s string) {
	io.WriteString(w, s)
	w.Write([]byte{0})
}
