// Package fingerprint computes the deduplication key for a posting.
package fingerprint

import (
	"crypto/sha256"
	"fmt"
)

// Sum returns the dedup fingerprint for a posting's link and title.
//
// It is a pure function: no I/O, same output for the same inputs across
// runs and process restarts. The full 256-bit digest is kept so hash
// collisions are not a practical concern at any realistic corpus size.
func Sum(link, title string) string {
	h := sha256.Sum256([]byte(link + "|" + title))
	return fmt.Sprintf("sha256:%x", h)
}
