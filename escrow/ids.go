package escrow

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// deriveJobID produces the fixed-size job identifier from the creation inputs
// and the engine's monotonic counter. The counter guarantees uniqueness even
// when the same parties create identical jobs within one clock tick.
func deriveJobID(client, worker string, amount int64, createdAt time.Time, seq int64) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d|%d|%d", client, worker, amount, createdAt.UnixNano(), seq)
	return hex.EncodeToString(h.Sum(nil))
}

// validDescriptor reports whether s is a hex-encoded sha256 content hash.
func validDescriptor(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
