// Package shortid generates short random identifiers used to disambiguate
// container names across re-provisioning, so a freshly created sandbox
// never collides with leftover engine state from one just evicted.
package shortid

import (
	"crypto/rand"
	"math/big"
)

// charset is lowercase alphanumeric only (base36) so generated ids are
// always safe to embed in container names regardless of backend.
const charset = "0123456789abcdefghijklmnopqrstuvwxyz"

// Generate returns a cryptographically random 16-character base36 string.
func Generate() string {
	b := make([]byte, 16)
	max := big.NewInt(int64(len(charset)))
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic("shortid: crypto/rand failed: " + err.Error())
		}
		b[i] = charset[n.Int64()]
	}
	return string(b)
}
