package document

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/zeebo/blake3"
)

// Digest returns the BLAKE3 hash of the overlay's JSON form. Stores use it to
// detect resubmissions that would not change anything.
func (o *Overlay) Digest() (string, error) {
	payload, err := json.Marshal(o)
	if err != nil {
		return "", fmt.Errorf("marshal overlay: %w", err)
	}
	sum := blake3.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}
