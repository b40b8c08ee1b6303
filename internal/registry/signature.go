package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/html5sync/html5sync/internal/types"
)

// Signature fingerprints a column set. Any added, removed, retyped or
// reordered column yields a different signature.
func Signature(columns []types.Column) string {
	parts := make([]string, len(columns))
	for i, col := range columns {
		parts[i] = fmt.Sprintf("%s:%s:%d", col.Name, col.Type, col.Order)
	}
	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:])
}
