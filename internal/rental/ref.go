package rental

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewRef produces a human-readable rental reference, e.g. RNT-20260901-3F2A9C01.
func NewRef() string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return "RNT-" + time.Now().UTC().Format("20060102") + "-" + suffix
}
