package ids

import (
	mathrand "math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Prefixes keep identifiers self-describing in logs and audit targets.
const (
	PrefixGrant   = "grt"
	PrefixSession = "ses"
	PrefixAudit   = "aud"
	PrefixRequest = "req"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a lexicographically sortable identifier suitable for storage keys.
func New() string {
	return NewAt(time.Now())
}

// NewAt returns a ULID whose timestamp component is t. Identifiers generated
// with the same millisecond stay ordered thanks to the monotonic entropy source.
func NewAt(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// Prefixed returns "<prefix>_<ulid>".
func Prefixed(prefix string, t time.Time) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return NewAt(t)
	}
	return prefix + "_" + NewAt(t)
}
