// Package synckey implements the {GUID}N continuation token handed to
// clients. The GUID names a series, N a monotonically increasing
// generation within it. Generation 0 is the bootstrap key: the client has
// no state yet and the server answers with generation 1.
package synckey

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/google/uuid"
)

// ErrProtocol is returned when a sync key does not match the wire form.
// Callers must answer with a protocol error status and stop touching state.
var ErrProtocol = errors.New("malformed sync key")

var keyPattern = regexp.MustCompile(`^\{([0-9A-Za-z-]+)\}([0-9]+)$`)

// Key is a parsed sync key.
type Key struct {
	Series  string
	Counter uint64
}

// Parse parses s into a Key. Failure is a protocol error, not a storage
// error: the client sent something that was never a sync key.
func Parse(s string) (Key, error) {
	m := keyPattern.FindStringSubmatch(s)
	if m == nil {
		return Key{}, fmt.Errorf("%w: %q", ErrProtocol, s)
	}
	n, err := strconv.ParseUint(m[2], 10, 64)
	if err != nil {
		return Key{}, fmt.Errorf("%w: %q", ErrProtocol, s)
	}
	return Key{Series: m[1], Counter: n}, nil
}

// New returns the first key of a freshly generated series. Callers that
// share a device across folders must still run a collision check against
// the other folders' series before handing the key out.
func New() Key {
	return Key{Series: uuid.New().String(), Counter: 1}
}

// Next returns the following generation of the same series.
func (k Key) Next() Key {
	return Key{Series: k.Series, Counter: k.Counter + 1}
}

// Prev returns the preceding generation, or ok=false at generation 0.
func (k Key) Prev() (Key, bool) {
	if k.Counter == 0 {
		return Key{}, false
	}
	return Key{Series: k.Series, Counter: k.Counter - 1}, true
}

// String renders the wire form {GUID}N.
func (k Key) String() string {
	return "{" + k.Series + "}" + strconv.FormatUint(k.Counter, 10)
}

// IsZero reports whether k is the zero value (no key at all).
func (k Key) IsZero() bool {
	return k.Series == "" && k.Counter == 0
}

// SameSeries reports whether both keys belong to the same GUID series.
func (k Key) SameSeries(other Key) bool {
	return k.Series == other.Series
}
