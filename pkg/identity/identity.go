// Package identity derives short printable ids for connection handles. The ids
// exist for log and broadcast text only; handle equality is never based on them.
package identity

import (
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/sessamekesh/wsroutes/pkg/handlers"
)

const hashLength = 13

// Identify returns the handle's own id when it carries one, otherwise a hash
// of the handle's address. The result is stable for the lifetime of the handle
// and does not require the connection to still be open.
func Identify(c handlers.Conn) string {
	if c == nil {
		return "none"
	}

	if identified, ok := c.(handlers.Identified); ok {
		if id := identified.Identity(); id != "" {
			return id
		}
	}

	sum := xxhash.Sum64String(fmt.Sprintf("%T:%p", c, c))
	s := strconv.FormatUint(sum, 16)
	for len(s) < hashLength {
		s = "0" + s
	}
	return s[:hashLength]
}
