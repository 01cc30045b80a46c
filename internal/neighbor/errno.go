package neighbor

import (
	"errors"
	"syscall"
)

// isHostGone reports whether err is one of the four "the neighbor has gone
// away" send failures of spec §4.5/§5: EHOSTUNREACH, EHOSTDOWN,
// ECONNREFUSED, ENETDOWN. Any other error is fatal to the broadcast run.
func isHostGone(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	switch errno {
	case syscall.EHOSTUNREACH, syscall.EHOSTDOWN, syscall.ECONNREFUSED, syscall.ENETDOWN:
		return true
	default:
		return false
	}
}
