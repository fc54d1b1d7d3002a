package unittest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// RequireCloseBefore requires that the given channel closes before the
// duration elapses.
func RequireCloseBefore(t *testing.T, c <-chan struct{}, d time.Duration, message string) {
	select {
	case <-c:
	case <-time.After(d):
		require.Fail(t, "channel did not close on time", message)
	}
}

// RequireNotClosed requires that the given channel is not closed yet.
func RequireNotClosed(t *testing.T, c <-chan struct{}, message string) {
	select {
	case <-c:
		require.Fail(t, "channel was closed", message)
	default:
	}
}
