package kgerr

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSentinels_AreDistinctAndWrappable(t *testing.T) {
	sentinels := []error{
		ErrCorrupt, ErrUnsupportedVersion, ErrOOM, ErrRange, ErrLock,
		ErrObsFull, ErrStringTooLong, ErrNotFound, ErrClosed, ErrInvalidInput,
	}

	for i, a := range sentinels {
		wrapped := fmt.Errorf("opening arena: %w", a)
		require.ErrorIsf(t, wrapped, a, "wrapped sentinel #%d should still classify via errors.Is", i)

		for j, b := range sentinels {
			if i == j {
				continue
			}

			require.NotErrorIsf(t, wrapped, b, "sentinel #%d should not classify as sentinel #%d", i, j)
		}
	}
}
