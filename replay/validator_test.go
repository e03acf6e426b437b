// validator_test.go - replay validator scenario and property tests.
package replay

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nymtech/nym-sub004/xerrors"
)

// Strictly sequential counters accept once and reject on repeat.
func TestMarkReceivedBasicSequence(t *testing.T) {
	v := New(0)
	require.NoError(t, v.MarkReceived(0))
	require.ErrorIs(t, v.MarkReceived(0), xerrors.ErrDuplicateCounter)
	require.NoError(t, v.MarkReceived(1))
	require.ErrorIs(t, v.MarkReceived(1), xerrors.ErrDuplicateCounter)
}

// Out-of-order arrivals within the window accept once each, then duplicate.
func TestMarkReceivedOutOfOrderThenDuplicate(t *testing.T) {
	v := New(0)
	require.NoError(t, v.MarkReceived(1000))
	require.NoError(t, v.MarkReceived(1000+70))
	require.NoError(t, v.MarkReceived(1000+71))
	require.NoError(t, v.MarkReceived(1000+72))
	require.NoError(t, v.MarkReceived(1000+72+125))
	require.NoError(t, v.MarkReceived(1000+63))

	for _, c := range []uint64{1000 + 70, 1000 + 71, 1000 + 72} {
		require.ErrorIs(t, v.MarkReceived(c), xerrors.ErrDuplicateCounter)
	}
}

// A jump past the window width makes every counter at or below the cutoff stale.
func TestWillAcceptOutOfWindowAfterJump(t *testing.T) {
	v := New(0)
	require.NoError(t, v.MarkReceived(2048))
	for c := uint64(0); c <= 1024; c++ {
		require.ErrorIs(t, v.WillAccept(c), xerrors.ErrOutOfWindow, "c=%d", c)
	}
}

// MarkReceived(c) is Ok iff WillAccept(c) was Ok immediately prior.
func TestAcceptancePredicateAgreesWithCommit(t *testing.T) {
	v := New(0)
	counters := []uint64{0, 5, 5, 4, 2000, 1, 1999, 3000, 1, 10000}
	for _, c := range counters {
		predicted := v.WillAccept(c)
		actual := v.MarkReceived(c)
		if predicted == nil {
			require.NoError(t, actual)
		} else {
			require.Error(t, actual)
			require.Equal(t, predicted, actual)
		}
	}
}

// receive_cnt increases by exactly one on each Ok.
func TestReceiveCountMonotonic(t *testing.T) {
	v := New(0)
	var expected uint64
	for _, c := range []uint64{0, 1, 2, 2, 10, 3, 3} {
		if v.MarkReceived(c) == nil {
			expected++
		}
		_, got := v.Stats()
		require.Equal(t, expected, got)
	}
}

// after MarkReceived(c), any c' <= c - N_BITS yields OutOfWindow.
func TestWindowIntegrity(t *testing.T) {
	v := New(0)
	require.NoError(t, v.MarkReceived(5000))
	require.ErrorIs(t, v.WillAccept(5000-nBits), xerrors.ErrOutOfWindow)
	require.ErrorIs(t, v.WillAccept(0), xerrors.ErrOutOfWindow)
}

// A jump far beyond the window's width must take the O(nWords) fast clear
// rather than looping proportional to the jump size, even when the bitmap
// already holds bits from prior receives; an attacker fully controls c, so
// the proportional loop would otherwise be a denial-of-service vector.
func TestMarkReceivedFarAheadClearsNonEmptyBitmap(t *testing.T) {
	v := New(0)
	require.NoError(t, v.MarkReceived(10))
	require.NoError(t, v.MarkReceived(20))

	const hugeJump = uint64(1) << 40
	require.NoError(t, v.MarkReceived(hugeJump))

	require.ErrorIs(t, v.WillAccept(20), xerrors.ErrOutOfWindow)
	require.ErrorIs(t, v.WillAccept(hugeJump), xerrors.ErrDuplicateCounter)
	require.NoError(t, v.WillAccept(hugeJump+1))
}

func TestNewWithInitialCounter(t *testing.T) {
	v := New(500)
	require.Equal(t, uint64(500), v.Next())
	require.NoError(t, v.MarkReceived(500))
	require.Equal(t, uint64(501), v.Next())
}
