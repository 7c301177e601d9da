package oracle_test

import (
	"testing"

	"OptionsLedger/internal/oracle"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func TestMemoryFeed_PublishAndRead(t *testing.T) {
	f := oracle.NewMemoryFeed()

	_, err := f.CurrentPrice()
	require.ErrorIs(t, err, oracle.ErrNoPrice)

	require.NoError(t, f.Publish(1, uint256.NewInt(400e8), 1000))
	require.NoError(t, f.Publish(4, uint256.NewInt(410e8), 2000))

	p, err := f.CurrentPrice()
	require.NoError(t, err)
	require.Equal(t, uint64(410e8), p.Uint64())
	require.Equal(t, uint64(4), f.LatestRoundID())

	_, err = f.RoundData(3)
	require.ErrorIs(t, err, oracle.ErrUnknownRound)

	r, err := f.RoundData(1)
	require.NoError(t, err)
	require.Equal(t, int64(1000), r.Timestamp)
}

func TestMemoryFeed_RejectsStaleAndZero(t *testing.T) {
	f := oracle.NewMemoryFeed()
	require.NoError(t, f.Publish(2, uint256.NewInt(1), 10))
	require.ErrorIs(t, f.Publish(2, uint256.NewInt(1), 11), oracle.ErrStaleRound)
	require.ErrorIs(t, f.Publish(3, uint256.NewInt(0), 11), oracle.ErrZeroPrice)
}

func TestMemoryFeed_SnapshotRoundTrip(t *testing.T) {
	f := oracle.NewMemoryFeed()
	require.NoError(t, f.Publish(1, uint256.NewInt(5), 10))
	require.NoError(t, f.Publish(7, uint256.NewInt(6), 20))

	g := oracle.NewMemoryFeed()
	require.NoError(t, g.Restore(f.Snapshot()))
	require.Equal(t, uint64(7), g.LatestRoundID())
	require.Equal(t, f.Snapshot(), g.Snapshot())
}
