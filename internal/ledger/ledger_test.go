package ledger_test

import (
	"testing"

	"OptionsLedger/internal/errs"
	"OptionsLedger/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

const (
	tokenX ledger.Asset = "WNEAR"
	usdc   ledger.Asset = "USDC"
)

var (
	alice = common.HexToAddress("0x1111")
	bob   = common.HexToAddress("0x2222")
	pool  = common.HexToAddress("0x9999")
)

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

func newTracker(t *testing.T) *ledger.BalanceTracker {
	t.Helper()
	bt := ledger.NewBalanceTracker()
	bt.RegisterAsset(ledger.AssetInfo{Symbol: tokenX, Name: "Wrapped Near", Decimals: 18})
	bt.RegisterAsset(ledger.AssetInfo{Symbol: usdc, Name: "USD Coin", Decimals: 6})
	require.NoError(t, bt.Token(tokenX).Mint(alice, u(1000)))
	bt.DrainCommitted()
	return bt
}

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_Path(t *testing.T) {
	key := ledger.NewAccountKey(tokenX, alice)
	require.Equal(t, "WNEAR:"+alice.Hex(), key.AccountPath())
}

// ============================================================================
// Test: Tx staging
// ============================================================================

func TestTx_TransferSeesEarlierSteps(t *testing.T) {
	bt := newTracker(t)

	tx := bt.Begin("cmd-1")
	require.NoError(t, tx.Transfer(tokenX, alice, bob, u(600)))
	// bob can spend what alice sent within the same transaction
	require.NoError(t, tx.Transfer(tokenX, bob, pool, u(500)))

	// nothing visible before commit
	require.Equal(t, uint64(1000), bt.BalanceOf(tokenX, alice).Uint64())
	require.True(t, bt.BalanceOf(tokenX, pool).IsZero())

	batch := tx.Commit()
	require.Len(t, batch.Journals, 2)
	require.Equal(t, "cmd-1", batch.EventRef)
	require.Equal(t, uint64(400), bt.BalanceOf(tokenX, alice).Uint64())
	require.Equal(t, uint64(100), bt.BalanceOf(tokenX, bob).Uint64())
	require.Equal(t, uint64(500), bt.BalanceOf(tokenX, pool).Uint64())
}

func TestTx_FailureLeavesTrackerUntouched(t *testing.T) {
	bt := newTracker(t)

	tx := bt.Begin("cmd-2")
	require.NoError(t, tx.Transfer(tokenX, alice, bob, u(600)))
	err := tx.Transfer(tokenX, alice, bob, u(600))
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	require.ErrorIs(t, err, errs.ErrInsufficientFunds)

	// tx dropped without commit
	require.Equal(t, uint64(1000), bt.BalanceOf(tokenX, alice).Uint64())
	require.Empty(t, bt.DrainCommitted())
}

func TestTx_TransferFromChecksBalanceThenAllowance(t *testing.T) {
	bt := newTracker(t)

	tx := bt.Begin("")
	err := tx.TransferFrom(tokenX, pool, alice, pool, u(2000))
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	err = tx.TransferFrom(tokenX, pool, alice, pool, u(10))
	require.ErrorIs(t, err, ledger.ErrInsufficientAllowance)

	require.NoError(t, tx.Approve(tokenX, alice, pool, u(15)))
	require.NoError(t, tx.TransferFrom(tokenX, pool, alice, pool, u(10)))
	require.Equal(t, uint64(5), tx.Allowance(tokenX, alice, pool).Uint64())
	tx.Commit()

	require.Equal(t, uint64(5), bt.Allowance(tokenX, alice, pool).Uint64())
	require.Equal(t, uint64(10), bt.BalanceOf(tokenX, pool).Uint64())
}

func TestTx_MaxAllowanceNotDecremented(t *testing.T) {
	bt := newTracker(t)
	tok := bt.Token(tokenX)

	require.NoError(t, tok.Approve(alice, pool, ledger.MaxAllowance()))
	require.NoError(t, tok.TransferFrom(pool, alice, bob, u(100)))
	require.True(t, tok.Allowance(alice, pool).Eq(ledger.MaxAllowance()))
}

func TestTx_MintBurnTrackSupply(t *testing.T) {
	bt := newTracker(t)

	tx := bt.Begin("")
	require.NoError(t, tx.Mint(usdc, bob, u(50)))
	require.NoError(t, tx.Burn(usdc, bob, u(20)))
	require.ErrorIs(t, tx.Burn(usdc, bob, u(31)), ledger.ErrInsufficientBalance)
	tx.Commit()

	require.Equal(t, uint64(30), bt.TotalSupply(usdc).Uint64())
	require.NoError(t, ledger.NewInvariantValidator(bt).ValidateSupply())
}

func TestTx_ZeroAddressRejected(t *testing.T) {
	bt := newTracker(t)
	tx := bt.Begin("")

	require.ErrorIs(t, tx.Transfer(tokenX, alice, common.Address{}, u(1)), ledger.ErrZeroAddress)
	require.ErrorIs(t, tx.Mint(tokenX, common.Address{}, u(1)), ledger.ErrZeroAddress)
}

func TestTx_UnknownAsset(t *testing.T) {
	bt := newTracker(t)
	err := bt.Begin("").Transfer("DOGE", alice, bob, u(1))
	require.ErrorIs(t, err, ledger.ErrUnknownAsset)
}

func TestTx_ZeroAmountRecordsNothing(t *testing.T) {
	bt := newTracker(t)
	tx := bt.Begin("")
	require.NoError(t, tx.Transfer(tokenX, alice, bob, u(0)))
	batch := tx.Commit()
	require.True(t, batch.IsEmpty())
	require.Empty(t, bt.DrainCommitted())
}

// ============================================================================
// Test: Batch validation and replay
// ============================================================================

func TestBatch_ValidateRejectsMalformed(t *testing.T) {
	bt := newTracker(t)
	tx := bt.Begin("")
	require.NoError(t, tx.Transfer(tokenX, alice, bob, u(1)))
	batch := tx.Commit()

	bad := *batch
	bad.Journals = append([]ledger.Journal(nil), batch.Journals...)
	bad.Journals[0].To = bad.Journals[0].From
	require.Error(t, bad.Validate())

	bad.Journals[0] = batch.Journals[0]
	bad.Journals[0].Amount = uint256.Int{}
	require.Error(t, bad.Validate())
}

func TestApplyBatch_ReplaysOnFreshTracker(t *testing.T) {
	src := newTracker(t)
	tx := src.Begin("cmd")
	require.NoError(t, tx.Transfer(tokenX, alice, bob, u(250)))
	require.NoError(t, tx.Approve(tokenX, bob, pool, u(7)))
	batch := tx.Commit()

	dst := newTracker(t)
	require.NoError(t, dst.ApplyBatch(batch))
	require.Equal(t, src.Snapshot(), dst.Snapshot())
}

func TestApplyBatch_FailingBatchIsAtomic(t *testing.T) {
	bt := newTracker(t)
	tx := bt.Begin("")
	require.NoError(t, tx.Transfer(tokenX, alice, bob, u(900)))
	batch := tx.Commit()

	// alice only has 100 left: replaying the same batch must fail whole
	err := bt.ApplyBatch(batch)
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	require.Equal(t, uint64(100), bt.BalanceOf(tokenX, alice).Uint64())
	require.Equal(t, uint64(900), bt.BalanceOf(tokenX, bob).Uint64())
}

// ============================================================================
// Test: Snapshot
// ============================================================================

func TestSnapshot_RestoreRecomputesSupply(t *testing.T) {
	bt := newTracker(t)
	require.NoError(t, bt.Token(tokenX).Transfer(alice, bob, u(300)))
	require.NoError(t, bt.Token(tokenX).Approve(alice, pool, u(9)))

	restored := ledger.NewBalanceTracker()
	require.NoError(t, restored.Restore(bt.Snapshot()))

	require.Equal(t, uint64(1000), restored.TotalSupply(tokenX).Uint64())
	require.Equal(t, uint64(300), restored.BalanceOf(tokenX, bob).Uint64())
	require.Equal(t, uint64(9), restored.Allowance(tokenX, alice, pool).Uint64())
	require.NoError(t, ledger.NewInvariantValidator(restored).ValidateSupply())
}
