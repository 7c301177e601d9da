package ledger

import (
	"fmt"
	"math/big"
	"sort"

	"OptionsLedger/internal/errs"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrInsufficientBalance   = fmt.Errorf("ERC20: transfer amount exceeds balance: %w", errs.ErrInsufficientFunds)
	ErrInsufficientAllowance = fmt.Errorf("ERC20: transfer amount exceeds allowance: %w", errs.ErrInsufficientFunds)
	ErrZeroAddress           = fmt.Errorf("ERC20: zero address: %w", errs.ErrInvalidArgument)
	ErrUnknownAsset          = fmt.Errorf("unknown asset: %w", errs.ErrInvalidArgument)
	ErrSupplyOverflow        = fmt.Errorf("total supply overflow: %w", errs.ErrInvalidArgument)
)

// BalanceTracker maintains in-memory token balances, supplies and allowances.
// Not thread-safe; only accessed from the single-threaded deterministic core.
type BalanceTracker struct {
	assets     map[Asset]AssetInfo
	balances   map[AccountKey]uint256.Int
	supply     map[Asset]uint256.Int
	allowances map[AllowanceKey]uint256.Int

	// Batches committed since the last DrainCommitted call.
	committed []*Batch
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		assets:     make(map[Asset]AssetInfo),
		balances:   make(map[AccountKey]uint256.Int),
		supply:     make(map[Asset]uint256.Int),
		allowances: make(map[AllowanceKey]uint256.Int),
	}
}

// RegisterAsset makes an asset known to the tracker. Re-registering is a no-op.
func (bt *BalanceTracker) RegisterAsset(info AssetInfo) {
	if _, ok := bt.assets[info.Symbol]; ok {
		return
	}
	bt.assets[info.Symbol] = info
}

// AssetInfo returns the registration of asset.
func (bt *BalanceTracker) AssetInfo(asset Asset) (AssetInfo, bool) {
	info, ok := bt.assets[asset]
	return info, ok
}

// BalanceOf returns a copy of holder's balance.
func (bt *BalanceTracker) BalanceOf(asset Asset, holder common.Address) *uint256.Int {
	v := bt.balances[NewAccountKey(asset, holder)]
	return new(uint256.Int).Set(&v)
}

// TotalSupply returns a copy of the asset's outstanding supply.
func (bt *BalanceTracker) TotalSupply(asset Asset) *uint256.Int {
	v := bt.supply[asset]
	return new(uint256.Int).Set(&v)
}

// Allowance returns how much spender may move from owner.
func (bt *BalanceTracker) Allowance(asset Asset, owner, spender common.Address) *uint256.Int {
	v := bt.allowances[AllowanceKey{Asset: asset, Owner: owner, Spender: spender}]
	return new(uint256.Int).Set(&v)
}

// Begin opens a staged transaction. Nothing reaches the tracker until Commit.
func (bt *BalanceTracker) Begin(eventRef string) *Tx {
	return newTx(bt, eventRef)
}

// ApplyBatch applies a batch that was validated against current balances.
// It dry-runs first so a failing batch leaves balances untouched.
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	tx := bt.Begin(batch.EventRef)
	for _, j := range batch.Journals {
		var err error
		switch j.JournalType {
		case JournalTypeMint:
			err = tx.Mint(j.Asset, j.To, &j.Amount)
		case JournalTypeBurn:
			err = tx.Burn(j.Asset, j.From, &j.Amount)
		default:
			err = tx.Transfer(j.Asset, j.From, j.To, &j.Amount)
		}
		if err != nil {
			return fmt.Errorf("apply journal %s: %w", j.JournalID, err)
		}
	}
	for _, a := range batch.Approvals {
		if err := tx.Approve(a.Key.Asset, a.Key.Owner, a.Key.Spender, &a.Amount); err != nil {
			return fmt.Errorf("apply approval: %w", err)
		}
	}
	tx.commitInto(batch)
	return nil
}

// DrainCommitted returns and clears the batches committed since the last call.
func (bt *BalanceTracker) DrainCommitted() []*Batch {
	out := bt.committed
	bt.committed = nil
	return out
}

// ComputeHolderTotals sums balances per asset (must equal TotalSupply).
func (bt *BalanceTracker) ComputeHolderTotals() map[Asset]*uint256.Int {
	totals := make(map[Asset]*uint256.Int)
	for key, balance := range bt.balances {
		t, ok := totals[key.Asset]
		if !ok {
			t = new(uint256.Int)
			totals[key.Asset] = t
		}
		t.Add(t, &balance)
	}
	return totals
}

// SortedAccounts returns every account with a non-zero balance in path order.
func (bt *BalanceTracker) SortedAccounts() []AccountKey {
	keys := make([]AccountKey, 0, len(bt.balances))
	for k, v := range bt.balances {
		if !v.IsZero() {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].AccountPath() < keys[j].AccountPath()
	})
	return keys
}

// --- Snapshot ---

// BalanceEntry is the serialized form of one balance.
type BalanceEntry struct {
	Asset  Asset          `json:"asset"`
	Holder common.Address `json:"holder"`
	Amount *big.Int       `json:"amount"`
}

// AllowanceEntry is the serialized form of one allowance.
type AllowanceEntry struct {
	Asset   Asset          `json:"asset"`
	Owner   common.Address `json:"owner"`
	Spender common.Address `json:"spender"`
	Amount  *big.Int       `json:"amount"`
}

// Snapshot is the serializable tracker state.
type Snapshot struct {
	Assets     []AssetInfo      `json:"assets"`
	Balances   []BalanceEntry   `json:"balances"`
	Allowances []AllowanceEntry `json:"allowances"`
}

// Snapshot returns a deterministic copy of all state.
func (bt *BalanceTracker) Snapshot() Snapshot {
	var snap Snapshot
	for _, info := range bt.assets {
		snap.Assets = append(snap.Assets, info)
	}
	sort.Slice(snap.Assets, func(i, j int) bool { return snap.Assets[i].Symbol < snap.Assets[j].Symbol })

	for _, key := range bt.SortedAccounts() {
		v := bt.balances[key]
		snap.Balances = append(snap.Balances, BalanceEntry{Asset: key.Asset, Holder: key.Holder, Amount: v.ToBig()})
	}

	for key, v := range bt.allowances {
		if v.IsZero() {
			continue
		}
		snap.Allowances = append(snap.Allowances, AllowanceEntry{
			Asset: key.Asset, Owner: key.Owner, Spender: key.Spender, Amount: v.ToBig(),
		})
	}
	sort.Slice(snap.Allowances, func(i, j int) bool {
		a, b := snap.Allowances[i], snap.Allowances[j]
		if a.Asset != b.Asset {
			return a.Asset < b.Asset
		}
		if c := a.Owner.Cmp(b.Owner); c != 0 {
			return c < 0
		}
		return a.Spender.Cmp(b.Spender) < 0
	})
	return snap
}

// Restore replaces all state with snap. Supplies are recomputed from balances.
func (bt *BalanceTracker) Restore(snap Snapshot) error {
	assets := make(map[Asset]AssetInfo, len(snap.Assets))
	for _, info := range snap.Assets {
		assets[info.Symbol] = info
	}
	balances := make(map[AccountKey]uint256.Int, len(snap.Balances))
	supply := make(map[Asset]uint256.Int)
	for _, e := range snap.Balances {
		v, overflow := uint256.FromBig(e.Amount)
		if overflow {
			return fmt.Errorf("restore balance %s:%s: %w", e.Asset, e.Holder.Hex(), ErrSupplyOverflow)
		}
		balances[NewAccountKey(e.Asset, e.Holder)] = *v
		s := supply[e.Asset]
		if _, carry := s.AddOverflow(&s, v); carry {
			return fmt.Errorf("restore supply %s: %w", e.Asset, ErrSupplyOverflow)
		}
		supply[e.Asset] = s
	}
	allowances := make(map[AllowanceKey]uint256.Int, len(snap.Allowances))
	for _, e := range snap.Allowances {
		v, overflow := uint256.FromBig(e.Amount)
		if overflow {
			return fmt.Errorf("restore allowance: %w", ErrSupplyOverflow)
		}
		allowances[AllowanceKey{Asset: e.Asset, Owner: e.Owner, Spender: e.Spender}] = *v
	}

	bt.assets = assets
	bt.balances = balances
	bt.supply = supply
	bt.allowances = allowances
	bt.committed = nil
	return nil
}
