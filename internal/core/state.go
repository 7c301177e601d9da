package core

import (
	"errors"
	"fmt"

	"OptionsLedger/internal/access"
	"OptionsLedger/internal/errs"
	"OptionsLedger/internal/event"
	"OptionsLedger/internal/ledger"
	"OptionsLedger/internal/options"
	"OptionsLedger/internal/oracle"
	"OptionsLedger/internal/pool"

	"github.com/ethereum/go-ethereum/common"
)

var ErrUnknownContract = fmt.Errorf("unknown option contract: %w", errs.ErrInvalidArgument)

// StateConfig fixes the accounts, assets and parameters of a ledger.
type StateConfig struct {
	Admin      common.Address
	Collateral ledger.AssetInfo
	Stable     ledger.AssetInfo
	Pool       pool.Config
	Settings   options.Settings
	American   options.Config
	European   options.Config
}

// State bundles every ledger component behind the core.
// Not thread-safe; only accessed from the single-threaded deterministic core.
type State struct {
	Balances  *ledger.BalanceTracker
	Roles     *access.Registry
	Records   *event.Recorder
	Feed      *oracle.MemoryFeed
	Pool      *pool.Pool
	Store     *options.Store
	American  *options.Contract
	European  *options.Contract
	validator *ledger.InvariantValidator
}

// NewState builds an empty ledger. Both option contracts are granted the
// issuer role on the pool.
func NewState(cfg StateConfig) (*State, error) {
	s := &State{
		Balances: ledger.NewBalanceTracker(),
		Roles:    access.NewRegistry(cfg.Admin),
		Records:  event.NewRecorder(),
		Feed:     oracle.NewMemoryFeed(),
	}
	s.validator = ledger.NewInvariantValidator(s.Balances)
	s.Balances.RegisterAsset(cfg.Collateral)
	s.Balances.RegisterAsset(cfg.Stable)

	pcfg := cfg.Pool
	pcfg.Collateral = cfg.Collateral.Symbol
	p, err := pool.New(pcfg, s.Balances, s.Roles, s.Records)
	if err != nil {
		return nil, fmt.Errorf("pool: %w", err)
	}
	s.Pool = p

	if s.Store, err = options.NewStore(cfg.Settings, s.Roles, s.Pool, s.Records); err != nil {
		return nil, fmt.Errorf("options store: %w", err)
	}

	for _, c := range []struct {
		cfg options.Config
		dst **options.Contract
	}{{cfg.American, &s.American}, {cfg.European, &s.European}} {
		c.cfg.Collateral = cfg.Collateral.Symbol
		c.cfg.Stable = cfg.Stable.Symbol
		contract, err := options.New(c.cfg, s.Balances, s.Roles, s.Pool, s.Store, s.Feed, s.Records)
		if err != nil {
			return nil, fmt.Errorf("%s contract: %w", c.cfg.Style, err)
		}
		if err := s.Roles.Grant(cfg.Admin, access.RoleOptionIssuer, c.cfg.Address); err != nil {
			return nil, err
		}
		*c.dst = contract
	}
	return s, nil
}

// Contract resolves a wire contract name.
func (s *State) Contract(name string) (*options.Contract, error) {
	switch name {
	case event.ContractAmerican:
		return s.American, nil
	case event.ContractEuropean:
		return s.European, nil
	default:
		return nil, fmt.Errorf("%q: %w", name, ErrUnknownContract)
	}
}

// IsProtocolAccount reports whether addr is the pool or an option contract.
func (s *State) IsProtocolAccount(addr common.Address) bool {
	return addr == s.Pool.Address() || addr == s.American.Address() || addr == s.European.Address()
}

// CheckInvariants runs every ledger-wide check.
func (s *State) CheckInvariants() error {
	if err := s.validator.ValidateSupply(); err != nil {
		return err
	}
	if err := s.validator.ValidateIssuanceEmpty(); err != nil {
		return err
	}
	return s.CheckComponents()
}

// CheckComponents verifies pool aggregates and token/lock agreement.
func (s *State) CheckComponents() error {
	return errors.Join(s.Pool.CheckInvariants(), s.American.CheckInvariants(), s.European.CheckInvariants())
}

// StateSnapshot is the serializable form of every component.
type StateSnapshot struct {
	Balances ledger.Snapshot       `json:"balances"`
	Roles    access.Snapshot       `json:"roles"`
	Rounds   []oracle.RoundEntry   `json:"rounds"`
	Pool     pool.Snapshot         `json:"pool"`
	Store    options.StoreSnapshot `json:"store"`
	American options.Snapshot      `json:"american"`
	European options.Snapshot      `json:"european"`
}

func (s *State) Snapshot() StateSnapshot {
	return StateSnapshot{
		Balances: s.Balances.Snapshot(),
		Roles:    s.Roles.Snapshot(),
		Rounds:   s.Feed.Snapshot(),
		Pool:     s.Pool.Snapshot(),
		Store:    s.Store.Snapshot(),
		American: s.American.Snapshot(),
		European: s.European.Snapshot(),
	}
}

// Restore loads snap into a freshly built State and re-checks it.
func (s *State) Restore(snap StateSnapshot) error {
	if err := s.Balances.Restore(snap.Balances); err != nil {
		return fmt.Errorf("balances: %w", err)
	}
	s.Roles.Restore(snap.Roles)
	if err := s.Feed.Restore(snap.Rounds); err != nil {
		return fmt.Errorf("oracle: %w", err)
	}
	if err := s.Pool.Restore(snap.Pool); err != nil {
		return fmt.Errorf("pool: %w", err)
	}
	if err := s.Store.Restore(snap.Store); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if err := s.American.Restore(snap.American); err != nil {
		return fmt.Errorf("american: %w", err)
	}
	if err := s.European.Restore(snap.European); err != nil {
		return fmt.Errorf("european: %w", err)
	}
	return s.CheckInvariants()
}
