package access

import (
	"fmt"
	"sort"

	"OptionsLedger/internal/errs"

	"github.com/ethereum/go-ethereum/common"
)

// Role names a capability checked at the entry of privileged operations.
type Role string

const (
	RoleAdmin        Role = "DEFAULT_ADMIN_ROLE"
	RoleOptionIssuer Role = "OPTION_ISSUER_ROLE"
	RoleAutoCloser   Role = "AUTO_CLOSER_ROLE"
	RoleProjectOwner Role = "PROJECT_OWNER_ROLE"
)

var ErrUnauthorized = fmt.Errorf("caller lacks role: %w", errs.ErrAuthorization)

// Checker is the read side used by the ledgers.
type Checker interface {
	HasRole(role Role, account common.Address) bool
	RequireRole(caller common.Address, role Role) error
}

// Registry is the in-process role table.
// Not thread-safe; only accessed from the single-threaded deterministic core.
type Registry struct {
	members map[Role]map[common.Address]struct{}
}

// NewRegistry creates a registry with admin holding RoleAdmin.
func NewRegistry(admin common.Address) *Registry {
	r := &Registry{members: make(map[Role]map[common.Address]struct{})}
	r.set(RoleAdmin, admin)
	return r
}

func (r *Registry) HasRole(role Role, account common.Address) bool {
	_, ok := r.members[role][account]
	return ok
}

// RequireRole fails with ErrUnauthorized unless caller holds role.
func (r *Registry) RequireRole(caller common.Address, role Role) error {
	if !r.HasRole(role, caller) {
		return fmt.Errorf("%s missing %s: %w", caller.Hex(), role, ErrUnauthorized)
	}
	return nil
}

// Grant gives role to account. Only admins may grant.
func (r *Registry) Grant(caller common.Address, role Role, account common.Address) error {
	if err := r.RequireRole(caller, RoleAdmin); err != nil {
		return err
	}
	if account == (common.Address{}) {
		return fmt.Errorf("grant %s to zero address: %w", role, errs.ErrInvalidArgument)
	}
	r.set(role, account)
	return nil
}

// Revoke removes role from account. Only admins may revoke; the last admin cannot be removed.
func (r *Registry) Revoke(caller common.Address, role Role, account common.Address) error {
	if err := r.RequireRole(caller, RoleAdmin); err != nil {
		return err
	}
	if role == RoleAdmin && len(r.members[RoleAdmin]) == 1 && r.HasRole(RoleAdmin, account) {
		return fmt.Errorf("revoke last admin: %w", errs.ErrPrecondition)
	}
	delete(r.members[role], account)
	return nil
}

func (r *Registry) set(role Role, account common.Address) {
	if r.members[role] == nil {
		r.members[role] = make(map[common.Address]struct{})
	}
	r.members[role][account] = struct{}{}
}

// Members lists the accounts holding role, sorted for deterministic output.
func (r *Registry) Members(role Role) []common.Address {
	out := make([]common.Address, 0, len(r.members[role]))
	for a := range r.members[role] {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}

// Snapshot is the serializable role table.
type Snapshot map[Role][]common.Address

func (r *Registry) Snapshot() Snapshot {
	snap := make(Snapshot, len(r.members))
	for role := range r.members {
		snap[role] = r.Members(role)
	}
	return snap
}

// Restore replaces the role table with snap.
func (r *Registry) Restore(snap Snapshot) {
	r.members = make(map[Role]map[common.Address]struct{}, len(snap))
	for role, accounts := range snap {
		for _, a := range accounts {
			r.set(role, a)
		}
	}
}
