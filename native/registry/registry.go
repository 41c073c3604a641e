package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	rserrors "rateswap/core/errors"
	"rateswap/core/types"
)

var (
	ErrTokenExists   = errors.New("registry: token already minted")
	ErrTokenNotFound = errors.New("registry: token not found")
	ErrZeroRecipient = errors.New("registry: zero recipient")
)

// Registry records which account currently owns each position. Ownership is
// transferable; the position ledger consults it for every authorisation and
// residual payout.
type Registry struct {
	mu      sync.RWMutex
	owners  map[uint64]types.Address
	byOwner map[types.Address]map[uint64]struct{}
}

func New() *Registry {
	return &Registry{
		owners:  make(map[uint64]types.Address),
		byOwner: make(map[types.Address]map[uint64]struct{}),
	}
}

func (r *Registry) Mint(id uint64, to types.Address) error {
	if types.IsZero(to) {
		return ErrZeroRecipient
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.owners[id]; exists {
		return fmt.Errorf("%w: %d", ErrTokenExists, id)
	}
	r.assign(id, to)
	return nil
}

// Burn removes the token. Used to undo a mint when the opening transaction fails.
func (r *Registry) Burn(id uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	owner, ok := r.owners[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrTokenNotFound, id)
	}
	r.unassign(id, owner)
	delete(r.owners, id)
	return nil
}

func (r *Registry) OwnerOf(id uint64) (types.Address, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	owner, ok := r.owners[id]
	if !ok {
		return types.Address{}, fmt.Errorf("%w: %d", ErrTokenNotFound, id)
	}
	return owner, nil
}

// Transfer moves ownership of id from the current owner to a new account.
func (r *Registry) Transfer(from, to types.Address, id uint64) error {
	if types.IsZero(to) {
		return ErrZeroRecipient
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	owner, ok := r.owners[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrTokenNotFound, id)
	}
	if owner != from {
		return rserrors.ErrNotOwner
	}
	r.unassign(id, owner)
	r.assign(id, to)
	return nil
}

// TokensOf lists the ids owned by owner in ascending order.
func (r *Registry) TokensOf(owner types.Address) []uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.byOwner[owner]
	out := make([]uint64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Registry) assign(id uint64, owner types.Address) {
	r.owners[id] = owner
	set, ok := r.byOwner[owner]
	if !ok {
		set = make(map[uint64]struct{})
		r.byOwner[owner] = set
	}
	set[id] = struct{}{}
}

func (r *Registry) unassign(id uint64, owner types.Address) {
	if set, ok := r.byOwner[owner]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(r.byOwner, owner)
		}
	}
}
