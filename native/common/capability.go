package common

import (
	"fmt"
	"strings"
	"sync"
	"time"

	rserrors "rateswap/core/errors"
)

// Capability is a bitset of restricted ledger operations a grant may invoke.
type Capability uint8

const (
	CapUpdatePnL Capability = 1 << iota
	CapSeizeMargin
	CapPayKeeper
	CapClosePosition
)

func (c Capability) Has(other Capability) bool {
	return other != 0 && c&other == other
}

func (c Capability) String() string {
	var names []string
	if c&CapUpdatePnL != 0 {
		names = append(names, "update_pnl")
	}
	if c&CapSeizeMargin != 0 {
		names = append(names, "seize_margin")
	}
	if c&CapPayKeeper != 0 {
		names = append(names, "pay_keeper")
	}
	if c&CapClosePosition != 0 {
		names = append(names, "close_position")
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// Grant is an unforgeable handle issued by an Authority. Only the pointer
// returned from Issue is accepted; copies are rejected.
type Grant struct {
	id      uint64
	holder  string
	caps    Capability
	expires time.Time
}

func (g *Grant) Holder() string {
	if g == nil {
		return ""
	}
	return g.holder
}

func (g *Grant) Capabilities() Capability {
	if g == nil {
		return 0
	}
	return g.caps
}

// Expires returns the zero time for grants without expiry.
func (g *Grant) Expires() time.Time {
	if g == nil {
		return time.Time{}
	}
	return g.expires
}

// Authority issues and verifies capability grants.
type Authority struct {
	mu     sync.RWMutex
	next   uint64
	grants map[uint64]*Grant
}

func NewAuthority() *Authority {
	return &Authority{grants: make(map[uint64]*Grant)}
}

// Issue creates a grant for holder. A non-positive ttl never expires.
func (a *Authority) Issue(holder string, caps Capability, ttl time.Duration, now time.Time) (*Grant, error) {
	holder = strings.TrimSpace(holder)
	if holder == "" {
		return nil, fmt.Errorf("capability: holder required")
	}
	if caps == 0 {
		return nil, fmt.Errorf("capability: empty capability set for %s", holder)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.next++
	g := &Grant{id: a.next, holder: holder, caps: caps}
	if ttl > 0 {
		g.expires = now.Add(ttl)
	}
	a.grants[g.id] = g
	return g, nil
}

func (a *Authority) Revoke(g *Grant) {
	if g == nil {
		return
	}
	a.mu.Lock()
	delete(a.grants, g.id)
	a.mu.Unlock()
}

// Check verifies g was issued by this authority, is still live and carries want.
func (a *Authority) Check(g *Grant, want Capability, now time.Time) error {
	if g == nil {
		return rserrors.ErrUnauthorized
	}
	a.mu.RLock()
	issued, ok := a.grants[g.id]
	a.mu.RUnlock()
	if !ok || issued != g {
		return rserrors.ErrUnauthorized
	}
	if !g.expires.IsZero() && !now.Before(g.expires) {
		return fmt.Errorf("%w: %s", rserrors.ErrCapabilityExpired, g.holder)
	}
	if !g.caps.Has(want) {
		return fmt.Errorf("%w: %s lacks %s", rserrors.ErrCapabilityMissing, g.holder, want)
	}
	return nil
}
