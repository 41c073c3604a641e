package positions

import (
	"context"
	"sync"
	"testing"
	"time"

	"rateswap/core/events"
	"rateswap/core/num"
	"rateswap/core/types"
	"rateswap/native/collateral"
	"rateswap/native/registry"
)

var (
	custodyAddr = types.BytesToAddress([]byte{0xc0})
	feePoolAddr = types.BytesToAddress([]byte{0xfe})
	treasury    = types.BytesToAddress([]byte{0x77})
	alice       = types.BytesToAddress([]byte{0xa1})
	bob         = types.BytesToAddress([]byte{0xb0})
	keeperAddr  = types.BytesToAddress([]byte{0x4e})
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0).UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingEmitter) Emit(evt events.Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func (r *recordingEmitter) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, evt := range r.events {
		out[i] = evt.EventType()
	}
	return out
}

type fixture struct {
	token    *collateral.Token
	registry *registry.Registry
	store    Store
	clock    *fakeClock
	emitter  *recordingEmitter
	manager  *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithStore(t, NewMemStore())
}

func newFixtureWithStore(t *testing.T, store Store) *fixture {
	t.Helper()
	f := &fixture{
		token:    collateral.NewToken("USDC", 6),
		registry: registry.New(),
		store:    store,
		clock:    newFakeClock(),
		emitter:  &recordingEmitter{},
	}
	for _, addr := range []types.Address{alice, bob, treasury} {
		if err := f.token.Mint(addr, usd(1_000_000)); err != nil {
			t.Fatalf("mint: %v", err)
		}
	}
	manager, err := NewManager(store, f.token, f.registry, custodyAddr, feePoolAddr, DefaultConfig(),
		WithClock(f.clock.Now), WithEmitter(f.emitter))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	f.manager = manager
	return f
}

// usd converts whole dollars into 6-decimal base units.
func usd(v uint64) *num.Uint {
	return num.NewUint(v * 1_000_000)
}

func (f *fixture) open(t *testing.T, owner types.Address, notional, margin uint64) *Position {
	t.Helper()
	pos, err := f.manager.Open(context.Background(), owner, OpenRequest{
		Direction:    DirectionPayFixed,
		Notional:     usd(notional),
		FixedRate:    num.MustDecimal("0.05"),
		MaturityDays: 30,
		Margin:       usd(margin),
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return pos
}
