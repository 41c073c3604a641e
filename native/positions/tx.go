package positions

import (
	"context"
	"errors"
	"fmt"
	"sort"

	rserrors "rateswap/core/errors"
	"rateswap/core/events"
	"rateswap/core/num"
	"rateswap/core/types"
)

type txKey struct{}

type viewKey struct{}

var errMutationInView = errors.New("positions: mutation attempted inside a read view")

// tx buffers position and totals writes in an overlay and journals undo steps
// for everything it cannot buffer (asset transfers and registry mints).
type tx struct {
	m         *Manager
	overlay   map[uint64]*Position
	totals    *Totals
	dirty     bool
	journal   []func(ctx context.Context) error
	events    []events.Event
	reverting bool
}

type savepoint struct {
	journal int
	events  int
}

func newTx(m *Manager) *tx {
	return &tx{m: m, overlay: make(map[uint64]*Position)}
}

func (m *Manager) txFrom(ctx context.Context) *tx {
	if ctx == nil {
		return nil
	}
	t, _ := ctx.Value(txKey{}).(*tx)
	if t == nil || t.m != m {
		return nil
	}
	return t
}

func (m *Manager) inView(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	owner, _ := ctx.Value(viewKey{}).(*Manager)
	return owner == m
}

// Atomic runs fn as one ledger transaction. Either every write and transfer
// made by fn lands, or none do. Calls made while a transaction is already
// carried by ctx join it under a savepoint instead of blocking.
func (m *Manager) Atomic(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if m.inView(ctx) {
		return errMutationInView
	}
	if t := m.txFrom(ctx); t != nil {
		return t.nested(ctx, fn)
	}

	m.mu.Lock()
	t := newTx(m)
	txCtx := context.WithValue(ctx, txKey{}, t)
	committed := false
	defer func() {
		if committed {
			return
		}
		recovered := recover()
		if rerr := t.revertTo(txCtx, savepoint{}); rerr != nil {
			m.logger.Error("positions: rollback incomplete", "error", rerr)
			err = errors.Join(err, rerr)
		}
		m.mu.Unlock()
		if recovered != nil {
			panic(recovered)
		}
	}()

	if err = fn(txCtx); err != nil {
		return err
	}
	if err = t.commit(); err != nil {
		return err
	}
	committed = true
	emitted := t.events
	totals := t.totals
	m.mu.Unlock()

	for _, evt := range emitted {
		m.emitter.Emit(evt)
	}
	if totals != nil {
		m.observeTotals(*totals)
	}
	return nil
}

// View runs fn with a consistent read view of the ledger.
func (m *Manager) View(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if m.txFrom(ctx) != nil || m.inView(ctx) {
		return fn(ctx)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(context.WithValue(ctx, viewKey{}, m))
}

func (t *tx) nested(ctx context.Context, fn func(ctx context.Context) error) error {
	if t.reverting {
		return rserrors.ErrReentrantCall
	}
	sp := t.savepoint()
	if err := fn(ctx); err != nil {
		if rerr := t.revertTo(ctx, sp); rerr != nil {
			t.m.logger.Error("positions: nested rollback incomplete", "error", rerr)
			return errors.Join(err, rerr)
		}
		return err
	}
	return nil
}

func (t *tx) savepoint() savepoint {
	return savepoint{journal: len(t.journal), events: len(t.events)}
}

// revertTo undoes journal entries newer than sp in reverse order.
func (t *tx) revertTo(ctx context.Context, sp savepoint) error {
	prev := t.reverting
	t.reverting = true
	defer func() { t.reverting = prev }()

	undoCtx := context.WithoutCancel(ctx)
	var errs []error
	for i := len(t.journal) - 1; i >= sp.journal; i-- {
		if err := t.journal[i](undoCtx); err != nil {
			errs = append(errs, err)
		}
	}
	t.journal = t.journal[:sp.journal]
	if sp.events < len(t.events) {
		t.events = t.events[:sp.events]
	}
	return errors.Join(errs...)
}

func (t *tx) commit() error {
	totals, err := t.currentTotals()
	if err != nil {
		return err
	}
	custody := t.m.asset.BalanceOf(t.m.custody)
	if totals.TotalMargin.GT(custody) {
		return fmt.Errorf("%w: margin %s, custody %s", rserrors.ErrCustodyShortfall, totals.TotalMargin, custody)
	}
	if !t.dirty {
		return nil
	}

	ids := make([]uint64, 0, len(t.overlay))
	for id := range t.overlay {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	changes := Changes{Positions: make([]*Position, 0, len(ids))}
	for _, id := range ids {
		changes.Positions = append(changes.Positions, t.overlay[id])
	}
	if t.totals != nil {
		snapshot := t.totals.Clone()
		changes.Totals = &snapshot
	}
	if err := t.m.store.Apply(changes); err != nil {
		return fmt.Errorf("positions: persist: %w", err)
	}
	return nil
}

func (t *tx) position(id uint64) (*Position, error) {
	if pos, ok := t.overlay[id]; ok {
		return pos.Clone(), nil
	}
	return t.m.store.Position(id)
}

func (t *tx) putPosition(pos *Position) {
	id := pos.ID
	prev, had := t.overlay[id]
	t.journal = append(t.journal, func(context.Context) error {
		if had {
			t.overlay[id] = prev
		} else {
			delete(t.overlay, id)
		}
		return nil
	})
	t.overlay[id] = pos.Clone()
	t.dirty = true
}

func (t *tx) activeIDs() ([]uint64, error) {
	stored, err := t.m.store.ActiveIDs()
	if err != nil {
		return nil, err
	}
	set := make(map[uint64]struct{}, len(stored))
	for _, id := range stored {
		set[id] = struct{}{}
	}
	for id, pos := range t.overlay {
		if pos.Active {
			set[id] = struct{}{}
		} else {
			delete(set, id)
		}
	}
	ids := make([]uint64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (t *tx) currentTotals() (Totals, error) {
	if t.totals != nil {
		return t.totals.Clone(), nil
	}
	totals, err := t.m.store.Totals()
	if err != nil {
		return Totals{}, err
	}
	return totals.Clone(), nil
}

func (t *tx) setTotals(next Totals) {
	prev := t.totals
	t.journal = append(t.journal, func(context.Context) error {
		t.totals = prev
		return nil
	})
	snapshot := next.Clone()
	t.totals = &snapshot
	t.dirty = true
}

// transfer moves collateral immediately and journals the compensating
// transfer. A failed transfer that still changed the custody balance is a
// solvency failure, not an ordinary transfer error.
func (t *tx) transfer(ctx context.Context, from, to types.Address, amount *num.Uint) error {
	if amount == nil || amount.IsZero() {
		return nil
	}
	value := amount.Clone()
	custody := t.m.custody
	before := t.m.asset.BalanceOf(custody)
	if err := t.m.asset.Transfer(ctx, from, to, value); err != nil {
		if after := t.m.asset.BalanceOf(custody); !after.EQ(before) {
			return fmt.Errorf("%w: failed transfer %s -> %s moved custody from %s to %s: %v",
				rserrors.ErrCustodyShortfall, from.Hex(), to.Hex(), before, after, err)
		}
		return err
	}
	t.journal = append(t.journal, func(ctx context.Context) error {
		if err := t.m.asset.Transfer(ctx, to, from, value); err != nil {
			if from == custody || to == custody {
				return fmt.Errorf("%w: compensate transfer %s -> %s (%s): %v",
					rserrors.ErrCustodyShortfall, to.Hex(), from.Hex(), value, err)
			}
			return fmt.Errorf("positions: compensate transfer %s -> %s (%s): %w", to.Hex(), from.Hex(), value, err)
		}
		return nil
	})
	t.dirty = true
	return nil
}

func (t *tx) mint(id uint64, owner types.Address) error {
	if err := t.m.registry.Mint(id, owner); err != nil {
		return fmt.Errorf("positions: mint ownership %d: %w", id, err)
	}
	t.journal = append(t.journal, func(context.Context) error {
		return t.m.registry.Burn(id)
	})
	return nil
}

func (t *tx) emit(evt events.Event) {
	if evt != nil {
		t.events = append(t.events, evt)
	}
}
