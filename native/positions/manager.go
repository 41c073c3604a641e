package positions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	rserrors "rateswap/core/errors"
	"rateswap/core/events"
	"rateswap/core/num"
	"rateswap/core/types"
	"rateswap/native/common"
	"rateswap/observability/metrics"
)

// Asset is the collateral token held in custody.
type Asset interface {
	Transfer(ctx context.Context, from, to types.Address, amount *num.Uint) error
	BalanceOf(addr types.Address) *num.Uint
}

// Registry tracks transferable position ownership.
type Registry interface {
	Mint(id uint64, to types.Address) error
	Burn(id uint64) error
	OwnerOf(id uint64) (types.Address, error)
}

// MarginPolicy bounds margin withdrawals. When unset the manager only keeps
// the maintenance requirement.
type MarginPolicy interface {
	MaxWithdrawable(ctx context.Context, pos *Position) (*num.Uint, error)
}

// ownerHolder marks per-position locks taken by owner operations.
const ownerHolder = "positions:owner"

var (
	errNilStore    = errors.New("positions: store not configured")
	errNilAsset    = errors.New("positions: asset not configured")
	errNilRegistry = errors.New("positions: registry not configured")
)

// Manager is the canonical position ledger and the only component that
// mutates positions or moves custody funds.
type Manager struct {
	store    Store
	asset    Asset
	registry Registry
	custody  types.Address
	feePool  types.Address
	cfg      Config

	mu        sync.RWMutex
	locks     *common.KeyedLock
	authority *common.Authority
	policy    MarginPolicy
	pauses    common.PauseView
	emitter   events.Emitter
	logger    *slog.Logger
	nowFn     func() time.Time
}

// Option configures optional Manager behaviour.
type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.nowFn = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithEmitter(emitter events.Emitter) Option {
	return func(m *Manager) {
		if emitter != nil {
			m.emitter = emitter
		}
	}
}

func WithPauses(p common.PauseView) Option {
	return func(m *Manager) { m.pauses = p }
}

func WithMarginPolicy(p MarginPolicy) Option {
	return func(m *Manager) { m.policy = p }
}

// NewManager constructs the ledger. custody holds all posted margin and the
// protocol reserve; feePool receives protocol fees.
func NewManager(store Store, asset Asset, registry Registry, custody, feePool types.Address, cfg Config, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, errNilStore
	}
	if asset == nil {
		return nil, errNilAsset
	}
	if registry == nil {
		return nil, errNilRegistry
	}
	if types.IsZero(custody) || types.IsZero(feePool) {
		return nil, fmt.Errorf("positions: custody and fee pool addresses required")
	}
	if custody == feePool {
		return nil, fmt.Errorf("positions: fee pool must differ from custody")
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		store:     store,
		asset:     asset,
		registry:  registry,
		custody:   custody,
		feePool:   feePool,
		cfg:       cfg,
		locks:     common.NewKeyedLock(),
		authority: common.NewAuthority(),
		emitter:   events.NoopEmitter{},
		logger:    slog.Default(),
		nowFn:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m, nil
}

// SetMarginPolicy installs the withdrawal policy after construction, since the
// margin engine itself reads from the manager.
func (m *Manager) SetMarginPolicy(p MarginPolicy) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.policy = p
	m.mu.Unlock()
}

func (m *Manager) Config() Config { return m.cfg }

func (m *Manager) Custody() types.Address { return m.custody }

func (m *Manager) FeePool() types.Address { return m.feePool }

// Now is the ledger clock shared by every engine.
func (m *Manager) Now() time.Time { return m.now() }

func (m *Manager) Logger() *slog.Logger { return m.logger }

// Emit queues evt on the transaction carried by ctx, or emits it immediately.
func (m *Manager) Emit(ctx context.Context, evt events.Event) {
	if t := m.txFrom(ctx); t != nil {
		t.emit(evt)
		return
	}
	if evt != nil {
		m.emitter.Emit(evt)
	}
}

func (m *Manager) read(ctx context.Context, fn func(r reader) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if t := m.txFrom(ctx); t != nil {
		return fn(t)
	}
	if m.inView(ctx) {
		return fn(storeReader{m.store})
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(storeReader{m.store})
}

type reader interface {
	position(id uint64) (*Position, error)
	activeIDs() ([]uint64, error)
	currentTotals() (Totals, error)
}

type storeReader struct{ s Store }

func (r storeReader) position(id uint64) (*Position, error) { return r.s.Position(id) }

func (r storeReader) activeIDs() ([]uint64, error) { return r.s.ActiveIDs() }

func (r storeReader) currentTotals() (Totals, error) { return r.s.Totals() }

// Position returns a copy of the position record.
func (m *Manager) Position(ctx context.Context, id uint64) (*Position, error) {
	var out *Position
	err := m.read(ctx, func(r reader) error {
		pos, err := r.position(id)
		if err != nil {
			return err
		}
		out = pos.Clone()
		return nil
	})
	return out, err
}

// ActivePositionIDs lists open positions in ascending id order.
func (m *Manager) ActivePositionIDs(ctx context.Context) ([]uint64, error) {
	var ids []uint64
	err := m.read(ctx, func(r reader) error {
		var err error
		ids, err = r.activeIDs()
		return err
	})
	return ids, err
}

func (m *Manager) Totals(ctx context.Context) (Totals, error) {
	var totals Totals
	err := m.read(ctx, func(r reader) error {
		var err error
		totals, err = r.currentTotals()
		return err
	})
	return totals, err
}

// OwnerOf resolves the current owner through the ownership registry.
func (m *Manager) OwnerOf(id uint64) (types.Address, error) {
	return m.registry.OwnerOf(id)
}

// Reserve is the custody balance not backing posted margin. Keeper rewards,
// protocol fees and positive PnL are paid out of it.
func (m *Manager) Reserve(ctx context.Context) (*num.Uint, error) {
	totals, err := m.Totals(ctx)
	if err != nil {
		return nil, err
	}
	return m.reserveFor(totals), nil
}

func (m *Manager) reserveFor(totals Totals) *num.Uint {
	balance := m.asset.BalanceOf(m.custody)
	reserve, underflow := num.UintZero().SubOverflow(balance, totals.TotalMargin)
	if underflow {
		return num.UintZero()
	}
	return reserve
}

// CheckSolvency verifies that custody covers every active position's margin.
func (m *Manager) CheckSolvency(ctx context.Context) error {
	totals, err := m.Totals(ctx)
	if err != nil {
		return err
	}
	balance := m.asset.BalanceOf(m.custody)
	if totals.TotalMargin.GT(balance) {
		return fmt.Errorf("%w: margin %s, custody %s", rserrors.ErrCustodyShortfall, totals.TotalMargin, balance)
	}
	return nil
}

// Open creates a position, pulling margin from caller into custody and
// minting the ownership token to caller.
func (m *Manager) Open(ctx context.Context, caller types.Address, req OpenRequest) (*Position, error) {
	if err := common.Guard(m.pauses, common.ModulePositions); err != nil {
		return nil, err
	}
	if err := m.validateOpen(caller, req); err != nil {
		return nil, err
	}
	var opened *Position
	err := m.Atomic(ctx, func(ctx context.Context) error {
		t := m.txFrom(ctx)
		totals, err := t.currentTotals()
		if err != nil {
			return err
		}
		id := totals.NextID
		if id == 0 {
			id = 1
		}
		totals.NextID = id + 1
		t.setTotals(totals)

		release, err := m.locks.TryAcquire(id, ownerHolder)
		if err != nil {
			return err
		}
		defer release()

		if err := t.transfer(ctx, caller, m.custody, req.Margin); err != nil {
			return fmt.Errorf("positions: pull margin: %w", err)
		}
		if err := t.mint(id, caller); err != nil {
			return err
		}

		now := m.now()
		pos := &Position{
			ID:                 id,
			Owner:              caller,
			Direction:          req.Direction,
			Notional:           req.Notional.Clone(),
			FixedRate:          req.FixedRate,
			Margin:             req.Margin.Clone(),
			StartTime:          now,
			MaturityTime:       now.Add(time.Duration(req.MaturityDays) * 24 * time.Hour),
			LastSettlementTime: now,
			Active:             true,
		}
		t.putPosition(pos)

		// Reload: the transfer callback may have touched totals.
		totals, err = t.currentTotals()
		if err != nil {
			return err
		}
		totals.OpenPositions++
		if _, overflow := totals.TotalNotional.AddOverflow(totals.TotalNotional, pos.Notional); overflow {
			return fmt.Errorf("positions: total notional overflow")
		}
		if _, overflow := totals.TotalMargin.AddOverflow(totals.TotalMargin, pos.Margin); overflow {
			return fmt.Errorf("positions: total margin overflow")
		}
		t.setTotals(totals)
		t.emit(events.PositionOpened{
			ID:           id,
			Owner:        caller,
			Direction:    pos.Direction.String(),
			Notional:     pos.Notional.Clone(),
			FixedRate:    pos.FixedRate,
			Margin:       pos.Margin.Clone(),
			MaturityTime: pos.MaturityTime,
		})
		opened = pos.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("position opened",
		slog.Uint64("id", opened.ID),
		slog.String("owner", caller.Hex()),
		slog.String("direction", opened.Direction.String()),
		slog.String("notional", opened.Notional.String()),
		slog.String("margin", opened.Margin.String()))
	return opened, nil
}

func (m *Manager) validateOpen(caller types.Address, req OpenRequest) error {
	if types.IsZero(caller) {
		return rserrors.ErrUnauthorized
	}
	if !req.Direction.Valid() {
		return rserrors.ErrInvalidDirection
	}
	if req.Notional == nil || req.Notional.IsZero() {
		return rserrors.ErrInvalidNotional
	}
	if req.MaturityDays < m.cfg.MinMaturityDays || req.MaturityDays > m.cfg.MaxMaturityDays {
		return fmt.Errorf("%w: %d days not within [%d, %d]", rserrors.ErrInvalidMaturity, req.MaturityDays, m.cfg.MinMaturityDays, m.cfg.MaxMaturityDays)
	}
	if req.FixedRate.Abs().GreaterThan(m.cfg.MaxAbsFixedRate) {
		return fmt.Errorf("%w: %s", rserrors.ErrInvalidRate, req.FixedRate)
	}
	required := m.cfg.InitialMargin(req.Notional)
	if req.Margin == nil || req.Margin.IsZero() || req.Margin.LT(required) {
		return fmt.Errorf("%w: need %s", rserrors.ErrInsufficientMargin, required)
	}
	return nil
}

// AddMargin deposits additional collateral into an owned position.
func (m *Manager) AddMargin(ctx context.Context, caller types.Address, id uint64, amount *num.Uint) (*Position, error) {
	if err := common.Guard(m.pauses, common.ModulePositions); err != nil {
		return nil, err
	}
	if amount == nil || amount.IsZero() {
		return nil, rserrors.ErrInvalidAmount
	}
	var updated *Position
	err := m.Atomic(ctx, func(ctx context.Context) error {
		release, err := m.locks.TryAcquire(id, ownerHolder)
		if err != nil {
			return err
		}
		defer release()

		t := m.txFrom(ctx)
		pos, err := m.ownedActive(t, caller, id)
		if err != nil {
			return err
		}
		if err := t.transfer(ctx, caller, m.custody, amount); err != nil {
			return fmt.Errorf("positions: pull margin: %w", err)
		}
		if _, overflow := pos.Margin.AddOverflow(pos.Margin, amount); overflow {
			return fmt.Errorf("positions: margin overflow")
		}
		t.putPosition(pos)
		totals, err := t.currentTotals()
		if err != nil {
			return err
		}
		totals.TotalMargin.Add(totals.TotalMargin, amount)
		t.setTotals(totals)
		t.emit(events.MarginChanged{ID: id, Owner: caller, Amount: amount.Clone(), Margin: pos.Margin.Clone()})
		updated = pos
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// RemoveMargin withdraws collateral while keeping the position above its
// maintenance requirement.
func (m *Manager) RemoveMargin(ctx context.Context, caller types.Address, id uint64, amount *num.Uint) (*Position, error) {
	if err := common.Guard(m.pauses, common.ModulePositions); err != nil {
		return nil, err
	}
	if amount == nil || amount.IsZero() {
		return nil, rserrors.ErrInvalidAmount
	}
	var updated *Position
	err := m.Atomic(ctx, func(ctx context.Context) error {
		release, err := m.locks.TryAcquire(id, ownerHolder)
		if err != nil {
			return err
		}
		defer release()

		t := m.txFrom(ctx)
		pos, err := m.ownedActive(t, caller, id)
		if err != nil {
			return err
		}
		limit, err := m.maxWithdrawable(ctx, pos)
		if err != nil {
			return err
		}
		if amount.GT(limit) {
			return fmt.Errorf("%w: requested %s, withdrawable %s", rserrors.ErrBelowMaintenance, amount, limit)
		}
		pos.Margin.Sub(pos.Margin, amount)
		t.putPosition(pos)
		totals, err := t.currentTotals()
		if err != nil {
			return err
		}
		totals.TotalMargin.Sub(totals.TotalMargin, amount)
		t.setTotals(totals)
		if err := t.transfer(ctx, m.custody, caller, amount); err != nil {
			return fmt.Errorf("positions: release margin: %w", err)
		}
		t.emit(events.MarginChanged{ID: id, Owner: caller, Amount: amount.Clone(), Margin: pos.Margin.Clone(), Removed: true})
		updated = pos
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (m *Manager) maxWithdrawable(ctx context.Context, pos *Position) (*num.Uint, error) {
	if m.policy != nil {
		return m.policy.MaxWithdrawable(ctx, pos)
	}
	maintenance := m.cfg.MaintenanceMargin(pos.Notional)
	free, underflow := num.UintZero().SubOverflow(pos.Margin, maintenance)
	if underflow {
		return num.UintZero(), nil
	}
	return free, nil
}

// FundReserve deposits protocol capital into custody. The reserve pays keeper
// rewards, protocol fees and positive PnL.
func (m *Manager) FundReserve(ctx context.Context, from types.Address, amount *num.Uint) error {
	if amount == nil || amount.IsZero() {
		return rserrors.ErrInvalidAmount
	}
	return m.Atomic(ctx, func(ctx context.Context) error {
		t := m.txFrom(ctx)
		if err := t.transfer(ctx, from, m.custody, amount); err != nil {
			return fmt.Errorf("positions: fund reserve: %w", err)
		}
		t.emit(events.ReserveFunded{From: from, Amount: amount.Clone()})
		return nil
	})
}

func (m *Manager) ownedActive(t *tx, caller types.Address, id uint64) (*Position, error) {
	pos, err := t.position(id)
	if err != nil {
		return nil, err
	}
	if !pos.Active {
		return nil, fmt.Errorf("%w: %d", rserrors.ErrPositionNotActive, id)
	}
	owner, err := m.registry.OwnerOf(id)
	if err != nil {
		return nil, err
	}
	if owner != caller {
		return nil, rserrors.ErrNotOwner
	}
	return pos, nil
}

func (m *Manager) now() time.Time {
	if m == nil || m.nowFn == nil {
		return time.Now()
	}
	return m.nowFn()
}

func (m *Manager) observeTotals(totals Totals) {
	metrics.Ledger().ObserveTotals(totals.OpenPositions, num.DecimalFromUint(totals.TotalMargin), num.DecimalFromUint(totals.TotalNotional))
}

func signedSum(a int64, b *big.Int) (int64, bool) {
	if b == nil {
		return a, true
	}
	if !b.IsInt64() {
		return 0, false
	}
	d := b.Int64()
	sum := a + d
	if (d > 0 && sum < a) || (d < 0 && sum > a) {
		return 0, false
	}
	return sum, true
}
