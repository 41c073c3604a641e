package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	rserrors "rateswap/core/errors"
	"rateswap/core/num"
	"rateswap/core/types"
	"rateswap/native/liquidation"
	"rateswap/native/oracle"
	"rateswap/native/positions"
	"rateswap/native/settlement"
)

const maxBatch = 256

type rateResponse struct {
	oracle.Reading
	Settleable bool `json:"settleable"`
}

type observationView struct {
	Source    string      `json:"source"`
	Rate      num.Decimal `json:"rate"`
	Timestamp time.Time   `json:"timestamp"`
}

type positionView struct {
	*positions.Position
	Phase             settlement.Phase       `json:"phase"`
	Health            num.Decimal            `json:"health"`
	Leverage          num.Decimal            `json:"leverage"`
	MaintenanceMargin *num.Uint              `json:"maintenanceMargin"`
	MaxWithdrawable   *num.Uint              `json:"maxWithdrawable"`
	Pending           *settlement.Projection `json:"pending,omitempty"`
}

type openRequest struct {
	Direction    string `json:"direction"`
	Notional     string `json:"notional"`
	FixedRate    string `json:"fixedRate"`
	MaturityDays uint32 `json:"maturityDays"`
	Margin       string `json:"margin"`
}

type marginRequest struct {
	Action string `json:"action"`
	Amount string `json:"amount"`
}

type liquidateRequest struct {
	Amount string `json:"amount"`
}

type batchRequest struct {
	IDs []uint64 `json:"ids"`
}

type batchItem struct {
	ID      uint64 `json:"id"`
	Result  any    `json:"result,omitempty"`
	Skipped bool   `json:"skipped,omitempty"`
	Error   string `json:"error,omitempty"`
	Kind    string `json:"kind,omitempty"`
}

type batchResponse struct {
	Succeeded int         `json:"succeeded"`
	Reward    *num.Uint   `json:"reward"`
	Items     []batchItem `json:"items"`
}

type amountRequest struct {
	Amount string `json:"amount"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reading := s.ledger.Oracle.CurrentRate()
	status := "ok"
	if reading.Stale || reading.Tripped {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": status, "rate": reading})
}

func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	reading := s.ledger.Oracle.CurrentRate()
	writeJSON(w, http.StatusOK, rateResponse{Reading: reading, Settleable: reading.Committed && !reading.Stale})
}

func (s *Server) handleTWAP(w http.ResponseWriter, r *http.Request) {
	window := time.Hour
	if raw := strings.TrimSpace(r.URL.Query().Get("window")); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "invalid window")
			return
		}
		window = parsed
	}
	twap, err := s.ledger.Oracle.TWAP(window)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"window": window.String(), "rate": twap})
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	observations := s.ledger.Oracle.Observations()
	out := make([]observationView, 0, len(observations))
	for _, obs := range observations {
		out = append(out, observationView{Source: obs.Source, Rate: obs.Rate, Timestamp: obs.Timestamp})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": out})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	reading, err := s.ledger.Oracle.FreshRate(r.Context())
	if err != nil {
		resp := map[string]any{"rate": reading, "error": err.Error(), "kind": rserrors.KindOf(err).String()}
		writeJSON(w, statusFor(err), resp)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rate": reading})
}

func (s *Server) handleResetBreaker(w http.ResponseWriter, r *http.Request) {
	s.ledger.Oracle.ResetBreaker()
	writeJSON(w, http.StatusOK, map[string]any{"rate": s.ledger.Oracle.CurrentRate()})
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	summary, err := s.ledger.Summary(r.Context())
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	risk := s.ledger.Risk()
	writeJSON(w, http.StatusOK, map[string]any{
		"summary":  summary,
		"symbol":   s.ledger.Token.Symbol(),
		"decimals": s.ledger.Token.Decimals(),
		"settlement": map[string]any{
			"interval":         risk.Settlement.Interval.String(),
			"settlementFeeBps": risk.Settlement.SettlementFeeBps,
			"keeperShareBps":   risk.Settlement.KeeperShareBps,
			"closingFeeBps":    risk.Settlement.ClosingFeeBps,
		},
		"liquidation": map[string]any{
			"maxLiquidationBps":   risk.Liquidation.MaxLiquidationBps,
			"protocolFeeBps":      risk.Liquidation.ProtocolFeeBps,
			"liquidationBonusBps": risk.Liquidation.LiquidationBonusBps,
		},
	})
}

func (s *Server) handleKeeper(w http.ResponseWriter, r *http.Request) {
	if s.keeper == nil {
		writeError(w, http.StatusNotFound, "keeper disabled")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"address": s.keeper.Address(), "last": s.keeper.LastReport()})
}

func (s *Server) handleListPositions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var (
		ids []uint64
		err error
	)
	if raw := strings.TrimSpace(r.URL.Query().Get("owner")); raw != "" {
		owner, perr := types.ParseAddress(raw)
		if perr != nil {
			writeError(w, http.StatusBadRequest, "invalid owner")
			return
		}
		ids = s.ledger.Registry.TokensOf(owner)
	} else {
		switch strings.TrimSpace(r.URL.Query().Get("filter")) {
		case "", "active":
			ids, err = s.ledger.Positions.ActivePositionIDs(ctx)
		case "due":
			ids, err = s.ledger.DueForSettlement(ctx)
		case "liquidatable":
			ids, err = s.ledger.Liquidatable(ctx)
		case "matured":
			ids, err = s.ledger.Matured(ctx)
		default:
			writeError(w, http.StatusBadRequest, "unknown filter")
			return
		}
	}
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	if ids == nil {
		ids = []uint64{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ids": ids})
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	id, ok := positionID(w, r)
	if !ok {
		return
	}
	view, err := s.positionView(r.Context(), id)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) positionView(ctx context.Context, id uint64) (*positionView, error) {
	var view *positionView
	err := s.ledger.Positions.View(ctx, func(ctx context.Context) error {
		pos, err := s.ledger.Positions.Position(ctx, id)
		if err != nil {
			return err
		}
		phase, err := s.ledger.Settlement.Phase(ctx, id)
		if err != nil {
			return err
		}
		view = &positionView{Position: pos, Phase: phase, MaintenanceMargin: num.UintZero(), MaxWithdrawable: num.UintZero()}
		if !pos.Active {
			return nil
		}
		view.Health = s.ledger.Margin.Health(pos)
		if !pos.Margin.IsZero() {
			if view.Leverage, err = s.ledger.Margin.Leverage(ctx, id); err != nil {
				return err
			}
		}
		if view.MaintenanceMargin, err = s.ledger.Margin.MaintenanceMargin(ctx, id); err != nil {
			return err
		}
		if view.MaxWithdrawable, err = s.ledger.Margin.MaxWithdrawable(ctx, pos); err != nil {
			return err
		}
		view.Pending, err = s.ledger.Settlement.PendingSettlement(ctx, id)
		return err
	})
	return view, err
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())
	var req openRequest
	if !decode(w, r, &req) {
		return
	}
	direction, err := positions.ParseDirection(req.Direction)
	if err != nil {
		writeLedgerError(w, fmt.Errorf("%w: %q", rserrors.ErrInvalidDirection, req.Direction))
		return
	}
	notional, err := parseAmount(req.Notional)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	marginAmt, err := parseAmount(req.Margin)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	fixed, err := num.DecimalFromString(req.FixedRate)
	if err != nil {
		writeLedgerError(w, fmt.Errorf("%w: %q", rserrors.ErrInvalidRate, req.FixedRate))
		return
	}
	pos, err := s.ledger.Positions.Open(r.Context(), principal.Address, positions.OpenRequest{
		Direction:    direction,
		Notional:     notional,
		FixedRate:    fixed,
		MaturityDays: req.MaturityDays,
		Margin:       marginAmt,
	})
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, pos)
}

func (s *Server) handleMargin(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())
	id, ok := positionID(w, r)
	if !ok {
		return
	}
	var req marginRequest
	if !decode(w, r, &req) {
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	var pos *positions.Position
	switch strings.ToLower(strings.TrimSpace(req.Action)) {
	case "add":
		pos, err = s.ledger.Positions.AddMargin(r.Context(), principal.Address, id, amount)
	case "remove":
		pos, err = s.ledger.Positions.RemoveMargin(r.Context(), principal.Address, id, amount)
	default:
		writeError(w, http.StatusBadRequest, "action must be add or remove")
		return
	}
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())
	id, ok := positionID(w, r)
	if !ok {
		return
	}
	res, err := s.ledger.Settlement.CloseMaturedPosition(r.Context(), principal.Address, id)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())
	id, ok := positionID(w, r)
	if !ok {
		return
	}
	res, err := s.ledger.Settlement.Settle(r.Context(), principal.Address, id)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())
	id, ok := positionID(w, r)
	if !ok {
		return
	}
	var req liquidateRequest
	if r.ContentLength > 0 && !decode(w, r, &req) {
		return
	}
	var (
		res *liquidation.Result
		err error
	)
	if strings.TrimSpace(req.Amount) == "" {
		res, err = s.ledger.Liquidation.Liquidate(r.Context(), principal.Address, id)
	} else {
		amount, perr := parseAmount(req.Amount)
		if perr != nil {
			writeLedgerError(w, perr)
			return
		}
		res, err = s.ledger.Liquidation.PartialLiquidate(r.Context(), principal.Address, id, amount)
	}
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleBatchSettle(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())
	ids, ok := batchIDs(w, r)
	if !ok {
		return
	}
	out := s.ledger.Settlement.BatchSettle(r.Context(), principal.Address, ids)
	resp := batchResponse{Succeeded: out.Settled, Reward: out.KeeperReward, Items: make([]batchItem, 0, len(out.Items))}
	for _, item := range out.Items {
		entry := batchItem{ID: item.ID}
		if item.Err != nil {
			entry.Error, entry.Kind = item.Err.Error(), rserrors.KindOf(item.Err).String()
		} else {
			entry.Result = item.Result
		}
		resp.Items = append(resp.Items, entry)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBatchLiquidate(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())
	ids, ok := batchIDs(w, r)
	if !ok {
		return
	}
	out := s.ledger.Liquidation.BatchLiquidate(r.Context(), principal.Address, ids)
	resp := batchResponse{Succeeded: out.Liquidated, Reward: out.Reward, Items: make([]batchItem, 0, len(out.Items))}
	for _, item := range out.Items {
		entry := batchItem{ID: item.ID, Skipped: item.Skipped}
		if item.Err != nil {
			entry.Error, entry.Kind = item.Err.Error(), rserrors.KindOf(item.Err).String()
		} else if item.Result != nil {
			entry.Result = item.Result
		}
		resp.Items = append(resp.Items, entry)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleFundReserve(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())
	var req amountRequest
	if !decode(w, r, &req) {
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	if err := s.ledger.Positions.FundReserve(r.Context(), principal.Address, amount); err != nil {
		writeLedgerError(w, err)
		return
	}
	reserve, err := s.ledger.Positions.Reserve(r.Context())
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reserve": reserve})
}

func positionID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, "invalid position id")
		return 0, false
	}
	return id, true
}

func batchIDs(w http.ResponseWriter, r *http.Request) ([]uint64, bool) {
	var req batchRequest
	if !decode(w, r, &req) {
		return nil, false
	}
	if len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "ids required")
		return nil, false
	}
	if len(req.IDs) > maxBatch {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("at most %d ids per batch", maxBatch))
		return nil, false
	}
	return req.IDs, true
}

// parseAmount reads a base unit integer amount.
func parseAmount(raw string) (*num.Uint, error) {
	amount, bad := num.UintFromString(raw, 10)
	if bad {
		return nil, fmt.Errorf("%w: %q", rserrors.ErrInvalidAmount, raw)
	}
	return amount, nil
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return false
	}
	return true
}
