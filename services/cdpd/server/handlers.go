package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"cdpledger/crypto"
	"cdpledger/gateway/middleware"
	"cdpledger/native/cdp"
	"cdpledger/services/cdpd/audit"
	"cdpledger/services/cdpd/export"
)

type positionOp int

const (
	opDeposit positionOp = iota
	opWithdraw
	opBorrow
	opRepay
)

func (op positionOp) apply(ctx context.Context, l Ledger, owner crypto.Address, asset string, amount uint64) (*cdp.Position, error) {
	switch op {
	case opDeposit:
		return l.Deposit(ctx, owner, asset, amount)
	case opWithdraw:
		return l.Withdraw(ctx, owner, asset, amount)
	case opBorrow:
		return l.Borrow(ctx, owner, asset, amount)
	case opRepay:
		return l.Repay(ctx, owner, asset, amount)
	default:
		return nil, fmt.Errorf("unknown position operation %d", op)
	}
}

func (s *Server) handleListPools(w http.ResponseWriter, r *http.Request) {
	pools, err := s.ledger.Pools()
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	views := make([]poolView, 0, len(pools))
	for _, pool := range pools {
		views = append(views, poolViewFrom(pool))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"pools": views})
}

func (s *Server) handleGetPool(w http.ResponseWriter, r *http.Request) {
	pool, err := s.ledger.Pool(chi.URLParam(r, "asset"))
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, poolViewFrom(pool))
}

func (s *Server) handlePoolAudit(w http.ResponseWriter, r *http.Request) {
	report, err := s.ledger.Audit(chi.URLParam(r, "asset"))
	if report == nil {
		s.writeLedgerError(w, r, err)
		return
	}
	if err != nil && !errors.Is(err, cdp.ErrConservationViolated) {
		s.writeLedgerError(w, r, err)
		return
	}
	if err != nil {
		s.logger.ErrorContext(r.Context(), "pool totals diverge from positions", "asset", report.AssetID, "error", err)
	}
	writeJSON(w, http.StatusOK, auditViewFrom(report, err))
}

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	owner, err := crypto.DecodeAddress(chi.URLParam(r, "owner"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid", fmt.Errorf("invalid owner: %w", err))
		return
	}
	asset := chi.URLParam(r, "asset")
	position, err := s.ledger.Position(owner, asset)
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	// Health needs a price; the position is still served when the feed is
	// unavailable.
	health, err := s.ledger.Health(r.Context(), owner, asset)
	if err != nil {
		s.logger.DebugContext(r.Context(), "position health unavailable", "asset", asset, "error", err)
		health = nil
	}
	writeJSON(w, http.StatusOK, positionViewFrom(position, health))
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	asset := chi.URLParam(r, "asset")
	account := chi.URLParam(r, "account")
	balance, err := s.ledger.Balance(account, asset)
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceView{Account: account, Asset: cdp.NormalizeAsset(asset), Balance: Amount(balance)})
}

func (s *Server) handleOpenPosition(w http.ResponseWriter, r *http.Request) {
	var req openPositionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid", err)
		return
	}
	owner, status, err := authorizeOwner(r.Context(), req.Owner)
	if err != nil {
		writeJSONError(w, status, "unauthorized", err)
		return
	}
	position, err := s.ledger.OpenPosition(r.Context(), owner, req.Asset, uint64(req.Collateral), uint64(req.Debt))
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, positionViewFrom(position, nil))
}

func (s *Server) positionHandler(op positionOp) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req amountRequest
		if err := decodeJSON(r, &req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid", err)
			return
		}
		owner, status, err := authorizeOwner(r.Context(), req.Owner)
		if err != nil {
			writeJSONError(w, status, "unauthorized", err)
			return
		}
		position, err := op.apply(r.Context(), s.ledger, owner, req.Asset, uint64(req.Amount))
		if err != nil {
			s.writeLedgerError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, positionViewFrom(position, nil))
	}
}

func (s *Server) handleOpenPool(w http.ResponseWriter, r *http.Request) {
	var req openPoolRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid", err)
		return
	}
	creator, err := crypto.DecodeAddress(strings.TrimSpace(req.Creator))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid", fmt.Errorf("invalid creator: %w", err))
		return
	}
	pool, err := s.ledger.OpenPool(r.Context(), creator, req.Asset)
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	s.logger.InfoContext(r.Context(), "pool opened", "asset", pool.AssetID, "operator", middleware.Subject(r.Context()))
	writeJSON(w, http.StatusCreated, poolViewFrom(pool))
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	pool, positions, err := s.ledger.Snapshot(r.Context(), chi.URLParam(r, "asset"))
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshotViewFrom(pool, positions))
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	pool, positions, err := s.ledger.Snapshot(r.Context(), chi.URLParam(r, "asset"))
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	rows := export.Rows(pool, positions, s.now())
	w.Header().Set("Content-Type", export.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", strings.ToLower(pool.AssetID)+"-positions.parquet"))
	if err := export.Write(w, rows); err != nil {
		// Headers are already out; the truncated body is the only signal.
		s.logger.ErrorContext(r.Context(), "export failed", "asset", pool.AssetID, "error", err)
	}
}

func (s *Server) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeJSONError(w, http.StatusNotImplemented, "unavailable", errors.New("audit journal disabled"))
		return
	}
	query := r.URL.Query()
	filter := audit.Filter{
		Asset: query.Get("asset"),
		Owner: query.Get("owner"),
		Type:  query.Get("type"),
	}
	if raw := query.Get("after"); raw != "" {
		after, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid", fmt.Errorf("invalid after: %w", err))
			return
		}
		filter.After = after
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeJSONError(w, http.StatusBadRequest, "invalid", fmt.Errorf("invalid limit %q", raw))
			return
		}
		filter.Limit = limit
	}
	entries, err := s.audit.List(r.Context(), filter)
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	views := make([]auditEntryView, 0, len(entries))
	for _, entry := range entries {
		view, err := auditEntryViewFrom(entry)
		if err != nil {
			s.writeLedgerError(w, r, err)
			return
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": views})
}

func (s *Server) handleRegisterAsset(w http.ResponseWriter, r *http.Request) {
	var req registerAssetRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid", err)
		return
	}
	asset, err := s.ledger.RegisterAsset(r.Context(), req.Symbol, req.Decimals)
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, assetViewFrom(asset))
}

func (s *Server) handleCredit(w http.ResponseWriter, r *http.Request) {
	var req creditRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid", err)
		return
	}
	balance, err := s.ledger.Credit(r.Context(), req.Account, req.Asset, uint64(req.Amount))
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	s.logger.InfoContext(r.Context(), "account credited",
		"account", req.Account, "asset", cdp.NormalizeAsset(req.Asset), "amount", uint64(req.Amount),
		"operator", middleware.Subject(r.Context()))
	writeJSON(w, http.StatusOK, balanceView{Account: req.Account, Asset: cdp.NormalizeAsset(req.Asset), Balance: Amount(balance)})
}

func (s *Server) handlePostPrice(w http.ResponseWriter, r *http.Request) {
	if s.prices == nil {
		writeJSONError(w, http.StatusNotImplemented, "unavailable", errors.New("price feed does not accept quotes"))
		return
	}
	var req priceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid", err)
		return
	}
	source := req.Source
	if source == "" {
		source = middleware.Subject(r.Context())
	}
	quote, err := s.prices.Post(req.Asset, req.Price, req.AsOf, source)
	if err != nil {
		if errors.Is(err, cdp.ErrInvalidAsset) {
			s.writeLedgerError(w, r, err)
			return
		}
		writeJSONError(w, http.StatusBadRequest, "invalid", err)
		return
	}
	writeJSON(w, http.StatusOK, quoteView{
		Asset:  cdp.NormalizeAsset(req.Asset),
		Price:  Amount(quote.Price),
		AsOf:   quote.AsOf,
		Source: quote.Source,
	})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid", err)
		return
	}
	if err := s.ledger.SetPaused(r.Context(), strings.TrimSpace(req.Module), req.Paused); err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}
