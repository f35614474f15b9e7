package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"cdpledger/core"
	"cdpledger/native/cdp"
	"cdpledger/native/custody"
	"cdpledger/services/cdpd/audit"
)

const maxBodyBytes = 1 << 20

// Amount is a base-unit quantity. It decodes from a JSON string or number
// and always encodes as a string so 64-bit values survive JavaScript clients.
type Amount uint64

func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(strconv.FormatUint(uint64(a), 10))
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		return nil
	}
	if unquoted, err := strconv.Unquote(raw); err == nil {
		raw = strings.TrimSpace(unquoted)
	}
	if raw == "" {
		return errors.New("amount required")
	}
	value, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid amount %q", raw)
	}
	*a = Amount(value)
	return nil
}

type openPoolRequest struct {
	Asset   string `json:"asset"`
	Creator string `json:"creator"`
}

type openPositionRequest struct {
	Owner      string `json:"owner"`
	Asset      string `json:"asset"`
	Collateral Amount `json:"collateral"`
	Debt       Amount `json:"debt"`
}

type amountRequest struct {
	Owner  string `json:"owner"`
	Asset  string `json:"asset"`
	Amount Amount `json:"amount"`
}

type registerAssetRequest struct {
	Symbol   string `json:"symbol"`
	Decimals uint8  `json:"decimals"`
}

type creditRequest struct {
	Account string `json:"account"`
	Asset   string `json:"asset"`
	Amount  Amount `json:"amount"`
}

type priceRequest struct {
	Asset  string    `json:"asset"`
	Price  string    `json:"price"`
	AsOf   time.Time `json:"asOf,omitempty"`
	Source string    `json:"source,omitempty"`
}

type pauseRequest struct {
	Module string `json:"module"`
	Paused bool   `json:"paused"`
}

type poolView struct {
	Asset                   string `json:"asset"`
	Owner                   string `json:"owner"`
	TotalCollateral         Amount `json:"totalCollateral"`
	TotalDebt               Amount `json:"totalDebt"`
	MinimumCollateralRatio  uint64 `json:"minimumCollateralRatio"`
	CriticalCollateralRatio uint64 `json:"criticalCollateralRatio"`
	MinimumDebt             Amount `json:"minimumDebt"`
	Fee                     uint64 `json:"fee"`
	Treasury                string `json:"treasury"`
	Decimals                uint8  `json:"decimals"`
	RecoveryMode            bool   `json:"recoveryMode"`
}

func poolViewFrom(p *cdp.Pool) poolView {
	return poolView{
		Asset:                   p.AssetID,
		Owner:                   p.Owner.String(),
		TotalCollateral:         Amount(p.TotalCollateral),
		TotalDebt:               Amount(p.TotalDebt),
		MinimumCollateralRatio:  p.MinimumCollateralRatio,
		CriticalCollateralRatio: p.CriticalCollateralRatio,
		MinimumDebt:             Amount(p.MinimumDebt),
		Fee:                     p.Fee,
		Treasury:                p.Treasury,
		Decimals:                p.Decimals,
		RecoveryMode:            p.IsRecoveryMode,
	}
}

type healthView struct {
	Price   Amount  `json:"price"`
	Ratio   *Amount `json:"ratio,omitempty"`
	Ceiling Amount  `json:"ceiling"`
	Healthy bool    `json:"healthy"`
}

func healthViewFrom(r *cdp.RatioReport) *healthView {
	if r == nil {
		return nil
	}
	view := &healthView{Price: Amount(r.Price), Ceiling: Amount(r.Ceiling), Healthy: r.Healthy}
	if r.Bounded {
		ratio := Amount(r.Ratio)
		view.Ratio = &ratio
	}
	return view
}

type positionView struct {
	Owner      string      `json:"owner"`
	Asset      string      `json:"asset"`
	Collateral Amount      `json:"collateral"`
	Debt       Amount      `json:"debt"`
	Health     *healthView `json:"health,omitempty"`
}

func positionViewFrom(p *cdp.Position, health *cdp.RatioReport) positionView {
	return positionView{
		Owner:      p.Owner.String(),
		Asset:      p.AssetID,
		Collateral: Amount(p.Collateral),
		Debt:       Amount(p.Debt),
		Health:     healthViewFrom(health),
	}
}

type snapshotView struct {
	Pool      poolView       `json:"pool"`
	Positions []positionView `json:"positions"`
}

func snapshotViewFrom(pool *cdp.Pool, positions []core.PositionSnapshot) snapshotView {
	view := snapshotView{Pool: poolViewFrom(pool), Positions: make([]positionView, 0, len(positions))}
	for _, snap := range positions {
		view.Positions = append(view.Positions, positionViewFrom(snap.Position, snap.Health))
	}
	return view
}

type auditView struct {
	Asset           string `json:"asset"`
	Positions       int    `json:"positions"`
	TotalCollateral Amount `json:"totalCollateral"`
	TotalDebt       Amount `json:"totalDebt"`
	SumCollateral   Amount `json:"sumCollateral"`
	SumDebt         Amount `json:"sumDebt"`
	Consistent      bool   `json:"consistent"`
	Error           string `json:"error,omitempty"`
}

func auditViewFrom(r *cdp.AuditReport, err error) auditView {
	view := auditView{
		Asset:           r.AssetID,
		Positions:       r.Positions,
		TotalCollateral: Amount(r.TotalCollateral),
		TotalDebt:       Amount(r.TotalDebt),
		SumCollateral:   Amount(r.SumCollateral),
		SumDebt:         Amount(r.SumDebt),
		Consistent:      err == nil,
	}
	if err != nil {
		view.Error = err.Error()
	}
	return view
}

type assetView struct {
	Symbol   string `json:"symbol"`
	Decimals uint8  `json:"decimals"`
}

func assetViewFrom(a *custody.Asset) assetView {
	return assetView{Symbol: a.Symbol, Decimals: a.Decimals}
}

type balanceView struct {
	Account string `json:"account"`
	Asset   string `json:"asset"`
	Balance Amount `json:"balance"`
}

type quoteView struct {
	Asset  string    `json:"asset"`
	Price  Amount    `json:"price"`
	AsOf   time.Time `json:"asOf"`
	Source string    `json:"source,omitempty"`
}

type eventView struct {
	Sequence   uint64            `json:"sequence"`
	Cursor     string            `json:"cursor"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

func eventViewFrom(evt core.StreamedEvent) eventView {
	return eventView{
		Sequence:   evt.Sequence,
		Cursor:     evt.Cursor,
		Type:       evt.Event.Type,
		Attributes: evt.Event.Attributes,
	}
}

type auditEntryView struct {
	ID         string            `json:"id"`
	Sequence   uint64            `json:"sequence"`
	Type       string            `json:"type"`
	Asset      string            `json:"asset,omitempty"`
	Owner      string            `json:"owner,omitempty"`
	Attributes map[string]string `json:"attributes"`
	CreatedAt  time.Time         `json:"createdAt"`
}

func auditEntryViewFrom(e audit.Entry) (auditEntryView, error) {
	attrs, err := e.Decode()
	if err != nil {
		return auditEntryView{}, err
	}
	return auditEntryView{
		ID:         e.ID.String(),
		Sequence:   e.Sequence,
		Type:       e.Type,
		Asset:      e.Asset,
		Owner:      e.Owner,
		Attributes: attrs,
		CreatedAt:  e.CreatedAt,
	}, nil
}

// readBody drains the request body and restores it for later readers.
func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxBodyBytes {
		return nil, errors.New("request body too large")
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

func decodeJSON(r *http.Request, out interface{}) error {
	body, err := readBody(r)
	if err != nil {
		return err
	}
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
