package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"cdpledger/core"
	"cdpledger/native/cdp"
	nativecommon "cdpledger/native/common"
	"cdpledger/native/custody"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var statusBySentinel = []struct {
	err    error
	status int
}{
	{cdp.ErrAlreadyExists, http.StatusConflict},
	{custody.ErrAssetExists, http.StatusConflict},
	{custody.ErrDecimalsMismatch, http.StatusConflict},
	{cdp.ErrInsufficientFunds, http.StatusUnprocessableEntity},
	{cdp.ErrOverBorrowableAmount, http.StatusUnprocessableEntity},
	{cdp.ErrOverRepay, http.StatusUnprocessableEntity},
	{cdp.ErrUndercollateralized, http.StatusUnprocessableEntity},
	{cdp.ErrTransferFailed, http.StatusPaymentRequired},
	{cdp.ErrStalePrice, http.StatusServiceUnavailable},
	{cdp.ErrFeedNotFound, http.StatusServiceUnavailable},
	{nativecommon.ErrModulePaused, http.StatusServiceUnavailable},
	{nativecommon.ErrQuotaRequestsExceeded, http.StatusTooManyRequests},
	{nativecommon.ErrQuotaAmountExceeded, http.StatusTooManyRequests},
	{nativecommon.ErrQuotaCounterOverflow, http.StatusTooManyRequests},
	{cdp.ErrPoolNotFound, http.StatusNotFound},
	{cdp.ErrPositionNotFound, http.StatusNotFound},
	{custody.ErrUnknownAsset, http.StatusNotFound},
	{cdp.ErrInvalidAmount, http.StatusBadRequest},
	{cdp.ErrOverflow, http.StatusBadRequest},
	{cdp.ErrInvalidAsset, http.StatusBadRequest},
	{cdp.ErrInvalidOwner, http.StatusBadRequest},
	{custody.ErrInvalidAccount, http.StatusBadRequest},
	{custody.ErrInvalidAmount, http.StatusBadRequest},
	{custody.ErrBalanceOverflow, http.StatusBadRequest},
	{core.ErrUnknownModule, http.StatusBadRequest},
}

// statusFor maps a ledger error onto an HTTP status. Unknown errors are
// internal.
func statusFor(err error) int {
	for _, entry := range statusBySentinel {
		if errors.Is(err, entry.err) {
			return entry.status
		}
	}
	return http.StatusInternalServerError
}

func (s *Server) writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		s.logger.ErrorContext(r.Context(), "ledger operation failed", "route", r.URL.Path, "error", err)
		writeJSONError(w, status, "internal", errors.New("internal error"))
		return
	}
	writeJSONError(w, status, core.OutcomeLabel(err), err)
}

func writeJSONError(w http.ResponseWriter, status int, code string, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: code})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
