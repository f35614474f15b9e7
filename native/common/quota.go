package common

import (
	"errors"
	"math"
	"time"
)

var (
	ErrQuotaRequestsExceeded = errors.New("quota: request limit exceeded")
	ErrQuotaAmountExceeded   = errors.New("quota: amount cap exceeded")
	ErrQuotaCounterOverflow  = errors.New("quota: counter overflow")
)

// QuotaNow captures an owner's usage counters inside one window.
type QuotaNow struct {
	Requests uint32
	Amount   uint64
	Window   uint64
}

// Quota bounds how many mutations an owner may submit and how much they may
// borrow per window. Zero limits are unbounded.
type Quota struct {
	MaxRequests   uint32
	MaxAmount     uint64
	WindowSeconds uint32
}

// Enabled reports whether any limit is configured.
func (q Quota) Enabled() bool {
	return q.MaxRequests > 0 || q.MaxAmount > 0
}

// WindowAt returns the window index containing t.
func (q Quota) WindowAt(t time.Time) uint64 {
	size := int64(q.WindowSeconds)
	if size <= 0 {
		size = 60
	}
	unix := t.Unix()
	if unix < 0 {
		return 0
	}
	return uint64(unix / size)
}

// CheckQuota verifies whether the additional requests and amount fit within
// the quota. The returned QuotaNow reflects the updated counters when the
// quota is not exceeded; on denial prev is returned unchanged.
func CheckQuota(q Quota, window uint64, prev QuotaNow, addReq uint32, addAmount uint64) (QuotaNow, error) {
	next := prev
	if prev.Window != window {
		next = QuotaNow{Window: window}
	}

	if addReq > 0 {
		if next.Requests > math.MaxUint32-addReq {
			return prev, ErrQuotaCounterOverflow
		}
		next.Requests += addReq
	}
	if q.MaxRequests > 0 && next.Requests > q.MaxRequests {
		return prev, ErrQuotaRequestsExceeded
	}

	if addAmount > 0 {
		if next.Amount > math.MaxUint64-addAmount {
			return prev, ErrQuotaCounterOverflow
		}
		next.Amount += addAmount
	}
	if q.MaxAmount > 0 && next.Amount > q.MaxAmount {
		return prev, ErrQuotaAmountExceeded
	}

	return next, nil
}
