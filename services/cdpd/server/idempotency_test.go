package server

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func openTestStore(t *testing.T, ttl time.Duration) *IdempotencyStore {
	t.Helper()
	store, err := OpenIdempotencyStore(filepath.Join(t.TempDir(), "idem.db"), ttl)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestIdempotencyStoreExpiry(t *testing.T) {
	store := openTestStore(t, time.Minute)
	now := time.Unix(1_700_000_000, 0)
	store.now = func() time.Time { return now }

	record := IdempotencyRecord{StatusCode: http.StatusOK, Body: []byte(`{}`), RequestHash: "h", StoredAt: now, ExpiresAt: now.Add(time.Minute)}
	if err := store.Put("k", record); err != nil {
		t.Fatalf("put: %v", err)
	}
	if got, ok, err := store.Get("k"); err != nil || !ok || got.StatusCode != http.StatusOK {
		t.Fatalf("get fresh record: %+v %v %v", got, ok, err)
	}

	now = now.Add(2 * time.Minute)
	if _, ok, err := store.Get("k"); err != nil || ok {
		t.Fatalf("expired record still served: %v %v", ok, err)
	}

	if err := store.Put("a", record); err != nil {
		t.Fatalf("put: %v", err)
	}
	removed, err := store.Prune()
	if err != nil || removed != 1 {
		t.Fatalf("prune removed %d: %v", removed, err)
	}
}

func TestIdempotencyMiddlewareSkipsServerErrors(t *testing.T) {
	store := openTestStore(t, time.Hour)
	var calls int32
	handler := store.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"ok": "yes"})
	}))

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/admin/credit", strings.NewReader(`{"amount":"1"}`))
		req.Header.Set(headerIdempotency, "credit-1")
		req.Header.Set("Authorization", "Bearer token")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}
	if rec := send(); rec.Code != http.StatusInternalServerError {
		t.Fatalf("first call: %d", rec.Code)
	}
	if rec := send(); rec.Code != http.StatusOK || rec.Header().Get("X-Idempotency-Cache") != "" {
		t.Fatalf("5xx must not be cached: %d %q", rec.Code, rec.Header().Get("X-Idempotency-Cache"))
	}
	if rec := send(); rec.Header().Get("X-Idempotency-Cache") != "hit" {
		t.Fatalf("expected cached success")
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("handler ran %d times", calls)
	}
}

func TestIdempotencyKeysAreScopedToCaller(t *testing.T) {
	a := httptest.NewRequest(http.MethodPost, "/v1/admin/credit", nil)
	a.Header.Set("Authorization", "Bearer one")
	b := httptest.NewRequest(http.MethodPost, "/v1/admin/credit", nil)
	b.Header.Set("Authorization", "Bearer two")
	if scopedKey(a, "k") == scopedKey(b, "k") {
		t.Fatalf("different callers share a key scope")
	}
	c := httptest.NewRequest(http.MethodPost, "/v1/admin/pause", nil)
	c.Header.Set("Authorization", "Bearer one")
	if scopedKey(a, "k") == scopedKey(c, "k") {
		t.Fatalf("different routes share a key scope")
	}
}
