package server

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"cdpledger/crypto"
)

const (
	headerSignature = "X-CDP-Signature"
	headerTimestamp = "X-CDP-Timestamp"
	headerNonce     = "X-CDP-Nonce"

	maxNonceLength = 64
)

type signerKey struct{}

var (
	errMissingSignature = errors.New("missing request signature")
	errStaleSignature   = errors.New("request timestamp outside the accepted window")
	errOwnerMismatch    = errors.New("signer does not control the requested owner")
	errInvalidNonce     = errors.New("X-CDP-Nonce must be 8-64 characters of [A-Za-z0-9_-]")
	errReplayedRequest  = errors.New("request nonce already used")
	errNonceStore       = errors.New("nonce store unavailable")
)

// RequireSignature verifies the secp256k1 signature an owner attaches to a
// mutating request. The signature covers the method, path, timestamp, nonce
// and raw body; the recovered address is stored on the request context. A
// nonce is accepted once per signer while its timestamp is in the window.
func (s *Server) RequireSignature(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		signer, err := s.verifySignature(r)
		if errors.Is(err, errNonceStore) {
			s.logger.ErrorContext(r.Context(), "nonce check failed", "route", r.URL.Path, "error", err)
			writeJSONError(w, http.StatusInternalServerError, "internal", errors.New("internal error"))
			return
		}
		if err != nil {
			s.logger.WarnContext(r.Context(), "signature rejected", "route", r.URL.Path, "error", err)
			code := "unauthenticated"
			if errors.Is(err, errReplayedRequest) {
				code = "replayed"
			}
			writeJSONError(w, http.StatusUnauthorized, code, err)
			return
		}
		ctx := context.WithValue(r.Context(), signerKey{}, signer)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) verifySignature(r *http.Request) (crypto.Address, error) {
	sigHex := strings.TrimSpace(r.Header.Get(headerSignature))
	rawTS := strings.TrimSpace(r.Header.Get(headerTimestamp))
	nonce := strings.TrimSpace(r.Header.Get(headerNonce))
	if sigHex == "" || rawTS == "" || nonce == "" {
		return crypto.Address{}, errMissingSignature
	}
	if !validNonce(nonce) {
		return crypto.Address{}, errInvalidNonce
	}
	ts, err := strconv.ParseInt(rawTS, 10, 64)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("invalid %s header", headerTimestamp)
	}
	skew := s.now().Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > s.signatureMaxAge {
		return crypto.Address{}, errStaleSignature
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		return crypto.Address{}, fmt.Errorf("invalid %s header", headerSignature)
	}
	body, err := readBody(r)
	if err != nil {
		return crypto.Address{}, err
	}
	signer, err := crypto.RecoverAddress(crypto.RequestPayload(r.Method, r.URL.Path, ts, nonce, body), sig)
	if err != nil {
		return crypto.Address{}, err
	}
	fresh, err := s.nonces.claim(signer, nonce, time.Unix(ts, 0).Add(s.signatureMaxAge), s.now())
	if err != nil {
		return crypto.Address{}, fmt.Errorf("%w: %v", errNonceStore, err)
	}
	if !fresh {
		return crypto.Address{}, errReplayedRequest
	}
	return signer, nil
}

func validNonce(nonce string) bool {
	if len(nonce) < 8 || len(nonce) > maxNonceLength {
		return false
	}
	for i := 0; i < len(nonce); i++ {
		c := nonce[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}

// authorizeOwner decodes owner and checks it against the request signer.
func authorizeOwner(ctx context.Context, owner string) (crypto.Address, int, error) {
	addr, err := crypto.DecodeAddress(strings.TrimSpace(owner))
	if err != nil {
		return crypto.Address{}, http.StatusBadRequest, fmt.Errorf("invalid owner: %w", err)
	}
	if addr.Prefix() != crypto.OwnerPrefix {
		return crypto.Address{}, http.StatusBadRequest, fmt.Errorf("invalid owner: expected %s prefix", crypto.OwnerPrefix)
	}
	signer, ok := ctx.Value(signerKey{}).(crypto.Address)
	if !ok || !signer.Equal(addr) {
		return crypto.Address{}, http.StatusForbidden, errOwnerMismatch
	}
	return addr, http.StatusOK, nil
}
