package server

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	"lukechampine.com/blake3"

	"cdpledger/crypto"
	"cdpledger/gateway/middleware"
)

const headerIdempotency = "Idempotency-Key"

var bucketIdempotency = []byte("idempotency")

// IdempotencyRecord stores the response replayed for a repeated key.
type IdempotencyRecord struct {
	StatusCode  int       `json:"statusCode"`
	ContentType string    `json:"contentType,omitempty"`
	Body        []byte    `json:"body"`
	RequestHash string    `json:"requestHash"`
	StoredAt    time.Time `json:"storedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// IdempotencyStore persists responses of mutating requests in BoltDB so a
// retried request is answered without running the operation again.
type IdempotencyStore struct {
	db       *bolt.DB
	ttl      time.Duration
	now      func() time.Time
	inflight sync.Map
}

// OpenIdempotencyStore opens (and migrates) the bolt file at path.
func OpenIdempotencyStore(path string, ttl time.Duration) (*IdempotencyStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketIdempotency, bucketNonces} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &IdempotencyStore{db: db, ttl: ttl, now: time.Now}, nil
}

// Close releases the bolt file.
func (s *IdempotencyStore) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}

// Get returns the cached response for key when it has not expired.
func (s *IdempotencyStore) Get(key string) (IdempotencyRecord, bool, error) {
	var record IdempotencyRecord
	now := s.now()
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketIdempotency)
		raw := bucket.Get([]byte(key))
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &record); err != nil {
			return err
		}
		if now.After(record.ExpiresAt) {
			record = IdempotencyRecord{}
			return bucket.Delete([]byte(key))
		}
		return nil
	})
	if err != nil {
		return IdempotencyRecord{}, false, err
	}
	if record.StatusCode == 0 {
		return IdempotencyRecord{}, false, nil
	}
	return record, true, nil
}

// Put stores record under key.
func (s *IdempotencyStore) Put(key string, record IdempotencyRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIdempotency).Put([]byte(key), payload)
	})
}

// Prune deletes expired records and request nonces and returns how many
// were removed.
func (s *IdempotencyStore) Prune() (int, error) {
	now := s.now()
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketIdempotency)
		var expired [][]byte
		if err := bucket.ForEach(func(k, v []byte) error {
			var record IdempotencyRecord
			if err := json.Unmarshal(v, &record); err != nil || now.After(record.ExpiresAt) {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range expired {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		nonces, err := pruneNonces(tx, now)
		if err != nil {
			return err
		}
		removed = len(expired) + nonces
		return nil
	})
	return removed, err
}

var errRequestInFlight = errors.New("request with this idempotency key is in progress")

// scopedKey binds the client key to the caller identity and route so one
// caller cannot replay another's response.
func scopedKey(r *http.Request, key string) string {
	h := blake3.New(32, nil)
	for _, part := range []string{
		r.Method,
		r.URL.Path,
		callerIdentity(r),
		key,
	} {
		_, _ = io.WriteString(h, part)
		_, _ = h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// callerIdentity prefers the verified signer, then the token subject, then
// the raw credential header.
func callerIdentity(r *http.Request) string {
	if signer, ok := r.Context().Value(signerKey{}).(crypto.Address); ok {
		return "owner:" + signer.String()
	}
	if subject := middleware.Subject(r.Context()); subject != "" {
		return "subject:" + subject
	}
	return "header:" + r.Header.Get("Authorization")
}

func hashBody(body []byte) string {
	sum := blake3.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Middleware replays stored responses for repeated Idempotency-Key headers.
// Responses with a 5xx status are not stored so the client may retry.
func (s *IdempotencyStore) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		idem := strings.TrimSpace(r.Header.Get(headerIdempotency))
		if s == nil || idem == "" {
			next.ServeHTTP(w, r)
			return
		}
		body, err := readBody(r)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_body", err)
			return
		}
		key := scopedKey(r, idem)
		requestHash := hashBody(body)

		if _, busy := s.inflight.LoadOrStore(key, struct{}{}); busy {
			writeJSONError(w, http.StatusConflict, "in_progress", errRequestInFlight)
			return
		}
		defer s.inflight.Delete(key)

		record, found, err := s.Get(key)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "internal", fmt.Errorf("idempotency lookup: %w", err))
			return
		}
		if found {
			if record.RequestHash != requestHash {
				writeJSONError(w, http.StatusUnprocessableEntity, "idempotency_mismatch",
					errors.New("idempotency key reused with a different request body"))
				return
			}
			if record.ContentType != "" {
				w.Header().Set("Content-Type", record.ContentType)
			}
			w.Header().Set("X-Idempotency-Cache", "hit")
			w.WriteHeader(record.StatusCode)
			_, _ = w.Write(record.Body)
			return
		}

		recorder := &captureWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		if recorder.status >= http.StatusInternalServerError {
			return
		}
		now := s.now()
		_ = s.Put(key, IdempotencyRecord{
			StatusCode:  recorder.status,
			ContentType: recorder.Header().Get("Content-Type"),
			Body:        recorder.buf.Bytes(),
			RequestHash: requestHash,
			StoredAt:    now,
			ExpiresAt:   now.Add(s.ttl),
		})
	})
}

type captureWriter struct {
	http.ResponseWriter
	status int
	buf    bytes.Buffer
}

func (c *captureWriter) WriteHeader(status int) {
	c.status = status
	c.ResponseWriter.WriteHeader(status)
}

func (c *captureWriter) Write(b []byte) (int, error) {
	c.buf.Write(b)
	return c.ResponseWriter.Write(b)
}
