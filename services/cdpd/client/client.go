// Package client is a Go client for the cdpd HTTP API. Owner operations are
// signed with the owner's key; operator operations carry a bearer token.
package client

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"cdpledger/crypto"
)

const (
	headerSignature   = "X-CDP-Signature"
	headerTimestamp   = "X-CDP-Timestamp"
	headerNonce       = "X-CDP-Nonce"
	headerIdempotency = "Idempotency-Key"
)

var errNoSigner = errors.New("client: owner key required")

// APIError is a non-2xx response from cdpd.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("cdpd: %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("cdpd: %d: %s", e.Status, e.Message)
}

// Pool mirrors the pool resource.
type Pool struct {
	Asset                   string `json:"asset"`
	Owner                   string `json:"owner"`
	TotalCollateral         uint64 `json:"totalCollateral,string"`
	TotalDebt               uint64 `json:"totalDebt,string"`
	MinimumCollateralRatio  uint64 `json:"minimumCollateralRatio"`
	CriticalCollateralRatio uint64 `json:"criticalCollateralRatio"`
	MinimumDebt             uint64 `json:"minimumDebt,string"`
	Fee                     uint64 `json:"fee"`
	Treasury                string `json:"treasury"`
	Decimals                uint8  `json:"decimals"`
	RecoveryMode            bool   `json:"recoveryMode"`
}

// Health is the solvency report attached to position reads. Ratio is nil for
// positions without debt.
type Health struct {
	Price   uint64  `json:"price,string"`
	Ratio   *string `json:"ratio,omitempty"`
	Ceiling uint64  `json:"ceiling,string"`
	Healthy bool    `json:"healthy"`
}

// Position mirrors the position resource.
type Position struct {
	Owner      string  `json:"owner"`
	Asset      string  `json:"asset"`
	Collateral uint64  `json:"collateral,string"`
	Debt       uint64  `json:"debt,string"`
	Health     *Health `json:"health,omitempty"`
}

// Balance is a custody balance.
type Balance struct {
	Account string `json:"account"`
	Asset   string `json:"asset"`
	Balance uint64 `json:"balance,string"`
}

type positionChange struct {
	Owner  string `json:"owner"`
	Asset  string `json:"asset"`
	Amount uint64 `json:"amount,string"`
}

// Client talks to one cdpd endpoint.
type Client struct {
	baseURL string
	http    *http.Client
	token   string
	signer  *crypto.PrivateKey
	now     func() time.Time
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithToken sets the operator bearer token.
func WithToken(token string) Option {
	return func(c *Client) { c.token = strings.TrimSpace(token) }
}

// WithSigner sets the owner key used to sign position requests.
func WithSigner(key *crypto.PrivateKey) Option {
	return func(c *Client) { c.signer = key }
}

// New returns a client for baseURL, e.g. "https://cdpd.internal:8085".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Owner returns the address controlled by the configured signer.
func (c *Client) Owner() (crypto.Address, error) {
	if c.signer == nil {
		return crypto.Address{}, errNoSigner
	}
	return c.signer.PubKey().Address(), nil
}

func (c *Client) OpenPosition(ctx context.Context, asset string, collateral, debt uint64, idempotencyKey string) (*Position, error) {
	owner, err := c.Owner()
	if err != nil {
		return nil, err
	}
	body := struct {
		Owner      string `json:"owner"`
		Asset      string `json:"asset"`
		Collateral uint64 `json:"collateral,string"`
		Debt       uint64 `json:"debt,string"`
	}{owner.String(), asset, collateral, debt}
	var out Position
	if err := c.signedPost(ctx, "/v1/positions", body, idempotencyKey, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Deposit(ctx context.Context, asset string, amount uint64, idempotencyKey string) (*Position, error) {
	return c.change(ctx, "deposit", asset, amount, idempotencyKey)
}

func (c *Client) Withdraw(ctx context.Context, asset string, amount uint64, idempotencyKey string) (*Position, error) {
	return c.change(ctx, "withdraw", asset, amount, idempotencyKey)
}

func (c *Client) Borrow(ctx context.Context, asset string, amount uint64, idempotencyKey string) (*Position, error) {
	return c.change(ctx, "borrow", asset, amount, idempotencyKey)
}

func (c *Client) Repay(ctx context.Context, asset string, amount uint64, idempotencyKey string) (*Position, error) {
	return c.change(ctx, "repay", asset, amount, idempotencyKey)
}

func (c *Client) change(ctx context.Context, op, asset string, amount uint64, idempotencyKey string) (*Position, error) {
	owner, err := c.Owner()
	if err != nil {
		return nil, err
	}
	var out Position
	body := positionChange{Owner: owner.String(), Asset: asset, Amount: amount}
	if err := c.signedPost(ctx, "/v1/positions/"+op, body, idempotencyKey, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Position reads a position with its health when a price is available.
func (c *Client) Position(ctx context.Context, asset, owner string) (*Position, error) {
	var out Position
	path := "/v1/positions/" + url.PathEscape(asset) + "/" + url.PathEscape(owner)
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Pool(ctx context.Context, asset string) (*Pool, error) {
	var out Pool
	if err := c.do(ctx, http.MethodGet, "/v1/pools/"+url.PathEscape(asset), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Pools(ctx context.Context) ([]Pool, error) {
	var out struct {
		Pools []Pool `json:"pools"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/pools", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Pools, nil
}

func (c *Client) Balance(ctx context.Context, asset, account string) (*Balance, error) {
	var out Balance
	path := "/v1/balances/" + url.PathEscape(asset) + "/" + url.PathEscape(account)
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// OpenPool creates the pool for asset. Requires an operator token.
func (c *Client) OpenPool(ctx context.Context, asset, creator string) (*Pool, error) {
	var out Pool
	body := map[string]string{"asset": asset, "creator": creator}
	if err := c.do(ctx, http.MethodPost, "/v1/pools", body, c.adminHeaders(), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RegisterAsset adds a custody asset. Requires an operator token.
func (c *Client) RegisterAsset(ctx context.Context, symbol string, decimals uint8) error {
	body := map[string]interface{}{"symbol": symbol, "decimals": decimals}
	return c.do(ctx, http.MethodPost, "/v1/admin/assets", body, c.adminHeaders(), nil)
}

// Credit mints amount into account. Requires an operator token.
func (c *Client) Credit(ctx context.Context, account, asset string, amount uint64) (*Balance, error) {
	var out Balance
	body := map[string]string{"account": account, "asset": asset, "amount": strconv.FormatUint(amount, 10)}
	if err := c.do(ctx, http.MethodPost, "/v1/admin/credit", body, c.adminHeaders(), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PostPrice publishes a quote to a registry-backed feed.
func (c *Client) PostPrice(ctx context.Context, asset, price, source string) error {
	body := map[string]string{"asset": asset, "price": price, "source": source}
	return c.do(ctx, http.MethodPost, "/v1/admin/prices", body, c.adminHeaders(), nil)
}

// SetPaused toggles the pause flag of module ("cdp" or "custody").
func (c *Client) SetPaused(ctx context.Context, module string, paused bool) error {
	body := map[string]interface{}{"module": module, "paused": paused}
	return c.do(ctx, http.MethodPost, "/v1/admin/pause", body, c.adminHeaders(), nil)
}

// Export streams the parquet snapshot of asset's pool into w.
func (c *Client) Export(ctx context.Context, asset string, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/pools/"+url.PathEscape(asset)+"/export", nil)
	if err != nil {
		return err
	}
	for k, v := range c.adminHeaders() {
		req.Header.Set(k, v)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}
	_, err = io.Copy(w, resp.Body)
	return err
}

func (c *Client) adminHeaders() map[string]string {
	if c.token == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + c.token}
}

func (c *Client) signedPost(ctx context.Context, path string, body interface{}, idempotencyKey string, out interface{}) error {
	if c.signer == nil {
		return errNoSigner
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	ts := c.now().Unix()
	nonce := uuid.NewString()
	sig, err := crypto.SignRequest(c.signer, http.MethodPost, path, ts, nonce, raw)
	if err != nil {
		return err
	}
	headers := map[string]string{
		headerSignature: hex.EncodeToString(sig),
		headerTimestamp: strconv.FormatInt(ts, 10),
		headerNonce:     nonce,
	}
	if key := strings.TrimSpace(idempotencyKey); key != "" {
		headers[headerIdempotency] = key
	}
	return c.send(ctx, http.MethodPost, path, raw, headers, out)
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, headers map[string]string, out interface{}) error {
	var raw []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		raw = encoded
	}
	return c.send(ctx, method, path, raw, headers, out)
}

func (c *Client) send(ctx context.Context, method, path string, raw []byte, headers map[string]string, out interface{}) error {
	var reader io.Reader
	if raw != nil {
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if raw != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeAPIError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &APIError{Status: resp.StatusCode}
	var payload struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if err := json.Unmarshal(data, &payload); err == nil && payload.Error != "" {
		apiErr.Code = payload.Code
		apiErr.Message = payload.Error
	} else {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	return apiErr
}
