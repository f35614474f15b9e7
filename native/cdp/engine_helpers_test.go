package cdp

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"cdpledger/core/events"
	"cdpledger/crypto"
)

type mockEngineState struct {
	pools     map[string]*Pool
	positions map[string]*Position
}

func newMockEngineState() *mockEngineState {
	return &mockEngineState{
		pools:     make(map[string]*Pool),
		positions: make(map[string]*Position),
	}
}

func (m *mockEngineState) positionKey(asset string, owner crypto.Address) string {
	return asset + "/" + string(owner.Bytes())
}

func (m *mockEngineState) GetPool(assetID string) (*Pool, error) {
	return m.pools[assetID].Clone(), nil
}

func (m *mockEngineState) PutPool(pool *Pool) error {
	m.pools[pool.AssetID] = pool.Clone()
	return nil
}

func (m *mockEngineState) GetPosition(assetID string, owner crypto.Address) (*Position, error) {
	return m.positions[m.positionKey(assetID, owner)].Clone(), nil
}

func (m *mockEngineState) PutPosition(position *Position) error {
	m.positions[m.positionKey(position.AssetID, position.Owner)] = position.Clone()
	return nil
}

func (m *mockEngineState) ForEachPosition(assetID string, fn func(*Position) error) error {
	keys := make([]string, 0, len(m.positions))
	for k := range m.positions {
		if strings.HasPrefix(k, assetID+"/") {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := fn(m.positions[k].Clone()); err != nil {
			return err
		}
	}
	return nil
}

var errFakeDenied = errors.New("fake custody: denied")

type fakeCustody struct {
	balances  map[string]uint64
	decimals  uint8
	token     []byte
	failNext  bool
	transfers []TransferRequest
}

func newFakeCustody() *fakeCustody {
	return &fakeCustody{balances: make(map[string]uint64), decimals: 9, token: []byte("capability")}
}

func (f *fakeCustody) key(account, asset string) string { return account + "|" + asset }

func (f *fakeCustody) credit(account, asset string, amount uint64) {
	f.balances[f.key(account, asset)] += amount
}

func (f *fakeCustody) balance(account, asset string) uint64 {
	return f.balances[f.key(account, asset)]
}

func (f *fakeCustody) OpenTreasury(_ context.Context, assetID string) (Treasury, error) {
	account := "treasury/" + assetID
	return Treasury{
		Account:   account,
		Decimals:  f.decimals,
		Authority: Authority{Account: account, Token: append([]byte(nil), f.token...)},
	}, nil
}

func (f *fakeCustody) Transfer(_ context.Context, req TransferRequest) error {
	if f.failNext {
		f.failNext = false
		return errFakeDenied
	}
	if strings.HasPrefix(req.From, "treasury/") {
		if req.Authority.Account != req.From || string(req.Authority.Token) != string(f.token) {
			return fmt.Errorf("fake custody: bad authority for %s", req.From)
		}
	}
	from := f.key(req.From, req.Asset)
	if f.balances[from] < req.Amount {
		return fmt.Errorf("fake custody: insufficient balance in %s", req.From)
	}
	f.balances[from] -= req.Amount
	f.balances[f.key(req.To, req.Asset)] += req.Amount
	f.transfers = append(f.transfers, req)
	return nil
}

type stubFeed struct {
	quote PriceQuote
	err   error
	seen  time.Duration
}

func (s *stubFeed) Price(_ context.Context, _ string, maxStaleness time.Duration) (PriceQuote, error) {
	s.seen = maxStaleness
	if s.err != nil {
		return PriceQuote{}, s.err
	}
	return s.quote, nil
}

type stubPauseView struct {
	modules map[string]bool
}

func (s stubPauseView) IsPaused(module string) bool {
	if s.modules == nil {
		return false
	}
	return s.modules[module]
}

type recordingEmitter struct {
	types []string
}

func (r *recordingEmitter) Emit(evt events.Event) {
	r.types = append(r.types, evt.EventType())
}

func makeAddress(prefix crypto.AddressPrefix, fill byte) crypto.Address {
	b := make([]byte, 20)
	for i := range b {
		b[i] = fill
	}
	return crypto.NewAddress(prefix, b)
}

type fixture struct {
	engine  *Engine
	state   *mockEngineState
	custody *fakeCustody
	emitter *recordingEmitter
	creator crypto.Address
}

func newFixture(policy Policy) *fixture {
	f := &fixture{
		engine:  NewEngine(DefaultRiskParameters(), policy),
		state:   newMockEngineState(),
		custody: newFakeCustody(),
		emitter: &recordingEmitter{},
		creator: makeAddress(crypto.PoolPrefix, 0x01),
	}
	f.engine.SetState(f.state)
	f.engine.SetCustody(f.custody)
	f.engine.SetEmitter(f.emitter)
	return f
}

func (f *fixture) openPool(asset string) *Pool {
	pool, err := f.engine.OpenPool(context.Background(), f.creator, asset)
	if err != nil {
		panic(err)
	}
	return pool
}

func (f *fixture) openFunded(owner crypto.Address, asset string, funds, collateral, debt uint64) *Position {
	f.custody.credit(owner.String(), asset, funds)
	position, err := f.engine.OpenPosition(context.Background(), owner, asset, collateral, debt)
	if err != nil {
		panic(err)
	}
	return position
}
