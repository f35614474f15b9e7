package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cdp.toml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.CDP.Risk.MinimumCollateralRatio != 110 || cfg.CDP.Risk.CriticalCollateralRatio != 150 {
		t.Fatalf("unexpected defaults: %+v", cfg.CDP.Risk)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default file not written: %v", err)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Oracle.Mode != OracleModeFixed || reloaded.Oracle.FixedPrice != "200" {
		t.Fatalf("unexpected oracle defaults: %+v", reloaded.Oracle)
	}
	if reloaded.Policy().BorrowIncludesExistingDebt || reloaded.Policy().WithdrawChecksSolvency {
		t.Fatalf("strict policies must default to off")
	}
}

func TestLoadParsesTables(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cdp.toml")
	contents := `
[cdp.risk]
minimum_collateral_ratio = 120
critical_collateral_ratio = 160
minimum_debt = 10
fee = 0

[cdp.policy]
borrow_includes_existing_debt = true
withdraw_checks_solvency = true
repay_asset = "usd"
repay_decimals = 6
max_price_staleness_seconds = 30

[cdp.quota]
max_requests = 20
max_borrow = 5000
window_seconds = 300

[oracle]
mode = "Registry"
quotes = [{ asset = "SOL", price = "180" }]

[custody]
secret = "inline"
assets = [{ symbol = "sol", decimals = 9 }, { symbol = "USD", decimals = 6 }]

[pauses]
cdp = true
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	params := cfg.RiskParameters()
	if params.MinimumCollateralRatio != 120 || params.CriticalCollateralRatio != 160 || params.MinimumDebt != 10 {
		t.Fatalf("unexpected risk params: %+v", params)
	}
	policy := cfg.Policy()
	if !policy.BorrowIncludesExistingDebt || !policy.WithdrawChecksSolvency || policy.RepayAsset != "USD" || policy.MaxPriceStaleness != 30*time.Second {
		t.Fatalf("unexpected policy: %+v", policy)
	}
	if quota := cfg.Quota(); quota.MaxRequests != 20 || quota.MaxAmount != 5000 || quota.WindowSeconds != 300 {
		t.Fatalf("unexpected quota: %+v", quota)
	}
	if cfg.Oracle.Mode != OracleModeRegistry || len(cfg.Oracle.Quotes) != 1 {
		t.Fatalf("unexpected oracle: %+v", cfg.Oracle)
	}
	if cfg.Custody.Assets[0].Symbol != "SOL" || !cfg.Pauses.CDP {
		t.Fatalf("unexpected custody/pauses: %+v %+v", cfg.Custody, cfg.Pauses)
	}
	t.Setenv(cfg.Custody.SecretEnv, "")
	secret, err := cfg.CustodySecret()
	if err != nil || string(secret) != "inline" {
		t.Fatalf("unexpected secret %q err %v", secret, err)
	}
	t.Setenv(cfg.Custody.SecretEnv, "from-env")
	secret, err = cfg.CustodySecret()
	if err != nil || string(secret) != "from-env" {
		t.Fatalf("environment secret must win, got %q err %v", secret, err)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cdp.toml")
	if err := os.WriteFile(path, []byte("[cdp.risk]\nmcr = 110\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "unknown key") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Global)
	}{
		{"zero mcr", func(g *Global) { g.CDP.Risk.MinimumCollateralRatio = 0 }},
		{"ccr below mcr", func(g *Global) { g.CDP.Risk.CriticalCollateralRatio = 100 }},
		{"fractional fixed price", func(g *Global) { g.Oracle.FixedPrice = "1.5" }},
		{"unknown mode", func(g *Global) { g.Oracle.Mode = "chainlink" }},
		{"bad registry quote", func(g *Global) {
			g.Oracle.Mode = OracleModeRegistry
			g.Oracle.Quotes = []Quote{{Asset: "SOL", Price: "-1"}}
		}},
		{"unregistered repay asset", func(g *Global) { g.CDP.Policy.RepayAsset = "USD" }},
		{"quota without window", func(g *Global) {
			g.CDP.Quota = Quota{MaxRequests: 5}
		}},
		{"asset with key separator", func(g *Global) {
			g.Custody.Assets = []Asset{{Symbol: "SOL/X", Decimals: 9}}
		}},
		{"duplicate asset", func(g *Global) {
			g.Custody.Assets = []Asset{{Symbol: "SOL", Decimals: 9}, {Symbol: "SOL", Decimals: 6}}
		}},
	}
	if err := ValidateConfig(*Default()); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			if err := ValidateConfig(*cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
