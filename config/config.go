package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"cdpledger/core/types"
	"cdpledger/native/cdp"
	nativecommon "cdpledger/native/common"
)

const (
	OracleModeFixed    = "fixed"
	OracleModeRegistry = "registry"

	defaultSecretEnv = "CDP_CUSTODY_SECRET"
)

// Default returns the configuration written when no file exists.
func Default() *Global {
	params := cdp.DefaultRiskParameters()
	return &Global{
		CDP: CDP{
			Risk: Risk{
				MinimumCollateralRatio:  params.MinimumCollateralRatio,
				CriticalCollateralRatio: params.CriticalCollateralRatio,
				MinimumDebt:             params.MinimumDebt,
				Fee:                     params.Fee,
			},
			Policy: Policy{
				MaxPriceStalenessSeconds: uint64(cdp.DefaultMaxPriceStaleness / time.Second),
			},
			Quota: Quota{WindowSeconds: 60},
		},
		Oracle: Oracle{
			Mode:       OracleModeFixed,
			FixedPrice: fmt.Sprintf("%d", cdp.SyntheticPrice),
		},
		Custody: Custody{SecretEnv: defaultSecretEnv},
	}
}

// Load loads the configuration from the given path, writing the defaults
// there first when the file does not exist.
func Load(path string) (*Global, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := Default()
		if err := persist(path, cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	} else if err != nil {
		return nil, err
	}

	cfg := Default()
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s: unknown key %s", path, undecoded[0])
	}
	cfg.normalize()
	if err := ValidateConfig(*cfg); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

func (g *Global) normalize() {
	g.Oracle.Mode = strings.ToLower(strings.TrimSpace(g.Oracle.Mode))
	if g.Oracle.Mode == "" {
		g.Oracle.Mode = OracleModeFixed
	}
	g.CDP.Policy.RepayAsset = types.NormalizeAsset(g.CDP.Policy.RepayAsset)
	for i := range g.Custody.Assets {
		g.Custody.Assets[i].Symbol = types.NormalizeAsset(g.Custody.Assets[i].Symbol)
	}
	if strings.TrimSpace(g.Custody.SecretEnv) == "" {
		g.Custody.SecretEnv = defaultSecretEnv
	}
}

// RiskParameters converts the [cdp.risk] table.
func (g Global) RiskParameters() cdp.RiskParameters {
	return cdp.RiskParameters{
		MinimumCollateralRatio:  g.CDP.Risk.MinimumCollateralRatio,
		CriticalCollateralRatio: g.CDP.Risk.CriticalCollateralRatio,
		MinimumDebt:             g.CDP.Risk.MinimumDebt,
		Fee:                     g.CDP.Risk.Fee,
	}
}

// Policy converts the [cdp.policy] table.
func (g Global) Policy() cdp.Policy {
	return cdp.Policy{
		BorrowIncludesExistingDebt: g.CDP.Policy.BorrowIncludesExistingDebt,
		WithdrawChecksSolvency:     g.CDP.Policy.WithdrawChecksSolvency,
		RepayAsset:                 g.CDP.Policy.RepayAsset,
		RepayDecimals:              g.CDP.Policy.RepayDecimals,
		MaxPriceStaleness:          time.Duration(g.CDP.Policy.MaxPriceStalenessSeconds) * time.Second,
	}
}

// Quota converts the [cdp.quota] table.
func (g Global) Quota() nativecommon.Quota {
	return nativecommon.Quota{
		MaxRequests:   g.CDP.Quota.MaxRequests,
		MaxAmount:     g.CDP.Quota.MaxBorrow,
		WindowSeconds: g.CDP.Quota.WindowSeconds,
	}
}

// CustodySecret resolves the custody authority secret.
func (g Global) CustodySecret() ([]byte, error) {
	if env := strings.TrimSpace(g.Custody.SecretEnv); env != "" {
		if value := strings.TrimSpace(os.Getenv(env)); value != "" {
			return []byte(value), nil
		}
	}
	if secret := strings.TrimSpace(g.Custody.Secret); secret != "" {
		return []byte(secret), nil
	}
	return nil, fmt.Errorf("custody: secret not configured (set %s)", g.Custody.SecretEnv)
}

func persist(path string, cfg *Global) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
