package config

import (
	"fmt"

	"cdpledger/core/types"
	"cdpledger/native/oracle"
)

func ValidateConfig(g Global) error {
	if err := g.RiskParameters().Validate(); err != nil {
		return fmt.Errorf("cdp.risk: %w", err)
	}
	if g.CDP.Policy.RepayAsset != "" && !hasAsset(g.Custody.Assets, g.CDP.Policy.RepayAsset) {
		return fmt.Errorf("cdp.policy: repay_asset %s is not a custody asset", g.CDP.Policy.RepayAsset)
	}
	if (g.CDP.Quota.MaxRequests > 0 || g.CDP.Quota.MaxBorrow > 0) && g.CDP.Quota.WindowSeconds == 0 {
		return fmt.Errorf("cdp.quota: window_seconds must be positive when a limit is set")
	}
	switch g.Oracle.Mode {
	case OracleModeFixed:
		if _, err := oracle.ParsePrice(g.Oracle.FixedPrice); err != nil {
			return fmt.Errorf("oracle: fixed_price: %w", err)
		}
	case OracleModeRegistry:
		for _, q := range g.Oracle.Quotes {
			if q.Asset == "" {
				return fmt.Errorf("oracle: quote without asset")
			}
			if _, err := oracle.ParsePrice(q.Price); err != nil {
				return fmt.Errorf("oracle: quote %s: %w", q.Asset, err)
			}
		}
	default:
		return fmt.Errorf("oracle: unknown mode %q", g.Oracle.Mode)
	}
	seen := make(map[string]struct{}, len(g.Custody.Assets))
	for _, asset := range g.Custody.Assets {
		if asset.Symbol == "" {
			return fmt.Errorf("custody: asset without symbol")
		}
		if !types.ValidAsset(asset.Symbol) {
			return fmt.Errorf("custody: asset %q must use only A-Z, 0-9, '.', '_' and '-'", asset.Symbol)
		}
		if _, dup := seen[asset.Symbol]; dup {
			return fmt.Errorf("custody: asset %s listed twice", asset.Symbol)
		}
		seen[asset.Symbol] = struct{}{}
	}
	return nil
}

func hasAsset(assets []Asset, symbol string) bool {
	for _, asset := range assets {
		if asset.Symbol == symbol {
			return true
		}
	}
	return false
}
