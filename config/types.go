package config

// Risk holds the parameters copied into every new pool.
type Risk struct {
	MinimumCollateralRatio  uint64 `toml:"minimum_collateral_ratio"`
	CriticalCollateralRatio uint64 `toml:"critical_collateral_ratio"`
	MinimumDebt             uint64 `toml:"minimum_debt"`
	Fee                     uint64 `toml:"fee"`
}

// Policy toggles the stricter solvency rules. Both default to off.
type Policy struct {
	BorrowIncludesExistingDebt bool   `toml:"borrow_includes_existing_debt"`
	WithdrawChecksSolvency     bool   `toml:"withdraw_checks_solvency"`
	RepayAsset                 string `toml:"repay_asset"`
	RepayDecimals              uint8  `toml:"repay_decimals"`
	MaxPriceStalenessSeconds   uint64 `toml:"max_price_staleness_seconds"`
}

// Quota caps owner mutations per window. Zero limits are unbounded.
type Quota struct {
	MaxRequests   uint32 `toml:"max_requests"`
	MaxBorrow     uint64 `toml:"max_borrow"`
	WindowSeconds uint32 `toml:"window_seconds"`
}

// CDP groups the engine settings.
type CDP struct {
	Risk   Risk   `toml:"risk"`
	Policy Policy `toml:"policy"`
	Quota  Quota  `toml:"quota"`
}

// Quote seeds the price registry at startup.
type Quote struct {
	Asset string `toml:"asset"`
	Price string `toml:"price"`
}

// Oracle selects the price source. Mode is "fixed" or "registry".
type Oracle struct {
	Mode       string  `toml:"mode"`
	FixedPrice string  `toml:"fixed_price"`
	Quotes     []Quote `toml:"quotes"`
}

// Asset is registered with custody at startup when missing.
type Asset struct {
	Symbol   string `toml:"symbol"`
	Decimals uint8  `toml:"decimals"`
}

// Custody configures the ledger bank. The authority secret is read from the
// environment variable named by SecretEnv, falling back to Secret.
type Custody struct {
	SecretEnv string  `toml:"secret_env"`
	Secret    string  `toml:"secret"`
	Assets    []Asset `toml:"assets"`
}

// Pauses are applied to state at startup.
type Pauses struct {
	CDP     bool `toml:"cdp"`
	Custody bool `toml:"custody"`
}

// Global bundles the module configuration enforced by ValidateConfig.
type Global struct {
	CDP     CDP     `toml:"cdp"`
	Oracle  Oracle  `toml:"oracle"`
	Custody Custody `toml:"custody"`
	Pauses  Pauses  `toml:"pauses"`
}
