// Package config loads service settings from the environment. An optional
// .env file in the working directory is read first; real environment
// variables take precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config is the typed service configuration.
type Config struct {
	Port string

	DatabaseURL string
	RedisURL    string
	CacheTTL    time.Duration

	// RPCURL enables L1 reads and block polling. Empty runs ingest-only.
	RPCURL string

	Vault           common.Address
	EquityVault     common.Address
	StakingContract common.Address
	LendingProtocol common.Address

	VaultEquityPrecompile  common.Address
	WithdrawablePrecompile common.Address
	SpotBalancePrecompile  common.Address
	SpotTokens             []uint64
	PinL1Block             bool

	L1IntervalBlocks   uint64
	RiskIntervalBlocks uint64
	PollBlocks         bool
	PollInterval       time.Duration
	// APYWindow is the equity history annualized into the staking APY.
	APYWindow time.Duration

	StakingAsset    string
	DerivativeAsset string
	CoinGeckoURL    string
	CoinGeckoAPIKey string
	// CoinGeckoIDs maps asset symbols to coin ids.
	CoinGeckoIDs   map[string]string
	HyperliquidURL string
	PriceMaxAge    time.Duration
	ExchangeRate   decimal.Decimal

	LiquidationThreshold float64
	AssetDecimals        int32
	// BorrowAPR overrides the fallback borrow rate when set.
	BorrowAPR *float64

	AlertPolicy     string
	AlertWebhookURL string
}

var ErrMissingVault = errors.New("config: HYPE_VAULT_ADDRESS (or BORING_VAULT_ADDRESS) is required")

// Load reads .env if present and parses the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("config: read .env: %w", err)
	}
	return FromEnv(os.Getenv)
}

// FromEnv parses settings through getenv.
func FromEnv(getenv func(string) string) (Config, error) {
	p := parser{getenv: getenv}

	cfg := Config{
		Port:        p.str("PORT", "8080"),
		DatabaseURL: p.str("DATABASE_URL", ""),
		RedisURL:    p.str("REDIS_URL", ""),
		CacheTTL:    p.duration("CACHE_TTL", 30*time.Second),
		RPCURL:      p.str("RPC_URL", ""),

		Vault:           p.address("HYPE_VAULT_ADDRESS", p.str("BORING_VAULT_ADDRESS", "")),
		EquityVault:     p.address("HLP_VAULT_ADDRESS", ""),
		StakingContract: p.address("STAKING_CONTRACT_ADDRESS", ""),
		LendingProtocol: p.address("LENDING_PROTOCOL_ADDRESS", ""),

		VaultEquityPrecompile:  p.address("VAULT_EQUITY_PRECOMPILE_ADDRESS", "0x0000000000000000000000000000000000000802"),
		WithdrawablePrecompile: p.address("WITHDRAWABLE_PRECOMPILE_ADDRESS", "0x0000000000000000000000000000000000000803"),
		SpotBalancePrecompile:  p.address("SPOT_BALANCE_PRECOMPILE_ADDRESS", "0x0000000000000000000000000000000000000801"),
		SpotTokens:             p.uintList("L1_SPOT_TOKENS", []uint64{0}),
		PinL1Block:             p.boolean("L1_PIN_BLOCK", false),

		L1IntervalBlocks:   p.uint("L1_INTERVAL_BLOCKS", 100),
		RiskIntervalBlocks: p.uint("RISK_INTERVAL_BLOCKS", 50),
		PollBlocks:         p.boolean("BLOCK_POLLER", true),
		PollInterval:       p.duration("BLOCK_POLL_INTERVAL", 2*time.Second),
		APYWindow:          p.duration("APY_WINDOW", 24*time.Hour),

		StakingAsset:    p.str("STAKING_ASSET", "HYPE"),
		DerivativeAsset: p.str("DERIVATIVE_ASSET", "stHYPE"),
		CoinGeckoURL:    p.str("COINGECKO_URL", "https://api.coingecko.com/api/v3"),
		CoinGeckoAPIKey: p.str("COINGECKO_API_KEY", ""),
		HyperliquidURL:  p.str("HYPERLIQUID_API_URL", "https://api.hyperliquid.xyz"),
		PriceMaxAge:     p.duration("PRICE_MAX_AGE", 5*time.Minute),
		ExchangeRate:    p.decimal("DERIVATIVE_EXCHANGE_RATE", "1.05"),

		LiquidationThreshold: p.float("LIQUIDATION_THRESHOLD", 0.8),
		AssetDecimals:        int32(p.uint("ASSET_DECIMALS", 18)),

		AlertPolicy:     p.str("ALERT_POLICY", "episode"),
		AlertWebhookURL: p.str("ALERT_WEBHOOK_URL", p.str("DISCORD_WEBHOOK_URL", "")),
	}

	cfg.CoinGeckoIDs = map[string]string{cfg.StakingAsset: p.str("COINGECKO_STAKING_ID", "hyperliquid")}
	if id := p.str("COINGECKO_DERIVATIVE_ID", ""); id != "" {
		cfg.CoinGeckoIDs[cfg.DerivativeAsset] = id
	}
	if v := strings.TrimSpace(getenv("BORROW_APR")); v != "" {
		apr := p.float("BORROW_APR", 0)
		cfg.BorrowAPR = &apr
	}

	if err := p.err(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	var errs []error
	if c.Vault == (common.Address{}) {
		errs = append(errs, ErrMissingVault)
	}
	if c.RPCURL != "" && c.EquityVault == (common.Address{}) {
		errs = append(errs, errors.New("config: HLP_VAULT_ADDRESS is required when RPC_URL is set"))
	}
	if c.L1IntervalBlocks == 0 || c.RiskIntervalBlocks == 0 {
		errs = append(errs, errors.New("config: block intervals must be positive"))
	}
	if c.LiquidationThreshold <= 0 || c.LiquidationThreshold >= 1 {
		errs = append(errs, fmt.Errorf("config: LIQUIDATION_THRESHOLD %v out of (0,1)", c.LiquidationThreshold))
	}
	if !c.ExchangeRate.IsPositive() {
		errs = append(errs, errors.New("config: DERIVATIVE_EXCHANGE_RATE must be positive"))
	}
	return errors.Join(errs...)
}

// parser collects every malformed variable instead of stopping at the first.
type parser struct {
	getenv func(string) string
	errs   []error
}

func (p *parser) err() error { return errors.Join(p.errs...) }

func (p *parser) fail(key, val string, err error) {
	p.errs = append(p.errs, fmt.Errorf("config: %s=%q: %w", key, val, err))
}

func (p *parser) str(key, def string) string {
	if v := strings.TrimSpace(p.getenv(key)); v != "" {
		return v
	}
	return def
}

func (p *parser) address(key, def string) common.Address {
	v := p.str(key, def)
	if v == "" {
		return common.Address{}
	}
	if !common.IsHexAddress(v) {
		p.fail(key, v, errors.New("not a hex address"))
		return common.Address{}
	}
	return common.HexToAddress(v)
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := p.str(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return d
}

func (p *parser) uint(key string, def uint64) uint64 {
	v := p.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return n
}

func (p *parser) uintList(key string, def []uint64) []uint64 {
	v := p.str(key, "")
	if v == "" {
		return def
	}
	var out []uint64
	for _, part := range strings.Split(v, ",") {
		n, err := strconv.ParseUint(strings.TrimSpace(part), 10, 64)
		if err != nil {
			p.fail(key, v, err)
			return def
		}
		out = append(out, n)
	}
	return out
}

func (p *parser) float(key string, def float64) float64 {
	v := p.str(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return f
}

func (p *parser) boolean(key string, def bool) bool {
	v := p.str(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return b
}

func (p *parser) decimal(key, def string) decimal.Decimal {
	v := p.str(key, def)
	d, err := decimal.NewFromString(v)
	if err != nil {
		p.fail(key, v, err)
		return decimal.Zero
	}
	return d
}
