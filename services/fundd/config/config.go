package config

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/romain-mg/unknownfinance/fund"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for fundd.
type Config struct {
	ListenAddress string          `yaml:"listen"`
	Environment   string          `yaml:"environment"`
	LogLevel      string          `yaml:"log_level"`
	StatePath     string          `yaml:"state_path"`
	AuditPath     string          `yaml:"audit_path"`
	Admin         AdminConfig     `yaml:"admin"`
	Oracle        OracleConfig    `yaml:"oracle"`
	Chain         ChainConfig     `yaml:"chain"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
	Fund          FundConfig      `yaml:"fund"`
}

// AdminConfig secures the operator endpoints.
type AdminConfig struct {
	BearerToken string `yaml:"bearer_token"`
}

// OracleConfig describes the decryption gateway.
type OracleConfig struct {
	Endpoint    string   `yaml:"endpoint"`
	BearerToken string   `yaml:"bearer_token"`
	Authority   string   `yaml:"authority"`
	Timeout     Duration `yaml:"timeout"`
	RequestTTL  Duration `yaml:"request_ttl"`
}

// ChainConfig describes the settlement gateway hosting the confidential token
// primitives, swap venue and market data.
type ChainConfig struct {
	Endpoint    string   `yaml:"endpoint"`
	BearerToken string   `yaml:"bearer_token"`
	Timeout     Duration `yaml:"timeout"`
}

// RateLimitConfig throttles the public submission endpoints per client.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// TokenConfig describes one index constituent and its swap route.
type TokenConfig struct {
	Symbol   string `yaml:"symbol"`
	Decimals uint8  `yaml:"decimals"`
	FeeBps   uint32 `yaml:"fee_bps"`
	VenueID  string `yaml:"venue"`
}

// FundConfig carries the immutable fund parameters.
type FundConfig struct {
	Address             string        `yaml:"address"`
	Tokens              []TokenConfig `yaml:"tokens"`
	Stablecoin          string        `yaml:"stablecoin"`
	PlainStablecoin     string        `yaml:"plain_stablecoin"`
	ShareSymbol         string        `yaml:"share_symbol"`
	StableDecimals      uint8         `yaml:"stable_decimals"`
	InitialSharePrice   string        `yaml:"initial_share_price"`
	BatchSize           uint32        `yaml:"batch_size"`
	MaxSwapAmount       string        `yaml:"max_swap_amount"`
	MaxMintOrBurnAmount string        `yaml:"max_mint_or_burn_amount"`
	FeeDivisor          string        `yaml:"fee_divisor"`
	ProtocolOwner       string        `yaml:"protocol_owner"`
}

// Load reads configuration from the supplied path.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7085"
	}
	if cfg.StatePath == "" {
		cfg.StatePath = "/var/data/fundd.db"
	}
	if cfg.AuditPath == "" {
		cfg.AuditPath = "/var/data/fundd-audit.sqlite"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Oracle.Timeout.Duration == 0 {
		cfg.Oracle.Timeout.Duration = 10 * time.Second
	}
	if cfg.Oracle.RequestTTL.Duration == 0 {
		cfg.Oracle.RequestTTL.Duration = time.Hour
	}
	if cfg.Chain.Timeout.Duration == 0 {
		cfg.Chain.Timeout.Duration = 10 * time.Second
	}
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit.RequestsPerMinute = 60
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 10
	}
}

func validate(cfg Config) error {
	if strings.TrimSpace(cfg.Admin.BearerToken) == "" {
		return fmt.Errorf("admin bearer token must be configured")
	}
	if strings.TrimSpace(cfg.Oracle.Endpoint) == "" {
		return fmt.Errorf("oracle endpoint must be configured")
	}
	if strings.TrimSpace(cfg.Oracle.BearerToken) == "" {
		return fmt.Errorf("oracle bearer token must be configured")
	}
	if _, err := ParseAddress(cfg.Oracle.Authority); err != nil {
		return fmt.Errorf("oracle authority: %w", err)
	}
	if strings.TrimSpace(cfg.Chain.Endpoint) == "" {
		return fmt.Errorf("chain endpoint must be configured")
	}
	if len(cfg.Fund.Tokens) == 0 {
		return fmt.Errorf("at least one index token must be configured")
	}
	if _, err := ParseAddress(cfg.Fund.Address); err != nil {
		return fmt.Errorf("fund address: %w", err)
	}
	if _, err := cfg.Fund.Params(); err != nil {
		return err
	}
	return nil
}

// ParseAddress decodes a 0x-prefixed 20-byte hex address.
func ParseAddress(raw string) ([20]byte, error) {
	var addr [20]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return addr, fmt.Errorf("decode address %q: %w", raw, err)
	}
	if len(decoded) != len(addr) {
		return addr, fmt.Errorf("address %q must be 20 bytes", raw)
	}
	copy(addr[:], decoded)
	return addr, nil
}

// FundAddress returns the configured fund custody address.
func (c Config) FundAddress() ([20]byte, error) {
	return ParseAddress(c.Fund.Address)
}

// OracleAuthority returns the address allowed to deliver callbacks.
func (c Config) OracleAuthority() ([20]byte, error) {
	return ParseAddress(c.Oracle.Authority)
}

// Params converts the YAML fund section into engine parameters.
func (f FundConfig) Params() (fund.FundParams, error) {
	params := fund.FundParams{
		Stablecoin:      f.Stablecoin,
		PlainStablecoin: f.PlainStablecoin,
		ShareSymbol:     f.ShareSymbol,
		StableDecimals:  f.StableDecimals,
		BatchSize:       f.BatchSize,
		TokenDecimals:   make(map[string]uint8, len(f.Tokens)),
	}
	for _, token := range f.Tokens {
		symbol := strings.TrimSpace(token.Symbol)
		if symbol == "" {
			return params, fmt.Errorf("index token symbol must not be empty")
		}
		params.IndexTokens = append(params.IndexTokens, symbol)
		params.TokenDecimals[symbol] = token.Decimals
		params.PoolKeys = append(params.PoolKeys, fund.PoolKey{
			Base:    symbol,
			Quote:   strings.TrimSpace(f.PlainStablecoin),
			FeeBps:  token.FeeBps,
			VenueID: strings.TrimSpace(token.VenueID),
		})
	}
	var err error
	if params.InitialSharePrice, err = parseAmount("initial_share_price", f.InitialSharePrice); err != nil {
		return params, err
	}
	if params.MaxSwapAmount, err = parseAmount("max_swap_amount", f.MaxSwapAmount); err != nil {
		return params, err
	}
	if params.MaxMintOrBurnAmount, err = parseAmount("max_mint_or_burn_amount", f.MaxMintOrBurnAmount); err != nil {
		return params, err
	}
	if params.FeeDivisor, err = parseAmount("fee_divisor", f.FeeDivisor); err != nil {
		return params, err
	}
	if params.ProtocolOwner, err = ParseAddress(f.ProtocolOwner); err != nil {
		return params, fmt.Errorf("protocol_owner: %w", err)
	}
	return params, nil
}

func parseAmount(field, raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("%s must be configured", field)
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("%s: invalid amount %q", field, raw)
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("%s must be positive", field)
	}
	return amount, nil
}
