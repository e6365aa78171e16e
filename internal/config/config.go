package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	ModeLedger = "ledger"
	ModeEVM    = "evm"
)

type Config struct {
	Service string `yaml:"service"`
	Env     string `yaml:"env"`
	Log     struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
	DB struct {
		DSN string `yaml:"dsn"`
	} `yaml:"db"`
	Auth struct {
		JWTSecret        string `yaml:"jwt_secret"`
		Issuer           string `yaml:"issuer"`
		ClockSkewSeconds int64  `yaml:"clock_skew_seconds"`
	} `yaml:"auth"`
	Currency struct {
		Code     string `yaml:"code"`
		Decimals int    `yaml:"decimals"`
	} `yaml:"currency"`
	Settlement struct {
		Mode string `yaml:"mode"`
		// Ledger mode completes transfers on the next poll instead of inline.
		Async bool `yaml:"async"`
	} `yaml:"settlement"`
	Wallet struct {
		XPub   string `yaml:"xpub"`
		Prefix string `yaml:"prefix"`
		Format string `yaml:"format"`
	} `yaml:"wallet"`
	Chain struct {
		ChainID              int64    `yaml:"chain_id"`
		RPCEndpoints         []string `yaml:"rpc_endpoints"`
		WSEndpoints          []string `yaml:"ws_endpoints"`
		PrivateKey           string   `yaml:"private_key"`
		WeiPerUnit           string   `yaml:"wei_per_unit"`
		GasLimit             uint64   `yaml:"gas_limit"`
		Confirmations        uint64   `yaml:"confirmations"`
		RPCFailoverThreshold int      `yaml:"rpc_failover_threshold"`
	} `yaml:"chain"`
	AMQP struct {
		URL      string `yaml:"url"`
		Exchange string `yaml:"exchange"`
	} `yaml:"amqp"`
	Worker struct {
		IntervalSeconds int64 `yaml:"interval_seconds"`
	} `yaml:"worker"`
	RateLimit struct {
		RPS   float64 `yaml:"rps"`
		Burst int     `yaml:"burst"`
	} `yaml:"rate_limit"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "configs/config.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML, applies environment overrides and defaults, then
// validates.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Service == "" {
		cfg.Service = "farm-escrow"
	}
	if cfg.Env == "" {
		cfg.Env = "development"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Currency.Code == "" {
		cfg.Currency.Code = "USD"
		if cfg.Currency.Decimals == 0 {
			cfg.Currency.Decimals = 2
		}
	}
	if cfg.Settlement.Mode == "" {
		cfg.Settlement.Mode = ModeLedger
	}
	if cfg.Chain.GasLimit == 0 {
		cfg.Chain.GasLimit = 21000
	}
	if cfg.Chain.Confirmations == 0 {
		cfg.Chain.Confirmations = 1
	}
	if cfg.Chain.RPCFailoverThreshold <= 0 {
		cfg.Chain.RPCFailoverThreshold = 3
	}
	if cfg.Worker.IntervalSeconds <= 0 {
		cfg.Worker.IntervalSeconds = 5
	}
}

func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return errors.New("auth.jwt_secret is required")
	}
	if c.Currency.Decimals < 0 || c.Currency.Decimals > 18 {
		return errors.New("currency.decimals must be within 0..18")
	}
	switch c.Settlement.Mode {
	case ModeLedger:
	case ModeEVM:
		if len(c.Chain.RPCEndpoints) == 0 || c.Chain.PrivateKey == "" {
			return errors.New("chain config is incomplete")
		}
	default:
		return fmt.Errorf("unknown settlement.mode %q", c.Settlement.Mode)
	}
	switch c.Wallet.Format {
	case "", "bech32", "evm":
	default:
		return fmt.Errorf("unknown wallet.format %q", c.Wallet.Format)
	}
	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		return errors.New("rate_limit values must not be negative")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.Env = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.DB.DSN = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("JWT_ISSUER"); v != "" {
		cfg.Auth.Issuer = v
	}
	if v := os.Getenv("CURRENCY_CODE"); v != "" {
		cfg.Currency.Code = v
	}
	if v := os.Getenv("CURRENCY_DECIMALS"); v != "" {
		cfg.Currency.Decimals = atoiOr(cfg.Currency.Decimals, v)
	}
	if v := os.Getenv("SETTLEMENT_MODE"); v != "" {
		cfg.Settlement.Mode = strings.ToLower(v)
	}
	if v := os.Getenv("WALLET_XPUB"); v != "" {
		cfg.Wallet.XPub = v
	}
	if v := os.Getenv("WALLET_PREFIX"); v != "" {
		cfg.Wallet.Prefix = v
	}
	if v := os.Getenv("WALLET_FORMAT"); v != "" {
		cfg.Wallet.Format = v
	}
	if v := os.Getenv("CHAIN_ID"); v != "" {
		cfg.Chain.ChainID = atoi64Or(cfg.Chain.ChainID, v)
	}
	if v := os.Getenv("RPC_ENDPOINTS"); v != "" {
		cfg.Chain.RPCEndpoints = splitCommaList(v)
	}
	if v := os.Getenv("WS_ENDPOINTS"); v != "" {
		cfg.Chain.WSEndpoints = splitCommaList(v)
	}
	if v := os.Getenv("SETTLEMENT_PRIVATE_KEY"); v != "" {
		cfg.Chain.PrivateKey = v
	}
	if v := os.Getenv("WEI_PER_UNIT"); v != "" {
		cfg.Chain.WeiPerUnit = v
	}
	if v := os.Getenv("CONFIRMATIONS"); v != "" {
		cfg.Chain.Confirmations = uint64(atoi64Or(int64(cfg.Chain.Confirmations), v))
	}
	if v := os.Getenv("RPC_FAILOVER_THRESHOLD"); v != "" {
		cfg.Chain.RPCFailoverThreshold = atoiOr(cfg.Chain.RPCFailoverThreshold, v)
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.AMQP.URL = v
	}
	if v := os.Getenv("WORKER_INTERVAL_SECONDS"); v != "" {
		cfg.Worker.IntervalSeconds = atoi64Or(cfg.Worker.IntervalSeconds, v)
	}
	if v := os.Getenv("RATE_LIMIT_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.RateLimit.RPS = f
		}
	}
	if v := os.Getenv("RATE_LIMIT_BURST"); v != "" {
		cfg.RateLimit.Burst = atoiOr(cfg.RateLimit.Burst, v)
	}
}

func splitCommaList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func atoiOr(fallback int, v string) int {
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func atoi64Or(fallback int64, v string) int64 {
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}
