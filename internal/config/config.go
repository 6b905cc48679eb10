package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ardanlabs/conf"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/olehkaliuzhnyi/usdt-relayer/pkg/models"
)

// EnvPrefix namespaces every environment variable, e.g. RELAYER_CHAIN.
const EnvPrefix = "RELAYER"

// Config holds all configurable parameters of the relayer process.
type Config struct {
	Chain       string `conf:"default:shasta"`
	Environment string `conf:"default:development"`

	Server struct {
		HTTPHost        string        `conf:"default:0.0.0.0:3000"`
		MetricsHost     string        `conf:"default:0.0.0.0:9999"`
		ShutdownTimeout time.Duration `conf:"default:30s"`
	}
	Log struct {
		Level  string `conf:"default:info"`
		Format string `conf:"default:json"`
	}
	Wallet struct {
		PrivateKey    string `conf:"optional,mask"`
		Mnemonic      string `conf:"optional,mask"`
		MnemonicIndex uint32 `conf:"default:0"`
	}
	TronGrid struct {
		URL           string        `conf:"optional"` // overrides the network preset
		APIKey        string        `conf:"optional,mask"`
		RPS           float64       `conf:"default:10"`
		Burst         int           `conf:"default:5"`
		Timeout       time.Duration `conf:"default:30s"`
		RetryInterval time.Duration `conf:"default:30s"`
		RetryTimeout  time.Duration `conf:"default:60s"`
	}
	Tx struct {
		FeeLimitSun    int64         `conf:"default:150000000"`
		Expiration     time.Duration `conf:"default:60s"`
		PollInterval   time.Duration `conf:"default:3s"`
		ConfirmTimeout time.Duration `conf:"default:60s"`
	}
	BlockRef struct {
		Interval time.Duration `conf:"default:30s"`
		MaxAge   time.Duration `conf:"default:6h"`
	}
	Marketplace struct {
		URL     string        `conf:"default:https://www.tokengoodies.com/tronresourceexchange/exchange"`
		APIKey  string        `conf:"optional,mask"`
		Timeout time.Duration `conf:"default:30s"`
	}
	Quote struct {
		EnergyToEmptyAccount int64  `conf:"default:64895"`
		EnergyToHolder       int64  `conf:"default:31895"`
		TrxSingleTxBandwidth string `conf:"default:0.4"`
		UsdtPerTrx           string `conf:"default:0.12"`
		MarkupUSDT           string `conf:"default:0.2"`
	}
	Monitor struct {
		Interval      time.Duration `conf:"default:10m"`
		ExtendIfBelow time.Duration `conf:"default:48h"`
		RentFor       time.Duration `conf:"default:168h"`
	}
	Router struct {
		FeeUSDT         string `conf:"default:1.5"`
		ActivationProxy string `conf:"optional"` // defaults to the JustLend market
	}
	Telegram struct {
		BaseURL string        `conf:"default:https://api.telegram.org"`
		Token   string        `conf:"optional,mask"`
		ChatID  int64         `conf:"optional"` // overrides the network preset
		Timeout time.Duration `conf:"default:10s"`
	}
	Geo struct {
		URL      string        `conf:"default:http://ip-api.com"`
		CacheTTL time.Duration `conf:"default:24h"`
	}
	Store struct {
		LedgerDir       string        `conf:"default:store"`
		DatabaseURL     string        `conf:"optional,mask"`
		MaxOpenConns    int           `conf:"default:10"`
		MaxIdleConns    int           `conf:"default:5"`
		ConnMaxLifetime time.Duration `conf:"default:30m"`
		QueryTimeout    time.Duration `conf:"default:5s"`
		PinMaxAttempts  int           `conf:"default:5"`
	}
}

// Default returns a Config populated with default values.
func Default() Config {
	var cfg Config
	cfg.Chain = string(models.ChainShasta)
	cfg.Environment = "development"

	cfg.Server.HTTPHost = "0.0.0.0:3000"
	cfg.Server.MetricsHost = "0.0.0.0:9999"
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Log.Level = "info"
	cfg.Log.Format = "json"

	cfg.TronGrid.RPS = 10
	cfg.TronGrid.Burst = 5
	cfg.TronGrid.Timeout = 30 * time.Second
	cfg.TronGrid.RetryInterval = 3 * time.Second
	cfg.TronGrid.RetryTimeout = 60 * time.Second

	cfg.Tx.FeeLimitSun = 150_000_000 // 150 TRX
	cfg.Tx.Expiration = 60 * time.Second
	cfg.Tx.PollInterval = 3 * time.Second
	cfg.Tx.ConfirmTimeout = 60 * time.Second

	cfg.BlockRef.Interval = 30 * time.Second
	cfg.BlockRef.MaxAge = 6 * time.Hour

	cfg.Marketplace.URL = "https://www.tokengoodies.com/tronresourceexchange/exchange"
	cfg.Marketplace.Timeout = 30 * time.Second

	cfg.Quote.EnergyToEmptyAccount = 64895
	cfg.Quote.EnergyToHolder = 31895
	cfg.Quote.TrxSingleTxBandwidth = "0.4"
	cfg.Quote.UsdtPerTrx = "0.12"
	cfg.Quote.MarkupUSDT = "0.2"

	cfg.Monitor.Interval = 10 * time.Minute
	cfg.Monitor.ExtendIfBelow = 48 * time.Hour
	cfg.Monitor.RentFor = 7 * 24 * time.Hour

	cfg.Router.FeeUSDT = "1.5"

	cfg.Telegram.BaseURL = "https://api.telegram.org"
	cfg.Telegram.Timeout = 10 * time.Second

	cfg.Geo.URL = "http://ip-api.com"
	cfg.Geo.CacheTTL = 24 * time.Hour

	cfg.Store.LedgerDir = "store"
	cfg.Store.MaxOpenConns = 10
	cfg.Store.MaxIdleConns = 5
	cfg.Store.ConnMaxLifetime = 30 * time.Minute
	cfg.Store.QueryTimeout = 5 * time.Second
	cfg.Store.PinMaxAttempts = 5
	return cfg
}

// Load reads .env (if present), then flags and RELAYER_* environment
// variables on top of the tag defaults. conf.ErrHelpWanted and
// conf.ErrVersionWanted are returned wrapped.
func Load(args []string) (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Config{}, errors.Wrap(err, "loading .env")
	}
	var cfg Config
	if err := conf.Parse(args, EnvPrefix, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "parsing config")
	}
	return cfg, nil
}

// Usage renders the flag and environment help text.
func Usage() (string, error) {
	var cfg Config
	return conf.Usage(EnvPrefix, &cfg)
}

// String renders cfg with secrets masked.
func (c Config) String() string {
	out, err := conf.String(&c)
	if err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return out
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	if _, err := Lookup(c.Chain); err != nil {
		return err
	}
	if (c.Wallet.PrivateKey == "") == (c.Wallet.Mnemonic == "") {
		return errors.New("exactly one of wallet private key or mnemonic must be set")
	}
	if c.Monitor.Interval <= 0 || c.Monitor.Interval >= c.Monitor.ExtendIfBelow {
		return errors.Errorf("monitor interval %s must be positive and below the extension threshold %s",
			c.Monitor.Interval, c.Monitor.ExtendIfBelow)
	}
	if c.Monitor.RentFor <= c.Monitor.ExtendIfBelow {
		return errors.Errorf("monitor rental duration %s must exceed the extension threshold %s",
			c.Monitor.RentFor, c.Monitor.ExtendIfBelow)
	}
	for name, v := range map[string]string{
		"quote bandwidth TRX": c.Quote.TrxSingleTxBandwidth,
		"quote USDT per TRX":  c.Quote.UsdtPerTrx,
		"quote markup USDT":   c.Quote.MarkupUSDT,
		"router fee USDT":     c.Router.FeeUSDT,
	} {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return errors.Wrapf(err, "%s", name)
		}
		if d.IsNegative() {
			return errors.Errorf("%s must not be negative, got %s", name, v)
		}
	}
	if c.Store.PinMaxAttempts <= 0 {
		return errors.Errorf("pin max attempts must be positive, got %d", c.Store.PinMaxAttempts)
	}
	return nil
}

// Network returns the preset selected by Chain with configured overrides applied.
func (c Config) Network() (Network, error) {
	n, err := Lookup(c.Chain)
	if err != nil {
		return Network{}, err
	}
	if c.TronGrid.URL != "" {
		n.TronGridURL = c.TronGrid.URL
	}
	if c.Telegram.ChatID != 0 {
		n.TelegramChatID = c.Telegram.ChatID
	}
	if c.Router.ActivationProxy != "" {
		if n.ActivationProxy, err = parseAddress("activation proxy", c.Router.ActivationProxy); err != nil {
			return Network{}, err
		}
	}
	return n, nil
}
