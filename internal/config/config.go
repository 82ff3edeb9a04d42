package config

import (
	"time"

	"github/chapool/go-rebalancer/internal/util"
)

// ModuleName is the name used in CLI help and build information output.
const ModuleName = "go-rebalancer"

// Chain holds the per-chain connection and asset parameters.
//
// MinTokenBalance is expressed in whole token units; the planner converts it
// to USD with the live oracle price before comparing against balances.
type Chain struct {
	Name             string
	ChainID          int64
	RPCURLs          []string
	TokenAddress     string
	TokenDecimals    int
	MinTokenBalance  float64
	WalletAddress    string
	WalletPrivateKey string `json:"-"` // never echoed by the env command
}

// Database configures the sqlite-backed operation store.
type Database struct {
	Path string
}

// Aggregator configures the bridge aggregator HTTP API client.
type Aggregator struct {
	BaseURL string
	APIKey  string `json:"-"`
	Timeout time.Duration
}

// Oracle configures the price oracle HTTP client.
type Oracle struct {
	BaseURL string
	Timeout time.Duration
}

// Rebalance holds the engine scheduling parameters.
type Rebalance struct {
	Interval        time.Duration
	GasMarginPct    int64
	ReceiptTimeout  time.Duration
	ReceiptInterval time.Duration
}

// Monitor holds the bridge-status polling backoff parameters.
type Monitor struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	Jitter      float64
}

// Telegram configures the chat notification backend.
type Telegram struct {
	Enabled  bool
	BotToken string `json:"-"`
	ChatID   string
	BaseURL  string
}

// SMTP configures the email notification backend.
type SMTP struct {
	Enabled  bool
	Host     string
	Port     int
	Username string
	Password string `json:"-"`
	From     string
	To       []string
}

// Echo configures the management/API HTTP listener.
type Echo struct {
	ListenAddress string
}

// Logger configures zerolog.
type Logger struct {
	Level              string
	PrettyPrintConsole bool
}

// Server is the root configuration for the service, resolved from ENV.
type Server struct {
	ChainA     Chain
	ChainB     Chain
	Database   Database
	Aggregator Aggregator
	Oracle     Oracle
	Rebalance  Rebalance
	Monitor    Monitor
	Telegram   Telegram
	SMTP       SMTP
	Echo       Echo
	Logger     Logger
}

// DefaultServiceConfigFromEnv returns the server config as parsed from the
// environment, falling back to defaults suitable for local development.
func DefaultServiceConfigFromEnv() Server {
	return Server{
		ChainA: Chain{
			Name:             util.GetEnv("REBALANCER_CHAIN_A_NAME", "ethereum"),
			ChainID:          util.GetEnvAsInt64("REBALANCER_CHAIN_A_ID", 1),
			RPCURLs:          util.GetEnvAsStringArr("REBALANCER_CHAIN_A_RPC_URLS", []string{"http://127.0.0.1:8545"}),
			TokenAddress:     util.GetEnv("REBALANCER_CHAIN_A_TOKEN_ADDRESS", ""),
			TokenDecimals:    util.GetEnvAsInt("REBALANCER_CHAIN_A_TOKEN_DECIMALS", 18),
			MinTokenBalance:  util.GetEnvAsFloat64("REBALANCER_CHAIN_A_MIN_TOKEN_BALANCE", 0),
			WalletAddress:    util.GetEnv("REBALANCER_CHAIN_A_WALLET_ADDRESS", ""),
			WalletPrivateKey: util.GetEnv("REBALANCER_CHAIN_A_WALLET_PRIVATE_KEY", ""),
		},
		ChainB: Chain{
			Name:             util.GetEnv("REBALANCER_CHAIN_B_NAME", "bsc"),
			ChainID:          util.GetEnvAsInt64("REBALANCER_CHAIN_B_ID", 56),
			RPCURLs:          util.GetEnvAsStringArr("REBALANCER_CHAIN_B_RPC_URLS", []string{"http://127.0.0.1:8546"}),
			TokenAddress:     util.GetEnv("REBALANCER_CHAIN_B_TOKEN_ADDRESS", ""),
			TokenDecimals:    util.GetEnvAsInt("REBALANCER_CHAIN_B_TOKEN_DECIMALS", 18),
			MinTokenBalance:  util.GetEnvAsFloat64("REBALANCER_CHAIN_B_MIN_TOKEN_BALANCE", 0),
			WalletAddress:    util.GetEnv("REBALANCER_CHAIN_B_WALLET_ADDRESS", ""),
			WalletPrivateKey: util.GetEnv("REBALANCER_CHAIN_B_WALLET_PRIVATE_KEY", ""),
		},
		Database: Database{
			Path: util.GetEnv("REBALANCER_DB_PATH", "rebalancer.db"),
		},
		Aggregator: Aggregator{
			BaseURL: util.GetEnv("REBALANCER_AGGREGATOR_BASE_URL", "https://api.bridge-aggregator.example"),
			APIKey:  util.GetEnv("REBALANCER_AGGREGATOR_API_KEY", ""),
			Timeout: util.GetEnvAsDuration("REBALANCER_AGGREGATOR_TIMEOUT", 30*time.Second),
		},
		Oracle: Oracle{
			BaseURL: util.GetEnv("REBALANCER_ORACLE_BASE_URL", "https://api.price-oracle.example"),
			Timeout: util.GetEnvAsDuration("REBALANCER_ORACLE_TIMEOUT", 10*time.Second),
		},
		Rebalance: Rebalance{
			Interval:        util.GetEnvAsDuration("REBALANCER_TICK_INTERVAL", 10*time.Minute),
			GasMarginPct:    util.GetEnvAsInt64("REBALANCER_GAS_MARGIN_PCT", 20),
			ReceiptTimeout:  util.GetEnvAsDuration("REBALANCER_RECEIPT_TIMEOUT", 2*time.Minute),
			ReceiptInterval: util.GetEnvAsDuration("REBALANCER_RECEIPT_INTERVAL", 3*time.Second),
		},
		Monitor: Monitor{
			BaseDelay:   util.GetEnvAsDuration("REBALANCER_MONITOR_BASE_DELAY", 5*time.Second),
			MaxDelay:    util.GetEnvAsDuration("REBALANCER_MONITOR_MAX_DELAY", 2*time.Minute),
			MaxAttempts: util.GetEnvAsInt("REBALANCER_MONITOR_MAX_ATTEMPTS", 60),
			Jitter:      util.GetEnvAsFloat64("REBALANCER_MONITOR_JITTER", 0.2),
		},
		Telegram: Telegram{
			Enabled:  util.GetEnvAsBool("REBALANCER_TELEGRAM_ENABLED", false),
			BotToken: util.GetEnv("REBALANCER_TELEGRAM_BOT_TOKEN", ""),
			ChatID:   util.GetEnv("REBALANCER_TELEGRAM_CHAT_ID", ""),
			BaseURL:  util.GetEnv("REBALANCER_TELEGRAM_BASE_URL", "https://api.telegram.org"),
		},
		SMTP: SMTP{
			Enabled:  util.GetEnvAsBool("REBALANCER_SMTP_ENABLED", false),
			Host:     util.GetEnv("REBALANCER_SMTP_HOST", "localhost"),
			Port:     util.GetEnvAsInt("REBALANCER_SMTP_PORT", 25),
			Username: util.GetEnv("REBALANCER_SMTP_USERNAME", ""),
			Password: util.GetEnv("REBALANCER_SMTP_PASSWORD", ""),
			From:     util.GetEnv("REBALANCER_SMTP_FROM", "rebalancer@localhost"),
			To:       util.GetEnvAsStringArr("REBALANCER_SMTP_TO", nil),
		},
		Echo: Echo{
			ListenAddress: util.GetEnv("REBALANCER_SERVER_LISTEN_ADDRESS", ":9090"),
		},
		Logger: Logger{
			Level:              util.GetEnv("REBALANCER_LOGGER_LEVEL", "info"),
			PrettyPrintConsole: util.GetEnvAsBool("REBALANCER_LOGGER_PRETTY_PRINT_CONSOLE", false),
		},
	}
}
