package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/dao-ledger/internal/proposals"
	"github.com/spf13/viper"
)

const (
	envPrefix                 = "DAOLEDGER"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabaseDriver     = "sqlite"
	defaultDatabasePath       = "dao-ledger.db"
	defaultLogLevel           = "info"
	defaultLogFormat          = "json"
	defaultTokenTTL           = 30 * time.Minute
	defaultRounding           = "integer"
	defaultTokenAddress       = "0x4989e24fEC5E3bb2De5d67C078e5a28c37681cB9"
	defaultRPCTimeout         = 10 * time.Second
	defaultBalanceRetries     = 3
	defaultApprovalTimeout    = 5 * time.Minute
	defaultWatchServerURL     = "http://localhost:8080"
	defaultHeartbeatInterval  = 15 * time.Second
	defaultMinCreationBalance = proposals.DefaultMinCreationBalance
)

// AppConfig captures runtime configuration for the ledger server.
type AppConfig struct {
	HTTPAddress       string
	HeartbeatInterval time.Duration
	LogLevel          string
	LogFormat         string
	Database          DatabaseConfig
	Auth              AuthConfig
	Voting            VotingConfig
	Wallet            WalletConfig
	RedisURL          string
}

// DatabaseConfig selects the proposal store.
type DatabaseConfig struct {
	Driver string
	Path   string
	DSN    string
}

// AuthConfig configures wallet session tokens.
type AuthConfig struct {
	SigningSecret string
	TokenTTL      time.Duration
}

// VotingConfig carries the voting product choices.
type VotingConfig struct {
	Weighted           bool
	AllowAbstain       bool
	Rounding           proposals.RoundingPolicy
	MinCreationBalance float64
	VotingPeriod       time.Duration
}

// Policy converts the voting section into the engine policy.
func (v VotingConfig) Policy() proposals.Policy {
	return proposals.Policy{
		Weighted:           v.Weighted,
		AllowAbstain:       v.AllowAbstain,
		Rounding:           v.Rounding,
		MinCreationBalance: v.MinCreationBalance,
		VotingPeriod:       v.VotingPeriod,
	}
}

// WalletConfig configures chain reads and wallet challenges. An empty RPCURL leaves balances unknown.
type WalletConfig struct {
	RPCURL          string
	TokenAddress    string
	RPCTimeout      time.Duration
	BalanceRetries  uint
	ApprovalTimeout time.Duration
}

// WatchConfig configures the snapshot watcher.
type WatchConfig struct {
	ServerURL string
	Address   string
	LogLevel  string
	LogFormat string
	Voting    VotingConfig
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.heartbeat_interval", defaultHeartbeatInterval)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.dsn", "")
	configViper.SetDefault("auth.signing_secret", "")
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
	configViper.SetDefault("voting.weighted", true)
	configViper.SetDefault("voting.allow_abstain", true)
	configViper.SetDefault("voting.rounding", defaultRounding)
	configViper.SetDefault("proposals.min_creation_balance", defaultMinCreationBalance)
	configViper.SetDefault("proposals.voting_period", proposals.DefaultVotingPeriod)
	configViper.SetDefault("wallet.rpc_url", "")
	configViper.SetDefault("wallet.token_address", defaultTokenAddress)
	configViper.SetDefault("wallet.rpc_timeout", defaultRPCTimeout)
	configViper.SetDefault("wallet.balance_retries", defaultBalanceRetries)
	configViper.SetDefault("wallet.approval_timeout", defaultApprovalTimeout)
	configViper.SetDefault("redis.url", "")
	configViper.SetDefault("watch.server_url", defaultWatchServerURL)
	configViper.SetDefault("watch.address", "")
}

// Load parses server configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	voting, err := loadVoting(configViper)
	if err != nil {
		return AppConfig{}, err
	}

	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		HeartbeatInterval: configViper.GetDuration("http.heartbeat_interval"),
		LogLevel:          configViper.GetString("log.level"),
		LogFormat:         configViper.GetString("log.format"),
		Database: DatabaseConfig{
			Driver: strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
			Path:   configViper.GetString("database.path"),
			DSN:    configViper.GetString("database.dsn"),
		},
		Auth: AuthConfig{
			SigningSecret: configViper.GetString("auth.signing_secret"),
			TokenTTL:      configViper.GetDuration("auth.token_ttl"),
		},
		Voting: voting,
		Wallet: WalletConfig{
			RPCURL:          strings.TrimSpace(configViper.GetString("wallet.rpc_url")),
			TokenAddress:    strings.TrimSpace(configViper.GetString("wallet.token_address")),
			RPCTimeout:      configViper.GetDuration("wallet.rpc_timeout"),
			BalanceRetries:  configViper.GetUint("wallet.balance_retries"),
			ApprovalTimeout: configViper.GetDuration("wallet.approval_timeout"),
		},
		RedisURL: strings.TrimSpace(configViper.GetString("redis.url")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// LoadWatch parses watcher configuration from viper.
func LoadWatch(configViper *viper.Viper) (WatchConfig, error) {
	voting, err := loadVoting(configViper)
	if err != nil {
		return WatchConfig{}, err
	}
	cfg := WatchConfig{
		ServerURL: strings.TrimRight(strings.TrimSpace(configViper.GetString("watch.server_url")), "/"),
		Address:   strings.TrimSpace(configViper.GetString("watch.address")),
		LogLevel:  configViper.GetString("log.level"),
		LogFormat: configViper.GetString("log.format"),
		Voting:    voting,
	}
	if cfg.ServerURL == "" {
		return WatchConfig{}, fmt.Errorf("watch.server_url is required")
	}
	return cfg, nil
}

func loadVoting(configViper *viper.Viper) (VotingConfig, error) {
	rounding, err := proposals.ParseRoundingPolicy(configViper.GetString("voting.rounding"))
	if err != nil {
		return VotingConfig{}, fmt.Errorf("voting.rounding: %w", err)
	}
	voting := VotingConfig{
		Weighted:           configViper.GetBool("voting.weighted"),
		AllowAbstain:       configViper.GetBool("voting.allow_abstain"),
		Rounding:           rounding,
		MinCreationBalance: configViper.GetFloat64("proposals.min_creation_balance"),
		VotingPeriod:       configViper.GetDuration("proposals.voting_period"),
	}
	if voting.MinCreationBalance < 0 {
		return VotingConfig{}, fmt.Errorf("proposals.min_creation_balance must not be negative")
	}
	if voting.VotingPeriod <= 0 {
		return VotingConfig{}, fmt.Errorf("proposals.voting_period must be positive")
	}
	return voting, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.Auth.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	switch c.Database.Driver {
	case "sqlite":
		if strings.TrimSpace(c.Database.Path) == "" {
			return fmt.Errorf("database.path is required")
		}
	case "mysql":
		if strings.TrimSpace(c.Database.DSN) == "" {
			return fmt.Errorf("database.dsn is required when database.driver is mysql")
		}
	default:
		return fmt.Errorf("database.driver must be sqlite or mysql, got %q", c.Database.Driver)
	}
	if c.Wallet.RPCURL != "" && c.Wallet.TokenAddress == "" {
		return fmt.Errorf("wallet.token_address is required when wallet.rpc_url is set")
	}
	if c.Wallet.RPCTimeout <= 0 {
		return fmt.Errorf("wallet.rpc_timeout must be positive")
	}
	if c.Wallet.ApprovalTimeout <= 0 {
		return fmt.Errorf("wallet.approval_timeout must be positive")
	}
	return nil
}
