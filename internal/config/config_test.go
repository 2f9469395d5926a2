package config

import (
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/dao-ledger/internal/proposals"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress || cfg.Database.Driver != "sqlite" || cfg.Database.Path != defaultDatabasePath {
		t.Fatalf("unexpected defaults: %#v", cfg)
	}
	policy := cfg.Voting.Policy()
	if policy != proposals.DefaultPolicy() {
		t.Fatalf("expected default policy, got %#v", policy)
	}
	if cfg.Wallet.ApprovalTimeout != 5*time.Minute || cfg.Wallet.BalanceRetries != 3 {
		t.Fatalf("unexpected wallet defaults: %#v", cfg.Wallet)
	}
	if cfg.Auth.TokenTTL != 30*time.Minute {
		t.Fatalf("unexpected token ttl %s", cfg.Auth.TokenTTL)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("DAOLEDGER_AUTH_SIGNING_SECRET", "from-env")
	t.Setenv("DAOLEDGER_VOTING_WEIGHTED", "false")
	t.Setenv("DAOLEDGER_VOTING_ROUNDING", "one_decimal")
	t.Setenv("DAOLEDGER_PROPOSALS_VOTING_PERIOD", "48h")
	t.Setenv("DAOLEDGER_DATABASE_DRIVER", "mysql")
	t.Setenv("DAOLEDGER_DATABASE_DSN", "ledger@tcp(db:3306)/dao")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Auth.SigningSecret != "from-env" || cfg.Voting.Weighted {
		t.Fatalf("expected env overrides, got %#v", cfg)
	}
	if cfg.Voting.Rounding != proposals.RoundingOneDecimal || cfg.Voting.VotingPeriod != 48*time.Hour {
		t.Fatalf("unexpected voting config %#v", cfg.Voting)
	}
	if cfg.Database.Driver != "mysql" || cfg.Database.DSN == "" {
		t.Fatalf("unexpected database config %#v", cfg.Database)
	}
}

func TestLoadValidation(t *testing.T) {
	testCases := []struct {
		name string
		set  map[string]any
	}{
		{name: "missing secret", set: map[string]any{}},
		{name: "mysql without dsn", set: map[string]any{"auth.signing_secret": "s", "database.driver": "mysql"}},
		{name: "unknown driver", set: map[string]any{"auth.signing_secret": "s", "database.driver": "postgres"}},
		{name: "bad rounding", set: map[string]any{"auth.signing_secret": "s", "voting.rounding": "bankers"}},
		{name: "negative minimum", set: map[string]any{"auth.signing_secret": "s", "proposals.min_creation_balance": -1}},
		{name: "zero approval timeout", set: map[string]any{"auth.signing_secret": "s", "wallet.approval_timeout": "0s"}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			for key, value := range testCase.set {
				configViper.Set(key, value)
			}
			if _, err := Load(configViper); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLoadWatch(t *testing.T) {
	configViper := NewViper()
	configViper.Set("watch.server_url", "http://ledger.local:8080/")
	configViper.Set("watch.address", "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed")

	cfg, err := LoadWatch(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ServerURL != "http://ledger.local:8080" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.ServerURL)
	}
	if cfg.Address == "" || cfg.Voting.Rounding != proposals.RoundingInteger {
		t.Fatalf("unexpected watch config %#v", cfg)
	}
}
