package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // postgres | sqlite3
	DSN    string `mapstructure:"dsn"`
}

// LedgerConfig carries the ledger's recognized options plus the storage
// layout the SQL adapter maps them onto.
type LedgerConfig struct {
	AutoCreateAccount         bool   `mapstructure:"auto_create_account"`
	ExtraAccountLinkAttribute string `mapstructure:"extra_account_link_attribute"`
	AccountBalanceAttribute   string `mapstructure:"account_balance_attribute"`
	NewBalanceAttribute       string `mapstructure:"new_balance_attribute"`
	Atomic                    bool   `mapstructure:"atomic"`
	NestedBoundaries          bool   `mapstructure:"nested_boundaries"`

	AccountTable     string `mapstructure:"account_table"`
	TransactionTable string `mapstructure:"transaction_table"`
	DataAttribute    string `mapstructure:"data_attribute"`
}

// Load reads configuration from an optional config file and BALANCE_*
// environment variables, falling back to the package defaults.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("server.port", "8080")
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.dsn", "host=localhost port=5432 user=postgres password=password dbname=balance sslmode=disable")
	v.SetDefault("ledger.auto_create_account", true)
	v.SetDefault("ledger.extra_account_link_attribute", "extra_account_id")
	v.SetDefault("ledger.account_balance_attribute", "balance")
	v.SetDefault("ledger.new_balance_attribute", "new_balance")
	v.SetDefault("ledger.atomic", true)
	v.SetDefault("ledger.nested_boundaries", true)
	v.SetDefault("ledger.account_table", "balance_accounts")
	v.SetDefault("ledger.transaction_table", "balance_transactions")
	v.SetDefault("ledger.data_attribute", "data")

	v.SetEnvPrefix("BALANCE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("balance")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/balance-ledger")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}
