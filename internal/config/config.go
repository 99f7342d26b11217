// Package config loads the process configuration from YAML with
// environment overrides.
package config

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config is the full process configuration.
type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Store    StoreConfig    `mapstructure:"store"`
	Users    UsersConfig    `mapstructure:"users"`
	Trading  TradingConfig  `mapstructure:"trading"`
	Security SecurityConfig `mapstructure:"security"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type StoreConfig struct {
	CredentialDB string `mapstructure:"credential_db"`
	HistoryDB    string `mapstructure:"history_db"`
}

type UsersConfig struct {
	File string `mapstructure:"file"`
}

type TradingConfig struct {
	Parallelism int `mapstructure:"parallelism"`
}

type SecurityConfig struct {
	// EncryptionSecret seals stored API credentials. Usually supplied via
	// the CARRYBOT_SECURITY_ENCRYPTION_SECRET environment variable rather
	// than the file.
	EncryptionSecret string `mapstructure:"encryption_secret"`
}

func defaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("store.credential_db", "data/credentials.db")
	v.SetDefault("store.history_db", "data/history.db")
	v.SetDefault("users.file", "configs/users.yaml")
	v.SetDefault("trading.parallelism", 4)
}

// Load reads the config file at path and applies CARRYBOT_* environment
// overrides (dots become underscores: CARRYBOT_HTTP_ADDR).
func Load(path string) (*Config, error) {
	v := viper.New()
	defaults(v)
	v.SetEnvPrefix("CARRYBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only surfaces keys viper already knows about; the
	// secret has no default on purpose, so bind it explicitly.
	_ = v.BindEnv("security.encryption_secret")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var cfg Config
	decode := func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.WeaklyTypedInput = true
	}
	if err := v.Unmarshal(&cfg, decode); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the process cannot run with.
func (c *Config) Validate() error {
	if c.Security.EncryptionSecret == "" {
		return fmt.Errorf("缺少加密密钥: 请设置 security.encryption_secret 或 CARRYBOT_SECURITY_ENCRYPTION_SECRET")
	}
	if c.Users.File == "" {
		return fmt.Errorf("缺少用户配置文件路径")
	}
	if c.Trading.Parallelism <= 0 {
		c.Trading.Parallelism = 4
	}
	return nil
}
