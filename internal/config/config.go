package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	RPCURL         string
	Contract       string
	RouteID        string
	Confirmations  uint64
	ThresholdSecs  int64
	CooldownSecs   int64
	PollSecs       int
	AlertPollSecs  int
	MaxRange       uint64
	SeedOffset     uint64
	PgDSN          string
	IPFSAPIURL     string
	IPFSGatewayURL string
	TelegramToken  string
	TelegramChatID string
	APIPort        int
	ToleranceSecs  int64
	LogLevel       string
}

// Load merges config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ORBITWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("rpc", "https://arb1.arbitrum.io/rpc")
	v.SetDefault("contract", "0x995a9d3ca121D48d21087eDE20bc8acb2398c8B1")
	v.SetDefault("route", "xai")
	v.SetDefault("confirmations", uint64(6))
	v.SetDefault("threshold-secs", int64(900))
	v.SetDefault("cooldown-secs", int64(600))
	v.SetDefault("poll-secs", 30)
	v.SetDefault("alert-poll-secs", 5)
	v.SetDefault("max-range", uint64(500))
	v.SetDefault("seed-offset", uint64(50))
	v.SetDefault("ipfs-api-url", "http://localhost:5001")
	v.SetDefault("ipfs-gateway-url", "http://localhost:8080")
	v.SetDefault("api-port", 3001)
	v.SetDefault("tolerance-secs", int64(10))
	v.SetDefault("log-level", "info")

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := Config{
		RPCURL:         v.GetString("rpc"),
		Contract:       v.GetString("contract"),
		RouteID:        v.GetString("route"),
		Confirmations:  v.GetUint64("confirmations"),
		ThresholdSecs:  v.GetInt64("threshold-secs"),
		CooldownSecs:   v.GetInt64("cooldown-secs"),
		PollSecs:       v.GetInt("poll-secs"),
		AlertPollSecs:  v.GetInt("alert-poll-secs"),
		MaxRange:       v.GetUint64("max-range"),
		SeedOffset:     v.GetUint64("seed-offset"),
		PgDSN:          v.GetString("pg-dsn"),
		IPFSAPIURL:     v.GetString("ipfs-api-url"),
		IPFSGatewayURL: v.GetString("ipfs-gateway-url"),
		TelegramToken:  v.GetString("telegram-bot-token"),
		TelegramChatID: v.GetString("telegram-chat-id"),
		APIPort:        v.GetInt("api-port"),
		ToleranceSecs:  v.GetInt64("tolerance-secs"),
		LogLevel:       v.GetString("log-level"),
	}

	return cfg, nil
}

// CursorID derives the cursor identity for a route.
func (c Config) CursorID() string {
	return c.RouteID + "-seqinbox"
}
