package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/vitwit/solpay/confirmation"
	"github.com/vitwit/solpay/types"
	"github.com/vitwit/solpay/unlock"
	"github.com/vitwit/solpay/utils"
)

// Config aggregates application configuration values.
type Config struct {
	Pay       types.PayConfig
	Session   SessionConfig
	Unlock    UnlockConfig
	RateLimit RateLimitConfig
	HTTP      HTTPConfig
	Logging   LoggingConfig
}

// SessionConfig drives the client side confirmation loop.
type SessionConfig struct {
	PollInterval time.Duration
	PollTimeout  time.Duration
}

// UnlockConfig controls the unlock cookie.
type UnlockConfig struct {
	TTL          time.Duration
	Secret       string
	SecureCookie bool
}

// RateLimitConfig limits pay requests per client IP. A zero Limit disables it.
type RateLimitConfig struct {
	Limit    int
	Window   time.Duration
	RedisURL string
}

// HTTPConfig governs HTTP server behaviour.
type HTTPConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// TrustProxy honours X-Forwarded-For and X-Real-IP. Enable only behind a
	// proxy that sets them.
	TrustProxy bool
}

// LoggingConfig controls structured logging settings.
type LoggingConfig struct {
	Level string
}

const (
	defaultNetwork         = types.NetworkDevnet
	defaultSOLAmount       = "0.05"
	defaultUSDCAmount      = "5"
	defaultLabel           = "Solana Wallet Analyzer"
	defaultMessage         = "Unlock Pro"
	defaultMemo            = "solana-wallet-pro"
	defaultCommitment      = "finalized"
	defaultRPCTimeout      = 15 * time.Second
	defaultRateLimit       = 30
	defaultRateWindow      = time.Minute
	defaultHost            = "0.0.0.0"
	defaultPort            = 8080
	defaultReadTimeout     = 10 * time.Second
	defaultWriteTimeout    = 30 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultLoggingLevel    = "info"
)

// Load reads configuration from environment variables, applying defaults.
// Recipient and mint may be empty here; requests fail until they are set.
func Load() (Config, error) {
	network, ok := types.ParseNetwork(valueOrDefault("SOLANA_PAY_NETWORK", defaultNetwork.String()))
	if !ok {
		return Config{}, types.ConfigError("invalid SOLANA_PAY_NETWORK %q", os.Getenv("SOLANA_PAY_NETWORK"))
	}

	cfg := Config{
		Pay: types.PayConfig{
			Network:          network,
			Recipient:        os.Getenv("SOLANA_PAY_RECIPIENT"),
			USDCMint:         os.Getenv("SOLANA_PAY_USDC_MINT"),
			Label:            valueOrDefault("SOLANA_PAY_LABEL", defaultLabel),
			Message:          valueOrDefault("SOLANA_PAY_MESSAGE", defaultMessage),
			Memo:             valueOrDefault("SOLANA_PAY_MEMO", defaultMemo),
			RPCURL:           valueOrDefault("SOLANA_PAY_RPC_URL", network.DefaultRPC()),
			Commitment:       valueOrDefault("SOLANA_PAY_COMMITMENT", defaultCommitment),
			RequireReference: parseBoolWithDefault("SOLANA_PAY_REQUIRE_REFERENCE", false),
		},
		Unlock: UnlockConfig{
			Secret:       os.Getenv("UNLOCK_SECRET"),
			SecureCookie: parseBoolWithDefault("UNLOCK_SECURE_COOKIE", false),
		},
		RateLimit: RateLimitConfig{
			Limit:    parseIntWithDefault("RATE_LIMIT", defaultRateLimit),
			RedisURL: os.Getenv("REDIS_URL"),
		},
		HTTP: HTTPConfig{
			Host:       valueOrDefault("SERVER_HOST", defaultHost),
			TrustProxy: parseBoolWithDefault("SERVER_TRUST_PROXY", false),
		},
		Logging: LoggingConfig{
			Level: valueOrDefault("LOG_LEVEL", defaultLoggingLevel),
		},
	}

	var err error
	if cfg.Pay.SOLAmount, err = utils.ValidateAmount(valueOrDefault("SOLANA_PAY_SOL_AMOUNT", defaultSOLAmount)); err != nil {
		return Config{}, types.ConfigError("invalid SOLANA_PAY_SOL_AMOUNT: %v", err)
	}
	if cfg.Pay.USDCAmount, err = utils.ValidateAmount(valueOrDefault("SOLANA_PAY_USDC_AMOUNT", defaultUSDCAmount)); err != nil {
		return Config{}, types.ConfigError("invalid SOLANA_PAY_USDC_AMOUNT: %v", err)
	}

	durations := []struct {
		key      string
		fallback time.Duration
		dst      *time.Duration
	}{
		{"SOLANA_PAY_RPC_TIMEOUT", defaultRPCTimeout, &cfg.Pay.RPCTimeout},
		{"SOLANA_PAY_POLL_INTERVAL", confirmation.DefaultPollInterval, &cfg.Session.PollInterval},
		{"SOLANA_PAY_POLL_TIMEOUT", confirmation.DefaultTimeout, &cfg.Session.PollTimeout},
		{"UNLOCK_TTL", unlock.DefaultTTL, &cfg.Unlock.TTL},
		{"RATE_WINDOW", defaultRateWindow, &cfg.RateLimit.Window},
		{"SERVER_READ_TIMEOUT", defaultReadTimeout, &cfg.HTTP.ReadTimeout},
		{"SERVER_WRITE_TIMEOUT", defaultWriteTimeout, &cfg.HTTP.WriteTimeout},
		{"SERVER_IDLE_TIMEOUT", defaultIdleTimeout, &cfg.HTTP.IdleTimeout},
		{"SERVER_SHUTDOWN_TIMEOUT", defaultShutdownTimeout, &cfg.HTTP.ShutdownTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = parseDurationWithDefault(d.key, d.fallback); err != nil {
			return Config{}, err
		}
	}

	if cfg.HTTP.Port, err = parsePort("SERVER_PORT", defaultPort); err != nil {
		return Config{}, err
	}

	if err := utils.ValidateStruct(&cfg.Pay); err != nil {
		return Config{}, types.ConfigError("invalid payment configuration: %v", err)
	}

	return cfg, nil
}

// Addr is the listen address of the HTTP server.
func (c HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func valueOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseBoolWithDefault(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		val, err := strconv.ParseBool(v)
		if err != nil {
			return fallback
		}
		return val
	}
	return fallback
}

func parseIntWithDefault(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if val, err := strconv.Atoi(v); err == nil {
			return val
		}
	}
	return fallback
}

func parseDurationWithDefault(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, types.ConfigError("invalid %s: %v", key, err)
	}
	if d <= 0 {
		return 0, types.ConfigError("%s must be positive", key)
	}
	return d, nil
}

func parsePort(key string, fallback int) (int, error) {
	if v := os.Getenv(key); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return 0, types.ConfigError("invalid %s value %q: %v", key, v, err)
		}
		if port <= 0 || port > 65535 {
			return 0, types.ConfigError("port %d is out of range", port)
		}
		return port, nil
	}
	return fallback, nil
}
