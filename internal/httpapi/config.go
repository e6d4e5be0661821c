package httpapi

import "time"

// Config holds the HTTP facade settings.
type Config struct {
	ListenAddr         string
	AllowedOrigins     []string
	JWTSigningKey      string
	WalletHistoryLimit int
	ShutdownTimeout    time.Duration
}

const (
	defaultWalletHistoryLimit = 50
	defaultShutdownTimeout    = 5 * time.Second
)

func (cfg Config) walletHistoryLimit() int {
	if cfg.WalletHistoryLimit <= 0 {
		return defaultWalletHistoryLimit
	}
	return cfg.WalletHistoryLimit
}

func (cfg Config) shutdownTimeout() time.Duration {
	if cfg.ShutdownTimeout <= 0 {
		return defaultShutdownTimeout
	}
	return cfg.ShutdownTimeout
}
