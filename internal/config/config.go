// Package config is a validated-struct pattern covering the echolock
// engine's environment surface.
package config

import (
	"errors"
	"fmt"
	"strings"
)

var allowedLogLevels = map[string]struct{}{
	"debug": {},
	"info": {},
	"warn": {},
	"error": {},
}

// Config is the process-wide configuration for the core engine. Auxiliary
// entities (REST API, DB schema, mail, UI) are out of scope; this struct
// only carries the knobs the core engine operations actually consume.
type Config struct {
	LogLevel string `json:"log_level"`

	// ServiceMasterKeyHex is the 32-byte hex SERVICE_MASTER_KEY. Required
	// in production (Mainnet == true); fatal if absent there.
	ServiceMasterKeyHex string `json:"-"`

	RelayURLs []string `json:"relay_urls"`

	ExplorerURL string `json:"explorer_url"`
	// Mainnet gates the explorer/broadcast against the production Bitcoin
	// network. Defaults off and requires an explicit master key before
	// Validate will allow it on.
	Mainnet bool `json:"mainnet"`

	MinPublishQuorum int `json:"min_publish_quorum"`
	PBKDF2Iterations int `json:"pbkdf2_iterations"`
	CheckInScanIntervalSecs int `json:"check_in_scan_interval_secs"`
}

// DefaultConfig returns safe, conservative defaults suitable for a
// devnet-style run.
func DefaultConfig() Config {
	return Config{
		LogLevel: "info",
		RelayURLs: nil,
		ExplorerURL: "https://blockstream.info/testnet/api",
		Mainnet: false,
		MinPublishQuorum: 5,
		PBKDF2Iterations: 600_000,
		CheckInScanIntervalSecs: 300,
	}
}

// NormalizeRelayURLs dedupes and trims a comma-and-repeat flag style list.
func NormalizeRelayURLs(raw ...string) []string {
	out := make([]string, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, token := range raw {
		for _, u := range strings.Split(token, ",") {
			u = strings.TrimSpace(u)
			if u == "" {
				continue
			}
			if _, ok := seen[u]; ok {
				continue
			}
			seen[u] = struct{}{}
			out = append(out, u)
		}
	}
	return out
}

// Validate checks structural invariants before the config is used to
// construct any component. It never reaches the network.
func Validate(cfg Config) error {
	logLevel := strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if _, ok := allowedLogLevels[logLevel]; !ok {
		return fmt.Errorf("invalid log_level %q", cfg.LogLevel)
	}
	if len(cfg.RelayURLs) < 7 {
		return fmt.Errorf("relay_urls must list at least 7 relays, got %d", len(cfg.RelayURLs))
	}
	for _, u := range cfg.RelayURLs {
		if err := validateRelayURL(u); err != nil {
			return fmt.Errorf("invalid relay url %q: %w", u, err)
		}
	}
	if strings.TrimSpace(cfg.ExplorerURL) == "" {
		return errors.New("explorer_url is required")
	}
	if cfg.MinPublishQuorum < 1 || cfg.MinPublishQuorum > len(cfg.RelayURLs) {
		return fmt.Errorf("min_publish_quorum must be in [1, %d]", len(cfg.RelayURLs))
	}
	if cfg.PBKDF2Iterations < 600_000 {
		return fmt.Errorf("pbkdf2_iterations must be >= 600000, got %d", cfg.PBKDF2Iterations)
	}
	if cfg.CheckInScanIntervalSecs <= 0 {
		return errors.New("check_in_scan_interval_secs must be > 0")
	}
	if cfg.Mainnet {
		// Explicit unsafe gate: mainnet requires an operator to have
		// already provisioned a master key; we don't audit policy here,
		// only refuse the silent-default path.
		if strings.TrimSpace(cfg.ServiceMasterKeyHex) == "" {
			return errors.New("mainnet=true requires SERVICE_MASTER_KEY to be set")
		}
	}
	return nil
}

func validateRelayURL(u string) error {
	u = strings.TrimSpace(u)
	if u == "" {
		return errors.New("empty relay url")
	}
	if !strings.HasPrefix(u, "wss://") && !strings.HasPrefix(u, "ws://") {
		return errors.New("relay url must use ws:// or wss://")
	}
	return nil
}
