package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/1e9c9h9o/echolock-sub005/internal/errs"
)

var errFatalMissingMasterKey = errs.New(errs.KindFatal, "config.RequireMasterKey", errMissingMasterKey{})

type errMissingMasterKey struct{}

func (errMissingMasterKey) Error() string {
	return "SERVICE_MASTER_KEY is required in production (mainnet=true)"
}

// FromEnv loads overrides from the process environment, layered on top
// of DefaultConfig(). It never fails on a missing optional variable;
// Validate is responsible for rejecting an incomplete result.
func FromEnv() Config {
	cfg := DefaultConfig()

	if v, ok := os.LookupEnv("SERVICE_MASTER_KEY"); ok {
		cfg.ServiceMasterKeyHex = strings.TrimSpace(v)
	}
	if v, ok := os.LookupEnv("RELAY_URLS"); ok {
		cfg.RelayURLs = NormalizeRelayURLs(v)
	}
	if v, ok := os.LookupEnv("EXPLORER_URL"); ok && strings.TrimSpace(v) != "" {
		cfg.ExplorerURL = strings.TrimSpace(v)
	}
	if v, ok := os.LookupEnv("MIN_PUBLISH_QUORUM"); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.MinPublishQuorum = n
		}
	}
	if v, ok := os.LookupEnv("PBKDF2_ITERATIONS"); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.PBKDF2Iterations = n
		}
	}
	if v, ok := os.LookupEnv("CHECK_IN_SCAN_INTERVAL_SECS"); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.CheckInScanIntervalSecs = n
		}
	}
	if v, ok := os.LookupEnv("ECHOLOCK_MAINNET"); ok {
		cfg.Mainnet = v == "1" || strings.EqualFold(v, "true")
	}
	return cfg
}

// RequireMasterKey is called at production startup; it is Fatal for the
// key to be absent when mainnet is enabled.
func RequireMasterKey(cfg Config) error {
	if !cfg.Mainnet {
		return nil
	}
	if strings.TrimSpace(cfg.ServiceMasterKeyHex) == "" {
		return errFatalMissingMasterKey
	}
	return nil
}
