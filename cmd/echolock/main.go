// Command echolock runs the dead-man's-switch coordinator as a long-lived
// process: it opens durable storage, wires the relay pool and Bitcoin
// explorer client, and drives the timer loop that triggers and releases
// expired switches, via the familiar run(args, stdout, stderr) int
// skeleton: parse flags into a validated config, construct collaborators,
// then block on a signal-aware loop. Two one-shot subcommands, `create`
// and `commit`, exercise C6/C7 directly outside the daemon loop.
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/1e9c9h9o/echolock-sub005/internal/chain"
	"github.com/1e9c9h9o/echolock-sub005/internal/config"
	"github.com/1e9c9h9o/echolock-sub005/internal/coordinator"
	"github.com/1e9c9h9o/echolock-sub005/internal/relay"
	"github.com/1e9c9h9o/echolock-sub005/internal/release"
	"github.com/1e9c9h9o/echolock-sub005/internal/store"
	"github.com/1e9c9h9o/echolock-sub005/internal/switchlife"
	"github.com/1e9c9h9o/echolock-sub005/internal/telemetry"
)

type multiStringFlag []string

func (m *multiStringFlag) String() string {
	if m == nil {
		return ""
	}
	return strings.Join(*m, ",")
}

func (m *multiStringFlag) Set(value string) error {
	*m = append(*m, value)
	return nil
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run dispatches to a one-shot subcommand (`create`, `commit`) when
// args[0] names one, otherwise runs the daemon loop.
func run(args []string, stdout, stderr io.Writer) int {
	if len(args) > 0 {
		switch args[0] {
		case "create":
			return runCreate(args[1:], stdout, stderr)
		case "commit":
			return runCommit(args[1:], stdout, stderr)
		}
	}
	return runServe(args, stdout, stderr)
}

// collaborators bundles what every subcommand needs once config is
// validated: durable storage, the relay pool, and the explorer client.
type collaborators struct {
	db *store.DB
	relayClient *relay.Client
	explorer *chain.HTTPExplorerClient
	log *zap.Logger
	metrics *telemetry.Metrics
	masterKey []byte
}

func openCollaborators(cfg config.Config, dataDir string) (*collaborators, error) {
	log, err := telemetry.NewLogger(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	metrics := telemetry.NewMetrics()

	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("datadir create failed: %w", err)
	}
	masterKey, err := masterKeyBytes(cfg.ServiceMasterKeyHex)
	if err != nil {
		return nil, fmt.Errorf("master key decode failed: %w", err)
	}

	db, err := store.Open(filepath.Join(dataDir, "echolock.db"))
	if err != nil {
		return nil, fmt.Errorf("store open failed: %w", err)
	}

	transport := relay.NewWebsocketTransport()
	relayClient := relay.NewClient(relay.Config{
		RelayURLs: cfg.RelayURLs,
		MinPublishQuorum: cfg.MinPublishQuorum,
		FailureThreshold: 3,
		Cooldown: 60 * time.Second,
	}, transport, log, metrics)

	explorer := chain.NewHTTPExplorerClient(cfg.ExplorerURL)

	return &collaborators{db: db, relayClient: relayClient, explorer: explorer, log: log, metrics: metrics, masterKey: masterKey}, nil
}

func (c *collaborators) Close() {
	_ = c.db.Close()
	_ = c.log.Sync()
}

// commonFlags registers the flags every subcommand shares.
func commonFlags(fs *flag.FlagSet, cfg *config.Config) (relayCSV *string, relayURLs *multiStringFlag, dataDir *string) {
	relayURLs = &multiStringFlag{}
	relayCSV = fs.String("relays", "", "relay urls, comma-separated (wss://...)")
	fs.Var(relayURLs, "relay", "single relay url (repeatable)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug|info|warn|error")
	fs.StringVar(&cfg.ExplorerURL, "explorer-url", cfg.ExplorerURL, "Bitcoin explorer base URL")
	fs.BoolVar(&cfg.Mainnet, "mainnet", cfg.Mainnet, "gate broadcast against mainnet (requires SERVICE_MASTER_KEY)")
	fs.IntVar(&cfg.MinPublishQuorum, "min-publish-quorum", cfg.MinPublishQuorum, "minimum relays that must accept a publish")
	fs.IntVar(&cfg.PBKDF2Iterations, "pbkdf2-iterations", cfg.PBKDF2Iterations, "PBKDF2 iteration floor")
	dataDir = fs.String("datadir", "./echolock-data", "data directory for the embedded store")
	return relayCSV, relayURLs, dataDir
}

func finalizeConfig(cfg *config.Config, relayCSV *string, relayURLs *multiStringFlag) error {
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.RelayURLs = config.NormalizeRelayURLs(append([]string{*relayCSV}, *relayURLs...)...)
	cfg.ServiceMasterKeyHex = strings.TrimSpace(os.Getenv("SERVICE_MASTER_KEY"))
	return config.Validate(*cfg)
}

func runServe(args []string, stdout, stderr io.Writer) int {
	cfg := config.DefaultConfig()
	fs := flag.NewFlagSet("echolock", flag.ContinueOnError)
	fs.SetOutput(stderr)
	relayCSV, relayURLs, dataDir := commonFlags(fs, &cfg)
	fs.IntVar(&cfg.CheckInScanIntervalSecs, "check-in-scan-interval-secs", cfg.CheckInScanIntervalSecs, "timer scan cadence")
	dryRun := fs.Bool("dry-run", false, "print effective config and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if err := finalizeConfig(&cfg, relayCSV, relayURLs); err != nil {
		_, _ = fmt.Fprintf(stderr, "invalid config: %v\n", err)
		return 2
	}

	deps, err := openCollaborators(cfg, *dataDir)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 2
	}
	defer deps.Close()

	monitor := chain.NewMonitor(deps.explorer, 30*time.Second, 1, chain.DefaultDroppedThreshold)
	// wired for chain-anchored commits driven out-of-band via the
	// `commit` subcommand; the daemon loop below only drives the
	// timer-triggered release path.
	_ = coordinator.New(deps.explorer, monitor, deps.relayClient, nil)

	pipeline := release.NewPipeline(deps.db, deps.relayClient, noopDeliverer{log: deps.log}, deps.masterKey, deps.log, deps.metrics)
	svc := switchlife.NewService(deps.db, deps.relayClient, deps.masterKey, deps.log, deps.metrics, nil, nil)

	if err := printConfig(stdout, cfg); err != nil {
		_, _ = fmt.Fprintf(stderr, "config encode failed: %v\n", err)
		return 1
	}
	if *dryRun {
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	scanInterval := time.Duration(cfg.CheckInScanIntervalSecs) * time.Second
	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()

	_, _ = fmt.Fprintln(stdout, "echolock coordinator running")
	for {
		select {
		case <-ctx.Done():
			_, _ = fmt.Fprintln(stdout, "echolock coordinator stopped")
			return 0
		case <-ticker.C:
			for _, tickErr := range svc.TimerTick(func(switchID string) error {
				return pipeline.Release(ctx, switchID)
			}) {
				deps.log.Warn("timer tick error", zap.Error(tickErr))
			}
		}
	}
}

// runCreate drives switchlife.Service.Create end to end: seal the
// plaintext, split it into authenticated fragments, publish every
// fragment to the relay pool, then persist the switch as Armed.
func runCreate(args []string, stdout, stderr io.Writer) int {
	cfg := config.DefaultConfig()
	fs := flag.NewFlagSet("echolock create", flag.ContinueOnError)
	fs.SetOutput(stderr)
	relayCSV, relayURLs, dataDir := commonFlags(fs, &cfg)
	owner := fs.String("owner", "", "owner id")
	plaintext := fs.String("plaintext", "", "plaintext secret to seal")
	intervalSecs := fs.Int64("interval-secs", 3600, "check-in interval, seconds")
	threshold := fs.Int("threshold", 3, "Shamir threshold K")
	totalFragments := fs.Int("total-fragments", 5, "total fragments N")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if err := finalizeConfig(&cfg, relayCSV, relayURLs); err != nil {
		_, _ = fmt.Fprintf(stderr, "invalid config: %v\n", err)
		return 2
	}
	if *plaintext == "" {
		_, _ = fmt.Fprintln(stderr, "create: -plaintext is required")
		return 2
	}

	deps, err := openCollaborators(cfg, *dataDir)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 2
	}
	defer deps.Close()

	svc := switchlife.NewService(deps.db, deps.relayClient, deps.masterKey, deps.log, deps.metrics, nil, nil)
	req := switchlife.CreateRequest{
		OwnerID: *owner,
		Plaintext: []byte(*plaintext),
		IntervalSec: *intervalSecs,
		Threshold: *threshold,
		TotalFragments: *totalFragments,
		RelayURLs: cfg.RelayURLs,
	}
	result, _, events, _, err := svc.Create(req)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "create failed: %v\n", err)
		return 1
	}

	ctx := context.Background()
	publishedCount := 0
	quorumWarning := false
	for _, e := range events {
		if _, err := deps.relayClient.PublishFragment(ctx, e); err != nil {
			quorumWarning = true
			deps.log.Warn("fragment publish below quorum", zap.Int("fragment_index", int(e.FragmentIndex)), zap.Error(err))
			continue
		}
		publishedCount++
		_ = deps.db.PutFragmentMeta(store.FragmentMeta{SwitchID: result.SwitchID, FragmentIndex: int(e.FragmentIndex), EventID: e.ID, PublishedAt: e.CreatedAt})
	}

	if err := svc.PersistArmed(req, result, "", quorumWarning); err != nil {
		_, _ = fmt.Fprintf(stderr, "persist failed: %v\n", err)
		return 1
	}

	return encodeResult(stdout, stderr, map[string]any{
		"switch_id": result.SwitchID,
		"published_fragments": publishedCount,
		"total_fragments": *totalFragments,
		"quorum_warning": quorumWarning,
	})
}

// runCommit drives C6's two-phase commit directly against a raw funding
// transaction for a switch that create already armed: broadcast and wait
// for confirmation (Phase 1), then re-publish the switch's fragment
// events now that the anchor is confirmed (Phase 2).
func runCommit(args []string, stdout, stderr io.Writer) int {
	cfg := config.DefaultConfig()
	fs := flag.NewFlagSet("echolock commit", flag.ContinueOnError)
	fs.SetOutput(stderr)
	relayCSV, relayURLs, dataDir := commonFlags(fs, &cfg)
	switchID := fs.String("switch-id", "", "switch id to commit")
	rawTxHex := fs.String("raw-tx-hex", "", "hex-encoded raw funding transaction")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if err := finalizeConfig(&cfg, relayCSV, relayURLs); err != nil {
		_, _ = fmt.Fprintf(stderr, "invalid config: %v\n", err)
		return 2
	}
	if *switchID == "" || *rawTxHex == "" {
		_, _ = fmt.Fprintln(stderr, "commit: -switch-id and -raw-tx-hex are required")
		return 2
	}
	rawTx, err := hex.DecodeString(*rawTxHex)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "commit: bad -raw-tx-hex: %v\n", err)
		return 2
	}

	deps, err := openCollaborators(cfg, *dataDir)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 2
	}
	defer deps.Close()

	rec, ok, err := deps.db.GetSwitch(*switchID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "commit: lookup failed: %v\n", err)
		return 1
	}
	if !ok {
		_, _ = fmt.Fprintf(stderr, "commit: switch %s not found; run `create` first\n", *switchID)
		return 1
	}

	monitor := chain.NewMonitor(deps.explorer, 30*time.Second, 1, chain.DefaultDroppedThreshold)
	co := coordinator.New(deps.explorer, monitor, deps.relayClient, nil)
	c := coordinator.StartCommit(*switchID)

	ctx := context.Background()
	if err := co.RunPhase1(ctx, c, rawTx); err != nil {
		_, _ = fmt.Fprintf(stderr, "phase 1 failed: %v\n", err)
		return 1
	}

	events, err := deps.relayClient.QueryFragments(ctx, *switchID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "commit: could not retrieve fragment events: %v\n", err)
		return 1
	}
	if err := co.RunPhase2(ctx, c, events); err != nil {
		_, _ = fmt.Fprintf(stderr, "phase 2 failed: %v\n", err)
		return 1
	}

	rec.BitcoinTxid = c.BitcoinTxid
	rec.UseChainAnchor = true
	if err := deps.db.PutSwitch(*rec); err != nil {
		_, _ = fmt.Fprintf(stderr, "commit: persist failed: %v\n", err)
		return 1
	}

	return encodeResult(stdout, stderr, map[string]any{
		"switch_id": *switchID,
		"state": c.State.String(),
		"bitcoin_txid": c.BitcoinTxid,
	})
}

func encodeResult(stdout, stderr io.Writer, v any) int {
	enc := json.NewEncoder(stdout)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", " ")
	if err := enc.Encode(v); err != nil {
		_, _ = fmt.Fprintf(stderr, "encode failed: %v\n", err)
		return 1
	}
	return 0
}

// noopDeliverer is the default C8 Deliverer for the CLI demo: it logs the
// release and stops there. Production deployments replace this with
// email/webhook wiring without touching internal/release.
type noopDeliverer struct {
	log *zap.Logger
}

func (d noopDeliverer) Deliver(ctx context.Context, switchID string, plaintext []byte) error {
	d.log.Info("switch released", zap.String("switch_id", switchID), zap.Int("plaintext_bytes", len(plaintext)))
	return nil
}

func masterKeyBytes(hexKey string) ([]byte, error) {
	if hexKey == "" {
		// devnet-only fallback; config.Validate refuses this when Mainnet.
		return make([]byte, 32), nil
	}
	b, err := hex.DecodeString(hexKey)
	if err != nil || len(b) != 32 {
		return nil, fmt.Errorf("SERVICE_MASTER_KEY must be 64 hex chars (32 bytes)")
	}
	return b, nil
}

func printConfig(w io.Writer, cfg config.Config) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", " ")
	return enc.Encode(cfg)
}
