// Command qflash starts a QFlash binary-options engine node.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/qflashio/engine/account"
	"github.com/qflashio/engine/api"
	"github.com/qflashio/engine/config"
	"github.com/qflashio/engine/crypto/certgen"
	"github.com/qflashio/engine/cron"
	"github.com/qflashio/engine/events"
	"github.com/qflashio/engine/historycache"
	"github.com/qflashio/engine/house"
	"github.com/qflashio/engine/price"
	"github.com/qflashio/engine/round"
	"github.com/qflashio/engine/settlement"
	"github.com/qflashio/engine/store"
)

func main() {
	cfgPath := flag.String("config", "config.json", "path to config file")
	genCerts := flag.String("gencerts", "", "generate a CA + server TLS certs into the given directory and exit (for the optional HTTPS API listener)")
	flag.Parse()

	// ---- generate certs mode ----
	if *genCerts != "" {
		cfgForCerts, err := loadConfig(*cfgPath)
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		nodeID := cfgForCerts.APIAddr
		if err := certgen.GenerateAll(*genCerts, nodeID, nil); err != nil {
			log.Fatalf("gencerts: %v", err)
		}
		fmt.Printf("Certificates generated in %s for %q\n", *genCerts, nodeID)
		return
	}

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx := context.Background()

	// ---- storage ----
	s, err := store.OpenPostgres(cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	defer s.Close()
	if err := s.Migrate(ctx); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	if err := os.MkdirAll(cfg.HistoryCachePath, 0755); err != nil {
		log.Fatalf("mkdir history cache dir: %v", err)
	}
	history, err := historycache.Open(cfg.HistoryCachePath)
	if err != nil {
		log.Fatalf("open history cache: %v", err)
	}
	defer history.Close()

	// ---- oracle feed ----
	registry := price.NewRegistry()
	for _, src := range cfg.OracleSources {
		registry.RegisterRESTSource(src.Name, src.URLTemplate)
	}
	attestationKey, err := hex.DecodeString(cfg.AttestationKeyHex)
	if err != nil {
		log.Fatalf("attestation key: %v", err)
	}
	feed := price.NewFeed(
		registry,
		cfg.MinOracleSources,
		time.Duration(cfg.OracleTimeoutMs)*time.Millisecond,
		time.Duration(cfg.PriceCacheTtlMs)*time.Millisecond,
		attestationKey,
	)

	// ---- events ----
	emitter := events.NewEmitter()

	// ---- house bank ----
	bank := house.New(s, house.Config{
		Enabled:               cfg.House.Enabled,
		InitialBalanceQU:      cfg.House.InitialBalanceQU,
		MaxExposurePerRoundQU: cfg.House.MaxExposurePerRoundQU,
		MaxTotalExposureQU:    cfg.House.MaxTotalExposureQU,
		MatchRatio:            cfg.House.MatchRatio,
	}, emitter)

	// ---- settlement + round engines ----
	settler := settlement.New(s, emitter)

	markets := make([]round.Market, len(cfg.Markets))
	for i, m := range cfg.Markets {
		markets[i] = round.Market{Pair: m.Pair, Duration: m.Duration}
	}
	re := round.New(s, feed, settler, round.Config{
		Markets:            markets,
		LockBeforeClose:    time.Duration(cfg.LockBeforeCloseSecs) * time.Second,
		PipelineDepth:      2,
		MaxResolutionDelay: time.Duration(cfg.MaxResolutionDelayMs) * time.Millisecond,
		PlatformFeeBps:     cfg.PlatformFeeBps,
		AttestationKey:     attestationKey,
	}, emitter)

	// ---- on-chain deposit activity checker (best-effort) ----
	var checker account.OnChainChecker
	if cfg.EthRPCURL != "" {
		ethChecker, err := account.DialEthActivityChecker(cfg.EthRPCURL)
		if err != nil {
			log.Printf("eth activity checker disabled: %v", err)
		} else {
			checker = ethChecker
			defer ethChecker.Close()
		}
	}

	accounts := account.New(s, bank, checker, account.Config{
		MinBetQU:         cfg.MinBetQU,
		MaxBetQU:         cfg.MaxBetQU,
		MaxBetsPerMinute: cfg.MaxBetsPerMinute,
	}, emitter)

	// ---- cron driver ----
	pairs := make([]string, 0, len(cfg.Markets))
	seen := make(map[string]bool)
	for _, m := range cfg.Markets {
		if !seen[m.Pair] {
			seen[m.Pair] = true
			pairs = append(pairs, m.Pair)
		}
	}
	driver := cron.New(s, re, bank, history, pairs)
	driver.Start(time.Duration(cfg.CronIntervalMs) * time.Millisecond)
	log.Println("Cron driver running")

	// ---- TLS ----
	tlsCfg, err := config.LoadTLSConfig(cfg.TLS)
	if err != nil {
		log.Fatalf("tls: %v", err)
	}
	if tlsCfg != nil {
		log.Println("HTTPS enabled for the API listener")
	}

	// ---- API server ----
	apiServer := api.NewServer(cfg.APIAddr, tlsCfg, s, feed, history, accounts, emitter)
	if err := apiServer.Start(); err != nil {
		log.Fatalf("api start: %v", err)
	}
	log.Printf("API listening on %s", cfg.APIAddr)

	// ---- graceful shutdown ----
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("Shutting down...")

	if err := apiServer.Stop(); err != nil {
		log.Printf("api stop: %v", err)
	}

	// Stop blocks until the in-flight cycle (if any) finishes, so no cycle
	// is left running against a connection the deferred Close calls below
	// are about to tear down.
	driver.Stop()

	log.Println("Shutdown complete.")
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("Config file not found at %s, using defaults.", path)
			return config.DefaultConfig(), nil
		}
		return nil, err
	}
	return cfg, nil
}
