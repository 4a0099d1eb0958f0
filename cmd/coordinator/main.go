package main

import (
	"context"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/rawblock/coinjoin-coordinator/internal/api"
	"github.com/rawblock/coinjoin-coordinator/internal/ban"
	"github.com/rawblock/coinjoin-coordinator/internal/ban/memstore"
	"github.com/rawblock/coinjoin-coordinator/internal/ban/pgstore"
	"github.com/rawblock/coinjoin-coordinator/internal/blindsign"
	"github.com/rawblock/coinjoin-coordinator/internal/chain"
	"github.com/rawblock/coinjoin-coordinator/internal/coordinator"
	"github.com/rawblock/coinjoin-coordinator/internal/round"
)

// tickInterval is how often the coordinator sweeps every round for phase
// timeouts and retirement — short enough that a stuck round is reaped
// quickly, long enough not to thrash under load.
const tickInterval = 5 * time.Second

func main() {
	log.Println("Starting CoinJoin round coordinator...")

	dbURL := os.Getenv("DATABASE_URL")

	var banStore ban.Store
	if dbURL != "" {
		store, err := pgstore.Connect(dbURL)
		if err != nil {
			log.Printf("Warning: failed to connect to PostgreSQL, falling back to an in-memory ban store (bans will not survive a restart). Error: %v", err)
			banStore = memstore.New()
		} else {
			defer store.Close()
			if err := store.InitSchema(); err != nil {
				log.Printf("Warning: ban store schema init failed: %v", err)
			}
			banStore = store
		}
	} else {
		log.Println("DATABASE_URL not set — using an in-memory ban store (bans will not survive a restart)")
		banStore = memstore.New()
	}

	btcHost := getEnvOrDefault("BTC_RPC_HOST", "localhost:8332")
	btcUser := requireEnv("BTC_RPC_USER")
	btcPass := requireEnv("BTC_RPC_PASS")

	oracle, err := chain.NewRPCOracle(chain.Config{Host: btcHost, User: btcUser, Pass: btcPass})
	if err != nil {
		log.Fatalf("FATAL: could not connect to Bitcoin RPC: %v", err)
	}
	defer oracle.Shutdown()

	// The blind-signing key identifies this coordinator to its clients;
	// a fresh key on every restart is acceptable for now — see DESIGN.md.
	signer, err := blindsign.Generate()
	if err != nil {
		log.Fatalf("FATAL: could not generate blind-signing key: %v", err)
	}

	wsHub := api.NewHub()
	go wsHub.Run()

	cfg := round.DefaultConfig()
	cfg.Network = getEnvOrDefault("NETWORK", "mainnet")
	cfg.Denomination = envInt64OrDefault("DENOMINATION_SATS", 100_000_000)
	cfg.AnonymitySet = envIntOrDefault("ANONYMITY_SET", 50)

	coord := coordinator.New(cfg, signer, oracle, banStore, api.BroadcastRoundEvent(wsHub))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go coord.Run(ctx, tickInterval)
	go runRoundOpener(ctx, coord)

	r := api.SetupRouter(coord, wsHub)

	port := getEnvOrDefault("PORT", "5339")
	log.Printf("Coordinator listening on :%s (network: %s, denomination: %d sats, anonymity set: %d)\n",
		port, cfg.Network, cfg.Denomination, cfg.AnonymitySet)
	if err := r.Run(":" + port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// runRoundOpener keeps exactly one round open for input registration at
// all times, starting a replacement the moment the current one leaves
// InputRegistration (either by advancing or by failing outright).
func runRoundOpener(ctx context.Context, coord *coordinator.Coordinator) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, ok := coord.CurrentInputRegisteringRound(); !ok {
				r := coord.StartRound()
				log.Printf("opened round %d for input registration", r.ID())
			}
		case <-ctx.Done():
			return
		}
	}
}

// requireEnv reads a required environment variable and exits if it is not set.
func requireEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		log.Fatalf("FATAL: Required environment variable %s is not set.", key)
	}
	return val
}

// getEnvOrDefault returns the env var value or a safe default for non-secret settings.
func getEnvOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		log.Printf("Warning: invalid %s=%q, using default %d", key, val, fallback)
		return fallback
	}
	return n
}

func envInt64OrDefault(key string, fallback int64) int64 {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		log.Printf("Warning: invalid %s=%q, using default %d", key, val, fallback)
		return fallback
	}
	return n
}
