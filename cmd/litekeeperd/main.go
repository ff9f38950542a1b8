package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/litekeeper/litekeeper/config"
	"github.com/litekeeper/litekeeper/coordination"
	"github.com/litekeeper/litekeeper/health"
	"github.com/litekeeper/litekeeper/replication"
	"github.com/litekeeper/litekeeper/store"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("Starting litekeeper node %s (candidate=%v, ttl=%v, lock-delay=%v)",
		cfg.NodeID, cfg.Candidate, cfg.LeaseTTL, cfg.LockDelay)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Coordination service. Required: leases are the only cluster-wide
	// shared resource, nothing works without them.
	leases, err := coordination.NewRedisLeaseStore(
		cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.LeaseKey, cfg.LockDelay)
	if err != nil {
		log.Fatalf("Failed to connect to Redis (required for primary election): %v", err)
	}
	defer leases.Close()
	log.Printf("Connected to Redis at %s for lease coordination", cfg.RedisAddr)

	// Durable epochs and substrate: Postgres when configured, memory
	// otherwise (single-node and development).
	var epochs coordination.EpochStore
	var substrate store.Store
	if cfg.PostgresDSN != "" {
		pgEpochs, err := coordination.NewPostgresEpochStore(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("Failed to connect to Postgres: %v", err)
		}
		defer pgEpochs.Close()
		if err := pgEpochs.EnsureSchema(ctx); err != nil {
			log.Fatalf("Failed to ensure epoch schema: %v", err)
		}

		pgStore, err := store.NewPostgresStore(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("Failed to connect to Postgres substrate: %v", err)
		}
		defer pgStore.Close()
		if err := pgStore.EnsureSchema(ctx); err != nil {
			log.Fatalf("Failed to ensure kv schema: %v", err)
		}

		epochs = pgEpochs
		substrate = pgStore
		log.Printf("Using Postgres backend for substrate and fencing epochs")
	} else {
		epochs = coordination.NewMemoryEpochStore()
		substrate = store.NewMemoryStore()
		log.Printf("Using in-memory backend (epochs are not durable across restarts)")
	}

	monitor := coordination.NewRoleMonitor(leases, epochs, coordination.MonitorConfig{
		NodeID:       cfg.NodeID,
		Candidate:    cfg.Candidate,
		TTL:          cfg.LeaseTTL,
		RenewTimeout: cfg.RenewTimeout,
	})

	// Replication plumbing. The gate is the hub's snapshot source and the
	// hub is the gate's broadcaster, so the hub is attached after. Its
	// staleness bound is one renewal interval: the monitor confirms the
	// lease every TTL/3, so a belief older than that is already suspect.
	mutationLog := replication.NewLog()
	gated := store.NewGatedStore(substrate, monitor, mutationLog, nil, cfg.LeaseTTL/3)
	hub := replication.NewHub(mutationLog, gated)
	gated.SetBroadcaster(hub)

	applier := replication.NewApplier(substrate)
	subscriber := replication.NewSubscriber(cfg.NodeID, func() (string, bool) {
		holder := monitor.KnownHolder()
		if holder == "" || holder == cfg.NodeID {
			return "", false
		}
		addr, ok := cfg.PeerAddrs[holder]
		if !ok {
			return "", false
		}
		return "ws://" + addr + "/replicate", true
	}, applier, cfg.ReconnectEvery)

	monitor.SetCallbacks(
		func(leaderCtx context.Context, epoch int64) {
			// Promotion: stop receiving, continue the stream from the
			// locally applied position, start sending.
			subscriber.Pause()
			mutationLog.Reset(applier.AppliedSeq())
			hub.Activate(epoch)
			log.Printf("Promoted: accepting writes at epoch %d from seq %d", epoch, applier.AppliedSeq())
		},
		func() {
			// Demotion: the gate already rejects writes; flip the
			// channel back to receiver mode.
			hub.Deactivate()
			subscriber.Resume()
			log.Printf("Demoted: writes rejected, following the new primary")
		},
	)

	reporter := health.NewReporter(monitor, applier, subscriber, gated,
		health.DefaultThresholds(cfg.LeaseTTL))

	go hub.Run(ctx)
	go subscriber.Run(ctx)
	monitor.Start(ctx)

	mux := http.NewServeMux()
	mux.Handle("/health", reporter)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/replicate", hub.HandleReplica)
	mux.HandleFunc("/kv/", func(w http.ResponseWriter, r *http.Request) {
		handleKV(w, r, gated)
	})

	server := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	go func() {
		log.Printf("litekeeper listening on %s", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("Shutting down")

	// Explicit step-down shortens the next election to one lock-delay
	// instead of a full TTL expiry.
	monitor.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)
}

// handleKV exposes the gated store over HTTP. Reads work on any node;
// writes on a non-primary fail fast with the holder hint so clients can
// redirect without a coordination round trip.
func handleKV(w http.ResponseWriter, r *http.Request, gated *store.GatedStore) {
	key := strings.TrimPrefix(r.URL.Path, "/kv/")
	if key == "" {
		http.Error(w, "missing key", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		value, err := gated.Get(r.Context(), key)
		if errors.Is(err, store.ErrKeyNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Write(value)

	case http.MethodPut, http.MethodPost:
		var body struct {
			Value string `json:"value"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		if err := gated.Put(r.Context(), key, []byte(body.Value)); err != nil {
			writeGateError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	case http.MethodDelete:
		if err := gated.Delete(r.Context(), key); err != nil {
			writeGateError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func writeGateError(w http.ResponseWriter, err error) {
	var rejected *store.WriteRejectedError
	if errors.As(err, &rejected) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{
			"error":   "not_primary",
			"primary": rejected.Leader,
		})
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
