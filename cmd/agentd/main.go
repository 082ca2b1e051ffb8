// agentd hosts the credential vault and session registry for one execution
// context: it wires the durable and ephemeral stores, the device trust oracle,
// the security event pipeline, and the cross-context signal watcher, then runs
// until interrupted.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"trustvault/internal/audit"
	"trustvault/internal/config"
	"trustvault/internal/guard"
	"trustvault/internal/notify"
	"trustvault/internal/session"
	"trustvault/internal/store"
	"trustvault/internal/store/memory"
	"trustvault/internal/store/postgres"
	redisstore "trustvault/internal/store/redis"
	"trustvault/internal/telemetry/otel"
	"trustvault/internal/telemetry/producer"
	"trustvault/internal/trust"
	"trustvault/internal/vault"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := otel.NewProviders(ctx, cfg.OTLPEndpoint, "trustvault-agentd", cfg.OTLPInsecure)
	if err != nil {
		log.Fatalf("telemetry: %v", err)
	}
	providers.SetGlobal()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = providers.Shutdown(shutdownCtx)
	}()

	// Durable tier: Postgres when configured, in-memory otherwise. The
	// Postgres store doubles as the cross-context signal transport.
	var durable store.Store
	var transport store.Notifier
	if cfg.DatabaseURL != "" {
		pg, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		defer pg.Close()
		durable = pg
		transport = pg
		log.Println("agentd: durable store on postgres")
	} else {
		mem := memory.New()
		durable = mem
		transport = mem
		log.Println("agentd: durable store in memory; credentials will not survive a restart")
	}

	// Ephemeral tier for key material: Redis with TTL when configured.
	ephemeral := durable
	if cfg.RedisAddr != "" {
		rs, err := redisstore.New(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.KeyMaterialTTLDuration())
		if err != nil {
			log.Fatalf("redis: %v", err)
		}
		defer rs.Close()
		ephemeral = rs
		log.Println("agentd: key material on redis")
	}

	assessor := trust.NewPolicyAssessor("", cfg.DriftTolerance)
	if err := assessor.HealthCheck(ctx); err != nil {
		log.Fatalf("risk policy: %v", err)
	}
	oracle := trust.Compose(hostProvider(), assessor)

	var emitter audit.Emitter = otel.NewEventEmitter(providers.LoggerProvider)
	kafkaProducer, err := producer.NewKafkaProducer(cfg.KafkaBrokersList(), cfg.KafkaTopic)
	if err != nil {
		log.Fatalf("kafka: %v", err)
	}
	if kafkaProducer != nil {
		defer kafkaProducer.Close()
		emitter = fanout{emitter, kafkaProducer}
	}
	events := audit.NewLog(durable, cfg.EventLogCapacity, emitter)

	broadcaster := notify.NewBroadcaster(transport)
	v := vault.New(durable, ephemeral, oracle, events, broadcaster, vault.Options{
		BindFingerprint: cfg.FingerprintBinding,
		DevMode:         cfg.TrustDevMode,
		MaxTokenAge:     cfg.MaxTokenAgeDuration(),
		DriftTolerance:  cfg.DriftTolerance,
		OracleTimeout:   cfg.OracleTimeoutDuration(),
	})
	registry := session.NewRegistry(durable, oracle, events, session.Options{
		MaxActive:        cfg.MaxActiveSessions,
		MaxInactivity:    cfg.MaxInactivityDuration(),
		ValidateInterval: cfg.ValidateIntervalDuration(),
		DriftTolerance:   cfg.DriftTolerance,
		OracleTimeout:    cfg.OracleTimeoutDuration(),
	})
	registry.Start(ctx)
	defer registry.Destroy()

	g := guard.New(v, registry, events, nil)

	signals, err := broadcaster.Watch(ctx)
	if err != nil {
		log.Fatalf("signal watch: %v", err)
	}
	go func() {
		for sig := range signals {
			log.Printf("agentd: sibling signal %s", sig.Kind)
			g.HandleSignal(ctx, sig)
		}
	}()

	log.Println("agentd: running")
	<-ctx.Done()

	status := g.SecurityStatus(context.Background())
	log.Printf("agentd: shutting down (authenticated=%v, level=%s)", status.Authenticated, status.Level)
}

// fanout forwards each event to every emitter. Best-effort all the way down:
// the last error wins but nothing short-circuits.
type fanout []audit.Emitter

func (f fanout) Emit(ctx context.Context, e *audit.Event) error {
	var lastErr error
	for _, em := range f {
		if err := em.Emit(ctx, e); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// hostProvider derives a stable fingerprint from host identity. Deployments
// with a real attestation source replace this with their own provider.
func hostProvider() *trust.StaticProvider {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%s", hostname, runtime.GOOS, runtime.GOARCH))
	return &trust.StaticProvider{
		Value: hex.EncodeToString(sum[:]),
		DeviceInfo: map[string]any{
			"hostname": hostname,
			"os":       runtime.GOOS,
			"arch":     runtime.GOARCH,
		},
	}
}
