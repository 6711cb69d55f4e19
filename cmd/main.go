/**
 * @description
 * This is the main entry point for the escrow-audit-service. It is responsible
 * for initializing all components of the service, including configuration,
 * database connection, external API clients, message brokers, repositories,
 * the core application service, and the HTTP server. It wires everything
 * together and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - internal/api, internal/app, internal/config, internal/store, internal/vault: Internal packages for the service.
 * - pkg/gatewayclient, pkg/ledgerclient, pkg/rabbitmq: External service clients.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sponsorlink/escrow-audit-service/internal/api"
	"github.com/sponsorlink/escrow-audit-service/internal/app"
	"github.com/sponsorlink/escrow-audit-service/internal/config"
	"github.com/sponsorlink/escrow-audit-service/internal/store"
	"github.com/sponsorlink/escrow-audit-service/internal/vault"
	"github.com/sponsorlink/escrow-audit-service/pkg/gatewayclient"
	"github.com/sponsorlink/escrow-audit-service/pkg/ledgerclient"
	rmrabbit "github.com/sponsorlink/escrow-audit-service/pkg/rabbitmq"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.AuthJWTSecret) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"auth secret must be configured\" env=AUTH_JWT_SECRET")
	}

	log.Printf("level=info component=bootstrap msg=\"starting escrow-audit-service\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// Initialize the RabbitMQ producer to publish events. Publishing is
	// best-effort; the service still boots without a broker.
	var rabbitProducer rmrabbit.Publisher
	if producer, prodErr := rmrabbit.NewEventProducer(cfg.RabbitMQURL); prodErr != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", prodErr)
		rabbitProducer = &rmrabbit.EventProducerFallback{}
	} else {
		defer producer.Close()
		rabbitProducer = producer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Initialize the payment gateway client.
	gatewayClient := gatewayclient.NewClient(gatewayclient.Config{
		BaseURL:            cfg.GatewayBaseURL,
		ConsumerKey:        cfg.GatewayConsumerKey,
		ConsumerSecret:     cfg.GatewayConsumerSecret,
		ShortCode:          cfg.GatewayShortCode,
		PassKey:            cfg.GatewayPassKey,
		CallbackURL:        cfg.GatewayCallbackURL,
		InitiatorName:      cfg.GatewayInitiatorName,
		SecurityCredential: cfg.GatewaySecurityCredential,
		ResultURL:          cfg.GatewayResultURL,
		TimeoutURL:         cfg.GatewayTimeoutURL,
	})

	// Initialize the ledger client for anchoring and verification.
	ledgerClient, err := ledgerclient.New(cfg.LedgerNodeURL, cfg.LedgerPrivateKey)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"ledger client init failed\" err=%v", err)
	}
	defer ledgerClient.Close()

	// The crypto vault is optional; without a passphrase encrypted report
	// exports are rejected with a config error.
	auditVault := vault.New(cfg.VaultPassphrase)
	if !auditVault.Configured() {
		log.Println("level=warn component=bootstrap msg=\"vault passphrase missing; encrypted report export disabled\" env=VAULT_PASSPHRASE")
	}

	var redisClient *redis.Client
	if cfg.WebhookRateLimitPerMinute > 0 {
		if strings.TrimSpace(cfg.RedisURL) == "" {
			log.Println("level=warn component=bootstrap msg=\"redis url missing; rate limiting disabled\" env=REDIS_URL")
		} else {
			redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
			if parseErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; rate limiting disabled\" err=%v", parseErr)
			} else {
				redisClient = redis.NewClient(redisOptions)
				pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancelPing()
				if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
					log.Printf("level=warn component=bootstrap msg=\"redis ping failed; rate limiting disabled\" err=%v", pingErr)
					redisClient.Close()
					redisClient = nil
				} else {
					defer redisClient.Close()
					log.Println("level=info component=bootstrap msg=\"redis connected\"")
				}
			}
		}
	}

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	// Initialize the core application components with their dependencies.
	escrowService := app.NewService(repository, gatewayClient, rabbitProducer, cfg.SettlementReceiver)
	verifier := app.NewVerifier(ledgerClient, auditVault)
	batcher := app.NewBatcher(repository, ledgerClient, rabbitProducer)

	var rateLimiter *app.RedisRateLimiter
	if redisClient != nil {
		rateLimiter = app.NewRedisRateLimiter(redisClient, cfg.RedisRateLimitPrefix)
	}

	// Initialize the API handlers and access gate.
	escrowHandlers := api.NewEscrowHandlers(
		escrowService,
		verifier,
		batcher,
		rateLimiter,
		cfg.WebhookRateLimitPerMinute,
		time.Minute,
	)
	gate := api.NewAccessGate(cfg.RoleAllowlists())

	// Set up the HTTP router and define the API routes.
	router := chi.NewRouter()
	router.Mount("/", api.EscrowRoutes(escrowHandlers, cfg.AuthJWTSecret, gate))

	// Start the periodic anchoring job.
	scheduler := app.NewScheduler(batcher, cfg.AnchorSchedule, cfg.AnchorBatchLimit)
	scheduler.Start()

	// Start the HTTP server.
	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Let an in-flight anchoring run finish before the server goes away.
	<-scheduler.Stop().Done()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
