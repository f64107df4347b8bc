package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"stagecoach/cmd/server/config"
	httpapi "stagecoach/internal/adapters/http"
	"stagecoach/internal/bus"
	invdb "stagecoach/internal/db/inventory"
	ordersdb "stagecoach/internal/db/orders"
	paymentsdb "stagecoach/internal/db/payments"
	sagadb "stagecoach/internal/db/saga"
	"stagecoach/internal/idempotency"
	"stagecoach/internal/inventory"
	"stagecoach/internal/logging"
	"stagecoach/internal/observability"
	"stagecoach/internal/orders"
	"stagecoach/internal/payments"
	"stagecoach/internal/realtime"
	"stagecoach/internal/resilience"
	"stagecoach/internal/saga"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()
	logger := logging.New("order-saga", os.Stderr)

	if err := run(ctx, logger); err != nil {
		logger.Error().Err(err).Msg("server error")
		os.Exit(1)
	}
}

// stores groups every persistence port the services need, so the Postgres
// and in-memory wirings stay interchangeable.
type stores struct {
	orders    orders.Store
	idem      idempotency.Ledger
	ledger    saga.Ledger
	inventory inventory.Store
	payments  payments.Store
	outbox    *sagadb.OutboxStore
}

func run(ctx context.Context, logger *logging.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	st, cleanupStores, err := buildStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanupStores()

	rawBus, cleanupBus, err := buildBus(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanupBus()

	metrics := observability.NewDefault()
	registry := resilience.NewRegistry(resilience.BreakerConfig{
		FailureThreshold: cfg.Resilience.BreakerFailureThreshold,
		SuccessThreshold: cfg.Resilience.BreakerSuccessThreshold,
		Timeout:          cfg.Resilience.BreakerTimeout,
		MonitoringPeriod: cfg.Resilience.BreakerMonitoringPeriod,
	})

	var outbox bus.Outbox
	if st.outbox != nil {
		outbox = st.outbox
	}
	resilient := bus.NewResilientPublisher(rawBus, bus.ResilientPublisherConfig{
		Breaker: registry.Breaker("event-bus"),
		Retry:   resilience.DefaultRetryPolicy(),
		Timeout: cfg.Resilience.PublishTimeout,
		Logger:  logger,
		Outbox:  outbox,
		OnDrop: func(detailType string) {
			metrics.EventsDropped.WithLabelValues(detailType).Inc()
		},
	})

	hub := realtime.NewHub()
	go hub.Run(ctx)
	publisher := bus.NewFanoutPublisher(meteredPublisher{resilient, metrics}, hub)

	orderService := orders.NewService(st.orders, st.ledger, st.idem, publisher, logger)

	gateway := payments.NewReliableGateway(
		payments.NewMockGateway(cfg.GatewayFailureRate, time.Now().UnixNano()),
		resilience.NewRateLimiter(cfg.Resilience.PaymentRateInterval, cfg.Resilience.PaymentRateBurst),
		registry.Breaker("payment-gateway"),
		resilience.DefaultRetryPolicy(),
	)

	reserve := inventory.NewReserveHandler(st.inventory, st.ledger, publisher, logger, cfg.Sweep.ReservationTTL)
	release := inventory.NewReleaseHandler(st.inventory, st.ledger, publisher, logger)
	charge := payments.NewChargeHandler(st.payments, gateway, orderService, st.ledger, publisher, logger)
	observer := sagaObserver{ledger: st.ledger, metrics: metrics}

	handlers := map[string]bus.Handler{
		bus.TypeOrderCreated:               instrument(metrics, bus.TypeOrderCreated, reserve.Handle),
		bus.TypeInventoryReserved:          instrument(metrics, bus.TypeInventoryReserved, charge.Handle),
		bus.TypePaymentFailed:              instrument(metrics, bus.TypePaymentFailed, release.Handle),
		bus.TypePaymentCharged:             observer.Handle,
		bus.TypeInventoryReleased:          observer.Handle,
		bus.TypeInventoryReservationFailed: observer.Handle,
	}
	startConsumers(ctx, rawBus, cfg, handlers, logger)

	scheduler, err := startSweepers(ctx, cfg, st, rawBus, metrics, registry, logger)
	if err != nil {
		return err
	}
	defer scheduler.Stop()

	api := httpapi.NewServer(orderService, st.inventory, st.payments, metrics, hub, logger)
	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: api.Router()}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.HTTP.Addr).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// buildStores opens Postgres when DATABASE_URL is set, creating the schema on
// startup, and falls back to in-memory stores otherwise.
func buildStores(ctx context.Context, cfg config.Config, logger *logging.Logger) (stores, func(), error) {
	if cfg.DatabaseURL == "" {
		logger.Info().Msg("DATABASE_URL not set, using in-memory stores")
		return stores{
			orders:    orders.NewMemoryStore(),
			idem:      idempotency.NewMemoryLedger(0),
			ledger:    saga.NewMemoryLedger(),
			inventory: inventory.NewMemoryStore(),
			payments:  payments.NewMemoryStore(),
		}, func() {}, nil
	}

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return stores{}, nil, err
	}
	cleanup := func() {
		if err := db.Close(); err != nil {
			logger.Warn().Err(err).Msg("closing database")
		}
	}
	if err := db.PingContext(ctx); err != nil {
		cleanup()
		return stores{}, nil, err
	}

	orderStore, err := ordersdb.NewStoreWithSchema(ctx, db)
	if err != nil {
		cleanup()
		return stores{}, nil, err
	}
	idemStore, err := ordersdb.NewIdempotencyStoreWithSchema(ctx, db, 0)
	if err != nil {
		cleanup()
		return stores{}, nil, err
	}
	ledger, err := sagadb.NewLedgerStoreWithSchema(ctx, db)
	if err != nil {
		cleanup()
		return stores{}, nil, err
	}
	inventoryStore, err := invdb.NewStoreWithSchema(ctx, db)
	if err != nil {
		cleanup()
		return stores{}, nil, err
	}
	paymentStore, err := paymentsdb.NewStoreWithSchema(ctx, db)
	if err != nil {
		cleanup()
		return stores{}, nil, err
	}
	outboxStore, err := sagadb.NewOutboxStoreWithSchema(ctx, db)
	if err != nil {
		cleanup()
		return stores{}, nil, err
	}

	return stores{
		orders:    orderStore,
		idem:      idemStore,
		ledger:    ledger,
		inventory: inventoryStore,
		payments:  paymentStore,
		outbox:    outboxStore,
	}, cleanup, nil
}

// buildBus connects to Redis Streams when REDIS_URL is set, otherwise the
// in-process bus carries the events.
func buildBus(ctx context.Context, cfg config.Config, logger *logging.Logger) (bus.Publisher, func(), error) {
	if cfg.Redis.URL == "" {
		logger.Info().Msg("REDIS_URL not set, using in-memory bus")
		return bus.NewMemoryBus(), func() {}, nil
	}

	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Redis.DialTimeout != nil {
		opts.DialTimeout = *cfg.Redis.DialTimeout
	}
	if cfg.Redis.ReadTimeout != nil {
		opts.ReadTimeout = *cfg.Redis.ReadTimeout
	}
	if cfg.Redis.WriteTimeout != nil {
		opts.WriteTimeout = *cfg.Redis.WriteTimeout
	}
	if cfg.Redis.PoolSize != nil {
		opts.PoolSize = *cfg.Redis.PoolSize
	}
	if cfg.Redis.MinIdleConns != nil {
		opts.MinIdleConns = *cfg.Redis.MinIdleConns
	}
	if cfg.Redis.MaxRetries != nil {
		opts.MaxRetries = *cfg.Redis.MaxRetries
	}
	if cfg.Redis.TLSConfig != nil {
		opts.TLSConfig = cfg.Redis.TLSConfig
	}

	client := redis.NewClient(opts)
	cleanup := func() {
		if err := client.Close(); err != nil {
			logger.Warn().Err(err).Msg("closing redis client")
		}
	}
	if err := client.Ping(ctx).Err(); err != nil {
		cleanup()
		return nil, nil, err
	}
	return bus.NewStreamBus(client, cfg.Redis.Stream, cfg.Redis.StreamMaxLen, logger), cleanup, nil
}

// startConsumers attaches the step handlers to whichever bus is in play. The
// in-memory bus dispatches synchronously; the stream bus runs a consumer
// group loop.
func startConsumers(ctx context.Context, b bus.Publisher, cfg config.Config, handlers map[string]bus.Handler, logger *logging.Logger) {
	switch typed := b.(type) {
	case *bus.MemoryBus:
		for detailType, handler := range handlers {
			typed.Subscribe(detailType, handler)
		}
	case *bus.StreamBus:
		go func() {
			err := typed.Consume(ctx, bus.ConsumerConfig{
				Group:    cfg.Redis.ConsumerGroup,
				Consumer: cfg.Redis.ConsumerName,
			}, handlers)
			if err != nil && ctx.Err() == nil {
				logger.Error().Err(err).Msg("stream consumer stopped")
			}
		}()
	}
}

// startSweepers schedules the reservation TTL sweep, the outbox republish
// sweep (Postgres only) and the breaker state gauge refresh.
func startSweepers(ctx context.Context, cfg config.Config, st stores, rawBus bus.Publisher, metrics *observability.Metrics, registry *resilience.Registry, logger *logging.Logger) (*cron.Cron, error) {
	scheduler := cron.New()

	reservations := inventory.NewSweeper(st.inventory, st.ledger, rawBus, logger)
	_, err := scheduler.AddFunc(cfg.Sweep.ReservationSchedule, func() {
		n, err := reservations.Sweep(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("reservation sweep failed")
			return
		}
		metrics.ReservationsExpired.Add(float64(n))
	})
	if err != nil {
		return nil, err
	}

	if st.outbox != nil {
		// The outbox republishes through the raw bus: routing a retry back
		// through the resilient publisher would record it again.
		outbox := sagadb.NewSweeper(st.outbox, rawBus, logger, cfg.Sweep.OutboxMinAge, cfg.Sweep.OutboxBatch)
		_, err = scheduler.AddFunc(cfg.Sweep.OutboxSchedule, func() {
			n, err := outbox.Sweep(ctx)
			if err != nil {
				logger.Warn().Err(err).Msg("outbox sweep failed")
				return
			}
			metrics.OutboxRepublished.Add(float64(n))
		})
		if err != nil {
			return nil, err
		}
	}

	_, err = scheduler.AddFunc("@every 15s", func() {
		metrics.SetBreakerStates(registry.States())
	})
	if err != nil {
		return nil, err
	}

	scheduler.Start()
	return scheduler, nil
}

// meteredPublisher counts successful publishes by detail type.
type meteredPublisher struct {
	inner   bus.Publisher
	metrics *observability.Metrics
}

func (p meteredPublisher) Publish(ctx context.Context, event bus.Event) error {
	if err := p.inner.Publish(ctx, event); err != nil {
		return err
	}
	p.metrics.EventsPublished.WithLabelValues(event.DetailType).Inc()
	return nil
}

// sagaObserver consumes the terminal saga events and records outcome metrics.
type sagaObserver struct {
	ledger  saga.Ledger
	metrics *observability.Metrics
}

func (o sagaObserver) Handle(ctx context.Context, event bus.Event) error {
	var detail struct {
		OrderID string `json:"orderId"`
	}
	if err := json.Unmarshal(event.Detail, &detail); err != nil || detail.OrderID == "" {
		return nil
	}
	state, err := o.ledger.GetSagaByOrder(ctx, detail.OrderID)
	if err != nil {
		return nil
	}
	if state.Status.Terminal() {
		o.metrics.IncSagaFinished(string(state.Status), state.UpdatedAt.Sub(state.StartedAt))
	}
	return nil
}

// instrument wraps a step handler with a duration observation.
func instrument(metrics *observability.Metrics, detailType string, handler bus.Handler) bus.Handler {
	return func(ctx context.Context, event bus.Event) error {
		start := time.Now()
		err := handler(ctx, event)
		metrics.ObserveHandler(detailType, time.Since(start))
		return err
	}
}
