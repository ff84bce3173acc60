package main

import (
	"context"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"github.com/ariefcatur/go-flash-sale/internal/cache"
	"github.com/ariefcatur/go-flash-sale/internal/config"
	"github.com/ariefcatur/go-flash-sale/internal/httpx"
	"github.com/ariefcatur/go-flash-sale/internal/idgen"
	kafkax "github.com/ariefcatur/go-flash-sale/internal/kafka"
	"github.com/ariefcatur/go-flash-sale/internal/lock"
	"github.com/ariefcatur/go-flash-sale/internal/logging"
	"github.com/ariefcatur/go-flash-sale/internal/postgres"
	"github.com/ariefcatur/go-flash-sale/internal/redisx"
	"github.com/ariefcatur/go-flash-sale/internal/seckill"
	"github.com/ariefcatur/go-flash-sale/internal/shops"
	"github.com/ariefcatur/go-flash-sale/internal/stream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := logging.New("info", false)
		boot.Fatal().Err(err).Msg("load config")
	}
	log := logging.New(cfg.Log.Level, cfg.Log.Pretty).With().Str("service", cfg.ServiceName).Logger()

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("api exited")
	}
}

func run(cfg config.Config, log zerolog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN, cfg.Postgres, log)
	if err != nil {
		return errors.Wrap(err, "db connect")
	}
	defer db.Close()

	// Redis
	rdb, err := redisx.New(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer rdb.Close()

	// Kafka producer
	prod := kafkax.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrderPlaced, 1024, log)
	prod.Start()

	ids, err := idgen.NewWorker(cfg.NodeID)
	if err != nil {
		return err
	}
	locker := lock.New(rdb)

	cc := cache.New(rdb, locker, log, cache.Options{
		NullTTL:        cfg.Cache.NullTTL,
		LockTTL:        cfg.Cache.LockTTL,
		RebuildWorkers: cfg.Cache.RebuildWorkers,
	})
	shopSvc := shops.NewService(shops.NewRepo(db), cc, cfg.Cache.ShopStrategy, cfg.Cache.ShopTTL, log)

	gate := seckill.NewGate(rdb, ids, cfg.Order.Stream)
	seckillSvc := seckill.NewService(gate, seckill.NewVoucherRepo(db), log)
	orderHandler := seckill.NewOrderHandler(locker, seckill.NewOrderRepo(db),
		kafkax.NewOrderEvents(prod, cfg.ServiceName), cfg.Order.LockTTL, log)
	consumer := stream.NewConsumer(rdb, streamConfig(cfg.Order), log)
	if err := consumer.EnsureGroup(ctx); err != nil {
		return err
	}

	router := httpx.NewRouter(log)
	(&httpx.ShopHandler{Service: shopSvc}).Register(router)
	(&httpx.SeckillHandler{Service: seckillSvc}).Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	var wg sync.WaitGroup
	workerCtx, stopWorker := context.WithCancel(context.Background())
	defer stopWorker()
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := consumer.Run(workerCtx, orderHandler.HandleMessage); err != nil {
			log.Error().Err(err).Msg("order worker stopped")
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		log.Error().Err(err).Msg("listen")
	}
	log.Info().Msg("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = srv.Shutdown(shutdownCtx)

	stopWorker() // unacked entries stay pending for the next start
	wg.Wait()
	cc.Close()
	prod.Close() // flush buffered events
	prod.WaitClosed()
	return nil
}

func streamConfig(o config.OrderConfig) stream.Config {
	return stream.Config{
		Stream:   o.Stream,
		Group:    o.Group,
		Consumer: o.Consumer,
		Block:    o.ReadBlock,
		Backoff:  o.RetryBackoff,
	}
}
