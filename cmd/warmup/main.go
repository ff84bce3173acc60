package main

import (
	"context"
	"flag"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"github.com/ariefcatur/go-flash-sale/internal/cache"
	"github.com/ariefcatur/go-flash-sale/internal/config"
	"github.com/ariefcatur/go-flash-sale/internal/idgen"
	"github.com/ariefcatur/go-flash-sale/internal/lock"
	"github.com/ariefcatur/go-flash-sale/internal/logging"
	"github.com/ariefcatur/go-flash-sale/internal/postgres"
	"github.com/ariefcatur/go-flash-sale/internal/redisx"
	"github.com/ariefcatur/go-flash-sale/internal/seckill"
	"github.com/ariefcatur/go-flash-sale/internal/shops"
)

func main() {
	migrate := flag.Bool("migrate", false, "apply the embedded schema first")
	shopIDs := flag.String("shops", "", "comma separated shop ids to warm; empty warms every shop")
	skipVouchers := flag.Bool("skip-vouchers", false, "do not seed seckill vouchers")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		boot := logging.New("info", false)
		boot.Fatal().Err(err).Msg("load config")
	}
	log := logging.New(cfg.Log.Level, cfg.Log.Pretty).With().Str("service", "warmup").Logger()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := run(ctx, cfg, log, *migrate, *shopIDs, *skipVouchers); err != nil {
		log.Fatal().Err(err).Msg("warmup failed")
	}
}

func run(ctx context.Context, cfg config.Config, log zerolog.Logger, migrate bool, shopIDs string, skipVouchers bool) error {
	db, err := postgres.Connect(ctx, cfg.PostgresDSN, cfg.Postgres, log)
	if err != nil {
		return err
	}
	defer db.Close()

	if migrate {
		if err := postgres.Migrate(ctx, db); err != nil {
			return err
		}
		log.Info().Msg("schema applied")
	}

	rdb, err := redisx.New(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer rdb.Close()

	if !skipVouchers {
		ids, err := idgen.NewWorker(cfg.NodeID)
		if err != nil {
			return err
		}
		svc := seckill.NewService(seckill.NewGate(rdb, ids, cfg.Order.Stream), seckill.NewVoucherRepo(db), log)
		if _, err := svc.SeedActive(ctx, time.Now()); err != nil {
			return err
		}
	}

	repo := shops.NewRepo(db)
	ids, err := parseIDs(shopIDs)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		if ids, err = repo.ListIDs(ctx); err != nil {
			return err
		}
	}

	cc := cache.New(rdb, lock.New(rdb), log, cache.Options{NullTTL: cfg.Cache.NullTTL, LockTTL: cfg.Cache.LockTTL})
	defer cc.Close()
	_, err = shops.NewService(repo, cc, config.StrategyLogical, cfg.Cache.ShopTTL, log).Warm(ctx, ids)
	return err
}

func parseIDs(csv string) ([]int64, error) {
	var out []int64
	for _, p := range strings.Split(csv, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "shop id %q", p)
		}
		out = append(out, id)
	}
	return out, nil
}
