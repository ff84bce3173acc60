package shops

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"github.com/ariefcatur/go-flash-sale/internal/cache"
	"github.com/ariefcatur/go-flash-sale/internal/config"
	"github.com/ariefcatur/go-flash-sale/internal/redisx"
)

type Store interface {
	GetByID(ctx context.Context, id int64) (*Shop, error)
	Update(ctx context.Context, s Shop) (Shop, error)
}

type Service struct {
	store    Store
	cache    *cache.Client
	strategy string
	ttl      time.Duration
	log      zerolog.Logger
}

func NewService(store Store, c *cache.Client, strategy string, ttl time.Duration, log zerolog.Logger) *Service {
	return &Service{
		store:    store,
		cache:    c,
		strategy: strategy,
		ttl:      ttl,
		log:      log.With().Str("component", "shops").Logger(),
	}
}

func (s *Service) QueryByID(ctx context.Context, id int64) (*Shop, error) {
	var (
		shop *Shop
		err  error
	)
	switch s.strategy {
	case config.StrategyPassThrough:
		shop, err = cache.QueryWithPassThrough(ctx, s.cache, redisx.KeyShopCachePrefix, id, s.store.GetByID, s.ttl)
	case config.StrategyMutex:
		shop, err = cache.QueryWithMutex(ctx, s.cache, redisx.KeyShopCachePrefix, id, s.store.GetByID, s.ttl)
	default:
		shop, err = cache.QueryWithLogicalExpiry(ctx, s.cache, redisx.KeyShopCachePrefix, id, s.store.GetByID, s.ttl)
	}
	if errors.Is(err, cache.ErrNotFound) {
		return nil, errors.Wrapf(ErrShopNotFound, "shop %d", id)
	}
	return shop, err
}

// Update writes the database first and then invalidates the cached copy.
// Logical-expiry entries are never loaded on a miss, so they are rewritten right away,
// under the key's rebuild lock so a rebuild that read the old row cannot overwrite them.
func (s *Service) Update(ctx context.Context, shop Shop) (Shop, error) {
	if shop.ID <= 0 {
		return Shop{}, errors.Wrap(ErrInvalidShop, "shop id is required")
	}
	saved, err := s.store.Update(ctx, shop)
	if err != nil {
		return Shop{}, err
	}

	key := redisx.ShopKey(saved.ID)
	if err := s.cache.Delete(ctx, key); err != nil {
		return Shop{}, err
	}
	if s.strategy == config.StrategyLogical {
		if err := s.cache.Refresh(ctx, key, saved, s.ttl); err != nil {
			s.log.Warn().Err(err).Int64("shop_id", saved.ID).Msg("re-warm after update")
		}
	}
	return saved, nil
}

// Warm loads ids from the database into logical-expiry entries. Missing ids are skipped.
func (s *Service) Warm(ctx context.Context, ids []int64) (int, error) {
	n := 0
	for _, id := range ids {
		shop, err := s.store.GetByID(ctx, id)
		if err != nil {
			return n, err
		}
		if shop == nil {
			continue
		}
		if err := s.cache.SetWithLogicalExpiry(ctx, redisx.ShopKey(id), shop, s.ttl); err != nil {
			return n, err
		}
		n++
	}
	s.log.Info().Int("shops", n).Msg("warmed shop cache")
	return n, nil
}
