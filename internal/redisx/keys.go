package redisx

import "fmt"

const (
	// Shop cache: cache:shop:{id} -> json Shop, or {"data":...,"expireTime":...} under logical expiry
	KeyShopCachePrefix = "cache:shop:"

	// Rebuild lock per cache key: lock:{cacheKey}
	KeyRebuildLockPrefix = "lock:"

	// Per-user order lock held by the persistence worker: lock:order:{user_id}
	KeyOrderLock = "lock:order:%d"

	// Voucher stock and window, hash with stock/begin/end: seckill:voucher:{voucher_id}
	KeySeckillVoucher = "seckill:voucher:%d"

	// Buyers of a voucher, set of user ids: seckill:order:{voucher_id}
	KeySeckillBought = "seckill:order:%d"
)

func ShopKey(id int64) string { return fmt.Sprintf("%s%d", KeyShopCachePrefix, id) }

func RebuildLockKey(cacheKey string) string { return KeyRebuildLockPrefix + cacheKey }

func OrderLockKey(userID int64) string { return fmt.Sprintf(KeyOrderLock, userID) }

func SeckillVoucherKey(voucherID int64) string { return fmt.Sprintf(KeySeckillVoucher, voucherID) }

func SeckillBoughtKey(voucherID int64) string { return fmt.Sprintf(KeySeckillBought, voucherID) }
