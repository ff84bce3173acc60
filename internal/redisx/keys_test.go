package redisx

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeys(t *testing.T) {
	assert.Equal(t, "cache:shop:7", ShopKey(7))
	assert.Equal(t, "lock:cache:shop:7", RebuildLockKey(ShopKey(7)))
	assert.Equal(t, "lock:order:42", OrderLockKey(42))
	assert.Equal(t, "seckill:voucher:3", SeckillVoucherKey(3))
	assert.Equal(t, "seckill:order:3", SeckillBoughtKey(3))
}
