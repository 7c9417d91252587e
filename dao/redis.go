package dao

import (
	"context"

	"nft_exchange/utils"

	goredis "github.com/go-redis/redis/v8"
)

// PauseKey 全局紧急暂停开关的Redis键（值为"1"表示暂停）
const PauseKey = "market:paused"

// RedisPauseSwitch 基于Redis的全局暂停开关（service.PauseSwitch的生产实现）
// 所有变更类入口执行前查询；fail-closed：Redis不可达时视为已暂停
type RedisPauseSwitch struct{}

// Paused 查询暂停状态
func (RedisPauseSwitch) Paused(ctx context.Context) (bool, error) {
	val, err := utils.RedisClient.Get(ctx, PauseKey).Result()
	if err == goredis.Nil {
		return false, nil
	}
	if err != nil {
		// fail-closed：无法确认开关状态时拒绝变更操作
		return true, err
	}
	return val == "1", nil
}

// SetPaused 设置暂停状态（运维入口）
func SetPaused(ctx context.Context, paused bool) error {
	val := "0"
	if paused {
		val = "1"
	}
	return utils.RedisClient.Set(ctx, PauseKey, val, 0).Err()
}
